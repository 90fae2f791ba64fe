package main

import (
	"fmt"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/mark-chris/farmdesk/internal/navigation"
)

var (
	loginEmail    string
	loginPassword string
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in to the farm backend",
	Long:  "Sign in to the farm backend and store the session tokens securely.",
	RunE:  runLogin,
}

func init() {
	loginCmd.Flags().StringVar(&loginEmail, "email", "", "Email address")
	loginCmd.Flags().StringVar(&loginPassword, "password", "", "Password (will prompt if not provided)")
	rootCmd.AddCommand(loginCmd)
}

func runLogin(cmd *cobra.Command, args []string) error {
	// Reset flags for reuse in tests
	defer func() {
		loginEmail = ""
		loginPassword = ""
	}()

	a, err := bootApp(cmd)
	if err != nil {
		return err
	}

	// Prompt for email if not provided
	if loginEmail == "" {
		fmt.Fprint(cmd.OutOrStdout(), "Email: ")
		if _, err := fmt.Fscanln(cmd.InOrStdin(), &loginEmail); err != nil {
			return fmt.Errorf("failed to read email: %w", err)
		}
	}

	// Prompt for password if not provided
	if loginPassword == "" {
		fmt.Fprint(cmd.OutOrStdout(), "Password: ")
		passwordBytes, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Fprintln(cmd.OutOrStdout()) // newline after password
		if err != nil {
			return fmt.Errorf("failed to read password: %w", err)
		}
		loginPassword = string(passwordBytes)
	}

	if err := a.ctrl.Login(cmd.Context(), loginEmail, loginPassword); err != nil {
		return fmt.Errorf("login failed: %w", err)
	}

	fmt.Fprintln(cmd.OutOrStdout(), "Login successful! Token stored securely.")

	switch a.nav.Current() {
	case navigation.RouteFarmSelection:
		fmt.Fprintln(cmd.OutOrStdout(), "You belong to several farms. Pick one with 'farmdesk farms switch <id>':")
		printFarms(cmd, a.switcher.Farms(), "")
	default:
		if farm, ok := a.switcher.Context().Selected(); ok {
			fmt.Fprintf(cmd.OutOrStdout(), "Working on farm: %s\n", farm.Label())
		}
	}
	return nil
}
