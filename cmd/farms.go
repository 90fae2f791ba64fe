package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mark-chris/farmdesk/internal/tenant"
)

var farmsCmd = &cobra.Command{
	Use:   "farms",
	Short: "List and switch farms",
	Long:  "List the farms available to the signed-in user and switch the working farm.",
}

var farmsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List available farms",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := bootApp(cmd)
		if err != nil {
			return err
		}
		if err := a.requireSession(); err != nil {
			return err
		}

		d, err := a.switcher.LoadTenants(cmd.Context())
		if err != nil {
			if sessionEnded(a) {
				return errNotLoggedIn
			}
			return fmt.Errorf("failed to list farms: %w", err)
		}
		if len(d.Farms) == 0 {
			cmd.Println("No farms available.")
			return nil
		}

		printFarms(cmd, d.Farms, a.switcher.Context().SelectedID())
		return nil
	},
}

var farmsSwitchCmd = &cobra.Command{
	Use:   "switch <farm-id>",
	Short: "Switch the working farm",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := bootApp(cmd)
		if err != nil {
			return err
		}
		if err := a.requireSession(); err != nil {
			return err
		}

		farmID := args[0]
		if a.switcher.Context().SelectedID() == farmID {
			cmd.Printf("Already working on farm %s\n", farmID)
			return nil
		}

		if err := a.switcher.SwitchTenant(cmd.Context(), farmID); err != nil {
			if sessionEnded(a) {
				return errNotLoggedIn
			}
			if errors.Is(err, tenant.ErrSwitchFailed) {
				return fmt.Errorf("could not switch to farm %s: %w", farmID, err)
			}
			return err
		}
		return nil
	},
}

func init() {
	farmsCmd.AddCommand(farmsListCmd)
	farmsCmd.AddCommand(farmsSwitchCmd)
	rootCmd.AddCommand(farmsCmd)
}

// sessionEnded reports whether a failed call ended the session
func sessionEnded(a *app) bool {
	return !a.ctrl.Session().Authenticated()
}

// printFarms writes one line per farm, marking selectedID
func printFarms(cmd *cobra.Command, farms []tenant.Farm, selectedID string) {
	for _, f := range farms {
		marker := " "
		if f.ID == selectedID {
			marker = "*"
		}
		cmd.Printf("%s %-12s %s\n", marker, f.ID, f.Label())
	}
}
