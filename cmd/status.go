package main

import (
	"context"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/mark-chris/farmdesk/internal/session"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the session and selected farm",
	Long:  "Restore the stored session, refreshing it if needed, and show who is signed in and which farm is selected.",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	a, err := bootApp(cmd)
	if err != nil {
		return err
	}

	s := a.ctrl.Session()

	ctx, cancel := context.WithTimeout(cmd.Context(), 3*time.Second)
	defer cancel()
	serverState := color.GreenString("ok")
	if _, err := a.client.Health(ctx); err != nil {
		serverState = color.RedString("unreachable")
	}

	cmd.Printf("Server:  %s (%s)\n", a.cfg.Server.URL, serverState)

	switch s.Status {
	case session.StatusAuthenticated:
		cmd.Printf("Session: %s\n", color.GreenString(string(s.Status)))
		cmd.Printf("  Subject: %s\n", s.Claims.Subject)
		cmd.Printf("  Expires: %s\n", s.Claims.ExpiresAt.Local().Format(time.RFC3339))
	default:
		cmd.Printf("Session: %s\n", color.YellowString(string(s.Status)))
	}

	if farm, ok := a.switcher.Context().Selected(); ok {
		cmd.Printf("Farm:    %s (%s)\n", farm.Label(), farm.ID)
	} else {
		cmd.Printf("Farm:    none selected\n")
	}
	return nil
}
