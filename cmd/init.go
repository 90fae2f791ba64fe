package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mark-chris/farmdesk/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	Long:  "Create the configuration file and directory for farmdesk",
	RunE: func(cmd *cobra.Command, args []string) error {
		configDir := config.GetConfigDir()
		configPath := config.GetConfigPath()

		// Check if config already exists
		if _, err := os.Stat(configPath); err == nil {
			return fmt.Errorf("configuration already exists at %s\n\nTo reconfigure, either:\n  1. Edit the file directly, or\n  2. Delete it and run 'farmdesk init' again, or\n  3. Use 'farmdesk config set <key> <value>' to update specific values", configPath)
		}

		if err := config.Default().Save(); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		cmd.Printf("Configuration initialized at %s\n", configDir)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
