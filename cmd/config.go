package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mark-chris/farmdesk/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
	Long:  "View and update farmdesk configuration settings",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Display current configuration",
	Long:  "Display the current effective configuration including environment variable overrides",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		csrf := "(not set)"
		if cfg.Server.CSRFToken != "" {
			csrf = "(set)"
		}

		cmd.Printf("Server:\n")
		cmd.Printf("  URL: %s\n", cfg.Server.URL)
		cmd.Printf("  CSRF token: %s\n", csrf)
		cmd.Printf("\n")
		cmd.Printf("Store:\n")
		cmd.Printf("  Backend: %s\n", cfg.Store.Backend)
		if cfg.Store.Backend == config.BackendFile {
			cmd.Printf("  Path: %s\n", cfg.Store.Path)
		}
		cmd.Printf("\n")
		cmd.Printf("Session:\n")
		cmd.Printf("  Coalesce refresh: %t\n", cfg.Session.CoalesceRefresh)
		cmd.Printf("  Request timeout: %s\n", cfg.Session.RequestTimeout)
		cmd.Printf("\n")
		cmd.Printf("Logging:\n")
		cmd.Printf("  Level: %s\n", cfg.Logging.Level)

		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:               "set <key> <value>",
	Short:             "Update configuration value",
	Long:              "Update a configuration value in the config file. Example: farmdesk config set server.url https://api.example.com",
	Args:              cobra.ExactArgs(2),
	ValidArgsFunction: configKeyCompletion,
	RunE: func(cmd *cobra.Command, args []string) error {
		key := args[0]
		value := args[1]

		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if err := cfg.Set(key, value); err != nil {
			return err
		}

		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		if err := cfg.Save(); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		cmd.Printf("Updated %s to: %s\n", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	rootCmd.AddCommand(configCmd)
}

// configKeyCompletion provides tab completion for config keys
func configKeyCompletion(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	// If we already have the key argument, don't provide more completions
	if len(args) >= 1 {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}

	validKeys := []string{
		"server.url\tBackend URL",
		"server.csrf_token\tAnti-forgery token sent on mutating requests",
		"store.backend\tCredential store (keyring, file)",
		"store.path\tCredential file for the file store",
		"session.coalesce_refresh\tShare one refresh between concurrent requests",
		"session.request_timeout\tPer-request timeout (e.g. 10s)",
		"logging.level\tLogging level (debug, info, warn, error)",
	}

	return validKeys, cobra.ShellCompDirectiveNoFileComp
}
