// Package cli provides the command-line interface for kvadmin.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"kvadmin/internal/client"
	"kvadmin/internal/config"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	// Global flags
	actor string

	// Global config and API client
	cfg       config.Config
	apiClient *client.Client
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "kvadmin",
	Short: "Operator tooling for bulk key-value operations",
	Long: `kvadmin submits and tracks bulk operations (delete, copy, export,
import, ttl_update, tag, backup, restore) running against a key-value
store, and follows their progress live.

It talks to a kvadmind daemon; set KVADMIN_SERVER_URL to point it at one.`,
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" || cmd.Name() == "help" {
			return nil
		}

		var err error
		cfg, err = config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		if actor == "" {
			actor = userName()
		}
		apiClient = client.New(cfg.ServerURL, actor)
		return nil
	},
}

// userName resolves a default actor identity for the audit trail.
func userName() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "anonymous"
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&actor, "actor", "", "identity recorded in the job audit trail (default: $USER)")
}
