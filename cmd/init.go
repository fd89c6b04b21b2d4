package cmd

import (
	"fmt"
	"log"
	"strings"

	"github.com/Scrowzerrz/botllm/botllm"
	"github.com/spf13/cobra"
)

var initAPIKeys []string

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the database and settings file",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()

		if cfg.DatabaseType == "" {
			log.Fatal("Environment variable BOTLLM_DATABASE_TYPE not set (must be one of: sqlite, postgres)")
		}
		if cfg.Database == "" {
			log.Fatal(
				"Environment variable BOTLLM_DATABASE not set (must be a valid " +
					"database connection string or sqlite file path)",
			)
		}

		// Run database migrations
		if _, err := botllm.CreateDB(ctx, cfg.DatabaseType, cfg.Database); err != nil {
			log.Fatalf("Error creating database: %v", err)
		}

		out := cmd.OutOrStdout()

		// Creates (or sanitizes and rewrites) the settings file
		store := botllm.NewSettingsStore(cfg.SettingsFile, nil)
		settings := store.Global()

		for _, key := range initAPIKeys {
			key = strings.TrimSpace(key)
			if key == "" {
				continue
			}
			updated, err := store.AddKey(key)
			if err != nil {
				log.Fatalf("Error adding API key: %v", err)
			}
			settings = updated
		}

		fmt.Fprintf(
			out,
			"Settings file %s ready (%d API key(s) configured).\n",
			cfg.SettingsFile,
			len(settings.APIKeys),
		)
		fmt.Fprintln(
			out,
			"Initialization complete. You can now start the server with the 'run' subcommand.",
		)
	},
}

func init() {
	rootCmd.AddCommand(initCmd)

	initCmd.Flags().StringSliceVar(
		&initAPIKeys,
		"api-key",
		nil,
		"Upstream API key to add to the rotation (repeatable)",
	)
}
