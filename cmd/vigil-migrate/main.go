// Package main provides the vigil-migrate binary: the engine that moves
// a legacy Vigil workspace into the hosted service, plus the HTTP
// control plane exposing the same operations over the network.
package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/vigilhq/vigil-migrate/pkg/config"
)

var (
	version = "dev"

	// Global flags
	configPath string
	outputFlag string
	logLevel   string
	sourcePath string
	destDSN    string
	destDriver string

	globalConfig *config.Config
	globalLogger *slog.Logger
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "vigil-migrate",
		Short: "Migrate a legacy Vigil workspace into the hosted service",
		Long: `vigil-migrate copies a self-hosted Vigil workspace (SQLite) into the
hosted multi-tenant service (PostgreSQL or MySQL).

A run exports every legacy table, transforms rows to the hosted schema,
validates the result, imports it in dependency order and verifies the
import by re-reading the destination. Failed verifications can be rolled
back; every rollback snapshots the workspace first so it can be restored.

Configuration is read from ./vigil-migrate.yaml (or --config), overlaid
by VIGIL_MIGRATE_* environment variables, overlaid by flags.`,
		Version: version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("log-level") {
				cfg.Log.Level = logLevel
			}
			if flags.Changed("source") {
				cfg.Source.Path = sourcePath
			}
			if flags.Changed("destination-dsn") {
				cfg.Destination.DSN = destDSN
			}
			if flags.Changed("destination-driver") {
				cfg.Destination.Driver = destDriver
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			globalConfig = cfg

			globalLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
				Level: cfg.LogLevel(),
			}))
			slog.SetDefault(globalLogger)
			return nil
		},
		SilenceUsage: true,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default ./vigil-migrate.yaml when present)")
	rootCmd.PersistentFlags().StringVarP(&outputFlag, "output", "o", "table", "Output format: table, json, yaml")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&sourcePath, "source", "", "Path to the legacy SQLite workspace")
	rootCmd.PersistentFlags().StringVar(&destDSN, "destination-dsn", "", "Hosted database DSN")
	rootCmd.PersistentFlags().StringVar(&destDriver, "destination-driver", "", "Hosted database driver: postgres, mysql, sqlite")

	// Register subcommands
	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newRollbackCmd())
	rootCmd.AddCommand(newRestoreCmd())
	rootCmd.AddCommand(newBackupsCmd())
	rootCmd.AddCommand(newServeCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
