package cmd

import (
	"fmt"
	"os"

	"github.com/markb/tasklive/internal/log"
	"github.com/spf13/cobra"
)

// Version information set via ldflags at build time
var (
	Version   = "dev"
	BuildTime = ""
	GitCommit = ""
)

var rootCmd = &cobra.Command{
	Use:     "tasklive",
	Short:   "Realtime presence and chat for tasklive",
	Long:    `Presence, direct-message chat and unread counts over a Phoenix v1 realtime endpoint, plus a development server for that endpoint.`,
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := log.Init(buildLogConfig(cmd)); err != nil {
			return fmt.Errorf("failed to initialize logging: %w", err)
		}
		return nil
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.SetVersionTemplate("tasklive version {{.Version}}\n")

	flags := rootCmd.PersistentFlags()
	flags.String("log-level", "", "Log level: debug, info, warn, error (default: info)")
	flags.String("log-mode", "", "Log output: console, file, database (default: console)")
	flags.String("log-format", "", "Log format: text, json (default: text)")
	flags.String("log-file", "", "Log file path for file mode")
	flags.String("log-db", "", "SQLite log database path for database mode")
}

// buildLogConfig creates a log.Config from environment variables and CLI flags.
// Priority: CLI flags > environment variables > defaults
func buildLogConfig(cmd *cobra.Command) *log.Config {
	cfg := log.DefaultConfig()
	cfg.ApplyEnv()

	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		cfg.Level = v
	}
	if v, _ := cmd.Flags().GetString("log-mode"); v != "" {
		cfg.Mode = v
	}
	if v, _ := cmd.Flags().GetString("log-format"); v != "" {
		cfg.Format = v
	}
	if v, _ := cmd.Flags().GetString("log-file"); v != "" {
		cfg.FilePath = v
	}
	if v, _ := cmd.Flags().GetString("log-db"); v != "" {
		cfg.DBPath = v
	}
	return cfg
}

func Execute() {
	err := rootCmd.Execute()
	log.Close()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
