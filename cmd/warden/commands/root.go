// Package commands provides the CLI commands for warden.
package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wardenhq/warden/internal/config"
	"github.com/wardenhq/warden/internal/logging"
)

var (
	// Version information set at build time
	Version   = "0.1.0"
	BuildTime = "dev"
)

// Global flags
var (
	rootProfile   string
	rootLogLevel  string
	rootLogPretty bool
)

var rootCmd = &cobra.Command{
	Use:   "warden",
	Short: "warden - local supervisor for AI agent CLIs",
	Long: `Warden supervises interactive AI-agent CLI subprocesses behind a
local HTTP/WebSocket API: session logs, message queues, permission
modes, and an encrypted relay for remote access.

Run 'warden serve' to start the server, or 'warden run' for a headless
one-shot session.`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&rootProfile, "profile", "", "Named profile (isolated config and data)")
	rootCmd.PersistentFlags().StringVar(&rootLogLevel, "log-level", "", "Log level (debug|info|warn|error)")
	rootCmd.PersistentFlags().BoolVar(&rootLogPretty, "log-pretty", false, "Human-readable log output")

	rootCmd.SetVersionTemplate(fmt.Sprintf("warden %s (%s)\n", Version, BuildTime))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(authCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// loadConfig builds the effective configuration and initializes logging
// from it plus the global flags.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(rootProfile)
	if err != nil {
		return nil, err
	}

	logCfg := logging.DefaultConfig()
	if rootLogLevel != "" {
		logCfg.Level = logging.ParseLevel(rootLogLevel)
	} else if cfg.LogLevel != "" {
		logCfg.Level = logging.ParseLevel(cfg.LogLevel)
	}
	logCfg.Pretty = rootLogPretty || cfg.LogPretty
	logging.Init(logCfg)

	return cfg, nil
}
