// Package cmd implements the keygate command line.
package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/keygate/keygate/cfg"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	configPath string
	overrides  cfg.Overrides
)

var rootCmd = &cobra.Command{
	Use:           "keygate",
	Short:         "Identity change pipeline: CDC tailing, event replication and search indexing",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Load(configPath, overrides); err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		setupLogging()
		return nil
	},
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configPath, "config", "config.toml", "Path to configuration file")
	flags.StringVar(&overrides.DataDir, "data-dir", "", "Data directory (overrides config)")
	flags.Uint64Var(&overrides.NodeID, "node-id", 0, "Node ID (overrides config, 0 = auto-generate)")
	flags.BoolVar(&overrides.Verbose, "verbose", false, "Enable debug logging")

	rootCmd.AddCommand(runCmd, printCmd, checkpointCmd, credentialCmd)
}

func setupLogging() {
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	logger := zerolog.New(writer).
		With().
		Timestamp().
		Uint64("node_id", cfg.Config.NodeID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = logger.Level(zerolog.DebugLevel)
	} else {
		log.Logger = logger.Level(zerolog.InfoLevel)
	}
}
