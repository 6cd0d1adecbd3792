// Package cmd implements the CLI commands for upscalarr.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/upscalarr/upscalarr/internal/config"
	"github.com/upscalarr/upscalarr/internal/observability"
	"github.com/upscalarr/upscalarr/internal/version"
)

var (
	cfgFile   string
	logLevel  string
	logFormat string

	cfg *config.Config
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:     "upscalarr",
	Short:   "Video super-resolution and frame-interpolation engine",
	Version: version.Short(),
	Long: `upscalarr compiles user-authored workflow graphs into streaming
pipelines that run every frame of a video through neural-network
super-resolution and frame-interpolation stages.

Workflows are JSON documents of typed nodes and connections; the engine
validates the graph, resolves parameters, and executes the stages with
bounded backpressure and cooperative cancellation.`,
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		return initConfigAndLogging()
	},
}

// Execute adds all child commands to the root command and sets flags
// appropriately.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches ., ./configs, /etc/upscalarr, $HOME/.upscalarr)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format (text, json)")
}

// initConfigAndLogging loads configuration and installs the default logger.
func initConfigAndLogging() error {
	loaded, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	// CLI flags override file/env configuration.
	if logLevel != "" {
		loaded.Logging.Level = logLevel
	}
	if logFormat != "" {
		loaded.Logging.Format = logFormat
	}

	cfg = loaded
	observability.SetDefault(observability.NewLogger(cfg.Logging))
	return nil
}
