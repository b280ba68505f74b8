// Package cmd implements the CLI commands for nvrd.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openhaus/nvrd/internal/version"
)

var (
	cfgFile   string
	logLevel  string
	logFormat string
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:     "nvrd",
	Short:   "Single-node network video recorder supervisor",
	Version: version.Short(),
	Long: `nvrd continuously captures RTSP streams from IP cameras, segments
them to disk as HLS, records per-motion-event video, extracts frames during
motion, and feeds them into an object-detection worker.

Desired state (cameras and settings) lives in an embedded store; one
reconciliation tick per second keeps the transcoder, extractor, and
detector children matching it.`,
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
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format (text, json)")
}
