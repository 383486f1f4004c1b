// Package cli implements the cellforge command-line interface using
// Cobra. Each subcommand maps to one workflow (optimize, sweep, serve).
package cli

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/cellforge-eda/cellforge/internal/trainer"
)

var rootCmd = &cobra.Command{
	Use:   "cellforge",
	Short: "cellforge — RL-driven circuit cell optimizer",
	Long: `cellforge optimizes transistor sizing of standard cells by driving
an external SPICE simulator from a policy-gradient search loop.

Every simulation runs in an isolated scope; simulator crashes are
retried and absorbed instead of aborting the run.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. Called from main.go.
func Execute(version string) {
	rootCmd.Version = version

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// newLogger builds a logrus logger from the config.
func newLogger(cfg trainer.LoggingConfig) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if lvl, err := logrus.ParseLevel(cfg.Level); err == nil {
		log.SetLevel(lvl)
	}
	return log
}
