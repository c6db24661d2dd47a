// Package cmd defines and implements the CLI commands for the rentradar
// executable.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rentradar",
		Short: "A resilient rental-listing scraper for Zoopla",
		Long: `rentradar crawls Zoopla search pages for the configured areas, fetches
each discovered listing through a degrading transport ladder, validates the
extracted records, and delivers them to an HTTP sink with a local buffer as
the fallback.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is env-only configuration)")

	cmd.AddCommand(newScrapeCmd())
	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
