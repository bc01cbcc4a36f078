// Package cmd implements the runflow command line interface.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "runflow",
	Short: "Workflow engine for detector run processing",
	Long: `Runflow tracks detector runs through the two-site processing
workflow: transfer from tape, stage-one processing, transfer to WIPAC,
stage-two processing. Run state lives in Postgres, failed steps retry
with exponential backoff, and an HTTP API exposes listing, registration
and operator controls.

Examples:
  runflow migrate
  runflow serve
  runflow import events.json
  runflow run list --state "Step 1 Error"
  runflow run retry 139400`,
	Version:       "0.1.0",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./runflow.yaml, $HOME/.config/runflow, /etc/runflow)")
	rootCmd.SetVersionTemplate("runflow {{.Version}}\n")
}
