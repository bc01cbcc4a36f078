package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/polarscope/runflow/internal/config"
	"github.com/polarscope/runflow/internal/platform/postgres"
	"github.com/polarscope/runflow/internal/registrar"
	pgstore "github.com/polarscope/runflow/internal/repo/postgres"
)

var importCmd = &cobra.Command{
	Use:   "import <events-file>",
	Short: "Import runs from a wiki events export",
	Long: `Import reads a JSON export of wiki calendar events and registers
every entry whose title parses as a run number. Existing runs are
refreshed in place, entries that do not describe a run are skipped.

Example:
  runflow import events.json`,
	Args: cobra.ExactArgs(1),
	RunE: runImport,
}

func init() {
	rootCmd.AddCommand(importCmd)
}

func runImport(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	logger := cfg.Log.NewLogger(os.Stderr)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := postgres.Open(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	reg, err := registrar.New(logger, pgstore.NewRunStore(db), pgstore.NewStepStore(db))
	if err != nil {
		return fmt.Errorf("registrar: %w", err)
	}

	result, err := reg.ImportEvents(ctx, args[0], os.Stderr)
	if err != nil {
		return err
	}
	fmt.Printf("Imported %d of %d events, skipped %d\n", result.Imported, result.Total, result.Skipped)
	return nil
}
