package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/polarscope/runflow/internal/config"
	"github.com/polarscope/runflow/internal/domain"
	"github.com/polarscope/runflow/internal/platform/postgres"
	"github.com/polarscope/runflow/internal/registrar"
	"github.com/polarscope/runflow/internal/repo"
	pgstore "github.com/polarscope/runflow/internal/repo/postgres"
)

var (
	runListState  string
	runListErrors bool
	runListLimit  int

	runRegisterFile      int64
	runRegisterStartDate string

	runServerURL string
	runAPIToken  string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Inspect and control individual runs",
}

var runListCmd = &cobra.Command{
	Use:   "list",
	Short: "List runs, optionally filtered by state",
	Long: `List prints runs ordered by start date. Use --state to restrict to
one workflow state, or --errors for runs parked in either error state.

Examples:
  runflow run list
  runflow run list --state "Process Step 1"
  runflow run list --errors`,
	Args: cobra.NoArgs,
	RunE: runRunList,
}

var runShowCmd = &cobra.Command{
	Use:   "show <run_number>",
	Short: "Show one run and its processing steps",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunShow,
}

var runRegisterCmd = &cobra.Command{
	Use:   "register <run_number>",
	Short: "Register a new run",
	Long: `Register creates a run in the Not Yet Started state together with
its two processing step rows.

Example:
  runflow run register 139400 --file-number 1187 --start-date 2024-03-05`,
	Args: cobra.ExactArgs(1),
	RunE: runRunRegister,
}

var runRetryCmd = &cobra.Command{
	Use:   "retry <run_number>",
	Short: "Retry a run parked in an error state",
	Long: `Retry asks a running server to move an errored run back to the
transfer state that failed. The run must not be claimed by an in-flight
step and must not have exhausted its automatic retries.`,
	Args: cobra.ExactArgs(1),
	RunE: runRunRetry,
}

var runCancelCmd = &cobra.Command{
	Use:   "cancel <run_number>",
	Short: "Park a run so the dispatcher skips it",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunCancel,
}

var runUncancelCmd = &cobra.Command{
	Use:   "uncancel <run_number>",
	Short: "Resume a parked run",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunUncancel,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.AddCommand(runListCmd, runShowCmd, runRegisterCmd, runRetryCmd, runCancelCmd, runUncancelCmd)

	runListCmd.Flags().StringVar(&runListState, "state", "", "filter by workflow state")
	runListCmd.Flags().BoolVar(&runListErrors, "errors", false, "only runs in Step 1 Error or Step 2 Error")
	runListCmd.Flags().IntVar(&runListLimit, "limit", 100, "maximum number of runs to print")

	runRegisterCmd.Flags().Int64Var(&runRegisterFile, "file-number", 0, "file number assigned to the run")
	runRegisterCmd.Flags().StringVar(&runRegisterStartDate, "start-date", "", "run start date, YYYY-MM-DD (required)")
	_ = runRegisterCmd.MarkFlagRequired("start-date")

	for _, c := range []*cobra.Command{runRetryCmd, runCancelCmd, runUncancelCmd} {
		c.Flags().StringVar(&runServerURL, "server", "", "base URL of the runflow server (default derived from http.addr)")
		c.Flags().StringVar(&runAPIToken, "token", "", "bearer token for the API (default from config)")
	}
}

// withDatabase loads the configuration, opens the database and invokes fn
// under a signal-cancelled context.
func withDatabase(cmd *cobra.Command, fn func(ctx context.Context, cfg *config.Config, db *sql.DB) error) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := postgres.Open(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	return fn(ctx, cfg, db)
}

func runRunList(cmd *cobra.Command, args []string) error {
	filter := repo.RunFilter{Limit: runListLimit}
	switch {
	case runListErrors && runListState != "":
		return fmt.Errorf("--state and --errors are mutually exclusive")
	case runListErrors:
		filter.States = []domain.WorkflowState{domain.StateStep1Error, domain.StateStep2Error}
	case runListState != "":
		state, err := domain.ParseWorkflowState(runListState)
		if err != nil {
			return err
		}
		filter.States = []domain.WorkflowState{state}
	}

	return withDatabase(cmd, func(ctx context.Context, cfg *config.Config, db *sql.DB) error {
		runs, err := pgstore.NewRunStore(db).ListRuns(ctx, filter)
		if err != nil {
			return fmt.Errorf("list runs: %w", err)
		}

		fmt.Printf("%-12s %-8s %-12s %-20s %s\n", "RUN", "FILE", "START DATE", "STATE", "UPDATED")
		fmt.Println(strings.Repeat("-", 76))
		for _, run := range runs {
			fmt.Printf("%-12d %-8d %-12s %-20s %s\n",
				run.RunNumber,
				run.FileNumber,
				run.RunStartDate.UTC().Format("2006-01-02"),
				run.State,
				formatTime(run.UpdatedAt),
			)
		}
		fmt.Printf("\nTotal: %d runs\n", len(runs))
		return nil
	})
}

func runRunShow(cmd *cobra.Command, args []string) error {
	runNumber, err := parseRunNumberArg(args[0])
	if err != nil {
		return err
	}

	return withDatabase(cmd, func(ctx context.Context, cfg *config.Config, db *sql.DB) error {
		run, err := pgstore.NewRunStore(db).GetRun(ctx, runNumber)
		if err != nil {
			return fmt.Errorf("get run %d: %w", runNumber, err)
		}
		steps, err := pgstore.NewStepStore(db).ListSteps(ctx, runNumber)
		if err != nil {
			return fmt.Errorf("list steps for run %d: %w", runNumber, err)
		}

		fmt.Printf("Run:        %d\n", run.RunNumber)
		fmt.Printf("File:       %d\n", run.FileNumber)
		fmt.Printf("Start date: %s\n", run.RunStartDate.UTC().Format("2006-01-02"))
		fmt.Printf("State:      %s\n", run.State)
		if run.URL != "" {
			fmt.Printf("URL:        %s\n", run.URL)
		}
		fmt.Printf("Updated:    %s\n", formatTime(run.UpdatedAt))

		fmt.Printf("\n%-5s %-8s %-20s %-20s %-13s %s\n", "STEP", "SITE", "STARTED", "ENDED", "CHECKSUM", "LOCATION")
		fmt.Println(strings.Repeat("-", 92))
		for _, step := range steps {
			fmt.Printf("%-5d %-8s %-20s %-20s %-13s %s\n",
				step.StepNumber,
				orDash(step.Site),
				formatTimePtr(step.StartedDate),
				formatTimePtr(step.EndDate),
				shortChecksum(step.Checksum),
				orDash(step.Location),
			)
		}
		return nil
	})
}

func runRunRegister(cmd *cobra.Command, args []string) error {
	runNumber, err := parseRunNumberArg(args[0])
	if err != nil {
		return err
	}
	startDate, err := time.ParseInLocation("2006-01-02", runRegisterStartDate, time.UTC)
	if err != nil {
		return fmt.Errorf("invalid --start-date %q, want YYYY-MM-DD", runRegisterStartDate)
	}

	return withDatabase(cmd, func(ctx context.Context, cfg *config.Config, db *sql.DB) error {
		logger := cfg.Log.NewLogger(os.Stderr)
		reg, err := registrar.New(logger, pgstore.NewRunStore(db), pgstore.NewStepStore(db))
		if err != nil {
			return fmt.Errorf("registrar: %w", err)
		}
		run, err := reg.Register(ctx, runNumber, runRegisterFile, startDate)
		if err != nil {
			return err
		}
		fmt.Printf("Registered run %d (%s)\n", run.RunNumber, run.State)
		return nil
	})
}

func runRunRetry(cmd *cobra.Command, args []string) error {
	runNumber, err := parseRunNumberArg(args[0])
	if err != nil {
		return err
	}
	client, err := newRunClient()
	if err != nil {
		return err
	}

	var run domain.Run
	path := fmt.Sprintf("/api/runs/%d/retry", runNumber)
	if err := client.postJSON(cmd.Context(), path, &run); err != nil {
		return err
	}
	fmt.Printf("Run %d retried, now %s\n", run.RunNumber, run.State)
	return nil
}

func runRunCancel(cmd *cobra.Command, args []string) error {
	return toggleCancel(cmd, args[0], "cancel")
}

func runRunUncancel(cmd *cobra.Command, args []string) error {
	return toggleCancel(cmd, args[0], "uncancel")
}

func toggleCancel(cmd *cobra.Command, arg, action string) error {
	runNumber, err := parseRunNumberArg(arg)
	if err != nil {
		return err
	}
	client, err := newRunClient()
	if err != nil {
		return err
	}

	var result struct {
		RunNumber int64 `json:"run_number"`
		Cancelled bool  `json:"cancelled"`
	}
	path := fmt.Sprintf("/api/runs/%d/%s", runNumber, action)
	if err := client.postJSON(cmd.Context(), path, &result); err != nil {
		return err
	}
	if result.Cancelled {
		fmt.Printf("Run %d is parked, the dispatcher will skip it\n", result.RunNumber)
	} else {
		fmt.Printf("Run %d resumed\n", result.RunNumber)
	}
	return nil
}

// newRunClient resolves the server URL and token, flags first, then the
// configuration file.
func newRunClient() (*apiClient, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	base := runServerURL
	if base == "" {
		base = serverBaseURL(cfg.HTTP.Addr)
	}
	token := runAPIToken
	if token == "" {
		token = cfg.HTTP.BearerToken
	}
	return newAPIClient(base, token), nil
}

func serverBaseURL(addr string) string {
	if addr == "" {
		return "http://localhost:8080"
	}
	if strings.HasPrefix(addr, ":") {
		return "http://localhost" + addr
	}
	return "http://" + addr
}

func parseRunNumberArg(arg string) (int64, error) {
	runNumber, err := strconv.ParseInt(strings.TrimSpace(arg), 10, 64)
	if err != nil || runNumber <= 0 {
		return 0, fmt.Errorf("invalid run number %q", arg)
	}
	return runNumber, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format("2006-01-02 15:04:05")
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return formatTime(*t)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func shortChecksum(sum string) string {
	if sum == "" {
		return "-"
	}
	if len(sum) > 12 {
		return sum[:12]
	}
	return sum
}
