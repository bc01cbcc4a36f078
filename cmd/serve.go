package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/polarscope/runflow/internal/api"
	"github.com/polarscope/runflow/internal/config"
	"github.com/polarscope/runflow/internal/dispatch"
	"github.com/polarscope/runflow/internal/engine"
	"github.com/polarscope/runflow/internal/platform/httpserver"
	"github.com/polarscope/runflow/internal/platform/objectstore"
	"github.com/polarscope/runflow/internal/platform/postgres"
	"github.com/polarscope/runflow/internal/registrar"
	pgstore "github.com/polarscope/runflow/internal/repo/postgres"
	"github.com/polarscope/runflow/internal/worker"
)

const (
	startupTimeout   = 5 * time.Second
	readinessTimeout = 750 * time.Millisecond
)

var serveApplyMigrations bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the workflow engine and HTTP API",
	Long: `Serve starts the full engine in one process: the dispatcher that
drives runs through their steps, the retry manager that revives runs
parked in an error state, and the HTTP API.

The process drains on SIGINT or SIGTERM: in-flight steps finish, the
HTTP server shuts down within its configured timeout.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().BoolVar(&serveApplyMigrations, "migrate", false, "apply pending schema migrations before serving")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger := cfg.Log.NewLogger(os.Stdout)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := postgres.Open(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	if serveApplyMigrations {
		if err := pgstore.Migrate(ctx, db); err != nil {
			return fmt.Errorf("apply migrations: %w", err)
		}
	}

	runs := pgstore.NewRunStore(db)
	steps := pgstore.NewStepStore(db)
	eng := engine.New(logger, pgstore.NewWorkflowStore(db))

	readiness := []httpserver.ReadinessCheck{
		{
			Name: "postgres",
			Check: func(ctx context.Context) error {
				pingCtx, cancel := context.WithTimeout(ctx, readinessTimeout)
				defer cancel()
				return db.PingContext(pingCtx)
			},
		},
	}

	simulator := worker.NewSimulator(cfg.Worker.Simulator)
	var transfer worker.TransferWorker = simulator
	if cfg.Worker.TransferBackend == config.TransferBackendObjectStore {
		client, err := objectstore.NewMinIOClient(cfg.ObjectStore)
		if err != nil {
			return fmt.Errorf("object store client: %w", err)
		}
		ensureCtx, cancel := context.WithTimeout(ctx, startupTimeout)
		err = objectstore.EnsureBuckets(ensureCtx, client, cfg.ObjectStore)
		cancel()
		if err != nil {
			return fmt.Errorf("ensure buckets: %w", err)
		}
		transfer, err = worker.NewObjectStoreTransfer(logger, client,
			worker.TransferRoute{From: cfg.TapeDestination(), To: cfg.StagingDestination()},
			worker.TransferRoute{From: cfg.StagingDestination(), To: cfg.ArchiveDestination()},
		)
		if err != nil {
			return fmt.Errorf("object store transfer: %w", err)
		}
		readiness = append(readiness, httpserver.ReadinessCheck{
			Name: "objectstore",
			Check: func(ctx context.Context) error {
				checkCtx, cancel := context.WithTimeout(ctx, readinessTimeout)
				defer cancel()
				return objectstore.CheckBuckets(checkCtx, client, cfg.ObjectStore)
			},
		})
	}

	executor, err := worker.NewExecutor(logger, eng, transfer, simulator, cfg.ExecutorConfig())
	if err != nil {
		return fmt.Errorf("executor: %w", err)
	}
	dispatcher, err := dispatch.NewDispatcher(logger, runs, eng, executor, cfg.Dispatcher)
	if err != nil {
		return fmt.Errorf("dispatcher: %w", err)
	}
	retries, err := dispatch.NewRetryManager(logger, runs, eng, dispatcher, cfg.Retry)
	if err != nil {
		return fmt.Errorf("retry manager: %w", err)
	}
	reg, err := registrar.New(logger, runs, steps)
	if err != nil {
		return fmt.Errorf("registrar: %w", err)
	}

	handler, err := api.New(logger, runs, steps, reg, retries, dispatcher, api.Config{
		Service:     cfg.Service,
		BearerToken: cfg.HTTP.BearerToken,
		Readiness:   readiness,
	})
	if err != nil {
		return fmt.Errorf("api: %w", err)
	}
	mux := http.NewServeMux()
	handler.Register(mux)

	logger.Info("runflow starting",
		"addr", cfg.HTTP.Addr,
		"transfer_backend", cfg.Worker.TransferBackend,
		"dispatch_interval", cfg.Dispatcher.Interval.String(),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return dispatcher.Run(gctx)
	})
	g.Go(func() error {
		return retries.Run(gctx)
	})
	g.Go(func() error {
		serverCfg := httpserver.Config{
			Service:         cfg.Service,
			Addr:            cfg.HTTP.Addr,
			ShutdownTimeout: cfg.HTTP.ShutdownTimeout,
		}
		err := httpserver.Run(gctx, logger, serverCfg, httpserver.Wrap(logger, cfg.Service, mux))
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}
