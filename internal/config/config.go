// Package config loads engine settings from runflow.yaml, RUNFLOW_
// environment variables and built-in defaults, in that priority order.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/polarscope/runflow/internal/dispatch"
	"github.com/polarscope/runflow/internal/platform/objectstore"
	"github.com/polarscope/runflow/internal/platform/postgres"
	"github.com/polarscope/runflow/internal/worker"
)

// Transfer backends. The simulator needs no external store; the object
// store backend copies payloads between the configured buckets.
const (
	TransferBackendSimulator   = "simulator"
	TransferBackendObjectStore = "objectstore"
)

type LogConfig struct {
	Level  string
	Format string
}

type HTTPConfig struct {
	Addr            string
	ShutdownTimeout time.Duration
	// BearerToken guards the mutating API routes. Empty disables the
	// guard.
	BearerToken string
}

type WorkerConfig struct {
	TransferBackend string
	TransferTimeout time.Duration
	ComputeTimeout  time.Duration

	TapePrefix    string
	StagingPrefix string
	ArchivePrefix string

	Simulator worker.SimulatorConfig
}

type Config struct {
	Service     string
	Log         LogConfig
	HTTP        HTTPConfig
	Database    postgres.Config
	ObjectStore objectstore.Config
	Dispatcher  dispatch.DispatcherConfig
	Retry       dispatch.RetryConfig
	Worker      WorkerConfig
}

// Load reads the configuration. With an explicit path the file must
// exist; otherwise runflow.yaml is searched in the working directory,
// $HOME/.config/runflow and /etc/runflow, and absence falls back to
// defaults plus environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("runflow")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/runflow")
		v.AddConfigPath("/etc/runflow")
	}

	v.SetEnvPrefix("RUNFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{
		Service: v.GetString("service"),
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
		HTTP: HTTPConfig{
			Addr:            v.GetString("http.addr"),
			ShutdownTimeout: v.GetDuration("http.shutdown_timeout"),
			BearerToken:     v.GetString("http.bearer_token"),
		},
		Database: postgres.Config{
			URL:             v.GetString("database.url"),
			PingTimeout:     v.GetDuration("database.ping_timeout"),
			MaxOpenConns:    v.GetInt("database.max_open_conns"),
			MaxIdleConns:    v.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: v.GetDuration("database.conn_max_lifetime"),
			ConnMaxIdleTime: v.GetDuration("database.conn_max_idle_time"),
		},
		ObjectStore: objectstore.Config{
			Endpoint:      v.GetString("object_store.endpoint"),
			AccessKey:     v.GetString("object_store.access_key"),
			SecretKey:     v.GetString("object_store.secret_key"),
			Region:        v.GetString("object_store.region"),
			UseSSL:        v.GetBool("object_store.use_ssl"),
			BucketTape:    v.GetString("object_store.bucket_tape"),
			BucketStaging: v.GetString("object_store.bucket_staging"),
			BucketArchive: v.GetString("object_store.bucket_archive"),
		},
		Dispatcher: dispatch.DispatcherConfig{
			Interval:   v.GetDuration("dispatcher.interval"),
			PoolSize:   v.GetInt("dispatcher.pool_size"),
			BatchLimit: v.GetInt("dispatcher.batch_limit"),
		},
		Retry: dispatch.RetryConfig{
			Interval:    v.GetDuration("retry.interval"),
			BatchLimit:  v.GetInt("retry.batch_limit"),
			MaxAttempts: v.GetUint64("retry.max_attempts"),
			BaseBackoff: v.GetDuration("retry.base_backoff"),
			MaxBackoff:  v.GetDuration("retry.max_backoff"),
		},
		Worker: WorkerConfig{
			TransferBackend: v.GetString("worker.transfer_backend"),
			TransferTimeout: v.GetDuration("worker.transfer_timeout"),
			ComputeTimeout:  v.GetDuration("worker.compute_timeout"),
			TapePrefix:      v.GetString("worker.tape_prefix"),
			StagingPrefix:   v.GetString("worker.staging_prefix"),
			ArchivePrefix:   v.GetString("worker.archive_prefix"),
			Simulator: worker.SimulatorConfig{
				FailureRate:  v.GetFloat64("worker.simulator.failure_rate"),
				StepDelay:    v.GetDuration("worker.simulator.step_delay"),
				SiteStep1:    v.GetString("worker.simulator.site_step1"),
				SiteStep2:    v.GetString("worker.simulator.site_step2"),
				OutputBucket: v.GetString("worker.simulator.output_bucket"),
				Seed:         v.GetString("worker.simulator.seed"),
			},
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service", "runflow")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.shutdown_timeout", 10*time.Second)
	v.SetDefault("http.bearer_token", "")

	v.SetDefault("database.url", "")
	v.SetDefault("database.ping_timeout", 5*time.Second)
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 30*time.Minute)
	v.SetDefault("database.conn_max_idle_time", 5*time.Minute)

	v.SetDefault("object_store.endpoint", "localhost:9000")
	v.SetDefault("object_store.region", "us-east-1")
	v.SetDefault("object_store.use_ssl", false)
	v.SetDefault("object_store.bucket_tape", "runflow-tape")
	v.SetDefault("object_store.bucket_staging", "runflow-staging")
	v.SetDefault("object_store.bucket_archive", "runflow-archive")

	v.SetDefault("dispatcher.interval", 10*time.Second)
	v.SetDefault("dispatcher.pool_size", 4)
	v.SetDefault("dispatcher.batch_limit", 50)

	v.SetDefault("retry.interval", 15*time.Second)
	v.SetDefault("retry.batch_limit", 50)
	v.SetDefault("retry.max_attempts", 5)
	v.SetDefault("retry.base_backoff", 30*time.Second)
	v.SetDefault("retry.max_backoff", 15*time.Minute)

	v.SetDefault("worker.transfer_backend", TransferBackendSimulator)
	v.SetDefault("worker.transfer_timeout", worker.DefaultTransferTimeout)
	v.SetDefault("worker.compute_timeout", worker.DefaultComputeTimeout)
	v.SetDefault("worker.simulator.failure_rate", 0.0)
	v.SetDefault("worker.simulator.step_delay", time.Duration(0))
	v.SetDefault("worker.simulator.output_bucket", "runflow-outputs")
}

// Validate fills remaining defaults and rejects inconsistent settings.
// Object store credentials are only demanded when the object store
// transfer backend is selected; the bucket names are always required
// because they name the step destinations.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Service) == "" {
		c.Service = "runflow"
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log level must be debug, info, warn or error, got %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("log format must be json or text, got %q", c.Log.Format)
	}

	if strings.TrimSpace(c.HTTP.Addr) == "" {
		return errors.New("http addr is required")
	}
	if c.HTTP.ShutdownTimeout <= 0 {
		c.HTTP.ShutdownTimeout = 10 * time.Second
	}

	if err := c.Database.Validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if strings.TrimSpace(c.ObjectStore.BucketTape) == "" {
		return errors.New("object_store: tape bucket is required")
	}
	if strings.TrimSpace(c.ObjectStore.BucketStaging) == "" {
		return errors.New("object_store: staging bucket is required")
	}
	if strings.TrimSpace(c.ObjectStore.BucketArchive) == "" {
		return errors.New("object_store: archive bucket is required")
	}

	switch c.Worker.TransferBackend {
	case TransferBackendSimulator:
	case TransferBackendObjectStore:
		if err := c.ObjectStore.Validate(); err != nil {
			return fmt.Errorf("object_store: %w", err)
		}
	default:
		return fmt.Errorf("worker transfer backend must be %q or %q, got %q",
			TransferBackendSimulator, TransferBackendObjectStore, c.Worker.TransferBackend)
	}

	if c.Worker.TransferTimeout <= 0 {
		c.Worker.TransferTimeout = worker.DefaultTransferTimeout
	}
	if c.Worker.ComputeTimeout <= 0 {
		c.Worker.ComputeTimeout = worker.DefaultComputeTimeout
	}
	if rate := c.Worker.Simulator.FailureRate; rate < 0 || rate >= 1 {
		return fmt.Errorf("simulator failure rate must be in [0,1), got %v", rate)
	}

	if err := c.Dispatcher.Validate(); err != nil {
		return fmt.Errorf("dispatcher: %w", err)
	}
	if err := c.Retry.Validate(); err != nil {
		return fmt.Errorf("retry: %w", err)
	}
	return nil
}

// TapeDestination is the source of the first transfer hop.
func (c *Config) TapeDestination() worker.Destination {
	return worker.Destination{Bucket: c.ObjectStore.BucketTape, Prefix: c.Worker.TapePrefix}
}

func (c *Config) StagingDestination() worker.Destination {
	return worker.Destination{Bucket: c.ObjectStore.BucketStaging, Prefix: c.Worker.StagingPrefix}
}

func (c *Config) ArchiveDestination() worker.Destination {
	return worker.Destination{Bucket: c.ObjectStore.BucketArchive, Prefix: c.Worker.ArchivePrefix}
}

// ExecutorConfig assembles the step executor settings from the worker
// timeouts and the bucket layout.
func (c *Config) ExecutorConfig() worker.Config {
	return worker.Config{
		TransferTimeout: c.Worker.TransferTimeout,
		ComputeTimeout:  c.Worker.ComputeTimeout,
		StagingDest:     c.StagingDestination(),
		ArchiveDest:     c.ArchiveDestination(),
	}
}

// NewLogger builds the process logger for the configured level and
// format.
func (l LogConfig) NewLogger(w io.Writer) *slog.Logger {
	var level slog.Level
	switch l.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if l.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
