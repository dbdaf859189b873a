package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

var (
	ErrMissingRequired = errors.New("missing required configuration")
	ErrInvalid         = errors.New("invalid configuration")
)

type Config struct {
	DBHost string `envconfig:"DB_HOST" default:"postgres"`
	DBPort int    `envconfig:"DB_PORT" default:"5432"`
	DBUser string `envconfig:"DB_USER" default:"jobq"`
	DBPass string `envconfig:"DB_PASS" default:"password"`
	DBName string `envconfig:"DB_NAME" default:"jobq"`

	MigrationPath string `envconfig:"MIGRATION_PATH" default:"file://migrations"`

	NSQLookupd   string `envconfig:"NSQ_LOOKUPD" default:"nsqlookupd:4161"`
	NSQDHost     string `envconfig:"NSQD_HOST" default:"nsqd:4150"`
	NSQDHTTP     string `envconfig:"NSQD_HTTP" default:"nsqd:4151"`
	EnableEvents bool   `envconfig:"ENABLE_EVENTS" default:"false"`

	EnableAPI    bool `envconfig:"ENABLE_API" default:"true"`
	EnableWorker bool `envconfig:"ENABLE_WORKER" default:"true"`

	// Worker
	WorkerID             string `envconfig:"WORKER_ID"`
	WorkerBatchSize      int    `envconfig:"WORKER_BATCH_SIZE" default:"10"`
	WorkerMaxRuntimeMS   int    `envconfig:"WORKER_MAX_RUNTIME_MS" default:"30000"`
	WorkerPollIntervalMS int    `envconfig:"WORKER_POLL_INTERVAL_MS" default:"1000"`
	StaleClaimGraceMS    int    `envconfig:"STALE_CLAIM_GRACE_MS" default:"60000"`
	ReapIntervalSeconds  int    `envconfig:"REAP_INTERVAL_SECONDS" default:"30"`

	// Server
	ServerPort                 int     `envconfig:"SERVER_PORT" default:"8081"`
	EnqueueRatePerSecond       float64 `envconfig:"ENQUEUE_RATE_PER_SECOND" default:"50"`
	EnqueueBurst               int     `envconfig:"ENQUEUE_BURST" default:"100"`
	StatsStreamIntervalSeconds int     `envconfig:"STATS_STREAM_INTERVAL_SECONDS" default:"5"`

	// Resilience
	BootstrapRetryAttempts     int `envconfig:"BOOTSTRAP_RETRY_ATTEMPTS" default:"10"`
	BootstrapRetryDelaySeconds int `envconfig:"BOOTSTRAP_RETRY_DELAY_SECONDS" default:"2"`

	LogLevel slog.Level `envconfig:"LOG_LEVEL" default:"INFO"`
}

func Load() (*Config, error) {
	// Ignore errors, as env vars might be set in the shell
	_ = godotenv.Load(".env")

	cwd, _ := os.Getwd()
	rootEnv := filepath.Join(cwd, "../../.env")
	_ = godotenv.Load(rootEnv)

	var cfg Config
	err := envconfig.Process("", &cfg)
	if err != nil {
		return nil, err
	}

	if cfg.WorkerID == "" {
		cfg.WorkerID = DefaultWorkerID()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// DefaultWorkerID is the hostname plus a random suffix. Containers often run
// as pid 1, so hostname-pid would repeat across restarts.
func DefaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}

func (c *Config) Validate() error {
	if c.DBHost == "" {
		return fmt.Errorf("%w: DB_HOST", ErrMissingRequired)
	}
	if c.DBUser == "" {
		return fmt.Errorf("%w: DB_USER", ErrMissingRequired)
	}
	if c.DBName == "" {
		return fmt.Errorf("%w: DB_NAME", ErrMissingRequired)
	}
	if c.EnableWorker && c.WorkerID == "" {
		return fmt.Errorf("%w: WORKER_ID", ErrMissingRequired)
	}
	if c.EnableEvents && c.NSQDHost == "" {
		return fmt.Errorf("%w: NSQD_HOST", ErrMissingRequired)
	}
	if c.WorkerBatchSize < 1 {
		return fmt.Errorf("%w: WORKER_BATCH_SIZE must be at least 1", ErrInvalid)
	}
	if c.WorkerMaxRuntimeMS < 1 || c.WorkerPollIntervalMS < 1 {
		return fmt.Errorf("%w: worker runtime and poll interval must be positive", ErrInvalid)
	}
	if c.StaleClaimGraceMS < 0 {
		return fmt.Errorf("%w: STALE_CLAIM_GRACE_MS must not be negative", ErrInvalid)
	}
	if c.ReapIntervalSeconds < 0 {
		return fmt.Errorf("%w: REAP_INTERVAL_SECONDS must not be negative", ErrInvalid)
	}
	if c.EnqueueRatePerSecond < 0 {
		return fmt.Errorf("%w: ENQUEUE_RATE_PER_SECOND must not be negative", ErrInvalid)
	}
	return nil
}

func (c *Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable", c.DBUser, c.DBPass, c.DBHost, c.DBPort, c.DBName)
}

func (c *Config) WorkerMaxRuntime() time.Duration {
	return time.Duration(c.WorkerMaxRuntimeMS) * time.Millisecond
}

func (c *Config) WorkerPollInterval() time.Duration {
	return time.Duration(c.WorkerPollIntervalMS) * time.Millisecond
}

func (c *Config) StaleClaimGrace() time.Duration {
	return time.Duration(c.StaleClaimGraceMS) * time.Millisecond
}

func (c *Config) ReapInterval() time.Duration {
	return time.Duration(c.ReapIntervalSeconds) * time.Second
}
