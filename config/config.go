// Package config loads the YAML (or JSON) settings of a saga deployment.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	apperrors "github.com/goliatone/go-errors"
	"gopkg.in/yaml.v3"

	saga "github.com/goliatone/go-saga"
	"github.com/goliatone/go-saga/logging"
	"github.com/goliatone/go-saga/runner"
	"github.com/goliatone/go-saga/store/redisstore"
)

const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
)

const (
	BackoffNone        = "none"
	BackoffExponential = "exponential"
	BackoffJitter      = "jitter"
	BackoffFibonacci   = "fibonacci"
)

type Config struct {
	Orchestrator OrchestratorConfig `json:"orchestrator" yaml:"orchestrator"`
	Sweeper      SweeperConfig      `json:"sweeper" yaml:"sweeper"`
	Store        StoreConfig        `json:"store" yaml:"store"`
	Log          logging.Config     `json:"log" yaml:"log"`
}

type OrchestratorConfig struct {
	// ContinueCompensationOnFailure keeps unwinding after a compensation
	// fails. Nil means true.
	ContinueCompensationOnFailure *bool       `json:"continue_compensation_on_failure,omitempty" yaml:"continue_compensation_on_failure,omitempty"`
	Retry                         RetryConfig `json:"retry" yaml:"retry"`
}

// RetryConfig is the default step retry policy.
type RetryConfig struct {
	MaxRetries    int           `json:"max_retries" yaml:"max_retries"`
	Backoff       string        `json:"backoff" yaml:"backoff"`
	Base          time.Duration `json:"base" yaml:"base"`
	Max           time.Duration `json:"max" yaml:"max"`
	Factor        float64       `json:"factor" yaml:"factor"`
	JitterPercent uint64        `json:"jitter_percent" yaml:"jitter_percent"`
}

type SweeperConfig struct {
	Interval    time.Duration `json:"interval" yaml:"interval"`
	BatchSize   int           `json:"batch_size" yaml:"batch_size"`
	Concurrency int           `json:"concurrency" yaml:"concurrency"`
}

type StoreConfig struct {
	Driver string       `json:"driver" yaml:"driver"`
	SQLite SQLiteConfig `json:"sqlite" yaml:"sqlite"`
	Redis  RedisConfig  `json:"redis" yaml:"redis"`
}

type SQLiteConfig struct {
	DSN   string `json:"dsn" yaml:"dsn"`
	Table string `json:"table" yaml:"table"`
}

type RedisConfig struct {
	Client     redisstore.ClientConfig `json:"client" yaml:"client"`
	KeyPrefix  string                  `json:"key_prefix" yaml:"key_prefix"`
	MaxRetries int                     `json:"max_retries" yaml:"max_retries"`
}

// Default returns a memory-backed configuration sweeping every minute.
func Default() Config {
	return Config{
		Orchestrator: OrchestratorConfig{
			Retry: RetryConfig{Backoff: BackoffNone},
		},
		Sweeper: SweeperConfig{
			Interval:    time.Minute,
			BatchSize:   100,
			Concurrency: 4,
		},
		Store: StoreConfig{
			Driver: DriverMemory,
			SQLite: SQLiteConfig{DSN: "file:sagas.db?_busy_timeout=5000", Table: "sagas"},
			Redis:  RedisConfig{Client: redisstore.DefaultClientConfig, KeyPrefix: "saga:"},
		},
		Log: logging.DefaultConfig(),
	}
}

// Load reads and parses the file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse overlays data on Default and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		// yaml also reads JSON
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	var problems []string

	if c.Orchestrator.Retry.MaxRetries < 0 {
		problems = append(problems, "orchestrator.retry.max_retries must not be negative")
	}
	switch strings.ToLower(c.Orchestrator.Retry.Backoff) {
	case "", BackoffNone:
	case BackoffExponential, BackoffJitter, BackoffFibonacci:
		if c.Orchestrator.Retry.Base <= 0 {
			problems = append(problems, fmt.Sprintf("orchestrator.retry.base is required for %s backoff", c.Orchestrator.Retry.Backoff))
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown orchestrator.retry.backoff %q", c.Orchestrator.Retry.Backoff))
	}

	if c.Sweeper.Interval <= 0 {
		problems = append(problems, "sweeper.interval must be positive")
	}
	if c.Sweeper.BatchSize <= 0 {
		problems = append(problems, "sweeper.batch_size must be positive")
	}
	if c.Sweeper.Concurrency <= 0 {
		problems = append(problems, "sweeper.concurrency must be positive")
	}

	switch strings.ToLower(c.Store.Driver) {
	case DriverMemory:
	case DriverSQLite:
		if strings.TrimSpace(c.Store.SQLite.DSN) == "" {
			problems = append(problems, "store.sqlite.dsn is required")
		}
	case DriverRedis:
		if len(c.Store.Redis.Client.Addrs) == 0 {
			problems = append(problems, "store.redis.client.addrs is required")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown store.driver %q", c.Store.Driver))
	}

	switch strings.ToLower(c.Log.Backend) {
	case "", logging.BackendGlog, logging.BackendZerolog, logging.BackendFmt:
	default:
		problems = append(problems, fmt.Sprintf("unknown log.backend %q", c.Log.Backend))
	}

	if len(problems) == 0 {
		return nil
	}
	return apperrors.New("invalid configuration: "+strings.Join(problems, "; "), apperrors.CategoryValidation).
		WithTextCode(saga.ErrCodeConfigurationInvalid).
		WithMetadata(map[string]any{"problems": problems})
}

// Policy converts the retry settings into a runner policy.
func (r RetryConfig) Policy() runner.RetryPolicy {
	if r.MaxRetries <= 0 {
		return runner.NoRetry()
	}
	policy := runner.RetryPolicy{MaxRetries: r.MaxRetries}
	switch strings.ToLower(r.Backoff) {
	case BackoffExponential:
		factor := r.Factor
		if factor <= 0 {
			factor = 2
		}
		policy.Strategy = runner.ExponentialBackoffStrategy{Base: r.Base, Factor: factor, Max: r.Max}
	case BackoffJitter, BackoffFibonacci:
		policy.Strategy = runner.JitterBackoffStrategy{
			Base:          r.Base,
			Max:           r.Max,
			JitterPercent: r.JitterPercent,
			Fibonacci:     strings.EqualFold(r.Backoff, BackoffFibonacci),
		}
	default:
		policy.Strategy = runner.NoDelayStrategy{}
	}
	return policy
}

// Options returns the orchestrator options described by c. Store, clock
// and logger are wired by the caller.
func (c OrchestratorConfig) Options() []saga.Option {
	opts := []saga.Option{saga.WithDefaultRetryPolicy(c.Retry.Policy())}
	if c.ContinueCompensationOnFailure != nil {
		opts = append(opts, saga.WithContinueCompensationOnFailure(*c.ContinueCompensationOnFailure))
	}
	return opts
}

// Options returns the sweeper options described by c.
func (c SweeperConfig) Options() []saga.SweeperOption {
	return []saga.SweeperOption{
		saga.WithSweepInterval(c.Interval),
		saga.WithBatchSize(c.BatchSize),
		saga.WithConcurrency(c.Concurrency),
	}
}
