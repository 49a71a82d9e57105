package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	apperrors "github.com/goliatone/go-errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	saga "github.com/goliatone/go-saga"
	"github.com/goliatone/go-saga/runner"
	"github.com/goliatone/go-saga/store/redisstore"
	"github.com/goliatone/go-saga/store/sqlstore"
	"github.com/goliatone/go-saga/store/storetest"
)

func TestParseOverlaysDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
orchestrator:
  continue_compensation_on_failure: false
  retry:
    max_retries: 3
    backoff: exponential
    base: 200ms
    max: 2s
sweeper:
  interval: 30s
store:
  driver: sqlite
  sqlite:
    dsn: ":memory:"
log:
  backend: zerolog
  level: debug
`))
	require.NoError(t, err)

	require.NotNil(t, cfg.Orchestrator.ContinueCompensationOnFailure)
	assert.False(t, *cfg.Orchestrator.ContinueCompensationOnFailure)
	assert.Equal(t, 3, cfg.Orchestrator.Retry.MaxRetries)
	assert.Equal(t, 200*time.Millisecond, cfg.Orchestrator.Retry.Base)
	assert.Equal(t, 30*time.Second, cfg.Sweeper.Interval)
	assert.Equal(t, 100, cfg.Sweeper.BatchSize, "unset fields keep their defaults")
	assert.Equal(t, 4, cfg.Sweeper.Concurrency)
	assert.Equal(t, DriverSQLite, cfg.Store.Driver)
	assert.Equal(t, "sagas", cfg.Store.SQLite.Table)
	assert.Equal(t, "zerolog", cfg.Log.Backend)
}

func TestParseAcceptsJSON(t *testing.T) {
	cfg, err := Parse([]byte(`{"store": {"driver": "memory"}, "sweeper": {"batch_size": 7}}`))
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Sweeper.BatchSize)
}

func TestParseRejectsInvalid(t *testing.T) {
	_, err := Parse([]byte(`
orchestrator:
  retry:
    max_retries: -1
    backoff: jitter
sweeper:
  concurrency: -2
store:
  driver: postgres
log:
  backend: syslog
`))
	require.Error(t, err)

	var ae *apperrors.Error
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, saga.ErrCodeConfigurationInvalid, ae.TextCode)
	problems, ok := ae.Metadata["problems"].([]string)
	require.True(t, ok)
	assert.Len(t, problems, 5)
	assert.Contains(t, ae.Message, `unknown store.driver "postgres"`)
}

func TestParseMalformed(t *testing.T) {
	_, err := Parse([]byte("store: [oops"))
	assert.Error(t, err)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "saga.yaml")
	require.NoError(t, os.WriteFile(path, []byte("sweeper:\n  interval: 5s\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, cfg.Sweeper.Interval)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestRetryPolicy(t *testing.T) {
	tests := []struct {
		name  string
		cfg   RetryConfig
		check func(t *testing.T, p runner.RetryPolicy)
	}{
		{
			name: "no retries",
			cfg:  RetryConfig{Backoff: BackoffExponential, Base: time.Second},
			check: func(t *testing.T, p runner.RetryPolicy) {
				assert.Equal(t, 0, p.MaxRetries)
			},
		},
		{
			name: "immediate",
			cfg:  RetryConfig{MaxRetries: 2},
			check: func(t *testing.T, p runner.RetryPolicy) {
				assert.Equal(t, 2, p.MaxRetries)
				assert.IsType(t, runner.NoDelayStrategy{}, p.Strategy)
			},
		},
		{
			name: "exponential defaults factor",
			cfg:  RetryConfig{MaxRetries: 3, Backoff: BackoffExponential, Base: 100 * time.Millisecond, Max: time.Second},
			check: func(t *testing.T, p runner.RetryPolicy) {
				assert.Equal(t, 200*time.Millisecond, p.Strategy.SleepDuration(1, nil))
				assert.Equal(t, time.Second, p.Strategy.SleepDuration(10, nil))
			},
		},
		{
			name: "fibonacci",
			cfg:  RetryConfig{MaxRetries: 3, Backoff: BackoffFibonacci, Base: time.Second},
			check: func(t *testing.T, p runner.RetryPolicy) {
				s, ok := p.Strategy.(runner.JitterBackoffStrategy)
				require.True(t, ok)
				assert.True(t, s.Fibonacci)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.check(t, tt.cfg.Policy())
		})
	}
}

func TestComponentOptions(t *testing.T) {
	cfg := Default()
	assert.Len(t, cfg.Orchestrator.Options(), 1)

	off := false
	cfg.Orchestrator.ContinueCompensationOnFailure = &off
	assert.Len(t, cfg.Orchestrator.Options(), 2)

	sweeper := saga.NewTimeoutSweeper(saga.NewMemoryStore(), saga.NewRegistry(), cfg.Sweeper.Options()...)
	assert.Equal(t, "@every 1m0s", sweeper.CronOptions().Expression)
}

func TestOpenStore(t *testing.T) {
	ctx := context.Background()

	t.Run("memory", func(t *testing.T) {
		store, closeFn, err := StoreConfig{Driver: DriverMemory}.OpenStore(ctx)
		require.NoError(t, err)
		assert.IsType(t, &saga.MemoryStore{}, store)
		assert.NoError(t, closeFn())
	})

	t.Run("sqlite", func(t *testing.T) {
		store, closeFn, err := StoreConfig{Driver: DriverSQLite, SQLite: SQLiteConfig{DSN: ":memory:"}}.OpenStore(ctx)
		require.NoError(t, err)
		defer closeFn()
		assert.IsType(t, &sqlstore.Store{}, store)

		require.NoError(t, store.Create(ctx, storetest.NewState("s-1", nil)))
		_, err = store.Get(ctx, "s-1")
		assert.NoError(t, err)
	})

	t.Run("redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		cfg := StoreConfig{Driver: DriverRedis, Redis: RedisConfig{
			Client:    redisstore.ClientConfig{Addrs: []string{mr.Addr()}, DialTimeout: time.Second},
			KeyPrefix: "test:",
		}}
		store, closeFn, err := cfg.OpenStore(ctx)
		require.NoError(t, err)
		defer closeFn()

		require.NoError(t, store.Create(ctx, storetest.NewState("s-1", nil)))
		assert.True(t, mr.Exists("test:state:s-1"))
	})

	t.Run("unknown", func(t *testing.T) {
		_, _, err := StoreConfig{Driver: "etcd"}.OpenStore(ctx)
		assert.Error(t, err)
	})
}
