package config

import (
	"context"
	"fmt"
	"strings"

	saga "github.com/goliatone/go-saga"
	"github.com/goliatone/go-saga/store/redisstore"
	"github.com/goliatone/go-saga/store/sqlstore"
)

// OpenStore connects the store selected by Driver. The returned close
// function releases the underlying connection.
func (c StoreConfig) OpenStore(ctx context.Context) (saga.Store, func() error, error) {
	noop := func() error { return nil }

	switch strings.ToLower(c.Driver) {
	case "", DriverMemory:
		return saga.NewMemoryStore(), noop, nil

	case DriverSQLite:
		db, err := sqlstore.Open(c.SQLite.DSN)
		if err != nil {
			return nil, noop, fmt.Errorf("open sqlite store: %w", err)
		}
		store, err := sqlstore.New(db, c.SQLite.Table)
		if err != nil {
			_ = db.Close()
			return nil, noop, err
		}
		return store, db.Close, nil

	case DriverRedis:
		client, err := redisstore.NewClient(ctx, &c.Redis.Client)
		if err != nil {
			return nil, noop, fmt.Errorf("open redis store: %w", err)
		}
		var opts []redisstore.Option
		if c.Redis.KeyPrefix != "" {
			opts = append(opts, redisstore.WithKeyPrefix(c.Redis.KeyPrefix))
		}
		if c.Redis.MaxRetries > 0 {
			opts = append(opts, redisstore.WithMaxRetries(c.Redis.MaxRetries))
		}
		return redisstore.New(client, opts...), client.Close, nil

	default:
		return nil, noop, fmt.Errorf("unknown store driver %q", c.Driver)
	}
}
