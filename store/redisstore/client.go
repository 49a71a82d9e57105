package redisstore

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// ClientConfig configures the redis connection used by the store.
type ClientConfig struct {
	Addrs        []string      `json:"addrs" yaml:"addrs"`
	Password     string        `json:"password" yaml:"password"`
	DB           int           `json:"db" yaml:"db"`
	PoolSize     int           `json:"pool_size" yaml:"pool_size"`
	MinIdleConns int           `json:"min_idle_conns" yaml:"min_idle_conns"`
	DialTimeout  time.Duration `json:"dial_timeout" yaml:"dial_timeout"`
	ReadTimeout  time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`
}

// DefaultClientConfig targets a local redis.
var DefaultClientConfig = ClientConfig{
	Addrs:        []string{"localhost:6379"},
	PoolSize:     20,
	MinIdleConns: 2,
	DialTimeout:  5 * time.Second,
	ReadTimeout:  3 * time.Second,
	WriteTimeout: 3 * time.Second,
}

// NewClient connects and pings. A single address yields a plain client,
// several yield a cluster client.
func NewClient(ctx context.Context, cfg *ClientConfig) (redis.UniversalClient, error) {
	if cfg == nil {
		c := DefaultClientConfig
		cfg = &c
	}
	addrs := cfg.Addrs
	if len(addrs) == 0 {
		addrs = DefaultClientConfig.Addrs
	}

	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        addrs,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = DefaultClientConfig.DialTimeout
	}
	pingCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}
