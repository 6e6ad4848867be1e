// Package redis keeps a live snapshot of a load-test session in Redis so that
// dashboards and scripts can see where a run stands while it is running.
package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bardlex/stratumtest/pkg/errors"
)

// Client wraps the Redis operations the snapshot sink needs
type Client struct {
	rdb *redis.Client
}

// Config holds Redis connection configuration
type Config struct {
	URL          string // redis://[user:password@]host:port/db
	PoolSize     int
	MaxRetries   int // -1 disables retries
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// NewClient creates a new Redis client and checks that the server answers
func NewClient(ctx context.Context, cfg *Config) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "redis_parse_url",
			"invalid Redis URL")
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if cfg.MaxRetries != 0 {
		opts.MaxRetries = cfg.MaxRetries
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	if cfg.ReadTimeout > 0 {
		opts.ReadTimeout = cfg.ReadTimeout
	}
	if cfg.WriteTimeout > 0 {
		opts.WriteTimeout = cfg.WriteTimeout
	}

	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "redis_ping",
			"failed to ping Redis").
			WithContext("addr", opts.Addr)
	}

	return &Client{rdb: rdb}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// WriteHash sets fields on the hash at key and refreshes its expiration in
// one transaction
func (c *Client) WriteHash(ctx context.Context, key string, fields map[string]any, ttl time.Duration) error {
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, fields)
		if ttl > 0 {
			pipe.Expire(ctx, key, ttl)
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeDatabase, "redis_write_hash",
			"failed to write hash").
			WithContext("key", key)
	}
	return nil
}
