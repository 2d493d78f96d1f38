// Package kv builds the Redis connection pool shared by the result cache,
// the answer store and the idempotency store.
package kv

import (
	"context"
	"fmt"
	"time"

	"github.com/gomodule/redigo/redis"
)

// Options configures NewPool.
type Options struct {
	Addr      string
	Password  string
	DB        int
	OpTimeout time.Duration
	MaxIdle   int
	MaxActive int
}

// NewPool returns a redigo pool. Connections idle for over a minute are
// pinged before reuse.
func NewPool(opts Options) *redis.Pool {
	timeout := opts.OpTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if opts.MaxIdle == 0 {
		opts.MaxIdle = 8
	}

	dialOpts := []redis.DialOption{
		redis.DialConnectTimeout(timeout),
		redis.DialReadTimeout(timeout),
		redis.DialWriteTimeout(timeout),
		redis.DialDatabase(opts.DB),
	}
	if opts.Password != "" {
		dialOpts = append(dialOpts, redis.DialPassword(opts.Password))
	}

	return &redis.Pool{
		MaxIdle:     opts.MaxIdle,
		MaxActive:   opts.MaxActive,
		IdleTimeout: 5 * time.Minute,
		DialContext: func(ctx context.Context) (redis.Conn, error) {
			return redis.DialContext(ctx, "tcp", opts.Addr, dialOpts...)
		},
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			if time.Since(t) < time.Minute {
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
	}
}

// Ping checks that a pooled connection can reach the server.
func Ping(ctx context.Context, pool *redis.Pool) error {
	conn, err := pool.GetContext(ctx)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer conn.Close()
	if _, err := redis.DoContext(conn, ctx, "PING"); err != nil {
		return fmt.Errorf("pinging redis: %w", err)
	}
	return nil
}
