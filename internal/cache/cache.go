// Package cache stores finished answers keyed by the normalized question and
// the schema fingerprint they were computed against.
package cache

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/gomodule/redigo/redis"
)

// Version is part of every key; bumping it orphans old entries.
const Version = "v1"

// Cache is a Redis-backed answer cache. Backend failures never surface: Get
// reports a miss and Put is skipped, both with a warning.
type Cache struct {
	pool   *redis.Pool
	prefix string
	log    *slog.Logger
}

func New(pool *redis.Pool, prefix string) *Cache {
	return &Cache{pool: pool, prefix: prefix, log: slog.Default()}
}

// Key returns "{prefix}:qa:v1:{fp}:{sha1(lower(trim(question)))}".
func (c *Cache) Key(question, fp string) string {
	norm := strings.ToLower(strings.TrimSpace(question))
	sum := sha1.Sum([]byte(norm))
	return c.prefix + ":qa:" + Version + ":" + fp + ":" + hex.EncodeToString(sum[:])
}

// Get returns the cached answer for question under fingerprint fp.
func (c *Cache) Get(ctx context.Context, question, fp string) (json.RawMessage, bool) {
	conn, err := c.pool.GetContext(ctx)
	if err != nil {
		c.log.Warn("cache unavailable", "op", "get", "error", err)
		return nil, false
	}
	defer conn.Close()

	b, err := redis.Bytes(redis.DoContext(conn, ctx, "GET", c.Key(question, fp)))
	if errors.Is(err, redis.ErrNil) {
		return nil, false
	}
	if err != nil {
		c.log.Warn("cache read failed", "error", err)
		return nil, false
	}
	if !json.Valid(b) {
		c.log.Warn("cache entry is not JSON, ignoring", "fp", fp)
		return nil, false
	}
	return json.RawMessage(b), true
}

// Put stores answer with the given TTL.
func (c *Cache) Put(ctx context.Context, question, fp string, answer json.RawMessage, ttl time.Duration) {
	if ttl <= 0 {
		ttl = time.Hour
	}
	conn, err := c.pool.GetContext(ctx)
	if err != nil {
		c.log.Warn("cache unavailable", "op", "put", "error", err)
		return
	}
	defer conn.Close()

	secs := int64(ttl / time.Second)
	if secs < 1 {
		secs = 1
	}
	if _, err := redis.DoContext(conn, ctx, "SET", c.Key(question, fp), []byte(answer), "EX", secs); err != nil {
		c.log.Warn("cache write failed", "error", err)
	}
}
