// Package idempotency maps caller-supplied keys to answer ids so repeated
// submissions resolve to the first answer.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gomodule/redigo/redis"
)

// replaceScript re-points a key only while it still holds the stale id.
var replaceScript = redis.NewScript(1, `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  redis.call("SET", KEYS[1], ARGV[2], "EX", ARGV[3])
  return 1
end
return 0
`)

// Store keeps key → answer id records with a TTL.
type Store struct {
	pool   *redis.Pool
	prefix string
	ttl    time.Duration
}

func New(pool *redis.Pool, prefix string, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Store{pool: pool, prefix: prefix, ttl: ttl}
}

func (s *Store) key(k string) string { return s.prefix + ":idem:" + k }

func (s *Store) ttlSeconds() int64 {
	if secs := int64(s.ttl / time.Second); secs > 0 {
		return secs
	}
	return 1
}

// Save records key → answerID unless the key already exists. It reports
// whether this call stored the record.
func (s *Store) Save(ctx context.Context, key, answerID string) (bool, error) {
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return false, fmt.Errorf("idempotency save: %w", err)
	}
	defer conn.Close()

	_, err = redis.String(redis.DoContext(conn, ctx, "SET", s.key(key), answerID, "NX", "EX", s.ttlSeconds()))
	if errors.Is(err, redis.ErrNil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("idempotency save: %w", err)
	}
	return true, nil
}

// Load returns the answer id stored under key.
func (s *Store) Load(ctx context.Context, key string) (string, bool, error) {
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return "", false, fmt.Errorf("idempotency load: %w", err)
	}
	defer conn.Close()

	id, err := redis.String(redis.DoContext(conn, ctx, "GET", s.key(key)))
	if errors.Is(err, redis.ErrNil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("idempotency load: %w", err)
	}
	return id, true, nil
}

// Replace atomically swaps key from stale to fresh and refreshes its TTL.
// It reports false when the key no longer holds stale.
func (s *Store) Replace(ctx context.Context, key, stale, fresh string) (bool, error) {
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return false, fmt.Errorf("idempotency replace: %w", err)
	}
	defer conn.Close()

	n, err := redis.Int(replaceScript.DoContext(ctx, conn, s.key(key), stale, fresh, s.ttlSeconds()))
	if err != nil {
		return false, fmt.Errorf("idempotency replace: %w", err)
	}
	return n == 1, nil
}
