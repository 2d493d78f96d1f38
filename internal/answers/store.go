package answers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gomodule/redigo/redis"
)

// maxTxRetries bounds optimistic transaction retries on WATCH conflicts.
const maxTxRetries = 8

// Store persists answers in Redis. Records expire ttl after their last
// update. Every mutation is one WATCH/MULTI/EXEC transaction that rewrites
// the record and re-syncs the global and per-status indexes, followed by a
// best-effort publish.
type Store struct {
	pool   *redis.Pool
	prefix string
	ttl    time.Duration
	now    func() time.Time
	log    *slog.Logger
}

func New(pool *redis.Pool, prefix string, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Store{pool: pool, prefix: prefix, ttl: ttl, now: time.Now, log: slog.Default()}
}

func (s *Store) recordKey(id string) string   { return s.prefix + ":answer:" + id }
func (s *Store) allIndex() string             { return s.prefix + ":answers:idx:all" }
func (s *Store) statusIndex(st Status) string { return s.prefix + ":answers:idx:status:" + string(st) }
func (s *Store) channel(id string) string     { return s.prefix + ":answers:events:" + id }
func (s *Store) globalChannel() string        { return s.prefix + ":answers:events" }

func (s *Store) ttlSeconds() int64 {
	if secs := int64(s.ttl / time.Second); secs > 0 {
		return secs
	}
	return 1
}

// Init creates a QUEUED record and publishes "new".
func (s *Store) Init(ctx context.Context, id, question string, meta map[string]any) (Answer, error) {
	now := s.now().UnixMilli()
	a := Answer{
		ID:        id,
		Question:  question,
		Status:    StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
		Meta:      meta,
	}

	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return Answer{}, fmt.Errorf("answers init: %w", err)
	}
	defer conn.Close()

	if err := conn.Send("MULTI"); err != nil {
		return Answer{}, fmt.Errorf("answers init: %w", err)
	}
	if err := s.sendWrites(conn, a); err != nil {
		return Answer{}, fmt.Errorf("answers init: %w", err)
	}
	if _, err := redis.DoContext(conn, ctx, "EXEC"); err != nil {
		return Answer{}, fmt.Errorf("answers init: %w", err)
	}

	s.publish(ctx, conn, EventNew, a)
	return a, nil
}

// SetStatus moves a non-terminal answer to status, setting the non-empty
// fields of u. Missing or terminal records are left untouched.
func (s *Store) SetStatus(ctx context.Context, id string, status Status, u Update) (Answer, bool, error) {
	return s.mutate(ctx, id, func(a *Answer) {
		a.Status = status
		if u.JobID != "" {
			a.JobID = u.JobID
		}
		if u.RunID != "" {
			a.RunID = u.RunID
		}
		if status == StatusFailed && a.Error == "" {
			a.Error = "failed"
		}
	})
}

// SetResult marks the answer DONE with data.
func (s *Store) SetResult(ctx context.Context, id string, data json.RawMessage, u Update) (Answer, bool, error) {
	return s.mutate(ctx, id, func(a *Answer) {
		a.Status = StatusDone
		a.Data = data
		a.Error = ""
		if u.RunID != "" {
			a.RunID = u.RunID
		}
	})
}

// SetError marks the answer FAILED with text.
func (s *Store) SetError(ctx context.Context, id, text string, u Update) (Answer, bool, error) {
	return s.mutate(ctx, id, func(a *Answer) {
		a.Status = StatusFailed
		a.Error = text
		a.Data = nil
		if u.RunID != "" {
			a.RunID = u.RunID
		}
	})
}

// Get returns the record or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (Answer, error) {
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return Answer{}, fmt.Errorf("answers get: %w", err)
	}
	defer conn.Close()

	b, err := redis.Bytes(redis.DoContext(conn, ctx, "GET", s.recordKey(id)))
	if errors.Is(err, redis.ErrNil) {
		return Answer{}, ErrNotFound
	}
	if err != nil {
		return Answer{}, fmt.Errorf("answers get: %w", err)
	}
	var a Answer
	if err := json.Unmarshal(b, &a); err != nil {
		return Answer{}, fmt.Errorf("decoding answer %s: %w", id, err)
	}
	return a, nil
}

// mutate applies fn inside an optimistic transaction. It reports whether the
// record was changed.
func (s *Store) mutate(ctx context.Context, id string, fn func(a *Answer)) (Answer, bool, error) {
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return Answer{}, false, fmt.Errorf("answers update %s: %w", id, err)
	}
	defer conn.Close()

	key := s.recordKey(id)
	for try := 0; try < maxTxRetries; try++ {
		if _, err := redis.DoContext(conn, ctx, "WATCH", key); err != nil {
			return Answer{}, false, fmt.Errorf("answers update %s: %w", id, err)
		}

		b, err := redis.Bytes(redis.DoContext(conn, ctx, "GET", key))
		if errors.Is(err, redis.ErrNil) {
			redis.DoContext(conn, ctx, "UNWATCH")
			return Answer{}, false, nil
		}
		if err != nil {
			return Answer{}, false, fmt.Errorf("answers update %s: %w", id, err)
		}

		var a Answer
		if err := json.Unmarshal(b, &a); err != nil {
			redis.DoContext(conn, ctx, "UNWATCH")
			return Answer{}, false, fmt.Errorf("decoding answer %s: %w", id, err)
		}
		if a.Status.Terminal() {
			redis.DoContext(conn, ctx, "UNWATCH")
			return a, false, nil
		}

		fn(&a)
		a.UpdatedAt = max(s.now().UnixMilli(), a.UpdatedAt)

		if err := conn.Send("MULTI"); err != nil {
			return Answer{}, false, fmt.Errorf("answers update %s: %w", id, err)
		}
		if err := s.sendWrites(conn, a); err != nil {
			return Answer{}, false, fmt.Errorf("answers update %s: %w", id, err)
		}
		reply, err := redis.DoContext(conn, ctx, "EXEC")
		if err != nil {
			return Answer{}, false, fmt.Errorf("answers update %s: %w", id, err)
		}
		if reply == nil {
			// WATCH fired: another writer got there first.
			continue
		}

		s.publish(ctx, conn, EventUpdate, a)
		return a, true, nil
	}
	return Answer{}, false, fmt.Errorf("answers update %s: too many concurrent writers", id)
}

// sendWrites queues the record write and index re-sync.
func (s *Store) sendWrites(conn redis.Conn, a Answer) error {
	b, err := json.Marshal(a)
	if err != nil {
		return err
	}
	if err := conn.Send("SET", s.recordKey(a.ID), b, "EX", s.ttlSeconds()); err != nil {
		return err
	}
	if err := conn.Send("ZADD", s.allIndex(), a.UpdatedAt, a.ID); err != nil {
		return err
	}
	for _, st := range Statuses {
		if err := conn.Send("ZREM", s.statusIndex(st), a.ID); err != nil {
			return err
		}
	}
	return conn.Send("ZADD", s.statusIndex(a.Status), a.UpdatedAt, a.ID)
}

func (s *Store) publish(ctx context.Context, conn redis.Conn, typ string, a Answer) {
	b, err := json.Marshal(Event{Type: typ, Data: a})
	if err != nil {
		s.log.Warn("encoding answer event", "answer_id", a.ID, "error", err)
		return
	}
	for _, ch := range []string{s.channel(a.ID), s.globalChannel()} {
		if _, err := redis.DoContext(conn, ctx, "PUBLISH", ch, b); err != nil {
			s.log.Warn("publishing answer event", "answer_id", a.ID, "channel", ch, "error", err)
		}
	}
}
