package answers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/gomodule/redigo/redis"
)

// windowSize is how many index entries one ZREVRANGEBYSCORE call reads.
const windowSize = 100

// List returns answers newest first, ties ordered by id ascending. Pages are
// walked from the recency index and records are fetched afterwards. Index
// entries whose record has expired are removed as they are met, and so are
// status index entries whose record has since moved on. The question
// filter is applied after fetching, so a page may be shorter than Limit while
// NextCursor is still set.
func (s *Store) List(ctx context.Context, f Filter) (Page, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	limit = min(limit, MaxLimit)

	idx := s.allIndex()
	var only Status
	if f.Status != "" {
		st, err := ParseStatus(string(f.Status))
		if err != nil {
			return Page{}, err
		}
		only = st
		idx = s.statusIndex(st)
	}

	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return Page{}, fmt.Errorf("answers list: %w", err)
	}
	defer conn.Close()

	sc := &scanner{conn: conn, idx: idx, max: "+inf"}
	if f.Cursor != "" {
		score, id, err := decodeCursor(f.Cursor)
		if err != nil {
			return Page{}, err
		}
		if err := sc.seek(ctx, score, id); err != nil {
			return Page{}, fmt.Errorf("answers list: %w", err)
		}
	}

	query := strings.ToLower(strings.TrimSpace(f.Query))
	page := Page{Items: []Answer{}}
	var last entry

	for len(page.Items) < limit {
		want := limit - len(page.Items)
		if query != "" {
			want = max(want, 50)
		}
		batch, err := sc.take(ctx, want)
		if err != nil {
			return Page{}, fmt.Errorf("answers list: %w", err)
		}
		if len(batch) == 0 {
			return page, nil
		}

		records, err := s.fetch(ctx, conn, batch)
		if err != nil {
			return Page{}, err
		}

		var stale, misfiled []string
		for i, e := range batch {
			a, ok := records[i]
			if !ok {
				stale = append(stale, e.id)
				continue
			}
			if only != "" && a.Status != only {
				misfiled = append(misfiled, e.id)
				continue
			}
			if query != "" && !strings.Contains(strings.ToLower(a.Question), query) {
				continue
			}
			page.Items = append(page.Items, a)
			last = e
			if len(page.Items) == limit {
				sc.unread(batch[i+1:])
				break
			}
		}
		s.dropStale(ctx, conn, stale)
		s.unfile(ctx, conn, only, misfiled)
	}

	more, err := sc.more(ctx)
	if err != nil {
		return Page{}, fmt.Errorf("answers list: %w", err)
	}
	if more {
		page.NextCursor = encodeCursor(last.score, last.id)
	}
	return page, nil
}

// fetch loads the records for batch. Missing records are absent from the map.
func (s *Store) fetch(ctx context.Context, conn redis.Conn, batch []entry) (map[int]Answer, error) {
	args := make([]any, len(batch))
	for i, e := range batch {
		args[i] = s.recordKey(e.id)
	}
	vals, err := redis.ByteSlices(redis.DoContext(conn, ctx, "MGET", args...))
	if err != nil {
		return nil, fmt.Errorf("answers list: %w", err)
	}

	out := make(map[int]Answer, len(vals))
	for i, b := range vals {
		if b == nil {
			continue
		}
		var a Answer
		if err := json.Unmarshal(b, &a); err != nil {
			s.log.Warn("skipping undecodable answer", "answer_id", batch[i].id, "error", err)
			continue
		}
		out[i] = a
	}
	return out, nil
}

func (s *Store) dropStale(ctx context.Context, conn redis.Conn, ids []string) {
	if len(ids) == 0 {
		return
	}
	keys := []string{s.allIndex()}
	for _, st := range Statuses {
		keys = append(keys, s.statusIndex(st))
	}
	for _, k := range keys {
		args := make([]any, 0, len(ids)+1)
		args = append(args, k)
		for _, id := range ids {
			args = append(args, id)
		}
		if _, err := redis.DoContext(conn, ctx, "ZREM", args...); err != nil {
			s.log.Warn("removing stale index entries", "index", k, "error", err)
			return
		}
	}
	s.log.Debug("removed stale index entries", "count", len(ids))
}

// RebuildIndex recreates every index from the live records and returns the
// number of records indexed.
func (s *Store) RebuildIndex(ctx context.Context) (int, error) {
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("answers reindex: %w", err)
	}
	defer conn.Close()

	del := []any{s.allIndex()}
	for _, st := range Statuses {
		del = append(del, s.statusIndex(st))
	}
	if _, err := redis.DoContext(conn, ctx, "DEL", del...); err != nil {
		return 0, fmt.Errorf("answers reindex: %w", err)
	}

	count := 0
	cursor := "0"
	pattern := s.prefix + ":answer:*"
	for {
		reply, err := redis.Values(redis.DoContext(conn, ctx, "SCAN", cursor, "MATCH", pattern, "COUNT", 200))
		if err != nil {
			return count, fmt.Errorf("answers reindex: %w", err)
		}
		var keys []string
		if _, err := redis.Scan(reply, &cursor, &keys); err != nil {
			return count, fmt.Errorf("answers reindex: %w", err)
		}

		for _, k := range keys {
			ok, err := s.reindexOne(ctx, conn, k)
			if err != nil {
				return count, fmt.Errorf("answers reindex: %w", err)
			}
			if ok {
				count++
			}
		}

		if cursor == "0" {
			return count, nil
		}
	}
}

// unfile removes ids from the st index when their record is no longer in
// st. Each record is watched so a concurrent transition into st keeps its
// entry.
func (s *Store) unfile(ctx context.Context, conn redis.Conn, st Status, ids []string) {
	for _, id := range ids {
		if err := s.unfileOne(ctx, conn, st, id); err != nil {
			s.log.Warn("removing misfiled index entry", "answer_id", id, "status", st, "error", err)
			return
		}
	}
	if len(ids) > 0 {
		s.log.Debug("removed misfiled index entries", "status", st, "count", len(ids))
	}
}

func (s *Store) unfileOne(ctx context.Context, conn redis.Conn, st Status, id string) error {
	key := s.recordKey(id)
	for try := 0; try < maxTxRetries; try++ {
		if _, err := redis.DoContext(conn, ctx, "WATCH", key); err != nil {
			return err
		}
		a, found, err := s.readWatched(ctx, conn, key)
		if err != nil {
			return err
		}
		if !found || a.Status == st {
			redis.DoContext(conn, ctx, "UNWATCH")
			return nil
		}

		if err := conn.Send("MULTI"); err != nil {
			return err
		}
		if err := conn.Send("ZREM", s.statusIndex(st), id); err != nil {
			return err
		}
		reply, err := redis.DoContext(conn, ctx, "EXEC")
		if err != nil {
			return err
		}
		if reply != nil {
			return nil
		}
	}
	return errors.New("too many concurrent writers")
}

// reindexOne adds the record at key to the global index and its status
// index. The record is watched so an update landing mid-rebuild cannot be
// indexed under its old status.
func (s *Store) reindexOne(ctx context.Context, conn redis.Conn, key string) (bool, error) {
	for try := 0; try < maxTxRetries; try++ {
		if _, err := redis.DoContext(conn, ctx, "WATCH", key); err != nil {
			return false, err
		}
		a, found, err := s.readWatched(ctx, conn, key)
		if err != nil {
			s.log.Warn("skipping undecodable answer", "key", key, "error", err)
			redis.DoContext(conn, ctx, "UNWATCH")
			return false, nil
		}
		if !found {
			redis.DoContext(conn, ctx, "UNWATCH")
			return false, nil
		}

		if err := conn.Send("MULTI"); err != nil {
			return false, err
		}
		if err := conn.Send("ZADD", s.allIndex(), a.UpdatedAt, a.ID); err != nil {
			return false, err
		}
		for _, st := range Statuses {
			if st == a.Status {
				continue
			}
			if err := conn.Send("ZREM", s.statusIndex(st), a.ID); err != nil {
				return false, err
			}
		}
		if err := conn.Send("ZADD", s.statusIndex(a.Status), a.UpdatedAt, a.ID); err != nil {
			return false, err
		}
		reply, err := redis.DoContext(conn, ctx, "EXEC")
		if err != nil {
			return false, err
		}
		if reply != nil {
			return true, nil
		}
	}
	return false, fmt.Errorf("reindexing %s: too many concurrent writers", key)
}

// readWatched loads the record at key on a connection that is watching it.
func (s *Store) readWatched(ctx context.Context, conn redis.Conn, key string) (Answer, bool, error) {
	b, err := redis.Bytes(redis.DoContext(conn, ctx, "GET", key))
	if errors.Is(err, redis.ErrNil) {
		return Answer{}, false, nil
	}
	if err != nil {
		return Answer{}, false, err
	}
	var a Answer
	if err := json.Unmarshal(b, &a); err != nil {
		return Answer{}, false, fmt.Errorf("decoding %s: %w", key, err)
	}
	return a, true, nil
}

type entry struct {
	id    string
	score int64
}

// scanner yields index entries in (score desc, id asc) order. Redis returns
// equal-score members in reverse lexical order from ZREVRANGEBYSCORE, so the
// lowest-score group of every window is re-read in ascending order before
// it is handed out.
type scanner struct {
	conn    redis.Conn
	idx     string
	max     string
	pending []entry
	done    bool
}

// seek positions the scanner just after (score, id).
func (sc *scanner) seek(ctx context.Context, score int64, id string) error {
	group, err := sc.group(ctx, score)
	if err != nil {
		return err
	}
	for _, e := range group {
		if e.id > id {
			sc.pending = append(sc.pending, e)
		}
	}
	sc.max = "(" + strconv.FormatInt(score, 10)
	return nil
}

func (sc *scanner) take(ctx context.Context, n int) ([]entry, error) {
	for len(sc.pending) < n && !sc.done {
		if err := sc.fill(ctx); err != nil {
			return nil, err
		}
	}
	n = min(n, len(sc.pending))
	out := sc.pending[:n:n]
	sc.pending = sc.pending[n:]
	return out, nil
}

func (sc *scanner) unread(es []entry) {
	if len(es) == 0 {
		return
	}
	sc.pending = append(append([]entry(nil), es...), sc.pending...)
}

// more reports whether any entry remains.
func (sc *scanner) more(ctx context.Context) (bool, error) {
	for len(sc.pending) == 0 && !sc.done {
		if err := sc.fill(ctx); err != nil {
			return false, err
		}
	}
	return len(sc.pending) > 0, nil
}

func (sc *scanner) fill(ctx context.Context) error {
	vals, err := redis.Strings(redis.DoContext(sc.conn, ctx, "ZREVRANGEBYSCORE",
		sc.idx, sc.max, "-inf", "WITHSCORES", "LIMIT", 0, windowSize))
	if err != nil {
		return err
	}
	window, err := pairs(vals)
	if err != nil {
		return err
	}
	if len(window) == 0 {
		sc.done = true
		return nil
	}

	low := window[len(window)-1].score
	var head []entry
	for _, e := range window {
		if e.score > low {
			head = append(head, e)
		}
	}
	sort.Slice(head, func(i, j int) bool {
		if head[i].score != head[j].score {
			return head[i].score > head[j].score
		}
		return head[i].id < head[j].id
	})
	tail, err := sc.group(ctx, low)
	if err != nil {
		return err
	}

	sc.pending = append(sc.pending, head...)
	sc.pending = append(sc.pending, tail...)
	sc.max = "(" + strconv.FormatInt(low, 10)
	return nil
}

// group returns every entry with exactly score, ids ascending.
func (sc *scanner) group(ctx context.Context, score int64) ([]entry, error) {
	s := strconv.FormatInt(score, 10)
	vals, err := redis.Strings(redis.DoContext(sc.conn, ctx, "ZRANGEBYSCORE", sc.idx, s, s, "WITHSCORES"))
	if err != nil {
		return nil, err
	}
	es, err := pairs(vals)
	if err != nil {
		return nil, err
	}
	sort.Slice(es, func(i, j int) bool { return es[i].id < es[j].id })
	return es, nil
}

func pairs(vals []string) ([]entry, error) {
	if len(vals)%2 != 0 {
		return nil, errors.New("odd WITHSCORES reply")
	}
	out := make([]entry, 0, len(vals)/2)
	for i := 0; i < len(vals); i += 2 {
		f, err := strconv.ParseFloat(vals[i+1], 64)
		if err != nil {
			return nil, fmt.Errorf("parsing score %q: %w", vals[i+1], err)
		}
		out = append(out, entry{id: vals[i], score: int64(f)})
	}
	return out, nil
}
