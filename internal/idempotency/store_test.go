package idempotency

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/kalambet/graphask/internal/kv"
)

func newTestStore(t *testing.T, ttl time.Duration) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	pool := kv.NewPool(kv.Options{Addr: mr.Addr()})
	t.Cleanup(func() { pool.Close() })
	return New(pool, "graphask", ttl), mr
}

func TestSave_FirstWriterWins(t *testing.T) {
	s, mr := newTestStore(t, time.Hour)
	ctx := context.Background()

	ok, err := s.Save(ctx, "k1", "answer-a")
	if err != nil || !ok {
		t.Fatalf("first Save = %v, %v; want stored", ok, err)
	}
	ok, err = s.Save(ctx, "k1", "answer-b")
	if err != nil || ok {
		t.Fatalf("second Save = %v, %v; want not stored", ok, err)
	}

	id, found, err := s.Load(ctx, "k1")
	if err != nil || !found || id != "answer-a" {
		t.Errorf("Load = %q, %v, %v; want answer-a", id, found, err)
	}
	if ttl := mr.TTL("graphask:idem:k1"); ttl != time.Hour {
		t.Errorf("TTL = %v, want 1h", ttl)
	}
}

func TestSave_Concurrent(t *testing.T) {
	s, _ := newTestStore(t, time.Hour)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	stored := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := s.Save(ctx, "race", string(rune('a'+i)))
			if err != nil {
				t.Errorf("Save: %v", err)
				return
			}
			if ok {
				mu.Lock()
				stored++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	if stored != 1 {
		t.Errorf("%d writers stored, want exactly 1", stored)
	}
}

func TestLoad_MissingAndExpired(t *testing.T) {
	s, mr := newTestStore(t, 30*time.Second)
	ctx := context.Background()

	if _, found, err := s.Load(ctx, "nope"); err != nil || found {
		t.Errorf("Load(missing) found=%v err=%v", found, err)
	}

	s.Save(ctx, "k", "a")
	mr.FastForward(31 * time.Second)
	if _, found, _ := s.Load(ctx, "k"); found {
		t.Error("record survived its TTL")
	}
	if ok, _ := s.Save(ctx, "k", "b"); !ok {
		t.Error("Save after expiry did not store")
	}
}

func TestReplace_CompareAndSet(t *testing.T) {
	s, _ := newTestStore(t, time.Hour)
	ctx := context.Background()
	s.Save(ctx, "k", "stale")

	ok, err := s.Replace(ctx, "k", "wrong", "fresh")
	if err != nil || ok {
		t.Fatalf("Replace with wrong stale = %v, %v; want false", ok, err)
	}
	ok, err = s.Replace(ctx, "k", "stale", "fresh")
	if err != nil || !ok {
		t.Fatalf("Replace = %v, %v; want true", ok, err)
	}
	if id, _, _ := s.Load(ctx, "k"); id != "fresh" {
		t.Errorf("Load after Replace = %q, want fresh", id)
	}
	if ok, _ := s.Replace(ctx, "k", "stale", "other"); ok {
		t.Error("second Replace with old stale value succeeded")
	}
}

func TestStore_BackendDown(t *testing.T) {
	s, mr := newTestStore(t, time.Hour)
	mr.Close()
	if _, err := s.Save(context.Background(), "k", "a"); err == nil {
		t.Error("Save with backend down returned nil error")
	}
}
