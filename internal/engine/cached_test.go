package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/graphask/internal/config"
	"github.com/kalambet/graphask/internal/storage"
)

type memStore struct {
	mu   sync.Mutex
	data map[string]string
	err  error
}

func newMemStore() *memStore { return &memStore{data: map[string]string{}} }

func (m *memStore) GetLLMResponse(key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	v, ok := m.data[key]
	if !ok {
		return "", storage.ErrNotFound
	}
	return v, nil
}

func (m *memStore) PutLLMResponse(key, _, _, response string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.data[key] = response
	return nil
}

type fakeEngine struct {
	calls int
	resp  string
	err   error
}

func (f *fakeEngine) Model() string { return "fake" }

func (f *fakeEngine) Complete(_ context.Context, _ Request) (string, error) {
	f.calls++
	return f.resp, f.err
}

func TestCached_ServesRepeatFromStore(t *testing.T) {
	inner := &fakeEngine{resp: "answer"}
	c := NewCached(inner, newMemStore())
	req := Request{Mode: "compose", Prompt: "same prompt"}

	for i := 0; i < 3; i++ {
		got, err := c.Complete(context.Background(), req)
		if err != nil {
			t.Fatalf("Complete: %v", err)
		}
		if got != "answer" {
			t.Errorf("got %q", got)
		}
	}
	if inner.calls != 1 {
		t.Errorf("inner calls = %d, want 1", inner.calls)
	}

	c.Complete(context.Background(), Request{Mode: "compose", Prompt: "other prompt"})
	if inner.calls != 2 {
		t.Errorf("inner calls after new prompt = %d, want 2", inner.calls)
	}
}

func TestCached_ErrorsNotStored(t *testing.T) {
	inner := &fakeEngine{err: errors.New("boom")}
	store := newMemStore()
	c := NewCached(inner, store)

	if _, err := c.Complete(context.Background(), Request{Prompt: "p"}); err == nil {
		t.Fatal("expected error")
	}
	if len(store.data) != 0 {
		t.Errorf("stored %d entries after failure", len(store.data))
	}
}

func TestCached_StoreFailureFallsThrough(t *testing.T) {
	inner := &fakeEngine{resp: "live"}
	store := newMemStore()
	store.err = errors.New("disk full")
	c := NewCached(inner, store)

	got, err := c.Complete(context.Background(), Request{Prompt: "p"})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got != "live" {
		t.Errorf("got %q, want live", got)
	}
}

func TestCacheKey(t *testing.T) {
	a := CacheKey("m", Request{Mode: "draft_query", Prompt: "p"})
	if !strings.HasPrefix(a, "draft_query:m:") {
		t.Errorf("key = %q, want mode:model: prefix", a)
	}
	if b := CacheKey("m", Request{Mode: "draft_query", Prompt: "p", JSON: true}); a == b {
		t.Error("JSON flag does not change key")
	}
	if b := CacheKey("m", Request{Mode: "draft_query", System: "s", Prompt: "p"}); a == b {
		t.Error("system prompt does not change key")
	}
	if b := CacheKey("m2", Request{Mode: "draft_query", Prompt: "p"}); a == b {
		t.Error("model does not change key")
	}
}

func TestNew_SelectsProvider(t *testing.T) {
	cfg := config.Config{}
	cfg.LLM.Provider = "ollama"
	cfg.Ollama.BaseURL = "http://localhost:11434"
	cfg.Ollama.Model = "llama3.1:8b"

	e, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New(ollama): %v", err)
	}
	if _, ok := e.(*Ollama); !ok {
		t.Errorf("New(ollama) = %T, want *Ollama", e)
	}

	cfg.LLM.Cache = true
	e, _ = New(cfg, newMemStore())
	if _, ok := e.(*Cached); !ok {
		t.Errorf("New with cache = %T, want *Cached", e)
	}

	cfg.LLM.Timeout = time.Minute
	e, _ = New(cfg, newMemStore())
	c, ok := e.(*Cached)
	if !ok {
		t.Fatalf("New with cache and timeout = %T, want *Cached", e)
	}
	if _, ok := c.inner.(*Timeout); !ok {
		t.Errorf("cached inner = %T, want *Timeout", c.inner)
	}
	if _, ok := unwrap(e).(*Ollama); !ok {
		t.Errorf("unwrap = %T, want *Ollama", unwrap(e))
	}

	cfg.LLM.Provider = "anthropic"
	if _, err := New(cfg, nil); err == nil {
		t.Error("New(anthropic) without key succeeded")
	}

	cfg.LLM.Provider = "mlx"
	if _, err := New(cfg, nil); err == nil {
		t.Error("New(unknown provider) succeeded")
	}
}

type blockingEngine struct{}

func (blockingEngine) Model() string { return "slow" }

func (blockingEngine) Complete(ctx context.Context, _ Request) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func TestTimeout_BoundsCall(t *testing.T) {
	e := &Timeout{inner: blockingEngine{}, limit: 20 * time.Millisecond}
	_, err := e.Complete(context.Background(), Request{Mode: "compose"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
	if e.Model() != "slow" {
		t.Errorf("Model() = %q", e.Model())
	}
}
