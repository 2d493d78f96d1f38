package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/kalambet/graphask/internal/config"
)

// Request is one prompt sent to a language model.
type Request struct {
	// Mode labels the call ("draft_query", "repair_query", ...). It keys the
	// response cache and shows up in logs.
	Mode   string
	System string
	Prompt string
	// JSON asks the backend for a single JSON object as output.
	JSON bool
}

// Engine abstracts the language model backend (Ollama or Anthropic).
// Consumers such as the oracle use this interface instead of depending on a
// concrete client.
type Engine interface {
	// Complete sends the request and returns the assistant's response text.
	Complete(ctx context.Context, req Request) (string, error)

	// Model returns the model identifier requests are sent to.
	Model() string
}

// New builds the Engine selected by cfg.LLM.Provider. A positive
// cfg.LLM.Timeout bounds each call. When responses is non-nil and
// cfg.LLM.Cache is set, the engine is wrapped in a Cached layer.
func New(cfg config.Config, responses ResponseStore) (Engine, error) {
	var e Engine
	switch cfg.LLM.Provider {
	case "ollama":
		e = NewOllama(cfg.Ollama.BaseURL, cfg.Ollama.Model)
	case "anthropic":
		if cfg.Anthropic.APIKey == "" {
			return nil, fmt.Errorf("anthropic provider requires an API key")
		}
		e = NewAnthropic(cfg.Anthropic.APIKey, cfg.Anthropic.Model)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.LLM.Provider)
	}
	if cfg.LLM.Timeout > 0 {
		e = &Timeout{inner: e, limit: cfg.LLM.Timeout}
	}
	if cfg.LLM.Cache && responses != nil {
		e = NewCached(e, responses)
	}
	return e, nil
}

// Timeout bounds every Complete call of the wrapped engine.
type Timeout struct {
	inner Engine
	limit time.Duration
}

func (t *Timeout) Model() string { return t.inner.Model() }

func (t *Timeout) Complete(ctx context.Context, req Request) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, t.limit)
	defer cancel()
	return t.inner.Complete(ctx, req)
}

// unwrap strips the caching and timeout layers.
func unwrap(e Engine) Engine {
	for {
		switch w := e.(type) {
		case *Cached:
			e = w.inner
		case *Timeout:
			e = w.inner
		default:
			return e
		}
	}
}
