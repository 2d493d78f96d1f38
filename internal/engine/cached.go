package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"

	"github.com/kalambet/graphask/internal/storage"
)

// ResponseStore persists model responses. *storage.Store implements it.
type ResponseStore interface {
	GetLLMResponse(key string) (string, error)
	PutLLMResponse(key, mode, model, response string) error
}

// Cached serves repeated prompts from a ResponseStore instead of the model.
// Store failures are logged and the call falls through to the inner engine.
type Cached struct {
	inner Engine
	store ResponseStore
	log   *slog.Logger
}

func NewCached(inner Engine, store ResponseStore) *Cached {
	return &Cached{inner: inner, store: store, log: slog.Default()}
}

func (c *Cached) Model() string { return c.inner.Model() }

func (c *Cached) Complete(ctx context.Context, req Request) (string, error) {
	key := CacheKey(c.inner.Model(), req)

	resp, err := c.store.GetLLMResponse(key)
	if err == nil {
		c.log.Debug("llm cache hit", "mode", req.Mode, "model", c.inner.Model())
		return resp, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		c.log.Warn("llm cache read failed", "mode", req.Mode, "error", err)
	}

	resp, err = c.inner.Complete(ctx, req)
	if err != nil {
		return "", err
	}
	if err := c.store.PutLLMResponse(key, req.Mode, c.inner.Model(), resp); err != nil {
		c.log.Warn("llm cache write failed", "mode", req.Mode, "error", err)
	}
	return resp, nil
}

// CacheKey returns "mode:model:sha256(model|mode|prompt)". The system prompt
// and JSON flag are part of the hashed prompt.
func CacheKey(model string, req Request) string {
	h := sha256.New()
	h.Write([]byte(model))
	h.Write([]byte{'|'})
	h.Write([]byte(req.Mode))
	h.Write([]byte{'|'})
	h.Write([]byte(req.System))
	h.Write([]byte{0})
	h.Write([]byte(req.Prompt))
	if req.JSON {
		h.Write([]byte{0, 'j'})
	}
	return req.Mode + ":" + model + ":" + hex.EncodeToString(h.Sum(nil))
}
