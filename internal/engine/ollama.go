package engine

import (
	"context"

	"github.com/kalambet/graphask/internal/ollama"
)

// Ollama adapts the internal/ollama.Client to the Engine interface.
type Ollama struct {
	client *ollama.Client
	model  string
}

// NewOllama creates an Ollama engine backed by a server at baseURL.
func NewOllama(baseURL, model string) *Ollama {
	return &Ollama{client: ollama.New(baseURL), model: model}
}

// Client exposes the underlying client for readiness checks.
func (e *Ollama) Client() *ollama.Client { return e.client }

func (e *Ollama) Model() string { return e.model }

func (e *Ollama) Complete(ctx context.Context, req Request) (string, error) {
	msgs := make([]ollama.Message, 0, 2)
	if req.System != "" {
		msgs = append(msgs, ollama.Message{Role: "system", Content: req.System})
	}
	msgs = append(msgs, ollama.Message{Role: "user", Content: req.Prompt})

	temp := 0.0
	return e.client.Chat(ctx, ollama.ChatRequest{
		Model:       e.model,
		Messages:    msgs,
		JSON:        req.JSON,
		Temperature: &temp,
	})
}
