package engine

import (
	"context"
	"io"

	"github.com/kalambet/graphask/internal/ollama"
)

// EnsureReady prepares the backend behind e before serving. For Ollama this
// checks the server, pulls the model when missing and warms it. Hosted
// providers need no preparation.
func EnsureReady(ctx context.Context, e Engine, w io.Writer) error {
	o, ok := unwrap(e).(*Ollama)
	if !ok {
		return nil
	}
	return ollama.EnsureReady(ctx, o.Client(), o.Model(), w)
}
