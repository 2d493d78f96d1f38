// Package api exposes the answer service over HTTP (JSON, SSE, websocket)
// and MCP.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/graphask/internal/answers"
	"github.com/kalambet/graphask/internal/service"
	"github.com/kalambet/graphask/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Service is the answer service. *service.Service implements it.
type Service interface {
	Submit(ctx context.Context, req service.SubmitRequest) (service.SubmitResult, error)
	Get(ctx context.Context, id string) (answers.Answer, error)
	List(ctx context.Context, f answers.Filter) (answers.Page, error)
	Subscribe(ctx context.Context, id string) (<-chan answers.Event, error)
	Reindex(ctx context.Context) (int, error)
	Run(id string) (storage.Run, error)
}

type Deps struct {
	Service Service
	Token   string
}

// NewHandler returns the HTTP API. Everything except /health requires the
// bearer token when one is configured.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/ask", handleAsk(deps))
		r.Get("/answers", handleListAnswers(deps))
		r.Get("/answers/events", handleEvents(deps))
		r.Get("/answers/{id}", handleGetAnswer(deps))
		r.Get("/answers/{id}/events", handleEvents(deps))
		r.Get("/ws", handleWebsocket(deps))
		r.Post("/admin/reindex", handleReindex(deps))
		r.Get("/runs/{id}", handleGetRun(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
