package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/graphask/internal/answers"
	"github.com/kalambet/graphask/internal/service"
	"github.com/kalambet/graphask/internal/storage"
)

type AskRequest struct {
	Question       string         `json:"question"`
	Mode           string         `json:"mode"`
	IdempotencyKey string         `json:"idempotency_key"`
	Meta           map[string]any `json:"meta"`
	WaitMS         int            `json:"wait_ms"`
}

type pendingResponse struct {
	AnswerID string         `json:"answer_id"`
	Status   answers.Status `json:"status"`
}

func handleAsk(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req AskRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		mode, err := service.ParseMode(req.Mode)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		key := req.IdempotencyKey
		if key == "" {
			key = r.Header.Get("Idempotency-Key")
		}

		res, err := deps.Service.Submit(r.Context(), service.SubmitRequest{
			Question:       req.Question,
			Mode:           mode,
			IdempotencyKey: key,
			Meta:           req.Meta,
			Wait:           time.Duration(req.WaitMS) * time.Millisecond,
		})
		switch {
		case errors.Is(err, service.ErrEmptyQuestion):
			httpError(w, http.StatusBadRequest, "invalid_request_error", "question is required")
			return
		case err != nil && res.Answer.ID != "":
			httpError(w, http.StatusBadGateway, "pipeline_error", "answer %s failed: %v", res.Answer.ID, err)
			return
		case err != nil:
			httpError(w, http.StatusInternalServerError, "api_error", "submitting question: %v", err)
			return
		}

		if res.Pending {
			writeJSON(w, http.StatusAccepted, pendingResponse{AnswerID: res.Answer.ID, Status: res.Answer.Status})
			return
		}
		writeJSON(w, http.StatusOK, res.Answer)
	}
}

func handleGetAnswer(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		a, err := deps.Service.Get(r.Context(), id)
		if errors.Is(err, answers.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "answer %s not found", id)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "loading answer: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, a)
	}
}

func handleListAnswers(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		f := answers.Filter{Query: q.Get("q"), Cursor: q.Get("cursor")}

		if s := q.Get("status"); s != "" {
			st, err := answers.ParseStatus(s)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
				return
			}
			f.Status = st
		}
		if s := q.Get("limit"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n < 0 {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "limit must be a non-negative integer")
				return
			}
			f.Limit = n
		}

		page, err := deps.Service.List(r.Context(), f)
		if errors.Is(err, answers.ErrInvalidCursor) || errors.Is(err, answers.ErrInvalidStatus) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing answers: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, page)
	}
}

func handleReindex(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := deps.Service.Reindex(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "rebuilding indexes: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"indexed": n})
	}
}

type runEventResponse struct {
	Kind      string          `json:"kind"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input,omitempty"`
	Output    json.RawMessage `json:"output,omitempty"`
	OK        bool            `json:"ok"`
	CreatedAt time.Time       `json:"created_at"`
}

type runResponse struct {
	ID          string             `json:"id"`
	Agent       string             `json:"agent"`
	Model       string             `json:"model"`
	Manifest    json.RawMessage    `json:"manifest"`
	Status      string             `json:"status"`
	Error       string             `json:"error,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
	CompletedAt *time.Time         `json:"completed_at,omitempty"`
	Events      []runEventResponse `json:"events"`
}

func toRunResponse(run storage.Run) runResponse {
	out := runResponse{
		ID:        run.ID,
		Agent:     run.Agent,
		Model:     run.Model,
		Manifest:  json.RawMessage(run.ManifestJSON),
		Status:    run.Status,
		Error:     run.Error,
		CreatedAt: run.CreatedAt,
		Events:    make([]runEventResponse, 0, len(run.Events)),
	}
	if !run.CompletedAt.IsZero() {
		out.CompletedAt = &run.CompletedAt
	}
	for _, ev := range run.Events {
		re := runEventResponse{Kind: ev.Kind, Name: ev.Name, OK: ev.OK, CreatedAt: ev.CreatedAt}
		if ev.InputJSON != "" {
			re.Input = json.RawMessage(ev.InputJSON)
		}
		if ev.OutputJSON != "" {
			re.Output = json.RawMessage(ev.OutputJSON)
		}
		out.Events = append(out.Events, re)
	}
	return out
}

func handleGetRun(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		run, err := deps.Service.Run(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "run %s not found", id)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "loading run: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, toRunResponse(run))
	}
}
