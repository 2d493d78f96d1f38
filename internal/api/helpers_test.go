package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/kalambet/graphask/internal/answers"
	"github.com/kalambet/graphask/internal/idempotency"
	"github.com/kalambet/graphask/internal/kv"
	"github.com/kalambet/graphask/internal/pipeline"
	"github.com/kalambet/graphask/internal/service"
	"github.com/kalambet/graphask/internal/storage"
)

type fakeAnswerer struct {
	answerFn func(ctx context.Context, question string) (pipeline.Output, error)
}

func (f *fakeAnswerer) Answer(ctx context.Context, question string) (pipeline.Output, error) {
	if f.answerFn != nil {
		return f.answerFn(ctx, question)
	}
	return pipeline.Output{Answer: "4 tasks", Computed: json.RawMessage(`{"count":4}`), RunID: "run-1"}, nil
}

type testEnv struct {
	svc      *service.Service
	store    *answers.Store
	runs     *storage.Store
	answerer *fakeAnswerer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	pool := kv.NewPool(kv.Options{Addr: mr.Addr()})
	t.Cleanup(func() { pool.Close() })

	runs, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { runs.Close() })

	e := &testEnv{
		store:    answers.New(pool, "graphask", time.Hour),
		runs:     runs,
		answerer: &fakeAnswerer{},
	}
	e.svc = service.New(e.store, idempotency.New(pool, "graphask", time.Hour), runs, e.answerer, service.Options{
		PollInterval: 10 * time.Millisecond,
		AutoWait:     50 * time.Millisecond,
	})
	return e
}

func (e *testEnv) handler(token string) http.Handler {
	return NewHandler(Deps{Service: e.svc, Token: token})
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
}

func errorType(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	decodeBody(t, rr, &body)
	return body.Error.Type
}
