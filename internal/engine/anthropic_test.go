package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/anthropics/anthropic-sdk-go/option"
)

func messageJSON(text string) []byte {
	b, _ := json.Marshal(map[string]any{
		"id":            "msg_1",
		"type":          "message",
		"role":          "assistant",
		"model":         "claude-sonnet-4-20250514",
		"stop_reason":   "end_turn",
		"stop_sequence": nil,
		"content":       []map[string]any{{"type": "text", "text": text}},
		"usage":         map[string]any{"input_tokens": 10, "output_tokens": 5},
	})
	return b
}

func TestAnthropic_Complete(t *testing.T) {
	var system string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/messages") {
			http.NotFound(w, r)
			return
		}
		var body struct {
			System []struct {
				Text string `json:"text"`
			} `json:"system"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		if len(body.System) > 0 {
			system = body.System[0].Text
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(messageJSON(`{"query":"MATCH (t:Task) RETURN count(t)"}`))
	}))
	defer srv.Close()

	e := NewAnthropic("test-key", "", option.WithBaseURL(srv.URL), option.WithMaxRetries(0))
	got, err := e.Complete(context.Background(), Request{Mode: "draft_query", System: "write cypher", Prompt: "q", JSON: true})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if !strings.Contains(got, "MATCH (t:Task)") {
		t.Errorf("got %q", got)
	}
	if !strings.Contains(system, "write cypher") || !strings.Contains(system, jsonInstruction) {
		t.Errorf("system = %q, want base prompt plus JSON instruction", system)
	}
	if e.Model() != "claude-sonnet-4-20250514" {
		t.Errorf("Model() = %q", e.Model())
	}
}

func TestAnthropic_RetriesOverloaded(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if calls.Add(1) == 1 {
			w.WriteHeader(529)
			w.Write([]byte(`{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`))
			return
		}
		w.Write(messageJSON("done"))
	}))
	defer srv.Close()

	e := NewAnthropic("test-key", "m", option.WithBaseURL(srv.URL), option.WithMaxRetries(0))
	e.delay = time.Millisecond

	got, err := e.Complete(context.Background(), Request{Prompt: "q"})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got != "done" {
		t.Errorf("got %q, want done", got)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
}

func TestAnthropic_NonRetryableError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"type":"error","error":{"type":"invalid_request_error","message":"bad"}}`))
	}))
	defer srv.Close()

	e := NewAnthropic("test-key", "m", option.WithBaseURL(srv.URL), option.WithMaxRetries(0))
	if _, err := e.Complete(context.Background(), Request{Mode: "compose", Prompt: "q"}); err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}
