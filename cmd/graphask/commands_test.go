package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kalambet/graphask/internal/answers"
	"github.com/kalambet/graphask/internal/config"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

type cannedResponse struct {
	status int
	body   string
}

func newTestServer(t *testing.T, responses map[string]cannedResponse) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
			Auth:   r.Header.Get("Authorization"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			if resp.status != 0 {
				w.WriteHeader(resp.status)
			}
			w.Write([]byte(resp.body))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"answer not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

// useServer points the CLI commands at ts for the duration of the test.
func useServer(t *testing.T, ts *testServer) {
	t.Helper()
	old := newAPIClient
	newAPIClient = func() (*apiClient, error) { return ts.client(), nil }
	t.Cleanup(func() {
		newAPIClient = old
		rootCmd.SetArgs(nil)
	})
}

var ctx = context.Background()

const doneAnswer = `{"id":"a-1","question":"how many tasks","status":"DONE","createdAt":1,"updatedAt":2,
"data":{"answer":"There are 4 tasks.","data_preview":[],"query":"MATCH (t:Task) RETURN t",
"analysis_code":"def main(rows):\n    return {\"count\": len(rows)}","computed":{"count":4},
"stdout":"","cached":false,"run_id":"r-1","attempts":[],"schema_fp":"abc"}}`

func TestAskCommand_Sync(t *testing.T) {
	ts := newTestServer(t, map[string]cannedResponse{
		"POST /ask": {body: doneAnswer},
	})
	useServer(t, ts)

	rootCmd.SetArgs([]string{"ask", "--mode", "sync", "--key", "k-1", "how", "many", "tasks"})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("ask: %v", err)
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	r := ts.requests[0]
	if r.Method != "POST" || r.Path != "/ask" {
		t.Errorf("request = %s %s, want POST /ask", r.Method, r.Path)
	}
	if r.Auth != "Bearer test-token" {
		t.Errorf("auth = %q, want Bearer test-token", r.Auth)
	}

	var body map[string]any
	if err := json.Unmarshal([]byte(r.Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if body["question"] != "how many tasks" {
		t.Errorf("body.question = %v", body["question"])
	}
	if body["mode"] != "sync" {
		t.Errorf("body.mode = %v, want sync", body["mode"])
	}
	if body["idempotency_key"] != "k-1" {
		t.Errorf("body.idempotency_key = %v, want k-1", body["idempotency_key"])
	}
	meta, _ := body["meta"].(map[string]any)
	if meta["source"] != "cli" {
		t.Errorf("body.meta = %v, want source=cli", body["meta"])
	}
}

func TestAskCommand_Pending(t *testing.T) {
	ts := newTestServer(t, map[string]cannedResponse{
		"POST /ask": {status: http.StatusAccepted, body: `{"answer_id":"a-2","status":"QUEUED"}`},
	})
	useServer(t, ts)

	rootCmd.SetArgs([]string{"ask", "--mode", "async", "--key", "", "which services"})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("ask: %v", err)
	}
	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	if !strings.Contains(ts.requests[0].Body, `"mode":"async"`) {
		t.Errorf("body = %s", ts.requests[0].Body)
	}
}

func TestAskCommand_ServerError(t *testing.T) {
	ts := newTestServer(t, map[string]cannedResponse{
		"POST /ask": {status: http.StatusBadGateway, body: `{"error":{"message":"no valid query after 3 attempts","type":"pipeline_error"}}`},
	})
	useServer(t, ts)

	rootCmd.SetArgs([]string{"ask", "--mode", "sync", "--key", "", "broken"})
	err := rootCmd.Execute()
	if err == nil {
		t.Fatal("expected error for 502")
	}
	if !strings.Contains(err.Error(), "502") || !strings.Contains(err.Error(), "no valid query") {
		t.Errorf("error = %q", err)
	}
}

func TestAskCommand_MissingQuestion(t *testing.T) {
	defer rootCmd.SetArgs(nil)

	rootCmd.SetArgs([]string{"ask"})
	if err := rootCmd.Execute(); err == nil {
		t.Fatal("expected error for missing question")
	}
}

func TestPrintAnswer_Done(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()
	noColor = true

	var a answers.Answer
	if err := json.Unmarshal([]byte(doneAnswer), &a); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := printAnswer(&buf, a); err != nil {
		t.Fatalf("printAnswer: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"a-1", "DONE", "There are 4 tasks.", "MATCH (t:Task) RETURN t", `{"count":4}`, "r-1"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestPrintAnswer_Failed(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()
	noColor = true

	var buf bytes.Buffer
	a := answers.Answer{ID: "a-3", Question: "q", Status: answers.StatusFailed, Error: "sandbox: timeout"}
	if err := printAnswer(&buf, a); err != nil {
		t.Fatalf("printAnswer: %v", err)
	}
	if !strings.Contains(buf.String(), "sandbox: timeout") {
		t.Errorf("output = %q", buf.String())
	}
}

func TestAnswersList_Query(t *testing.T) {
	ts := newTestServer(t, map[string]cannedResponse{
		"GET /answers": {body: `{"items":[{"id":"a-1","question":"q","status":"FAILED","createdAt":1,"updatedAt":2}],"next_cursor":"Mjo6YS0x"}`},
	})
	useServer(t, ts)

	rootCmd.SetArgs([]string{"answers", "list", "--status", "failed", "--q", "open tasks", "--limit", "2", "--cursor", ""})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("answers list: %v", err)
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	path := ts.requests[0].Path
	for _, want := range []string{"status=failed", "q=open+tasks", "limit=2"} {
		if !strings.Contains(path, want) {
			t.Errorf("path %q missing %q", path, want)
		}
	}
	if strings.Contains(path, "cursor=") {
		t.Errorf("empty cursor sent: %q", path)
	}
}

func TestPrintPage(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()
	noColor = true

	var buf bytes.Buffer
	printPage(&buf, answers.Page{})
	if !strings.Contains(buf.String(), "No answers found.") {
		t.Errorf("empty page output = %q", buf.String())
	}

	buf.Reset()
	printPage(&buf, answers.Page{
		Items:      []answers.Answer{{ID: "a-1", Question: strings.Repeat("x", 100), Status: answers.StatusDone}},
		NextCursor: "abc",
	})
	out := buf.String()
	if !strings.Contains(out, strings.Repeat("x", 80)+"...") {
		t.Errorf("long question not truncated:\n%s", out)
	}
	if !strings.Contains(out, "--cursor abc") {
		t.Errorf("next cursor missing:\n%s", out)
	}
}

func TestAnswersGet_NotFound(t *testing.T) {
	ts := newTestServer(t, nil)
	useServer(t, ts)

	rootCmd.SetArgs([]string{"answers", "get", "missing"})
	err := rootCmd.Execute()
	if err == nil {
		t.Fatal("expected error for missing answer")
	}
	if !strings.Contains(err.Error(), "404: answer not found") {
		t.Errorf("error = %q", err)
	}
}

func TestReindexCommand(t *testing.T) {
	ts := newTestServer(t, map[string]cannedResponse{
		"POST /admin/reindex": {body: `{"indexed":7}`},
	})
	useServer(t, ts)

	rootCmd.SetArgs([]string{"reindex"})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("reindex: %v", err)
	}
	if len(ts.requests) != 1 || ts.requests[0].Path != "/admin/reindex" {
		t.Errorf("requests = %+v", ts.requests)
	}
}

func TestRunsShow(t *testing.T) {
	ts := newTestServer(t, map[string]cannedResponse{
		"GET /runs/r-1": {body: `{"id":"r-1","status":"ok","events":[]}`},
	})
	useServer(t, ts)

	rootCmd.SetArgs([]string{"runs", "show", "r-1"})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("runs show: %v", err)
	}
}

func TestAPIClient_NoTokenNoHeader(t *testing.T) {
	ts := newTestServer(t, map[string]cannedResponse{
		"GET /health": {body: `{"status":"ok"}`},
	})
	c := ts.client()
	c.token = ""

	resp, err := c.get(ctx, "/health")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var v map[string]string
	if err := decodeJSON(resp, &v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ts.requests[0].Auth != "" {
		t.Errorf("auth = %q, want none", ts.requests[0].Auth)
	}
}

func TestDecodeJSON_PlainErrorBody(t *testing.T) {
	resp := &http.Response{
		StatusCode: 500,
		Body:       io.NopCloser(strings.NewReader("boom")),
	}
	err := decodeJSON(resp, &struct{}{})
	if err == nil || !strings.Contains(err.Error(), "500: boom") {
		t.Errorf("err = %v", err)
	}
}

func TestServerURL(t *testing.T) {
	tests := []struct {
		bind string
		want string
	}{
		{"127.0.0.1", "http://127.0.0.1:4100"},
		{"0.0.0.0", "http://127.0.0.1:4100"},
		{"", "http://127.0.0.1:4100"},
		{"10.0.0.5", "http://10.0.0.5:4100"},
	}
	for _, tt := range tests {
		cfg := config.Config{}
		cfg.Server.Bind = tt.bind
		cfg.Server.Port = 4100
		if got := serverURL(cfg); got != tt.want {
			t.Errorf("serverURL(%q) = %q, want %q", tt.bind, got, tt.want)
		}
	}
}

func TestLogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"WARN":  slog.LevelWarn,
		"error": slog.LevelError,
		"info":  slog.LevelInfo,
		"":      slog.LevelInfo,
	}
	for in, want := range tests {
		if got := logLevel(in); got != want {
			t.Errorf("logLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	if result := statusLabel(answers.StatusDone); strings.Contains(result, "\033[") {
		t.Errorf("statusLabel with noColor=true should not contain ANSI codes, got %q", result)
	}

	noColor = false
	if result := statusLabel(answers.StatusDone); !strings.Contains(result, "\033[") {
		t.Errorf("statusLabel with noColor=false should contain ANSI codes, got %q", result)
	}
}

func TestSandboxExecHidden(t *testing.T) {
	if !sandboxExecCmd.Hidden {
		t.Error("sandbox-exec should be hidden")
	}
	for _, c := range rootCmd.Commands() {
		if c.Name() == "sandbox-exec" {
			return
		}
	}
	t.Error("sandbox-exec not registered")
}
