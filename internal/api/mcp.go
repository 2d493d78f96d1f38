package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/graphask/internal/answers"
	"github.com/kalambet/graphask/internal/service"
)

// NewMCPServer creates an MCP server exposing the answer service as tools.
func NewMCPServer(svc Service, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"graphask",
		version,
		server.WithToolCapabilities(true),
		server.WithInstructions("graphask answers natural-language questions about a graph database."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("ask_question",
			mcp.WithDescription("Ask a natural-language question about the graph. Returns the answer, or a pending answer id to poll with get_answer."),
			mcp.WithString("question", mcp.Description("The question to answer"), mcp.Required()),
			mcp.WithString("mode", mcp.Description("sync, async or auto (default auto)")),
			mcp.WithString("idempotency_key", mcp.Description("Repeat submissions with the same key return the same answer")),
		),
		mcpAskQuestion(svc),
	)

	s.AddTool(
		mcp.NewTool("get_answer",
			mcp.WithDescription("Fetch an answer record by id."),
			mcp.WithString("id", mcp.Description("Answer id"), mcp.Required()),
		),
		mcpGetAnswer(svc),
	)

	s.AddTool(
		mcp.NewTool("list_answers",
			mcp.WithDescription("List answers newest first."),
			mcp.WithString("status", mcp.Description("QUEUED, RUNNING, DONE or FAILED")),
			mcp.WithString("q", mcp.Description("Case-insensitive substring of the question")),
			mcp.WithNumber("limit", mcp.Description("Page size (default 20, max 200)")),
			mcp.WithString("cursor", mcp.Description("next_cursor from the previous page")),
		),
		mcpListAnswers(svc),
	)

	return s
}

func mcpAskQuestion(svc Service) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		question, err := req.RequireString("question")
		if err != nil {
			return mcpError("question is required"), nil
		}
		mode, err := service.ParseMode(req.GetString("mode", ""))
		if err != nil {
			return mcpError(err.Error()), nil
		}

		res, err := svc.Submit(ctx, service.SubmitRequest{
			Question:       question,
			Mode:           mode,
			IdempotencyKey: req.GetString("idempotency_key", ""),
			Meta:           map[string]any{"source": "mcp"},
		})
		if err != nil {
			return mcpError(fmt.Sprintf("ask failed: %v", err)), nil
		}
		if res.Pending {
			return mcpJSON(pendingResponse{AnswerID: res.Answer.ID, Status: res.Answer.Status})
		}
		return mcpJSON(res.Answer)
	}
}

func mcpGetAnswer(svc Service) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}
		a, err := svc.Get(ctx, id)
		if errors.Is(err, answers.ErrNotFound) {
			return mcpError(fmt.Sprintf("answer %s not found", id)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("loading answer: %v", err)), nil
		}
		return mcpJSON(a)
	}
}

func mcpListAnswers(svc Service) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		f := answers.Filter{
			Query:  req.GetString("q", ""),
			Limit:  req.GetInt("limit", answers.DefaultLimit),
			Cursor: req.GetString("cursor", ""),
		}
		if s := req.GetString("status", ""); s != "" {
			st, err := answers.ParseStatus(s)
			if err != nil {
				return mcpError(err.Error()), nil
			}
			f.Status = st
		}

		page, err := svc.List(ctx, f)
		if err != nil {
			return mcpError(fmt.Sprintf("listing answers: %v", err)), nil
		}
		return mcpJSON(page)
	}
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
