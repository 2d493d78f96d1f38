package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const (
	maxRetries = 3
	baseDelay  = 2 * time.Second
)

const jsonInstruction = "Respond with a single JSON object and nothing else."

// Anthropic sends requests to the Anthropic Messages API.
type Anthropic struct {
	client anthropic.Client
	model  string
	delay  time.Duration
}

// NewAnthropic creates an Anthropic engine. Extra options are passed to the
// SDK client (tests use option.WithBaseURL).
func NewAnthropic(apiKey, model string, opts ...option.RequestOption) *Anthropic {
	if model == "" {
		model = "claude-sonnet-4-20250514"
	}
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &Anthropic{
		client: anthropic.NewClient(opts...),
		model:  model,
		delay:  baseDelay,
	}
}

func (e *Anthropic) Model() string { return e.model }

func (e *Anthropic) Complete(ctx context.Context, req Request) (string, error) {
	system := req.System
	if req.JSON {
		system = strings.TrimSpace(system + "\n\n" + jsonInstruction)
	}

	params := anthropic.MessageNewParams{
		Model:     e.model,
		MaxTokens: 4096,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	var resp *anthropic.Message
	var err error
	for attempt := range maxRetries {
		resp, err = e.client.Messages.New(ctx, params)
		if err == nil || !isRetryableError(err) {
			break
		}
		if attempt < maxRetries-1 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(e.delay * time.Duration(1<<attempt)):
			}
		}
	}
	if err != nil {
		return "", fmt.Errorf("anthropic %s: %w", req.Mode, err)
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return sb.String(), nil
}

func isRetryableError(err error) bool {
	s := err.Error()
	return strings.Contains(s, "529") ||
		strings.Contains(s, "overloaded") ||
		strings.Contains(s, "Overloaded") ||
		strings.Contains(s, "503") ||
		strings.Contains(s, "502")
}
