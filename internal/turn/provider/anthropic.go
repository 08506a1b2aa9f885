package provider

import (
	"context"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/haasonsaas/nexus/pkg/models"
)

// AnthropicConfig configures AnthropicAdapter.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	MaxRetries   int
	RetryDelay   time.Duration
}

// AnthropicAdapter implements Adapter over the Anthropic Messages API.
// Tool-call assembly goes through the index-keyed Coalescer even though
// Anthropic only streams one content block at a time, so every adapter
// shares one assembly path.
type AnthropicAdapter struct {
	client       anthropic.Client
	defaultModel string
	retries      int
	retryDelay   time.Duration
}

// NewAnthropicAdapter constructs an AnthropicAdapter.
func NewAnthropicAdapter(cfg AnthropicConfig) *AnthropicAdapter {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "claude-sonnet-4-20250514"
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	return &AnthropicAdapter{
		client:       anthropic.NewClient(opts...),
		defaultModel: cfg.DefaultModel,
		retries:      cfg.MaxRetries,
		retryDelay:   cfg.RetryDelay,
	}
}

// Name implements Adapter.
func (a *AnthropicAdapter) Name() string { return "anthropic" }

// Stream implements Adapter.
func (a *AnthropicAdapter) Stream(ctx context.Context, req Request) (<-chan Event, error) {
	model := req.Model
	if model == "" {
		model = a.defaultModel
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokensOrDefault(req.MaxTokens)),
		System:    []anthropic.TextBlockParam{{Text: req.System}},
		Messages:  toAnthropicMessages(req.Messages),
	}

	stream := a.client.Messages.NewStreaming(ctx, params)

	out := make(chan Event, 16)
	go a.consume(stream, out)
	return out, nil
}

func maxTokensOrDefault(n int) int {
	if n <= 0 {
		return 4096
	}
	return n
}

func toAnthropicMessages(msgs []Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case models.TurnRoleUser:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(flattenText(m.Content))))
		case models.TurnRoleAssistant:
			out = append(out, anthropic.NewAssistantMessage(anthropic.NewTextBlock(flattenText(m.Content))))
		case models.TurnRoleTool:
			out = append(out, anthropic.NewUserMessage(anthropic.NewToolResultBlock(m.ToolCallID, flattenText(m.Content), m.ToolIsError)))
		}
	}
	return out
}

func flattenText(parts []models.ContentPart) string {
	var sb strings.Builder
	for _, p := range parts {
		if p.Type == models.ContentPartText {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

func (a *AnthropicAdapter) consume(stream interface {
	Next() bool
	Current() anthropic.MessageStreamEventUnion
	Err() error
}, out chan<- Event) {
	defer close(out)

	coalescer := NewCoalescer()
	var inputTokens, outputTokens int
	var toolIndex int

	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				toolUse := block.AsToolUse()
				coalescer.Partial(toolIndex, toolUse.ID, toolUse.Name, "")
			}
		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					out <- Event{Kind: EventChunk, Text: delta.Text}
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					coalescer.Partial(toolIndex, "", "", delta.PartialJSON)
				}
			}
		case "content_block_stop":
			if id, name, args, ready := coalescer.TryFinal(toolIndex); ready {
				out <- Event{Kind: EventToolCallFinal, FinalID: id, FinalName: name, FinalArgs: args}
			}
			toolIndex++
		case "message_delta":
			md := event.AsMessageDelta()
			if md.Usage.OutputTokens > 0 {
				outputTokens = int(md.Usage.OutputTokens)
			}
		case "message_start":
			ms := event.AsMessageStart()
			if ms.Message.Usage.InputTokens > 0 {
				inputTokens = int(ms.Message.Usage.InputTokens)
			}
		case "message_stop":
			out <- Event{Kind: EventResponse, Usage: &models.TurnTokenUsage{Input: inputTokens, Output: outputTokens, Total: inputTokens + outputTokens}}
			return
		}
	}

	if err := stream.Err(); err != nil {
		out <- Event{Kind: EventError, Recoverable: isRecoverable(err), Message: err.Error(), Cause: err}
	}
}

func isRecoverable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "rate limit") || strings.Contains(msg, "timeout") || strings.Contains(msg, "503") || strings.Contains(msg, "overloaded")
}
