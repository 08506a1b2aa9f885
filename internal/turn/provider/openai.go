package provider

import (
	"context"
	"encoding/json"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/nexus/internal/turn/ctxmgr"
	"github.com/haasonsaas/nexus/pkg/models"
)

// OpenAIConfig configures OpenAIAdapter.
type OpenAIConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
}

// OpenAIAdapter implements Adapter over the Chat Completions streaming API.
// OpenAI's function_call delta shape carries an explicit Index per tool
// call, which is the direct motivating case for Coalescer's index-keyed
// assembly.
type OpenAIAdapter struct {
	client       *openai.Client
	defaultModel string
}

// NewOpenAIAdapter constructs an OpenAIAdapter.
func NewOpenAIAdapter(cfg OpenAIConfig) *OpenAIAdapter {
	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = openai.GPT4o
	}
	return &OpenAIAdapter{client: openai.NewClientWithConfig(config), defaultModel: cfg.DefaultModel}
}

// Name implements Adapter.
func (a *OpenAIAdapter) Name() string { return "openai" }

// Stream implements Adapter.
func (a *OpenAIAdapter) Stream(ctx context.Context, req Request) (<-chan Event, error) {
	model := req.Model
	if model == "" {
		model = a.defaultModel
	}

	messages := toOpenAIMessages(req.System, req.Messages)
	creq := openai.ChatCompletionRequest{
		Model:     model,
		Messages:  messages,
		Tools:     toOpenAITools(req.Tools),
		MaxTokens: req.MaxTokens,
		Stream:    true,
	}

	stream, err := a.client.CreateChatCompletionStream(ctx, creq)
	if err != nil {
		return nil, err
	}

	out := make(chan Event, 16)
	go a.consume(stream, out)
	return out, nil
}

func toOpenAIMessages(system string, msgs []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs)+1)
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}
	for _, m := range msgs {
		switch m.Role {
		case models.TurnRoleUser:
			out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: flattenText(m.Content)})
		case models.TurnRoleAssistant:
			out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: flattenText(m.Content)})
		case models.TurnRoleTool:
			out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleTool, Content: flattenText(m.Content), ToolCallID: m.ToolCallID})
		}
	}
	return out
}

func toOpenAITools(tools []ctxmgr.ToolDescriptor) []openai.Tool {
	out := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  json.RawMessage(t.SchemaJSON),
			},
		})
	}
	return out
}

func (a *OpenAIAdapter) consume(stream *openai.ChatCompletionStream, out chan<- Event) {
	defer close(out)
	defer stream.Close()

	coalescer := NewCoalescer()
	var content strings.Builder

	for {
		resp, err := stream.Recv()
		if err != nil {
			if err.Error() == "EOF" {
				break
			}
			out <- Event{Kind: EventError, Recoverable: isRecoverable(err), Message: err.Error(), Cause: err}
			return
		}
		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]
		delta := choice.Delta

		if delta.Content != "" {
			content.WriteString(delta.Content)
			out <- Event{Kind: EventChunk, Text: delta.Content}
		}

		for _, tc := range delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			coalescer.Partial(index, tc.ID, tc.Function.Name, tc.Function.Arguments)
		}

		if choice.FinishReason == openai.FinishReasonToolCalls || choice.FinishReason == openai.FinishReasonStop {
			for _, idx := range coalescer.Abandoned() {
				if id, name, args, ready := coalescer.TryFinal(idx); ready {
					out <- Event{Kind: EventToolCallFinal, FinalID: id, FinalName: name, FinalArgs: args}
				}
			}
			usage := &models.TurnTokenUsage{}
			if resp.Usage != nil {
				usage.Input = resp.Usage.PromptTokens
				usage.Output = resp.Usage.CompletionTokens
				usage.Total = resp.Usage.TotalTokens
			}
			out <- Event{Kind: EventResponse, Content: content.String(), Usage: usage}
			return
		}
	}
}
