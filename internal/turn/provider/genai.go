package provider

import (
	"context"

	"google.golang.org/genai"

	"github.com/haasonsaas/nexus/pkg/models"
)

// GenAIConfig configures GenAIAdapter.
type GenAIConfig struct {
	APIKey       string
	DefaultModel string
}

// GenAIAdapter implements Adapter over Google's Gemini API via
// google.golang.org/genai.
type GenAIAdapter struct {
	client       *genai.Client
	defaultModel string
}

// NewGenAIAdapter constructs a GenAIAdapter.
func NewGenAIAdapter(ctx context.Context, cfg GenAIConfig) (*GenAIAdapter, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: cfg.APIKey})
	if err != nil {
		return nil, err
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "gemini-2.0-flash"
	}
	return &GenAIAdapter{client: client, defaultModel: cfg.DefaultModel}, nil
}

// Name implements Adapter.
func (a *GenAIAdapter) Name() string { return "genai" }

// Stream implements Adapter.
func (a *GenAIAdapter) Stream(ctx context.Context, req Request) (<-chan Event, error) {
	model := req.Model
	if model == "" {
		model = a.defaultModel
	}

	contents := make([]*genai.Content, 0, len(req.Messages))
	for _, m := range req.Messages {
		role := genai.Role(genai.RoleUser)
		if m.Role == models.TurnRoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(flattenText(m.Content), role))
	}

	var genConfig *genai.GenerateContentConfig
	if req.System != "" {
		genConfig = &genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(req.System, genai.RoleUser),
		}
	}

	stream := a.client.Models.GenerateContentStream(ctx, model, contents, genConfig)

	out := make(chan Event, 16)
	go a.consume(stream, out)
	return out, nil
}

func (a *GenAIAdapter) consume(seq func(func(*genai.GenerateContentResponse, error) bool), out chan<- Event) {
	defer close(out)

	var content string
	seq(func(resp *genai.GenerateContentResponse, err error) bool {
		if err != nil {
			out <- Event{Kind: EventError, Recoverable: isRecoverable(err), Message: err.Error(), Cause: err}
			return false
		}
		text := resp.Text()
		if text != "" {
			content += text
			out <- Event{Kind: EventChunk, Text: text}
		}
		return true
	})
	out <- Event{Kind: EventResponse, Content: content}
}
