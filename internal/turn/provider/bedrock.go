package provider

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/haasonsaas/nexus/pkg/models"
)

// BedrockConfig configures BedrockAdapter.
type BedrockConfig struct {
	Region       string
	DefaultModel string
}

// BedrockAdapter implements Adapter over Bedrock's InvokeModelWithResponseStream API,
// using the anthropic.messages-compatible model families Bedrock hosts.
// Credential resolution follows the SDK's default chain via
// aws-sdk-go-v2/config.
type BedrockAdapter struct {
	client       *bedrockruntime.Client
	defaultModel string
}

// NewBedrockAdapter constructs a BedrockAdapter from the ambient AWS config.
func NewBedrockAdapter(ctx context.Context, cfg BedrockConfig) (*BedrockAdapter, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, err
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "anthropic.claude-3-5-sonnet-20241022-v2:0"
	}
	return &BedrockAdapter{
		client:       bedrockruntime.NewFromConfig(awsCfg),
		defaultModel: cfg.DefaultModel,
	}, nil
}

// Name implements Adapter.
func (a *BedrockAdapter) Name() string { return "bedrock" }

// bedrockMessagesBody is the Anthropic-on-Bedrock wire body shape.
type bedrockMessagesBody struct {
	AnthropicVersion string                 `json:"anthropic_version"`
	MaxTokens        int                    `json:"max_tokens"`
	System           string                 `json:"system,omitempty"`
	Messages         []bedrockWireMessage   `json:"messages"`
}

type bedrockWireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Stream implements Adapter.
func (a *BedrockAdapter) Stream(ctx context.Context, req Request) (<-chan Event, error) {
	model := req.Model
	if model == "" {
		model = a.defaultModel
	}

	body := bedrockMessagesBody{
		AnthropicVersion: "bedrock-2023-05-31",
		MaxTokens:        maxTokensOrDefault(req.MaxTokens),
		System:           req.System,
	}
	for _, m := range req.Messages {
		role := "user"
		if m.Role == models.TurnRoleAssistant {
			role = "assistant"
		}
		body.Messages = append(body.Messages, bedrockWireMessage{Role: role, Content: flattenText(m.Content)})
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	resp, err := a.client.InvokeModelWithResponseStream(ctx, &bedrockruntime.InvokeModelWithResponseStreamInput{
		ModelId:     aws.String(model),
		ContentType: aws.String("application/json"),
		Body:        payload,
	})
	if err != nil {
		return nil, err
	}

	out := make(chan Event, 16)
	go a.consume(resp.GetStream(), out)
	return out, nil
}

func (a *BedrockAdapter) consume(stream *bedrockruntime.InvokeModelWithResponseStreamEventStream, out chan<- Event) {
	defer close(out)
	defer stream.Close()

	var content bytes.Buffer
	for event := range stream.Events() {
		chunk, ok := event.(*types.ResponseStreamMemberChunk)
		if !ok {
			continue
		}
		var wire struct {
			Type  string `json:"type"`
			Delta struct {
				Text string `json:"text"`
			} `json:"delta"`
		}
		if err := json.Unmarshal(chunk.Value.Bytes, &wire); err != nil {
			continue
		}
		if wire.Delta.Text != "" {
			content.WriteString(wire.Delta.Text)
			out <- Event{Kind: EventChunk, Text: wire.Delta.Text}
		}
	}
	if err := stream.Err(); err != nil {
		out <- Event{Kind: EventError, Recoverable: isRecoverable(err), Message: err.Error(), Cause: err}
		return
	}
	out <- Event{Kind: EventResponse, Content: content.String()}
}
