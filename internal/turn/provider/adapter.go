// Package provider implements the provider adapter: a uniform streaming
// interface over language-model providers, with tool-call deltas coalesced
// by index so backends that interleave several partial calls (as OpenAI's
// function-calling delta shape does) assemble correctly.
package provider

import (
	"context"

	"github.com/haasonsaas/nexus/internal/turn/ctxmgr"
	"github.com/haasonsaas/nexus/pkg/models"
)

// Message is one turn of conversation sent to the provider.
type Message struct {
	Role        models.InternalTurnRole
	Content     []models.ContentPart
	ToolCalls   []models.InternalToolCall
	ToolCallID  string
	ToolName    string
	ToolIsError bool
}

// Request is a single model call.
type Request struct {
	Model                string
	System               string
	Messages             []Message
	Tools                []ctxmgr.ToolDescriptor
	MaxTokens            int
	EnableThinking       bool
	ThinkingBudgetTokens int
}

// EventKind discriminates the ProviderEvent sum type.
type EventKind string

const (
	EventChunk           EventKind = "chunk"
	EventToolCallPartial EventKind = "tool_call_partial"
	EventToolCallFinal   EventKind = "tool_call_final"
	EventResponse        EventKind = "response"
	EventError           EventKind = "error"
)

// Event is one element of the stream returned by Adapter.Stream.
type Event struct {
	Kind EventKind

	// EventChunk
	Text string

	// EventToolCallPartial
	PartialIndex     int
	PartialID        string
	PartialName      string
	PartialArgsDelta string

	// EventToolCallFinal
	FinalID   string
	FinalName string
	FinalArgs []byte

	// EventResponse
	Content   string
	Reasoning string
	Usage     *models.TurnTokenUsage

	// EventError
	Recoverable bool
	Message     string
	Cause       error
}

// Adapter is the uniform streaming interface every provider backend
// implements.
type Adapter interface {
	// Stream issues req and returns a channel of ProviderEvents. The
	// channel is closed when the stream ends (Response, or a non-recoverable
	// Error, or ctx is cancelled).
	Stream(ctx context.Context, req Request) (<-chan Event, error)

	Name() string
}
