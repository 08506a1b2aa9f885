// Package telemetry wires the turn runtime's event bus into the existing
// Prometheus metrics and OpenTelemetry tracing, so every turn run is
// observable the same way the rest of the system already is. It adds no new
// metrics machinery: it subscribes to bus events and records them through
// internal/observability's Metrics and Tracer, reusing their existing
// instrument definitions (tool executions, LLM requests, errors) rather than
// declaring a parallel set.
package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/nexus/internal/observability"
	"github.com/haasonsaas/nexus/internal/turn/bus"
)

// recorder holds the in-flight tool spans keyed by call id, bridging
// llm:tool-call (span start) to llm:tool-result (span end). A bus can be
// shared across sessions running concurrently, so span bookkeeping is
// mutex-guarded.
type recorder struct {
	metrics         *observability.Metrics
	tracer          *observability.Tracer
	provider, model string

	mu    sync.Mutex
	spans map[string]spanStart
}

type spanStart struct {
	span  trace.Span
	start time.Time
}

// Attach subscribes to bus and records turn events through metrics/tracer.
// provider/model label every LLM-shaped metric; the turn runtime is
// single-provider per session, so these are supplied once here rather than
// threaded through every event payload. The returned Unsubscribe detaches
// every listener this call registered.
func Attach(b *bus.Bus, metrics *observability.Metrics, tracer *observability.Tracer, provider, model string) bus.Unsubscribe {
	r := &recorder{metrics: metrics, tracer: tracer, provider: provider, model: model, spans: make(map[string]spanStart)}

	unsubs := []bus.Unsubscribe{
		b.On(context.Background(), bus.EventLLMResponse, r.onResponse),
		b.On(context.Background(), bus.EventLLMError, r.onError),
		b.On(context.Background(), bus.EventLLMToolCall, r.onToolCall),
		b.On(context.Background(), bus.EventLLMToolResult, r.onToolResult),
		b.On(context.Background(), bus.EventContextCompacted, r.onCompacted),
	}

	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

func (r *recorder) onResponse(e bus.Event) {
	p, ok := e.Payload.(bus.ResponsePayload)
	if !ok {
		return
	}
	prompt, completion, total := 0, 0, 0
	if p.TokenUsage != nil {
		prompt, completion, total = p.TokenUsage.Input, p.TokenUsage.Output, p.TokenUsage.Total
	}
	r.metrics.RecordLLMRequest(r.provider, r.model, "success", 0, prompt, completion)
	if total > 0 {
		r.metrics.RecordContextWindow(r.provider, r.model, total)
	}
}

func (r *recorder) onError(e bus.Event) {
	p, ok := e.Payload.(bus.ErrorPayload)
	if !ok {
		return
	}
	r.metrics.RecordError("turn_executor", errorKind(p))
	r.metrics.RecordLLMRequest(r.provider, r.model, "error", 0, 0, 0)
}

func errorKind(p bus.ErrorPayload) string {
	switch {
	case p.Context != "":
		return p.Context
	case p.Recoverable:
		return "recoverable"
	default:
		return "fatal"
	}
}

func (r *recorder) onToolCall(e bus.Event) {
	p, ok := e.Payload.(bus.ToolCallPayload)
	if !ok {
		return
	}
	_, span := r.tracer.TraceToolExecution(context.Background(), p.ToolName)
	// CallID is the only key shared with the matching tool-result event;
	// the span outlives this handler until onToolResult ends it.
	r.mu.Lock()
	r.spans[p.CallID] = spanStart{span: span, start: time.Now()}
	r.mu.Unlock()
}

func (r *recorder) onToolResult(e bus.Event) {
	p, ok := e.Payload.(bus.ToolResultPayload)
	if !ok {
		return
	}
	status := "success"
	if !p.Success {
		status = "error"
	}

	r.mu.Lock()
	started, tracked := r.spans[p.CallID]
	if tracked {
		delete(r.spans, p.CallID)
	}
	r.mu.Unlock()

	duration := 0.0
	if tracked {
		duration = time.Since(started.start).Seconds()
		if !p.Success {
			r.tracer.RecordError(started.span, toolError(p))
		}
		started.span.End()
	}

	r.metrics.RecordToolExecution(p.ToolName, status, duration)
}

type toolExecutionError string

func (e toolExecutionError) Error() string { return string(e) }

func toolError(p bus.ToolResultPayload) error {
	if s, ok := p.Sanitized.(string); ok && s != "" {
		return toolExecutionError(s)
	}
	return toolExecutionError("tool call failed")
}

func (r *recorder) onCompacted(e bus.Event) {
	p, ok := e.Payload.(bus.ContextCompactedPayload)
	if !ok {
		return
	}
	r.metrics.RecordContextWindow(r.provider, r.model, p.CompactedTokens)
}
