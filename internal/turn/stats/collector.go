// Package stats implements run-statistics aggregation: a Collector
// subscribed to the event bus accumulates a RunStats for external
// reporting.
package stats

import (
	"context"
	"sync"
	"time"

	"github.com/haasonsaas/nexus/internal/turn/bus"
	"github.com/haasonsaas/nexus/pkg/models"
)

// Collector accumulates one run's RunStats by observing bus events for a
// single session. One Collector per (session, run) — construct fresh at the
// start of each call to SessionRuntime.Stream/Generate.
type Collector struct {
	mu sync.Mutex

	stats      models.RunStats
	iterStart  time.Time
	toolStarts map[string]time.Time

	unsub bus.Unsubscribe
}

// NewCollector constructs a Collector for runID, not yet subscribed to
// anything.
func NewCollector(runID string) *Collector {
	return &Collector{
		stats:      models.RunStats{RunID: runID, StartedAt: time.Now()},
		toolStarts: make(map[string]time.Time),
	}
}

// Attach subscribes the Collector to every bus.Name it cares about for
// sessionID, until ctx is cancelled or Detach is called. One bus.On
// listener is registered per event name, since bus.Bus has no single
// catch-all subscription.
func (c *Collector) Attach(ctx context.Context, b *bus.Bus, sessionID string) {
	names := []bus.Name{
		bus.EventLLMThinking,
		bus.EventLLMResponse,
		bus.EventToolRunning,
		bus.EventLLMToolResult,
		bus.EventLLMError,
		bus.EventContextCompacting,
		bus.EventContextCompacted,
		bus.EventRunComplete,
	}
	var unsubs []bus.Unsubscribe
	for _, n := range names {
		n := n
		unsubs = append(unsubs, b.On(ctx, n, func(e bus.Event) {
			if e.SessionID == sessionID {
				c.onEvent(e)
			}
		}))
	}
	c.unsub = func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// Detach unsubscribes the Collector from the bus ahead of ctx's natural
// cancellation, e.g. once run:complete has already fired and the caller has
// read Stats().
func (c *Collector) Detach() {
	if c.unsub != nil {
		c.unsub()
	}
}

func (c *Collector) onEvent(e bus.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch e.Name {
	case bus.EventLLMThinking:
		c.stats.Iters++
		c.iterStart = e.Time

	case bus.EventLLMResponse:
		if !c.iterStart.IsZero() {
			c.stats.ModelWallTime += e.Time.Sub(c.iterStart)
			c.iterStart = time.Time{}
		}
		if p, ok := e.Payload.(bus.ResponsePayload); ok && p.TokenUsage != nil {
			c.stats.InputTokens += p.TokenUsage.Input
			c.stats.OutputTokens += p.TokenUsage.Output
		}

	case bus.EventToolRunning:
		c.stats.ToolCalls++
		if p, ok := e.Payload.(bus.ToolRunningPayload); ok {
			c.toolStarts[p.ToolCallID] = e.Time
		}

	case bus.EventLLMToolResult:
		p, ok := e.Payload.(bus.ToolResultPayload)
		if !ok {
			return
		}
		if start, ok := c.toolStarts[p.CallID]; ok {
			c.stats.ToolWallTime += e.Time.Sub(start)
			delete(c.toolStarts, p.CallID)
		}
		if !p.Success {
			c.stats.Errors++
		}

	case bus.EventContextCompacting:
		c.stats.ContextPacks++

	case bus.EventLLMError:
		c.stats.Errors++

	case bus.EventRunComplete:
		c.stats.FinishedAt = e.Time
		c.stats.WallTime = e.Time.Sub(c.stats.StartedAt)
		if p, ok := e.Payload.(bus.RunCompletePayload); ok {
			switch p.Reason {
			case bus.RunCompleteCancelled:
				c.stats.Cancelled = true
				c.stats.Errors++
			case bus.RunCompleteError, bus.RunCompleteIterCap:
				c.stats.Errors++
			}
		}
	}
}

// Stats returns a copy of the accumulated statistics. If the run has not yet
// completed (no run:complete observed), FinishedAt/WallTime are computed as
// of the call.
func (c *Collector) Stats() *models.RunStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := c.stats
	if out.FinishedAt.IsZero() {
		out.FinishedAt = time.Now()
		out.WallTime = out.FinishedAt.Sub(out.StartedAt)
	}
	return &out
}
