package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/haasonsaas/nexus/internal/turn/bus"
)

func TestSweepCancelsCallPastItsDeadline(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	b := bus.New(nil)
	sweeper := NewSweeper(nil, b, store)

	var results []bus.ToolResultPayload
	unsub := b.On(ctx, bus.EventLLMToolResult, func(e bus.Event) {
		if e.SessionID != "sess-1" {
			return
		}
		results = append(results, e.Payload.(bus.ToolResultPayload))
	})
	defer unsub()

	if err := store.Start(ctx, "sess-1", "call-1", "slow_tool"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	sweeper.TrackDeadline("call-1", time.Millisecond)
	time.Sleep(5 * time.Millisecond)

	sweeper.Sweep(ctx)

	call, err := store.Get(ctx, "call-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if call.Status != StatusFailed {
		t.Fatalf("expected call cancelled to StatusFailed, got %v", call.Status)
	}

	if len(results) != 1 {
		t.Fatalf("expected one llm:tool-result event, got %d", len(results))
	}
	if results[0].CallID != "call-1" || results[0].Success {
		t.Fatalf("unexpected payload: %+v", results[0])
	}
}

func TestSweepLeavesCallsWithinDeadlineAlone(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	sweeper := NewSweeper(nil, bus.New(nil), store)

	store.Start(ctx, "sess-1", "call-2", "fast_tool")
	sweeper.TrackDeadline("call-2", time.Hour)

	sweeper.Sweep(ctx)

	call, err := store.Get(ctx, "call-2")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if call.Status != StatusRunning {
		t.Fatalf("expected call still running, got %v", call.Status)
	}
}

func TestSweepIgnoresUntrackedCalls(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	sweeper := NewSweeper(nil, bus.New(nil), store)

	store.Start(ctx, "sess-1", "call-3", "untracked_tool")
	// No TrackDeadline call: Sweep must not touch a call it was never told
	// to watch, regardless of how long ago it started.
	sweeper.Sweep(ctx)

	call, err := store.Get(ctx, "call-3")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if call.Status != StatusRunning {
		t.Fatalf("expected untracked call left running, got %v", call.Status)
	}
}
