package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/nexus/internal/turn/approval"
	"github.com/haasonsaas/nexus/internal/turn/bus"
	"github.com/haasonsaas/nexus/internal/turn/ctxmgr"
	"github.com/haasonsaas/nexus/internal/turn/executor"
	"github.com/haasonsaas/nexus/internal/turn/history"
	"github.com/haasonsaas/nexus/internal/turn/provider"
	"github.com/haasonsaas/nexus/internal/turn/toolmanager"
	"github.com/haasonsaas/nexus/pkg/models"
)

// blockingAdapter streams nothing until release is closed, letting tests
// hold a run open to exercise busy/cancel behavior.
type blockingAdapter struct {
	release chan struct{}
}

func (a *blockingAdapter) Stream(ctx context.Context, req provider.Request) (<-chan provider.Event, error) {
	ch := make(chan provider.Event)
	go func() {
		defer close(ch)
		select {
		case <-a.release:
			ch <- provider.Event{Kind: provider.EventResponse, Content: "done"}
		case <-ctx.Done():
		}
	}()
	return ch, nil
}

func (a *blockingAdapter) Name() string { return "blocking" }

func newTestRuntime(t *testing.T, sessionID string, adapter provider.Adapter) (*Runtime, *bus.Bus) {
	t.Helper()
	b := bus.New(nil)
	r := New(nil, b)

	store := history.NewMemoryStore()
	cm := ctxmgr.New(nil, store, nil, ctxmgr.NewRegistry(), sessionID, ctxmgr.DefaultPackOptions(), ctxmgr.DefaultPruningSettings())
	am := approval.New(b, approval.Policy{Mode: approval.ModeAutoApprove}, nil)
	tm := toolmanager.New(nil, b, am)

	r.NewSession(sessionID, SessionDeps{
		ContextManager: cm,
		Adapter:        adapter,
		Tools:          tm,
		Config:         executor.Config{MaxIterations: 5},
	})
	return r, b
}

func text(s string) []models.ContentPart {
	return []models.ContentPart{{Type: models.ContentPartText, Text: s}}
}

func TestStreamUnknownSessionErrors(t *testing.T) {
	r := New(nil, bus.New(nil))
	if _, err := r.Stream(context.Background(), "missing", text("hi")); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("expected ErrUnknownSession, got %v", err)
	}
}

func TestStreamRejectsConcurrentCallForBusySession(t *testing.T) {
	adapter := &blockingAdapter{release: make(chan struct{})}
	r, _ := newTestRuntime(t, "s1", adapter)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.Stream(context.Background(), "s1", text("hi"))
	}()

	// Give the first Stream call time to mark the session busy.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if busy, _ := r.IsBusy("s1"); busy {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	if _, err := r.Stream(context.Background(), "s1", text("also hi")); err != ErrSessionBusy {
		t.Fatalf("expected ErrSessionBusy for concurrent call, got %v", err)
	}

	close(adapter.release)
	wg.Wait()
}

func TestIsBusyDuringAndAfterRun(t *testing.T) {
	adapter := &blockingAdapter{release: make(chan struct{})}
	r, _ := newTestRuntime(t, "s2", adapter)

	done := make(chan struct{})
	go func() {
		r.Stream(context.Background(), "s2", text("hi"))
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if busy, _ := r.IsBusy("s2"); busy {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if busy, _ := r.IsBusy("s2"); !busy {
		t.Fatal("expected session busy while Stream is in flight")
	}

	close(adapter.release)
	<-done

	if busy, _ := r.IsBusy("s2"); busy {
		t.Fatal("expected session not busy after run completes")
	}
}

func TestCancelIdleSessionReturnsFalse(t *testing.T) {
	adapter := &blockingAdapter{release: make(chan struct{})}
	r, _ := newTestRuntime(t, "s3", adapter)
	close(adapter.release)

	wasRunning, err := r.Cancel("s3")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if wasRunning {
		t.Fatal("expected Cancel on an idle session to return false")
	}
}

func TestCancelMidStreamStopsTheRunAndFreesTheSession(t *testing.T) {
	adapter := &blockingAdapter{release: make(chan struct{})}
	r, _ := newTestRuntime(t, "s4", adapter)

	done := make(chan executor.State, 1)
	go func() {
		state, _ := r.Stream(context.Background(), "s4", text("hi"))
		done <- state
	}()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if busy, _ := r.IsBusy("s4"); busy {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	wasRunning, err := r.Cancel("s4")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if !wasRunning {
		t.Fatal("expected Cancel to report a run was in progress")
	}

	select {
	case state := <-done:
		if state != executor.StateCancelled {
			t.Fatalf("expected StateCancelled, got %v", state)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for cancelled run to finish")
	}

	if busy, _ := r.IsBusy("s4"); busy {
		t.Fatal("expected session not busy after cancellation")
	}

	// Cancelling an already-completed turn is a no-op that returns false.
	wasRunning, err = r.Cancel("s4")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if wasRunning {
		t.Fatal("expected second Cancel call to return false")
	}
}

func TestQueueMessageRemoveLeavesLengthUnchanged(t *testing.T) {
	r, _ := newTestRuntime(t, "s5", &blockingAdapter{release: make(chan struct{})})

	before, err := r.GetQueuedMessages("s5")
	if err != nil {
		t.Fatalf("GetQueuedMessages: %v", err)
	}

	id, err := r.QueueMessage("s5", text("queued"))
	if err != nil {
		t.Fatalf("QueueMessage: %v", err)
	}
	removed, err := r.RemoveQueuedMessage("s5", id)
	if err != nil {
		t.Fatalf("RemoveQueuedMessage: %v", err)
	}
	if !removed {
		t.Fatal("expected RemoveQueuedMessage to report true for a just-queued id")
	}

	after, err := r.GetQueuedMessages("s5")
	if err != nil {
		t.Fatalf("GetQueuedMessages: %v", err)
	}
	if len(after) != len(before) {
		t.Fatalf("queue length changed: before=%d after=%d", len(before), len(after))
	}
}

func TestClearMessageQueueReturnsDiscardedCount(t *testing.T) {
	r, _ := newTestRuntime(t, "s6", &blockingAdapter{release: make(chan struct{})})
	r.QueueMessage("s6", text("a"))
	r.QueueMessage("s6", text("b"))

	n, err := r.ClearMessageQueue("s6")
	if err != nil {
		t.Fatalf("ClearMessageQueue: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 discarded, got %d", n)
	}
}

func TestRemoveSessionDropsRegistryEntry(t *testing.T) {
	r, _ := newTestRuntime(t, "s7", &blockingAdapter{release: make(chan struct{})})
	r.RemoveSession("s7")

	if _, err := r.IsBusy("s7"); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("expected ErrUnknownSession after RemoveSession, got %v", err)
	}
}

// replayAdapter plays one provider.Event script per Stream call, repeating
// the final script once exhausted.
type replayAdapter struct {
	scripts [][]provider.Event
	calls   int
}

func (a *replayAdapter) Stream(ctx context.Context, req provider.Request) (<-chan provider.Event, error) {
	script := a.scripts[a.calls]
	if a.calls < len(a.scripts)-1 {
		a.calls++
	}
	ch := make(chan provider.Event, len(script))
	for _, ev := range script {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

func (a *replayAdapter) Name() string { return "replay" }

type providerTool struct {
	id string
}

func (t *providerTool) ID() string              { return t.id }
func (t *providerTool) Description() string     { return "" }
func (t *providerTool) Schema() json.RawMessage { return nil }
func (t *providerTool) Execute(ctx context.Context, args json.RawMessage) (*toolmanager.Result, error) {
	return nil, errors.New("provider tools must execute through their provider")
}

// recordingProvider is a fake MCP server connection: it lists one tool and
// records what Execute was asked to run.
type recordingProvider struct {
	mu       sync.Mutex
	executed []string
	sessions []string
}

func (p *recordingProvider) ListTools(ctx context.Context) ([]toolmanager.Tool, error) {
	return []toolmanager.Tool{&providerTool{id: "mcp--fs--read_file"}}, nil
}

func (p *recordingProvider) Execute(ctx context.Context, name string, args json.RawMessage, sessionID string) (*toolmanager.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.executed = append(p.executed, name)
	p.sessions = append(p.sessions, sessionID)
	return &toolmanager.Result{Content: "file contents"}, nil
}

func TestToolProviderWiredAtSessionOpen(t *testing.T) {
	toolCallScript := []provider.Event{
		{Kind: provider.EventToolCallFinal, FinalID: "c1", FinalName: "mcp--fs--read_file", FinalArgs: []byte(`{"path":"a.txt"}`)},
		{Kind: provider.EventResponse, Content: ""},
	}
	doneScript := []provider.Event{{Kind: provider.EventResponse, Content: "done"}}
	adapter := &replayAdapter{scripts: [][]provider.Event{toolCallScript, doneScript}}

	b := bus.New(nil)
	r := New(nil, b)
	store := history.NewMemoryStore()
	cm := ctxmgr.New(nil, store, nil, ctxmgr.NewRegistry(), "s11", ctxmgr.DefaultPackOptions(), ctxmgr.DefaultPruningSettings())
	am := approval.New(b, approval.Policy{Mode: approval.ModeAutoApprove}, nil)
	tm := toolmanager.New(nil, b, am)

	mcpServer := &recordingProvider{}
	r.NewSession("s11", SessionDeps{
		ContextManager: cm,
		Adapter:        adapter,
		Tools:          tm,
		Config:         executor.Config{MaxIterations: 5},
		ToolProviders:  map[string]toolmanager.Provider{"fs": mcpServer},
	})

	var result bus.ToolResultPayload
	b.On(context.Background(), bus.EventLLMToolResult, func(e bus.Event) {
		result = e.Payload.(bus.ToolResultPayload)
	})

	state, err := r.Stream(context.Background(), "s11", text("read a.txt"))
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if state != executor.StateTerminalOK {
		t.Fatalf("expected StateTerminalOK, got %v", state)
	}

	mcpServer.mu.Lock()
	defer mcpServer.mu.Unlock()
	if len(mcpServer.executed) != 1 || mcpServer.executed[0] != "read_file" {
		t.Fatalf("expected the provider to execute bare name read_file, got %v", mcpServer.executed)
	}
	if mcpServer.sessions[0] != "s11" {
		t.Fatalf("expected the session id threaded through, got %v", mcpServer.sessions)
	}
	if !result.Success || result.ToolName != "mcp--fs--read_file" {
		t.Fatalf("unexpected tool result on the stream: %+v", result)
	}
}

type staticSummaryProvider struct{ text string }

func (p *staticSummaryProvider) Summarize(ctx context.Context, messages []*models.InternalMessage, maxLength int) (string, error) {
	return p.text, nil
}

func TestContextStatsAndCompactContext(t *testing.T) {
	b := bus.New(nil)
	r := New(nil, b)

	store := history.NewMemoryStore()
	cm := ctxmgr.New(nil, store, nil, ctxmgr.NewRegistry(), "s8", ctxmgr.DefaultPackOptions(), ctxmgr.DefaultPruningSettings())
	am := approval.New(b, approval.Policy{Mode: approval.ModeAutoApprove}, nil)
	tm := toolmanager.New(nil, b, am)

	strategy := ctxmgr.NewRollingSummaryStrategy(&staticSummaryProvider{text: "summary"}, ctxmgr.DefaultRollingSummaryConfig())
	r.NewSession("s8", SessionDeps{
		ContextManager: cm,
		Adapter:        &blockingAdapter{release: make(chan struct{})},
		Tools:          tm,
		Config: executor.Config{
			MaxIterations:    5,
			Model:            "test-model",
			ContextWindow:    100_000,
			CompactThreshold: 0.8,
			Strategy:         strategy,
		},
	})

	for i := 0; i < 40; i++ {
		if _, err := cm.AddUserMessage(context.Background(), text("padding so the strategy has something to fold away")); err != nil {
			t.Fatalf("AddUserMessage: %v", err)
		}
	}

	stats, err := r.ContextStats(context.Background(), "s8")
	if err != nil {
		t.Fatalf("ContextStats: %v", err)
	}
	if stats.MessageCount != 40 || stats.HasSummary {
		t.Fatalf("unexpected pre-compaction stats: %+v", stats)
	}

	result, err := r.CompactContext(context.Background(), "s8")
	if err != nil {
		t.Fatalf("CompactContext: %v", err)
	}
	if result == nil || result.CompactedMessages >= result.OriginalMessages {
		t.Fatalf("unexpected compaction result: %+v", result)
	}

	stats, err = r.ContextStats(context.Background(), "s8")
	if err != nil {
		t.Fatalf("ContextStats after compaction: %v", err)
	}
	if !stats.HasSummary {
		t.Fatal("expected HasSummary after CompactContext")
	}
}

func TestCompactContextRejectsBusySession(t *testing.T) {
	adapter := &blockingAdapter{release: make(chan struct{})}
	r, _ := newTestRuntime(t, "s9", adapter)

	done := make(chan struct{})
	go func() {
		r.Stream(context.Background(), "s9", text("hi"))
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if busy, _ := r.IsBusy("s9"); busy {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	if _, err := r.CompactContext(context.Background(), "s9"); !errors.Is(err, ErrSessionBusy) {
		t.Fatalf("expected ErrSessionBusy, got %v", err)
	}

	close(adapter.release)
	<-done
}

func TestClearContextHidesHistoryAndEmitsEvent(t *testing.T) {
	adapter := &blockingAdapter{release: make(chan struct{})}
	r, b := newTestRuntime(t, "s10", adapter)
	close(adapter.release)

	if _, err := r.Stream(context.Background(), "s10", text("hi")); err != nil {
		t.Fatalf("Stream: %v", err)
	}

	cleared := make(chan struct{}, 1)
	b.On(context.Background(), bus.EventContextCleared, func(e bus.Event) { cleared <- struct{}{} })

	if err := r.ClearContext(context.Background(), "s10"); err != nil {
		t.Fatalf("ClearContext: %v", err)
	}
	select {
	case <-cleared:
	case <-time.After(time.Second):
		t.Fatal("expected context:cleared to fire")
	}

	stats, err := r.ContextStats(context.Background(), "s10")
	if err != nil {
		t.Fatalf("ContextStats: %v", err)
	}
	if !stats.HasSummary {
		t.Fatal("expected the clear marker to register as the current summary")
	}
	if stats.FilteredMessageCount != 1 {
		t.Fatalf("expected only the clear marker in the filtered view, got %d", stats.FilteredMessageCount)
	}
}
