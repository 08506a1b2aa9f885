// Package executor implements the turn executor: the per-session state
// machine driving a single run from Idle through successive model
// iterations to a terminal state, coordinating the context manager, the
// provider adapter, and the tool manager and emitting bus events along the
// way.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/haasonsaas/nexus/internal/turn/bus"
	"github.com/haasonsaas/nexus/internal/turn/ctxmgr"
	"github.com/haasonsaas/nexus/internal/turn/provider"
	"github.com/haasonsaas/nexus/internal/turn/queue"
	"github.com/haasonsaas/nexus/internal/turn/toolmanager"
	"github.com/haasonsaas/nexus/pkg/models"
)

// State is the run's current phase.
type State string

const (
	StateIdle          State = "idle"
	StateRunning       State = "running"
	StateTerminalOK    State = "terminal_ok"
	StateTerminalError State = "terminal_error"
	StateCancelled     State = "cancelled"
)

// ErrMaxIterations is returned (wrapped) when a run hits its iteration cap
// without reaching a natural stop.
var ErrMaxIterations = errors.New("executor: max iterations reached")

// Config bounds a single run.
type Config struct {
	MaxIterations    int
	Model            string
	System           string
	ContextWindow    int
	CompactThreshold float64        // see ctxmgr.ShouldTriggerCompaction; >= 1.0 disables
	Strategy         ctxmgr.Strategy // nil disables compaction regardless of CompactThreshold
}

// DefaultConfig returns the stock run bounds.
func DefaultConfig() Config {
	return Config{
		MaxIterations:    10,
		ContextWindow:    200_000,
		CompactThreshold: 0.8,
	}
}

// Executor runs one turn (a bounded sequence of model iterations) for a
// session, coordinating ContextManager, ProviderAdapter, and ToolManager
// and emitting the event taxonomy along the way.
type Executor struct {
	log      *slog.Logger
	bus      *bus.Bus
	ctx      *ctxmgr.Manager
	adapter  provider.Adapter
	tools    *toolmanager.Manager
	queue    *queue.Queue
	steering *queue.Steering
	cfg      Config
}

// New constructs an Executor for one session's collaborators.
func New(log *slog.Logger, b *bus.Bus, cm *ctxmgr.Manager, adapter provider.Adapter, tm *toolmanager.Manager, q *queue.Queue, st *queue.Steering, cfg Config) *Executor {
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxIterations <= 0 {
		cfg = DefaultConfig()
	}
	return &Executor{log: log, bus: b, ctx: cm, adapter: adapter, tools: tm, queue: q, steering: st, cfg: cfg}
}

// Run drives the state machine to completion: Idle -> Running(iter=1..N) ->
// one of the terminal states. It returns the terminal State and, for
// StateTerminalError, the causing error.
func (e *Executor) Run(ctx context.Context, sessionID string) (State, error) {
	for iter := 1; ; iter++ {
		select {
		case <-ctx.Done():
			e.complete(sessionID, bus.RunCompleteCancelled)
			return StateCancelled, ctx.Err()
		default:
		}

		if iter > e.cfg.MaxIterations {
			e.complete(sessionID, bus.RunCompleteIterCap)
			return StateTerminalError, fmt.Errorf("%w: limit %d", ErrMaxIterations, e.cfg.MaxIterations)
		}

		e.drainQueues(ctx, sessionID)

		if err := e.maybeCompact(ctx, sessionID); err != nil {
			e.log.Warn("compaction failed, continuing uncompacted", "session_id", sessionID, "error", err)
		}

		// On the last allowed iteration, a model request for tools hits the
		// cap before dispatch rather than after: with MaxIterations of 1
		// there is exactly one model call and no tool dispatch, even if the
		// model requested tools.
		atCap := iter == e.cfg.MaxIterations
		hasToolCalls, stop, err := e.iterate(ctx, sessionID, atCap)
		// A cancelled context can unwind iterate either as an explicit
		// error from the adapter or as a closed event channel with no error
		// at all (on abort the adapter stops emitting and closes the
		// iterator). Check ctx first so both cases report Cancelled rather
		// than a normal or erroring completion.
		if ctx.Err() != nil {
			e.complete(sessionID, bus.RunCompleteCancelled)
			return StateCancelled, ctx.Err()
		}
		if err != nil {
			e.bus.Emit(sessionID, bus.EventLLMError, bus.ErrorPayload{Error: err, Recoverable: false})
			e.complete(sessionID, bus.RunCompleteError)
			return StateTerminalError, err
		}
		if stop {
			e.complete(sessionID, bus.RunCompleteOK)
			return StateTerminalOK, nil
		}
		if !hasToolCalls {
			e.complete(sessionID, bus.RunCompleteOK)
			return StateTerminalOK, nil
		}
		if atCap {
			capContent := []models.ContentPart{{Type: models.ContentPartText, Text: iterCapMessage}}
			if _, err := e.ctx.AddAssistantMessage(ctx, capContent, nil, nil); err != nil {
				e.log.Warn("failed to append iteration-cap message", "session_id", sessionID, "error", err)
			}
			e.bus.Emit(sessionID, bus.EventLLMResponse, bus.ResponsePayload{Content: iterCapMessage})
			e.complete(sessionID, bus.RunCompleteIterCap)
			return StateTerminalError, fmt.Errorf("%w: limit %d", ErrMaxIterations, e.cfg.MaxIterations)
		}
		// hasToolCalls, not yet at cap: continue to the next iteration.
	}
}

// iterCapMessage is the terminal assistant-facing note appended when a run
// hits its iteration cap with pending tool calls still undispatched.
const iterCapMessage = "Reached the maximum number of iterations for this turn before the requested tool calls could run."

// drainQueues folds any pending steered or plain-queued messages into
// context ahead of the next model call, steering first.
func (e *Executor) drainQueues(ctx context.Context, sessionID string) {
	if e.steering != nil {
		for _, qm := range e.steering.Drain() {
			if _, err := e.ctx.AddUserMessage(ctx, qm.Content); err != nil {
				e.log.Warn("failed to apply steered message", "session_id", sessionID, "error", err)
			}
		}
	}
	if e.queue != nil {
		for _, qm := range e.queue.Drain() {
			if _, err := e.ctx.AddUserMessage(ctx, qm.Content); err != nil {
				e.log.Warn("failed to apply queued message", "session_id", sessionID, "error", err)
			}
		}
	}
}

// CompactionResult reports what an explicit or threshold-driven compaction
// pass changed.
type CompactionResult struct {
	CompactedContextTokens int
	OriginalMessages       int
	CompactedMessages      int
}

// maybeCompact runs the compaction strategy when the estimated next-turn
// token count exceeds CompactThreshold * ContextWindow. A nil Strategy or a
// threshold at or above 1.0 disables the pass.
func (e *Executor) maybeCompact(ctx context.Context, sessionID string) error {
	if e.cfg.CompactThreshold >= 1.0 || e.cfg.Strategy == nil {
		return nil
	}
	est, err := e.ctx.GetContextTokenEstimate(ctx, e.cfg.System, nil)
	if err != nil {
		return err
	}
	if !ctxmgr.ShouldTriggerCompaction(est.Estimated, e.cfg.ContextWindow, e.cfg.CompactThreshold) {
		return nil
	}
	_, err = e.compact(ctx, sessionID, est.Estimated, "threshold_exceeded")
	return err
}

// Compact forces one compaction pass regardless of the threshold, returning
// nil when the strategy decided there was nothing to summarize. Callers
// must not invoke this while a run is active for the same session; history
// writes are single-writer.
func (e *Executor) Compact(ctx context.Context, sessionID string) (*CompactionResult, error) {
	if e.cfg.Strategy == nil {
		return nil, nil
	}
	est, err := e.ctx.GetContextTokenEstimate(ctx, e.cfg.System, nil)
	if err != nil {
		return nil, err
	}
	return e.compact(ctx, sessionID, est.Estimated, "manual")
}

// compact runs the strategy over full stored history, appends the resulting
// summary message(s), and resets actual-token tracking: after a summary
// replaces the messages the last call's reported usage was measured
// against, the actuals-plus-delta estimate formula no longer applies.
func (e *Executor) compact(ctx context.Context, sessionID string, estimatedTokens int, reason string) (*CompactionResult, error) {
	e.bus.Emit(sessionID, bus.EventContextCompacting, bus.ContextCompactingPayload{EstimatedTokens: estimatedTokens})

	full, err := e.ctx.GetHistory(ctx)
	if err != nil {
		return nil, fmt.Errorf("executor: compaction: read history: %w", err)
	}

	summaries, err := e.cfg.Strategy.Compact(ctx, sessionID, full, ctxmgr.ModelDescriptor{})
	if err != nil {
		return nil, fmt.Errorf("executor: compaction: %w", err)
	}
	if len(summaries) == 0 {
		return nil, nil
	}

	for _, summary := range summaries {
		if err := e.ctx.AddMessage(ctx, summary); err != nil {
			return nil, fmt.Errorf("executor: compaction: append summary: %w", err)
		}
	}
	e.ctx.ResetActualTokenTracking()

	afterHistory := append(append([]*models.InternalMessage(nil), full...), summaries...)
	compactedMessages := len(ctxmgr.FilterCompacted(afterHistory))

	compactedTokens := estimatedTokens
	if afterEst, err := e.ctx.GetContextTokenEstimate(ctx, e.cfg.System, nil); err == nil {
		compactedTokens = afterEst.Estimated
	}

	e.bus.Emit(sessionID, bus.EventContextCompacted, bus.ContextCompactedPayload{
		OriginalTokens:    estimatedTokens,
		CompactedTokens:   compactedTokens,
		OriginalMessages:  len(full),
		CompactedMessages: compactedMessages,
		Strategy:          fmt.Sprintf("%T", e.cfg.Strategy),
		Reason:            reason,
	})
	return &CompactionResult{
		CompactedContextTokens: compactedTokens,
		OriginalMessages:       len(full),
		CompactedMessages:      compactedMessages,
	}, nil
}

// ContextStats is the context-usage snapshot reported for one session.
type ContextStats struct {
	EstimatedTokens      int
	ActualTokens         *int
	MaxContextTokens     int
	ModelContextWindow   int
	ThresholdPercent     float64
	UsagePercent         float64
	MessageCount         int
	FilteredMessageCount int
	PrunedToolCount      int
	HasSummary           bool
	Model                string
	Breakdown            ctxmgr.TokenBreakdown
	CalculationBasis     ctxmgr.CalculationBasis
}

// ContextStats computes the current context-usage snapshot from stored
// history and this run's configuration.
func (e *Executor) ContextStats(ctx context.Context) (*ContextStats, error) {
	est, err := e.ctx.GetContextTokenEstimate(ctx, e.cfg.System, nil)
	if err != nil {
		return nil, err
	}
	full, err := e.ctx.GetHistory(ctx)
	if err != nil {
		return nil, err
	}
	filtered := ctxmgr.FilterCompacted(full)

	pruned := 0
	for _, m := range filtered {
		if m != nil && m.Metadata.CompactedAt != nil {
			pruned++
		}
	}

	usage := 0.0
	if e.cfg.ContextWindow > 0 {
		usage = float64(est.Estimated) / float64(e.cfg.ContextWindow)
	}

	// The usable budget is the window scaled by the compaction threshold;
	// at the disabled threshold of 1.0 they coincide.
	maxTokens := e.cfg.ContextWindow
	if e.cfg.CompactThreshold > 0 && e.cfg.CompactThreshold < 1.0 {
		maxTokens = int(float64(e.cfg.ContextWindow) * e.cfg.CompactThreshold)
	}

	return &ContextStats{
		EstimatedTokens:      est.Estimated,
		ActualTokens:         est.Actual,
		MaxContextTokens:     maxTokens,
		ModelContextWindow:   e.cfg.ContextWindow,
		ThresholdPercent:     e.cfg.CompactThreshold,
		UsagePercent:         usage,
		MessageCount:         len(full),
		FilteredMessageCount: len(filtered),
		PrunedToolCount:      pruned,
		HasSummary:           ctxmgr.FindLatestSummary(full) != nil,
		Model:                e.cfg.Model,
		Breakdown:            est.Breakdown,
		CalculationBasis:     est.CalculationBasis,
	}, nil
}

// iterate runs a single Stream -> (ExecuteTools) -> Continue/Complete step.
// It returns hasToolCalls (whether at least one tool call was dispatched)
// and stop (whether the run should end after this iteration, e.g. on a
// plain text-only response).
func (e *Executor) iterate(ctx context.Context, sessionID string, skipDispatch bool) (hasToolCalls bool, stop bool, err error) {
	e.bus.Emit(sessionID, bus.EventLLMThinking, struct{}{})

	history, err := e.ctx.PrepareHistory(ctx, e.adapter.Name(), e.cfg.Model, 0)
	if err != nil {
		return false, false, fmt.Errorf("executor: prepare history: %w", err)
	}

	req := provider.Request{
		Model:     e.cfg.Model,
		System:    e.cfg.System,
		Messages:  toProviderMessages(history.Messages),
		MaxTokens: 4096,
	}

	events, err := e.adapter.Stream(ctx, req)
	if err != nil {
		return false, false, fmt.Errorf("executor: start stream: %w", err)
	}

	var (
		textContent string
		calls       []pendingCall
		usage       *models.TurnTokenUsage
		streamErr   error
	)

	for ev := range events {
		switch ev.Kind {
		case provider.EventChunk:
			textContent += ev.Text
			e.bus.Emit(sessionID, bus.EventLLMChunk, bus.ChunkPayload{Content: ev.Text})
		case provider.EventToolCallPartial:
			e.bus.Emit(sessionID, bus.EventLLMToolCallPartial, bus.ToolCallPartialPayload{
				Index: ev.PartialIndex, ID: ev.PartialID, Name: ev.PartialName, ArgsDelta: ev.PartialArgsDelta,
			})
		case provider.EventToolCallFinal:
			// A final without an id gets a synthetic one here, before the
			// call is announced anywhere, so the event, the assistant
			// message, and the eventual tool result all agree on it.
			id := ev.FinalID
			if id == "" {
				id = uuid.NewString()
			}
			calls = append(calls, pendingCall{id: id, name: ev.FinalName, args: []byte(ev.FinalArgs)})
			e.bus.Emit(sessionID, bus.EventLLMToolCall, bus.ToolCallPayload{
				ToolName: ev.FinalName,
				Args:     []byte(ev.FinalArgs),
				CallID:   id,
			})
		case provider.EventResponse:
			if ev.Content != "" {
				textContent = ev.Content
			}
			usage = ev.Usage
		case provider.EventError:
			streamErr = ev.Cause
		}
	}
	if streamErr != nil {
		return false, false, fmt.Errorf("executor: provider stream: %w", streamErr)
	}

	e.bus.Emit(sessionID, bus.EventLLMResponse, bus.ResponsePayload{Content: textContent, TokenUsage: usage})
	assistantContent := []models.ContentPart{{Type: models.ContentPartText, Text: textContent}}
	if _, err := e.ctx.AddAssistantMessage(ctx, assistantContent, toInternalToolCalls(calls), usage); err != nil {
		return false, false, fmt.Errorf("executor: append assistant message: %w", err)
	}

	if len(calls) == 0 {
		return false, true, nil
	}

	if skipDispatch {
		return true, false, nil
	}

	// Tool calls are dispatched sequentially within one iteration: later
	// calls in a single assistant turn may depend on earlier results via
	// session-visible side effects.
	for i, c := range calls {
		// A steering message flagged SkipRemainingTools displaces the rest
		// of this iteration's dispatches. Each skipped call still gets an
		// error-valued tool result so the call/result pairing invariant
		// holds.
		if e.steering != nil && e.steering.PendingSkip() {
			e.skipRemaining(ctx, sessionID, calls[i:])
			break
		}
		// tool:running is emitted by ToolManager.ExecuteTool itself, only
		// after its approval chain clears the call, not unconditionally
		// here, so a denied or schema-invalid call never shows tool:running
		// on the stream.
		result, execErr := e.tools.ExecuteTool(ctx, sessionID, c.name, c.id, c.args)
		if execErr != nil {
			if _, err := e.ctx.AddToolResult(ctx, c.id, c.name, execErr.Error(), false); err != nil {
				e.log.Warn("failed to append tool error result", "session_id", sessionID, "error", err)
			}
			continue
		}
		if result.Backgrounded {
			continue
		}
		if _, err := e.ctx.AddToolResult(ctx, c.id, c.name, result.Result.Content, !result.Result.IsError); err != nil {
			e.log.Warn("failed to append tool result", "session_id", sessionID, "error", err)
		}
	}

	return true, false, nil
}

// skipRemaining resolves the given undispatched calls as skipped, emitting
// steering:tools-skipped once and appending one error tool result per call.
func (e *Executor) skipRemaining(ctx context.Context, sessionID string, remaining []pendingCall) {
	const skippedNote = "Skipped: a steering message interrupted the remaining tool calls for this turn."
	ids := make([]string, 0, len(remaining))
	for _, c := range remaining {
		ids = append(ids, c.id)
	}
	e.bus.Emit(sessionID, bus.EventToolsSkipped, bus.ToolsSkippedPayload{SkippedCallIDs: ids, Reason: "steering"})
	for _, c := range remaining {
		if _, err := e.ctx.AddToolResult(ctx, c.id, c.name, skippedNote, false); err != nil {
			e.log.Warn("failed to append skipped tool result", "session_id", sessionID, "error", err)
		}
		e.bus.Emit(sessionID, bus.EventLLMToolResult, bus.ToolResultPayload{
			ToolName:  c.name,
			CallID:    c.id,
			Success:   false,
			Sanitized: skippedNote,
		})
	}
}

func (e *Executor) complete(sessionID string, reason bus.RunCompleteReason) {
	e.bus.Emit(sessionID, bus.EventRunComplete, bus.RunCompletePayload{Reason: reason})
}

type pendingCall struct {
	id   string
	name string
	args []byte
}

func toProviderMessages(msgs []*models.InternalMessage) []provider.Message {
	out := make([]provider.Message, 0, len(msgs))
	for _, m := range msgs {
		pm := provider.Message{
			Role:        m.Role,
			Content:     m.Content,
			ToolCalls:   m.ToolCalls,
			ToolCallID:  m.ToolCallID,
			ToolName:    m.ToolName,
			ToolIsError: m.IsError,
		}
		out = append(out, pm)
	}
	return out
}

func toInternalToolCalls(calls []pendingCall) []models.InternalToolCall {
	out := make([]models.InternalToolCall, 0, len(calls))
	for _, c := range calls {
		out = append(out, models.InternalToolCall{CallID: c.id, Name: c.name, ArgsRaw: c.args})
	}
	return out
}
