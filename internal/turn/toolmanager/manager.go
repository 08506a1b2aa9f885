package toolmanager

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/nexus/internal/turn/approval"
	"github.com/haasonsaas/nexus/internal/turn/bus"
	"github.com/haasonsaas/nexus/internal/turn/toolid"
	"github.com/haasonsaas/nexus/internal/turn/toolschema"
	"github.com/haasonsaas/nexus/pkg/models"
)

// BackgroundTool is implemented by tools whose Execute may outlive the
// current turn iteration. IsBackground inspects the about-to-run args and
// decides whether this particular call should be dispatched rather than
// awaited inline.
type BackgroundTool interface {
	Tool
	IsBackground(args json.RawMessage) (background bool, description string, timeoutMs int, notifyOnComplete bool)
}

// ExecutionResult is what executeTool returns to the caller (TurnExecutor).
type ExecutionResult struct {
	CallID       string
	ToolName     string
	Result       *Result
	Backgrounded bool
	Denied       bool
	DenyReason   string
}

// BackgroundStore durably records a backgrounded call's lifecycle so a
// crash between dispatch and completion doesn't strand the call with no
// record of what happened. internal/turn/jobs.Store satisfies this
// directly. Optional: a Manager with no store set dispatches background
// calls purely in memory, as before.
type BackgroundStore interface {
	Start(ctx context.Context, sessionID, callID, toolName string) error
	Succeed(ctx context.Context, callID, content string) error
	Fail(ctx context.Context, callID, reason string) error
}

// DeadlineTracker is notified of the timeout a background call was
// dispatched with, so a collaborator like jobs.Sweeper can reclaim it if it
// never completes. Optional, like BackgroundStore.
type DeadlineTracker interface {
	TrackDeadline(callID string, timeout time.Duration)
}

// Manager is the tool manager: a namespaced registry plus the approval-
// and plugin-mediated execution pipeline, with every step announced on the
// bus.
type Manager struct {
	log      *slog.Logger
	registry *Registry
	approval *approval.Manager
	bus      *bus.Bus
	plugins  *pluginRegistry
	store    BackgroundStore
	tracker  DeadlineTracker
}

// New constructs a Manager.
func New(log *slog.Logger, b *bus.Bus, appr *approval.Manager) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		log:      log,
		registry: NewRegistry(),
		approval: appr,
		bus:      b,
		plugins:  newPluginRegistry(),
	}
}

// Registry exposes the underlying tool registry for provider/local
// registration.
func (m *Manager) Registry() *Registry { return m.registry }

// Use registers a plugin observing/intercepting every ExecuteTool call.
func (m *Manager) Use(p Plugin) { m.plugins.use(p) }

// SetBackgroundStore wires a durability layer for backgrounded tool calls.
// Call it once, before any ExecuteTool call that might go to the
// background.
func (m *Manager) SetBackgroundStore(store BackgroundStore) { m.store = store }

// SetDeadlineTracker wires a collaborator that reclaims background calls
// which exceed their dispatch timeout (e.g. jobs.Sweeper).
func (m *Manager) SetDeadlineTracker(tracker DeadlineTracker) { m.tracker = tracker }

// ListTools returns the namespaced tool listing, for building a provider
// request's tool descriptors.
func (m *Manager) ListTools(ctx context.Context) (map[string]Tool, error) {
	return m.registry.AllTools(ctx)
}

// ExecuteTool runs the full execution pipeline for a single tool call:
//
//  1. resolve the tool by fully-qualified id
//  2. validate args against the tool's declared schema
//  3. run the approval precedence chain: elevated bypass and static denial
//     first, then the tool's own ApprovalOverride hook and any
//     previously-approved bash pattern, then the rest of the
//     Manager.Evaluate chain and the manual rendezvous fallback
//  4. run beforeToolCall plugins; a non-nil override short-circuits Execute
//  5. background-dispatch short-circuit for BackgroundTool calls that opt in
//  6. await Execute (unless backgrounded), routed through the owning
//     provider for mcp-sourced calls
//  7. run afterToolResult plugins
//  8. emit llm:tool-result and return
//
// llm:tool-call itself is emitted by the turn executor while the model
// streams the call, so subscribers observe it before the llm:response of
// that iteration and before any approval:request issued here.
func (m *Manager) ExecuteTool(ctx context.Context, sessionID, toolID, callID string, args json.RawMessage) (*ExecutionResult, error) {
	if callID == "" {
		callID = uuid.NewString()
	}

	tool, ok, err := m.registry.Get(ctx, toolID)
	if err != nil {
		return nil, fmt.Errorf("toolmanager: resolve %q: %w", toolID, err)
	}
	if !ok {
		return nil, fmt.Errorf("toolmanager: unknown tool %q", toolID)
	}

	if err := toolschema.Validate(tool.Schema(), args); err != nil {
		res := &Result{Content: err.Error(), IsError: true}
		m.emitResult(sessionID, toolID, callID, res)
		return &ExecutionResult{CallID: callID, ToolName: toolID, Result: res}, nil
	}

	if denied, reason := m.checkApproval(ctx, sessionID, tool, toolID, args); denied {
		res := &Result{Content: fmt.Sprintf("tool call denied: %s", reason), IsError: true}
		m.emitResult(sessionID, toolID, callID, res)
		return &ExecutionResult{CallID: callID, ToolName: toolID, Result: res, Denied: true, DenyReason: reason}, nil
	}

	// tool:running fires only once approval has cleared, never for calls
	// denied or rejected by schema validation above.
	m.bus.Emit(sessionID, bus.EventToolRunning, bus.ToolRunningPayload{ToolName: toolID, ToolCallID: callID})

	if override := m.plugins.before(ctx, sessionID, toolID, args); override != nil {
		m.plugins.after(ctx, sessionID, toolID, args, override)
		m.emitResult(sessionID, toolID, callID, override)
		return &ExecutionResult{CallID: callID, ToolName: toolID, Result: override}, nil
	}

	if bg, ok := tool.(BackgroundTool); ok {
		if background, description, timeoutMs, notify := bg.IsBackground(args); background {
			m.dispatchBackground(sessionID, toolID, callID, description, timeoutMs, notify, func(execCtx context.Context) (*Result, error) {
				return m.invoke(execCtx, sessionID, tool, toolID, args)
			})
			return &ExecutionResult{CallID: callID, ToolName: toolID, Backgrounded: true}, nil
		}
	}

	result, execErr := m.invoke(ctx, sessionID, tool, toolID, args)
	if execErr != nil {
		result = &Result{Content: execErr.Error(), IsError: true}
	}

	m.plugins.after(ctx, sessionID, toolID, args, result)
	m.emitResult(sessionID, toolID, callID, result)

	return &ExecutionResult{CallID: callID, ToolName: toolID, Result: result}, nil
}

// checkApproval runs the full precedence chain: the elevated bypass and
// static always-deny, the tool's own ApprovalOverride, the
// remembered-bash-pattern check (for shell-like tools whose args derive a
// stable command key), the rest of the Manager's static chain, and
// finally, if needed, the manual rendezvous.
func (m *Manager) checkApproval(ctx context.Context, sessionID string, tool Tool, toolID string, args json.RawMessage) (denied bool, reason string) {
	decision := m.approval.Evaluate(sessionID, toolID)
	switch decision.Reason {
	case "elevated":
		return false, ""
	case "always_deny":
		return true, decision.Reason
	}

	if ot, ok := tool.(ApprovalOverrideTool); ok {
		if approve, why := ot.GetApprovalOverride(ctx, args); why != "" {
			if !approve {
				return true, why
			}
			return false, ""
		}
	}

	if key, ok := bashPatternKey(toolID, args); ok && m.approval.MatchesBashPattern(sessionID, key) {
		return false, ""
	}

	if !decision.NeedsRendezvous {
		if decision.Status == models.ApprovalStatusDenied {
			return true, decision.Reason
		}
		return false, ""
	}

	metadata := map[string]any{"tool_id": toolID, "args": json.RawMessage(args)}
	if preview, ok := tool.(PreviewTool); ok {
		if text, err := preview.GeneratePreview(ctx, args); err == nil {
			metadata["preview"] = text
		}
	}

	resp := m.approval.RequestApproval(ctx, sessionID, decision.Type, metadata)
	if resp.Status != models.ApprovalStatusApproved {
		reason := resp.Reason
		if reason == "" {
			reason = string(resp.Status)
		}
		return true, reason
	}

	if key, ok := bashPatternKey(toolID, args); ok {
		m.approval.AddBashPattern(sessionID, key)
	}
	return false, ""
}

// bashPatternKey derives the stable remember-this-command key for
// shell-like tools: the internal bash tool's args carry a "command" field
// that serves as the remembered key. Tools outside that convention have no
// bash pattern.
func bashPatternKey(toolID string, args json.RawMessage) (string, bool) {
	parsed, err := toolid.Parse(toolID)
	if err != nil || parsed.Name != "bash" {
		return "", false
	}
	var decoded struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(args, &decoded); err != nil || decoded.Command == "" {
		return "", false
	}
	return decoded.Command, true
}

// invoke routes execution by source: mcp-sourced calls go through their
// owning provider with the bare tool name, local tools execute directly.
func (m *Manager) invoke(ctx context.Context, sessionID string, tool Tool, toolID string, args json.RawMessage) (*Result, error) {
	if parsed, err := toolid.Parse(toolID); err == nil && parsed.Source == toolid.SourceMCP {
		if p, ok := m.registry.ProviderForServer(parsed.Server); ok {
			return p.Execute(ctx, parsed.Name, args, sessionID)
		}
	}
	return tool.Execute(ctx, args)
}

func (m *Manager) emitResult(sessionID, toolID, callID string, result *Result) {
	m.bus.Emit(sessionID, bus.EventLLMToolResult, bus.ToolResultPayload{
		ToolName:  toolID,
		CallID:    callID,
		Success:   !result.IsError,
		Sanitized: result.Content,
		RawResult: result,
	})
}

// dispatchBackground runs fn asynchronously, emitting tool:background
// immediately and llm:tool-result on completion or timeout. Background
// completions landing after run:complete do not re-open the stream; they
// are delivered purely as bus events, which a caller with notifyOnComplete
// set is expected to still be subscribed to via Bus.Subscribe independent
// of the turn's lifetime.
func (m *Manager) dispatchBackground(sessionID, toolID, callID, description string, timeoutMs int, notify bool, fn func(context.Context) (*Result, error)) {
	m.bus.Emit(sessionID, bus.EventToolBackground, bus.ToolBackgroundPayload{
		ToolName:         toolID,
		ToolCallID:       callID,
		Description:      description,
		TimeoutMs:        timeoutMs,
		NotifyOnComplete: notify,
	})

	if m.store != nil {
		if err := m.store.Start(context.Background(), sessionID, callID, toolID); err != nil {
			m.log.Warn("background store: start failed", "call_id", callID, "error", err)
		}
	}
	if m.tracker != nil && timeoutMs > 0 {
		m.tracker.TrackDeadline(callID, time.Duration(timeoutMs)*time.Millisecond)
	}

	go func() {
		execCtx := context.Background()
		var cancel context.CancelFunc
		if timeoutMs > 0 {
			execCtx, cancel = context.WithTimeout(execCtx, time.Duration(timeoutMs)*time.Millisecond)
			defer cancel()
		}

		result, err := fn(execCtx)
		if err != nil {
			result = &Result{Content: err.Error(), IsError: true}
		}

		if m.store != nil {
			if result.IsError {
				if err := m.store.Fail(context.Background(), callID, result.Content); err != nil {
					m.log.Warn("background store: fail failed", "call_id", callID, "error", err)
				}
			} else if err := m.store.Succeed(context.Background(), callID, result.Content); err != nil {
				m.log.Warn("background store: succeed failed", "call_id", callID, "error", err)
			}
		}

		if !notify {
			return
		}
		m.emitResult(sessionID, toolID, callID, result)
	}()
}
