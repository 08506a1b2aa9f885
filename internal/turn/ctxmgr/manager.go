package ctxmgr

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/nexus/pkg/models"
)

// PackOptions holds the packing bounds a Manager is constructed with.
// PrepareHistory does not apply them to its output.
type PackOptions struct {
	MaxMessages        int
	MaxChars           int
	MaxToolResultChars int
}

// DefaultPackOptions returns the stock packing bounds.
func DefaultPackOptions() PackOptions {
	return PackOptions{MaxMessages: DefaultMaxMessages, MaxChars: DefaultMaxChars, MaxToolResultChars: DefaultMaxToolResultChars}
}

// Manager is the context manager for one session: it owns the append-only
// history, the token-usage bookkeeping, and the PrepareHistory pipeline.
// One Manager per session, owned by that session's runtime.
type Manager struct {
	log       *slog.Logger
	provider  HistoryProvider
	blobs     BlobStore
	registry  *Registry
	sessionID string

	opts    PackOptions
	pruning PruningSettings

	mu               sync.Mutex
	lastActualInput  int
	lastActualOutput int
}

// New constructs a Manager for one session.
func New(log *slog.Logger, provider HistoryProvider, blobs BlobStore, registry *Registry, sessionID string, opts PackOptions, pruning PruningSettings) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{log: log, provider: provider, blobs: blobs, registry: registry, sessionID: sessionID, opts: opts, pruning: pruning}
}

func (m *Manager) addMessage(ctx context.Context, msg *models.InternalMessage) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	msg.SessionID = m.sessionID
	return m.provider.Append(ctx, m.sessionID, msg)
}

// AddUserMessage appends a user message.
func (m *Manager) AddUserMessage(ctx context.Context, content []models.ContentPart) (*models.InternalMessage, error) {
	msg := &models.InternalMessage{Role: models.TurnRoleUser, Content: content}
	return msg, m.addMessage(ctx, msg)
}

// AddAssistantMessage appends an assistant message, optionally carrying tool
// calls and token usage.
func (m *Manager) AddAssistantMessage(ctx context.Context, content []models.ContentPart, toolCalls []models.InternalToolCall, usage *models.TurnTokenUsage) (*models.InternalMessage, error) {
	msg := &models.InternalMessage{
		Role:      models.TurnRoleAssistant,
		Content:   content,
		ToolCalls: toolCalls,
	}
	msg.Metadata.TokenUsage = usage
	if usage != nil {
		m.mu.Lock()
		m.lastActualInput = usage.Input
		m.lastActualOutput = usage.Output
		m.mu.Unlock()
	}
	return msg, m.addMessage(ctx, msg)
}

// AddToolResult appends a tool-role message carrying one tool call's result.
func (m *Manager) AddToolResult(ctx context.Context, callID, toolName, result string, success bool) (*models.InternalMessage, error) {
	msg := &models.InternalMessage{
		Role:       models.TurnRoleTool,
		Content:    []models.ContentPart{{Type: models.ContentPartText, Text: result}},
		ToolCallID: callID,
		ToolName:   toolName,
		IsError:    !success,
	}
	return msg, m.addMessage(ctx, msg)
}

// AddMessage appends an arbitrary, already-constructed message (used for
// compaction summaries and transcript repair).
func (m *Manager) AddMessage(ctx context.Context, msg *models.InternalMessage) error {
	return m.addMessage(ctx, msg)
}

// GetHistory returns the full stored history, unfiltered.
func (m *Manager) GetHistory(ctx context.Context) ([]*models.InternalMessage, error) {
	return m.provider.Read(ctx, m.sessionID)
}

// PreparedHistory is the result of prepareHistory: the model-facing view
// plus enough bookkeeping for the caller to build a provider request.
type PreparedHistory struct {
	Messages []*models.InternalMessage
}

// PrepareHistory builds the model-facing view: transcript repair,
// compaction filtering, capability filtering, tool-output pruning, then
// blob expansion. The
// result is idempotent: re-running it on its own output is a fixed point,
// since each stage is itself idempotent over already-filtered input.
func (m *Manager) PrepareHistory(ctx context.Context, provider, model string, charWindow int) (*PreparedHistory, error) {
	full, err := m.provider.Read(ctx, m.sessionID)
	if err != nil {
		return nil, err
	}

	repaired, repairReport := RepairTranscript(full)
	if repairReport.Changed() {
		m.log.Debug("transcript repair applied to prepared view",
			"session_id", m.sessionID, "added", len(repairReport.Added),
			"dropped_duplicates", repairReport.DroppedDuplicates,
			"dropped_orphans", repairReport.DroppedOrphans)
	}

	filtered := FilterCompacted(repaired)
	capped := FilterCapability(filtered, m.registry, provider, model, func(reason string) {
		m.log.Warn("context capability filter", "session_id", m.sessionID, "reason", reason)
	})
	pruned := Prune(capped, m.pruning, charWindow)

	if m.blobs != nil {
		for i, msg := range pruned {
			expanded, err := ExpandBlobs(ctx, m.blobs, msg, true)
			if err != nil {
				m.log.Warn("blob expansion failed, retaining reference", "session_id", m.sessionID, "error", err)
				continue
			}
			pruned[i] = expanded
		}
	}

	return &PreparedHistory{Messages: pruned}, nil
}

// GetContextTokenEstimate computes the context-usage figure both the
// stats surface and the compaction trigger consult.
func (m *Manager) GetContextTokenEstimate(ctx context.Context, systemPrompt string, tools []ToolDescriptor) (TokenEstimate, error) {
	history, err := m.provider.Read(ctx, m.sessionID)
	if err != nil {
		return TokenEstimate{}, err
	}
	filtered := FilterCompacted(history)

	m.mu.Lock()
	lastInput, lastOutput := m.lastActualInput, m.lastActualOutput
	m.mu.Unlock()

	var newSince []*models.InternalMessage
	if lastInput > 0 || lastOutput > 0 {
		newSince = messagesSinceLastAssistant(filtered)
	}

	return Estimate(systemPrompt, tools, filtered, newSince, lastInput, lastOutput), nil
}

func messagesSinceLastAssistant(history []*models.InternalMessage) []*models.InternalMessage {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i] != nil && history[i].Role == models.TurnRoleAssistant {
			return history[i+1:]
		}
	}
	return history
}

// ResetActualTokenTracking reverts to pure estimation after compaction:
// the delta formula (lastInput + lastOutput + newEstimate) becomes invalid
// once a summary has replaced the messages those actuals were measured
// against.
func (m *Manager) ResetActualTokenTracking() {
	m.mu.Lock()
	m.lastActualInput = 0
	m.lastActualOutput = 0
	m.mu.Unlock()
}

// ClearContext appends an empty-summary marker, hiding all prior history
// from model context while leaving it in storage.
func (m *Manager) ClearContext(ctx context.Context) error {
	history, err := m.provider.Read(ctx, m.sessionID)
	if err != nil {
		return err
	}
	marker := ClearContextSummary(m.sessionID, len(history))
	m.ResetActualTokenTracking()
	return m.addMessage(ctx, marker)
}
