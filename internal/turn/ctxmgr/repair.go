package ctxmgr

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/nexus/pkg/models"
)

// RepairReport summarizes what RepairTranscript changed. The invariant it
// restores: every assistant message carrying ToolCalls must be followed,
// before the next assistant message, by exactly one tool message per
// CallID.
type RepairReport struct {
	// Added holds the synthetic error tool messages inserted for tool calls
	// that never received a result (e.g. a crashed process left the tail of
	// a session mid-turn).
	Added []*models.InternalMessage
	// DroppedDuplicates counts tool messages sharing a CallID already
	// satisfied by an earlier one in the same assistant turn.
	DroppedDuplicates int
	// DroppedOrphans counts tool messages whose CallID matches no pending
	// tool call.
	DroppedOrphans int
	// Reordered is true when the read order needed correcting: a
	// duplicate or orphan tool message had to be dropped rather than
	// appearing already paired.
	Reordered bool
}

// Changed reports whether RepairTranscript had anything to fix.
func (r RepairReport) Changed() bool {
	return len(r.Added) > 0 || r.DroppedDuplicates > 0 || r.DroppedOrphans > 0 || r.Reordered
}

// RepairTranscript enforces the tool-call/tool-result pairing invariant on
// a read of conversation history: it keeps the tool messages that directly
// follow the assistant turn whose call they answer, drops duplicate or
// orphaned tool messages, and synthesizes an error tool message for any
// tool call that never received one. Tool messages are not moved: a result
// that appears anywhere other than directly after its assistant turn is
// dropped as an orphan, and its call gets a synthetic error result.
//
// The returned slice is a new view; RepairTranscript never mutates history
// in place and never reorders anything already persisted — callers that
// want synthetic additions to survive a later read must persist them
// themselves (see Manager.RepairHistory).
func RepairTranscript(history []*models.InternalMessage) ([]*models.InternalMessage, RepairReport) {
	var report RepairReport
	out := make([]*models.InternalMessage, 0, len(history))

	for i := 0; i < len(history); i++ {
		msg := history[i]
		if msg == nil {
			continue
		}

		if msg.Role == models.TurnRoleTool {
			// A tool message reached here only if it was not already
			// consumed while processing a preceding assistant turn below;
			// that means it answers no pending call in this pass.
			report.DroppedOrphans++
			report.Reordered = true
			continue
		}

		if msg.Role != models.TurnRoleAssistant || len(msg.ToolCalls) == 0 {
			out = append(out, msg)
			continue
		}

		out = append(out, msg)

		pendingOrder := make([]string, 0, len(msg.ToolCalls))
		pending := make(map[string]bool, len(msg.ToolCalls))
		for _, tc := range msg.ToolCalls {
			if tc.CallID == "" {
				continue
			}
			pendingOrder = append(pendingOrder, tc.CallID)
			pending[tc.CallID] = true
		}

		results := make(map[string]*models.InternalMessage, len(pendingOrder))
		seen := make(map[string]bool, len(pendingOrder))

		j := i + 1
		for ; j < len(history); j++ {
			next := history[j]
			if next == nil {
				continue
			}
			if next.Role == models.TurnRoleAssistant {
				break
			}
			if next.Role != models.TurnRoleTool {
				// Non-tool message interleaved before the pairing is
				// complete; stop collecting here and let the outer loop
				// re-process it in its own right (e.g. a user steering
				// message injected mid-turn).
				break
			}
			if !pending[next.ToolCallID] {
				if seen[next.ToolCallID] {
					report.DroppedDuplicates++
				} else {
					report.DroppedOrphans++
				}
				report.Reordered = true
				continue
			}
			delete(pending, next.ToolCallID)
			seen[next.ToolCallID] = true
			results[next.ToolCallID] = next
		}

		for _, callID := range pendingOrder {
			if result, ok := results[callID]; ok {
				out = append(out, result)
				continue
			}
			name := ""
			for _, tc := range msg.ToolCalls {
				if tc.CallID == callID {
					name = tc.Name
					break
				}
			}
			synthetic := missingToolResult(msg.SessionID, callID, name, msg.CreatedAt)
			report.Added = append(report.Added, synthetic)
			out = append(out, synthetic)
		}

		i = j - 1
	}

	if !report.Changed() {
		return history, report
	}
	return out, report
}

func missingToolResult(sessionID, callID, toolName string, after time.Time) *models.InternalMessage {
	if toolName == "" {
		toolName = "unknown"
	}
	created := time.Now()
	if !after.IsZero() {
		created = after.Add(time.Nanosecond)
	}
	return &models.InternalMessage{
		ID:         uuid.NewString(),
		SessionID:  sessionID,
		Role:       models.TurnRoleTool,
		Content:    []models.ContentPart{{Type: models.ContentPartText, Text: "missing tool result; synthesized during transcript repair"}},
		ToolCallID: callID,
		ToolName:   toolName,
		IsError:    true,
		CreatedAt:  created,
	}
}

// RepairHistory reads the full stored history, applies RepairTranscript, and
// persists any synthesized tool messages so subsequent reads see a
// consistent transcript without repairing it again. It does not persist
// reordering or drops; those only ever affect the model-facing view via
// PrepareHistory, never the append log itself.
func (m *Manager) RepairHistory(ctx context.Context) (RepairReport, error) {
	full, err := m.provider.Read(ctx, m.sessionID)
	if err != nil {
		return RepairReport{}, err
	}
	_, report := RepairTranscript(full)
	for _, synthetic := range report.Added {
		if err := m.provider.Append(ctx, m.sessionID, synthetic); err != nil {
			return report, err
		}
	}
	if len(report.Added) > 0 {
		m.log.Warn("transcript repair inserted synthetic tool results",
			"session_id", m.sessionID, "count", len(report.Added))
	}
	return report, nil
}
