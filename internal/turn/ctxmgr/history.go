// Package ctxmgr implements the context manager, the model-facing view of
// a session's history and its token economy, and the compaction strategy
// it drives.
package ctxmgr

import (
	"context"

	"github.com/haasonsaas/nexus/pkg/models"
)

// Stock packing bounds returned by DefaultPackOptions. Manager stores them;
// PrepareHistory does not truncate its output by them.
const (
	DefaultMaxMessages        = 60
	DefaultMaxChars           = 30000
	DefaultMaxToolResultChars = 6000
)

// HistoryProvider is the append-log collaborator behind the context
// manager. The turn runtime treats it as an opaque store;
// internal/turn/history ships concrete sqlite/postgres/memory
// implementations.
type HistoryProvider interface {
	Append(ctx context.Context, sessionID string, msg *models.InternalMessage) error
	Read(ctx context.Context, sessionID string) ([]*models.InternalMessage, error)
	Clear(ctx context.Context, sessionID string) error
}

// FindLatestSummary scans from the end for the newest message with
// IsSummary or IsSessionSummary set; at most one summary is ever
// current.
func FindLatestSummary(history []*models.InternalMessage) *models.InternalMessage {
	for i := len(history) - 1; i >= 0; i-- {
		m := history[i]
		if m == nil {
			continue
		}
		if m.Metadata.IsSummary || m.Metadata.IsSessionSummary {
			return m
		}
	}
	return nil
}

// FilterCompacted hides everything a summary stands in for: given the full
// stored history, returns [summary, preserved..., post-summary...] where
// preserved = history[originalMessageCount:summaryIndex). If there is no
// current summary, the full history is returned unchanged. Relative order
// of retained messages is always preserved.
func FilterCompacted(history []*models.InternalMessage) []*models.InternalMessage {
	summary := FindLatestSummary(history)
	if summary == nil {
		return append([]*models.InternalMessage(nil), history...)
	}

	summaryIndex := indexByID(history, summary.ID)
	if summaryIndex < 0 {
		return append([]*models.InternalMessage(nil), history...)
	}

	start := summary.Metadata.OriginalMessageCount
	if start < 0 || start > summaryIndex {
		start = summaryIndex
	}

	out := make([]*models.InternalMessage, 0, len(history)-summaryIndex)
	out = append(out, summary)
	out = append(out, history[start:summaryIndex]...)
	out = append(out, history[summaryIndex+1:]...)
	return out
}

func indexByID(history []*models.InternalMessage, id string) int {
	for i, m := range history {
		if m != nil && m.ID == id {
			return i
		}
	}
	return -1
}

// IsIdempotent is a test helper asserting that re-preparing an
// already-prepared history is a fixed point, by structural comparison of
// IDs in order. Exported for use by executor-level tests that assert the
// invariant end-to-end.
func IsIdempotent(a, b []*models.InternalMessage) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] == nil || b[i] == nil || a[i].ID != b[i].ID {
			return false
		}
	}
	return true
}
