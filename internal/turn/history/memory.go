// Package history provides concrete ctxmgr.HistoryProvider implementations:
// an in-memory store for tests, and SQL-backed stores for sqlite and
// postgres. Grounded on internal/sessions' store shape and internal/jobs'
// database/sql usage convention.
package history

import (
	"context"
	"sync"

	"github.com/haasonsaas/nexus/pkg/models"
)

// MemoryStore is an in-process ctxmgr.HistoryProvider, append-only per
// session. Safe for concurrent use.
type MemoryStore struct {
	mu   sync.RWMutex
	logs map[string][]*models.InternalMessage
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{logs: make(map[string][]*models.InternalMessage)}
}

// Append implements ctxmgr.HistoryProvider.
func (s *MemoryStore) Append(ctx context.Context, sessionID string, msg *models.InternalMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs[sessionID] = append(s.logs[sessionID], msg)
	return nil
}

// Read implements ctxmgr.HistoryProvider.
func (s *MemoryStore) Read(ctx context.Context, sessionID string) ([]*models.InternalMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.InternalMessage, len(s.logs[sessionID]))
	copy(out, s.logs[sessionID])
	return out, nil
}

// Clear implements ctxmgr.HistoryProvider.
func (s *MemoryStore) Clear(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.logs, sessionID)
	return nil
}
