// Package jobs is the durability layer behind background tool dispatch: a
// Store records each backgrounded call's lifecycle so a crash or restart
// doesn't strand a call with no record of whether it ever finished, and a
// Sweeper reclaims calls that ran past their deadline. Every backgrounded
// call is addressable by the same (sessionID, callID) pair the bus and
// ToolManager already use.
package jobs

import (
	"context"
	"sync"
	"time"
)

// Status is the lifecycle state of a backgrounded tool call.
type Status string

const (
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// BackgroundCall is a durable record of one toolmanager.Manager.dispatchBackground
// invocation.
type BackgroundCall struct {
	CallID        string
	SessionID     string
	ToolName      string
	Status        Status
	CreatedAt     time.Time
	StartedAt     time.Time
	FinishedAt    time.Time
	ResultContent string
	ResultIsError bool
	Error         string

	// cancelFunc, when set, lets Cancel interrupt the in-flight goroutine
	// running this call. Background dispatch today does not register one;
	// it is here for a future caller that wants cooperative cancellation.
	cancelFunc context.CancelFunc
}

// Store persists BackgroundCall records across their Start/Succeed/Fail
// lifecycle. Its Start/Succeed/Fail methods double as toolmanager.BackgroundStore
// so a *MemoryStore can be handed straight to Manager.SetBackgroundStore.
type Store interface {
	// Start records that callID began executing in the background.
	Start(ctx context.Context, sessionID, callID, toolName string) error
	// Succeed marks callID complete with its rendered result content.
	Succeed(ctx context.Context, callID, content string) error
	// Fail marks callID complete with an error reason.
	Fail(ctx context.Context, callID, reason string) error
	// Get returns the current record for callID, or nil if unknown.
	Get(ctx context.Context, callID string) (*BackgroundCall, error)
	// List returns records in start order.
	List(ctx context.Context, limit, offset int) ([]*BackgroundCall, error)
	// Prune removes finished records older than olderThan, returning the
	// count pruned.
	Prune(ctx context.Context, olderThan time.Duration) (int64, error)
	// Cancel marks a running call failed with a cancellation error and
	// invokes its cancelFunc if one was registered.
	Cancel(ctx context.Context, callID string) error
}

// MemoryStore keeps BackgroundCall records in memory. It is the default
// Store for a single-process Runtime; a durable deployment would back this
// interface with a SQL table the way history.SQLStore backs conversation
// history.
type MemoryStore struct {
	mu    sync.RWMutex
	calls map[string]*BackgroundCall
	order []string
}

// NewMemoryStore returns a new in-memory background-call store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{calls: make(map[string]*BackgroundCall)}
}

// Start implements Store.
func (s *MemoryStore) Start(ctx context.Context, sessionID, callID, toolName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if _, exists := s.calls[callID]; !exists {
		s.order = append(s.order, callID)
	}
	s.calls[callID] = &BackgroundCall{
		CallID:    callID,
		SessionID: sessionID,
		ToolName:  toolName,
		Status:    StatusRunning,
		CreatedAt: now,
		StartedAt: now,
	}
	return nil
}

// Succeed implements Store.
func (s *MemoryStore) Succeed(ctx context.Context, callID, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	call, ok := s.calls[callID]
	if !ok {
		return nil
	}
	call.Status = StatusSucceeded
	call.ResultContent = content
	call.FinishedAt = time.Now()
	return nil
}

// Fail implements Store.
func (s *MemoryStore) Fail(ctx context.Context, callID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	call, ok := s.calls[callID]
	if !ok {
		return nil
	}
	call.Status = StatusFailed
	call.ResultIsError = true
	call.Error = reason
	call.FinishedAt = time.Now()
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, callID string) (*BackgroundCall, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	call, ok := s.calls[callID]
	if !ok {
		return nil, nil
	}
	return cloneCall(call), nil
}

// List implements Store.
func (s *MemoryStore) List(ctx context.Context, limit, offset int) ([]*BackgroundCall, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 || limit > len(s.order) {
		limit = len(s.order)
	}
	if offset >= len(s.order) {
		return nil, nil
	}
	end := offset + limit
	if end > len(s.order) {
		end = len(s.order)
	}
	result := make([]*BackgroundCall, 0, end-offset)
	for _, id := range s.order[offset:end] {
		if call, ok := s.calls[id]; ok {
			result = append(result, cloneCall(call))
		}
	}
	return result, nil
}

// Prune implements Store.
func (s *MemoryStore) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	var pruned int64
	kept := s.order[:0]
	for _, id := range s.order {
		call, ok := s.calls[id]
		if !ok {
			continue
		}
		if call.Status != StatusRunning && call.CreatedAt.Before(cutoff) {
			delete(s.calls, id)
			pruned++
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
	return pruned, nil
}

// Cancel implements Store.
func (s *MemoryStore) Cancel(ctx context.Context, callID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	call, ok := s.calls[callID]
	if !ok {
		return nil
	}
	if call.Status == StatusRunning {
		if call.cancelFunc != nil {
			call.cancelFunc()
		}
		call.Status = StatusFailed
		call.ResultIsError = true
		call.Error = "background call cancelled"
		call.FinishedAt = time.Now()
	}
	return nil
}

// SetCancelFunc registers the cancellation hook for a running call.
func (s *MemoryStore) SetCancelFunc(callID string, cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if call, ok := s.calls[callID]; ok {
		call.cancelFunc = cancel
	}
}

func cloneCall(call *BackgroundCall) *BackgroundCall {
	if call == nil {
		return nil
	}
	clone := *call
	return &clone
}
