// Package queue implements the per-session message queue (a bounded FIFO
// of user messages deliverable only while a turn is in flight) plus the
// steering lane: a priority message that can interrupt the current
// iteration's remaining tool dispatches. One instance of each per session,
// owned by that session's runtime.
package queue

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/nexus/internal/turn/bus"
	"github.com/haasonsaas/nexus/pkg/models"
)

// DefaultMaxQueued is the fallback bound on queue length.
const DefaultMaxQueued = 100

// Queue is a per-session bounded FIFO with no notion of "busy".
// Runtime.QueueMessage enqueues whether or not a run is active; a message
// queued while the session is idle is drained at the first iteration of
// the next run.
type Queue struct {
	bus       *bus.Bus
	sessionID string
	maxLen    int

	mu   sync.Mutex
	msgs []models.QueuedMessage
}

// New constructs a Queue for sessionID. maxLen <= 0 uses DefaultMaxQueued.
func New(b *bus.Bus, sessionID string, maxLen int) *Queue {
	if maxLen <= 0 {
		maxLen = DefaultMaxQueued
	}
	return &Queue{bus: b, sessionID: sessionID, maxLen: maxLen}
}

// Enqueue appends content to the tail of the queue and emits message:queued.
// Returns the assigned id and 1-based position.
func (q *Queue) Enqueue(content []models.ContentPart) (id string, position int, err error) {
	q.mu.Lock()
	if len(q.msgs) >= q.maxLen {
		q.mu.Unlock()
		return "", 0, ErrQueueFull
	}
	id = uuid.NewString()
	q.msgs = append(q.msgs, models.QueuedMessage{
		ID:         id,
		Content:    content,
		EnqueuedAt: time.Now(),
	})
	position = len(q.msgs)
	q.mu.Unlock()

	q.bus.Emit(q.sessionID, bus.EventMessageQueued, bus.MessageQueuedPayload{ID: id, Position: position})
	return id, position, nil
}

// Drain removes and returns every currently-queued message in FIFO order,
// emitting message:dequeued for each. Called by the TurnExecutor between
// iterations.
func (q *Queue) Drain() []models.QueuedMessage {
	q.mu.Lock()
	drained := q.msgs
	q.msgs = nil
	q.mu.Unlock()

	for _, m := range drained {
		q.bus.Emit(q.sessionID, bus.EventMessageDequeued, bus.MessageDequeuedPayload{ID: m.ID})
	}
	return drained
}

// Remove deletes a single queued message by id without emitting an event,
// so enqueue-then-remove leaves the queue length exactly as it started.
func (q *Queue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, m := range q.msgs {
		if m.ID == id {
			q.msgs = append(q.msgs[:i], q.msgs[i+1:]...)
			return true
		}
	}
	return false
}

// Clear empties the queue without emitting events and returns how many
// messages were discarded.
func (q *Queue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.msgs)
	q.msgs = nil
	return n
}

// Len returns the current queue length.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.msgs)
}

// Snapshot returns a copy of the current queue contents without draining.
func (q *Queue) Snapshot() []models.QueuedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]models.QueuedMessage(nil), q.msgs...)
}

// ErrQueueFull is returned by Enqueue when the session's queue is at
// capacity.
var ErrQueueFull = queueFullError{}

type queueFullError struct{}

func (queueFullError) Error() string { return "message queue: at capacity" }
