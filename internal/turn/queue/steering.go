package queue

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/nexus/internal/turn/bus"
	"github.com/haasonsaas/nexus/pkg/models"
)

// SteeringMode controls how many pending steering messages Drain returns at
// once.
type SteeringMode string

const (
	SteeringOneAtATime SteeringMode = "one_at_a_time"
	SteeringAll        SteeringMode = "all"
)

// Steering is the priority lane beside Queue: a message that can interrupt
// the current iteration's remaining tool dispatches by setting
// SkipRemainingTools. It is additive to Queue, not a replacement: the
// TurnExecutor checks Steering first each iteration, then drains Queue.
type Steering struct {
	bus       *bus.Bus
	sessionID string

	mu   sync.Mutex
	mode SteeringMode
	msgs []models.QueuedMessage
}

// NewSteering constructs a Steering lane for sessionID, defaulting to
// one-at-a-time delivery.
func NewSteering(b *bus.Bus, sessionID string) *Steering {
	return &Steering{bus: b, sessionID: sessionID, mode: SteeringOneAtATime}
}

// SetMode overrides the delivery mode.
func (s *Steering) SetMode(mode SteeringMode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = mode
}

// Steer enqueues a steering message and emits steering:injected. When
// skipRemainingTools is true, the executor abandons the current iteration's
// remaining pending tool calls in favor of processing this message.
func (s *Steering) Steer(content []models.ContentPart, priority int, skipRemainingTools bool) string {
	m := models.QueuedMessage{
		ID:                 uuid.NewString(),
		Content:            content,
		EnqueuedAt:         time.Now(),
		Priority:           priority,
		SkipRemainingTools: skipRemainingTools,
	}

	s.mu.Lock()
	s.msgs = append(s.msgs, m)
	s.mu.Unlock()

	s.bus.Emit(s.sessionID, bus.EventSteeringInjected, bus.SteeringInjectedPayload{
		ID:                 m.ID,
		Priority:           priority,
		SkipRemainingTools: skipRemainingTools,
	})
	return m.ID
}

// HasPending reports whether any steering message is queued.
func (s *Steering) HasPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs) > 0
}

// PendingSkip reports whether any queued steering message asks to skip the
// current iteration's remaining tool dispatches.
func (s *Steering) PendingSkip() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.msgs {
		if m.SkipRemainingTools {
			return true
		}
	}
	return false
}

// Drain pops pending steering messages per the configured mode.
func (s *Steering) Drain() []models.QueuedMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.msgs) == 0 {
		return nil
	}
	if s.mode == SteeringAll {
		out := s.msgs
		s.msgs = nil
		return out
	}
	out := s.msgs[:1]
	s.msgs = s.msgs[1:]
	return out
}
