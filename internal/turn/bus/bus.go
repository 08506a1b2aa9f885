// Package bus implements the turn runtime's in-process event bus: a typed
// publish/subscribe channel over a fixed event taxonomy, plus session-filtered
// async streams consumed by callers of SessionRuntime.stream.
package bus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Name is one of the wire-stable event names from the event taxonomy table.
type Name string

const (
	EventLLMThinking         Name = "llm:thinking"
	EventLLMChunk            Name = "llm:chunk"
	EventLLMToolCallPartial  Name = "llm:tool-call-partial"
	EventLLMToolCall         Name = "llm:tool-call"
	EventLLMResponse         Name = "llm:response"
	EventLLMToolResult       Name = "llm:tool-result"
	EventLLMError            Name = "llm:error"
	EventLLMUnsupportedInput Name = "llm:unsupported-input"
	EventToolRunning         Name = "tool:running"
	EventToolBackground      Name = "tool:background"
	EventApprovalRequest     Name = "approval:request"
	EventApprovalResponse    Name = "approval:response"
	EventMessageQueued       Name = "message:queued"
	EventMessageDequeued     Name = "message:dequeued"
	EventContextCompacting   Name = "context:compacting"
	EventContextCompacted    Name = "context:compacted"
	EventSessionTitleUpdated Name = "session:title-updated"
	EventSessionReset        Name = "session:reset"
	EventContextCleared      Name = "context:cleared"
	EventRunComplete         Name = "run:complete"

	// Steering-lane events. Additive to the message:queued/message:dequeued
	// pair: a steered message announces itself distinctly so consumers can
	// tell a priority interrupt from a plain queued follow-up.
	EventSteeringInjected Name = "steering:injected"
	EventToolsSkipped     Name = "steering:tools-skipped"

	// internalError is not part of the public taxonomy; it is the sink for
	// listener panics so one broken subscriber never breaks fan-out.
	internalError Name = "internal:error"
)

// Event is the envelope delivered to listeners and streams. Payload holds
// the per-Name payload struct from payloads.go; consumers assert it to the
// type matching Name.
type Event struct {
	Name      Name
	SessionID string
	Seq       uint64
	Time      time.Time
	Payload   any
}

// Unsubscribe removes a listener registered via On/Once.
type Unsubscribe func()

type listener struct {
	id   uint64
	name Name
	fn   func(Event)
}

// Bus is the process-wide typed pub/sub bus. The zero value is not usable;
// construct with New.
type Bus struct {
	log *slog.Logger

	mu        sync.RWMutex
	listeners map[Name][]*listener
	nextID    uint64
	seq       uint64
}

// New constructs an empty Bus. A nil logger falls back to slog.Default().
func New(log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{
		log:       log,
		listeners: make(map[Name][]*listener),
	}
}

// On registers listener for name. The returned Unsubscribe removes it; it is
// safe to call more than once. If ctx is non-nil, the listener is also
// removed automatically when ctx is done.
func (b *Bus) On(ctx context.Context, name Name, fn func(Event)) Unsubscribe {
	id := atomic.AddUint64(&b.nextID, 1)
	l := &listener{id: id, name: name, fn: fn}

	b.mu.Lock()
	b.listeners[name] = append(b.listeners[name], l)
	b.mu.Unlock()

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		ls := b.listeners[name]
		for i, cur := range ls {
			if cur.id == id {
				b.listeners[name] = append(ls[:i], ls[i+1:]...)
				break
			}
		}
	}

	if ctx != nil {
		go func() {
			<-ctx.Done()
			unsub()
		}()
	}

	return unsub
}

// Once registers a listener that unsubscribes itself after its first
// delivery.
func (b *Bus) Once(ctx context.Context, name Name, fn func(Event)) Unsubscribe {
	var unsub Unsubscribe
	var fired int32
	unsub = b.On(ctx, name, func(e Event) {
		if !atomic.CompareAndSwapInt32(&fired, 0, 1) {
			return
		}
		fn(e)
		unsub()
	})
	return unsub
}

// Emit synchronously fans out to every listener registered for name, in
// registration order. Listener panics are caught, logged, and routed to
// internal:error; they never interrupt fan-out to the remaining listeners.
func (b *Bus) Emit(sessionID string, name Name, payload any) {
	e := Event{
		Name:      name,
		SessionID: sessionID,
		Seq:       atomic.AddUint64(&b.seq, 1),
		Time:      time.Now(),
		Payload:   payload,
	}

	b.mu.RLock()
	ls := append([]*listener(nil), b.listeners[name]...)
	b.mu.RUnlock()

	for _, l := range ls {
		b.dispatch(l, e)
	}
}

func (b *Bus) dispatch(l *listener, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("bus listener panicked", "event", e.Name, "session_id", e.SessionID, "panic", r)
			b.emitInternalError(e.SessionID, r)
		}
	}()
	l.fn(e)
}

func (b *Bus) emitInternalError(sessionID string, cause any) {
	b.mu.RLock()
	ls := append([]*listener(nil), b.listeners[internalError]...)
	b.mu.RUnlock()
	if len(ls) == 0 {
		return
	}
	e := Event{Name: internalError, SessionID: sessionID, Seq: atomic.AddUint64(&b.seq, 1), Time: time.Now(), Payload: cause}
	for _, l := range ls {
		// A second-level panic here is deliberately not caught: a listener
		// observer that panics on error reporting is a programming error.
		l.fn(e)
	}
}
