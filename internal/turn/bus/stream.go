package bus

import "context"

// Stream is a lazy, session-filtered sequence of bus events, consumed via
// the returned channel from Subscribe. Subscribers must never block
// emission; slow consumers are served through an internal bounded queue
// and the producer (Emit) awaits when that queue is full. Events are
// never dropped, so queued messages and tool results cannot silently
// vanish under a slow consumer. Callers that need to cap executor
// latency under a slow consumer should size capacity generously and cancel
// ctx to tear the stream down.
type Stream struct {
	bus       *Bus
	sessionID string
	names     map[Name]struct{}
	predicate func(Event) bool

	ch     chan Event
	unsubs []Unsubscribe
}

// StreamOptions configures Subscribe.
type StreamOptions struct {
	// Names restricts delivery to these event names; empty means all names.
	Names []Name

	// Predicate further filters delivered events; nil accepts everything
	// that passes the session/name filter.
	Predicate func(Event) bool

	// Capacity is the bounded per-stream queue size. Default 64.
	Capacity int
}

// Subscribe opens a session-filtered stream. The returned channel is closed
// when ctx is cancelled; callers MUST drain or cancel to avoid leaking the
// goroutine that feeds it, since Emit blocks on a full queue rather than
// dropping.
func (b *Bus) Subscribe(ctx context.Context, sessionID string, opts StreamOptions) <-chan Event {
	if opts.Capacity <= 0 {
		opts.Capacity = 64
	}

	nameSet := make(map[Name]struct{}, len(opts.Names))
	for _, n := range opts.Names {
		nameSet[n] = struct{}{}
	}

	out := make(chan Event, opts.Capacity)

	deliver := func(e Event) {
		if sessionID != "" && e.SessionID != sessionID {
			return
		}
		if len(nameSet) > 0 {
			if _, ok := nameSet[e.Name]; !ok {
				return
			}
		}
		if opts.Predicate != nil && !opts.Predicate(e) {
			return
		}
		select {
		case out <- e:
		case <-ctx.Done():
		}
	}

	var unsubs []Unsubscribe
	if len(opts.Names) == 0 {
		// Subscribe to the full fixed taxonomy; the bus has no wildcard
		// registration, so enumerate it once here.
		for _, n := range allEventNames {
			unsubs = append(unsubs, b.On(ctx, n, deliver))
		}
	} else {
		for _, n := range opts.Names {
			unsubs = append(unsubs, b.On(ctx, n, deliver))
		}
	}

	go func() {
		<-ctx.Done()
		for _, u := range unsubs {
			u()
		}
		close(out)
	}()

	return out
}

var allEventNames = []Name{
	EventLLMThinking,
	EventLLMChunk,
	EventLLMToolCallPartial,
	EventLLMToolCall,
	EventLLMResponse,
	EventLLMToolResult,
	EventLLMError,
	EventLLMUnsupportedInput,
	EventToolRunning,
	EventToolBackground,
	EventApprovalRequest,
	EventApprovalResponse,
	EventMessageQueued,
	EventMessageDequeued,
	EventSteeringInjected,
	EventToolsSkipped,
	EventContextCompacting,
	EventContextCompacted,
	EventSessionTitleUpdated,
	EventSessionReset,
	EventContextCleared,
	EventRunComplete,
}
