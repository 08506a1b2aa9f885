package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/nexus/internal/turn/bus"
)

// Sweeper periodically scans a Store for running background calls that have
// exceeded their timeout and cancels them, emitting llm:tool-result with an
// error so the owning session's history reflects the timeout instead of
// leaving a dangling tool call. Sweeper drives the bus the same way
// toolmanager.Manager.emitResult does, so a timed-out background call looks
// identical on the stream to one that failed inline.
type Sweeper struct {
	log   *slog.Logger
	bus   *bus.Bus
	store Store
	cron  *cron.Cron

	timeouts map[string]time.Duration // call id -> deadline duration
}

// NewSweeper constructs a Sweeper over store, emitting events on b.
func NewSweeper(log *slog.Logger, b *bus.Bus, store Store) *Sweeper {
	if log == nil {
		log = slog.Default()
	}
	return &Sweeper{
		log:      log,
		bus:      b,
		store:    store,
		cron:     cron.New(),
		timeouts: make(map[string]time.Duration),
	}
}

// TrackDeadline records the timeout a background call was dispatched with,
// so Sweep can recognize it as overdue. Satisfies toolmanager.DeadlineTracker.
func (s *Sweeper) TrackDeadline(callID string, timeout time.Duration) {
	if timeout <= 0 {
		return
	}
	s.timeouts[callID] = timeout
}

// Start schedules periodic sweeps at the given cron spec (e.g. "@every 30s")
// until ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context, spec string) error {
	entryID, err := s.cron.AddFunc(spec, func() { s.Sweep(ctx) })
	if err != nil {
		return fmt.Errorf("jobs: schedule sweep %q: %w", spec, err)
	}
	s.cron.Start()
	go func() {
		<-ctx.Done()
		s.cron.Remove(entryID)
		s.cron.Stop()
	}()
	return nil
}

// Sweep runs one reclamation pass synchronously: any tracked call still
// running past its deadline is cancelled in the store and reported on the
// bus as a failed tool result. Exported so tests and callers that want their
// own schedule (rather than Start's cron) can drive a pass deterministically.
func (s *Sweeper) Sweep(ctx context.Context) {
	records, err := s.store.List(ctx, 500, 0)
	if err != nil {
		s.log.Warn("jobs sweep: list failed", "error", err)
		return
	}

	now := time.Now()
	for _, call := range records {
		if call.Status != StatusRunning {
			continue
		}
		timeout, tracked := s.timeouts[call.CallID]
		if !tracked {
			continue
		}
		deadline := call.StartedAt.Add(timeout)
		if now.Before(deadline) {
			continue
		}

		if err := s.store.Cancel(ctx, call.CallID); err != nil {
			s.log.Warn("jobs sweep: cancel failed", "call_id", call.CallID, "error", err)
			continue
		}
		delete(s.timeouts, call.CallID)

		s.bus.Emit(call.SessionID, bus.EventLLMToolResult, bus.ToolResultPayload{
			ToolName:  call.ToolName,
			CallID:    call.CallID,
			Success:   false,
			Sanitized: "background tool call timed out",
		})
	}
}
