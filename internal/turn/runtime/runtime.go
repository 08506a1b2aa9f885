// Package runtime implements the session runtime: the multi-session
// registry enforcing at most one active run per session and exposing the
// stream/generate/cancel/queueMessage surface a caller drives a session
// through. A second concurrent stream call for a busy session fails fast
// with ErrSessionBusy rather than queueing behind a lock, so busyness stays
// observable.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/haasonsaas/nexus/internal/turn/bus"
	"github.com/haasonsaas/nexus/internal/turn/ctxmgr"
	"github.com/haasonsaas/nexus/internal/turn/executor"
	"github.com/haasonsaas/nexus/internal/turn/jobs"
	"github.com/haasonsaas/nexus/internal/turn/provider"
	"github.com/haasonsaas/nexus/internal/turn/queue"
	"github.com/haasonsaas/nexus/internal/turn/stats"
	"github.com/haasonsaas/nexus/internal/turn/toolmanager"
	"github.com/haasonsaas/nexus/pkg/models"
)

// ErrSessionBusy is returned by Stream/Generate when the session already has
// an active run.
var ErrSessionBusy = errors.New("runtime: session already has an active run")

// ErrUnknownSession is returned by any per-session operation addressing a
// session that was never started via NewSession.
var ErrUnknownSession = errors.New("runtime: unknown session")

// session bundles one session's collaborators and run state.
type session struct {
	mu       sync.Mutex
	busy     bool
	repaired bool
	cancel   context.CancelFunc
	ctxmgr   *ctxmgr.Manager
	exec     *executor.Executor
	queue    *queue.Queue
	steering *queue.Steering
	stats    *stats.Collector
}

// Runtime is the process-wide SessionRuntime registry.
type Runtime struct {
	log *slog.Logger
	bus *bus.Bus

	jobStore jobs.Store
	sweeper  *jobs.Sweeper

	mu       sync.RWMutex
	sessions map[string]*session
}

// New constructs an empty Runtime over a shared bus. It also builds the
// in-memory background-call Store and Sweeper every session's ToolManager
// is wired against; call StartBackgroundSweep to put the Sweeper's cron
// schedule on a clock, or Sweep to drive a pass by hand.
func New(log *slog.Logger, b *bus.Bus) *Runtime {
	if log == nil {
		log = slog.Default()
	}
	store := jobs.NewMemoryStore()
	return &Runtime{
		log:      log,
		bus:      b,
		jobStore: store,
		sweeper:  jobs.NewSweeper(log, b, store),
		sessions: make(map[string]*session),
	}
}

// StartBackgroundSweep schedules periodic reclamation of background tool
// calls that ran past their dispatch timeout, at the given cron spec (e.g.
// "@every 30s"), until ctx is cancelled.
func (r *Runtime) StartBackgroundSweep(ctx context.Context, spec string) error {
	return r.sweeper.Start(ctx, spec)
}

// Sweep runs one background-timeout reclamation pass synchronously. Exposed
// for tests and for callers that want to drive the schedule themselves
// rather than use StartBackgroundSweep's cron.
func (r *Runtime) Sweep(ctx context.Context) {
	r.sweeper.Sweep(ctx)
}

// SessionDeps are the per-session collaborators a caller assembles once
// (typically at session-open time) and hands to NewSession.
type SessionDeps struct {
	ContextManager *ctxmgr.Manager
	Adapter        provider.Adapter
	Tools          *toolmanager.Manager
	Config         executor.Config

	// ToolProviders are external tool sources (MCP server connections),
	// keyed by server name. Each is registered with the session's tool
	// registry, namespacing its tools "mcp--<serverName>--<name>".
	ToolProviders map[string]toolmanager.Provider
}

// NewSession registers sessionID with the runtime, constructing its
// MessageQueue, Steering lane, and Executor. Calling NewSession again for an
// already-registered id replaces its collaborators; callers should not do
// this while a run is active.
func (r *Runtime) NewSession(sessionID string, deps SessionDeps) {
	if deps.Tools != nil {
		deps.Tools.SetBackgroundStore(r.jobStore)
		deps.Tools.SetDeadlineTracker(r.sweeper)
		for server, p := range deps.ToolProviders {
			deps.Tools.Registry().RegisterProvider(server, p)
		}
	}

	q := queue.New(r.bus, sessionID, queue.DefaultMaxQueued)
	st := queue.NewSteering(r.bus, sessionID)
	exec := executor.New(r.log, r.bus, deps.ContextManager, deps.Adapter, deps.Tools, q, st, deps.Config)

	s := &session{ctxmgr: deps.ContextManager, exec: exec, queue: q, steering: st}

	r.mu.Lock()
	r.sessions[sessionID] = s
	r.mu.Unlock()
}

// RemoveSession drops a session's registry entry. It does not cancel an
// in-flight run; call Cancel first if one may be active.
func (r *Runtime) RemoveSession(sessionID string) {
	r.mu.Lock()
	delete(r.sessions, sessionID)
	r.mu.Unlock()
}

func (r *Runtime) get(sessionID string) (*session, error) {
	r.mu.RLock()
	s, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSession, sessionID)
	}
	return s, nil
}

// Stream starts a run for sessionID after appending msg as a user message,
// returning once the run reaches a terminal state. It returns ErrSessionBusy
// immediately if a run is already active for this session.
func (r *Runtime) Stream(ctx context.Context, sessionID string, msg []models.ContentPart) (executor.State, error) {
	s, err := r.get(sessionID)
	if err != nil {
		return executor.StateIdle, err
	}

	s.mu.Lock()
	if s.busy {
		s.mu.Unlock()
		return executor.StateIdle, ErrSessionBusy
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.busy = true
	s.cancel = cancel
	collector := stats.NewCollector(sessionID)
	collector.Attach(runCtx, r.bus, sessionID)
	s.stats = collector
	s.mu.Unlock()

	defer func() {
		collector.Detach()
		s.mu.Lock()
		s.busy = false
		s.cancel = nil
		s.mu.Unlock()
		cancel()
	}()

	s.mu.Lock()
	needsRepair := !s.repaired
	s.repaired = true
	s.mu.Unlock()
	if needsRepair {
		// On session load, synthesize missing tool results left by a
		// crashed process before the first turn of this runtime's lifetime
		// drives the history to a model.
		if _, err := s.ctxmgr.RepairHistory(runCtx); err != nil {
			r.log.Warn("transcript repair failed", "session_id", sessionID, "error", err)
		}
	}

	if msg != nil {
		if _, err := s.ctxmgr.AddUserMessage(runCtx, msg); err != nil {
			return executor.StateTerminalError, fmt.Errorf("runtime: append user message: %w", err)
		}
	}

	return s.exec.Run(runCtx, sessionID)
}

// Generate is Stream without injecting a new user message: it resumes a
// run against the existing queued/steered state (e.g. after a background
// tool result arrives and the caller wants another model turn).
func (r *Runtime) Generate(ctx context.Context, sessionID string) (executor.State, error) {
	return r.Stream(ctx, sessionID, nil)
}

// Cancel requests cancellation of sessionID's active run, if any, returning
// whether a run was actually in progress. Cancelling an idle session is a
// no-op that returns false.
func (r *Runtime) Cancel(sessionID string) (bool, error) {
	s, err := r.get(sessionID)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return false, nil
	}
	s.cancel()
	return true, nil
}

// Stats returns the accumulated RunStats for sessionID's most recent (or
// currently in-flight) run, or nil if no run has started yet.
func (r *Runtime) Stats(sessionID string) (*models.RunStats, error) {
	s, err := r.get(sessionID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stats == nil {
		return nil, nil
	}
	return s.stats.Stats(), nil
}

// IsBusy reports whether sessionID has an active run.
func (r *Runtime) IsBusy(sessionID string) (bool, error) {
	s, err := r.get(sessionID)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy, nil
}

// QueueMessage enqueues content onto sessionID's plain MessageQueue,
// returning the assigned id.
func (r *Runtime) QueueMessage(sessionID string, content []models.ContentPart) (string, error) {
	s, err := r.get(sessionID)
	if err != nil {
		return "", err
	}
	id, _, qerr := s.queue.Enqueue(content)
	return id, qerr
}

// GetQueuedMessages snapshots sessionID's plain queue.
func (r *Runtime) GetQueuedMessages(sessionID string) ([]models.QueuedMessage, error) {
	s, err := r.get(sessionID)
	if err != nil {
		return nil, err
	}
	return s.queue.Snapshot(), nil
}

// RemoveQueuedMessage removes one queued message by id.
func (r *Runtime) RemoveQueuedMessage(sessionID, id string) (bool, error) {
	s, err := r.get(sessionID)
	if err != nil {
		return false, err
	}
	return s.queue.Remove(id), nil
}

// ClearMessageQueue drops every plain-queued message for sessionID.
func (r *Runtime) ClearMessageQueue(sessionID string) (int, error) {
	s, err := r.get(sessionID)
	if err != nil {
		return 0, err
	}
	return s.queue.Clear(), nil
}

// Steer injects a steering-lane message for sessionID: a priority message
// delivered ahead of the plain queue, optionally displacing the current
// iteration's remaining tool dispatches.
func (r *Runtime) Steer(sessionID string, content []models.ContentPart, priority int, skipRemainingTools bool) (string, error) {
	s, err := r.get(sessionID)
	if err != nil {
		return "", err
	}
	return s.steering.Steer(content, priority, skipRemainingTools), nil
}

// ContextStats reports sessionID's current context usage: token estimate
// (or actuals-derived figure when the last model call reported usage),
// message counts before and after compaction filtering, and the configured
// window and threshold.
func (r *Runtime) ContextStats(ctx context.Context, sessionID string) (*executor.ContextStats, error) {
	s, err := r.get(sessionID)
	if err != nil {
		return nil, err
	}
	return s.exec.ContextStats(ctx)
}

// CompactContext forces one compaction pass for sessionID regardless of the
// threshold, returning nil when the strategy had nothing to summarize. It
// refuses to run while the session has an active run; history writes are
// single-writer per session.
func (r *Runtime) CompactContext(ctx context.Context, sessionID string) (*executor.CompactionResult, error) {
	s, err := r.get(sessionID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	busy := s.busy
	s.mu.Unlock()
	if busy {
		return nil, ErrSessionBusy
	}
	return s.exec.Compact(ctx, sessionID)
}

// ClearContext appends an empty-summary marker for sessionID, hiding all
// prior history from model context while leaving it in storage, and emits
// context:cleared.
func (r *Runtime) ClearContext(ctx context.Context, sessionID string) error {
	s, err := r.get(sessionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	busy := s.busy
	s.mu.Unlock()
	if busy {
		return ErrSessionBusy
	}
	if err := s.ctxmgr.ClearContext(ctx); err != nil {
		return err
	}
	r.bus.Emit(sessionID, bus.EventContextCleared, struct{}{})
	return nil
}
