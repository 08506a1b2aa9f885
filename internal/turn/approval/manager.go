// Package approval implements the approval manager: the rendezvous between
// a tool-execution requester and an external policy handler, mediated by
// the event bus, plus the layered precedence chain that decides whether a
// rendezvous is needed at all.
package approval

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/nexus/internal/turn/bus"
	"github.com/haasonsaas/nexus/internal/turn/toolid"
	"github.com/haasonsaas/nexus/pkg/models"
)

// Mode is the fallback approval behavior once the precedence chain reaches
// the end without a static decision.
type Mode string

const (
	ModeManual      Mode = "manual"
	ModeAutoApprove Mode = "auto-approve"
	ModeAutoDeny    Mode = "auto-deny"
)

// Policy is the static, process-wide configuration consulted on every call.
// Session-scoped state (skill-allowlist, remembered allow list) lives
// alongside it in Manager, keyed by session id.
type Policy struct {
	AlwaysAllow []string
	AlwaysDeny  []string
	Mode        Mode
	Timeout     time.Duration
}

// DefaultPolicy returns the stock policy: manual mode, five-minute
// timeout.
func DefaultPolicy() Policy {
	return Policy{
		Mode:    ModeManual,
		Timeout: 5 * time.Minute,
	}
}

// AllowedToolsProvider persists the dynamically-remembered allow list (the
// "remember this choice" affordance surfaced by an approval UI).
type AllowedToolsProvider interface {
	IsAllowed(sessionID, toolName string) bool
	Remember(sessionID, toolName string)
}

// pendingRequest is an in-flight rendezvous awaiting approval:response.
type pendingRequest struct {
	req    models.TurnApprovalRequest
	result chan models.TurnApprovalResponse
	done   sync.Once
}

// Manager issues and resolves approval rendezvous over the bus and
// evaluates the layered policy precedence chain.
type Manager struct {
	bus    *bus.Bus
	policy Policy
	allow  AllowedToolsProvider

	mu             sync.Mutex
	pending        map[string]*pendingRequest
	bashPatterns   map[string]map[string]struct{} // sessionID -> pattern set
	elevated       map[string][]string            // sessionID -> tool name patterns
	skillAllowlist map[string][]string            // sessionID -> tool name patterns, cleared on run:complete
}

// New constructs a Manager. allow may be nil (step 5 of the precedence chain
// is then always a miss).
func New(b *bus.Bus, policy Policy, allow AllowedToolsProvider) *Manager {
	if policy.Mode == "" {
		policy.Mode = DefaultPolicy().Mode
	}
	if policy.Timeout <= 0 {
		policy.Timeout = 5 * time.Minute
	}
	m := &Manager{
		bus:            b,
		policy:         policy,
		allow:          allow,
		pending:        make(map[string]*pendingRequest),
		bashPatterns:   make(map[string]map[string]struct{}),
		elevated:       make(map[string][]string),
		skillAllowlist: make(map[string][]string),
	}
	b.On(context.Background(), bus.EventApprovalResponse, m.onResponse)
	b.On(context.Background(), bus.EventRunComplete, m.onRunComplete)
	return m
}

// SetElevated installs the session-scoped tool-name patterns that bypass
// the precedence chain entirely. Logged distinctly so bypasses stay
// auditable.
func (m *Manager) SetElevated(sessionID string, patterns []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.elevated[sessionID] = patterns
}

// SetSkillAllowlist installs the session-scoped, run-scoped auto-approve
// list (step 3 of the precedence chain); it is cleared automatically when
// run:complete fires for the session.
func (m *Manager) SetSkillAllowlist(sessionID string, patterns []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.skillAllowlist[sessionID] = patterns
}

// AddBashPattern records an allowed bash command pattern for sessionID.
func (m *Manager) AddBashPattern(sessionID, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.bashPatterns[sessionID]
	if !ok {
		set = make(map[string]struct{})
		m.bashPatterns[sessionID] = set
	}
	set[key] = struct{}{}
}

// MatchesBashPattern reports whether key was previously allowed for the
// session via AddBashPattern.
func (m *Manager) MatchesBashPattern(sessionID, key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.bashPatterns[sessionID][key]
	return ok
}

// Decision is the outcome of evaluating the precedence chain for a tool
// call, before falling through to a rendezvous.
type Decision struct {
	Status models.ApprovalStatus
	Reason string
	// NeedsRendezvous is true only when the chain bottoms out at manual
	// mode; callers should then call RequestApproval.
	NeedsRendezvous bool
	Type            models.ApprovalRequestType
}

// Evaluate runs the precedence chain for toolName (elevated bypass,
// always-deny, skill allowlist, always-allow, remembered allows, then the
// mode fallback), excluding the tool-provided ApprovalOverride and
// bash-pattern steps, which the caller (ToolManager) evaluates itself
// since they need the tool's own hooks and the derived bash key.
func (m *Manager) Evaluate(sessionID, toolName string) Decision {
	m.mu.Lock()
	elevated := append([]string(nil), m.elevated[sessionID]...)
	skill := append([]string(nil), m.skillAllowlist[sessionID]...)
	alwaysAllow := append([]string(nil), m.policy.AlwaysAllow...)
	alwaysDeny := append([]string(nil), m.policy.AlwaysDeny...)
	m.mu.Unlock()

	if matchesAny(elevated, toolName) {
		return Decision{Status: models.ApprovalStatusApproved, Reason: "elevated"}
	}
	if matchesAny(alwaysDeny, toolName) {
		return Decision{Status: models.ApprovalStatusDenied, Reason: "always_deny"}
	}
	if matchesAny(skill, toolName) {
		return Decision{Status: models.ApprovalStatusApproved, Reason: "skill_allowlist"}
	}
	if matchesAny(alwaysAllow, toolName) {
		return Decision{Status: models.ApprovalStatusApproved, Reason: "always_allow"}
	}
	if m.allow != nil && m.allow.IsAllowed(sessionID, toolName) {
		return Decision{Status: models.ApprovalStatusApproved, Reason: "remembered"}
	}

	switch m.policy.Mode {
	case ModeAutoApprove:
		return Decision{Status: models.ApprovalStatusApproved, Reason: "auto_approve_mode"}
	case ModeAutoDeny:
		return Decision{Status: models.ApprovalStatusDenied, Reason: "auto_deny_mode"}
	default:
		return Decision{NeedsRendezvous: true, Type: models.ApprovalTypeToolConfirmation}
	}
}

func matchesAny(patterns []string, toolName string) bool {
	for _, p := range patterns {
		if toolid.MatchesPattern(p, toolName) {
			return true
		}
	}
	return false
}

// RequestApproval assigns an id, emits approval:request, and blocks until
// the matching approval:response arrives or the policy timeout elapses.
func (m *Manager) RequestApproval(ctx context.Context, sessionID string, reqType models.ApprovalRequestType, metadata map[string]any) models.TurnApprovalResponse {
	id := uuid.NewString()
	req := models.TurnApprovalRequest{
		ID:        id,
		Type:      reqType,
		SessionID: sessionID,
		Metadata:  metadata,
		CreatedAt: time.Now(),
	}

	pr := &pendingRequest{req: req, result: make(chan models.TurnApprovalResponse, 1)}
	m.mu.Lock()
	m.pending[id] = pr
	m.mu.Unlock()

	m.bus.Emit(sessionID, bus.EventApprovalRequest, bus.ApprovalRequestPayload{
		ApprovalID: id,
		Type:       reqType,
		Metadata:   metadata,
	})

	timer := time.NewTimer(m.policy.Timeout)
	defer timer.Stop()

	select {
	case resp := <-pr.result:
		return resp
	case <-timer.C:
		return m.resolve(id, models.TurnApprovalResponse{
			ID:        id,
			Status:    models.ApprovalStatusCancelled,
			Reason:    string(models.ApprovalCancelTimeout),
			SessionID: sessionID,
		})
	case <-ctx.Done():
		return m.resolve(id, models.TurnApprovalResponse{
			ID:        id,
			Status:    models.ApprovalStatusCancelled,
			Reason:    string(models.ApprovalCancelExternal),
			SessionID: sessionID,
		})
	}
}

// CancelApproval resolves a single pending request as cancelled.
func (m *Manager) CancelApproval(id string) bool {
	m.mu.Lock()
	_, ok := m.pending[id]
	m.mu.Unlock()
	if !ok {
		return false
	}
	m.resolve(id, models.TurnApprovalResponse{ID: id, Status: models.ApprovalStatusCancelled, Reason: string(models.ApprovalCancelExternal)})
	return true
}

// CancelAllApprovals resolves every pending request as cancelled. It
// iterates a snapshot of the pending map to avoid a concurrent-modification
// hazard with concurrent resolutions.
func (m *Manager) CancelAllApprovals() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.pending))
	for id := range m.pending {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.CancelApproval(id)
	}
}

// AutoApprovePendingRequests resolves every pending request matching
// predicate as approved, without the "remember" side effect a manual
// approval carries.
func (m *Manager) AutoApprovePendingRequests(predicate func(models.TurnApprovalRequest) bool) int {
	m.mu.Lock()
	var matched []*pendingRequest
	for _, pr := range m.pending {
		if predicate == nil || predicate(pr.req) {
			matched = append(matched, pr)
		}
	}
	m.mu.Unlock()

	for _, pr := range matched {
		m.resolve(pr.req.ID, models.TurnApprovalResponse{ID: pr.req.ID, Status: models.ApprovalStatusApproved, SessionID: pr.req.SessionID})
	}
	return len(matched)
}

func (m *Manager) onResponse(e bus.Event) {
	p, ok := e.Payload.(bus.ApprovalResponsePayload)
	if !ok {
		return
	}
	m.resolve(p.ApprovalID, models.TurnApprovalResponse{
		ID:        p.ApprovalID,
		Status:    p.Status,
		Reason:    p.Reason,
		Data:      p.Data,
		SessionID: e.SessionID,
	})
}

func (m *Manager) resolve(id string, resp models.TurnApprovalResponse) models.TurnApprovalResponse {
	m.mu.Lock()
	pr, ok := m.pending[id]
	if ok {
		delete(m.pending, id)
	}
	m.mu.Unlock()
	if !ok {
		return resp
	}
	pr.done.Do(func() {
		pr.result <- resp
	})
	return resp
}

func (m *Manager) onRunComplete(e bus.Event) {
	m.mu.Lock()
	delete(m.skillAllowlist, e.SessionID)
	m.mu.Unlock()
}

// GetPendingRequests returns a snapshot of pending requests for sessionID
// ("" for all sessions).
func (m *Manager) GetPendingRequests(sessionID string) []models.TurnApprovalRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.TurnApprovalRequest
	for _, pr := range m.pending {
		if sessionID == "" || pr.req.SessionID == sessionID {
			out = append(out, pr.req)
		}
	}
	return out
}

// ErrUnknownApproval is the error value for an approval id that is not (or
// is no longer) pending. Manager's methods do not return it: CancelApproval
// reports false for such an id, and a response carrying one is ignored.
var ErrUnknownApproval = fmt.Errorf("approval: unknown or already-resolved request id")
