// Package approvalhandler issues and verifies JWT-signed approval tokens
// for an external UI/API surface: a approval:request event is shown to a
// human outside the process, and the token scopes their eventual decision
// to exactly that approval id and session, so a client cannot resolve an
// approval it was never shown. This is distinct from
// internal/turn/approval's in-process rendezvous, which this package sits
// in front of. Grounded on internal/auth/jwt.go's sign/validate shape.
package approvalhandler

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/haasonsaas/nexus/internal/turn/bus"
	"github.com/haasonsaas/nexus/pkg/models"
)

var (
	ErrHandlerDisabled = errors.New("approvalhandler: disabled (no secret configured)")
	ErrInvalidToken    = errors.New("approvalhandler: invalid or expired token")
)

// Claims scopes a signed approval token to one approval id within one
// session, so possessing it authorizes resolving only that request.
type Claims struct {
	ApprovalID string `json:"approval_id"`
	SessionID  string `json:"session_id"`
	jwt.RegisteredClaims
}

// Handler issues tokens when an approval:request is raised and verifies
// them when a decision comes back over an external channel (HTTP, a UI
// websocket) rather than the in-process Manager.RequestApproval rendezvous
// directly.
type Handler struct {
	secret []byte
	expiry time.Duration
	bus    *bus.Bus
}

// New builds a Handler. An empty secret disables issuance/verification
// (IssueToken/Submit both return ErrHandlerDisabled), matching
// auth.JWTService's zero-secret-disables-auth convention.
func New(secret string, expiry time.Duration, b *bus.Bus) *Handler {
	return &Handler{secret: []byte(secret), expiry: expiry, bus: b}
}

// IssueToken signs a token scoped to req, to hand to the external approver
// alongside the human-readable request.
func (h *Handler) IssueToken(req models.TurnApprovalRequest) (string, error) {
	if len(h.secret) == 0 {
		return "", ErrHandlerDisabled
	}

	now := time.Now()
	claims := Claims{
		ApprovalID: req.ID,
		SessionID:  req.SessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(h.expiry)),
		},
	}
	if h.expiry <= 0 {
		claims.ExpiresAt = nil
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(h.secret)
}

// Submit verifies token and, if valid, emits the approval response the
// token's embedded approval/session id authorizes — the caller cannot
// redirect the decision to a different approval by supplying its own id.
func (h *Handler) Submit(token string, status models.ApprovalStatus, reason string, data map[string]any) error {
	if len(h.secret) == 0 {
		return ErrHandlerDisabled
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return h.secret, nil
	})
	if err != nil {
		return ErrInvalidToken
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.ApprovalID == "" {
		return ErrInvalidToken
	}

	h.bus.Emit(claims.SessionID, bus.EventApprovalResponse, bus.ApprovalResponsePayload{
		ApprovalID: claims.ApprovalID,
		Status:     status,
		Reason:     reason,
		Data:       data,
	})
	return nil
}
