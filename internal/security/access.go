package security

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/carewire/telertc/internal/audit"
	"github.com/carewire/telertc/internal/domain"
)

var (
	ErrUnauthorized   = errors.New("not authorized for session")
	ErrConsentMissing = errors.New("participant consent missing")
	ErrOriginDenied   = errors.New("network origin not allowed")
)

// PolicyBackend is the slice of the persistence boundary the access layer
// needs. The backend client implements it; tests use fakes.
type PolicyBackend interface {
	ValidateAccess(ctx context.Context, userID domain.UserID, sessionID domain.SessionID, role domain.Role) (bool, error)
	CheckOrigin(ctx context.Context, userID domain.UserID, origin string) (bool, error)
	RecordConsent(ctx context.Context, sessionID domain.SessionID, userID domain.UserID, given bool) error
	GetConsent(ctx context.Context, sessionID domain.SessionID, userID domain.UserID) (bool, error)
}

// StaticPolicy permits everything and assumes consent. Standalone
// fallback for deployments without a clinical backend; never use it
// where real policy exists.
type StaticPolicy struct{}

func (StaticPolicy) ValidateAccess(context.Context, domain.UserID, domain.SessionID, domain.Role) (bool, error) {
	return true, nil
}

func (StaticPolicy) CheckOrigin(context.Context, domain.UserID, string) (bool, error) {
	return true, nil
}

func (StaticPolicy) RecordConsent(context.Context, domain.SessionID, domain.UserID, bool) error {
	return nil
}

func (StaticPolicy) GetConsent(context.Context, domain.SessionID, domain.UserID) (bool, error) {
	return true, nil
}

// AccessControl performs authorization, origin and consent checks. Every
// denial is audited; security errors are never retried here.
type AccessControl struct {
	backend PolicyBackend
	auditor *audit.Logger
	// originFailOpen preserves availability when the origin check itself
	// errors. Configurable policy, see config.SecurityConfig.
	originFailOpen bool
}

func NewAccessControl(backend PolicyBackend, auditor *audit.Logger, originFailOpen bool) *AccessControl {
	return &AccessControl{backend: backend, auditor: auditor, originFailOpen: originFailOpen}
}

// ValidateSessionAccess checks session membership for the given role.
func (a *AccessControl) ValidateSessionAccess(ctx context.Context, userID domain.UserID, sessionID domain.SessionID, role domain.Role) error {
	authorized, err := a.backend.ValidateAccess(ctx, userID, sessionID, role)
	if err != nil {
		a.auditor.Log(audit.Event{
			Type:      audit.EventUnauthorized,
			SessionID: sessionID,
			UserID:    userID,
			Role:      role,
			Details:   map[string]any{"reason": "validation call failed", "error": err.Error()},
		})
		return ErrUnauthorized
	}
	if !authorized {
		a.auditor.Log(audit.Event{
			Type:      audit.EventUnauthorized,
			SessionID: sessionID,
			UserID:    userID,
			Role:      role,
			Details:   map[string]any{"reason": "not a session member"},
		})
		return ErrUnauthorized
	}
	return nil
}

// CheckOriginRestriction enforces the network-origin allow-list. When the
// check itself errors the configured fail-open policy decides; either way
// the incident is audited.
func (a *AccessControl) CheckOriginRestriction(ctx context.Context, userID domain.UserID, origin string) error {
	allowed, err := a.backend.CheckOrigin(ctx, userID, origin)
	if err != nil {
		a.auditor.Log(audit.Event{
			Type:    audit.EventOriginCheckError,
			UserID:  userID,
			Details: map[string]any{"origin": origin, "error": err.Error(), "fail_open": a.originFailOpen},
		})
		if a.originFailOpen {
			log.Warn().Str("module", "security").Str("user_id", string(userID)).Msg("origin check failed, allowing per policy")
			return nil
		}
		return ErrOriginDenied
	}
	if !allowed {
		a.auditor.Log(audit.Event{
			Type:    audit.EventOriginDenied,
			UserID:  userID,
			Details: map[string]any{"origin": origin},
		})
		return ErrOriginDenied
	}
	return nil
}

// RecordConsent persists the consent decision and audits the outcome.
func (a *AccessControl) RecordConsent(ctx context.Context, sessionID domain.SessionID, userID domain.UserID, given bool) error {
	if err := a.backend.RecordConsent(ctx, sessionID, userID, given); err != nil {
		a.auditor.Log(audit.Event{
			Type:      audit.EventError,
			SessionID: sessionID,
			UserID:    userID,
			Details:   map[string]any{"op": "record consent", "error": err.Error()},
		})
		return err
	}
	eventType := audit.EventConsentGiven
	if !given {
		eventType = audit.EventConsentDeclined
	}
	a.auditor.Log(audit.Event{Type: eventType, SessionID: sessionID, UserID: userID})
	return nil
}

// HasConsent reports whether consent is on record for (session, user).
func (a *AccessControl) HasConsent(ctx context.Context, sessionID domain.SessionID, userID domain.UserID) (bool, error) {
	given, err := a.backend.GetConsent(ctx, sessionID, userID)
	if err != nil {
		return false, err
	}
	if !given {
		a.auditor.Log(audit.Event{Type: audit.EventConsentMissing, SessionID: sessionID, UserID: userID})
	}
	return given, nil
}
