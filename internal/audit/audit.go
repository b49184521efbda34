// Package audit records structured session events, redacts sensitive
// fields and raises alerts when security events cluster. Log never fails
// back to callers: internal errors go to the process log only.
package audit

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/carewire/telertc/internal/domain"
)

// Category is the severity class of an event.
type Category string

const (
	CategoryInfo     Category = "info"
	CategoryWarning  Category = "warning"
	CategoryError    Category = "error"
	CategorySecurity Category = "security"
)

// Well-known event types. The classification table below keys on these;
// unknown types default to info.
const (
	EventSessionStarted     = "session.started"
	EventSessionEnded       = "session.ended"
	EventSessionTimeout     = "session.timeout"
	EventUserJoined         = "user.joined"
	EventUserLeft           = "user.left"
	EventConnectionFailed   = "connection.failed"
	EventConnectionRecon    = "connection.reconnecting"
	EventConnectionDegraded = "connection.degraded"
	EventError              = "error"
	EventAuthFailed         = "authentication.failed"
	EventUnauthorized       = "unauthorized.access.attempt"
	EventEncryptionError    = "encryption.error"
	EventConsentGiven       = "consent.given"
	EventConsentDeclined    = "consent.declined"
	EventConsentMissing     = "consent.missing"
	EventOriginDenied       = "origin.denied"
	EventOriginCheckError   = "origin.check.error"
)

var severityByType = map[string]Category{
	EventSessionStarted:     CategoryInfo,
	EventSessionEnded:       CategoryInfo,
	EventSessionTimeout:     CategoryInfo,
	EventUserJoined:         CategoryInfo,
	EventUserLeft:           CategoryInfo,
	EventConnectionFailed:   CategoryWarning,
	EventConnectionRecon:    CategoryWarning,
	EventConnectionDegraded: CategoryWarning,
	EventError:              CategoryError,
	EventAuthFailed:         CategorySecurity,
	EventUnauthorized:       CategorySecurity,
	EventEncryptionError:    CategorySecurity,
	EventConsentDeclined:    CategorySecurity,
	EventConsentMissing:     CategorySecurity,
	EventOriginDenied:       CategorySecurity,
}

// Event is one audit record. Details are redacted before the event leaves
// the process.
type Event struct {
	Category  Category         `json:"category"`
	Type      string           `json:"type"`
	SessionID domain.SessionID `json:"sessionId,omitempty"`
	UserID    domain.UserID    `json:"userId,omitempty"`
	Role      domain.Role      `json:"role,omitempty"`
	Details   map[string]any   `json:"details,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// Alert is a derived operator signal, not a failure of the local call.
type Alert struct {
	Type      string           `json:"type"`
	SessionID domain.SessionID `json:"sessionId,omitempty"`
	UserID    domain.UserID    `json:"userId,omitempty"`
	Count     int              `json:"count"`
	Timestamp time.Time        `json:"timestamp"`
}

// Store persists sanitized events. The backend client implements it over
// the persistence boundary; MemoryStore backs tests.
type Store interface {
	StoreEvent(Event) error
}

// Notifier delivers alerts to the external notification path.
type Notifier interface {
	Notify(Alert) error
}

var sensitiveFields = []string{"password", "token", "ssn", "dob", "address"}

// Logger classifies, sanitizes and persists events, and feeds the anomaly
// detector with security-classified ones.
type Logger struct {
	store    Store
	notifier Notifier
	anomaly  *anomalyDetector
}

func NewLogger(store Store, notifier Notifier) *Logger {
	return &Logger{
		store:    store,
		notifier: notifier,
		anomaly:  newAnomalyDetector(),
	}
}

// Log records an event. It never returns an error; persistence failures
// are logged locally and swallowed.
func (l *Logger) Log(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	e.Category = classify(e.Type)
	e.Details = Sanitize(e.Details)

	if err := l.store.StoreEvent(e); err != nil {
		log.Error().Err(err).Str("module", "audit").Str("type", e.Type).Msg("store event")
	}

	if e.Category == CategorySecurity || e.Type == EventConnectionFailed {
		l.checkForAnomalies(e)
	}
}

func classify(eventType string) Category {
	if c, ok := severityByType[eventType]; ok {
		return c
	}
	return CategoryInfo
}

// Sanitize replaces the fixed sensitive field set in a detail payload.
// The input map is not modified.
func Sanitize(details map[string]any) map[string]any {
	if details == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(details))
	for k, v := range details {
		out[k] = v
	}
	for _, f := range sensitiveFields {
		if _, ok := out[f]; ok {
			out[f] = "[REDACTED]"
		}
	}
	return out
}

func (l *Logger) checkForAnomalies(e Event) {
	alert, ok := l.anomaly.record(e)
	if !ok {
		return
	}
	l.trigger(alert)
}

// trigger delivers an alert without blocking the caller. Delivery failure
// is logged and dropped.
func (l *Logger) trigger(a Alert) {
	log.Warn().
		Str("module", "audit").
		Str("alert", a.Type).
		Str("user_id", string(a.UserID)).
		Int("count", a.Count).
		Msg("security alert")
	if l.notifier == nil {
		return
	}
	go func() {
		if err := l.notifier.Notify(a); err != nil {
			log.Error().Err(err).Str("module", "audit").Str("alert", a.Type).Msg("notify alert")
		}
	}()
}

// MemoryStore keeps events in memory for tests and local fallback.
type MemoryStore struct {
	mu     sync.Mutex
	events []Event
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (s *MemoryStore) StoreEvent(e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *MemoryStore) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}
