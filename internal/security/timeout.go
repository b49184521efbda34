package security

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/carewire/telertc/internal/audit"
	"github.com/carewire/telertc/internal/domain"
)

// SessionTimer force-terminates sessions that are never renewed. One-shot
// per session; must be cancelled on normal closure so teardown cannot be
// followed by a spurious termination.
type SessionTimer struct {
	mu      sync.Mutex
	timers  map[domain.SessionID]*time.Timer
	auditor *audit.Logger
}

func NewSessionTimer(auditor *audit.Logger) *SessionTimer {
	return &SessionTimer{timers: make(map[domain.SessionID]*time.Timer), auditor: auditor}
}

// Start arms the timeout. Re-arming an already-armed session replaces the
// previous timer (explicit renewal).
func (t *SessionTimer) Start(sessionID domain.SessionID, d time.Duration, terminate func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if prev, ok := t.timers[sessionID]; ok {
		prev.Stop()
	}
	t.timers[sessionID] = time.AfterFunc(d, func() {
		t.mu.Lock()
		delete(t.timers, sessionID)
		t.mu.Unlock()

		t.auditor.Log(audit.Event{
			Type:      audit.EventSessionTimeout,
			SessionID: sessionID,
			Details:   map[string]any{"timeout": d.String()},
		})
		log.Info().Str("module", "security").Str("session_id", string(sessionID)).Msg("session timed out")
		terminate()
	})
}

// Cancel disarms the timeout. Safe when nothing is armed.
func (t *SessionTimer) Cancel(sessionID domain.SessionID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if timer, ok := t.timers[sessionID]; ok {
		timer.Stop()
		delete(t.timers, sessionID)
	}
}

// Active reports whether a timer is armed for the session.
func (t *SessionTimer) Active(sessionID domain.SessionID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.timers[sessionID]
	return ok
}
