package relay

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/carewire/telertc/internal/audit"
	"github.com/carewire/telertc/internal/domain"
	"github.com/carewire/telertc/internal/security"
)

// SessionStore persists newly provisioned sessions.
type SessionStore interface {
	CreateSession(ctx context.Context, s *domain.Session) error
}

type CreateSessionRequest struct {
	ClinicianID string `json:"clinicianId" binding:"required"`
	PatientID   string `json:"patientId" binding:"required"`
	TTLMinutes  int    `json:"ttlMinutes"`
}

type CreateSessionResponse struct {
	SessionID string            `json:"sessionId"`
	ExpiresAt time.Time         `json:"expiresAt"`
	Tokens    map[string]string `json:"tokens"`
}

// SessionHandler provisions sessions and their per-participant tokens.
type SessionHandler struct {
	tokens     *security.TokenService
	store      SessionStore
	auditor    *audit.Logger
	defaultTTL time.Duration
}

func NewSessionHandler(tokens *security.TokenService, store SessionStore, auditor *audit.Logger, defaultTTL time.Duration) *SessionHandler {
	return &SessionHandler{tokens: tokens, store: store, auditor: auditor, defaultTTL: defaultTTL}
}

// Create provisions a session for a clinician/patient pair and issues
// one scoped token per participant. Tokens are single-session; a token
// for one session opens no other.
func (h *SessionHandler) Create(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing participant ids"})
		return
	}

	ttl := h.defaultTTL
	if req.TTLMinutes > 0 {
		ttl = time.Duration(req.TTLMinutes) * time.Minute
	}
	sess := domain.NewSession(ttl)
	sess.Participants[domain.RoleClinician] = domain.NewParticipant(domain.UserID(req.ClinicianID), domain.RoleClinician)
	sess.Participants[domain.RolePatient] = domain.NewParticipant(domain.UserID(req.PatientID), domain.RolePatient)

	if h.store != nil {
		if err := h.store.CreateSession(c.Request.Context(), sess); err != nil {
			log.Error().Err(err).Str("module", "relay").Msg("persist session")
			c.JSON(http.StatusBadGateway, gin.H{"error": "session could not be stored"})
			return
		}
	}

	tokens := make(map[string]string, len(sess.Participants))
	for role, p := range sess.Participants {
		token, err := h.tokens.Issue(p.UserID, sess.ID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
			return
		}
		tokens[string(role)] = token
	}

	h.auditor.Log(audit.Event{
		Type:      audit.EventSessionStarted,
		SessionID: sess.ID,
		Details:   map[string]any{"provisioned": true},
	})
	c.JSON(http.StatusCreated, CreateSessionResponse{
		SessionID: string(sess.ID),
		ExpiresAt: sess.ExpiresAt,
		Tokens:    tokens,
	})
}
