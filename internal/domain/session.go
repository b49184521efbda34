// Package domain contains the shared data model of the session layer:
// entities and wire shapes, no transport or lifecycle logic.
package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

type (
	SessionID string
	UserID    string
)

// Role of a clinical participant.
type Role string

const (
	RoleClinician Role = "CLINICIAN"
	RolePatient   Role = "PATIENT"
)

var ErrUnknownRole = errors.New("unknown participant role")

func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleClinician, RolePatient:
		return Role(s), nil
	}
	return "", ErrUnknownRole
}

// Session is the runtime record of a live clinical session. The lifecycle
// manager owns the runtime state; the persisted record lives behind the
// backend boundary.
type Session struct {
	ID           SessionID             `json:"id"`
	Participants map[Role]*Participant `json:"participants"`
	CreatedAt    time.Time             `json:"createdAt"`
	ExpiresAt    time.Time             `json:"expiresAt"`
	State        string                `json:"state"`
}

func NewSession(ttl time.Duration) *Session {
	now := time.Now()
	return &Session{
		ID:           SessionID(uuid.NewString()),
		Participants: make(map[Role]*Participant),
		CreatedAt:    now,
		ExpiresAt:    now.Add(ttl),
		State:        "active",
	}
}

// Participant is one side of a session. Mutated by security on
// join/consent/origin checks, read by the lifecycle manager.
type Participant struct {
	UserID  UserID `json:"userId"`
	Role    Role   `json:"role"`
	Consent bool   `json:"consent"`
	Origin  string `json:"origin,omitempty"`
}

func NewParticipant(userID UserID, role Role) *Participant {
	return &Participant{UserID: userID, Role: role}
}
