// Package security issues session credentials, enforces access and
// consent policy and provides the encrypted auxiliary data channel.
package security

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/carewire/telertc/internal/domain"
)

const TokenPurpose = "rtc-session"

var (
	// ErrTokenExpired means the credential was well-formed and correctly
	// signed but past its TTL. Distinct from ErrTokenInvalid so callers
	// can tell a stale peer from a tampering one.
	ErrTokenExpired = errors.New("session token expired")
	ErrTokenInvalid = errors.New("invalid session token")
)

// Claims bind a user to a session for a purpose. Tokens are never renewed
// in place; a new one must be issued.
type Claims struct {
	UserID    domain.UserID    `json:"userId"`
	SessionID domain.SessionID `json:"sessionId"`
	Purpose   string           `json:"purpose"`
	jwt.RegisteredClaims
}

// TokenService signs and verifies short-lived session tokens.
type TokenService struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewTokenService(secret string, ttl time.Duration) *TokenService {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &TokenService{secret: []byte(secret), ttl: ttl, now: time.Now}
}

func (s *TokenService) Issue(userID domain.UserID, sessionID domain.SessionID) (string, error) {
	now := s.now()
	claims := Claims{
		UserID:    userID,
		SessionID: sessionID,
		Purpose:   TokenPurpose,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}
	return signed, nil
}

// Verify returns the decoded claims. Expiry and signature failures map to
// distinct sentinel errors.
func (s *TokenService) Verify(token string) (*Claims, error) {
	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(func() time.Time { return s.now() }))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if !parsed.Valid || claims.Purpose != TokenPurpose {
		return nil, ErrTokenInvalid
	}
	return &claims, nil
}
