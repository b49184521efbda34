package session

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v4"

	"github.com/carewire/telertc/internal/domain"
	"github.com/carewire/telertc/internal/security"
)

// ErrNegotiation wraps malformed or rejected offer/answer exchanges.
// Recoverable by renegotiation.
var ErrNegotiation = errors.New("negotiation failed")

// LinkState is the coarse transport state a PeerLink reports upward.
type LinkState string

const (
	LinkConnecting   LinkState = "connecting"
	LinkConnected    LinkState = "connected"
	LinkDisconnected LinkState = "disconnected"
	LinkFailed       LinkState = "failed"
	LinkClosed       LinkState = "closed"
)

// PeerLink is one peer connection as the Manager sees it. The pion
// adapter in internal/rtc implements it; tests use fakes. Callbacks must
// be registered before Start.
type PeerLink interface {
	Start(ctx context.Context) error
	Close()

	CreateOffer() (*webrtc.SessionDescription, error)
	ApplyOfferAndCreateAnswer(webrtc.SessionDescription) (*webrtc.SessionDescription, error)
	ApplyAnswer(webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error

	OnICECandidate(func(webrtc.ICECandidateInit))
	OnConnectionState(func(LinkState))
	OnRemoteTrack(func(RemoteTrack))

	AddLocalTrack(LocalTrack) error
	ReplaceVideoTrack(LocalTrack) error
	RemoveVideoTrack() error
	SetVideoEncoding(maxBitrateKbps, scaleResolutionDownBy int) error

	CreateDataChannel(label string) (security.RawChannel, error)
	OnDataChannel(func(security.RawChannel))

	Stats() (domain.TransportStats, error)
	Failed() bool
}

// LinkFactory builds a fresh PeerLink. Reconnection recreates the whole
// connection rather than restarting ICE, matching the inherited policy.
type LinkFactory func() (PeerLink, error)
