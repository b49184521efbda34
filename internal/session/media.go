package session

import "errors"

// ErrMediaAccess means device permission or hardware is unavailable.
// Fatal to local initialization; never retried silently.
var ErrMediaAccess = errors.New("media device access unavailable")

type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)

// MediaConstraints describe what local media to acquire.
type MediaConstraints struct {
	Audio     bool
	Video     bool
	Width     int
	Height    int
	FrameRate float64
}

func DefaultConstraints() MediaConstraints {
	return MediaConstraints{Audio: true, Video: true, Width: 1280, Height: 720, FrameRate: 30}
}

// Capabilities is the explicit capability-query surface of a media
// engine, replacing user-agent styled feature probing.
type Capabilities struct {
	Audio         bool
	Video         bool
	ScreenCapture bool
	MaxWidth      int
	MaxHeight     int
}

// LocalTrack is one locally produced media track. Muting is in-place and
// requires no renegotiation.
type LocalTrack interface {
	ID() string
	Kind() TrackKind
	SetMuted(bool)
	Muted() bool
	Stop()
	// OnEnded fires when the source ends on its own (e.g. screen capture
	// stopped from outside the session).
	OnEnded(func())
}

// RemoteTrack is a read-only handle on a track received from the peer.
type RemoteTrack interface {
	ID() string
	Kind() TrackKind
}

// MediaSource acquires local media from the underlying engine.
type MediaSource interface {
	Capabilities() Capabilities
	AcquireTracks(MediaConstraints) ([]LocalTrack, error)
	AcquireScreenTrack() (LocalTrack, error)
}
