package rtc

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog/log"

	"github.com/carewire/telertc/internal/session"
)

// FrameSource produces encoded media samples. Next blocks until a sample
// is ready and returns an error when the source ends.
type FrameSource interface {
	Next() (media.Sample, error)
	Close() error
}

// SourceFactory opens a fresh capture source; one per acquired track.
type SourceFactory func(width, height int, frameRate float64) (FrameSource, error)

// Engine is the pion-backed media source. Capture backends are plugged
// in as sample feeds so the session layer stays device agnostic.
type Engine struct {
	audio  SourceFactory
	video  SourceFactory
	screen SourceFactory
	caps   session.Capabilities
}

func NewEngine(audio, video, screen SourceFactory) *Engine {
	return &Engine{
		audio:  audio,
		video:  video,
		screen: screen,
		caps: session.Capabilities{
			Audio:         audio != nil,
			Video:         video != nil,
			ScreenCapture: screen != nil,
			MaxWidth:      1920,
			MaxHeight:     1080,
		},
	}
}

func (e *Engine) Capabilities() session.Capabilities { return e.caps }

func (e *Engine) AcquireTracks(c session.MediaConstraints) ([]session.LocalTrack, error) {
	var tracks []session.LocalTrack
	if c.Audio {
		if e.audio == nil {
			return nil, errors.New("no audio source configured")
		}
		t, err := e.newTrack(session.TrackAudio, e.audio, c)
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, t)
	}
	if c.Video {
		if e.video == nil {
			stopAll(tracks)
			return nil, errors.New("no video source configured")
		}
		t, err := e.newTrack(session.TrackVideo, e.video, c)
		if err != nil {
			stopAll(tracks)
			return nil, err
		}
		tracks = append(tracks, t)
	}
	return tracks, nil
}

func (e *Engine) AcquireScreenTrack() (session.LocalTrack, error) {
	if e.screen == nil {
		return nil, errors.New("no screen source configured")
	}
	c := session.MediaConstraints{Width: e.caps.MaxWidth, Height: e.caps.MaxHeight, FrameRate: 15}
	return e.newTrack(session.TrackVideo, e.screen, c)
}

func (e *Engine) newTrack(kind session.TrackKind, factory SourceFactory, c session.MediaConstraints) (*LocalTrack, error) {
	src, err := factory(c.Width, c.Height, c.FrameRate)
	if err != nil {
		return nil, fmt.Errorf("open %s source: %w", kind, err)
	}

	var codec webrtc.RTPCodecCapability
	switch kind {
	case session.TrackAudio:
		codec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}
	default:
		codec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}
	}
	rtp, err := webrtc.NewTrackLocalStaticSample(codec, string(kind), uuid.NewString())
	if err != nil {
		src.Close()
		return nil, err
	}

	t := &LocalTrack{
		rtp:       rtp,
		kind:      kind,
		src:       src,
		width:     c.Width,
		height:    c.Height,
		frameRate: c.FrameRate,
		done:      make(chan struct{}),
	}
	go t.feed()
	return t, nil
}

func stopAll(tracks []session.LocalTrack) {
	for _, t := range tracks {
		t.Stop()
	}
}

// LocalTrack pumps samples from a FrameSource into a static sample
// track. Muting skips writes without tearing down the source.
type LocalTrack struct {
	rtp  *webrtc.TrackLocalStaticSample
	kind session.TrackKind
	src  FrameSource

	mu        sync.Mutex
	muted     bool
	stopped   bool
	width     int
	height    int
	frameRate float64
	maxKbps   int
	onEnded   func()

	done chan struct{}
}

func (t *LocalTrack) ID() string              { return t.rtp.ID() }
func (t *LocalTrack) Kind() session.TrackKind { return t.kind }

func (t *LocalTrack) SetMuted(muted bool) {
	t.mu.Lock()
	t.muted = muted
	t.mu.Unlock()
}

func (t *LocalTrack) Muted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.muted
}

func (t *LocalTrack) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	t.mu.Unlock()
	close(t.done)
	if err := t.src.Close(); err != nil {
		log.Warn().Err(err).Str("module", "rtc").Str("track", t.ID()).Msg("close source")
	}
}

func (t *LocalTrack) OnEnded(fn func()) {
	t.mu.Lock()
	t.onEnded = fn
	t.mu.Unlock()
}

// setEncoding lowers the encoder target. The source decides how to honor
// the cap (bitrate, scaling) on the next frames it produces.
func (t *LocalTrack) setEncoding(maxBitrateKbps, scaleResolutionDownBy int) {
	t.mu.Lock()
	t.maxKbps = maxBitrateKbps
	if scaleResolutionDownBy > 1 {
		t.width /= scaleResolutionDownBy
		t.height /= scaleResolutionDownBy
	}
	t.mu.Unlock()
	if tuner, ok := t.src.(interface{ SetEncoding(int, int) }); ok {
		tuner.SetEncoding(maxBitrateKbps, scaleResolutionDownBy)
	}
}

func (t *LocalTrack) encoding() (width, height int, frameRate float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.width, t.height, t.frameRate
}

func (t *LocalTrack) feed() {
	for {
		select {
		case <-t.done:
			return
		default:
		}
		sample, err := t.src.Next()
		if err != nil {
			t.mu.Lock()
			ended := !t.stopped
			fn := t.onEnded
			t.mu.Unlock()
			if ended && fn != nil {
				fn()
			}
			return
		}
		if t.Muted() {
			continue
		}
		if err := t.rtp.WriteSample(sample); err != nil {
			log.Warn().Err(err).Str("module", "rtc").Str("track", t.ID()).Msg("write sample")
			return
		}
	}
}

// remoteTrack is the read-only handle handed to session observers.
type remoteTrack struct {
	id   string
	kind session.TrackKind
}

func newRemoteTrack(t *webrtc.TrackRemote) remoteTrack {
	kind := session.TrackAudio
	if t.Kind() == webrtc.RTPCodecTypeVideo {
		kind = session.TrackVideo
	}
	return remoteTrack{id: t.ID(), kind: kind}
}

func (t remoteTrack) ID() string              { return t.id }
func (t remoteTrack) Kind() session.TrackKind { return t.kind }
