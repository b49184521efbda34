// Package rtc adapts pion/webrtc to the session layer: peer connection
// lifecycle, track plumbing, data channels and stats extraction.
package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/carewire/telertc/internal/config"
	"github.com/carewire/telertc/internal/domain"
	"github.com/carewire/telertc/internal/security"
	"github.com/carewire/telertc/internal/session"
)

var ErrNoVideoSender = errors.New("no video sender on connection")

// Link is the pion-backed session.PeerLink.
type Link struct {
	pc     *webrtc.PeerConnection
	cancel context.CancelFunc

	mu          sync.Mutex
	audioSender *webrtc.RTPSender
	videoSender *webrtc.RTPSender
	videoTrack  *LocalTrack

	onICE     func(webrtc.ICECandidateInit)
	onState   func(session.LinkState)
	onTrack   func(session.RemoteTrack)
	onChannel func(security.RawChannel)
}

// Configuration builds the pion config from the ICE section: STUN for
// discovery, TURN with credentials when relaying is required.
func Configuration(cfg config.ICEConfig) webrtc.Configuration {
	servers := []webrtc.ICEServer{}
	if len(cfg.STUNServers) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: cfg.STUNServers})
	}
	if len(cfg.TURNServers) > 0 {
		servers = append(servers, webrtc.ICEServer{
			URLs:       cfg.TURNServers,
			Username:   cfg.TURNUser,
			Credential: cfg.TURNPass,
		})
	}
	if len(servers) == 0 {
		servers = append(servers, webrtc.ICEServer{
			URLs: []string{"stun:stun.l.google.com:19302"},
		})
	}
	return webrtc.Configuration{ICEServers: servers}
}

// NewLinkFactory returns a session.LinkFactory producing fresh peer
// connections; reconnection always rebuilds from scratch.
func NewLinkFactory(cfg config.ICEConfig) session.LinkFactory {
	conf := Configuration(cfg)
	return func() (session.PeerLink, error) {
		return NewLink(conf)
	}
}

func NewLink(conf webrtc.Configuration) (*Link, error) {
	pc, err := webrtc.NewPeerConnection(conf)
	if err != nil {
		return nil, err
	}
	return &Link{pc: pc}, nil
}

func (l *Link) OnICECandidate(fn func(webrtc.ICECandidateInit)) { l.onICE = fn }
func (l *Link) OnConnectionState(fn func(session.LinkState))    { l.onState = fn }
func (l *Link) OnRemoteTrack(fn func(session.RemoteTrack))      { l.onTrack = fn }

func (l *Link) OnDataChannel(fn func(security.RawChannel)) { l.onChannel = fn }

func (l *Link) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel

	l.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand != nil && l.onICE != nil {
			l.onICE(cand.ToJSON())
		}
	})

	l.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "rtc").Str("peer_connection_state", s.String()).Msg("peer state")
		if s == webrtc.PeerConnectionStateFailed || s == webrtc.PeerConnectionStateClosed {
			cancel()
		}
		if l.onState == nil {
			return
		}
		switch s {
		case webrtc.PeerConnectionStateConnected:
			l.onState(session.LinkConnected)
		case webrtc.PeerConnectionStateDisconnected:
			l.onState(session.LinkDisconnected)
		case webrtc.PeerConnectionStateFailed:
			l.onState(session.LinkFailed)
		case webrtc.PeerConnectionStateClosed:
			l.onState(session.LinkClosed)
		}
	})

	l.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "rtc").
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Msg("remote track")
		go drainRTCP(ctx, receiver)
		if l.onTrack != nil {
			l.onTrack(newRemoteTrack(track))
		}
	})

	l.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if l.onChannel != nil {
			l.onChannel(wrapDataChannel(dc))
		}
	})

	return nil
}

// drainRTCP keeps the receiver's interceptor chain serviced.
func drainRTCP(ctx context.Context, receiver *webrtc.RTPReceiver) {
	buf := make([]byte, 1500)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if _, _, err := receiver.Read(buf); err != nil {
			return
		}
	}
}

func (l *Link) CreateOffer() (*webrtc.SessionDescription, error) {
	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return nil, err
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return nil, err
	}
	// Trickle: candidates follow through OnICECandidate.
	return l.pc.LocalDescription(), nil
}

func (l *Link) ApplyOfferAndCreateAnswer(offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	if err := l.pc.SetRemoteDescription(offer); err != nil {
		return nil, err
	}
	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return nil, err
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return nil, err
	}
	return l.pc.LocalDescription(), nil
}

func (l *Link) ApplyAnswer(answer webrtc.SessionDescription) error {
	return l.pc.SetRemoteDescription(answer)
}

func (l *Link) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return l.pc.AddICECandidate(ci)
}

// AddLocalTrack attaches a local sample track and starts its feed. The
// RTP sender is retained per kind for later replacement.
func (l *Link) AddLocalTrack(t session.LocalTrack) error {
	lt, ok := t.(*LocalTrack)
	if !ok {
		return fmt.Errorf("unsupported track type %T", t)
	}
	sender, err := l.pc.AddTrack(lt.rtp)
	if err != nil {
		return err
	}
	go drainSenderRTCP(sender)

	l.mu.Lock()
	switch lt.Kind() {
	case session.TrackAudio:
		l.audioSender = sender
	case session.TrackVideo:
		l.videoSender = sender
		l.videoTrack = lt
	}
	l.mu.Unlock()
	return nil
}

func drainSenderRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

// ReplaceVideoTrack swaps the outgoing video without renegotiation.
func (l *Link) ReplaceVideoTrack(t session.LocalTrack) error {
	lt, ok := t.(*LocalTrack)
	if !ok {
		return fmt.Errorf("unsupported track type %T", t)
	}
	l.mu.Lock()
	sender := l.videoSender
	l.mu.Unlock()
	if sender == nil {
		return ErrNoVideoSender
	}
	if err := sender.ReplaceTrack(lt.rtp); err != nil {
		return err
	}
	l.mu.Lock()
	l.videoTrack = lt
	l.mu.Unlock()
	return nil
}

func (l *Link) RemoveVideoTrack() error {
	l.mu.Lock()
	sender := l.videoSender
	l.videoSender = nil
	l.videoTrack = nil
	l.mu.Unlock()
	if sender == nil {
		return nil
	}
	return l.pc.RemoveTrack(sender)
}

// SetVideoEncoding caps the outgoing video encoder. Encoding happens at
// the sample source, so the cap is applied there.
func (l *Link) SetVideoEncoding(maxBitrateKbps, scaleResolutionDownBy int) error {
	l.mu.Lock()
	track := l.videoTrack
	l.mu.Unlock()
	if track == nil {
		return ErrNoVideoSender
	}
	track.setEncoding(maxBitrateKbps, scaleResolutionDownBy)
	return nil
}

func (l *Link) CreateDataChannel(label string) (security.RawChannel, error) {
	ordered := true
	dc, err := l.pc.CreateDataChannel(label, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return nil, err
	}
	return wrapDataChannel(dc), nil
}

func (l *Link) Stats() (domain.TransportStats, error) {
	report := l.pc.GetStats()
	stats := extractTransportStats(report)

	l.mu.Lock()
	track := l.videoTrack
	l.mu.Unlock()
	if track != nil {
		w, h, fps := track.encoding()
		stats.VideoWidth = w
		stats.VideoHeight = h
		stats.FramesPerSecond = fps
	}
	return stats, nil
}

func (l *Link) Failed() bool {
	s := l.pc.ConnectionState()
	return s == webrtc.PeerConnectionStateFailed
}

func (l *Link) Close() {
	if l.cancel != nil {
		l.cancel()
	}
	if err := l.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "rtc").Msg("close error")
	}
}
