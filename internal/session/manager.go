// Package session owns the peer connection lifecycle for one local
// participant: negotiation, tracks, the encrypted data channel,
// degradation and reconnection. All connection state is mutated here and
// nowhere else; collaborators signal intent through callbacks.
package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/carewire/telertc/internal/audit"
	"github.com/carewire/telertc/internal/domain"
	"github.com/carewire/telertc/internal/quality"
	"github.com/carewire/telertc/internal/security"
	"github.com/carewire/telertc/internal/signaling"
)

const dataChannelLabel = "telertc-aux"

var ErrSessionClosed = errors.New("session is closed")

// Transport is the slice of the signaling client the manager drives.
type Transport interface {
	JoinSession(domain.SessionID, domain.UserID, domain.Role) error
	LeaveSession(domain.SessionID, domain.UserID) error
	SendOffer(sessionID domain.SessionID, payload json.RawMessage, sender, recipient domain.UserID) error
	SendAnswer(sessionID domain.SessionID, payload json.RawMessage, sender, recipient domain.UserID) error
	SendICECandidate(sessionID domain.SessionID, payload json.RawMessage, sender, recipient domain.UserID) error
	Handle(domain.MessageType, signaling.Handler)
}

// sdpEnvelope is the offer/answer payload. The initiator's data-channel
// key rides along; the signaling path is authenticated and TLS-wrapped.
type sdpEnvelope struct {
	Type       string `json:"type"`
	SDP        string `json:"sdp"`
	ChannelKey string `json:"channelKey,omitempty"`
}

// Params wires a Manager. One Manager per local participant per session.
type Params struct {
	SessionID domain.SessionID
	UserID    domain.UserID
	Role      domain.Role

	Transport Transport
	Links     LinkFactory
	Media     MediaSource
	Auditor   *audit.Logger
	Timer     *security.SessionTimer

	SessionTimeout time.Duration
	SampleInterval time.Duration
	MaxReconnects  int
}

// Manager drives the session state machine for the local peer.
type Manager struct {
	sessionID domain.SessionID
	userID    domain.UserID
	role      domain.Role

	transport Transport
	links     LinkFactory
	media     MediaSource
	auditor   *audit.Logger
	timer     *security.SessionTimer
	monitor   *quality.Monitor

	sessionTimeout time.Duration
	sampleInterval time.Duration

	mu            sync.Mutex
	ctx           context.Context
	state         State
	link          PeerLink
	localTracks   []LocalTrack
	screenTrack   LocalTrack
	dataChannel   *security.EncryptedChannel
	pendingKey    *[32]byte
	remoteDescSet bool
	pendingCands  []webrtc.ICECandidateInit
	remoteUser    domain.UserID
	remoteRole    domain.Role
	audioMuted    bool
	videoMuted    bool
	screenSharing bool
	audioOnly     bool
	started       bool

	onState       []func(State)
	onQuality     []func(domain.QualitySample)
	onRemoteTrack []func(RemoteTrack)
	onMessage     []func([]byte)
	onDegraded    []func()
}

func NewManager(p Params) *Manager {
	m := &Manager{
		sessionID:      p.SessionID,
		userID:         p.UserID,
		role:           p.Role,
		transport:      p.Transport,
		links:          p.Links,
		media:          p.Media,
		auditor:        p.Auditor,
		timer:          p.Timer,
		sessionTimeout: p.SessionTimeout,
		sampleInterval: p.SampleInterval,
		ctx:            context.Background(),
		state:          StateNew,
	}
	m.monitor = quality.NewMonitor(m, m, p.Auditor, p.SessionID, p.UserID)
	if p.MaxReconnects > 0 {
		m.monitor.SetMaxReconnects(p.MaxReconnects)
	}
	m.monitor.OnSample(m.onQualitySample)
	m.monitor.OnDegraded(m.notifyDegraded)

	m.transport.Handle(domain.MessageJoin, m.handleJoin)
	m.transport.Handle(domain.MessageLeave, m.handleLeave)
	m.transport.Handle(domain.MessageOffer, m.handleOffer)
	m.transport.Handle(domain.MessageAnswer, m.handleAnswer)
	m.transport.Handle(domain.MessageCandidate, m.handleCandidate)
	return m
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Monitor exposes the quality monitor for observers (read-only use).
func (m *Manager) Monitor() *quality.Monitor { return m.monitor }

// OnStateChange registers a lifecycle observer.
func (m *Manager) OnStateChange(fn func(State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onState = append(m.onState, fn)
}

// OnQuality registers a quality sample observer.
func (m *Manager) OnQuality(fn func(domain.QualitySample)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onQuality = append(m.onQuality, fn)
}

// OnRemoteTrack registers a remote media observer.
func (m *Manager) OnRemoteTrack(fn func(RemoteTrack)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onRemoteTrack = append(m.onRemoteTrack, fn)
}

// OnMessage registers a consumer for decrypted data-channel payloads.
func (m *Manager) OnMessage(fn func([]byte)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onMessage = append(m.onMessage, fn)
}

// OnDegraded registers the user-visible connection-degraded notice.
func (m *Manager) OnDegraded(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onDegraded = append(m.onDegraded, fn)
}

// InitializeLocalMedia acquires local audio/video from the media engine.
func (m *Manager) InitializeLocalMedia(constraints MediaConstraints) error {
	caps := m.media.Capabilities()
	if constraints.Video && !caps.Video {
		constraints.Video = false
	}
	if constraints.Audio && !caps.Audio {
		return fmt.Errorf("%w: no audio capability", ErrMediaAccess)
	}
	tracks, err := m.media.AcquireTracks(constraints)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMediaAccess, err)
	}
	m.mu.Lock()
	m.localTracks = tracks
	m.mu.Unlock()
	return nil
}

// JoinSession announces the local participant and, for the initiating
// role, kicks off negotiation once the peer appears.
func (m *Manager) JoinSession(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		return ErrSessionClosed
	}
	if m.started {
		m.mu.Unlock()
		return errors.New("already joined")
	}
	m.started = true
	m.ctx = ctx
	m.mu.Unlock()

	if err := m.transport.JoinSession(m.sessionID, m.userID, m.role); err != nil {
		m.mu.Lock()
		m.started = false
		m.mu.Unlock()
		return err
	}

	m.transition(StateNegotiating)

	if m.timer != nil && m.sessionTimeout > 0 {
		m.timer.Start(m.sessionID, m.sessionTimeout, func() {
			m.close("session timeout")
		})
	}

	m.auditor.Log(audit.Event{
		Type:      audit.EventUserJoined,
		SessionID: m.sessionID,
		UserID:    m.userID,
		Role:      m.role,
	})
	return nil
}

// LeaveSession closes the session from any state. Deterministic: after it
// returns there are no open tracks, timers or transport subscriptions.
func (m *Manager) LeaveSession() {
	if m.State() == StateClosed {
		return
	}
	if err := m.transport.LeaveSession(m.sessionID, m.userID); err != nil && !errors.Is(err, signaling.ErrNotConnected) {
		log.Warn().Err(err).Str("module", "session").Msg("send leave")
	}
	m.close("local leave")
}

// CreatePeerConnection builds the peer connection ahead of negotiation.
// JoinSession does this lazily; explicit creation is for callers that
// want media flowing callbacks wired early.
func (m *Manager) CreatePeerConnection() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ensureLinkLocked()
}

// ensureLinkLocked builds and starts a PeerLink if none is live, wiring
// candidates, state, tracks and the data channel. Caller holds m.mu.
func (m *Manager) ensureLinkLocked() error {
	if m.state == StateClosed {
		return ErrSessionClosed
	}
	if m.link != nil {
		return nil
	}
	link, err := m.links()
	if err != nil {
		return fmt.Errorf("create peer connection: %w", err)
	}

	link.OnICECandidate(func(c webrtc.ICECandidateInit) {
		payload, err := json.Marshal(c)
		if err != nil {
			return
		}
		if err := m.transport.SendICECandidate(m.sessionID, payload, m.userID, m.remotePeer()); err != nil {
			log.Warn().Err(err).Str("module", "session").Msg("send candidate")
		}
	})
	link.OnConnectionState(m.onLinkState)
	link.OnRemoteTrack(m.notifyRemoteTrack)
	link.OnDataChannel(m.adoptDataChannel)

	for _, t := range m.localTracks {
		if m.audioOnly && t.Kind() == TrackVideo {
			continue
		}
		if err := link.AddLocalTrack(t); err != nil {
			link.Close()
			return fmt.Errorf("attach local track: %w", err)
		}
	}

	// The initiating role opens the ordered reliable auxiliary channel.
	if m.role == domain.RoleClinician {
		raw, err := link.CreateDataChannel(dataChannelLabel)
		if err != nil {
			link.Close()
			return fmt.Errorf("create data channel: %w", err)
		}
		ec, err := security.EncryptChannel(raw, m.auditor, m.sessionID, m.userID)
		if err != nil {
			link.Close()
			return err
		}
		ec.OnMessage(m.notifyMessage)
		m.dataChannel = ec
	}

	if err := link.Start(m.ctx); err != nil {
		link.Close()
		return fmt.Errorf("start peer connection: %w", err)
	}
	m.link = link
	m.remoteDescSet = false
	m.pendingCands = nil

	if !m.monitor.Running() {
		m.monitor.Start(m.sampleInterval)
	}
	return nil
}

func (m *Manager) remotePeer() domain.UserID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remoteUser
}

// --- signaling handlers; these run on the transport reader goroutine ---

func (m *Manager) handleJoin(msg domain.SignalingMessage) {
	if msg.SessionID != m.sessionID || msg.Sender == m.userID {
		return
	}
	var p domain.JoinPayload
	_ = json.Unmarshal(msg.Payload, &p)

	m.mu.Lock()
	m.remoteUser = msg.Sender
	m.remoteRole = p.Role
	m.mu.Unlock()
	m.transition(StateNegotiating)

	// Only the initiating role offers; the peer answers.
	if m.role == domain.RoleClinician {
		if err := m.initiateOffer(); err != nil {
			log.Error().Err(err).Str("module", "session").Msg("initiate offer")
			m.auditError("initiate offer", err)
		}
	}
}

func (m *Manager) handleLeave(msg domain.SignalingMessage) {
	if msg.SessionID != m.sessionID || msg.Sender == m.userID {
		return
	}
	log.Info().Str("module", "session").Str("peer", string(msg.Sender)).Msg("remote participant left")
	m.close("remote leave")
}

func (m *Manager) handleOffer(msg domain.SignalingMessage) {
	if !m.addressedToMe(msg) {
		return
	}
	var env sdpEnvelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil {
		m.auditError("decode offer", err)
		return
	}

	m.mu.Lock()
	m.remoteUser = msg.Sender
	if env.ChannelKey != "" {
		if raw, err := base64.StdEncoding.DecodeString(env.ChannelKey); err == nil && len(raw) == 32 {
			var key [32]byte
			copy(key[:], raw)
			m.pendingKey = &key
		}
	}
	if err := m.ensureLinkLocked(); err != nil {
		m.mu.Unlock()
		m.auditError("peer connection for offer", err)
		return
	}
	link := m.link
	m.mu.Unlock()
	m.transition(StateNegotiating)

	answer, err := link.ApplyOfferAndCreateAnswer(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  env.SDP,
	})
	if err != nil {
		m.auditError("apply offer", fmt.Errorf("%w: %v", ErrNegotiation, err))
		return
	}
	m.flushCandidates(link)

	payload, _ := json.Marshal(sdpEnvelope{Type: "answer", SDP: answer.SDP})
	if err := m.transport.SendAnswer(m.sessionID, payload, m.userID, msg.Sender); err != nil {
		m.auditError("send answer", err)
	}
}

func (m *Manager) handleAnswer(msg domain.SignalingMessage) {
	if !m.addressedToMe(msg) {
		return
	}
	var env sdpEnvelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil {
		m.auditError("decode answer", err)
		return
	}
	m.mu.Lock()
	link := m.link
	m.mu.Unlock()
	if link == nil {
		return
	}
	if err := link.ApplyAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: env.SDP}); err != nil {
		m.auditError("apply answer", fmt.Errorf("%w: %v", ErrNegotiation, err))
		return
	}
	m.flushCandidates(link)
}

func (m *Manager) handleCandidate(msg domain.SignalingMessage) {
	if !m.addressedToMe(msg) {
		return
	}
	var cand webrtc.ICECandidateInit
	if err := json.Unmarshal(msg.Payload, &cand); err != nil {
		return
	}
	m.mu.Lock()
	link := m.link
	ready := m.remoteDescSet
	if link == nil || !ready {
		// Candidates can outrun the offer or answer; hold them until the
		// remote description lands.
		m.pendingCands = append(m.pendingCands, cand)
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	if err := link.AddICECandidate(cand); err != nil {
		log.Warn().Err(err).Str("module", "session").Msg("add ice candidate")
	}
}

// flushCandidates marks the remote description applied and drains held
// candidates in arrival order.
func (m *Manager) flushCandidates(link PeerLink) {
	m.mu.Lock()
	m.remoteDescSet = true
	pending := m.pendingCands
	m.pendingCands = nil
	m.mu.Unlock()
	for _, cand := range pending {
		if err := link.AddICECandidate(cand); err != nil {
			log.Warn().Err(err).Str("module", "session").Msg("add buffered candidate")
		}
	}
}

func (m *Manager) addressedToMe(msg domain.SignalingMessage) bool {
	if msg.SessionID != m.sessionID || msg.Sender == m.userID {
		return false
	}
	return msg.Recipient == "" || msg.Recipient == m.userID
}

func (m *Manager) initiateOffer() error {
	m.mu.Lock()
	if err := m.ensureLinkLocked(); err != nil {
		m.mu.Unlock()
		return err
	}
	link := m.link
	var key string
	if m.dataChannel != nil {
		k := m.dataChannel.Key()
		key = base64.StdEncoding.EncodeToString(k[:])
	}
	m.mu.Unlock()

	offer, err := link.CreateOffer()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNegotiation, err)
	}
	payload, _ := json.Marshal(sdpEnvelope{Type: "offer", SDP: offer.SDP, ChannelKey: key})
	return m.transport.SendOffer(m.sessionID, payload, m.userID, m.remotePeer())
}

// --- link callbacks ---

func (m *Manager) onLinkState(st LinkState) {
	switch st {
	case LinkConnected:
		m.transition(StateConnected)
		m.monitor.ResetReconnects()
		m.auditor.Log(audit.Event{
			Type:      audit.EventSessionStarted,
			SessionID: m.sessionID,
			UserID:    m.userID,
			Role:      m.role,
		})
	case LinkFailed:
		// The monitor observes Failed() and runs the bounded reconnect.
		m.transition(StateReconnecting)
	}
}

func (m *Manager) adoptDataChannel(raw security.RawChannel) {
	ec, err := security.EncryptChannel(raw, m.auditor, m.sessionID, m.userID)
	if err != nil {
		m.auditError("wrap data channel", err)
		return
	}
	m.mu.Lock()
	if m.pendingKey != nil {
		ec.SetKey(*m.pendingKey)
	}
	m.dataChannel = ec
	m.mu.Unlock()
	ec.OnMessage(m.notifyMessage)
}

// --- media controls ---

// ToggleVideo mutes or unmutes outgoing video in place. Returns the new
// muted state.
func (m *Manager) ToggleVideo() bool {
	m.mu.Lock()
	m.videoMuted = !m.videoMuted
	muted := m.videoMuted
	tracks := m.tracksOfKindLocked(TrackVideo)
	m.mu.Unlock()
	for _, t := range tracks {
		t.SetMuted(muted)
	}
	return muted
}

// ToggleAudio mutes or unmutes outgoing audio in place. Returns the new
// muted state.
func (m *Manager) ToggleAudio() bool {
	m.mu.Lock()
	m.audioMuted = !m.audioMuted
	muted := m.audioMuted
	tracks := m.tracksOfKindLocked(TrackAudio)
	m.mu.Unlock()
	for _, t := range tracks {
		t.SetMuted(muted)
	}
	return muted
}

func (m *Manager) tracksOfKindLocked(kind TrackKind) []LocalTrack {
	var out []LocalTrack
	for _, t := range m.localTracks {
		if t.Kind() == kind {
			out = append(out, t)
		}
	}
	return out
}

// StartScreenSharing substitutes the outgoing video track with a screen
// capture track. The camera track is restored by StopScreenSharing or
// when the capture ends on its own.
func (m *Manager) StartScreenSharing() error {
	m.mu.Lock()
	if m.screenSharing {
		m.mu.Unlock()
		return nil
	}
	link := m.link
	m.mu.Unlock()
	if link == nil {
		return errors.New("no live peer connection")
	}
	if !m.media.Capabilities().ScreenCapture {
		return errors.New("screen capture not supported by media engine")
	}

	screen, err := m.media.AcquireScreenTrack()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMediaAccess, err)
	}
	if err := link.ReplaceVideoTrack(screen); err != nil {
		screen.Stop()
		return err
	}
	screen.OnEnded(func() {
		if err := m.StopScreenSharing(); err != nil {
			log.Warn().Err(err).Str("module", "session").Msg("restore camera after screen end")
		}
	})

	m.mu.Lock()
	m.screenTrack = screen
	m.screenSharing = true
	m.mu.Unlock()
	return nil
}

// StopScreenSharing restores the camera video track. Idempotent.
func (m *Manager) StopScreenSharing() error {
	m.mu.Lock()
	if !m.screenSharing {
		m.mu.Unlock()
		return nil
	}
	screen := m.screenTrack
	m.screenTrack = nil
	m.screenSharing = false
	link := m.link
	camera := m.firstTrackLocked(TrackVideo)
	m.mu.Unlock()

	if screen != nil {
		screen.Stop()
	}
	if link == nil || camera == nil {
		return nil
	}
	return link.ReplaceVideoTrack(camera)
}

func (m *Manager) firstTrackLocked(kind TrackKind) LocalTrack {
	for _, t := range m.localTracks {
		if t.Kind() == kind {
			return t
		}
	}
	return nil
}

// SendMessage writes to the encrypted data channel. Returns false when
// the channel is not open; callers must check.
func (m *Manager) SendMessage(text string) bool {
	m.mu.Lock()
	dc := m.dataChannel
	m.mu.Unlock()
	if dc == nil || !dc.IsOpen() {
		return false
	}
	if err := dc.Send([]byte(text)); err != nil {
		log.Warn().Err(err).Str("module", "session").Msg("data channel send")
		return false
	}
	return true
}

// --- quality.Source ---

func (m *Manager) Stats() (domain.TransportStats, error) {
	m.mu.Lock()
	link := m.link
	m.mu.Unlock()
	if link == nil {
		return domain.TransportStats{}, errors.New("no live peer connection")
	}
	return link.Stats()
}

func (m *Manager) Failed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.link != nil && m.link.Failed()
}

// --- quality.Adapter ---

// ReduceVideoQuality renegotiates the outgoing encoding downward: half
// resolution, bitrate capped near 250kbps.
func (m *Manager) ReduceVideoQuality() {
	m.mu.Lock()
	link := m.link
	m.mu.Unlock()
	if link == nil {
		return
	}
	if err := link.SetVideoEncoding(250, 2); err != nil {
		log.Warn().Err(err).Str("module", "session").Msg("reduce video encoding")
	}
}

// Reconnect tears down and recreates the peer connection, re-adds local
// tracks and re-runs negotiation. Called by the quality monitor within
// its retry budget.
func (m *Manager) Reconnect() error {
	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		return ErrSessionClosed
	}
	if m.link != nil {
		m.link.Close()
		m.link = nil
	}
	m.dataChannel = nil
	m.remoteDescSet = false
	m.pendingCands = nil
	m.mu.Unlock()

	m.transition(StateReconnecting)

	m.mu.Lock()
	err := m.ensureLinkLocked()
	m.mu.Unlock()
	if err != nil {
		return err
	}
	if m.role == domain.RoleClinician {
		return m.initiateOffer()
	}
	return nil
}

// FallbackAudioOnly drops outgoing video after the reconnect budget is
// exhausted. The session survives in audio-only form but the lifecycle
// records the failure.
func (m *Manager) FallbackAudioOnly() {
	m.mu.Lock()
	m.audioOnly = true
	link := m.link
	video := m.tracksOfKindLocked(TrackVideo)
	m.mu.Unlock()

	if link != nil {
		if err := link.RemoveVideoTrack(); err != nil {
			log.Warn().Err(err).Str("module", "session").Msg("remove video track")
		}
	}
	for _, t := range video {
		t.Stop()
	}
	m.transition(StateFailed)
}

// AudioOnly reports whether the audio-only fallback is active.
func (m *Manager) AudioOnly() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.audioOnly
}

// --- state handling ---

func (m *Manager) onQualitySample(s domain.QualitySample) {
	switch {
	case s.Level == domain.QualityPoor || s.Level == domain.QualityCritical:
		if m.State() == StateConnected {
			m.transition(StateDegraded)
		}
	default:
		if m.State() == StateDegraded {
			m.transition(StateConnected)
		}
	}
	m.mu.Lock()
	observers := make([]func(domain.QualitySample), len(m.onQuality))
	copy(observers, m.onQuality)
	m.mu.Unlock()
	for _, fn := range observers {
		fn(s)
	}
}

func (m *Manager) transition(to State) {
	m.mu.Lock()
	from := m.state
	if from == to || !from.canTransition(to) {
		m.mu.Unlock()
		return
	}
	m.state = to
	observers := make([]func(State), len(m.onState))
	copy(observers, m.onState)
	m.mu.Unlock()

	log.Info().
		Str("module", "session").
		Str("session_id", string(m.sessionID)).
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("state transition")
	for _, fn := range observers {
		fn(to)
	}
}

// close releases every resource the session owns: monitor, timers,
// tracks, data channel, peer connection. Idempotent, callable from any
// state.
func (m *Manager) close(reason string) {
	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		return
	}
	from := m.state
	m.state = StateClosed
	link := m.link
	m.link = nil
	dc := m.dataChannel
	m.dataChannel = nil
	tracks := m.localTracks
	m.localTracks = nil
	screen := m.screenTrack
	m.screenTrack = nil
	m.screenSharing = false
	observers := make([]func(State), len(m.onState))
	copy(observers, m.onState)
	m.mu.Unlock()

	m.monitor.Stop()
	if m.timer != nil {
		m.timer.Cancel(m.sessionID)
	}
	if dc != nil {
		_ = dc.Close()
	}
	if screen != nil {
		screen.Stop()
	}
	for _, t := range tracks {
		t.Stop()
	}
	if link != nil {
		link.Close()
	}

	log.Info().
		Str("module", "session").
		Str("session_id", string(m.sessionID)).
		Str("from", string(from)).
		Str("reason", reason).
		Msg("session closed")
	m.auditor.Log(audit.Event{
		Type:      audit.EventSessionEnded,
		SessionID: m.sessionID,
		UserID:    m.userID,
		Role:      m.role,
		Details:   map[string]any{"reason": reason},
	})
	for _, fn := range observers {
		fn(StateClosed)
	}
}

func (m *Manager) notifyRemoteTrack(t RemoteTrack) {
	m.mu.Lock()
	observers := make([]func(RemoteTrack), len(m.onRemoteTrack))
	copy(observers, m.onRemoteTrack)
	m.mu.Unlock()
	for _, fn := range observers {
		fn(t)
	}
}

func (m *Manager) notifyMessage(data []byte) {
	m.mu.Lock()
	observers := make([]func([]byte), len(m.onMessage))
	copy(observers, m.onMessage)
	m.mu.Unlock()
	for _, fn := range observers {
		fn(data)
	}
}

func (m *Manager) notifyDegraded() {
	m.mu.Lock()
	observers := make([]func(), len(m.onDegraded))
	copy(observers, m.onDegraded)
	m.mu.Unlock()
	for _, fn := range observers {
		fn()
	}
}

func (m *Manager) auditError(op string, err error) {
	m.auditor.Log(audit.Event{
		Type:      audit.EventError,
		SessionID: m.sessionID,
		UserID:    m.userID,
		Details:   map[string]any{"op": op, "error": err.Error()},
	})
}
