package session

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carewire/telertc/internal/audit"
	"github.com/carewire/telertc/internal/domain"
	"github.com/carewire/telertc/internal/security"
	"github.com/carewire/telertc/internal/signaling"
)

// bus routes signaling messages between in-process endpoints the way the
// relay does, synchronously and in send order.
type bus struct {
	mu        sync.Mutex
	endpoints map[domain.UserID]*busEndpoint
}

func newBus() *bus {
	return &bus{endpoints: make(map[domain.UserID]*busEndpoint)}
}

func (b *bus) endpoint(uid domain.UserID) *busEndpoint {
	b.mu.Lock()
	defer b.mu.Unlock()
	ep := &busEndpoint{bus: b, userID: uid, handlers: make(map[domain.MessageType][]signaling.Handler)}
	b.endpoints[uid] = ep
	return ep
}

func (b *bus) deliver(msg domain.SignalingMessage) {
	b.mu.Lock()
	targets := make([]*busEndpoint, 0, len(b.endpoints))
	for uid, ep := range b.endpoints {
		if uid == msg.Sender {
			continue
		}
		if msg.Recipient != "" && msg.Recipient != uid {
			continue
		}
		targets = append(targets, ep)
	}
	b.mu.Unlock()
	for _, ep := range targets {
		ep.dispatch(msg)
	}
}

type busEndpoint struct {
	bus      *bus
	userID   domain.UserID
	mu       sync.Mutex
	handlers map[domain.MessageType][]signaling.Handler
}

func (ep *busEndpoint) Handle(t domain.MessageType, fn signaling.Handler) {
	ep.mu.Lock()
	ep.handlers[t] = append(ep.handlers[t], fn)
	ep.mu.Unlock()
}

func (ep *busEndpoint) dispatch(msg domain.SignalingMessage) {
	ep.mu.Lock()
	handlers := append([]signaling.Handler(nil), ep.handlers[msg.Type]...)
	ep.mu.Unlock()
	for _, fn := range handlers {
		fn(msg)
	}
}

func (ep *busEndpoint) send(t domain.MessageType, sid domain.SessionID, payload json.RawMessage, recipient domain.UserID) error {
	msg := domain.NewSignalingMessage(t, sid, ep.userID, payload)
	msg.Recipient = recipient
	ep.bus.deliver(msg)
	return nil
}

func (ep *busEndpoint) JoinSession(sid domain.SessionID, uid domain.UserID, role domain.Role) error {
	payload, _ := json.Marshal(domain.JoinPayload{Role: role})
	return ep.send(domain.MessageJoin, sid, payload, "")
}

func (ep *busEndpoint) LeaveSession(sid domain.SessionID, uid domain.UserID) error {
	return ep.send(domain.MessageLeave, sid, nil, "")
}

func (ep *busEndpoint) SendOffer(sid domain.SessionID, payload json.RawMessage, _, recipient domain.UserID) error {
	return ep.send(domain.MessageOffer, sid, payload, recipient)
}

func (ep *busEndpoint) SendAnswer(sid domain.SessionID, payload json.RawMessage, _, recipient domain.UserID) error {
	return ep.send(domain.MessageAnswer, sid, payload, recipient)
}

func (ep *busEndpoint) SendICECandidate(sid domain.SessionID, payload json.RawMessage, _, recipient domain.UserID) error {
	return ep.send(domain.MessageCandidate, sid, payload, recipient)
}

// fakeRawChannel pairs cross-wired in-memory data channels.
type fakeRawChannel struct {
	mu    sync.Mutex
	peer  *fakeRawChannel
	onMsg func([]byte)
	open  bool
}

func newRawChannelPair() (*fakeRawChannel, *fakeRawChannel) {
	a := &fakeRawChannel{open: true}
	b := &fakeRawChannel{open: true}
	a.peer, b.peer = b, a
	return a, b
}

func (c *fakeRawChannel) Send(data []byte) error {
	c.peer.mu.Lock()
	fn := c.peer.onMsg
	c.peer.mu.Unlock()
	if fn != nil {
		fn(data)
	}
	return nil
}

func (c *fakeRawChannel) OnMessage(fn func([]byte)) {
	c.mu.Lock()
	c.onMsg = fn
	c.mu.Unlock()
}

func (c *fakeRawChannel) Close() error {
	c.mu.Lock()
	c.open = false
	c.mu.Unlock()
	return nil
}

func (c *fakeRawChannel) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

// fakeLink simulates a peer connection: it emits candidatesPerSide
// candidates after producing a description and reports connected once
// the remote description and enough candidates have been applied.
type fakeLink struct {
	mu                sync.Mutex
	started           bool
	closed            bool
	remoteApplied     bool
	candidatesApplied int
	candidatesPerSide int
	tracks            []LocalTrack
	videoTrack        LocalTrack
	videoRemoved      bool
	encodingKbps      int
	encodingScale     int
	failed            bool

	outgoingDC *fakeRawChannel
	incomingDC *fakeRawChannel

	onICE     func(webrtc.ICECandidateInit)
	onState   func(LinkState)
	onTrack   func(RemoteTrack)
	onChannel func(security.RawChannel)
}

func newFakeLink() *fakeLink {
	return &fakeLink{candidatesPerSide: 3}
}

func (l *fakeLink) Start(context.Context) error {
	l.mu.Lock()
	l.started = true
	l.mu.Unlock()
	return nil
}

func (l *fakeLink) Close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
}

func (l *fakeLink) emitCandidates() {
	for i := 0; i < l.candidatesPerSide; i++ {
		if l.onICE != nil {
			l.onICE(webrtc.ICECandidateInit{Candidate: "candidate:fake"})
		}
	}
}

func (l *fakeLink) CreateOffer() (*webrtc.SessionDescription, error) {
	desc := &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"}
	l.emitCandidates()
	return desc, nil
}

func (l *fakeLink) ApplyOfferAndCreateAnswer(webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	l.mu.Lock()
	l.remoteApplied = true
	l.mu.Unlock()
	desc := &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}
	l.emitCandidates()
	return desc, nil
}

func (l *fakeLink) ApplyAnswer(webrtc.SessionDescription) error {
	l.mu.Lock()
	l.remoteApplied = true
	l.mu.Unlock()
	l.maybeConnect()
	return nil
}

func (l *fakeLink) AddICECandidate(webrtc.ICECandidateInit) error {
	l.mu.Lock()
	l.candidatesApplied++
	l.mu.Unlock()
	l.maybeConnect()
	return nil
}

func (l *fakeLink) maybeConnect() {
	l.mu.Lock()
	ready := l.remoteApplied && l.candidatesApplied >= l.candidatesPerSide && !l.closed
	onState := l.onState
	onChannel := l.onChannel
	incoming := l.incomingDC
	l.mu.Unlock()
	if !ready {
		return
	}
	if incoming != nil && onChannel != nil {
		onChannel(incoming)
	}
	if onState != nil {
		onState(LinkConnected)
	}
}

func (l *fakeLink) OnICECandidate(fn func(webrtc.ICECandidateInit)) { l.onICE = fn }
func (l *fakeLink) OnConnectionState(fn func(LinkState))            { l.onState = fn }
func (l *fakeLink) OnRemoteTrack(fn func(RemoteTrack))              { l.onTrack = fn }
func (l *fakeLink) OnDataChannel(fn func(security.RawChannel))      { l.onChannel = fn }

func (l *fakeLink) AddLocalTrack(t LocalTrack) error {
	l.mu.Lock()
	l.tracks = append(l.tracks, t)
	if t.Kind() == TrackVideo {
		l.videoTrack = t
	}
	l.mu.Unlock()
	return nil
}

func (l *fakeLink) ReplaceVideoTrack(t LocalTrack) error {
	l.mu.Lock()
	l.videoTrack = t
	l.mu.Unlock()
	return nil
}

func (l *fakeLink) RemoveVideoTrack() error {
	l.mu.Lock()
	l.videoTrack = nil
	l.videoRemoved = true
	l.mu.Unlock()
	return nil
}

func (l *fakeLink) SetVideoEncoding(kbps, scale int) error {
	l.mu.Lock()
	l.encodingKbps = kbps
	l.encodingScale = scale
	l.mu.Unlock()
	return nil
}

func (l *fakeLink) CreateDataChannel(string) (security.RawChannel, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.outgoingDC == nil {
		l.outgoingDC, _ = newRawChannelPair()
	}
	return l.outgoingDC, nil
}

func (l *fakeLink) Stats() (domain.TransportStats, error) {
	return domain.TransportStats{Timestamp: time.Now()}, nil
}

func (l *fakeLink) Failed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.failed
}

// fakeTrack is a local media track with no real capture behind it.
type fakeTrack struct {
	id      string
	kind    TrackKind
	mu      sync.Mutex
	muted   bool
	stopped bool
	onEnded func()
}

func (t *fakeTrack) ID() string      { return t.id }
func (t *fakeTrack) Kind() TrackKind { return t.kind }

func (t *fakeTrack) SetMuted(m bool) {
	t.mu.Lock()
	t.muted = m
	t.mu.Unlock()
}

func (t *fakeTrack) Muted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.muted
}

func (t *fakeTrack) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}

func (t *fakeTrack) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

func (t *fakeTrack) OnEnded(fn func()) {
	t.mu.Lock()
	t.onEnded = fn
	t.mu.Unlock()
}

type fakeMedia struct {
	caps        Capabilities
	screenTrack *fakeTrack
}

func newFakeMedia() *fakeMedia {
	return &fakeMedia{caps: Capabilities{Audio: true, Video: true, ScreenCapture: true}}
}

func (m *fakeMedia) Capabilities() Capabilities { return m.caps }

func (m *fakeMedia) AcquireTracks(c MediaConstraints) ([]LocalTrack, error) {
	var out []LocalTrack
	if c.Audio {
		out = append(out, &fakeTrack{id: "audio-1", kind: TrackAudio})
	}
	if c.Video {
		out = append(out, &fakeTrack{id: "video-1", kind: TrackVideo})
	}
	return out, nil
}

func (m *fakeMedia) AcquireScreenTrack() (LocalTrack, error) {
	m.screenTrack = &fakeTrack{id: "screen-1", kind: TrackVideo}
	return m.screenTrack, nil
}

type peerFixture struct {
	manager *Manager
	link    *fakeLink
	media   *fakeMedia
	store   *audit.MemoryStore
}

func newPeer(t *testing.T, b *bus, sid domain.SessionID, uid domain.UserID, role domain.Role, link *fakeLink) *peerFixture {
	t.Helper()
	store := audit.NewMemoryStore()
	media := newFakeMedia()
	m := NewManager(Params{
		SessionID:      sid,
		UserID:         uid,
		Role:           role,
		Transport:      b.endpoint(uid),
		Links:          func() (PeerLink, error) { return link, nil },
		Media:          media,
		Auditor:        audit.NewLogger(store, nil),
		SampleInterval: time.Hour,
	})
	require.NoError(t, m.InitializeLocalMedia(DefaultConstraints()))
	return &peerFixture{manager: m, link: link, media: media, store: store}
}

func connectPair(t *testing.T) (clinician, patient *peerFixture) {
	t.Helper()
	b := newBus()
	clinLink := newFakeLink()
	patLink := newFakeLink()
	dcA, dcB := newRawChannelPair()
	clinLink.outgoingDC = dcA
	patLink.incomingDC = dcB

	clinician = newPeer(t, b, "s1", "dr-a", domain.RoleClinician, clinLink)
	patient = newPeer(t, b, "s1", "pt-b", domain.RolePatient, patLink)

	require.NoError(t, clinician.manager.JoinSession(context.Background()))
	require.NoError(t, patient.manager.JoinSession(context.Background()))
	return clinician, patient
}

func TestManager_TwoPeerNegotiation(t *testing.T) {
	clinician, patient := connectPair(t)

	assert.Equal(t, StateConnected, clinician.manager.State())
	assert.Equal(t, StateConnected, patient.manager.State())

	// Both sides applied the other's trickled candidates.
	assert.Equal(t, 3, clinician.link.candidatesApplied)
	assert.Equal(t, 3, patient.link.candidatesApplied)

	// Local tracks were attached before negotiation.
	assert.Len(t, clinician.link.tracks, 2)
	assert.Len(t, patient.link.tracks, 2)
}

func TestManager_CandidatesBeforeDescriptionAreBuffered(t *testing.T) {
	b := newBus()
	link := newFakeLink()
	clinician := newPeer(t, b, "s1", "dr-a", domain.RoleClinician, link)
	require.NoError(t, clinician.manager.JoinSession(context.Background()))

	// A candidate arriving before any offer exchange must not be lost
	// and must not panic a link-less manager.
	payload, _ := json.Marshal(webrtc.ICECandidateInit{Candidate: "candidate:early"})
	msg := domain.NewSignalingMessage(domain.MessageCandidate, "s1", "pt-b", payload)
	b.deliver(msg)

	clinician.manager.mu.Lock()
	buffered := len(clinician.manager.pendingCands)
	clinician.manager.mu.Unlock()
	assert.Equal(t, 1, buffered)
}

func TestManager_DataChannelEndToEnd(t *testing.T) {
	clinician, patient := connectPair(t)

	var received []string
	var mu sync.Mutex
	patient.manager.OnMessage(func(data []byte) {
		mu.Lock()
		received = append(received, string(data))
		mu.Unlock()
	})

	ok := clinician.manager.SendMessage("bp reading looks fine")
	require.True(t, ok)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1, "channel key from the offer must decrypt the frame")
	assert.Equal(t, "bp reading looks fine", received[0])
}

func TestManager_SendMessageWithoutChannel(t *testing.T) {
	b := newBus()
	clinician := newPeer(t, b, "s1", "dr-a", domain.RoleClinician, newFakeLink())
	assert.False(t, clinician.manager.SendMessage("too early"))
}

func TestManager_LeaveClosesBothSides(t *testing.T) {
	clinician, patient := connectPair(t)

	patient.manager.LeaveSession()

	assert.Equal(t, StateClosed, patient.manager.State())
	assert.Equal(t, StateClosed, clinician.manager.State(), "remote leave closes the peer")
	assert.True(t, patient.link.closed)
	assert.True(t, clinician.link.closed)
	assert.False(t, patient.manager.Monitor().Running())

	// All local media released.
	for _, tr := range patient.link.tracks {
		assert.True(t, tr.(*fakeTrack).Stopped())
	}

	// Further sends fail cleanly; a second leave is a no-op.
	assert.False(t, patient.manager.SendMessage("after close"))
	patient.manager.LeaveSession()
}

func TestManager_LeaveBeforeConnectIsSafe(t *testing.T) {
	b := newBus()
	clinician := newPeer(t, b, "s1", "dr-a", domain.RoleClinician, newFakeLink())
	require.NoError(t, clinician.manager.JoinSession(context.Background()))

	clinician.manager.LeaveSession()
	assert.Equal(t, StateClosed, clinician.manager.State())
}

func TestManager_ToggleMuting(t *testing.T) {
	clinician, _ := connectPair(t)

	assert.True(t, clinician.manager.ToggleAudio())
	assert.True(t, clinician.manager.ToggleVideo())

	for _, tr := range clinician.link.tracks {
		assert.True(t, tr.(*fakeTrack).Muted())
	}

	assert.False(t, clinician.manager.ToggleAudio())
	assert.False(t, clinician.manager.ToggleVideo())
	for _, tr := range clinician.link.tracks {
		assert.False(t, tr.(*fakeTrack).Muted())
	}
}

func TestManager_ScreenSharingSubstitutesVideo(t *testing.T) {
	clinician, _ := connectPair(t)

	require.NoError(t, clinician.manager.StartScreenSharing())
	assert.Equal(t, "screen-1", clinician.link.videoTrack.ID())

	require.NoError(t, clinician.manager.StopScreenSharing())
	assert.Equal(t, "video-1", clinician.link.videoTrack.ID())
	assert.True(t, clinician.media.screenTrack.Stopped())

	// Idempotent stop.
	require.NoError(t, clinician.manager.StopScreenSharing())
}

func TestManager_ScreenCaptureEndRestoresCamera(t *testing.T) {
	clinician, _ := connectPair(t)

	require.NoError(t, clinician.manager.StartScreenSharing())
	screen := clinician.media.screenTrack

	// Capture ends on its own (user stopped sharing at the OS level).
	screen.mu.Lock()
	ended := screen.onEnded
	screen.mu.Unlock()
	require.NotNil(t, ended)
	ended()

	assert.Equal(t, "video-1", clinician.link.videoTrack.ID())
}

func TestManager_ReduceVideoQuality(t *testing.T) {
	clinician, _ := connectPair(t)

	clinician.manager.ReduceVideoQuality()
	assert.Equal(t, 250, clinician.link.encodingKbps)
	assert.Equal(t, 2, clinician.link.encodingScale)
}

func TestManager_FallbackAudioOnly(t *testing.T) {
	clinician, _ := connectPair(t)

	clinician.manager.FallbackAudioOnly()

	assert.True(t, clinician.manager.AudioOnly())
	assert.True(t, clinician.link.videoRemoved)
	assert.Equal(t, StateFailed, clinician.manager.State())

	for _, tr := range clinician.link.tracks {
		if tr.Kind() == TrackVideo {
			assert.True(t, tr.(*fakeTrack).Stopped())
		}
	}
}

func TestManager_ReconnectRebuildsLink(t *testing.T) {
	b := newBus()
	firstLink := newFakeLink()
	secondLink := newFakeLink()
	links := []*fakeLink{firstLink, secondLink}
	created := 0

	store := audit.NewMemoryStore()
	media := newFakeMedia()
	m := NewManager(Params{
		SessionID: "s1",
		UserID:    "dr-a",
		Role:      domain.RoleClinician,
		Transport: b.endpoint("dr-a"),
		Links: func() (PeerLink, error) {
			link := links[created]
			created++
			return link, nil
		},
		Media:          media,
		Auditor:        audit.NewLogger(store, nil),
		SampleInterval: time.Hour,
	})
	require.NoError(t, m.InitializeLocalMedia(DefaultConstraints()))
	require.NoError(t, m.JoinSession(context.Background()))
	require.NoError(t, m.CreatePeerConnection())
	require.Equal(t, 1, created)

	require.NoError(t, m.Reconnect())

	assert.Equal(t, 2, created, "reconnection builds a fresh peer connection")
	assert.True(t, firstLink.closed)
	assert.Len(t, secondLink.tracks, 2, "local tracks re-attached after rebuild")
}

func TestManager_SessionTimeoutTerminates(t *testing.T) {
	b := newBus()
	store := audit.NewMemoryStore()
	auditor := audit.NewLogger(store, nil)
	media := newFakeMedia()
	m := NewManager(Params{
		SessionID:      "s1",
		UserID:         "dr-a",
		Role:           domain.RoleClinician,
		Transport:      b.endpoint("dr-a"),
		Links:          func() (PeerLink, error) { return newFakeLink(), nil },
		Media:          media,
		Auditor:        auditor,
		Timer:          security.NewSessionTimer(auditor),
		SessionTimeout: 30 * time.Millisecond,
		SampleInterval: time.Hour,
	})
	require.NoError(t, m.InitializeLocalMedia(DefaultConstraints()))
	require.NoError(t, m.JoinSession(context.Background()))

	assert.Eventually(t, func() bool {
		return m.State() == StateClosed
	}, 2*time.Second, 10*time.Millisecond)

	types := []string{}
	for _, e := range store.Events() {
		types = append(types, e.Type)
	}
	assert.Contains(t, types, audit.EventSessionTimeout)
	assert.Contains(t, types, audit.EventSessionEnded)
}

func TestManager_IgnoresOtherSessions(t *testing.T) {
	b := newBus()
	link := newFakeLink()
	clinician := newPeer(t, b, "s1", "dr-a", domain.RoleClinician, link)
	require.NoError(t, clinician.manager.JoinSession(context.Background()))

	payload, _ := json.Marshal(domain.JoinPayload{Role: domain.RolePatient})
	msg := domain.NewSignalingMessage(domain.MessageJoin, "other-session", "pt-x", payload)
	b.deliver(msg)

	assert.False(t, link.started, "foreign session join must not start negotiation")
}

func TestState_Transitions(t *testing.T) {
	tests := []struct {
		from, to State
		ok       bool
	}{
		{StateNew, StateNegotiating, true},
		{StateNegotiating, StateConnected, true},
		{StateConnected, StateDegraded, true},
		{StateDegraded, StateConnected, true},
		{StateConnected, StateReconnecting, true},
		{StateReconnecting, StateConnected, true},
		{StateReconnecting, StateFailed, true},
		{StateFailed, StateClosed, true},
		{StateNew, StateConnected, false},
		{StateClosed, StateNegotiating, false},
		{StateFailed, StateConnected, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.ok, tt.from.canTransition(tt.to), "%s -> %s", tt.from, tt.to)
	}
}
