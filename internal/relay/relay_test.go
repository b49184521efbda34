package relay

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carewire/telertc/internal/audit"
	"github.com/carewire/telertc/internal/config"
	"github.com/carewire/telertc/internal/domain"
	"github.com/carewire/telertc/internal/security"
)

type relayFixture struct {
	srv    *httptest.Server
	tokens *security.TokenService
	store  *audit.MemoryStore
}

func newRelayFixture(t *testing.T) *relayFixture {
	t.Helper()
	store := audit.NewMemoryStore()
	auditor := audit.NewLogger(store, nil)
	tokens := security.NewTokenService("test-secret", time.Hour)
	access := security.NewAccessControl(security.StaticPolicy{}, auditor, true)

	cfg := &config.Config{Mode: "release", Secret: "test-secret"}
	ctl := NewController(tokens, access, auditor)
	provisioner := NewSessionHandler(tokens, nil, auditor, time.Hour)

	srv := httptest.NewServer(SetupRouter(cfg, ctl, provisioner))
	t.Cleanup(srv.Close)
	return &relayFixture{srv: srv, tokens: tokens, store: store}
}

func (f *relayFixture) wsURL(token string) string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/api/ws/signal?token=" + token
}

func (f *relayFixture) dial(t *testing.T, uid domain.UserID, sid domain.SessionID) *websocket.Conn {
	t.Helper()
	token, err := f.tokens.Issue(uid, sid)
	require.NoError(t, err)
	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL(token), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func join(t *testing.T, conn *websocket.Conn, sid domain.SessionID, uid domain.UserID, role domain.Role) {
	t.Helper()
	payload, _ := json.Marshal(domain.JoinPayload{Role: role})
	msg := domain.NewSignalingMessage(domain.MessageJoin, sid, uid, payload)
	require.NoError(t, conn.WriteJSON(msg))
}

func readMsg(t *testing.T, conn *websocket.Conn) domain.SignalingMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg domain.SignalingMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func expectNoMsg(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(150*time.Millisecond)))
	var msg domain.SignalingMessage
	err := conn.ReadJSON(&msg)
	require.Error(t, err, "unexpected message %+v", msg)
}

func TestRelay_RejectsMissingToken(t *testing.T) {
	f := newRelayFixture(t)
	_, resp, err := websocket.DefaultDialer.Dial(f.wsURL(""), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Auth failures feed the audit trail.
	events := f.store.Events()
	require.NotEmpty(t, events)
	assert.Equal(t, audit.EventAuthFailed, events[0].Type)
}

func TestRelay_RejectsForeignToken(t *testing.T) {
	f := newRelayFixture(t)
	other := security.NewTokenService("other-secret", time.Hour)
	token, err := other.Issue("u1", "s1")
	require.NoError(t, err)

	_, resp, err := websocket.DefaultDialer.Dial(f.wsURL(token), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRelay_JoinFanOutAndRosterReplay(t *testing.T) {
	f := newRelayFixture(t)
	clin := f.dial(t, "dr-a", "s1")
	pat := f.dial(t, "pt-b", "s1")

	join(t, clin, "s1", "dr-a", domain.RoleClinician)
	// Give the first join time to register before the second arrives.
	time.Sleep(50 * time.Millisecond)
	join(t, pat, "s1", "pt-b", domain.RolePatient)

	// Existing participant learns about the newcomer.
	msg := readMsg(t, clin)
	assert.Equal(t, domain.MessageJoin, msg.Type)
	assert.EqualValues(t, "pt-b", msg.Sender)

	// Newcomer gets the roster replay for the earlier participant.
	msg = readMsg(t, pat)
	assert.Equal(t, domain.MessageJoin, msg.Type)
	assert.EqualValues(t, "dr-a", msg.Sender)
	var p domain.JoinPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &p))
	assert.Equal(t, domain.RoleClinician, p.Role)
}

func TestRelay_RoutesAddressedMessages(t *testing.T) {
	f := newRelayFixture(t)
	clin := f.dial(t, "dr-a", "s1")
	pat := f.dial(t, "pt-b", "s1")
	bystander := f.dial(t, "dr-c", "s2")

	join(t, clin, "s1", "dr-a", domain.RoleClinician)
	time.Sleep(50 * time.Millisecond)
	join(t, pat, "s1", "pt-b", domain.RolePatient)
	join(t, bystander, "s2", "dr-c", domain.RoleClinician)
	readMsg(t, clin) // pt-b join
	readMsg(t, pat)  // roster replay

	offer := domain.NewSignalingMessage(domain.MessageOffer, "s1", "dr-a", json.RawMessage(`{"sdp":"x"}`))
	offer.Recipient = "pt-b"
	require.NoError(t, clin.WriteJSON(offer))

	got := readMsg(t, pat)
	assert.Equal(t, domain.MessageOffer, got.Type)
	assert.EqualValues(t, "dr-a", got.Sender)

	// Another session never sees s1 traffic.
	expectNoMsg(t, bystander)
}

func TestRelay_DropsSpoofedSender(t *testing.T) {
	f := newRelayFixture(t)
	clin := f.dial(t, "dr-a", "s1")
	pat := f.dial(t, "pt-b", "s1")

	join(t, clin, "s1", "dr-a", domain.RoleClinician)
	time.Sleep(50 * time.Millisecond)
	join(t, pat, "s1", "pt-b", domain.RolePatient)
	readMsg(t, clin)
	readMsg(t, pat)

	// dr-a's connection claims to speak as pt-b.
	spoofed := domain.NewSignalingMessage(domain.MessageOffer, "s1", "pt-b", nil)
	require.NoError(t, clin.WriteJSON(spoofed))

	expectNoMsg(t, pat)
	assert.Eventually(t, func() bool {
		for _, e := range f.store.Events() {
			if e.Type == audit.EventUnauthorized {
				return true
			}
		}
		return false
	}, 2*time.Second, 20*time.Millisecond)
}

func TestRelay_DisconnectSynthesizesLeave(t *testing.T) {
	f := newRelayFixture(t)
	clin := f.dial(t, "dr-a", "s1")
	pat := f.dial(t, "pt-b", "s1")

	join(t, clin, "s1", "dr-a", domain.RoleClinician)
	time.Sleep(50 * time.Millisecond)
	join(t, pat, "s1", "pt-b", domain.RolePatient)
	readMsg(t, clin)
	readMsg(t, pat)

	// Patient vanishes without a leave message.
	pat.Close()

	msg := readMsg(t, clin)
	assert.Equal(t, domain.MessageLeave, msg.Type)
	assert.EqualValues(t, "pt-b", msg.Sender)
}

func TestSessionHandler_Create(t *testing.T) {
	f := newRelayFixture(t)

	body, _ := json.Marshal(CreateSessionRequest{ClinicianID: "dr-a", PatientID: "pt-b", TTLMinutes: 30})
	resp, err := http.Post(f.srv.URL+"/api/sessions", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var out CreateSessionResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.NotEmpty(t, out.SessionID)
	require.Len(t, out.Tokens, 2)

	claims, err := f.tokens.Verify(out.Tokens["CLINICIAN"])
	require.NoError(t, err)
	assert.EqualValues(t, "dr-a", claims.UserID)
	assert.EqualValues(t, out.SessionID, claims.SessionID)

	claims, err = f.tokens.Verify(out.Tokens["PATIENT"])
	require.NoError(t, err)
	assert.EqualValues(t, "pt-b", claims.UserID)
}

func TestSessionHandler_CreateRejectsMissingIDs(t *testing.T) {
	f := newRelayFixture(t)
	resp, err := http.Post(f.srv.URL+"/api/sessions", "application/json", strings.NewReader(`{"clinicianId":"dr-a"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRegistry_ReconnectReplacesConnection(t *testing.T) {
	r := NewRegistry()
	first := &wsConn{send: make(chan []byte, 1)}
	second := &wsConn{send: make(chan []byte, 1)}

	prev := r.Join("s1", "u1", domain.RoleClinician, first)
	assert.Nil(t, prev)

	prev = r.Join("s1", "u1", domain.RoleClinician, second)
	assert.Same(t, first, prev, "older connection is handed back for closing")
	assert.Equal(t, 1, r.Size("s1"))

	// The stale connection cannot remove the new registration.
	assert.False(t, r.Leave("s1", "u1", first))
	assert.Equal(t, 1, r.Size("s1"))
	assert.True(t, r.Leave("s1", "u1", second))
	assert.Zero(t, r.Size("s1"))
}

func TestRegistry_PeersExcludesSelf(t *testing.T) {
	r := NewRegistry()
	a := &wsConn{send: make(chan []byte, 1)}
	b := &wsConn{send: make(chan []byte, 1)}
	r.Join("s1", "u1", domain.RoleClinician, a)
	r.Join("s1", "u2", domain.RolePatient, b)

	peers := r.Peers("s1", "u1")
	require.Len(t, peers, 1)
	assert.EqualValues(t, "u2", peers[0].userID)
}
