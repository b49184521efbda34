// Package relay is the signaling server: it authenticates websocket
// clients, registers them per session and forwards negotiation messages
// between the two participants. Payloads are opaque to the relay.
package relay

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/carewire/telertc/internal/audit"
	"github.com/carewire/telertc/internal/domain"
	"github.com/carewire/telertc/internal/security"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendQueue      = 32
)

var ErrBackpressure = errors.New("backpressure")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Browser origin enforcement happens in the access layer before the
	// upgrade; the handshake itself accepts any origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Controller serves the signaling websocket endpoint.
type Controller struct {
	tokens   *security.TokenService
	access   *security.AccessControl
	auditor  *audit.Logger
	registry *Registry
}

func NewController(tokens *security.TokenService, access *security.AccessControl, auditor *audit.Logger) *Controller {
	return &Controller{
		tokens:   tokens,
		access:   access,
		auditor:  auditor,
		registry: NewRegistry(),
	}
}

// Registry exposes the participant table, mainly for tests and the
// health endpoint.
func (ctl *Controller) Registry() *Registry { return ctl.registry }

// wsConn is one client connection with a bounded outbound queue.
type wsConn struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	closed bool
}

func newWSConn(conn *websocket.Conn) *wsConn {
	return &wsConn{conn: conn, send: make(chan []byte, sendQueue)}
}

// TrySend queues without blocking; a slow consumer gets dropped frames
// rather than stalling the relay.
func (c *wsConn) TrySend(data []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- data:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *wsConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

// HandleSignal authenticates the request and runs the connection pumps.
// Token and origin are rejected before the websocket upgrade so failed
// handshakes stay observable as plain HTTP errors.
func (ctl *Controller) HandleSignal(c *gin.Context) {
	claims, err := ctl.tokens.Verify(c.Query("token"))
	if err != nil {
		ctl.auditor.Log(audit.Event{
			Type:    audit.EventAuthFailed,
			UserID:  domain.UserID(c.GetString("client_token")),
			Details: map[string]any{"error": err.Error(), "remote": c.ClientIP()},
		})
		status := http.StatusUnauthorized
		if errors.Is(err, security.ErrTokenExpired) {
			c.JSON(status, gin.H{"error": "token expired"})
		} else {
			c.JSON(status, gin.H{"error": "invalid token"})
		}
		return
	}

	if origin := c.GetHeader("Origin"); origin != "" {
		if err := ctl.access.CheckOriginRestriction(c.Request.Context(), claims.UserID, origin); err != nil {
			c.JSON(http.StatusForbidden, gin.H{"error": "origin not allowed"})
			return
		}
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("ws upgrade")
		return
	}
	log.Info().
		Str("module", "relay").
		Str("session_id", string(claims.SessionID)).
		Str("user_id", string(claims.UserID)).
		Msg("ws connection")

	conn := newWSConn(ws)
	go ctl.writePump(conn)
	ctl.readPump(claims, conn)
}

func (ctl *Controller) writePump(c *wsConn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Warn().Err(err).Str("module", "relay").Msg("write error")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (ctl *Controller) readPump(claims *security.Claims, c *wsConn) {
	var joined bool
	defer func() {
		if joined {
			ctl.dropParticipant(claims.SessionID, claims.UserID, c)
		}
		c.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Str("module", "relay").Msg("read error")
			}
			return
		}
		var msg domain.SignalingMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Warn().Err(err).Str("module", "relay").Msg("bad frame")
			continue
		}
		// The claim binds the connection to one session and one identity;
		// anything else on the wire is spoofing.
		if msg.SessionID != claims.SessionID || msg.Sender != claims.UserID {
			ctl.auditor.Log(audit.Event{
				Type:      audit.EventUnauthorized,
				SessionID: claims.SessionID,
				UserID:    claims.UserID,
				Details: map[string]any{
					"claimed_session": string(msg.SessionID),
					"claimed_sender":  string(msg.Sender),
				},
			})
			continue
		}

		switch msg.Type {
		case domain.MessageJoin:
			ctl.handleJoin(c, msg, data)
			joined = true
		case domain.MessageLeave:
			ctl.forwardToPeers(msg.SessionID, msg.Sender, data)
			if joined {
				ctl.registry.Leave(msg.SessionID, msg.Sender, c)
				joined = false
			}
		case domain.MessageOffer, domain.MessageAnswer, domain.MessageCandidate:
			ctl.route(msg, data)
		default:
			log.Warn().Str("module", "relay").Str("type", string(msg.Type)).Msg("unknown signal")
		}
	}
}

// handleJoin registers the participant, tells existing peers about the
// newcomer and replays the existing roster to the newcomer so both sides
// converge on who is present regardless of arrival order.
func (ctl *Controller) handleJoin(c *wsConn, msg domain.SignalingMessage, raw []byte) {
	var p domain.JoinPayload
	_ = json.Unmarshal(msg.Payload, &p)

	existing := ctl.registry.Peers(msg.SessionID, msg.Sender)
	if prev := ctl.registry.Join(msg.SessionID, msg.Sender, p.Role, c); prev != nil {
		prev.Close()
	}

	ctl.forwardToPeers(msg.SessionID, msg.Sender, raw)

	for _, peer := range existing {
		payload, _ := json.Marshal(domain.JoinPayload{Role: peer.role})
		replay := domain.NewSignalingMessage(domain.MessageJoin, msg.SessionID, peer.userID, payload)
		ctl.sendTo(c, replay)
	}
}

// route delivers an addressed message to its recipient, or to every
// other participant when no recipient is set.
func (ctl *Controller) route(msg domain.SignalingMessage, raw []byte) {
	if msg.Recipient != "" {
		if peer, ok := ctl.registry.Peer(msg.SessionID, msg.Recipient); ok {
			if err := peer.conn.TrySend(raw); err != nil {
				log.Warn().Err(err).Str("module", "relay").Str("to", string(msg.Recipient)).Msg("route drop")
			}
		}
		return
	}
	ctl.forwardToPeers(msg.SessionID, msg.Sender, raw)
}

func (ctl *Controller) forwardToPeers(sid domain.SessionID, from domain.UserID, raw []byte) {
	for _, peer := range ctl.registry.Peers(sid, from) {
		if err := peer.conn.TrySend(raw); err != nil {
			log.Warn().Err(err).Str("module", "relay").Str("to", string(peer.userID)).Msg("forward drop")
		}
	}
}

func (ctl *Controller) sendTo(c *wsConn, msg domain.SignalingMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if err := c.TrySend(data); err != nil {
		log.Warn().Err(err).Str("module", "relay").Msg("send drop")
	}
}

// dropParticipant synthesizes a leave when a connection dies without
// saying goodbye, so the peer tears its session down instead of waiting.
func (ctl *Controller) dropParticipant(sid domain.SessionID, uid domain.UserID, c *wsConn) {
	if !ctl.registry.Leave(sid, uid, c) {
		return
	}
	leave := domain.NewSignalingMessage(domain.MessageLeave, sid, uid, nil)
	data, _ := json.Marshal(leave)
	ctl.forwardToPeers(sid, uid, data)
	ctl.auditor.Log(audit.Event{
		Type:      audit.EventConnectionFailed,
		SessionID: sid,
		UserID:    uid,
		Details:   map[string]any{"reason": "signaling connection lost"},
	})
}
