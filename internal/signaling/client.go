// Package signaling maintains the durable websocket channel to the relay
// and dispatches session-control messages. It owns no reconnect policy:
// a drop surfaces to the owner via the disconnect callback and all sends
// fail fast until Connect is called again.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/carewire/telertc/internal/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

var ErrNotConnected = errors.New("not connected to signaling relay")

// Handler consumes one incoming message. Handlers for a session run on
// the single reader goroutine, so arrival order per sender is preserved.
type Handler func(domain.SignalingMessage)

// Client is the websocket signaling transport.
type Client struct {
	relayURL string
	token    string

	mu           sync.RWMutex
	conn         *websocket.Conn
	connected    bool
	send         chan domain.SignalingMessage
	done         chan struct{}
	handlers     map[domain.MessageType][]Handler
	onDisconnect func(error)
}

func NewClient(relayURL, token string) *Client {
	return &Client{
		relayURL: relayURL,
		token:    token,
		handlers: make(map[domain.MessageType][]Handler),
	}
}

// Handle registers a listener for a message type. Registration must
// happen before Connect; the reader does not lock per message.
func (c *Client) Handle(t domain.MessageType, fn Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[t] = append(c.handlers[t], fn)
}

// OnDisconnect registers the owner's disconnect observer.
func (c *Client) OnDisconnect(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDisconnect = fn
}

// Connect establishes the relay channel. Idempotent while connected.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	dialer := *websocket.DefaultDialer
	url := c.relayURL
	if c.token != "" {
		url = fmt.Sprintf("%s?token=%s", c.relayURL, c.token)
	}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial signaling relay: %w", err)
	}

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.send = make(chan domain.SignalingMessage, 32)
	c.done = make(chan struct{})
	c.mu.Unlock()

	go c.readPump(conn)
	go c.writePump(conn)

	log.Info().Str("module", "signaling").Str("relay", c.relayURL).Msg("connected")
	return nil
}

// Close tears the channel down without notifying the disconnect observer.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return
	}
	c.connected = false
	close(c.done)
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	_ = c.conn.Close()
}

func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// JoinSession emits the join control message.
func (c *Client) JoinSession(sessionID domain.SessionID, userID domain.UserID, role domain.Role) error {
	payload, _ := json.Marshal(domain.JoinPayload{Role: role})
	return c.trySend(domain.NewSignalingMessage(domain.MessageJoin, sessionID, userID, payload))
}

// LeaveSession emits the leave control message.
func (c *Client) LeaveSession(sessionID domain.SessionID, userID domain.UserID) error {
	return c.trySend(domain.NewSignalingMessage(domain.MessageLeave, sessionID, userID, nil))
}

func (c *Client) SendOffer(sessionID domain.SessionID, payload json.RawMessage, sender, recipient domain.UserID) error {
	msg := domain.NewSignalingMessage(domain.MessageOffer, sessionID, sender, payload)
	msg.Recipient = recipient
	return c.trySend(msg)
}

func (c *Client) SendAnswer(sessionID domain.SessionID, payload json.RawMessage, sender, recipient domain.UserID) error {
	msg := domain.NewSignalingMessage(domain.MessageAnswer, sessionID, sender, payload)
	msg.Recipient = recipient
	return c.trySend(msg)
}

func (c *Client) SendICECandidate(sessionID domain.SessionID, payload json.RawMessage, sender, recipient domain.UserID) error {
	msg := domain.NewSignalingMessage(domain.MessageCandidate, sessionID, sender, payload)
	msg.Recipient = recipient
	return c.trySend(msg)
}

// trySend fails fast when disconnected: session-control messages must not
// queue silently behind a dead transport.
func (c *Client) trySend(msg domain.SignalingMessage) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.connected {
		return ErrNotConnected
	}
	select {
	case c.send <- msg:
		return nil
	default:
		return fmt.Errorf("%w: send buffer full", ErrNotConnected)
	}
}

func (c *Client) readPump(conn *websocket.Conn) {
	defer c.markDisconnected(nil)
	for {
		var msg domain.SignalingMessage
		if err := conn.ReadJSON(&msg); err != nil {
			c.markDisconnected(err)
			return
		}
		c.dispatch(msg)
	}
}

func (c *Client) dispatch(msg domain.SignalingMessage) {
	c.mu.RLock()
	handlers := c.handlers[msg.Type]
	c.mu.RUnlock()
	if len(handlers) == 0 {
		log.Warn().Str("module", "signaling").Str("type", string(msg.Type)).Msg("unhandled signal")
		return
	}
	for _, fn := range handlers {
		fn(msg)
	}
}

func (c *Client) writePump(conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(msg); err != nil {
				log.Error().Err(err).Str("module", "signaling").Msg("write signal")
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// markDisconnected flips state once and notifies the owner, who decides
// reconnect policy.
func (c *Client) markDisconnected(err error) {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return
	}
	c.connected = false
	close(c.done)
	_ = c.conn.Close()
	cb := c.onDisconnect
	c.mu.Unlock()

	if err != nil {
		log.Warn().Err(err).Str("module", "signaling").Msg("relay connection lost")
	}
	if cb != nil {
		cb(err)
	}
}
