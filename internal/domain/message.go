package domain

import (
	"encoding/json"
	"time"
)

// MessageType tags a signaling message on the relay wire.
type MessageType string

const (
	MessageJoin      MessageType = "join"
	MessageLeave     MessageType = "leave"
	MessageOffer     MessageType = "offer"
	MessageAnswer    MessageType = "answer"
	MessageCandidate MessageType = "ice-candidate"
)

// SignalingMessage is the relay protocol envelope. Ephemeral: it exists
// only in transit and is never persisted.
type SignalingMessage struct {
	Type      MessageType     `json:"type"`
	SessionID SessionID       `json:"sessionId"`
	Sender    UserID          `json:"sender"`
	Recipient UserID          `json:"recipient,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

func NewSignalingMessage(t MessageType, sid SessionID, sender UserID, payload json.RawMessage) SignalingMessage {
	return SignalingMessage{
		Type:      t,
		SessionID: sid,
		Sender:    sender,
		Payload:   payload,
		Timestamp: time.Now().UnixMilli(),
	}
}

// JoinPayload rides on a join message.
type JoinPayload struct {
	Role Role `json:"role"`
}
