package security

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"

	"github.com/carewire/telertc/internal/audit"
	"github.com/carewire/telertc/internal/domain"
)

const nonceSize = 24

// ErrDecrypt means an incoming frame failed authentication. The frame is
// dropped; the channel stays open.
var ErrDecrypt = errors.New("decryption failed")

// RawChannel is the unencrypted data channel handle the wrapper sits on.
// The pion data channel adapter satisfies it.
type RawChannel interface {
	Send([]byte) error
	OnMessage(func([]byte))
	Close() error
	IsOpen() bool
}

// EncryptedChannel wraps a data channel with authenticated encryption:
// one random key per channel, one random nonce per message, ciphertext
// only on the wire.
type EncryptedChannel struct {
	raw       RawChannel
	key       [32]byte
	auditor   *audit.Logger
	sessionID domain.SessionID
	userID    domain.UserID
}

// EncryptChannel generates a fresh channel key and wires decryption into
// the message path. Undecryptable messages are dropped and audited, never
// surfaced to the message callback.
func EncryptChannel(raw RawChannel, auditor *audit.Logger, sessionID domain.SessionID, userID domain.UserID) (*EncryptedChannel, error) {
	ec := &EncryptedChannel{raw: raw, auditor: auditor, sessionID: sessionID, userID: userID}
	if _, err := rand.Read(ec.key[:]); err != nil {
		return nil, fmt.Errorf("generate channel key: %w", err)
	}
	return ec, nil
}

// Key exposes the channel key for out-of-band exchange during
// negotiation. The signaling path carrying it is itself authenticated.
func (c *EncryptedChannel) Key() [32]byte { return c.key }

// SetKey replaces the generated key with one agreed with the peer.
func (c *EncryptedChannel) SetKey(key [32]byte) { c.key = key }

func (c *EncryptedChannel) Send(plaintext []byte) error {
	if !c.raw.IsOpen() {
		return errors.New("data channel not open")
	}
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}
	// Wire format: nonce || box.
	out := secretbox.Seal(nonce[:], plaintext, &nonce, &c.key)
	return c.raw.Send(out)
}

// OnMessage registers the plaintext consumer.
func (c *EncryptedChannel) OnMessage(fn func([]byte)) {
	c.raw.OnMessage(func(data []byte) {
		plaintext, err := c.open(data)
		if err != nil {
			c.auditor.Log(audit.Event{
				Type:      audit.EventEncryptionError,
				SessionID: c.sessionID,
				UserID:    c.userID,
				Details:   map[string]any{"reason": err.Error(), "size": len(data)},
			})
			return
		}
		fn(plaintext)
	})
}

func (c *EncryptedChannel) open(data []byte) ([]byte, error) {
	if len(data) < nonceSize {
		return nil, ErrDecrypt
	}
	var nonce [nonceSize]byte
	copy(nonce[:], data[:nonceSize])
	plaintext, ok := secretbox.Open(nil, data[nonceSize:], &nonce, &c.key)
	if !ok {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

func (c *EncryptedChannel) Close() error { return c.raw.Close() }

func (c *EncryptedChannel) IsOpen() bool { return c.raw.IsOpen() }
