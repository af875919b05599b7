package message

import (
	"time"

	"github.com/google/uuid"

	"securechat/internal/protocol"
)

// Message is one encrypted chat entry held in a room's history. The relay
// never sees plaintext; Ciphertext and Nonce are opaque.
type Message struct {
	ID         string
	RoomID     string
	Ciphertext []byte
	Nonce      []byte
	Sender     string // connection id
	SenderName string
	Timestamp  int64  // unix ms, stamped by the relay
	TTL        *int64 // seconds
	ExpiresAt  *int64 // unix ms
}

// New stamps a message at now and computes its expiry when ttl is set.
func New(roomID, sender, senderName string, ciphertext, nonce []byte, ttl *int64, now time.Time) *Message {
	msg := &Message{
		ID:         uuid.NewString(),
		RoomID:     roomID,
		Ciphertext: ciphertext,
		Nonce:      nonce,
		Sender:     sender,
		SenderName: senderName,
		Timestamp:  now.UnixMilli(),
	}
	if ttl != nil {
		seconds := *ttl
		expiresAt := msg.Timestamp + seconds*1000
		msg.TTL = &seconds
		msg.ExpiresAt = &expiresAt
	}
	return msg
}

// IsExpired reports whether the message must no longer be served at now.
func (m *Message) IsExpired(now time.Time) bool {
	return m.ExpiresAt != nil && now.UnixMilli() >= *m.ExpiresAt
}

// Wire converts the message to its frame representation.
func (m *Message) Wire() protocol.Message {
	return protocol.Message{
		ID:         m.ID,
		RoomID:     m.RoomID,
		Ciphertext: m.Ciphertext,
		Nonce:      m.Nonce,
		Sender:     m.Sender,
		SenderName: m.SenderName,
		Timestamp:  m.Timestamp,
		TTL:        m.TTL,
		ExpiresAt:  m.ExpiresAt,
	}
}

// WireAll converts a history slice.
func WireAll(msgs []*Message) []protocol.Message {
	out := make([]protocol.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Wire())
	}
	return out
}
