package room

import (
	"sync"
	"time"

	"securechat/internal/crypto"
	"securechat/internal/message"
)

// UnknownName is returned when a connection cannot be resolved.
const UnknownName = "Unknown"

// Member is a connection admitted to a room.
type Member struct {
	ConnectionID string     `json:"connectionId"`
	Nickname     string     `json:"nickname"`
	PublicKey    crypto.JWK `json:"publicKey"`
	JoinedAt     time.Time  `json:"joinedAt"`
}

// Room is an ephemeral chat room. Mutable state is guarded by mu.
type Room struct {
	ID               string
	Name             string
	Passkey          string
	CreatorPublicKey crypto.JWK
	CreatedAt        time.Time
	ExpiresAt        time.Time

	mu       sync.Mutex
	members  map[string]*Member
	messages []*message.Message
	deleted  bool

	heapIndex int
}

// Created is returned to the creator of a room.
type Created struct {
	RoomID    string    `json:"roomId"`
	Passkey   string    `json:"passkey"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Description is what a passkey holder learns about a room.
type Description struct {
	RoomName         string     `json:"roomName"`
	CreatorPublicKey crypto.JWK `json:"creatorPublicKey"`
}

// Stats is a lifecycle summary of a room, safe to hand to analytics.
type Stats struct {
	RoomID       string
	Name         string
	CreatedAt    time.Time
	ExpiresAt    time.Time
	MemberCount  int
	MessageCount int
}

func (r *Room) expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// stats must be called with r.mu held.
func (r *Room) stats() Stats {
	return Stats{
		RoomID:       r.ID,
		Name:         r.Name,
		CreatedAt:    r.CreatedAt,
		ExpiresAt:    r.ExpiresAt,
		MemberCount:  len(r.members),
		MessageCount: len(r.messages),
	}
}
