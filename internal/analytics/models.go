package analytics

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"securechat/internal/room"
)

// RoomStatsDocument is one room lifetime. It holds counts only: no names,
// passkeys, keys or ciphertext.
type RoomStatsDocument struct {
	ID           primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	RoomID       string             `bson:"room_id" json:"room_id"`
	CreatedAt    time.Time          `bson:"created_at" json:"created_at"`
	ExpiresAt    time.Time          `bson:"expires_at" json:"expires_at"`
	ClosedAt     *time.Time         `bson:"closed_at,omitempty" json:"closed_at,omitempty"`
	PeakMembers  int                `bson:"peak_members" json:"peak_members"`
	MessageCount int                `bson:"message_count" json:"message_count"`
	Lifetime     time.Duration      `bson:"lifetime" json:"lifetime"`
	UpdatedAt    time.Time          `bson:"updated_at" json:"updated_at"`
}

// FromStats converts a room snapshot into a document. closed marks the
// snapshot as the final one.
func FromStats(stats room.Stats, closed bool) *RoomStatsDocument {
	doc := &RoomStatsDocument{
		RoomID:       stats.RoomID,
		CreatedAt:    stats.CreatedAt,
		ExpiresAt:    stats.ExpiresAt,
		PeakMembers:  stats.MemberCount,
		MessageCount: stats.MessageCount,
		UpdatedAt:    time.Now(),
	}
	if closed {
		at := stats.ExpiresAt
		doc.ClosedAt = &at
		doc.Lifetime = stats.ExpiresAt.Sub(stats.CreatedAt)
	}
	return doc
}
