package database

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"securechat/internal/analytics"
)

// MongoRoomStatsRepository implements analytics.Store
type MongoRoomStatsRepository struct {
	collection *mongo.Collection
}

var _ analytics.Store = (*MongoRoomStatsRepository)(nil)

// NewMongoRoomStatsRepository creates a new MongoDB room stats repository
func NewMongoRoomStatsRepository(coll *mongo.Collection) *MongoRoomStatsRepository {
	return &MongoRoomStatsRepository{collection: coll}
}

// RoomOpened inserts the opening document for a room.
func (r *MongoRoomStatsRepository) RoomOpened(ctx context.Context, doc *analytics.RoomStatsDocument) error {
	if _, err := r.collection.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("insert room stats: %w", err)
	}
	return nil
}

// RoomClosed records the final counts. It upserts so a room whose opening
// event was dropped is still recorded.
func (r *MongoRoomStatsRepository) RoomClosed(ctx context.Context, doc *analytics.RoomStatsDocument) error {
	update := bson.M{
		"$set": bson.M{
			"closed_at":     doc.ClosedAt,
			"message_count": doc.MessageCount,
			"lifetime":      doc.Lifetime,
			"updated_at":    time.Now(),
		},
		"$max": bson.M{"peak_members": doc.PeakMembers},
		"$setOnInsert": bson.M{
			"created_at": doc.CreatedAt,
			"expires_at": doc.ExpiresAt,
		},
	}

	_, err := r.collection.UpdateOne(ctx, bson.M{"room_id": doc.RoomID}, update, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("close room stats: %w", err)
	}
	return nil
}

// Recent lists the latest room lifetimes, newest first.
func (r *MongoRoomStatsRepository) Recent(ctx context.Context, limit int64) ([]*analytics.RoomStatsDocument, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}).SetLimit(limit)
	cursor, err := r.collection.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("find room stats: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []*analytics.RoomStatsDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode room stats: %w", err)
	}
	return docs, nil
}
