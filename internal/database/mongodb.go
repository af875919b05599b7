package database

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"securechat/internal/config"
	"securechat/internal/logger"
)

// RoomStatsCollection holds one document per room lifetime.
const RoomStatsCollection = "room_stats"

// MongoDB represents a MongoDB connection
type MongoDB struct {
	client   *mongo.Client
	database *mongo.Database
	config   MongoConfig
	log      *zap.Logger
}

// MongoConfig holds MongoDB configuration
type MongoConfig struct {
	URI            string
	Database       string
	ConnectTimeout time.Duration
	PingTimeout    time.Duration
	MaxPoolSize    uint64
	MinPoolSize    uint64
}

// ConfigFrom fills pool and timeout defaults around the relay's mongo settings.
func ConfigFrom(s config.MongoSettings) MongoConfig {
	cfg := MongoConfig{
		URI:            s.URI,
		Database:       s.Database,
		ConnectTimeout: 10 * time.Second,
		PingTimeout:    5 * time.Second,
		MaxPoolSize:    20,
		MinPoolSize:    1,
	}
	if cfg.Database == "" {
		cfg.Database = "securechat"
	}
	return cfg
}

// NewMongoDB connects and pings. The caller owns Close.
func NewMongoDB(ctx context.Context, cfg MongoConfig, log *zap.Logger) (*MongoDB, error) {
	if cfg.URI == "" {
		return nil, fmt.Errorf("mongo uri is empty")
	}
	log = logger.OrNop(log).Named("mongo")

	clientOptions := options.Client().
		ApplyURI(cfg.URI).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetMaxPoolSize(cfg.MaxPoolSize).
		SetMinPoolSize(cfg.MinPoolSize)

	connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	client, err := mongo.Connect(connectCtx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}

	m := &MongoDB{
		client:   client,
		database: client.Database(cfg.Database),
		config:   cfg,
		log:      log,
	}
	if err := m.HealthCheck(ctx); err != nil {
		client.Disconnect(context.Background())
		return nil, err
	}

	log.Info("connected", zap.String("database", cfg.Database))
	return m, nil
}

// GetCollection returns a collection
func (m *MongoDB) GetCollection(name string) *mongo.Collection {
	return m.database.Collection(name)
}

// Close closes the MongoDB connection
func (m *MongoDB) Close(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := m.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("disconnect mongo: %w", err)
	}
	m.log.Info("disconnected")
	return nil
}

// CreateIndexes makes room_id unique and keeps recent rooms cheap to list.
func (m *MongoDB) CreateIndexes(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "room_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "created_at", Value: -1}},
		},
	}
	if _, err := m.GetCollection(RoomStatsCollection).Indexes().CreateMany(ctx, indexes); err != nil {
		return fmt.Errorf("create room_stats indexes: %w", err)
	}
	return nil
}

// HealthCheck performs a health check on the MongoDB connection
func (m *MongoDB) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.config.PingTimeout)
	defer cancel()

	if err := m.client.Ping(ctx, nil); err != nil {
		return fmt.Errorf("mongo health check: %w", err)
	}
	return nil
}
