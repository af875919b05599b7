package room

import (
	"go.uber.org/zap"

	"securechat/internal/apperror"
	"securechat/internal/config"
	"securechat/internal/crypto"
	"securechat/internal/logger"
	"securechat/internal/security"
)

// Recorder receives room lifecycle events. It never sees passkeys or ciphertext.
type Recorder interface {
	RoomCreated(stats Stats)
	RoomExpired(stats Stats)
}

// Service handles room business logic on top of the registry
type Service interface {
	CreateRoom(name string, creatorPublicKey crypto.JWK) (*Created, error)
	ValidateJoin(roomID, passkey string) (*Description, error)
	Repository() Repository
	GetRoomCount() int
}

type service struct {
	repo      Repository
	validator *security.InputValidator
	metrics   *config.ServerMetrics
	recorder  Recorder
	log       *zap.Logger
}

// NewService creates a new room service. recorder may be nil.
func NewService(repo Repository, cfg *config.ServerConfig, metrics *config.ServerMetrics, recorder Recorder, log *zap.Logger) Service {
	s := &service{
		repo:      repo,
		validator: security.NewInputValidator(cfg),
		metrics:   metrics,
		recorder:  recorder,
		log:       logger.OrNop(log).Named("rooms"),
	}
	if s.metrics == nil {
		s.metrics = config.NewServerMetrics()
	}

	if mem, ok := repo.(*InMemoryRepository); ok {
		mem.OnExpire(s.roomExpired)
	}
	return s
}

// CreateRoom validates input and allocates a room
func (s *service) CreateRoom(name string, creatorPublicKey crypto.JWK) (*Created, error) {
	name, err := s.validator.ValidateRoomName(name)
	if err != nil {
		return nil, err
	}
	if err := s.validator.ValidatePublicKey(creatorPublicKey); err != nil {
		return nil, err
	}

	created, err := s.repo.Create(name, creatorPublicKey)
	if err != nil {
		return nil, err
	}

	s.metrics.IncrementRooms()
	s.log.Info("room created",
		zap.String("room", created.RoomID),
		zap.Time("expires_at", created.ExpiresAt),
		zap.Int("active_rooms", s.repo.Count()),
	)
	if s.recorder != nil {
		if stats, ok := s.repo.Snapshot(created.RoomID); ok {
			s.recorder.RoomCreated(stats)
		}
	}
	return created, nil
}

// ValidateJoin checks a passkey. It has no side effects on the room.
func (s *service) ValidateJoin(roomID, passkey string) (*Description, error) {
	if err := s.validator.ValidateRoomID(roomID); err != nil {
		return nil, apperror.ErrRoomNotFound
	}
	if passkey == "" {
		return nil, apperror.InvalidInput("passkey is required")
	}

	desc, err := s.repo.ValidateAndDescribe(roomID, passkey)
	if err != nil {
		if apperror.Is(err, apperror.CodeUnauthorized) {
			s.metrics.IncrementFailedPasskeys()
			s.log.Warn("passkey mismatch", zap.String("room", roomID))
		}
		return nil, err
	}
	return desc, nil
}

func (s *service) Repository() Repository {
	return s.repo
}

func (s *service) GetRoomCount() int {
	return s.repo.Count()
}

func (s *service) roomExpired(stats Stats) {
	s.metrics.RoomExpired()
	if s.recorder != nil {
		s.recorder.RoomExpired(stats)
	}
}
