package chat

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"securechat/internal/admission"
	"securechat/internal/clock"
	"securechat/internal/config"
	"securechat/internal/logger"
	"securechat/internal/message"
	"securechat/internal/room"
	wsocket "securechat/internal/websocket"
)

// ServerOptions are optional collaborators of a Server.
type ServerOptions struct {
	Configs  *config.ConfigManager
	Recorder room.Recorder
	Clock    clock.Clock
}

// Server wires the registry, transport, relay and admission coordinator
// behind one HTTP handler.
type Server struct {
	Config      *config.ServerConfig
	Metrics     *config.ServerMetrics
	Rooms       *room.InMemoryRepository
	RoomService room.Service
	Manager     *wsocket.Manager
	Relay       *message.Relay
	Coordinator *admission.Coordinator
	Handler     *Handler

	limiter *config.RateLimiter
	log     *zap.Logger
}

// NewServer builds a relay from cfg. Nothing runs until Start.
func NewServer(cfg *config.ServerConfig, log *zap.Logger, opts ServerOptions) *Server {
	log = logger.OrNop(log)
	metrics := config.NewServerMetrics()

	rooms := room.NewInMemoryRepository(room.Options{
		TTL:           cfg.RoomTTL,
		HistoryLimit:  cfg.HistoryLimit,
		SweepInterval: cfg.SweepInterval,
		MaxMembers:    cfg.MaxMembersPerRoom,
		MaxRooms:      cfg.MaxRooms,
		Clock:         opts.Clock,
		Logger:        log,
	})
	roomService := room.NewService(rooms, cfg, metrics, opts.Recorder, log)
	manager := wsocket.NewManager(cfg, metrics, log)

	limiter := config.NewRateLimiter(cfg)
	relay := message.NewRelay(rooms, manager, log, message.RelayOptions{
		Clock:       opts.Clock,
		MaxTTL:      cfg.MaxMessageTTL,
		RateLimiter: limiter,
		Metrics:     metrics,
	})
	coordinator := admission.NewCoordinator(rooms, manager, relay, cfg, metrics, limiter, log)

	manager.OnDisconnect(coordinator.Disconnect)
	rooms.OnExpire(func(stats room.Stats) {
		manager.DropGroup(stats.RoomID)
	})

	handler := NewHandler(Deps{
		Manager:     manager,
		Rooms:       roomService,
		Coordinator: coordinator,
		Relay:       relay,
		Configs:     opts.Configs,
		Metrics:     metrics,
	}, cfg, log)

	return &Server{
		Config:      cfg,
		Metrics:     metrics,
		Rooms:       rooms,
		RoomService: roomService,
		Manager:     manager,
		Relay:       relay,
		Coordinator: coordinator,
		Handler:     handler,
		limiter:     limiter,
		log:         log,
	}
}

// Start runs the expiry loop and the connection manager until ctx ends.
func (s *Server) Start(ctx context.Context) {
	go s.Rooms.Run(ctx)
	go s.Manager.Run(ctx)

	s.log.Info("relay ready",
		zap.String("port", s.Config.Port),
		zap.Duration("room_ttl", s.Config.RoomTTL),
		zap.Int("history_limit", s.Config.HistoryLimit),
		zap.Int("max_connections", s.Config.MaxConnections),
	)
}

// Reload applies the settings that can change without a restart. Everything
// else is picked up on the next start.
func (s *Server) Reload(cfg *config.ServerConfig) {
	s.limiter.Configure(cfg)
	s.log.Info("configuration reloaded",
		zap.Bool("rate_limit", cfg.EnableRateLimit),
		zap.Int("rate_limit_messages", cfg.RateLimitMessages),
		zap.Duration("rate_limit_window", cfg.RateLimitWindow),
	)
}

// Routes is the HTTP handler to serve.
func (s *Server) Routes() http.Handler {
	return s.Handler.Routes()
}
