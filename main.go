package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"securechat/internal/analytics"
	"securechat/internal/chat"
	"securechat/internal/config"
	"securechat/internal/database"
	"securechat/internal/logger"
)

func main() {
	if err := newRelayCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRelayCommand() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:          "securechat-relay",
		Short:        "Zero-knowledge relay for end-to-end encrypted chat rooms",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "config file (yaml, json or toml); CHAT_* env vars override it")
	return cmd
}

func serve(ctx context.Context, configPath string) error {
	configs := config.NewConfigManager(configPath)
	if err := configs.Initialize(); err != nil {
		return err
	}
	cfg := configs.GetConfig()

	log, err := logger.New(cfg.Logger)
	if err != nil {
		return err
	}
	defer log.Sync()

	recorder, closeRecorder, err := startAnalytics(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeRecorder()

	srv := chat.NewServer(cfg, log, chat.ServerOptions{
		Configs:  configs,
		Recorder: recorder,
	})
	configs.OnError(func(err error) {
		log.Warn("config reload rejected, keeping previous settings", zap.Error(err))
	})
	configs.RegisterCallback(srv.Reload)

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv.Start(runCtx)

	httpServer := &http.Server{
		Addr:              cfg.Port,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("addr", httpServer.Addr))
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	// ปิดแบบ graceful: หยุดรับ request ใหม่ก่อน แล้วค่อยปิด websocket ทั้งหมด
	log.Info("shutting down", zap.Int("connections", srv.Manager.GetConnectionCount()))
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown", zap.Error(err))
	}
	cancel()

	final := srv.Metrics.GetMetrics()
	log.Info("shutdown complete",
		zap.Int64("messages_relayed", final.TotalMessages),
		zap.Int64("rooms_created", final.RoomsCreated),
	)
	return nil
}

// startAnalytics picks the lifecycle sink. Without a mongo uri, lifecycle
// events only reach the log.
func startAnalytics(ctx context.Context, cfg *config.ServerConfig, log *zap.Logger) (*analytics.Recorder, func(), error) {
	var store analytics.Store = analytics.LogStore{Log: log.Named("analytics")}
	closeStore := func() {}

	if cfg.Mongo.URI != "" {
		db, err := database.NewMongoDB(ctx, database.ConfigFrom(cfg.Mongo), log)
		if err != nil {
			return nil, nil, err
		}
		if err := db.CreateIndexes(ctx); err != nil {
			log.Warn("room_stats indexes", zap.Error(err))
		}
		store = database.NewMongoRoomStatsRepository(db.GetCollection(database.RoomStatsCollection))
		closeStore = func() {
			if err := db.Close(context.Background()); err != nil {
				log.Warn("close mongo", zap.Error(err))
			}
		}
	}

	recorder := analytics.NewRecorder(store, 256, log)
	recCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		recorder.Run(recCtx)
		close(done)
	}()

	return recorder, func() {
		cancel()
		<-done
		closeStore()
	}, nil
}
