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

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"scuffedchat/api"
	"scuffedchat/auth"
	"scuffedchat/bus"
	"scuffedchat/config"
	"scuffedchat/database"
	"scuffedchat/delivery"
	"scuffedchat/friends"
	"scuffedchat/handlers"
	"scuffedchat/presence"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("Server failed", zap.Error(err))
	}
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Format == "development" {
		zcfg = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" {
		level, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, err
		}
		zcfg.Level = zap.NewAtomicLevelAt(level)
	}
	return zcfg.Build()
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger = logger.With(zap.String("node_id", cfg.Node.ID))

	store, err := database.Open(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer store.Close()
	logger.Info("Database ready", zap.String("driver", cfg.Database.Driver))

	var (
		registry presence.Registry
		shared   presence.SharedRegistry
		otpStore auth.OTPStore
	)
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("invalid redis.url: %w", err)
		}
		client := redis.NewClient(opts)
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		redisRegistry := presence.NewRedisRegistry(client, store, logger)
		registry, shared = redisRegistry, redisRegistry
		otpStore = auth.NewRedisOTPStore(client, cfg.Auth.OTPTTL)
		logger.Info("Using Redis presence")
	} else {
		registry = presence.NewMemoryRegistry(store, logger)
		logger.Warn("No redis.url: presence is process-local and OTP is disabled")
	}

	var messageBus bus.Bus
	if cfg.NATS.URL != "" {
		natsBus, err := bus.NewNATSBus(cfg.NATS, logger)
		if err != nil {
			return err
		}
		messageBus = natsBus
		logger.Info("Using NATS bus", zap.String("url", cfg.NATS.URL))
	} else {
		messageBus = bus.NewLocalBus()
	}
	defer messageBus.Close()

	hub := delivery.NewHub(cfg.Node.ID, logger)
	if err := messageBus.Subscribe(cfg.Node.ID, hub.Deliver); err != nil {
		return err
	}
	router := delivery.NewRouter(store, registry, messageBus, logger)

	// A previous process with this node id may have died without
	// unregistering its connections.
	purgeNode(ctx, registry, router, cfg.Node.ID, logger)

	// Nodes that crashed without purging are swept once their liveness key
	// expires.
	if shared != nil {
		liveness := presence.NewLiveness(shared, cfg.Node.ID, cfg.Presence.HeartbeatInterval, cfg.Presence.NodeTTL, logger)
		liveness.OnDeparted = func(ctx context.Context, departures []presence.Departure) {
			announceDepartures(ctx, router, departures)
		}
		liveness.OnRevived = func(ctx context.Context) {
			online, err := hub.Restore(ctx, registry)
			if err != nil {
				logger.Warn("Failed to restore local connections", zap.Error(err))
			}
			for _, userID := range online {
				router.BroadcastPresence(ctx, userID, true, time.Time{})
			}
		}
		if err := liveness.Beat(ctx); err != nil {
			return fmt.Errorf("presence heartbeat: %w", err)
		}
		go liveness.Run(ctx)
	}

	tokens := auth.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	friendService := friends.NewService(store, registry, router, logger)
	ws := handlers.NewWebSocketHandler(tokens, registry, hub, router, cfg.WebSocket, logger)

	handler := api.NewRouter(api.Deps{
		Auth:           handlers.NewAuthHandler(store, tokens, otpStore, auth.NewLogSender(logger), cfg.Auth.RequireOTP, logger),
		Friends:        handlers.NewFriendHandler(friendService, logger),
		Messages:       handlers.NewMessageHandler(store, router, registry, logger),
		WebSocket:      ws,
		Authenticator:  tokens,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		StaticDir:      cfg.HTTP.StaticDir,
		Logger:         logger,
	})

	srv := &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ScuffedChat server starting", zap.String("addr", cfg.HTTP.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown incomplete", zap.Error(err))
	}
	if err := ws.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Sessions did not close in time", zap.Error(err))
	}
	purgeNode(shutdownCtx, registry, router, cfg.Node.ID, logger)
	return nil
}

// purgeNode drops this node's leftover presence entries and announces the
// users that went offline as a result
func purgeNode(ctx context.Context, registry presence.Registry, router *delivery.Router, nodeID string, logger *zap.Logger) {
	departures, err := registry.PurgeNode(ctx, nodeID)
	if err != nil {
		logger.Warn("Failed to purge node presence", zap.Error(err))
	}
	announceDepartures(ctx, router, departures)
}

func announceDepartures(ctx context.Context, router *delivery.Router, departures []presence.Departure) {
	for _, dep := range departures {
		router.BroadcastPresence(ctx, dep.UserID, false, dep.LastSeen)
	}
}
