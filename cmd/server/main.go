// querymux - streaming session multiplexer for document QA chat
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/ashureev/querymux/internal/agent"
	"github.com/ashureev/querymux/internal/api"
	"github.com/ashureev/querymux/internal/config"
	"github.com/ashureev/querymux/internal/domain"
	"github.com/ashureev/querymux/internal/identity"
	"github.com/ashureev/querymux/internal/liveview"
	"github.com/ashureev/querymux/internal/middleware"
	"github.com/ashureev/querymux/internal/persist"
	"github.com/ashureev/querymux/internal/session"
	"github.com/ashureev/querymux/internal/store"
	"github.com/ashureev/querymux/internal/stream"
)

const (
	shutdownTimeout    = 10 * time.Second
	workspaceLoadLimit = 5 * time.Second
	busBuffer          = 256
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		slog.Error("Server stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("Server stopped successfully")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()
	if err := repo.Ping(ctx); err != nil {
		return fmt.Errorf("database health check: %w", err)
	}
	slog.Info("Database connected")

	transcript, err := persist.NewConversationLogger(persist.ConversationLogConfig{
		Enabled:   cfg.ConversationLog.Enabled,
		Dir:       cfg.ConversationLog.Dir,
		QueueSize: cfg.ConversationLog.QueueSize,
	}, logger)
	if err != nil {
		return fmt.Errorf("initialize conversation logger: %w", err)
	}
	defer func() { _ = transcript.Close() }()

	// Settled sessions flow through the bus to the store and the transcript.
	bus := persist.NewBus(busBuffer, logger)
	defer func() {
		if closeErr := bus.Close(); closeErr != nil {
			slog.Error("Failed to close bus", "error", closeErr)
		}
	}()

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()

	storeSink := persist.NewStoreSink(repo)
	transcriptSink := persist.NewTranscriptSink(transcript)
	var consumers []*persist.Consumer
	for _, c := range []struct {
		topic, name string
		handle      persist.Handler
	}{
		{persist.TopicSettled, "store", storeSink.HandleSettled},
		{persist.TopicDeleted, "store-deletes", storeSink.HandleDeleted},
		{persist.TopicSettled, "transcript", transcriptSink.HandleSettled},
	} {
		consumer, err := persist.Subscribe(workerCtx, bus, c.topic, c.name, c.handle, logger)
		if err != nil {
			return err
		}
		consumers = append(consumers, consumer)
	}
	publisher := persist.NewPublisher(bus, logger)

	// The agent is optional at startup; queries fail until it is reachable.
	var transport agent.Transport
	var agentCheck api.Pinger
	grpcClient, err := agent.NewGrpcClient(agent.GrpcClientConfig{
		Address:        cfg.Agent.Address,
		ConnectTimeout: cfg.Agent.ConnectTimeout,
	}, logger)
	if err != nil {
		slog.Warn("Failed to connect to agent, queries will fail", "address", cfg.Agent.Address, "error", err)
	} else {
		defer grpcClient.Close()
		transport = grpcClient
		agentCheck = api.PingFunc(grpcClient.Health)
	}

	hub := liveview.NewHub(liveview.HubOptions{ReplaySize: cfg.SSE.ReplaySize, Logger: logger})

	streamOpts := stream.Options{
		DedupWindow:       cfg.Stream.DedupWindow,
		LongLineThreshold: cfg.Stream.LongLineThreshold,
		FlushTimeout:      cfg.Stream.FlushTimeout,
		FlushPoll:         cfg.Stream.FlushPoll,
		EventBuffer:       cfg.Stream.EventBuffer,
		RequestTimeout:    cfg.Agent.RequestTimeout,
		Logger:            logger,
	}
	workspaces := session.NewWorkspaces(cfg.Workspace.IdleTTL, func(userID string) (*session.Registry, error) {
		loadCtx, cancel := context.WithTimeout(context.Background(), workspaceLoadLimit)
		defer cancel()
		stored, err := repo.ListSessions(loadCtx, userID)
		if err != nil {
			return nil, fmt.Errorf("load sessions for %s: %w", userID, err)
		}
		sessions := make([]domain.SessionSnapshot, 0, len(stored))
		for _, snap := range stored {
			sessions = append(sessions, *snap)
		}
		return session.NewRegistry(session.Options{
			UserID:    userID,
			Transport: transport,
			Stream:    streamOpts,
			Logger:    logger.With("user_id", userID),
			OnLive:    func(u session.LiveUpdate) { hub.Publish(userID, u) },
			OnSettled: publisher.PublishSettled,
			OnDeleted: publisher.PublishDeleted,
			Sessions:  sessions,
		}), nil
	}, logger)
	workspaces.OnEvicted(hub.Forget)

	resolve := func(userID string) (liveview.Workspace, error) {
		reg, err := workspaces.Get(userID)
		if err != nil {
			return nil, err
		}
		return reg, nil
	}

	limiter := api.NewRateLimiter(cfg.RateLimit.RequestsPerWindow, cfg.RateLimit.WindowDuration)
	defer limiter.Stop()

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(cfg.AllowedOrigins()))
	r.Use(identity.Middleware(cfg.IsDevelopment()))

	healthHandler := api.NewHealthHandler(map[string]api.Pinger{
		"database": repo,
		"agent":    agentCheck,
	})
	r.Get("/api/health", healthHandler.Health)

	api.NewSessionHandler(workspaces, limiter, api.SessionHandlerConfig{
		MaxRequestBodySize: cfg.SSE.MaxRequestBodySize,
	}, logger).RegisterRoutes(r)

	r.Method(http.MethodGet, "/api/live/stream", liveview.NewSSEHandler(hub, resolve, liveview.SSEConfig{
		RetryDelay:        cfg.SSE.RetryDelay,
		KeepaliveInterval: cfg.SSE.KeepaliveInterval,
	}, logger))
	r.Method(http.MethodGet, "/ws/live", liveview.NewWebSocketHandler(hub, resolve, cfg.FrontendURL, cfg.IsDevelopment(), logger))

	// SSE connections are long-lived, so there is no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}
	// Closing the hub ends every live viewer so Shutdown is not held open.
	srv.RegisterOnShutdown(hub.Close)

	g, gctx := errgroup.WithContext(workerCtx)
	for _, c := range consumers {
		g.Go(func() error { return c.Run(gctx) })
	}
	g.Go(func() error {
		return store.RunRetention(gctx, repo, cfg.Workspace.SweepInterval, cfg.Workspace.SessionRetention)
	})
	g.Go(func() error {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	// Wait for shutdown signal.
	select {
	case <-ctx.Done():
		slog.Info("Shutting down gracefully...")
	case <-gctx.Done():
		slog.Error("Background worker stopped, shutting down")
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	// Closing the workspaces cancels in-flight streams; their final snapshots
	// are persisted before the consumers stop.
	workspaces.Close()
	stopWorkers()
	return g.Wait()
}
