// tgbridge - Telegram session bridge for agent backends
package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/avaliev/tgbridge/internal/api"
	"github.com/avaliev/tgbridge/internal/config"
	"github.com/avaliev/tgbridge/internal/dispatch"
	"github.com/avaliev/tgbridge/internal/middleware"
	"github.com/avaliev/tgbridge/internal/session"
	"github.com/avaliev/tgbridge/internal/sink"
	"github.com/avaliev/tgbridge/internal/store"
	"github.com/avaliev/tgbridge/internal/telegram"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
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

	if cfg.Debug {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})))
	}

	slog.Info("Starting server", "port", cfg.Port, "store", cfg.Store.Driver, "sink", cfg.Sink.Kind)

	// Initialize dependencies.
	repo, err := store.Open(context.Background(), cfg.Store)
	if err != nil {
		slog.Error("Failed to initialize store", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Store health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Store connected", "driver", cfg.Store.Driver)

	dialer, err := telegram.NewDialer(telegram.Config{
		APIID:      cfg.Telegram.APIID,
		APIHash:    cfg.Telegram.APIHash,
		SessionDir: cfg.Telegram.SessionDirectory,
		QRExpiry:   cfg.Telegram.QRCodeExpiresIn,
	})
	if err != nil {
		slog.Error("Failed to initialize telegram dialer", "error", err)
		os.Exit(1)
	}

	// Dedup window: shared Redis when configured, in-process otherwise.
	var window dispatch.Window
	var redisClient *redis.Client
	if cfg.Dispatch.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.Dispatch.RedisURL)
		if err != nil {
			slog.Error("Invalid REDIS_URL", "error", err)
			os.Exit(1)
		}
		redisClient = redis.NewClient(opts)
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			slog.Error("Redis health check failed", "error", err)
			os.Exit(1)
		}
		window = dispatch.NewRedisWindow(redisClient, cfg.Dispatch.DedupWindow)
		slog.Info("Dedup window backed by redis")
	} else {
		window = dispatch.NewMemoryWindow(cfg.Dispatch.DedupWindow, cfg.Dispatch.DedupMaxEntries)
	}
	defer func() {
		if redisClient != nil {
			if closeErr := redisClient.Close(); closeErr != nil {
				slog.Error("Failed to close redis client", "error", closeErr)
			}
		}
	}()

	var eventSink sink.Sink
	switch cfg.Sink.Kind {
	case config.SinkKindKafka:
		eventSink = sink.NewKafka(cfg.Sink.KafkaBrokers, cfg.Sink.KafkaTopic)
		slog.Info("Event sink configured", "kind", "kafka", "topic", cfg.Sink.KafkaTopic)
	default:
		eventSink = sink.NewWebhook(cfg.Sink.BackendBaseURL, cfg.Sink.BackendAPIKey, cfg.Sink.WebhookTimeout)
		slog.Info("Event sink configured", "kind", "webhook", "base_url", cfg.Sink.BackendBaseURL)
	}
	defer func() {
		if closer, ok := eventSink.(io.Closer); ok {
			if closeErr := closer.Close(); closeErr != nil {
				slog.Error("Failed to close event sink", "error", closeErr)
			}
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := dispatch.NewHub()
	dispatcher := dispatch.New(cfg.Dispatch, window, eventSink, repo, hub)
	dispatcher.Start(ctx)

	registry := session.NewRegistry(dialer, repo, dispatcher, cfg.Session)
	if err := registry.Restore(context.Background()); err != nil {
		slog.Error("Failed to restore sessions", "error", err)
		os.Exit(1)
	}

	session.StartSupervisor(ctx, cfg.Supervisor, registry, repo)

	// Initialize handlers.
	baseHandler := api.NewHandler(registry, repo, dispatcher, hub, cfg)
	sessionHandler := api.NewSessionHandler(baseHandler)
	healthHandler := api.NewHealthHandler(baseHandler)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	// Public routes.
	healthHandler.RegisterHealth(r)

	// Everything else requires the shared API key.
	r.Group(func(r chi.Router) {
		r.Use(middleware.APIKey(cfg.APISecretKey))
		sessionHandler.RegisterRoutes(r)
	})

	// Create server.
	// Note: the event stream holds connections open indefinitely, so no
	// write timeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	// Stop machines without expiring them; each persists its phase for
	// the next start to restore.
	registry.Shutdown(shutdownCtx)

	select {
	case <-dispatcher.Done():
	case <-shutdownCtx.Done():
		slog.Warn("Shutdown timed out waiting for dispatcher")
	}

	slog.Info("Server stopped successfully")
}
