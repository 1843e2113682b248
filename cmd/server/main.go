// Chat orchestration server for the coding assistant backend.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/dkarpov/chatcore/internal/api"
	"github.com/dkarpov/chatcore/internal/chat"
	"github.com/dkarpov/chatcore/internal/command"
	"github.com/dkarpov/chatcore/internal/config"
	"github.com/dkarpov/chatcore/internal/contextmon"
	"github.com/dkarpov/chatcore/internal/credentials"
	"github.com/dkarpov/chatcore/internal/identity"
	"github.com/dkarpov/chatcore/internal/middleware"
	"github.com/dkarpov/chatcore/internal/provider"
	"github.com/dkarpov/chatcore/internal/store"
	"github.com/dkarpov/chatcore/internal/workspace"
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

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	// Initialize services.
	router := provider.NewRouter(cfg.ProviderTimeout)
	monitor := contextmon.NewMonitor(repo, router, cfg.WarnRatio, cfg.OverflowRatio)
	scanner := workspace.NewScanner(cfg.WorkspaceRoot)
	interpreter := command.NewInterpreter(repo, scanner)
	creds := credentials.NewEnvResolver()
	registry := chat.NewRegistry(cfg.ReapInterval, cfg.ReapThreshold)

	// Initialize handlers.
	baseHandler := api.NewHandler(repo)
	sessionHandler := api.NewSessionHandler(baseHandler)
	wsHandler := chat.NewWebSocketHandler(repo, registry, router, monitor, interpreter, creds, cfg.FrontendURL, cfg.IsDevelopment())

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS([]string{"*"}))
	r.Use(identity.Middleware(cfg.IsDevelopment()))

	// Public routes.
	baseHandler.RegisterHealth(r)
	sessionHandler.RegisterRoutes(r)

	// WebSocket endpoint.
	r.Get("/ws/chat", wsHandler.ServeHTTP)

	// Create server. No WriteTimeout so long-lived websocket connections
	// are not severed mid-stream.
	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     r,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Start stale-connection reaper.
	registry.StartReaper(ctx)
	slog.Info("Connection reaper started", "interval", cfg.ReapInterval, "threshold", cfg.ReapThreshold)

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
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
