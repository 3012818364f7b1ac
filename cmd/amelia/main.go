// Amelia orchestrator server. Exposes the workflow HTTP API and the
// WebSocket event stream, and supervises the agent pipeline tasks.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/ameliahq/amelia/pkg/api"
	"github.com/ameliahq/amelia/pkg/bus"
	"github.com/ameliahq/amelia/pkg/config"
	"github.com/ameliahq/amelia/pkg/database"
	"github.com/ameliahq/amelia/pkg/events"
	"github.com/ameliahq/amelia/pkg/metrics"
	"github.com/ameliahq/amelia/pkg/orchestrator"
	"github.com/ameliahq/amelia/pkg/repo"
	"github.com/ameliahq/amelia/pkg/version"
	"github.com/joho/godotenv"
)

func main() {
	envFile := flag.String("env-file", ".env", "Path to .env file")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil {
		slog.Debug("No .env file loaded, continuing with existing environment",
			"path", *envFile, "error", err)
	}

	settings, err := config.LoadSettings()
	if err != nil {
		slog.Error("Failed to load settings", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: settings.LogLevel,
	}))
	slog.SetDefault(logger)

	logger.Info("Starting amelia",
		"version", version.Full(),
		"addr", settings.Addr(),
		"max_concurrent", settings.MaxConcurrentWorkflows)

	ctx := context.Background()

	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		logger.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}

	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		logger.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logger.Error("Error closing database client", "error", err)
		}
	}()
	logger.Info("Connected to PostgreSQL database")

	db := dbClient.DB()
	workflowRepo := repo.NewPostgresWorkflowRepo(db)
	eventRepo := repo.NewPostgresEventRepo(db)
	tokenRepo := repo.NewPostgresTokenRepo(db)
	checkpointStore := repo.NewPostgresCheckpointStore(db)

	profiles, err := config.LoadProfiles(settings.ProfilesPath)
	if err != nil {
		logger.Error("Failed to load agent profiles", "error", err, "path", settings.ProfilesPath)
		os.Exit(1)
	}
	logger.Info("Agent profiles loaded", "profiles", profiles.Names())

	broker := events.NewBroker(eventRepo, settings.WSQueueDepth, settings.WSWriteTimeout, logger)

	// Subscriber order matters: the persister runs first so every event
	// carries its sequence before fan-out sees it.
	eventBus := bus.New()
	eventBus.Subscribe(bus.NewPersister(eventRepo))
	eventBus.Subscribe(bus.NewTokenSink(tokenRepo))
	eventBus.Subscribe(broker.Publish)

	orch := orchestrator.New(
		orchestrator.Config{
			MaxConcurrent:        settings.MaxConcurrentWorkflows,
			DefaultMaxIterations: settings.MaxIterations,
			MaxPipelineSteps:     settings.MaxPipelineSteps,
			CancelGracePeriod:    settings.CancelGracePeriod,
			DefaultProfile:       settings.DefaultProfile,
		},
		workflowRepo, eventRepo, tokenRepo,
		checkpointStore, eventBus, profiles, nil, logger,
	)

	m := metrics.New(orch.ActiveRuns, broker.ActiveConnections)
	eventBus.Subscribe(m.Observe)

	e := echo.New()
	api.NewServer(orch, broker, db.DB, m.Registry(), logger).Register(e)

	httpServer := &http.Server{
		Addr:              settings.Addr(),
		Handler:           e,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		logger.Error("Server error triggered shutdown", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}
	if err := orch.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Orchestrator shutdown incomplete, tasks cancelled", "error", err)
	}

	logger.Info("Shutdown complete")
}
