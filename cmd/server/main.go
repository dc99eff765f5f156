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

	"mycomanager-backend/internal/api"
	"mycomanager-backend/internal/app"
	"mycomanager-backend/internal/config"
	"mycomanager-backend/internal/handlers"
	"mycomanager-backend/internal/logging"

	"go.uber.org/zap"
)

func main() {
	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.IsProduction(), cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server stopped with error", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	logger.Info("Starting MycoManager backend",
		zap.String("store", cfg.StoreDriver),
		zap.String("auth", cfg.AuthProvider),
		zap.String("port", cfg.HTTPPort))

	// 2. Store, auth provider, completion client and sessions
	openCtx, openCancel := context.WithTimeout(context.Background(), 10*time.Second)
	application, err := app.New(openCtx, cfg, logger)
	openCancel()
	if err != nil {
		return err
	}
	defer application.Close()

	sessions := application.Sessions

	// 3. Handlers and router
	router := api.NewRouter(api.RouterDependencies{
		AuthHandler:    handlers.NewAuthHandler(sessions, logger),
		ProfileHandler: handlers.NewProfileHandler(sessions, logger),
		ChatHandler:    handlers.NewChatHandlers(sessions, logger),
		EventsHandler:  handlers.NewEventsHandler(sessions, cfg.CORSOrigins, application.Metrics.EventClients, logger),
		Verifier:       application.Provider,
		Metrics:        application.Metrics,
		Config:         cfg,
		Logger:         logger.Named("http"),
	})

	// 4. Configure and Start HTTP Server
	server := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		// A send waits on the completion client, which has its own limit.
		WriteTimeout: 3 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	stopChan := make(chan os.Signal, 1)
	signal.Notify(stopChan, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("could not listen on %s: %w", server.Addr, err)
	case <-stopChan:
	}
	logger.Info("Shutdown signal received, initiating graceful shutdown...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Server graceful shutdown failed", zap.Error(err))
	}
	logger.Info("Server shutdown complete")
	return nil
}
