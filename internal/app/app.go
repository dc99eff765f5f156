// Package app wires configuration into the storage backend, the auth
// provider, the completion client and the session service. Both the HTTP
// server and the terminal client start from here.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"mycomanager-backend/internal/auth"
	"mycomanager-backend/internal/completion"
	"mycomanager-backend/internal/config"
	"mycomanager-backend/internal/metrics"
	"mycomanager-backend/internal/realtime"
	"mycomanager-backend/internal/services"
	"mycomanager-backend/internal/store"
	"mycomanager-backend/internal/store/postgres"
	"mycomanager-backend/internal/store/sqlite"
	supastore "mycomanager-backend/internal/store/supabase"

	"github.com/supabase-community/supabase-go"
	"go.uber.org/zap"
)

const completionTimeout = 2 * time.Minute

// App holds the long-lived components.
type App struct {
	Config   *config.Config
	Metrics  *metrics.Collector
	Provider auth.Provider
	Sessions *services.SessionService

	backend *store.Backend
	logger  *zap.Logger
}

// Registry returns a store registry with every built-in driver.
func Registry(logger *zap.Logger) *store.Registry {
	registry := store.NewRegistry(logger)
	registry.Register("postgres", postgres.Driver)
	registry.Register("sqlite", sqlite.Driver)
	registry.Register("supabase", supastore.Driver)
	return registry
}

// New opens the configured backend and builds the session service on top of it.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	collector := metrics.NewCollector("mycomanager")

	backend, err := Registry(logger.Named("store")).Open(ctx, cfg.StoreDriver, store.DriverConfig{
		DatabaseURL: cfg.DatabaseURL,
		SupabaseURL: cfg.SupabaseURL,
		SupabaseKey: cfg.SupabaseKey,
	})
	if err != nil {
		return nil, err
	}

	provider, err := newProvider(cfg, backend, logger.Named("auth"))
	if err != nil {
		backend.Close()
		return nil, err
	}

	completer := completion.NewClient(completion.Config{
		URL:          cfg.CompletionURL,
		DefaultModel: cfg.DefaultModel,
		HTTPClient:   &http.Client{Timeout: completionTimeout},
		Observer:     collector,
	}, logger.Named("completion"))

	var transport realtime.Transport
	if cfg.StoreDriver == "supabase" {
		transport = realtime.NewPhoenixTransport(realtime.PhoenixConfig{
			URL:    cfg.SupabaseURL,
			APIKey: cfg.SupabaseKey,
		}, logger.Named("realtime"))
	} else {
		logger.Info("live updates disabled, they need the supabase store", zap.String("store", cfg.StoreDriver))
	}

	sessions := services.NewSessionService(services.SessionServiceConfig{
		Provider:     provider,
		OpenStore:    backend.Open,
		Completer:    completer,
		Transport:    transport,
		Metrics:      collector,
		DefaultModel: completer.DefaultModel(),
	}, logger.Named("sessions"))

	return &App{
		Config:   cfg,
		Metrics:  collector,
		Provider: provider,
		Sessions: sessions,
		backend:  backend,
		logger:   logger,
	}, nil
}

func newProvider(cfg *config.Config, backend *store.Backend, logger *zap.Logger) (auth.Provider, error) {
	switch cfg.AuthProvider {
	case "supabase":
		client, err := supabase.NewClient(cfg.SupabaseURL, cfg.SupabaseKey, nil)
		if err != nil {
			return nil, fmt.Errorf("unable to create Supabase client: %w", err)
		}
		return auth.NewSupabaseProvider(client.Auth, logger), nil
	case "local":
		if backend.Users == nil {
			return nil, fmt.Errorf("store %q cannot hold local users", cfg.StoreDriver)
		}
		return services.NewLocalProvider(backend.Users, cfg.JWTSecret, cfg.TokenExpiration, logger), nil
	default:
		return nil, fmt.Errorf("unknown auth provider %q", cfg.AuthProvider)
	}
}

// Close tears down every session, then the backend.
func (a *App) Close() {
	a.Sessions.Close()
	a.backend.Close()
	a.logger.Info("application closed")
}
