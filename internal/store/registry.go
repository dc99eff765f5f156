package store

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// DriverConfig carries the connection settings a driver may need.
type DriverConfig struct {
	DatabaseURL string
	SupabaseURL string
	SupabaseKey string
}

// Backend is an opened storage backend.
// Open returns a Store bound to the caller's access token; drivers that
// connect with a service account ignore the token and share one Store.
type Backend struct {
	Open  func(ctx context.Context, accessToken string) (Store, error)
	Users UserStore // nil when users live in an external auth provider
	Close func()
}

// Driver opens a Backend from configuration.
type Driver func(ctx context.Context, cfg DriverConfig, logger *zap.Logger) (*Backend, error)

// Shared wraps a single Store into a token-agnostic opener.
func Shared(s Store) func(ctx context.Context, accessToken string) (Store, error) {
	return func(context.Context, string) (Store, error) {
		return s, nil
	}
}

// Registry holds the mapping between driver names and their implementations.
type Registry struct {
	drivers map[string]Driver
	logger  *zap.Logger
}

// NewRegistry creates a new driver registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		drivers: make(map[string]Driver),
		logger:  logger,
	}
}

// Register adds a driver to the registry.
func (r *Registry) Register(name string, driver Driver) {
	if _, exists := r.drivers[name]; exists {
		r.logger.Warn("store driver already registered, overwriting", zap.String("driver", name))
	}
	r.drivers[name] = driver
	r.logger.Debug("registered store driver", zap.String("driver", name))
}

// Get retrieves a driver by name.
func (r *Registry) Get(name string) (Driver, error) {
	driver, exists := r.drivers[name]
	if !exists {
		return nil, fmt.Errorf("no store driver registered for %q", name)
	}
	return driver, nil
}

// Open looks up the named driver and opens its backend.
func (r *Registry) Open(ctx context.Context, name string, cfg DriverConfig) (*Backend, error) {
	driver, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	backend, err := driver(ctx, cfg, r.logger.With(zap.String("driver", name)))
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", name, err)
	}
	if backend.Close == nil {
		backend.Close = func() {}
	}
	return backend, nil
}
