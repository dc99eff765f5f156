package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultCompletionURL is the worker that proxies the language model.
const DefaultCompletionURL = "https://claude.daviderappa96.workers.dev"

// Config holds application configuration values.
// Values come from an optional YAML file (CONFIG_FILE), then environment
// variables, which take precedence.
type Config struct {
	Env      string `yaml:"env"`
	LogLevel string `yaml:"log_level"`
	HTTPPort string `yaml:"http_port"`

	// StoreDriver is one of postgres, supabase or sqlite.
	StoreDriver string `yaml:"store_driver"`
	DatabaseURL string `yaml:"database_url"`
	SupabaseURL string `yaml:"supabase_url"`
	SupabaseKey string `yaml:"supabase_key"`

	// AuthProvider is local or supabase.
	AuthProvider    string        `yaml:"auth_provider"`
	JWTSecret       string        `yaml:"jwt_secret"`
	TokenExpiration time.Duration `yaml:"token_expiration"`

	CompletionURL string `yaml:"completion_url"`
	DefaultModel  string `yaml:"default_model"`

	CORSOrigins []string `yaml:"cors_origins"`

	// EncryptionKey protects the terminal client's saved session (32 bytes, optional).
	EncryptionKey []byte `yaml:"-"`
}

// LoadConfig loads configuration from the optional YAML file and the environment.
// It looks for a .env file first, then checks actual environment variables.
func LoadConfig() (*Config, error) {
	// Not finding .env is fine outside development.
	_ = godotenv.Load()

	cfg := defaults()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Env:             "development",
		LogLevel:        "info",
		HTTPPort:        "8080",
		StoreDriver:     "sqlite",
		DatabaseURL:     "mycomanager.db",
		AuthProvider:    "local",
		JWTSecret:       "default-super-secret-key",
		TokenExpiration: 24 * time.Hour,
		CompletionURL:   DefaultCompletionURL,
		CORSOrigins:     []string{"http://localhost:3000", "http://localhost:5173"},
	}
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	c.Env = getEnv("ENV", c.Env)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.HTTPPort = getEnv("HTTP_PORT", c.HTTPPort)
	c.StoreDriver = getEnv("STORE_DRIVER", c.StoreDriver)
	c.DatabaseURL = getEnv("DATABASE_URL", c.DatabaseURL)
	c.SupabaseURL = getEnv("SUPABASE_URL", c.SupabaseURL)
	c.SupabaseKey = getEnv("SUPABASE_ANON_KEY", c.SupabaseKey)
	c.AuthProvider = getEnv("AUTH_PROVIDER", c.AuthProvider)
	c.JWTSecret = getEnv("JWT_SECRET", c.JWTSecret)
	c.CompletionURL = getEnv("COMPLETION_URL", c.CompletionURL)
	c.DefaultModel = getEnv("DEFAULT_MODEL", c.DefaultModel)

	if v := getEnv("JWT_EXPIRATION_HOURS", ""); v != "" {
		hours, err := strconv.Atoi(v)
		if err != nil || hours <= 0 {
			return fmt.Errorf("invalid JWT_EXPIRATION_HOURS %q", v)
		}
		c.TokenExpiration = time.Duration(hours) * time.Hour
	}

	if v := getEnv("CORS_ORIGINS", ""); v != "" {
		c.CORSOrigins = nil
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				c.CORSOrigins = append(c.CORSOrigins, o)
			}
		}
	}

	// The key must be 64 hex characters for AES-256.
	if v := getEnv("ENCRYPTION_KEY", ""); v != "" {
		key, err := hex.DecodeString(v)
		if err != nil {
			return fmt.Errorf("failed to decode ENCRYPTION_KEY from hex: %w", err)
		}
		if len(key) != 32 {
			return fmt.Errorf("ENCRYPTION_KEY must be 32 bytes (64 hex characters) long, got %d bytes", len(key))
		}
		c.EncryptionKey = key
	}
	return nil
}

// Validate checks that the selected drivers have what they need.
func (c *Config) Validate() error {
	var errs []error
	switch c.StoreDriver {
	case "postgres", "sqlite":
		if c.DatabaseURL == "" {
			errs = append(errs, fmt.Errorf("DATABASE_URL is required for the %s store", c.StoreDriver))
		}
	case "supabase":
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver))
	}

	switch c.AuthProvider {
	case "local":
		if c.JWTSecret == "" {
			errs = append(errs, errors.New("JWT_SECRET is required for local auth"))
		}
		if c.StoreDriver == "supabase" {
			errs = append(errs, errors.New("local auth needs a postgres or sqlite store"))
		}
	case "supabase":
	default:
		errs = append(errs, fmt.Errorf("unknown AUTH_PROVIDER %q", c.AuthProvider))
	}

	if c.UsesSupabase() && (c.SupabaseURL == "" || c.SupabaseKey == "") {
		errs = append(errs, errors.New("SUPABASE_URL and SUPABASE_ANON_KEY are required"))
	}
	if c.CompletionURL == "" {
		errs = append(errs, errors.New("COMPLETION_URL is required"))
	}
	return errors.Join(errs...)
}

// UsesSupabase reports whether any component talks to Supabase.
func (c *Config) UsesSupabase() bool {
	return c.StoreDriver == "supabase" || c.AuthProvider == "supabase"
}

// IsProduction reports whether production logging should be used.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// getEnv retrieves an environment variable or returns a default value.
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}
