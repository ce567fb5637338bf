// Package config loads server configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the licensing backend.
type Config struct {
	Environment string // "production" or "development"
	DataDir     string
	BindAddress string
	Port        int

	// AdminKey authenticates administrative API calls.
	AdminKey string

	// SigningSeed is the base64 Ed25519 seed for the signing context.
	// Required in production; development falls back to an ephemeral key.
	SigningSeed string

	StripeWebhookSecret string

	PostmarkToken string // optional; emails are logged when empty
	EmailFrom     string

	PublicMetrics bool
	LogLevel      string
	LogFormat     string
}

// IsProduction reports whether the server runs in production mode.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// Load reads configuration from environment variables. A .env file is
// loaded if present but not required.
func Load() (*Config, error) {
	_ = godotenv.Load()

	port, err := envOrDefaultInt("KEYGATE_PORT", 8443)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Environment:         envOrDefault("KEYGATE_ENV", "development"),
		DataDir:             envOrDefault("KEYGATE_DATA_DIR", "/data"),
		BindAddress:         envOrDefault("KEYGATE_BIND_ADDRESS", "0.0.0.0"),
		Port:                port,
		AdminKey:            strings.TrimSpace(os.Getenv("KEYGATE_ADMIN_KEY")),
		SigningSeed:         strings.TrimSpace(os.Getenv("KEYGATE_SIGNING_SEED")),
		StripeWebhookSecret: strings.TrimSpace(os.Getenv("STRIPE_WEBHOOK_SECRET")),
		PostmarkToken:       strings.TrimSpace(os.Getenv("POSTMARK_SERVER_TOKEN")),
		EmailFrom:           envOrDefault("KEYGATE_EMAIL_FROM", "licenses@keygate.io"),
		PublicMetrics:       envBool("KEYGATE_PUBLIC_METRICS"),
		LogLevel:            envOrDefault("KEYGATE_LOG_LEVEL", "info"),
		LogFormat:           envOrDefault("KEYGATE_LOG_FORMAT", "auto"),
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	switch c.Environment {
	case "production", "development":
	default:
		return fmt.Errorf("unknown environment %q", c.Environment)
	}
	if c.IsProduction() {
		if c.SigningSeed == "" {
			return fmt.Errorf("KEYGATE_SIGNING_SEED is required in production: issued keys must remain verifiable across restarts")
		}
		if c.AdminKey == "" {
			return fmt.Errorf("KEYGATE_ADMIN_KEY is required in production")
		}
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return n, nil
}

func envBool(key string) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
