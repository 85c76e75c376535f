// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Chain adapters. ChainRPCs maps chain id ("base", "ethereum", ...) to an
	// RPC endpoint; chains without an entry get the in-process fake adapter.
	ChainRPCs    map[string]string
	DefaultChain string

	// Escrow lifecycle
	EscrowDefaultTTL time.Duration
	EscrowMinTTL     time.Duration
	EscrowMaxTTL     time.Duration
	SweepInterval    time.Duration

	// Settlement
	SettleMaxAttempts int

	// Observability
	OTLPEndpoint string // OTLP gRPC endpoint for traces (optional)
}

const (
	DefaultPort        = "8080"
	DefaultEnv         = "development"
	DefaultLogLevel    = "info"
	DefaultChain       = "base"
	DefaultTTL         = 24 * time.Hour
	MinTTL             = time.Hour
	MaxTTL             = 72 * time.Hour
	DefaultSweep       = time.Minute
	DefaultMaxAttempts = 5
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:              getEnv("PORT", DefaultPort),
		Env:               getEnv("ENV", DefaultEnv),
		LogLevel:          getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:       os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		ChainRPCs:         parseChainRPCs(os.Getenv("CHAIN_RPCS")),
		DefaultChain:      getEnv("DEFAULT_CHAIN", DefaultChain),
		EscrowDefaultTTL:  getEnvDuration("ESCROW_DEFAULT_TTL", DefaultTTL),
		EscrowMinTTL:      getEnvDuration("ESCROW_MIN_TTL", MinTTL),
		EscrowMaxTTL:      getEnvDuration("ESCROW_MAX_TTL", MaxTTL),
		SweepInterval:     getEnvDuration("SWEEP_INTERVAL", DefaultSweep),
		SettleMaxAttempts: int(getEnvInt64("SETTLE_MAX_ATTEMPTS", DefaultMaxAttempts)),
		OTLPEndpoint:      os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present and sane
func (c *Config) Validate() error {
	if c.EscrowMinTTL <= 0 || c.EscrowMaxTTL < c.EscrowMinTTL {
		return fmt.Errorf("escrow TTL bounds invalid: min=%s max=%s", c.EscrowMinTTL, c.EscrowMaxTTL)
	}
	if c.EscrowDefaultTTL < c.EscrowMinTTL || c.EscrowDefaultTTL > c.EscrowMaxTTL {
		return fmt.Errorf("ESCROW_DEFAULT_TTL %s outside [%s, %s]", c.EscrowDefaultTTL, c.EscrowMinTTL, c.EscrowMaxTTL)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive")
	}
	if c.SettleMaxAttempts < 1 {
		return fmt.Errorf("SETTLE_MAX_ATTEMPTS must be at least 1")
	}
	if c.DefaultChain == "" {
		return fmt.Errorf("DEFAULT_CHAIN is required")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// parseChainRPCs parses "base=https://...,ethereum=https://..." pairs.
// Malformed entries are skipped.
func parseChainRPCs(s string) map[string]string {
	out := make(map[string]string)
	if s == "" {
		return out
	}
	for _, pair := range strings.Split(s, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || k == "" || v == "" {
			continue
		}
		out[strings.ToLower(k)] = v
	}
	return out
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
