// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Storage
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisURL    string // Redis cache backend (optional, uses in-memory cache if not set)

	// Chain settings
	Chain          string // chain name used in records and cache keys
	RPCURL         string
	FallbackRPCURL string // second RPC endpoint for ingestion failover (optional)
	ChainID        int64

	// Scoring policy
	TrustFloor        float64  // spender trust below this counts as "unknown"
	VerifiedOperators []string // Permit2 operators exempt from the unverified-operator floor

	// Ingestion
	IngestRPS int // per-chain ingestion rate limit

	// API
	RateLimitRPM int

	// Observability
	OTLPEndpoint string
}

// Base mainnet defaults
const (
	DefaultChain        = "base"
	DefaultRPCURL       = "https://mainnet.base.org"
	DefaultChainID      = 8453 // Base
	DefaultPort         = "8080"
	DefaultEnv          = "development"
	DefaultLogLevel     = "info"
	DefaultTrustFloor   = 0.20
	DefaultIngestRPS    = 10
	DefaultRateLimitRPM = 120
)

// Load reads configuration from environment variables.
// It loads a .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:              getEnv("PORT", DefaultPort),
		Env:               getEnv("ENV", DefaultEnv),
		LogLevel:          getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:       os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		RedisURL:          os.Getenv("REDIS_URL"),    // Optional, uses in-memory cache if not set
		Chain:             getEnv("CHAIN", DefaultChain),
		RPCURL:            getEnv("RPC_URL", DefaultRPCURL),
		FallbackRPCURL:    os.Getenv("FALLBACK_RPC_URL"), // Optional, ingestion retries the primary if not set
		ChainID:           getEnvInt64("CHAIN_ID", DefaultChainID),
		TrustFloor:        getEnvFloat("TRUST_FLOOR", DefaultTrustFloor),
		VerifiedOperators: getEnvList("VERIFIED_OPERATORS"),
		IngestRPS:         int(getEnvInt64("INGEST_RPS", DefaultIngestRPS)),
		RateLimitRPM:      int(getEnvInt64("RATE_LIMIT_RPM", int64(DefaultRateLimitRPM))),
		OTLPEndpoint:      os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present and sane
func (c *Config) Validate() error {
	if c.RPCURL == "" {
		return fmt.Errorf("RPC_URL is required")
	}
	if c.TrustFloor < 0 || c.TrustFloor > 1 {
		return fmt.Errorf("TRUST_FLOOR must be in [0,1], got %v", c.TrustFloor)
	}
	if c.Chain == "" {
		return fmt.Errorf("CHAIN is required")
	}
	if c.IngestRPS <= 0 {
		return fmt.Errorf("INGEST_RPS must be positive, got %d", c.IngestRPS)
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

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(strings.ToLower(p))
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
