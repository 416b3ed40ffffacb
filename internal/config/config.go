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
	Port        string
	Env         string // "development", "staging", "production"
	LogLevel    string
	LogFormat   string // "text" or "json"
	APIBasePath string // route prefix; "" or "/" mounts routes unprefixed

	// Store
	DatabaseURL   string // PostgreSQL connection string (optional, in-memory if not set)
	DBTableName   string // logical item-table name
	DBTableRegion string // informational deployment label, logged at boot

	// Auth (token issuance lives in the user service; the core only verifies)
	JWTSecret    string
	JWTExpiresIn time.Duration
	SaltRounds   int // passed through to the user service, unused by the core

	// Idempotency
	IdempotencyTTLDays int

	// Events
	QueueURL           string // outbound event sink; empty disables emission
	EventWebhookSecret string // HMAC key for signed deliveries

	// Refund semantics: when true a refund also releases budget usage.
	RefundRestoresBudget bool

	// Rate limiting (per-IP sliding window)
	RateLimitRequests int
	RateLimitWindowMS int64

	// Observability
	OTLPEndpoint       string
	CORSAllowedOrigins []string
}

const (
	DefaultPort               = "8080"
	DefaultEnv                = "development"
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "text"
	DefaultAPIBasePath        = "/api"
	DefaultDBTableName        = "kudu_items"
	DefaultJWTExpiresIn       = 24 * time.Hour
	DefaultSaltRounds         = 10
	DefaultIdempotencyTTLDays = 14
	DefaultRateLimitRequests  = 60
	DefaultRateLimitWindowMS  = 60_000

	// devJWTSecret keeps local setups zero-config. Validate rejects it
	// outside development.
	devJWTSecret = "kudu-dev-secret-do-not-use-in-production"
)

// Load reads configuration from environment variables.
// It loads .env first if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", DefaultPort),
		Env:                  getEnv("ENVIRONMENT", DefaultEnv),
		LogLevel:             getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:            getEnv("LOG_FORMAT", DefaultLogFormat),
		APIBasePath:          normalizeBasePath(getEnv("API_BASE_PATH", DefaultAPIBasePath)),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		DBTableName:          getEnv("DB_TABLE_NAME", DefaultDBTableName),
		DBTableRegion:        os.Getenv("DB_TABLE_REGION"),
		JWTSecret:            getEnv("JWT_SECRET", devJWTSecret),
		JWTExpiresIn:         getEnvDuration("JWT_EXPIRES_IN", DefaultJWTExpiresIn),
		SaltRounds:           int(getEnvInt64("SALT_ROUNDS", DefaultSaltRounds)),
		IdempotencyTTLDays:   int(getEnvInt64("IDEMPOTENCY_TTL_DAYS", DefaultIdempotencyTTLDays)),
		QueueURL:             os.Getenv("QUEUE_URL"),
		EventWebhookSecret:   os.Getenv("EVENT_WEBHOOK_SECRET"),
		RefundRestoresBudget: getEnvBool("REFUND_RESTORES_BUDGET", false),
		RateLimitRequests:    int(getEnvInt64("RATE_LIMIT_REQUESTS", DefaultRateLimitRequests)),
		RateLimitWindowMS:    getEnvInt64("RATE_LIMIT_WINDOW_MS", DefaultRateLimitWindowMS),
		OTLPEndpoint:         os.Getenv("OTLP_ENDPOINT"),
		CORSAllowedOrigins:   splitCSV(getEnv("CORS_ALLOWED_ORIGINS", "*")),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is usable; production tightens
// the rules.
func (c *Config) Validate() error {
	if c.IsProduction() {
		if c.JWTSecret == "" || c.JWTSecret == devJWTSecret {
			return fmt.Errorf("JWT_SECRET is required in production")
		}
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in production (in-memory store is not durable)")
		}
	}
	if c.IdempotencyTTLDays <= 0 {
		return fmt.Errorf("IDEMPOTENCY_TTL_DAYS must be positive, got %d", c.IdempotencyTTLDays)
	}
	if c.RateLimitRequests <= 0 || c.RateLimitWindowMS <= 0 {
		return fmt.Errorf("rate limit window must be positive (requests=%d window_ms=%d)",
			c.RateLimitRequests, c.RateLimitWindowMS)
	}
	if c.JWTExpiresIn <= 0 {
		return fmt.Errorf("JWT_EXPIRES_IN must be positive")
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

// IdempotencyTTL returns the record lifetime as a duration.
func (c *Config) IdempotencyTTL() time.Duration {
	return time.Duration(c.IdempotencyTTLDays) * 24 * time.Hour
}

// RateLimitWindow returns the sliding-window width.
func (c *Config) RateLimitWindow() time.Duration {
	return time.Duration(c.RateLimitWindowMS) * time.Millisecond
}

// normalizeBasePath maps "" and "/" to unprefixed and guarantees a single
// leading slash otherwise ("api" and "/api" both mean "/api").
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" || p == "/" {
		return ""
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return strings.TrimRight(p, "/")
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

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
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

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
