package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old := os.Getenv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if old == "" {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func TestLoadDefaults(t *testing.T) {
	setEnv(t, "ENVIRONMENT", "")
	setEnv(t, "PORT", "")
	setEnv(t, "API_BASE_PATH", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultEnv, cfg.Env)
	assert.Equal(t, DefaultAPIBasePath, cfg.APIBasePath)
	assert.Equal(t, DefaultDBTableName, cfg.DBTableName)
	assert.Equal(t, DefaultIdempotencyTTLDays, cfg.IdempotencyTTLDays)
	assert.Equal(t, DefaultJWTExpiresIn, cfg.JWTExpiresIn)
	assert.Equal(t, 14*24*time.Hour, cfg.IdempotencyTTL())
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())
}

func TestLoadOverrides(t *testing.T) {
	setEnv(t, "PORT", "9090")
	setEnv(t, "API_BASE_PATH", "api")
	setEnv(t, "IDEMPOTENCY_TTL_DAYS", "7")
	setEnv(t, "JWT_EXPIRES_IN", "2h")
	setEnv(t, "RATE_LIMIT_REQUESTS", "10")
	setEnv(t, "RATE_LIMIT_WINDOW_MS", "5000")
	setEnv(t, "REFUND_RESTORES_BUDGET", "true")
	setEnv(t, "CORS_ALLOWED_ORIGINS", "https://app.kudu.example, https://admin.kudu.example")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "/api", cfg.APIBasePath, "bare path gets a leading slash")
	assert.Equal(t, 7, cfg.IdempotencyTTLDays)
	assert.Equal(t, 2*time.Hour, cfg.JWTExpiresIn)
	assert.Equal(t, 10, cfg.RateLimitRequests)
	assert.Equal(t, 5*time.Second, cfg.RateLimitWindow())
	assert.True(t, cfg.RefundRestoresBudget)
	assert.Equal(t, []string{"https://app.kudu.example", "https://admin.kudu.example"}, cfg.CORSAllowedOrigins)
}

func TestBasePathNormalization(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", ""},
		{"/", ""},
		{"/api", "/api"},
		{"api", "/api"},
		{"/api/", "/api"},
		{"  /v2  ", "/v2"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, normalizeBasePath(tt.in), "input %q", tt.in)
	}
}

func TestProductionRequiresSecrets(t *testing.T) {
	setEnv(t, "ENVIRONMENT", "production")
	setEnv(t, "JWT_SECRET", "")
	setEnv(t, "DATABASE_URL", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_SECRET")
}

func TestProductionRequiresDatabase(t *testing.T) {
	setEnv(t, "ENVIRONMENT", "production")
	setEnv(t, "JWT_SECRET", "a-real-secret")
	setEnv(t, "DATABASE_URL", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"zero ttl", func(c *Config) { c.IdempotencyTTLDays = 0 }, "IDEMPOTENCY_TTL_DAYS"},
		{"zero rate limit", func(c *Config) { c.RateLimitRequests = 0 }, "rate limit"},
		{"negative window", func(c *Config) { c.RateLimitWindowMS = -5 }, "rate limit"},
		{"zero jwt lifetime", func(c *Config) { c.JWTExpiresIn = 0 }, "JWT_EXPIRES_IN"},
		{"production without secret", func(c *Config) {
			c.Env = "production"
			c.JWTSecret = devJWTSecret
			c.DatabaseURL = "postgres://x"
		}, "JWT_SECRET"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{
				Env:                "development",
				JWTSecret:          devJWTSecret,
				JWTExpiresIn:       DefaultJWTExpiresIn,
				IdempotencyTTLDays: DefaultIdempotencyTTLDays,
				RateLimitRequests:  DefaultRateLimitRequests,
				RateLimitWindowMS:  DefaultRateLimitWindowMS,
			}
			tt.mutate(&cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestMalformedNumbersFallBack(t *testing.T) {
	setEnv(t, "ENVIRONMENT", "development")
	setEnv(t, "IDEMPOTENCY_TTL_DAYS", "not-a-number")
	setEnv(t, "JWT_EXPIRES_IN", "garbage")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultIdempotencyTTLDays, cfg.IdempotencyTTLDays)
	assert.Equal(t, DefaultJWTExpiresIn, cfg.JWTExpiresIn)
}
