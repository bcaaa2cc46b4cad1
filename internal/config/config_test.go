package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "8080", cfg.ServerPort)
	assert.Equal(t, "nats", cfg.StorageBackend)
	assert.Equal(t, "console", cfg.NATSBucketPrefix)
	assert.True(t, cfg.NATSProvisionIndexes)
	assert.Equal(t, 5, cfg.NATSConnectAttempts)
	assert.Equal(t, 5*time.Minute, cfg.KBCacheTTL)
	assert.Equal(t, int64(5*1024*1024), cfg.MaxUploadBytes)
	assert.Equal(t, "https://graph.facebook.com/v18.0", cfg.WhatsAppAPIBaseURL)
	assert.False(t, cfg.WhatsAppConfigured())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("KB_CACHE_TTL", "30s")
	t.Setenv("NATS_PROVISION_INDEXES", "false")
	t.Setenv("WHATSAPP_ACCESS_TOKEN", "token")
	t.Setenv("WHATSAPP_PHONE_ID", "100200")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://console.example, https://widget.example")
	t.Setenv("PUBLIC_BASE_URL", "https://api.example/")

	cfg := Load()

	assert.Equal(t, "9090", cfg.ServerPort)
	assert.Equal(t, 30*time.Second, cfg.KBCacheTTL)
	assert.False(t, cfg.NATSProvisionIndexes)
	assert.True(t, cfg.WhatsAppConfigured())
	assert.Equal(t, []string{"https://console.example", "https://widget.example"}, cfg.AllowedOrigins)
	assert.Equal(t, "https://api.example", cfg.PublicBaseURL)
}

func TestLoad_InvalidValuesKeepDefaults(t *testing.T) {
	t.Setenv("RATE_LIMIT_REQUESTS", "lots")
	t.Setenv("TRACING_ENABLED", "maybe")
	t.Setenv("RATE_LIMIT_WINDOW", "soon")

	cfg := Load()

	assert.Equal(t, 120, cfg.RateLimitRequests)
	assert.False(t, cfg.TracingEnabled)
	assert.Equal(t, time.Minute, cfg.RateLimitWindow)
}
