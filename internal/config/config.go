// Package config provides environment configuration for the API server.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	ServerPort         string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration
	PublicBaseURL      string
	AllowedOrigins     []string

	// Storage backend: "nats" or "memory"
	StorageBackend string

	// NATS settings
	NATSURL              string
	NATSCAFile           string
	NATSCertFile         string
	NATSKeyFile          string
	NATSToken            string
	NATSBucketPrefix     string
	NATSProvisionIndexes bool
	NATSConnectAttempts  int

	// Agent authentication. Firebase wins when a project ID is set.
	JWTSecret               string
	FirebaseProjectID       string
	FirebaseCredentialsFile string

	// WhatsApp Cloud API
	WhatsAppVerifyToken string
	WhatsAppAccessToken string
	WhatsAppPhoneID     string
	WhatsAppAPIBaseURL  string
	WhatsAppTimeout     time.Duration

	// AI assistant
	AnthropicAPIKey string
	OpenAIAPIKey    string
	DefaultLLM      string
	AIModel         string

	// Rate limiting
	RateLimitRequests       int
	RateLimitWindow         time.Duration
	PublicRateLimitRequests int

	// Reference data and uploads
	KBCacheTTL     time.Duration
	MaxUploadBytes int64

	// Logging
	LogLevel  string
	LogFormat string

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool
}

// Load reads configuration from environment variables.
func Load() *Config {
	return &Config{
		// Server
		ServerPort:         getEnv("PORT", "8080"),
		ServerReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
		ServerWriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 0),
		PublicBaseURL:      strings.TrimRight(getEnv("PUBLIC_BASE_URL", "http://localhost:8080"), "/"),
		AllowedOrigins:     getListEnv("CORS_ALLOWED_ORIGINS", []string{"https://*", "http://*"}),

		// Storage
		StorageBackend: getEnv("STORAGE_BACKEND", "nats"),

		// NATS
		NATSURL:              getEnv("NATS_URL", "nats://localhost:4222"),
		NATSCAFile:           getEnv("NATS_CA_FILE", ""),
		NATSCertFile:         getEnv("NATS_CERT_FILE", ""),
		NATSKeyFile:          getEnv("NATS_KEY_FILE", ""),
		NATSToken:            getEnv("NATS_TOKEN", ""),
		NATSBucketPrefix:     getEnv("NATS_BUCKET_PREFIX", "console"),
		NATSProvisionIndexes: getBoolEnv("NATS_PROVISION_INDEXES", true),
		NATSConnectAttempts:  getIntEnv("NATS_CONNECT_ATTEMPTS", 5),

		// Auth
		JWTSecret:               getEnv("JWT_SECRET", "development-secret-change-in-production"),
		FirebaseProjectID:       getEnv("FIREBASE_PROJECT_ID", ""),
		FirebaseCredentialsFile: getEnv("FIREBASE_CREDENTIALS_FILE", ""),

		// WhatsApp
		WhatsAppVerifyToken: getEnv("WHATSAPP_VERIFY_TOKEN", ""),
		WhatsAppAccessToken: getEnv("WHATSAPP_ACCESS_TOKEN", ""),
		WhatsAppPhoneID:     getEnv("WHATSAPP_PHONE_ID", ""),
		WhatsAppAPIBaseURL:  getEnv("WHATSAPP_API_BASE_URL", "https://graph.facebook.com/v18.0"),
		WhatsAppTimeout:     getDurationEnv("WHATSAPP_TIMEOUT", 15*time.Second),

		// AI
		AnthropicAPIKey: getEnv("ANTHROPIC_API_KEY", ""),
		OpenAIAPIKey:    getEnv("OPENAI_API_KEY", ""),
		DefaultLLM:      getEnv("DEFAULT_LLM", "anthropic"),
		AIModel:         getEnv("AI_MODEL", ""),

		// Rate limiting
		RateLimitRequests:       getIntEnv("RATE_LIMIT_REQUESTS", 120),
		RateLimitWindow:         getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),
		PublicRateLimitRequests: getIntEnv("PUBLIC_RATE_LIMIT_REQUESTS", 30),

		// Reference data and uploads
		KBCacheTTL:     getDurationEnv("KB_CACHE_TTL", 5*time.Minute),
		MaxUploadBytes: int64(getIntEnv("MAX_UPLOAD_BYTES", 5*1024*1024)),

		// Logging
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),

		// Tracing
		TracingEndpoint: getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingEnabled:  getBoolEnv("TRACING_ENABLED", false),
	}
}

// WhatsAppConfigured reports whether outbound WhatsApp delivery has credentials.
func (c *Config) WhatsAppConfigured() bool {
	return c.WhatsAppAccessToken != "" && c.WhatsAppPhoneID != ""
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getListEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
