package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	// Application
	AppEnv        string
	LogLevel      string
	EncryptionKey string

	// Database. DatabaseURL selects PostgreSQL; empty runs on the local
	// SQLite file at SQLitePath.
	DatabaseURL string
	SQLitePath  string

	// Redis
	RedisURL string

	// RabbitMQ
	RabbitMQURL string

	// Sync pipeline
	SyncScanInterval  time.Duration
	SyncCallDeadline  time.Duration
	SyncFullBudget    time.Duration
	SyncPollQueueSize int

	// Write pipeline
	WriteQueueSize        int
	WriteMaxRetries       int
	WriteRetryBackoffBase time.Duration
	WriteRetryBackoffMax  time.Duration
	WriteAccountInflight  int

	// Maintainer
	ChannelRenewInterval  time.Duration
	ChannelRenewThreshold time.Duration
	TokenHealthInterval   time.Duration
	DriftScanInterval     time.Duration
	HoldGCInterval        time.Duration
	SessionMaxAge         time.Duration

	// Journal feed
	JournalFeedPollInterval time.Duration
	JournalFeedBatchSize    int

	// Provider
	GoogleClientID        string
	GoogleClientSecret    string
	MicrosoftClientID     string
	MicrosoftClientSecret string
	BusyMarkerTitle       string

	// HTTP
	APIAddr    string
	HealthAddr string
	// WebhookBaseURL is the public origin providers push notifications to,
	// e.g. https://api.tminus.example.com. Empty disables push channels.
	WebhookBaseURL string

	// Account rate limiting
	AccountRateLimit int
	AccountRateBurst int
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{
		AppEnv:        getEnv("APP_ENV", "development"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		EncryptionKey: getEnv("TMINUS_ENCRYPTION_KEY", ""),
		DatabaseURL:   getEnv("DATABASE_URL", ""),
		SQLitePath:    getEnv("TMINUS_DB_PATH", ""),
		RedisURL:      getEnv("REDIS_URL", "redis://localhost:6379/0"),
		RabbitMQURL:   getEnv("RABBITMQ_URL", ""),

		SyncScanInterval:  getDurationEnv("SYNC_SCAN_INTERVAL", 15*time.Minute),
		SyncCallDeadline:  getDurationEnv("SYNC_CALL_DEADLINE", 30*time.Second),
		SyncFullBudget:    getDurationEnv("SYNC_FULL_BUDGET", 5*time.Minute),
		SyncPollQueueSize: getIntEnv("SYNC_POLL_QUEUE_SIZE", 256),

		WriteQueueSize:        getIntEnv("WRITE_QUEUE_SIZE", 128),
		WriteMaxRetries:       getIntEnv("WRITE_MAX_RETRIES", 5),
		WriteRetryBackoffBase: getDurationEnv("WRITE_RETRY_BACKOFF_BASE", time.Second),
		WriteRetryBackoffMax:  getDurationEnv("WRITE_RETRY_BACKOFF_MAX", time.Minute),
		WriteAccountInflight:  getIntEnv("WRITE_ACCOUNT_INFLIGHT", 4),

		ChannelRenewInterval:  getDurationEnv("CHANNEL_RENEW_INTERVAL", 6*time.Hour),
		ChannelRenewThreshold: getDurationEnv("CHANNEL_RENEW_THRESHOLD", 24*time.Hour),
		TokenHealthInterval:   getDurationEnv("TOKEN_HEALTH_INTERVAL", 12*time.Hour),
		DriftScanInterval:     getDurationEnv("DRIFT_SCAN_INTERVAL", 24*time.Hour),
		HoldGCInterval:        getDurationEnv("HOLD_GC_INTERVAL", 5*time.Minute),
		SessionMaxAge:         getDurationEnv("SESSION_MAX_AGE", 24*time.Hour),

		JournalFeedPollInterval: getDurationEnv("JOURNAL_FEED_POLL_INTERVAL", 200*time.Millisecond),
		JournalFeedBatchSize:    getIntEnv("JOURNAL_FEED_BATCH_SIZE", 100),

		GoogleClientID:        getEnv("GOOGLE_CLIENT_ID", ""),
		GoogleClientSecret:    getEnv("GOOGLE_CLIENT_SECRET", ""),
		MicrosoftClientID:     getEnv("MICROSOFT_CLIENT_ID", ""),
		MicrosoftClientSecret: getEnv("MICROSOFT_CLIENT_SECRET", ""),
		BusyMarkerTitle:       getEnv("BUSY_MARKER_TITLE", "Busy"),

		APIAddr:        getEnv("API_ADDR", "0.0.0.0:8080"),
		HealthAddr:     getEnv("HEALTH_ADDR", "0.0.0.0:8081"),
		WebhookBaseURL: getEnv("WEBHOOK_BASE_URL", ""),

		AccountRateLimit: getIntEnv("ACCOUNT_RATE_LIMIT", 10),
		AccountRateBurst: getIntEnv("ACCOUNT_RATE_BURST", 20),
	}

	return cfg, nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
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

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
