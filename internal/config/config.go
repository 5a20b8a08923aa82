// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Store drivers selectable via STORE_DRIVER.
const (
	StoreDriverSQLite = "sqlite"
	StoreDriverMongo  = "mongo"
)

// Sink kinds selectable via SINK_KIND.
const (
	SinkKindWebhook = "webhook"
	SinkKindKafka   = "kafka"
)

// Config holds all application configuration.
type Config struct {
	Port           string
	APISecretKey   string
	AllowedOrigins []string
	Debug          bool

	Telegram   TelegramConfig
	Store      StoreConfig
	Sink       SinkConfig
	Dispatch   DispatchConfig
	Session    SessionConfig
	Supervisor SupervisorConfig
}

// TelegramConfig holds MTProto client settings.
type TelegramConfig struct {
	APIID            int
	APIHash          string
	SessionDirectory string
	QRCodeExpiresIn  time.Duration
}

// StoreConfig selects and configures the durable session store.
type StoreConfig struct {
	Driver        string
	SQLitePath    string
	MongoURL      string
	MongoDatabase string
}

// SinkConfig selects and configures the downstream event consumer.
type SinkConfig struct {
	Kind           string
	BackendBaseURL string
	BackendAPIKey  string
	WebhookTimeout time.Duration
	KafkaBrokers   []string
	KafkaTopic     string
}

// DispatchConfig tunes the event dispatcher and its dedup window.
type DispatchConfig struct {
	QueueCapacity       int
	DeliveryMaxAttempts int
	DedupWindow         time.Duration
	DedupMaxEntries     int
	RedisURL            string
}

// SessionConfig tunes per-session lifecycle behavior.
type SessionConfig struct {
	MaxSessions          int
	AuthRetryLimit       int
	AuthPendingTTL       time.Duration
	ReconnectMaxAttempts int
	ReconnectBackoffBase time.Duration
	ReconnectBackoffCap  time.Duration
}

// SupervisorConfig tunes the expiry and reconnection supervisor.
type SupervisorConfig struct {
	Interval   time.Duration
	StaleAfter time.Duration
	Retention  time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:           getEnv("PORT", "8000"),
		APISecretKey:   getEnv("API_SECRET_KEY", ""),
		AllowedOrigins: getEnvList("ALLOWED_ORIGINS", []string{"*"}),
		Debug:          getEnvBool("DEBUG", false),
		Telegram: TelegramConfig{
			APIID:            getEnvInt("TELEGRAM_API_ID", 0),
			APIHash:          getEnv("TELEGRAM_API_HASH", ""),
			SessionDirectory: getEnv("SESSION_DIRECTORY", "./sessions"),
			QRCodeExpiresIn:  getEnvDuration("QR_CODE_EXPIRES_IN", 300*time.Second),
		},
		Store: StoreConfig{
			Driver:        getEnv("STORE_DRIVER", StoreDriverSQLite),
			SQLitePath:    getEnv("SQLITE_PATH", "./data/tgbridge.db"),
			MongoURL:      getEnv("MONGODB_URL", "mongodb://localhost:27017"),
			MongoDatabase: getEnv("MONGODB_DATABASE", "telegram_service"),
		},
		Sink: SinkConfig{
			Kind:           getEnv("SINK_KIND", SinkKindWebhook),
			BackendBaseURL: getEnv("BACKEND_BASE_URL", ""),
			BackendAPIKey:  getEnv("BACKEND_API_KEY", ""),
			WebhookTimeout: getEnvDuration("WEBHOOK_TIMEOUT", 10*time.Second),
			KafkaBrokers:   getEnvList("KAFKA_BROKERS", nil),
			KafkaTopic:     getEnv("KAFKA_TOPIC", "telegram-events"),
		},
		Dispatch: DispatchConfig{
			QueueCapacity:       getEnvInt("QUEUE_CAPACITY", 256),
			DeliveryMaxAttempts: getEnvInt("DELIVERY_MAX_ATTEMPTS", 5),
			DedupWindow:         getEnvDuration("DEDUP_WINDOW", 10*time.Minute),
			DedupMaxEntries:     getEnvInt("DEDUP_MAX_ENTRIES", 4096),
			RedisURL:            getEnv("REDIS_URL", ""),
		},
		Session: SessionConfig{
			MaxSessions:          getEnvInt("MAX_SESSIONS", 50),
			AuthRetryLimit:       getEnvInt("AUTH_RETRY_LIMIT", 3),
			AuthPendingTTL:       getEnvDuration("AUTH_PENDING_TTL", 600*time.Second),
			ReconnectMaxAttempts: getEnvInt("RECONNECT_MAX_ATTEMPTS", 5),
			ReconnectBackoffBase: getEnvDuration("RECONNECT_BACKOFF_BASE", 2*time.Second),
			ReconnectBackoffCap:  getEnvDuration("RECONNECT_BACKOFF_CAP", 60*time.Second),
		},
		Supervisor: SupervisorConfig{
			Interval:   getEnvDuration("SUPERVISOR_INTERVAL", 30*time.Second),
			StaleAfter: getEnvDuration("STALE_AFTER", 120*time.Second),
			Retention:  time.Duration(getEnvInt("RETENTION_DAYS", 30)) * 24 * time.Hour,
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.APISecretKey == "" {
		return fmt.Errorf("API_SECRET_KEY is required")
	}
	if c.Telegram.APIID == 0 {
		return fmt.Errorf("TELEGRAM_API_ID is required")
	}
	if c.Telegram.APIHash == "" {
		return fmt.Errorf("TELEGRAM_API_HASH is required")
	}
	if c.Telegram.SessionDirectory == "" {
		return fmt.Errorf("SESSION_DIRECTORY cannot be empty")
	}
	switch c.Store.Driver {
	case StoreDriverSQLite:
		if c.Store.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH cannot be empty")
		}
	case StoreDriverMongo:
		if c.Store.MongoURL == "" {
			return fmt.Errorf("MONGODB_URL cannot be empty")
		}
	default:
		return fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", StoreDriverSQLite, StoreDriverMongo, c.Store.Driver)
	}
	switch c.Sink.Kind {
	case SinkKindWebhook:
		if c.Sink.BackendBaseURL == "" {
			return fmt.Errorf("BACKEND_BASE_URL is required for the webhook sink")
		}
	case SinkKindKafka:
		if len(c.Sink.KafkaBrokers) == 0 {
			return fmt.Errorf("KAFKA_BROKERS is required for the kafka sink")
		}
	default:
		return fmt.Errorf("SINK_KIND must be %q or %q, got %q", SinkKindWebhook, SinkKindKafka, c.Sink.Kind)
	}
	if c.Dispatch.QueueCapacity <= 0 {
		return fmt.Errorf("QUEUE_CAPACITY must be > 0")
	}
	if c.Dispatch.DeliveryMaxAttempts <= 0 {
		return fmt.Errorf("DELIVERY_MAX_ATTEMPTS must be > 0")
	}
	if c.Session.MaxSessions <= 0 {
		return fmt.Errorf("MAX_SESSIONS must be > 0")
	}
	if c.Session.ReconnectMaxAttempts <= 0 {
		return fmt.Errorf("RECONNECT_MAX_ATTEMPTS must be > 0")
	}
	if c.Supervisor.Interval <= 0 {
		return fmt.Errorf("SUPERVISOR_INTERVAL must be > 0")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

// getEnvDuration parses a Go duration ("90s", "10m"). A bare integer is
// read as seconds, matching the original deployment's env files.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(value) == "" {
		return fallback
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
