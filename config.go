package tracker

import (
	"net"
	"os"
	"strconv"
	"time"
)

// RedisConfig locates the Redis instance backing the job queues.
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// Addr returns the host:port dial address.
func (c RedisConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Config holds the configuration for a tracker Service.
type Config struct {
	// DatabaseURL locates the registration store. postgres:// and
	// postgresql:// select PostgreSQL, mongodb:// and mongodb+srv:// select
	// MongoDB, anything else is a SQLite path.
	DatabaseURL string

	// Redis locates the queue backend. Ignored when a client is injected
	// with WithRedis.
	Redis RedisConfig

	// MonitorInterval is the period between polls of one registration.
	MonitorInterval time.Duration

	// CacheTTL is how long a fetched timeline serves polls of the same
	// shipment without a new carrier call.
	CacheTTL time.Duration

	// CacheMaxSize bounds the tracking cache; the oldest entry is evicted
	// first.
	CacheMaxSize int

	// Production enables private-host rejection on callback URLs.
	Production bool

	// SigningSecret enables HMAC signing of callback payloads when set.
	// Generate one with signature.GenerateSecret.
	SigningSecret string

	// CarrierRateLimit caps carrier API calls per second and per carrier.
	// Zero means unlimited.
	CarrierRateLimit int

	// Concurrency bounds in-flight handlers per queue.
	Concurrency int

	// QueuePollInterval is how often each queue claims due jobs. Tests
	// shorten it; the default suits production polling periods.
	QueuePollInterval time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		DatabaseURL:       "file:./webhook.db",
		Redis:             RedisConfig{Host: "localhost", Port: 6379},
		MonitorInterval:   time.Hour,
		CacheTTL:          5 * time.Minute,
		CacheMaxSize:      1000,
		Concurrency:       1,
		QueuePollInterval: time.Second,
	}
}

// FromEnv returns DefaultConfig overridden by process environment keys:
// WEBHOOK_DATABASE_URL, REDIS_HOST, REDIS_PORT, REDIS_PASSWORD, REDIS_DB,
// TRACKING_MONITOR_INTERVAL (ms), CACHE_TTL (ms), CACHE_MAX_SIZE,
// WEBHOOK_SIGNING_SECRET, and NODE_ENV (production enables private-host
// rejection).
func FromEnv() Config {
	cfg := DefaultConfig()

	cfg.DatabaseURL = envString("WEBHOOK_DATABASE_URL", cfg.DatabaseURL)
	cfg.Redis.Host = envString("REDIS_HOST", cfg.Redis.Host)
	cfg.Redis.Port = envInt("REDIS_PORT", cfg.Redis.Port)
	cfg.Redis.Password = envString("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = envInt("REDIS_DB", cfg.Redis.DB)
	cfg.MonitorInterval = envMillis("TRACKING_MONITOR_INTERVAL", cfg.MonitorInterval)
	cfg.CacheTTL = envMillis("CACHE_TTL", cfg.CacheTTL)
	cfg.CacheMaxSize = envInt("CACHE_MAX_SIZE", cfg.CacheMaxSize)
	cfg.SigningSecret = envString("WEBHOOK_SIGNING_SECRET", cfg.SigningSecret)
	cfg.Production = os.Getenv("NODE_ENV") == "production"

	return cfg
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

// envMillis parses a millisecond-valued key into a duration.
func envMillis(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	ms, err := strconv.Atoi(v)
	if err != nil || ms <= 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}
