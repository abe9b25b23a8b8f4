package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds runtime configuration for the console gateway.
type Config struct {
	Env               string
	HTTPPort          string
	UpstreamURL       string
	UpstreamTimeout   time.Duration
	PollInterval      time.Duration
	PageSize          int
	RedisAddr         string
	RedisPassword     string
	RedisDB           int
	PostgresDSN       string
	RateLimitCapacity int
	RateLimitRefill   float64
	NotifyChannel     string
}

// Load reads configuration from environment variables with sane defaults for local development.
func Load() Config {
	return Config{
		Env:               getEnv("APP_ENV", "dev"),
		HTTPPort:          getEnv("HTTP_PORT", "8080"),
		UpstreamURL:       getEnv("UPSTREAM_URL", "http://localhost:9000"),
		UpstreamTimeout:   getEnvDuration("UPSTREAM_TIMEOUT", 10*time.Second),
		PollInterval:      getEnvDuration("POLL_INTERVAL", 4*time.Second),
		PageSize:          getEnvInt("PAGE_SIZE", 20),
		RedisAddr:         getEnv("REDIS_ADDR", ""),
		RedisPassword:     getEnv("REDIS_PASSWORD", ""),
		RedisDB:           getEnvInt("REDIS_DB", 0),
		PostgresDSN:       getEnv("POSTGRES_DSN", ""),
		RateLimitCapacity: getEnvInt("RATE_LIMIT_CAPACITY", 10),
		RateLimitRefill:   getEnvFloat("RATE_LIMIT_REFILL_PER_SEC", 0.5),
		NotifyChannel:     getEnv("NOTIFY_CHANNEL", "console:notices"),
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
