package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the engine
type Config struct {
	Port           string
	AllowedOrigins []string
	LogLevel       string

	RedisURL       string
	SwitchAddr     string
	SwitchPassword string

	RetryMaxAttempts  int
	RetryBackoffBase  time.Duration
	RetryBackoffMax   time.Duration
	RetryPollInterval time.Duration
	ReaperInterval    time.Duration

	WSReadTimeout  time.Duration
	WSWriteTimeout time.Duration
	PingPeriod     time.Duration
	PongWait       time.Duration
	WriteWait      time.Duration
	MaxMessageSize int64
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	config := &Config{
		Port:           getEnv("PORT", "8080"),
		AllowedOrigins: strings.Split(getEnv("ALLOWED_ORIGINS", "http://localhost:5173"), ","),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		RedisURL:       getEnv("REDIS_URL", "redis://localhost:6379/0"),
		SwitchAddr:     getEnv("SWITCH_ADDR", "localhost:8021"),
		SwitchPassword: getEnv("SWITCH_PASSWORD", "ClueCon"),
	}

	retryMaxAttempts, err := strconv.Atoi(getEnv("RETRY_MAX_ATTEMPTS", "5"))
	if err != nil {
		return nil, fmt.Errorf("invalid RETRY_MAX_ATTEMPTS: %w", err)
	}
	config.RetryMaxAttempts = retryMaxAttempts

	retryBackoffBase, err := strconv.Atoi(getEnv("RETRY_BACKOFF_BASE", "2"))
	if err != nil {
		return nil, fmt.Errorf("invalid RETRY_BACKOFF_BASE: %w", err)
	}
	config.RetryBackoffBase = time.Duration(retryBackoffBase) * time.Second

	retryBackoffMax, err := strconv.Atoi(getEnv("RETRY_BACKOFF_MAX", "120"))
	if err != nil {
		return nil, fmt.Errorf("invalid RETRY_BACKOFF_MAX: %w", err)
	}
	config.RetryBackoffMax = time.Duration(retryBackoffMax) * time.Second

	retryPollInterval, err := strconv.Atoi(getEnv("RETRY_POLL_INTERVAL", "5"))
	if err != nil {
		return nil, fmt.Errorf("invalid RETRY_POLL_INTERVAL: %w", err)
	}
	config.RetryPollInterval = time.Duration(retryPollInterval) * time.Second

	reaperInterval, err := strconv.Atoi(getEnv("REAPER_INTERVAL", "30"))
	if err != nil {
		return nil, fmt.Errorf("invalid REAPER_INTERVAL: %w", err)
	}
	config.ReaperInterval = time.Duration(reaperInterval) * time.Second

	// Parse WebSocket timeouts
	wsReadTimeout, err := strconv.Atoi(getEnv("WS_READ_TIMEOUT", "60"))
	if err != nil {
		return nil, fmt.Errorf("invalid WS_READ_TIMEOUT: %w", err)
	}
	config.WSReadTimeout = time.Duration(wsReadTimeout) * time.Second

	wsWriteTimeout, err := strconv.Atoi(getEnv("WS_WRITE_TIMEOUT", "10"))
	if err != nil {
		return nil, fmt.Errorf("invalid WS_WRITE_TIMEOUT: %w", err)
	}
	config.WSWriteTimeout = time.Duration(wsWriteTimeout) * time.Second

	// Calculate WebSocket constants
	config.PongWait = config.WSReadTimeout
	config.PingPeriod = (config.PongWait * 9) / 10 // Must be less than pongWait
	config.WriteWait = config.WSWriteTimeout
	config.MaxMessageSize = 512

	// Trim spaces from allowed origins
	for i, origin := range config.AllowedOrigins {
		config.AllowedOrigins[i] = strings.TrimSpace(origin)
	}

	return config, nil
}

// getEnv gets an environment variable with a fallback default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
