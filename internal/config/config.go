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

// Config holds all agent and console configuration
type Config struct {
	// Process settings
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Risk engine
	APIBaseURL string // Base URL of the risk-scoring service

	// Session identity
	UserID      string // Fixed demo identity; real deployments inject an authenticated one
	DeviceClass string // "desktop" or "mobile"; prefixes the generated device id
	PagePath    string // Path of the instrumented page, classifies the platform
	Referrer    string

	// Durable local state
	StateFile     string // JSON key-value file; used when RedisAddr is empty
	RedisAddr     string // Optional shared redis backend for state and block signals
	RedisPassword string
	RedisDB       int

	// Offline queue
	QueueCapacity int
	FlushInterval time.Duration

	// Rapid-pattern detector
	ShortWindow    time.Duration
	ShortThreshold int
	LongWindow     time.Duration
	LongThreshold  int
	Cooldown       time.Duration

	// Console
	ConsolePort  string
	PollInterval time.Duration

	// Tracing
	OTLPEndpoint string
}

// Defaults
const (
	DefaultEnv           = "development"
	DefaultLogLevel      = "info"
	DefaultLogFormat     = "text"
	DefaultUserID        = "user-8456123848"
	DefaultDeviceClass   = "desktop"
	DefaultStateFile     = "portalwatch-state.json"
	DefaultQueueCapacity = 100
	DefaultFlushInterval = 10 * time.Second
	DefaultConsolePort   = "8090"
	DefaultPollInterval  = 5 * time.Second
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Env:            getEnv("ENV", DefaultEnv),
		LogLevel:       getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:      getEnv("LOG_FORMAT", DefaultLogFormat),
		APIBaseURL:     os.Getenv("API_BASE_URL"), // Required, no default
		UserID:         getEnv("USER_ID", DefaultUserID),
		DeviceClass:    getEnv("DEVICE_CLASS", DefaultDeviceClass),
		PagePath:       getEnv("PAGE_PATH", "/"),
		Referrer:       os.Getenv("REFERRER"),
		StateFile:      getEnv("STATE_FILE", DefaultStateFile),
		RedisAddr:      os.Getenv("REDIS_ADDR"), // Optional, file state if not set
		RedisPassword:  os.Getenv("REDIS_PASSWORD"),
		RedisDB:        getEnvInt("REDIS_DB", 0),
		QueueCapacity:  getEnvInt("QUEUE_CAPACITY", DefaultQueueCapacity),
		FlushInterval:  getEnvDuration("FLUSH_INTERVAL", DefaultFlushInterval),
		ShortWindow:    getEnvDuration("DETECTOR_SHORT_WINDOW", time.Second),
		ShortThreshold: getEnvInt("DETECTOR_SHORT_THRESHOLD", 5),
		LongWindow:     getEnvDuration("DETECTOR_LONG_WINDOW", 5*time.Second),
		LongThreshold:  getEnvInt("DETECTOR_LONG_THRESHOLD", 15),
		Cooldown:       getEnvDuration("DETECTOR_COOLDOWN", 2*time.Second),
		ConsolePort:    getEnv("CONSOLE_PORT", DefaultConsolePort),
		PollInterval:   getEnvDuration("POLL_INTERVAL", DefaultPollInterval),
		OTLPEndpoint:   os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present and sane.
func (c *Config) Validate() error {
	if c.APIBaseURL == "" {
		return fmt.Errorf("API_BASE_URL is required")
	}
	if !strings.HasPrefix(c.APIBaseURL, "http://") && !strings.HasPrefix(c.APIBaseURL, "https://") {
		return fmt.Errorf("API_BASE_URL must be an http(s) URL")
	}
	if c.DeviceClass != "desktop" && c.DeviceClass != "mobile" {
		return fmt.Errorf("DEVICE_CLASS must be %q or %q", "desktop", "mobile")
	}
	if c.QueueCapacity <= 0 {
		return fmt.Errorf("QUEUE_CAPACITY must be positive")
	}
	if c.ShortWindow >= c.LongWindow {
		return fmt.Errorf("DETECTOR_SHORT_WINDOW must be shorter than DETECTOR_LONG_WINDOW")
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

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}
