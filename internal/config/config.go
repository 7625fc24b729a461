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
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Tracing
	OTLPEndpoint string

	// HTTP edge
	CORSAllowedOrigins []string
	RateLimitRPM       int
	RateLimitBurst     int

	// Integrity detection
	ScanTimeout   time.Duration
	ReadTimeout   time.Duration
	FanoutWorkers int
	PolicyFile    string // optional YAML overlay for the detection policy
}

const (
	DefaultPort           = "8080"
	DefaultEnv            = "development"
	DefaultLogLevel       = "info"
	DefaultLogFormat      = "json"
	DefaultScanTimeout    = 5 * time.Second
	DefaultReadTimeout    = 2 * time.Second
	DefaultFanoutWorkers  = 8
	DefaultRateLimitRPM   = 600
	DefaultRateLimitBurst = 50
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnv("PORT", DefaultPort),
		Env:                getEnv("ENV", DefaultEnv),
		LogLevel:           getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:          getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		OTLPEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		CORSAllowedOrigins: getEnvList("CORS_ALLOWED_ORIGINS"),
		RateLimitRPM:       getEnvInt("RATE_LIMIT_RPM", DefaultRateLimitRPM),
		RateLimitBurst:     getEnvInt("RATE_LIMIT_BURST", DefaultRateLimitBurst),
		ScanTimeout:        getEnvDuration("INTEGRITY_SCAN_TIMEOUT", DefaultScanTimeout),
		ReadTimeout:        getEnvDuration("INTEGRITY_READ_TIMEOUT", DefaultReadTimeout),
		FanoutWorkers:      getEnvInt("INTEGRITY_FANOUT_WORKERS", DefaultFanoutWorkers),
		PolicyFile:         os.Getenv("INTEGRITY_POLICY_FILE"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	switch c.Env {
	case "development", "staging", "production", "test":
	default:
		return fmt.Errorf("ENV must be one of development, staging, production, test (got %q)", c.Env)
	}
	if c.Port == "" {
		return fmt.Errorf("PORT is required")
	}
	if c.ScanTimeout <= 0 {
		return fmt.Errorf("INTEGRITY_SCAN_TIMEOUT must be positive")
	}
	if c.ReadTimeout <= 0 {
		return fmt.Errorf("INTEGRITY_READ_TIMEOUT must be positive")
	}
	if c.FanoutWorkers <= 0 {
		return fmt.Errorf("INTEGRITY_FANOUT_WORKERS must be positive")
	}
	if c.RateLimitRPM <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPM and RATE_LIMIT_BURST must be positive")
	}
	if c.IsProduction() && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required in production")
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

func getEnvList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
