// Package config loads runtime configuration from the environment, plus
// YAML deal-policy profiles that set negotiation defaults per deal type.
package config

import (
	"os"
	"strconv"
)

// Config holds core runtime configuration.
type Config struct {
	// DatabaseURL selects Postgres when set; otherwise the core runs on
	// SQLite at SQLitePath.
	DatabaseURL string
	SQLitePath  string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	LogLevel string

	OTLPEndpoint     string
	TelemetryEnabled bool

	// Append-path rate limiting. Zero disables the limiter.
	AppendRatePerSecond float64
	AppendBurst         int
}

// Load loads configuration from environment variables with safe defaults.
func Load() *Config {
	sqlitePath := os.Getenv("DEALCORE_SQLITE_PATH")
	if sqlitePath == "" {
		sqlitePath = "data/dealcore.db"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	otlpEndpoint := os.Getenv("OTLP_ENDPOINT")
	if otlpEndpoint == "" {
		otlpEndpoint = "localhost:4317"
	}

	redisDB := 0
	if v := os.Getenv("REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			redisDB = n
		}
	}

	rate := 0.0
	if v := os.Getenv("DEALCORE_APPEND_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			rate = f
		}
	}
	burst := 0
	if v := os.Getenv("DEALCORE_APPEND_BURST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			burst = n
		}
	}

	return &Config{
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		SQLitePath:          sqlitePath,
		RedisAddr:           os.Getenv("REDIS_ADDR"),
		RedisPassword:       os.Getenv("REDIS_PASSWORD"),
		RedisDB:             redisDB,
		LogLevel:            logLevel,
		OTLPEndpoint:        otlpEndpoint,
		TelemetryEnabled:    os.Getenv("TELEMETRY_ENABLED") == "true",
		AppendRatePerSecond: rate,
		AppendBurst:         burst,
	}
}
