// Package config provides configuration for the roundtable orchestrator.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds the orchestrator configuration.
type Config struct {
	// Server settings
	HTTPPort int

	// Database
	DatabaseURL string

	// Model backend settings
	ModelBackendURL string
	SearchURL       string
	ModeratorModel  string

	// Timeouts
	StreamTimeout time.Duration
	SearchTimeout time.Duration

	// History window sent to backends, in messages
	HistoryLimit int

	// Logging
	LogLevel string
}

// Load loads configuration from environment variables.
func Load() *Config {
	cfg := &Config{
		HTTPPort:        getEnvInt("HTTP_PORT", 8080),
		DatabaseURL:     getEnv("DATABASE_URL", "file:roundtable.db?cache=shared&mode=rwc"),
		ModelBackendURL: getEnv("MODEL_BACKEND_URL", "http://localhost:8090"),
		SearchURL:       getEnv("SEARCH_URL", "http://localhost:8091"),
		ModeratorModel:  getEnv("MODERATOR_MODEL", "gpt-4o"),
		StreamTimeout:   time.Duration(getEnvInt("STREAM_TIMEOUT_MS", 300000)) * time.Millisecond,
		SearchTimeout:   time.Duration(getEnvInt("SEARCH_TIMEOUT_MS", 30000)) * time.Millisecond,
		HistoryLimit:    getEnvInt("HISTORY_LIMIT", 50),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
	}
	return cfg
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}
