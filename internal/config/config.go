// Package config loads configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"

	"golang.org/x/crypto/bcrypt"
)

// Config holds all server configuration.
type Config struct {
	// Server
	ListenAddr  string
	MetricsAddr string

	// Logging
	LogLevel  string
	LogFormat string

	// Storage
	StorageRoot string
	DataDir     string

	// Auth
	JWTSecret            string
	DefaultAdminPassword string
	BcryptCost           int

	// Uploads
	MaxUploadSize int64

	// SSE
	SSEHeartbeatSeconds int
}

// Load reads configuration from environment variables with defaults.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:           envOr("LISTEN_ADDR", ":8080"),
		MetricsAddr:          envOr("METRICS_ADDR", ":9090"),
		LogLevel:             envOr("LOG_LEVEL", "info"),
		LogFormat:            envOr("LOG_FORMAT", "json"),
		StorageRoot:          envOr("STORAGE_ROOT", "/data/storage"),
		DataDir:              envOr("DATA_DIR", "/data/state"),
		JWTSecret:            envOr("JWT_SECRET", ""),
		DefaultAdminPassword: envOr("DEFAULT_ADMIN_PASSWORD", "admin"),
		BcryptCost:           envInt("BCRYPT_COST", bcrypt.DefaultCost),
		MaxUploadSize:        envInt64("MAX_UPLOAD_SIZE", 1024*1024*1024), // 1GB default
		SSEHeartbeatSeconds:  envInt("SSE_HEARTBEAT_SECONDS", 30),
	}

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	if cfg.SSEHeartbeatSeconds < 1 {
		return nil, fmt.Errorf("SSE_HEARTBEAT_SECONDS must be positive")
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
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
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}
