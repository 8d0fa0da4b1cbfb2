package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jason-s-yu/mafia/internal/cache"
	"github.com/jason-s-yu/mafia/internal/database"
	"github.com/jason-s-yu/mafia/internal/room"
	"github.com/sirupsen/logrus"
)

// Store backends selectable with STORE_BACKEND.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Config is everything the binaries read from the environment.
type Config struct {
	Port     string
	LogLevel logrus.Level

	Backend     string
	Redis       cache.Options
	RedisPrefix string
	DatabaseURL string

	StoreSecret   string
	StoreTokenTTL time.Duration
	StoreURL      string
	StoreToken    string

	Room room.Config
}

// Load reads the environment. A .env file is picked up by the binaries'
// godotenv autoload import before this runs.
func Load() (Config, error) {
	level, err := logrus.ParseLevel(getEnv("LOG_LEVEL", "info"))
	if err != nil {
		return Config{}, fmt.Errorf("LOG_LEVEL: %w", err)
	}

	rc := room.DefaultConfig()
	rc.RoomID = getEnv("ROOM_ID", rc.RoomID)
	rc.HostRequestTimeout = getEnvDuration("HOST_REQUEST_TIMEOUT", rc.HostRequestTimeout)
	rc.ResetDelay = getEnvDuration("RESET_DELAY", rc.ResetDelay)
	rc.MinPlayers = getEnvInt("MIN_PLAYERS", rc.MinPlayers)

	cfg := Config{
		Port:     getEnv("PORT", "8080"),
		LogLevel: level,
		Backend:  strings.ToLower(getEnv("STORE_BACKEND", BackendMemory)),
		Redis: cache.Options{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		RedisPrefix:   getEnv("REDIS_KEY_PREFIX", "mafia"),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		StoreSecret:   os.Getenv("STORE_SECRET"),
		StoreTokenTTL: getEnvDuration("STORE_TOKEN_TTL", 0),
		StoreURL:      getEnv("STORE_URL", "ws://localhost:8080/store/ws"),
		StoreToken:    os.Getenv("STORE_TOKEN"),
		Room:          rc,
	}
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = database.ConnString(
			getEnv("POSTGRES_USER", "postgres"),
			os.Getenv("POSTGRES_PASSWORD"),
			getEnv("POSTGRES_HOST", "localhost"),
			getEnv("POSTGRES_PORT", "5432"),
			getEnv("POSTGRES_DB", "mafia"),
		)
	}

	switch cfg.Backend {
	case BackendMemory, BackendRedis, BackendPostgres:
	default:
		return Config{}, fmt.Errorf("STORE_BACKEND: unknown backend %q", cfg.Backend)
	}
	return cfg, nil
}

// NewLogger returns a logger at the configured level.
func (c Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.LogLevel)
	return logger
}

// getEnv retrieves an environment variable or returns a default value.
func getEnv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

// getEnvInt parses an environment variable as integer, else a default value.
func getEnvInt(key string, def int) int {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}

// getEnvDuration accepts Go durations ("30s") or bare seconds ("30").
func getEnvDuration(key string, def time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second
	}
	return def
}
