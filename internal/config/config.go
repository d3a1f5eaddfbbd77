package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all service configuration. Values come from an optional
// YAML file overridden by CHATVAULT_* environment variables.
type Config struct {
	ListenAddr   string `yaml:"listen_addr"`
	StoreDSN     string `yaml:"store_dsn"`
	SpoolDir     string `yaml:"spool_dir"`
	DashboardURL string `yaml:"dashboard_url"`

	HTTPTimeout        time.Duration `yaml:"http_timeout"`
	QueueDrainInterval time.Duration `yaml:"queue_drain_interval"`
	QueueInitialDelay  time.Duration `yaml:"queue_initial_delay"`
	QueueMaxRetries    int           `yaml:"queue_max_retries"`
	CacheTTL           time.Duration `yaml:"cache_ttl"`
	SessionGrace       time.Duration `yaml:"session_grace"`

	LogFile  string     `yaml:"log_file"`
	LogLevel slog.Level `yaml:"-"`

	LogLevelName string `yaml:"log_level"`
}

// Load builds the configuration: defaults, then the YAML file named by
// CHATVAULT_CONFIG (if any), then environment variables.
func Load() (Config, error) {
	cfg := Config{
		ListenAddr:         "127.0.0.1:8787",
		StoreDSN:           "file://chatvault-state.json",
		SpoolDir:           "spool",
		DashboardURL:       "https://app.brainbox.ai",
		HTTPTimeout:        20 * time.Second,
		QueueDrainInterval: 5 * time.Minute,
		QueueInitialDelay:  15 * time.Second,
		QueueMaxRetries:    5,
		CacheTTL:           5 * time.Minute,
		SessionGrace:       5 * time.Minute,
		LogFile:            "chatvault.log",
		LogLevelName:       "INFO",
	}

	if path := strings.TrimSpace(os.Getenv("CHATVAULT_CONFIG")); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.ListenAddr = getEnv("CHATVAULT_LISTEN_ADDR", cfg.ListenAddr)
	cfg.StoreDSN = getEnv("CHATVAULT_STORE_DSN", cfg.StoreDSN)
	cfg.SpoolDir = getEnv("CHATVAULT_SPOOL_DIR", cfg.SpoolDir)
	cfg.DashboardURL = getEnv("CHATVAULT_DASHBOARD_URL", cfg.DashboardURL)
	cfg.HTTPTimeout = durationEnv("CHATVAULT_HTTP_TIMEOUT", cfg.HTTPTimeout)
	cfg.QueueDrainInterval = durationEnv("CHATVAULT_QUEUE_DRAIN_INTERVAL", cfg.QueueDrainInterval)
	cfg.QueueInitialDelay = durationEnv("CHATVAULT_QUEUE_INITIAL_DELAY", cfg.QueueInitialDelay)
	cfg.QueueMaxRetries = intEnv("CHATVAULT_QUEUE_MAX_RETRIES", cfg.QueueMaxRetries)
	cfg.CacheTTL = durationEnv("CHATVAULT_CACHE_TTL", cfg.CacheTTL)
	cfg.SessionGrace = durationEnv("CHATVAULT_SESSION_GRACE", cfg.SessionGrace)
	cfg.LogFile = getEnv("CHATVAULT_LOG_FILE", cfg.LogFile)
	cfg.LogLevelName = getEnv("CHATVAULT_LOG_LEVEL", cfg.LogLevelName)
	cfg.LogLevel = parseLogLevel(cfg.LogLevelName)

	return cfg, nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func intEnv(key string, defaultVal int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultVal
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return defaultVal
	}
	return parsed
}

func durationEnv(key string, defaultVal time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultVal
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil || parsed <= 0 {
		return defaultVal
	}
	return parsed
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
