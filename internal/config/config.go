// Package config loads process configuration from CLI flags, environment
// variables, and an optional .env file, in that precedence order — the same
// precedence and getEnv-helper shape as the teacher's internal/config.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every setting shared across the four control-plane
// processes. A given binary only reads the fields relevant to it.
type Config struct {
	Environment string // "development" selects the in-memory store
	Port        int
	LogLevel    string
	DevMode     bool

	DataDir    string
	SQLitePath string

	SessionTimeoutSeconds     int
	SessionExtensionThreshold int // seconds; passed to session.Config, which does not read it: heartbeats never extend a session's expiry
	WSHeartbeatInterval       time.Duration

	ReadyFilePath     string
	ActiveLockFilePath string
	ResetOnStartup    bool

	MetricsPort int

	ReconcileCron     string
	ClusterBackend    string
	ClusterNamespace  string

	R2AccountID       string
	R2AccessKeyID     string
	R2SecretAccessKey string
	R2Bucket          string

	ExchangeWorkerEndpoint string
}

// Load builds a Config from (in precedence order, highest first) an
// optional CLI-supplied data directory argument, environment variables, and
// hardcoded defaults. A .env file in the working directory is loaded first,
// if present, exactly like the teacher's Load does via godotenv.
func Load(cliDataDir ...string) (*Config, error) {
	_ = godotenv.Load() // optional; ignore absence

	dataDir := ""
	if len(cliDataDir) > 0 && cliDataDir[0] != "" {
		dataDir = cliDataDir[0]
	} else if v := os.Getenv("TRADER_DATA_DIR"); v != "" {
		dataDir = v
	} else if v := os.Getenv("DATA_DIR"); v != "" {
		dataDir = v
	} else {
		dataDir = "/home/arduino/data"
	}

	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("resolve data directory: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Port:        getEnvInt("GO_PORT", 8001),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		DevMode:     getEnvBool("DEV_MODE", false),

		DataDir:    absDataDir,
		SQLitePath: filepath.Join(absDataDir, "control-plane.db"),

		SessionTimeoutSeconds:     getEnvInt("SESSION_TIMEOUT_SECONDS", 3600),
		SessionExtensionThreshold: getEnvInt("SESSION_EXTENSION_THRESHOLD", 1800),
		WSHeartbeatInterval:       time.Duration(getEnvInt("WS_HEARTBEAT_INTERVAL", 10)) * time.Second,

		ReadyFilePath:      getEnv("READY_FILE_PATH", filepath.Join(absDataDir, "ready")),
		ActiveLockFilePath: getEnv("ACTIVE_LOCK_FILE_PATH", filepath.Join(absDataDir, "active.lock")),
		ResetOnStartup:     getEnvBool("RESET_ON_STARTUP", false),

		MetricsPort: getEnvInt("METRICS_PORT", 9100),

		ReconcileCron:    getEnv("RECONCILE_CRON", "@every 60s"),
		ClusterBackend:   getEnv("CLUSTER_BACKEND", "fake"),
		ClusterNamespace: getEnv("CLUSTER_NAMESPACE", "default"),

		R2AccountID:       getEnv("R2_ACCOUNT_ID", ""),
		R2AccessKeyID:     getEnv("R2_ACCESS_KEY_ID", ""),
		R2SecretAccessKey: getEnv("R2_SECRET_ACCESS_KEY", ""),
		R2Bucket:          getEnv("R2_BUCKET", ""),

		ExchangeWorkerEndpoint: getEnv("EXCHANGE_WORKER_ENDPOINT", "ws://localhost:8010/stream"),
	}

	return cfg, nil
}

// R2Configured reports whether enough R2 credentials are present to attempt
// archival — the same graceful-degradation check the teacher's
// reliability.NewR2Client performs before dialing.
func (c *Config) R2Configured() bool {
	return c.R2AccountID != "" && c.R2AccessKeyID != "" && c.R2SecretAccessKey != "" && c.R2Bucket != ""
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getEnvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
