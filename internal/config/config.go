package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Env       string
	LogLevel  string
	DataDir   string
	APIListen string

	DeviceID   string
	AppVersion string

	ServerURL string
	AuthToken string

	Sync  SyncConfig
	Probe ProbeConfig
}

// SyncConfig holds the synchronization engine options
type SyncConfig struct {
	BatchSize       int  `json:"batch_size"`        // push page size
	MaxRetries      int  `json:"max_retries"`       // per network call
	RetryDelayMs    int  `json:"retry_delay_ms"`    // base backoff
	TimeoutMs       int  `json:"timeout_ms"`        // per HTTP call
	EnableBatchSync bool `json:"enable_batch_sync"` // push rounds
	EnableDeltaSync bool `json:"enable_delta_sync"` // pull rounds
	SyncIntervalMs  int  `json:"sync_interval_ms"`  // scheduler cadence
}

// ProbeConfig holds the connectivity probe settings
type ProbeConfig struct {
	HealthURL  string `json:"health_url"`
	IntervalMs int    `json:"interval_ms"`
	TimeoutMs  int    `json:"timeout_ms"`
}

// DefaultSyncConfig returns the engine defaults used when nothing is configured
func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		BatchSize:       50,
		MaxRetries:      3,
		RetryDelayMs:    1000,
		TimeoutMs:       30000,
		EnableBatchSync: true,
		EnableDeltaSync: true,
		SyncIntervalMs:  300000, // 5 minutes
	}
}

// Load loads configuration from environment variables.
// A .env file is honored when present. SYNC_CONFIG_PATH may point to a JSON
// file overriding the sync section.
func Load() (*Config, error) {
	_ = godotenv.Load()

	serverURL := os.Getenv("SYNC_SERVER_URL")
	if serverURL == "" {
		return nil, fmt.Errorf("SYNC_SERVER_URL is required")
	}

	deviceID := os.Getenv("DEVICE_ID")
	if deviceID == "" {
		return nil, fmt.Errorf("DEVICE_ID is required")
	}

	cfg := &Config{
		Env:        getEnv("APP_ENV", "development"),
		LogLevel:   getEnv("LOG_LEVEL", "info"),
		DataDir:    getEnv("DATA_DIR", "./data"),
		APIListen:  getEnv("API_LISTEN", "127.0.0.1:7420"),
		DeviceID:   deviceID,
		AppVersion: getEnv("APP_VERSION", "1.0.0"),
		ServerURL:  serverURL,
		AuthToken:  os.Getenv("SYNC_AUTH_TOKEN"),
		Sync:       DefaultSyncConfig(),
		Probe: ProbeConfig{
			HealthURL:  getEnv("PROBE_HEALTH_URL", serverURL+"/api/sync/status"),
			IntervalMs: getEnvInt("PROBE_INTERVAL_MS", 30000),
			TimeoutMs:  getEnvInt("PROBE_TIMEOUT_MS", 5000),
		},
	}

	if path := os.Getenv("SYNC_CONFIG_PATH"); path != "" {
		if err := loadSyncConfigFile(path, &cfg.Sync); err != nil {
			return nil, fmt.Errorf("failed to load sync config %s: %w", path, err)
		}
	}

	cfg.Sync.BatchSize = getEnvInt("SYNC_BATCH_SIZE", cfg.Sync.BatchSize)
	cfg.Sync.MaxRetries = getEnvInt("SYNC_MAX_RETRIES", cfg.Sync.MaxRetries)
	cfg.Sync.RetryDelayMs = getEnvInt("SYNC_RETRY_DELAY_MS", cfg.Sync.RetryDelayMs)
	cfg.Sync.TimeoutMs = getEnvInt("SYNC_TIMEOUT_MS", cfg.Sync.TimeoutMs)
	cfg.Sync.SyncIntervalMs = getEnvInt("SYNC_INTERVAL_MS", cfg.Sync.SyncIntervalMs)
	cfg.Sync.EnableBatchSync = getEnvBool("SYNC_ENABLE_BATCH", cfg.Sync.EnableBatchSync)
	cfg.Sync.EnableDeltaSync = getEnvBool("SYNC_ENABLE_DELTA", cfg.Sync.EnableDeltaSync)

	if err := cfg.Sync.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the sync options for nonsensical values
func (sc SyncConfig) Validate() error {
	if sc.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive, got %d", sc.BatchSize)
	}
	if sc.MaxRetries < 1 {
		return fmt.Errorf("max_retries must be at least 1, got %d", sc.MaxRetries)
	}
	if sc.RetryDelayMs < 0 {
		return fmt.Errorf("retry_delay_ms must not be negative, got %d", sc.RetryDelayMs)
	}
	if sc.TimeoutMs <= 0 {
		return fmt.Errorf("timeout_ms must be positive, got %d", sc.TimeoutMs)
	}
	return nil
}

func loadSyncConfigFile(path string, sc *SyncConfig) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, sc)
}

// getEnv gets environment variable with default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1"
	}
	return defaultValue
}
