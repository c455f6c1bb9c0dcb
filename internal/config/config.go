// Package config provides centralized configuration management for the price history
// store. Configuration is layered: defaults, then an optional JSON file, then a .env
// file and the process environment (OHLCV_ prefix), and is validated as a whole.
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/johnayoung/go-ohlcv-history/internal/models"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "OHLCV_"

// Interpolation methods for gaps older than the recent window.
const (
	InterpolationCarryForward = "carry_forward"
	InterpolationLinear       = "linear"
)

// Archive drivers.
const (
	ArchiveDriverNone   = ""
	ArchiveDriverDuckDB = "duckdb"
	ArchiveDriverSQLite = "sqlite3"
)

// AppConfig represents the complete application configuration
type AppConfig struct {
	// Application metadata
	AppName    string `json:"app_name" env:"APP_NAME"`
	Version    string `json:"version" env:"VERSION"`
	ConfigPath string `json:"-" env:"CONFIG_PATH"`

	History       HistoryConfig       `json:"history" envPrefix:"HISTORY_"`
	Exchange      ExchangeConfig      `json:"exchange" envPrefix:"EXCHANGE_"`
	Poller        PollerConfig        `json:"poller" envPrefix:"POLLER_"`
	Storage       StorageConfig       `json:"storage" envPrefix:"STORAGE_"`
	Publisher     PublisherConfig     `json:"publisher" envPrefix:"PUBLISHER_"`
	Logging       LoggingConfig       `json:"logging" envPrefix:"LOG_"`
	Metrics       MetricsConfig       `json:"metrics" envPrefix:"METRICS_"`
	ErrorHandling ErrorHandlingConfig `json:"error_handling" envPrefix:"RETRY_"`
}

// HistoryConfig configures the raw series, the level hierarchy and gap filling
type HistoryConfig struct {
	RawWidth            string        `json:"raw_width" env:"RAW_WIDTH"`                       // Width of a RAW slot
	Levels              []LevelConfig `json:"levels"`                                          // Derived levels, RAW excluded
	RecentWindow        string        `json:"recent_window" env:"RECENT_WINDOW"`               // Gaps newer than this are re-fetched
	InitialHistory      string        `json:"initial_history" env:"INITIAL_HISTORY"`           // Backfill depth for an empty series
	ValidityWindow      string        `json:"validity_window" env:"VALIDITY_WINDOW"`           // Gap check window, empty = whole series
	Retention           string        `json:"retention" env:"RETENTION"`                       // Ticks older than this are dropped, empty = keep all
	InterpolationMethod string        `json:"interpolation_method" env:"INTERPOLATION_METHOD"` // carry_forward or linear
	PriceLevel          string        `json:"price_level" env:"PRICE_LEVEL"`                   // Level handed to consumers
	CSV                 bool          `json:"csv" env:"CSV"`                                   // Keep writing legacy CSV after load
}

// LevelConfig describes one derived level. Parent is the name of an earlier level.
type LevelConfig struct {
	Name     string `json:"name"`
	Duration string `json:"duration"`
	Parent   string `json:"parent"`
}

// ExchangeConfig configures the backfill source
type ExchangeConfig struct {
	Type      string `json:"type" env:"TYPE"`             // "coinbase"
	BaseURL   string `json:"base_url" env:"BASE_URL"`     // API base URL
	RateLimit int    `json:"rate_limit" env:"RATE_LIMIT"` // Requests per second
	Timeout   string `json:"timeout" env:"TIMEOUT"`       // HTTP request timeout
}

// PollerConfig configures the live poll loop
type PollerConfig struct {
	Interval        string `json:"interval" env:"INTERVAL"`                 // Delay between iterations
	CheckpointEvery int    `json:"checkpoint_every" env:"CHECKPOINT_EVERY"` // Ticks between checkpoints, 0 disables
	UI              bool   `json:"ui" env:"UI"`                             // Print compact lines instead of logging
}

// StorageConfig configures the optional SQL archive
type StorageConfig struct {
	ArchiveDriver string `json:"archive_driver" env:"ARCHIVE_DRIVER"` // "", "duckdb" or "sqlite3"
	ArchiveDSN    string `json:"archive_dsn" env:"ARCHIVE_DSN"`       // Database path or DSN
	QueryTimeout  string `json:"query_timeout" env:"QUERY_TIMEOUT"`   // Archive statement timeout
}

// PublisherConfig configures the Redis price publisher
type PublisherConfig struct {
	Enabled   bool   `json:"enabled" env:"ENABLED"`
	Addr      string `json:"addr" env:"REDIS_ADDR"`
	Password  string `json:"password" env:"REDIS_PASSWORD"`
	DB        int    `json:"db" env:"REDIS_DB"`
	Channel   string `json:"channel" env:"CHANNEL"`       // Pub/sub channel for every bucket
	KeyPrefix string `json:"key_prefix" env:"KEY_PREFIX"` // Prefix of the latest-bucket key
	TTL       string `json:"ttl" env:"TTL"`               // Expiry of the latest-bucket key
}

// LoggingConfig configures structured logging
type LoggingConfig struct {
	Level         string            `json:"level" env:"LEVEL"`             // Log level: debug, info, warn, error
	Format        string            `json:"format" env:"FORMAT"`           // Log format: json, text
	Output        string            `json:"output" env:"OUTPUT"`           // Output: stdout, stderr, file
	FilePath      string            `json:"file_path" env:"FILE_PATH"`     // Log file path
	MaxSize       int               `json:"max_size" env:"MAX_SIZE"`       // Maximum log file size in MB
	MaxBackups    int               `json:"max_backups" env:"MAX_BACKUPS"` // Maximum log file backups
	MaxAge        int               `json:"max_age" env:"MAX_AGE"`         // Maximum log file age in days
	Compress      bool              `json:"compress" env:"COMPRESS"`       // Compress old log files
	ContextFields map[string]string `json:"context_fields"`                // Additional context fields
}

// MetricsConfig configures metrics collection
type MetricsConfig struct {
	Enabled   bool   `json:"enabled" env:"ENABLED"`
	Port      int    `json:"port" env:"PORT"`
	Path      string `json:"path" env:"PATH"`
	Namespace string `json:"namespace" env:"NAMESPACE"`
}

// ErrorHandlingConfig configures retry policies
type ErrorHandlingConfig struct {
	GlobalRetryPolicy RetryPolicyConfig            `json:"global_retry_policy"`
	ComponentPolicies map[string]RetryPolicyConfig `json:"component_policies"`
}

// RetryPolicyConfig configures retry behavior
type RetryPolicyConfig struct {
	MaxAttempts  int     `json:"max_attempts" env:"MAX_ATTEMPTS"`   // Total attempts including the first
	InitialDelay string  `json:"initial_delay" env:"INITIAL_DELAY"` // Initial delay between retries
	MaxDelay     string  `json:"max_delay" env:"MAX_DELAY"`         // Maximum delay between retries
	Multiplier   float64 `json:"multiplier" env:"MULTIPLIER"`       // Exponential growth factor
	Jitter       bool    `json:"jitter" env:"JITTER"`               // Add randomness to delays
}

// PolicyFor returns the retry policy of a component, falling back to the global one.
func (c ErrorHandlingConfig) PolicyFor(component string) RetryPolicyConfig {
	if p, ok := c.ComponentPolicies[component]; ok {
		return p
	}
	return c.GlobalRetryPolicy
}

// ConfigManager handles configuration loading and validation
type ConfigManager struct {
	config     *AppConfig
	configPath string
	envFiles   []string
	logger     *slog.Logger
}

// NewConfigManager creates a new configuration manager. envFiles default to ".env".
func NewConfigManager(configPath string, logger *slog.Logger, envFiles ...string) *ConfigManager {
	if logger == nil {
		logger = slog.Default()
	}
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}

	return &ConfigManager{
		configPath: configPath,
		envFiles:   envFiles,
		logger:     logger,
	}
}

// LoadConfig loads configuration from multiple sources with priority order:
// 1. Environment variables, including .env files (highest priority)
// 2. Configuration file
// 3. Default values (lowest priority)
func (cm *ConfigManager) LoadConfig(ctx context.Context) (*AppConfig, error) {
	config := DefaultConfig()

	if cm.configPath != "" {
		if err := cm.loadFromFile(config); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := cm.loadFromEnv(config); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	config.ConfigPath = cm.configPath
	cm.config = config
	cm.logger.InfoContext(ctx, "configuration loaded successfully",
		"config_path", cm.configPath,
		"exchange_type", config.Exchange.Type,
		"archive_driver", config.Storage.ArchiveDriver,
		"log_level", config.Logging.Level)

	return config, nil
}

// loadFromFile loads configuration from a JSON file
func (cm *ConfigManager) loadFromFile(config *AppConfig) error {
	if _, err := os.Stat(cm.configPath); os.IsNotExist(err) {
		cm.logger.Debug("config file does not exist, using defaults", "path", cm.configPath)
		return nil
	}

	data, err := os.ReadFile(cm.configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", cm.configPath, err)
	}

	if err := json.Unmarshal(data, config); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", cm.configPath, err)
	}

	cm.logger.Debug("loaded configuration from file", "path", cm.configPath)
	return nil
}

// loadFromEnv loads .env files if present and overlays OHLCV_* variables
func (cm *ConfigManager) loadFromEnv(config *AppConfig) error {
	for _, f := range cm.envFiles {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("failed to load env file %s: %w", f, err)
		}
		cm.logger.Debug("loaded env file", "path", f)
	}

	if err := env.ParseWithOptions(config, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("failed to parse environment: %w", err)
	}

	cm.logger.Debug("loaded configuration from environment variables")
	return nil
}

// Validate validates the configuration for consistency and required fields
func (c *AppConfig) Validate() error {
	var errors []string

	checkDuration := func(field, value string, allowEmpty bool) {
		if value == "" {
			if !allowEmpty {
				errors = append(errors, fmt.Sprintf("%s is required", field))
			}
			return
		}
		d, err := time.ParseDuration(value)
		if err != nil {
			errors = append(errors, fmt.Sprintf("%s is not a valid duration: %v", field, err))
			return
		}
		if d <= 0 {
			errors = append(errors, fmt.Sprintf("%s must be positive", field))
		}
	}

	// History
	checkDuration("history.raw_width", c.History.RawWidth, false)
	checkDuration("history.recent_window", c.History.RecentWindow, false)
	checkDuration("history.initial_history", c.History.InitialHistory, false)
	checkDuration("history.validity_window", c.History.ValidityWindow, true)
	checkDuration("history.retention", c.History.Retention, true)
	if retention := DurationOr(c.History.Retention, 0); retention > 0 && retention < DurationOr(c.History.RecentWindow, 0) {
		errors = append(errors, "history.retention must not be shorter than history.recent_window")
	}
	switch c.History.InterpolationMethod {
	case InterpolationCarryForward, InterpolationLinear:
	default:
		errors = append(errors, "history.interpolation_method must be one of: carry_forward, linear")
	}
	if levels, err := c.History.BuildLevels(); err != nil {
		errors = append(errors, fmt.Sprintf("history.levels: %v", err))
	} else if _, ok := levels.Index(c.History.PriceLevel); !ok {
		errors = append(errors, fmt.Sprintf("history.price_level %q is not a configured level", c.History.PriceLevel))
	}

	// Exchange
	if c.Exchange.Type == "" {
		errors = append(errors, "exchange.type is required")
	}
	if c.Exchange.RateLimit <= 0 {
		errors = append(errors, "exchange.rate_limit must be greater than 0")
	}
	checkDuration("exchange.timeout", c.Exchange.Timeout, false)

	// Poller
	checkDuration("poller.interval", c.Poller.Interval, false)
	if c.Poller.CheckpointEvery < 0 {
		errors = append(errors, "poller.checkpoint_every must not be negative")
	}

	// Storage
	switch c.Storage.ArchiveDriver {
	case ArchiveDriverNone:
	case ArchiveDriverDuckDB, ArchiveDriverSQLite:
		if c.Storage.ArchiveDSN == "" {
			errors = append(errors, "storage.archive_dsn is required when an archive driver is set")
		}
	default:
		errors = append(errors, "storage.archive_driver must be one of: duckdb, sqlite3")
	}
	checkDuration("storage.query_timeout", c.Storage.QueryTimeout, true)

	// Publisher
	if c.Publisher.Enabled {
		if c.Publisher.Addr == "" {
			errors = append(errors, "publisher.addr is required when the publisher is enabled")
		}
		checkDuration("publisher.ttl", c.Publisher.TTL, false)
	}

	// Logging
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		errors = append(errors, "logging.level must be one of: debug, info, warn, error")
	}
	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Logging.Format] {
		errors = append(errors, "logging.format must be one of: json, text")
	}
	if c.Logging.Output == "file" && c.Logging.FilePath == "" {
		errors = append(errors, "logging.file_path is required for file output")
	}

	// Metrics
	if c.Metrics.Enabled {
		if c.Metrics.Port <= 0 || c.Metrics.Port > 65535 {
			errors = append(errors, "metrics.port must be between 1 and 65535")
		}
	}

	// Retry
	if c.ErrorHandling.GlobalRetryPolicy.MaxAttempts <= 0 {
		errors = append(errors, "error_handling.global_retry_policy.max_attempts must be greater than 0")
	}
	checkDuration("error_handling.global_retry_policy.initial_delay", c.ErrorHandling.GlobalRetryPolicy.InitialDelay, true)
	checkDuration("error_handling.global_retry_policy.max_delay", c.ErrorHandling.GlobalRetryPolicy.MaxDelay, true)

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation errors:\n- %s", strings.Join(errors, "\n- "))
	}

	return nil
}

// BuildLevels turns the configured hierarchy into validated level descriptors. The
// RAW level is implicit and always first.
func (h HistoryConfig) BuildLevels() (models.Levels, error) {
	width, err := time.ParseDuration(h.RawWidth)
	if err != nil {
		return nil, fmt.Errorf("invalid raw width %q: %w", h.RawWidth, err)
	}

	levels := []models.Level{{Name: models.LevelRaw, Duration: width, Parent: -1}}
	index := map[string]int{strings.ToUpper(models.LevelRaw): 0}
	for _, lc := range h.Levels {
		d, err := time.ParseDuration(lc.Duration)
		if err != nil {
			return nil, fmt.Errorf("invalid duration for level %s: %w", lc.Name, err)
		}
		parent, ok := index[strings.ToUpper(lc.Parent)]
		if !ok {
			return nil, fmt.Errorf("level %s references unknown parent %q", lc.Name, lc.Parent)
		}
		index[strings.ToUpper(lc.Name)] = len(levels)
		levels = append(levels, models.Level{Name: lc.Name, Duration: d, Parent: parent})
	}
	return models.NewLevels(levels...)
}

// GetConfig returns the current configuration
func (cm *ConfigManager) GetConfig() *AppConfig {
	return cm.config
}

// SaveConfig writes the current configuration to the config file
func (cm *ConfigManager) SaveConfig(ctx context.Context) error {
	if cm.configPath == "" {
		return fmt.Errorf("no config path specified")
	}
	if cm.config == nil {
		return fmt.Errorf("no configuration loaded")
	}

	if err := os.MkdirAll(filepath.Dir(cm.configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cm.config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal configuration: %w", err)
	}

	if err := os.WriteFile(cm.configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	cm.logger.InfoContext(ctx, "configuration saved", "path", cm.configPath)
	return nil
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *AppConfig {
	return &AppConfig{
		AppName: "ohlcv-history",
		Version: "1.0.0",
		History: HistoryConfig{
			RawWidth: "1m",
			Levels: []LevelConfig{
				{Name: models.LevelMin5, Duration: "5m", Parent: models.LevelRaw},
				{Name: models.LevelMin15, Duration: "15m", Parent: models.LevelMin5},
				{Name: models.LevelHour1, Duration: "1h", Parent: models.LevelMin15},
				{Name: models.LevelHour4, Duration: "4h", Parent: models.LevelHour1},
				{Name: models.LevelDay1, Duration: "24h", Parent: models.LevelHour4},
			},
			RecentWindow:        "336h", // 14 days
			InitialHistory:      "24h",
			ValidityWindow:      "",
			Retention:           "",
			InterpolationMethod: InterpolationCarryForward,
			PriceLevel:          models.LevelMin5,
			CSV:                 false,
		},
		Exchange: ExchangeConfig{
			Type:      "coinbase",
			BaseURL:   "https://api.coinbase.com",
			RateLimit: 10,
			Timeout:   "30s",
		},
		Poller: PollerConfig{
			Interval:        "10s",
			CheckpointEvery: 60,
		},
		Storage: StorageConfig{
			ArchiveDriver: ArchiveDriverNone,
			ArchiveDSN:    "./data/ohlcv_archive.db",
			QueryTimeout:  "30s",
		},
		Publisher: PublisherConfig{
			Enabled:   false,
			Addr:      "localhost:6379",
			Channel:   "ohlcv:prices",
			KeyPrefix: "ohlcv:latest:",
			TTL:       "5m",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			FilePath:   "",
			MaxSize:    100, // 100MB
			MaxBackups: 5,
			MaxAge:     30, // 30 days
			Compress:   true,
			ContextFields: map[string]string{
				"service": "ohlcv-history",
			},
		},
		Metrics: MetricsConfig{
			Enabled:   false,
			Port:      9090,
			Path:      "/metrics",
			Namespace: "ohlcv",
		},
		ErrorHandling: ErrorHandlingConfig{
			GlobalRetryPolicy: RetryPolicyConfig{
				MaxAttempts:  3,
				InitialDelay: "1s",
				MaxDelay:     "30s",
				Multiplier:   2,
				Jitter:       true,
			},
			ComponentPolicies: make(map[string]RetryPolicyConfig),
		},
	}
}

// DurationOr parses s, returning fallback when it is empty or invalid.
func DurationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// String returns a string representation of the configuration (excluding sensitive data)
func (c *AppConfig) String() string {
	sanitized := *c
	if sanitized.Publisher.Password != "" {
		sanitized.Publisher.Password = "[REDACTED]"
	}

	data, _ := json.MarshalIndent(&sanitized, "", "  ")
	return string(data)
}
