// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	App         AppConfig         `yaml:"app"`
	Copy        CopyConfig        `yaml:"copy"`
	Risk        RiskConfig        `yaml:"risk"`
	Execution   ExecutionConfig   `yaml:"execution"`
	Dispatcher  DispatcherConfig  `yaml:"dispatcher"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Feed        FeedConfig        `yaml:"feed"`
	System      SystemConfig      `yaml:"system"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Alert       AlertConfig       `yaml:"alert"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Name             string  `yaml:"name"`
	DryRun           bool    `yaml:"dry_run"`           // Paper-trade against the in-process order client
	MonitoredAccount string  `yaml:"monitored_account"` // Account whose trades are copied
	OwnAccount       string  `yaml:"own_account"`
	PaperBalance     float64 `yaml:"paper_balance"` // Starting balance in dry-run mode
}

// CopyConfig contains sizing and pricing parameters
type CopyConfig struct {
	Ratio               float64 `yaml:"ratio"`                  // Fraction of the observed trade value to copy
	MinTradeValue       float64 `yaml:"min_trade_value"`        // Smallest copy order value
	MaxPositionValue    float64 `yaml:"max_position_value"`     // Cap per copy order value
	MinSourceTradeValue float64 `yaml:"min_source_trade_value"` // Ingestion filter on the observed trade
	ExposureLimit       float64 `yaml:"exposure_limit"`         // Max share of portfolio in open positions
	SlippageBps         int     `yaml:"slippage_bps"`
	PriceTolerance      float64 `yaml:"price_tolerance"` // Favourability tolerance vs the trader's average cost
	TickSize            float64 `yaml:"tick_size"`
	SizeTick            float64 `yaml:"size_tick"`
	MinPrice            float64 `yaml:"min_price"`
	MaxPrice            float64 `yaml:"max_price"`
}

// RiskConfig contains circuit breaker and cooldown settings
type RiskConfig struct {
	MaxConsecutiveFailures int           `yaml:"max_consecutive_failures"`
	BreakerCooldown        time.Duration `yaml:"breaker_cooldown"`
	TradeCooldown          time.Duration `yaml:"trade_cooldown"`
}

// ExecutionConfig contains order submission and confirmation settings
type ExecutionConfig struct {
	MaxSubmitAttempts   int           `yaml:"max_submit_attempts"`
	BaseBackoff         time.Duration `yaml:"base_backoff"`
	MaxBackoff          time.Duration `yaml:"max_backoff"`
	ConfirmPollInterval time.Duration `yaml:"confirm_poll_interval"`
	ConfirmTimeout      time.Duration `yaml:"confirm_timeout"`       // Background confirmation
	WaitForFillTimeout  time.Duration `yaml:"wait_for_fill_timeout"` // Synchronous confirmation
	OrdersPerSecond     float64       `yaml:"orders_per_second"`
	OrderBurst          int           `yaml:"order_burst"`
}

// DispatcherConfig contains the two admission-control knobs and dedup window
type DispatcherConfig struct {
	QueueCapacity   int           `yaml:"queue_capacity"`
	Workers         int           `yaml:"workers"`
	DedupWindow     time.Duration `yaml:"dedup_window"`
	DedupMaxEntries int           `yaml:"dedup_max_entries"`
}

// PersistenceConfig selects and tunes the snapshot store
type PersistenceConfig struct {
	Driver          string        `yaml:"driver"` // memory, file, sqlite, postgres
	Path            string        `yaml:"path"`
	DSN             Secret        `yaml:"dsn"`
	SaveAttempts    int           `yaml:"save_attempts"`
	SaveBackoff     time.Duration `yaml:"save_backoff"`
	SaveMaxBackoff  time.Duration `yaml:"save_max_backoff"`
	MaxProcessedIDs int           `yaml:"max_processed_ids"`
}

// FeedConfig contains trade detection sources
type FeedConfig struct {
	WebsocketURL string        `yaml:"websocket_url"`
	PollURL      string        `yaml:"poll_url"`
	PollInterval time.Duration `yaml:"poll_interval"`
	APIKey       Secret        `yaml:"api_key"`
}

// SystemConfig contains system settings
type SystemConfig struct {
	LogLevel       string        `yaml:"log_level"`
	LogJSON        bool          `yaml:"log_json"`
	StatusInterval time.Duration `yaml:"status_interval"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
	StdoutTraces  bool `yaml:"stdout_traces"`
}

// AlertConfig contains operator notification settings. Empty credentials disable a channel.
type AlertConfig struct {
	SlackWebhookURL  Secret        `yaml:"slack_webhook_url"`
	TelegramBotToken Secret        `yaml:"telegram_bot_token"`
	TelegramChatID   string        `yaml:"telegram_chat_id"`
	MinInterval      time.Duration `yaml:"min_interval"` // Suppress repeats of the same alert title
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment variable expansion.
// Fields missing from the file keep their DefaultConfig values.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	config := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expandedData), config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errors []string

	for _, check := range []func() error{
		c.validateAppConfig,
		c.validateCopyConfig,
		c.validateRiskConfig,
		c.validateExecutionConfig,
		c.validateDispatcherConfig,
		c.validatePersistenceConfig,
		c.validateSystemConfig,
	} {
		if err := check(); err != nil {
			errors = append(errors, err.Error())
		}
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errors, "\n"))
	}

	return nil
}

func (c *Config) validateAppConfig() error {
	if c.App.MonitoredAccount == "" {
		return ValidationError{
			Field:   "app.monitored_account",
			Message: "the account to copy is required",
		}
	}
	if c.App.DryRun && c.App.PaperBalance <= 0 {
		return ValidationError{
			Field:   "app.paper_balance",
			Value:   c.App.PaperBalance,
			Message: "paper balance must be positive in dry-run mode",
		}
	}
	return nil
}

func (c *Config) validateCopyConfig() error {
	cp := c.Copy
	if cp.Ratio <= 0 || cp.Ratio > 1 {
		return ValidationError{Field: "copy.ratio", Value: cp.Ratio, Message: "must be in (0, 1]"}
	}
	if cp.MinTradeValue < 0 {
		return ValidationError{Field: "copy.min_trade_value", Value: cp.MinTradeValue, Message: "must not be negative"}
	}
	if cp.MaxPositionValue <= 0 || cp.MaxPositionValue < cp.MinTradeValue {
		return ValidationError{Field: "copy.max_position_value", Value: cp.MaxPositionValue, Message: "must be positive and at least min_trade_value"}
	}
	if cp.ExposureLimit <= 0 || cp.ExposureLimit > 1 {
		return ValidationError{Field: "copy.exposure_limit", Value: cp.ExposureLimit, Message: "must be in (0, 1]"}
	}
	if cp.SlippageBps < 0 || cp.SlippageBps > 5000 {
		return ValidationError{Field: "copy.slippage_bps", Value: cp.SlippageBps, Message: "must be in [0, 5000]"}
	}
	if cp.TickSize <= 0 || cp.SizeTick <= 0 {
		return ValidationError{Field: "copy.tick_size", Value: cp.TickSize, Message: "tick sizes must be positive"}
	}
	if cp.MinPrice <= 0 || cp.MaxPrice <= cp.MinPrice {
		return ValidationError{Field: "copy.min_price", Value: cp.MinPrice, Message: "price bounds must satisfy 0 < min_price < max_price"}
	}
	return nil
}

func (c *Config) validateRiskConfig() error {
	if c.Risk.MaxConsecutiveFailures < 1 {
		return ValidationError{Field: "risk.max_consecutive_failures", Value: c.Risk.MaxConsecutiveFailures, Message: "must be at least 1"}
	}
	if c.Risk.BreakerCooldown <= 0 {
		return ValidationError{Field: "risk.breaker_cooldown", Value: c.Risk.BreakerCooldown, Message: "must be positive"}
	}
	if c.Risk.TradeCooldown < 0 {
		return ValidationError{Field: "risk.trade_cooldown", Value: c.Risk.TradeCooldown, Message: "must not be negative"}
	}
	return nil
}

func (c *Config) validateExecutionConfig() error {
	ex := c.Execution
	if ex.MaxSubmitAttempts < 1 || ex.MaxSubmitAttempts > 10 {
		return ValidationError{Field: "execution.max_submit_attempts", Value: ex.MaxSubmitAttempts, Message: "must be in [1, 10]"}
	}
	if ex.ConfirmPollInterval <= 0 || ex.ConfirmTimeout < ex.ConfirmPollInterval {
		return ValidationError{Field: "execution.confirm_timeout", Value: ex.ConfirmTimeout, Message: "must be at least confirm_poll_interval"}
	}
	if ex.WaitForFillTimeout < ex.ConfirmTimeout {
		return ValidationError{Field: "execution.wait_for_fill_timeout", Value: ex.WaitForFillTimeout, Message: "must not be shorter than confirm_timeout"}
	}
	if ex.OrdersPerSecond <= 0 {
		return ValidationError{Field: "execution.orders_per_second", Value: ex.OrdersPerSecond, Message: "must be positive"}
	}
	return nil
}

func (c *Config) validateDispatcherConfig() error {
	if c.Dispatcher.QueueCapacity < 1 {
		return ValidationError{Field: "dispatcher.queue_capacity", Value: c.Dispatcher.QueueCapacity, Message: "must be at least 1"}
	}
	if c.Dispatcher.Workers < 1 || c.Dispatcher.Workers > 100 {
		return ValidationError{Field: "dispatcher.workers", Value: c.Dispatcher.Workers, Message: "must be in [1, 100]"}
	}
	if c.Dispatcher.DedupWindow <= 0 {
		return ValidationError{Field: "dispatcher.dedup_window", Value: c.Dispatcher.DedupWindow, Message: "must be positive"}
	}
	return nil
}

func (c *Config) validatePersistenceConfig() error {
	validDrivers := []string{"memory", "file", "sqlite", "postgres"}
	if !contains(validDrivers, c.Persistence.Driver) {
		return ValidationError{
			Field:   "persistence.driver",
			Value:   c.Persistence.Driver,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validDrivers, ", ")),
		}
	}
	switch c.Persistence.Driver {
	case "file", "sqlite":
		if c.Persistence.Path == "" {
			return ValidationError{Field: "persistence.path", Message: "path is required for " + c.Persistence.Driver}
		}
	case "postgres":
		if c.Persistence.DSN == "" {
			return ValidationError{Field: "persistence.dsn", Message: "dsn is required for postgres"}
		}
	}
	if c.Persistence.SaveAttempts < 1 {
		return ValidationError{Field: "persistence.save_attempts", Value: c.Persistence.SaveAttempts, Message: "must be at least 1"}
	}
	if c.Persistence.MaxProcessedIDs < 1 {
		return ValidationError{Field: "persistence.max_processed_ids", Value: c.Persistence.MaxProcessedIDs, Message: "must be at least 1"}
	}
	return nil
}

func (c *Config) validateSystemConfig() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.System.LogLevel)) {
		return ValidationError{
			Field:   "system.log_level",
			Value:   c.System.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}
	}
	return nil
}

// String returns a YAML representation with secrets redacted
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// Helper functions

func expandEnvVars(s string) string {
	return os.Expand(s, os.Getenv)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Name:         "copy_trader",
			DryRun:       true,
			PaperBalance: 1000,
		},
		Copy: CopyConfig{
			Ratio:               0.1,
			MinTradeValue:       1,
			MaxPositionValue:    100,
			MinSourceTradeValue: 1,
			ExposureLimit:       0.8,
			SlippageBps:         200,
			PriceTolerance:      0.01,
			TickSize:            0.01,
			SizeTick:            0.01,
			MinPrice:            0.01,
			MaxPrice:            0.99,
		},
		Risk: RiskConfig{
			MaxConsecutiveFailures: 5,
			BreakerCooldown:        5 * time.Minute,
			TradeCooldown:          100 * time.Millisecond,
		},
		Execution: ExecutionConfig{
			MaxSubmitAttempts:   3,
			BaseBackoff:         500 * time.Millisecond,
			MaxBackoff:          5 * time.Second,
			ConfirmPollInterval: 2 * time.Second,
			ConfirmTimeout:      30 * time.Second,
			WaitForFillTimeout:  2 * time.Minute,
			OrdersPerSecond:     10,
			OrderBurst:          10,
		},
		Dispatcher: DispatcherConfig{
			QueueCapacity:   100,
			Workers:         5,
			DedupWindow:     60 * time.Second,
			DedupMaxEntries: 10000,
		},
		Persistence: PersistenceConfig{
			Driver:          "file",
			Path:            "data/positions.json",
			SaveAttempts:    3,
			SaveBackoff:     200 * time.Millisecond,
			SaveMaxBackoff:  2 * time.Second,
			MaxProcessedIDs: 1000,
		},
		Feed: FeedConfig{
			PollInterval: 2 * time.Second,
		},
		System: SystemConfig{
			LogLevel:       "INFO",
			StatusInterval: 30 * time.Second,
		},
		Telemetry: TelemetryConfig{
			MetricsPort:   9090,
			EnableMetrics: true,
		},
		Alert: AlertConfig{
			MinInterval: 5 * time.Minute,
		},
	}
}
