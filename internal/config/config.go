// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	App       AppConfig       `yaml:"app"`
	Database  DatabaseConfig  `yaml:"database"`
	Exchange  ExchangeConfig  `yaml:"exchange"`
	Security  SecurityConfig  `yaml:"security"`
	Engine    EngineConfig    `yaml:"engine"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Alerts    AlertsConfig    `yaml:"alerts"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Environment string `yaml:"environment"` // production or sandbox
	LogLevel    string `yaml:"log_level"`
}

// DatabaseConfig selects the persistence backend
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // sqlite3 or pgx
	DSN    string `yaml:"dsn"`
}

// ExchangeConfig contains exchange connectivity settings. Per-bot API
// credentials live encrypted in the bot configs; these are the shared
// connection parameters.
type ExchangeConfig struct {
	Name      string  `yaml:"name"`       // binance_spot or mock
	BaseURL   string  `yaml:"base_url"`   // optional override for the REST URL
	WSURL     string  `yaml:"ws_url"`     // optional override for the stream URL
	RateLimit int     `yaml:"rate_limit"` // signed requests per second
	FeeRate   float64 `yaml:"fee_rate"`
}

// SecurityConfig holds the key material for API-credential storage at rest
type SecurityConfig struct {
	MasterKey Secret `yaml:"master_key"`
	Salt      string `yaml:"salt"`
}

// EngineConfig contains trading engine settings
type EngineConfig struct {
	MaxGridLevels      int `yaml:"max_grid_levels"`
	RecoveryPoolSize   int `yaml:"recovery_pool_size"`
	StopTimeoutSeconds int `yaml:"stop_timeout_seconds"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
}

// AlertsConfig configures the operator alert channels
type AlertsConfig struct {
	Enabled          bool   `yaml:"enabled"`
	SlackWebhookURL  Secret `yaml:"slack_webhook_url"`
	TelegramBotToken Secret `yaml:"telegram_bot_token"`
	TelegramChatID   string `yaml:"telegram_chat_id"`
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

// LoadConfig loads configuration from a YAML file with environment variable expansion
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var config Config
	if err := yaml.Unmarshal([]byte(expandedData), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.App.Environment == "" {
		c.App.Environment = "sandbox"
	}
	if c.App.LogLevel == "" {
		c.App.LogLevel = "INFO"
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite3"
	}
	if c.Exchange.RateLimit <= 0 {
		c.Exchange.RateLimit = 10
	}
	if c.Engine.MaxGridLevels <= 0 {
		c.Engine.MaxGridLevels = 50
	}
	if c.Engine.RecoveryPoolSize <= 0 {
		c.Engine.RecoveryPoolSize = 8
	}
	if c.Engine.StopTimeoutSeconds <= 0 {
		c.Engine.StopTimeoutSeconds = 30
	}
	if c.Telemetry.MetricsPort == 0 {
		c.Telemetry.MetricsPort = 9090
	}
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errors []string

	if err := c.validateAppConfig(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateDatabaseConfig(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateExchangeConfig(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateSecurityConfig(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateEngineConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errors, "\n"))
	}
	return nil
}

func (c *Config) validateAppConfig() error {
	validEnvs := []string{"production", "sandbox"}
	if !contains(validEnvs, c.App.Environment) {
		return ValidationError{
			Field:   "app.environment",
			Value:   c.App.Environment,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validEnvs, ", ")),
		}
	}

	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.App.LogLevel)) {
		return ValidationError{
			Field:   "app.log_level",
			Value:   c.App.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}
	}
	return nil
}

func (c *Config) validateDatabaseConfig() error {
	validDrivers := []string{"sqlite3", "pgx"}
	if !contains(validDrivers, c.Database.Driver) {
		return ValidationError{
			Field:   "database.driver",
			Value:   c.Database.Driver,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validDrivers, ", ")),
		}
	}
	if c.Database.DSN == "" {
		return ValidationError{
			Field:   "database.dsn",
			Message: "database connection string is required",
		}
	}
	return nil
}

func (c *Config) validateExchangeConfig() error {
	validExchanges := []string{"binance_spot", "mock"}
	if !contains(validExchanges, c.Exchange.Name) {
		return ValidationError{
			Field:   "exchange.name",
			Value:   c.Exchange.Name,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validExchanges, ", ")),
		}
	}
	return nil
}

func (c *Config) validateSecurityConfig() error {
	if c.Exchange.Name == "mock" {
		return nil
	}
	if c.Security.MasterKey.Value() == "" {
		return ValidationError{
			Field:   "security.master_key",
			Message: "master key is required to decrypt stored API credentials",
		}
	}
	if c.Security.Salt == "" {
		return ValidationError{
			Field:   "security.salt",
			Message: "salt is required to derive the encryption key",
		}
	}
	return nil
}

func (c *Config) validateEngineConfig() error {
	if c.Engine.MaxGridLevels > 50 {
		return ValidationError{
			Field:   "engine.max_grid_levels",
			Value:   c.Engine.MaxGridLevels,
			Message: "grid levels are capped at 50",
		}
	}
	return nil
}

// IsProduction reports whether the engine trades against the live exchange
func (c *Config) IsProduction() bool {
	return c.App.Environment == "production"
}

// String returns a string representation of the configuration (with sensitive data masked)
func (c *Config) String() string {
	configCopy := *c
	data, _ := yaml.Marshal(configCopy)
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

// DefaultConfig returns a default configuration for testing
func DefaultConfig() *Config {
	cfg := &Config{
		App: AppConfig{
			Environment: "sandbox",
			LogLevel:    "INFO",
		},
		Database: DatabaseConfig{
			Driver: "sqlite3",
			DSN:    ":memory:",
		},
		Exchange: ExchangeConfig{
			Name:      "mock",
			RateLimit: 10,
			FeeRate:   0.001,
		},
		Security: SecurityConfig{
			MasterKey: Secret("test_master_key"),
			Salt:      "test_salt",
		},
	}
	cfg.applyDefaults()
	return cfg
}
