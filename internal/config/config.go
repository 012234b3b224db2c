// internal/config/config.go
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the server settings. Values come from an optional YAML file
// and are overridden by environment variables.
type Config struct {
	Port        string `yaml:"port"`
	DatabaseURL string `yaml:"database_url"`
	ServiceName string `yaml:"service_name"`

	Lending LendingConfig `yaml:"lending"`
	Log     LogConfig     `yaml:"log"`

	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

type LendingConfig struct {
	LoanPeriodDays int `yaml:"loan_period_days"`
	// FineRatePerDay is expressed in minor currency units.
	FineRatePerDay         int64 `yaml:"fine_rate_per_day"`
	IssueRequestsPerMinute int   `yaml:"issue_requests_per_minute"`
	IssueRequestBurst      int   `yaml:"issue_request_burst"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// LoanPeriod returns the loan period as a duration.
func (c LendingConfig) LoanPeriod() time.Duration {
	return time.Duration(c.LoanPeriodDays) * 24 * time.Hour
}

// Default returns the built-in settings: a 7 day loan period and a fine of
// 10.00 per late day.
func Default() Config {
	return Config{
		Port:        "8080",
		ServiceName: "lendingdesk",
		Lending: LendingConfig{
			LoanPeriodDays:         7,
			FineRatePerDay:         1000,
			IssueRequestsPerMinute: 5,
			IssueRequestBurst:      5,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load builds the configuration. If path is non-empty the file is read first.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		buf, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(buf, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	cfg.Port = getEnv("PORT", cfg.Port)
	cfg.DatabaseURL = getEnv("DATABASE_URL", cfg.DatabaseURL)
	cfg.ServiceName = getEnv("SERVICE_NAME", cfg.ServiceName)
	cfg.OTLPEndpoint = getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.OTLPEndpoint)
	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)

	var err error
	if cfg.Log.Development, err = getEnvBool("LOG_DEVELOPMENT", cfg.Log.Development); err != nil {
		return err
	}
	if cfg.Lending.LoanPeriodDays, err = getEnvInt("LOAN_PERIOD_DAYS", cfg.Lending.LoanPeriodDays); err != nil {
		return err
	}
	rate, err := getEnvInt("FINE_RATE_PER_DAY", int(cfg.Lending.FineRatePerDay))
	if err != nil {
		return err
	}
	cfg.Lending.FineRatePerDay = int64(rate)
	if cfg.Lending.IssueRequestsPerMinute, err = getEnvInt("ISSUE_REQUESTS_PER_MINUTE", cfg.Lending.IssueRequestsPerMinute); err != nil {
		return err
	}
	if cfg.Lending.IssueRequestBurst, err = getEnvInt("ISSUE_REQUEST_BURST", cfg.Lending.IssueRequestBurst); err != nil {
		return err
	}
	return nil
}

// Validate rejects settings the lending policy cannot work with.
func (c Config) Validate() error {
	if c.Lending.LoanPeriodDays <= 0 {
		return fmt.Errorf("loan period must be positive, got %d days", c.Lending.LoanPeriodDays)
	}
	if c.Lending.FineRatePerDay < 0 {
		return fmt.Errorf("fine rate must not be negative, got %d", c.Lending.FineRatePerDay)
	}
	if c.Lending.IssueRequestsPerMinute <= 0 || c.Lending.IssueRequestBurst <= 0 {
		return fmt.Errorf("issue request rate limit must be positive")
	}
	if c.Port == "" {
		return fmt.Errorf("port must be set")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getEnvBool(key string, defaultValue bool) (bool, error) {
	value, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}
