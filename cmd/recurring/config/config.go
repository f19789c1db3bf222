// Package config assembles the CLI configuration from flags, environment,
// and an optional config file, and turns it into engine component configs.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"recurring-payments-engine/internal/period"
	"recurring-payments-engine/internal/scheduler"
	"recurring-payments-engine/internal/templates"
	engerrors "recurring-payments-engine/pkg/errors"
	"recurring-payments-engine/pkg/logger"
)

// Config is the resolved CLI configuration.
type Config struct {
	// DatabasePath is the sqlite database file.
	DatabasePath string `json:"database_path"`

	// Timezone is the IANA zone all period math runs in.
	Timezone string `json:"timezone"`

	// MonthsAhead is the instance generation look-ahead window.
	MonthsAhead int `json:"months_ahead"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `json:"log_level"`

	// JSONOutput switches command output and logs to JSON.
	JSONOutput bool `json:"json_output"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		DatabasePath: "recurring.db",
		Timezone:     period.DefaultTimezone,
		MonthsAhead:  3,
		LogLevel:     string(logger.InfoLevel),
		JSONOutput:   false,
	}
}

// Load resolves the configuration from viper, falling back to defaults for
// unset keys.
func Load() *Config {
	cfg := Default()
	if viper.IsSet("db") {
		cfg.DatabasePath = viper.GetString("db")
	}
	if viper.IsSet("timezone") {
		cfg.Timezone = viper.GetString("timezone")
	}
	if viper.IsSet("months-ahead") {
		cfg.MonthsAhead = viper.GetInt("months-ahead")
	}
	if viper.IsSet("log-level") {
		cfg.LogLevel = viper.GetString("log-level")
	}
	if viper.IsSet("json") {
		cfg.JSONOutput = viper.GetBool("json")
	}
	return cfg
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.DatabasePath == "" {
		return engerrors.Configuration("db", "database path cannot be empty")
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return engerrors.Configuration("timezone", fmt.Sprintf("unknown timezone %q", c.Timezone))
	}
	if c.MonthsAhead < 0 {
		return engerrors.Configuration("months-ahead", c.MonthsAhead)
	}
	switch logger.Level(c.LogLevel) {
	case logger.DebugLevel, logger.InfoLevel, logger.WarnLevel, logger.ErrorLevel:
	default:
		return engerrors.Configuration("log-level", c.LogLevel)
	}
	return nil
}

// LoggerConfig builds the logger configuration.
func (c *Config) LoggerConfig() *logger.Config {
	cfg := logger.DefaultConfig()
	cfg.Level = logger.Level(c.LogLevel)
	if c.JSONOutput {
		cfg.Format = logger.JSONFormat
	}
	return cfg
}

// TemplatesConfig builds the template store configuration.
func (c *Config) TemplatesConfig() *templates.Config {
	return templates.DefaultConfig()
}

// SchedulerConfig builds the scheduler configuration.
func (c *Config) SchedulerConfig() *scheduler.Config {
	cfg := scheduler.DefaultConfig()
	if c.MonthsAhead > 0 {
		cfg.MonthsAhead = c.MonthsAhead
	}
	return cfg
}
