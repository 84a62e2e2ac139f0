package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/warp/commission-engine/commission"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Engine    EngineConfig
	Scheduler SchedulerConfig
	Logger    LoggerConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port int
}

// DatabaseConfig selects and configures the ledger store
type DatabaseConfig struct {
	Driver      string // sqlite or postgres
	Path        string // sqlite file
	DatabaseURL string // postgres URL
	MaxConns    int32
	MinConns    int32
}

// EngineConfig holds the payout rules
type EngineConfig struct {
	PayoutThreshold     decimal.Decimal
	EligibilityWaitDays int
	MaxChainDepth       int
}

// SchedulerConfig controls the background cadence trigger
type SchedulerConfig struct {
	Enabled         bool
	Interval        time.Duration
	RenewalRunMonth time.Month
	RenewalRunDay   int
}

// LoggerConfig holds logging configuration
type LoggerConfig struct {
	Level       string // debug, info, warn, error
	Environment string
}

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	threshold, err := decimal.NewFromString(getEnv("PAYOUT_THRESHOLD", "100"))
	if err != nil {
		return nil, fmt.Errorf("PAYOUT_THRESHOLD: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Port: getEnvAsInt("PORT", 8080),
		},
		Database: DatabaseConfig{
			Driver:      getEnv("DB_DRIVER", DriverSQLite),
			Path:        getEnv("DB_PATH", "commission.db"),
			DatabaseURL: getEnv("DATABASE_URL", ""),
			MaxConns:    int32(getEnvAsInt("DB_MAX_CONNS", 10)),
			MinConns:    int32(getEnvAsInt("DB_MIN_CONNS", 2)),
		},
		Engine: EngineConfig{
			PayoutThreshold:     threshold,
			EligibilityWaitDays: getEnvAsInt("ELIGIBILITY_WAIT_DAYS", 14),
			MaxChainDepth:       getEnvAsInt("MAX_CHAIN_DEPTH", commission.DefaultMaxChainDepth),
		},
		Scheduler: SchedulerConfig{
			Enabled:         getEnvAsBool("SCHEDULER_ENABLED", true),
			Interval:        getEnvAsDuration("SCHEDULER_INTERVAL", time.Hour),
			RenewalRunMonth: time.Month(getEnvAsInt("RENEWAL_RUN_MONTH", 1)),
			RenewalRunDay:   getEnvAsInt("RENEWAL_RUN_DAY", 15),
		},
		Logger: LoggerConfig{
			Level:       getEnv("LOG_LEVEL", "info"),
			Environment: getEnv("ENVIRONMENT", "development"),
		},
	}
	return cfg, nil
}

// Validate checks the combined env and flag configuration.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case DriverSQLite:
		if c.Database.Path == "" {
			return fmt.Errorf("DB_PATH is required for the sqlite driver")
		}
	case DriverPostgres:
		if c.Database.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown DB_DRIVER %q", c.Database.Driver)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid PORT %d", c.Server.Port)
	}
	if !c.Engine.PayoutThreshold.IsPositive() {
		return fmt.Errorf("PAYOUT_THRESHOLD must be positive")
	}
	if c.Engine.EligibilityWaitDays < 0 {
		return fmt.Errorf("ELIGIBILITY_WAIT_DAYS must not be negative")
	}
	if c.Engine.MaxChainDepth <= 0 {
		return fmt.Errorf("MAX_CHAIN_DEPTH must be positive")
	}
	if c.Scheduler.Enabled && c.Scheduler.Interval <= 0 {
		return fmt.Errorf("SCHEDULER_INTERVAL must be positive")
	}
	if c.Scheduler.RenewalRunMonth < time.January || c.Scheduler.RenewalRunMonth > time.December {
		return fmt.Errorf("RENEWAL_RUN_MONTH must be 1-12")
	}
	if c.Scheduler.RenewalRunDay < 1 || c.Scheduler.RenewalRunDay > 28 {
		return fmt.Errorf("RENEWAL_RUN_DAY must be 1-28")
	}
	return nil
}

// CommissionConfig converts the payout rules for commission.NewEngine.
func (c *Config) CommissionConfig() commission.Config {
	return commission.Config{
		Threshold:     c.Engine.PayoutThreshold,
		WaitDays:      c.Engine.EligibilityWaitDays,
		MaxChainDepth: c.Engine.MaxChainDepth,
	}
}

// IsProduction reports whether ENVIRONMENT is production.
func (c *Config) IsProduction() bool {
	return c.Logger.Environment == "production"
}

// NewLogger builds a zap logger: JSON in production, console otherwise.
func (c *Config) NewLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Logger.Level)
	if err != nil {
		return nil, fmt.Errorf("LOG_LEVEL: %w", err)
	}

	var zc zap.Config
	if c.IsProduction() {
		zc = zap.NewProductionConfig()
	} else {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
