package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port                    string        `mapstructure:"PORT"`
	Env                     string        `mapstructure:"ENV"`
	DatabaseURL             string        `mapstructure:"DATABASE_URL"`
	DBMaxConns              int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns              int32         `mapstructure:"DB_MIN_CONNS"`
	MigrationsDir           string        `mapstructure:"MIGRATIONS_DIR"`
	AttachmentRoot          string        `mapstructure:"ATTACHMENT_ROOT"`
	AttachmentMaxBytes      int64         `mapstructure:"ATTACHMENT_MAX_BYTES"`
	AttachmentRetentionDays int           `mapstructure:"ATTACHMENT_RETENTION_DAYS"`
	AttachmentSigningKey    string        `mapstructure:"ATTACHMENT_SIGNING_KEY"`
	AttachmentLinkTTL       time.Duration `mapstructure:"ATTACHMENT_LINK_TTL"`
	SweepInterval           time.Duration `mapstructure:"SWEEP_INTERVAL"`
	LogLevel                string        `mapstructure:"LOG_LEVEL"`
	LogFile                 string        `mapstructure:"LOG_FILE"`
	LogMaxSizeMB            int           `mapstructure:"LOG_MAX_SIZE_MB"`
	LogMaxBackups           int           `mapstructure:"LOG_MAX_BACKUPS"`
	LogMaxAgeDays           int           `mapstructure:"LOG_MAX_AGE_DAYS"`
}

var keys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "MIGRATIONS_DIR",
	"ATTACHMENT_ROOT", "ATTACHMENT_MAX_BYTES", "ATTACHMENT_RETENTION_DAYS",
	"ATTACHMENT_SIGNING_KEY", "ATTACHMENT_LINK_TTL", "SWEEP_INTERVAL",
	"LOG_LEVEL", "LOG_FILE", "LOG_MAX_SIZE_MB", "LOG_MAX_BACKUPS", "LOG_MAX_AGE_DAYS",
}

// Load reads the environment, falling back to a .env file in the working
// directory, and applies defaults. It does not validate; call Validate.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("ATTACHMENT_ROOT", "uploads/test_results")
	v.SetDefault("ATTACHMENT_MAX_BYTES", 10<<20)
	v.SetDefault("ATTACHMENT_RETENTION_DAYS", 30)
	v.SetDefault("ATTACHMENT_LINK_TTL", "15m")
	v.SetDefault("SWEEP_INTERVAL", "24h")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_MAX_SIZE_MB", 100)
	v.SetDefault("LOG_MAX_BACKUPS", 5)
	v.SetDefault("LOG_MAX_AGE_DAYS", 28)

	// Bind explicitly so Unmarshal sees variables without defaults.
	for _, k := range keys {
		if err := v.BindEnv(k); err != nil {
			return nil, fmt.Errorf("bind %s: %w", k, err)
		}
	}

	// A missing .env file is fine.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run. DATABASE_URL is
// always required; production also requires ATTACHMENT_SIGNING_KEY of at
// least 32 bytes.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.DBMinConns < 0 || c.DBMaxConns < 1 || c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("invalid pool size: DB_MIN_CONNS=%d DB_MAX_CONNS=%d", c.DBMinConns, c.DBMaxConns)
	}
	if c.AttachmentRoot == "" {
		return fmt.Errorf("ATTACHMENT_ROOT must not be empty")
	}
	if c.AttachmentMaxBytes <= 0 {
		return fmt.Errorf("ATTACHMENT_MAX_BYTES must be positive, got %d", c.AttachmentMaxBytes)
	}
	if c.AttachmentRetentionDays <= 0 {
		return fmt.Errorf("ATTACHMENT_RETENTION_DAYS must be positive, got %d", c.AttachmentRetentionDays)
	}
	if c.SweepInterval < 0 {
		return fmt.Errorf("SWEEP_INTERVAL must not be negative")
	}
	if c.IsProduction() {
		if c.AttachmentSigningKey == "" {
			return fmt.Errorf("ATTACHMENT_SIGNING_KEY is required in production")
		}
		if len(c.AttachmentSigningKey) < 32 {
			return fmt.Errorf("ATTACHMENT_SIGNING_KEY must be at least 32 bytes, got %d", len(c.AttachmentSigningKey))
		}
	}
	return nil
}
