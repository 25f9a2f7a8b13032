package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port             string        `mapstructure:"PORT"`
	Env              string        `mapstructure:"ENV"`
	LogLevel         string        `mapstructure:"LOG_LEVEL"`
	DataFile         string        `mapstructure:"DATA_FILE"`
	DataURL          string        `mapstructure:"DATA_URL"`
	DatabaseURL      string        `mapstructure:"DATABASE_URL"`
	DBMaxConns       int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns       int32         `mapstructure:"DB_MIN_CONNS"`
	ReferenceYear    int           `mapstructure:"REFERENCE_YEAR"`
	PlaybackInterval time.Duration `mapstructure:"PLAYBACK_INTERVAL"`
	UploadLimit      string        `mapstructure:"UPLOAD_LIMIT"`
	BodyLimit        string        `mapstructure:"BODY_LIMIT"`
	RequestTimeout   time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	SessionTTL       time.Duration `mapstructure:"SESSION_TTL"`
	CORSOrigins      []string      `mapstructure:"CORS_ORIGINS"`
	WatchDataFile    bool          `mapstructure:"WATCH_DATA_FILE"`
	SampleFile       string        `mapstructure:"SAMPLE_FILE"`
	ArtifactDir      string        `mapstructure:"ARTIFACT_DIR"`
	MetricsEnabled   bool          `mapstructure:"METRICS_ENABLED"`
	RateLimitRPS     float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst   int           `mapstructure:"RATE_LIMIT_BURST"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL", "DATA_FILE", "DATA_URL", "DATABASE_URL",
	"DB_MAX_CONNS", "DB_MIN_CONNS", "REFERENCE_YEAR", "PLAYBACK_INTERVAL",
	"UPLOAD_LIMIT", "BODY_LIMIT", "REQUEST_TIMEOUT", "SESSION_TTL",
	"CORS_ORIGINS", "WATCH_DATA_FILE", "SAMPLE_FILE", "ARTIFACT_DIR",
	"METRICS_ENABLED", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
}

// Load reads configuration from .env (when present) and the environment.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DATA_FILE", "data/filtered_european_data.json")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 1)
	v.SetDefault("REFERENCE_YEAR", 2020)
	v.SetDefault("PLAYBACK_INTERVAL", "100ms")
	v.SetDefault("UPLOAD_LIMIT", "10M")
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("SESSION_TTL", "30m")
	v.SetDefault("CORS_ORIGINS", "*")
	v.SetDefault("WATCH_DATA_FILE", true)
	v.SetDefault("SAMPLE_FILE", "data/sample.json")
	v.SetDefault("METRICS_ENABLED", true)
	v.SetDefault("RATE_LIMIT_RPS", 20)
	v.SetDefault("RATE_LIMIT_BURST", 40)

	for _, k := range keys {
		v.BindEnv(k)
	}

	// .env is optional
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}
	for i, o := range cfg.CORSOrigins {
		cfg.CORSOrigins[i] = strings.TrimSpace(o)
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

// UsesDatabase reports whether the reference dataset comes from PostgreSQL.
func (c *Config) UsesDatabase() bool {
	return c.DatabaseURL != ""
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	switch c.Env {
	case "development", "test", "production":
	default:
		return fmt.Errorf("ENV must be \"development\", \"test\", or \"production\", got %q", c.Env)
	}
	if c.PlaybackInterval <= 0 {
		return fmt.Errorf("PLAYBACK_INTERVAL must be positive, got %s", c.PlaybackInterval)
	}
	if c.SessionTTL < 0 {
		return fmt.Errorf("SESSION_TTL must not be negative, got %s", c.SessionTTL)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must be positive, got %s", c.RequestTimeout)
	}
	if c.ReferenceYear < 1900 || c.ReferenceYear > 2100 {
		return fmt.Errorf("REFERENCE_YEAR out of range: %d", c.ReferenceYear)
	}
	if c.DataFile == "" && c.DataURL == "" && c.DatabaseURL == "" {
		return fmt.Errorf("one of DATA_FILE, DATA_URL or DATABASE_URL is required")
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	return nil
}
