package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

type Config struct {
	Port           string        `mapstructure:"PORT"`
	Env            string        `mapstructure:"ENV"`
	LogLevel       string        `mapstructure:"LOG_LEVEL"`
	MLLPEnabled    bool          `mapstructure:"MLLP_ENABLED"`
	MLLPAddr       string        `mapstructure:"MLLP_ADDR"`
	MaxMessageSize string        `mapstructure:"MAX_MESSAGE_SIZE"`
	MaxBatchSize   string        `mapstructure:"MAX_BATCH_SIZE"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	BatchWorkers   int           `mapstructure:"BATCH_WORKERS"`
	CodingSystems  []string      `mapstructure:"CODING_SYSTEMS"`
	DatabaseURL    string        `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32         `mapstructure:"DB_MIN_CONNS"`
	AuthIssuer     string        `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string        `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey string        `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS"`
	PublicURL      string        `mapstructure:"PUBLIC_URL"`
	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL", "MLLP_ENABLED", "MLLP_ADDR", "MAX_MESSAGE_SIZE",
	"MAX_BATCH_SIZE", "REQUEST_TIMEOUT", "BATCH_WORKERS", "CODING_SYSTEMS", "DATABASE_URL",
	"DB_MAX_CONNS", "DB_MIN_CONNS", "AUTH_ISSUER", "AUTH_AUDIENCE",
	"AUTH_SIGNING_KEY", "CORS_ORIGINS", "PUBLIC_URL", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("MLLP_ENABLED", true)
	v.SetDefault("MLLP_ADDR", ":2575")
	v.SetDefault("MAX_MESSAGE_SIZE", "1M")
	v.SetDefault("MAX_BATCH_SIZE", "16M")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("BATCH_WORKERS", 0)
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 1)
	v.SetDefault("CORS_ORIGINS", "*")
	v.SetDefault("PUBLIC_URL", "http://localhost:8000")
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Comma lists arrive from the environment as a single string.
	cfg.CORSOrigins = splitList(v.GetString("CORS_ORIGINS"))
	cfg.CodingSystems = splitList(v.GetString("CODING_SYSTEMS"))

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ParseLogEnabled reports whether parse outcomes are written to Postgres.
func (c *Config) ParseLogEnabled() bool {
	return c.DatabaseURL != ""
}

// MaxMessageBytes returns MAX_MESSAGE_SIZE in bytes. Accepted suffixes are
// K, M and G (powers of 1024); a bare number is bytes.
func (c *Config) MaxMessageBytes() (int64, error) {
	return ParseSize(c.MaxMessageSize)
}

// Level returns the zerolog level for LOG_LEVEL, defaulting to info.
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(c.LogLevel)))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

// Validate checks that the configuration is safe to run. Outside development
// AUTH_SIGNING_KEY must be set so that bearer tokens are verified.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthSigningKey == "" {
		return fmt.Errorf(
			"AUTH_SIGNING_KEY must be set when ENV=%q; refusing to start without authentication", c.Env)
	}
	if c.BatchWorkers < 0 {
		return fmt.Errorf("BATCH_WORKERS must be >= 0, got %d", c.BatchWorkers)
	}
	if _, err := c.MaxMessageBytes(); err != nil {
		return fmt.Errorf("MAX_MESSAGE_SIZE: %w", err)
	}
	if _, err := ParseSize(c.MaxBatchSize); err != nil {
		return fmt.Errorf("MAX_BATCH_SIZE: %w", err)
	}
	if c.RequestTimeout < 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must not be negative, got %s", c.RequestTimeout)
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	return nil
}

// ParseSize converts a size such as "512K", "1M" or "2048" to bytes.
func ParseSize(s string) (int64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return 0, fmt.Errorf("size is empty")
	}
	mult := int64(1)
	switch s[len(s)-1] {
	case 'K':
		mult = 1 << 10
	case 'M':
		mult = 1 << 20
	case 'G':
		mult = 1 << 30
	}
	if mult > 1 {
		s = s[:len(s)-1]
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	return n * mult, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
