package config

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/sethvargo/go-envconfig"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"

	DefaultTokenTTL            = 48 * time.Hour
	DefaultAuthRateLimitPerMin = 30
)

type Config struct {
	Environment string `toml:"-"`
	Host        string `toml:"host"`
	Port        int    `toml:"port" env:"PORT, overwrite"`
	// logging
	LogLevel      string `toml:"log_level"`
	LogsPath      string `toml:"logs_path"`
	LogToStdout   bool   `toml:"log_to_stdout"`
	LogFormatJSON bool   `toml:"log_format_json"`
	// sentry
	SentryEnabled bool   `toml:"sentry_enabled"`
	SentryDSN     string `toml:"-" env:"SENTRY_DSN, overwrite"`
	// postgres
	DatabaseURL string `toml:"database_url" env:"DATABASE_URL, overwrite"`
	DBTracing   bool   `toml:"db_tracing"`
	// redis
	RedisHost     string `toml:"redis_host"`
	RedisPort     string `toml:"redis_port"`
	RedisPassword string `toml:"-" env:"REDIS_PASSWORD, overwrite"`
	// telemetry
	PrometheusMetricsHost string `toml:"prometheus_metrics_host"`
	PrometheusMetricsPort string `toml:"prometheus_metrics_port"`
	HoneycombEnabled      bool   `toml:"honeycomb_enabled" env:"HONEYCOMB_ENABLED, overwrite"`
	// auth
	TokenSecret         string        `toml:"-" env:"JWT_SECRET, overwrite"`
	TokenTTL            time.Duration `toml:"token_ttl"`
	AuthRateLimitPerMin int           `toml:"auth_rate_limit_per_min"`
}

func (c *Config) IsProduction() bool {
	return c.Environment == EnvProduction
}

func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.DatabaseURL == "" {
		return errors.New("database url not set, use DATABASE_URL")
	}
	if c.TokenSecret == "" {
		return errors.New("token secret not set, use JWT_SECRET")
	}
	if c.TokenTTL < 0 {
		return fmt.Errorf("invalid token ttl: %s", c.TokenTTL)
	}
	return nil
}

type Toml struct {
	Development *Config
	Production  *Config
}

func (t *Toml) Get(env string) (*Config, error) {
	var cfg *Config
	switch NormalizeEnv(env) {
	case EnvDevelopment:
		cfg = t.Development
	case EnvProduction:
		cfg = t.Production
	default:
		return nil, fmt.Errorf("unknown env: %s", env)
	}
	if cfg == nil {
		return nil, fmt.Errorf("config section for env [%s] missing", env)
	}
	cfg.Environment = NormalizeEnv(env)
	return cfg, nil
}

// NormalizeEnv maps the short env names to their canonical form.
func NormalizeEnv(env string) string {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "dev", "development":
		return EnvDevelopment
	case "prod", "production":
		return EnvProduction
	default:
		return env
	}
}

// Load reads the TOML file, picks the env section and applies the
// environment variables on top of it.
func Load(ctx context.Context, env, path string) (*Config, error) {
	return load(ctx, env, path, envconfig.OsLookuper())
}

func load(ctx context.Context, env, path string, lookuper envconfig.Lookuper) (*Config, error) {
	var t Toml
	if _, err := toml.DecodeFile(path, &t); err != nil {
		return nil, fmt.Errorf("decode config file: %w", err)
	}

	cfg, err := t.Get(env)
	if err != nil {
		return nil, err
	}

	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   cfg,
		Lookuper: lookuper,
	}); err != nil {
		return nil, fmt.Errorf("process env vars: %w", err)
	}

	if cfg.TokenTTL == 0 {
		cfg.TokenTTL = DefaultTokenTTL
	}
	if cfg.AuthRateLimitPerMin <= 0 {
		cfg.AuthRateLimitPerMin = DefaultAuthRateLimitPerMin
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}
