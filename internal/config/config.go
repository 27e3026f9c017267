// Package config loads the Fastband daemon configuration from
// .fastband/config.yaml with FASTBAND_* environment overrides, and runs
// the hot-reload manager over the config directory.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full daemon configuration.
type Config struct {
	DataDir string       `mapstructure:"data_dir"`
	Server  ServerConfig `mapstructure:"server"`
	Auth    AuthConfig   `mapstructure:"auth"`
	Budget  BudgetConfig `mapstructure:"budget"`
	Memory  MemoryConfig `mapstructure:"memory"`
	Tickets TicketConfig `mapstructure:"tickets"`
	Hub     HubConfig    `mapstructure:"hub"`

	Webhooks WebhookConfig `mapstructure:"webhooks"`
	Redis    RedisConfig   `mapstructure:"redis"`
	Tracing  TracingConfig `mapstructure:"tracing"`
	Logging  LoggingConfig `mapstructure:"logging"`
}

type ServerConfig struct {
	HTTPAddr    string `mapstructure:"http_addr"`
	MetricsPort int    `mapstructure:"metrics_port"`
}

type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Secret  string `mapstructure:"secret"`
	Issuer  string `mapstructure:"issuer"`
	// SkipAuth disables token checks entirely; development only.
	SkipAuth bool `mapstructure:"skip_auth"`
}

type BudgetConfig struct {
	DefaultTokens int `mapstructure:"default_tokens"`
}

type MemoryConfig struct {
	CoolMaxItems  int `mapstructure:"cool_max_items"`
	CoolMaxTokens int `mapstructure:"cool_max_tokens"`
}

type TicketConfig struct {
	// Backend selects "document", "sqlite", or "postgres".
	Backend string `mapstructure:"backend"`
	// Path is the document-store file (document backend) or the sqlite
	// database file.
	Path string `mapstructure:"path"`
	// DSN is the postgres connection string.
	DSN string `mapstructure:"dsn"`
}

type HubConfig struct {
	MaxConnections int           `mapstructure:"max_connections"`
	MaxPerIP       int           `mapstructure:"max_per_ip"`
	Heartbeat      time.Duration `mapstructure:"heartbeat"`
}

type WebhookConfig struct {
	Workers    int           `mapstructure:"workers"`
	MaxRetries int           `mapstructure:"max_retries"`
	Timeout    time.Duration `mapstructure:"timeout"`
	RatePerSec float64       `mapstructure:"rate_per_sec"`
}

type RedisConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Endpoint    string `mapstructure:"endpoint"`
	ServiceName string `mapstructure:"service_name"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "json" or "console"
}

// DefaultDataDir is the project-local state directory.
const DefaultDataDir = ".fastband"

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", DefaultDataDir)
	v.SetDefault("server.http_addr", ":8321")
	v.SetDefault("server.metrics_port", 9321)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.issuer", "fastband")
	v.SetDefault("budget.default_tokens", 100000)
	v.SetDefault("memory.cool_max_items", 100)
	v.SetDefault("memory.cool_max_tokens", 50000)
	v.SetDefault("tickets.backend", "document")
	v.SetDefault("hub.max_connections", 100)
	v.SetDefault("hub.max_per_ip", 10)
	v.SetDefault("hub.heartbeat", 30*time.Second)
	v.SetDefault("webhooks.workers", 4)
	v.SetDefault("webhooks.max_retries", 2)
	v.SetDefault("webhooks.timeout", 10*time.Second)
	v.SetDefault("webhooks.rate_per_sec", 10)
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "fastband-core")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Load reads configuration from <dataDir>/config.yaml if present, then
// applies FASTBAND_* environment overrides. A missing file is fine: the
// defaults stand.
func Load(dataDir string) (*Config, error) {
	if dataDir == "" {
		dataDir = DefaultDataDir
	}
	v := viper.New()
	setDefaults(v)
	v.SetDefault("data_dir", dataDir)

	v.SetEnvPrefix("FASTBAND")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	path := filepath.Join(dataDir, "config.yaml")
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the daemon cannot start with.
func (c *Config) Validate() error {
	switch c.Tickets.Backend {
	case "document", "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown ticket backend %q", c.Tickets.Backend)
	}
	if c.Tickets.Backend == "postgres" && c.Tickets.DSN == "" {
		return fmt.Errorf("postgres ticket backend requires tickets.dsn")
	}
	if c.Auth.Enabled && !c.Auth.SkipAuth && c.Auth.Secret == "" {
		return fmt.Errorf("auth.enabled requires auth.secret")
	}
	if c.Budget.DefaultTokens <= 0 {
		return fmt.Errorf("budget.default_tokens must be positive")
	}
	return nil
}

// TicketPath returns the ticket store file, defaulting under the data
// dir.
func (c *Config) TicketPath() string {
	if c.Tickets.Path != "" {
		return c.Tickets.Path
	}
	if c.Tickets.Backend == "sqlite" {
		return filepath.Join(c.DataDir, "tickets.db")
	}
	return filepath.Join(c.DataDir, "tickets.json")
}

// WebhookStorePath returns the webhook subscription file.
func (c *Config) WebhookStorePath() string {
	return filepath.Join(c.DataDir, "webhooks.json")
}

// WebhookPendingPath returns the pending-delivery resume file.
func (c *Config) WebhookPendingPath() string {
	return filepath.Join(c.DataDir, "webhooks_pending.json")
}

// HandoffDir returns the handoff packet directory.
func (c *Config) HandoffDir() string {
	return filepath.Join(c.DataDir, "handoffs")
}
