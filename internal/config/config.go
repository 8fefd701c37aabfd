package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds the engine's runtime configuration, loaded from .env,
// environment variables, and CLI overrides (in that ascending priority).
type Config struct {
	EnabledServices string `env:"ENABLED_SERVICES" envDefault:"AVTransport,RenderingControl,ZoneGroupTopology"`

	SubscriptionTimeout time.Duration `env:"SUBSCRIPTION_TIMEOUT" envDefault:"1800s"`
	RetryBackoff        time.Duration `env:"RETRY_BACKOFF" envDefault:"1s"`
	MaxRetryAttempts    int           `env:"MAX_RETRY_ATTEMPTS" envDefault:"3"`

	CallbackPortStart int    `env:"CALLBACK_PORT_START" envDefault:"3400"`
	CallbackPortEnd   int    `env:"CALLBACK_PORT_END" envDefault:"3420"`
	CallbackHost      string `env:"CALLBACK_HOST"`

	BufferSize    int           `env:"BUFFER_SIZE" envDefault:"256"`
	HTTPTimeout   time.Duration `env:"HTTP_TIMEOUT" envDefault:"10s"`
	ShutdownGrace time.Duration `env:"SHUTDOWN_GRACE" envDefault:"2s"`

	SeedFile string `env:"SEED_FILE"`

	MetricsAddr string `env:"METRICS_ADDR" envDefault:":9090"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
}

// Validate checks the bounds called out in the concurrency & resource
// model: subscription timeout in [60s, 24h], a well-formed port range.
func (c *Config) Validate() error {
	if c.SubscriptionTimeout < 60*time.Second || c.SubscriptionTimeout > 24*time.Hour {
		return fmt.Errorf("SUBSCRIPTION_TIMEOUT must be between 60s and 24h, got %s", c.SubscriptionTimeout)
	}
	if c.CallbackPortStart < 1024 {
		return fmt.Errorf("CALLBACK_PORT_START must be >= 1024, got %d", c.CallbackPortStart)
	}
	if c.CallbackPortEnd < c.CallbackPortStart {
		return fmt.Errorf("CALLBACK_PORT_END must be >= CALLBACK_PORT_START")
	}
	if c.BufferSize < 1 {
		return fmt.Errorf("BUFFER_SIZE must be >= 1, got %d", c.BufferSize)
	}
	if len(c.Services()) == 0 {
		return fmt.Errorf("ENABLED_SERVICES must name at least one service")
	}
	return nil
}

// Services splits EnabledServices on commas, trimming whitespace and
// dropping empty entries.
func (c *Config) Services() []string {
	var out []string
	for _, s := range strings.Split(c.EnabledServices, ",") {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Overrides holds CLI flag values that take priority over env vars.
type Overrides struct {
	EnvFile           string
	SeedFile          string
	CallbackPortStart int
	CallbackPortEnd   int
	LogLevel          string
}

// Load reads configuration from a .env file, environment variables, and CLI
// overrides. Priority: CLI flags > environment variables > .env file >
// struct defaults.
func Load(overrides Overrides) (*Config, error) {
	envFile := overrides.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		_ = godotenv.Load(envFile)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	if overrides.SeedFile != "" {
		cfg.SeedFile = overrides.SeedFile
	}
	if overrides.CallbackPortStart != 0 {
		cfg.CallbackPortStart = overrides.CallbackPortStart
	}
	if overrides.CallbackPortEnd != 0 {
		cfg.CallbackPortEnd = overrides.CallbackPortEnd
	}
	if overrides.LogLevel != "" {
		cfg.LogLevel = overrides.LogLevel
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}
