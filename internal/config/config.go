// Package config provides environment-variable-first configuration loading
// with optional YAML or TOML file fallback for the mail receiver.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

const (
	defaultIdleTimeout   = 60 * time.Second
	defaultRetention     = 7 * 24 * time.Hour
	defaultSweepInterval = 60 * time.Second
)

// Supported forward providers.
const (
	ForwardNone   = "none"
	ForwardStdout = "stdout"
	ForwardSES    = "ses"
)

// Config holds the complete application configuration.
type Config struct {
	SMTP    SMTPConfig    `yaml:"smtp" toml:"smtp"`
	Store   StoreConfig   `yaml:"store" toml:"store"`
	HTTP    HTTPConfig    `yaml:"http" toml:"http"`
	Forward ForwardConfig `yaml:"forward" toml:"forward"`
	Logging LoggingConfig `yaml:"logging" toml:"logging"`
}

// SMTPConfig holds SMTP listener configuration.
type SMTPConfig struct {
	Listen      string        `yaml:"listen" toml:"listen"`
	Domain      string        `yaml:"domain" toml:"domain"`
	ServiceName string        `yaml:"service_name" toml:"service_name"`
	IdleTimeout time.Duration `yaml:"idle_timeout" toml:"idle_timeout"`
}

// StoreConfig holds message store and retention configuration.
type StoreConfig struct {
	// URL selects the backend: a postgres:// URL, a file: URL or a plain
	// SQLite path. Empty means a database in the temp directory.
	URL           string        `yaml:"url" toml:"url"`
	Retention     time.Duration `yaml:"retention" toml:"retention"`
	SweepInterval time.Duration `yaml:"sweep_interval" toml:"sweep_interval"`
}

// HTTPConfig holds the lookup API configuration. An empty Listen disables it.
type HTTPConfig struct {
	Listen string `yaml:"listen" toml:"listen"`
}

// ForwardConfig holds the optional forwarding of stored mail.
type ForwardConfig struct {
	Provider string    `yaml:"provider" toml:"provider"`
	To       []string  `yaml:"to" toml:"to"`
	SES      SESConfig `yaml:"ses" toml:"ses"`
}

// SESConfig holds AWS SES configuration.
type SESConfig struct {
	Region          string `yaml:"region" toml:"region"`
	Sender          string `yaml:"sender" toml:"sender"`
	AccessKeyID     string `yaml:"access_key_id" toml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key" toml:"secret_access_key"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level" toml:"level"`
}

// Load loads configuration from environment variables with sensible defaults.
// Environment variables always take precedence.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvVars()
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML or TOML file as the base
// layer, then overrides with environment variables. Files ending in .toml are
// decoded as TOML, everything else as YAML. Returns an error if the specified
// file path does not exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Environment variables always override file values
	cfg.applyEnvVars()

	return cfg, nil
}

// Validate reports configuration that cannot be run.
func (c *Config) Validate() error {
	if c.SMTP.Listen == "" {
		return fmt.Errorf("smtp.listen must not be empty")
	}
	if c.SMTP.IdleTimeout <= 0 {
		return fmt.Errorf("smtp.idle_timeout must be positive, got %s", c.SMTP.IdleTimeout)
	}
	if c.Store.Retention <= 0 {
		return fmt.Errorf("store.retention must be positive, got %s", c.Store.Retention)
	}
	if c.Store.SweepInterval <= 0 {
		return fmt.Errorf("store.sweep_interval must be positive, got %s", c.Store.SweepInterval)
	}

	switch c.ForwardProvider() {
	case ForwardNone, ForwardStdout:
	case ForwardSES:
		if !c.SESConfigured() {
			return fmt.Errorf("ses forwarding requires SES_REGION and SES_SENDER")
		}
		if len(c.Forward.To) == 0 {
			return fmt.Errorf("ses forwarding requires at least one FORWARD_TO address")
		}
	default:
		return fmt.Errorf("unknown forward provider %q", c.Forward.Provider)
	}
	return nil
}

// ForwardProvider returns the normalized forward provider, mapping an empty
// value to ForwardNone.
func (c *Config) ForwardProvider() string {
	p := strings.ToLower(strings.TrimSpace(c.Forward.Provider))
	if p == "" {
		return ForwardNone
	}
	return p
}

// SESConfigured returns true if the minimum SES settings (region and sender)
// are set.
func (c *Config) SESConfigured() bool {
	return c.Forward.SES.Region != "" && c.Forward.SES.Sender != ""
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.SMTP.Listen = ":2525"
	c.SMTP.Domain = "localhost"
	c.SMTP.ServiceName = "tmp-mail"
	c.SMTP.IdleTimeout = defaultIdleTimeout
	c.Store.Retention = defaultRetention
	c.Store.SweepInterval = defaultSweepInterval
	c.Logging.Level = "info"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values.
func (c *Config) applyEnvVars() {
	if v := os.Getenv("SMTP_LISTEN"); v != "" {
		c.SMTP.Listen = v
	}
	if v := os.Getenv("SMTP_DOMAIN"); v != "" {
		c.SMTP.Domain = v
	}
	if v := os.Getenv("SMTP_SERVICE_NAME"); v != "" {
		c.SMTP.ServiceName = v
	}
	setDuration(&c.SMTP.IdleTimeout, "SMTP_IDLE_TIMEOUT")

	if v := os.Getenv("STORE_URL"); v != "" {
		c.Store.URL = v
	}
	setDuration(&c.Store.Retention, "STORE_RETENTION")
	setDuration(&c.Store.SweepInterval, "STORE_SWEEP_INTERVAL")

	if v := os.Getenv("HTTP_LISTEN"); v != "" {
		c.HTTP.Listen = v
	}

	if v := os.Getenv("FORWARD_PROVIDER"); v != "" {
		c.Forward.Provider = v
	}
	if v := os.Getenv("FORWARD_TO"); v != "" {
		c.Forward.To = splitList(v)
	}
	if v := os.Getenv("SES_REGION"); v != "" {
		c.Forward.SES.Region = v
	}
	if v := os.Getenv("SES_SENDER"); v != "" {
		c.Forward.SES.Sender = v
	}
	if v := os.Getenv("SES_ACCESS_KEY_ID"); v != "" {
		c.Forward.SES.AccessKeyID = v
	}
	if v := os.Getenv("SES_SECRET_ACCESS_KEY"); v != "" {
		c.Forward.SES.SecretAccessKey = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
}

// setDuration overrides *dst with the named variable. Unparseable values are
// ignored.
func setDuration(dst *time.Duration, env string) {
	v := os.Getenv(env)
	if v == "" {
		return
	}
	if d, err := time.ParseDuration(v); err == nil {
		*dst = d
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
