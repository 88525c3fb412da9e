// Package config loads gateway configuration from an optional YAML file with
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultListen       = "127.0.0.1:8086"
	defaultDatabasePath = "mailgate.db"
	defaultLogLevel     = "info"
	defaultLogFormat    = "json"

	defaultBillingTimeout  = 5 * time.Second
	defaultBillingCacheTTL = 30 * time.Second
)

// Config is the full process configuration.
type Config struct {
	Listen       string                     `yaml:"listen"`
	DatabasePath string                     `yaml:"database_path"`
	AdminSecret  string                     `yaml:"admin_secret"`
	Logging      LoggingConfig              `yaml:"logging"`
	Billing      BillingConfig              `yaml:"billing"`
	Providers    map[string]ProviderSecrets `yaml:"providers"`
}

// LoggingConfig controls the zerolog setup.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// BillingConfig points at the billing collaborator. An empty base URL
// disables entitlement checks entirely (self-hosted mode).
type BillingConfig struct {
	BaseURL  string `yaml:"base_url"`
	Feature  string `yaml:"feature"`
	Timeout  string `yaml:"timeout"`
	CacheTTL string `yaml:"cache_ttl"`
}

// TimeoutDuration parses the configured timeout, falling back to 5s.
func (b BillingConfig) TimeoutDuration() time.Duration {
	return parseDuration(b.Timeout, defaultBillingTimeout)
}

// CacheTTLDuration parses the configured entitlement cache TTL, falling back to 30s.
func (b BillingConfig) CacheTTLDuration() time.Duration {
	return parseDuration(b.CacheTTL, defaultBillingCacheTTL)
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}
	if parsed, err := time.ParseDuration(raw); err == nil && parsed > 0 {
		return parsed
	}
	return fallback
}

// ProviderSecrets holds the OAuth client credentials for one provider.
type ProviderSecrets struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
}

// Load reads path (if it exists), applies defaults and env overrides.
// A missing file is not an error; env-only deployments are supported.
func Load(path string) (*Config, error) {
	cfg := &Config{
		Listen:       defaultListen,
		DatabasePath: defaultDatabasePath,
		Logging:      LoggingConfig{Level: defaultLogLevel, Format: defaultLogFormat},
		Billing:      BillingConfig{Feature: "api_access"},
		Providers:    map[string]ProviderSecrets{},
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %q: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %q: %w", path, err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("MAILGATE_LISTEN"); v != "" {
		c.Listen = v
	}
	if v := os.Getenv("MAILGATE_DB_PATH"); v != "" {
		c.DatabasePath = v
	}
	if v := os.Getenv("MAILGATE_ADMIN_SECRET"); v != "" {
		c.AdminSecret = v
	}
	if v := os.Getenv("MAILGATE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("MAILGATE_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("MAILGATE_BILLING_URL"); v != "" {
		c.Billing.BaseURL = v
	}
	if v := os.Getenv("MAILGATE_BILLING_FEATURE"); v != "" {
		c.Billing.Feature = v
	}
}

// ProviderCredentials returns the client credentials for a provider, with
// MAILGATE_<PROVIDER>_CLIENT_ID / _CLIENT_SECRET env overrides winning over
// file values.
func (c *Config) ProviderCredentials(providerID string) ProviderSecrets {
	secrets := c.Providers[providerID]
	if v := os.Getenv(providerEnvName(providerID, "CLIENT_ID")); v != "" {
		secrets.ClientID = v
	}
	if v := os.Getenv(providerEnvName(providerID, "CLIENT_SECRET")); v != "" {
		secrets.ClientSecret = v
	}
	return secrets
}

func providerEnvName(id, suffix string) string {
	upper := strings.ToUpper(id)
	replacer := strings.NewReplacer("-", "_", ".", "_", "/", "_", " ", "_")
	return fmt.Sprintf("MAILGATE_%s_%s", replacer.Replace(upper), suffix)
}
