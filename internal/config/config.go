// ABOUTME: Configuration loading and parsing for beacon-gateway.
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing.

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete beacon-gateway configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	CRM       CRMConfig       `yaml:"crm"`
	Transport TransportConfig `yaml:"transport"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Dedupe    DedupeConfig    `yaml:"dedupe"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds the HTTP listener configuration.
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// CRMConfig holds the CRM gateway endpoint and side-channel settings.
type CRMConfig struct {
	BaseURL string `yaml:"base_url"`

	// AdminPeer receives lead/contact creation notices. Empty disables them.
	AdminPeer string `yaml:"admin_peer"`
}

// TransportConfig holds chat transport settings.
type TransportConfig struct {
	// StoreDir is where per-tenant transport credential stores live.
	StoreDir string `yaml:"store_dir"`

	ReconnectDelay    time.Duration `yaml:"-"`
	InitialRetryDelay time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	ReconnectDelayRaw    string `yaml:"reconnect_delay"`
	InitialRetryDelayRaw string `yaml:"initial_retry_delay"`
}

// LedgerConfig holds the message ledger database configuration.
type LedgerConfig struct {
	Path string `yaml:"path"`
}

// DedupeConfig holds the inbound message seen-cache configuration.
type DedupeConfig struct {
	TTL time.Duration `yaml:"-"`

	TTLRaw     string `yaml:"ttl"`
	MaxEntries int    `yaml:"max_entries"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed
// Config. Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding
// environment variable values. Unset variables expand to an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills unset optional fields.
func applyDefaults(cfg *Config) {
	if cfg.Transport.ReconnectDelay == 0 {
		cfg.Transport.ReconnectDelay = 5 * time.Second
	}
	if cfg.Transport.InitialRetryDelay == 0 {
		cfg.Transport.InitialRetryDelay = 10 * time.Second
	}
	if cfg.Dedupe.TTL == 0 {
		cfg.Dedupe.TTL = 10 * time.Minute
	}
	if cfg.Dedupe.MaxEntries == 0 {
		cfg.Dedupe.MaxEntries = 4096
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

// Validate checks that all required configuration fields are present and
// valid. Returns an error describing the first validation failure.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.CRM.BaseURL == "" {
		return fmt.Errorf("crm.base_url is required")
	}
	if c.Transport.StoreDir == "" {
		return fmt.Errorf("transport.store_dir is required")
	}
	if c.Ledger.Path == "" {
		return fmt.Errorf("ledger.path is required")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values.
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Transport.ReconnectDelayRaw != "" {
		cfg.Transport.ReconnectDelay, err = time.ParseDuration(cfg.Transport.ReconnectDelayRaw)
		if err != nil {
			return fmt.Errorf("parsing reconnect_delay %q: %w", cfg.Transport.ReconnectDelayRaw, err)
		}
	}

	if cfg.Transport.InitialRetryDelayRaw != "" {
		cfg.Transport.InitialRetryDelay, err = time.ParseDuration(cfg.Transport.InitialRetryDelayRaw)
		if err != nil {
			return fmt.Errorf("parsing initial_retry_delay %q: %w", cfg.Transport.InitialRetryDelayRaw, err)
		}
	}

	if cfg.Dedupe.TTLRaw != "" {
		cfg.Dedupe.TTL, err = time.ParseDuration(cfg.Dedupe.TTLRaw)
		if err != nil {
			return fmt.Errorf("parsing dedupe ttl %q: %w", cfg.Dedupe.TTLRaw, err)
		}
	}

	return nil
}
