// Package config provides configuration loading for the control plane.
// Configuration sources (in priority order): env vars > config file > defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like "90s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config holds all control plane configuration.
type Config struct {
	// Listen address (default ":8080")
	ListenAddr string `yaml:"listen_addr"`
	// Data directory for the SQLite database (default "/var/lib/packpool")
	DataDir string `yaml:"data_dir"`

	// TLS settings
	TLSCert string `yaml:"tls_cert,omitempty"`
	TLSKey  string `yaml:"tls_key,omitempty"`

	// Auth
	AuthEnabled bool `yaml:"auth_enabled"`

	// Log level (debug, info, warn, error)
	LogLevel string `yaml:"log_level"`

	// Fleet liveness and retention
	OfflineThreshold  Duration `yaml:"offline_threshold"`
	OfflineRetention  Duration `yaml:"offline_retention"`
	ReconcileInterval Duration `yaml:"reconcile_interval"`

	// Operation execution
	OperationTimeout Duration    `yaml:"operation_timeout"`
	Retry            RetryConfig `yaml:"retry,omitempty"`

	// OTLP trace collector endpoint; empty disables tracing export.
	OTLPEndpoint string `yaml:"otlp_endpoint,omitempty"`

	// Notifications
	Notify NotifyConfig `yaml:"notify,omitempty"`
}

// RetryConfig tunes per-unit retry behavior during sync execution.
type RetryConfig struct {
	MaxAttempts    int      `yaml:"max_attempts"`
	InitialBackoff Duration `yaml:"initial_backoff"`
	Multiplier     float64  `yaml:"multiplier"`
	MaxBackoff     Duration `yaml:"max_backoff"`
}

// NotifyConfig configures outbound notification channels.
type NotifyConfig struct {
	WebhookURL  string `yaml:"webhook_url,omitempty"`
	SlackURL    string `yaml:"slack_url,omitempty"`
	MinSeverity string `yaml:"min_severity,omitempty"`
}

// Default returns configuration with sensible defaults.
func Default() Config {
	return Config{
		ListenAddr:        ":8080",
		DataDir:           "/var/lib/packpool",
		LogLevel:          "info",
		OfflineThreshold:  Duration(90 * time.Second),
		ReconcileInterval: Duration(time.Minute),
		OperationTimeout:  Duration(30 * time.Minute),
		Retry: RetryConfig{
			MaxAttempts:    3,
			InitialBackoff: Duration(500 * time.Millisecond),
			Multiplier:     2.0,
			MaxBackoff:     Duration(10 * time.Second),
		},
	}
}

// Load reads configuration from a file, then overlays environment variables.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	if v := os.Getenv("PACKPOOL_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("PACKPOOL_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("PACKPOOL_TLS_CERT"); v != "" {
		cfg.TLSCert = v
	}
	if v := os.Getenv("PACKPOOL_TLS_KEY"); v != "" {
		cfg.TLSKey = v
	}
	if v := os.Getenv("PACKPOOL_AUTH"); v != "" {
		cfg.AuthEnabled = v == "true" || v == "1"
	}
	if v := os.Getenv("PACKPOOL_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("PACKPOOL_OTLP_ENDPOINT"); v != "" {
		cfg.OTLPEndpoint = v
	}
	if v := os.Getenv("PACKPOOL_WEBHOOK_URL"); v != "" {
		cfg.Notify.WebhookURL = v
	}
	if v := os.Getenv("PACKPOOL_SLACK_URL"); v != "" {
		cfg.Notify.SlackURL = v
	}
	for env, dst := range map[string]*Duration{
		"PACKPOOL_OFFLINE_THRESHOLD":  &cfg.OfflineThreshold,
		"PACKPOOL_OFFLINE_RETENTION":  &cfg.OfflineRetention,
		"PACKPOOL_RECONCILE_INTERVAL": &cfg.ReconcileInterval,
		"PACKPOOL_OPERATION_TIMEOUT":  &cfg.OperationTimeout,
	} {
		if v := os.Getenv(env); v != "" {
			parsed, err := time.ParseDuration(v)
			if err != nil {
				return cfg, fmt.Errorf("parse %s: %w", env, err)
			}
			*dst = Duration(parsed)
		}
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables only.
func LoadFromEnv() Config {
	cfg, _ := Load("")
	return cfg
}

// Save writes the configuration to a YAML file.
func (c Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// HasTLS reports whether both a certificate and key are configured.
func (c Config) HasTLS() bool {
	return c.TLSCert != "" && c.TLSKey != ""
}
