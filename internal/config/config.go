// Package config loads forged configuration from YAML and the environment.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

// Tier names recognised by the default tier table.
const (
	TierFree       = "free"
	TierPro        = "pro"
	TierEnterprise = "enterprise"
)

// Config holds the complete forged configuration.
type Config struct {
	Server        ServerConfig          `koanf:"server"`
	Logging       LoggingConfig         `koanf:"logging"`
	Observability ObservabilityConfig   `koanf:"observability"`
	Sessions      SessionsConfig        `koanf:"sessions"`
	Tiers         map[string]TierConfig `koanf:"tiers"`
	Owners        OwnersConfig          `koanf:"owners"`
	Backend       BackendConfig         `koanf:"backend"`
	NATS          NATSConfig            `koanf:"nats"`
	Store         StoreConfig           `koanf:"store"`
	Guard         GuardConfig           `koanf:"guard"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port              int           `koanf:"port"`
	ShutdownTimeout   time.Duration `koanf:"shutdown_timeout"`
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval"`
}

// LoggingConfig is the user-facing subset of logging settings.
type LoggingConfig struct {
	Level           string `koanf:"level"`
	Format          string `koanf:"format"`
	OTEL            bool   `koanf:"otel"`
	DisableSampling bool   `koanf:"disable_sampling"`
}

// ObservabilityConfig holds OpenTelemetry export settings.
type ObservabilityConfig struct {
	EnableTelemetry bool    `koanf:"enable_telemetry"`
	ServiceName     string  `koanf:"service_name"`
	Endpoint        string  `koanf:"endpoint"`
	Protocol        string  `koanf:"protocol"`
	Insecure        bool    `koanf:"insecure"`
	SampleRate      float64 `koanf:"sample_rate"`
}

// SessionsConfig tunes session lifecycle handling.
type SessionsConfig struct {
	ReaperInterval  time.Duration `koanf:"reaper_interval"`
	IdleGrace       time.Duration `koanf:"idle_grace"`
	CloseGrace      time.Duration `koanf:"close_grace"`
	MaxPromptLength int           `koanf:"max_prompt_length"`
	CharsPerToken   int           `koanf:"chars_per_token"`
	PersistAttempts int           `koanf:"persist_attempts"`
}

// TierConfig holds the ceilings and quotas for one subscription tier.
type TierConfig struct {
	MaxParallelSubagents  int      `koanf:"max_parallel_subagents"`
	MaxTokensPerSession   int      `koanf:"max_tokens_per_session"`
	SessionTimeoutMinutes int      `koanf:"session_timeout_minutes"`
	Capabilities          []string `koanf:"capabilities"`
	DailyTokenQuota       int64    `koanf:"daily_token_quota"`
	MonthlyTokenQuota     int64    `koanf:"monthly_token_quota"`
}

// OwnersConfig maps owners to tiers.
type OwnersConfig struct {
	DefaultTier string            `koanf:"default_tier"`
	Tiers       map[string]string `koanf:"tiers"`
}

// BackendConfig configures the generation backend client.
type BackendConfig struct {
	Provider   string        `koanf:"provider"`
	BaseURL    string        `koanf:"base_url"`
	APIKey     Secret        `koanf:"api_key"`
	Timeout    time.Duration `koanf:"timeout"`
	RateLimit  float64       `koanf:"rate_limit"`
	Burst      int           `koanf:"burst"`
	MaxRetries int           `koanf:"max_retries"`
	OAuth      OAuthConfig   `koanf:"oauth"`
}

// OAuthConfig enables client-credentials auth against the backend.
type OAuthConfig struct {
	ClientID     string   `koanf:"client_id"`
	ClientSecret Secret   `koanf:"client_secret"`
	TokenURL     string   `koanf:"token_url"`
	Scopes       []string `koanf:"scopes"`
}

// Enabled reports whether client-credentials auth is configured.
func (o OAuthConfig) Enabled() bool {
	return o.ClientID != "" && o.TokenURL != ""
}

// NATSConfig configures the event bus and JetStream store connection.
type NATSConfig struct {
	URL           string `koanf:"url"`
	Embedded      bool   `koanf:"embedded"`
	StoreDir      string `koanf:"store_dir"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

// Enabled reports whether a NATS connection should be made.
func (n NATSConfig) Enabled() bool {
	return n.Embedded || n.URL != ""
}

// StoreConfig selects the session persistence store.
type StoreConfig struct {
	Provider string `koanf:"provider"`
	Bucket   string `koanf:"bucket"`
	Path     string `koanf:"path"`
	HMACKey  Secret `koanf:"hmac_key"`
}

// GuardConfig configures extra prompt screening rules.
type GuardConfig struct {
	RulesFile string `koanf:"rules_file"`
	Watch     bool   `koanf:"watch"`
}

// DefaultTiers returns the built-in tier table.
func DefaultTiers() map[string]TierConfig {
	return map[string]TierConfig{
		TierFree: {
			MaxParallelSubagents:  2,
			MaxTokensPerSession:   10_000,
			SessionTimeoutMinutes: 15,
			Capabilities:          []string{"codegen", "preview"},
			DailyTokenQuota:       50_000,
			MonthlyTokenQuota:     500_000,
		},
		TierPro: {
			MaxParallelSubagents:  5,
			MaxTokensPerSession:   50_000,
			SessionTimeoutMinutes: 60,
			Capabilities:          []string{"codegen", "preview", "sandbox", "package_install"},
			DailyTokenQuota:       500_000,
			MonthlyTokenQuota:     5_000_000,
		},
		TierEnterprise: {
			MaxParallelSubagents:  10,
			MaxTokensPerSession:   100_000,
			SessionTimeoutMinutes: 240,
			Capabilities:          []string{"codegen", "preview", "sandbox", "package_install", "deploy", "network"},
			DailyTokenQuota:       5_000_000,
			MonthlyTokenQuota:     50_000_000,
		},
	}
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port))
	}
	if c.Sessions.ReaperInterval <= 0 {
		errs = append(errs, errors.New("sessions.reaper_interval must be > 0"))
	}
	if c.Sessions.CharsPerToken <= 0 {
		errs = append(errs, errors.New("sessions.chars_per_token must be > 0"))
	}
	if c.Sessions.MaxPromptLength <= 0 {
		errs = append(errs, errors.New("sessions.max_prompt_length must be > 0"))
	}
	if c.Sessions.PersistAttempts <= 0 {
		errs = append(errs, errors.New("sessions.persist_attempts must be > 0"))
	}

	if len(c.Tiers) == 0 {
		errs = append(errs, errors.New("tiers: at least one tier is required"))
	}
	for name, t := range c.Tiers {
		if t.MaxParallelSubagents < 1 {
			errs = append(errs, fmt.Errorf("tiers.%s.max_parallel_subagents must be >= 1", name))
		}
		if t.MaxTokensPerSession < 1 {
			errs = append(errs, fmt.Errorf("tiers.%s.max_tokens_per_session must be >= 1", name))
		}
		if t.SessionTimeoutMinutes < 1 {
			errs = append(errs, fmt.Errorf("tiers.%s.session_timeout_minutes must be >= 1", name))
		}
		if t.DailyTokenQuota < 1 || t.MonthlyTokenQuota < t.DailyTokenQuota {
			errs = append(errs, fmt.Errorf("tiers.%s: quotas must satisfy 0 < daily <= monthly", name))
		}
	}
	if _, ok := c.Tiers[c.Owners.DefaultTier]; !ok {
		errs = append(errs, fmt.Errorf("owners.default_tier %q is not a configured tier", c.Owners.DefaultTier))
	}
	for owner, tier := range c.Owners.Tiers {
		if _, ok := c.Tiers[tier]; !ok {
			errs = append(errs, fmt.Errorf("owners.tiers.%s: unknown tier %q", owner, tier))
		}
	}

	switch c.Backend.Provider {
	case "scripted":
	case "http":
		if _, err := url.ParseRequestURI(c.Backend.BaseURL); err != nil {
			errs = append(errs, fmt.Errorf("backend.base_url: %w", err))
		}
	default:
		errs = append(errs, fmt.Errorf("backend.provider must be 'http' or 'scripted', got %q", c.Backend.Provider))
	}

	switch c.Store.Provider {
	case "memory":
	case "nats":
		if !c.NATS.Enabled() {
			errs = append(errs, errors.New("store.provider 'nats' requires nats.url or nats.embedded"))
		}
	case "file":
		if c.Store.Path == "" {
			errs = append(errs, errors.New("store.path is required for the file store"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.provider must be 'memory', 'nats' or 'file', got %q", c.Store.Provider))
	}

	if c.Observability.EnableTelemetry && c.Observability.Protocol != "grpc" && c.Observability.Protocol != "http/protobuf" {
		errs = append(errs, fmt.Errorf("observability.protocol must be 'grpc' or 'http/protobuf', got %q", c.Observability.Protocol))
	}

	return errors.Join(errs...)
}
