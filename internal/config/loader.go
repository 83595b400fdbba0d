package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	maxConfigFileSize = 1024 * 1024

	// EnvPrefix is stripped from environment variables before mapping.
	EnvPrefix = "FORGED_"
)

// Load reads configuration from a YAML file and then the environment.
//
// Precedence, highest first:
//  1. Environment variables (FORGED_SERVER_PORT, FORGED_BACKEND_API_KEY, ...)
//  2. The YAML file (default ~/.config/forged/config.yaml)
//  3. Built-in defaults
//
// The file must live under ~/.config/forged/ or /etc/forged/, must be
// 0600 or 0400 and no larger than 1MB. A missing file is not an error.
//
// Environment variables map on the first underscore after the prefix:
//
//	FORGED_SERVER_PORT          -> server.port
//	FORGED_BACKEND_API_KEY      -> backend.api_key
//	FORGED_SESSIONS_IDLE_GRACE  -> sessions.idle_grace
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath == "" {
		dir, err := DefaultDir()
		if err != nil {
			return nil, err
		}
		configPath = filepath.Join(dir, "config.yaml")
	}

	if err := validateConfigPath(configPath); err != nil {
		return nil, fmt.Errorf("config path validation failed: %w", err)
	}

	content, err := readConfigFile(configPath)
	if err != nil {
		return nil, err
	}
	if content != nil {
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// DefaultDir returns ~/.config/forged.
func DefaultDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".config", "forged"), nil
}

// envKey maps FORGED_SECTION_FIELD_NAME to section.field_name.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	section, field, ok := strings.Cut(lower, "_")
	if !ok {
		return lower
	}
	return section + "." + field
}

// readConfigFile returns nil content when the file does not exist. The
// file is validated through the open descriptor so it cannot be swapped
// between the check and the read.
func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if err := validateConfigFileProperties(info); err != nil {
		return nil, fmt.Errorf("config file validation failed: %w", err)
	}

	content, err := io.ReadAll(io.LimitReader(f, maxConfigFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return content, nil
}

func validateConfigPath(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		resolved = absPath
	}

	dir, err := DefaultDir()
	if err != nil {
		return err
	}
	for _, allowed := range []string{dir, "/etc/forged"} {
		if resolved == allowed || strings.HasPrefix(resolved, allowed+string(filepath.Separator)) {
			return nil
		}
	}
	return fmt.Errorf("config file must be in ~/.config/forged/ or /etc/forged/")
}

func validateConfigFileProperties(info os.FileInfo) error {
	if runtime.GOOS != "windows" {
		perm := info.Mode().Perm()
		if perm != 0600 && perm != 0400 {
			return fmt.Errorf("insecure config file permissions: %v (expected 0600 or 0400)", perm)
		}
	}
	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}
	return nil
}

// applyDefaults fills zero values. Tiers given in the file are merged over
// the built-in table field by field.
func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9191
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Server.HeartbeatInterval == 0 {
		cfg.Server.HeartbeatInterval = 15 * time.Second
	}

	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = "forged"
	}
	if cfg.Observability.Protocol == "" {
		cfg.Observability.Protocol = "grpc"
	}
	if cfg.Observability.Endpoint == "" {
		cfg.Observability.Endpoint = "localhost:4317"
	}
	if cfg.Observability.SampleRate == 0 {
		cfg.Observability.SampleRate = 1.0
	}

	if cfg.Sessions.ReaperInterval == 0 {
		cfg.Sessions.ReaperInterval = 30 * time.Second
	}
	if cfg.Sessions.IdleGrace == 0 {
		cfg.Sessions.IdleGrace = 30 * time.Second
	}
	if cfg.Sessions.CloseGrace == 0 {
		cfg.Sessions.CloseGrace = 10 * time.Second
	}
	if cfg.Sessions.MaxPromptLength == 0 {
		cfg.Sessions.MaxPromptLength = 32_000
	}
	if cfg.Sessions.CharsPerToken == 0 {
		cfg.Sessions.CharsPerToken = 4
	}
	if cfg.Sessions.PersistAttempts == 0 {
		cfg.Sessions.PersistAttempts = 3
	}

	defaults := DefaultTiers()
	if cfg.Tiers == nil {
		cfg.Tiers = defaults
	} else {
		for name, t := range cfg.Tiers {
			if d, ok := defaults[name]; ok {
				cfg.Tiers[name] = mergeTier(t, d)
			}
		}
		for name, d := range defaults {
			if _, ok := cfg.Tiers[name]; !ok {
				cfg.Tiers[name] = d
			}
		}
	}
	if cfg.Owners.DefaultTier == "" {
		cfg.Owners.DefaultTier = TierFree
	}

	if cfg.Backend.Provider == "" {
		cfg.Backend.Provider = "http"
	}
	if cfg.Backend.BaseURL == "" {
		cfg.Backend.BaseURL = "http://localhost:8700"
	}
	if cfg.Backend.Timeout == 0 {
		cfg.Backend.Timeout = 30 * time.Minute
	}
	if cfg.Backend.RateLimit == 0 {
		cfg.Backend.RateLimit = 10
	}
	if cfg.Backend.Burst == 0 {
		cfg.Backend.Burst = 20
	}
	if cfg.Backend.MaxRetries == 0 {
		cfg.Backend.MaxRetries = 3
	}

	if cfg.NATS.SubjectPrefix == "" {
		cfg.NATS.SubjectPrefix = "forged"
	}
	if cfg.Store.Provider == "" {
		cfg.Store.Provider = "memory"
	}
	if cfg.Store.Bucket == "" {
		cfg.Store.Bucket = "forged_sessions"
	}
}

func mergeTier(t, d TierConfig) TierConfig {
	if t.MaxParallelSubagents == 0 {
		t.MaxParallelSubagents = d.MaxParallelSubagents
	}
	if t.MaxTokensPerSession == 0 {
		t.MaxTokensPerSession = d.MaxTokensPerSession
	}
	if t.SessionTimeoutMinutes == 0 {
		t.SessionTimeoutMinutes = d.SessionTimeoutMinutes
	}
	if t.Capabilities == nil {
		t.Capabilities = d.Capabilities
	}
	if t.DailyTokenQuota == 0 {
		t.DailyTokenQuota = d.DailyTokenQuota
	}
	if t.MonthlyTokenQuota == 0 {
		t.MonthlyTokenQuota = d.MonthlyTokenQuota
	}
	return t
}
