// Package config loads and validates the gateway's configuration and
// exposes the immutable policy snapshot used by internal/policy.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// FilterMode is the allow/deny mode for a direction on a channel.
type FilterMode string

const (
	ModeAllowlist FilterMode = "allowlist"
	ModeDenylist  FilterMode = "denylist"
	ModeOpen      FilterMode = "open"
)

// FilterPolicy is §3's FilterPolicy value.
type FilterPolicy struct {
	Mode     FilterMode `mapstructure:"mode"`
	Allowlist []string  `mapstructure:"allowlist"`
	Denylist  []string  `mapstructure:"denylist"`
}

// Patterns returns the pattern list that applies for this policy's mode.
func (p FilterPolicy) Patterns() []string {
	switch p.Mode {
	case ModeAllowlist:
		return p.Allowlist
	case ModeDenylist:
		return p.Denylist
	default:
		return nil
	}
}

// RateLimitConfig is §3's RateLimit value.
type RateLimitConfig struct {
	Requests      int `mapstructure:"requests"`
	WindowSeconds int `mapstructure:"window_seconds"`
}

// ContentRuleConfig is §3's ContentRule before compilation.
type ContentRuleConfig struct {
	Pattern string `mapstructure:"pattern"`
	Action  string `mapstructure:"action"` // "block" | "warn"
}

// ChannelConfig is the per-channel `channels.<id>` block.
type ChannelConfig struct {
	Enabled  bool              `mapstructure:"enabled"`
	Binary   string            `mapstructure:"binary"`
	Account  string            `mapstructure:"account"`
	DBPath   string            `mapstructure:"db_path"`
	TokenFile string           `mapstructure:"token_file"`
	Outbound FilterPolicy      `mapstructure:"outbound"`
	Inbound  FilterPolicy      `mapstructure:"inbound"`
	Extra    map[string]string `mapstructure:"extra"`
}

// EndpointConfig is the `endpoint.*` section.
type EndpointConfig struct {
	Path           string        `mapstructure:"path"`
	LogLevel       string        `mapstructure:"log_level"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	GroupName      string        `mapstructure:"group"`
}

// SecurityConfig is the `security.*` section.
type SecurityConfig struct {
	AuditPath             string                     `mapstructure:"audit_path"`
	DeadLetterDir         string                     `mapstructure:"dead_letter_dir"`
	AuditEnabled          bool                       `mapstructure:"audit_enabled"`
	RateLimit             map[string]RateLimitConfig `mapstructure:"rate_limit"`
	ContentFilterEnabled  bool                       `mapstructure:"content_filter_enabled"`
	ContentFilterPatterns []ContentRuleConfig        `mapstructure:"content_filter_patterns"`
}

// AdvancedConfig is the `advanced.*` section.
type AdvancedConfig struct {
	MaxConnections   int `mapstructure:"max_connections"`
	WatchBufferSize  int `mapstructure:"watch_buffer_size"`
}

// MetricsConfig controls the loopback metrics HTTP listener.
type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
}

// File is the on-disk/decoded shape of the configuration, before
// validation and content-rule compilation turn it into a Snapshot.
type File struct {
	Endpoint EndpointConfig           `mapstructure:"endpoint"`
	Security SecurityConfig           `mapstructure:"security"`
	Channels map[string]ChannelConfig `mapstructure:"channels"`
	Advanced AdvancedConfig           `mapstructure:"advanced"`
	Metrics  MetricsConfig            `mapstructure:"metrics"`
}

// Load reads configuration from an optional file plus CARAPACE_*
// environment overrides (spec.md §6), following the same
// default-then-file-then-env layering as the teacher's
// internal/config.Load: godotenv primes the process environment for
// local development, then viper resolves defaults, file and env.
func Load(explicitPath string) (File, error) {
	_ = godotenv.Load()

	v := viper.New()

	v.SetDefault("endpoint.path", "/var/run/carapace/carapace.sock")
	v.SetDefault("endpoint.log_level", "info")
	v.SetDefault("endpoint.request_timeout", 30*time.Second)
	v.SetDefault("endpoint.group", "carapace-clients")

	v.SetDefault("security.audit_path", "/var/lib/carapace/audit.log")
	v.SetDefault("security.dead_letter_dir", "/var/lib/carapace/dead-letters")
	v.SetDefault("security.audit_enabled", true)
	v.SetDefault("security.content_filter_enabled", false)

	v.SetDefault("advanced.max_connections", 256)
	v.SetDefault("advanced.watch_buffer_size", 1000)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen_addr", "127.0.0.1:9464")

	v.SetEnvPrefix("CARAPACE")
	v.AutomaticEnv()

	if explicitPath != "" {
		v.SetConfigFile(explicitPath)
	} else {
		v.SetConfigName("carapace")
		v.SetConfigType("toml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/carapace")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound || explicitPath != "" {
			return File{}, fmt.Errorf("config: read: %w", err)
		}
	}

	// CARAPACE_SOCKET_PATH / CARAPACE_CONFIG / CARAPACE_LOG_LEVEL override
	// the same-named keys regardless of nesting, per spec.md §6.
	if sock := os.Getenv("CARAPACE_SOCKET_PATH"); sock != "" {
		v.Set("endpoint.path", sock)
	}
	if lvl := os.Getenv("CARAPACE_LOG_LEVEL"); lvl != "" {
		v.Set("endpoint.log_level", lvl)
	}

	var f File
	if err := v.Unmarshal(&f); err != nil {
		return File{}, fmt.Errorf("config: unmarshal: %w", err)
	}

	return f, nil
}

// Validate checks a File for startup-blocking defects: missing channel
// resources, bad regular expressions, and contradictory mode/list
// combinations (spec.md §4.8).
func (f File) Validate() error {
	if f.Endpoint.Path == "" {
		return fmt.Errorf("config: endpoint.path is required")
	}
	if f.Endpoint.RequestTimeout <= 0 {
		return fmt.Errorf("config: endpoint.request_timeout must be positive")
	}
	if f.Advanced.MaxConnections <= 0 {
		return fmt.Errorf("config: advanced.max_connections must be positive")
	}

	for _, rule := range f.Security.ContentFilterPatterns {
		if rule.Action != "block" && rule.Action != "warn" {
			return fmt.Errorf("config: content filter action %q invalid (want block|warn)", rule.Action)
		}
		if _, err := regexp.Compile(rule.Pattern); err != nil {
			return fmt.Errorf("config: content filter pattern %q: %w", rule.Pattern, err)
		}
	}

	for id, ch := range f.Channels {
		if !ch.Enabled {
			continue
		}
		if err := validateResources(id, ch); err != nil {
			return err
		}
		if err := validateFilterPolicy(id, "outbound", ch.Outbound); err != nil {
			return err
		}
		if err := validateFilterPolicy(id, "inbound", ch.Inbound); err != nil {
			return err
		}
	}
	return nil
}

func validateFilterPolicy(channel, direction string, p FilterPolicy) error {
	switch p.Mode {
	case ModeAllowlist:
		if len(p.Denylist) > 0 {
			return fmt.Errorf("config: channels.%s.%s: mode allowlist contradicts a non-empty denylist", channel, direction)
		}
	case ModeDenylist:
		if len(p.Allowlist) > 0 {
			return fmt.Errorf("config: channels.%s.%s: mode denylist contradicts a non-empty allowlist", channel, direction)
		}
	case ModeOpen, "":
	default:
		return fmt.Errorf("config: channels.%s.%s.mode %q invalid", channel, direction, p.Mode)
	}
	return nil
}

func validateResources(id string, ch ChannelConfig) error {
	switch id {
	case "imsg", "signal":
		if ch.Binary == "" {
			return fmt.Errorf("config: channels.%s.binary is required when enabled", id)
		}
		if _, err := os.Stat(ch.Binary); err != nil {
			return fmt.Errorf("config: channels.%s.binary %q unreachable: %w", id, ch.Binary, err)
		}
	case "gmail", "discord":
		if ch.TokenFile == "" {
			return fmt.Errorf("config: channels.%s.token_file is required when enabled", id)
		}
		if _, err := os.Stat(ch.TokenFile); err != nil {
			return fmt.Errorf("config: channels.%s.token_file %q unreachable: %w", id, ch.TokenFile, err)
		}
	}
	return nil
}
