// Package config loads and validates the daemon configuration from a YAML
// file, COMPOTE_* environment variables, and built-in defaults, in that
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config is the complete daemon configuration.
type Config struct {
	// Vault is the local directory kept in sync.
	Vault string `mapstructure:"vault" validate:"required"`

	Server  ServerConfig  `mapstructure:"server"`
	Sync    SyncConfig    `mapstructure:"sync"`
	Policy  PolicyConfig  `mapstructure:"policy"`
	Logging LoggingConfig `mapstructure:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// ServerConfig points at the sync server.
type ServerConfig struct {
	// URL is the websocket endpoint, e.g. wss://host/sync.
	URL string `mapstructure:"url" validate:"required,uri"`

	// RequestTimeout bounds every request/response round trip.
	RequestTimeout time.Duration `mapstructure:"request_timeout" validate:"gt=0"`
}

// SyncConfig tunes reconciliation and the offline queue.
type SyncConfig struct {
	// MissingStrategy decides what happens to local files the server does
	// not know about: delete, quarantine, or keep.
	MissingStrategy string `mapstructure:"missing_strategy" validate:"oneof=delete quarantine keep"`

	// QueueDeletes replays deletes made while offline. Off by default: a
	// replayed delete can destroy edits made elsewhere during the outage.
	QueueDeletes bool `mapstructure:"queue_deletes"`

	// QueueRenames replays renames made while offline.
	QueueRenames bool `mapstructure:"queue_renames"`
}

// PolicyConfig selects which vault paths sync.
type PolicyConfig struct {
	// Extensions lists the synced file extensions, dot included.
	Extensions []string `mapstructure:"extensions" validate:"min=1,dive,startswith=."`

	// MetaFiles lists exact-name files synced regardless of extension.
	MetaFiles []string `mapstructure:"meta_files"`

	// DenyPrefixes lists vault-relative path prefixes that never sync.
	DenyPrefixes []string `mapstructure:"deny_prefixes"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=console json"`

	// Output is stdout, stderr, or a file path (rotated).
	Output string `mapstructure:"output" validate:"required"`

	// MaxSizeMB caps a log file before rotation. Ignored for stdout/stderr.
	MaxSizeMB int `mapstructure:"max_size_mb" validate:"gte=0"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr" validate:"required_if=Enabled true"`
}

var validate = validator.New()

// Load reads configuration from configPath (or the default location when
// empty), layers COMPOTE_* environment variables on top, applies defaults,
// and validates the result.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetEnvPrefix("COMPOTE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(defaultConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills unset fields. Explicit values are never overwritten.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.RequestTimeout == 0 {
		cfg.Server.RequestTimeout = 30 * time.Second
	}
	if cfg.Sync.MissingStrategy == "" {
		cfg.Sync.MissingStrategy = "quarantine"
	}
	if len(cfg.Policy.Extensions) == 0 {
		cfg.Policy.Extensions = []string{".note", ".board"}
	}
	if cfg.Policy.MetaFiles == nil {
		cfg.Policy.MetaFiles = []string{"compote.json"}
	}
	if cfg.Policy.DenyPrefixes == nil {
		cfg.Policy.DenyPrefixes = []string{".compote/", ".quarantine/", ".history/", "attachments/"}
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	cfg.Logging.Level = strings.ToLower(cfg.Logging.Level)
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "console"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stderr"
	}
	if cfg.Logging.MaxSizeMB == 0 {
		cfg.Logging.MaxSizeMB = 50
	}
	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = "127.0.0.1:9321"
	}
}

// Validate checks the configuration against the struct tags plus the rules
// tags cannot express.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return fmt.Errorf("config: field %s failed %q validation", fe.Namespace(), fe.Tag())
		}
		return fmt.Errorf("config: %w", err)
	}

	if !strings.HasPrefix(cfg.Server.URL, "ws://") && !strings.HasPrefix(cfg.Server.URL, "wss://") {
		return fmt.Errorf("config: server.url must be a ws:// or wss:// endpoint, got %q", cfg.Server.URL)
	}

	for _, prefix := range cfg.Policy.DenyPrefixes {
		if strings.HasPrefix(prefix, "/") {
			return fmt.Errorf("config: deny prefix %q must be vault-relative", prefix)
		}
	}
	return nil
}

// defaultConfigDir resolves $XDG_CONFIG_HOME/compote, falling back to
// ~/.config/compote, then the working directory.
func defaultConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "compote")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "compote")
}
