// Package config handles static configuration loading using viper.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// GlobalConfig is the top-level static configuration, mapped from the
// `dispatchkit:` root key in YAML; env vars use the DISPATCHKIT_ prefix
// (e.g. DISPATCHKIT_LOG_LEVEL).
type GlobalConfig struct {
	Log      LogConfig      `mapstructure:"log"`
	Platform PlatformConfig `mapstructure:"platform"`
	Seed     SeedConfig     `mapstructure:"seed"`
}

// LogConfig controls the slog handler and optional file rotation.
type LogConfig struct {
	Level  string       `mapstructure:"level"`  // debug | info | warn | error
	Format string       `mapstructure:"format"` // json | text
	File   LogFileConfig `mapstructure:"file"`
}

// LogFileConfig controls lumberjack-backed log rotation. When Enabled is
// false, logs go to stdout only.
type LogFileConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	MaxBackups int    `mapstructure:"max_backups"`
	Compress   bool   `mapstructure:"compress"`
}

// PlatformConfig controls the registry's own behaviour.
type PlatformConfig struct {
	MaxQueueSize    int `mapstructure:"max_queue_size"`    // 0 = unbounded
	DefaultPriority int `mapstructure:"default_priority"`  // applied when a seeded task omits priority
}

// SeedConfig describes claimers and tasks to register at startup, used by
// every CLI subcommand to bootstrap a platform from a config file.
type SeedConfig struct {
	Claimers []SeedClaimer `mapstructure:"claimers"`
	Tasks    []SeedTask    `mapstructure:"tasks"`
}

// SeedClaimer describes one claimer to register at startup.
type SeedClaimer struct {
	ID             string   `mapstructure:"id"`
	MaxConcurrency int      `mapstructure:"max_concurrency"`
	Categories     []string `mapstructure:"categories"`
	Roles          []string `mapstructure:"roles"`
}

// SeedTask describes one task to publish at startup.
type SeedTask struct {
	Title         string            `mapstructure:"title"`
	Description   string            `mapstructure:"description"`
	Category      string            `mapstructure:"category"`
	Tags          []string          `mapstructure:"tags"`
	RequiredRoles []string          `mapstructure:"required_roles"`
	Metadata      map[string]string `mapstructure:"metadata"`
	Priority      int               `mapstructure:"priority"`
}

type configRoot struct {
	DispatchKit GlobalConfig `mapstructure:"dispatchkit"`
}

// Load reads configuration from the YAML file at path, applies
// environment overrides (DISPATCHKIT_ prefixed, "." replaced with "_"),
// fills defaults for anything unset, and validates the result.
func Load(path string) (*GlobalConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.DispatchKit

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("dispatchkit.log.level", "info")
	v.SetDefault("dispatchkit.log.format", "json")
	v.SetDefault("dispatchkit.log.file.enabled", false)
	v.SetDefault("dispatchkit.log.file.path", "dispatchkit.log")
	v.SetDefault("dispatchkit.log.file.max_size_mb", 100)
	v.SetDefault("dispatchkit.log.file.max_age_days", 30)
	v.SetDefault("dispatchkit.log.file.max_backups", 5)
	v.SetDefault("dispatchkit.log.file.compress", true)

	v.SetDefault("dispatchkit.platform.max_queue_size", 0)
	v.SetDefault("dispatchkit.platform.default_priority", 50)
}

// ValidateAndApplyDefaults checks the loaded configuration for
// inconsistencies and fills in anything setDefaults can't express
// (cross-field rules).
func (cfg *GlobalConfig) ValidateAndApplyDefaults() error {
	switch cfg.Log.Level {
	case "debug", "info", "warn", "error":
	case "":
		cfg.Log.Level = "info"
	default:
		return fmt.Errorf("log.level: invalid value %q", cfg.Log.Level)
	}

	switch cfg.Log.Format {
	case "json", "text":
	case "":
		cfg.Log.Format = "json"
	default:
		return fmt.Errorf("log.format: invalid value %q", cfg.Log.Format)
	}

	if cfg.Platform.DefaultPriority < 0 || cfg.Platform.DefaultPriority > 100 {
		return fmt.Errorf("platform.default_priority: must be in [0,100], got %d", cfg.Platform.DefaultPriority)
	}

	for i, c := range cfg.Seed.Claimers {
		if c.ID == "" {
			return fmt.Errorf("seed.claimers[%d]: id is required", i)
		}
		if c.MaxConcurrency < 1 {
			cfg.Seed.Claimers[i].MaxConcurrency = 1
		}
	}

	return nil
}
