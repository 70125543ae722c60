// Package config loads linkmesh configuration from ~/.linkmesh/config.yaml,
// overridable per key with LINKMESH_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full runtime configuration.
type Config struct {
	// DeviceName identifies this device to pairing partners.
	DeviceName string `mapstructure:"device_name"`

	// DataDir holds the keystore and the local op log.
	// Default ~/.linkmesh.
	DataDir string `mapstructure:"data_dir"`

	// Relays lists relay server URLs. Each is tracked independently.
	Relays []string `mapstructure:"relays"`

	// PeerURL, when set, is a peer device to dial directly.
	PeerURL string `mapstructure:"peer_url"`

	// Listen, when set, is the address to serve peer and relay traffic on.
	Listen string `mapstructure:"listen"`

	Sync SyncConfig `mapstructure:"sync"`
	Log  LogConfig  `mapstructure:"log"`
}

// SyncConfig tunes the adaptive sync coordinator. The priority windows are
// deliberately configuration, not constants.
type SyncConfig struct {
	LargeThreshold int           `mapstructure:"large_threshold"`
	FirstPageSize  int           `mapstructure:"first_page_size"`
	PageSize       int           `mapstructure:"page_size"`
	RecentWindow   time.Duration `mapstructure:"recent_window"`
	MediumWindow   time.Duration `mapstructure:"medium_window"`
	HighTagCount   int           `mapstructure:"high_tag_count"`
	SlowThreshold  time.Duration `mapstructure:"slow_threshold"`
	BatchSize      int           `mapstructure:"batch_size"`
	RetryAttempts  int           `mapstructure:"retry_attempts"`
}

// LogConfig controls daemon log rotation.
type LogConfig struct {
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// Load reads configuration from the given file, or from the default location
// when path is empty. A missing config file is not an error; defaults apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("LINKMESH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(defaultDataDir())
	}

	if err := v.ReadInConfig(); err != nil {
		// A missing default config file just means defaults; an explicitly
		// named file must load.
		var notFound viper.ConfigFileNotFoundError
		if path != "" {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.DataDir == "" {
		cfg.DataDir = defaultDataDir()
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	host, _ := os.Hostname()
	if host == "" {
		host = "linkmesh-device"
	}
	v.SetDefault("device_name", host)
	v.SetDefault("data_dir", defaultDataDir())
	v.SetDefault("relays", []string{})
	v.SetDefault("sync.large_threshold", 1000)
	v.SetDefault("sync.first_page_size", 50)
	v.SetDefault("sync.page_size", 100)
	v.SetDefault("sync.recent_window", 72*time.Hour)
	v.SetDefault("sync.medium_window", 360*time.Hour)
	v.SetDefault("sync.high_tag_count", 3)
	v.SetDefault("sync.slow_threshold", 500*time.Millisecond)
	v.SetDefault("sync.batch_size", 20)
	v.SetDefault("sync.retry_attempts", 2)
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 30)
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".linkmesh"
	}
	return filepath.Join(home, ".linkmesh")
}
