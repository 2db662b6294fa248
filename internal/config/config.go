// Package config loads the runtime configuration from defaults, an optional
// yaml file, and VOXPAIR_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

// Config holds every tunable. Timeouts follow the protocol's three tiers:
// connect (short), host-wait (medium), match (long).
type Config struct {
	BrokerMode string `mapstructure:"broker_mode"` // "ws" or "memory"
	BrokerURL  string `mapstructure:"broker_url"`

	Namespace string `mapstructure:"namespace"`
	Criteria  string `mapstructure:"criteria"`
	SlotCount int    `mapstructure:"slot_count"`

	// Identity is the persistent per-device name used in dial mode. When
	// empty a fresh one is generated per process, which effectively makes
	// the device unreachable across restarts.
	Identity string `mapstructure:"identity"`

	HostWait         time.Duration `mapstructure:"host_wait"`
	ConnectTimeout   time.Duration `mapstructure:"connect_timeout"`
	MatchTimeout     time.Duration `mapstructure:"match_timeout"`
	DialTimeout      time.Duration `mapstructure:"dial_timeout"`
	RingTimeout      time.Duration `mapstructure:"ring_timeout"`
	BusyGrace        time.Duration `mapstructure:"busy_grace"`
	FeatureGateAfter time.Duration `mapstructure:"feature_gate_after"`

	MetricsAddr string `mapstructure:"metrics_addr"` // empty disables the endpoint
	LogLevel    string `mapstructure:"log_level"`
}

// Load reads the configuration. A missing config file is not an error; the
// defaults describe a working setup against the public broker.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	v.SetDefault("broker_mode", "ws")
	v.SetDefault("broker_url", "wss://broker.voxpair.net/ws")
	v.SetDefault("namespace", "voxpair")
	v.SetDefault("criteria", "any")
	v.SetDefault("slot_count", 5)
	v.SetDefault("identity", "")
	v.SetDefault("host_wait", "6s")
	v.SetDefault("connect_timeout", "2s")
	v.SetDefault("match_timeout", "40s")
	v.SetDefault("dial_timeout", "5s")
	v.SetDefault("ring_timeout", "30s")
	v.SetDefault("busy_grace", "500ms")
	v.SetDefault("feature_gate_after", "60s")
	v.SetDefault("metrics_addr", "")
	v.SetDefault("log_level", "info")

	v.SetEnvPrefix("voxpair")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path := os.Getenv("VOXPAIR_CONFIG"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("voxpair")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/voxpair")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Identity == "" {
		cfg.Identity = "u-" + uuid.NewString()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the protocol cannot run with.
func (c *Config) Validate() error {
	if c.BrokerMode != "ws" && c.BrokerMode != "memory" {
		return fmt.Errorf("broker_mode must be ws or memory, got %q", c.BrokerMode)
	}
	if c.BrokerMode == "ws" && c.BrokerURL == "" {
		return fmt.Errorf("broker_url is required in ws mode")
	}
	if c.SlotCount < 1 {
		return fmt.Errorf("slot_count must be at least 1, got %d", c.SlotCount)
	}
	for name, d := range map[string]time.Duration{
		"host_wait":       c.HostWait,
		"connect_timeout": c.ConnectTimeout,
		"match_timeout":   c.MatchTimeout,
		"dial_timeout":    c.DialTimeout,
		"ring_timeout":    c.RingTimeout,
		"busy_grace":      c.BusyGrace,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.FeatureGateAfter < 0 {
		return fmt.Errorf("feature_gate_after must not be negative")
	}
	return nil
}
