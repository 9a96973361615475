package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config drives the fake flag service. Everything can come from a config
// file or FAKEFLAGD_* environment variables.
type Config struct {
	Port        string `mapstructure:"port"`
	DatasetPath string `mapstructure:"dataset_path"`

	// SDKKey, when set, is required in the Authorization header of every
	// request. Empty accepts anything.
	SDKKey string `mapstructure:"sdk_key"`

	// PatchIntervalSec is how often a random flag's version is bumped and
	// broadcast to stream subscribers. Zero disables patching.
	PatchIntervalSec int `mapstructure:"patch_interval_sec"`

	// HeartbeatSec is the stream keepalive comment cadence.
	HeartbeatSec int `mapstructure:"heartbeat_sec"`

	// Failure injection for exercising client error paths.
	RejectAll        bool `mapstructure:"reject_all"`         // every request gets 401
	EventsRejectMod  int  `mapstructure:"events_reject_mod"`  // every Nth bulk post gets 429, 0 disables
	LogEventPayloads bool `mapstructure:"log_event_payloads"` // dump decoded event batches
}

func (c *Config) PatchInterval() time.Duration {
	return time.Duration(c.PatchIntervalSec) * time.Second
}

func (c *Config) Heartbeat() time.Duration {
	return time.Duration(c.HeartbeatSec) * time.Second
}

// LoadConfig reads the optional config file and environment overrides.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("port", "8030")
	v.SetDefault("dataset_path", "testdata/flags.json")
	v.SetDefault("patch_interval_sec", 10)
	v.SetDefault("heartbeat_sec", 15)
	v.SetDefault("events_reject_mod", 0)
	v.SetDefault("reject_all", false)
	v.SetDefault("log_event_payloads", false)

	v.SetEnvPrefix("FAKEFLAGD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return &cfg, nil
}
