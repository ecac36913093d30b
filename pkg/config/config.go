// Package config loads daemon configuration from flags, a YAML file and
// GROUPSYNC_* environment variables.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const EnvPrefix = "GROUPSYNC_"

// Defaults
const (
	defaultDBPath          = "./.groupsync"
	defaultSyncParallelism = 8
	defaultSendRPS         = 50
	defaultSendBurst       = 20
	defaultQueueSize       = 256
	defaultInboundBuffer   = 1024
	defaultStreamPolicy    = "drop_oldest"
	defaultTransportMode   = "memory"
	defaultRedisAddress    = "127.0.0.1:6379"
	defaultRedisPrefix     = "groupsync"
	defaultLogLevel        = "info"
	defaultMetricsAddress  = "127.0.0.1:9464"
	// sensor defaults
	defaultSensorPollInterval   = 10 * time.Second
	defaultSensorLowDiskBytes   = 512 * 1024 * 1024 // 512 MiB
	defaultSensorRecoveryWindow = 30 * time.Second
)

// LoadConfigFile reads and parses a config file.
func LoadConfigFile(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &cfg, nil
}

// ApplyDefaults fills every unset value.
func (c *Config) ApplyDefaults() {
	if c.Client.DBPath == "" {
		c.Client.DBPath = defaultDBPath
	}
	if c.Sync.Parallelism <= 0 {
		c.Sync.Parallelism = defaultSyncParallelism
	}
	if c.Sync.SendRPS == 0 {
		c.Sync.SendRPS = defaultSendRPS
	}
	if c.Sync.SendBurst <= 0 {
		c.Sync.SendBurst = defaultSendBurst
	}
	if c.Stream.QueueSize <= 0 {
		c.Stream.QueueSize = defaultQueueSize
	}
	if c.Stream.InboundBuffer <= 0 {
		c.Stream.InboundBuffer = defaultInboundBuffer
	}
	if c.Stream.Policy == "" {
		c.Stream.Policy = defaultStreamPolicy
	}
	if c.Transport.Mode == "" {
		c.Transport.Mode = defaultTransportMode
	}
	if c.Transport.Redis.Address == "" {
		c.Transport.Redis.Address = defaultRedisAddress
	}
	if c.Transport.Redis.Prefix == "" {
		c.Transport.Redis.Prefix = defaultRedisPrefix
	}
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	if c.Metrics.Address == "" {
		c.Metrics.Address = defaultMetricsAddress
	}
	if c.Sensor.PollInterval.Duration() == 0 {
		c.Sensor.PollInterval = Duration(defaultSensorPollInterval)
	}
	if c.Sensor.LowDiskBytes.Int64() == 0 {
		c.Sensor.LowDiskBytes = SizeBytes(defaultSensorLowDiskBytes)
	}
	if c.Sensor.RecoveryWindow.Duration() == 0 {
		c.Sensor.RecoveryWindow = Duration(defaultSensorRecoveryWindow)
	}
}

// ResolveConfigPath returns the config file path, preferring flag, then env.
func ResolveConfigPath(flagPath string, flagSet bool) string {
	if flagSet {
		return flagPath
	}
	if p := os.Getenv(EnvPrefix + "CONFIG"); p != "" {
		return p
	}
	return flagPath
}
