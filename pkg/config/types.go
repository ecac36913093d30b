package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Config is the main configuration struct.
type Config struct {
	Client     ClientConfig     `yaml:"client"`
	Sync       SyncConfig       `yaml:"sync"`
	Stream     StreamConfig     `yaml:"stream"`
	Transport  TransportConfig  `yaml:"transport"`
	Encryption EncryptionConfig `yaml:"encryption"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Sensor     SensorConfig     `yaml:"sensor"`
}

// ClientConfig identifies the local installation and where it keeps state.
type ClientConfig struct {
	DBPath string `yaml:"db_path"`
	// Address is the account address the client signs in as.
	Address    string `yaml:"address"`
	InboxNonce uint64 `yaml:"inbox_nonce"`
}

// SyncConfig tunes the sync engine and outbound commits.
type SyncConfig struct {
	Parallelism int `yaml:"parallelism"`
	// Schedule is a cron expression for background discovery syncs. Empty disables it.
	Schedule  string  `yaml:"schedule"`
	SendRPS   float64 `yaml:"send_rps"`
	SendBurst int     `yaml:"send_burst"`
}

// StreamConfig sizes broker queues.
type StreamConfig struct {
	QueueSize     int    `yaml:"queue_size"`
	InboundBuffer int    `yaml:"inbound_buffer"`
	Policy        string `yaml:"policy"` // "drop_oldest" or "block"
}

// TransportConfig selects the log service backend.
type TransportConfig struct {
	Mode  string      `yaml:"mode"` // "redis" or "memory"
	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig holds redislog connection settings.
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
	// MaxLen caps each conversation stream. Zero keeps everything.
	MaxLen int64 `yaml:"max_len"`
}

// EncryptionConfig controls at-rest encryption of the local store.
type EncryptionConfig struct {
	Enabled       bool   `yaml:"enabled"`
	MasterKeyHex  string `yaml:"master_key_hex"`
	MasterKeyFile string `yaml:"master_key_file"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
	Sink  string `yaml:"sink"`
}

// MetricsConfig holds the metrics listener.
type MetricsConfig struct {
	Address string `yaml:"address"`
}

// SensorConfig holds disk monitor tuning knobs.
type SensorConfig struct {
	PollInterval   Duration  `yaml:"poll_interval"`
	LowDiskBytes   SizeBytes `yaml:"low_disk_bytes"`
	RecoveryWindow Duration  `yaml:"recovery_window"`
}

// SizeBytes represents a number of bytes, unmarshaled from human-friendly strings like "64MB" or plain integers.
type SizeBytes int64

func (s *SizeBytes) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*s = 0
		return nil
	}
	v, err := parseSizeBytes(node.Value)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

func (s SizeBytes) Int64() int64 { return int64(s) }

func parseSizeBytes(raw string) (SizeBytes, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if v, err := humanize.ParseBytes(raw); err == nil {
		return SizeBytes(v), nil
	}
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return SizeBytes(i), nil
	}
	return 0, fmt.Errorf("invalid size value: %q", raw)
}

// Duration is a wrapper around time.Duration that supports YAML parsing from strings like "100ms" or plain numbers (interpreted as seconds).
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*d = Duration(0)
		return nil
	}
	v, err := parseDuration(node.Value)
	if err != nil {
		return err
	}
	*d = v
	return nil
}

func (d Duration) Duration() time.Duration { return time.Duration(d) }

func parseDuration(raw string) (Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if td, err := time.ParseDuration(raw); err == nil {
		return Duration(td), nil
	}
	// allow numeric seconds
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return Duration(time.Duration(f * float64(time.Second))), nil
	}
	return 0, fmt.Errorf("invalid duration value: %q", raw)
}
