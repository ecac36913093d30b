package config

import (
	"fmt"

	"github.com/adhocore/gronx"

	"groupsync/pkg/broker"
	"groupsync/pkg/store/encryption"
)

// set defaults, fail fast on critical errors
func ValidateConfig(eff EffectiveConfigResult) error {
	cfg := eff.Config
	if cfg == nil {
		return fmt.Errorf("effective config is nil")
	}
	cfg.ApplyDefaults()

	if cfg.Client.Address == "" {
		return fmt.Errorf("client address is empty: set --address flag, %sADDRESS env, or client.address in config", EnvPrefix)
	}
	if cfg.Sync.Schedule != "" && !gronx.IsValid(cfg.Sync.Schedule) {
		return fmt.Errorf("invalid sync.schedule: %q is not a valid cron expression", cfg.Sync.Schedule)
	}
	if cfg.Sync.SendRPS < 0 {
		return fmt.Errorf("sync.send_rps must not be negative")
	}
	if _, err := broker.ParsePolicy(cfg.Stream.Policy); err != nil {
		return fmt.Errorf("stream.policy: %w", err)
	}

	switch cfg.Transport.Mode {
	case "memory":
	case "redis":
		if cfg.Transport.Redis.MaxLen < 0 {
			return fmt.Errorf("transport.redis.max_len must not be negative")
		}
	default:
		return fmt.Errorf("unknown transport.mode %q: want memory or redis", cfg.Transport.Mode)
	}

	if cfg.Encryption.Enabled {
		if cfg.Encryption.MasterKeyHex == "" && cfg.Encryption.MasterKeyFile == "" {
			return fmt.Errorf("encryption enabled but no master key provided: set encryption.master_key_file or encryption.master_key_hex")
		}
		if _, err := encryption.LoadKey(cfg.Encryption.MasterKeyHex, cfg.Encryption.MasterKeyFile); err != nil {
			return fmt.Errorf("encryption master key: %w", err)
		}
	}
	return nil
}
