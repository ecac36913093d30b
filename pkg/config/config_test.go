package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const sampleConfig = `
client:
  db_path: /var/lib/groupsync
  address: "0xabc"
sync:
  parallelism: 4
  schedule: "*/5 * * * *"
stream:
  queue_size: 64
  policy: block
transport:
  mode: redis
  redis:
    address: redis:6379
    max_len: 10000
sensor:
  poll_interval: 2s
  low_disk_bytes: 1GB
  recovery_window: 90
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func TestConfigs(t *testing.T) {
	t.Run("LoadAndResolve", func(t *testing.T) {
		p := writeConfig(t, sampleConfig)
		c, err := LoadConfigFile(p)
		require.NoError(t, err)
		require.Equal(t, "/var/lib/groupsync", c.Client.DBPath)
		require.Equal(t, 4, c.Sync.Parallelism)
		require.Equal(t, "redis", c.Transport.Mode)
		require.Equal(t, int64(10000), c.Transport.Redis.MaxLen)
		require.Equal(t, 2*time.Second, c.Sensor.PollInterval.Duration())
		require.Equal(t, int64(1000*1000*1000), c.Sensor.LowDiskBytes.Int64())
		require.Equal(t, 90*time.Second, c.Sensor.RecoveryWindow.Duration())

		t.Setenv(EnvPrefix+"CONFIG", p)
		require.Equal(t, p, ResolveConfigPath("/nope", false))
		require.Equal(t, "/flag", ResolveConfigPath("/flag", true))
	})

	t.Run("MalformedFile", func(t *testing.T) {
		_, err := LoadConfigFile(writeConfig(t, "client: [::"))
		require.Error(t, err)
		_, err = LoadConfigFile(writeConfig(t, "sensor:\n  low_disk_bytes: lots\n"))
		require.Error(t, err)
	})

	t.Run("MissingFileFallsBackToEnv", func(t *testing.T) {
		flags, err := ParseConfigFlags([]string{"--db", "/tmp/db"})
		require.NoError(t, err)
		flags.Config = filepath.Join(t.TempDir(), "absent.yaml")
		fileCfg, found, err := ParseConfigFile(flags)
		require.NoError(t, err)
		require.False(t, found)

		t.Setenv(EnvPrefix+"ADDRESS", "0xenv")
		t.Setenv(EnvPrefix+"TRANSPORT_MODE", "MEMORY")
		envCfg, envRes, err := ParseConfigEnvs()
		require.NoError(t, err)
		require.True(t, envRes.EnvUsed)

		eff, err := LoadEffectiveConfig(flags, fileCfg, found, envCfg, envRes)
		require.NoError(t, err)
		require.Equal(t, "env", eff.Source)
		require.True(t, eff.FlagsUsed)
		require.Equal(t, "/tmp/db", eff.Config.Client.DBPath)
		require.Equal(t, "0xenv", eff.Config.Client.Address)
		require.Equal(t, "memory", eff.Config.Transport.Mode)
		require.NoError(t, ValidateConfig(eff))
	})

	t.Run("ExplicitConfigMustExist", func(t *testing.T) {
		flags, err := ParseConfigFlags([]string{"--config", filepath.Join(t.TempDir(), "absent.yaml")})
		require.NoError(t, err)
		_, err = LoadEffectiveConfig(flags, &Config{}, false, &Config{}, EnvResult{})
		require.Error(t, err)
	})

	t.Run("FileBeatsEnv", func(t *testing.T) {
		p := writeConfig(t, sampleConfig)
		flags, err := ParseConfigFlags([]string{"--config", p, "--address", "0xflag"})
		require.NoError(t, err)
		fileCfg, found, err := ParseConfigFile(flags)
		require.NoError(t, err)
		require.True(t, found)

		t.Setenv(EnvPrefix+"DB_PATH", "/env/db")
		envCfg, envRes, err := ParseConfigEnvs()
		require.NoError(t, err)

		eff, err := LoadEffectiveConfig(flags, fileCfg, found, envCfg, envRes)
		require.NoError(t, err)
		require.Equal(t, "config", eff.Source)
		require.Equal(t, "/var/lib/groupsync", eff.Config.Client.DBPath)
		require.Equal(t, "0xflag", eff.Config.Client.Address)
		// The parsed file is not mutated by flag overrides.
		require.Equal(t, "0xabc", fileCfg.Client.Address)
	})

	t.Run("BadEnvValues", func(t *testing.T) {
		t.Setenv(EnvPrefix+"SYNC_PARALLELISM", "many")
		t.Setenv(EnvPrefix+"SENSOR_POLL_INTERVAL", "soon")
		_, _, err := ParseConfigEnvs()
		require.Error(t, err)
		require.True(t, strings.Contains(err.Error(), "SYNC_PARALLELISM"))
		require.True(t, strings.Contains(err.Error(), "SENSOR_POLL_INTERVAL"))
	})
}

func TestValidateConfig(t *testing.T) {
	valid := func() *Config {
		return &Config{Client: ClientConfig{Address: "0xabc"}}
	}

	t.Run("Defaults", func(t *testing.T) {
		c := valid()
		require.NoError(t, ValidateConfig(EffectiveConfigResult{Config: c}))
		require.Equal(t, defaultDBPath, c.Client.DBPath)
		require.Equal(t, defaultSyncParallelism, c.Sync.Parallelism)
		require.Equal(t, "drop_oldest", c.Stream.Policy)
		require.Equal(t, "memory", c.Transport.Mode)
		require.Equal(t, defaultSensorPollInterval, c.Sensor.PollInterval.Duration())
	})

	cases := map[string]func(c *Config){
		"missing address": func(c *Config) { c.Client.Address = "" },
		"bad cron":        func(c *Config) { c.Sync.Schedule = "every minute" },
		"bad policy":      func(c *Config) { c.Stream.Policy = "drop_newest" },
		"bad transport":   func(c *Config) { c.Transport.Mode = "carrier-pigeon" },
		"negative rps":    func(c *Config) { c.Sync.SendRPS = -1 },
		"key missing":     func(c *Config) { c.Encryption.Enabled = true },
		"key too short":   func(c *Config) { c.Encryption.Enabled = true; c.Encryption.MasterKeyHex = "abcd" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := valid()
			mutate(c)
			require.Error(t, ValidateConfig(EffectiveConfigResult{Config: c}))
		})
	}

	t.Run("KeyFromFile", func(t *testing.T) {
		p := filepath.Join(t.TempDir(), "master.key")
		require.NoError(t, os.WriteFile(p, []byte(strings.Repeat("0123456789abcdef", 4)+"\n"), 0o600))
		c := valid()
		c.Encryption.Enabled = true
		c.Encryption.MasterKeyFile = p
		require.NoError(t, ValidateConfig(EffectiveConfigResult{Config: c}))
	})

	require.Error(t, ValidateConfig(EffectiveConfigResult{}))
}
