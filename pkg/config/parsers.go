package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// holds parsed command-line flag values and which were set
type Flags struct {
	Config      string
	DB          string
	Address     string
	MetricsAddr string
	Validate    bool
	Set         map[string]bool
}

// holds the results of reading the environment
type EnvResult struct {
	EnvUsed bool
}

// holds the result of LoadEffectiveConfig
type EffectiveConfigResult struct {
	Config *Config
	Source string // "config" or "env"
	// FlagsUsed reports whether any flag overrode the source.
	FlagsUsed bool
}

// ParseConfigFlags parses args (without the program name).
func ParseConfigFlags(args []string) (Flags, error) {
	fs := flag.NewFlagSet("groupsync", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	cfgPtr := fs.String("config", "./config.yaml", "Path to config file")
	dbPtr := fs.String("db", defaultDBPath, "Pebble DB path")
	addrPtr := fs.String("address", "", "Account address to sign in as")
	metricsPtr := fs.String("metrics-addr", defaultMetricsAddress, "Metrics and health listen address")
	validatePtr := fs.Bool("validate", false, "Validate configuration and exit")
	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}

	setFlags := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { setFlags[f.Name] = true })
	return Flags{
		Config:      *cfgPtr,
		DB:          *dbPtr,
		Address:     *addrPtr,
		MetricsAddr: *metricsPtr,
		Validate:    *validatePtr,
		Set:         setFlags,
	}, nil
}

// loads config from file, returns config, found bool, and error
func ParseConfigFile(flags Flags) (*Config, bool, error) {
	cfgPath := ResolveConfigPath(flags.Config, flags.Set["config"])
	cfg, err := LoadConfigFile(cfgPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Config{}, false, nil
		}
		return nil, false, err
	}
	return cfg, true, nil
}

// ParseConfigEnvs loads GROUPSYNC_* variables into a new Config.
func ParseConfigEnvs() (*Config, EnvResult, error) {
	envs := map[string]string{
		"DB_PATH":     os.Getenv(EnvPrefix + "DB_PATH"),
		"ADDRESS":     os.Getenv(EnvPrefix + "ADDRESS"),
		"INBOX_NONCE": os.Getenv(EnvPrefix + "INBOX_NONCE"),

		// sync
		"SYNC_PARALLELISM": os.Getenv(EnvPrefix + "SYNC_PARALLELISM"),
		"SYNC_SCHEDULE":    os.Getenv(EnvPrefix + "SYNC_SCHEDULE"),
		"SEND_RPS":         os.Getenv(EnvPrefix + "SEND_RPS"),
		"SEND_BURST":       os.Getenv(EnvPrefix + "SEND_BURST"),

		// streams
		"STREAM_QUEUE_SIZE":     os.Getenv(EnvPrefix + "STREAM_QUEUE_SIZE"),
		"STREAM_INBOUND_BUFFER": os.Getenv(EnvPrefix + "STREAM_INBOUND_BUFFER"),
		"STREAM_POLICY":         os.Getenv(EnvPrefix + "STREAM_POLICY"),

		// transport
		"TRANSPORT_MODE":  os.Getenv(EnvPrefix + "TRANSPORT_MODE"),
		"REDIS_ADDRESS":   os.Getenv(EnvPrefix + "REDIS_ADDRESS"),
		"REDIS_PASSWORD":  os.Getenv(EnvPrefix + "REDIS_PASSWORD"),
		"REDIS_DB":        os.Getenv(EnvPrefix + "REDIS_DB"),
		"REDIS_PREFIX":    os.Getenv(EnvPrefix + "REDIS_PREFIX"),
		"REDIS_MAX_LEN":   os.Getenv(EnvPrefix + "REDIS_MAX_LEN"),
		"USE_ENCRYPTION":  os.Getenv(EnvPrefix + "USE_ENCRYPTION"),
		"MASTER_KEY_HEX":  os.Getenv(EnvPrefix + "MASTER_KEY_HEX"),
		"MASTER_KEY_FILE": os.Getenv(EnvPrefix + "MASTER_KEY_FILE"),

		// logging and metrics
		"LOG_LEVEL":    os.Getenv(EnvPrefix + "LOG_LEVEL"),
		"LOG_SINK":     os.Getenv(EnvPrefix + "LOG_SINK"),
		"METRICS_ADDR": os.Getenv(EnvPrefix + "METRICS_ADDR"),

		// sensor
		"SENSOR_POLL_INTERVAL":   os.Getenv(EnvPrefix + "SENSOR_POLL_INTERVAL"),
		"SENSOR_LOW_DISK_BYTES":  os.Getenv(EnvPrefix + "SENSOR_LOW_DISK_BYTES"),
		"SENSOR_RECOVERY_WINDOW": os.Getenv(EnvPrefix + "SENSOR_RECOVERY_WINDOW"),
	}

	envUsed := false
	for _, v := range envs {
		if v != "" {
			envUsed = true
			break
		}
	}
	envCfg := &Config{}
	var errs []error

	parseInt := func(name string, dst *int) {
		if v := strings.TrimSpace(envs[name]); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	parseFloat := func(name string, dst *float64) {
		if v := strings.TrimSpace(envs[name]); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = f
		}
	}
	parseBool := func(v string) bool {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes":
			return true
		}
		return false
	}
	parseDur := func(name string, dst *Duration) {
		if v := envs[name]; v != "" {
			d, err := parseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = d
		}
	}

	envCfg.Client.DBPath = strings.TrimSpace(envs["DB_PATH"])
	envCfg.Client.Address = strings.TrimSpace(envs["ADDRESS"])
	if v := strings.TrimSpace(envs["INBOX_NONCE"]); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sINBOX_NONCE: %w", EnvPrefix, err))
		}
		envCfg.Client.InboxNonce = n
	}

	parseInt("SYNC_PARALLELISM", &envCfg.Sync.Parallelism)
	envCfg.Sync.Schedule = strings.TrimSpace(envs["SYNC_SCHEDULE"])
	parseFloat("SEND_RPS", &envCfg.Sync.SendRPS)
	parseInt("SEND_BURST", &envCfg.Sync.SendBurst)

	parseInt("STREAM_QUEUE_SIZE", &envCfg.Stream.QueueSize)
	parseInt("STREAM_INBOUND_BUFFER", &envCfg.Stream.InboundBuffer)
	envCfg.Stream.Policy = strings.ToLower(strings.TrimSpace(envs["STREAM_POLICY"]))

	envCfg.Transport.Mode = strings.ToLower(strings.TrimSpace(envs["TRANSPORT_MODE"]))
	envCfg.Transport.Redis.Address = strings.TrimSpace(envs["REDIS_ADDRESS"])
	envCfg.Transport.Redis.Password = envs["REDIS_PASSWORD"]
	parseInt("REDIS_DB", &envCfg.Transport.Redis.DB)
	envCfg.Transport.Redis.Prefix = strings.TrimSpace(envs["REDIS_PREFIX"])
	if v := strings.TrimSpace(envs["REDIS_MAX_LEN"]); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sREDIS_MAX_LEN: %w", EnvPrefix, err))
		}
		envCfg.Transport.Redis.MaxLen = n
	}

	if v := envs["USE_ENCRYPTION"]; v != "" {
		envCfg.Encryption.Enabled = parseBool(v)
	}
	envCfg.Encryption.MasterKeyHex = strings.TrimSpace(envs["MASTER_KEY_HEX"])
	envCfg.Encryption.MasterKeyFile = strings.TrimSpace(envs["MASTER_KEY_FILE"])

	envCfg.Logging.Level = strings.TrimSpace(envs["LOG_LEVEL"])
	envCfg.Logging.Sink = strings.TrimSpace(envs["LOG_SINK"])
	envCfg.Metrics.Address = strings.TrimSpace(envs["METRICS_ADDR"])

	parseDur("SENSOR_POLL_INTERVAL", &envCfg.Sensor.PollInterval)
	if v := envs["SENSOR_LOW_DISK_BYTES"]; v != "" {
		s, err := parseSizeBytes(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sSENSOR_LOW_DISK_BYTES: %w", EnvPrefix, err))
		}
		envCfg.Sensor.LowDiskBytes = s
	}
	parseDur("SENSOR_RECOVERY_WINDOW", &envCfg.Sensor.RecoveryWindow)

	return envCfg, EnvResult{EnvUsed: envUsed}, errors.Join(errs...)
}

// decides the effective config: the config file when present (required if
// --config was set), otherwise the environment. Explicit flags override
// either source.
func LoadEffectiveConfig(flags Flags, fileCfg *Config, fileExists bool, envCfg *Config, envRes EnvResult) (EffectiveConfigResult, error) {
	var res EffectiveConfigResult

	if flags.Set["config"] && !fileExists {
		return res, fmt.Errorf("config file %s not found", flags.Config)
	}
	if fileExists {
		cp := *fileCfg
		res.Config = &cp
		res.Source = "config"
	} else {
		cp := *envCfg
		res.Config = &cp
		res.Source = "env"
	}

	if flags.Set["db"] {
		res.Config.Client.DBPath = flags.DB
		res.FlagsUsed = true
	}
	if flags.Set["address"] {
		res.Config.Client.Address = flags.Address
		res.FlagsUsed = true
	}
	if flags.Set["metrics-addr"] {
		res.Config.Metrics.Address = flags.MetricsAddr
		res.FlagsUsed = true
	}
	return res, nil
}
