package config

import (
	"context"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/qutemail/qkms/pkg/constants"
	"github.com/qutemail/qkms/pkg/errors"
	"github.com/qutemail/qkms/pkg/logger"
)

// LoadConfig loads the configuration from file and environment variables.
// Environment variables use the QKMS_ prefix with underscores for nesting,
// e.g. QKMS_SERVER_PORT overrides server.port.
func LoadConfig(log logger.Logger) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("/etc/qkms/")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, errors.ErrInternal("failed to read config file").WithCause(err)
		}
		log.Warn(context.Background(), "no config file found, using defaults and environment",
			logger.Fields{"search_paths": []string{"/etc/qkms/", "."}})
	}

	v.SetEnvPrefix("QKMS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.ErrInternal("failed to unmarshal config").WithCause(err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, errors.ErrValidation("invalid configuration").WithCause(err)
	}

	return &cfg, nil
}

// WatchConfig re-reads and re-validates the config whenever the file changes,
// invoking onChange with each valid new snapshot. Invalid snapshots are logged
// and discarded.
func WatchConfig(v *viper.Viper, log logger.Logger, onChange func(*Config)) {
	v.OnConfigChange(func(e fsnotify.Event) {
		var cfg Config
		if err := v.Unmarshal(&cfg); err != nil {
			log.Error(context.Background(), "failed to reload config", err,
				logger.Fields{"file": e.Name})
			return
		}
		if err := cfg.Validate(); err != nil {
			log.Error(context.Background(), "reloaded config is invalid, keeping previous", err,
				logger.Fields{"file": e.Name})
			return
		}
		log.Info(context.Background(), "configuration reloaded", logger.Fields{"file": e.Name})
		onChange(&cfg)
	})
	v.WatchConfig()
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15)
	v.SetDefault("server.write_timeout", 15)
	v.SetDefault("server.enable_pprof", false)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "qkms.db")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.max_conn_lifetime", 30)

	v.SetDefault("qkd.error_rate", 0.0)
	v.SetDefault("qkd.max_sim_qubits", 20)
	v.SetDefault("qkd.block_size", 16)
	v.SetDefault("qkd.max_attempts", 4)
	v.SetDefault("qkd.default_key_size_bits", constants.DefaultKeySizeBits)
	v.SetDefault("qkd.default_key_ttl", int(constants.DefaultKeyTTL.Seconds()))

	v.SetDefault("crypto.master_key_provider", "static")

	v.SetDefault("cache.path", "qkms_cache.db")
	v.SetDefault("cache.prefetch_count", 1)

	v.SetDefault("remote_km.base_url", "http://localhost:8080")
	v.SetDefault("remote_km.timeout", 10)

	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.pool_size", 10)

	v.SetDefault("vault.mount_path", "secret")
	v.SetDefault("vault.key_name", "qkms-master-key")

	v.SetDefault("auth.enabled", false)

	v.SetDefault("rate_limit.enabled", false)
	v.SetDefault("rate_limit.default_rpm", 600)
	v.SetDefault("rate_limit.burst_size", 50)

	v.SetDefault("audit.enabled", false)
	v.SetDefault("audit.topic", "qkms-key-events")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", constants.ServiceName)
	v.SetDefault("tracing.sample_ratio", 1.0)
}
