package config

import (
	"fmt"
	"time"
)

// Config holds the application's configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	QKD       QKDConfig       `mapstructure:"qkd"`
	Crypto    CryptoConfig    `mapstructure:"crypto"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Remote    RemoteKMConfig  `mapstructure:"remote_km"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Vault     VaultConfig     `mapstructure:"vault"`
	Auth      AuthConfig      `mapstructure:"auth"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Audit     AuditConfig     `mapstructure:"audit"`
	Log       LogConfig       `mapstructure:"log"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
}

type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"read_timeout"`  // in seconds
	WriteTimeout int    `mapstructure:"write_timeout"` // in seconds
	EnablePprof  bool   `mapstructure:"enable_pprof"`
}

func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type DatabaseConfig struct {
	Driver          string `mapstructure:"driver"` // "sqlite" or "postgres"
	Path            string `mapstructure:"path"`   // sqlite file path
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	User            string `mapstructure:"user"`
	Password        string `mapstructure:"password"`
	Database        string `mapstructure:"database"`
	SSLMode         string `mapstructure:"ssl_mode"`
	MaxConns        int    `mapstructure:"max_conns"`
	MaxConnLifetime int    `mapstructure:"max_conn_lifetime"` // in minutes
}

func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// QKDConfig controls the channel simulator and key agreement.
type QKDConfig struct {
	ErrorRate          float64 `mapstructure:"error_rate"`
	MaxSimQubits       int     `mapstructure:"max_sim_qubits"`
	BlockSize          int     `mapstructure:"block_size"`
	MaxAttempts        int     `mapstructure:"max_attempts"`
	DefaultKeySizeBits int     `mapstructure:"default_key_size_bits"`
	DefaultKeyTTL      int     `mapstructure:"default_key_ttl"` // in seconds
}

func (c *QKDConfig) KeyTTL() time.Duration {
	return time.Duration(c.DefaultKeyTTL) * time.Second
}

// CryptoConfig controls at-rest encryption of key material.
type CryptoConfig struct {
	// MasterKeyProvider selects where the at-rest master key comes from:
	// "static" (MasterKey below) or "vault".
	MasterKeyProvider string `mapstructure:"master_key_provider"`
	// MasterKey is a base64-encoded 32-byte key used when the provider is "static".
	MasterKey string `mapstructure:"master_key"`
}

// CacheConfig controls the requester-side local key cache.
type CacheConfig struct {
	Path          string `mapstructure:"path"` // sqlite file path for cached keys
	PrefetchCount int    `mapstructure:"prefetch_count"`
}

// RemoteKMConfig points the local cache and crypto levels at the remote
// key management service.
type RemoteKMConfig struct {
	BaseURL string `mapstructure:"base_url"`
	Timeout int    `mapstructure:"timeout"` // in seconds
}

type RedisConfig struct {
	Address      string `mapstructure:"address"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
}

type VaultConfig struct {
	Address   string `mapstructure:"address"`
	Token     string `mapstructure:"token"`
	MountPath string `mapstructure:"mount_path"`
	KeyName   string `mapstructure:"key_name"`
}

type AuthConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

type RateLimitConfig struct {
	Enabled    bool `mapstructure:"enabled"`
	DefaultRPM int  `mapstructure:"default_rpm"`
	BurstSize  int  `mapstructure:"burst_size"`
}

type AuditConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

type TracingConfig struct {
	Enabled        bool    `mapstructure:"enabled"`
	JaegerEndpoint string  `mapstructure:"jaeger_endpoint"`
	ServiceName    string  `mapstructure:"service_name"`
	SampleRatio    float64 `mapstructure:"sample_ratio"`
}

// Validate checks for essential configuration values.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.Database.Driver)
	}
	if c.QKD.ErrorRate < 0 || c.QKD.ErrorRate >= 0.5 {
		return fmt.Errorf("qkd.error_rate must be in [0, 0.5), got %f", c.QKD.ErrorRate)
	}
	if c.QKD.DefaultKeySizeBits <= 0 || c.QKD.DefaultKeySizeBits%8 != 0 {
		return fmt.Errorf("qkd.default_key_size_bits must be a positive multiple of 8, got %d", c.QKD.DefaultKeySizeBits)
	}
	if c.Auth.Enabled && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required when auth is enabled")
	}
	if c.Audit.Enabled && len(c.Audit.Brokers) == 0 {
		return fmt.Errorf("audit.brokers is required when audit is enabled")
	}
	return nil
}
