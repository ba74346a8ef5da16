package config

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// Config holds server configuration values.
type Config struct {
	Port              int           `mapstructure:"port" yaml:"port"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	LogLevel          string        `mapstructure:"log_level" yaml:"log_level"`
	LogFormat         string        `mapstructure:"log_format" yaml:"log_format"`

	Store StoreConfig `mapstructure:"store" yaml:"store"`
	Redis RedisConfig `mapstructure:"redis" yaml:"redis"`
	Relay RelayConfig `mapstructure:"relay" yaml:"relay"`
}

// StoreConfig selects the shared backend.
type StoreConfig struct {
	// Driver is "redis" or "memory". Memory only works for a single process.
	Driver string `mapstructure:"driver" yaml:"driver"`
}

// RedisConfig locates the Redis server.
type RedisConfig struct {
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	Password        string        `mapstructure:"password" yaml:"password"`
	DB              int           `mapstructure:"db" yaml:"db"`
	MonitorInterval time.Duration `mapstructure:"monitor_interval" yaml:"monitor_interval"`
}

// RelayConfig tunes the delivery pipeline.
type RelayConfig struct {
	ConsumerGroup      string        `mapstructure:"consumer_group" yaml:"consumer_group"`
	CacheTTL           time.Duration `mapstructure:"cache_ttl" yaml:"cache_ttl"`
	CacheSweepInterval time.Duration `mapstructure:"cache_sweep_interval" yaml:"cache_sweep_interval"`
	ReadBlock          time.Duration `mapstructure:"read_block" yaml:"read_block"`
	ReadCount          int64         `mapstructure:"read_count" yaml:"read_count"`
	PollInterval       time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	ErrorBackoff       time.Duration `mapstructure:"error_backoff" yaml:"error_backoff"`
	ProbeInterval      time.Duration `mapstructure:"probe_interval" yaml:"probe_interval"`
	ClaimMinIdle       time.Duration `mapstructure:"claim_min_idle" yaml:"claim_min_idle"`
	SendBuffer         int           `mapstructure:"send_buffer" yaml:"send_buffer"`
	MessagesPerMinute  int           `mapstructure:"messages_per_minute" yaml:"messages_per_minute"`
}

// Default returns configuration with reasonable starter defaults.
func Default() Config {
	return Config{
		Port:              3000,
		ReadHeaderTimeout: 5 * time.Second,
		ShutdownTimeout:   5 * time.Second,
		LogLevel:          "info",
		LogFormat:         "console",
		Store: StoreConfig{
			Driver: "redis",
		},
		Redis: RedisConfig{
			Host:            "127.0.0.1",
			Port:            6379,
			MonitorInterval: time.Second,
		},
		Relay: RelayConfig{
			ConsumerGroup:      "chat-consumers",
			CacheTTL:           10 * time.Second,
			CacheSweepInterval: 30 * time.Second,
			ReadBlock:          5 * time.Second,
			ReadCount:          100,
			PollInterval:       100 * time.Millisecond,
			ErrorBackoff:       5 * time.Second,
			ProbeInterval:      30 * time.Second,
			ClaimMinIdle:       time.Minute,
			SendBuffer:         16,
		},
	}
}

// Addr is the HTTP listen address.
func (c Config) Addr() string {
	return ":" + strconv.Itoa(c.Port)
}

// RedisAddr is the host:port of the Redis server.
func (r RedisConfig) Addr() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}

// Validate rejects values the relay cannot run with.
func (c Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	switch c.Store.Driver {
	case "redis", "memory":
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.Relay.ConsumerGroup == "" {
		return fmt.Errorf("relay.consumer_group must not be empty")
	}
	if c.Relay.CacheTTL <= 0 {
		return fmt.Errorf("relay.cache_ttl must be positive")
	}
	if c.Relay.ReadBlock <= 0 {
		return fmt.Errorf("relay.read_block must be positive")
	}
	if c.Relay.SendBuffer <= 0 {
		return fmt.Errorf("relay.send_buffer must be positive")
	}
	return nil
}

// UpdateFrom overwrites non-zero values from other config into receiver.
func (c *Config) UpdateFrom(other Config) {
	if other.Port != 0 {
		c.Port = other.Port
	}
	if other.LogLevel != "" {
		c.LogLevel = other.LogLevel
	}
	if other.LogFormat != "" {
		c.LogFormat = other.LogFormat
	}
	if other.Store.Driver != "" {
		c.Store.Driver = other.Store.Driver
	}
	if other.Redis.Host != "" {
		c.Redis.Host = other.Redis.Host
	}
	if other.Redis.Port != 0 {
		c.Redis.Port = other.Redis.Port
	}
}
