package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config holds the complete application configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	Tracking  TrackingConfig  `mapstructure:"tracking"`
	Device    DeviceConfig    `mapstructure:"device"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig defines server ports and addresses
type ServerConfig struct {
	HTTPPort    int    `mapstructure:"http_port"`
	MetricsPort int    `mapstructure:"metrics_port"`
	BindAddress string `mapstructure:"bind_address"`
}

// DiscoveryConfig defines the periodic SSDP scan behavior
type DiscoveryConfig struct {
	Interval    string `mapstructure:"interval"`     // how often to run a scan cycle
	ScanTimeout string `mapstructure:"scan_timeout"` // how long each scan listens for responses
	InfoTimeout string `mapstructure:"info_timeout"` // per-device info fetch timeout during a scan
}

// TrackingConfig defines active-app polling and session behavior
type TrackingConfig struct {
	PollInterval      string `mapstructure:"poll_interval"`      // active-app poll cadence per tracked device
	HeartbeatInterval string `mapstructure:"heartbeat_interval"` // reachability heartbeat cadence
	SilenceWindow     string `mapstructure:"silence_window"`     // silence before an open session is implicitly closed
	HistoryLimit      int    `mapstructure:"history_limit"`      // sessions returned by the user-data view
	RecentLimit       int    `mapstructure:"recent_limit"`       // entries in the recent-channels view
}

// DeviceConfig defines device protocol client settings
type DeviceConfig struct {
	CommandTimeout  string `mapstructure:"command_timeout"` // timeout for interactive commands and info queries
	ProbeTimeout    string `mapstructure:"probe_timeout"`   // timeout for reachability checks and fast polls
	ClientCacheSize int    `mapstructure:"client_cache_size"`
}

// StorageConfig defines storage backend settings
type StorageConfig struct {
	Type  string      `mapstructure:"type"` // "bolt" or "redis"
	Path  string      `mapstructure:"path"`
	Redis RedisConfig `mapstructure:"redis"`
}

// RedisConfig defines Redis connection settings
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
	DialTimeout  string `mapstructure:"dial_timeout"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
}

// LoggingConfig defines logging behavior
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(configPath)
	v.SetEnvPrefix("ZROCONTROL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// A missing config file falls back to defaults and environment
	// variables; any other read error is fatal.
	if _, err := os.Stat(configPath); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.http_port", 8090)
	v.SetDefault("server.metrics_port", 9190)
	v.SetDefault("server.bind_address", "0.0.0.0")

	v.SetDefault("discovery.interval", "30s")
	v.SetDefault("discovery.scan_timeout", "2s")
	v.SetDefault("discovery.info_timeout", "1s")

	v.SetDefault("tracking.poll_interval", "5s")
	v.SetDefault("tracking.heartbeat_interval", "30s")
	v.SetDefault("tracking.silence_window", "90s")
	v.SetDefault("tracking.history_limit", 100)
	v.SetDefault("tracking.recent_limit", 10)

	v.SetDefault("device.command_timeout", "3s")
	v.SetDefault("device.probe_timeout", "1500ms")
	v.SetDefault("device.client_cache_size", 64)

	v.SetDefault("storage.type", "bolt")
	v.SetDefault("storage.path", "/var/lib/zrocontrol/zrocontrol.db")
	v.SetDefault("storage.redis.host", "127.0.0.1")
	v.SetDefault("storage.redis.port", 6379)
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.pool_size", 10)
	v.SetDefault("storage.redis.min_idle_conns", 5)
	v.SetDefault("storage.redis.dial_timeout", "5s")
	v.SetDefault("storage.redis.read_timeout", "3s")
	v.SetDefault("storage.redis.write_timeout", "3s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

func validate(cfg *Config) error {
	switch cfg.Storage.Type {
	case "bolt", "redis":
	default:
		return fmt.Errorf("invalid storage type %q (must be bolt or redis)", cfg.Storage.Type)
	}
	if cfg.Storage.Type == "bolt" && cfg.Storage.Path == "" {
		return fmt.Errorf("storage.path is required for bolt storage")
	}
	if cfg.Tracking.HistoryLimit <= 0 {
		return fmt.Errorf("tracking.history_limit must be positive")
	}
	if cfg.Tracking.RecentLimit <= 0 {
		return fmt.Errorf("tracking.recent_limit must be positive")
	}
	return nil
}
