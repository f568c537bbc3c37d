package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/fieldpoll/fieldpoll/internal/cache"
	"github.com/fieldpoll/fieldpoll/internal/modbus"
	"github.com/fieldpoll/fieldpoll/internal/polling"
)

// Config is loaded once at startup and passed by value afterwards.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Modbus   ModbusConfig   `mapstructure:"modbus"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Polling  PollingConfig  `mapstructure:"polling"`
	Devices  DevicesConfig  `mapstructure:"devices"`
	Log      LogConfig      `mapstructure:"log"`
}

type ServerConfig struct {
	GRPCPort        int           `mapstructure:"grpc_port"`
	HTTPPort        int           `mapstructure:"http_port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
}

type AuthConfig struct {
	JWTSecretEnv string `mapstructure:"jwt_secret_env"`
}

// ModbusConfig values in milliseconds mirror the environment variables.
type ModbusConfig struct {
	TimeoutMs        int           `mapstructure:"timeout_ms"`
	ConnectTimeoutMs int           `mapstructure:"connect_timeout_ms"`
	MaxRetries       int           `mapstructure:"max_retries"`
	IdleTimeout      time.Duration `mapstructure:"idle_timeout"`
}

type CacheConfig struct {
	Enabled bool `mapstructure:"enabled"`
	TTLMs   int  `mapstructure:"ttl_ms"`
}

type PollingConfig struct {
	DefaultIntervalMs  int           `mapstructure:"default_interval_ms"`
	Workers            int           `mapstructure:"workers"`
	Tick               time.Duration `mapstructure:"tick"`
	RetryBase          time.Duration `mapstructure:"retry_base"`
	RetryMax           time.Duration `mapstructure:"retry_max"`
	BreakerThreshold   int           `mapstructure:"breaker_threshold"`
	BreakerMultiplier  float64       `mapstructure:"breaker_multiplier"`
	BreakerMaxInterval time.Duration `mapstructure:"breaker_max_interval"`
}

type DevicesConfig struct {
	SearchPaths []string `mapstructure:"search_paths"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Plain environment names understood next to the FIELDPOLL_ prefixed keys.
var envBindings = map[string]string{
	"modbus.timeout_ms":           "MODBUS_TIMEOUT",
	"modbus.connect_timeout_ms":   "MODBUS_CONNECT_TIMEOUT",
	"modbus.max_retries":          "MODBUS_MAX_RETRIES",
	"cache.enabled":               "CACHE_ENABLED",
	"cache.ttl_ms":                "CACHE_TTL",
	"polling.default_interval_ms": "DEFAULT_POLLING_INTERVAL",
}

// Load reads path (optional, YAML) and applies defaults and environment
// overrides. An empty path or a missing file is not an error.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("FIELDPOLL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range envBindings {
		if err := v.BindEnv(key, "FIELDPOLL_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env); err != nil {
			return Config{}, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.grpc_port", 50051)
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.shutdown_timeout", "30s")

	v.SetDefault("database.enabled", true)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.database", "fieldpoll")
	v.SetDefault("database.user", "fieldpoll")
	v.SetDefault("database.password", "")
	v.SetDefault("database.max_connections", 10)

	v.SetDefault("auth.jwt_secret_env", "JWT_SECRET")

	v.SetDefault("modbus.timeout_ms", 2000)
	v.SetDefault("modbus.connect_timeout_ms", 5000)
	v.SetDefault("modbus.max_retries", 3)
	v.SetDefault("modbus.idle_timeout", "60s")

	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.ttl_ms", 5000)

	v.SetDefault("polling.default_interval_ms", 10000)
	v.SetDefault("polling.workers", 10)
	v.SetDefault("polling.tick", "250ms")
	v.SetDefault("polling.retry_base", "500ms")
	v.SetDefault("polling.retry_max", "8s")
	v.SetDefault("polling.breaker_threshold", 3)
	v.SetDefault("polling.breaker_multiplier", 2.0)
	v.SetDefault("polling.breaker_max_interval", "5m")

	v.SetDefault("devices.search_paths", []string{"./devices"})
	v.SetDefault("log.level", "info")
}

func (c Config) Validate() error {
	if c.Modbus.TimeoutMs <= 0 {
		return fmt.Errorf("MODBUS_TIMEOUT must be positive, got %d", c.Modbus.TimeoutMs)
	}
	if c.Modbus.ConnectTimeoutMs <= 0 {
		return fmt.Errorf("MODBUS_CONNECT_TIMEOUT must be positive, got %d", c.Modbus.ConnectTimeoutMs)
	}
	if c.Modbus.MaxRetries < 0 {
		return fmt.Errorf("MODBUS_MAX_RETRIES must not be negative, got %d", c.Modbus.MaxRetries)
	}
	if c.Cache.TTLMs < 0 {
		return fmt.Errorf("CACHE_TTL must not be negative, got %d", c.Cache.TTLMs)
	}
	if c.Polling.DefaultIntervalMs <= 0 {
		return fmt.Errorf("DEFAULT_POLLING_INTERVAL must be positive, got %d", c.Polling.DefaultIntervalMs)
	}
	if c.Polling.Workers <= 0 {
		return fmt.Errorf("polling.workers must be positive, got %d", c.Polling.Workers)
	}
	return nil
}

func (c Config) ConnectionOptions() modbus.ConnectionOptions {
	return modbus.ConnectionOptions{
		ConnectTimeout: ms(c.Modbus.ConnectTimeoutMs),
		RequestTimeout: ms(c.Modbus.TimeoutMs),
		IdleTimeout:    c.Modbus.IdleTimeout,
	}
}

func (c Config) PollingOptions() polling.Options {
	return polling.Options{
		Workers:            c.Polling.Workers,
		Tick:               c.Polling.Tick,
		DefaultInterval:    ms(c.Polling.DefaultIntervalMs),
		MaxRetries:         c.Modbus.MaxRetries,
		RetryBase:          c.Polling.RetryBase,
		RetryMax:           c.Polling.RetryMax,
		BreakerThreshold:   c.Polling.BreakerThreshold,
		BreakerMultiplier:  c.Polling.BreakerMultiplier,
		BreakerMaxInterval: c.Polling.BreakerMaxInterval,
	}
}

func (c Config) CacheOptions() cache.Options {
	return cache.Options{
		Enabled: c.Cache.Enabled,
		TTL:     ms(c.Cache.TTLMs),
	}
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

// JWT Secret aus Environment Variable laden. Empty disables token checks.
func (a *AuthConfig) GetJWTSecret() string {
	envVar := a.JWTSecretEnv
	if envVar == "" {
		envVar = "JWT_SECRET"
	}
	return os.Getenv(envVar)
}
