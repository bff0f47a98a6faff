// Package config loads the example server configuration from windowlimit.yaml
// and WINDOWLIMIT_* environment variables.
package config

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the server configuration.
type Config struct {
	Server ServerConfig `mapstructure:"server"`
	Limit  LimitConfig  `mapstructure:"limit"`
	Clock  ClockConfig  `mapstructure:"clock"`
	Store  StoreConfig  `mapstructure:"store"`
	Log    LogConfig    `mapstructure:"log"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LimitConfig is the per-client budget: Rate hits per Period clock units.
type LimitConfig struct {
	Namespace string `mapstructure:"namespace"`
	Rate      int64  `mapstructure:"rate"`
	Period    int64  `mapstructure:"period"`
	FailOpen  bool   `mapstructure:"fail_open"`
}

// ClockConfig sets the length of one clock unit.
type ClockConfig struct {
	Unit time.Duration `mapstructure:"unit"`
}

type StoreConfig struct {
	// Driver is one of memory, redis, sqlite or postgres.
	Driver  string        `mapstructure:"driver"`
	Prefix  string        `mapstructure:"prefix"`
	Timeout time.Duration `mapstructure:"timeout"`
	// TTL expires idle redis state. It must cover at least one window; zero
	// means two windows.
	TTL time.Duration `mapstructure:"ttl"`
	// Align truncates window starts to a multiple of this many clock units.
	Align         int64         `mapstructure:"align"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	Redis         RedisConfig   `mapstructure:"redis"`
	SQL           SQLConfig     `mapstructure:"sql"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type SQLConfig struct {
	DSN string `mapstructure:"dsn"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// defaultTTLWindows is how many windows idle state outlives by default.
const defaultTTLWindows = 2

// Drivers lists the supported store drivers.
var Drivers = []string{"memory", "redis", "sqlite", "postgres"}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("limit.namespace", "http")
	v.SetDefault("limit.rate", 5)
	v.SetDefault("limit.period", 1)
	v.SetDefault("limit.fail_open", true)
	v.SetDefault("clock.unit", "1s")
	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.prefix", "limiter:")
	v.SetDefault("store.timeout", "100ms")
	v.SetDefault("store.ttl", "0s")
	v.SetDefault("store.align", 0)
	v.SetDefault("store.sweep_interval", "1m")
	v.SetDefault("store.redis.addr", "localhost:6379")
	v.SetDefault("store.redis.password", "")
	v.SetDefault("store.redis.db", 0)
	v.SetDefault("store.sql.dsn", "windowlimit.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}

// Load reads path, or windowlimit.yaml in the working directory when path is
// empty. A missing default file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("windowlimit")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("WINDOWLIMIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Store.TTL == 0 {
		w := cfg.Window()
		cfg.Store.TTL = w
		if w <= math.MaxInt64/defaultTTLWindows {
			cfg.Store.TTL = defaultTTLWindows * w
		}
	}
	return &cfg, nil
}

// Window is the wall-clock length of one limit period. It saturates instead
// of overflowing for very long periods.
func (c *Config) Window() time.Duration {
	if c.Clock.Unit <= 0 {
		return 0
	}
	if c.Limit.Period > math.MaxInt64/int64(c.Clock.Unit) {
		return math.MaxInt64
	}
	return time.Duration(c.Limit.Period) * c.Clock.Unit
}

// Validate checks the configuration for values the server cannot run with.
func (c *Config) Validate() error {
	if c.Limit.Rate <= 0 {
		return fmt.Errorf("limit.rate must be positive, got %d", c.Limit.Rate)
	}
	if c.Limit.Period <= 0 {
		return fmt.Errorf("limit.period must be positive, got %d", c.Limit.Period)
	}
	if c.Clock.Unit <= 0 {
		return fmt.Errorf("clock.unit must be positive, got %s", c.Clock.Unit)
	}
	if c.Store.Align < 0 || c.Store.Align > c.Limit.Period {
		return fmt.Errorf("store.align must be between 0 and limit.period, got %d", c.Store.Align)
	}
	// State that expires inside its window would hand the full budget back.
	if c.Store.TTL < 0 || (c.Store.TTL > 0 && c.Store.TTL < c.Window()) {
		return fmt.Errorf("store.ttl must be 0 or at least one window (%s), got %s", c.Window(), c.Store.TTL)
	}

	switch c.Store.Driver {
	case "memory":
	case "redis":
		if c.Store.Redis.Addr == "" {
			return errors.New("store.redis.addr is required for the redis driver")
		}
	case "sqlite", "postgres":
		if c.Store.SQL.DSN == "" {
			return fmt.Errorf("store.sql.dsn is required for the %s driver", c.Store.Driver)
		}
	default:
		return fmt.Errorf("unknown store.driver %q (want one of %s)", c.Store.Driver, strings.Join(Drivers, ", "))
	}
	return nil
}
