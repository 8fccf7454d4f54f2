// Package config loads vaultops settings from an optional config file and
// VAULTOPS_* environment variables.
package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g.
// VAULTOPS_CHAIN_PRIVATE_KEY for chain.private_key.
const EnvPrefix = "VAULTOPS"

// AppConfig ties together every section.
type AppConfig struct {
	Service  ServiceConfig  `mapstructure:"service"`
	Chain    ChainConfig    `mapstructure:"chain"`
	Store    StoreConfig    `mapstructure:"store"`
	Log      LogConfig      `mapstructure:"log"`
	Registry RegistryConfig `mapstructure:"registry"`

	registry *Registry
}

type ServiceConfig struct {
	HTTPPort          int           `mapstructure:"http_port"`
	HMACSecret        string        `mapstructure:"hmac_secret"`
	HMACClockSkew     time.Duration `mapstructure:"hmac_clock_skew"`
	IdempotencyWindow time.Duration `mapstructure:"idempotency_window"`
	CORSOrigins       []string      `mapstructure:"cors_origins"`
}

type ChainConfig struct {
	RPCURL         string        `mapstructure:"rpc_url"`
	PrivateKey     string        `mapstructure:"private_key"`
	ConfirmTimeout time.Duration `mapstructure:"confirm_timeout"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	// FakeAccount is the sender address reported when no private key is set.
	FakeAccount string `mapstructure:"fake_account"`
}

// Live reports whether transactions are signed with a real key.
func (c ChainConfig) Live() bool {
	return c.PrivateKey != ""
}

type StoreDriver string

const (
	StoreMemory   StoreDriver = "memory"
	StoreFile     StoreDriver = "file"
	StorePostgres StoreDriver = "postgres"
)

type StoreConfig struct {
	Driver StoreDriver `mapstructure:"driver"`
	Path   string      `mapstructure:"path"`
	DSN    string      `mapstructure:"dsn"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.http_port", 3000)
	v.SetDefault("service.hmac_clock_skew", time.Minute)
	v.SetDefault("service.idempotency_window", 10*time.Minute)
	v.SetDefault("service.cors_origins", []string{"*"})
	v.SetDefault("chain.rpc_url", "http://127.0.0.1:8545")
	v.SetDefault("chain.private_key", "")
	v.SetDefault("chain.confirm_timeout", 0)
	v.SetDefault("chain.poll_interval", 2*time.Second)
	v.SetDefault("chain.fake_account", "0x000000000000000000000000000000000000dEaD")
	v.SetDefault("store.driver", string(StoreMemory))
	v.SetDefault("store.path", "")
	v.SetDefault("store.dsn", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "")
}

// Load reads path (if non-empty) and applies environment overrides. With an
// empty path it looks for config.{yaml,json} in ./configs and the working
// directory; a missing file is not an error.
func Load(path string) (*AppConfig, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath("configs")
		v.AddConfigPath(".")
		v.SetConfigName("config")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "read config")
		}
	}

	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks every section and builds the registry.
func (c *AppConfig) Validate() error {
	if c.Service.HTTPPort <= 0 || c.Service.HTTPPort > 65535 {
		return errors.Errorf("service.http_port %d out of range", c.Service.HTTPPort)
	}
	if c.Chain.ConfirmTimeout < 0 {
		return errors.New("chain.confirm_timeout must not be negative")
	}
	if c.Chain.PollInterval <= 0 {
		return errors.New("chain.poll_interval must be positive")
	}

	switch c.Store.Driver {
	case StoreMemory:
	case StoreFile:
		if c.Store.Path == "" {
			return errors.New("store.path is required for the file driver")
		}
	case StorePostgres:
		if c.Store.DSN == "" {
			return errors.New("store.dsn is required for the postgres driver")
		}
	default:
		return errors.Errorf("unknown store.driver %q", c.Store.Driver)
	}

	reg, err := NewRegistry(c.Registry)
	if err != nil {
		return errors.Wrap(err, "registry")
	}
	c.registry = reg
	return nil
}

// Resolved returns the validated registry. It is nil until Validate succeeds.
func (c *AppConfig) Resolved() *Registry {
	return c.registry
}
