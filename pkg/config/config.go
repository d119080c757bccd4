// Package config provides Viper-based hierarchical configuration for the
// ledger API and CLI. Precedence, highest first: REMIT_* environment
// variables (optionally loaded from a .env file), config.yaml, defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const envPrefix = "REMIT"

// Config represents the complete application configuration.
type Config struct {
	Log struct {
		Level  string `mapstructure:"level" yaml:"level"`
		Format string `mapstructure:"format" yaml:"format"`
	} `mapstructure:"log" yaml:"log"`

	Server struct {
		Port int `mapstructure:"port" yaml:"port"`
	} `mapstructure:"server" yaml:"server"`

	Database struct {
		Driver string `mapstructure:"driver" yaml:"driver"` // sqlite or postgres
		DSN    string `mapstructure:"dsn" yaml:"dsn"`
	} `mapstructure:"database" yaml:"database"`

	Redis struct {
		Enabled  bool          `mapstructure:"enabled" yaml:"enabled"`
		Addr     string        `mapstructure:"addr" yaml:"addr"`
		Password string        `mapstructure:"password" yaml:"-"` // Never serialize
		DB       int           `mapstructure:"db" yaml:"db"`
		LockTTL  time.Duration `mapstructure:"lock_ttl" yaml:"lock_ttl"`
	} `mapstructure:"redis" yaml:"redis"`

	Ledger struct {
		LockTimeout         time.Duration `mapstructure:"lock_timeout" yaml:"lock_timeout"`
		InterestRatePercent string        `mapstructure:"interest_rate_percent" yaml:"interest_rate_percent"`
	} `mapstructure:"ledger" yaml:"ledger"`
}

// InterestRate parses Ledger.InterestRatePercent. Validate has already
// rejected malformed values.
func (c *Config) InterestRate() decimal.Decimal {
	d, err := decimal.NewFromString(c.Ledger.InterestRatePercent)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// Load reads configuration from the default locations.
func Load(log logrus.FieldLogger) (*Config, error) {
	return LoadFrom("", log)
}

// LoadFrom is Load with an explicit config file. An empty path searches
// ".", ".remitledger" and "$HOME/.remitledger" for config.yaml.
func LoadFrom(configFile string, log logrus.FieldLogger) (*Config, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	LoadEnv(log)

	v := viper.New()
	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(".remitledger")
		v.AddConfigPath("$HOME/.remitledger")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			if configFile != "" {
				return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
			}
			log.Warnf("error reading config file %s: %v", v.ConfigFileUsed(), err)
		}
	} else {
		log.WithField("file_path", v.ConfigFileUsed()).Debug("loaded config file")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("server.port", 8080)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "remitledger.db")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.lock_ttl", 30*time.Second)

	v.SetDefault("ledger.lock_timeout", 10*time.Second)
	v.SetDefault("ledger.interest_rate_percent", "6")
}

// Validate checks the configuration values.
func Validate(cfg *Config) error {
	if _, err := logrus.ParseLevel(cfg.Log.Level); err != nil {
		return fmt.Errorf("invalid log level: %s", cfg.Log.Level)
	}
	if cfg.Log.Format != "text" && cfg.Log.Format != "json" {
		return fmt.Errorf("invalid log format: %s (must be 'text' or 'json')", cfg.Log.Format)
	}

	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got: %d", cfg.Server.Port)
	}

	switch cfg.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("invalid database driver: %s (must be 'sqlite' or 'postgres')", cfg.Database.Driver)
	}
	if cfg.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}

	if cfg.Redis.Enabled {
		if cfg.Redis.Addr == "" {
			return fmt.Errorf("redis.addr is required when redis is enabled")
		}
		if cfg.Redis.LockTTL <= 0 {
			return fmt.Errorf("redis.lock_ttl must be positive, got: %s", cfg.Redis.LockTTL)
		}
	}

	if cfg.Ledger.LockTimeout <= 0 {
		return fmt.Errorf("ledger.lock_timeout must be positive, got: %s", cfg.Ledger.LockTimeout)
	}
	rate, err := decimal.NewFromString(cfg.Ledger.InterestRatePercent)
	if err != nil {
		return fmt.Errorf("invalid ledger.interest_rate_percent: %s", cfg.Ledger.InterestRatePercent)
	}
	if rate.IsNegative() {
		return fmt.Errorf("ledger.interest_rate_percent must not be negative, got: %s", rate)
	}
	return nil
}

// LoadEnv loads environment variables from a .env file in the current or
// parent directory if one exists. Variables already set are not overridden.
func LoadEnv(log logrus.FieldLogger) {
	for _, envFile := range []string{".env", filepath.Join("..", ".env")} {
		if _, err := os.Stat(envFile); err != nil {
			continue
		}
		if err := godotenv.Load(envFile); err != nil {
			log.Warnf("Error loading .env file: %v", err)
			return
		}
		log.Debugf("Loaded environment variables from %s", envFile)
		return
	}
}

// YAML renders the effective configuration. Secrets are omitted.
func (c *Config) YAML() ([]byte, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	return out, nil
}
