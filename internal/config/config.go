// Package config loads server configuration from YAML with environment
// overrides. Secrets (database URL, ops token hash, signing key) come from
// the environment only.
package config

import (
	"os"
	"strconv"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Store       StoreConfig       `yaml:"store"`
	Redis       RedisConfig       `yaml:"redis"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Bundles     BundlesConfig     `yaml:"bundles"`
}

type ServerConfig struct {
	Port               string `yaml:"port"`
	Env                string `yaml:"env"`
	OpsTokenBcryptHash string `yaml:"-"` // env only: SUBSTRATE_OPS_TOKEN_HASH
}

type StoreConfig struct {
	Driver      string `yaml:"driver"` // "memory" | "postgres"
	DatabaseURL string `yaml:"-"`      // env only: DATABASE_URL
	Schema      string `yaml:"schema"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"` // empty disables the redis locker
	Password string `yaml:"-"`    // env only: REDIS_PASSWORD
	DB       int    `yaml:"db"`
}

type RateLimitConfig struct {
	MaxCallsPerMinute int `yaml:"max_calls_per_minute"`
	BurstSize         int `yaml:"burst_size"`
}

type MaintenanceConfig struct {
	IntervalSeconds int  `yaml:"interval_seconds"`
	Enabled         bool `yaml:"enabled"`
}

type BundlesConfig struct {
	Dir string `yaml:"dir"`
}

// Load reads the YAML file (optional) and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{
		Server:      ServerConfig{Port: "8080", Env: "development"},
		Store:       StoreConfig{Driver: "memory", Schema: "substrate"},
		RateLimit:   RateLimitConfig{MaxCallsPerMinute: 120},
		Maintenance: MaintenanceConfig{IntervalSeconds: 60, Enabled: true},
		Bundles:     BundlesConfig{Dir: "bundles"},
	}
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, err
			}
		} else {
			defer f.Close()
			if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
				return nil, err
			}
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.Server.Port, "PORT")
	setString(&c.Server.Env, "SUBSTRATE_ENV")
	c.Server.OpsTokenBcryptHash = os.Getenv("SUBSTRATE_OPS_TOKEN_HASH")
	setString(&c.Store.Driver, "SUBSTRATE_STORE_DRIVER")
	c.Store.DatabaseURL = os.Getenv("DATABASE_URL")
	setString(&c.Store.Schema, "SUBSTRATE_PG_SCHEMA")
	setString(&c.Redis.Addr, "REDIS_ADDR")
	c.Redis.Password = os.Getenv("REDIS_PASSWORD")
	setInt(&c.Redis.DB, "REDIS_DB")
	setInt(&c.RateLimit.MaxCallsPerMinute, "SUBSTRATE_RATE_LIMIT_PER_MINUTE")
	setInt(&c.RateLimit.BurstSize, "SUBSTRATE_RATE_LIMIT_BURST")
	setInt(&c.Maintenance.IntervalSeconds, "SUBSTRATE_MAINTENANCE_INTERVAL_SECONDS")
	setString(&c.Bundles.Dir, "SUBSTRATE_BUNDLE_DIR")
	if v := os.Getenv("SUBSTRATE_MAINTENANCE_ENABLED"); v != "" {
		c.Maintenance.Enabled = v == "true" || v == "1"
	}
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
