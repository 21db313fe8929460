// Package config loads the server configuration for the certhold shells.
// This is process configuration (listen address, data directory, store
// backend) and is distinct from the CA identity singleton, which lives in
// the record store and is managed through the engine.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Store backend names accepted in the configuration.
const (
	StoreBBolt  = "bbolt"
	StoreSQLite = "sqlite"
)

// Config holds the server process settings. Every field can come from the
// config file, a CERTHOLD_* environment variable, or the built-in default.
type Config struct {
	ListenAddr string `mapstructure:"listen_addr"`
	DataDir    string `mapstructure:"data_dir"`
	Store      string `mapstructure:"store"`
	LogLevel   string `mapstructure:"log_level"`
	KDFProfile string `mapstructure:"kdf_profile"`
	TLSCert    string `mapstructure:"tls_cert"`
	TLSKey     string `mapstructure:"tls_key"`
}

// Load reads the configuration. When path is empty, a certhold.yaml in the
// working directory or /etc/certhold is used if present; a missing file is
// not an error, the defaults are good enough to run.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetDefault("listen_addr", ":8440")
	v.SetDefault("data_dir", "./data")
	v.SetDefault("store", StoreBBolt)
	v.SetDefault("log_level", "info")
	v.SetDefault("kdf_profile", "moderate")

	v.SetEnvPrefix("certhold")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("certhold")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/certhold")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("reading config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Store {
	case StoreBBolt, StoreSQLite:
	default:
		return fmt.Errorf("unknown store backend %q (want %s or %s)", c.Store, StoreBBolt, StoreSQLite)
	}
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr must not be empty")
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return fmt.Errorf("tls_cert and tls_key must be set together")
	}
	return nil
}
