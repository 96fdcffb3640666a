// Package config loads the process configuration of the billing server and
// CLI: a YAML file, then environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/warp/unit-billing/factory"
	"github.com/warp/unit-billing/logging"
)

// Config is the full process configuration.
type Config struct {
	Server   ServerConfig               `yaml:"server"`
	Database DatabaseConfig             `yaml:"database"`
	Logging  logging.Config             `yaml:"logging"`
	Sweep    SweepConfig                `yaml:"reconciliation_sweep"`
	Clients  []factory.ClientConfigJSON `yaml:"clients"`

	// Directory of additional *.json client config documents.
	ClientsDir string `yaml:"clients_dir"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORSOrigins     []string      `yaml:"cors_origins"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// SweepConfig controls the periodic reconciliation of all stored units.
type SweepConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			CORSOrigins:     []string{"http://localhost:3000", "http://localhost:5173"},
		},
		Database: DatabaseConfig{Path: "billing.db"},
		Logging:  logging.DefaultConfig(),
		Sweep:    SweepConfig{Enabled: true, Interval: time.Hour},
	}
}

// Load reads path (if non-empty) over the defaults, then applies
// BILLING_ADDR, BILLING_DB, BILLING_LOG_LEVEL and BILLING_CLIENTS_DIR.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.Server.Addr = getenvDefault("BILLING_ADDR", cfg.Server.Addr)
	cfg.Database.Path = getenvDefault("BILLING_DB", cfg.Database.Path)
	cfg.Logging.Level = getenvDefault("BILLING_LOG_LEVEL", cfg.Logging.Level)
	cfg.ClientsDir = getenvDefault("BILLING_CLIENTS_DIR", cfg.ClientsDir)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks required settings.
func (c Config) Validate() error {
	if c.Server.Addr == "" {
		return errors.New("config: server.addr required")
	}
	if c.Database.Path == "" {
		return errors.New("config: database.path required")
	}
	if c.Sweep.Enabled && c.Sweep.Interval <= 0 {
		return errors.New("config: reconciliation_sweep.interval must be positive")
	}
	return nil
}

// Registry builds the client config registry from the inline clients and
// the clients directory.
func (c Config) Registry() (*factory.Registry, error) {
	f := factory.NewConfigFactory()
	reg := factory.NewRegistry()
	for _, doc := range c.Clients {
		cc, err := f.FromJSON(doc)
		if err != nil {
			return nil, err
		}
		reg.Add(cc)
	}
	if c.ClientsDir != "" {
		if err := reg.LoadDir(f, c.ClientsDir); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}
