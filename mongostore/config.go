package mongostore

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds connection settings for the MongoDB store.
type Config struct {
	// URI is the MongoDB connection string.
	// Default: "mongodb://localhost:27017"
	URI string `yaml:"uri"`

	// Database is the database name.
	// Default: "docmap"
	Database string `yaml:"database"`

	// ConnectTimeout bounds the initial dial and ping.
	// Default: 10s
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// Timeout is the per-operation timeout applied by the driver.
	// Default: 30s
	Timeout time.Duration `yaml:"timeout"`
}

// UnmarshalYAML decodes the config, accepting Go duration syntax ("10s",
// "1m30s") for the timeout fields.
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		URI            string `yaml:"uri"`
		Database       string `yaml:"database"`
		ConnectTimeout string `yaml:"connect_timeout"`
		Timeout        string `yaml:"timeout"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if raw.URI != "" {
		c.URI = raw.URI
	}
	if raw.Database != "" {
		c.Database = raw.Database
	}
	if raw.ConnectTimeout != "" {
		d, err := time.ParseDuration(raw.ConnectTimeout)
		if err != nil {
			return fmt.Errorf("connect_timeout: %w", err)
		}
		c.ConnectTimeout = d
	}
	if raw.Timeout != "" {
		d, err := time.ParseDuration(raw.Timeout)
		if err != nil {
			return fmt.Errorf("timeout: %w", err)
		}
		c.Timeout = d
	}
	return nil
}

// DefaultConfig returns sensible defaults for local development.
func DefaultConfig() Config {
	return Config{
		URI:            "mongodb://localhost:27017",
		Database:       "docmap",
		ConnectTimeout: 10 * time.Second,
		Timeout:        30 * time.Second,
	}
}

// LoadConfig reads a YAML config file; absent keys keep their defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("mongostore: read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("mongostore: parse config %s: %w", path, err)
	}
	cfg.validate()
	return cfg, nil
}

// validate fills in defaults for zero values.
func (c *Config) validate() {
	defaults := DefaultConfig()
	if c.URI == "" {
		c.URI = defaults.URI
	}
	if c.Database == "" {
		c.Database = defaults.Database
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaults.ConnectTimeout
	}
	if c.Timeout <= 0 {
		c.Timeout = defaults.Timeout
	}
}
