// Package config holds the daemon configuration: global logging plus one
// entry per console to serve.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// ConsoleConfig describes one console to multiplex.
type ConsoleConfig struct {
	ID         string `yaml:"id"`
	TTY        string `yaml:"tty"` // serial device path
	PTY        bool   `yaml:"pty"` // create a local PTY instead of opening a device
	Baud       int    `yaml:"baud"`
	RingSize   int    `yaml:"ring_size" default:"65536"`
	LogFile    string `yaml:"log_file"` // empty disables the log handler
	LogMaxSize int64  `yaml:"log_max_size" default:"16384"`
}

// Config is the daemon configuration.
type Config struct {
	LogLevel string          `yaml:"log_level" default:"info"`
	Consoles []ConsoleConfig `yaml:"consoles"`
}

// Default returns a configuration with defaults applied and no consoles.
func Default() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads and validates a YAML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	for i := range cfg.Consoles {
		defaults.SetDefaults(&cfg.Consoles[i])
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for per-console consistency.
func (c *Config) Validate() error {
	if len(c.Consoles) == 0 {
		return fmt.Errorf("no consoles configured")
	}
	seen := map[string]bool{}
	for _, cc := range c.Consoles {
		if cc.ID == "" {
			return fmt.Errorf("console with empty id")
		}
		if seen[cc.ID] {
			return fmt.Errorf("duplicate console id %q", cc.ID)
		}
		seen[cc.ID] = true
		if cc.TTY == "" && !cc.PTY {
			return fmt.Errorf("console %s: either tty or pty is required", cc.ID)
		}
		if cc.TTY != "" && cc.PTY {
			return fmt.Errorf("console %s: tty and pty are mutually exclusive", cc.ID)
		}
		if cc.RingSize < 2 {
			return fmt.Errorf("console %s: ring_size must be at least 2", cc.ID)
		}
	}
	return nil
}

// NewLogger creates a configured logger instance.
func (c *Config) NewLogger() (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}

	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	return logger, nil
}
