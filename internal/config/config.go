// Package config provides configuration loading for flakefinder.
//
// Settings are layered: built-in defaults, then the YAML config file, then
// FLAKEFINDER_* environment variables. Command-line flags are applied last by
// the commands themselves.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/blackwell-systems/flakefinder/internal/logging"
	"github.com/blackwell-systems/flakefinder/internal/replay"
	"github.com/blackwell-systems/flakefinder/internal/scanner"
)

// FileName is the config file name inside Dir.
const FileName = "config.yaml"

// Config holds user settings shared by all commands.
type Config struct {
	// Backend is the replay backend executable, or a directory containing it.
	Backend string `yaml:"backend" env:"FLAKEFINDER_BACKEND"`
	// Host selects a remote backend; empty means start one locally.
	Host        string        `yaml:"host" env:"FLAKEFINDER_HOST"`
	Port        int           `yaml:"port" env:"FLAKEFINDER_PORT"`
	DialTimeout time.Duration `yaml:"dial_timeout" env:"FLAKEFINDER_DIAL_TIMEOUT"`
	Replays     int           `yaml:"replays" env:"FLAKEFINDER_REPLAYS"`
	Digest      string        `yaml:"digest" env:"FLAKEFINDER_DIGEST"`
	// DB is the history database path; empty means the default location.
	DB string `yaml:"db" env:"FLAKEFINDER_DB"`
	// LogLevel is the stderr log level; --verbose overrides it with debug.
	LogLevel string `yaml:"log_level" env:"FLAKEFINDER_LOG_LEVEL"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Port:        replay.DefaultPort,
		DialTimeout: replay.DefaultDialTimeout,
		Replays:     scanner.DefaultReplays,
		Digest:      scanner.DefaultDigest,
		LogLevel:    logging.LevelWarn,
	}
}

// Dir returns the flakefinder config directory, respecting XDG_CONFIG_HOME.
// Defaults to ~/.config/flakefinder if XDG_CONFIG_HOME is not set.
func Dir() (string, error) {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "flakefinder"), nil
}

// DefaultPath returns the config file location inside Dir.
func DefaultPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, FileName), nil
}

// Load reads the config file at path over the defaults and then applies
// environment overrides. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return cfg, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if err := (scanner.Options{Replays: c.Replays, Digest: c.Digest}).Validate(); err != nil {
		return err
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.DialTimeout <= 0 {
		return fmt.Errorf("dial_timeout must be positive, got %s", c.DialTimeout)
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	return nil
}
