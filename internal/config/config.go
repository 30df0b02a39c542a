// Package config handles the daemon configuration file.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/godbus/dbus/v5"
	"gopkg.in/yaml.v3"

	"github.com/lxc/incus-os/iscsi-bridge/internal/iscsi"
)

// DefaultSocket is the default path of the API socket.
const DefaultSocket = "/run/iscsi-bridge/unix.socket"

// Config represents the daemon configuration.
type Config struct {
	// Path of the unix socket serving the API.
	Socket string `yaml:"socket"`

	// Optional TCP address also serving the API.
	Listen string `yaml:"listen"`

	// Bus to connect to, either "system", "session" or a D-Bus address.
	Bus string `yaml:"bus"`

	Service    string `yaml:"service"`
	ObjectPath string `yaml:"object_path"`

	LogLevel string `yaml:"log_level"`
}

var logLevels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Socket:     DefaultSocket,
		Bus:        "system",
		Service:    iscsi.DefaultService,
		ObjectPath: string(iscsi.DefaultRoot),
		LogLevel:   "info",
	}
}

// Load reads the configuration file at path on top of the defaults.
//
// A missing or empty file results in the default configuration.
func Load(path string) (*Config, error) {
	cfg := Default()

	f, err := os.Open(path) //nolint:gosec
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}

		return nil, err
	}

	defer f.Close()

	decoder := yaml.NewDecoder(f)
	decoder.KnownFields(true)

	err = decoder.Decode(cfg)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse %q: %w", path, err)
	}

	err = cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("invalid configuration in %q: %w", path, err)
	}

	return cfg, nil
}

// Validate checks the configuration values.
func (c *Config) Validate() error {
	if c.Socket == "" {
		return errors.New("socket path can't be empty")
	}

	if c.Bus == "" {
		return errors.New("bus can't be empty")
	}

	if strings.TrimSpace(c.Service) == "" {
		return errors.New("service name can't be empty")
	}

	if !dbus.ObjectPath(c.ObjectPath).IsValid() {
		return fmt.Errorf("invalid object path %q", c.ObjectPath)
	}

	_, ok := logLevels[c.LogLevel]
	if !ok {
		return fmt.Errorf("invalid log level %q", c.LogLevel)
	}

	return nil
}

// Level returns the configured log level.
func (c *Config) Level() slog.Level {
	level, ok := logLevels[c.LogLevel]
	if !ok {
		return slog.LevelInfo
	}

	return level
}

// Objects returns the location of the iSCSI objects on the bus.
func (c *Config) Objects() iscsi.Objects {
	return iscsi.Objects{
		Service: c.Service,
		Root:    dbus.ObjectPath(c.ObjectPath),
	}
}
