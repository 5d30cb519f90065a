// Package config handles TOML configuration loading with sensible defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/setevik/flightlog/internal/event"
)

// Config is the top-level configuration for flightlog.
type Config struct {
	Instance  InstanceConfig  `toml:"instance"`
	Incidents IncidentsConfig `toml:"incidents"`
	History   HistoryConfig   `toml:"history"`
	Catalog   CatalogConfig   `toml:"catalog"`
	Source    SourceConfig    `toml:"source"`
	Log       LogConfig       `toml:"log"`
}

// InstanceConfig identifies this node in recorded artifacts.
type InstanceConfig struct {
	ID string `toml:"id"`
}

// IncidentsConfig controls incident detection and recording.
type IncidentsConfig struct {
	Dir           string      `toml:"dir"`
	Threshold     event.Level `toml:"threshold"`
	TrailingDelay Duration    `toml:"trailing_delay"`
	TrailingLimit int         `toml:"trailing_limit"`
}

// HistoryConfig controls the per-severity event buffers.
type HistoryConfig struct {
	Size int `toml:"size"`
}

// CatalogConfig controls the incident catalog database.
type CatalogConfig struct {
	Path string `toml:"path"`
}

// SourceConfig controls where events are read from.
type SourceConfig struct {
	Pipe string `toml:"pipe"`
}

// LogConfig controls logging.
type LogConfig struct {
	Level string `toml:"level"`
}

// Duration wraps time.Duration for TOML string parsing (e.g. "5s", "2m").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "unknown"
	}
	return &Config{
		Instance: InstanceConfig{
			ID: hostname,
		},
		Incidents: IncidentsConfig{
			Threshold:     event.Weird,
			TrailingDelay: Duration{5 * time.Second},
			TrailingLimit: 100,
		},
		History: HistoryConfig{
			Size: 100,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// DefaultPath returns the default config file path.
func DefaultPath() string {
	configDir, err := os.UserConfigDir()
	if err != nil {
		configDir = filepath.Join(os.Getenv("HOME"), ".config")
	}
	return filepath.Join(configDir, "flightlog", "config.toml")
}

// DataDir returns the directory for flightlog state.
func DataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "flightlog")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".local", "share", "flightlog")
}

// Load reads configuration from the given path, falling back to defaults
// for any unset fields. If the file does not exist, returns defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = DefaultPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}

// IncidentDir returns the configured incident directory, defaulting to a
// subdirectory of DataDir.
func (c *Config) IncidentDir() string {
	if c.Incidents.Dir != "" {
		return c.Incidents.Dir
	}
	return filepath.Join(DataDir(), "incidents")
}

// CatalogPath returns the configured catalog database path, defaulting to
// a file under DataDir.
func (c *Config) CatalogPath() string {
	if c.Catalog.Path != "" {
		return c.Catalog.Path
	}
	return filepath.Join(DataDir(), "catalog.db")
}
