// Package config loads the daemon's YAML configuration: one nested
// struct per subsystem, mirroring the file layout.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete daemon configuration.
type Config struct {
	Journal struct {
		Path            string `yaml:"path"`
		BufferSize      int    `yaml:"buffer_size"`
		FlushIntervalMs int    `yaml:"flush_interval_ms"`
	} `yaml:"journal"`

	Snapshot struct {
		Path            string `yaml:"path"`
		IntervalSeconds int    `yaml:"interval_seconds"`
	} `yaml:"snapshot"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	Control struct {
		Listen string `yaml:"listen"`
	} `yaml:"control"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.Journal.Path = "state/journal"
	cfg.Journal.BufferSize = 100
	cfg.Journal.FlushIntervalMs = 10
	cfg.Snapshot.Path = "state/snapshot"
	cfg.Snapshot.IntervalSeconds = 300
	cfg.Metrics.Port = 9090
	cfg.Control.Listen = "127.0.0.1:50051"
	return cfg
}

// Load reads path and overlays it onto the defaults. A missing file is an
// error; an empty file yields the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// JournalFlushInterval converts the millisecond knob to a Duration.
func (c *Config) JournalFlushInterval() time.Duration {
	return time.Duration(c.Journal.FlushIntervalMs) * time.Millisecond
}

// SnapshotInterval converts the seconds knob to a Duration.
func (c *Config) SnapshotInterval() time.Duration {
	return time.Duration(c.Snapshot.IntervalSeconds) * time.Second
}
