// Package config loads the server configuration from a YAML file.
// Every field has a sensible default so an empty file, or no file at
// all, yields a runnable server.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"pacsd/pkg/peers"
	"pacsd/pkg/scu"
)

// Config is the whole server configuration.
type Config struct {
	// Addr is the REST listen address.
	Addr string `yaml:"addr"`

	// StorageDirectory holds the stored DICOM files.
	StorageDirectory string `yaml:"storage_directory"`

	// IndexPath is the SQLite database file.
	IndexPath string `yaml:"index_path"`

	// MaximumStorageSize caps the disk usage, as a human-readable size
	// such as "10 GB". Empty means unlimited. When the cap is exceeded
	// the oldest unprotected patients are recycled.
	MaximumStorageSize string `yaml:"maximum_storage_size"`

	// LocalAET identifies this server during DICOM association
	// negotiation.
	LocalAET string `yaml:"local_aet"`

	// Workers sizes the jobs engine pool. Zero means one worker per
	// CPU.
	Workers int `yaml:"workers"`

	// MaxCompletedJobs bounds the finished-jobs history kept in memory.
	MaxCompletedJobs int `yaml:"max_completed_jobs"`

	// SnapshotInterval is how often the jobs registry is persisted to
	// the index, such as "30s".
	SnapshotInterval string `yaml:"snapshot_interval"`

	// LogLevel is the zerolog level name.
	LogLevel string `yaml:"log_level"`

	// Peers are the remote archive servers reachable over HTTP.
	Peers []peers.Peer `yaml:"peers"`

	// Modalities are the remote DICOM nodes reachable with C-STORE.
	Modalities []scu.RemoteModality `yaml:"modalities"`

	// MaxStorageBytes is MaximumStorageSize parsed to bytes.
	MaxStorageBytes int64 `yaml:"-"`

	// SnapshotEvery is SnapshotInterval parsed to a duration.
	SnapshotEvery time.Duration `yaml:"-"`
}

const defaultSnapshotInterval = 30 * time.Second

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Addr:             ":8042",
		StorageDirectory: "pacsd-storage",
		IndexPath:        "pacsd-index.db",
		LocalAET:         "PACSD",
		MaxCompletedJobs: 10,
		SnapshotInterval: "30s",
		LogLevel:         "info",
		SnapshotEvery:    defaultSnapshotInterval,
	}
}

// Load reads the configuration file at path. An empty path returns the
// defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path) //nolint:gosec // path comes from the command line
	if err != nil {
		return cfg, fmt.Errorf("cannot read configuration: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("cannot parse configuration: %w", err)
	}
	if err := cfg.finalize(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// finalize parses the string-typed fields and validates the result.
func (c *Config) finalize() error {
	c.MaxStorageBytes = 0
	if c.MaximumStorageSize != "" {
		size, err := humanize.ParseBytes(c.MaximumStorageSize)
		if err != nil {
			return fmt.Errorf("invalid maximum_storage_size %q: %w", c.MaximumStorageSize, err)
		}
		c.MaxStorageBytes = int64(size)
	}

	c.SnapshotEvery = defaultSnapshotInterval
	if c.SnapshotInterval != "" {
		interval, err := time.ParseDuration(c.SnapshotInterval)
		if err != nil {
			return fmt.Errorf("invalid snapshot_interval %q: %w", c.SnapshotInterval, err)
		}
		if interval <= 0 {
			return fmt.Errorf("snapshot_interval must be positive, got %q", c.SnapshotInterval)
		}
		c.SnapshotEvery = interval
	}

	if c.Workers < 0 {
		return fmt.Errorf("workers must not be negative, got %d", c.Workers)
	}
	if c.MaxCompletedJobs < 0 {
		return fmt.Errorf("max_completed_jobs must not be negative, got %d", c.MaxCompletedJobs)
	}
	if c.Addr == "" {
		return fmt.Errorf("addr must not be empty")
	}

	for _, peer := range c.Peers {
		if peer.Name == "" || peer.URL == "" {
			return fmt.Errorf("every peer needs a name and a url")
		}
	}
	for _, modality := range c.Modalities {
		if modality.AET == "" || modality.Host == "" || modality.Port <= 0 {
			return fmt.Errorf("every modality needs an aet, a host and a port")
		}
	}
	return nil
}

// Peer looks up a configured peer by name.
func (c *Config) Peer(name string) (peers.Peer, bool) {
	for _, peer := range c.Peers {
		if peer.Name == name {
			return peer, true
		}
	}
	return peers.Peer{}, false
}

// Modality looks up a configured modality by AET.
func (c *Config) Modality(aet string) (scu.RemoteModality, bool) {
	for _, modality := range c.Modalities {
		if modality.AET == aet {
			return modality, true
		}
	}
	return scu.RemoteModality{}, false
}
