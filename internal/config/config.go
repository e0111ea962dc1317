// Package config loads lofi settings from YAML. Command-line flags
// override individual fields after loading.
//
// Example:
//
//	storage:
//	  backend: sqlite
//	  path: ~/.lofi/client.db
//	sync:
//	  url: ws://localhost:8080/v1/sync
//	  send_timeout: 10s
//	  backoff:
//	    initial: 100ms
//	    max: 30s
//	  retry_budget: 8
//	schema:
//	  path: schema.cue
//	server:
//	  addr: localhost:8080
//	  journal: authority.db
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Storage backends.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendBolt   = "bolt"
)

// Config is the full settings tree.
type Config struct {
	Storage StorageConfig `yaml:"storage"`
	Sync    SyncConfig    `yaml:"sync"`
	Schema  SchemaConfig  `yaml:"schema"`
	Server  ServerConfig  `yaml:"server"`
}

// StorageConfig selects the local StorageEngine backend.
type StorageConfig struct {
	// Backend is memory, sqlite or bolt.
	Backend string `yaml:"backend"`
	// Path is the database file for sqlite and bolt.
	Path string `yaml:"path"`
}

// SyncConfig configures the SyncCoordinator. An empty URL disables sync.
type SyncConfig struct {
	URL string `yaml:"url"`
	// ClientID overrides the id persisted in the store.
	ClientID      string        `yaml:"client_id"`
	SendTimeout   time.Duration `yaml:"send_timeout"`
	Backoff       BackoffConfig `yaml:"backoff"`
	RetryBudget   int           `yaml:"retry_budget"`
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
	MaxInFlight   int           `yaml:"max_in_flight"`
}

// BackoffConfig bounds reconnect delays.
type BackoffConfig struct {
	Initial time.Duration `yaml:"initial"`
	Max     time.Duration `yaml:"max"`
}

// SchemaConfig points at a CUE schema. Empty means the built-in chat schema.
type SchemaConfig struct {
	Path string `yaml:"path"`
}

// ServerConfig configures `lofi serve`.
type ServerConfig struct {
	Addr string `yaml:"addr"`
	// Journal is a SQLite file for authority state. Empty keeps it in memory.
	Journal string `yaml:"journal"`
}

// Default returns the settings used when no file is given.
func Default() Config {
	return Config{
		Storage: StorageConfig{Backend: BackendSQLite, Path: "lofi.db"},
		Sync: SyncConfig{
			SendTimeout:   10 * time.Second,
			Backoff:       BackoffConfig{Initial: 100 * time.Millisecond, Max: 30 * time.Second},
			RetryBudget:   8,
			ShutdownGrace: 2 * time.Second,
			MaxInFlight:   32,
		},
		Server: ServerConfig{Addr: "localhost:8080"},
	}
}

// Load reads a YAML file on top of Default.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML on top of Default and validates the result.
// Unknown keys are rejected.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parse: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks field combinations.
func (c Config) Validate() error {
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendSQLite, BackendBolt:
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for the %s backend", c.Storage.Backend)
		}
	default:
		return fmt.Errorf("storage.backend must be memory, sqlite or bolt, got %q", c.Storage.Backend)
	}
	if c.Sync.SendTimeout <= 0 {
		return fmt.Errorf("sync.send_timeout must be positive")
	}
	if c.Sync.Backoff.Initial <= 0 || c.Sync.Backoff.Max < c.Sync.Backoff.Initial {
		return fmt.Errorf("sync.backoff needs 0 < initial <= max")
	}
	if c.Sync.RetryBudget < 0 {
		return fmt.Errorf("sync.retry_budget must not be negative")
	}
	if c.Sync.ShutdownGrace < 0 {
		return fmt.Errorf("sync.shutdown_grace must not be negative")
	}
	if c.Sync.MaxInFlight <= 0 {
		return fmt.Errorf("sync.max_in_flight must be positive")
	}
	return nil
}
