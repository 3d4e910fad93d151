// Package config loads the server's startup configuration from a YAML file,
// matching the teacher's choice of gopkg.in/yaml.v3 for structured data
// (already a teacher dependency, previously unused in the copied tree).
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level server configuration file shape.
type Config struct {
	Database Database `yaml:"database"`
	Listen   Listen   `yaml:"listen"`
	Limits   Limits   `yaml:"limits"`
	Control  Control  `yaml:"control"`
	RPC      RPC      `yaml:"rpc"`
}

// RPC configures the optional multi-host RPC fabric (spec.md §4.4). Both
// fields are blank by default, which disables token issuance and pubsub
// fan-out for a single-process deployment.
type RPC struct {
	// JWTSigningKeyPath points to a file holding the HS256 key used to
	// mint and verify ClientToken/AuthToken bearer tokens.
	JWTSigningKeyPath string `yaml:"jwt_signing_key_path"`
	// TokenTTLSeconds is how long a minted AuthToken remains valid.
	TokenTTLSeconds int `yaml:"token_ttl_seconds"`
	// NATSURL is the pubsub broker address. Empty disables the bus.
	NATSURL string `yaml:"nats_url"`
}

// Database configures the world-state persistence paths.
type Database struct {
	// Path is the textdump file loaded at startup and written by checkpoints.
	Path string `yaml:"path"`
	// CheckpointIntervalSeconds is how often a periodic checkpoint runs;
	// 0 disables periodic checkpointing (manual/shutdown checkpoints only).
	CheckpointIntervalSeconds int `yaml:"checkpoint_interval_seconds"`
	// BadgerDir is parsed from the config file but not read by the server;
	// world state persists only through the textdump at Path, and
	// db.Transaction snapshots are held in memory.
	BadgerDir string `yaml:"badger_dir"`
	// EventLogDir, if set, enables the durable per-player-encrypted
	// narrative event log (see eventlog.Log).
	EventLogDir string `yaml:"event_log_dir"`
}

// Listen configures the front-end listener.
type Listen struct {
	Port int `yaml:"port"`
}

// Limits configures default per-task resource budgets.
type Limits struct {
	DefaultTicks   int64   `yaml:"default_ticks"`
	DefaultSeconds float64 `yaml:"default_seconds"`
}

// Control configures the local operator control socket used by
// `wold checkpoint`/`wold shutdown` (see server.ServeControlSocket).
type Control struct {
	SocketPath string `yaml:"socket_path"`
}

// Default returns a Config with the teacher's historical defaults
// (Test.db, port 7777) so an unconfigured server still starts the way
// cmd/barn's flag defaults used to.
func Default() Config {
	return Config{
		Database: Database{
			Path:                      "Test.db",
			CheckpointIntervalSeconds: 300,
		},
		Listen: Listen{Port: 7777},
		Limits: Limits{DefaultTicks: 300000, DefaultSeconds: 5.0},
		Control: Control{SocketPath: "/tmp/wold.sock"},
	}
}

// Load reads and parses a YAML config file at path, filling in Default()
// for any field the file omits.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// CheckpointInterval returns the configured checkpoint interval as a
// time.Duration (0 means disabled).
func (c Config) CheckpointInterval() time.Duration {
	if c.Database.CheckpointIntervalSeconds <= 0 {
		return 0
	}
	return time.Duration(c.Database.CheckpointIntervalSeconds) * time.Second
}

// TokenTTL returns the configured AuthToken lifetime as a time.Duration.
func (c Config) TokenTTL() time.Duration {
	if c.RPC.TokenTTLSeconds <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(c.RPC.TokenTTLSeconds) * time.Second
}

// LoadSigningKey reads the JWT signing key named by RPC.JWTSigningKeyPath.
// Returns (nil, nil) when no path is configured.
func (c Config) LoadSigningKey() ([]byte, error) {
	if c.RPC.JWTSigningKeyPath == "" {
		return nil, nil
	}
	data, err := os.ReadFile(c.RPC.JWTSigningKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read jwt signing key %s: %w", c.RPC.JWTSigningKeyPath, err)
	}
	return data, nil
}
