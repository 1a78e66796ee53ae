// Package config loads and saves the runtime's YAML configuration file,
// grounded on the teacher's config.Load/Save (write-then-rename) pattern.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable the runtime needs. Durations are stored in
// milliseconds in the YAML file (matching the spec's "N ms" phrasing) and
// exposed as time.Duration via the *Duration() accessors.
type Config struct {
	Port                 int    `yaml:"port"`
	ScratchRoot           string `yaml:"scratch_root"`
	DefaultSessionID      string `yaml:"default_session_id"`
	CommandTimeoutMS      int    `yaml:"command_timeout_ms"`
	PTYDisconnectTimeoutMS int   `yaml:"pty_disconnect_timeout_ms"`
	LabelersDoneTimeoutMS int    `yaml:"labelers_done_timeout_ms"`
	AdminTokenHash        string `yaml:"admin_token_hash"`
	JWTSecret             string `yaml:"jwt_secret"`
}

const (
	defaultPort                  = 8080
	defaultCommandTimeoutMS      = 0 // 0 == no per-command timeout
	defaultPTYDisconnectTimeoutMS = 30_000
	defaultLabelersDoneTimeoutMS = 5_000
	defaultSessionID             = "default"
)

func DefaultPath() string {
	exe, err := os.Executable()
	if err != nil {
		return "sandboxd.yaml"
	}
	return filepath.Join(filepath.Dir(exe), "sandboxd.yaml")
}

// Load reads and parses the config file at path, filling in defaults for
// any zero-valued field after unmarshalling.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Port == 0 {
		cfg.Port = defaultPort
	}
	if cfg.ScratchRoot == "" {
		cfg.ScratchRoot = os.TempDir()
	}
	if cfg.DefaultSessionID == "" {
		cfg.DefaultSessionID = defaultSessionID
	}
	if cfg.PTYDisconnectTimeoutMS == 0 {
		cfg.PTYDisconnectTimeoutMS = defaultPTYDisconnectTimeoutMS
	}
	if cfg.LabelersDoneTimeoutMS == 0 {
		cfg.LabelersDoneTimeoutMS = defaultLabelersDoneTimeoutMS
	}
}

// Save writes cfg to path atomically (write to a temp file, then rename).
func Save(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Default returns a Config with every field defaulted, for callers that
// run without a config file (e.g. tests, or a fresh container with no
// mounted config).
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func (c *Config) CommandTimeout() time.Duration {
	if c.CommandTimeoutMS <= 0 {
		return 0
	}
	return time.Duration(c.CommandTimeoutMS) * time.Millisecond
}

func (c *Config) PTYDisconnectTimeout() time.Duration {
	return time.Duration(c.PTYDisconnectTimeoutMS) * time.Millisecond
}

func (c *Config) LabelersDoneTimeout() time.Duration {
	return time.Duration(c.LabelersDoneTimeoutMS) * time.Millisecond
}

// EnsureJWTSecret generates a random 32-byte secret (hex-encoded, matching
// the teacher's config.go convention) the first time a config is loaded
// with none set, so a fresh container never runs with an empty signing
// key for the control-plane auth tokens.
func (c *Config) EnsureJWTSecret() (changed bool, err error) {
	if c.JWTSecret != "" {
		return false, nil
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return false, fmt.Errorf("generating jwt secret: %w", err)
	}
	c.JWTSecret = hex.EncodeToString(buf)
	return true, nil
}

// DecodeJWTSecret hex-decodes JWTSecret for use as an HMAC signing key.
func (c *Config) DecodeJWTSecret() ([]byte, error) {
	return hex.DecodeString(c.JWTSecret)
}
