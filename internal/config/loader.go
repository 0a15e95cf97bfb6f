package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Environment variables that override secrets and connection settings.
const (
	EnvEngineAPIKey  = "CIRNO_ENGINE_API_KEY"
	EnvEngineAPIBase = "CIRNO_ENGINE_API_BASE"
	EnvEngineModel   = "CIRNO_ENGINE_MODEL"
	EnvOneBotToken   = "CIRNO_ONEBOT_TOKEN"
)

// ConfigPath returns the default configuration file path: ~/.cirno/config.yaml.
func ConfigPath() string {
	return filepath.Join(DataDir(), "config.yaml")
}

// DataDir returns the cirno data directory: ~/.cirno.
func DataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".cirno"
	}
	return filepath.Join(home, ".cirno")
}

// Load reads and parses the config file at path, then applies environment
// overrides. If path is empty, ConfigPath() is used. A missing file yields
// the defaults; a file that does not parse is an error.
func Load(path string) (*Config, error) {
	cfg, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	cfg.applyEnv()
	return cfg, nil
}

// LoadFile is Load without environment overrides, for rewriting the file.
func LoadFile(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}

	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	default:
		// JSON is valid YAML, so either format decodes here.
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvEngineAPIKey); v != "" {
		c.Engine.APIKey = v
	}
	if v := os.Getenv(EnvEngineAPIBase); v != "" {
		c.Engine.APIBase = v
	}
	if v := os.Getenv(EnvEngineModel); v != "" {
		c.Engine.Model = v
	}
	if v := os.Getenv(EnvOneBotToken); v != "" {
		c.Channels.OneBot.AccessToken = v
	}
}

// Save writes cfg to path as YAML.
// If path is empty, ConfigPath() is used.
func Save(cfg *Config, path string) error {
	if path == "" {
		path = ConfigPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}
