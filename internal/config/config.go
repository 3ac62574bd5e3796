package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config holds the CLI's runtime configuration. The single knob that matters
// is the backend base URL; everything else has workable defaults.
type Config struct {
	ServerURL string
	Timeout   time.Duration
}

// rawConfig is the on-disk shape. Timeout is a duration string ("30s").
type rawConfig struct {
	ServerURL string `yaml:"server_url"`
	Timeout   string `yaml:"timeout"`
}

// Default returns the configuration used when no config file is present.
func Default() Config {
	return Config{
		ServerURL: "http://localhost:8000",
		Timeout:   30 * time.Second,
	}
}

// DefaultPath returns the conventional config file location.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".advodesk", "config.yaml"), nil
}

// Load reads the config file at path, falling back to the conventional
// location when path is empty. A missing file yields defaults, not an error.
func Load(path string) (Config, error) {
	if path == "" {
		var err error
		path, err = DefaultPath()
		if err != nil {
			return Config{}, err
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return Config{}, fmt.Errorf("failed to read config: %w", err)
	}

	var raw rawConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}

	if raw.ServerURL == "" {
		return Config{}, fmt.Errorf("server_url must not be empty in %s", path)
	}

	cfg := Default()
	cfg.ServerURL = raw.ServerURL
	if raw.Timeout != "" {
		timeout, err := time.ParseDuration(raw.Timeout)
		if err != nil {
			return Config{}, fmt.Errorf("invalid timeout in %s: %w", path, err)
		}
		cfg.Timeout = timeout
	}

	log.Debug().Str("path", path).Str("serverURL", cfg.ServerURL).Msg("loaded config")

	return cfg, nil
}
