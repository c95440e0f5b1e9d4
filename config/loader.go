package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Loader reads and validates a RunConfig file. Defaulting happens
// separately in ApplyDefaults.
type Loader struct {
	filePath string
}

// NewLoader creates a loader for the given file path.
func NewLoader(filePath string) *Loader {
	return &Loader{filePath: filePath}
}

// Load reads the configuration file, unmarshals it and checks the
// required fields.
func (l *Loader) Load() (*RunConfig, error) {
	if l.filePath == "" {
		return nil, fmt.Errorf("configuration file path is empty")
	}
	content, err := os.ReadFile(l.filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file '%s': %w", l.filePath, err)
	}
	if len(content) == 0 {
		return nil, fmt.Errorf("configuration file '%s' is empty", l.filePath)
	}

	var cfg RunConfig
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config YAML from '%s': %w", l.filePath, err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed in '%s': %w", l.filePath, err)
	}
	return &cfg, nil
}

// Validate checks required fields and cross-field constraints.
func Validate(cfg *RunConfig) error {
	if cfg.Target.Host == "" {
		return fmt.Errorf("target.host is a required field")
	}
	if cfg.Target.User == "" {
		return fmt.Errorf("target.user is a required field")
	}
	if cfg.Payload.LocalPath == "" {
		return fmt.Errorf("payload.localPath is a required field")
	}
	if cfg.Offline.Enabled && cfg.Offline.BundleDir == "" {
		return fmt.Errorf("offline.bundleDir is required when offline.enabled is true")
	}
	return nil
}
