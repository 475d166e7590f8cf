package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadProfile overlays a YAML profile onto cfg. Only keys present in
// the file are applied; everything else keeps its env-derived value.
func LoadProfile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("load profile %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse profile %q: %w", path, err)
	}
	return nil
}
