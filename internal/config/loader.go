package config

import (
	"fmt"
	"os"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Load reads the YAML file at path, expands environment variables, and
// deep-merges it over Default(). A missing file is not an error — the
// built-in defaults are returned unchanged, matching the teacher's
// tolerant config.Initialize() behavior when no user overrides exist.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		return cfg, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}

	raw = expandEnv(raw)

	var override Config
	if err := yaml.Unmarshal(raw, &override); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}

	if err := mergo.Merge(cfg, override, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("merge config file %s: %w", path, err)
	}

	return cfg, nil
}
