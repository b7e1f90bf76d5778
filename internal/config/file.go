package config

import (
	"bytes"
	"fmt"
	"os"

	yaml "go.yaml.in/yaml/v3"
)

// fileConfig is the YAML overlay read from CONFIG_FILE.
type fileConfig struct {
	Providers map[string]Provider `yaml:"providers"`
	Jobs      map[string]Job      `yaml:"jobs"`
}

func (c *Config) mergeFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	return c.mergeYAML(b)
}

// mergeYAML overlays provider and job sections. Unknown keys are rejected.
func (c *Config) mergeYAML(data []byte) error {
	var fc fileConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil {
		return fmt.Errorf("yaml decode: %w", err)
	}
	if c.Providers == nil {
		c.Providers = map[string]Provider{}
	}
	if c.Jobs == nil {
		c.Jobs = map[string]Job{}
	}
	for name, p := range fc.Providers {
		if p.Endpoint == "" {
			return fmt.Errorf("provider %q: endpoint is required", name)
		}
		c.Providers[name] = p
	}
	for name, j := range fc.Jobs {
		if j.PageSize < 0 {
			return fmt.Errorf("job %q: page_size must not be negative", name)
		}
		c.Jobs[name] = j
	}
	return nil
}
