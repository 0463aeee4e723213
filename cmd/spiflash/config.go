package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config describes the target chip and how to reach it. Every field has a
// working default so the file is optional.
type Config struct {
	Host   string `yaml:"host,omitempty"`
	Device string `yaml:"device,omitempty"`

	PageSize   int `yaml:"pageSize,omitempty"`
	SectorSize int `yaml:"sectorSize,omitempty"`
	ChunkSize  int `yaml:"chunkSize,omitempty"`
}

func (c *Config) normalize() {
	if c.PageSize == 0 {
		c.PageSize = 256
	}
	if c.SectorSize == 0 {
		c.SectorSize = 4096
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = 4096
	}
}

func loadConfig(path string) (Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	cfg.normalize()
	return cfg, nil
}
