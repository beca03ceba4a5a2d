// Package config reads the YAML configuration file of the binaries.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Storage     Storage     `yaml:"storage"`
	Log         Log         `yaml:"log"`
	Branch      Branch      `yaml:"branch"`
	Server      Server      `yaml:"server"`
	Redis       Redis       `yaml:"redis"`
	Replication Replication `yaml:"replication"`
}

type Storage struct {
	Paths          []string `yaml:"paths"`
	MinimumFreeGB  int      `yaml:"minimumFreeGB"`
	InMemory       bool     `yaml:"inMemory"`
	CacheSize      int      `yaml:"cacheSize"`
	PrefetchBudget int      `yaml:"prefetchBudget"`
	MaxNodeSize    int      `yaml:"maxNodeSize"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type Branch struct {
	Author     string `yaml:"author"`
	MaxRetries int    `yaml:"maxRetries"`
	// WriteLock is "block" or "failFast".
	WriteLock    string        `yaml:"writeLock"`
	PollInterval time.Duration `yaml:"pollInterval"`
}

type Server struct {
	Address     string        `yaml:"address"`
	JWTSecret   string        `yaml:"jwtSecret"`
	PollTimeout time.Duration `yaml:"pollTimeout"`
	MetricsPath string        `yaml:"metricsPath"`
}

type Redis struct {
	Address string `yaml:"address"`
	Prefix  string `yaml:"prefix"`
}

type Replication struct {
	URL        string        `yaml:"url"`
	JWTSecret  string        `yaml:"jwtSecret"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries uint64        `yaml:"maxRetries"`
}

const (
	WriteLockBlock    = "block"
	WriteLockFailFast = "failFast"
)

// Default returns the configuration used for missing settings.
func Default() Config {
	return Config{
		Storage: Storage{
			Paths:          []string{"./data"},
			MinimumFreeGB:  1,
			CacheSize:      300_000,
			PrefetchBudget: 100_000,
			MaxNodeSize:    20,
		},
		Log:    Log{Level: "info", Format: "text"},
		Branch: Branch{Author: "modelserver", MaxRetries: 5, WriteLock: WriteLockBlock, PollInterval: time.Second},
		Server: Server{Address: ":4242", PollTimeout: 30 * time.Second, MetricsPath: "/metrics"},
		Redis:  Redis{Prefix: "ouroboros-model:"},
		Replication: Replication{
			Timeout:    30 * time.Second,
			MaxRetries: 5,
		},
	}
}

// Load reads the file at path over the defaults. Settings missing from the
// file keep their default value.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (Config, error) {
	c := Default()
	if err := yaml.UnmarshalStrict(data, &c); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := c.validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c *Config) validate() error {
	if !c.Storage.InMemory && len(c.Storage.Paths) == 0 && c.Redis.Address == "" {
		return fmt.Errorf("config: storage needs a path, inMemory or a redis address")
	}
	if c.Storage.MaxNodeSize < 2 {
		return fmt.Errorf("config: maxNodeSize must be at least 2, got %d", c.Storage.MaxNodeSize)
	}
	switch c.Branch.WriteLock {
	case WriteLockBlock, WriteLockFailFast:
	default:
		return fmt.Errorf("config: unknown writeLock %q", c.Branch.WriteLock)
	}
	return nil
}
