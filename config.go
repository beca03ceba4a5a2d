package ouroboros

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/i5heu/ouroboros-model/internal/config"
	"github.com/i5heu/ouroboros-model/pkg/branch"
	"github.com/i5heu/ouroboros-model/pkg/logging"
)

// Config configures a Model. Objects and references go to redis when
// RedisAddress is set, otherwise to badger under Paths[0] or in memory.
type Config struct {
	// Paths contains data directories. Currently only Paths[0] is used.
	Paths []string
	// MinimumFreeGB is checked against the disk of Paths[0] on open.
	MinimumFreeGB int
	InMemory      bool

	RedisAddress string
	RedisPrefix  string

	// CacheSize is the number of objects kept in the LRU in front of the store.
	CacheSize int
	// PrefetchBudget bounds the objects loaded by one background prefetch.
	PrefetchBudget int
	MaxNodeSize    int

	Author       string
	MaxRetries   int
	WriteLock    branch.WriteLockMode
	PollInterval time.Duration

	// StatsInterval enables periodic store operation logging when positive.
	StatsInterval time.Duration

	Logger *logrus.Logger
}

// LoadConfig reads a YAML configuration file and builds the logger it
// describes.
func LoadConfig(path string) (Config, error) {
	c, err := config.Load(path)
	if err != nil {
		return Config{}, err
	}
	return FromFile(c)
}

func FromFile(c config.Config) (Config, error) {
	l, err := logging.New(logging.Options{Level: c.Log.Level, Format: c.Log.Format})
	if err != nil {
		return Config{}, err
	}
	conf := Config{
		Paths:          c.Storage.Paths,
		MinimumFreeGB:  c.Storage.MinimumFreeGB,
		InMemory:       c.Storage.InMemory,
		RedisAddress:   c.Redis.Address,
		RedisPrefix:    c.Redis.Prefix,
		CacheSize:      c.Storage.CacheSize,
		PrefetchBudget: c.Storage.PrefetchBudget,
		MaxNodeSize:    c.Storage.MaxNodeSize,
		Author:         c.Branch.Author,
		MaxRetries:     c.Branch.MaxRetries,
		PollInterval:   c.Branch.PollInterval,
		Logger:         l,
	}
	if c.Branch.WriteLock == config.WriteLockFailFast {
		conf.WriteLock = branch.WriteLockFailFast
	}
	return conf, nil
}
