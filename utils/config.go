package utils

import (
	"fmt"
	"strings"
	"time"

	"code.cloudfoundry.org/bytefmt"
	"gopkg.in/yaml.v2"

	"github.com/chertdb/chert/utils/log"
)

// DurabilityMode controls how commits reach physical storage.
type DurabilityMode int

const (
	// DurabilityDefault writes commits to the WAL and batches fsyncs via
	// group commit.
	DurabilityDefault DurabilityMode = iota
	// DurabilityNone performs no fsync at all. Fastest, loses the tail of
	// recent commits on crash.
	DurabilityNone
	// DurabilityImmediate fsyncs the WAL on every commit.
	DurabilityImmediate
)

func (m DurabilityMode) String() string {
	switch m {
	case DurabilityNone:
		return "none"
	case DurabilityImmediate:
		return "immediate"
	default:
		return "default"
	}
}

// Config carries the tunables of a chert database instance.
type Config struct {
	PageSize           int
	PoolSize           int
	WindowPages        int64
	Durability         DurabilityMode
	DirectIO           bool
	CompressWAL        bool
	CheckpointInterval time.Duration
	CheckpointWALBytes int64
}

const (
	DefaultPageSize           = 4096
	DefaultPoolSize           = 8
	DefaultWindowPages        = 16 * 1024
	DefaultCheckpointInterval = 1 * time.Minute
	DefaultCheckpointWALBytes = 64 * 1024 * 1024
)

// NewDefaultConfig returns the configuration used when no YAML file is given.
func NewDefaultConfig() *Config {
	return &Config{
		PageSize:           DefaultPageSize,
		PoolSize:           DefaultPoolSize,
		WindowPages:        DefaultWindowPages,
		Durability:         DurabilityDefault,
		CheckpointInterval: DefaultCheckpointInterval,
		CheckpointWALBytes: DefaultCheckpointWALBytes,
	}
}

// Parse fills c from YAML data. Unset keys keep their defaults.
func (c *Config) Parse(data []byte) error {
	var aux struct {
		PageSize           int    `yaml:"page_size"`
		PoolSize           int    `yaml:"pool_size"`
		WindowPages        int64  `yaml:"window_pages"`
		Durability         string `yaml:"durability"`
		DirectIO           bool   `yaml:"direct_io"`
		CompressWAL        bool   `yaml:"compress_wal"`
		LogLevel           string `yaml:"log_level"`
		CheckpointInterval int    `yaml:"checkpoint_interval_sec"`
		CheckpointWALSize  string `yaml:"checkpoint_wal_size"`
	}

	if err := yaml.Unmarshal(data, &aux); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}

	if aux.PageSize != 0 {
		if aux.PageSize < 512 || aux.PageSize%512 != 0 {
			return fmt.Errorf("invalid page_size %d: must be a positive multiple of 512", aux.PageSize)
		}
		c.PageSize = aux.PageSize
	}
	if aux.PoolSize != 0 {
		if aux.PoolSize < 1 {
			return fmt.Errorf("invalid pool_size %d", aux.PoolSize)
		}
		c.PoolSize = aux.PoolSize
	}
	if aux.WindowPages != 0 {
		if aux.WindowPages < 16 {
			return fmt.Errorf("invalid window_pages %d: need at least 16 pages per column family", aux.WindowPages)
		}
		c.WindowPages = aux.WindowPages
	}

	if aux.Durability != "" {
		switch strings.ToLower(aux.Durability) {
		case "none":
			c.Durability = DurabilityNone
		case "default":
			c.Durability = DurabilityDefault
		case "immediate":
			c.Durability = DurabilityImmediate
		default:
			return fmt.Errorf("invalid durability %q: want none, default or immediate", aux.Durability)
		}
	}

	c.DirectIO = aux.DirectIO
	c.CompressWAL = aux.CompressWAL

	if aux.CheckpointInterval > 0 {
		c.CheckpointInterval = time.Duration(aux.CheckpointInterval) * time.Second
	}
	if aux.CheckpointWALSize != "" {
		n, err := bytefmt.ToBytes(aux.CheckpointWALSize)
		if err != nil {
			return fmt.Errorf("invalid checkpoint_wal_size %q: %w", aux.CheckpointWALSize, err)
		}
		c.CheckpointWALBytes = int64(n)
	}

	if aux.LogLevel != "" {
		switch strings.ToLower(aux.LogLevel) {
		case "fatal":
			log.SetLevel(log.FATAL)
		case "error":
			log.SetLevel(log.ERROR)
		case "warning":
			log.SetLevel(log.WARNING)
		case "debug":
			log.SetLevel(log.DEBUG)
		case "info":
			fallthrough
		default:
			log.SetLevel(log.INFO)
		}
	}

	return nil
}
