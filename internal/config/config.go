// Package config loads mongosync's TOML configuration file, mirroring the
// [src]/[dst]/[sync]/[log] table layout the original tool's config file used.
package config

import (
	"fmt"
	"os"

	"github.com/nodestorage/mongosync/internal/core"
	"github.com/pelletier/go-toml/v2"
)

// Config is the top-level configuration document.
type Config struct {
	Src  Source `toml:"src"`
	Dst  Dest   `toml:"dst"`
	Sync Sync   `toml:"sync"`
	Log  Log    `toml:"log"`
}

// Source describes the replication source cluster.
type Source struct {
	URI string `toml:"uri"`
}

// Dest describes the replication destination: a MongoDB URI or a list of
// Elasticsearch addresses; Type decides which one is used.
type Dest struct {
	Type      string   `toml:"type"` // "mongo" or "elasticsearch"
	URI       string   `toml:"uri"`
	Addresses []string `toml:"addresses"`
}

// Sync controls scope and checkpointing for a run.
type Sync struct {
	DBs             []string          `toml:"dbs"`
	Rename          map[string]string `toml:"rename"`
	StartOptime     string            `toml:"start_optime"`
	CheckpointFile  string            `toml:"checkpoint_file"`
	LargeThreshold  int64             `toml:"large_threshold"`
	BatchSize       int               `toml:"batch_size"`
	MaxSmallWorkers int               `toml:"max_small_workers"`
	Partitions      int               `toml:"partitions"`
	RedisMirrorURI  string            `toml:"redis_mirror_uri"`
	LedgerPath      string            `toml:"ledger_path"`
}

// Log controls the global logger.
type Log struct {
	Development bool   `toml:"development"`
	Level       string `toml:"level"`
	File        string `toml:"file"`
}

// Load reads and parses a TOML config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", core.ErrConfig, path, err)
	}
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Sync.CheckpointFile == "" {
		cfg.Sync.CheckpointFile = "mongosync.checkpoint"
	}
	if cfg.Sync.LargeThreshold == 0 {
		cfg.Sync.LargeThreshold = 1_000_000
	}
	if cfg.Sync.BatchSize == 0 {
		cfg.Sync.BatchSize = 100
	}
	if cfg.Sync.MaxSmallWorkers == 0 {
		cfg.Sync.MaxSmallWorkers = 8
	}
	if cfg.Sync.Partitions == 0 {
		cfg.Sync.Partitions = 4
	}
	if cfg.Dst.Type == "" {
		cfg.Dst.Type = "mongo"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}

// Validate checks the fields Load can't reasonably default.
func (c *Config) Validate() error {
	if c.Src.URI == "" {
		return fmt.Errorf("%w: src.uri is required", core.ErrConfig)
	}
	switch c.Dst.Type {
	case "mongo":
		if c.Dst.URI == "" {
			return fmt.Errorf("%w: dst.uri is required for dst.type=mongo", core.ErrConfig)
		}
	case "elasticsearch":
		if len(c.Dst.Addresses) == 0 {
			return fmt.Errorf("%w: dst.addresses is required for dst.type=elasticsearch", core.ErrConfig)
		}
	default:
		return fmt.Errorf("%w: dst.type must be \"mongo\" or \"elasticsearch\", got %q", core.ErrConfig, c.Dst.Type)
	}
	return nil
}
