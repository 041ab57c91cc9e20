package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/nodestorage/mongosync/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	path := filepath.Join(t.TempDir(), "mongosync.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
[src]
uri = "mongodb://source:27017"

[dst]
type = "mongo"
uri = "mongodb://dest:27017"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "mongosync.checkpoint", cfg.Sync.CheckpointFile)
	assert.Equal(t, int64(1_000_000), cfg.Sync.LargeThreshold)
	assert.Equal(t, 100, cfg.Sync.BatchSize)
	assert.Equal(t, 8, cfg.Sync.MaxSmallWorkers)
	assert.Equal(t, 4, cfg.Sync.Partitions)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadMissingSrcURIFails(t *testing.T) {
	path := writeConfig(t, `
[dst]
type = "mongo"
uri = "mongodb://dest:27017"
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrConfig))
}

func TestLoadElasticsearchRequiresAddresses(t *testing.T) {
	path := writeConfig(t, `
[src]
uri = "mongodb://source:27017"

[dst]
type = "elasticsearch"
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrConfig))
}

func TestLoadUnknownDestTypeFails(t *testing.T) {
	path := writeConfig(t, `
[src]
uri = "mongodb://source:27017"

[dst]
type = "carrier-pigeon"
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrConfig))
}
