package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 256, cfg.Graph.Shards)
	assert.Equal(t, 0.5, cfg.Query.DecayFactor)
	assert.Equal(t, 100*time.Millisecond, cfg.Query.MaxSearchTime)
	assert.True(t, cfg.Storage.Journal.Enabled)
	assert.Greater(t, cfg.Weights.ScriptureReference, cfg.Weights.WordAssociation,
		"explicit references outweigh co-occurrence")
	assert.Greater(t, cfg.Weights.WordDesignation, cfg.Weights.NgramAssociation)
}

func TestLoad(t *testing.T) {
	t.Run("no_file_gives_defaults", func(t *testing.T) {
		cfg, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, DefaultConfig(), cfg)
	})

	t.Run("yaml_file_overrides", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "relgraph.yaml")
		yaml := `
graph:
  shards: 64
query:
  decay_factor: 0.25
  max_search_time: 250ms
  max_hops: 3
weights:
  scripture_reference: 12
storage:
  data_dir: /var/lib/relgraph
  journal:
    enabled: false
`
		require.NoError(t, os.WriteFile(path, []byte(yaml), 0644))

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, 64, cfg.Graph.Shards)
		assert.Equal(t, 0.25, cfg.Query.DecayFactor)
		assert.Equal(t, 250*time.Millisecond, cfg.Query.MaxSearchTime)
		assert.Equal(t, 3, cfg.Query.MaxHops)
		assert.Equal(t, float32(12), cfg.Weights.ScriptureReference)
		assert.Equal(t, float32(1), cfg.Weights.WordAssociation, "unset keys keep defaults")
		assert.Equal(t, "/var/lib/relgraph", cfg.Storage.DataDir)
		assert.False(t, cfg.Storage.Journal.Enabled)
	})

	t.Run("env_overrides_file", func(t *testing.T) {
		t.Setenv("RELGRAPH_INGEST_FLUSH_INTERVAL", "250ms")
		t.Setenv("RELGRAPH_POOL_ENABLED", "false")
		t.Setenv("RELGRAPH_QUERY_DECAY_FACTOR", "0.75")
		t.Setenv("RELGRAPH_STORAGE_JOURNAL_IN_MEMORY", "true")
		t.Setenv("RELGRAPH_WEIGHTS_ENTITY_REFERENCE", "6.5")

		cfg, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, 0.75, cfg.Query.DecayFactor)
		assert.True(t, cfg.Storage.Journal.InMemory)
		assert.Equal(t, float32(6.5), cfg.Weights.EntityReference)
		assert.Equal(t, 250*time.Millisecond, cfg.Ingest.FlushInterval)
		assert.False(t, cfg.Pool.Enabled)
	})

	t.Run("missing_file_is_an_error", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})

	t.Run("invalid_values_fail_validation", func(t *testing.T) {
		t.Setenv("RELGRAPH_QUERY_DECAY_FACTOR", "1.5")
		_, err := Load("")
		assert.ErrorContains(t, err, "decay factor")
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"zero shards", func(c *Config) { c.Graph.Shards = 0 }, "shards"},
		{"negative weight", func(c *Config) { c.Weights.BookAssociation = -1 }, "book_association"},
		{"decay of one", func(c *Config) { c.Query.DecayFactor = 1 }, "decay factor"},
		{"zero epsilon", func(c *Config) { c.Query.Epsilon = 0 }, "epsilon"},
		{"negative budget", func(c *Config) { c.Query.MaxSearchTime = -time.Second }, "max search time"},
		{"negative hops", func(c *Config) { c.Query.MaxHops = -1 }, "max hops"},
		{"negative cache size", func(c *Config) { c.Query.CacheSize = -1 }, "cache size"},
		{"negative cache ttl", func(c *Config) { c.Query.CacheTTL = -time.Second }, "cache ttl"},
		{"no workers", func(c *Config) { c.Ingest.Workers = 0 }, "workers"},
		{"no batch", func(c *Config) { c.Ingest.BatchSize = 0 }, "batch size"},
		{"negative flush interval", func(c *Config) { c.Ingest.FlushInterval = -time.Second }, "flush interval"},
		{"empty pool", func(c *Config) { c.Pool.MaxSize = 0 }, "pool max size"},
		{"no data dir", func(c *Config) { c.Storage.DataDir = "" }, "data dir"},
		{"no snapshot file", func(c *Config) { c.Storage.SnapshotFile = "" }, "snapshot file"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
}

func TestString(t *testing.T) {
	s := DefaultConfig().String()
	assert.Contains(t, s, "Shards: 256")
	assert.Contains(t, s, "./data")
}
