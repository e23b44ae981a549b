// Package config loads relgraph configuration from a YAML file and
// environment variables.
//
// Every setting has a default (see DefaultConfig), may be set in a YAML file,
// and may be overridden by an environment variable named RELGRAPH_ plus the
// upper-cased key path with dots replaced by underscores.
//
// Example Usage:
//
//	cfg, err := config.Load("relgraph.yaml")
//	if err != nil {
//		log.Fatal(err)
//	}
//	fmt.Println(cfg.Query.DecayFactor)
//
// Environment Variables:
//   - RELGRAPH_STORAGE_DATA_DIR="./data"
//   - RELGRAPH_GRAPH_SHARDS=256
//   - RELGRAPH_QUERY_DECAY_FACTOR=0.5
//   - RELGRAPH_QUERY_MAX_SEARCH_TIME=100ms
//   - RELGRAPH_WEIGHTS_SCRIPTURE_REFERENCE=8
//   - RELGRAPH_STORAGE_JOURNAL_ENABLED=true
//   - RELGRAPH_LOGGING_LEVEL=debug
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "RELGRAPH"

// Config holds all relgraph configuration.
//
// Configuration is organized into logical sections:
//   - Graph: in-memory graph layout
//   - Weights: per-feature-type edge weight deltas
//   - Query: spreading-activation tuning
//   - Ingest: bulk ingestion fan-out
//   - Pool: object pooling on the query and persistence hot paths
//   - Storage: snapshot file, autosave and the feature journal
//   - Logging: log format and level
//   - Metrics: Prometheus exposition
type Config struct {
	Graph   GraphConfig   `mapstructure:"graph" yaml:"graph"`
	Weights WeightsConfig `mapstructure:"weights" yaml:"weights"`
	Query   QueryConfig   `mapstructure:"query" yaml:"query"`
	Ingest  IngestConfig  `mapstructure:"ingest" yaml:"ingest"`
	Pool    PoolConfig    `mapstructure:"pool" yaml:"pool"`
	Storage StorageConfig `mapstructure:"storage" yaml:"storage"`
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// GraphConfig holds graph layout settings.
type GraphConfig struct {
	// Shards is the number of lock buckets. Larger values lower contention
	// between concurrent writers at the cost of a little memory.
	Shards int `mapstructure:"shards" yaml:"shards"`
}

// WeightsConfig holds the weight delta added to an edge for one observation
// of each feature type. Explicit references and designations should weigh
// more than incidental co-occurrence.
type WeightsConfig struct {
	WordAssociation                   float32 `mapstructure:"word_association" yaml:"word_association"`
	WordDesignation                   float32 `mapstructure:"word_designation" yaml:"word_designation"`
	NgramAssociation                  float32 `mapstructure:"ngram_association" yaml:"ngram_association"`
	EntityReference                   float32 `mapstructure:"entity_reference" yaml:"entity_reference"`
	BookAssociation                   float32 `mapstructure:"book_association" yaml:"book_association"`
	ParagraphAssociation              float32 `mapstructure:"paragraph_association" yaml:"paragraph_association"`
	ScriptureReference                float32 `mapstructure:"scripture_reference" yaml:"scripture_reference"`
	ScriptureReferenceWithoutEmphasis float32 `mapstructure:"scripture_reference_without_emphasis" yaml:"scripture_reference_without_emphasis"`
}

// QueryConfig holds spreading-activation settings.
type QueryConfig struct {
	// DecayFactor is the per-hop attenuation, in (0, 1).
	DecayFactor float64 `mapstructure:"decay_factor" yaml:"decay_factor"`
	// Epsilon is the smallest score increase that still expands a node.
	Epsilon float64 `mapstructure:"epsilon" yaml:"epsilon"`
	// MaxSearchTime is the default wall-clock budget per query.
	MaxSearchTime time.Duration `mapstructure:"max_search_time" yaml:"max_search_time"`
	// MaxHops is the default hop bound; 0 means unbounded.
	MaxHops int `mapstructure:"max_hops" yaml:"max_hops"`
	// CacheSize is how many settled results the DB keeps; 0 disables the
	// result cache.
	CacheSize int `mapstructure:"cache_size" yaml:"cache_size"`
	// CacheTTL bounds how long a cached result is served; 0 means until the
	// graph changes.
	CacheTTL time.Duration `mapstructure:"cache_ttl" yaml:"cache_ttl"`
}

// IngestConfig holds bulk ingestion settings.
type IngestConfig struct {
	// Workers is the number of concurrent ingest goroutines.
	Workers int `mapstructure:"workers" yaml:"workers"`
	// BatchSize is how many features a worker groups by shard before applying.
	BatchSize int `mapstructure:"batch_size" yaml:"batch_size"`
	// FlushInterval bounds how long streamed features wait in a partial
	// batch before they are applied; 0 flushes only full batches.
	FlushInterval time.Duration `mapstructure:"flush_interval" yaml:"flush_interval"`
}

// PoolConfig holds object pooling settings.
type PoolConfig struct {
	// Enabled reuses activation buffers and encoding buffers.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// MaxSize is the largest capacity returned to a pool.
	MaxSize int `mapstructure:"max_size" yaml:"max_size"`
}

// StorageConfig holds persistence settings.
type StorageConfig struct {
	// DataDir holds the snapshot file and the journal directory.
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`
	// SnapshotFile is the snapshot file name inside DataDir.
	SnapshotFile string `mapstructure:"snapshot_file" yaml:"snapshot_file"`
	// AutoSaveInterval triggers a snapshot when the graph changed; 0 disables.
	AutoSaveInterval time.Duration `mapstructure:"auto_save_interval" yaml:"auto_save_interval"`
	// SaveOnClose writes a final snapshot on Close when the graph changed.
	SaveOnClose bool `mapstructure:"save_on_close" yaml:"save_on_close"`
	// NamesFile is the entity display-name index inside DataDir.
	NamesFile string `mapstructure:"names_file" yaml:"names_file"`
	// Journal configures the durable feature journal.
	Journal JournalConfig `mapstructure:"journal" yaml:"journal"`
}

// JournalConfig holds feature journal settings.
type JournalConfig struct {
	// Enabled records every applied feature so the graph can be rebuilt.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// Dir is the journal directory inside DataDir.
	Dir string `mapstructure:"dir" yaml:"dir"`
	// SyncWrites fsyncs every journal write.
	SyncWrites bool `mapstructure:"sync_writes" yaml:"sync_writes"`
	// InMemory keeps the journal in RAM only (tests).
	InMemory bool `mapstructure:"in_memory" yaml:"in_memory"`
	// CompactOnSave drops journal entries covered by a saved snapshot.
	CompactOnSave bool `mapstructure:"compact_on_save" yaml:"compact_on_save"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Mode is "dev" (console) or "prod" (JSON).
	Mode string `mapstructure:"mode" yaml:"mode"`
	// Level is debug, info, warn or error.
	Level string `mapstructure:"level" yaml:"level"`
}

// MetricsConfig holds Prometheus settings.
type MetricsConfig struct {
	// Addr, when set, serves /metrics on this address from long-running
	// commands.
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Graph: GraphConfig{
			Shards: 256,
		},
		Weights: WeightsConfig{
			WordAssociation:                   1,
			WordDesignation:                   4,
			NgramAssociation:                  1,
			EntityReference:                   4,
			BookAssociation:                   1,
			ParagraphAssociation:              1,
			ScriptureReference:                8,
			ScriptureReferenceWithoutEmphasis: 3,
		},
		Query: QueryConfig{
			DecayFactor:   0.5,
			Epsilon:       1e-6,
			MaxSearchTime: 100 * time.Millisecond,
			MaxHops:       0,
			CacheSize:     1024,
			CacheTTL:      10 * time.Minute,
		},
		Ingest: IngestConfig{
			Workers:       8,
			BatchSize:     4096,
			FlushInterval: 100 * time.Millisecond,
		},
		Pool: PoolConfig{
			Enabled: true,
			MaxSize: 1 << 16,
		},
		Storage: StorageConfig{
			DataDir:          "./data",
			SnapshotFile:     "graph.rgs",
			AutoSaveInterval: 5 * time.Minute,
			SaveOnClose:      true,
			NamesFile:        "entities.yaml",
			Journal: JournalConfig{
				Enabled:       true,
				Dir:           "journal",
				SyncWrites:    false,
				InMemory:      false,
				CompactOnSave: false,
			},
		},
		Logging: LoggingConfig{
			Mode:  "dev",
			Level: "info",
		},
	}
}

// Load reads the YAML file at path (optional; "" skips the file) and applies
// environment overrides on top of the defaults.
func Load(path string) (*Config, error) {
	v := NewViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}
	return FromViper(v)
}

// NewViper returns a viper instance pre-loaded with defaults and wired for
// RELGRAPH_ environment overrides. Callers may bind command-line flags to it
// before calling FromViper.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, DefaultConfig())
	return v
}

// FromViper decodes and validates a Config from v.
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override it during
// Unmarshal.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("graph.shards", d.Graph.Shards)

	v.SetDefault("weights.word_association", d.Weights.WordAssociation)
	v.SetDefault("weights.word_designation", d.Weights.WordDesignation)
	v.SetDefault("weights.ngram_association", d.Weights.NgramAssociation)
	v.SetDefault("weights.entity_reference", d.Weights.EntityReference)
	v.SetDefault("weights.book_association", d.Weights.BookAssociation)
	v.SetDefault("weights.paragraph_association", d.Weights.ParagraphAssociation)
	v.SetDefault("weights.scripture_reference", d.Weights.ScriptureReference)
	v.SetDefault("weights.scripture_reference_without_emphasis", d.Weights.ScriptureReferenceWithoutEmphasis)

	v.SetDefault("query.decay_factor", d.Query.DecayFactor)
	v.SetDefault("query.epsilon", d.Query.Epsilon)
	v.SetDefault("query.max_search_time", d.Query.MaxSearchTime)
	v.SetDefault("query.max_hops", d.Query.MaxHops)
	v.SetDefault("query.cache_size", d.Query.CacheSize)
	v.SetDefault("query.cache_ttl", d.Query.CacheTTL)

	v.SetDefault("ingest.workers", d.Ingest.Workers)
	v.SetDefault("ingest.batch_size", d.Ingest.BatchSize)
	v.SetDefault("ingest.flush_interval", d.Ingest.FlushInterval)

	v.SetDefault("pool.enabled", d.Pool.Enabled)
	v.SetDefault("pool.max_size", d.Pool.MaxSize)

	v.SetDefault("storage.data_dir", d.Storage.DataDir)
	v.SetDefault("storage.snapshot_file", d.Storage.SnapshotFile)
	v.SetDefault("storage.auto_save_interval", d.Storage.AutoSaveInterval)
	v.SetDefault("storage.save_on_close", d.Storage.SaveOnClose)
	v.SetDefault("storage.names_file", d.Storage.NamesFile)
	v.SetDefault("storage.journal.enabled", d.Storage.Journal.Enabled)
	v.SetDefault("storage.journal.dir", d.Storage.Journal.Dir)
	v.SetDefault("storage.journal.sync_writes", d.Storage.Journal.SyncWrites)
	v.SetDefault("storage.journal.in_memory", d.Storage.Journal.InMemory)
	v.SetDefault("storage.journal.compact_on_save", d.Storage.Journal.CompactOnSave)

	v.SetDefault("logging.mode", d.Logging.Mode)
	v.SetDefault("logging.level", d.Logging.Level)

	v.SetDefault("metrics.addr", d.Metrics.Addr)
}

// Validate checks the configuration for values the engine cannot run with.
func (c *Config) Validate() error {
	if c.Graph.Shards <= 0 {
		return fmt.Errorf("invalid graph shards: %d", c.Graph.Shards)
	}

	for name, w := range c.Weights.byName() {
		if w < 0 {
			return fmt.Errorf("invalid weight for %s: %v", name, w)
		}
	}

	if c.Query.DecayFactor <= 0 || c.Query.DecayFactor >= 1 {
		return fmt.Errorf("query decay factor must be in (0, 1): %v", c.Query.DecayFactor)
	}
	if c.Query.Epsilon <= 0 {
		return fmt.Errorf("query epsilon must be positive: %v", c.Query.Epsilon)
	}
	if c.Query.MaxSearchTime < 0 {
		return fmt.Errorf("invalid query max search time: %s", c.Query.MaxSearchTime)
	}
	if c.Query.MaxHops < 0 {
		return fmt.Errorf("invalid query max hops: %d", c.Query.MaxHops)
	}
	if c.Query.CacheSize < 0 {
		return fmt.Errorf("invalid query cache size: %d", c.Query.CacheSize)
	}
	if c.Query.CacheTTL < 0 {
		return fmt.Errorf("invalid query cache ttl: %s", c.Query.CacheTTL)
	}

	if c.Ingest.Workers <= 0 {
		return fmt.Errorf("invalid ingest workers: %d", c.Ingest.Workers)
	}
	if c.Ingest.BatchSize <= 0 {
		return fmt.Errorf("invalid ingest batch size: %d", c.Ingest.BatchSize)
	}
	if c.Ingest.FlushInterval < 0 {
		return fmt.Errorf("invalid ingest flush interval: %s", c.Ingest.FlushInterval)
	}

	if c.Pool.Enabled && c.Pool.MaxSize <= 0 {
		return fmt.Errorf("invalid pool max size: %d", c.Pool.MaxSize)
	}

	if c.Storage.DataDir == "" {
		return fmt.Errorf("storage data dir is required")
	}
	if c.Storage.SnapshotFile == "" {
		return fmt.Errorf("storage snapshot file is required")
	}
	if c.Storage.AutoSaveInterval < 0 {
		return fmt.Errorf("invalid auto save interval: %s", c.Storage.AutoSaveInterval)
	}

	return nil
}

func (w WeightsConfig) byName() map[string]float32 {
	return map[string]float32{
		"word_association":                     w.WordAssociation,
		"word_designation":                     w.WordDesignation,
		"ngram_association":                    w.NgramAssociation,
		"entity_reference":                     w.EntityReference,
		"book_association":                     w.BookAssociation,
		"paragraph_association":                w.ParagraphAssociation,
		"scripture_reference":                  w.ScriptureReference,
		"scripture_reference_without_emphasis": w.ScriptureReferenceWithoutEmphasis,
	}
}

// String returns a one-line summary safe for logs.
func (c *Config) String() string {
	return fmt.Sprintf("Config{DataDir: %s, Shards: %d, Decay: %.3f, Budget: %s, Journal: %v}",
		c.Storage.DataDir, c.Graph.Shards, c.Query.DecayFactor, c.Query.MaxSearchTime, c.Storage.Journal.Enabled)
}
