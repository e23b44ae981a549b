// Package relgraph is the embedded API of the association graph engine.
//
// A DB ties the pieces together: the in-memory graph, the ingestor that
// trains it, the spreading-activation engine that queries it, the binary
// snapshot that persists it and the journal it can always be rebuilt from.
//
// Architecture:
//   - Graph: sharded, lock-striped adjacency (pkg/graph, pkg/shardlock)
//   - Ingest: concurrent commutative weight accumulation (pkg/ingest)
//   - Query: bounded-time spreading activation (pkg/activation)
//   - Cache: settled results reused until the graph changes (pkg/cache)
//   - Snapshot: binary file plus YAML manifest (pkg/snapshot)
//   - Journal: BadgerDB feature log keyed by mutation sequence (pkg/journal)
//
// Example Usage:
//
//	cfg, _ := config.Load("relgraph.yaml")
//	db, err := relgraph.Open(cfg, log)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer db.Close()
//
//	db.Ingest(ingest.Feature{
//		A:    graph.NodeID{Type: graph.Word, Name: "faith"},
//		B:    graph.NodeID{Type: graph.Word, Name: "hope"},
//		Type: ingest.WordAssociation,
//	})
//
//	res := db.Query(db.NewRequest(activation.Root{
//		ID:     graph.NodeID{Type: graph.Word, Name: "faith"},
//		Weight: 1,
//	}))
//
// Startup recovery:
//
//  1. Load the snapshot and its manifest, if any.
//  2. Replay journal entries newer than the manifest's sequence.
//  3. If the snapshot is unreadable (or has no manifest while the journal
//     has entries), rebuild from the journal alone.
//  4. If the journal was compacted, it cannot stand in for the snapshot:
//     Open, Restore and Rebuild fail with ErrJournalIncomplete instead of
//     installing a partial graph.
//
// ELI12:
//
// The graph is a notebook of "these two things go together" tallies. The
// journal is the stack of every slip of paper that was ever tallied. The
// snapshot is a photo of the notebook. On startup we look at the photo and
// only re-tally the slips that came after it; if the photo is ruined, we
// re-tally every slip.
//
// Thread Safety:
//
//	All methods are safe for concurrent use. Save, Restore, Rebuild and Close
//	are serialized with each other. Restore and Rebuild also wait for
//	in-flight ingestion to finish and hold new ingestion back until the
//	reloaded graph is installed, so every acknowledged feature is in the
//	journal they replay and no sequence number is handed out twice. Queries
//	never wait on them; ingestion waits on Save only for its brief capture
//	under the global read lock.
package relgraph

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/orneryd/relgraph/pkg/activation"
	"github.com/orneryd/relgraph/pkg/cache"
	"github.com/orneryd/relgraph/pkg/config"
	"github.com/orneryd/relgraph/pkg/graph"
	"github.com/orneryd/relgraph/pkg/ingest"
	"github.com/orneryd/relgraph/pkg/journal"
	"github.com/orneryd/relgraph/pkg/logger"
	"github.com/orneryd/relgraph/pkg/metrics"
	"github.com/orneryd/relgraph/pkg/pool"
	"github.com/orneryd/relgraph/pkg/snapshot"
)

var (
	ErrClosed          = errors.New("relgraph: database closed")
	ErrJournalDisabled = errors.New("relgraph: journal disabled")

	// ErrJournalIncomplete wraps journal.ErrIncomplete when the graph would
	// have to be rebuilt from a journal whose oldest entries were compacted.
	ErrJournalIncomplete = fmt.Errorf("relgraph: %w", journal.ErrIncomplete)
)

// state is one generation of the live graph. Restore and Rebuild swap it
// under DB.swap, so no ingestion straddles two generations.
type state struct {
	store  *graph.Store
	ingest *ingest.Ingestor
	engine *activation.Engine
}

// DB is an open association graph.
type DB struct {
	cfg *config.Config
	log *logger.Logger

	cur     atomic.Pointer[state]
	journal *journal.Journal

	// swap is read-held by every ingestion call for as long as it uses the
	// current state, and write-held by Restore and Rebuild from the moment
	// they read the journal until the new state is installed.
	swap sync.RWMutex

	results  *cache.ResultCache
	snapPath string

	// mu serializes Save, Restore, Rebuild and Close.
	mu       sync.Mutex
	closed   atomic.Bool
	savedSeq atomic.Uint64

	stop chan struct{}
	bgWg sync.WaitGroup
}

// Open opens the graph described by cfg, recovering from the snapshot and
// journal in cfg.Storage. A nil cfg uses config.DefaultConfig; a nil log
// discards logs.
func Open(cfg *config.Config, log *logger.Logger) (*DB, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("relgraph: %w", err)
	}
	log = logger.OrNop(log)
	pool.Configure(pool.PoolConfig{Enabled: cfg.Pool.Enabled, MaxSize: cfg.Pool.MaxSize})

	if err := os.MkdirAll(cfg.Storage.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("relgraph: create data dir: %w", err)
	}

	db := &DB{
		cfg:      cfg,
		log:      log.With("component", "relgraph"),
		snapPath: filepath.Join(cfg.Storage.DataDir, cfg.Storage.SnapshotFile),
		stop:     make(chan struct{}),
	}
	if cfg.Query.CacheSize > 0 {
		db.results = cache.New(cfg.Query.CacheSize, cfg.Query.CacheTTL)
	}

	if jc := cfg.Storage.Journal; jc.Enabled {
		j, err := journal.Open(journal.Options{
			Dir:        filepath.Join(cfg.Storage.DataDir, jc.Dir),
			InMemory:   jc.InMemory,
			SyncWrites: jc.SyncWrites,
			Logger:     log,
		})
		if err != nil {
			return nil, fmt.Errorf("relgraph: %w", err)
		}
		db.journal = j
	}

	st, savedSeq, err := db.loadFromDisk()
	if err != nil {
		if db.journal != nil {
			db.journal.Close()
		}
		return nil, err
	}
	db.cur.Store(st)
	db.savedSeq.Store(savedSeq)
	db.updateGauges()

	stats := st.store.Stats()
	db.log.Info("graph opened",
		"data_dir", cfg.Storage.DataDir,
		"nodes", stats.Nodes,
		"edges", stats.Edges,
		"seq", stats.Seq,
		"journal", db.journal != nil,
	)

	if cfg.Storage.AutoSaveInterval > 0 {
		db.bgWg.Add(1)
		go db.autoSaveLoop(cfg.Storage.AutoSaveInterval)
	}
	return db, nil
}

// newState builds the ingestor and engine for store.
func (db *DB) newState(store *graph.Store) (*state, error) {
	opts := ingest.Options{
		Weights:       weightsFromConfig(db.cfg.Weights),
		Workers:       db.cfg.Ingest.Workers,
		BatchSize:     db.cfg.Ingest.BatchSize,
		FlushInterval: db.flushInterval(),
		Logger:        db.log,
	}
	if db.journal != nil {
		opts.Observer = db.journal.Observer()
	}
	in, err := ingest.New(store, opts)
	if err != nil {
		return nil, fmt.Errorf("relgraph: %w", err)
	}
	engine, err := activation.New(store, activation.Options{
		DecayFactor: db.cfg.Query.DecayFactor,
		Epsilon:     db.cfg.Query.Epsilon,
		Logger:      db.log,
	})
	if err != nil {
		return nil, fmt.Errorf("relgraph: %w", err)
	}
	return &state{store: store, ingest: in, engine: engine}, nil
}

// flushInterval maps the config's "0 disables" onto ingest's negative.
func (db *DB) flushInterval() time.Duration {
	if db.cfg.Ingest.FlushInterval == 0 {
		return -1
	}
	return db.cfg.Ingest.FlushInterval
}

func weightsFromConfig(w config.WeightsConfig) ingest.Weights {
	return ingest.Weights{
		ingest.WordAssociation:                   w.WordAssociation,
		ingest.WordDesignation:                   w.WordDesignation,
		ingest.NgramAssociation:                  w.NgramAssociation,
		ingest.EntityReference:                   w.EntityReference,
		ingest.BookAssociation:                   w.BookAssociation,
		ingest.ParagraphAssociation:              w.ParagraphAssociation,
		ingest.ScriptureReference:                w.ScriptureReference,
		ingest.ScriptureReferenceWithoutEmphasis: w.ScriptureReferenceWithoutEmphasis,
	}
}

// =============================================================================
// Recovery
// =============================================================================

// loadFromDisk loads the snapshot and replays the journal tail. It returns the
// new state and the sequence covered by the snapshot on disk.
func (db *DB) loadFromDisk() (*state, uint64, error) {
	store, m, err := snapshot.LoadFile(db.snapPath, db.cfg.Graph.Shards)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if db.journal == nil || db.journal.CompactedThrough() == 0 {
			db.log.Info("no snapshot found, starting empty", "path", db.snapPath)
		}
		return db.rebuildFromJournal(fmt.Errorf("snapshot missing: %w", err))

	case err != nil:
		if db.journal == nil {
			return nil, 0, fmt.Errorf("relgraph: load snapshot: %w", err)
		}
		db.log.Warn("snapshot unusable, rebuilding from journal", "path", db.snapPath, "error", err)
		return db.rebuildFromJournal(err)

	case m == nil && db.journal != nil && db.journal.LastSeq() > 0:
		// Without a manifest the snapshot's sequence is unknown, so the
		// journal tail cannot be separated from what the snapshot holds.
		db.log.Warn("snapshot has no manifest, rebuilding from journal", "path", db.snapPath)
		return db.rebuildFromJournal(errors.New("snapshot has no manifest"))
	}

	savedSeq := store.Seq()
	if db.journal != nil && savedSeq < db.journal.CompactedThrough() {
		return nil, 0, fmt.Errorf("%w: snapshot at seq %d predates compaction through seq %d",
			ErrJournalIncomplete, savedSeq, db.journal.CompactedThrough())
	}
	st, err := db.newState(store)
	if err != nil {
		return nil, 0, err
	}
	if err := db.replayInto(st, savedSeq); err != nil {
		return nil, 0, err
	}
	return st, savedSeq, nil
}

// rebuildFromJournal trains a fresh graph from the journal alone. cause
// explains why the snapshot could not be used and is wrapped into the error
// when the journal no longer starts at sequence 1.
func (db *DB) rebuildFromJournal(cause error) (*state, uint64, error) {
	if db.journal != nil {
		if through := db.journal.CompactedThrough(); through > 0 {
			return nil, 0, fmt.Errorf("%w: entries through seq %d were compacted: %w",
				ErrJournalIncomplete, through, cause)
		}
	}
	st, err := db.newState(graph.NewStore(db.cfg.Graph.Shards))
	if err != nil {
		return nil, 0, err
	}
	if err := db.replayInto(st, 0); err != nil {
		return nil, 0, err
	}
	return st, 0, nil
}

func (db *DB) replayInto(st *state, after uint64) error {
	if db.journal == nil {
		return nil
	}
	var total ingest.Stats
	start := time.Now()
	last, err := db.journal.Replay(after, func(batch []ingest.Applied) error {
		total.Add(st.ingest.Replay(batch))
		return nil
	})
	if err != nil {
		return fmt.Errorf("relgraph: replay journal: %w", err)
	}
	if total.Applied > 0 || total.Skipped > 0 {
		db.log.Info("journal replayed",
			"after", after,
			"last", last,
			"applied", total.Applied,
			"skipped", total.Skipped,
			"elapsed", time.Since(start),
		)
	}
	return nil
}

// =============================================================================
// Ingestion
// =============================================================================

func (db *DB) live() (*state, error) {
	if db.closed.Load() {
		return nil, ErrClosed
	}
	return db.cur.Load(), nil
}

// acquire read-locks swap and returns the current state. The caller must
// call db.swap.RUnlock once it is done with the state, including on error.
func (db *DB) acquire() (*state, error) {
	db.swap.RLock()
	return db.live()
}

// Ingest applies one feature. See ingest.Ingestor.Ingest.
func (db *DB) Ingest(f ingest.Feature) (uint64, error) {
	st, err := db.acquire()
	defer db.swap.RUnlock()
	if err != nil {
		return 0, err
	}
	return st.ingest.Ingest(f)
}

// IngestBatch applies features, skipping malformed ones.
func (db *DB) IngestBatch(features []ingest.Feature) (ingest.Stats, error) {
	stats, err := db.applyBatch(features)
	db.updateGauges()
	return stats, err
}

func (db *DB) applyBatch(features []ingest.Feature) (ingest.Stats, error) {
	st, err := db.acquire()
	defer db.swap.RUnlock()
	if err != nil {
		return ingest.Stats{}, err
	}
	return st.ingest.IngestBatch(features), nil
}

// BulkIngest applies features with the configured worker fan-out. A
// Restore or Rebuild waits for it to finish.
func (db *DB) BulkIngest(ctx context.Context, features []ingest.Feature) (ingest.Stats, error) {
	st, err := db.acquire()
	if err != nil {
		db.swap.RUnlock()
		return ingest.Stats{}, err
	}
	stats, err := st.ingest.BulkIngest(ctx, features)
	db.swap.RUnlock()
	db.updateGauges()
	return stats, err
}

// Run consumes features from ch until it is closed or ctx is cancelled.
// Each buffered batch is applied to the graph that is live at that moment,
// so a stream may span a Restore or Rebuild. Partial batches are flushed
// after the configured ingest flush interval.
func (db *DB) Run(ctx context.Context, ch <-chan ingest.Feature) (ingest.Stats, error) {
	if db.closed.Load() {
		return ingest.Stats{}, ErrClosed
	}
	b := ingest.Batcher{
		Workers:       db.cfg.Ingest.Workers,
		BatchSize:     db.cfg.Ingest.BatchSize,
		FlushInterval: db.flushInterval(),
		Apply:         db.applyBatch,
	}
	stats, err := b.Run(ctx, ch)
	db.updateGauges()
	return stats, err
}

// =============================================================================
// Queries
// =============================================================================

// NewRequest returns a request for roots using the configured default
// budget and hop bound.
func (db *DB) NewRequest(roots ...activation.Root) activation.Request {
	return activation.Request{
		Roots:         roots,
		MaxSearchTime: db.cfg.Query.MaxSearchTime,
		MaxHops:       db.cfg.Query.MaxHops,
	}
}

// Query runs spreading activation. Settled results are served from the
// result cache until the graph changes. It returns an empty result once the
// DB is closed.
func (db *DB) Query(req activation.Request) *activation.Result {
	st, err := db.live()
	if err != nil {
		return &activation.Result{}
	}
	if db.results == nil || req.MaxSearchTime <= 0 {
		return st.engine.Query(req)
	}

	seq := st.store.Seq()
	if res, ok := db.results.Get(req, st.store, seq); ok {
		return res
	}
	res := st.engine.Query(req)
	db.results.Put(req, st.store, seq, res)
	return res
}

// Store returns the live graph store. It changes after Restore or Rebuild.
func (db *DB) Store() *graph.Store {
	return db.cur.Load().store
}

// =============================================================================
// Persistence
// =============================================================================

// SnapshotPath returns the snapshot file location.
func (db *DB) SnapshotPath() string { return db.snapPath }

// Save writes a snapshot and its manifest. With journal compaction enabled,
// journal entries covered by the snapshot are dropped afterwards.
func (db *DB) Save() (*snapshot.Manifest, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed.Load() {
		return nil, ErrClosed
	}
	return db.saveLocked()
}

func (db *DB) saveLocked() (*snapshot.Manifest, error) {
	start := time.Now()
	m, err := snapshot.SaveFile(db.snapPath, db.cur.Load().store)
	if err != nil {
		return nil, fmt.Errorf("relgraph: save: %w", err)
	}
	db.savedSeq.Store(m.Seq)
	db.updateGauges()
	db.log.Info("snapshot saved",
		"path", db.snapPath,
		"id", m.ID,
		"nodes", m.Nodes,
		"edges", m.Edges,
		"seq", m.Seq,
		"elapsed", time.Since(start),
	)

	if db.journal != nil && db.cfg.Storage.Journal.CompactOnSave {
		if _, err := db.journal.Compact(m.Seq); err != nil {
			db.log.Warn("journal compaction failed", "error", err)
		}
	}
	return m, nil
}

// Restore discards the live graph and reloads it from the snapshot and
// journal on disk. It waits for in-flight ingestion, whose features are in
// the journal by the time it returns, and holds new ingestion until the
// reloaded graph is installed. Without a journal, features ingested since
// the last Save are lost.
func (db *DB) Restore() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed.Load() {
		return ErrClosed
	}
	db.swap.Lock()
	defer db.swap.Unlock()
	st, savedSeq, err := db.loadFromDisk()
	if err != nil {
		return err
	}
	db.install(st, savedSeq)
	return nil
}

// Rebuild discards the live graph and re-trains it from the journal alone.
// It fails with ErrJournalIncomplete, leaving the live graph untouched, once
// the journal has been compacted. Ingestion is held back as in Restore.
func (db *DB) Rebuild() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed.Load() {
		return ErrClosed
	}
	if db.journal == nil {
		return ErrJournalDisabled
	}
	db.swap.Lock()
	defer db.swap.Unlock()
	st, _, err := db.rebuildFromJournal(errors.New("rebuild requested"))
	if err != nil {
		return err
	}
	// Nothing on disk describes the rebuilt graph yet.
	db.install(st, 0)
	return nil
}

func (db *DB) install(st *state, savedSeq uint64) {
	db.cur.Store(st)
	if db.results != nil {
		db.results.Clear()
	}
	db.savedSeq.Store(savedSeq)
	db.updateGauges()
	stats := st.store.Stats()
	db.log.Info("graph installed", "nodes", stats.Nodes, "edges", stats.Edges, "seq", stats.Seq)
}

// dirty reports whether the live graph has changes not in the snapshot.
func (db *DB) dirty() bool {
	return db.cur.Load().store.Seq() != db.savedSeq.Load()
}

func (db *DB) autoSaveLoop(interval time.Duration) {
	defer db.bgWg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-db.stop:
			return
		case <-ticker.C:
			db.updateGauges()
			if !db.dirty() {
				continue
			}
			if _, err := db.Save(); err != nil && !errors.Is(err, ErrClosed) {
				db.log.Error("auto save failed", "error", err)
			}
		}
	}
}

func (db *DB) updateGauges() {
	st := db.cur.Load()
	if st == nil {
		return
	}
	metrics.GraphNodes.Set(float64(st.store.Nodes.Len()))
	metrics.GraphEdges.Set(float64(st.store.Edges.EdgeCount()))
}

// =============================================================================
// Stats and shutdown
// =============================================================================

// Stats summarizes the database.
type Stats struct {
	Graph        graph.Stats    `json:"graph"`
	SavedSeq     uint64         `json:"saved_seq"`
	Dirty        bool           `json:"dirty"`
	SnapshotPath string         `json:"snapshot_path"`
	Journal      *journal.Stats `json:"journal,omitempty"`
	Cache        *cache.Stats   `json:"cache,omitempty"`
}

// Stats returns current statistics.
func (db *DB) Stats() Stats {
	st := db.cur.Load()
	s := Stats{
		Graph:        st.store.Stats(),
		SavedSeq:     db.savedSeq.Load(),
		SnapshotPath: db.snapPath,
	}
	s.Dirty = s.Graph.Seq != s.SavedSeq
	if db.journal != nil {
		js := db.journal.Stats()
		s.Journal = &js
	}
	if db.results != nil {
		cs := db.results.Stats()
		s.Cache = &cs
	}
	return s
}

// Close stops background work, writes a final snapshot when configured and
// the graph changed, and closes the journal. Safe to call more than once.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if !db.closed.CompareAndSwap(false, true) {
		return nil
	}

	close(db.stop)
	// The autosave loop may be blocked on mu inside Save; it observes closed
	// and returns.
	db.mu.Unlock()
	db.bgWg.Wait()
	db.mu.Lock()

	// Ingestion that passed the closed check before it flipped finishes
	// before the journal closes under it.
	db.swap.Lock()
	db.swap.Unlock()

	var errs []error
	if db.cfg.Storage.SaveOnClose && db.dirty() {
		if _, err := db.saveLocked(); err != nil {
			errs = append(errs, err)
		}
	}
	if db.journal != nil {
		if err := db.journal.Close(); err != nil {
			errs = append(errs, fmt.Errorf("journal close: %w", err))
		}
	}
	db.log.Sync()
	return errors.Join(errs...)
}
