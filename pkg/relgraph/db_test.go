package relgraph

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/relgraph/pkg/activation"
	"github.com/orneryd/relgraph/pkg/config"
	"github.com/orneryd/relgraph/pkg/graph"
	"github.com/orneryd/relgraph/pkg/ingest"
	"github.com/orneryd/relgraph/pkg/journal"
	"github.com/orneryd/relgraph/pkg/pool"
	"github.com/orneryd/relgraph/pkg/snapshot"
)

func word(name string) graph.NodeID { return graph.NodeID{Type: graph.Word, Name: name} }

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Graph.Shards = 16
	cfg.Storage.DataDir = t.TempDir()
	cfg.Storage.AutoSaveInterval = 0
	cfg.Ingest.Workers = 4
	cfg.Ingest.BatchSize = 64
	return cfg
}

func mustOpen(t *testing.T, cfg *config.Config) *DB {
	t.Helper()
	db, err := Open(cfg, nil)
	require.NoError(t, err)
	return db
}

func features(n int, seed int64) []ingest.Feature {
	rng := rand.New(rand.NewSource(seed))
	types := ingest.FeatureTypes()
	out := make([]ingest.Feature, n)
	for i := range out {
		out[i] = ingest.Feature{
			A:    word(fmt.Sprintf("w%d", rng.Intn(40))),
			B:    graph.NodeID{Type: graph.Entity, Name: fmt.Sprintf("e%d", rng.Intn(20))},
			Type: types[rng.Intn(len(types))],
		}
	}
	return out
}

// weights flattens every edge of s.
func weights(s *graph.Store) map[string]float32 {
	out := make(map[string]float32)
	for i := 0; i < s.Nodes.Len(); i++ {
		id, _ := s.Nodes.GetID(uint32(i))
		for nb, w := range s.NeighborWeights(id) {
			out[id.String()+"->"+nb.String()] = w
		}
	}
	return out
}

func TestOpenEmpty(t *testing.T) {
	db := mustOpen(t, testConfig(t))
	defer db.Close()

	stats := db.Stats()
	assert.Zero(t, stats.Graph.Nodes)
	assert.False(t, stats.Dirty)
	require.NotNil(t, stats.Journal)

	res := db.Query(db.NewRequest(activation.Root{ID: word("anything"), Weight: 1}))
	assert.Empty(t, res.Activations)
}

func TestOpenInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Query.DecayFactor = 2
	_, err := Open(cfg, nil)
	assert.ErrorContains(t, err, "decay factor")
}

func TestWorkedExampleThroughDB(t *testing.T) {
	cfg := testConfig(t)
	cfg.Query.MaxHops = 1
	db := mustOpen(t, cfg)
	defer db.Close()

	A, B, C := word("A"), word("B"), word("C")
	for _, f := range []ingest.Feature{
		{A: A, B: B, Type: ingest.WordAssociation},
		{A: A, B: B, Type: ingest.WordAssociation},
		{A: B, B: C, Type: ingest.WordAssociation},
	} {
		_, err := db.Ingest(f)
		require.NoError(t, err)
	}

	req := db.NewRequest(activation.Root{ID: A, Weight: 1})
	assert.Equal(t, cfg.Query.MaxSearchTime, req.MaxSearchTime)
	res := db.Query(req)
	require.Len(t, res.Activations, 2)
	assert.Equal(t, B, res.Activations[0].ID)
	assert.InDelta(t, 2*float64(cfg.Weights.WordAssociation), res.Activations[0].Score, 1e-9)
}

func TestReopen(t *testing.T) {
	t.Run("save_on_close", func(t *testing.T) {
		cfg := testConfig(t)
		db := mustOpen(t, cfg)
		stats, err := db.BulkIngest(context.Background(), features(2000, 1))
		require.NoError(t, err)
		require.Equal(t, 2000, stats.Applied)
		want := weights(db.Store())
		require.NoError(t, db.Close())

		assert.FileExists(t, db.SnapshotPath())
		assert.FileExists(t, snapshot.ManifestPath(db.SnapshotPath()))

		db2 := mustOpen(t, cfg)
		defer db2.Close()
		assert.Equal(t, want, weights(db2.Store()))
		assert.Equal(t, uint64(2000), db2.Stats().Graph.Seq)
		assert.False(t, db2.Stats().Dirty)
	})

	t.Run("journal_tail_after_snapshot", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Storage.SaveOnClose = false
		db := mustOpen(t, cfg)

		_, err := db.IngestBatch(features(500, 2))
		require.NoError(t, err)
		m, err := db.Save()
		require.NoError(t, err)
		assert.Equal(t, uint64(500), m.Seq)

		_, err = db.IngestBatch(features(300, 3))
		require.NoError(t, err)
		want := weights(db.Store())
		require.True(t, db.Stats().Dirty)
		require.NoError(t, db.Close())

		db2 := mustOpen(t, cfg)
		defer db2.Close()
		assert.Equal(t, want, weights(db2.Store()), "tail replayed exactly once")
		assert.Equal(t, uint64(800), db2.Stats().Graph.Seq)
		assert.Equal(t, uint64(500), db2.Stats().SavedSeq)
	})

	t.Run("corrupt_snapshot_rebuilds_from_journal", func(t *testing.T) {
		cfg := testConfig(t)
		db := mustOpen(t, cfg)
		_, err := db.IngestBatch(features(400, 4))
		require.NoError(t, err)
		want := weights(db.Store())
		require.NoError(t, db.Close())

		require.NoError(t, os.WriteFile(db.SnapshotPath(), []byte("garbage"), 0644))

		db2 := mustOpen(t, cfg)
		defer db2.Close()
		assert.Equal(t, want, weights(db2.Store()))
		assert.Equal(t, uint64(400), db2.Stats().Graph.Seq)
	})

	t.Run("corrupt_snapshot_without_journal_fails", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Storage.Journal.Enabled = false
		db := mustOpen(t, cfg)
		_, err := db.IngestBatch(features(50, 5))
		require.NoError(t, err)
		require.NoError(t, db.Close())

		data, err := os.ReadFile(db.SnapshotPath())
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(db.SnapshotPath(), data[:len(data)/2], 0644))
		require.NoError(t, os.Remove(snapshot.ManifestPath(db.SnapshotPath())))

		_, err = Open(cfg, nil)
		var fe *snapshot.FormatError
		assert.True(t, errors.As(err, &fe), "got %v", err)
		assert.ErrorIs(t, err, snapshot.ErrTruncated)
	})

	t.Run("compact_on_save", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Storage.Journal.CompactOnSave = true
		db := mustOpen(t, cfg)
		_, err := db.IngestBatch(features(100, 6))
		require.NoError(t, err)
		_, err = db.Save()
		require.NoError(t, err)

		n, err := db.journal.Count()
		require.NoError(t, err)
		assert.Zero(t, n)

		_, err = db.IngestBatch(features(10, 7))
		require.NoError(t, err)
		want := weights(db.Store())
		require.NoError(t, db.Close())

		db2 := mustOpen(t, cfg)
		defer db2.Close()
		assert.Equal(t, want, weights(db2.Store()))
	})

	t.Run("compacted_journal_cannot_replace_snapshot", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Storage.SaveOnClose = false
		cfg.Storage.Journal.CompactOnSave = true
		db := mustOpen(t, cfg)
		_, err := db.IngestBatch(features(214, 12))
		require.NoError(t, err)
		_, err = db.Save()
		require.NoError(t, err)
		_, err = db.IngestBatch(features(20, 13))
		require.NoError(t, err)
		want := weights(db.Store())
		require.NoError(t, db.Close())

		good, err := os.ReadFile(db.SnapshotPath())
		require.NoError(t, err)

		// A damaged snapshot must not be silently replaced by the 20
		// entries the journal still holds.
		require.NoError(t, os.WriteFile(db.SnapshotPath(), good[:len(good)/2], 0644))
		_, err = Open(cfg, nil)
		require.ErrorIs(t, err, ErrJournalIncomplete)
		assert.ErrorIs(t, err, journal.ErrIncomplete)
		var fe *snapshot.FormatError
		assert.True(t, errors.As(err, &fe), "snapshot cause is kept: %v", err)

		require.NoError(t, os.Remove(db.SnapshotPath()))
		_, err = Open(cfg, nil)
		require.ErrorIs(t, err, ErrJournalIncomplete)
		assert.ErrorIs(t, err, os.ErrNotExist)

		// Putting the snapshot back recovers everything, including the tail.
		require.NoError(t, os.WriteFile(db.SnapshotPath(), good, 0644))
		db2 := mustOpen(t, cfg)
		defer db2.Close()
		assert.Equal(t, want, weights(db2.Store()))
		assert.Equal(t, uint64(234), db2.Stats().Graph.Seq)
		assert.Equal(t, uint64(214), db2.Stats().Journal.CompactedThrough)
	})

	t.Run("snapshot_older_than_compaction_fails", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Storage.SaveOnClose = false
		db := mustOpen(t, cfg)
		_, err := db.IngestBatch(features(50, 14))
		require.NoError(t, err)
		_, err = db.Save()
		require.NoError(t, err)
		old, err := os.ReadFile(db.SnapshotPath())
		require.NoError(t, err)
		oldManifest, err := os.ReadFile(snapshot.ManifestPath(db.SnapshotPath()))
		require.NoError(t, err)

		_, err = db.IngestBatch(features(50, 15))
		require.NoError(t, err)
		m, err := db.Save()
		require.NoError(t, err)
		_, err = db.journal.Compact(m.Seq)
		require.NoError(t, err)
		require.NoError(t, db.Close())

		// Entries 51..100 exist only in the newer snapshot.
		require.NoError(t, os.WriteFile(db.SnapshotPath(), old, 0644))
		require.NoError(t, os.WriteFile(snapshot.ManifestPath(db.SnapshotPath()), oldManifest, 0644))
		_, err = Open(cfg, nil)
		assert.ErrorIs(t, err, ErrJournalIncomplete)
	})
}

func TestRestoreAndRebuild(t *testing.T) {
	t.Run("restore_drops_unsaved_without_journal", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Storage.Journal.Enabled = false
		db := mustOpen(t, cfg)
		defer db.Close()

		_, err := db.IngestBatch(features(100, 8))
		require.NoError(t, err)
		_, err = db.Save()
		require.NoError(t, err)
		saved := weights(db.Store())

		_, err = db.Ingest(ingest.Feature{A: word("late"), B: word("entry"), Type: ingest.WordAssociation})
		require.NoError(t, err)

		require.NoError(t, db.Restore())
		assert.Equal(t, saved, weights(db.Store()))
		assert.False(t, db.Stats().Dirty)

		assert.ErrorIs(t, db.Rebuild(), ErrJournalDisabled)
	})

	t.Run("rebuild_from_journal", func(t *testing.T) {
		cfg := testConfig(t)
		db := mustOpen(t, cfg)
		defer db.Close()

		_, err := db.IngestBatch(features(300, 9))
		require.NoError(t, err)
		want := weights(db.Store())
		before := db.Store()

		require.NoError(t, db.Rebuild())
		assert.NotSame(t, before, db.Store())
		assert.Equal(t, want, weights(db.Store()))
		assert.True(t, db.Stats().Dirty)

		// The rebuilt graph keeps journaling.
		seq, err := db.Ingest(ingest.Feature{A: word("x"), B: word("y"), Type: ingest.WordAssociation})
		require.NoError(t, err)
		assert.Equal(t, uint64(301), seq)
	})

	t.Run("rebuild_after_compaction_keeps_graph", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Storage.Journal.CompactOnSave = true
		db := mustOpen(t, cfg)
		defer db.Close()

		_, err := db.IngestBatch(features(196, 16))
		require.NoError(t, err)
		_, err = db.Save()
		require.NoError(t, err)
		_, err = db.IngestBatch(features(4, 17))
		require.NoError(t, err)
		want := weights(db.Store())
		before := db.Store()

		err = db.Rebuild()
		require.ErrorIs(t, err, ErrJournalIncomplete)
		assert.Same(t, before, db.Store())
		assert.Equal(t, want, weights(db.Store()))
		assert.Equal(t, uint64(200), db.Stats().Graph.Seq)

		// Restore still works: snapshot plus the uncompacted tail.
		require.NoError(t, db.Restore())
		assert.Equal(t, want, weights(db.Store()))
		assert.Equal(t, uint64(196), db.Stats().SavedSeq)
	})

	t.Run("swap_during_ingestion_loses_nothing", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Ingest.FlushInterval = 5 * time.Millisecond
		db := mustOpen(t, cfg)
		defer db.Close()
		_, err := db.Save()
		require.NoError(t, err)

		const writers, perWriter, streamed = 4, 300, 500
		ctx := context.Background()
		ch := make(chan ingest.Feature)
		runDone := make(chan ingest.Stats, 1)
		go func() {
			stats, err := db.Run(ctx, ch)
			assert.NoError(t, err)
			runDone <- stats
		}()

		var wg sync.WaitGroup
		for w := 0; w < writers; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				for _, f := range features(perWriter, int64(200+w)) {
					_, err := db.Ingest(f)
					assert.NoError(t, err)
				}
			}(w)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, f := range features(streamed, 300) {
				ch <- f
			}
			close(ch)
		}()

		swapsDone := make(chan struct{})
		go func() {
			defer close(swapsDone)
			for i := 0; i < 20; i++ {
				if i%2 == 0 {
					assert.NoError(t, db.Rebuild())
				} else {
					assert.NoError(t, db.Restore())
				}
			}
		}()

		wg.Wait()
		<-swapsDone
		stats := <-runDone
		require.Equal(t, streamed, stats.Applied)

		const total = writers*perWriter + streamed
		assert.Equal(t, uint64(total), db.Stats().Graph.Seq)
		assert.Equal(t, uint64(total), db.journal.LastSeq())
		n, err := db.journal.Count()
		require.NoError(t, err)
		assert.Equal(t, total, n, "every sequence number was journaled exactly once")

		live := weights(db.Store())
		require.NoError(t, db.Rebuild())
		assert.Equal(t, live, weights(db.Store()))
	})
}

func TestAutoSave(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.AutoSaveInterval = 20 * time.Millisecond
	db := mustOpen(t, cfg)
	defer db.Close()

	_, err := db.IngestBatch(features(50, 10))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return !db.Stats().Dirty
	}, 5*time.Second, 10*time.Millisecond)
	assert.FileExists(t, db.SnapshotPath())
}

func TestClosed(t *testing.T) {
	db := mustOpen(t, testConfig(t))
	require.NoError(t, db.Close())
	require.NoError(t, db.Close())

	_, err := db.Ingest(ingest.Feature{A: word("a"), B: word("b"), Type: ingest.WordAssociation})
	assert.ErrorIs(t, err, ErrClosed)
	_, err = db.Save()
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, db.Restore(), ErrClosed)
	assert.Empty(t, db.Query(db.NewRequest(activation.Root{ID: word("a"), Weight: 1})).Activations)
}

func TestConcurrentUse(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Journal.InMemory = true
	db := mustOpen(t, cfg)
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := make(chan ingest.Feature)
	runDone := make(chan ingest.Stats, 1)
	go func() {
		stats, _ := db.Run(ctx, ch)
		runDone <- stats
	}()

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for _, f := range features(500, int64(100+w)) {
				ch <- f
			}
		}(w)
	}

	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			db.Query(activation.Request{
				Roots:         []activation.Root{{ID: word("w1"), Weight: 1}},
				MaxSearchTime: 2 * time.Millisecond,
			})
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 5; i++ {
			_, err := db.Save()
			assert.NoError(t, err)
		}
	}()

	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(60 * time.Second):
		t.Fatal("deadlock between ingestion, queries and saves")
	}

	close(ch)
	stats := <-runDone
	assert.Equal(t, 2000, stats.Applied)
	assert.Equal(t, uint64(2000), db.Stats().Graph.Seq)
	assert.Equal(t, uint64(2000), db.Stats().Journal.Appended)
}

func TestRunFlushesSlowProducer(t *testing.T) {
	cfg := testConfig(t)
	cfg.Ingest.FlushInterval = 10 * time.Millisecond
	db := mustOpen(t, cfg)
	defer db.Close()

	ch := make(chan ingest.Feature)
	done := make(chan struct{})
	go func() {
		_, _ = db.Run(context.Background(), ch)
		close(done)
	}()

	ch <- ingest.Feature{A: word("a"), B: word("b"), Type: ingest.WordAssociation}
	require.Eventually(t, func() bool {
		_, ok := db.Store().Weight(word("a"), word("b"))
		return ok
	}, 2*time.Second, 5*time.Millisecond, "a lone feature stays buffered while the stream is open")

	close(ch)
	<-done
}

func TestOpenConfiguresPool(t *testing.T) {
	defer pool.Configure(pool.Config())

	cfg := testConfig(t)
	cfg.Pool = config.PoolConfig{Enabled: false}
	db := mustOpen(t, cfg)
	assert.False(t, pool.IsEnabled())

	// Encoding paths keep working without pooling.
	_, err := db.IngestBatch(features(100, 18))
	require.NoError(t, err)
	want := weights(db.Store())
	require.NoError(t, db.Close())

	cfg.Pool = config.PoolConfig{Enabled: true, MaxSize: 128}
	db2 := mustOpen(t, cfg)
	defer db2.Close()
	assert.Equal(t, pool.PoolConfig{Enabled: true, MaxSize: 128}, pool.Config())
	assert.Equal(t, want, weights(db2.Store()))
}

func TestQueryCache(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Journal.InMemory = true
	db := mustOpen(t, cfg)
	defer db.Close()

	_, err := db.IngestBatch(features(200, 11))
	require.NoError(t, err)

	req := db.NewRequest(activation.Root{ID: word("w1"), Weight: 1})
	req.MaxSearchTime = time.Minute
	first := db.Query(req)
	require.False(t, first.Truncated)
	assert.False(t, first.Cached)

	second := db.Query(req)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Activations, second.Activations)

	_, err = db.Ingest(ingest.Feature{A: word("w1"), B: word("fresh"), Type: ingest.WordAssociation})
	require.NoError(t, err)
	third := db.Query(req)
	assert.False(t, third.Cached, "ingestion invalidates cached results")
	assert.NotEqual(t, -1, indexOf(third.Activations, word("fresh")))

	require.NoError(t, db.Rebuild())
	assert.False(t, db.Query(req).Cached, "rebuild installs a new graph")

	stats := db.Stats()
	require.NotNil(t, stats.Cache)
	assert.Equal(t, uint64(1), stats.Cache.Hits)

	t.Run("disabled", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Query.CacheSize = 0
		db := mustOpen(t, cfg)
		defer db.Close()
		req := db.NewRequest(activation.Root{ID: word("w1"), Weight: 1})
		db.Query(req)
		assert.False(t, db.Query(req).Cached)
		assert.Nil(t, db.Stats().Cache)
	})
}

func indexOf(acts []activation.Activation, id graph.NodeID) int {
	for i, a := range acts {
		if a.ID == id {
			return i
		}
	}
	return -1
}
