package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/relgraph/pkg/graph"
)

func word(name string) graph.NodeID { return graph.NodeID{Type: graph.Word, Name: name} }

func newIngestor(t *testing.T, opts Options) *Ingestor {
	t.Helper()
	in, err := New(graph.NewStore(16), opts)
	require.NoError(t, err)
	return in
}

// corpus builds a deterministic set of overlapping features.
func corpus(n int, seed int64) []Feature {
	rng := rand.New(rand.NewSource(seed))
	types := FeatureTypes()
	out := make([]Feature, n)
	for i := range out {
		out[i] = Feature{
			A:    word(fmt.Sprintf("w%d", rng.Intn(60))),
			B:    word(fmt.Sprintf("w%d", rng.Intn(60))),
			Type: types[rng.Intn(len(types))],
		}
	}
	return out
}

// edgeWeights flattens every edge of s into "a->b" => weight.
func edgeWeights(s *graph.Store) map[string]float32 {
	out := make(map[string]float32)
	for i := 0; i < s.Nodes.Len(); i++ {
		id, _ := s.Nodes.GetID(uint32(i))
		for nb, w := range s.NeighborWeights(id) {
			out[id.String()+"->"+nb.String()] = w
		}
	}
	return out
}

// =============================================================================
// Feature types
// =============================================================================

func TestFeatureType(t *testing.T) {
	t.Run("names_round_trip", func(t *testing.T) {
		for _, ft := range FeatureTypes() {
			parsed, err := ParseFeatureType(ft.String())
			require.NoError(t, err)
			assert.Equal(t, ft, parsed)
		}
		assert.Len(t, FeatureTypes(), 8)
	})

	t.Run("json_form", func(t *testing.T) {
		var f Feature
		err := json.Unmarshal([]byte(`{"a":"Word:faith","b":"ScriptureVerse:bofm|alma|32|21","type":"scripturereference"}`), &f)
		require.NoError(t, err)
		assert.Equal(t, ScriptureReference, f.Type)
		assert.Equal(t, []string{"bofm", "alma", "32", "21"}, f.B.Parts())

		err = json.Unmarshal([]byte(`{"a":"Word:x","b":"Word:y","type":"Gossip"}`), &f)
		assert.ErrorIs(t, err, ErrInvalidFeature)
	})
}

func TestWeights(t *testing.T) {
	require.NoError(t, DefaultWeights().Validate())

	w := DefaultWeights()
	delete(w, EntityReference)
	assert.ErrorContains(t, w.Validate(), "EntityReference")

	w = DefaultWeights()
	w[BookAssociation] = -2
	assert.ErrorContains(t, w.Validate(), "BookAssociation")

	_, err := New(graph.NewStore(4), Options{Weights: w})
	assert.Error(t, err)
	_, err = New(nil, Options{})
	assert.Error(t, err)
}

// =============================================================================
// Ingest
// =============================================================================

func TestIngest(t *testing.T) {
	t.Run("worked_example", func(t *testing.T) {
		in := newIngestor(t, Options{})
		delta := in.Delta(WordAssociation)

		for _, f := range []Feature{
			{A: word("A"), B: word("B"), Type: WordAssociation},
			{A: word("A"), B: word("B"), Type: WordAssociation},
			{A: word("B"), B: word("C"), Type: WordAssociation},
		} {
			_, err := in.Ingest(f)
			require.NoError(t, err)
		}

		s := in.Store()
		w, ok := s.Weight(word("A"), word("B"))
		require.True(t, ok)
		assert.Equal(t, 2*delta, w)
		w, _ = s.Weight(word("B"), word("A"))
		assert.Equal(t, 2*delta, w)
		w, _ = s.Weight(word("C"), word("B"))
		assert.Equal(t, delta, w)
		_, ok = s.Weight(word("A"), word("C"))
		assert.False(t, ok)
	})

	t.Run("references_outweigh_co_occurrence", func(t *testing.T) {
		in := newIngestor(t, Options{})
		_, err := in.Ingest(Feature{A: word("x"), B: word("y"), Type: WordAssociation})
		require.NoError(t, err)
		_, err = in.Ingest(Feature{A: word("x"), B: word("z"), Type: ScriptureReference})
		require.NoError(t, err)

		co, _ := in.Store().Weight(word("x"), word("y"))
		ref, _ := in.Store().Weight(word("x"), word("z"))
		assert.Greater(t, ref, co)
	})

	t.Run("custom_weights", func(t *testing.T) {
		w := DefaultWeights()
		w[EntityReference] = 2.5
		in := newIngestor(t, Options{Weights: w})
		_, err := in.Ingest(Feature{A: word("x"), B: graph.NodeID{Type: graph.Entity, Name: "Moroni"}, Type: EntityReference})
		require.NoError(t, err)

		got, _ := in.Store().Weight(word("x"), graph.NodeID{Type: graph.Entity, Name: "Moroni"})
		assert.Equal(t, float32(2.5), got)
	})

	t.Run("sequence_numbers_increase", func(t *testing.T) {
		in := newIngestor(t, Options{})
		s1, err := in.Ingest(Feature{A: word("a"), B: word("b"), Type: WordAssociation})
		require.NoError(t, err)
		s2, err := in.Ingest(Feature{A: word("a"), B: word("a"), Type: WordAssociation})
		require.NoError(t, err)
		assert.Equal(t, uint64(1), s1)
		assert.Equal(t, uint64(2), s2)
		assert.Equal(t, uint64(2), in.Store().Seq())
	})

	t.Run("malformed_features_rejected_without_side_effects", func(t *testing.T) {
		in := newIngestor(t, Options{})
		bad := []Feature{
			{A: word("a"), B: word("b")},
			{A: word(""), B: word("b"), Type: WordAssociation},
			{A: word("a"), B: graph.NodeID{Name: "b"}, Type: WordAssociation},
			{A: word("a"), B: word("b"), Type: FeatureType(200)},
		}
		for _, f := range bad {
			_, err := in.Ingest(f)
			assert.ErrorIs(t, err, ErrInvalidFeature, f.String())
		}
		assert.Equal(t, 0, in.Store().Nodes.Len())
		assert.Equal(t, uint64(0), in.Store().Seq())
	})

	t.Run("observer_sees_applied_features", func(t *testing.T) {
		var mu sync.Mutex
		var seen []Applied
		in := newIngestor(t, Options{Observer: func(a []Applied) {
			mu.Lock()
			seen = append(seen, a...)
			mu.Unlock()
		}})

		f := Feature{A: word("a"), B: word("b"), Type: WordDesignation}
		_, err := in.Ingest(f)
		require.NoError(t, err)
		_, _ = in.Ingest(Feature{A: word("a")})

		require.Len(t, seen, 1)
		assert.Equal(t, Applied{Seq: 1, Feature: f}, seen[0])
	})
}

// =============================================================================
// Commutativity
// =============================================================================

func TestCommutativity(t *testing.T) {
	features := corpus(3000, 7)

	sequential := newIngestor(t, Options{})
	for _, f := range features {
		_, err := sequential.Ingest(f)
		require.NoError(t, err)
	}
	want := edgeWeights(sequential.Store())

	t.Run("shuffled_order", func(t *testing.T) {
		shuffled := append([]Feature(nil), features...)
		rand.New(rand.NewSource(99)).Shuffle(len(shuffled), func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})
		in := newIngestor(t, Options{})
		for _, f := range shuffled {
			_, err := in.Ingest(f)
			require.NoError(t, err)
		}
		assertWeightsMatch(t, want, edgeWeights(in.Store()))
	})

	t.Run("concurrent_interleaving", func(t *testing.T) {
		in := newIngestor(t, Options{})
		var wg sync.WaitGroup
		const workers = 12
		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				for i := w; i < len(features); i += workers {
					_, _ = in.Ingest(features[i])
				}
			}(w)
		}
		wg.Wait()
		assertWeightsMatch(t, want, edgeWeights(in.Store()))
		assert.Equal(t, uint64(len(features)), in.Store().Seq())
	})

	t.Run("bulk_batches", func(t *testing.T) {
		in := newIngestor(t, Options{Workers: 4, BatchSize: 97})
		stats, err := in.BulkIngest(context.Background(), features)
		require.NoError(t, err)
		assert.Equal(t, Stats{Applied: len(features)}, stats)
		assertWeightsMatch(t, want, edgeWeights(in.Store()))
	})
}

func assertWeightsMatch(t *testing.T, want, got map[string]float32) {
	t.Helper()
	require.Len(t, got, len(want))
	for k, w := range want {
		assert.InDelta(t, w, got[k], 1e-3, k)
	}
}

// =============================================================================
// Batch, bulk and streaming
// =============================================================================

func TestIngestBatch(t *testing.T) {
	t.Run("skips_malformed_and_applies_rest", func(t *testing.T) {
		in := newIngestor(t, Options{})
		stats := in.IngestBatch([]Feature{
			{A: word("a"), B: word("b"), Type: WordAssociation},
			{A: word("a"), B: word(""), Type: WordAssociation},
			{A: word("b"), B: word("a"), Type: WordAssociation},
			{Type: NgramAssociation},
		})
		assert.Equal(t, Stats{Applied: 2, Skipped: 2}, stats)

		w, _ := in.Store().Weight(word("a"), word("b"))
		assert.Equal(t, 2*in.Delta(WordAssociation), w)
	})

	t.Run("empty_batch", func(t *testing.T) {
		in := newIngestor(t, Options{})
		assert.Equal(t, Stats{}, in.IngestBatch(nil))
	})

	t.Run("lock_spans_mixed_with_single_ingest", func(t *testing.T) {
		// Batches much larger than one lock span, racing single-feature
		// ingestion over the same buckets.
		features := corpus(4*lockSpan*10+7, 21)
		want := newIngestor(t, Options{})
		for _, f := range features {
			_, err := want.Ingest(f)
			require.NoError(t, err)
		}

		in := newIngestor(t, Options{})
		half := len(features) / 2
		var wg sync.WaitGroup
		for w := 0; w < 4; w++ {
			wg.Add(2)
			go func(w int) {
				defer wg.Done()
				var chunk []Feature
				for i := w; i < half; i += 4 {
					chunk = append(chunk, features[i])
				}
				in.IngestBatch(chunk)
			}(w)
			go func(w int) {
				defer wg.Done()
				for i := half + w; i < len(features); i += 4 {
					_, _ = in.Ingest(features[i])
				}
			}(w)
		}

		done := make(chan struct{})
		go func() {
			wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			t.Fatal("batch and single ingestion deadlocked")
		}

		assertWeightsMatch(t, edgeWeights(want.Store()), edgeWeights(in.Store()))
		assert.Equal(t, uint64(len(features)), in.Store().Seq())
	})

	t.Run("observer_gets_unique_sequences", func(t *testing.T) {
		var seen []Applied
		in := newIngestor(t, Options{Observer: func(a []Applied) { seen = append(seen, a...) }})
		stats := in.IngestBatch(corpus(200, 3))
		require.Equal(t, 200, stats.Applied)
		require.Len(t, seen, 200)

		seqs := make(map[uint64]bool)
		for _, a := range seen {
			seqs[a.Seq] = true
		}
		assert.Len(t, seqs, 200)
		assert.True(t, seqs[1] && seqs[200])
	})
}

func TestBulkIngest(t *testing.T) {
	t.Run("cancelled_context_stops", func(t *testing.T) {
		in := newIngestor(t, Options{Workers: 2, BatchSize: 10})
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		stats, err := in.BulkIngest(ctx, corpus(1000, 1))
		assert.ErrorIs(t, err, context.Canceled)
		assert.Less(t, stats.Applied, 1000)
	})

	t.Run("malformed_never_aborts", func(t *testing.T) {
		in := newIngestor(t, Options{Workers: 3, BatchSize: 5})
		features := corpus(50, 2)
		features[10].Type = InvalidFeature
		features[33].A = graph.NodeID{}

		stats, err := in.BulkIngest(context.Background(), features)
		require.NoError(t, err)
		assert.Equal(t, Stats{Applied: 48, Skipped: 2}, stats)
	})
}

func TestRun(t *testing.T) {
	t.Run("drains_channel", func(t *testing.T) {
		in := newIngestor(t, Options{Workers: 4, BatchSize: 16})
		features := corpus(1000, 5)

		ch := make(chan Feature)
		go func() {
			defer close(ch)
			for _, f := range features {
				ch <- f
			}
		}()

		stats, err := in.Run(context.Background(), ch)
		require.NoError(t, err)
		assert.Equal(t, 1000, stats.Applied)
		assert.Equal(t, uint64(1000), in.Store().Seq())
	})

	t.Run("cancellation_flushes_buffered", func(t *testing.T) {
		in := newIngestor(t, Options{Workers: 1, BatchSize: 100})
		ch := make(chan Feature, 10)
		for i := 0; i < 10; i++ {
			ch <- Feature{A: word("a"), B: word(fmt.Sprint(i)), Type: WordAssociation}
		}

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		var stats Stats
		var err error
		go func() {
			stats, err = in.Run(ctx, ch)
			close(done)
		}()

		require.Eventually(t, func() bool { return len(ch) == 0 }, time.Second, time.Millisecond)
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("Run did not return after cancel")
		}

		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 10, stats.Applied)
	})

	t.Run("slow_producer_is_flushed_by_interval", func(t *testing.T) {
		in := newIngestor(t, Options{Workers: 2, BatchSize: 1000, FlushInterval: 10 * time.Millisecond})
		ch := make(chan Feature)
		done := make(chan struct{})
		go func() {
			_, _ = in.Run(context.Background(), ch)
			close(done)
		}()

		ch <- Feature{A: word("a"), B: word("b"), Type: WordAssociation}
		// The channel stays open and the buffer far from full.
		require.Eventually(t, func() bool { return in.Store().Seq() == 1 }, 2*time.Second, 5*time.Millisecond)

		close(ch)
		<-done
	})

	t.Run("negative_interval_waits_for_full_buffer", func(t *testing.T) {
		in := newIngestor(t, Options{Workers: 1, BatchSize: 1000, FlushInterval: -1})
		ch := make(chan Feature)
		done := make(chan struct{})
		go func() {
			_, _ = in.Run(context.Background(), ch)
			close(done)
		}()

		ch <- Feature{A: word("a"), B: word("b"), Type: WordAssociation}
		time.Sleep(50 * time.Millisecond)
		assert.Zero(t, in.Store().Seq())

		close(ch)
		<-done
		assert.Equal(t, uint64(1), in.Store().Seq())
	})
}

func TestBatcher(t *testing.T) {
	t.Run("apply_error_stops_run", func(t *testing.T) {
		boom := errors.New("boom")
		b := Batcher{
			Workers:   2,
			BatchSize: 4,
			Apply: func(batch []Feature) (Stats, error) {
				return Stats{Applied: len(batch)}, boom
			},
		}
		ch := make(chan Feature)
		go func() {
			// Workers stop receiving after the error; never block forever.
			for i := 0; i < 100; i++ {
				select {
				case ch <- Feature{A: word("a"), B: word(fmt.Sprint(i)), Type: WordAssociation}:
				case <-time.After(100 * time.Millisecond):
					return
				}
			}
		}()

		stats, err := b.Run(context.Background(), ch)
		assert.ErrorIs(t, err, boom)
		assert.Positive(t, stats.Applied)
	})

	t.Run("batches_never_exceed_size", func(t *testing.T) {
		var mu sync.Mutex
		var sizes []int
		b := Batcher{
			Workers:   3,
			BatchSize: 7,
			Apply: func(batch []Feature) (Stats, error) {
				mu.Lock()
				sizes = append(sizes, len(batch))
				mu.Unlock()
				return Stats{Applied: len(batch)}, nil
			},
		}
		ch := make(chan Feature, 100)
		for _, f := range corpus(100, 4) {
			ch <- f
		}
		close(ch)

		stats, err := b.Run(context.Background(), ch)
		require.NoError(t, err)
		assert.Equal(t, 100, stats.Applied)
		for _, n := range sizes {
			assert.LessOrEqual(t, n, 7)
			assert.Positive(t, n)
		}
	})
}

func TestReplay(t *testing.T) {
	var journal []Applied
	src := newIngestor(t, Options{Observer: func(a []Applied) { journal = append(journal, a...) }})
	src.IngestBatch(corpus(300, 11))
	require.Len(t, journal, 300)

	var replayed []Applied
	dst := newIngestor(t, Options{Observer: func(a []Applied) { replayed = append(replayed, a...) }})
	stats := dst.Replay(append(journal, Applied{Seq: 999, Feature: Feature{A: word("x")}}))

	assert.Equal(t, Stats{Applied: 300, Skipped: 1}, stats)
	assert.Empty(t, replayed, "replay does not feed the observer")
	assert.Equal(t, src.Store().Seq(), dst.Store().Seq())
	assertWeightsMatch(t, edgeWeights(src.Store()), edgeWeights(dst.Store()))
}
