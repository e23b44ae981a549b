// Package ingest applies training features to the association graph.
//
// Every feature resolves (or creates) its two endpoint nodes, takes the shard
// lock pair of those nodes in ascending bucket order, adds the feature type's
// weight delta to the edge in both directions and releases the locks. Weight
// addition is commutative, so the final graph does not depend on the order or
// interleaving of calls, and Ingest may be called from any number of
// goroutines.
//
// Example Usage:
//
//	store := graph.NewStore(256)
//	in, err := ingest.New(store, ingest.Options{Weights: ingest.DefaultWeights()})
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	_, err = in.Ingest(ingest.Feature{
//		A:    graph.NodeID{Type: graph.Word, Name: "faith"},
//		B:    graph.NodeID{Type: graph.Word, Name: "hope"},
//		Type: ingest.WordAssociation,
//	})
//
//	// Or stream features from many extractors
//	stats, err := in.Run(ctx, features)
package ingest

import (
	"cmp"
	"context"
	"fmt"
	"runtime"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/orneryd/relgraph/pkg/graph"
	"github.com/orneryd/relgraph/pkg/logger"
	"github.com/orneryd/relgraph/pkg/metrics"
)

// Observer receives features after they have been applied, together with
// their mutation sequence numbers. It is called outside the shard locks and
// may be called concurrently.
type Observer func(applied []Applied)

// Options configures an Ingestor.
type Options struct {
	// Weights maps feature types to deltas. Defaults to DefaultWeights.
	Weights Weights

	// Workers bounds the goroutines used by Run and BulkIngest.
	// Defaults to GOMAXPROCS.
	Workers int

	// BatchSize is how many features a worker groups by shard before taking
	// locks. Defaults to 1024.
	BatchSize int

	// FlushInterval bounds how long Run keeps features buffered while a
	// producer is slow. Defaults to DefaultFlushInterval; negative disables
	// the timer so buffers flush only when full or when the stream ends.
	FlushInterval time.Duration

	// Observer, when set, sees every applied feature.
	Observer Observer

	// Logger receives warnings for skipped features.
	Logger *logger.Logger
}

// DefaultFlushInterval is the FlushInterval used when Options leaves it zero.
const DefaultFlushInterval = 100 * time.Millisecond

// lockSpan is how many sorted features IngestBatch applies under one
// LockBuckets acquisition.
const lockSpan = 64

// Stats counts the outcome of a batch.
type Stats struct {
	Applied int
	Skipped int
}

// Add accumulates o into s.
func (s *Stats) Add(o Stats) {
	s.Applied += o.Applied
	s.Skipped += o.Skipped
}

// Ingestor applies features to a graph.Store. Safe for concurrent use.
type Ingestor struct {
	store     *graph.Store
	deltas    [numFeatureTypes]float32
	workers   int
	batchSize int
	interval  time.Duration
	observer  Observer
	log       *logger.Logger
}

// New creates an Ingestor over store.
func New(store *graph.Store, opts Options) (*Ingestor, error) {
	if store == nil {
		return nil, fmt.Errorf("ingest: nil store")
	}
	if opts.Weights == nil {
		opts.Weights = DefaultWeights()
	}
	if err := opts.Weights.Validate(); err != nil {
		return nil, fmt.Errorf("ingest: %w", err)
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.GOMAXPROCS(0)
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 1024
	}
	if opts.FlushInterval == 0 {
		opts.FlushInterval = DefaultFlushInterval
	}

	in := &Ingestor{
		store:     store,
		workers:   opts.Workers,
		batchSize: opts.BatchSize,
		interval:  opts.FlushInterval,
		observer:  opts.Observer,
		log:       logger.OrNop(opts.Logger).With("component", "ingest"),
	}
	for t, d := range opts.Weights {
		if t.Valid() {
			in.deltas[t] = d
		}
	}
	return in, nil
}

// Store returns the store features are applied to.
func (in *Ingestor) Store() *graph.Store {
	return in.store
}

// Delta returns the weight delta applied for t.
func (in *Ingestor) Delta(t FeatureType) float32 {
	if !t.Valid() {
		return 0
	}
	return in.deltas[t]
}

// Ingest applies a single feature and returns its mutation sequence number.
//
// Returns ErrInvalidFeature (wrapped) for malformed features; nothing is
// created in that case.
func (in *Ingestor) Ingest(f Feature) (uint64, error) {
	if reason := validate(f); reason != "" {
		metrics.FeaturesRejected.WithLabelValues(reason).Inc()
		return 0, fmt.Errorf("%w: %s: %s", ErrInvalidFeature, reason, f)
	}

	s := in.store
	ia := s.Nodes.GetOrCreate(f.A)
	ib := s.Nodes.GetOrCreate(f.B)
	ba := s.Locks.BucketOf(f.A.Hash64())
	bb := s.Locks.BucketOf(f.B.Hash64())

	s.Locks.LockBucketPair(ba, bb)
	err := s.Edges.AddWeight(ia, ib, in.deltas[f.Type])
	var seq uint64
	if err == nil {
		seq = s.NextSeq()
	}
	s.Locks.UnlockBucketPair(ba, bb)

	if err != nil {
		return 0, fmt.Errorf("ingest %s: %w", f, err)
	}

	metrics.FeaturesIngested.WithLabelValues(f.Type.String()).Inc()
	if in.observer != nil {
		in.observer([]Applied{{Seq: seq, Feature: f}})
	}
	return seq, nil
}

// Replay re-applies features that were already applied once under the given
// sequence numbers, typically read back from a journal. The store's sequence
// is advanced to the highest one seen instead of allocating new numbers, and
// the observer is not called.
func (in *Ingestor) Replay(entries []Applied) Stats {
	var stats Stats
	s := in.store
	var maxSeq uint64
	for _, a := range entries {
		f := a.Feature
		if reason := validate(f); reason != "" {
			in.skip(f, reason)
			stats.Skipped++
			continue
		}
		ia := s.Nodes.GetOrCreate(f.A)
		ib := s.Nodes.GetOrCreate(f.B)
		ba := s.Locks.BucketOf(f.A.Hash64())
		bb := s.Locks.BucketOf(f.B.Hash64())

		s.Locks.LockBucketPair(ba, bb)
		err := s.Edges.AddWeight(ia, ib, in.deltas[f.Type])
		s.Locks.UnlockBucketPair(ba, bb)
		if err != nil {
			in.log.Error("replay feature failed", "seq", a.Seq, "feature", f.String(), "error", err)
			stats.Skipped++
			continue
		}
		stats.Applied++
		maxSeq = max(maxSeq, a.Seq)
	}
	s.AdvanceSeq(maxSeq)
	return stats
}

// resolved is a validated feature with its indices and ordered buckets.
type resolved struct {
	f      Feature
	ia, ib uint32
	lo, hi int
}

// IngestBatch applies features sorted by shard pair. Each run of up to
// lockSpan features takes every bucket it touches at once with LockBuckets,
// so a batch pays one lock round trip per span instead of one per feature.
// Malformed features are logged and skipped.
func (in *Ingestor) IngestBatch(features []Feature) Stats {
	var stats Stats
	if len(features) == 0 {
		return stats
	}

	s := in.store
	batch := make([]resolved, 0, len(features))
	for _, f := range features {
		if reason := validate(f); reason != "" {
			in.skip(f, reason)
			stats.Skipped++
			continue
		}
		lo := s.Locks.BucketOf(f.A.Hash64())
		hi := s.Locks.BucketOf(f.B.Hash64())
		if lo > hi {
			lo, hi = hi, lo
		}
		batch = append(batch, resolved{
			f:  f,
			ia: s.Nodes.GetOrCreate(f.A),
			ib: s.Nodes.GetOrCreate(f.B),
			lo: lo,
			hi: hi,
		})
	}

	slices.SortStableFunc(batch, func(x, y resolved) int {
		if c := cmp.Compare(x.lo, y.lo); c != 0 {
			return c
		}
		return cmp.Compare(x.hi, y.hi)
	})

	var counts [numFeatureTypes]int
	applied := make([]Applied, 0, len(batch))
	buckets := make([]int, 0, 2*lockSpan)
	for start := 0; start < len(batch); start += lockSpan {
		span := batch[start:min(start+lockSpan, len(batch))]
		buckets = buckets[:0]
		for _, r := range span {
			buckets = append(buckets, r.lo, r.hi)
		}

		held := s.Locks.LockBuckets(buckets)
		for _, r := range span {
			if err := s.Edges.AddWeight(r.ia, r.ib, in.deltas[r.f.Type]); err != nil {
				// Indices come straight from GetOrCreate and deltas are
				// validated, so this only fires on a broken invariant.
				in.log.Error("apply feature failed", "feature", r.f.String(), "error", err)
				stats.Skipped++
				continue
			}
			applied = append(applied, Applied{Seq: s.NextSeq(), Feature: r.f})
			counts[r.f.Type]++
		}
		s.Locks.UnlockBuckets(held)
	}

	stats.Applied = len(applied)
	for t, n := range counts {
		if n > 0 {
			metrics.FeaturesIngested.WithLabelValues(FeatureType(t).String()).Add(float64(n))
		}
	}
	if in.observer != nil && len(applied) > 0 {
		in.observer(applied)
	}
	return stats
}

func (in *Ingestor) skip(f Feature, reason string) {
	metrics.FeaturesRejected.WithLabelValues(reason).Inc()
	in.log.Warn("skipping malformed feature",
		"reason", reason,
		"type", f.Type.String(),
		"a", f.A.String(),
		"b", f.B.String(),
	)
}

// BulkIngest applies features using up to Workers goroutines, one batch per
// goroutine at a time. It stops early only when ctx is cancelled; malformed
// features never abort the load.
func (in *Ingestor) BulkIngest(ctx context.Context, features []Feature) (Stats, error) {
	var (
		mu    sync.Mutex
		total Stats
	)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(in.workers)

	for start := 0; start < len(features); start += in.batchSize {
		if err := ctx.Err(); err != nil {
			break
		}
		chunk := features[start:min(start+in.batchSize, len(features))]
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			st := in.IngestBatch(chunk)
			mu.Lock()
			total.Add(st)
			mu.Unlock()
			return nil
		})
	}

	err := g.Wait()
	if err == nil {
		err = ctx.Err()
	}
	return total, err
}

// Run consumes features from ch with Workers goroutines until ch is closed or
// ctx is cancelled. Each worker buffers up to BatchSize features and applies
// them with IngestBatch. See Batcher for when buffers are flushed.
func (in *Ingestor) Run(ctx context.Context, ch <-chan Feature) (Stats, error) {
	b := Batcher{
		Workers:       in.workers,
		BatchSize:     in.batchSize,
		FlushInterval: in.interval,
		Apply: func(batch []Feature) (Stats, error) {
			return in.IngestBatch(batch), nil
		},
	}
	return b.Run(ctx, ch)
}

// =============================================================================
// Batcher
// =============================================================================

// Batcher drains a feature stream with a fixed pool of workers, each
// buffering features and handing them to Apply in batches.
//
// A worker flushes its buffer when it holds BatchSize features, when
// FlushInterval passes with features pending, when the stream is closed and
// when ctx is cancelled. Features are never held longer than FlushInterval
// (plus the time of one Apply) after they were received.
type Batcher struct {
	// Workers is the number of draining goroutines. Defaults to GOMAXPROCS.
	Workers int

	// BatchSize caps a worker's buffer. Defaults to 1024.
	BatchSize int

	// FlushInterval is the longest a partial buffer waits. Zero or negative
	// disables the timer.
	FlushInterval time.Duration

	// Apply is called with each flushed buffer; the slice is reused after
	// it returns. An error stops the worker and cancels the rest.
	Apply func(batch []Feature) (Stats, error)
}

// Run drains ch until it is closed or ctx is cancelled and returns the
// summed Stats of every Apply call.
func (b Batcher) Run(ctx context.Context, ch <-chan Feature) (Stats, error) {
	workers := b.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	size := b.BatchSize
	if size <= 0 {
		size = 1024
	}

	var (
		mu    sync.Mutex
		total Stats
	)
	flush := func(buf []Feature) ([]Feature, error) {
		if len(buf) == 0 {
			return buf, nil
		}
		st, err := b.Apply(buf)
		mu.Lock()
		total.Add(st)
		mu.Unlock()
		return buf[:0], err
	}

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			var tick <-chan time.Time
			if b.FlushInterval > 0 {
				ticker := time.NewTicker(b.FlushInterval)
				defer ticker.Stop()
				tick = ticker.C
			}

			buf := make([]Feature, 0, size)
			var err error
			for {
				select {
				case <-gctx.Done():
					if _, err := flush(buf); err != nil {
						return err
					}
					return gctx.Err()
				case <-tick:
					if buf, err = flush(buf); err != nil {
						return err
					}
				case f, ok := <-ch:
					if !ok {
						_, err := flush(buf)
						return err
					}
					buf = append(buf, f)
					if len(buf) >= size {
						if buf, err = flush(buf); err != nil {
							return err
						}
					}
				}
			}
		})
	}

	err := g.Wait()
	return total, err
}
