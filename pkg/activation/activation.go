// Package activation answers "what is related to X" queries by spreading
// activation over the association graph.
//
// A query seeds a sparse score map with its root weights and expands in
// rounds. In each round every frontier node pushes
//
//	incoming * edgeWeight * decay^hop
//
// to each of its neighbors, where incoming is the amount the node gained in
// the previous round and hop counts rounds from 0. The incoming amount
// already carries the attenuation of earlier rounds, so the factors compound:
// a path of h edges contributes the product of its weights times
// decay^(0+1+...+(h-1)) = decay^(h(h-1)/2). With the default decay of 0.5 a
// two-hop path is halved and a three-hop path is divided by eight.
//
// The attenuation grows faster than any geometric series, so propagation
// stops on its own even when edge weights exceed 1/decay, which a plain
// decay^h per path would not guarantee on a heavily reinforced cycle. A
// neighbor joins the next frontier only when its gain in the round exceeds
// Epsilon; the wall clock budget, checked before every round, only decides
// how much of that work is done.
//
// Example Usage:
//
//	engine, err := activation.New(store, activation.Options{DecayFactor: 0.5})
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	res := engine.Query(activation.Request{
//		Roots:         []activation.Root{{ID: graph.NodeID{Type: graph.Word, Name: "faith"}, Weight: 1}},
//		MaxSearchTime: 50 * time.Millisecond,
//	})
//	for _, a := range activation.Top(activation.FilterTypes(res.Activations, graph.Word), 10) {
//		fmt.Println(a.ID, a.Score)
//	}
//
// ELI12:
//
// Drop dye into a few cups (the roots) that are joined by pipes. Each round
// the dye that just arrived in a cup flows into its neighbors, more through
// fat pipes (heavy edges), and a bit fades every round. When the new dye in a
// cup is too faint to notice, that cup stops passing it on. The darkest cups
// at the end are the most related.
package activation

import (
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/orneryd/relgraph/pkg/graph"
	"github.com/orneryd/relgraph/pkg/logger"
	"github.com/orneryd/relgraph/pkg/metrics"
	"github.com/orneryd/relgraph/pkg/pool"
)

// Defaults used when Options leaves a field zero.
const (
	DefaultDecayFactor = 0.5
	DefaultEpsilon     = 1e-6
)

// Options configures an Engine.
type Options struct {
	// DecayFactor is the per-hop attenuation, in (0, 1).
	DecayFactor float64

	// Epsilon is the minimum per-round gain that keeps a node propagating.
	Epsilon float64

	Logger *logger.Logger
}

// Root is one query seed.
type Root struct {
	ID     graph.NodeID
	Weight float64
}

// Request describes a query.
type Request struct {
	// Roots seed the activation. Duplicate ids are summed; ids not in the
	// graph are dropped.
	Roots []Root

	// MaxSearchTime is the wall-clock budget. Zero returns the resolved roots
	// without expanding.
	MaxSearchTime time.Duration

	// MaxHops bounds the number of expansion rounds. Zero or negative means
	// unbounded.
	MaxHops int
}

// Activation is one ranked result.
type Activation struct {
	ID    graph.NodeID `json:"id"`
	Score float64      `json:"score"`
}

// Result is the outcome of a query.
type Result struct {
	// Activations holds every activated node, roots included, sorted by
	// descending score with ties broken by graph.Compare.
	Activations []Activation

	// Rounds is the number of expansion rounds completed.
	Rounds int

	// Truncated is set when the budget ran out before propagation settled.
	Truncated bool

	// Cached is set when the result was served from a result cache instead
	// of being propagated again.
	Cached bool

	Elapsed time.Duration
}

// Engine runs queries against a graph.Store. Safe for concurrent use, and
// safe to use while the store is being ingested into.
type Engine struct {
	store   *graph.Store
	decay   float64
	epsilon float64
	log     *logger.Logger
}

// New creates an Engine over store.
func New(store *graph.Store, opts Options) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("activation: nil store")
	}
	if opts.DecayFactor == 0 {
		opts.DecayFactor = DefaultDecayFactor
	}
	if opts.Epsilon == 0 {
		opts.Epsilon = DefaultEpsilon
	}
	if !(opts.DecayFactor > 0 && opts.DecayFactor < 1) {
		return nil, fmt.Errorf("activation: decay factor must be in (0, 1), got %v", opts.DecayFactor)
	}
	if !(opts.Epsilon > 0) || math.IsInf(opts.Epsilon, 0) {
		return nil, fmt.Errorf("activation: epsilon must be positive, got %v", opts.Epsilon)
	}
	return &Engine{
		store:   store,
		decay:   opts.DecayFactor,
		epsilon: opts.Epsilon,
		log:     logger.OrNop(opts.Logger).With("component", "activation"),
	}, nil
}

// DecayFactor returns the configured per-hop attenuation.
func (e *Engine) DecayFactor() float64 { return e.decay }

// Query runs spreading activation for req. It never fails: unknown roots
// contribute nothing and an exhausted budget returns the scores accumulated
// so far with Truncated set.
func (e *Engine) Query(req Request) *Result {
	start := time.Now()
	res := &Result{}
	defer func() {
		res.Elapsed = time.Since(start)
		metrics.QueryDuration.Observe(res.Elapsed.Seconds())
		if res.Truncated {
			metrics.QueriesTruncated.Inc()
		}
	}()

	scores := pool.GetScoreMap()
	defer pool.PutScoreMap(scores)

	for _, r := range req.Roots {
		idx, ok := e.store.Nodes.TryGetIndex(r.ID)
		if !ok {
			continue
		}
		scores[idx] += r.Weight
	}
	if len(scores) == 0 {
		return res
	}

	// The roots' first expansion pushes their full seed weight.
	gains := pool.GetScoreMap()
	defer func() { pool.PutScoreMap(gains) }()
	for idx, w := range scores {
		gains[idx] = w
	}

	frontier := pool.GetIndexSlice()
	defer func() { pool.PutIndexSlice(frontier) }()
	next := pool.GetScoreMap()
	defer func() { pool.PutScoreMap(next) }()
	neighbors := pool.GetNeighborSlice()
	defer func() { pool.PutNeighborSlice(neighbors) }()

	frontier = e.collectFrontier(frontier[:0], gains, true)
	// decay^round; applied on top of gains that carry earlier rounds' decay.
	hopDecay := 1.0

	for len(frontier) > 0 {
		if req.MaxHops > 0 && res.Rounds >= req.MaxHops {
			break
		}
		if req.MaxSearchTime <= 0 || time.Since(start) >= req.MaxSearchTime {
			res.Truncated = true
			break
		}

		clear(next)
		for _, idx := range frontier {
			incoming := gains[idx] * hopDecay
			neighbors = e.store.Neighbors(idx, neighbors[:0])
			for _, nb := range neighbors {
				c := incoming * float64(nb.Weight)
				if c == 0 {
					continue
				}
				scores[nb.Index] += c
				next[nb.Index] += c
			}
		}

		res.Rounds++
		hopDecay *= e.decay
		gains, next = next, gains
		frontier = e.collectFrontier(frontier[:0], gains, false)
	}

	res.Activations = e.rank(scores)
	e.log.Debug("activation query finished",
		"roots", len(req.Roots),
		"activated", len(res.Activations),
		"rounds", res.Rounds,
		"truncated", res.Truncated,
	)
	return res
}

// collectFrontier appends the nodes whose gain qualifies them for the next
// round, sorted by index so float accumulation order is stable across runs.
// Seeds always qualify.
func (e *Engine) collectFrontier(dst []uint32, gains map[uint32]float64, seeds bool) []uint32 {
	for idx, g := range gains {
		if seeds || g > e.epsilon {
			dst = append(dst, idx)
		}
	}
	slices.Sort(dst)
	return dst
}

func (e *Engine) rank(scores map[uint32]float64) []Activation {
	out := make([]Activation, 0, len(scores))
	for idx, s := range scores {
		id, ok := e.store.Nodes.GetID(idx)
		if !ok {
			continue
		}
		out = append(out, Activation{ID: id, Score: s})
	}
	slices.SortFunc(out, compareActivations)
	return out
}

func compareActivations(a, b Activation) int {
	switch {
	case a.Score > b.Score:
		return -1
	case a.Score < b.Score:
		return 1
	}
	return graph.Compare(a.ID, b.ID)
}

// =============================================================================
// Caller-side helpers
// =============================================================================

// FilterTypes returns the activations whose node type is not in exclude.
// Order is preserved; acts is not modified.
func FilterTypes(acts []Activation, exclude ...graph.NodeType) []Activation {
	if len(exclude) == 0 {
		return acts
	}
	out := make([]Activation, 0, len(acts))
	for _, a := range acts {
		if !slices.Contains(exclude, a.ID.Type) {
			out = append(out, a)
		}
	}
	return out
}

// OnlyTypes returns the activations whose node type is in include.
func OnlyTypes(acts []Activation, include ...graph.NodeType) []Activation {
	out := make([]Activation, 0, len(acts))
	for _, a := range acts {
		if slices.Contains(include, a.ID.Type) {
			out = append(out, a)
		}
	}
	return out
}

// Top returns at most k activations. k <= 0 returns all of them.
func Top(acts []Activation, k int) []Activation {
	if k <= 0 || k >= len(acts) {
		return acts
	}
	return acts[:k]
}
