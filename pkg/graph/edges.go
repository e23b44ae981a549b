package graph

import (
	"fmt"
	"math"
	"sync/atomic"
)

// EdgeStore holds the symmetric weighted adjacency of every node in a
// NodeTable.
//
// EdgeStore does no locking of its own. Callers hold the write lock of both
// endpoints' shards for AddWeight and at least the read lock of the node's
// shard for Neighbors, Weight and Degree. Store wraps the read side with the
// correct locking.
type EdgeStore struct {
	table *NodeTable
	edges atomic.Int64
}

// NewEdgeStore creates an edge store over table.
func NewEdgeStore(table *NodeTable) *EdgeStore {
	return &EdgeStore{table: table}
}

// AddWeight adds delta to edge(a, b) and edge(b, a), creating the edge if it
// does not exist. A self-loop (a == b) is stored once and receives delta once.
//
// Returns:
//   - ErrInvalidWeight if delta is negative, NaN or infinite
//   - ErrUnknownIndex if either index has no node
func (s *EdgeStore) AddWeight(a, b uint32, delta float32) error {
	if delta < 0 || math.IsNaN(float64(delta)) || math.IsInf(float64(delta), 0) {
		return fmt.Errorf("%w: %v", ErrInvalidWeight, delta)
	}
	na := s.table.node(a)
	if na == nil {
		return fmt.Errorf("%w: %d", ErrUnknownIndex, a)
	}
	nb := s.table.node(b)
	if nb == nil {
		return fmt.Errorf("%w: %d", ErrUnknownIndex, b)
	}

	if na.adj == nil {
		na.adj = make(map[uint32]float32, 4)
	}
	if _, exists := na.adj[b]; !exists {
		s.edges.Add(1)
	}
	na.adj[b] += delta
	if a == b {
		return nil
	}

	if nb.adj == nil {
		nb.adj = make(map[uint32]float32, 4)
	}
	nb.adj[a] += delta
	return nil
}

// Neighbors calls fn for every neighbor of index, in no particular order.
// fn must not call back into the store.
func (s *EdgeStore) Neighbors(index uint32, fn func(neighbor uint32, weight float32)) {
	n := s.table.node(index)
	if n == nil {
		return
	}
	for nb, w := range n.adj {
		fn(nb, w)
	}
}

// Weight returns the weight of edge(a, b).
func (s *EdgeStore) Weight(a, b uint32) (float32, bool) {
	n := s.table.node(a)
	if n == nil {
		return 0, false
	}
	w, ok := n.adj[b]
	return w, ok
}

// Degree returns the number of distinct neighbors of index.
func (s *EdgeStore) Degree(index uint32) int {
	n := s.table.node(index)
	if n == nil {
		return 0
	}
	return len(n.adj)
}

// EdgeCount returns the number of distinct undirected edges, self-loops
// included.
func (s *EdgeStore) EdgeCount() int64 {
	return s.edges.Load()
}
