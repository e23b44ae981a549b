package graph

import (
	"sync/atomic"

	"github.com/orneryd/relgraph/pkg/shardlock"
)

// Store is the shared mutable graph: a NodeTable, its EdgeStore and the shard
// locks that guard adjacency.
//
// Lock discipline:
//   - a node's adjacency is guarded by the shard of its NodeID hash
//   - writers take both endpoint shards via Locks.LockPair / LockBucketPair
//   - snapshot capture takes Locks.RLockAll
//   - Neighbors and Weight take a single shard read lock
//
// Every multi-shard acquisition is in ascending bucket order, so all of the
// above can run concurrently without deadlock.
//
// ELI12:
//
// Think of the graph as a library with 256 reading rooms. Each book (node)
// always lives in the same room. To write a note linking two books you lock
// both rooms, always the lower-numbered room first, so two people can never
// each hold the room the other is waiting for.
type Store struct {
	Nodes *NodeTable
	Edges *EdgeStore
	Locks *shardlock.Manager

	// seq counts applied mutations. Ingestion bumps it inside the write
	// critical section, so a value read under RLockAll matches the captured
	// graph exactly.
	seq atomic.Uint64
}

// NewStore creates an empty store with the given number of lock shards.
func NewStore(shards int) *Store {
	nodes := NewNodeTable()
	return &Store{
		Nodes: nodes,
		Edges: NewEdgeStore(nodes),
		Locks: shardlock.New(shards),
	}
}

// Bucket returns the shard that guards the node at index, or -1 when the
// index is unknown.
func (s *Store) Bucket(index uint32) int {
	h, ok := s.Nodes.hashOf(index)
	if !ok {
		return -1
	}
	return s.Locks.BucketOf(h)
}

// Neighbors appends the neighbors of index to buf under the node's shard read
// lock and returns the extended slice.
func (s *Store) Neighbors(index uint32, buf []Neighbor) []Neighbor {
	b := s.Bucket(index)
	if b < 0 {
		return buf
	}
	s.Locks.RLockBucket(b)
	defer s.Locks.RUnlockBucket(b)

	s.Edges.Neighbors(index, func(nb uint32, w float32) {
		buf = append(buf, Neighbor{Index: nb, Weight: w})
	})
	return buf
}

// Weight returns the current weight of the edge between two ids.
func (s *Store) Weight(a, b NodeID) (float32, bool) {
	ia, ok := s.Nodes.TryGetIndex(a)
	if !ok {
		return 0, false
	}
	ib, ok := s.Nodes.TryGetIndex(b)
	if !ok {
		return 0, false
	}
	s.Locks.RLock(a)
	defer s.Locks.RUnlock(a)
	return s.Edges.Weight(ia, ib)
}

// NeighborWeights returns id's adjacency keyed by neighbor id. Intended for
// tests, diagnostics and the CLI; the query path uses Neighbors.
func (s *Store) NeighborWeights(id NodeID) map[NodeID]float32 {
	idx, ok := s.Nodes.TryGetIndex(id)
	if !ok {
		return nil
	}
	out := make(map[NodeID]float32)
	for _, n := range s.Neighbors(idx, nil) {
		if nid, ok := s.Nodes.GetID(n.Index); ok {
			out[nid] = n.Weight
		}
	}
	return out
}

// Seq returns the number of mutations applied so far.
func (s *Store) Seq() uint64 {
	return s.seq.Load()
}

// NextSeq allocates the next mutation sequence number. Call it while holding
// the write locks of the mutation it numbers.
func (s *Store) NextSeq() uint64 {
	return s.seq.Add(1)
}

// AdvanceSeq raises the sequence to at least v. Used after restoring a
// snapshot or replaying a journal.
func (s *Store) AdvanceSeq(v uint64) {
	for {
		cur := s.seq.Load()
		if cur >= v || s.seq.CompareAndSwap(cur, v) {
			return
		}
	}
}

// Stats summarizes the store.
type Stats struct {
	Nodes  int    `json:"nodes"`
	Edges  int64  `json:"edges"`
	Shards int    `json:"shards"`
	Seq    uint64 `json:"seq"`
}

// Stats returns current counts. Values are read without global locking and
// may be slightly stale under concurrent ingestion.
func (s *Store) Stats() Stats {
	return Stats{
		Nodes:  s.Nodes.Len(),
		Edges:  s.Edges.EdgeCount(),
		Shards: s.Locks.Size(),
		Seq:    s.Seq(),
	}
}
