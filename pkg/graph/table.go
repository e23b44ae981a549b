package graph

import (
	"sync"
)

// node is one arena slot. id and hash never change after creation; adj is
// guarded by the shard lock of the node's bucket, not by the table lock.
type node struct {
	id   NodeID
	hash uint64
	adj  map[uint32]float32
}

// NodeTable interns NodeID values into dense, append-only indices.
//
// Thread Safety:
//
//	All methods are safe for concurrent use. The table lock only covers the
//	id map and the slot slice; it is never held while a shard lock is being
//	acquired.
type NodeTable struct {
	mu    sync.RWMutex
	index map[NodeID]uint32
	nodes []*node
}

// NewNodeTable creates an empty table.
func NewNodeTable() *NodeTable {
	return &NodeTable{
		index: make(map[NodeID]uint32),
	}
}

// GetOrCreate returns the index of id, assigning the next free index on
// first sight. Calling it any number of times with equal ids, from any number
// of goroutines, always yields the same index.
func (t *NodeTable) GetOrCreate(id NodeID) uint32 {
	t.mu.RLock()
	idx, ok := t.index[id]
	t.mu.RUnlock()
	if ok {
		return idx
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	// Another writer may have won the race between the two locks.
	if idx, ok := t.index[id]; ok {
		return idx
	}

	idx = uint32(len(t.nodes))
	t.nodes = append(t.nodes, &node{id: id, hash: id.Hash64()})
	t.index[id] = idx
	return idx
}

// TryGetIndex looks id up without creating it.
func (t *NodeTable) TryGetIndex(id NodeID) (uint32, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	idx, ok := t.index[id]
	return idx, ok
}

// GetID returns the id stored at index.
func (t *NodeTable) GetID(index uint32) (NodeID, bool) {
	n := t.node(index)
	if n == nil {
		return NodeID{}, false
	}
	return n.id, true
}

// Len returns the number of interned nodes.
func (t *NodeTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.nodes)
}

// hashOf returns the precomputed shard hash of index.
func (t *NodeTable) hashOf(index uint32) (uint64, bool) {
	n := t.node(index)
	if n == nil {
		return 0, false
	}
	return n.hash, true
}

func (t *NodeTable) node(index uint32) *node {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if int(index) >= len(t.nodes) {
		return nil
	}
	return t.nodes[index]
}
