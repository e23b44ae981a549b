// Package shardlock provides a fixed-size array of reader/writer locks
// selected by key hash.
//
// A Manager bounds both lock memory (N mutexes, regardless of how many keys
// exist) and contention (writers on unrelated keys rarely share a bucket).
// Every multi-bucket acquisition in this package takes buckets in ascending
// index order, so any mix of LockPair, LockBuckets and LockAll calls from any
// number of goroutines is deadlock-free.
//
// Example Usage:
//
//	locks := shardlock.New(256)
//
//	locks.LockPair(a, b)
//	// mutate state owned by a and b
//	locks.UnlockPair(a, b)
//
//	locks.RLockAll()
//	// capture a consistent snapshot
//	locks.RUnlockAll()
package shardlock

import (
	"slices"
	"sync"
)

// DefaultShards is the bucket count used when New is given a non-positive size.
const DefaultShards = 256

// Key is anything that can be hashed onto a bucket.
//
// Hash64 must be stable for the lifetime of the Manager: the same key always
// maps to the same bucket.
type Key interface {
	Hash64() uint64
}

// Manager is a sharded lock table.
//
// The zero value is not usable; create one with New.
type Manager struct {
	buckets []sync.RWMutex
}

// New creates a Manager with n buckets.
func New(n int) *Manager {
	if n <= 0 {
		n = DefaultShards
	}
	return &Manager{buckets: make([]sync.RWMutex, n)}
}

// Size returns the number of buckets.
func (m *Manager) Size() int {
	return len(m.buckets)
}

// Bucket returns the bucket index that guards key.
func (m *Manager) Bucket(key Key) int {
	return m.BucketOf(key.Hash64())
}

// BucketOf maps a precomputed hash onto a bucket index.
func (m *Manager) BucketOf(hash uint64) int {
	return int(hash % uint64(len(m.buckets)))
}

// =============================================================================
// Single bucket
// =============================================================================

// Lock acquires the write lock of key's bucket.
func (m *Manager) Lock(key Key) {
	m.buckets[m.Bucket(key)].Lock()
}

// Unlock releases the write lock of key's bucket.
func (m *Manager) Unlock(key Key) {
	m.buckets[m.Bucket(key)].Unlock()
}

// RLock acquires the read lock of key's bucket.
func (m *Manager) RLock(key Key) {
	m.buckets[m.Bucket(key)].RLock()
}

// RUnlock releases the read lock of key's bucket.
func (m *Manager) RUnlock(key Key) {
	m.buckets[m.Bucket(key)].RUnlock()
}

// RLockBucket acquires the read lock of bucket b directly.
func (m *Manager) RLockBucket(b int) {
	m.buckets[b].RLock()
}

// RUnlockBucket releases the read lock of bucket b.
func (m *Manager) RUnlockBucket(b int) {
	m.buckets[b].RUnlock()
}

// =============================================================================
// Pairs and sets
// =============================================================================

// LockPair write-locks the buckets of a and b.
//
// When both keys share a bucket it is acquired once. Otherwise the lower
// bucket index is acquired first.
func (m *Manager) LockPair(a, b Key) {
	m.LockBucketPair(m.Bucket(a), m.Bucket(b))
}

// UnlockPair releases the locks taken by LockPair(a, b).
func (m *Manager) UnlockPair(a, b Key) {
	m.UnlockBucketPair(m.Bucket(a), m.Bucket(b))
}

// LockBucketPair is LockPair for bucket indices that the caller already
// resolved.
func (m *Manager) LockBucketPair(x, y int) {
	if x == y {
		m.buckets[x].Lock()
		return
	}
	if x > y {
		x, y = y, x
	}
	m.buckets[x].Lock()
	m.buckets[y].Lock()
}

// UnlockBucketPair releases the locks taken by LockBucketPair(x, y).
func (m *Manager) UnlockBucketPair(x, y int) {
	if x == y {
		m.buckets[x].Unlock()
		return
	}
	if x > y {
		x, y = y, x
	}
	m.buckets[y].Unlock()
	m.buckets[x].Unlock()
}

// LockBuckets write-locks every bucket in set, ascending, each once.
//
// The returned slice is the sorted, deduplicated set and must be passed to
// UnlockBuckets.
func (m *Manager) LockBuckets(set []int) []int {
	ordered := slices.Clone(set)
	slices.Sort(ordered)
	ordered = slices.Compact(ordered)
	for _, b := range ordered {
		m.buckets[b].Lock()
	}
	return ordered
}

// UnlockBuckets releases a set returned by LockBuckets.
func (m *Manager) UnlockBuckets(ordered []int) {
	for i := len(ordered) - 1; i >= 0; i-- {
		m.buckets[ordered[i]].Unlock()
	}
}

// =============================================================================
// All buckets
// =============================================================================

// LockAll write-locks every bucket in ascending order.
func (m *Manager) LockAll() {
	for i := range m.buckets {
		m.buckets[i].Lock()
	}
}

// UnlockAll releases every bucket in descending order.
func (m *Manager) UnlockAll() {
	for i := len(m.buckets) - 1; i >= 0; i-- {
		m.buckets[i].Unlock()
	}
}

// RLockAll read-locks every bucket in ascending order.
//
// Holding all read locks excludes every writer, which is enough for a
// consistent snapshot while still letting single-bucket readers proceed.
func (m *Manager) RLockAll() {
	for i := range m.buckets {
		m.buckets[i].RLock()
	}
}

// RUnlockAll releases every read lock in descending order.
func (m *Manager) RUnlockAll() {
	for i := len(m.buckets) - 1; i >= 0; i-- {
		m.buckets[i].RUnlock()
	}
}
