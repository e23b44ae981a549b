// Package pool provides object pooling for relgraph's hot paths.
//
// Spreading activation allocates a frontier, a score map and a neighbor
// buffer per query; journal appends and snapshot writes each need an
// encoding buffer. Pooling those objects keeps GC pressure flat under a
// steady query and ingest load.
//
// Pooled objects:
// - Neighbor slices (adjacency snapshots)
// - Index slices (activation frontiers)
// - Score maps (activation accumulators)
// - Byte buffers (journal batch and snapshot encoding)
//
// Usage:
//
//	buf := pool.GetNeighborSlice()
//	defer func() { pool.PutNeighborSlice(buf) }()
//
//	buf = store.Neighbors(index, buf)
package pool

import (
	"sync"
	"sync/atomic"

	"github.com/orneryd/relgraph/pkg/graph"
)

// PoolConfig configures object pooling behavior.
type PoolConfig struct {
	// Enabled controls whether pooling is active
	Enabled bool

	// MaxSize limits the capacity (or map length) of objects returned to a
	// pool. Larger objects are dropped for the GC.
	MaxSize int
}

// DefaultConfig is in effect until Configure is called.
var DefaultConfig = PoolConfig{
	Enabled: true,
	MaxSize: 1 << 16,
}

var current atomic.Pointer[PoolConfig]

func init() {
	Configure(DefaultConfig)
}

// Configure sets global pool configuration. It may be called at any time;
// objects already pooled stay pooled and the new limits apply to the next
// Put.
func Configure(config PoolConfig) {
	current.Store(&config)
}

// Config returns the configuration in effect.
func Config() PoolConfig {
	return *current.Load()
}

// IsEnabled returns whether pooling is enabled.
func IsEnabled() bool {
	return current.Load().Enabled
}

func maxSize() int {
	return current.Load().MaxSize
}

// =============================================================================
// Neighbor Slice Pool
// =============================================================================

var neighborSlicePool = sync.Pool{
	New: func() any {
		return make([]graph.Neighbor, 0, 64)
	},
}

// GetNeighborSlice returns an empty neighbor slice, possibly with capacity.
func GetNeighborSlice() []graph.Neighbor {
	if !IsEnabled() {
		return make([]graph.Neighbor, 0, 64)
	}
	return neighborSlicePool.Get().([]graph.Neighbor)[:0]
}

// PutNeighborSlice returns a neighbor slice to the pool.
func PutNeighborSlice(s []graph.Neighbor) {
	if !IsEnabled() || s == nil {
		return
	}
	if cap(s) > maxSize() {
		return
	}
	neighborSlicePool.Put(s[:0])
}

// =============================================================================
// Index Slice Pool
// =============================================================================

var indexSlicePool = sync.Pool{
	New: func() any {
		return make([]uint32, 0, 64)
	},
}

// GetIndexSlice returns an empty node index slice.
func GetIndexSlice() []uint32 {
	if !IsEnabled() {
		return make([]uint32, 0, 64)
	}
	return indexSlicePool.Get().([]uint32)[:0]
}

// PutIndexSlice returns an index slice to the pool.
func PutIndexSlice(s []uint32) {
	if !IsEnabled() || s == nil {
		return
	}
	if cap(s) > maxSize() {
		return
	}
	indexSlicePool.Put(s[:0])
}

// =============================================================================
// Score Map Pool
// =============================================================================

var scoreMapPool = sync.Pool{
	New: func() any {
		return make(map[uint32]float64, 64)
	},
}

// GetScoreMap returns an empty index to score map.
func GetScoreMap() map[uint32]float64 {
	if !IsEnabled() {
		return make(map[uint32]float64, 64)
	}
	m := scoreMapPool.Get().(map[uint32]float64)
	clear(m)
	return m
}

// PutScoreMap returns a score map to the pool. The caller must not keep
// references to it.
func PutScoreMap(m map[uint32]float64) {
	if !IsEnabled() || m == nil {
		return
	}
	if len(m) > maxSize() {
		return
	}
	clear(m)
	scoreMapPool.Put(m)
}

// =============================================================================
// Byte Buffer Pool
// =============================================================================

var byteBufferPool = sync.Pool{
	New: func() any {
		return make([]byte, 0, 256)
	},
}

// GetByteBuffer returns an empty byte buffer.
func GetByteBuffer() []byte {
	if !IsEnabled() {
		return make([]byte, 0, 256)
	}
	return byteBufferPool.Get().([]byte)[:0]
}

// PutByteBuffer returns a byte buffer to the pool.
func PutByteBuffer(buf []byte) {
	if !IsEnabled() || buf == nil {
		return
	}
	if cap(buf) > 1024*1024 { // Don't pool huge buffers (>1MB)
		return
	}
	byteBufferPool.Put(buf[:0])
}
