// Package cache provides activation result caching for relgraph.
//
// A query that settles within its budget is a pure function of the request
// and the graph. The cache keeps such results and serves them again as long
// as the graph has not changed, which is detected by the store's mutation
// sequence: any ingested feature advances it, and Restore or Rebuild install
// a different store.
//
// Entries are indexed by a 64-bit xxhash of the request, but each entry also
// keeps the request's canonical encoding and a lookup only hits when that
// matches too, so two requests whose hashes collide never share a result.
//
// Features:
//   - LRU eviction for bounded memory
//   - TTL expiration
//   - Thread-safe operations
//   - Cache hit/miss statistics
//
// Usage:
//
//	results := cache.New(1024, 10*time.Minute)
//
//	seq := store.Seq()
//	if res, ok := results.Get(req, store, seq); ok {
//		return res
//	}
//	res := engine.Query(req)
//	results.Put(req, store, seq, res)
//
// Truncated results depend on timing and are never cached.
package cache

import (
	"container/list"
	"encoding/binary"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/orneryd/relgraph/pkg/activation"
	"github.com/orneryd/relgraph/pkg/graph"
	"github.com/orneryd/relgraph/pkg/metrics"
)

// DefaultMaxSize is used when New is given a non-positive size.
const DefaultMaxSize = 1024

// ResultCache is a thread-safe LRU cache of settled activation results.
type ResultCache struct {
	mu sync.Mutex

	maxSize int
	ttl     time.Duration

	list  *list.List
	items map[uint64]*list.Element

	hits   atomic.Uint64
	misses atomic.Uint64
}

type cacheEntry struct {
	key       uint64
	canon     string
	store     *graph.Store
	seq       uint64
	result    *activation.Result
	expiresAt time.Time
}

// New creates a cache holding at most maxSize results, each for at most ttl
// (0 = no expiration).
func New(maxSize int, ttl time.Duration) *ResultCache {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &ResultCache{
		maxSize: maxSize,
		ttl:     ttl,
		list:    list.New(),
		items:   make(map[uint64]*list.Element, maxSize),
	}
}

// Canonical encodes the parts of req that determine a settled result: the
// roots in order (type, length-prefixed name, weight bits) and the hop bound.
// The time budget is left out. Two requests settle to the same result iff
// their encodings are equal.
func Canonical(req activation.Request) []byte {
	n := 8
	for _, r := range req.Roots {
		n += 2 + 4 + len(r.ID.Name) + 8
	}
	buf := make([]byte, 0, n)
	for _, r := range req.Roots {
		buf = binary.LittleEndian.AppendUint16(buf, uint16(r.ID.Type))
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(r.ID.Name)))
		buf = append(buf, r.ID.Name...)
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(r.Weight))
	}
	hops := req.MaxHops
	if hops < 0 {
		hops = 0
	}
	return binary.LittleEndian.AppendUint64(buf, uint64(hops))
}

// Key hashes the canonical encoding of req.
func Key(req activation.Request) uint64 {
	return xxhash.Sum64(Canonical(req))
}

// Get returns a copy of the result cached for req, provided it was computed
// against store at mutation sequence seq. Stale entries are dropped.
func (c *ResultCache) Get(req activation.Request, store *graph.Store, seq uint64) (*activation.Result, bool) {
	canon := Canonical(req)
	return c.get(xxhash.Sum64(canon), string(canon), store, seq)
}

func (c *ResultCache) get(key uint64, canon string, store *graph.Store, seq uint64) (*activation.Result, bool) {
	c.mu.Lock()
	elem, ok := c.items[key]
	if !ok || elem.Value.(*cacheEntry).canon != canon {
		c.mu.Unlock()
		c.miss()
		return nil, false
	}
	entry := elem.Value.(*cacheEntry)
	if entry.store != store || entry.seq != seq || (c.ttl > 0 && time.Now().After(entry.expiresAt)) {
		c.removeElement(elem)
		c.mu.Unlock()
		c.miss()
		return nil, false
	}
	c.list.MoveToFront(elem)
	res := *entry.result
	c.mu.Unlock()

	res.Activations = append([]activation.Activation(nil), res.Activations...)
	res.Cached = true
	c.hits.Add(1)
	metrics.QueryCacheLookups.WithLabelValues("hit").Inc()
	return &res, true
}

func (c *ResultCache) miss() {
	c.misses.Add(1)
	metrics.QueryCacheLookups.WithLabelValues("miss").Inc()
}

// Put caches res for req against store at sequence seq. Truncated results
// are ignored. If the cache is full, the least recently used entry is
// evicted.
func (c *ResultCache) Put(req activation.Request, store *graph.Store, seq uint64, res *activation.Result) {
	if res == nil || res.Truncated {
		return
	}
	canon := Canonical(req)
	c.put(xxhash.Sum64(canon), string(canon), store, seq, res)
}

// put stores res under key. An entry with the same key but a different
// canonical request is replaced.
func (c *ResultCache) put(key uint64, canon string, store *graph.Store, seq uint64, res *activation.Result) {
	stored := *res
	stored.Activations = append([]activation.Activation(nil), res.Activations...)
	stored.Cached = false

	c.mu.Lock()
	defer c.mu.Unlock()

	var expiresAt time.Time
	if c.ttl > 0 {
		expiresAt = time.Now().Add(c.ttl)
	}

	if elem, ok := c.items[key]; ok {
		entry := elem.Value.(*cacheEntry)
		entry.canon, entry.store, entry.seq, entry.result, entry.expiresAt = canon, store, seq, &stored, expiresAt
		c.list.MoveToFront(elem)
		return
	}

	for c.list.Len() >= c.maxSize {
		c.evictOldest()
	}
	elem := c.list.PushFront(&cacheEntry{
		key:       key,
		canon:     canon,
		store:     store,
		seq:       seq,
		result:    &stored,
		expiresAt: expiresAt,
	})
	c.items[key] = elem
}

// Clear removes all entries.
func (c *ResultCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.list.Init()
	c.items = make(map[uint64]*list.Element, c.maxSize)
}

// Len returns the number of cached results.
func (c *ResultCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.list.Len()
}

// Stats holds cache performance statistics.
type Stats struct {
	Size    int     `json:"size"`
	MaxSize int     `json:"max_size"`
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	HitRate float64 `json:"hit_rate"` // percentage (0-100)
}

// Stats returns cache statistics.
func (c *ResultCache) Stats() Stats {
	hits := c.hits.Load()
	misses := c.misses.Load()

	var hitRate float64
	if total := hits + misses; total > 0 {
		hitRate = float64(hits) / float64(total) * 100
	}
	return Stats{
		Size:    c.Len(),
		MaxSize: c.maxSize,
		Hits:    hits,
		Misses:  misses,
		HitRate: hitRate,
	}
}

// evictOldest removes the least recently used entry.
// Caller must hold the lock.
func (c *ResultCache) evictOldest() {
	if elem := c.list.Back(); elem != nil {
		c.removeElement(elem)
	}
}

// removeElement removes an element from the cache.
// Caller must hold the lock.
func (c *ResultCache) removeElement(elem *list.Element) {
	c.list.Remove(elem)
	delete(c.items, elem.Value.(*cacheEntry).key)
}
