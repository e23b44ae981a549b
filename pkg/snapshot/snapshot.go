// Package snapshot persists the association graph in a compact binary form.
//
// Layout (all integers little-endian):
//
//	magic      u32  0x52474E53 ("SNGR" on disk)
//	version    u16  1
//	nodeCount  u32
//	nodeCount times:
//	  typeTag        u16
//	  nameLen        u32
//	  name           nameLen bytes, UTF-8
//	  neighborCount  u32
//	  neighborCount times:
//	    target  u32  index into the node list
//	    weight  f32
//
// Node i in the stream is restored at index i, so targets need no
// translation. Both directions of every edge are written; Load rejects a
// stream whose adjacency is not symmetric.
//
// Save captures the graph under a global read lock and writes afterwards, so
// ingestion is blocked only for the in-memory copy. Load parses and validates
// the whole stream before it builds anything: a failed Load never yields a
// partial graph.
package snapshot

import (
	"bufio"
	"cmp"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"slices"
	"time"

	"github.com/orneryd/relgraph/pkg/graph"
	"github.com/orneryd/relgraph/pkg/metrics"
	"github.com/orneryd/relgraph/pkg/pool"
)

const (
	// Magic identifies a relgraph snapshot stream.
	Magic uint32 = 0x52474E53

	// Version is the only format version this package reads and writes.
	Version uint16 = 1

	// MaxNameLen bounds a single node name. Longer lengths are treated as
	// corruption rather than allocated.
	MaxNameLen = 1 << 20
)

var (
	ErrBadMagic           = errors.New("bad magic number")
	ErrUnsupportedVersion = errors.New("unsupported snapshot version")
	ErrTruncated          = errors.New("truncated snapshot")
	ErrCorrupt            = errors.New("corrupt snapshot")
)

// FormatError reports why a snapshot stream could not be loaded. Err is one
// of ErrBadMagic, ErrUnsupportedVersion, ErrTruncated or ErrCorrupt.
type FormatError struct {
	Offset int64
	Detail string
	Err    error
}

func (e *FormatError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("snapshot: %v at offset %d", e.Err, e.Offset)
	}
	return fmt.Sprintf("snapshot: %v at offset %d: %s", e.Err, e.Offset, e.Detail)
}

func (e *FormatError) Unwrap() error { return e.Err }

// Stats describes a saved or loaded snapshot.
type Stats struct {
	Nodes int
	// Edges counts undirected edges, self-loops included.
	Edges int64
	Bytes int64
	// Seq is the mutation sequence the capture reflects. Zero after Load:
	// the stream does not carry it; see Manifest.
	Seq uint64
}

// record is one node as captured or parsed.
type record struct {
	id  graph.NodeID
	adj []graph.Neighbor
}

// =============================================================================
// Save
// =============================================================================

// Save writes a consistent snapshot of store to w.
//
// Every shard is read-locked while the nodes and adjacency are copied;
// ingestion resumes before any byte is written.
func Save(w io.Writer, store *graph.Store) (Stats, error) {
	start := time.Now()
	defer func() { metrics.SnapshotDuration.WithLabelValues("save").Observe(time.Since(start).Seconds()) }()

	records, stats := capture(store)

	bw := bufio.NewWriterSize(w, 64*1024)
	cw := &countingWriter{w: bw}
	if err := encode(cw, records); err != nil {
		return stats, fmt.Errorf("snapshot: write: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return stats, fmt.Errorf("snapshot: flush: %w", err)
	}
	stats.Bytes = cw.n
	return stats, nil
}

func capture(store *graph.Store) ([]record, Stats) {
	store.Locks.RLockAll()
	defer store.Locks.RUnlockAll()

	// Any node referenced by an edge was created before that edge's write
	// lock was released, so it is below this length.
	n := store.Nodes.Len()
	stats := Stats{Nodes: n, Edges: store.Edges.EdgeCount(), Seq: store.Seq()}

	records := make([]record, n)
	for i := 0; i < n; i++ {
		idx := uint32(i)
		id, _ := store.Nodes.GetID(idx)
		adj := make([]graph.Neighbor, 0, store.Edges.Degree(idx))
		store.Edges.Neighbors(idx, func(nb uint32, w float32) {
			adj = append(adj, graph.Neighbor{Index: nb, Weight: w})
		})
		records[i] = record{id: id, adj: adj}
	}
	return records, stats
}

func encode(w io.Writer, records []record) error {
	buf := pool.GetByteBuffer()
	defer func() { pool.PutByteBuffer(buf) }()

	buf = binary.LittleEndian.AppendUint32(buf, Magic)
	buf = binary.LittleEndian.AppendUint16(buf, Version)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(records)))

	for _, r := range records {
		slices.SortFunc(r.adj, func(a, b graph.Neighbor) int { return cmp.Compare(a.Index, b.Index) })

		buf = binary.LittleEndian.AppendUint16(buf, uint16(r.id.Type))
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(r.id.Name)))
		buf = append(buf, r.id.Name...)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(r.adj)))
		for _, nb := range r.adj {
			buf = binary.LittleEndian.AppendUint32(buf, nb.Index)
			buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(nb.Weight))
		}

		if len(buf) >= 32*1024 {
			if _, err := w.Write(buf); err != nil {
				return err
			}
			buf = buf[:0]
		}
	}
	_, err := w.Write(buf)
	return err
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// =============================================================================
// Load
// =============================================================================

// Load reads a snapshot from r into a fresh store with the given number of
// lock shards (shardlock.DefaultShards when non-positive).
//
// The returned error is a *FormatError for any problem with the stream
// itself; I/O errors from r are returned wrapped.
func Load(r io.Reader, shards int) (*graph.Store, Stats, error) {
	start := time.Now()
	defer func() { metrics.SnapshotDuration.WithLabelValues("load").Observe(time.Since(start).Seconds()) }()

	d := &decoder{r: bufio.NewReaderSize(r, 64*1024)}
	records, err := d.decode()
	if err != nil {
		return nil, Stats{}, err
	}
	if err := validate(records, d.off); err != nil {
		return nil, Stats{}, err
	}

	store := graph.NewStore(shards)
	for _, rec := range records {
		store.Nodes.GetOrCreate(rec.id)
	}
	for i, rec := range records {
		self := uint32(i)
		for _, nb := range rec.adj {
			if nb.Index < self {
				continue
			}
			if err := store.Edges.AddWeight(self, nb.Index, nb.Weight); err != nil {
				return nil, Stats{}, &FormatError{Offset: d.off, Detail: err.Error(), Err: ErrCorrupt}
			}
		}
	}

	return store, Stats{Nodes: len(records), Edges: store.Edges.EdgeCount(), Bytes: d.off}, nil
}

type decoder struct {
	r   *bufio.Reader
	off int64
	buf [8]byte
}

func (d *decoder) fail(err error, format string, args ...any) error {
	return &FormatError{Offset: d.off, Detail: fmt.Sprintf(format, args...), Err: err}
}

func (d *decoder) read(p []byte) error {
	n, err := io.ReadFull(d.r, p)
	d.off += int64(n)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return d.fail(ErrTruncated, "need %d bytes, got %d", len(p), n)
	default:
		return fmt.Errorf("snapshot: read at offset %d: %w", d.off, err)
	}
}

func (d *decoder) u16() (uint16, error) {
	if err := d.read(d.buf[:2]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(d.buf[:2]), nil
}

func (d *decoder) u32() (uint32, error) {
	if err := d.read(d.buf[:4]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(d.buf[:4]), nil
}

func (d *decoder) decode() ([]record, error) {
	magic, err := d.u32()
	if err != nil {
		return nil, err
	}
	if magic != Magic {
		return nil, d.fail(ErrBadMagic, "got %#08x", magic)
	}
	version, err := d.u16()
	if err != nil {
		return nil, err
	}
	if version != Version {
		return nil, d.fail(ErrUnsupportedVersion, "got %d, want %d", version, Version)
	}
	count, err := d.u32()
	if err != nil {
		return nil, err
	}

	// Preallocation is capped: a corrupt count must not allocate gigabytes
	// before the stream runs out.
	records := make([]record, 0, min(int(count), 1<<16))
	for i := uint32(0); i < count; i++ {
		rec, err := d.node(count)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	if _, err := d.r.ReadByte(); err == nil {
		return nil, d.fail(ErrCorrupt, "trailing data after %d nodes", count)
	} else if !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("snapshot: read at offset %d: %w", d.off, err)
	}
	return records, nil
}

func (d *decoder) node(count uint32) (record, error) {
	tag, err := d.u16()
	if err != nil {
		return record{}, err
	}
	typ := graph.NodeType(tag)
	if !typ.Valid() {
		return record{}, d.fail(ErrCorrupt, "unknown node type tag %d", tag)
	}

	nameLen, err := d.u32()
	if err != nil {
		return record{}, err
	}
	if nameLen == 0 || nameLen > MaxNameLen {
		return record{}, d.fail(ErrCorrupt, "name length %d", nameLen)
	}
	name := make([]byte, nameLen)
	if err := d.read(name); err != nil {
		return record{}, err
	}

	degree, err := d.u32()
	if err != nil {
		return record{}, err
	}
	if degree > count {
		return record{}, d.fail(ErrCorrupt, "neighbor count %d exceeds node count %d", degree, count)
	}

	adj := make([]graph.Neighbor, 0, min(degree, 1<<12))
	for j := uint32(0); j < degree; j++ {
		target, err := d.u32()
		if err != nil {
			return record{}, err
		}
		bits, err := d.u32()
		if err != nil {
			return record{}, err
		}
		if target >= count {
			return record{}, d.fail(ErrCorrupt, "neighbor index %d out of range", target)
		}
		w := math.Float32frombits(bits)
		if w < 0 || math.IsNaN(float64(w)) || math.IsInf(float64(w), 0) {
			return record{}, d.fail(ErrCorrupt, "invalid weight %v", w)
		}
		adj = append(adj, graph.Neighbor{Index: target, Weight: w})
	}

	return record{id: graph.NodeID{Type: typ, Name: string(name)}, adj: adj}, nil
}

// validate checks the cross-record invariants that cannot be checked while
// streaming: unique ids, unique targets per node and symmetric weights.
func validate(records []record, off int64) error {
	corrupt := func(format string, args ...any) error {
		return &FormatError{Offset: off, Detail: fmt.Sprintf(format, args...), Err: ErrCorrupt}
	}

	seen := make(map[graph.NodeID]struct{}, len(records))
	for i := range records {
		rec := &records[i]
		if _, dup := seen[rec.id]; dup {
			return corrupt("duplicate node %s", rec.id)
		}
		seen[rec.id] = struct{}{}

		slices.SortFunc(rec.adj, func(a, b graph.Neighbor) int { return cmp.Compare(a.Index, b.Index) })
		for j := 1; j < len(rec.adj); j++ {
			if rec.adj[j].Index == rec.adj[j-1].Index {
				return corrupt("node %s lists neighbor %d twice", rec.id, rec.adj[j].Index)
			}
		}
	}

	for i, rec := range records {
		self := uint32(i)
		for _, nb := range rec.adj {
			back := records[nb.Index].adj
			k, found := slices.BinarySearchFunc(back, self, func(n graph.Neighbor, t uint32) int {
				return cmp.Compare(n.Index, t)
			})
			if !found || back[k].Weight != nb.Weight {
				return corrupt("edge %d-%d is not symmetric", self, nb.Index)
			}
		}
	}
	return nil
}
