// Package journal records every applied training feature in BadgerDB, keyed
// by its mutation sequence number.
//
// The journal is the raw-observation log the graph can always be rebuilt
// from. A snapshot plus the journal entries after the snapshot's sequence
// reproduce the live graph; the journal alone reproduces it from scratch when
// the snapshot is missing or unreadable.
//
// Key layout:
//
//	0x01 + bigEndian(seq) -> encoded feature
//	0x02 'c'              -> bigEndian(highest compacted seq)
//
// Big-endian keys make Badger's natural key order the sequence order, so a
// replay is one forward iteration.
//
// Once Compact has dropped entries the journal no longer starts at sequence
// 1 and can only extend a snapshot, never replace one. CompactedThrough
// reports the low-water mark so callers can tell the two cases apart.
//
// Example Usage:
//
//	j, err := journal.Open(journal.Options{Dir: "./data/journal"})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer j.Close()
//
//	in, _ := ingest.New(store, ingest.Options{Observer: j.Observer()})
//
//	// Later, on another process:
//	last, err := j.Replay(0, func(batch []ingest.Applied) error {
//		in.Replay(batch)
//		return nil
//	})
package journal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"

	"github.com/orneryd/relgraph/pkg/graph"
	"github.com/orneryd/relgraph/pkg/ingest"
	"github.com/orneryd/relgraph/pkg/logger"
	"github.com/orneryd/relgraph/pkg/pool"
)

const (
	prefixEntry byte = 0x01
	prefixMeta  byte = 0x02
)

var keyCompacted = []byte{prefixMeta, 'c'}

// replayBatchSize is how many entries Replay hands to its callback at once.
const replayBatchSize = 4096

var (
	ErrClosed       = errors.New("journal closed")
	ErrCorruptEntry = errors.New("corrupt journal entry")

	// ErrIncomplete reports that entries were compacted away, so the
	// journal cannot rebuild the graph on its own.
	ErrIncomplete = errors.New("journal incomplete")
)

// Options configures a Journal.
type Options struct {
	// Dir is the Badger directory. Ignored when InMemory is set.
	Dir string

	// InMemory keeps the journal in RAM only. Useful for tests.
	InMemory bool

	// SyncWrites fsyncs every write batch.
	SyncWrites bool

	// Logger receives Badger's internal warnings and errors, and append
	// failures from the observer.
	Logger *logger.Logger
}

// Stats reports journal activity since Open.
type Stats struct {
	Appended         uint64 `json:"appended"`
	Failed           uint64 `json:"failed"`
	LastSeq          uint64 `json:"last_seq"`
	CompactedThrough uint64 `json:"compacted_through"`
}

// Journal is a sequence-keyed feature log. Safe for concurrent use.
type Journal struct {
	db     *badger.DB
	log    *logger.Logger
	closed atomic.Bool

	appended  atomic.Uint64
	failed    atomic.Uint64
	lastSeq   atomic.Uint64
	compacted atomic.Uint64
}

// Open opens (or creates) a journal.
func Open(opts Options) (*Journal, error) {
	if opts.Dir == "" && !opts.InMemory {
		return nil, fmt.Errorf("journal: directory required")
	}
	log := logger.OrNop(opts.Logger).With("component", "journal")

	badgerOpts := badger.DefaultOptions(opts.Dir).
		WithLogger(&badgerLogger{log: log}).
		WithLoggingLevel(badger.WARNING)
	if opts.InMemory {
		badgerOpts = badgerOpts.WithDir("").WithValueDir("").WithInMemory(true)
	}
	if opts.SyncWrites {
		badgerOpts = badgerOpts.WithSyncWrites(true)
	}

	// Entries are small and written append-only; keep the footprint small.
	badgerOpts = badgerOpts.
		WithMemTableSize(16 << 20).
		WithValueLogFileSize(64 << 20).
		WithNumMemtables(2).
		WithNumLevelZeroTables(2).
		WithNumLevelZeroTablesStall(4).
		WithBlockCacheSize(16 << 20).
		WithIndexCacheSize(8 << 20)

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("journal: open badger: %w", err)
	}

	j := &Journal{db: db, log: log}
	last, err := j.scanLastSeq()
	if err != nil {
		db.Close()
		return nil, err
	}
	compacted, err := j.loadCompacted()
	if err != nil {
		db.Close()
		return nil, err
	}
	j.lastSeq.Store(max(last, compacted))
	j.compacted.Store(compacted)
	return j, nil
}

// =============================================================================
// Encoding
// =============================================================================

func entryKey(seq uint64) []byte {
	key := make([]byte, 9)
	key[0] = prefixEntry
	binary.BigEndian.PutUint64(key[1:], seq)
	return key
}

func seqFromKey(key []byte) (uint64, bool) {
	if len(key) != 9 || key[0] != prefixEntry {
		return 0, false
	}
	return binary.BigEndian.Uint64(key[1:]), true
}

// appendFeature appends the encoding of f to buf: type u8, then per endpoint:
// typeTag u16, nameLen u32, name bytes. Little-endian, matching the snapshot
// format.
func appendFeature(buf []byte, f ingest.Feature) []byte {
	buf = append(buf, byte(f.Type))
	for _, id := range [2]graph.NodeID{f.A, f.B} {
		buf = binary.LittleEndian.AppendUint16(buf, uint16(id.Type))
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(id.Name)))
		buf = append(buf, id.Name...)
	}
	return buf
}

func decodeFeature(data []byte) (ingest.Feature, error) {
	if len(data) < 1 {
		return ingest.Feature{}, fmt.Errorf("%w: empty value", ErrCorruptEntry)
	}
	f := ingest.Feature{Type: ingest.FeatureType(data[0])}
	rest := data[1:]
	for i := 0; i < 2; i++ {
		if len(rest) < 6 {
			return ingest.Feature{}, fmt.Errorf("%w: short endpoint header", ErrCorruptEntry)
		}
		typ := graph.NodeType(binary.LittleEndian.Uint16(rest))
		n := binary.LittleEndian.Uint32(rest[2:])
		rest = rest[6:]
		if uint64(n) > uint64(len(rest)) {
			return ingest.Feature{}, fmt.Errorf("%w: name length %d exceeds value", ErrCorruptEntry, n)
		}
		id := graph.NodeID{Type: typ, Name: string(rest[:n])}
		rest = rest[n:]
		if i == 0 {
			f.A = id
		} else {
			f.B = id
		}
	}
	if len(rest) != 0 {
		return ingest.Feature{}, fmt.Errorf("%w: %d trailing bytes", ErrCorruptEntry, len(rest))
	}
	return f, nil
}

// =============================================================================
// Writes
// =============================================================================

// Append records entries. Entries may arrive in any sequence order.
func (j *Journal) Append(entries []ingest.Applied) error {
	if j.closed.Load() {
		return ErrClosed
	}
	if len(entries) == 0 {
		return nil
	}

	wb := j.db.NewWriteBatch()
	defer wb.Cancel()

	// Values share one pooled buffer. Badger holds on to them until the
	// batch is flushed, so each value is capped to keep later appends from
	// writing into it, and the buffer goes back only after Flush.
	buf := pool.GetByteBuffer()
	var maxSeq uint64
	for _, a := range entries {
		start := len(buf)
		buf = appendFeature(buf, a.Feature)
		if err := wb.Set(entryKey(a.Seq), buf[start:len(buf):len(buf)]); err != nil {
			return fmt.Errorf("journal: append seq %d: %w", a.Seq, err)
		}
		maxSeq = max(maxSeq, a.Seq)
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("journal: flush: %w", err)
	}
	pool.PutByteBuffer(buf)

	j.appended.Add(uint64(len(entries)))
	for {
		cur := j.lastSeq.Load()
		if cur >= maxSeq || j.lastSeq.CompareAndSwap(cur, maxSeq) {
			break
		}
	}
	return nil
}

// Observer returns an ingest.Observer that appends to the journal. Append
// failures are logged and counted; they never fail ingestion.
func (j *Journal) Observer() ingest.Observer {
	return func(applied []ingest.Applied) {
		if err := j.Append(applied); err != nil {
			j.failed.Add(uint64(len(applied)))
			j.log.Error("journal append failed", "entries", len(applied), "error", err)
		}
	}
}

// Compact deletes every entry with a sequence number <= upTo and runs value
// log garbage collection. Call it after a snapshot covering upTo is safely
// on disk. The highest removed sequence is persisted as the journal's
// low-water mark in the same batch as the deletes.
func (j *Journal) Compact(upTo uint64) (int, error) {
	if j.closed.Load() {
		return 0, ErrClosed
	}

	var keys [][]byte
	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte{prefixEntry}
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			seq, ok := seqFromKey(it.Item().Key())
			if !ok {
				continue
			}
			if seq > upTo {
				break
			}
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("journal: scan for compaction: %w", err)
	}
	if len(keys) == 0 {
		return 0, nil
	}

	through, _ := seqFromKey(keys[len(keys)-1])
	through = max(through, j.compacted.Load())

	wb := j.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range keys {
		if err := wb.Delete(k); err != nil {
			return 0, fmt.Errorf("journal: compact: %w", err)
		}
	}
	if err := wb.Set(keyCompacted, binary.BigEndian.AppendUint64(nil, through)); err != nil {
		return 0, fmt.Errorf("journal: compact: %w", err)
	}
	if err := wb.Flush(); err != nil {
		return 0, fmt.Errorf("journal: compact flush: %w", err)
	}
	j.compacted.Store(through)

	if err := j.db.RunValueLogGC(0.5); err != nil && !errors.Is(err, badger.ErrNoRewrite) && !errors.Is(err, badger.ErrRejected) {
		j.log.Warn("value log gc failed", "error", err)
	}
	j.log.Info("journal compacted", "up_to", upTo, "through", through, "removed", len(keys))
	return len(keys), nil
}

// =============================================================================
// Reads
// =============================================================================

// Replay calls fn with batches of entries whose sequence is greater than
// after, in ascending sequence order. It returns the last sequence passed to
// fn (or after, when there were none). An error from fn stops the replay and
// is returned as is.
func (j *Journal) Replay(after uint64, fn func(batch []ingest.Applied) error) (uint64, error) {
	if j.closed.Load() {
		return after, ErrClosed
	}

	last := after
	batch := make([]ingest.Applied, 0, replayBatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := fn(batch); err != nil {
			return err
		}
		last = batch[len(batch)-1].Seq
		batch = batch[:0]
		return nil
	}

	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte{prefixEntry}
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(entryKey(after + 1)); it.Valid(); it.Next() {
			item := it.Item()
			seq, ok := seqFromKey(item.Key())
			if !ok {
				continue
			}
			var f ingest.Feature
			err := item.Value(func(val []byte) error {
				var err error
				f, err = decodeFeature(val)
				return err
			})
			if err != nil {
				return fmt.Errorf("journal: seq %d: %w", seq, err)
			}
			batch = append(batch, ingest.Applied{Seq: seq, Feature: f})
			if len(batch) == replayBatchSize {
				if err := flush(); err != nil {
					return err
				}
			}
		}
		return flush()
	})
	return last, err
}

// Count returns the number of entries in the journal.
func (j *Journal) Count() (int, error) {
	if j.closed.Load() {
		return 0, ErrClosed
	}
	n := 0
	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte{prefixEntry}
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

// LastSeq returns the highest sequence number the journal has recorded,
// including compacted ones.
func (j *Journal) LastSeq() uint64 {
	return j.lastSeq.Load()
}

// CompactedThrough returns the highest sequence number Compact removed, or 0
// if the journal still holds every entry it ever recorded.
func (j *Journal) CompactedThrough() uint64 {
	return j.compacted.Load()
}

func (j *Journal) loadCompacted() (uint64, error) {
	var through uint64
	err := j.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(keyCompacted)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) != 8 {
				return fmt.Errorf("%w: compaction mark is %d bytes", ErrCorruptEntry, len(val))
			}
			through = binary.BigEndian.Uint64(val)
			return nil
		})
	})
	if err != nil {
		return 0, fmt.Errorf("journal: load compaction mark: %w", err)
	}
	return through, nil
}

func (j *Journal) scanLastSeq() (uint64, error) {
	var last uint64
	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration starts at the greatest key <= the seek key.
		it.Seek(entryKey(^uint64(0)))
		if it.ValidForPrefix([]byte{prefixEntry}) {
			last, _ = seqFromKey(it.Item().Key())
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("journal: scan last sequence: %w", err)
	}
	return last, nil
}

// Stats returns activity counters.
func (j *Journal) Stats() Stats {
	return Stats{
		Appended:         j.appended.Load(),
		Failed:           j.failed.Load(),
		LastSeq:          j.lastSeq.Load(),
		CompactedThrough: j.compacted.Load(),
	}
}

// Close flushes and closes the journal. Safe to call more than once.
func (j *Journal) Close() error {
	if !j.closed.CompareAndSwap(false, true) {
		return nil
	}
	return j.db.Close()
}

// badgerLogger routes Badger's internal logging through the relgraph
// logger.
type badgerLogger struct {
	log *logger.Logger
}

func (b *badgerLogger) Errorf(format string, args ...interface{}) {
	b.log.SugaredLogger.Errorf(format, args...)
}

func (b *badgerLogger) Warningf(format string, args ...interface{}) {
	b.log.SugaredLogger.Warnf(format, args...)
}

func (b *badgerLogger) Infof(format string, args ...interface{}) {
	b.log.SugaredLogger.Infof(format, args...)
}

func (b *badgerLogger) Debugf(format string, args ...interface{}) {
	b.log.SugaredLogger.Debugf(format, args...)
}
