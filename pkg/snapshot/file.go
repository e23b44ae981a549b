package snapshot

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
	"gopkg.in/yaml.v3"

	"github.com/orneryd/relgraph/pkg/graph"
)

// ManifestSuffix is appended to a snapshot path to name its manifest.
const ManifestSuffix = ".manifest.yaml"

// ErrDigestMismatch is returned by LoadFile when the snapshot bytes do not
// match the digest recorded in its manifest.
var ErrDigestMismatch = errors.New("snapshot digest mismatch")

// Manifest describes a snapshot file. It is written next to the snapshot as
// YAML and carries what the binary stream does not: an identity, a content
// digest and the mutation sequence the snapshot reflects.
type Manifest struct {
	ID        string    `yaml:"id"`
	Version   uint16    `yaml:"version"`
	Digest    string    `yaml:"digest"`
	Nodes     int       `yaml:"nodes"`
	Edges     int64     `yaml:"edges"`
	Bytes     int64     `yaml:"bytes"`
	Seq       uint64    `yaml:"seq"`
	CreatedAt time.Time `yaml:"created_at"`
}

// ManifestPath returns the manifest path for a snapshot path.
func ManifestPath(path string) string {
	return path + ManifestSuffix
}

// SaveFile writes a snapshot of store to path and its manifest next to it.
//
// Both files are written to a temporary name, synced and renamed into place,
// so a crash leaves either the previous snapshot or the new one. The snapshot
// is renamed before the manifest; a manifest always describes the file
// beside it or an older one, and LoadFile detects the latter by digest.
func SaveFile(path string, store *graph.Store) (*Manifest, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("snapshot: create directory: %w", err)
	}

	h, _ := blake2b.New256(nil)
	var stats Stats
	err := writeAtomic(path, func(f io.Writer) error {
		var err error
		stats, err = Save(io.MultiWriter(f, h), store)
		return err
	})
	if err != nil {
		return nil, err
	}

	m := &Manifest{
		ID:        uuid.New().String(),
		Version:   Version,
		Digest:    "blake2b-256:" + hex.EncodeToString(h.Sum(nil)),
		Nodes:     stats.Nodes,
		Edges:     stats.Edges,
		Bytes:     stats.Bytes,
		Seq:       stats.Seq,
		CreatedAt: time.Now().UTC(),
	}
	data, err := yaml.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("snapshot: encode manifest: %w", err)
	}
	err = writeAtomic(ManifestPath(path), func(f io.Writer) error {
		_, err := f.Write(data)
		return err
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func writeAtomic(path string, write func(io.Writer) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("snapshot: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	fail := func(op string, err error) error {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("snapshot: %s %s: %w", op, path, err)
	}

	if err := write(tmp); err != nil {
		return fail("write", err)
	}
	if err := tmp.Sync(); err != nil {
		return fail("sync", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("snapshot: close %s: %w", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("snapshot: rename %s: %w", path, err)
	}
	return nil
}

// ReadManifest reads the manifest for the snapshot at path. It returns
// (nil, nil) when there is none.
func ReadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(ManifestPath(path))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("snapshot: read manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("snapshot: decode manifest: %w", err)
	}
	return &m, nil
}

// LoadFile loads the snapshot at path.
//
// When a manifest exists the file's digest must match it (ErrDigestMismatch
// otherwise) and the store's mutation sequence is restored from it. Without
// a manifest the snapshot loads with sequence zero and a nil manifest.
func LoadFile(path string, shards int) (*graph.Store, *Manifest, error) {
	m, err := ReadManifest(path)
	if err != nil {
		return nil, nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("snapshot: open: %w", err)
	}
	defer f.Close()

	h, _ := blake2b.New256(nil)
	store, _, err := Load(io.TeeReader(f, h), shards)
	if err != nil {
		return nil, nil, err
	}

	if m != nil {
		got := "blake2b-256:" + hex.EncodeToString(h.Sum(nil))
		if got != m.Digest {
			return nil, nil, fmt.Errorf("%w: %s: manifest %s, file %s", ErrDigestMismatch, path, m.Digest, got)
		}
		store.AdvanceSeq(m.Seq)
	}
	return store, m, nil
}
