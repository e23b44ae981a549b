// Package graph provides the in-memory association graph used by relgraph.
//
// The graph is stored as an arena: every node gets a dense uint32 index on
// first sight and lives in an append-only slice, so adjacency lists refer to
// neighbors by index rather than by pointer or string. Only the NodeID→index
// lookup needs a map.
//
// Components:
//   - NodeID: value identity (type tag + name)
//   - NodeTable: interns NodeID values into dense indices
//   - EdgeStore: symmetric weighted adjacency with merge-on-duplicate
//   - Store: the three pieces above plus the shard lock discipline
//
// Example Usage:
//
//	store := graph.NewStore(256)
//
//	faith := store.Nodes.GetOrCreate(graph.NodeID{Type: graph.Word, Name: "faith"})
//	hope := store.Nodes.GetOrCreate(graph.NodeID{Type: graph.Word, Name: "hope"})
//
//	store.Locks.LockBucketPair(store.Bucket(faith), store.Bucket(hope))
//	_ = store.Edges.AddWeight(faith, hope, 1.0)
//	store.Locks.UnlockBucketPair(store.Bucket(faith), store.Bucket(hope))
//
//	for _, n := range store.Neighbors(faith, nil) {
//		fmt.Println(n.Index, n.Weight)
//	}
package graph

import (
	"errors"
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Common errors
var (
	ErrInvalidWeight   = errors.New("invalid weight delta")
	ErrUnknownIndex    = errors.New("unknown node index")
	ErrInvalidNodeType = errors.New("invalid node type")
	ErrInvalidNodeID   = errors.New("invalid node id")
)

// Separator joins the components of a composite node name
// (e.g. canon|book|chapter|verse). Extractors must never emit it inside a
// single component; the graph does not check.
const Separator = "|"

// NodeType tags what kind of thing a node names.
//
// The numeric values are written into snapshots and must never be reordered.
// Zero is reserved as the invalid type.
type NodeType uint16

const (
	InvalidType NodeType = iota
	Word
	NGram
	CharNGram
	ScriptureVerse
	ScriptureChapter
	ScriptureBook
	ConferenceTalk
	ConferenceParagraph
	ConferenceSpeaker
	BibleDictionaryTopic
	BibleDictionaryParagraph
	TopicalGuideKeyword
	GuideToScripturesTopic
	Entity
	Hymn
	HymnVerse
	BookChapter
	BookParagraph
	Year
	Conference

	maxNodeType = Conference
)

var nodeTypeNames = [...]string{
	InvalidType:              "Invalid",
	Word:                     "Word",
	NGram:                    "NGram",
	CharNGram:                "CharNGram",
	ScriptureVerse:           "ScriptureVerse",
	ScriptureChapter:         "ScriptureChapter",
	ScriptureBook:            "ScriptureBook",
	ConferenceTalk:           "ConferenceTalk",
	ConferenceParagraph:      "ConferenceParagraph",
	ConferenceSpeaker:        "ConferenceSpeaker",
	BibleDictionaryTopic:     "BibleDictionaryTopic",
	BibleDictionaryParagraph: "BibleDictionaryParagraph",
	TopicalGuideKeyword:      "TopicalGuideKeyword",
	GuideToScripturesTopic:   "GuideToScripturesTopic",
	Entity:                   "Entity",
	Hymn:                     "Hymn",
	HymnVerse:                "HymnVerse",
	BookChapter:              "BookChapter",
	BookParagraph:            "BookParagraph",
	Year:                     "Year",
	Conference:               "Conference",
}

// NodeTypes returns every valid node type in tag order.
func NodeTypes() []NodeType {
	out := make([]NodeType, 0, int(maxNodeType))
	for t := Word; t <= maxNodeType; t++ {
		out = append(out, t)
	}
	return out
}

// Valid reports whether t is a known, non-zero tag.
func (t NodeType) Valid() bool {
	return t > InvalidType && t <= maxNodeType
}

func (t NodeType) String() string {
	if int(t) < len(nodeTypeNames) {
		return nodeTypeNames[t]
	}
	return fmt.Sprintf("NodeType(%d)", uint16(t))
}

// ParseNodeType resolves a type name, case-insensitively.
func ParseNodeType(s string) (NodeType, error) {
	for t := Word; t <= maxNodeType; t++ {
		if strings.EqualFold(nodeTypeNames[t], s) {
			return t, nil
		}
	}
	return InvalidType, fmt.Errorf("%w: %q", ErrInvalidNodeType, s)
}

// MarshalText implements encoding.TextMarshaler.
func (t NodeType) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidNodeType, uint16(t))
	}
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *NodeType) UnmarshalText(b []byte) error {
	parsed, err := ParseNodeType(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// NodeID identifies a node by value. Two NodeIDs are the same node exactly
// when Type and Name are equal, so NodeID is usable as a map key.
//
// Example:
//
//	verse := graph.NodeID{
//		Type: graph.ScriptureVerse,
//		Name: graph.CompositeName("bofm", "alma", "32", "21"),
//	}
type NodeID struct {
	Type NodeType
	Name string
}

// CompositeName flattens identity components into a single node name.
func CompositeName(parts ...string) string {
	return strings.Join(parts, Separator)
}

// Parts splits a composite name back into its components.
func (id NodeID) Parts() []string {
	return strings.Split(id.Name, Separator)
}

// Valid reports whether id has a known type and a non-empty name.
func (id NodeID) Valid() bool {
	return id.Type.Valid() && id.Name != ""
}

// Hash64 returns a stable 64-bit hash of (Type, Name), used for shard
// selection.
func (id NodeID) Hash64() uint64 {
	return xxhash.Sum64String(id.Name) ^ (uint64(id.Type) * 0x9E3779B97F4A7C15)
}

// String renders id as "Type:Name".
func (id NodeID) String() string {
	return id.Type.String() + ":" + id.Name
}

// Compare orders ids by type tag, then name. Used to break score ties.
func Compare(a, b NodeID) int {
	switch {
	case a.Type < b.Type:
		return -1
	case a.Type > b.Type:
		return 1
	}
	return strings.Compare(a.Name, b.Name)
}

// ParseNodeID parses the "Type:Name" form produced by String.
func ParseNodeID(s string) (NodeID, error) {
	typ, name, ok := strings.Cut(s, ":")
	if !ok || name == "" {
		return NodeID{}, fmt.Errorf("%w: %q (want Type:Name)", ErrInvalidNodeID, s)
	}
	t, err := ParseNodeType(typ)
	if err != nil {
		return NodeID{}, err
	}
	return NodeID{Type: t, Name: name}, nil
}

// MarshalText implements encoding.TextMarshaler.
func (id NodeID) MarshalText() ([]byte, error) {
	if !id.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidNodeID, id)
	}
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *NodeID) UnmarshalText(b []byte) error {
	parsed, err := ParseNodeID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Neighbor is one adjacency entry.
type Neighbor struct {
	Index  uint32
	Weight float32
}
