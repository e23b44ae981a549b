package ingest

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/orneryd/relgraph/pkg/graph"
)

// ErrInvalidFeature is returned for features with an unknown feature type or
// an invalid endpoint. Misuse of graph.Separator inside a name is not
// detected; that is the extractor's contract.
var ErrInvalidFeature = errors.New("invalid training feature")

// FeatureType classifies a training observation. Each type maps to one weight
// delta; every type updates the edge symmetrically.
//
// The numeric values are written into the journal and must never be
// reordered.
type FeatureType uint8

const (
	InvalidFeature FeatureType = iota
	WordAssociation
	WordDesignation
	NgramAssociation
	EntityReference
	BookAssociation
	ParagraphAssociation
	ScriptureReference
	ScriptureReferenceWithoutEmphasis

	numFeatureTypes = int(ScriptureReferenceWithoutEmphasis) + 1
)

var featureTypeNames = [numFeatureTypes]string{
	InvalidFeature:                    "Invalid",
	WordAssociation:                   "WordAssociation",
	WordDesignation:                   "WordDesignation",
	NgramAssociation:                  "NgramAssociation",
	EntityReference:                   "EntityReference",
	BookAssociation:                   "BookAssociation",
	ParagraphAssociation:              "ParagraphAssociation",
	ScriptureReference:                "ScriptureReference",
	ScriptureReferenceWithoutEmphasis: "ScriptureReferenceWithoutEmphasis",
}

// FeatureTypes returns every valid feature type.
func FeatureTypes() []FeatureType {
	out := make([]FeatureType, 0, numFeatureTypes-1)
	for t := WordAssociation; int(t) < numFeatureTypes; t++ {
		out = append(out, t)
	}
	return out
}

// Valid reports whether t is a known, non-zero feature type.
func (t FeatureType) Valid() bool {
	return t > InvalidFeature && int(t) < numFeatureTypes
}

func (t FeatureType) String() string {
	if int(t) < numFeatureTypes {
		return featureTypeNames[t]
	}
	return fmt.Sprintf("FeatureType(%d)", uint8(t))
}

// ParseFeatureType resolves a feature type name, case-insensitively.
func ParseFeatureType(s string) (FeatureType, error) {
	for _, t := range FeatureTypes() {
		if strings.EqualFold(featureTypeNames[t], s) {
			return t, nil
		}
	}
	return InvalidFeature, fmt.Errorf("%w: unknown feature type %q", ErrInvalidFeature, s)
}

// MarshalText implements encoding.TextMarshaler.
func (t FeatureType) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: feature type %d", ErrInvalidFeature, uint8(t))
	}
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *FeatureType) UnmarshalText(b []byte) error {
	parsed, err := ParseFeatureType(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Feature is one observed relationship between two nodes.
//
// JSON form:
//
//	{"a":"Word:faith","b":"ScriptureVerse:bofm|alma|32|21","type":"ScriptureReference"}
type Feature struct {
	A    graph.NodeID `json:"a"`
	B    graph.NodeID `json:"b"`
	Type FeatureType  `json:"type"`
}

func (f Feature) String() string {
	return fmt.Sprintf("%s(%s, %s)", f.Type, f.A, f.B)
}

// Applied pairs a feature with the mutation sequence it was applied under.
type Applied struct {
	Seq     uint64
	Feature Feature
}

// validate returns a short rejection reason, or "" when f is well formed.
func validate(f Feature) string {
	switch {
	case !f.Type.Valid():
		return "feature_type"
	case !f.A.Valid():
		return "node_a"
	case !f.B.Valid():
		return "node_b"
	}
	return ""
}

// Weights maps each feature type to the delta one observation adds to an
// edge.
type Weights map[FeatureType]float32

// DefaultWeights returns the built-in deltas: co-occurrence types add 1,
// designations and entity references 4, scripture references 8 (3 without
// emphasis).
func DefaultWeights() Weights {
	return Weights{
		WordAssociation:                   1,
		WordDesignation:                   4,
		NgramAssociation:                  1,
		EntityReference:                   4,
		BookAssociation:                   1,
		ParagraphAssociation:              1,
		ScriptureReference:                8,
		ScriptureReferenceWithoutEmphasis: 3,
	}
}

// Validate requires a non-negative delta for every feature type.
func (w Weights) Validate() error {
	for _, t := range FeatureTypes() {
		d, ok := w[t]
		if !ok {
			return fmt.Errorf("missing weight for %s", t)
		}
		if d < 0 || math.IsNaN(float64(d)) || math.IsInf(float64(d), 0) {
			return fmt.Errorf("invalid weight for %s: %v", t, d)
		}
	}
	return nil
}
