package query

import (
	"github.com/makr-code/polyglot-coordinator/backend"
	"github.com/makr-code/polyglot-coordinator/backend/vector"
	"github.com/makr-code/polyglot-coordinator/errs"
)

// VectorFilterBuilder is the FilterBuilder for the vector backend
// (§4.5): metadata equality constraints plus a backend-specific
// similarity threshold. The threshold is only recorded and reported by
// Threshold: it is not part of the native query, and the planner does
// not filter Search results by it.
type VectorFilterBuilder struct {
	equals        map[string]any
	threshold     float64
	hasThreshold  bool
}

func NewVectorFilterBuilder() *VectorFilterBuilder {
	return &VectorFilterBuilder{equals: make(map[string]any)}
}

// Eq adds a metadata equality constraint.
func (b *VectorFilterBuilder) Eq(field string, value any) *VectorFilterBuilder {
	b.equals[field] = value
	return b
}

// SimilarityThreshold records a minimum cosine score, reported back by
// Threshold; ToNative and the planner do not apply it.
func (b *VectorFilterBuilder) SimilarityThreshold(t float64) *VectorFilterBuilder {
	b.threshold = t
	b.hasThreshold = true
	return b
}

// Threshold reports the configured similarity threshold, if any.
func (b *VectorFilterBuilder) Threshold() (float64, bool) { return b.threshold, b.hasThreshold }

// ToNative translates the accumulated equality constraints into a
// vector.Query. It never fails: unsupported node kinds (gt/lt/regex/etc.
// have no meaning against vector metadata here) are rejected as
// ValidationFailed by Node, before they reach the builder.
func (b *VectorFilterBuilder) ToNative() (backend.NativeQuery, error) {
	return &vector.Query{Equals: b.equals}, nil
}

// Node consumes a Node tree built from And(Eq(...), Eq(...), ...),
// matching the common case of a flat conjunction of equality checks;
// anything richer than that is rejected, since the vector backend only
// supports metadata equality filters (§4.1).
func (b *VectorFilterBuilder) Node(n Node) (*VectorFilterBuilder, error) {
	switch n.Op {
	case "":
		return b, nil
	case OpEq:
		b.Eq(n.Field, n.Value)
		return b, nil
	case OpAnd:
		for _, c := range n.Children {
			if _, err := b.Node(c); err != nil {
				return nil, err
			}
		}
		return b, nil
	default:
		return nil, errs.New(errs.KindValidationError, "vector filter only supports eq/and of metadata fields").WithBackend("vector")
	}
}
