// Package query implements the FilterBuilder family (C5): one fluent,
// backend-agnostic expression tree plus a per-backend translator that
// turns it into the backend's NativeQuery form, and the PolyglotPlanner
// that fans filters out across backends and joins the result sets.
//
// Node is the backend-agnostic half of a FilterBuilder: eq/ne/gt/lt/in/
// between/contains/starts_with/matches_regex plus logical and/or/not,
// exactly the node set §4.5 requires. Each per-backend builder (see
// relational.go, vector.go, graph.go) accepts a Node tree and is the only
// component allowed to produce a backend.NativeQuery from it, so literals
// are always parameterized out-of-band rather than string-interpolated.
package query

import "regexp"

// Op names a single Node's operator.
type Op string

const (
	OpEq          Op = "eq"
	OpNe          Op = "ne"
	OpGt          Op = "gt"
	OpLt          Op = "lt"
	OpIn          Op = "in"
	OpBetween     Op = "between"
	OpContains    Op = "contains"
	OpStartsWith  Op = "starts_with"
	OpMatchesRe   Op = "matches_regex"
	OpAnd         Op = "and"
	OpOr          Op = "or"
	OpNot         Op = "not"
)

// Node is one element of a filter expression tree. Leaf nodes carry
// Field/Value (or Values, for In/Between); logical nodes carry Children.
type Node struct {
	Op       Op
	Field    string
	Value    any
	Values   []any
	Children []Node
}

func Eq(field string, value any) Node  { return Node{Op: OpEq, Field: field, Value: value} }
func Ne(field string, value any) Node  { return Node{Op: OpNe, Field: field, Value: value} }
func Gt(field string, value any) Node  { return Node{Op: OpGt, Field: field, Value: value} }
func Lt(field string, value any) Node  { return Node{Op: OpLt, Field: field, Value: value} }
func Contains(field string, value any) Node   { return Node{Op: OpContains, Field: field, Value: value} }
func StartsWith(field string, value any) Node { return Node{Op: OpStartsWith, Field: field, Value: value} }
func MatchesRegex(field string, pattern string) Node {
	return Node{Op: OpMatchesRe, Field: field, Value: pattern}
}

// In builds a membership test. The caller-supplied length is not
// validated here; RelationalFilterBuilder's ToNative checks it against
// its max_sequential_ids threshold (§9 Open Questions resolution), and
// the graph builder passes the list through unchecked.
func In(field string, values ...any) Node { return Node{Op: OpIn, Field: field, Values: values} }

// Between builds an inclusive range test.
func Between(field string, lo, hi any) Node {
	return Node{Op: OpBetween, Field: field, Values: []any{lo, hi}}
}

func And(children ...Node) Node { return Node{Op: OpAnd, Children: children} }
func Or(children ...Node) Node  { return Node{Op: OpOr, Children: children} }
func Not(child Node) Node       { return Node{Op: OpNot, Children: []Node{child}} }

// compileRegex validates that a matches_regex literal is itself a valid
// expression before it is handed to a backend's native regex operator,
// so a malformed pattern surfaces as ValidationFailed at build time
// rather than as an opaque backend error at query time.
func compileRegex(pattern string) error {
	_, err := regexp.Compile(pattern)
	return err
}

// IsEmpty reports whether n is the zero Node (no filter at all), used by
// builders to short-circuit ToNative for an unconstrained query.
func (n Node) IsEmpty() bool {
	return n.Op == "" && n.Field == "" && len(n.Children) == 0
}
