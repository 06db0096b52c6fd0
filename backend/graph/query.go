package graph

import "github.com/makr-code/polyglot-coordinator/document"

// Query is the graph backend's backend.NativeQuery: a parameterized
// Cypher statement produced by query.GraphFilterBuilder. Params carries
// every literal out-of-band of Cypher, matching the no-string-
// interpolation rule in §4.5. NodeIDs is an optional allow-list used to
// pipeline a Sequential join's carried id set into this leg's pattern.
type Query struct {
	Cypher  string
	Params  map[string]any
	NodeIDs []string
}

func (q *Query) Backend() document.Backend { return document.BackendGraph }
