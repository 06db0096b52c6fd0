package coordinator

import (
	"time"

	"github.com/makr-code/polyglot-coordinator/backend"
	"github.com/makr-code/polyglot-coordinator/document"
	"github.com/makr-code/polyglot-coordinator/query"
)

// CreateInput is create()'s input shape (§6.1): attributes plus an
// optional blob and an optional set of graph relationships to link once
// the node fragment exists.
type CreateInput struct {
	Attributes    map[string]any
	Content       string
	Relationships []Relationship
}

// Relationship names one graph edge to upsert after a document's graph
// fragment is written. Edge creation runs outside the saga's
// compensation scope — it is a best-effort supplemental step, not one of
// the four fragments I1 requires to be all-present-or-all-absent.
type Relationship struct {
	To    document.ID
	Type  string
	Props map[string]any
}

// UpdateInput is update()'s patch shape (§6.1): an attribute merge plus
// an optional replacement content blob that re-triggers re-embedding.
type UpdateInput struct {
	Attributes map[string]any
	Content    *string
}

// RelationalLeg is the relational half of a search() request (§6.1,
// §4.5): a caller-built Node filter plus projection/sort/paging.
type RelationalLeg struct {
	Where      query.Node
	Projection []string
	Sort       []backend.SortField
	Limit      int
	Offset     int
}

// VectorLeg is the vector half of a search() request.
type VectorLeg struct {
	QueryVector []float32
	K           int
	Equals      map[string]any
}

// GraphLeg is the graph half of a search() request.
type GraphLeg struct {
	Label     string
	Where     query.Node
	EdgeTypes []string
	Depth     int
}

// SearchRequest is search()'s input (§6.1): at least one leg plus the
// join semantics to compose them under.
type SearchRequest struct {
	Relational *RelationalLeg
	Vector     *VectorLeg
	Graph      *GraphLeg
	Join       query.Join
}

// HealthReport is health()'s return shape: an overall verdict plus the
// per-backend breakdown the supplemented feature in SPEC_FULL.md §12 adds
// on top of the distilled spec's single-verdict health().
type HealthReport struct {
	Overall    backend.Health
	PerBackend map[document.Backend]backend.Health
}

// StatsSnapshot is stats()'s return shape: cache counters plus the
// audit buffer's drop-oldest overflow counter (§5 back-pressure policy).
type StatsSnapshot struct {
	Cache        CacheStats
	AuditDropped int64
}

// CacheStats mirrors cache.Stats without importing the cache package's
// internal type into the public API surface.
type CacheStats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Size      int
}

// ArchiveResult is archive()'s return shape.
type ArchiveResult struct {
	ExpiresAt time.Time
}
