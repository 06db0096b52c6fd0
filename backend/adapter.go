// Package backend defines the BackendAdapter contract (C1): the uniform
// interface every concrete store (relational, document, vector, graph)
// implements, plus the backend-specific extension interfaces and the
// PutOptions/error-kind vocabulary shared by all four. Concrete adapters
// live in the relational, documentstore, vector, and graph subpackages.
package backend

import (
	"context"

	"github.com/makr-code/polyglot-coordinator/document"
)

// Health is the coarse liveness verdict an adapter reports.
type Health string

const (
	HealthOk       Health = "ok"
	HealthDegraded Health = "degraded"
	HealthDown     Health = "down"
)

// PutOptions controls a single put call. IfVersion, when non-zero,
// enables optimistic concurrency: the relational and document adapters
// fail with a VersionConflict-kind error if the stored fragment's current
// version does not match. The vector and graph adapters ignore IfVersion.
type PutOptions struct {
	IfVersion int64
}

// Adapter is the contract every backend implements (§4.1). It does not
// abstract away semantic differences between backends — callers type-
// assert to one of the *Ops interfaces below to reach backend-specific
// operations. Adapters are stateless apart from their connection pool
// and must be safe for concurrent use.
type Adapter interface {
	// Kind names which of the four backend families this adapter is.
	Kind() document.Backend

	// Get returns the fragment for id, or a NotFound-kind *errs.Error.
	Get(ctx context.Context, id document.ID) (document.Fragment, error)

	// GetMany returns a fragment per found id; ids absent from the
	// returned map were not found — that is not itself an error.
	GetMany(ctx context.Context, ids []document.ID) (map[document.ID]document.Fragment, error)

	// Exists reports presence per id.
	Exists(ctx context.Context, ids []document.ID) (map[document.ID]bool, error)

	// Put upserts fragment. Idempotent under repeated identical calls.
	Put(ctx context.Context, id document.ID, fragment document.Fragment, opts PutOptions) error

	// Delete is idempotent; a missing id is treated as success.
	Delete(ctx context.Context, id document.ID) error

	// Health reports the adapter's current liveness verdict.
	Health(ctx context.Context) Health

	// MaxBatchSize is the largest batch this adapter accepts in one
	// GetMany/PutAll call before BatchReader/BatchWriter must split it.
	MaxBatchSize() int

	// MaxConcurrency bounds in-flight operations this adapter's
	// connection pool permits, used to bound fan-out concurrency.
	MaxConcurrency() int
}

// RelationalOps is implemented by the relational backend in addition to Adapter.
type RelationalOps interface {
	Query(ctx context.Context, filter NativeQuery, projection []string, sort []SortField, limit, offset int) ([]document.Fragment, error)
	BatchExists(ctx context.Context, ids []document.ID) (map[document.ID]bool, error)
}

// DocumentOps is implemented by the document backend in addition to Adapter.
type DocumentOps interface {
	PutBlob(ctx context.Context, id document.ID, stream BlobReader) error
	GetBlob(ctx context.Context, id document.ID) (BlobReader, error)
	DeleteBlob(ctx context.Context, id document.ID) error
}

// VectorOps is implemented by the vector backend in addition to Adapter.
type VectorOps interface {
	UpsertVector(ctx context.Context, id document.ID, vector []float32, metadata map[string]any) error
	Search(ctx context.Context, query []float32, k int, filter NativeQuery) ([]ScoredID, error)
}

// GraphOps is implemented by the graph backend in addition to Adapter.
type GraphOps interface {
	UpsertNode(ctx context.Context, id document.ID, labels []string, props map[string]any) error
	UpsertEdge(ctx context.Context, from, to document.ID, edgeType string, props map[string]any) error
	QueryPattern(ctx context.Context, pattern NativeQuery) ([]map[string]any, error)
	Traverse(ctx context.Context, startIDs []document.ID, edgeTypes []string, depth int) ([]GraphElement, error)
}

// ScoredID pairs an id with a similarity score, as returned by vector search.
type ScoredID struct {
	ID    document.ID
	Score float64
}

// GraphElement is either a node or an edge surfaced by Traverse.
type GraphElement struct {
	IsEdge bool
	NodeID document.ID
	From   document.ID
	To     document.ID
	Type   string
	Labels []string
	Props  map[string]any
}

// SortField names a field and direction for RelationalOps.Query.
type SortField struct {
	Field      string
	Descending bool
}

// BlobReader is the minimal streaming contract blob storage needs; it is
// satisfied by *bytes.Reader, an *os.File, or an io.ReadSeeker wrapping
// network content.
type BlobReader interface {
	Read(p []byte) (int, error)
	Seek(offset int64, whence int) (int64, error)
}

// NativeQuery is the output of a FilterBuilder.ToNative call (C5): an
// opaque, backend-specific, fully-parameterized query. Adapters accept
// only NativeQuery values, never a raw string built by string
// interpolation of caller-supplied values.
type NativeQuery interface {
	// Backend names which adapter kind produced this query, so the
	// PolyglotPlanner can route it without a type switch on every call site.
	Backend() document.Backend
}
