package coordinator_test

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/makr-code/polyglot-coordinator/archive"
	"github.com/makr-code/polyglot-coordinator/backend"
	graphbackend "github.com/makr-code/polyglot-coordinator/backend/graph"
	relbackend "github.com/makr-code/polyglot-coordinator/backend/relational"
	vecbackend "github.com/makr-code/polyglot-coordinator/backend/vector"
	"github.com/makr-code/polyglot-coordinator/coordinator"
	"github.com/makr-code/polyglot-coordinator/document"
	"github.com/makr-code/polyglot-coordinator/embedder"
	"github.com/makr-code/polyglot-coordinator/errs"
	"github.com/makr-code/polyglot-coordinator/query"
	"github.com/makr-code/polyglot-coordinator/saga"
	"github.com/makr-code/polyglot-coordinator/security"
)

// --- fakes -----------------------------------------------------------

// fakeRelational is a backend.Adapter + backend.RelationalOps double for
// document.BackendRelational, with a Query that understands exactly the
// shape RelationalFilterBuilder produces: an empty Where means
// unconstrained, and a Where containing "owner_id = ?" filters by the
// last bound argument, mirroring how ownerConstrained always appends the
// owner predicate last.
type fakeRelational struct {
	mu   sync.Mutex
	data map[document.ID]document.Fragment
}

func newFakeRelational() *fakeRelational {
	return &fakeRelational{data: make(map[document.ID]document.Fragment)}
}

func (f *fakeRelational) Kind() document.Backend { return document.BackendRelational }

func (f *fakeRelational) Get(ctx context.Context, id document.ID) (document.Fragment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	frag, ok := f.data[id]
	if !ok {
		return document.Fragment{}, errs.New(errs.KindNotFound, "fragment not found")
	}
	return cloneFragment(frag), nil
}

func (f *fakeRelational) GetMany(ctx context.Context, ids []document.ID) (map[document.ID]document.Fragment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[document.ID]document.Fragment)
	for _, id := range ids {
		if frag, ok := f.data[id]; ok {
			out[id] = cloneFragment(frag)
		}
	}
	return out, nil
}

func (f *fakeRelational) Exists(ctx context.Context, ids []document.ID) (map[document.ID]bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[document.ID]bool, len(ids))
	for _, id := range ids {
		_, ok := f.data[id]
		out[id] = ok
	}
	return out, nil
}

func (f *fakeRelational) Put(ctx context.Context, id document.ID, fragment document.Fragment, opts backend.PutOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if opts.IfVersion != 0 {
		existing, ok := f.data[id]
		if !ok || existing.Version != opts.IfVersion {
			return errs.New(errs.KindVersionConflict, "version mismatch")
		}
	}
	fragment.UpdatedAt = time.Now()
	f.data[id] = fragment
	return nil
}

func (f *fakeRelational) Delete(ctx context.Context, id document.ID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data, id)
	return nil
}

func (f *fakeRelational) Health(ctx context.Context) backend.Health { return backend.HealthOk }
func (f *fakeRelational) MaxBatchSize() int                         { return 500 }
func (f *fakeRelational) MaxConcurrency() int                       { return 8 }

func (f *fakeRelational) BatchExists(ctx context.Context, ids []document.ID) (map[document.ID]bool, error) {
	return f.Exists(ctx, ids)
}

func (f *fakeRelational) Query(ctx context.Context, filter backend.NativeQuery, projection []string, sort []backend.SortField, limit, offset int) ([]document.Fragment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	nq, _ := filter.(*relbackend.Query)
	var ownerFilter string
	if nq != nil && nq.Where != "" && len(nq.Args) > 0 {
		if s, ok := nq.Args[len(nq.Args)-1].(string); ok {
			ownerFilter = s
		}
	}

	var out []document.Fragment
	for _, frag := range f.data {
		if ownerFilter != "" && frag.OwnerID != ownerFilter {
			continue
		}
		out = append(out, cloneFragment(frag))
	}
	return out, nil
}

func (f *fakeRelational) has(id document.ID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.data[id]
	return ok
}

func cloneFragment(frag document.Fragment) document.Fragment {
	data := make(map[string]any, len(frag.Data))
	for k, v := range frag.Data {
		data[k] = v
	}
	frag.Data = data
	return frag
}

// fakeVector is a backend.Adapter + backend.VectorOps double for
// document.BackendVector.
type fakeVector struct {
	mu       sync.Mutex
	vectors  map[document.ID][]float32
	metadata map[document.ID]map[string]any
}

func newFakeVector() *fakeVector {
	return &fakeVector{vectors: map[document.ID][]float32{}, metadata: map[document.ID]map[string]any{}}
}

func (f *fakeVector) Kind() document.Backend { return document.BackendVector }
func (f *fakeVector) Get(ctx context.Context, id document.ID) (document.Fragment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.vectors[id]; !ok {
		return document.Fragment{}, errs.New(errs.KindNotFound, "vector not found")
	}
	return document.Fragment{ID: id, Backend: document.BackendVector}, nil
}
func (f *fakeVector) GetMany(ctx context.Context, ids []document.ID) (map[document.ID]document.Fragment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[document.ID]document.Fragment)
	for _, id := range ids {
		if _, ok := f.vectors[id]; ok {
			out[id] = document.Fragment{ID: id, Backend: document.BackendVector}
		}
	}
	return out, nil
}
func (f *fakeVector) Exists(ctx context.Context, ids []document.ID) (map[document.ID]bool, error) {
	return nil, nil
}
func (f *fakeVector) Put(ctx context.Context, id document.ID, fragment document.Fragment, opts backend.PutOptions) error {
	return nil
}
func (f *fakeVector) Delete(ctx context.Context, id document.ID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.vectors, id)
	delete(f.metadata, id)
	return nil
}
func (f *fakeVector) Health(ctx context.Context) backend.Health { return backend.HealthOk }
func (f *fakeVector) MaxBatchSize() int                          { return 500 }
func (f *fakeVector) MaxConcurrency() int                        { return 8 }

func (f *fakeVector) UpsertVector(ctx context.Context, id document.ID, v []float32, metadata map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vectors[id] = v
	f.metadata[id] = metadata
	return nil
}

func (f *fakeVector) Search(ctx context.Context, q []float32, k int, filter backend.NativeQuery) ([]backend.ScoredID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	nq, _ := filter.(*vecbackend.Query)
	var out []backend.ScoredID
	for id, meta := range f.metadata {
		if nq != nil && !nq.Matches(map[string]any{"metadata": meta}) {
			continue
		}
		if nq != nil && len(nq.IDs) > 0 && !containsIDString(nq.IDs, id.String()) {
			continue
		}
		out = append(out, backend.ScoredID{ID: id, Score: 1})
	}
	return out, nil
}

func containsIDString(ids []string, id string) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}

func (f *fakeVector) hasVector(id document.ID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.vectors[id]
	return ok
}

// fakeGraph is a backend.Adapter + backend.GraphOps double for
// document.BackendGraph. QueryPattern approximates the owner_id
// constraint GraphFilterBuilder bakes into Cypher params: a node is
// included only if every bound param value matches one of its own prop
// values, which is exactly what a single owner_id equality predicate
// needs without parsing Cypher text.
type fakeGraph struct {
	mu    sync.Mutex
	nodes map[document.ID]map[string]any
}

func newFakeGraph() *fakeGraph { return &fakeGraph{nodes: map[document.ID]map[string]any{}} }

func (f *fakeGraph) Kind() document.Backend { return document.BackendGraph }
func (f *fakeGraph) Get(ctx context.Context, id document.ID) (document.Fragment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.nodes[id]; !ok {
		return document.Fragment{}, errs.New(errs.KindNotFound, "node not found")
	}
	return document.Fragment{ID: id, Backend: document.BackendGraph}, nil
}
func (f *fakeGraph) GetMany(ctx context.Context, ids []document.ID) (map[document.ID]document.Fragment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[document.ID]document.Fragment)
	for _, id := range ids {
		if _, ok := f.nodes[id]; ok {
			out[id] = document.Fragment{ID: id, Backend: document.BackendGraph}
		}
	}
	return out, nil
}
func (f *fakeGraph) Exists(ctx context.Context, ids []document.ID) (map[document.ID]bool, error) {
	return nil, nil
}
func (f *fakeGraph) Put(ctx context.Context, id document.ID, fragment document.Fragment, opts backend.PutOptions) error {
	return nil
}
func (f *fakeGraph) Delete(ctx context.Context, id document.ID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.nodes, id)
	return nil
}
func (f *fakeGraph) Health(ctx context.Context) backend.Health { return backend.HealthOk }
func (f *fakeGraph) MaxBatchSize() int                         { return 500 }
func (f *fakeGraph) MaxConcurrency() int                       { return 8 }

func (f *fakeGraph) UpsertNode(ctx context.Context, id document.ID, labels []string, props map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nodes[id] = props
	return nil
}
func (f *fakeGraph) UpsertEdge(ctx context.Context, from, to document.ID, edgeType string, props map[string]any) error {
	return nil
}
func (f *fakeGraph) QueryPattern(ctx context.Context, pattern backend.NativeQuery) ([]map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q, _ := pattern.(*graphbackend.Query)
	var rows []map[string]any
	for id, props := range f.nodes {
		if q != nil && !graphNodeMatchesParams(props, q.Params) {
			continue
		}
		if q != nil && len(q.NodeIDs) > 0 && !containsIDString(q.NodeIDs, id.String()) {
			continue
		}
		rows = append(rows, map[string]any{"id": id.String()})
	}
	return rows, nil
}
func (f *fakeGraph) Traverse(ctx context.Context, startIDs []document.ID, edgeTypes []string, depth int) ([]backend.GraphElement, error) {
	return nil, nil
}

func (f *fakeGraph) hasNode(id document.ID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.nodes[id]
	return ok
}

func graphNodeMatchesParams(props map[string]any, params map[string]any) bool {
	for _, want := range params {
		found := false
		for _, have := range props {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// fakeDocAdapter is a minimal backend.Adapter double for
// document.BackendDocument; the coordinator only ever consults it
// through Health and the batch reader, never through DocumentOps
// directly in these tests.
type fakeDocAdapter struct {
	mu   sync.Mutex
	data map[document.ID]document.Fragment
}

func newFakeDocAdapter() *fakeDocAdapter {
	return &fakeDocAdapter{data: make(map[document.ID]document.Fragment)}
}

func (f *fakeDocAdapter) Kind() document.Backend { return document.BackendDocument }
func (f *fakeDocAdapter) Get(ctx context.Context, id document.ID) (document.Fragment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	frag, ok := f.data[id]
	if !ok {
		return document.Fragment{}, errs.New(errs.KindNotFound, "fragment not found")
	}
	return frag, nil
}
func (f *fakeDocAdapter) GetMany(ctx context.Context, ids []document.ID) (map[document.ID]document.Fragment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[document.ID]document.Fragment)
	for _, id := range ids {
		if frag, ok := f.data[id]; ok {
			out[id] = frag
		}
	}
	return out, nil
}
func (f *fakeDocAdapter) Exists(ctx context.Context, ids []document.ID) (map[document.ID]bool, error) {
	return nil, nil
}
func (f *fakeDocAdapter) Put(ctx context.Context, id document.ID, fragment document.Fragment, opts backend.PutOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[id] = fragment
	return nil
}
func (f *fakeDocAdapter) Delete(ctx context.Context, id document.ID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data, id)
	return nil
}
func (f *fakeDocAdapter) Health(ctx context.Context) backend.Health { return backend.HealthOk }
func (f *fakeDocAdapter) MaxBatchSize() int                         { return 500 }
func (f *fakeDocAdapter) MaxConcurrency() int                       { return 8 }

// fakeBlobStore is a documentstore.BlobStore double keyed by string.
type fakeBlobStore struct {
	mu   sync.Mutex
	live map[string][]byte
}

func newFakeBlobStore() *fakeBlobStore { return &fakeBlobStore{live: map[string][]byte{}} }

func (b *fakeBlobStore) Put(ctx context.Context, key string, stream backend.BlobReader) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if stream == nil {
		b.live[key] = nil
		return nil
	}
	buf := new(bytes.Buffer)
	_, _ = buf.ReadFrom(readerAdapter{stream})
	b.live[key] = buf.Bytes()
	return nil
}

// readerAdapter lets buf.ReadFrom consume a backend.BlobReader, whose
// contract is Read+Seek rather than io.Reader alone.
type readerAdapter struct{ backend.BlobReader }

func (b *fakeBlobStore) Get(ctx context.Context, key string) (backend.BlobReader, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.live[key]
	if !ok {
		return nil, errs.New(errs.KindNotFound, "blob not found")
	}
	return &readSeeker{data: data}, nil
}

func (b *fakeBlobStore) Delete(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.live, key)
	return nil
}

func (b *fakeBlobStore) has(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.live[key]
	return ok
}

type readSeeker struct {
	data []byte
	pos  int64
}

func (r *readSeeker) Read(p []byte) (int, error) {
	if r.pos >= int64(len(r.data)) {
		return 0, errs.New(errs.KindInternal, "eof")
	}
	n := copy(p, r.data[r.pos:])
	r.pos += int64(n)
	return n, nil
}

func (r *readSeeker) Seek(offset int64, whence int) (int64, error) {
	r.pos = offset
	return r.pos, nil
}

// fakeAuth resolves a fixed credential->User table, mirroring the
// reference corpus's map-backed test AuthProvider doubles.
type fakeAuth struct {
	users map[string]document.User
}

func (a *fakeAuth) Resolve(ctx context.Context, credential string) (document.User, error) {
	u, ok := a.users[credential]
	if !ok {
		return document.User{}, errs.New(errs.KindUnauthenticated, "unknown credential")
	}
	return u, nil
}

func perms(ps ...document.Permission) map[document.Permission]struct{} {
	out := make(map[document.Permission]struct{}, len(ps))
	for _, p := range ps {
		out[p] = struct{}{}
	}
	return out
}

func basicUser(id string) document.User {
	return document.User{
		UserID: id, Role: document.RoleUser,
		Permissions: perms(document.PermRead, document.PermWrite, document.PermDelete, document.PermArchive),
	}
}

type noopAudit struct{}

func (noopAudit) Emit(ctx context.Context, rec security.AuditRecord) {}

// memStore/memLease mirror the in-memory saga.Store/saga.Lease doubles
// the saga package's own tests use, reimplemented here since those are
// unexported in package saga_test.
type memStore struct {
	mu   sync.Mutex
	recs map[document.ID]saga.Record
}

func newMemStore() *memStore { return &memStore{recs: make(map[document.ID]saga.Record)} }

func (s *memStore) Begin(ctx context.Context, rec saga.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs[rec.SagaID] = rec
	return nil
}

func (s *memStore) Load(ctx context.Context, sagaID document.ID) (saga.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[sagaID]
	if !ok {
		return saga.Record{}, errs.New(errs.KindNotFound, "no such saga")
	}
	return rec, nil
}

func (s *memStore) Save(ctx context.Context, rec saga.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs[rec.SagaID] = rec
	return nil
}

func (s *memStore) ListRecoverable(ctx context.Context) ([]saga.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []saga.Record
	for _, rec := range s.recs {
		if rec.State == saga.StateRunning || rec.State == saga.StateCompensating {
			out = append(out, rec)
		}
	}
	return out, nil
}

type memLease struct {
	mu         sync.Mutex
	held       map[document.ID]struct{}
	processing map[document.ID]time.Time
}

func newMemLease() *memLease {
	return &memLease{held: make(map[document.ID]struct{}), processing: make(map[document.ID]time.Time)}
}

func (l *memLease) Acquire(ctx context.Context, subjectID document.ID, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[subjectID]; busy {
		return false, nil
	}
	l.held[subjectID] = struct{}{}
	return true, nil
}

func (l *memLease) Renew(ctx context.Context, subjectID document.ID, ttl time.Duration) (bool, error) {
	return true, nil
}

func (l *memLease) Release(ctx context.Context, subjectID document.ID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, subjectID)
	return nil
}

func (l *memLease) MarkProcessing(ctx context.Context, sagaID document.ID, deadline time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.processing[sagaID] = deadline
	return nil
}

func (l *memLease) CompleteProcessing(ctx context.Context, sagaID document.ID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.processing, sagaID)
	return nil
}

func (l *memLease) ExpiredProcessing(ctx context.Context) ([]document.ID, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	var out []document.ID
	for id, deadline := range l.processing {
		if now.After(deadline) {
			out = append(out, id)
		}
	}
	return out, nil
}

// --- harness -----------------------------------------------------------

type harness struct {
	coord *coordinator.Coordinator
	rel   *fakeRelational
	vec   *fakeVector
	graph *fakeGraph
	docs  *fakeDocAdapter
	blobs *fakeBlobStore
	store *memStore
	lease *memLease
	auth  *fakeAuth
}

func newHarness(t *testing.T, users map[string]document.User) *harness {
	t.Helper()

	h := &harness{
		rel:   newFakeRelational(),
		vec:   newFakeVector(),
		graph: newFakeGraph(),
		docs:  newFakeDocAdapter(),
		blobs: newFakeBlobStore(),
		store: newMemStore(),
		lease: newMemLease(),
		auth:  &fakeAuth{users: users},
	}

	cfg := coordinator.DefaultConfig()
	cfg.Saga.Backoff.Base = time.Millisecond
	cfg.Saga.Backoff.Max = 5 * time.Millisecond
	cfg.Saga.Backoff.MaxAttempts = 3
	cfg.Batch.DefaultTimeout = 2 * time.Second

	deps := coordinator.Deps{
		Adapters: map[document.Backend]backend.Adapter{
			document.BackendRelational: h.rel,
			document.BackendDocument:   h.docs,
			document.BackendVector:     h.vec,
			document.BackendGraph:      h.graph,
		},
		BlobStore: h.blobs,
		Embedder:  embedder.NewHashEmbedder(8),
		SagaStore: h.store,
		SagaLease: h.lease,
		Auth:      h.auth,
		Audit:     noopAudit{},
	}

	c, err := coordinator.New(cfg, deps)
	require.NoError(t, err)
	h.coord = c
	return h
}

const ctxDeadline = 2 * time.Second

// --- tests ---------------------------------------------------------

func TestCoordinator_CreateThenGet_RoundTrips(t *testing.T) {
	h := newHarness(t, map[string]document.User{"alice": basicUser("alice")})
	ctx := context.Background()

	id, err := h.coord.Create(ctx, "alice", ctxDeadline, coordinator.CreateInput{
		Attributes: map[string]any{"title": "first doc"},
		Content:    "hello world",
	})
	require.NoError(t, err)
	assert.True(t, h.rel.has(id))
	assert.True(t, h.vec.hasVector(id))
	assert.True(t, h.graph.hasNode(id))
	assert.True(t, h.blobs.has(id.String()))

	doc, err := h.coord.Get(ctx, "alice", ctxDeadline, id, false)
	require.NoError(t, err)
	assert.Equal(t, "alice", doc.OwnerID)
	assert.Equal(t, "first doc", doc.Attributes["title"])
	assert.Equal(t, int64(1), doc.SchemaVersion)
	assert.NotEmpty(t, doc.EmbeddingRef)
	assert.NotEmpty(t, doc.GraphNodeRef)
}

func TestCoordinator_Get_ForbiddenForNonOwner(t *testing.T) {
	h := newHarness(t, map[string]document.User{
		"alice": basicUser("alice"),
		"bob":   basicUser("bob"),
	})
	ctx := context.Background()

	id, err := h.coord.Create(ctx, "alice", ctxDeadline, coordinator.CreateInput{Attributes: map[string]any{"x": 1}})
	require.NoError(t, err)

	_, err = h.coord.Get(ctx, "bob", ctxDeadline, id, false)
	require.Error(t, err)
	assert.Equal(t, errs.KindForbidden, errs.KindOf(err))
}

func TestCoordinator_Update_VersionBumpAndConflict(t *testing.T) {
	h := newHarness(t, map[string]document.User{"alice": basicUser("alice")})
	ctx := context.Background()

	id, err := h.coord.Create(ctx, "alice", ctxDeadline, coordinator.CreateInput{Attributes: map[string]any{"title": "v1"}})
	require.NoError(t, err)

	nextVersion, err := h.coord.Update(ctx, "alice", ctxDeadline, id, coordinator.UpdateInput{
		Attributes: map[string]any{"title": "v2"},
	}, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), nextVersion)

	doc, err := h.coord.Get(ctx, "alice", ctxDeadline, id, false)
	require.NoError(t, err)
	assert.Equal(t, "v2", doc.Attributes["title"])
	assert.Equal(t, int64(2), doc.SchemaVersion)

	_, err = h.coord.Update(ctx, "alice", ctxDeadline, id, coordinator.UpdateInput{
		Attributes: map[string]any{"title": "v3"},
	}, 1)
	require.Error(t, err)
	assert.Equal(t, errs.KindVersionConflict, errs.KindOf(err))
}

func TestCoordinator_Delete_SoftTombstonesThenHardCascadeRemoves(t *testing.T) {
	h := newHarness(t, map[string]document.User{"alice": basicUser("alice")})
	ctx := context.Background()

	id, err := h.coord.Create(ctx, "alice", ctxDeadline, coordinator.CreateInput{Attributes: map[string]any{"x": 1}, Content: "body"})
	require.NoError(t, err)

	require.NoError(t, h.coord.Delete(ctx, "alice", ctxDeadline, id, document.DeleteSoft, document.CascadeNone))

	doc, err := h.coord.Get(ctx, "alice", ctxDeadline, id, false)
	require.NoError(t, err)
	assert.True(t, doc.IsDeleted())
	// Soft delete strips vector/graph fragments (I3) but keeps the relational tombstone.
	assert.False(t, h.vec.hasVector(id))
	assert.False(t, h.graph.hasNode(id))
	assert.True(t, h.rel.has(id))

	require.NoError(t, h.coord.Delete(ctx, "alice", ctxDeadline, id, document.DeleteHard, document.CascadeFull))
	_, err = h.coord.Get(ctx, "alice", ctxDeadline, id, false)
	require.Error(t, err)
	assert.Equal(t, errs.KindNotFound, errs.KindOf(err))
	assert.False(t, h.blobs.has(id.String()))
}

func TestCoordinator_ArchiveThenRestore(t *testing.T) {
	h := newHarness(t, map[string]document.User{"alice": basicUser("alice")})
	ctx := context.Background()

	id, err := h.coord.Create(ctx, "alice", ctxDeadline, coordinator.CreateInput{Attributes: map[string]any{"x": 1}})
	require.NoError(t, err)

	result, err := h.coord.Archive(ctx, "alice", ctxDeadline, id, document.Retention30Days)
	require.NoError(t, err)
	assert.True(t, result.ExpiresAt.After(time.Now()))

	_, err = h.coord.Get(ctx, "alice", ctxDeadline, id, false)
	require.Error(t, err)
	assert.Equal(t, errs.KindNotFound, errs.KindOf(err))

	archived, err := h.coord.Get(ctx, "alice", ctxDeadline, id, true)
	require.NoError(t, err)
	assert.True(t, archived.IsArchived())

	records, err := h.coord.ListArchived(ctx, "alice", archive.Filter{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, id, records[0].ID)

	require.NoError(t, h.coord.Restore(ctx, "alice", ctxDeadline, id))
	restored, err := h.coord.Get(ctx, "alice", ctxDeadline, id, false)
	require.NoError(t, err)
	assert.False(t, restored.IsArchived())
}

func TestCoordinator_BatchGet_PartialSuccessOmitsForbiddenAndMissing(t *testing.T) {
	h := newHarness(t, map[string]document.User{
		"alice": basicUser("alice"),
		"bob":   basicUser("bob"),
	})
	ctx := context.Background()

	aliceID, err := h.coord.Create(ctx, "alice", ctxDeadline, coordinator.CreateInput{Attributes: map[string]any{"owner": "alice"}})
	require.NoError(t, err)
	bobID, err := h.coord.Create(ctx, "bob", ctxDeadline, coordinator.CreateInput{Attributes: map[string]any{"owner": "bob"}})
	require.NoError(t, err)
	missingID := document.NewID()

	out, err := h.coord.BatchGet(ctx, "alice", ctxDeadline, []document.ID{aliceID, bobID, missingID})
	require.NoError(t, err)
	assert.Contains(t, out, aliceID)
	assert.NotContains(t, out, bobID)
	assert.NotContains(t, out, missingID)
}

func TestCoordinator_Search_InjectsRowLevelOwnerPredicateUnlessReadAll(t *testing.T) {
	h := newHarness(t, map[string]document.User{
		"alice": basicUser("alice"),
		"bob":   basicUser("bob"),
		"admin": {UserID: "admin", Role: document.RoleAdmin, Permissions: perms(document.PermRead, document.PermReadAll)},
	})
	ctx := context.Background()

	aliceID, err := h.coord.Create(ctx, "alice", ctxDeadline, coordinator.CreateInput{Attributes: map[string]any{"category": "invoice"}})
	require.NoError(t, err)
	bobID, err := h.coord.Create(ctx, "bob", ctxDeadline, coordinator.CreateInput{Attributes: map[string]any{"category": "invoice"}})
	require.NoError(t, err)

	aliceResult, err := h.coord.Search(ctx, "alice", ctxDeadline, coordinator.SearchRequest{
		Relational: &coordinator.RelationalLeg{},
		Join:       query.JoinIntersection,
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []document.ID{aliceID}, aliceResult.IDs)

	adminResult, err := h.coord.Search(ctx, "admin", ctxDeadline, coordinator.SearchRequest{
		Relational: &coordinator.RelationalLeg{},
		Join:       query.JoinIntersection,
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []document.ID{aliceID, bobID}, adminResult.IDs)
}

func TestCoordinator_Search_UnionAcrossRelationalAndVectorLegs(t *testing.T) {
	h := newHarness(t, map[string]document.User{"alice": basicUser("alice")})
	ctx := context.Background()

	id, err := h.coord.Create(ctx, "alice", ctxDeadline, coordinator.CreateInput{Attributes: map[string]any{"x": 1}, Content: "content"})
	require.NoError(t, err)

	result, err := h.coord.Search(ctx, "alice", ctxDeadline, coordinator.SearchRequest{
		Relational: &coordinator.RelationalLeg{},
		Vector:     &coordinator.VectorLeg{QueryVector: []float32{0, 0, 0}, K: 5},
		Join:       query.JoinUnion,
	})
	require.NoError(t, err)
	assert.Contains(t, result.IDs, id)
}

func TestCoordinator_Search_SequentialJoinShortCircuitsOnEmptyFirstLeg(t *testing.T) {
	h := newHarness(t, map[string]document.User{
		"alice": basicUser("alice"),
		"carol": basicUser("carol"),
	})
	ctx := context.Background()

	_, err := h.coord.Create(ctx, "alice", ctxDeadline, coordinator.CreateInput{Attributes: map[string]any{"category": "other"}})
	require.NoError(t, err)

	// carol owns nothing, so the owner-scoped relational leg comes back
	// empty and the sequential join must short-circuit before ever
	// running the vector leg.
	result, err := h.coord.Search(ctx, "carol", ctxDeadline, coordinator.SearchRequest{
		Relational: &coordinator.RelationalLeg{},
		Vector:     &coordinator.VectorLeg{QueryVector: []float32{0, 0, 0}, K: 5},
		Join:       query.JoinSequential,
	})
	require.NoError(t, err)
	assert.Empty(t, result.IDs)
}

func TestCoordinator_Search_SequentialJoinNarrowsByCarriedIDs(t *testing.T) {
	h := newHarness(t, map[string]document.User{
		"alice": basicUser("alice"),
		"bob":   basicUser("bob"),
		"admin": {UserID: "admin", Role: document.RoleAdmin, Permissions: perms(document.PermRead, document.PermReadAll)},
	})
	ctx := context.Background()

	aliceID, err := h.coord.Create(ctx, "alice", ctxDeadline, coordinator.CreateInput{Attributes: map[string]any{"category": "invoice"}, Content: "alice content"})
	require.NoError(t, err)
	_, err = h.coord.Create(ctx, "bob", ctxDeadline, coordinator.CreateInput{Attributes: map[string]any{"category": "invoice"}, Content: "bob content"})
	require.NoError(t, err)

	// admin has read_all, so neither leg gets an owner_id predicate
	// auto-injected: the relational leg's explicit owner_id = "alice"
	// filter is the only thing narrowing the result, and it must reach
	// the vector leg as a carried id constraint, not just the relational
	// leg's own results.
	result, err := h.coord.Search(ctx, "admin", ctxDeadline, coordinator.SearchRequest{
		Relational: &coordinator.RelationalLeg{Where: query.Eq("owner_id", "alice")},
		Vector:     &coordinator.VectorLeg{QueryVector: []float32{0, 0, 0}, K: 5},
		Join:       query.JoinSequential,
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []document.ID{aliceID}, result.IDs)
}

func TestCoordinator_StreamUploadLifecycle_CommitsBlobThroughSaga(t *testing.T) {
	h := newHarness(t, map[string]document.User{"alice": basicUser("alice")})
	ctx := context.Background()

	subjectID, err := h.coord.Create(ctx, "alice", ctxDeadline, coordinator.CreateInput{Attributes: map[string]any{"x": 1}})
	require.NoError(t, err)

	uploadID, chunkSize, err := h.coord.StreamBegin(ctx, "alice", ctxDeadline, 10, nil)
	require.NoError(t, err)
	assert.Greater(t, chunkSize, 0)

	ack, err := h.coord.StreamAppend(ctx, "alice", ctxDeadline, uploadID, 0, []byte("payload"), "")
	require.NoError(t, err)
	assert.Equal(t, "ack", string(ack))

	blobRef, err := h.coord.StreamFinish(ctx, "alice", ctxDeadline, subjectID, uploadID, "")
	require.NoError(t, err)
	assert.Equal(t, subjectID.String(), blobRef)
	assert.True(t, h.blobs.has(subjectID.String()))

	doc, err := h.coord.Get(ctx, "alice", ctxDeadline, subjectID, false)
	require.NoError(t, err)
	assert.Equal(t, subjectID.String(), doc.ContentBlobRef)
}

// TestCoordinator_CrashMidSaga_RecoverySweepResumesAndCommits simulates a
// process that began an update_document saga, completed the relational
// step, then crashed before the vector/graph steps ran — exactly the
// checkpoint a restarted process's Start-driven recovery sweep must pick
// back up and finish (§4.6.4).
func TestCoordinator_CrashMidSaga_RecoverySweepResumesAndCommits(t *testing.T) {
	h := newHarness(t, map[string]document.User{"alice": basicUser("alice")})
	ctx := context.Background()

	subjectID := document.NewID()
	require.NoError(t, h.rel.Put(ctx, subjectID, document.Fragment{
		ID: subjectID, Backend: document.BackendRelational, OwnerID: "alice",
		Data: map[string]any{"title": "v1"}, Version: 1,
	}, backend.PutOptions{}))

	now := time.Now()
	sagaID := document.NewID()
	require.NoError(t, h.store.Begin(ctx, saga.Record{
		SagaID:    sagaID,
		Kind:      saga.KindUpdateDocument,
		SubjectID: subjectID,
		State:     saga.StateRunning,
		Cursor:    1,
		Steps: []saga.StepRecord{
			{Name: "relational", ForwardFnID: "create_document.relational.fwd", CompensateFnID: "create_document.relational.comp", Status: saga.StepSucceeded},
			{Name: "vector", ForwardFnID: "create_document.vector.fwd", CompensateFnID: "create_document.vector.comp", Status: saga.StepNotStarted},
			{Name: "graph", ForwardFnID: "create_document.graph.fwd", CompensateFnID: "create_document.graph.comp", Status: saga.StepNotStarted},
		},
		Context: map[string]any{
			"owner_id":     "alice",
			"content":      "recovered content",
			"attributes":   map[string]any{"title": "v2"},
			"next_version": int64(2),
		},
		StartedAt:     now,
		UpdatedAt:     now,
		SchemaVersion: 1,
	}))

	h.coord.Start(ctx)
	defer h.coord.Stop()

	require.Eventually(t, func() bool {
		rec, err := h.store.Load(ctx, sagaID)
		return err == nil && rec.State == saga.StateCommitted
	}, 2*time.Second, 10*time.Millisecond)

	assert.True(t, h.vec.hasVector(subjectID))
	assert.True(t, h.graph.hasNode(subjectID))
}
