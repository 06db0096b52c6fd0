package archive_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/makr-code/polyglot-coordinator/archive"
	"github.com/makr-code/polyglot-coordinator/backend"
	"github.com/makr-code/polyglot-coordinator/document"
	"github.com/makr-code/polyglot-coordinator/embedder"
	"github.com/makr-code/polyglot-coordinator/errs"
	"github.com/makr-code/polyglot-coordinator/saga"
)

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
func (s *memStore) ListRecoverable(ctx context.Context) ([]saga.Record, error) { return nil, nil }

type memLease struct {
	mu   sync.Mutex
	held map[document.ID]struct{}
}

func newMemLease() *memLease { return &memLease{held: make(map[document.ID]struct{})} }
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
	return nil
}
func (l *memLease) CompleteProcessing(ctx context.Context, sagaID document.ID) error { return nil }
func (l *memLease) ExpiredProcessing(ctx context.Context) ([]document.ID, error)     { return nil, nil }

// fakeRelational is a minimal relational backend.Adapter double that
// tracks live ids and an ArchivedAt flag per fragment.
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
		return document.Fragment{}, errs.New(errs.KindNotFound, "no such fragment")
	}
	return frag, nil
}
func (f *fakeRelational) GetMany(ctx context.Context, ids []document.ID) (map[document.ID]document.Fragment, error) {
	return nil, nil
}
func (f *fakeRelational) Exists(ctx context.Context, ids []document.ID) (map[document.ID]bool, error) {
	return nil, nil
}
func (f *fakeRelational) Put(ctx context.Context, id document.ID, fragment document.Fragment, opts backend.PutOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	fragment.Version++
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
func (f *fakeRelational) MaxBatchSize() int                        { return 100 }
func (f *fakeRelational) MaxConcurrency() int                      { return 4 }

func newCoordinator(t *testing.T, rel *fakeRelational) *saga.Coordinator {
	t.Helper()
	reg := saga.NewRegistry()
	deps := saga.Deps{
		RelAdapter:   rel,
		BlobStore:    noopBlobStore{},
		Vector:       noopVectorAdapter{},
		VecAdapter:   noopVectorAdapter{},
		Graph:        noopGraphAdapter{},
		GraphAdapter: noopGraphAdapter{},
		Embedder:     embedder.NewHashEmbedder(4),
	}
	kinds := saga.RegisterAll(reg, deps)

	cfg := saga.DefaultConfig()
	cfg.Backoff.Base = time.Millisecond
	cfg.Backoff.Max = 5 * time.Millisecond
	c := saga.NewCoordinator(newMemStore(), newMemLease(), reg, cfg, nil)
	for _, k := range kinds {
		c.RegisterKind(k)
	}
	return c
}

type noopBlobStore struct{}

func (noopBlobStore) Put(ctx context.Context, key string, stream backend.BlobReader) error { return nil }
func (noopBlobStore) Get(ctx context.Context, key string) (backend.BlobReader, error)       { return nil, nil }
func (noopBlobStore) Delete(ctx context.Context, key string) error                          { return nil }

type noopVectorAdapter struct{}

func (noopVectorAdapter) Kind() document.Backend { return document.BackendVector }
func (noopVectorAdapter) Get(ctx context.Context, id document.ID) (document.Fragment, error) {
	return document.Fragment{}, errs.New(errs.KindNotFound, "")
}
func (noopVectorAdapter) GetMany(ctx context.Context, ids []document.ID) (map[document.ID]document.Fragment, error) {
	return nil, nil
}
func (noopVectorAdapter) Exists(ctx context.Context, ids []document.ID) (map[document.ID]bool, error) {
	return nil, nil
}
func (noopVectorAdapter) Put(ctx context.Context, id document.ID, fragment document.Fragment, opts backend.PutOptions) error {
	return nil
}
func (noopVectorAdapter) Delete(ctx context.Context, id document.ID) error { return nil }
func (noopVectorAdapter) Health(ctx context.Context) backend.Health       { return backend.HealthOk }
func (noopVectorAdapter) MaxBatchSize() int                               { return 100 }
func (noopVectorAdapter) MaxConcurrency() int                             { return 4 }
func (noopVectorAdapter) UpsertVector(ctx context.Context, id document.ID, v []float32, m map[string]any) error {
	return nil
}
func (noopVectorAdapter) Search(ctx context.Context, q []float32, k int, filter backend.NativeQuery) ([]backend.ScoredID, error) {
	return nil, nil
}

type noopGraphAdapter struct{}

func (noopGraphAdapter) Kind() document.Backend { return document.BackendGraph }
func (noopGraphAdapter) Get(ctx context.Context, id document.ID) (document.Fragment, error) {
	return document.Fragment{}, errs.New(errs.KindNotFound, "")
}
func (noopGraphAdapter) GetMany(ctx context.Context, ids []document.ID) (map[document.ID]document.Fragment, error) {
	return nil, nil
}
func (noopGraphAdapter) Exists(ctx context.Context, ids []document.ID) (map[document.ID]bool, error) {
	return nil, nil
}
func (noopGraphAdapter) Put(ctx context.Context, id document.ID, fragment document.Fragment, opts backend.PutOptions) error {
	return nil
}
func (noopGraphAdapter) Delete(ctx context.Context, id document.ID) error { return nil }
func (noopGraphAdapter) Health(ctx context.Context) backend.Health       { return backend.HealthOk }
func (noopGraphAdapter) MaxBatchSize() int                               { return 100 }
func (noopGraphAdapter) MaxConcurrency() int                             { return 4 }
func (noopGraphAdapter) UpsertNode(ctx context.Context, id document.ID, labels []string, props map[string]any) error {
	return nil
}
func (noopGraphAdapter) UpsertEdge(ctx context.Context, from, to document.ID, edgeType string, props map[string]any) error {
	return nil
}
func (noopGraphAdapter) QueryPattern(ctx context.Context, pattern backend.NativeQuery) ([]map[string]any, error) {
	return nil, nil
}
func (noopGraphAdapter) Traverse(ctx context.Context, startIDs []document.ID, edgeTypes []string, depth int) ([]backend.GraphElement, error) {
	return nil, nil
}

func TestManager_ArchiveThenRestore(t *testing.T) {
	rel := newFakeRelational()
	id := document.NewID()
	require.NoError(t, rel.Put(context.Background(), id, document.Fragment{ID: id, OwnerID: "alice", Data: map[string]any{}}, backend.PutOptions{}))

	coord := newCoordinator(t, rel)
	idx := archive.NewMemIndex()
	mgr := archive.NewManager(coord, idx, archive.DefaultConfig(), nil)

	rec, err := mgr.Archive(context.Background(), id, "alice", document.Retention30Days)
	require.NoError(t, err)
	assert.Equal(t, "alice", rec.OwnerID)
	assert.False(t, rec.ExpiresAt.IsZero())

	frag, err := rel.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Contains(t, frag.Data, "archived_at")

	listed, err := mgr.ListArchived(context.Background(), archive.Filter{OwnerID: "alice"})
	require.NoError(t, err)
	assert.Len(t, listed, 1)

	require.NoError(t, mgr.Restore(context.Background(), id))
	frag, err = rel.Get(context.Background(), id)
	require.NoError(t, err)
	assert.NotContains(t, frag.Data, "archived_at")

	_, found, err := idx.Get(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestManager_Restore_NotArchived(t *testing.T) {
	rel := newFakeRelational()
	coord := newCoordinator(t, rel)
	mgr := archive.NewManager(coord, archive.NewMemIndex(), archive.DefaultConfig(), nil)

	err := mgr.Restore(context.Background(), document.NewID())
	require.Error(t, err)
	assert.Equal(t, errs.KindValidationError, errs.KindOf(err))
}

func TestManager_Sweep_HardDeletesExpiredNonPermanentEntries(t *testing.T) {
	rel := newFakeRelational()
	id := document.NewID()
	require.NoError(t, rel.Put(context.Background(), id, document.Fragment{ID: id, OwnerID: "bob", Data: map[string]any{}}, backend.PutOptions{}))

	permanentID := document.NewID()
	require.NoError(t, rel.Put(context.Background(), permanentID, document.Fragment{ID: permanentID, OwnerID: "bob", Data: map[string]any{}}, backend.PutOptions{}))

	coord := newCoordinator(t, rel)
	idx := archive.NewMemIndex()
	require.NoError(t, idx.Put(context.Background(), document.ArchiveRecord{
		ID: id, OwnerID: "bob", ArchivedAt: time.Now().Add(-40 * 24 * time.Hour),
		ExpiresAt: time.Now().Add(-10 * 24 * time.Hour), Policy: document.Retention30Days,
	}))
	require.NoError(t, idx.Put(context.Background(), document.ArchiveRecord{
		ID: permanentID, OwnerID: "bob", ArchivedAt: time.Now().Add(-40 * 24 * time.Hour),
		Policy: document.RetentionPermanent,
	}))

	mgr := archive.NewManager(coord, idx, archive.DefaultConfig(), nil)
	require.NoError(t, mgr.Sweep(context.Background()))

	_, err := rel.Get(context.Background(), id)
	assert.Error(t, err, "expired entry should have been hard-deleted")

	_, err = rel.Get(context.Background(), permanentID)
	assert.NoError(t, err, "permanent policy is exempt from sweep")

	_, found, _ := idx.Get(context.Background(), id)
	assert.False(t, found)
	_, found, _ = idx.Get(context.Background(), permanentID)
	assert.True(t, found)
}
