package archive

import (
	"context"
	"sync"
	"time"

	"github.com/makr-code/polyglot-coordinator/document"
)

// MemIndex is an in-memory Index, used by tests and by callers who do
// not need the archive index to outlive the process.
type MemIndex struct {
	mu      sync.Mutex
	records map[document.ID]document.ArchiveRecord
}

func NewMemIndex() *MemIndex {
	return &MemIndex{records: make(map[document.ID]document.ArchiveRecord)}
}

func (x *MemIndex) Put(ctx context.Context, rec document.ArchiveRecord) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.records[rec.ID] = rec
	return nil
}

func (x *MemIndex) Get(ctx context.Context, id document.ID) (document.ArchiveRecord, bool, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	rec, ok := x.records[id]
	return rec, ok, nil
}

func (x *MemIndex) Delete(ctx context.Context, id document.ID) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	delete(x.records, id)
	return nil
}

func (x *MemIndex) List(ctx context.Context, filter Filter) ([]document.ArchiveRecord, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	var out []document.ArchiveRecord
	for _, rec := range x.records {
		if filter.OwnerID != "" && rec.OwnerID != filter.OwnerID {
			continue
		}
		if !filter.ExpiringBefore.IsZero() && !rec.ExpiresAt.Before(filter.ExpiringBefore) {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (x *MemIndex) ListExpired(ctx context.Context, asOf time.Time) ([]document.ArchiveRecord, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	var out []document.ArchiveRecord
	for _, rec := range x.records {
		if rec.Policy.Permanent {
			continue
		}
		if rec.ExpiresAt.Before(asOf) {
			out = append(out, rec)
		}
	}
	return out, nil
}

var _ Index = (*MemIndex)(nil)
