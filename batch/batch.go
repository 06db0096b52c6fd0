// Package batch implements BatchReader/BatchWriter (C4): fanning a
// logical multi-backend operation out to one goroutine per backend,
// aggregating partial failures, and splitting oversized requests to the
// adapter-declared MaxBatchSize.
package batch

import (
	"context"
	"sync"
	"time"

	"github.com/makr-code/polyglot-coordinator/backend"
	"github.com/makr-code/polyglot-coordinator/document"
	"github.com/makr-code/polyglot-coordinator/errs"
	"github.com/makr-code/polyglot-coordinator/logging"
)

// Adapters maps each backend kind to its concrete adapter, the same set
// injected into the coordinator at startup.
type Adapters map[document.Backend]backend.Adapter

// GetResult is BatchReader.get_all's return shape: a fragment map per
// backend that was requested plus any per-backend error. Partial success
// is the normal case — absence of a backend from PerBackend alongside a
// populated Errors entry means that backend failed outright.
type GetResult struct {
	PerBackend map[document.Backend]map[document.ID]document.Fragment
	Errors     map[document.Backend]error
}

// Reader is BatchReader (C4 read path).
type Reader struct {
	adapters Adapters
	log      *logging.Logger
}

func NewReader(adapters Adapters, log *logging.Logger) *Reader {
	if log == nil {
		log = logging.NewNop()
	}
	return &Reader{adapters: adapters, log: log.WithField("component", "batch_reader")}
}

// GetAll launches one concurrent task per requested backend. A global
// deadline governs the whole call; each per-backend task runs under a
// soft deadline of deadline*0.9 so the aggregator has time left to return
// partial results once the slowest backend is cut off.
func (r *Reader) GetAll(ctx context.Context, ids []document.ID, include []document.Backend, deadline time.Duration) GetResult {
	result := GetResult{
		PerBackend: make(map[document.Backend]map[document.ID]document.Fragment, len(include)),
		Errors:     make(map[document.Backend]error),
	}
	if deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, deadline)
		defer cancel()
	}
	soft := time.Duration(float64(deadline) * 0.9)

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, be := range include {
		adapter, ok := r.adapters[be]
		if !ok {
			mu.Lock()
			result.Errors[be] = errs.New(errs.KindPermanent, "no adapter registered for backend").WithBackend(string(be))
			mu.Unlock()
			continue
		}
		wg.Add(1)
		go func(be document.Backend, adapter backend.Adapter) {
			defer wg.Done()
			taskCtx := ctx
			var cancel context.CancelFunc
			if soft > 0 {
				taskCtx, cancel = context.WithTimeout(ctx, soft)
				defer cancel()
			}
			fragments, err := fetchMany(taskCtx, adapter, ids)
			mu.Lock()
			if err != nil {
				result.Errors[be] = err
			}
			if fragments != nil {
				result.PerBackend[be] = fragments
			}
			mu.Unlock()
		}(be, adapter)
	}
	wg.Wait()
	return result
}

// fetchMany splits ids into sub-batches honoring adapter.MaxBatchSize and
// merges the per-sub-batch results. Order across sub-batches is not
// preserved, matching the contract's "overall ordering is unspecified."
func fetchMany(ctx context.Context, adapter backend.Adapter, ids []document.ID) (map[document.ID]document.Fragment, error) {
	maxBatch := adapter.MaxBatchSize()
	if maxBatch <= 0 || len(ids) <= maxBatch {
		return adapter.GetMany(ctx, ids)
	}

	out := make(map[document.ID]document.Fragment, len(ids))
	for _, chunk := range splitIDs(ids, maxBatch) {
		got, err := adapter.GetMany(ctx, chunk)
		if err != nil {
			return out, err
		}
		for id, f := range got {
			out[id] = f
		}
	}
	return out, nil
}

func splitIDs(ids []document.ID, size int) [][]document.ID {
	var chunks [][]document.ID
	for i := 0; i < len(ids); i += size {
		end := i + size
		if end > len(ids) {
			end = len(ids)
		}
		chunks = append(chunks, ids[i:end])
	}
	return chunks
}
