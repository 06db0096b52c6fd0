package batch

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/makr-code/polyglot-coordinator/backend"
	"github.com/makr-code/polyglot-coordinator/document"
	"github.com/makr-code/polyglot-coordinator/errs"
	"github.com/makr-code/polyglot-coordinator/logging"
)

// RetryPolicy bounds BatchWriter's exponential backoff on Transient
// per-backend errors (§4.4).
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 4, BaseDelay: 100 * time.Millisecond, MaxDelay: 5 * time.Second}
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	d := time.Duration(float64(p.BaseDelay) * math.Pow(2, float64(attempt)))
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// PutResult is BatchWriter.put_all's return shape. Acknowledged lists the
// backends whose write was durably accepted before the batch aborted —
// the coordinator's saga uses this list to know which per-backend writes
// need compensating when Aborted is set by a Permanent error.
type PutResult struct {
	Acknowledged []document.Backend
	Errors       map[document.Backend]error
	Aborted      bool
}

// Writer is BatchWriter (C4 write path).
type Writer struct {
	adapters Adapters
	retry    RetryPolicy
	log      *logging.Logger
}

func NewWriter(adapters Adapters, retry RetryPolicy, log *logging.Logger) *Writer {
	if log == nil {
		log = logging.NewNop()
	}
	return &Writer{adapters: adapters, retry: retry, log: log.WithField("component", "batch_writer")}
}

// PutAll writes fragmentsByBackend to each backend's adapter concurrently.
// A Permanent per-backend error aborts the whole batch immediately
// (callers compensate already-acknowledged backends via the saga
// coordinator); Transient errors are retried with exponential backoff up
// to w.retry.MaxAttempts before counting as a failure.
func (w *Writer) PutAll(ctx context.Context, fragmentsByBackend map[document.Backend]map[document.ID]document.Fragment, idempotencyKeys map[document.Backend]string) PutResult {
	result := PutResult{Errors: make(map[document.Backend]error)}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var mu sync.Mutex
	var wg sync.WaitGroup
	for be, fragments := range fragmentsByBackend {
		adapter, ok := w.adapters[be]
		if !ok {
			mu.Lock()
			result.Errors[be] = errs.New(errs.KindPermanent, "no adapter registered for backend").WithBackend(string(be))
			result.Aborted = true
			mu.Unlock()
			cancel()
			continue
		}
		wg.Add(1)
		go func(be document.Backend, adapter backend.Adapter, fragments map[document.ID]document.Fragment) {
			defer wg.Done()
			err := w.putWithRetry(ctx, adapter, fragments)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Errors[be] = err
				if errs.KindOf(err) == errs.KindPermanent {
					result.Aborted = true
					cancel()
				}
				return
			}
			result.Acknowledged = append(result.Acknowledged, be)
		}(be, adapter, fragments)
	}
	wg.Wait()
	_ = idempotencyKeys // reserved: forwarded to adapters that dedupe on (idempotency_key, id) once they support it
	return result
}

func (w *Writer) putWithRetry(ctx context.Context, adapter backend.Adapter, fragments map[document.ID]document.Fragment) error {
	var lastErr error
	for attempt := 0; attempt < w.retry.MaxAttempts; attempt++ {
		lastErr = putMany(ctx, adapter, fragments)
		if lastErr == nil {
			return nil
		}
		if errs.KindOf(lastErr) != errs.KindTransient {
			return lastErr
		}
		select {
		case <-ctx.Done():
			return lastErr
		case <-time.After(w.retry.delay(attempt)):
		}
	}
	return lastErr
}

func putMany(ctx context.Context, adapter backend.Adapter, fragments map[document.ID]document.Fragment) error {
	maxBatch := adapter.MaxBatchSize()
	ids := make([]document.ID, 0, len(fragments))
	for id := range fragments {
		ids = append(ids, id)
	}
	for _, chunk := range splitIDs(ids, maxOrAll(maxBatch, len(ids))) {
		for _, id := range chunk {
			if err := adapter.Put(ctx, id, fragments[id], backend.PutOptions{}); err != nil {
				return err
			}
		}
	}
	return nil
}

func maxOrAll(maxBatch, total int) int {
	if maxBatch <= 0 {
		return total
	}
	return maxBatch
}
