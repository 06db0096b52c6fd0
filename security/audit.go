package security

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/makr-code/polyglot-coordinator/document"
	"github.com/makr-code/polyglot-coordinator/logging"
)

// AuditRecord is the structured record §4.3 step 5 and §6.3 require:
// {ts, user_id, role, op, resource_id?, outcome, error?, saga_id?}.
type AuditRecord struct {
	Timestamp  time.Time
	UserID     string
	Role       document.Role
	Op         string
	ResourceID string
	Outcome    string
	Error      string
	SagaID     string
}

// AuditCriteria filters AuditLogger.Query results.
type AuditCriteria struct {
	UserID string
	Op     string
	Since  time.Time
	Until  time.Time
}

// AuditSink is the injected collaborator from §6.2; Emit must never block
// the request path.
type AuditSink interface {
	Emit(ctx context.Context, rec AuditRecord)
}

// AuditLogger pairs emission with a read path, matching the reference
// corpus's AuditLogger interface (auth/storage.go) and the supplemented
// audit-query feature in SPEC_FULL.md §12.
type AuditLogger interface {
	AuditSink
	Query(ctx context.Context, criteria AuditCriteria) ([]AuditRecord, error)
}

// BoundedAuditSink is a bounded, non-blocking, drop-oldest audit buffer
// (§4.3 step 5, §5 back-pressure policy): Emit never blocks the caller;
// when the buffer is full the oldest queued record is evicted to make
// room. A background worker drains the buffer into an append-only sink
// (logrus, by default one JSON line per record) and into an in-memory
// ring retained for AuditLogger.Query.
type BoundedAuditSink struct {
	mu       sync.Mutex
	buf      []AuditRecord
	capacity int
	dropped  int64

	retain    []AuditRecord
	retainCap int

	writer *logrus.Logger
	log    *logging.Logger

	notify chan struct{}
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewBoundedAuditSink constructs a sink with the given bounded capacity.
// retainCap bounds the in-memory window kept for Query; 0 disables retention.
func NewBoundedAuditSink(capacity, retainCap int, writer *logrus.Logger, log *logging.Logger) *BoundedAuditSink {
	if writer == nil {
		writer = logrus.New()
	}
	if log == nil {
		log = logging.NewNop()
	}
	return &BoundedAuditSink{
		capacity:  capacity,
		retainCap: retainCap,
		writer:    writer,
		log:       log.WithField("component", "audit"),
		notify:    make(chan struct{}, 1),
	}
}

// Emit enqueues rec; if the buffer is at capacity the oldest entry is
// dropped (counted) rather than blocking. Never blocks.
func (s *BoundedAuditSink) Emit(ctx context.Context, rec AuditRecord) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	s.mu.Lock()
	if len(s.buf) >= s.capacity {
		s.buf = s.buf[1:]
		s.dropped++
	}
	s.buf = append(s.buf, rec)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// DroppedCount reports how many records were dropped for overflow, for
// the observability counter required alongside drop-oldest.
func (s *BoundedAuditSink) DroppedCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Start launches the drain worker. No work happens before Start is
// called, per the explicit-lifecycle REDESIGN FLAG.
func (s *BoundedAuditSink) Start(ctx context.Context) {
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	go func() {
		defer close(s.doneCh)
		ticker := time.NewTicker(200 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-s.notify:
				s.drain()
			case <-ticker.C:
				s.drain()
			}
		}
	}()
}

func (s *BoundedAuditSink) drain() {
	s.mu.Lock()
	pending := s.buf
	s.buf = nil
	s.mu.Unlock()

	for _, rec := range pending {
		s.writer.WithFields(logrus.Fields{
			"ts": rec.Timestamp, "user_id": rec.UserID, "role": rec.Role,
			"op": rec.Op, "resource_id": rec.ResourceID, "outcome": rec.Outcome,
			"error": rec.Error, "saga_id": rec.SagaID,
		}).Info("audit")

		if s.retainCap > 0 {
			s.mu.Lock()
			s.retain = append(s.retain, rec)
			if len(s.retain) > s.retainCap {
				s.retain = s.retain[len(s.retain)-s.retainCap:]
			}
			s.mu.Unlock()
		}
	}
}

// Stop halts the drain worker after flushing whatever is pending.
func (s *BoundedAuditSink) Stop() {
	if s.stopCh == nil {
		return
	}
	s.drain()
	close(s.stopCh)
	<-s.doneCh
}

// Query serves AuditLogger.Query against the in-memory retained window.
func (s *BoundedAuditSink) Query(ctx context.Context, criteria AuditCriteria) ([]AuditRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]AuditRecord, 0, len(s.retain))
	for _, rec := range s.retain {
		if criteria.UserID != "" && rec.UserID != criteria.UserID {
			continue
		}
		if criteria.Op != "" && rec.Op != criteria.Op {
			continue
		}
		if !criteria.Since.IsZero() && rec.Timestamp.Before(criteria.Since) {
			continue
		}
		if !criteria.Until.IsZero() && rec.Timestamp.After(criteria.Until) {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}
