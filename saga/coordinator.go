package saga

import (
	"context"
	"sync"
	"time"

	"github.com/makr-code/polyglot-coordinator/document"
	"github.com/makr-code/polyglot-coordinator/errs"
	"github.com/makr-code/polyglot-coordinator/logging"
)

// BackoffPolicy governs the forward-step retry loop on Transient errors
// before a step is given up on and compensation begins (§4.6.3).
type BackoffPolicy struct {
	MaxAttempts int
	Base        time.Duration
	Max         time.Duration
}

func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{MaxAttempts: 5, Base: 100 * time.Millisecond, Max: 5 * time.Second}
}

func (p BackoffPolicy) delay(attempt int) time.Duration {
	d := p.Base << uint(attempt)
	if d > p.Max || d <= 0 {
		d = p.Max
	}
	return d
}

// Config configures a Coordinator (§6.4 saga.*).
type Config struct {
	Backoff             BackoffPolicy
	LeaseTTL            time.Duration
	RecoveryTTL         time.Duration
	RecoveryScanInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		Backoff:              DefaultBackoffPolicy(),
		LeaseTTL:             30 * time.Second,
		RecoveryTTL:          2 * time.Minute,
		RecoveryScanInterval: time.Minute,
	}
}

// Coordinator is the SagaCoordinator (C6): it drives Kinds registered by
// name against steps registered in a Registry, persisting progress to a
// Store and enforcing per-subject exclusivity through a Lease.
//
// A single Coordinator additionally holds an in-process lock table
// (mu/inflight) so that two goroutines in the *same* process racing on
// the same subject id fail fast or wait without a redundant Redis round
// trip; the Lease still arbitrates across processes.
type Coordinator struct {
	store    Store
	lease    Lease
	registry *Registry
	kinds    map[string]Kind
	cfg      Config
	log      *logging.Logger

	mu       sync.Mutex
	inflight map[document.ID]chan struct{}

	stopCh chan struct{}
	doneCh chan struct{}
}

func NewCoordinator(store Store, lease Lease, registry *Registry, cfg Config, log *logging.Logger) *Coordinator {
	if log == nil {
		log = logging.NewNop()
	}
	return &Coordinator{
		store:    store,
		lease:    lease,
		registry: registry,
		kinds:    make(map[string]Kind),
		cfg:      cfg,
		log:      log,
		inflight: make(map[document.ID]chan struct{}),
	}
}

// InFlight reports whether a saga is currently Running or Compensating
// against subjectID in this process, per the in-memory set §4.6.5
// requires the cache consult to bypass reads against. It only reflects
// this process's own in-flight table, not the cross-process Lease — a
// read during another process's saga on the same id is out of scope for
// the same reason direct adapter reads are out of contract during a saga.
func (c *Coordinator) InFlight(subjectID document.ID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, busy := c.inflight[subjectID]
	return busy
}

// RegisterKind adds a saga shape by name. Call during startup, before any
// Start call references it, mirroring Registry's fail-fast-at-init style.
func (c *Coordinator) RegisterKind(k Kind) {
	c.kinds[k.Name] = k
}

// tryLock acquires the in-process slot for subjectID. It returns a release
// func and whether the lock was obtained; under LockFailFast a busy slot
// returns ok=false immediately, under LockWait it blocks until free or ctx
// is done.
func (c *Coordinator) tryLock(ctx context.Context, subjectID document.ID, mode LockMode) (func(), bool, error) {
	for {
		c.mu.Lock()
		ch, busy := c.inflight[subjectID]
		if !busy {
			done := make(chan struct{})
			c.inflight[subjectID] = done
			c.mu.Unlock()
			return func() {
				c.mu.Lock()
				delete(c.inflight, subjectID)
				c.mu.Unlock()
				close(done)
			}, true, nil
		}
		c.mu.Unlock()

		if mode == LockFailFast {
			return nil, false, nil
		}
		select {
		case <-ch:
			continue
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}
}

// Start begins a new saga of the named kind against subjectID with the
// given initial context, then immediately drives it to completion or to
// an aborted/compensating halt. It returns the final Record.
func (c *Coordinator) Start(ctx context.Context, kindName string, subjectID document.ID, initialContext map[string]any) (Record, error) {
	kind, ok := c.kinds[kindName]
	if !ok {
		return Record{}, errs.New(errs.KindValidationError, "unknown saga kind: "+kindName)
	}

	release, ok, err := c.tryLock(ctx, subjectID, kind.LockMode)
	if err != nil {
		return Record{}, errs.Wrap(errs.KindTransient, "acquire in-process saga lock", err)
	}
	if !ok {
		return Record{}, errs.New(errs.KindBusy, "a saga is already running for this subject").WithRetryAfter(1)
	}
	defer release()

	if ok, err := c.lease.Acquire(ctx, subjectID, c.cfg.LeaseTTL); err != nil {
		return Record{}, err
	} else if !ok {
		return Record{}, errs.New(errs.KindBusy, "subject is leased by another process").WithRetryAfter(1)
	}
	defer c.lease.Release(context.WithoutCancel(ctx), subjectID)

	steps := make([]StepRecord, len(kind.Steps))
	for i, sd := range kind.Steps {
		steps[i] = StepRecord{
			Name:           sd.Name,
			ForwardFnID:    sd.ForwardFnID,
			CompensateFnID: sd.CompensateFnID,
			Status:         StepNotStarted,
		}
	}
	now := time.Now()
	rec := Record{
		SagaID:        document.NewID(),
		Kind:          kindName,
		SubjectID:     subjectID,
		State:         StatePending,
		Steps:         steps,
		Cursor:        0,
		Context:       cloneContext(initialContext),
		StartedAt:     now,
		UpdatedAt:     now,
		SchemaVersion: 1,
	}
	if err := c.store.Begin(ctx, rec); err != nil {
		return Record{}, err
	}

	return c.drive(ctx, rec)
}

// Resume continues a previously persisted saga (§4.6.4 crash recovery).
// The subject lock/lease path is the same as Start's, except that the
// in-process lock always waits (LockWait) whatever the kind's LockMode.
func (c *Coordinator) Resume(ctx context.Context, sagaID document.ID) (Record, error) {
	rec, err := c.store.Load(ctx, sagaID)
	if err != nil {
		return Record{}, err
	}
	if rec.State.IsTerminal() {
		return rec, nil
	}

	kind, ok := c.kinds[rec.Kind]
	if !ok {
		return Record{}, errs.New(errs.KindValidationError, "unknown saga kind: "+rec.Kind).WithSagaID(sagaID.String())
	}

	release, ok, err := c.tryLock(ctx, rec.SubjectID, LockWait)
	if err != nil {
		return Record{}, err
	}
	if !ok {
		return Record{}, errs.New(errs.KindBusy, "subject already locked").WithSagaID(sagaID.String())
	}
	defer release()

	if ok, err := c.lease.Acquire(ctx, rec.SubjectID, c.cfg.LeaseTTL); err != nil {
		return Record{}, err
	} else if !ok {
		return Record{}, errs.New(errs.KindBusy, "subject is leased by another process").WithSagaID(sagaID.String())
	}
	defer c.lease.Release(context.WithoutCancel(ctx), rec.SubjectID)
	_ = kind

	return c.drive(ctx, rec)
}

// StartRecovery launches the crash-recovery background worker (§4.6.4,
// §9 REDESIGN FLAGS: no work runs before StartRecovery is called). It
// runs RecoverAll immediately, then again on every RecoveryScanInterval
// tick as a backstop against a missed resume trigger.
func (c *Coordinator) StartRecovery(ctx context.Context) {
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	interval := c.cfg.RecoveryScanInterval
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		defer close(c.doneCh)
		if errs := c.RecoverAll(ctx); len(errs) > 0 {
			c.log.WithField("count", len(errs)).Warn("startup saga recovery reported errors")
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.RecoverAll(ctx)
			}
		}
	}()
}

// Stop halts the recovery worker.
func (c *Coordinator) Stop() {
	if c.stopCh == nil {
		return
	}
	close(c.stopCh)
	<-c.doneCh
}

// RecoverAll scans the store for recoverable sagas and resumes each in
// turn, tolerating per-saga failure so one stuck saga never blocks the
// rest of the sweep. Intended to run once at process startup and then
// periodically as a backstop against missed notifications.
func (c *Coordinator) RecoverAll(ctx context.Context) []error {
	recs, err := c.store.ListRecoverable(ctx)
	if err != nil {
		return []error{err}
	}
	var errsOut []error
	for _, rec := range recs {
		c.log.WithField("saga_id", rec.SagaID.String()).Info("recovering saga")
		if _, err := c.Resume(ctx, rec.SagaID); err != nil {
			errsOut = append(errsOut, err)
		}
	}
	return errsOut
}

// drive runs the forward loop from rec.Cursor, retrying Transient step
// failures per cfg.Backoff and falling back to compensation on a
// terminal-for-saga error (§4.6.2/§4.6.3). It persists rec after every
// step transition so a crash mid-loop leaves a resumable checkpoint.
func (c *Coordinator) drive(ctx context.Context, rec Record) (Record, error) {
	rec.State = StateRunning
	if err := c.store.Save(ctx, rec); err != nil {
		return rec, err
	}

	for rec.Cursor < len(rec.Steps) {
		step := &rec.Steps[rec.Cursor]
		if step.Status == StepSucceeded {
			rec.Cursor++
			continue
		}

		fn, ok := c.registry.Forward(step.ForwardFnID)
		if !ok {
			rec.State = StateOrphaned
			rec.LastError = "unregistered forward step: " + step.ForwardFnID
			_ = c.store.Save(ctx, rec)
			return rec, errs.New(errs.KindOrphaned, rec.LastError).WithSagaID(rec.SagaID.String())
		}

		step.IdempotencyKey = DeriveIdempotencyKey(rec.SagaID, step.Name)
		step.Status = StepInProgress
		_ = c.store.Save(ctx, rec)

		result, err := c.runStepWithRetry(ctx, fn, rec, *step)
		if err != nil {
			step.Status = StepFailed
			rec.LastError = err.Error()
			_ = c.store.Save(ctx, rec)

			if !errs.IsTerminalForSaga(err) {
				return rec, err
			}
			return c.compensate(ctx, rec)
		}

		step.Status = StepSucceeded
		step.Result = result
		if rec.Context == nil {
			rec.Context = map[string]any{}
		}
		rec.Context[step.Name] = result
		rec.Cursor++
		if err := c.store.Save(ctx, rec); err != nil {
			return rec, err
		}
	}

	rec.State = StateCommitted
	if err := c.store.Save(ctx, rec); err != nil {
		return rec, err
	}
	return rec, nil
}

func (c *Coordinator) runStepWithRetry(ctx context.Context, fn StepFunc, rec Record, step StepRecord) (map[string]any, error) {
	sc := StepContext{SagaID: rec.SagaID, SubjectID: rec.SubjectID, Context: rec.Context, IdempotencyKey: step.IdempotencyKey}

	var lastErr error
	for attempt := 0; attempt < c.cfg.Backoff.MaxAttempts; attempt++ {
		result, err := fn(ctx, sc)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if errs.IsTerminalForSaga(err) {
			return nil, err
		}
		if !errs.IsRetryable(err) {
			return nil, err
		}
		select {
		case <-time.After(c.cfg.Backoff.delay(attempt)):
		case <-ctx.Done():
			return nil, errs.Wrap(errs.KindDeadlineExceeded, "saga step cancelled", ctx.Err())
		}
	}
	return nil, lastErr
}

// compensate runs inverse steps in reverse order starting from the last
// step that reached StepSucceeded (§4.6.2). Compensation itself retries
// Transient failures under the same backoff policy, up to its MaxAttempts,
// since leaving a partially compensated saga running forward is unsafe; a
// step whose compensation fails with any other error, or still fails once
// the attempts are used up, leaves the saga Orphaned for operator
// intervention rather than silently abandoning cleanup.
func (c *Coordinator) compensate(ctx context.Context, rec Record) (Record, error) {
	rec.State = StateCompensating
	rec.Cursor--
	_ = c.store.Save(ctx, rec)

	for i := rec.Cursor; i >= 0 && i < len(rec.Steps); i-- {
		step := &rec.Steps[i]
		if step.Status != StepSucceeded {
			continue
		}
		fn, ok := c.registry.Compensate(step.CompensateFnID)
		if !ok {
			rec.State = StateOrphaned
			rec.LastError = "unregistered compensate step: " + step.CompensateFnID
			_ = c.store.Save(ctx, rec)
			return rec, errs.New(errs.KindOrphaned, rec.LastError).WithSagaID(rec.SagaID.String())
		}

		sc := StepContext{SagaID: rec.SagaID, SubjectID: rec.SubjectID, Context: rec.Context, IdempotencyKey: DeriveIdempotencyKey(rec.SagaID, step.Name) + ":compensate"}
		_, err := fn(ctx, sc)
		for attempt := 0; errs.IsRetryable(err) && attempt+1 < c.cfg.Backoff.MaxAttempts; attempt++ {
			select {
			case <-time.After(c.cfg.Backoff.delay(attempt)):
				_, err = fn(ctx, sc)
			case <-ctx.Done():
				err = errs.Wrap(errs.KindDeadlineExceeded, "saga compensation cancelled", ctx.Err())
			}
		}
		if err != nil {
			rec.State = StateOrphaned
			rec.LastError = err.Error()
			_ = c.store.Save(ctx, rec)
			return rec, errs.New(errs.KindOrphaned, "compensation failed: "+err.Error()).WithSagaID(rec.SagaID.String())
		}
		step.Status = StepCompensated
		_ = c.store.Save(ctx, rec)
	}

	rec.State = StateAborted
	if err := c.store.Save(ctx, rec); err != nil {
		return rec, err
	}
	return rec, nil
}

func cloneContext(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
