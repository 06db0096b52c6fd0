// Package saga implements the SagaCoordinator (C6): the distributed
// transaction engine that drives a statically-defined, ordered sequence
// of forward steps (and their inverse compensations) across the four
// backend adapters, persists enough state to resume after a crash, and
// guarantees at-most-once observable effect per saga via deterministic
// idempotency keys.
//
// Following the REDESIGN FLAGS in §9 of the specification, step
// functions are never stored as closures inside a Record: a Record
// stores only the stable string id of each step's forward/compensate
// function, looked up at execution time in a process-wide Registry
// (registry.go), so a saga started by one process can be resumed by
// another after a crash.
package saga

import (
	"time"

	"github.com/makr-code/polyglot-coordinator/document"
)

// State is a saga's overall state machine position (§3).
type State string

const (
	StatePending      State = "pending"
	StateRunning      State = "running"
	StateCompensating State = "compensating"
	StateCommitted    State = "committed"
	StateAborted      State = "aborted"
	StateOrphaned     State = "orphaned"
)

// IsTerminal reports whether s is Committed or Aborted — no further
// forward or compensating work will ever run against the saga.
func (s State) IsTerminal() bool { return s == StateCommitted || s == StateAborted }

// StepStatus is one step's position within its saga (§3).
type StepStatus string

const (
	StepNotStarted  StepStatus = "not_started"
	StepInProgress  StepStatus = "in_progress"
	StepSucceeded   StepStatus = "succeeded"
	StepFailed      StepStatus = "failed"
	StepCompensated StepStatus = "compensated"
)

// LockMode selects §5's "wait or fail fast" choice for concurrent sagas
// on the same subject id, configurable per saga kind (§6.4 saga.id_lock_mode).
type LockMode string

const (
	LockWait     LockMode = "wait"
	LockFailFast LockMode = "fail_fast"
)

// StepRecord is one SagaStep's persisted state (§3). ForwardFnID and
// CompensateFnID are Registry keys, not function values.
type StepRecord struct {
	Name           string
	ForwardFnID    string
	CompensateFnID string
	IdempotencyKey string
	Status         StepStatus
	Attempts       int
	Result         map[string]any
}

// Record is the persisted Saga (§3). Context carries the outputs of
// already-succeeded steps, keyed by step name, for later steps to read.
type Record struct {
	SagaID        document.ID
	Kind          string
	SubjectID     document.ID
	State         State
	Steps         []StepRecord
	Cursor        int
	Context       map[string]any
	StartedAt     time.Time
	UpdatedAt     time.Time
	LastError     string
	SchemaVersion int64
}

// StepDef is one step of a static saga Kind definition: the forward and
// compensating function ids (resolved through a Registry at run time)
// plus the step name, from which DeriveIdempotencyKey derives the step's
// idempotency key.
type StepDef struct {
	Name           string
	ForwardFnID    string
	CompensateFnID string
}

// Kind is a named, ordered sequence of steps — CreateDocument,
// UpdateDocument, and so on (§4.6.1, §4.6.6).
type Kind struct {
	Name     string
	Steps    []StepDef
	LockMode LockMode
}

// DeriveIdempotencyKey builds the deterministic idempotency key §4.6.1
// requires: a function of the saga id and the step name alone, so
// retries (including a crash-recovery re-invocation) always reproduce
// the same key.
func DeriveIdempotencyKey(sagaID document.ID, stepName string) string {
	return sagaID.String() + ":" + stepName
}
