package saga

import (
	"context"
	"fmt"
	"sync"

	"github.com/makr-code/polyglot-coordinator/document"
)

// StepContext is what a StepFunc receives: the saga's accumulated
// context (outputs of earlier steps) plus the deterministic idempotency
// key it must honor to stay re-invocation-safe.
type StepContext struct {
	SagaID         document.ID
	SubjectID      document.ID
	Context        map[string]any
	IdempotencyKey string
}

// StepFunc is a forward or compensating step body. It must be idempotent
// under repeated invocation with the same IdempotencyKey (§4.6.1) and
// pure of state beyond what it reads/writes through its own closed-over
// collaborators (adapters, embedder, blob store) and the StepContext.
type StepFunc func(ctx context.Context, sc StepContext) (map[string]any, error)

// Registry is the process-wide lookup table the REDESIGN FLAGS in §9
// demand in place of storing closures inside a Record: forward and
// compensate functions are registered once at process startup under a
// stable string id, mirroring the reference corpus's ActionRegistry
// (semantic/actionregistry.go) — Register/MustRegister/lookup-by-name,
// guarded by the same sync.RWMutex.
type Registry struct {
	mu         sync.RWMutex
	forward    map[string]StepFunc
	compensate map[string]StepFunc
}

func NewRegistry() *Registry {
	return &Registry{forward: make(map[string]StepFunc), compensate: make(map[string]StepFunc)}
}

// RegisterForward registers fn under id. Registering the same id twice panics,
// matching ActionRegistry.MustRegister's fail-fast-at-init convention.
func (r *Registry) RegisterForward(id string, fn StepFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.forward[id]; exists {
		panic(fmt.Sprintf("saga: forward step %q already registered", id))
	}
	r.forward[id] = fn
}

// RegisterCompensate registers fn as the compensating step for id.
func (r *Registry) RegisterCompensate(id string, fn StepFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.compensate[id]; exists {
		panic(fmt.Sprintf("saga: compensate step %q already registered", id))
	}
	r.compensate[id] = fn
}

// Forward resolves a forward step by id.
func (r *Registry) Forward(id string) (StepFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.forward[id]
	return fn, ok
}

// Compensate resolves a compensating step by id.
func (r *Registry) Compensate(id string) (StepFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.compensate[id]
	return fn, ok
}
