package query

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/makr-code/polyglot-coordinator/backend"
	graphbackend "github.com/makr-code/polyglot-coordinator/backend/graph"
	relbackend "github.com/makr-code/polyglot-coordinator/backend/relational"
	vecbackend "github.com/makr-code/polyglot-coordinator/backend/vector"
	"github.com/makr-code/polyglot-coordinator/document"
	"github.com/makr-code/polyglot-coordinator/errs"
	"github.com/makr-code/polyglot-coordinator/logging"
)

// Join names one of the three join semantics §4.5 defines.
type Join string

const (
	JoinIntersection Join = "intersection"
	JoinUnion        Join = "union"
	JoinSequential   Join = "sequential"
	// JoinAuto picks parallel execution for Intersection/Union and
	// sequential execution for Sequential — it is not itself a fourth
	// semantics, just a dispatch convenience.
	JoinAuto Join = "auto"
)

// BackendQuery is one leg of a polyglot query: the backend to run it
// against, the NativeQuery produced by that backend's FilterBuilder, and
// backend-specific extras (vector's k and query vector; relational's
// projection/sort/limit; graph's pattern is already baked into the
// NativeQuery by GraphFilterBuilder).
type BackendQuery struct {
	Backend    document.Backend
	Filter     backend.NativeQuery
	Limit      int
	Offset     int
	Sort       []backend.SortField
	Projection []string

	// Vector-only.
	QueryVector []float32
	K           int
}

// Result is the PolyglotResult in §4.5: the joined id set, a per-backend
// record view for callers that want to merge fields, per-backend errors,
// and per-backend latencies for observability.
type Result struct {
	IDs               []document.ID
	PerBackendRecords map[document.Backend]map[document.ID]map[string]any
	Errors            map[document.Backend]error
	Latencies         map[document.Backend]time.Duration
}

// Planner is the PolyglotPlanner (C5): it executes BackendQuery legs
// against the adapters it was constructed with and joins the id sets
// under the requested Join semantics.
type Planner struct {
	adapters map[document.Backend]backend.Adapter
	log      *logging.Logger
}

func NewPlanner(adapters map[document.Backend]backend.Adapter, log *logging.Logger) *Planner {
	if log == nil {
		log = logging.NewNop()
	}
	return &Planner{adapters: adapters, log: log.WithField("component", "polyglot_planner")}
}

// Execute runs legs under join, resolving JoinAuto to parallel execution
// for Intersection/Union and sequential execution for Sequential (§4.5).
func (p *Planner) Execute(ctx context.Context, legs []BackendQuery, join Join) (Result, error) {
	mode := join
	if mode == JoinAuto {
		mode = JoinIntersection // parallel path; Sequential callers pass JoinSequential explicitly
	}
	switch mode {
	case JoinSequential:
		return p.executeSequential(ctx, legs)
	case JoinUnion:
		return p.executeParallel(ctx, legs, false)
	default:
		return p.executeParallel(ctx, legs, true)
	}
}

type legOutcome struct {
	backend  document.Backend
	ids      []document.ID
	records  map[document.ID]map[string]any
	err      error
	duration time.Duration
}

func (p *Planner) runLeg(ctx context.Context, leg BackendQuery) legOutcome {
	start := time.Now()
	out := legOutcome{backend: leg.Backend, records: make(map[document.ID]map[string]any)}
	adapter, ok := p.adapters[leg.Backend]
	if !ok {
		out.err = errs.New(errs.KindPermanent, "no adapter registered for backend").WithBackend(string(leg.Backend))
		out.duration = time.Since(start)
		return out
	}

	switch leg.Backend {
	case document.BackendRelational:
		relOps, ok := adapter.(backend.RelationalOps)
		if !ok {
			out.err = errs.New(errs.KindInternal, "relational adapter missing RelationalOps").WithBackend("relational")
			break
		}
		fragments, err := relOps.Query(ctx, leg.Filter, leg.Projection, leg.Sort, leg.Limit, leg.Offset)
		if err != nil {
			out.err = err
			break
		}
		for _, f := range fragments {
			out.ids = append(out.ids, f.ID)
			out.records[f.ID] = f.Data
		}
	case document.BackendVector:
		vecOps, ok := adapter.(backend.VectorOps)
		if !ok {
			out.err = errs.New(errs.KindInternal, "vector adapter missing VectorOps").WithBackend("vector")
			break
		}
		scored, err := vecOps.Search(ctx, leg.QueryVector, leg.K, leg.Filter)
		if err != nil {
			out.err = err
			break
		}
		for _, s := range scored {
			out.ids = append(out.ids, s.ID)
			out.records[s.ID] = map[string]any{"score": s.Score}
		}
	case document.BackendGraph:
		graphOps, ok := adapter.(backend.GraphOps)
		if !ok {
			out.err = errs.New(errs.KindInternal, "graph adapter missing GraphOps").WithBackend("graph")
			break
		}
		rows, err := graphOps.QueryPattern(ctx, leg.Filter)
		if err != nil {
			out.err = err
			break
		}
		for _, row := range rows {
			id, found := ExtractID(row)
			if !found {
				continue
			}
			out.ids = append(out.ids, id)
			out.records[id] = row
		}
	default:
		out.err = errs.New(errs.KindValidationError, "document backend does not support query legs").WithBackend(string(leg.Backend))
	}
	out.duration = time.Since(start)
	return out
}

func (p *Planner) executeParallel(ctx context.Context, legs []BackendQuery, intersection bool) (Result, error) {
	result := Result{
		PerBackendRecords: make(map[document.Backend]map[document.ID]map[string]any),
		Errors:            make(map[document.Backend]error),
		Latencies:         make(map[document.Backend]time.Duration),
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	outcomes := make([]legOutcome, len(legs))
	for i, leg := range legs {
		wg.Add(1)
		go func(i int, leg BackendQuery) {
			defer wg.Done()
			out := p.runLeg(ctx, leg)
			mu.Lock()
			outcomes[i] = out
			mu.Unlock()
		}(i, leg)
	}
	wg.Wait()

	for _, out := range outcomes {
		result.Latencies[out.backend] = out.duration
		if out.err != nil {
			result.Errors[out.backend] = out.err
			// Intersection: any Permanent error makes the whole plan fail,
			// since the result is undefined without that backend's ids (§4.5 edge cases).
			if intersection && errs.KindOf(out.err) == errs.KindPermanent {
				return result, out.err
			}
			continue // Union: a failing backend contributes no ids.
		}
		result.PerBackendRecords[out.backend] = out.records
	}

	var sets [][]document.ID
	for _, out := range outcomes {
		if out.err == nil {
			sets = append(sets, out.ids)
		}
	}
	if intersection {
		result.IDs = intersectIDs(sets)
	} else {
		result.IDs = unionIDs(sets)
	}
	return result, nil
}

func (p *Planner) executeSequential(ctx context.Context, legs []BackendQuery) (Result, error) {
	result := Result{
		PerBackendRecords: make(map[document.Backend]map[document.ID]map[string]any),
		Errors:            make(map[document.Backend]error),
		Latencies:         make(map[document.Backend]time.Duration),
	}
	var carried []document.ID
	for i, leg := range legs {
		if i > 0 {
			if len(carried) == 0 {
				break // short-circuit on empty intermediate result (§4.5)
			}
			leg = withIDConstraint(leg, carried)
		}
		out := p.runLeg(ctx, leg)
		result.Latencies[out.backend] = out.duration
		if out.err != nil {
			result.Errors[out.backend] = out.err
			return result, out.err
		}
		result.PerBackendRecords[out.backend] = out.records
		carried = out.ids
	}
	result.IDs = carried
	return result, nil
}

// withIDConstraint adds an `id ∈ carried` constraint to leg's filter for
// the Sequential join's pipeline propagation (§4.5) — unconditionally,
// whichever backend is next in the pipeline.
func withIDConstraint(leg BackendQuery, carried []document.ID) BackendQuery {
	values := make([]any, len(carried))
	idStrs := make([]string, len(carried))
	for i, id := range carried {
		values[i] = id.String()
		idStrs[i] = id.String()
	}
	switch leg.Backend {
	case document.BackendRelational:
		nq, ok := leg.Filter.(*relbackend.Query)
		if !ok || nq == nil {
			leg.Filter = &relbackend.Query{Where: "id IN ?", Args: []any{values}}
			return leg
		}
		where := "id IN ?"
		args := []any{values}
		if nq.Where != "" {
			where = "(" + nq.Where + ") AND (id IN ?)"
			args = append(append([]any{}, nq.Args...), values)
		}
		leg.Filter = &relbackend.Query{Where: where, Args: args}
	case document.BackendVector:
		nq, ok := leg.Filter.(*vecbackend.Query)
		equals := map[string]any{}
		if ok && nq != nil {
			for k, v := range nq.Equals {
				equals[k] = v
			}
		}
		leg.Filter = &vecbackend.Query{Equals: equals, IDs: idStrs}
	case document.BackendGraph:
		nq, ok := leg.Filter.(*graphbackend.Query)
		cypher := ""
		params := map[string]any{}
		if ok && nq != nil {
			cypher = nq.Cypher
			for k, v := range nq.Params {
				params[k] = v
			}
		}
		leg.Filter = &graphbackend.Query{Cypher: cypher, Params: params, NodeIDs: idStrs}
	}
	return leg
}

func intersectIDs(sets [][]document.ID) []document.ID {
	if len(sets) == 0 {
		return nil
	}
	counts := make(map[document.ID]int)
	for _, set := range sets {
		seen := make(map[document.ID]bool, len(set))
		for _, id := range set {
			if !seen[id] {
				counts[id]++
				seen[id] = true
			}
		}
	}
	var out []document.ID
	for id, c := range counts {
		if c == len(sets) {
			out = append(out, id)
		}
	}
	sortIDs(out)
	return out
}

func unionIDs(sets [][]document.ID) []document.ID {
	seen := make(map[document.ID]bool)
	var out []document.ID
	for _, set := range sets {
		for _, id := range set {
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	sortIDs(out)
	return out
}

func sortIDs(ids []document.ID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
}

// ExtractID de-duplicates ids out of a heterogeneous record shape by
// trying document_id, id, then _id in order (§4.5 edge cases).
func ExtractID(row map[string]any) (document.ID, bool) {
	for _, key := range []string{"document_id", "id", "_id"} {
		raw, ok := row[key]
		if !ok {
			continue
		}
		switch v := raw.(type) {
		case document.ID:
			return v, true
		case string:
			if id, err := document.ParseID(v); err == nil {
				return id, true
			}
		}
	}
	return document.ID{}, false
}
