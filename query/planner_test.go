package query_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/makr-code/polyglot-coordinator/backend"
	"github.com/makr-code/polyglot-coordinator/document"
	"github.com/makr-code/polyglot-coordinator/errs"
	"github.com/makr-code/polyglot-coordinator/query"
)

// fakeRelational/fakeVector/fakeGraph implement just enough of
// backend.Adapter + their *Ops interface to drive the planner in
// isolation, matching §8 scenario 5 (polyglot intersection).

type fakeRelational struct {
	backend.Adapter
	ids []document.ID
	err error
}

func (f *fakeRelational) Kind() document.Backend { return document.BackendRelational }
func (f *fakeRelational) Query(ctx context.Context, filter backend.NativeQuery, projection []string, sort []backend.SortField, limit, offset int) ([]document.Fragment, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([]document.Fragment, 0, len(f.ids))
	for _, id := range f.ids {
		out = append(out, document.Fragment{ID: id})
	}
	return out, nil
}
func (f *fakeRelational) BatchExists(ctx context.Context, ids []document.ID) (map[document.ID]bool, error) {
	return nil, nil
}

type fakeVector struct {
	backend.Adapter
	ids []document.ID
	err error
}

func (f *fakeVector) Kind() document.Backend { return document.BackendVector }
func (f *fakeVector) Search(ctx context.Context, q []float32, k int, filter backend.NativeQuery) ([]backend.ScoredID, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([]backend.ScoredID, 0, len(f.ids))
	for _, id := range f.ids {
		out = append(out, backend.ScoredID{ID: id, Score: 1})
	}
	return out, nil
}
func (f *fakeVector) UpsertVector(ctx context.Context, id document.ID, v []float32, m map[string]any) error {
	return nil
}

type fakeGraph struct {
	backend.Adapter
	ids []document.ID
	err error
}

func (f *fakeGraph) Kind() document.Backend { return document.BackendGraph }
func (f *fakeGraph) QueryPattern(ctx context.Context, pattern backend.NativeQuery) ([]map[string]any, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([]map[string]any, 0, len(f.ids))
	for _, id := range f.ids {
		out = append(out, map[string]any{"id": id.String()})
	}
	return out, nil
}
func (f *fakeGraph) UpsertNode(ctx context.Context, id document.ID, labels []string, props map[string]any) error {
	return nil
}
func (f *fakeGraph) UpsertEdge(ctx context.Context, from, to document.ID, edgeType string, props map[string]any) error {
	return nil
}
func (f *fakeGraph) Traverse(ctx context.Context, startIDs []document.ID, edgeTypes []string, depth int) ([]backend.GraphElement, error) {
	return nil, nil
}

func ids(n ...int) []document.ID {
	out := make([]document.ID, len(n))
	for i, v := range n {
		var u [16]byte
		u[15] = byte(v)
		out[i] = document.ID(u)
	}
	return out
}

func TestPlanner_Intersection(t *testing.T) {
	// Relational {1,2,3,4}; vector {2,3,5}; graph {3,4,6} -> intersection {3}.
	adapters := map[document.Backend]backend.Adapter{
		document.BackendRelational: &fakeRelational{ids: ids(1, 2, 3, 4)},
		document.BackendVector:     &fakeVector{ids: ids(2, 3, 5)},
		document.BackendGraph:      &fakeGraph{ids: ids(3, 4, 6)},
	}
	p := query.NewPlanner(adapters, nil)
	legs := []query.BackendQuery{
		{Backend: document.BackendRelational},
		{Backend: document.BackendVector},
		{Backend: document.BackendGraph},
	}
	res, err := p.Execute(context.Background(), legs, query.JoinIntersection)
	require.NoError(t, err)
	require.Len(t, res.IDs, 1)
	assert.Equal(t, ids(3)[0], res.IDs[0])
}

func TestPlanner_Union(t *testing.T) {
	adapters := map[document.Backend]backend.Adapter{
		document.BackendRelational: &fakeRelational{ids: ids(1, 2)},
		document.BackendVector:     &fakeVector{ids: ids(2, 3)},
	}
	p := query.NewPlanner(adapters, nil)
	legs := []query.BackendQuery{
		{Backend: document.BackendRelational},
		{Backend: document.BackendVector},
	}
	res, err := p.Execute(context.Background(), legs, query.JoinUnion)
	require.NoError(t, err)
	assert.ElementsMatch(t, ids(1, 2, 3), res.IDs)
}

func TestPlanner_Intersection_PermanentErrorFailsWholePlan(t *testing.T) {
	adapters := map[document.Backend]backend.Adapter{
		document.BackendRelational: &fakeRelational{ids: ids(1, 2)},
		document.BackendGraph:      &fakeGraph{err: errs.New(errs.KindPermanent, "down").WithBackend("graph")},
	}
	p := query.NewPlanner(adapters, nil)
	legs := []query.BackendQuery{
		{Backend: document.BackendRelational},
		{Backend: document.BackendGraph},
	}
	_, err := p.Execute(context.Background(), legs, query.JoinIntersection)
	require.Error(t, err)
	assert.Equal(t, errs.KindPermanent, errs.KindOf(err))
}

func TestPlanner_Union_FailingBackendContributesNoIDsButIsReported(t *testing.T) {
	adapters := map[document.Backend]backend.Adapter{
		document.BackendRelational: &fakeRelational{ids: ids(1, 2)},
		document.BackendGraph:      &fakeGraph{err: errs.New(errs.KindTransient, "slow").WithBackend("graph")},
	}
	p := query.NewPlanner(adapters, nil)
	legs := []query.BackendQuery{
		{Backend: document.BackendRelational},
		{Backend: document.BackendGraph},
	}
	res, err := p.Execute(context.Background(), legs, query.JoinUnion)
	require.NoError(t, err)
	assert.ElementsMatch(t, ids(1, 2), res.IDs)
	assert.Error(t, res.Errors[document.BackendGraph])
}

func TestPlanner_Sequential_ShortCircuitsOnEmptyIntermediate(t *testing.T) {
	adapters := map[document.Backend]backend.Adapter{
		document.BackendRelational: &fakeRelational{ids: nil},
		document.BackendVector:     &fakeVector{ids: ids(1, 2)},
	}
	p := query.NewPlanner(adapters, nil)
	legs := []query.BackendQuery{
		{Backend: document.BackendRelational},
		{Backend: document.BackendVector},
	}
	res, err := p.Execute(context.Background(), legs, query.JoinSequential)
	require.NoError(t, err)
	assert.Empty(t, res.IDs)
}

func TestExtractID_TriesFieldsInOrder(t *testing.T) {
	id := ids(7)[0]
	row := map[string]any{"_id": id.String()}
	got, ok := query.ExtractID(row)
	require.True(t, ok)
	assert.Equal(t, id, got)

	row2 := map[string]any{"document_id": id.String(), "id": "ignored"}
	got2, ok2 := query.ExtractID(row2)
	require.True(t, ok2)
	assert.Equal(t, id, got2)
}
