package vector

import "github.com/makr-code/polyglot-coordinator/document"

// Query is the vector backend's backend.NativeQuery: a metadata
// equality predicate applied alongside the similarity threshold,
// produced by query.VectorFilterBuilder. IDs is an optional allow-list
// used to pipeline a Sequential join's carried id set (§4.5) into this
// leg's Search call.
type Query struct {
	Equals map[string]any
	IDs    []string
}

func (q *Query) Backend() document.Backend { return document.BackendVector }

// Matches reports whether data's metadata satisfies every equality
// constraint in q. A nil Query matches everything.
func (q *Query) Matches(data map[string]any) bool {
	if q == nil || len(q.Equals) == 0 {
		return true
	}
	metadata, _ := data["metadata"].(map[string]any)
	for k, v := range q.Equals {
		if metadata[k] != v {
			return false
		}
	}
	return true
}

// allows reports whether id is in q's allow-list. A nil Query or an
// empty IDs list allows everything.
func (q *Query) allows(id string) bool {
	if q == nil || len(q.IDs) == 0 {
		return true
	}
	for _, allowed := range q.IDs {
		if allowed == id {
			return true
		}
	}
	return false
}
