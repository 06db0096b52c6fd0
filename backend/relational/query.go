package relational

import (
	"encoding/json"

	"github.com/makr-code/polyglot-coordinator/document"
)

func encodeAttrs(attrs map[string]any) ([]byte, error) {
	if attrs == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(attrs)
}

func decodeAttrs(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Query is the relational backend's backend.NativeQuery: a parameterized
// SQL fragment produced exclusively by query.RelationalFilterBuilder.
// Nothing outside that builder is allowed to construct one, which is
// what guarantees literals never reach here via string interpolation.
type Query struct {
	Where string
	Args  []any
}

func (q *Query) Backend() document.Backend { return document.BackendRelational }
