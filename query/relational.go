package query

import (
	"fmt"
	"strings"

	"github.com/makr-code/polyglot-coordinator/backend"
	"github.com/makr-code/polyglot-coordinator/backend/relational"
	"github.com/makr-code/polyglot-coordinator/errs"
)

// knownColumns are fragmentRow columns addressable directly; every other
// field name is treated as a path into the JSONB attributes column.
var knownColumns = map[string]string{
	"id":         "id",
	"owner_id":   "owner_id",
	"deleted_at": "deleted_at",
	"updated_at": "updated_at",
	"version":    "version",
}

func relationalColumn(field string) string {
	if col, ok := knownColumns[field]; ok {
		return col
	}
	field = strings.TrimPrefix(field, "attributes.")
	return fmt.Sprintf("attrs->>'%s'", field)
}

// RelationalFilterBuilder is the FilterBuilder for the relational
// backend (§4.5): it accumulates a Node tree and translates it into a
// parameterized relational.Query on ToNative.
type RelationalFilterBuilder struct {
	root             Node
	maxSequentialIDs int
}

// DefaultMaxSequentialIDs resolves the Open Question in §9 about how
// large a Sequential join's propagated id-list may grow: 10,000 ids,
// configurable via WithMaxSequentialIDs.
const DefaultMaxSequentialIDs = 10_000

func NewRelationalFilterBuilder() *RelationalFilterBuilder {
	return &RelationalFilterBuilder{maxSequentialIDs: DefaultMaxSequentialIDs}
}

// WithMaxSequentialIDs overrides the default in-list length threshold.
func (b *RelationalFilterBuilder) WithMaxSequentialIDs(n int) *RelationalFilterBuilder {
	b.maxSequentialIDs = n
	return b
}

// Where sets the filter's root expression, replacing any previous one.
func (b *RelationalFilterBuilder) Where(n Node) *RelationalFilterBuilder {
	b.root = n
	return b
}

// ToNative translates the accumulated Node tree into a relational.Query:
// a SQL WHERE fragment with every literal passed as a bound argument,
// never interpolated into the string itself.
func (b *RelationalFilterBuilder) ToNative() (backend.NativeQuery, error) {
	if b.root.IsEmpty() {
		return &relational.Query{}, nil
	}
	where, args, err := b.translate(b.root)
	if err != nil {
		return nil, err
	}
	return &relational.Query{Where: where, Args: args}, nil
}

func (b *RelationalFilterBuilder) translate(n Node) (string, []any, error) {
	switch n.Op {
	case OpEq:
		return relationalColumn(n.Field) + " = ?", []any{n.Value}, nil
	case OpNe:
		return relationalColumn(n.Field) + " <> ?", []any{n.Value}, nil
	case OpGt:
		return relationalColumn(n.Field) + " > ?", []any{n.Value}, nil
	case OpLt:
		return relationalColumn(n.Field) + " < ?", []any{n.Value}, nil
	case OpContains:
		return relationalColumn(n.Field) + " ILIKE ?", []any{fmt.Sprintf("%%%v%%", n.Value)}, nil
	case OpStartsWith:
		return relationalColumn(n.Field) + " ILIKE ?", []any{fmt.Sprintf("%v%%", n.Value)}, nil
	case OpMatchesRe:
		pattern, _ := n.Value.(string)
		if err := compileRegex(pattern); err != nil {
			return "", nil, errs.Wrap(errs.KindValidationError, "invalid matches_regex pattern", err).WithBackend("relational")
		}
		return relationalColumn(n.Field) + " ~ ?", []any{pattern}, nil
	case OpBetween:
		if len(n.Values) != 2 {
			return "", nil, errs.New(errs.KindValidationError, "between requires exactly two bounds").WithBackend("relational")
		}
		return relationalColumn(n.Field) + " BETWEEN ? AND ?", []any{n.Values[0], n.Values[1]}, nil
	case OpIn:
		if b.maxSequentialIDs > 0 && len(n.Values) > b.maxSequentialIDs {
			return "", nil, errs.New(errs.KindValidationError, fmt.Sprintf("in() list exceeds max_sequential_ids (%d)", b.maxSequentialIDs)).WithBackend("relational")
		}
		return relationalColumn(n.Field) + " IN ?", []any{n.Values}, nil
	case OpAnd, OpOr:
		if len(n.Children) == 0 {
			return "", nil, errs.New(errs.KindValidationError, "and/or requires at least one child").WithBackend("relational")
		}
		joiner := " AND "
		if n.Op == OpOr {
			joiner = " OR "
		}
		var parts []string
		var args []any
		for _, c := range n.Children {
			part, cargs, err := b.translate(c)
			if err != nil {
				return "", nil, err
			}
			parts = append(parts, "("+part+")")
			args = append(args, cargs...)
		}
		return strings.Join(parts, joiner), args, nil
	case OpNot:
		if len(n.Children) != 1 {
			return "", nil, errs.New(errs.KindValidationError, "not requires exactly one child").WithBackend("relational")
		}
		part, args, err := b.translate(n.Children[0])
		if err != nil {
			return "", nil, err
		}
		return "NOT (" + part + ")", args, nil
	default:
		return "", nil, errs.New(errs.KindValidationError, fmt.Sprintf("unsupported operator %q for relational backend", n.Op)).WithBackend("relational")
	}
}
