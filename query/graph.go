package query

import (
	"fmt"
	"strings"

	"github.com/makr-code/polyglot-coordinator/backend"
	"github.com/makr-code/polyglot-coordinator/backend/graph"
	"github.com/makr-code/polyglot-coordinator/errs"
)

// GraphFilterBuilder is the FilterBuilder for the graph backend (§4.5):
// node property constraints, translated into a parameterized Cypher
// query_pattern. Depth and EdgeTypes are recorded on the builder, but
// ToNative does not include them in the generated Cypher.
type GraphFilterBuilder struct {
	label     string
	props     Node
	edgeTypes []string
	depth     int
}

func NewGraphFilterBuilder(label string) *GraphFilterBuilder {
	return &GraphFilterBuilder{label: label, depth: 1}
}

// Where sets the node property constraint tree.
func (b *GraphFilterBuilder) Where(n Node) *GraphFilterBuilder {
	b.props = n
	return b
}

// EdgeTypes constrains traversal/pattern matching to the given relationship types.
func (b *GraphFilterBuilder) EdgeTypes(types ...string) *GraphFilterBuilder {
	b.edgeTypes = types
	return b
}

// Depth sets the traversal depth (§4.1 traverse's depth argument).
func (b *GraphFilterBuilder) Depth(d int) *GraphFilterBuilder {
	b.depth = d
	return b
}

// ToNative translates the builder into a graph.Query: a Cypher MATCH
// over :Document nodes (optionally re-labeled) with a WHERE clause built
// from props, every literal passed via Params rather than interpolated.
func (b *GraphFilterBuilder) ToNative() (backend.NativeQuery, error) {
	label := b.label
	if label == "" {
		label = "Document"
	}
	params := map[string]any{}
	where := ""
	if !b.props.IsEmpty() {
		clause, err := b.translate(b.props, params)
		if err != nil {
			return nil, err
		}
		where = " WHERE " + clause
	}
	cypher := fmt.Sprintf("MATCH (n:%s)%s RETURN n.id AS id, n.props AS props, labels(n) AS labels", label, where)
	return &graph.Query{Cypher: cypher, Params: params}, nil
}

func (b *GraphFilterBuilder) translate(n Node, params map[string]any) (string, error) {
	paramName := func() string {
		name := fmt.Sprintf("p%d", len(params))
		return name
	}
	propRef := func(field string) string {
		field = strings.TrimPrefix(field, "props.")
		return fmt.Sprintf("n.props.%s", field)
	}

	switch n.Op {
	case OpEq:
		name := paramName()
		params[name] = n.Value
		return fmt.Sprintf("%s = $%s", propRef(n.Field), name), nil
	case OpNe:
		name := paramName()
		params[name] = n.Value
		return fmt.Sprintf("%s <> $%s", propRef(n.Field), name), nil
	case OpGt:
		name := paramName()
		params[name] = n.Value
		return fmt.Sprintf("%s > $%s", propRef(n.Field), name), nil
	case OpLt:
		name := paramName()
		params[name] = n.Value
		return fmt.Sprintf("%s < $%s", propRef(n.Field), name), nil
	case OpContains:
		name := paramName()
		params[name] = n.Value
		return fmt.Sprintf("%s CONTAINS $%s", propRef(n.Field), name), nil
	case OpStartsWith:
		name := paramName()
		params[name] = n.Value
		return fmt.Sprintf("%s STARTS WITH $%s", propRef(n.Field), name), nil
	case OpMatchesRe:
		pattern, _ := n.Value.(string)
		if err := compileRegex(pattern); err != nil {
			return "", errs.Wrap(errs.KindValidationError, "invalid matches_regex pattern", err).WithBackend("graph")
		}
		name := paramName()
		params[name] = pattern
		return fmt.Sprintf("%s =~ $%s", propRef(n.Field), name), nil
	case OpIn:
		name := paramName()
		params[name] = n.Values
		return fmt.Sprintf("%s IN $%s", propRef(n.Field), name), nil
	case OpAnd, OpOr:
		if len(n.Children) == 0 {
			return "", errs.New(errs.KindValidationError, "and/or requires at least one child").WithBackend("graph")
		}
		joiner := " AND "
		if n.Op == OpOr {
			joiner = " OR "
		}
		var parts []string
		for _, c := range n.Children {
			part, err := b.translate(c, params)
			if err != nil {
				return "", err
			}
			parts = append(parts, "("+part+")")
		}
		return strings.Join(parts, joiner), nil
	case OpNot:
		if len(n.Children) != 1 {
			return "", errs.New(errs.KindValidationError, "not requires exactly one child").WithBackend("graph")
		}
		part, err := b.translate(n.Children[0], params)
		if err != nil {
			return "", err
		}
		return "NOT (" + part + ")", nil
	default:
		return "", errs.New(errs.KindValidationError, fmt.Sprintf("unsupported operator %q for graph backend", n.Op)).WithBackend("graph")
	}
}
