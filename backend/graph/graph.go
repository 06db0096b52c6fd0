// Package graph implements backend.Adapter and backend.GraphOps on top of
// Neo4j, using parameterized Cypher for every write and read. The driver
// is present in the reference corpus's go.mod only as a transitive
// dependency; no reference file imports it directly, so this package is
// the first real consumer rather than an adaptation of an existing file.
package graph

import (
	"context"
	"strconv"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/makr-code/polyglot-coordinator/backend"
	"github.com/makr-code/polyglot-coordinator/document"
	"github.com/makr-code/polyglot-coordinator/errs"
	"github.com/makr-code/polyglot-coordinator/logging"
)

type Config struct {
	URI            string
	Username       string
	Password       string
	Database       string
	MaxConcurrency int
	MaxBatch       int
}

func DefaultConfig(uri, username, password string) Config {
	return Config{URI: uri, Username: username, Password: password, Database: "neo4j", MaxConcurrency: 32, MaxBatch: 200}
}

type Adapter struct {
	driver neo4j.DriverWithContext
	cfg    Config
	log    *logging.Logger
}

func New(cfg Config, log *logging.Logger) (*Adapter, error) {
	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.Username, cfg.Password, ""))
	if err != nil {
		return nil, errs.Wrap(errs.KindPermanent, "open neo4j driver", err).WithBackend("graph")
	}
	if log == nil {
		log = logging.NewNop()
	}
	return &Adapter{driver: driver, cfg: cfg, log: log.WithField("backend", "graph")}, nil
}

func (a *Adapter) session(ctx context.Context) neo4j.SessionWithContext {
	return a.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: a.cfg.Database})
}

func (a *Adapter) Kind() document.Backend { return document.BackendGraph }
func (a *Adapter) MaxBatchSize() int      { return a.cfg.MaxBatch }
func (a *Adapter) MaxConcurrency() int    { return a.cfg.MaxConcurrency }

func (a *Adapter) Get(ctx context.Context, id document.ID) (document.Fragment, error) {
	session := a.session(ctx)
	defer session.Close(ctx)

	result, err := neo4j.ExecuteRead(ctx, session, func(tx neo4j.ManagedTransaction) (document.Fragment, error) {
		res, err := tx.Run(ctx, "MATCH (n:Document {id: $id}) RETURN n.owner_id AS owner_id, n.props AS props, labels(n) AS labels", map[string]any{"id": id.String()})
		if err != nil {
			return document.Fragment{}, err
		}
		record, err := res.Single(ctx)
		if err != nil {
			return document.Fragment{}, err
		}
		owner, _ := record.Get("owner_id")
		props, _ := record.Get("props")
		labels, _ := record.Get("labels")
		return document.Fragment{
			ID: id, Backend: document.BackendGraph, OwnerID: stringOf(owner),
			Data: map[string]any{"props": props, "labels": labels},
		}, nil
	})
	if err != nil {
		if neo4j.IsNeo4jError(err) {
			return document.Fragment{}, errs.Wrap(errs.KindTransient, "get node", err).WithBackend("graph")
		}
		return document.Fragment{}, errs.New(errs.KindNotFound, "node not found").WithBackend("graph")
	}
	return result, nil
}

func stringOf(v any) string {
	s, _ := v.(string)
	return s
}

func (a *Adapter) GetMany(ctx context.Context, ids []document.ID) (map[document.ID]document.Fragment, error) {
	out := make(map[document.ID]document.Fragment, len(ids))
	for _, id := range ids {
		frag, err := a.Get(ctx, id)
		if err != nil {
			if errs.KindOf(err) == errs.KindNotFound {
				continue
			}
			return nil, err
		}
		out[id] = frag
	}
	return out, nil
}

func (a *Adapter) Exists(ctx context.Context, ids []document.ID) (map[document.ID]bool, error) {
	out := make(map[document.ID]bool, len(ids))
	for _, id := range ids {
		_, err := a.Get(ctx, id)
		out[id] = err == nil
	}
	return out, nil
}

func (a *Adapter) Put(ctx context.Context, id document.ID, fragment document.Fragment, opts backend.PutOptions) error {
	labels, _ := fragment.Data["labels"].([]string)
	props, _ := fragment.Data["props"].(map[string]any)
	return a.UpsertNode(ctx, id, labels, props)
}

func (a *Adapter) UpsertNode(ctx context.Context, id document.ID, labels []string, props map[string]any) error {
	session := a.session(ctx)
	defer session.Close(ctx)

	_, err := neo4j.ExecuteWrite(ctx, session, func(tx neo4j.ManagedTransaction) (any, error) {
		return tx.Run(ctx, "MERGE (n:Document {id: $id}) SET n.props = $props, n:"+labelClause(labels), map[string]any{"id": id.String(), "props": props})
	})
	if err != nil {
		return errs.Wrap(errs.KindTransient, "upsert node", err).WithBackend("graph")
	}
	return nil
}

func labelClause(labels []string) string {
	if len(labels) == 0 {
		return "Document"
	}
	clause := labels[0]
	for _, l := range labels[1:] {
		clause += ":" + l
	}
	return clause
}

func (a *Adapter) UpsertEdge(ctx context.Context, from, to document.ID, edgeType string, props map[string]any) error {
	session := a.session(ctx)
	defer session.Close(ctx)

	_, err := neo4j.ExecuteWrite(ctx, session, func(tx neo4j.ManagedTransaction) (any, error) {
		query := "MATCH (a:Document {id: $from}), (b:Document {id: $to}) MERGE (a)-[r:" + edgeType + "]->(b) SET r.props = $props"
		return tx.Run(ctx, query, map[string]any{"from": from.String(), "to": to.String(), "props": props})
	})
	if err != nil {
		return errs.Wrap(errs.KindTransient, "upsert edge", err).WithBackend("graph")
	}
	return nil
}

func (a *Adapter) Delete(ctx context.Context, id document.ID) error {
	session := a.session(ctx)
	defer session.Close(ctx)

	_, err := neo4j.ExecuteWrite(ctx, session, func(tx neo4j.ManagedTransaction) (any, error) {
		return tx.Run(ctx, "MATCH (n:Document {id: $id}) DETACH DELETE n", map[string]any{"id": id.String()})
	})
	if err != nil {
		return errs.Wrap(errs.KindTransient, "delete node", err).WithBackend("graph")
	}
	return nil
}

func (a *Adapter) Health(ctx context.Context) backend.Health {
	if err := a.driver.VerifyConnectivity(ctx); err != nil {
		return backend.HealthDown
	}
	return backend.HealthOk
}

func (a *Adapter) QueryPattern(ctx context.Context, pattern backend.NativeQuery) ([]map[string]any, error) {
	nq, ok := pattern.(*Query)
	if !ok {
		return nil, errs.New(errs.KindValidationError, "pattern is not a graph native query").WithBackend("graph")
	}
	session := a.session(ctx)
	defer session.Close(ctx)

	cypher, params := nq.Cypher, nq.Params
	if len(nq.NodeIDs) > 0 {
		cypher = withNodeIDConstraint(cypher)
		if params == nil {
			params = map[string]any{}
		}
		params["__node_ids"] = nq.NodeIDs
	}

	return neo4j.ExecuteRead(ctx, session, func(tx neo4j.ManagedTransaction) ([]map[string]any, error) {
		res, err := tx.Run(ctx, cypher, params)
		if err != nil {
			return nil, err
		}
		var out []map[string]any
		for res.Next(ctx) {
			out = append(out, res.Record().AsMap())
		}
		return out, res.Err()
	})
}

// withNodeIDConstraint ANDs an `n.id IN $__node_ids` predicate into a
// query.GraphFilterBuilder-shaped Cypher statement ("MATCH (n:Label)[
// WHERE ...] RETURN ..."), ahead of its RETURN clause, for the
// Sequential join's pipeline propagation (§4.5).
func withNodeIDConstraint(cypher string) string {
	idx := strings.Index(cypher, " RETURN ")
	if idx < 0 {
		return cypher
	}
	head, tail := cypher[:idx], cypher[idx:]
	if strings.Contains(head, " WHERE ") {
		return head + " AND (n.id IN $__node_ids)" + tail
	}
	return head + " WHERE n.id IN $__node_ids" + tail
}

func (a *Adapter) Traverse(ctx context.Context, startIDs []document.ID, edgeTypes []string, depth int) ([]backend.GraphElement, error) {
	ids := make([]string, len(startIDs))
	for i, id := range startIDs {
		ids[i] = id.String()
	}
	session := a.session(ctx)
	defer session.Close(ctx)

	relPattern := ""
	if len(edgeTypes) > 0 {
		relPattern = ":" + edgeTypes[0]
		for _, t := range edgeTypes[1:] {
			relPattern += "|" + t
		}
	}
	query := "MATCH (start:Document) WHERE start.id IN $ids " +
		"MATCH path = (start)-[r" + relPattern + "*1.." + depthString(depth) + "]-(n) " +
		"RETURN n.id AS node_id, labels(n) AS labels, n.props AS props, relationships(path) AS rels"

	return neo4j.ExecuteRead(ctx, session, func(tx neo4j.ManagedTransaction) ([]backend.GraphElement, error) {
		res, err := tx.Run(ctx, query, map[string]any{"ids": ids})
		if err != nil {
			return nil, err
		}
		var out []backend.GraphElement
		for res.Next(ctx) {
			rec := res.Record()
			nodeIDStr, _ := rec.Get("node_id")
			labels, _ := rec.Get("labels")
			props, _ := rec.Get("props")
			nodeID, _ := document.ParseID(stringOf(nodeIDStr))
			out = append(out, backend.GraphElement{NodeID: nodeID, Labels: stringSlice(labels), Props: mapOf(props)})
		}
		return out, res.Err()
	})
}

func depthString(depth int) string {
	if depth <= 0 {
		depth = 1
	}
	return strconv.Itoa(depth)
}

func stringSlice(v any) []string {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		if s, ok := r.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func mapOf(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}
