// Package coordinator implements the CoordinatorAPI (C9): the narrow
// façade that composes the cache, security gate, saga coordinator,
// batch fan-out, polyglot planner, streaming engine, and archive manager
// behind the operation surface §6.1 defines, consumed by everything
// outside this module. Every entry performs, in order: security gate →
// cache consult (reads) → saga execution (writes) → audit emit, exactly
// the data-flow §2 describes for C9.
package coordinator

import (
	"context"
	"time"

	"github.com/makr-code/polyglot-coordinator/archive"
	"github.com/makr-code/polyglot-coordinator/backend"
	"github.com/makr-code/polyglot-coordinator/backend/documentstore"
	"github.com/makr-code/polyglot-coordinator/batch"
	"github.com/makr-code/polyglot-coordinator/cache"
	"github.com/makr-code/polyglot-coordinator/document"
	"github.com/makr-code/polyglot-coordinator/embedder"
	"github.com/makr-code/polyglot-coordinator/errs"
	"github.com/makr-code/polyglot-coordinator/logging"
	"github.com/makr-code/polyglot-coordinator/query"
	"github.com/makr-code/polyglot-coordinator/saga"
	"github.com/makr-code/polyglot-coordinator/security"
	"github.com/makr-code/polyglot-coordinator/streaming"
)

// Coordinator is the CoordinatorAPI (C9). Construct one with New, call
// Start before serving traffic, and Stop when shutting down — no
// background work runs before Start, per the explicit-lifecycle
// REDESIGN FLAG every owned component (cache, streaming, archive, saga
// recovery, audit drain) already follows individually.
type Coordinator struct {
	cfg Config
	log *logging.Logger

	adapters   map[document.Backend]backend.Adapter
	relAdapter backend.Adapter
	relOps     backend.RelationalOps
	graphOps   backend.GraphOps

	cache     *cache.Cache
	gate      *security.Gate
	limiter   *security.RateLimiter
	auditSink security.AuditSink
	bounded   *security.BoundedAuditSink // non-nil when auditSink owns a lifecycle this coordinator must drive

	reader *batch.Reader
	writer *batch.Writer

	planner *query.Planner

	sagas *saga.Coordinator

	streaming *streaming.Engine
	archive   *archive.Manager
}

// Deps bundles every collaborator New needs beyond Config. Adapters must
// contain exactly one entry per document.Backend; the relational, vector
// and graph entries must additionally satisfy RelationalOps/VectorOps/
// GraphOps respectively, matching §4.1's backend-specific extension interfaces.
type Deps struct {
	Adapters  map[document.Backend]backend.Adapter
	BlobStore documentstore.BlobStore
	Embedder  embedder.Embedder
	SagaStore saga.Store
	SagaLease saga.Lease
	Auth      security.AuthProvider
	Audit     security.AuditSink
	Log       *logging.Logger
}

// New wires every component in §4 behind the Coordinator, in the order
// data flows through them (§2): cache, security gate, batch fan-out,
// polyglot planner, saga registry/coordinator, streaming engine, archive
// manager. It returns an Internal-kind error on a missing required
// adapter or collaborator, so the embedding program fails at startup,
// not at the first request.
func New(cfg Config, deps Deps) (*Coordinator, error) {
	log := deps.Log
	if log == nil {
		log = logging.NewNop()
	}

	relAdapter, ok := deps.Adapters[document.BackendRelational]
	if !ok {
		return nil, errs.New(errs.KindInternal, "missing relational adapter")
	}
	relOps, ok := relAdapter.(backend.RelationalOps)
	if !ok {
		return nil, errs.New(errs.KindInternal, "relational adapter missing RelationalOps")
	}
	vecAdapter, ok := deps.Adapters[document.BackendVector]
	if !ok {
		return nil, errs.New(errs.KindInternal, "missing vector adapter")
	}
	vecOps, ok := vecAdapter.(backend.VectorOps)
	if !ok {
		return nil, errs.New(errs.KindInternal, "vector adapter missing VectorOps")
	}
	graphAdapter, ok := deps.Adapters[document.BackendGraph]
	if !ok {
		return nil, errs.New(errs.KindInternal, "missing graph adapter")
	}
	graphOps, ok := graphAdapter.(backend.GraphOps)
	if !ok {
		return nil, errs.New(errs.KindInternal, "graph adapter missing GraphOps")
	}
	docAdapter, ok := deps.Adapters[document.BackendDocument]
	if !ok {
		return nil, errs.New(errs.KindInternal, "missing document adapter")
	}

	c := &Coordinator{
		cfg:        cfg,
		log:        log.WithField("component", "coordinator_api"),
		adapters:   deps.Adapters,
		relAdapter: relAdapter,
		relOps:     relOps,
		graphOps:   graphOps,
	}

	c.cache = cache.New(cfg.Cache, log)

	c.limiter = security.NewRateLimiter(cfg.RateLimit.Policies)
	c.auditSink = deps.Audit
	if bounded, ok := deps.Audit.(*security.BoundedAuditSink); ok {
		c.bounded = bounded
	}
	c.gate = security.New(deps.Auth, c.limiter, c.auditSink, log)

	c.reader = batch.NewReader(deps.Adapters, log)
	c.writer = batch.NewWriter(deps.Adapters, cfg.Batch.WriteRetry, log)

	c.planner = query.NewPlanner(deps.Adapters, log)

	c.streaming = streaming.New(cfg.Streaming, deps.BlobStore, log)

	registry := saga.NewRegistry()
	sagaDeps := saga.Deps{
		Relational:   relOps,
		RelAdapter:   relAdapter,
		Docs:         docAdapter,
		BlobStore:    deps.BlobStore,
		Vector:       vecOps,
		VecAdapter:   vecAdapter,
		Graph:        graphOps,
		GraphAdapter: graphAdapter,
		Embedder:     deps.Embedder,
		Cache:        c.cache,
		Streaming:    c.streaming,
	}
	kinds := saga.RegisterAll(registry, sagaDeps)
	c.sagas = saga.NewCoordinator(deps.SagaStore, deps.SagaLease, registry, cfg.Saga, log)
	for _, k := range kinds {
		c.sagas.RegisterKind(k)
	}

	archIndex := archive.NewMemIndex()
	c.archive = archive.NewManager(c.sagas, archIndex, cfg.Archive, log)

	return c, nil
}

// WithArchiveIndex overrides the default in-memory archive index with a
// durable one (e.g. archive.NewPgIndex), matching the corpus's pattern of
// a safe in-memory default with an explicit durable override at
// construction time rather than a runtime-mutable global.
func (c *Coordinator) WithArchiveIndex(index archive.Index) {
	c.archive = archive.NewManager(c.sagas, index, c.cfg.Archive, c.log)
}

// Start launches every owned background task (§9 REDESIGN FLAG: no work
// starts in a constructor). Safe to call once per Coordinator lifetime.
func (c *Coordinator) Start(ctx context.Context) {
	c.cache.Start(ctx)
	c.streaming.Start(ctx)
	c.archive.Start(ctx)
	c.sagas.StartRecovery(ctx)
	if c.bounded != nil {
		c.bounded.Start(ctx)
	}
}

// Stop halts every owned background task, in roughly reverse order of
// Start, waiting for each to drain before returning.
func (c *Coordinator) Stop() {
	if c.bounded != nil {
		c.bounded.Stop()
	}
	c.sagas.Stop()
	c.archive.Stop()
	c.streaming.Stop()
	c.cache.Stop()
}

func withDeadline(ctx context.Context, deadline time.Duration) (context.Context, context.CancelFunc) {
	if deadline <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, deadline)
}

// Create implements §6.1 create(). The relational/blob/vector/graph
// fragments are written by the create_document saga (§4.6.6); the id is
// allocated here, before the saga starts, since the saga's subject id is
// also its in-process lock key (§5).
func (c *Coordinator) Create(ctx context.Context, credential string, deadline time.Duration, input CreateInput) (document.ID, error) {
	ctx, cancel := withDeadline(ctx, deadline)
	defer cancel()

	decision, err := c.gate.Check(ctx, credential, security.OpCreate, "")
	if err != nil {
		return document.ID{}, err
	}
	user := decision.User
	ownerID := security.OwnedBy(user)

	id := document.NewID()
	initial := map[string]any{
		"owner_id":     ownerID,
		"attributes":   input.Attributes,
		"content":      input.Content,
		"next_version": int64(1),
	}

	rec, err := c.sagas.Start(ctx, saga.KindCreateDocument, id, initial)
	outcome := "committed"
	if err != nil {
		outcome = "aborted"
	} else if rec.State != saga.StateCommitted {
		outcome = string(rec.State)
	}
	c.gate.EmitOutcome(ctx, user, security.OpCreate, id.String(), outcome, rec.SagaID.String(), err)
	if err != nil {
		return document.ID{}, err
	}

	for _, rel := range input.Relationships {
		if linkErr := c.graphOps.UpsertEdge(ctx, id, rel.To, rel.Type, rel.Props); linkErr != nil {
			c.log.WithField("id", id.String()).WithError(linkErr).Warn("best-effort relationship link failed")
		}
	}

	return id, nil
}

// Get implements §6.1 get(). A cache hit short-circuits the read
// entirely; on miss, the four adapters are fanned out through the
// BatchReader and the result is merged and (when not deleted/archived)
// cached (I5).
func (c *Coordinator) Get(ctx context.Context, credential string, deadline time.Duration, id document.ID, includeArchived bool) (document.Document, error) {
	ctx, cancel := withDeadline(ctx, deadline)
	defer cancel()

	decision, err := c.gate.Check(ctx, credential, security.OpGet, id.String())
	if err != nil {
		return document.Document{}, err
	}
	user := decision.User

	bypassCache := c.sagas.InFlight(id)
	if !bypassCache {
		if cached, ok := c.cache.Get(id.String()); ok {
			doc := cached.(document.Document)
			if err := c.gate.CheckRowLevelRead(user, doc.OwnerID); err != nil {
				c.gate.EmitOutcome(ctx, user, security.OpGet, id.String(), "forbidden", "", err)
				return document.Document{}, err
			}
			if doc.IsArchived() && !includeArchived {
				c.gate.EmitOutcome(ctx, user, security.OpGet, id.String(), "not_found", "", nil)
				return document.Document{}, errs.New(errs.KindNotFound, "document not found")
			}
			c.gate.EmitOutcome(ctx, user, security.OpGet, id.String(), "ok", "", nil)
			return doc, nil
		}
	}

	batchResult := c.reader.GetAll(ctx, []document.ID{id}, document.AllBackends, c.effectiveDeadline(deadline))
	relFrag, ok := batchResult.PerBackend[document.BackendRelational][id]
	if !ok {
		c.gate.EmitOutcome(ctx, user, security.OpGet, id.String(), "not_found", "", nil)
		return document.Document{}, errs.New(errs.KindNotFound, "document not found")
	}

	if err := c.gate.CheckRowLevelRead(user, relFrag.OwnerID); err != nil {
		c.gate.EmitOutcome(ctx, user, security.OpGet, id.String(), "forbidden", "", err)
		return document.Document{}, err
	}

	doc := mergeDocument(id, relFrag, batchResult.PerBackend)
	if doc.IsArchived() && !includeArchived {
		c.gate.EmitOutcome(ctx, user, security.OpGet, id.String(), "not_found", "", nil)
		return document.Document{}, errs.New(errs.KindNotFound, "document not found")
	}

	if !doc.IsDeleted() && !doc.IsArchived() && !bypassCache {
		c.cache.Put(id.String(), doc, c.cfg.Cache.DefaultTTL)
	}

	c.gate.EmitOutcome(ctx, user, security.OpGet, id.String(), "ok", "", nil)
	return doc, nil
}

// Update implements §6.1 update(). schema_version is incremented
// monotonically by the coordinator on every successful write (§9 Open
// Questions resolution), never supplied by the caller.
func (c *Coordinator) Update(ctx context.Context, credential string, deadline time.Duration, id document.ID, patch UpdateInput, ifVersion int64) (int64, error) {
	ctx, cancel := withDeadline(ctx, deadline)
	defer cancel()

	decision, err := c.gate.Check(ctx, credential, security.OpUpdate, id.String())
	if err != nil {
		return 0, err
	}
	user := decision.User

	existing, err := c.relAdapter.Get(ctx, id)
	if err != nil {
		return 0, errs.New(errs.KindNotFound, "document not found")
	}
	if err := c.gate.CheckRowLevelWrite(ctx, user, id, c.ownerLookup); err != nil {
		c.gate.EmitOutcome(ctx, user, security.OpUpdate, id.String(), "forbidden", "", err)
		return 0, err
	}
	if ifVersion != 0 && existing.Version != ifVersion {
		c.gate.EmitOutcome(ctx, user, security.OpUpdate, id.String(), "version_conflict", "", nil)
		return 0, errs.New(errs.KindVersionConflict, "version mismatch")
	}

	merged := mergeAttributes(existing.Data, patch.Attributes)
	nextVersion := existing.Version + 1
	initial := map[string]any{
		"owner_id":     existing.OwnerID,
		"attributes":   merged,
		"next_version": nextVersion,
	}
	if patch.Content != nil {
		initial["content"] = *patch.Content
	}

	rec, err := c.sagas.Start(ctx, saga.KindUpdateDocument, id, initial)
	outcome := "committed"
	if err != nil {
		outcome = "aborted"
	} else if rec.State != saga.StateCommitted {
		outcome = string(rec.State)
	}
	c.gate.EmitOutcome(ctx, user, security.OpUpdate, id.String(), outcome, rec.SagaID.String(), err)
	if err != nil {
		return 0, err
	}
	return nextVersion, nil
}

// Upsert implements §6.1 upsert(): create semantics for an unseen id,
// update-shaped versioning for a known one, always driven through
// upsert_document so its audit trail and lock mode (§6.4
// saga.id_lock_mode) are distinguishable from a plain create.
func (c *Coordinator) Upsert(ctx context.Context, credential string, deadline time.Duration, id document.ID, input CreateInput) (document.ID, error) {
	ctx, cancel := withDeadline(ctx, deadline)
	defer cancel()

	decision, err := c.gate.Check(ctx, credential, security.OpUpsert, id.String())
	if err != nil {
		return document.ID{}, err
	}
	user := decision.User
	ownerID := security.OwnedBy(user)

	nextVersion := int64(1)
	if existing, ferr := c.relAdapter.Get(ctx, id); ferr == nil {
		if err := c.gate.CheckRowLevelWrite(ctx, user, id, c.ownerLookup); err != nil {
			c.gate.EmitOutcome(ctx, user, security.OpUpsert, id.String(), "forbidden", "", err)
			return document.ID{}, err
		}
		ownerID = existing.OwnerID
		nextVersion = existing.Version + 1
	}

	initial := map[string]any{
		"owner_id":     ownerID,
		"attributes":   input.Attributes,
		"content":      input.Content,
		"next_version": nextVersion,
	}
	rec, err := c.sagas.Start(ctx, saga.KindUpsertDocument, id, initial)
	outcome := "committed"
	if err != nil {
		outcome = "aborted"
	} else if rec.State != saga.StateCommitted {
		outcome = string(rec.State)
	}
	c.gate.EmitOutcome(ctx, user, security.OpUpsert, id.String(), outcome, rec.SagaID.String(), err)
	if err != nil {
		return document.ID{}, err
	}
	return id, nil
}

// Delete implements §6.1 delete(). SOFT tombstones the relational
// fragment and strips vector/graph fragments (I3); HARD removes the
// relational row instead and also removes the blob unless cascade is
// NONE. In both modes the graph node is removed together with its edges.
func (c *Coordinator) Delete(ctx context.Context, credential string, deadline time.Duration, id document.ID, mode document.DeleteMode, cascade document.CascadePolicy) error {
	ctx, cancel := withDeadline(ctx, deadline)
	defer cancel()

	decision, err := c.gate.Check(ctx, credential, security.OpDelete, id.String())
	if err != nil {
		return err
	}
	user := decision.User

	if err := c.gate.CheckRowLevelWrite(ctx, user, id, c.ownerLookup); err != nil {
		c.gate.EmitOutcome(ctx, user, security.OpDelete, id.String(), "forbidden", "", err)
		return err
	}

	initial := map[string]any{
		"delete_mode": string(mode),
		"cascade":     string(cascade),
	}
	rec, err := c.sagas.Start(ctx, saga.KindDeleteDocument, id, initial)
	outcome := "committed"
	if err != nil {
		outcome = "aborted"
	} else if rec.State != saga.StateCommitted {
		outcome = string(rec.State)
	}
	c.gate.EmitOutcome(ctx, user, security.OpDelete, id.String(), outcome, rec.SagaID.String(), err)
	if mode == document.DeleteHard {
		c.cache.Invalidate(id.String())
	}
	return err
}

// Archive implements §6.1 archive().
func (c *Coordinator) Archive(ctx context.Context, credential string, deadline time.Duration, id document.ID, policy document.RetentionPolicy) (ArchiveResult, error) {
	ctx, cancel := withDeadline(ctx, deadline)
	defer cancel()

	decision, err := c.gate.Check(ctx, credential, security.OpArchive, id.String())
	if err != nil {
		return ArchiveResult{}, err
	}
	user := decision.User

	if err := c.gate.CheckRowLevelWrite(ctx, user, id, c.ownerLookup); err != nil {
		c.gate.EmitOutcome(ctx, user, security.OpArchive, id.String(), "forbidden", "", err)
		return ArchiveResult{}, err
	}

	rec, err := c.archive.Archive(ctx, id, user.UserID, policy)
	c.gate.EmitOutcome(ctx, user, security.OpArchive, id.String(), outcomeOf(err), "", err)
	if err != nil {
		return ArchiveResult{}, err
	}
	c.cache.Invalidate(id.String())
	return ArchiveResult{ExpiresAt: rec.ExpiresAt}, nil
}

// Restore implements §6.1 restore().
func (c *Coordinator) Restore(ctx context.Context, credential string, deadline time.Duration, id document.ID) error {
	ctx, cancel := withDeadline(ctx, deadline)
	defer cancel()

	decision, err := c.gate.Check(ctx, credential, security.OpRestore, id.String())
	if err != nil {
		return err
	}
	user := decision.User

	if err := c.gate.CheckRowLevelWrite(ctx, user, id, c.ownerLookup); err != nil {
		c.gate.EmitOutcome(ctx, user, security.OpRestore, id.String(), "forbidden", "", err)
		return err
	}

	err = c.archive.Restore(ctx, id)
	c.gate.EmitOutcome(ctx, user, security.OpRestore, id.String(), outcomeOf(err), "", err)
	if err == nil {
		c.cache.Invalidate(id.String())
	}
	return err
}

// BatchGet implements §6.1 batch_get(): partial success is normal — an
// id absent from the returned map was either not found, not owned by
// the caller, or archived, and is silently omitted rather than failing
// the whole call.
func (c *Coordinator) BatchGet(ctx context.Context, credential string, deadline time.Duration, ids []document.ID) (map[document.ID]document.Document, error) {
	ctx, cancel := withDeadline(ctx, deadline)
	defer cancel()

	decision, err := c.gate.Check(ctx, credential, security.OpBatchGet, "")
	if err != nil {
		return nil, err
	}
	user := decision.User

	result := c.reader.GetAll(ctx, ids, document.AllBackends, c.effectiveDeadline(deadline))

	out := make(map[document.ID]document.Document, len(ids))
	for _, id := range ids {
		relFrag, ok := result.PerBackend[document.BackendRelational][id]
		if !ok {
			continue
		}
		if err := c.gate.CheckRowLevelRead(user, relFrag.OwnerID); err != nil {
			continue
		}
		doc := mergeDocument(id, relFrag, result.PerBackend)
		if doc.IsArchived() {
			continue
		}
		out[id] = doc
	}

	c.gate.EmitOutcome(ctx, user, security.OpBatchGet, "", "ok", "", nil)
	return out, nil
}

// Search implements §6.1 search(): builds a NativeQuery leg per
// requested backend, injecting the row-level owner predicate (§4.3 step
// 3) into each unless the caller holds READ_ALL, then fans the legs out
// through the PolyglotPlanner under req.Join.
func (c *Coordinator) Search(ctx context.Context, credential string, deadline time.Duration, req SearchRequest) (query.Result, error) {
	ctx, cancel := withDeadline(ctx, deadline)
	defer cancel()

	decision, err := c.gate.Check(ctx, credential, security.OpSearch, "")
	if err != nil {
		return query.Result{}, err
	}
	user := decision.User
	readAll := user.Has(document.PermReadAll)

	var legs []query.BackendQuery

	if req.Relational != nil {
		where := req.Relational.Where
		if !readAll {
			where = ownerConstrained(where, "owner_id", user.UserID)
		}
		native, err := query.NewRelationalFilterBuilder().Where(where).ToNative()
		if err != nil {
			return query.Result{}, err
		}
		legs = append(legs, query.BackendQuery{
			Backend: document.BackendRelational, Filter: native,
			Limit: req.Relational.Limit, Offset: req.Relational.Offset,
			Sort: req.Relational.Sort, Projection: req.Relational.Projection,
		})
	}
	if req.Vector != nil {
		builder := query.NewVectorFilterBuilder()
		for k, v := range req.Vector.Equals {
			builder.Eq(k, v)
		}
		if !readAll {
			builder.Eq("owner_id", user.UserID)
		}
		native, err := builder.ToNative()
		if err != nil {
			return query.Result{}, err
		}
		legs = append(legs, query.BackendQuery{
			Backend: document.BackendVector, Filter: native,
			QueryVector: req.Vector.QueryVector, K: req.Vector.K,
		})
	}
	if req.Graph != nil {
		where := req.Graph.Where
		if !readAll {
			where = ownerConstrained(where, "owner_id", user.UserID)
		}
		builder := query.NewGraphFilterBuilder(req.Graph.Label).Where(where).EdgeTypes(req.Graph.EdgeTypes...).Depth(req.Graph.Depth)
		native, err := builder.ToNative()
		if err != nil {
			return query.Result{}, err
		}
		legs = append(legs, query.BackendQuery{Backend: document.BackendGraph, Filter: native})
	}

	result, err := c.planner.Execute(ctx, legs, req.Join)
	c.gate.EmitOutcome(ctx, user, security.OpSearch, "", outcomeOf(err), "", err)
	return result, err
}

// StreamBegin implements §6.1 stream_upload.begin.
func (c *Coordinator) StreamBegin(ctx context.Context, credential string, deadline time.Duration, sizeHint int64, metadata map[string]any) (document.ID, int, error) {
	ctx, cancel := withDeadline(ctx, deadline)
	defer cancel()
	decision, err := c.gate.Check(ctx, credential, security.OpStreamBegin, "")
	if err != nil {
		return document.ID{}, 0, err
	}
	uploadID, chunkSize, err := c.streaming.Begin(ctx, sizeHint, metadata)
	c.gate.EmitOutcome(ctx, decision.User, security.OpStreamBegin, uploadID.String(), outcomeOf(err), "", err)
	return uploadID, chunkSize, err
}

// StreamAppend implements §6.1 stream_upload.append.
func (c *Coordinator) StreamAppend(ctx context.Context, credential string, deadline time.Duration, uploadID document.ID, chunkIndex int, data []byte, checksum string) (streaming.AckKind, error) {
	ctx, cancel := withDeadline(ctx, deadline)
	defer cancel()
	decision, err := c.gate.Check(ctx, credential, security.OpStreamAppend, uploadID.String())
	if err != nil {
		return "", err
	}
	ack, err := c.streaming.Append(ctx, uploadID, chunkIndex, data, checksum)
	c.gate.EmitOutcome(ctx, decision.User, security.OpStreamAppend, uploadID.String(), outcomeOf(err), "", err)
	return ack, err
}

// StreamFinish implements §6.1 stream_upload.finish, committing the
// blob link through the stream_upload saga (§4.7 integration, §9 Open
// Questions resolution) so a later saga-step failure compensates the
// blob exactly like any other fragment write.
func (c *Coordinator) StreamFinish(ctx context.Context, credential string, deadline time.Duration, subjectID, uploadID document.ID, totalChecksum string) (string, error) {
	ctx, cancel := withDeadline(ctx, deadline)
	defer cancel()
	decision, err := c.gate.Check(ctx, credential, security.OpStreamFinish, subjectID.String())
	if err != nil {
		return "", err
	}
	user := decision.User

	if err := c.gate.CheckRowLevelWrite(ctx, user, subjectID, c.ownerLookup); err != nil {
		c.gate.EmitOutcome(ctx, user, security.OpStreamFinish, subjectID.String(), "forbidden", "", err)
		return "", err
	}

	initial := map[string]any{
		"upload_id":      uploadID.String(),
		"total_checksum": totalChecksum,
	}
	rec, err := c.sagas.Start(ctx, saga.KindStreamUpload, subjectID, initial)
	c.gate.EmitOutcome(ctx, user, security.OpStreamFinish, subjectID.String(), outcomeOf(err), rec.SagaID.String(), err)
	if err != nil {
		return "", err
	}
	var blobRef string
	if fb, ok := rec.Context["finish_blob"].(map[string]any); ok {
		blobRef, _ = fb["blob_ref"].(string)
	}
	return blobRef, nil
}

// StreamAbort implements §6.1 stream_upload.abort.
func (c *Coordinator) StreamAbort(ctx context.Context, credential string, deadline time.Duration, uploadID document.ID) error {
	ctx, cancel := withDeadline(ctx, deadline)
	defer cancel()
	decision, err := c.gate.Check(ctx, credential, security.OpStreamAbort, uploadID.String())
	if err != nil {
		return err
	}
	err = c.streaming.Abort(ctx, uploadID)
	c.gate.EmitOutcome(ctx, decision.User, security.OpStreamAbort, uploadID.String(), outcomeOf(err), "", err)
	return err
}

// StreamProgress implements §6.1 stream_upload.progress.
func (c *Coordinator) StreamProgress(ctx context.Context, uploadID document.ID) (streaming.Progress, error) {
	return c.streaming.Progress(ctx, uploadID)
}

// ListArchived implements §4.8 list_archived(), scoped to the caller's
// own documents unless they hold READ_ALL.
func (c *Coordinator) ListArchived(ctx context.Context, credential string, filter archive.Filter) ([]document.ArchiveRecord, error) {
	decision, err := c.gate.Check(ctx, credential, security.OpSearch, "")
	if err != nil {
		return nil, err
	}
	if !decision.User.Has(document.PermReadAll) {
		filter.OwnerID = decision.User.UserID
	}
	return c.archive.ListArchived(ctx, filter)
}

// Stats implements §6.1 stats().
func (c *Coordinator) Stats() StatsSnapshot {
	s := c.cache.Stats()
	snapshot := StatsSnapshot{Cache: CacheStats{Hits: s.Hits, Misses: s.Misses, Evictions: s.Evictions, Size: s.Size}}
	if c.bounded != nil {
		snapshot.AuditDropped = c.bounded.DroppedCount()
	}
	return snapshot
}

// Health implements §6.1 health(), reporting a per-backend breakdown
// (SPEC_FULL.md §12 supplemented feature) alongside the coarse overall verdict.
func (c *Coordinator) Health(ctx context.Context) HealthReport {
	report := HealthReport{Overall: backend.HealthOk, PerBackend: make(map[document.Backend]backend.Health, len(c.adapters))}
	for name, adapter := range c.adapters {
		h := adapter.Health(ctx)
		report.PerBackend[name] = h
		if h == backend.HealthDown {
			report.Overall = backend.HealthDown
		} else if h == backend.HealthDegraded && report.Overall != backend.HealthDown {
			report.Overall = backend.HealthDegraded
		}
	}
	return report
}

func (c *Coordinator) ownerLookup(ctx context.Context, id document.ID) (string, bool, error) {
	frag, err := c.relAdapter.Get(ctx, id)
	if err != nil {
		if errs.KindOf(err) == errs.KindNotFound {
			return "", false, nil
		}
		return "", false, err
	}
	return frag.OwnerID, true, nil
}

func (c *Coordinator) effectiveDeadline(deadline time.Duration) time.Duration {
	if deadline > 0 {
		return deadline
	}
	return c.cfg.Batch.DefaultTimeout
}

func outcomeOf(err error) string {
	if err == nil {
		return "ok"
	}
	return "error"
}

// mergeAttributes shallow-merges patch over the existing relational
// fragment's attribute bag, leaving reserved keys (deleted_at,
// archived_at, blob_ref) untouched — they are not attributes and are
// never caller-writable through update()'s patch.
func mergeAttributes(existing map[string]any, patch map[string]any) map[string]any {
	merged := make(map[string]any, len(existing)+len(patch))
	for k, v := range existing {
		if isReservedKey(k) {
			continue
		}
		merged[k] = v
	}
	for k, v := range patch {
		merged[k] = v
	}
	return merged
}

func isReservedKey(key string) bool {
	switch key {
	case "deleted_at", "archived_at", "blob_ref":
		return true
	default:
		return false
	}
}

// mergeDocument assembles a Document from the relational fragment (the
// source of truth for attributes/timestamps/tombstones) plus whatever
// the other three backends returned, per I1's "union of fragments" rule.
func mergeDocument(id document.ID, relFrag document.Fragment, perBackend map[document.Backend]map[document.ID]document.Fragment) document.Document {
	doc := document.Document{
		ID:            id,
		OwnerID:       relFrag.OwnerID,
		SchemaVersion: relFrag.Version,
		UpdatedAt:     relFrag.UpdatedAt,
		Attributes:    make(map[string]any, len(relFrag.Data)),
	}
	for k, v := range relFrag.Data {
		switch k {
		case "deleted_at":
			if t, ok := v.(time.Time); ok {
				doc.DeletedAt = &t
			}
		case "archived_at":
			if t, ok := v.(time.Time); ok {
				doc.ArchivedAt = &t
			}
		case "blob_ref":
			if s, ok := v.(string); ok {
				doc.ContentBlobRef = s
			}
		case "created_at":
			if t, ok := v.(time.Time); ok {
				doc.CreatedAt = t
			}
		default:
			doc.Attributes[k] = v
		}
	}
	if _, ok := perBackend[document.BackendVector][id]; ok {
		doc.EmbeddingRef = id.String()
	}
	if _, ok := perBackend[document.BackendGraph][id]; ok {
		doc.GraphNodeRef = id.String()
	}
	if doc.ContentBlobRef == "" {
		if docFrag, ok := perBackend[document.BackendDocument][id]; ok {
			if ref, ok := docFrag.Data["blob_ref"].(string); ok {
				doc.ContentBlobRef = ref
			}
		}
	}
	return doc
}

// ownerConstrained ANDs an owner_id equality predicate onto where,
// matching §4.3 step 3's "inject (owner_id = user.user_id) OR
// user.has(READ_ALL)" rule — the OR half is handled by never calling
// this helper when the caller holds READ_ALL.
func ownerConstrained(where query.Node, field, ownerID string) query.Node {
	predicate := query.Eq(field, ownerID)
	if where.IsEmpty() {
		return predicate
	}
	return query.And(where, predicate)
}
