package saga

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/makr-code/polyglot-coordinator/backend"
	"github.com/makr-code/polyglot-coordinator/backend/documentstore"
	"github.com/makr-code/polyglot-coordinator/cache"
	"github.com/makr-code/polyglot-coordinator/document"
	"github.com/makr-code/polyglot-coordinator/embedder"
	"github.com/makr-code/polyglot-coordinator/errs"
	"github.com/makr-code/polyglot-coordinator/streaming"
)

// Saga kind names (§4.6.6), used both as Kind.Name and as the Registry
// key prefix for each kind's step functions.
const (
	KindCreateDocument = "create_document"
	KindUpdateDocument = "update_document"
	KindUpsertDocument = "upsert_document"
	KindDeleteDocument = "delete_document"
	KindArchiveDocument = "archive_document"
	KindRestoreDocument = "restore_document"
	KindStreamUpload    = "stream_upload"
)

// Deps bundles the collaborators the concrete saga step functions close
// over: one adapter per backend family, the blob store for content, the
// embedder for vector content, and the cache to invalidate on every
// write so a stale record never outlives the saga that changed it.
type Deps struct {
	Relational backend.RelationalOps
	RelAdapter backend.Adapter
	Docs       backend.Adapter
	BlobStore  documentstore.BlobStore
	Vector     backend.VectorOps
	VecAdapter backend.Adapter
	Graph      backend.GraphOps
	GraphAdapter backend.Adapter
	Embedder   embedder.Embedder
	Cache      *cache.Cache
	Streaming  *streaming.Engine
}

func invalidate(deps Deps, id document.ID) {
	if deps.Cache == nil {
		return
	}
	deps.Cache.Invalidate(id.String())
}

func attr(sc StepContext, key string) (string, bool) {
	v, ok := sc.Context[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// attrsOf returns a fresh copy of the saga context's attribute bag on
// every call so that one step mutating its own copy (e.g. stamping
// owner_id into vector/graph metadata) can never leak into another
// step's fragment, since multiple steps alias the same underlying
// sc.Context["attributes"] map.
func attrsOf(sc StepContext) map[string]any {
	m, ok := sc.Context["attributes"].(map[string]any)
	if !ok {
		return map[string]any{}
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// nextVersion resolves the monotonic per-id schema_version the coordinator
// stamps on every successful write saga (§9 Open Questions resolution):
// CoordinatorAPI looks up the document's current version and passes
// current+1 as "next_version" before starting create_document/
// upsert_document/update_document; a bare create with no prior fragment
// passes 1 (or omits the key, defaulting here to 1).
func nextVersion(sc StepContext) int64 {
	if v, ok := sc.Context["next_version"].(int64); ok && v > 0 {
		return v
	}
	return 1
}

// RegisterAll registers every step function for every Kind below under
// deps, and returns the Kind definitions ready for Coordinator.RegisterKind.
func RegisterAll(reg *Registry, deps Deps) []Kind {
	registerCreateDocument(reg, deps)
	registerDeleteDocument(reg, deps)
	registerArchiveDocument(reg, deps)
	registerRestoreDocument(reg, deps)
	registerStreamUpload(reg, deps)

	return []Kind{
		createDocumentKind(),
		updateDocumentKind(),
		upsertDocumentKind(),
		deleteDocumentKind(),
		archiveDocumentKind(),
		restoreDocumentKind(),
		streamUploadKind(),
	}
}

// --- create_document (§4.6.6): relational row, blob (if content given),
// vector embedding, graph node — each step compensates by deleting what
// the forward step wrote, run in reverse on any terminal failure.

func createDocumentKind() Kind {
	return Kind{
		Name:     KindCreateDocument,
		LockMode: LockFailFast,
		Steps: []StepDef{
			{Name: "relational", ForwardFnID: "create_document.relational.fwd", CompensateFnID: "create_document.relational.comp"},
			{Name: "blob", ForwardFnID: "create_document.blob.fwd", CompensateFnID: "create_document.blob.comp"},
			{Name: "vector", ForwardFnID: "create_document.vector.fwd", CompensateFnID: "create_document.vector.comp"},
			{Name: "graph", ForwardFnID: "create_document.graph.fwd", CompensateFnID: "create_document.graph.comp"},
		},
	}
}

func registerCreateDocument(reg *Registry, deps Deps) {
	reg.RegisterForward("create_document.relational.fwd", func(ctx context.Context, sc StepContext) (map[string]any, error) {
		ownerID, _ := attr(sc, "owner_id")
		frag := document.Fragment{ID: sc.SubjectID, Backend: document.BackendRelational, OwnerID: ownerID, Data: attrsOf(sc), Version: nextVersion(sc), UpdatedAt: time.Now()}
		if err := deps.RelAdapter.Put(ctx, sc.SubjectID, frag, backend.PutOptions{}); err != nil {
			return nil, err
		}
		invalidate(deps, sc.SubjectID)
		return map[string]any{"written": true}, nil
	})
	reg.RegisterCompensate("create_document.relational.comp", func(ctx context.Context, sc StepContext) (map[string]any, error) {
		if err := deps.RelAdapter.Delete(ctx, sc.SubjectID); err != nil {
			return nil, err
		}
		return nil, nil
	})

	reg.RegisterForward("create_document.blob.fwd", func(ctx context.Context, sc StepContext) (map[string]any, error) {
		content, ok := attr(sc, "content")
		if !ok || content == "" {
			return map[string]any{"skipped": true}, nil
		}
		if err := deps.BlobStore.Put(ctx, sc.SubjectID.String(), bytes.NewReader([]byte(content))); err != nil {
			return nil, err
		}
		return map[string]any{"blob_ref": sc.SubjectID.String()}, nil
	})
	reg.RegisterCompensate("create_document.blob.comp", func(ctx context.Context, sc StepContext) (map[string]any, error) {
		if err := deps.BlobStore.Delete(ctx, sc.SubjectID.String()); err != nil {
			return nil, err
		}
		return nil, nil
	})

	reg.RegisterForward("create_document.vector.fwd", func(ctx context.Context, sc StepContext) (map[string]any, error) {
		content, ok := attr(sc, "content")
		if !ok || content == "" {
			return map[string]any{"skipped": true}, nil
		}
		vec, err := deps.Embedder.Embed(ctx, content)
		if err != nil {
			return nil, errs.Wrap(errs.KindTransient, "embed content", err)
		}
		ownerID, _ := attr(sc, "owner_id")
		metadata := attrsOf(sc)
		metadata["owner_id"] = ownerID
		if err := deps.Vector.UpsertVector(ctx, sc.SubjectID, vec, metadata); err != nil {
			return nil, err
		}
		return map[string]any{"embedded": true}, nil
	})
	reg.RegisterCompensate("create_document.vector.comp", func(ctx context.Context, sc StepContext) (map[string]any, error) {
		if err := deps.VecAdapter.Delete(ctx, sc.SubjectID); err != nil {
			return nil, err
		}
		return nil, nil
	})

	reg.RegisterForward("create_document.graph.fwd", func(ctx context.Context, sc StepContext) (map[string]any, error) {
		ownerID, _ := attr(sc, "owner_id")
		labels := []string{"Document"}
		props := attrsOf(sc)
		props["owner_id"] = ownerID
		if err := deps.Graph.UpsertNode(ctx, sc.SubjectID, labels, props); err != nil {
			return nil, err
		}
		return map[string]any{"node_created": true}, nil
	})
	reg.RegisterCompensate("create_document.graph.comp", func(ctx context.Context, sc StepContext) (map[string]any, error) {
		if err := deps.GraphAdapter.Delete(ctx, sc.SubjectID); err != nil {
			return nil, err
		}
		return nil, nil
	})
}

// --- update_document: re-runs create's relational, vector and graph
// writes (it has no blob step), under a separate Kind name so callers (and audit records) can tell a
// create from an update, and so the two can carry different lock modes
// in future (§6.4 saga.id_lock_mode is per-kind).

func updateDocumentKind() Kind {
	return Kind{
		Name:     KindUpdateDocument,
		LockMode: LockWait,
		Steps: []StepDef{
			{Name: "relational", ForwardFnID: "create_document.relational.fwd", CompensateFnID: "create_document.relational.comp"},
			{Name: "vector", ForwardFnID: "create_document.vector.fwd", CompensateFnID: "create_document.vector.comp"},
			{Name: "graph", ForwardFnID: "create_document.graph.fwd", CompensateFnID: "create_document.graph.comp"},
		},
	}
}

// --- upsert_document: identical shape to create_document (all four
// fragments written unconditionally) but under its own Kind name so
// CoordinatorAPI.Upsert's audit trail and id_lock_mode are distinguishable
// from a plain create (§6.1 upsert()).

func upsertDocumentKind() Kind {
	return Kind{
		Name:     KindUpsertDocument,
		LockMode: LockWait,
		Steps: []StepDef{
			{Name: "relational", ForwardFnID: "create_document.relational.fwd", CompensateFnID: "create_document.relational.comp"},
			{Name: "blob", ForwardFnID: "create_document.blob.fwd", CompensateFnID: "create_document.blob.comp"},
			{Name: "vector", ForwardFnID: "create_document.vector.fwd", CompensateFnID: "create_document.vector.comp"},
			{Name: "graph", ForwardFnID: "create_document.graph.fwd", CompensateFnID: "create_document.graph.comp"},
		},
	}
}

// --- delete_document: soft delete tombstones the relational fragment
// and hard delete removes it; both remove the vector and graph
// fragments, and hard delete also removes the blob unless cascade is NONE. Both directions are themselves idempotent (Adapter.Delete
// on an absent id is success), so there is nothing for either step to
// compensate — a failed delete_document simply retries or aborts, it
// never needs to "undo" a partial delete.

func deleteDocumentKind() Kind {
	return Kind{
		Name:     KindDeleteDocument,
		LockMode: LockWait,
		Steps: []StepDef{
			{Name: "relational", ForwardFnID: "delete_document.relational.fwd", CompensateFnID: "delete_document.noop"},
			{Name: "blob", ForwardFnID: "delete_document.blob.fwd", CompensateFnID: "delete_document.noop"},
			{Name: "vector", ForwardFnID: "delete_document.vector.fwd", CompensateFnID: "delete_document.noop"},
			{Name: "graph", ForwardFnID: "delete_document.graph.fwd", CompensateFnID: "delete_document.noop"},
		},
	}
}

func registerDeleteDocument(reg *Registry, deps Deps) {
	reg.RegisterCompensate("delete_document.noop", func(ctx context.Context, sc StepContext) (map[string]any, error) {
		return nil, nil
	})

	reg.RegisterForward("delete_document.relational.fwd", func(ctx context.Context, sc StepContext) (map[string]any, error) {
		mode, _ := attr(sc, "delete_mode")
		if document.DeleteMode(mode) == document.DeleteHard {
			if err := deps.RelAdapter.Delete(ctx, sc.SubjectID); err != nil {
				return nil, err
			}
			invalidate(deps, sc.SubjectID)
			return map[string]any{"hard_deleted": true}, nil
		}
		frag, err := deps.RelAdapter.Get(ctx, sc.SubjectID)
		if err != nil {
			return nil, err
		}
		now := time.Now()
		frag.Data["deleted_at"] = now
		if err := deps.RelAdapter.Put(ctx, sc.SubjectID, frag, backend.PutOptions{IfVersion: frag.Version}); err != nil {
			return nil, err
		}
		invalidate(deps, sc.SubjectID)
		return map[string]any{"soft_deleted": true}, nil
	})

	// blobCascadeGate governs only the blob, per §4.6.6: SOFT delete always
	// keeps the blob; HARD delete removes it unless cascade is explicitly
	// NONE, which preserves the raw content for compliance retention even
	// after the indexed record is gone.
	blobCascadeGate := func(sc StepContext) bool {
		mode, _ := attr(sc, "delete_mode")
		cascade, _ := attr(sc, "cascade")
		return document.DeleteMode(mode) == document.DeleteHard && document.CascadePolicy(cascade) != document.CascadeNone
	}

	reg.RegisterForward("delete_document.blob.fwd", func(ctx context.Context, sc StepContext) (map[string]any, error) {
		if !blobCascadeGate(sc) {
			return map[string]any{"skipped": true}, nil
		}
		if err := deps.BlobStore.Delete(ctx, sc.SubjectID.String()); err != nil {
			return nil, err
		}
		return map[string]any{"blob_deleted": true}, nil
	})
	// Vector and graph fragments are removed unconditionally by both SOFT
	// and HARD delete (I3) — cascade only governs the blob. The graph
	// adapter's Delete also removes every edge attached to the node.
	reg.RegisterForward("delete_document.vector.fwd", func(ctx context.Context, sc StepContext) (map[string]any, error) {
		if err := deps.VecAdapter.Delete(ctx, sc.SubjectID); err != nil {
			return nil, err
		}
		return map[string]any{"vector_deleted": true}, nil
	})
	reg.RegisterForward("delete_document.graph.fwd", func(ctx context.Context, sc StepContext) (map[string]any, error) {
		if err := deps.GraphAdapter.Delete(ctx, sc.SubjectID); err != nil {
			return nil, err
		}
		return map[string]any{"graph_deleted": true}, nil
	})
}

// --- archive_document / restore_document: relational-only state flips
// (ArchivedAt set/cleared); the archive index itself is owned by the
// archive package, which issues this saga and then records the
// ArchiveRecord once it commits.

func archiveDocumentKind() Kind {
	return Kind{
		Name:     KindArchiveDocument,
		LockMode: LockWait,
		Steps: []StepDef{
			{Name: "relational", ForwardFnID: "archive_document.fwd", CompensateFnID: "archive_document.comp"},
		},
	}
}

func restoreDocumentKind() Kind {
	return Kind{
		Name:     KindRestoreDocument,
		LockMode: LockWait,
		Steps: []StepDef{
			{Name: "relational", ForwardFnID: "restore_document.fwd", CompensateFnID: "restore_document.comp"},
		},
	}
}

func registerArchiveDocument(reg *Registry, deps Deps) {
	reg.RegisterForward("archive_document.fwd", func(ctx context.Context, sc StepContext) (map[string]any, error) {
		frag, err := deps.RelAdapter.Get(ctx, sc.SubjectID)
		if err != nil {
			return nil, err
		}
		frag.Data["archived_at"] = time.Now()
		if err := deps.RelAdapter.Put(ctx, sc.SubjectID, frag, backend.PutOptions{IfVersion: frag.Version}); err != nil {
			return nil, err
		}
		invalidate(deps, sc.SubjectID)
		return map[string]any{"archived": true}, nil
	})
	reg.RegisterCompensate("archive_document.comp", func(ctx context.Context, sc StepContext) (map[string]any, error) {
		frag, err := deps.RelAdapter.Get(ctx, sc.SubjectID)
		if err != nil {
			return nil, err
		}
		delete(frag.Data, "archived_at")
		if err := deps.RelAdapter.Put(ctx, sc.SubjectID, frag, backend.PutOptions{IfVersion: frag.Version}); err != nil {
			return nil, err
		}
		invalidate(deps, sc.SubjectID)
		return nil, nil
	})
}

func registerRestoreDocument(reg *Registry, deps Deps) {
	reg.RegisterForward("restore_document.fwd", func(ctx context.Context, sc StepContext) (map[string]any, error) {
		frag, err := deps.RelAdapter.Get(ctx, sc.SubjectID)
		if err != nil {
			return nil, err
		}
		if _, archived := frag.Data["archived_at"]; !archived {
			return nil, errs.New(errs.KindValidationError, fmt.Sprintf("document %s is not archived", sc.SubjectID))
		}
		delete(frag.Data, "archived_at")
		if err := deps.RelAdapter.Put(ctx, sc.SubjectID, frag, backend.PutOptions{IfVersion: frag.Version}); err != nil {
			return nil, err
		}
		invalidate(deps, sc.SubjectID)
		return map[string]any{"restored": true}, nil
	})
	reg.RegisterCompensate("restore_document.comp", func(ctx context.Context, sc StepContext) (map[string]any, error) {
		frag, err := deps.RelAdapter.Get(ctx, sc.SubjectID)
		if err != nil {
			return nil, err
		}
		frag.Data["archived_at"] = time.Now()
		if err := deps.RelAdapter.Put(ctx, sc.SubjectID, frag, backend.PutOptions{IfVersion: frag.Version}); err != nil {
			return nil, err
		}
		invalidate(deps, sc.SubjectID)
		return nil, nil
	})
}

// --- stream_upload (§4.7 integration, §9 Open Questions resolution): a
// chunked upload (begin/append already ran on the StreamingEngine
// directly through CoordinatorAPI before this saga starts) is committed
// through the saga so a failure partway through linking the blob to the
// document is compensated exactly like any other fragment write — the
// Open Question resolution in §9 treats a finished blob as a
// compensatable resource, not a special case.

func streamUploadKind() Kind {
	return Kind{
		Name:     KindStreamUpload,
		LockMode: LockWait,
		Steps: []StepDef{
			{Name: "finish_blob", ForwardFnID: "stream_upload.finish.fwd", CompensateFnID: "stream_upload.finish.comp"},
			{Name: "link_relational", ForwardFnID: "stream_upload.link.fwd", CompensateFnID: "stream_upload.link.comp"},
		},
	}
}

func registerStreamUpload(reg *Registry, deps Deps) {
	reg.RegisterForward("stream_upload.finish.fwd", func(ctx context.Context, sc StepContext) (map[string]any, error) {
		uploadIDStr, _ := attr(sc, "upload_id")
		uploadID, err := document.ParseID(uploadIDStr)
		if err != nil {
			return nil, errs.Wrap(errs.KindValidationError, "invalid upload_id", err)
		}
		totalChecksum, _ := attr(sc, "total_checksum")
		blobKey := sc.SubjectID.String()
		blobRef, err := deps.Streaming.Finish(ctx, uploadID, blobKey, totalChecksum)
		if err != nil {
			return nil, err
		}
		return map[string]any{"blob_ref": blobRef}, nil
	})
	reg.RegisterCompensate("stream_upload.finish.comp", func(ctx context.Context, sc StepContext) (map[string]any, error) {
		if err := deps.BlobStore.Delete(ctx, sc.SubjectID.String()); err != nil {
			return nil, err
		}
		return nil, nil
	})

	reg.RegisterForward("stream_upload.link.fwd", func(ctx context.Context, sc StepContext) (map[string]any, error) {
		frag, err := deps.RelAdapter.Get(ctx, sc.SubjectID)
		if err != nil {
			return nil, err
		}
		frag.Data["blob_ref"] = sc.SubjectID.String()
		if err := deps.RelAdapter.Put(ctx, sc.SubjectID, frag, backend.PutOptions{IfVersion: frag.Version}); err != nil {
			return nil, err
		}
		invalidate(deps, sc.SubjectID)
		return map[string]any{"linked": true}, nil
	})
	reg.RegisterCompensate("stream_upload.link.comp", func(ctx context.Context, sc StepContext) (map[string]any, error) {
		frag, err := deps.RelAdapter.Get(ctx, sc.SubjectID)
		if err != nil {
			return nil, err
		}
		delete(frag.Data, "blob_ref")
		if err := deps.RelAdapter.Put(ctx, sc.SubjectID, frag, backend.PutOptions{IfVersion: frag.Version}); err != nil {
			return nil, err
		}
		invalidate(deps, sc.SubjectID)
		return nil, nil
	})
}
