// Package security implements the SecurityGate (C3): authentication via
// an injected AuthProvider, RBAC permission checks, row-level predicate
// injection, per-role rate limiting, and non-blocking audit emission.
// Every public CoordinatorAPI entry wraps its body in a call to Gate.Check.
package security

import (
	"context"
	"fmt"

	"github.com/makr-code/polyglot-coordinator/document"
	"github.com/makr-code/polyglot-coordinator/errs"
	"github.com/makr-code/polyglot-coordinator/logging"
)

// AuthProvider resolves an opaque credential (a bearer token or a
// certificate fingerprint) to a User, per §6.2.
type AuthProvider interface {
	Resolve(ctx context.Context, credential string) (document.User, error)
}

// Operation names one coordinator entry for audit records and required-
// permission lookups.
type Operation string

const (
	OpCreate      Operation = "create"
	OpGet         Operation = "get"
	OpUpdate      Operation = "update"
	OpUpsert      Operation = "upsert"
	OpDelete      Operation = "delete"
	OpArchive     Operation = "archive"
	OpRestore     Operation = "restore"
	OpBatchGet    Operation = "batch_get"
	OpSearch      Operation = "search"
	OpStreamBegin Operation = "stream_upload.begin"
	OpStreamAppend Operation = "stream_upload.append"
	OpStreamFinish Operation = "stream_upload.finish"
	OpStreamAbort  Operation = "stream_upload.abort"
	OpStats       Operation = "stats"
	OpHealth      Operation = "health"
)

// RequiredPermissions declares the permission set each operation demands
// (§4.3 step 2). Row-level enforcement (step 3) is layered on top,
// separately, because it depends on the specific resource id.
var RequiredPermissions = map[Operation][]document.Permission{
	OpCreate:       {document.PermWrite},
	OpGet:          {document.PermRead},
	OpUpdate:       {document.PermWrite},
	OpUpsert:       {document.PermWrite},
	OpDelete:       {document.PermDelete},
	OpArchive:      {document.PermArchive},
	OpRestore:      {document.PermArchive},
	OpBatchGet:     {document.PermRead},
	OpSearch:       {document.PermRead},
	OpStreamBegin:  {document.PermWrite},
	OpStreamAppend: {document.PermWrite},
	OpStreamFinish: {document.PermWrite},
	OpStreamAbort:  {document.PermWrite},
	OpStats:        {},
	OpHealth:       {},
}

// OwnerLookup resolves the owner_id of an existing fragment, used for
// the write/delete row-level check in §4.3 step 3. The coordinator
// supplies this by delegating to its relational adapter.
type OwnerLookup func(ctx context.Context, id document.ID) (ownerID string, found bool, err error)

// Gate is the SecurityGate. It is constructed once at coordinator
// startup with all its collaborators injected; no global singleton.
type Gate struct {
	auth    AuthProvider
	limiter *RateLimiter
	audit   AuditSink
	log     *logging.Logger
}

func New(auth AuthProvider, limiter *RateLimiter, audit AuditSink, log *logging.Logger) *Gate {
	if log == nil {
		log = logging.NewNop()
	}
	return &Gate{auth: auth, limiter: limiter, audit: audit, log: log.WithField("component", "security_gate")}
}

// Decision is the outcome of a successful gate check, handed back to the
// caller so it can proceed with the operation and still emit a final
// audit record reflecting the operation's own outcome.
type Decision struct {
	User document.User
}

// Check runs steps 1, 2, and 4 of §4.3 (authenticate, authorize, rate
// limit). Row-level checks (step 3) are resource-specific and are run
// separately via CheckRowLevelRead/CheckRowLevelWrite because they need
// the target id, which isn't known for every operation (e.g. create).
func (g *Gate) Check(ctx context.Context, credential string, op Operation, resourceID string) (Decision, error) {
	user, err := g.auth.Resolve(ctx, credential)
	if err != nil {
		g.emit(ctx, document.User{}, op, resourceID, "unauthenticated", err)
		return Decision{}, errs.Wrap(errs.KindUnauthenticated, "credential resolution failed", err)
	}

	required := RequiredPermissions[op]
	if !user.HasAll(required...) {
		g.emit(ctx, user, op, resourceID, "forbidden", nil)
		return Decision{}, errs.New(errs.KindForbidden, fmt.Sprintf("role %s lacks required permission for %s", user.Role, op))
	}

	if g.limiter != nil {
		if !g.limiter.Allow(user.Role) {
			retryAfter := g.limiter.RetryAfterSeconds(user.Role)
			g.emit(ctx, user, op, resourceID, "rate_limited", nil)
			return Decision{}, errs.New(errs.KindRateLimited, "rate limit exceeded").WithRetryAfter(retryAfter)
		}
	}

	return Decision{User: user}, nil
}

// CheckRowLevelRead implements §4.3 step 3 for reads: a fragment is
// visible only if owned by the caller or the caller holds READ_ALL.
func (g *Gate) CheckRowLevelRead(user document.User, ownerID string) error {
	if user.Has(document.PermReadAll) || ownerID == user.UserID {
		return nil
	}
	return errs.New(errs.KindForbidden, "row-level check failed: not owner")
}

// CheckRowLevelWrite implements §4.3 step 3 for writes/deletes on an
// existing resource: the caller must own it or hold an escalation
// permission. owner_id on newly created documents is set by the gate
// from user.UserID, never copied from the caller's input payload.
func (g *Gate) CheckRowLevelWrite(ctx context.Context, user document.User, id document.ID, lookup OwnerLookup) error {
	ownerID, found, err := lookup(ctx, id)
	if err != nil {
		return errs.Wrap(errs.KindTransient, "owner lookup failed", err)
	}
	if !found {
		return errs.New(errs.KindNotFound, "resource not found")
	}
	if user.Has(document.PermAdminOnly) || ownerID == user.UserID {
		return nil
	}
	return errs.New(errs.KindForbidden, "row-level check failed: not owner")
}

// OwnedBy returns user.UserID, the value the gate stamps onto freshly
// created fragments — callers must never use caller-supplied owner_id.
func OwnedBy(user document.User) string { return user.UserID }

func (g *Gate) emit(ctx context.Context, user document.User, op Operation, resourceID, outcome string, err error) {
	if g.audit == nil {
		return
	}
	rec := AuditRecord{UserID: user.UserID, Role: user.Role, Op: string(op), ResourceID: resourceID, Outcome: outcome}
	if err != nil {
		rec.Error = err.Error()
	}
	g.audit.Emit(ctx, rec)
}

// EmitOutcome lets the coordinator record the final outcome of an
// operation (e.g. "committed", "aborted") after the gate's own checks
// already passed, using the same non-blocking AuditSink.
func (g *Gate) EmitOutcome(ctx context.Context, user document.User, op Operation, resourceID, outcome string, sagaID string, err error) {
	if g.audit == nil {
		return
	}
	rec := AuditRecord{UserID: user.UserID, Role: user.Role, Op: string(op), ResourceID: resourceID, Outcome: outcome, SagaID: sagaID}
	if err != nil {
		rec.Error = err.Error()
	}
	g.audit.Emit(ctx, rec)
}
