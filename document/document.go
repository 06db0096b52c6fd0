// Package document defines the coordinator's logical data model: the
// Document a caller sees, the per-backend Fragment it decomposes into,
// and the supporting value types (Role, RetentionPolicy, ArchiveRecord)
// shared across every other package in this module.
package document

import (
	"time"

	"github.com/google/uuid"
)

// ID is the coordinator's 128-bit opaque document/saga/upload identifier.
type ID = uuid.UUID

// NewID allocates a fresh identifier, used by CreateDocument's first step.
func NewID() ID { return uuid.New() }

// ParseID parses a textual id, returning the zero ID and an error if s is malformed.
func ParseID(s string) (ID, error) { return uuid.Parse(s) }

// Backend names one of the four concrete stores a fragment can live in.
type Backend string

const (
	BackendRelational Backend = "relational"
	BackendDocument   Backend = "document"
	BackendVector     Backend = "vector"
	BackendGraph      Backend = "graph"
)

// AllBackends lists every backend kind, in the order adapters are
// normally driven during CreateDocument (§4.6.6).
var AllBackends = []Backend{BackendRelational, BackendDocument, BackendVector, BackendGraph}

// Document is the logical unit assembled from the union of its fragments.
// The coordinator holds no authoritative copy of it; it is materialized
// on read by merging whatever fragments the backends return (I1).
type Document struct {
	ID             ID
	OwnerID        string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	DeletedAt      *time.Time
	ArchivedAt     *time.Time
	SchemaVersion  int64
	Attributes     map[string]any
	ContentBlobRef string
	EmbeddingRef   string
	GraphNodeRef   string
}

// IsDeleted reports whether the document carries a soft-delete tombstone (I3).
func (d *Document) IsDeleted() bool { return d.DeletedAt != nil }

// IsArchived reports whether the document is only visible through archive-aware APIs (I4).
func (d *Document) IsArchived() bool { return d.ArchivedAt != nil }

// Fragment is a single backend's projection of a Document. Exactly one
// fragment exists per backend at most; Data carries whatever shape that
// backend's adapter returns (a row, a blob descriptor, a vector+metadata,
// or a node+edges).
type Fragment struct {
	ID        ID
	Backend   Backend
	OwnerID   string
	Data      map[string]any
	Version   int64
	UpdatedAt time.Time
}

// Role is the set of coarse principal kinds recognized by the security gate.
type Role string

const (
	RoleSystem   Role = "system"
	RoleAdmin    Role = "admin"
	RoleService  Role = "service"
	RoleUser     Role = "user"
	RoleReadOnly Role = "read_only"
)

// Permission is a single capability a User may hold.
type Permission string

const (
	PermRead      Permission = "read"
	PermWrite     Permission = "write"
	PermDelete    Permission = "delete"
	PermArchive   Permission = "archive"
	PermReadAll   Permission = "read_all" // bypasses row-level ownership check
	PermAdminOnly Permission = "admin_only"
)

// User is constructed by the security gate from an authenticated
// credential; the coordinator never mints one itself (see security.Gate).
type User struct {
	UserID      string
	Role        Role
	Permissions map[Permission]struct{}
}

// Has reports whether u holds perm.
func (u User) Has(perm Permission) bool {
	_, ok := u.Permissions[perm]
	return ok
}

// HasAll reports whether u holds every permission in perms.
func (u User) HasAll(perms ...Permission) bool {
	for _, p := range perms {
		if !u.Has(p) {
			return false
		}
	}
	return true
}

// RetentionPolicy is a fixed value object naming how long an archived
// document is retained before the sweep issues a hard delete (§4.8).
type RetentionPolicy struct {
	Name      string
	Duration  time.Duration
	Permanent bool // exempt from sweep
}

var (
	Retention30Days   = RetentionPolicy{Name: "30d", Duration: 30 * 24 * time.Hour}
	Retention90Days   = RetentionPolicy{Name: "90d", Duration: 90 * 24 * time.Hour}
	Retention1Year    = RetentionPolicy{Name: "1y", Duration: 365 * 24 * time.Hour}
	Retention3Years   = RetentionPolicy{Name: "3y", Duration: 3 * 365 * 24 * time.Hour}
	Retention7Years   = RetentionPolicy{Name: "7y", Duration: 7 * 365 * 24 * time.Hour}
	Retention10Years  = RetentionPolicy{Name: "10y", Duration: 10 * 365 * 24 * time.Hour}
	RetentionPermanent = RetentionPolicy{Name: "permanent", Permanent: true}
)

// ArchiveRecord maps an id to its retention window (§6.3 archive index).
// OwnerID is carried alongside so ArchiveManager.ListArchived can apply
// the same row-level ownership filter as every other read path.
type ArchiveRecord struct {
	ID         ID
	OwnerID    string
	ArchivedAt time.Time
	ExpiresAt  time.Time
	Policy     RetentionPolicy
}

// DeleteMode selects between a reversible tombstone and a cascading hard delete.
type DeleteMode string

const (
	DeleteSoft DeleteMode = "soft"
	DeleteHard DeleteMode = "hard"
)

// CascadePolicy controls how far a hard delete reaches into related state.
type CascadePolicy string

const (
	CascadeNone      CascadePolicy = "none"
	CascadeSelective CascadePolicy = "selective"
	CascadeFull      CascadePolicy = "full"
)
