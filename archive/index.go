// Package archive implements the ArchiveManager (C8): moving documents
// into a retained, read-restricted state with a retention deadline, and
// a background sweeper that turns expired archive entries into hard
// deletes. The archive index itself (§6.3: id -> {archived_at,
// expires_at, policy}) is persisted the same way saga records are —
// parameterized SQL against a raw pgxpool.Pool, mirroring
// saga/store.go's PgStore — since, like a saga record, an archive entry
// is a small, independently-keyed row with no relation to the GORM-mapped
// fragment model in backend/relational.
package archive

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/makr-code/polyglot-coordinator/document"
	"github.com/makr-code/polyglot-coordinator/errs"
)

// Filter narrows ListArchived (§4.8); a zero value lists everything.
type Filter struct {
	OwnerID        string
	ExpiringBefore time.Time
}

// Index is the archive index collaborator (§6.3). It is deliberately
// narrower than a general store: the sweep loop only needs to enumerate
// and delete expired entries, and Archive/Restore only need point
// put/get/delete.
type Index interface {
	Put(ctx context.Context, rec document.ArchiveRecord) error
	Get(ctx context.Context, id document.ID) (document.ArchiveRecord, bool, error)
	Delete(ctx context.Context, id document.ID) error
	List(ctx context.Context, filter Filter) ([]document.ArchiveRecord, error)
	// ListExpired returns every non-permanent record whose ExpiresAt is
	// before asOf, the sweep loop's candidate set (§4.8 sweep()).
	ListExpired(ctx context.Context, asOf time.Time) ([]document.ArchiveRecord, error)
}

// PgIndex persists the archive index in PostgreSQL.
type PgIndex struct {
	pool *pgxpool.Pool
}

func NewPgIndex(pool *pgxpool.Pool) *PgIndex { return &PgIndex{pool: pool} }

// Migrate creates the archive_index table if absent.
func (x *PgIndex) Migrate(ctx context.Context) error {
	_, err := x.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS archive_index (
			id           UUID PRIMARY KEY,
			owner_id     TEXT NOT NULL,
			archived_at  TIMESTAMPTZ NOT NULL,
			expires_at   TIMESTAMPTZ NOT NULL,
			permanent    BOOLEAN NOT NULL DEFAULT false,
			policy_name  TEXT NOT NULL,
			policy_secs  BIGINT NOT NULL
		)`)
	if err != nil {
		return errs.Wrap(errs.KindPermanent, "migrate archive_index", err)
	}
	return nil
}

func (x *PgIndex) Put(ctx context.Context, rec document.ArchiveRecord) error {
	_, err := x.pool.Exec(ctx, `
		INSERT INTO archive_index (id, owner_id, archived_at, expires_at, permanent, policy_name, policy_secs)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (id) DO UPDATE SET
			owner_id=$2, archived_at=$3, expires_at=$4, permanent=$5, policy_name=$6, policy_secs=$7`,
		rec.ID, rec.OwnerID, rec.ArchivedAt, rec.ExpiresAt, rec.Policy.Permanent, rec.Policy.Name, int64(rec.Policy.Duration/time.Second))
	if err != nil {
		return errs.Wrap(errs.KindTransient, "put archive record", err).WithBackend("archive")
	}
	return nil
}

func (x *PgIndex) Get(ctx context.Context, id document.ID) (document.ArchiveRecord, bool, error) {
	var rec document.ArchiveRecord
	var secs int64
	err := x.pool.QueryRow(ctx, `
		SELECT id, owner_id, archived_at, expires_at, permanent, policy_name, policy_secs
		FROM archive_index WHERE id = $1`, id).Scan(
		&rec.ID, &rec.OwnerID, &rec.ArchivedAt, &rec.ExpiresAt, &rec.Policy.Permanent, &rec.Policy.Name, &secs)
	if err != nil {
		return document.ArchiveRecord{}, false, nil
	}
	rec.Policy.Duration = time.Duration(secs) * time.Second
	return rec, true, nil
}

func (x *PgIndex) Delete(ctx context.Context, id document.ID) error {
	if _, err := x.pool.Exec(ctx, `DELETE FROM archive_index WHERE id = $1`, id); err != nil {
		return errs.Wrap(errs.KindTransient, "delete archive record", err).WithBackend("archive")
	}
	return nil
}

func (x *PgIndex) List(ctx context.Context, filter Filter) ([]document.ArchiveRecord, error) {
	where := "TRUE"
	args := []any{}
	if filter.OwnerID != "" {
		args = append(args, filter.OwnerID)
		where += " AND owner_id = $" + itoa(len(args))
	}
	if !filter.ExpiringBefore.IsZero() {
		args = append(args, filter.ExpiringBefore)
		where += " AND expires_at < $" + itoa(len(args))
	}
	rows, err := x.pool.Query(ctx, `
		SELECT id, owner_id, archived_at, expires_at, permanent, policy_name, policy_secs
		FROM archive_index WHERE `+where, args...)
	if err != nil {
		return nil, errs.Wrap(errs.KindTransient, "list archive records", err).WithBackend("archive")
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (x *PgIndex) ListExpired(ctx context.Context, asOf time.Time) ([]document.ArchiveRecord, error) {
	rows, err := x.pool.Query(ctx, `
		SELECT id, owner_id, archived_at, expires_at, permanent, policy_name, policy_secs
		FROM archive_index WHERE permanent = false AND expires_at < $1`, asOf)
	if err != nil {
		return nil, errs.Wrap(errs.KindTransient, "list expired archive records", err).WithBackend("archive")
	}
	defer rows.Close()
	return scanRecords(rows)
}

// rowScanner is the subset of pgx.Rows this package needs, narrow enough
// that scanRecords can also serve a test fake without importing pgx.
type rowScanner interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanRecords(rows rowScanner) ([]document.ArchiveRecord, error) {
	var out []document.ArchiveRecord
	for rows.Next() {
		var rec document.ArchiveRecord
		var secs int64
		if err := rows.Scan(&rec.ID, &rec.OwnerID, &rec.ArchivedAt, &rec.ExpiresAt, &rec.Policy.Permanent, &rec.Policy.Name, &secs); err != nil {
			return nil, errs.Wrap(errs.KindTransient, "scan archive record", err).WithBackend("archive")
		}
		rec.Policy.Duration = time.Duration(secs) * time.Second
		out = append(out, rec)
	}
	return out, rows.Err()
}

func itoa(n int) string {
	digits := "0123456789"
	if n == 0 {
		return "0"
	}
	var buf [8]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = digits[n%10]
		n /= 10
	}
	return string(buf[i:])
}
