package saga

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/makr-code/polyglot-coordinator/document"
	"github.com/makr-code/polyglot-coordinator/errs"
)

// Store is the SagaStore injected collaborator (§6.2): begin/load/save/
// list_recoverable, used by the coordinator to persist a Record durably
// enough that a restarted process can resume it (§4.6.4).
type Store interface {
	Begin(ctx context.Context, rec Record) error
	Load(ctx context.Context, sagaID document.ID) (Record, error)
	Save(ctx context.Context, rec Record) error
	ListRecoverable(ctx context.Context) ([]Record, error)
}

// PgStore persists saga records in PostgreSQL via a raw pgxpool.Pool,
// matching the reference corpus's db/state_store.go split: StateStore
// there talks to the pool directly with parameterized SQL rather than
// through GORM, reserved for the ORM-mapped relational fragment store.
// Saga records get the same raw-pool treatment because their shape
// (steps[], cursor, a free-form context map) doesn't fit a fixed ORM
// model any better than state_store.go's own JSON checkpoint column did.
type PgStore struct {
	pool *pgxpool.Pool
}

func NewPgStore(pool *pgxpool.Pool) *PgStore { return &PgStore{pool: pool} }

// Migrate creates the sagas table if absent. Called once at startup,
// mirroring the reference corpus's own AutoMigrate-adjacent convention
// of owning its schema rather than requiring an external migration tool.
func (s *PgStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS sagas (
			saga_id        UUID PRIMARY KEY,
			kind           TEXT NOT NULL,
			subject_id     UUID NOT NULL,
			state          TEXT NOT NULL,
			cursor         INT NOT NULL,
			steps          JSONB NOT NULL,
			context        JSONB NOT NULL,
			last_error     TEXT,
			schema_version BIGINT NOT NULL DEFAULT 1,
			started_at     TIMESTAMPTZ NOT NULL,
			updated_at     TIMESTAMPTZ NOT NULL
		)`)
	if err != nil {
		return errs.Wrap(errs.KindPermanent, "migrate sagas table", err)
	}
	return nil
}

func (s *PgStore) Begin(ctx context.Context, rec Record) error {
	steps, err := json.Marshal(rec.Steps)
	if err != nil {
		return errs.Wrap(errs.KindInternal, "encode steps", err)
	}
	ctxBlob, err := json.Marshal(rec.Context)
	if err != nil {
		return errs.Wrap(errs.KindInternal, "encode context", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO sagas (saga_id, kind, subject_id, state, cursor, steps, context, last_error, schema_version, started_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		rec.SagaID, rec.Kind, rec.SubjectID, rec.State, rec.Cursor, steps, ctxBlob, rec.LastError, rec.SchemaVersion, rec.StartedAt, rec.UpdatedAt)
	if err != nil {
		return errs.Wrap(errs.KindTransient, "begin saga", err)
	}
	return nil
}

func (s *PgStore) Load(ctx context.Context, sagaID document.ID) (Record, error) {
	var rec Record
	var steps, ctxBlob []byte
	err := s.pool.QueryRow(ctx, `
		SELECT saga_id, kind, subject_id, state, cursor, steps, context, COALESCE(last_error,''), schema_version, started_at, updated_at
		FROM sagas WHERE saga_id = $1`, sagaID).Scan(
		&rec.SagaID, &rec.Kind, &rec.SubjectID, &rec.State, &rec.Cursor, &steps, &ctxBlob, &rec.LastError, &rec.SchemaVersion, &rec.StartedAt, &rec.UpdatedAt)
	if err != nil {
		return Record{}, errs.Wrap(errs.KindNotFound, "load saga", err)
	}
	if err := json.Unmarshal(steps, &rec.Steps); err != nil {
		return Record{}, errs.Wrap(errs.KindInternal, "decode steps", err)
	}
	if err := json.Unmarshal(ctxBlob, &rec.Context); err != nil {
		return Record{}, errs.Wrap(errs.KindInternal, "decode context", err)
	}
	return rec, nil
}

func (s *PgStore) Save(ctx context.Context, rec Record) error {
	steps, err := json.Marshal(rec.Steps)
	if err != nil {
		return errs.Wrap(errs.KindInternal, "encode steps", err)
	}
	ctxBlob, err := json.Marshal(rec.Context)
	if err != nil {
		return errs.Wrap(errs.KindInternal, "encode context", err)
	}
	rec.UpdatedAt = time.Now()
	tag, err := s.pool.Exec(ctx, `
		UPDATE sagas SET state=$1, cursor=$2, steps=$3, context=$4, last_error=$5, schema_version=$6, updated_at=$7
		WHERE saga_id = $8`,
		rec.State, rec.Cursor, steps, ctxBlob, rec.LastError, rec.SchemaVersion, rec.UpdatedAt, rec.SagaID)
	if err != nil {
		return errs.Wrap(errs.KindTransient, "save saga", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.New(errs.KindNotFound, "saga not found").WithSagaID(rec.SagaID.String())
	}
	return nil
}

// ListRecoverable returns every Running/Compensating saga, the set the
// crash-recovery worker scans on process start (§4.6.4).
func (s *PgStore) ListRecoverable(ctx context.Context) ([]Record, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT saga_id, kind, subject_id, state, cursor, steps, context, COALESCE(last_error,''), schema_version, started_at, updated_at
		FROM sagas WHERE state IN ($1,$2)`, StateRunning, StateCompensating)
	if err != nil {
		return nil, errs.Wrap(errs.KindTransient, "list recoverable sagas", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var steps, ctxBlob []byte
		if err := rows.Scan(&rec.SagaID, &rec.Kind, &rec.SubjectID, &rec.State, &rec.Cursor, &steps, &ctxBlob, &rec.LastError, &rec.SchemaVersion, &rec.StartedAt, &rec.UpdatedAt); err != nil {
			return nil, errs.Wrap(errs.KindTransient, "scan saga row", err)
		}
		_ = json.Unmarshal(steps, &rec.Steps)
		_ = json.Unmarshal(ctxBlob, &rec.Context)
		out = append(out, rec)
	}
	return out, rows.Err()
}
