// Package relational implements backend.Adapter and backend.RelationalOps
// on top of GORM and PostgreSQL, following the connection-pool tuning and
// migration conventions of the reference corpus's gorm-based store.
package relational

import (
	"context"
	"fmt"
	"time"

	"github.com/makr-code/polyglot-coordinator/backend"
	"github.com/makr-code/polyglot-coordinator/document"
	"github.com/makr-code/polyglot-coordinator/errs"
	"github.com/makr-code/polyglot-coordinator/logging"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// fragmentRow is the GORM model backing one relational fragment. Attrs is
// stored as JSONB; schema evolution is handled by the coordinator's own
// monotonic schema_version, not by GORM auto-migration beyond column add.
type fragmentRow struct {
	ID        string `gorm:"primaryKey;type:uuid"`
	OwnerID   string `gorm:"index"`
	Attrs     []byte `gorm:"type:jsonb"`
	Version   int64
	DeletedAt *time.Time `gorm:"index"`
	UpdatedAt time.Time
}

func (fragmentRow) TableName() string { return "document_fragments" }

// Config configures the pool, matching PGInfo's tunables in the reference corpus.
type Config struct {
	DSN             string
	MaxIdleConns    int
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
	MaxConcurrency  int
	MaxBatch        int
}

// DefaultConfig mirrors the reference corpus's pool defaults
// (SetMaxIdleConns(10), SetMaxOpenConns(100), SetConnMaxLifetime(time.Hour)).
func DefaultConfig(dsn string) Config {
	return Config{
		DSN:             dsn,
		MaxIdleConns:    10,
		MaxOpenConns:    100,
		ConnMaxLifetime: time.Hour,
		MaxConcurrency:  64,
		MaxBatch:        500,
	}
}

// Adapter is the relational BackendAdapter.
type Adapter struct {
	db  *gorm.DB
	cfg Config
	log *logging.Logger
}

// New opens a pooled GORM connection and runs the fragment table migration.
func New(cfg Config, log *logging.Logger) (*Adapter, error) {
	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{})
	if err != nil {
		return nil, errs.Wrap(errs.KindPermanent, "open postgres", err).WithBackend("relational")
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, errs.Wrap(errs.KindPermanent, "unwrap sql.DB", err).WithBackend("relational")
	}
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.AutoMigrate(&fragmentRow{}); err != nil {
		return nil, errs.Wrap(errs.KindPermanent, "migrate document_fragments", err).WithBackend("relational")
	}
	if log == nil {
		log = logging.NewNop()
	}
	return &Adapter{db: db, cfg: cfg, log: log.WithField("backend", "relational")}, nil
}

func (a *Adapter) Kind() document.Backend { return document.BackendRelational }
func (a *Adapter) MaxBatchSize() int      { return a.cfg.MaxBatch }
func (a *Adapter) MaxConcurrency() int    { return a.cfg.MaxConcurrency }

func toFragment(r fragmentRow, attrs map[string]any) document.Fragment {
	id, _ := document.ParseID(r.ID)
	data := map[string]any{"attributes": attrs}
	if r.DeletedAt != nil {
		data["deleted_at"] = *r.DeletedAt
	}
	return document.Fragment{ID: id, Backend: document.BackendRelational, OwnerID: r.OwnerID, Data: data, Version: r.Version, UpdatedAt: r.UpdatedAt}
}

func (a *Adapter) Get(ctx context.Context, id document.ID) (document.Fragment, error) {
	var row fragmentRow
	tx := a.db.WithContext(ctx).Unscoped().First(&row, "id = ?", id.String())
	if tx.Error != nil {
		if tx.Error == gorm.ErrRecordNotFound {
			return document.Fragment{}, errs.New(errs.KindNotFound, "fragment not found").WithBackend("relational")
		}
		return document.Fragment{}, errs.Wrap(errs.KindTransient, "query fragment", tx.Error).WithBackend("relational")
	}
	attrs, err := decodeAttrs(row.Attrs)
	if err != nil {
		return document.Fragment{}, errs.Wrap(errs.KindPermanent, "decode attrs", err).WithBackend("relational")
	}
	return toFragment(row, attrs), nil
}

func (a *Adapter) GetMany(ctx context.Context, ids []document.ID) (map[document.ID]document.Fragment, error) {
	strIDs := make([]string, len(ids))
	for i, id := range ids {
		strIDs[i] = id.String()
	}
	var rows []fragmentRow
	if err := a.db.WithContext(ctx).Unscoped().Where("id IN ?", strIDs).Find(&rows).Error; err != nil {
		return nil, errs.Wrap(errs.KindTransient, "batch query fragments", err).WithBackend("relational")
	}
	out := make(map[document.ID]document.Fragment, len(rows))
	for _, row := range rows {
		attrs, err := decodeAttrs(row.Attrs)
		if err != nil {
			continue
		}
		id, _ := document.ParseID(row.ID)
		out[id] = toFragment(row, attrs)
	}
	return out, nil
}

func (a *Adapter) Exists(ctx context.Context, ids []document.ID) (map[document.ID]bool, error) {
	return a.BatchExists(ctx, ids)
}

func (a *Adapter) BatchExists(ctx context.Context, ids []document.ID) (map[document.ID]bool, error) {
	strIDs := make([]string, len(ids))
	for i, id := range ids {
		strIDs[i] = id.String()
	}
	var found []string
	if err := a.db.WithContext(ctx).Model(&fragmentRow{}).Unscoped().Where("id IN ?", strIDs).Pluck("id", &found).Error; err != nil {
		return nil, errs.Wrap(errs.KindTransient, "batch exists", err).WithBackend("relational")
	}
	foundSet := make(map[string]struct{}, len(found))
	for _, f := range found {
		foundSet[f] = struct{}{}
	}
	out := make(map[document.ID]bool, len(ids))
	for _, id := range ids {
		_, ok := foundSet[id.String()]
		out[id] = ok
	}
	return out, nil
}

func (a *Adapter) Put(ctx context.Context, id document.ID, fragment document.Fragment, opts backend.PutOptions) error {
	attrs, _ := fragment.Data["attributes"].(map[string]any)
	encoded, err := encodeAttrs(attrs)
	if err != nil {
		return errs.Wrap(errs.KindValidationError, "encode attrs", err).WithBackend("relational")
	}

	var deletedAt *time.Time
	if v, ok := fragment.Data["deleted_at"].(time.Time); ok {
		deletedAt = &v
	}

	return a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing fragmentRow
		findErr := tx.Unscoped().First(&existing, "id = ?", id.String()).Error
		switch {
		case findErr == gorm.ErrRecordNotFound:
			if opts.IfVersion != 0 {
				return errs.New(errs.KindVersionConflict, "fragment does not exist").WithBackend("relational")
			}
			row := fragmentRow{ID: id.String(), OwnerID: fragment.OwnerID, Attrs: encoded, Version: 1, DeletedAt: deletedAt, UpdatedAt: time.Now()}
			return tx.Create(&row).Error
		case findErr != nil:
			return fmt.Errorf("lookup fragment: %w", findErr)
		default:
			if opts.IfVersion != 0 && existing.Version != opts.IfVersion {
				return errs.New(errs.KindVersionConflict, "version mismatch").WithBackend("relational")
			}
			existing.Attrs = encoded
			existing.OwnerID = fragment.OwnerID
			existing.Version++
			existing.DeletedAt = deletedAt
			existing.UpdatedAt = time.Now()
			return tx.Save(&existing).Error
		}
	})
}

func (a *Adapter) Delete(ctx context.Context, id document.ID) error {
	if err := a.db.WithContext(ctx).Unscoped().Delete(&fragmentRow{}, "id = ?", id.String()).Error; err != nil {
		return errs.Wrap(errs.KindTransient, "delete fragment", err).WithBackend("relational")
	}
	return nil
}

func (a *Adapter) Health(ctx context.Context) backend.Health {
	sqlDB, err := a.db.DB()
	if err != nil {
		return backend.HealthDown
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return backend.HealthDown
	}
	stats := sqlDB.Stats()
	if stats.OpenConnections >= a.cfg.MaxOpenConns {
		return backend.HealthDegraded
	}
	return backend.HealthOk
}

func (a *Adapter) Query(ctx context.Context, filter backend.NativeQuery, projection []string, sort []backend.SortField, limit, offset int) ([]document.Fragment, error) {
	nq, ok := filter.(*Query)
	if !ok {
		return nil, errs.New(errs.KindValidationError, "filter is not a relational native query").WithBackend("relational")
	}
	tx := a.db.WithContext(ctx).Model(&fragmentRow{}).Unscoped()
	if nq.Where != "" {
		tx = tx.Where(nq.Where, nq.Args...)
	}
	for _, s := range sort {
		dir := "ASC"
		if s.Descending {
			dir = "DESC"
		}
		tx = tx.Order(fmt.Sprintf("%s %s", s.Field, dir))
	}
	if limit > 0 {
		tx = tx.Limit(limit)
	}
	if offset > 0 {
		tx = tx.Offset(offset)
	}
	var rows []fragmentRow
	if err := tx.Find(&rows).Error; err != nil {
		return nil, errs.Wrap(errs.KindTransient, "query", err).WithBackend("relational")
	}
	out := make([]document.Fragment, 0, len(rows))
	for _, row := range rows {
		attrs, err := decodeAttrs(row.Attrs)
		if err != nil {
			continue
		}
		out = append(out, toFragment(row, attrs))
	}
	return out, nil
}
