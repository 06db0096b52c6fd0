package archive

import (
	"context"
	"time"

	"github.com/makr-code/polyglot-coordinator/document"
	"github.com/makr-code/polyglot-coordinator/errs"
	"github.com/makr-code/polyglot-coordinator/logging"
	"github.com/makr-code/polyglot-coordinator/saga"
)

// Config controls the sweeper's cadence (§6.4 archive.sweep_interval).
type Config struct {
	SweepInterval time.Duration
}

func DefaultConfig() Config {
	return Config{SweepInterval: time.Hour}
}

// Manager is the ArchiveManager (C8). It owns the archive index and
// issues the archive_document/restore_document sagas through the same
// saga.Coordinator every other write path uses, then records or removes
// the ArchiveRecord once the saga commits — archiving and soft-delete
// stay orthogonal (§9 Open Questions resolution) because this package
// never touches DeletedAt, only ArchivedAt via the saga step.
type Manager struct {
	coordinator *saga.Coordinator
	index       Index
	cfg         Config
	log         *logging.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

func NewManager(coordinator *saga.Coordinator, index Index, cfg Config, log *logging.Logger) *Manager {
	if log == nil {
		log = logging.NewNop()
	}
	return &Manager{coordinator: coordinator, index: index, cfg: cfg, log: log.WithField("component", "archive_manager")}
}

// Archive moves id into the archived state under policy (§4.8 archive()).
// It runs the archive_document saga first — the authoritative ArchivedAt
// flip lives in the relational fragment — and only records the retention
// window in the index once that commits, so a saga that aborts never
// leaves a dangling archive entry with no corresponding ArchivedAt.
func (m *Manager) Archive(ctx context.Context, id document.ID, ownerID string, policy document.RetentionPolicy) (document.ArchiveRecord, error) {
	if _, err := m.coordinator.Start(ctx, saga.KindArchiveDocument, id, nil); err != nil {
		return document.ArchiveRecord{}, err
	}

	now := time.Now()
	rec := document.ArchiveRecord{ID: id, OwnerID: ownerID, ArchivedAt: now, Policy: policy}
	if !policy.Permanent {
		rec.ExpiresAt = now.Add(policy.Duration)
	}
	if err := m.index.Put(ctx, rec); err != nil {
		return document.ArchiveRecord{}, err
	}
	return rec, nil
}

// Restore reverses an archive (§4.8 restore()), returning a
// ValidationError-kind "document is not archived" error if id has no
// index entry.
func (m *Manager) Restore(ctx context.Context, id document.ID) error {
	if _, found, err := m.index.Get(ctx, id); err != nil {
		return err
	} else if !found {
		return errs.New(errs.KindValidationError, "document is not archived")
	}

	if _, err := m.coordinator.Start(ctx, saga.KindRestoreDocument, id, nil); err != nil {
		return err
	}
	return m.index.Delete(ctx, id)
}

// ListArchived serves §4.8 list_archived().
func (m *Manager) ListArchived(ctx context.Context, filter Filter) ([]document.ArchiveRecord, error) {
	return m.index.List(ctx, filter)
}

// Sweep enumerates archive entries past their retention deadline and
// issues a DeleteDocument(HARD, FULL) saga for each (§4.8 sweep()).
// Permanent-policy records are exempt by construction: ListExpired never
// returns them. A per-id saga failure is logged and skipped rather than
// aborting the whole sweep, so one stuck id never blocks the rest of the
// retention window from being enforced.
func (m *Manager) Sweep(ctx context.Context) error {
	expired, err := m.index.ListExpired(ctx, time.Now())
	if err != nil {
		return err
	}
	for _, rec := range expired {
		initial := map[string]any{
			"delete_mode": string(document.DeleteHard),
			"cascade":     string(document.CascadeFull),
		}
		if _, err := m.coordinator.Start(ctx, saga.KindDeleteDocument, rec.ID, initial); err != nil {
			m.log.WithField("id", rec.ID.String()).WithError(err).Warn("retention sweep: hard delete saga failed")
			continue
		}
		if err := m.index.Delete(ctx, rec.ID); err != nil {
			m.log.WithField("id", rec.ID.String()).WithError(err).Warn("retention sweep: index cleanup failed")
		}
	}
	return nil
}

// Start launches the background sweep loop (no work runs before Start is
// called, per the explicit-lifecycle REDESIGN FLAG).
func (m *Manager) Start(ctx context.Context) {
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	go func() {
		defer close(m.doneCh)
		ticker := time.NewTicker(m.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				if err := m.Sweep(ctx); err != nil {
					m.log.WithError(err).Warn("retention sweep failed")
				}
			}
		}
	}()
}

// Stop halts the sweep loop.
func (m *Manager) Stop() {
	if m.stopCh == nil {
		return
	}
	close(m.stopCh)
	<-m.doneCh
}
