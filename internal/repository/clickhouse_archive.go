package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmehdipour/outboxflow/internal/model"
	"github.com/jmoiron/sqlx"
)

// ArchiveRepository copies terminal events out of the outbox before the
// sweeper archives or deletes them.
type ArchiveRepository interface {
	Archive(ctx context.Context, events []model.Event) error
}

type chArchiveRepository struct {
	ch  *sqlx.DB // ClickHouse connection
	now func() time.Time
}

func NewCHArchiveRepository(ch *sqlx.DB) ArchiveRepository {
	return &chArchiveRepository{ch: ch, now: time.Now}
}

// Archive writes one ClickHouse batch; ReplacingMergeTree collapses re-sent rows.
func (r *chArchiveRepository) Archive(ctx context.Context, events []model.Event) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := r.ch.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO outbox_archive
		    (id, model, action, status, attempts, origin, origin_chain, parent_event_id, changed_fields,
		     before_data, after_data, actor, last_error, created_at, updated_at, archived_at)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	archivedAt := r.now().UTC()
	for _, ev := range events {
		before, err := jsonText(ev.Before)
		if err != nil {
			return fmt.Errorf("archive %s: %w", ev.ID, err)
		}
		after, err := jsonText(ev.After)
		if err != nil {
			return fmt.Errorf("archive %s: %w", ev.ID, err)
		}
		actor, err := jsonText(ev.Actor)
		if err != nil {
			return fmt.Errorf("archive %s: %w", ev.ID, err)
		}
		chain := ev.OriginChain
		if chain == nil {
			chain = []string{}
		}
		changed := ev.ChangedFields
		if changed == nil {
			changed = []string{}
		}

		if _, err := stmt.ExecContext(ctx,
			ev.ID, ev.Model, ev.Action.String(), ev.Status.String(), uint32(ev.Attempts), ev.Origin, chain,
			ev.ParentEventID, changed, before, after, actor, ev.LastError,
			ev.CreatedAt.UTC(), ev.UpdatedAt.UTC(), archivedAt,
		); err != nil {
			return fmt.Errorf("archive %s: %w", ev.ID, err)
		}
	}
	return tx.Commit()
}

func jsonText(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
