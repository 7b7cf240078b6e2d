package queue

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/cloudforge/anvil/pkg/types"
)

// PostgresQueue implements Queue on PostgreSQL, one table per kind with a
// uniform shape (resource_id, not_before, processed_by,
// processing_started_at). Claiming uses FOR UPDATE SKIP LOCKED so that
// concurrent controller instances racing over the same table partition the
// due entries between them instead of blocking or double-claiming.
//
// Schema is managed by the migration tool (db/migrations), not created here.
type PostgresQueue struct {
	db *sql.DB
}

// NewPostgresQueue wraps an open pool, usually shared with PostgresStore.
func NewPostgresQueue(db *sql.DB) *PostgresQueue {
	return &PostgresQueue{db: db}
}

// TableFor returns the queue table name for a kind. Kind values come from
// the fixed AllKinds set, never from external input, so interpolating the
// name into SQL is safe.
func TableFor(kind types.Kind) string {
	return string(kind) + "_controller_queue"
}

func (q *PostgresQueue) Enqueue(ctx context.Context, kind types.Kind, id string, notBefore time.Time) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (resource_id, not_before) VALUES ($1, $2)
		ON CONFLICT (resource_id)
		DO UPDATE SET not_before = LEAST(%s.not_before, EXCLUDED.not_before)`,
		TableFor(kind), TableFor(kind))
	if _, err := q.db.ExecContext(ctx, query, id, notBefore.UTC()); err != nil {
		return fmt.Errorf("failed to enqueue %s/%s: %w", kind, id, err)
	}
	return nil
}

func (q *PostgresQueue) EnsureQueued(ctx context.Context, kind types.Kind, id string, notBefore time.Time) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (resource_id, not_before) VALUES ($1, $2)
		ON CONFLICT (resource_id) DO NOTHING`,
		TableFor(kind))
	if _, err := q.db.ExecContext(ctx, query, id, notBefore.UTC()); err != nil {
		return fmt.Errorf("failed to ensure %s/%s queued: %w", kind, id, err)
	}
	return nil
}

func (q *PostgresQueue) ClaimBatch(ctx context.Context, kind types.Kind, owner string, limit int, staleAfter time.Duration) ([]types.Lease, error) {
	now := time.Now().UTC()
	staleCutoff := now.Add(-staleAfter)
	table := TableFor(kind)

	query := fmt.Sprintf(`
		WITH due AS (
			SELECT resource_id, processed_by IS NOT NULL AS reclaimed FROM %s
			WHERE not_before <= $1
			  AND (processed_by IS NULL OR processing_started_at < $2)
			ORDER BY not_before, resource_id
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		UPDATE %s q
		SET processed_by = $4, processing_started_at = $1
		FROM due
		WHERE q.resource_id = due.resource_id
		RETURNING q.resource_id, due.reclaimed`,
		table, table)

	rows, err := q.db.QueryContext(ctx, query, now, staleCutoff, limit, owner)
	if err != nil {
		return nil, fmt.Errorf("failed to claim batch for %s: %w", kind, err)
	}
	defer rows.Close()

	var leases []types.Lease
	for rows.Next() {
		var (
			id        string
			reclaimed bool
		)
		if err := rows.Scan(&id, &reclaimed); err != nil {
			return nil, err
		}
		leases = append(leases, types.Lease{
			ResourceID: id,
			Kind:       kind,
			Owner:      owner,
			StartedAt:  now,
			Reclaimed:  reclaimed,
		})
	}
	return leases, rows.Err()
}

func (q *PostgresQueue) Renew(ctx context.Context, lease types.Lease) error {
	query := fmt.Sprintf(`
		UPDATE %s SET processing_started_at = $1
		WHERE resource_id = $2 AND processed_by = $3`,
		TableFor(lease.Kind))
	result, err := q.db.ExecContext(ctx, query,
		time.Now().UTC(), lease.ResourceID, lease.Owner)
	if err != nil {
		return fmt.Errorf("failed to renew lease on %s/%s: %w", lease.Kind, lease.ResourceID, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s/%s owner %s",
			types.ErrLeaseLost, lease.Kind, lease.ResourceID, lease.Owner)
	}
	return nil
}

func (q *PostgresQueue) Release(ctx context.Context, lease types.Lease, notBefore time.Time) error {
	query := fmt.Sprintf(`
		UPDATE %s
		SET processed_by = NULL, processing_started_at = NULL, not_before = $1
		WHERE resource_id = $2 AND processed_by = $3`,
		TableFor(lease.Kind))
	result, err := q.db.ExecContext(ctx, query,
		notBefore.UTC(), lease.ResourceID, lease.Owner)
	if err != nil {
		return fmt.Errorf("failed to release lease on %s/%s: %w", lease.Kind, lease.ResourceID, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s/%s owner %s",
			types.ErrLeaseLost, lease.Kind, lease.ResourceID, lease.Owner)
	}
	return nil
}

func (q *PostgresQueue) Complete(ctx context.Context, lease types.Lease) error {
	query := fmt.Sprintf(`
		DELETE FROM %s WHERE resource_id = $1 AND processed_by = $2`,
		TableFor(lease.Kind))
	result, err := q.db.ExecContext(ctx, query, lease.ResourceID, lease.Owner)
	if err != nil {
		return fmt.Errorf("failed to complete %s/%s: %w", lease.Kind, lease.ResourceID, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s/%s owner %s",
			types.ErrLeaseLost, lease.Kind, lease.ResourceID, lease.Owner)
	}
	return nil
}

func (q *PostgresQueue) Depth(ctx context.Context, kind types.Kind) (int, error) {
	var n int
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s`, TableFor(kind))
	if err := q.db.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to read queue depth for %s: %w", kind, err)
	}
	return n, nil
}

// Close is a no-op; the pool is owned by the store that created it.
func (q *PostgresQueue) Close() error {
	return nil
}
