package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/cloudforge/anvil/pkg/types"
)

// PostgresStore implements Store on PostgreSQL. This is the production
// backend: multiple controller processes share it, relying on the version
// column for optimistic concurrency and on transactions for the
// state-plus-history atomicity guarantee.
//
// Schema is managed by the migration tool (db/migrations), not created here.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open connection pool. Callers own the pool
// lifecycle when sharing it with the queue backend; Close is a no-op on a
// shared pool obtained through NewPostgresStoreFromDB.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromDB wraps an existing pool shared with other components.
func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Ping verifies connectivity. Startup wiring retries this with backoff.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// DB exposes the underlying pool so the queue backend can share it.
func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func nullDetail(st types.State) any {
	if len(st.Detail) == 0 {
		return nil
	}
	return []byte(st.Detail)
}

func (s *PostgresStore) Create(ctx context.Context, res *types.Resource) error {
	if res.Version == 0 {
		res.Version = 1
	}
	now := time.Now().UTC()
	if res.StateEnteredAt.IsZero() {
		res.StateEnteredAt = now
	}
	res.UpdatedAt = now

	var payload any
	if len(res.Payload) > 0 {
		payload = []byte(res.Payload)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO resources
			(id, kind, state_name, state_detail, payload, state_entered_at, version, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		res.ID, string(res.Kind), res.State.Name, nullDetail(res.State),
		payload, res.StateEnteredAt, res.Version, res.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create resource %s/%s: %w", res.Kind, res.ID, err)
	}
	return nil
}

func (s *PostgresStore) Load(ctx context.Context, kind types.Kind, id string) (*types.Resource, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, kind, state_name, state_detail, payload,
		       state_entered_at, version, last_outcome, last_reason, updated_at
		FROM resources WHERE kind = $1 AND id = $2`,
		string(kind), id)
	return scanResource(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanResource(row rowScanner) (*types.Resource, error) {
	var (
		res         types.Resource
		kindStr     string
		stateDetail []byte
		payload     []byte
		lastOutcome sql.NullString
		lastReason  sql.NullString
	)
	err := row.Scan(&res.ID, &kindStr, &res.State.Name, &stateDetail, &payload,
		&res.StateEnteredAt, &res.Version, &lastOutcome, &lastReason, &res.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan resource: %w", err)
	}
	res.Kind = types.Kind(kindStr)
	res.State.Detail = json.RawMessage(stateDetail)
	res.Payload = json.RawMessage(payload)
	res.LastOutcome = types.OutcomeKind(lastOutcome.String)
	res.LastReason = lastReason.String
	return &res, nil
}

func (s *PostgresStore) List(ctx context.Context, kind types.Kind) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM resources WHERE kind = $1 ORDER BY id`, string(kind))
	if err != nil {
		return nil, fmt.Errorf("failed to list resources: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) Persist(ctx context.Context, kind types.Kind, id string, expectedVersion int64, newState types.State, entry types.HistoryEntry) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	var newVersion int64
	err = tx.QueryRowContext(ctx, `
		UPDATE resources
		SET state_name = $1, state_detail = $2, state_entered_at = $3,
		    version = version + 1, last_outcome = $4, last_reason = $5, updated_at = $3
		WHERE kind = $6 AND id = $7 AND version = $8
		RETURNING version`,
		newState.Name, nullDetail(newState), now,
		string(entry.Outcome), entry.Reason,
		string(kind), id, expectedVersion).Scan(&newVersion)
	if errors.Is(err, sql.ErrNoRows) {
		// Either the resource vanished or someone persisted first.
		var stored int64
		probeErr := tx.QueryRowContext(ctx,
			`SELECT version FROM resources WHERE kind = $1 AND id = $2`,
			string(kind), id).Scan(&stored)
		if errors.Is(probeErr, sql.ErrNoRows) {
			return 0, fmt.Errorf("%w: %s/%s", types.ErrNotFound, kind, id)
		}
		if probeErr != nil {
			return 0, probeErr
		}
		return 0, fmt.Errorf("%w: %s/%s expected v%d, stored v%d",
			types.ErrConflict, kind, id, expectedVersion, stored)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to persist resource %s/%s: %w", kind, id, err)
	}

	if entry.Timestamp.IsZero() {
		entry.Timestamp = now
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO state_history
			(resource_id, kind, prior_state_name, prior_state_detail,
			 new_state_name, new_state_detail, ts, outcome, reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		entry.ResourceID, string(entry.Kind),
		entry.PriorState.Name, nullDetail(entry.PriorState),
		entry.NewState.Name, nullDetail(entry.NewState),
		entry.Timestamp, string(entry.Outcome), entry.Reason)
	if err != nil {
		return 0, fmt.Errorf("failed to append history for %s/%s: %w", kind, id, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit persist: %w", err)
	}
	return newVersion, nil
}

func (s *PostgresStore) UpdatePayload(ctx context.Context, kind types.Kind, id string, payload json.RawMessage) error {
	var p any
	if len(payload) > 0 {
		p = []byte(payload)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE resources SET payload = $1, updated_at = $2
		WHERE kind = $3 AND id = $4`,
		p, time.Now().UTC(), string(kind), id)
	if err != nil {
		return fmt.Errorf("failed to update payload for %s/%s: %w", kind, id, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s/%s", types.ErrNotFound, kind, id)
	}
	return nil
}

func (s *PostgresStore) RecordOutcome(ctx context.Context, kind types.Kind, id string, outcome types.OutcomeKind, reason string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE resources
		SET last_outcome = $1, last_reason = $2, updated_at = $3
		WHERE kind = $4 AND id = $5`,
		string(outcome), reason, time.Now().UTC(), string(kind), id)
	if err != nil {
		return fmt.Errorf("failed to record outcome for %s/%s: %w", kind, id, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s/%s", types.ErrNotFound, kind, id)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, kind types.Kind, id string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM resources WHERE kind = $1 AND id = $2`, string(kind), id)
	if err != nil {
		return fmt.Errorf("failed to delete resource %s/%s: %w", kind, id, err)
	}
	return nil
}

func (s *PostgresStore) History(ctx context.Context, kind types.Kind, id string) ([]types.HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT resource_id, kind, prior_state_name, prior_state_detail,
		       new_state_name, new_state_detail, ts, outcome, reason
		FROM state_history
		WHERE kind = $1 AND resource_id = $2
		ORDER BY id`,
		string(kind), id)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	defer rows.Close()

	var entries []types.HistoryEntry
	for rows.Next() {
		var (
			entry       types.HistoryEntry
			kindStr     string
			priorDetail []byte
			newDetail   []byte
			outcome     string
			reason      sql.NullString
		)
		err := rows.Scan(&entry.ResourceID, &kindStr,
			&entry.PriorState.Name, &priorDetail,
			&entry.NewState.Name, &newDetail,
			&entry.Timestamp, &outcome, &reason)
		if err != nil {
			return nil, err
		}
		entry.Kind = types.Kind(kindStr)
		entry.PriorState.Detail = json.RawMessage(priorDetail)
		entry.NewState.Detail = json.RawMessage(newDetail)
		entry.Outcome = types.OutcomeKind(outcome)
		entry.Reason = reason.String
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
