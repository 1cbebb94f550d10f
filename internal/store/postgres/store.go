// Package postgres persists scheduler cursors and dead letters.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/djlord-it/tokenward/internal/domain"
)

// uniqueViolation is the SQLSTATE for a unique constraint violation.
const uniqueViolation = "23505"

// Store implements scheduler.CursorStore and queue.DeadLetterSink using PostgreSQL.
type Store struct {
	db *sql.DB
}

// New creates a new PostgreSQL store with the given database connection.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, querySchema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// PingContext reports whether the database is reachable.
func (s *Store) PingContext(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// LoadCursors returns the last fired occurrence of every trigger.
func (s *Store) LoadCursors(ctx context.Context) (map[string]time.Time, error) {
	rows, err := s.db.QueryContext(ctx, queryLoadCursors)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]time.Time)
	for rows.Next() {
		var id string
		var at time.Time
		if err := rows.Scan(&id, &at); err != nil {
			return nil, err
		}
		out[id] = at.UTC()
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// SaveCursor records that triggerID fired the occurrence scheduled at at.
// Older values never overwrite newer ones.
func (s *Store) SaveCursor(ctx context.Context, triggerID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, querySaveCursor, triggerID, at.UTC())
	return err
}

func (s *Store) DeleteCursor(ctx context.Context, triggerID string) error {
	_, err := s.db.ExecContext(ctx, queryDeleteCursor, triggerID)
	return err
}

// PruneCursors deletes cursors of triggers not in keep and returns how many
// were removed.
func (s *Store) PruneCursors(ctx context.Context, keep []string) (int64, error) {
	if keep == nil {
		keep = []string{}
	}
	res, err := s.db.ExecContext(ctx, queryPruneCursors, pq.Array(keep))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Write stores a dead letter. A second letter for the same idempotency key
// is ignored.
func (s *Store) Write(ctx context.Context, dl domain.DeadLetter) error {
	_, err := s.db.ExecContext(ctx, queryInsertDeadLetter,
		dl.ID,
		dl.IdempotencyKey,
		dl.TriggerID,
		dl.TemplateID,
		dl.Recipient,
		dl.ScheduledAt.UTC(),
		dl.Attempts,
		dl.LastError,
		string(dl.Reason),
		dl.CreatedAt.UTC(),
	)
	if isDuplicateKeyError(err) {
		return nil
	}
	return err
}

// ListDeadLetters returns the most recent dead letters, newest first.
func (s *Store) ListDeadLetters(ctx context.Context, limit int) ([]domain.DeadLetter, error) {
	rows, err := s.db.QueryContext(ctx, queryListDeadLetters, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.DeadLetter
	for rows.Next() {
		var dl domain.DeadLetter
		var reason string
		err := rows.Scan(
			&dl.ID,
			&dl.IdempotencyKey,
			&dl.TriggerID,
			&dl.TemplateID,
			&dl.Recipient,
			&dl.ScheduledAt,
			&dl.Attempts,
			&dl.LastError,
			&reason,
			&dl.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		dl.Reason = domain.DeadLetterReason(reason)
		dl.ScheduledAt = dl.ScheduledAt.UTC()
		dl.CreatedAt = dl.CreatedAt.UTC()
		out = append(out, dl)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// PruneDeadLetters deletes dead letters created before olderThan.
func (s *Store) PruneDeadLetters(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, queryPruneDeadLetters, olderThan.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// isDuplicateKeyError checks if the error is a PostgreSQL unique violation.
func isDuplicateKeyError(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}
