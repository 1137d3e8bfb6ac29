package postgres

import (
	"context"
	"fmt"

	"github.com/JakeFAU/crawl-supervisor/internal/errlog"
)

// ErrorStore implements errlog.Store on the task_errors table.
type ErrorStore struct {
	pool Pool
}

// NewErrorStore creates an ErrorStore over an existing pool.
func NewErrorStore(pool Pool) (*ErrorStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &ErrorStore{pool: pool}, nil
}

// Append inserts one record.
func (s *ErrorStore) Append(ctx context.Context, rec errlog.Record) error {
	if rec.ID == "" {
		return fmt.Errorf("record id is required")
	}
	query := `
		INSERT INTO task_errors (id, task_id, run, logged_at, message, traceback)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''));
	`
	if _, err := s.pool.Exec(ctx, query,
		rec.ID, rec.TaskID, rec.Run, rec.Timestamp, rec.Message, rec.Traceback,
	); err != nil {
		return fmt.Errorf("insert error record: %w", err)
	}
	return nil
}

// List returns the task's records in insertion order.
func (s *ErrorStore) List(ctx context.Context, taskID string) ([]errlog.Record, error) {
	query := `
		SELECT id, task_id, run, logged_at, message, COALESCE(traceback, '')
		FROM task_errors
		WHERE task_id = $1
		ORDER BY seq;
	`
	rows, err := s.pool.Query(ctx, query, taskID)
	if err != nil {
		return nil, fmt.Errorf("list error records: %w", err)
	}
	defer rows.Close()

	var out []errlog.Record
	for rows.Next() {
		var rec errlog.Record
		if err := rows.Scan(&rec.ID, &rec.TaskID, &rec.Run, &rec.Timestamp, &rec.Message, &rec.Traceback); err != nil {
			return nil, fmt.Errorf("scan error record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate error records: %w", err)
	}
	return out, nil
}

// Clear deletes every record of the task.
func (s *ErrorStore) Clear(ctx context.Context, taskID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM task_errors WHERE task_id = $1;`, taskID); err != nil {
		return fmt.Errorf("clear error records: %w", err)
	}
	return nil
}
