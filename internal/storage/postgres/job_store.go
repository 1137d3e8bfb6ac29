package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/crawl-supervisor/internal/job"
	"github.com/JakeFAU/crawl-supervisor/internal/task"
)

// JobStore implements job.Store on the crawl_jobs table.
type JobStore struct {
	pool Pool
}

// NewJobStore creates a JobStore over an existing pool.
func NewJobStore(pool Pool) (*JobStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &JobStore{pool: pool}, nil
}

const jobColumns = `id, name, start_urls, allowed_domains, blocked_domains, config, created_at,
	status, COALESCE(message_id, ''), started_at, finished_at, run, revoked, completed_runs`

// Create inserts a new job row.
func (s *JobStore) Create(ctx context.Context, j *job.CrawlJob) error {
	rec := j.Record()
	startURLs, allowed, blocked, cfg, err := encodeJobJSON(rec)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO crawl_jobs (id, name, start_urls, allowed_domains, blocked_domains, config, created_at,
			status, message_id, started_at, finished_at, run, revoked, completed_runs)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), $10, $11, $12, FALSE, $13)
		ON CONFLICT (id) DO NOTHING;
	`
	tag, err := s.pool.Exec(ctx, query,
		rec.ID, rec.Name, startURLs, allowed, blocked, cfg, rec.CreatedAt,
		string(rec.Task.Status), rec.Task.MessageID, rec.Task.StartedAt, rec.Task.FinishedAt,
		rec.Task.Run, rec.CompletedRuns,
	)
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("create %s: %w", rec.ID, job.ErrExists)
	}
	return nil
}

// Get loads a job by ID.
func (s *JobStore) Get(ctx context.Context, id string) (*job.CrawlJob, error) {
	query := `SELECT ` + jobColumns + ` FROM crawl_jobs WHERE id = $1;`
	j, err := scanJob(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("get %s: %w", id, job.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return j, nil
}

// Save updates the task columns. The revoked flag is merged in SQL so that a
// concurrent Revoke is never lost.
func (s *JobStore) Save(ctx context.Context, j *job.CrawlJob) error {
	rec := j.Record()
	query := `
		UPDATE crawl_jobs
		SET status = $2,
			message_id = NULLIF($3, ''),
			started_at = $4,
			finished_at = $5,
			revoked = CASE WHEN run = $6 THEN revoked OR $7 ELSE $7 END,
			run = $6,
			completed_runs = $8
		WHERE id = $1
		RETURNING revoked;
	`
	var revoked bool
	err := s.pool.QueryRow(ctx, query,
		rec.ID, string(rec.Task.Status), rec.Task.MessageID, rec.Task.StartedAt, rec.Task.FinishedAt,
		rec.Task.Run, rec.Revoked, rec.CompletedRuns,
	).Scan(&revoked)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("save %s: %w", rec.ID, job.ErrNotFound)
		}
		return fmt.Errorf("failed to save job: %w", err)
	}
	j.Revoked = revoked
	return nil
}

// List returns every job ordered by creation time.
func (s *JobStore) List(ctx context.Context) ([]*job.CrawlJob, error) {
	query := `SELECT ` + jobColumns + ` FROM crawl_jobs ORDER BY created_at, id;`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*job.CrawlJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job row: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate jobs: %w", err)
	}
	return jobs, nil
}

// Revoke sets the revoked flag for the current run.
func (s *JobStore) Revoke(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE crawl_jobs SET revoked = TRUE WHERE id = $1;`, id)
	if err != nil {
		return fmt.Errorf("failed to revoke job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("revoke %s: %w", id, job.ErrNotFound)
	}
	return nil
}

// IsRevoked reads the revoked column.
func (s *JobStore) IsRevoked(ctx context.Context, id string) (bool, error) {
	var revoked bool
	err := s.pool.QueryRow(ctx, `SELECT revoked FROM crawl_jobs WHERE id = $1;`, id).Scan(&revoked)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, fmt.Errorf("is revoked %s: %w", id, job.ErrNotFound)
		}
		return false, fmt.Errorf("failed to read revoked flag: %w", err)
	}
	return revoked, nil
}

func scanJob(row pgx.Row) (*job.CrawlJob, error) {
	var (
		rec                              job.Record
		startURLs, allowed, blocked, cfg []byte
		status                           string
		startedAt, finishedAt            *time.Time
	)
	err := row.Scan(
		&rec.ID,
		&rec.Name,
		&startURLs,
		&allowed,
		&blocked,
		&cfg,
		&rec.CreatedAt,
		&status,
		&rec.Task.MessageID,
		&startedAt,
		&finishedAt,
		&rec.Task.Run,
		&rec.Revoked,
		&rec.CompletedRuns,
	)
	if err != nil {
		return nil, err
	}
	rec.Task.Status = task.Status(status)
	rec.Task.StartedAt = startedAt
	rec.Task.FinishedAt = finishedAt
	for _, col := range []struct {
		raw  []byte
		dest any
	}{
		{startURLs, &rec.StartURLs},
		{allowed, &rec.AllowedDomains},
		{blocked, &rec.BlockedDomains},
		{cfg, &rec.Config},
	} {
		if len(col.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(col.raw, col.dest); err != nil {
			return nil, fmt.Errorf("decode job %s: %w", rec.ID, err)
		}
	}
	return job.FromRecord(rec)
}

func encodeJobJSON(rec job.Record) (startURLs, allowed, blocked, cfg []byte, err error) {
	if startURLs, err = json.Marshal(nonNil(rec.StartURLs)); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("marshal start urls: %w", err)
	}
	if allowed, err = json.Marshal(nonNil(rec.AllowedDomains)); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("marshal allowed domains: %w", err)
	}
	if blocked, err = json.Marshal(nonNil(rec.BlockedDomains)); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("marshal blocked domains: %w", err)
	}
	config := rec.Config
	if config == nil {
		config = map[string]string{}
	}
	if cfg, err = json.Marshal(config); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("marshal config: %w", err)
	}
	return startURLs, allowed, blocked, cfg, nil
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
