package postgres

import (
	"context"
	"fmt"

	"github.com/JakeFAU/crawl-supervisor/internal/docstore"
)

// DocStore writes crawled documents into crawl_documents.
type DocStore struct {
	pool Pool
}

// NewDocStore creates a DocStore over an existing pool.
func NewDocStore(pool Pool) (*DocStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &DocStore{pool: pool}, nil
}

// Put inserts a document row.
func (s *DocStore) Put(ctx context.Context, doc docstore.Document) error {
	if doc.JobID == "" {
		return fmt.Errorf("document job id is required")
	}
	query := `
		INSERT INTO crawl_documents (job_id, url, status_code, content_hash, bytes, fetched_at)
		VALUES ($1, $2, $3, $4, $5, $6);
	`
	if _, err := s.pool.Exec(ctx, query,
		doc.JobID, doc.URL, doc.StatusCode, doc.ContentHash, doc.Bytes, doc.FetchedAt,
	); err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

// Count returns the number of documents stored for the job.
func (s *DocStore) Count(ctx context.Context, jobID string) (int, error) {
	return s.count(ctx, `SELECT count(*) FROM crawl_documents WHERE job_id = $1;`, jobID)
}

// DistinctURLs returns the number of unique URLs stored for the job.
func (s *DocStore) DistinctURLs(ctx context.Context, jobID string) (int, error) {
	return s.count(ctx, `SELECT count(DISTINCT url) FROM crawl_documents WHERE job_id = $1;`, jobID)
}

func (s *DocStore) count(ctx context.Context, query, jobID string) (int, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, query, jobID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count documents: %w", err)
	}
	return int(n), nil
}
