// Package docstore defines the document store the crawl engine writes to.
//
// Stores append: writing the same URL twice produces two documents. Count
// sees both; DistinctURLs collapses them.
package docstore

import (
	"context"
	"time"
)

// Document is one fetched page.
type Document struct {
	JobID       string    `json:"job_id"`
	URL         string    `json:"url"`
	StatusCode  int       `json:"status_code"`
	ContentHash string    `json:"content_hash"`
	Bytes       int       `json:"bytes"`
	FetchedAt   time.Time `json:"fetched_at"`
}

// Store persists documents addressed by job ID.
type Store interface {
	Put(ctx context.Context, doc Document) error
	Count(ctx context.Context, jobID string) (int, error)
	DistinctURLs(ctx context.Context, jobID string) (int, error)
}
