// Package memory provides in-memory stores for development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/crawl-supervisor/internal/job"
)

// JobStore keeps job records in a map guarded by a RWMutex.
type JobStore struct {
	mu   sync.RWMutex
	jobs map[string]job.Record
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{
		jobs: make(map[string]job.Record),
	}
}

// Create stores a new job.
func (s *JobStore) Create(_ context.Context, j *job.CrawlJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[j.ID]; exists {
		return fmt.Errorf("create %s: %w", j.ID, job.ErrExists)
	}
	s.jobs[j.ID] = j.Record()
	return nil
}

// Get fetches a job by ID.
func (s *JobStore) Get(_ context.Context, id string) (*job.CrawlJob, error) {
	s.mu.RLock()
	rec, ok := s.jobs[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("get %s: %w", id, job.ErrNotFound)
	}
	return job.FromRecord(rec)
}

// Save overwrites the job record, keeping the revoked flag sticky within a run.
func (s *JobStore) Save(_ context.Context, j *job.CrawlJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.jobs[j.ID]
	if !ok {
		return fmt.Errorf("save %s: %w", j.ID, job.ErrNotFound)
	}
	rec := j.Record()
	rec.Revoked = job.MergeRevoked(stored.Task.Run, stored.Revoked, rec.Task.Run, rec.Revoked)
	s.jobs[j.ID] = rec
	j.Revoked = rec.Revoked
	return nil
}

// List returns all jobs ordered by creation time.
func (s *JobStore) List(_ context.Context) ([]*job.CrawlJob, error) {
	s.mu.RLock()
	recs := make([]job.Record, 0, len(s.jobs))
	for _, rec := range s.jobs {
		recs = append(recs, rec)
	}
	s.mu.RUnlock()

	sort.Slice(recs, func(i, k int) bool {
		if recs[i].CreatedAt.Equal(recs[k].CreatedAt) {
			return recs[i].ID < recs[k].ID
		}
		return recs[i].CreatedAt.Before(recs[k].CreatedAt)
	})
	out := make([]*job.CrawlJob, 0, len(recs))
	for _, rec := range recs {
		j, err := job.FromRecord(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, nil
}

// Revoke sets the revoked flag.
func (s *JobStore) Revoke(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("revoke %s: %w", id, job.ErrNotFound)
	}
	rec.Revoked = true
	s.jobs[id] = rec
	return nil
}

// IsRevoked reports the stored revoked flag.
func (s *JobStore) IsRevoked(_ context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.jobs[id]
	if !ok {
		return false, fmt.Errorf("is revoked %s: %w", id, job.ErrNotFound)
	}
	return rec.Revoked, nil
}
