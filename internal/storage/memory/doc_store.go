package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/crawl-supervisor/internal/docstore"
)

// DocStore appends documents per job in memory.
type DocStore struct {
	mu   sync.RWMutex
	docs map[string][]docstore.Document
}

// NewDocStore creates a new in-memory document store.
func NewDocStore() *DocStore {
	return &DocStore{docs: make(map[string][]docstore.Document)}
}

// Put appends the document.
func (s *DocStore) Put(_ context.Context, doc docstore.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[doc.JobID] = append(s.docs[doc.JobID], doc)
	return nil
}

// Count returns the number of documents written for the job.
func (s *DocStore) Count(_ context.Context, jobID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs[jobID]), nil
}

// DistinctURLs returns the number of unique URLs among the job's documents.
func (s *DocStore) DistinctURLs(_ context.Context, jobID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]struct{}, len(s.docs[jobID]))
	for _, doc := range s.docs[jobID] {
		seen[doc.URL] = struct{}{}
	}
	return len(seen), nil
}

// Documents returns a copy of the job's documents.
func (s *DocStore) Documents(jobID string) []docstore.Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]docstore.Document, len(s.docs[jobID]))
	copy(out, s.docs[jobID])
	return out
}
