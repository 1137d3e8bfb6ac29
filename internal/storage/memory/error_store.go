package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/crawl-supervisor/internal/errlog"
)

// ErrorStore keeps error records per task in insertion order.
type ErrorStore struct {
	mu      sync.RWMutex
	records map[string][]errlog.Record
}

// NewErrorStore constructs an ErrorStore.
func NewErrorStore() *ErrorStore {
	return &ErrorStore{records: make(map[string][]errlog.Record)}
}

// Append adds a record to the end of the task's history.
func (s *ErrorStore) Append(_ context.Context, rec errlog.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.TaskID] = append(s.records[rec.TaskID], rec)
	return nil
}

// List returns a copy of the task's records.
func (s *ErrorStore) List(_ context.Context, taskID string) ([]errlog.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	recs := s.records[taskID]
	out := make([]errlog.Record, len(recs))
	copy(out, recs)
	return out, nil
}

// Clear drops the task's records.
func (s *ErrorStore) Clear(_ context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, taskID)
	return nil
}
