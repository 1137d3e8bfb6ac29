package file

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/afero"

	"github.com/JakeFAU/crawl-supervisor/internal/docstore"
	"github.com/JakeFAU/crawl-supervisor/internal/errlog"
)

// linesFile appends JSON values to one file per key under dir.
type linesFile struct {
	mu  sync.Mutex
	fs  afero.Fs
	dir string
}

func newLinesFile(fs afero.Fs, dir string) (*linesFile, error) {
	if err := ensureDir(fs, dir); err != nil {
		return nil, err
	}
	return &linesFile{fs: fs, dir: dir}, nil
}

func (l *linesFile) path(key string) string {
	return filepath.Join(l.dir, key+".jsonl")
}

func (l *linesFile) append(key string, v any) error {
	if strings.TrimSpace(key) == "" || strings.ContainsAny(key, `/\`) {
		return fmt.Errorf("invalid key %q", key)
	}
	line, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode line: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := l.fs.OpenFile(l.path(key), os.O_APPEND|os.O_CREATE|os.O_WRONLY, filePerm)
	if err != nil {
		return fmt.Errorf("open %s: %w", key, err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		_ = f.Close()
		return fmt.Errorf("append %s: %w", key, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", key, err)
	}
	return nil
}

// each decodes every line for key in order.
func (l *linesFile) each(key string, fn func(raw []byte) error) error {
	f, err := l.fs.Open(l.path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("open %s: %w", key, err)
	}
	defer f.Close() //nolint:errcheck // read-only

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		if err := fn(raw); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan %s: %w", key, err)
	}
	return nil
}

func (l *linesFile) remove(key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.fs.Remove(l.path(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", key, err)
	}
	return nil
}

// ErrorStore appends error records to <BaseDir>/errors/<task>.jsonl.
type ErrorStore struct {
	lines *linesFile
}

// NewErrorStore creates the errors directory if needed.
func NewErrorStore(fs afero.Fs, cfg Config) (*ErrorStore, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}
	lines, err := newLinesFile(fs, filepath.Join(cfg.BaseDir, "errors"))
	if err != nil {
		return nil, err
	}
	return &ErrorStore{lines: lines}, nil
}

// Append writes rec as one line.
func (s *ErrorStore) Append(_ context.Context, rec errlog.Record) error {
	return s.lines.append(rec.TaskID, rec)
}

// List reads the task's records in file order.
func (s *ErrorStore) List(_ context.Context, taskID string) ([]errlog.Record, error) {
	var out []errlog.Record
	err := s.lines.each(taskID, func(raw []byte) error {
		var rec errlog.Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("decode error record: %w", err)
		}
		out = append(out, rec)
		return nil
	})
	return out, err
}

// Clear removes the task's file.
func (s *ErrorStore) Clear(_ context.Context, taskID string) error {
	return s.lines.remove(taskID)
}

// DocStore appends documents to <BaseDir>/docs/<job>.jsonl.
type DocStore struct {
	lines *linesFile
}

// NewDocStore creates the docs directory if needed.
func NewDocStore(fs afero.Fs, cfg Config) (*DocStore, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}
	lines, err := newLinesFile(fs, filepath.Join(cfg.BaseDir, "docs"))
	if err != nil {
		return nil, err
	}
	return &DocStore{lines: lines}, nil
}

// Put appends the document.
func (s *DocStore) Put(_ context.Context, doc docstore.Document) error {
	return s.lines.append(doc.JobID, doc)
}

// Count returns the number of documents written for the job.
func (s *DocStore) Count(_ context.Context, jobID string) (int, error) {
	n := 0
	err := s.lines.each(jobID, func([]byte) error {
		n++
		return nil
	})
	return n, err
}

// DistinctURLs returns the number of unique URLs for the job.
func (s *DocStore) DistinctURLs(_ context.Context, jobID string) (int, error) {
	seen := make(map[string]struct{})
	err := s.lines.each(jobID, func(raw []byte) error {
		var doc docstore.Document
		if err := json.Unmarshal(raw, &doc); err != nil {
			return fmt.Errorf("decode document: %w", err)
		}
		seen[doc.URL] = struct{}{}
		return nil
	})
	return len(seen), err
}
