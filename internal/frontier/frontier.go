// Package frontier persists a crawl's URL frontier in its state directory.
//
// The frontier is an append-only log of "add" and "done" entries. Replaying
// it yields the set of known URLs and, in insertion order, those still
// pending. A URL is scheduled at most once over the life of the log, which
// is what lets a resumed crawl continue without refetching pages.
package frontier

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"
)

// FileName is the log's name inside the state directory.
const FileName = "frontier.log"

const (
	opAdd  = "add"
	opDone = "done"
)

// Entry is a pending URL and the link depth it was discovered at.
type Entry struct {
	URL   string `json:"url"`
	Depth int    `json:"depth"`
}

type logLine struct {
	Op    string `json:"op"`
	URL   string `json:"url"`
	Depth int    `json:"depth,omitempty"`
}

// Frontier is safe for concurrent use.
type Frontier struct {
	mu      sync.Mutex
	file    afero.File
	known   map[string]struct{}
	pending map[string]Entry
	order   []string
	fresh   bool
}

// Open loads the log under dir, creating dir and the log if missing.
func Open(fs afero.Fs, dir string) (*Frontier, error) {
	if err := fs.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	path := filepath.Join(dir, FileName)
	f := &Frontier{
		known:   make(map[string]struct{}),
		pending: make(map[string]Entry),
	}
	torn, err := f.replay(fs, path)
	if err != nil {
		return nil, err
	}
	f.fresh = len(f.known) == 0
	file, err := fs.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open frontier log: %w", err)
	}
	f.file = file
	if torn {
		if _, err := file.Write([]byte{'\n'}); err != nil {
			_ = file.Close()
			return nil, fmt.Errorf("repair frontier log: %w", err)
		}
	}
	return f, nil
}

// replay loads path and reports whether it ends mid-line.
func (f *Frontier) replay(fs afero.Fs, path string) (bool, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("read frontier log: %w", err)
	}
	for _, raw := range bytes.Split(data, []byte{'\n'}) {
		if len(raw) == 0 {
			continue
		}
		var line logLine
		if err := json.Unmarshal(raw, &line); err != nil {
			// A crash mid-write can leave a torn final line.
			continue
		}
		switch line.Op {
		case opAdd:
			if _, ok := f.known[line.URL]; ok {
				continue
			}
			f.known[line.URL] = struct{}{}
			f.pending[line.URL] = Entry{URL: line.URL, Depth: line.Depth}
			f.order = append(f.order, line.URL)
		case opDone:
			delete(f.pending, line.URL)
		}
	}
	return len(data) > 0 && data[len(data)-1] != '\n', nil
}

// Fresh reports whether the log was empty when opened (a cold start).
func (f *Frontier) Fresh() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fresh
}

// Add schedules url unless it has ever been seen. It reports whether url was new.
func (f *Frontier) Add(url string, depth int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.known[url]; ok {
		return false, nil
	}
	if err := f.write(logLine{Op: opAdd, URL: url, Depth: depth}); err != nil {
		return false, err
	}
	f.known[url] = struct{}{}
	f.pending[url] = Entry{URL: url, Depth: depth}
	f.order = append(f.order, url)
	return true, nil
}

// Done marks url as processed. Unknown or already finished URLs are ignored.
func (f *Frontier) Done(url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.pending[url]; !ok {
		return nil
	}
	if err := f.write(logLine{Op: opDone, URL: url}); err != nil {
		return err
	}
	delete(f.pending, url)
	return nil
}

// Known reports whether url was ever added.
func (f *Frontier) Known(url string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.known[url]
	return ok
}

// Pending returns unfinished entries in the order they were added.
func (f *Frontier) Pending() []Entry {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Entry, 0, len(f.pending))
	kept := f.order[:0]
	for _, url := range f.order {
		entry, ok := f.pending[url]
		if !ok {
			continue
		}
		kept = append(kept, url)
		out = append(out, entry)
	}
	f.order = kept
	return out
}

// Len returns the number of known URLs.
func (f *Frontier) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.known)
}

// Close closes the log file.
func (f *Frontier) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.file == nil {
		return nil
	}
	err := f.file.Close()
	f.file = nil
	if err != nil {
		return fmt.Errorf("close frontier log: %w", err)
	}
	return nil
}

func (f *Frontier) write(line logLine) error {
	if f.file == nil {
		return fmt.Errorf("frontier is closed")
	}
	data, err := json.Marshal(line)
	if err != nil {
		return fmt.Errorf("encode frontier entry: %w", err)
	}
	if _, err := f.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append frontier entry: %w", err)
	}
	return nil
}
