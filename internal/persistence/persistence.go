// Package persistence maps crawl jobs to the state directories their engine
// keeps its frontier in, and implements resume and restart of finished runs.
package persistence

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-supervisor/internal/errlog"
	"github.com/JakeFAU/crawl-supervisor/internal/job"
	"github.com/JakeFAU/crawl-supervisor/internal/task"
)

// Manager owns the state directory root.
type Manager struct {
	fs     afero.Fs
	root   string
	jobs   job.Store
	errs   errlog.Store
	logger *zap.Logger
}

// RestartOptions tunes Restart.
type RestartOptions struct {
	// ClearErrors also drops the job's error history.
	ClearErrors bool
}

// New builds a Manager rooted at root. errs may be nil when ClearErrors is
// never requested.
func New(fs afero.Fs, root string, jobs job.Store, errs errlog.Store, logger *zap.Logger) (*Manager, error) {
	if fs == nil {
		return nil, fmt.Errorf("filesystem is required")
	}
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("state root is required")
	}
	if jobs == nil {
		return nil, fmt.Errorf("job store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := fs.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create state root: %w", err)
	}
	return &Manager{fs: fs, root: root, jobs: jobs, errs: errs, logger: logger.Named("persistence")}, nil
}

// Fs exposes the filesystem the state directories live on.
func (m *Manager) Fs() afero.Fs { return m.fs }

// StateDir is where j's engine keeps its frontier.
func (m *Manager) StateDir(j *job.CrawlJob) string {
	return filepath.Join(m.root, j.StateDirName())
}

// Exists reports whether j has a state directory.
func (m *Manager) Exists(j *job.CrawlJob) (bool, error) {
	ok, err := afero.DirExists(m.fs, m.StateDir(j))
	if err != nil {
		return false, fmt.Errorf("stat state dir: %w", err)
	}
	return ok, nil
}

// Resume starts a fresh run that continues from the existing frontier.
// The document store and error history are left untouched; the caller
// enqueues the job.
func (m *Manager) Resume(ctx context.Context, j *job.CrawlJob) error {
	if err := j.ResetForRerun(); err != nil {
		return fmt.Errorf("resume %s: %w", j.ID, err)
	}
	if err := m.jobs.Save(ctx, j); err != nil {
		return fmt.Errorf("resume %s: %w", j.ID, err)
	}
	m.logger.Info("job reset for resume",
		zap.String("job_id", j.ID),
		zap.Int("run", j.Run()),
	)
	return nil
}

// Restart discards the frontier so the next run starts cold. Documents from
// earlier runs stay in the document store, so URLs crawled again are stored
// again.
func (m *Manager) Restart(ctx context.Context, j *job.CrawlJob, opts RestartOptions) error {
	if !j.Status().IsTerminal() {
		return fmt.Errorf("restart %s: %w", j.ID,
			&task.TransitionError{Op: "reset", From: j.Status(), Want: "a terminal state"})
	}
	dir := m.StateDir(j)
	if err := m.fs.RemoveAll(dir); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("restart %s: remove state dir: %w", j.ID, err)
	}
	if opts.ClearErrors {
		if m.errs == nil {
			return fmt.Errorf("restart %s: no error store configured", j.ID)
		}
		if err := m.errs.Clear(ctx, j.ID); err != nil {
			return fmt.Errorf("restart %s: clear errors: %w", j.ID, err)
		}
	}
	if err := j.ResetForRerun(); err != nil {
		return fmt.Errorf("restart %s: %w", j.ID, err)
	}
	if err := m.jobs.Save(ctx, j); err != nil {
		return fmt.Errorf("restart %s: %w", j.ID, err)
	}
	m.logger.Info("job reset for restart",
		zap.String("job_id", j.ID),
		zap.Int("run", j.Run()),
		zap.String("state_dir", dir),
		zap.Bool("errors_cleared", opts.ClearErrors),
	)
	return nil
}
