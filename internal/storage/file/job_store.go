// Package file implements stores on a local filesystem through afero.
//
// Jobs are one JSON document per file, written via rename so readers never
// see a partial record. Error records and documents are JSON lines appended
// to a per-job file.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/afero"

	"github.com/JakeFAU/crawl-supervisor/internal/job"
)

const (
	jobsDir        = "jobs"
	jobExt         = ".json"
	revokedExt     = ".revoked"
	dirPerm        = 0o750
	filePerm       = 0o600
	tempFilePrefix = ".tmp-"
)

// Config captures the parameters for the file-backed stores.
type Config struct {
	// BaseDir is the root directory where records are stored.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
}

// JobStore persists jobs under <BaseDir>/jobs.
//
// The revoked flag lives in a separate marker file holding the run number it
// applies to, so a concurrent Save from the supervisor can never overwrite a
// revocation written by another process.
type JobStore struct {
	fs  afero.Fs
	dir string
}

// NewJobStore creates the jobs directory if needed.
func NewJobStore(fs afero.Fs, cfg Config) (*JobStore, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}
	dir := filepath.Join(cfg.BaseDir, jobsDir)
	if err := ensureDir(fs, dir); err != nil {
		return nil, err
	}
	return &JobStore{fs: fs, dir: dir}, nil
}

// Create writes a new job file.
func (s *JobStore) Create(_ context.Context, j *job.CrawlJob) error {
	path := s.jobPath(j.ID)
	exists, err := afero.Exists(s.fs, path)
	if err != nil {
		return fmt.Errorf("stat job %s: %w", j.ID, err)
	}
	if exists {
		return fmt.Errorf("create %s: %w", j.ID, job.ErrExists)
	}
	rec := j.Record()
	rec.Revoked = false
	return s.write(rec)
}

// Get loads a job and its current revocation state.
func (s *JobStore) Get(_ context.Context, id string) (*job.CrawlJob, error) {
	rec, err := s.read(id)
	if err != nil {
		return nil, err
	}
	rec.Revoked, err = s.revokedFor(id, rec.Task.Run)
	if err != nil {
		return nil, err
	}
	return job.FromRecord(rec)
}

// Save rewrites the job file. The revoked flag is derived from the marker.
func (s *JobStore) Save(_ context.Context, j *job.CrawlJob) error {
	stored, err := s.read(j.ID)
	if err != nil {
		return err
	}
	rec := j.Record()
	if rec.Revoked && stored.Task.Run == rec.Task.Run {
		if err := s.writeMarker(j.ID, rec.Task.Run); err != nil {
			return err
		}
	}
	revoked, err := s.revokedFor(j.ID, rec.Task.Run)
	if err != nil {
		return err
	}
	rec.Revoked = revoked
	if err := s.write(rec); err != nil {
		return err
	}
	j.Revoked = revoked
	return nil
}

// List returns all jobs ordered by creation time.
func (s *JobStore) List(ctx context.Context) ([]*job.CrawlJob, error) {
	entries, err := afero.ReadDir(s.fs, s.dir)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	var jobs []*job.CrawlJob
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, jobExt) || strings.HasPrefix(name, tempFilePrefix) {
			continue
		}
		j, err := s.Get(ctx, strings.TrimSuffix(name, jobExt))
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	sort.Slice(jobs, func(i, k int) bool {
		if jobs[i].CreatedAt.Equal(jobs[k].CreatedAt) {
			return jobs[i].ID < jobs[k].ID
		}
		return jobs[i].CreatedAt.Before(jobs[k].CreatedAt)
	})
	return jobs, nil
}

// Revoke writes the marker for the job's current run.
func (s *JobStore) Revoke(_ context.Context, id string) error {
	rec, err := s.read(id)
	if err != nil {
		return err
	}
	return s.writeMarker(id, rec.Task.Run)
}

// IsRevoked re-reads the job and its marker from disk.
func (s *JobStore) IsRevoked(_ context.Context, id string) (bool, error) {
	rec, err := s.read(id)
	if err != nil {
		return false, err
	}
	return s.revokedFor(id, rec.Task.Run)
}

func (s *JobStore) jobPath(id string) string {
	return filepath.Join(s.dir, id+jobExt)
}

func (s *JobStore) markerPath(id string) string {
	return filepath.Join(s.dir, id+revokedExt)
}

func (s *JobStore) read(id string) (job.Record, error) {
	data, err := afero.ReadFile(s.fs, s.jobPath(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return job.Record{}, fmt.Errorf("get %s: %w", id, job.ErrNotFound)
		}
		return job.Record{}, fmt.Errorf("read job %s: %w", id, err)
	}
	var rec job.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return job.Record{}, fmt.Errorf("decode job %s: %w", id, err)
	}
	return rec, nil
}

func (s *JobStore) write(rec job.Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encode job %s: %w", rec.ID, err)
	}
	return writeAtomic(s.fs, s.jobPath(rec.ID), data)
}

func (s *JobStore) writeMarker(id string, run int) error {
	return writeAtomic(s.fs, s.markerPath(id), []byte(strconv.Itoa(run)))
}

func (s *JobStore) revokedFor(id string, run int) (bool, error) {
	data, err := afero.ReadFile(s.fs, s.markerPath(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("read revocation %s: %w", id, err)
	}
	markedRun, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return false, fmt.Errorf("decode revocation %s: %w", id, err)
	}
	return markedRun == run, nil
}

func ensureDir(fs afero.Fs, dir string) error {
	info, err := fs.Stat(dir)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to stat directory: %w", err)
		}
		if mkErr := fs.MkdirAll(dir, dirPerm); mkErr != nil {
			return fmt.Errorf("failed to create directory: %w", mkErr)
		}
		return nil
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}
	return nil
}

func writeAtomic(fs afero.Fs, path string, data []byte) error {
	tmp := filepath.Join(filepath.Dir(path), tempFilePrefix+filepath.Base(path))
	if err := afero.WriteFile(fs, tmp, data, filePerm); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := fs.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to rename file: %w", err)
	}
	return nil
}
