// Package job defines the crawl job entity and its durable store contract.
package job

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/JakeFAU/crawl-supervisor/internal/domainfilter"
	"github.com/JakeFAU/crawl-supervisor/internal/task"
)

// Store errors.
var (
	ErrNotFound = errors.New("job not found")
	ErrExists   = errors.New("job already exists")
)

// CrawlJob is a task that runs the crawl engine over a set of start URLs.
type CrawlJob struct {
	*task.Task

	ID             string            `json:"id"`
	Name           string            `json:"name"`
	StartURLs      []string          `json:"start_urls"`
	AllowedDomains []string          `json:"allowed_domains,omitempty"`
	BlockedDomains []string          `json:"blocked_domains,omitempty"`
	Config         map[string]string `json:"config,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	// Revoked requests cooperative cancellation of the current run. It only
	// ever goes false → true within a run.
	Revoked bool `json:"revoked"`
	// CompletedRuns counts runs that reached done.
	CompletedRuns int `json:"completed_runs"`
}

// Params holds the user-supplied fields of a new job.
type Params struct {
	Name           string
	StartURLs      []string
	AllowedDomains []string
	BlockedDomains []string
	Config         map[string]string
}

// New builds a validated job in the not_queued state.
func New(id string, params Params, createdAt time.Time, opts ...task.Option) (*CrawlJob, error) {
	j := &CrawlJob{
		ID:             id,
		Name:           params.Name,
		StartURLs:      append([]string(nil), params.StartURLs...),
		AllowedDomains: append([]string(nil), params.AllowedDomains...),
		BlockedDomains: append([]string(nil), params.BlockedDomains...),
		Config:         copyConfig(params.Config),
		CreatedAt:      createdAt,
	}
	if err := j.Validate(); err != nil {
		return nil, err
	}
	j.Task = task.New(opts...)
	j.bindHooks()
	return j, nil
}

// Rehydrate rebuilds a job loaded from a store around a task snapshot.
func Rehydrate(j *CrawlJob, snap task.Snapshot, opts ...task.Option) (*CrawlJob, error) {
	t, err := task.Restore(snap, opts...)
	if err != nil {
		return nil, fmt.Errorf("rehydrate job %s: %w", j.ID, err)
	}
	j.Task = t
	j.bindHooks()
	return j, nil
}

// bindHooks layers the job's bookkeeping on top of the base transitions.
func (j *CrawlJob) bindHooks() {
	j.SetHooks(task.Hooks{
		OnFinish: func(*task.Task) { j.CompletedRuns++ },
	})
}

// ResetForRerun starts a fresh run of the job. The revoked flag belongs to
// the finished run and is cleared with it.
func (j *CrawlJob) ResetForRerun() error {
	if err := j.Task.ResetForRerun(); err != nil {
		return err
	}
	j.Revoked = false
	return nil
}

// Validate checks the job definition. Domain patterns are validated here so
// a bad pattern fails when the job is defined, not when it is crawled.
func (j *CrawlJob) Validate() error {
	if strings.TrimSpace(j.ID) == "" {
		return errors.New("job id is required")
	}
	if strings.ContainsAny(j.ID, `/\`) || j.ID == "." || j.ID == ".." {
		return fmt.Errorf("job id %q is not usable as a directory name", j.ID)
	}
	if len(j.StartURLs) == 0 {
		return errors.New("at least one start url is required")
	}
	for _, raw := range j.StartURLs {
		u, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("start url %q: %w", raw, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("start url %q: scheme must be http or https", raw)
		}
		if u.Host == "" {
			return fmt.Errorf("start url %q: host is required", raw)
		}
	}
	if _, err := domainfilter.New(j.FilterConfig()); err != nil {
		return fmt.Errorf("domain filter: %w", err)
	}
	return nil
}

// FilterConfig returns the job's allow/block lists.
func (j *CrawlJob) FilterConfig() domainfilter.Config {
	return domainfilter.Config{
		Allow: append([]string(nil), j.AllowedDomains...),
		Block: append([]string(nil), j.BlockedDomains...),
	}
}

// StateDirName is the job's state directory name, derived from its ID.
func (j *CrawlJob) StateDirName() string {
	return "job-" + j.ID
}

// Store persists jobs durably.
type Store interface {
	// Create inserts a new job; ErrExists if the ID is taken.
	Create(ctx context.Context, j *CrawlJob) error
	// Get loads a job; ErrNotFound if absent.
	Get(ctx context.Context, id string) (*CrawlJob, error)
	// Save persists the job's task state and bookkeeping. It never lowers the
	// stored revoked flag for the same run.
	Save(ctx context.Context, j *CrawlJob) error
	// List returns all jobs ordered by creation time.
	List(ctx context.Context) ([]*CrawlJob, error)
	// Revoke sets the revoked flag for the job's current run.
	Revoke(ctx context.Context, id string) error
	// IsRevoked reads the flag from durable state.
	IsRevoked(ctx context.Context, id string) (bool, error)
}

// MergeRevoked applies the revoked-flag rule used by every Store.Save:
// within the same run the flag is sticky; a newer run replaces it.
func MergeRevoked(storedRun int, storedRevoked bool, incomingRun int, incomingRevoked bool) bool {
	if storedRun == incomingRun {
		return storedRevoked || incomingRevoked
	}
	return incomingRevoked
}

func copyConfig(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Record is the flat, serialisable form of a CrawlJob used by stores.
type Record struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	StartURLs      []string          `json:"start_urls"`
	AllowedDomains []string          `json:"allowed_domains,omitempty"`
	BlockedDomains []string          `json:"blocked_domains,omitempty"`
	Config         map[string]string `json:"config,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	Revoked        bool              `json:"revoked"`
	CompletedRuns  int               `json:"completed_runs"`
	Task           task.Snapshot     `json:"task"`
}

// Record flattens the job. Slices and maps are copied.
func (j *CrawlJob) Record() Record {
	return Record{
		ID:             j.ID,
		Name:           j.Name,
		StartURLs:      append([]string(nil), j.StartURLs...),
		AllowedDomains: append([]string(nil), j.AllowedDomains...),
		BlockedDomains: append([]string(nil), j.BlockedDomains...),
		Config:         copyConfig(j.Config),
		CreatedAt:      j.CreatedAt,
		Revoked:        j.Revoked,
		CompletedRuns:  j.CompletedRuns,
		Task:           j.Snapshot(),
	}
}

// FromRecord rebuilds a job from its flat form.
func FromRecord(rec Record, opts ...task.Option) (*CrawlJob, error) {
	j := &CrawlJob{
		ID:             rec.ID,
		Name:           rec.Name,
		StartURLs:      append([]string(nil), rec.StartURLs...),
		AllowedDomains: append([]string(nil), rec.AllowedDomains...),
		BlockedDomains: append([]string(nil), rec.BlockedDomains...),
		Config:         copyConfig(rec.Config),
		CreatedAt:      rec.CreatedAt,
		Revoked:        rec.Revoked,
		CompletedRuns:  rec.CompletedRuns,
	}
	return Rehydrate(j, rec.Task, opts...)
}
