// Package engine is the crawl engine the supervisor runs as a child process.
//
// The supervisor writes a Spec as JSON to the child's stdin and reads
// Reports from file descriptor 3. The engine crawls with colly, keeps its
// frontier in Spec.StateDir and writes every fetched page to a docstore.
package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/JakeFAU/crawl-supervisor/internal/job"
)

// Spec is everything the engine needs to run one crawl.
type Spec struct {
	JobID        string            `json:"job_id"`
	Run          int               `json:"run"`
	StartURLs    []string          `json:"start_urls"`
	AllowDomains []string          `json:"allow_domains,omitempty"`
	BlockDomains []string          `json:"block_domains,omitempty"`
	StateDir     string            `json:"state_dir"`
	Config       map[string]string `json:"config,omitempty"`
}

// SpecFor builds the Spec for j's current run.
func SpecFor(j *job.CrawlJob, stateDir string) Spec {
	rec := j.Record()
	return Spec{
		JobID:        rec.ID,
		Run:          rec.Task.Run,
		StartURLs:    rec.StartURLs,
		AllowDomains: rec.AllowedDomains,
		BlockDomains: rec.BlockedDomains,
		StateDir:     stateDir,
		Config:       rec.Config,
	}
}

// Validate checks the fields Run depends on.
func (s Spec) Validate() error {
	if strings.TrimSpace(s.JobID) == "" {
		return errors.New("spec: job id is required")
	}
	if strings.TrimSpace(s.StateDir) == "" {
		return errors.New("spec: state dir is required")
	}
	if len(s.StartURLs) == 0 {
		return errors.New("spec: at least one start url is required")
	}
	return nil
}

// Encode writes s as JSON.
func (s Spec) Encode(w io.Writer) error {
	if err := json.NewEncoder(w).Encode(s); err != nil {
		return fmt.Errorf("encode spec: %w", err)
	}
	return nil
}

// DecodeSpec reads one Spec from r.
func DecodeSpec(r io.Reader) (Spec, error) {
	var s Spec
	if err := json.NewDecoder(r).Decode(&s); err != nil {
		return Spec{}, fmt.Errorf("decode spec: %w", err)
	}
	return s, s.Validate()
}
