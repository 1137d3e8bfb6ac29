// Package gcs provides a document store backed by Google Cloud Storage.
//
// Each document is one JSON object at <prefix>/<job>/<url digest>/<id>.json.
// The URL digest segment lets DistinctURLs answer from a listing alone.
package gcs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"

	"github.com/JakeFAU/crawl-supervisor/internal/docstore"
	"github.com/JakeFAU/crawl-supervisor/internal/hash/sha256"
	"github.com/JakeFAU/crawl-supervisor/internal/id/uuid"
)

// Config captures the parameters required to connect to GCS.
type Config struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
}

// DocStore writes documents to a configured GCS bucket.
type DocStore struct {
	client *storage.Client
	bucket string
	prefix string
	hasher *sha256.Hasher
	ids    *uuid.Generator
}

// New creates a GCS-backed document store.
func New(client *storage.Client, cfg Config) (*DocStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &DocStore{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		hasher: sha256.New(),
		ids:    uuid.NewUUIDGenerator(),
	}, nil
}

// Put uploads doc as a JSON object.
func (s *DocStore) Put(ctx context.Context, doc docstore.Document) error {
	if strings.TrimSpace(doc.JobID) == "" {
		return fmt.Errorf("document job id is required")
	}
	id, err := s.ids.NewID()
	if err != nil {
		return err
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	name := path.Join(s.jobPrefix(doc.JobID), s.hasher.HashString(doc.URL), id+".json")
	writer := s.client.Bucket(s.bucket).Object(name).NewWriter(ctx)
	writer.ContentType = "application/json"
	if _, err := writer.Write(body); err != nil {
		closeErr := writer.Close()
		if closeErr != nil {
			return fmt.Errorf("write object: %w (close writer: %v)", err, closeErr)
		}
		return fmt.Errorf("write object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close writer: %w", err)
	}
	return nil
}

// Count returns the number of document objects under the job prefix.
func (s *DocStore) Count(ctx context.Context, jobID string) (int, error) {
	n := 0
	err := s.walk(ctx, jobID, func(string) { n++ })
	return n, err
}

// DistinctURLs returns the number of distinct URL digests under the job prefix.
func (s *DocStore) DistinctURLs(ctx context.Context, jobID string) (int, error) {
	seen := make(map[string]struct{})
	err := s.walk(ctx, jobID, func(digest string) { seen[digest] = struct{}{} })
	return len(seen), err
}

func (s *DocStore) walk(ctx context.Context, jobID string, fn func(digest string)) error {
	prefix := s.jobPrefix(jobID) + "/"
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("list documents: %w", err)
		}
		rest := strings.TrimPrefix(attrs.Name, prefix)
		digest, _, ok := strings.Cut(rest, "/")
		if !ok {
			continue
		}
		fn(digest)
	}
}

func (s *DocStore) jobPrefix(jobID string) string {
	if s.prefix == "" {
		return jobID
	}
	return s.prefix + "/" + jobID
}
