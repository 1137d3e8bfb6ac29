package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/JakeFAU/crawl-supervisor/internal/docstore"
	"github.com/JakeFAU/crawl-supervisor/internal/errlog"
	"github.com/JakeFAU/crawl-supervisor/internal/job"
	"github.com/JakeFAU/crawl-supervisor/internal/task"
)

func newJob(t *testing.T, id string, created time.Time) *job.CrawlJob {
	t.Helper()
	j, err := job.New(id, job.Params{StartURLs: []string{"https://example.com"}}, created)
	if err != nil {
		t.Fatalf("job.New() error = %v", err)
	}
	return j
}

func TestJobStoreLifecycle(t *testing.T) {
	t.Parallel()

	store := NewJobStore()
	ctx := context.Background()
	j := newJob(t, "job-1", time.Unix(1, 0))

	if err := store.Create(ctx, j); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := store.Create(ctx, j); !errors.Is(err, job.ErrExists) {
		t.Fatalf("expected duplicate job error, got %v", err)
	}
	if err := j.Enqueue("msg"); err != nil {
		t.Fatal(err)
	}
	if err := j.Start(); err != nil {
		t.Fatal(err)
	}
	if err := store.Save(ctx, j); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	got, err := store.Get(ctx, j.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status() != task.StatusRunning || got.StartedAt() == nil {
		t.Fatalf("expected running job with start time, got %+v", got.Snapshot())
	}
	got.StartURLs[0] = "modified"
	again, _ := store.Get(ctx, j.ID)
	if again.StartURLs[0] != "https://example.com" {
		t.Fatal("expected Get to return a copy")
	}

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, job.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestJobStoreRevocationIsSticky(t *testing.T) {
	t.Parallel()

	store := NewJobStore()
	ctx := context.Background()
	j := newJob(t, "job-2", time.Unix(1, 0))
	if err := store.Create(ctx, j); err != nil {
		t.Fatal(err)
	}
	if err := store.Revoke(ctx, j.ID); err != nil {
		t.Fatal(err)
	}

	// j still holds a stale revoked=false; saving must not reset the flag.
	if err := store.Save(ctx, j); err != nil {
		t.Fatal(err)
	}
	revoked, err := store.IsRevoked(ctx, j.ID)
	if err != nil || !revoked {
		t.Fatalf("IsRevoked() = %v, %v; want true", revoked, err)
	}
	if !j.Revoked {
		t.Fatal("Save should reflect the merged flag back onto the job")
	}

	for _, step := range []func() error{func() error { return j.Enqueue("m") }, j.Start, j.Abort, j.ResetForRerun} {
		if err := step(); err != nil {
			t.Fatal(err)
		}
	}
	if err := store.Save(ctx, j); err != nil {
		t.Fatal(err)
	}
	revoked, _ = store.IsRevoked(ctx, j.ID)
	if revoked {
		t.Fatal("a new run must start unrevoked")
	}
}

func TestJobStoreListOrdersByCreation(t *testing.T) {
	t.Parallel()

	store := NewJobStore()
	ctx := context.Background()
	for i, id := range []string{"c", "a", "b"} {
		if err := store.Create(ctx, newJob(t, id, time.Unix(int64(10-i), 0))); err != nil {
			t.Fatal(err)
		}
	}
	jobs, err := store.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, j := range jobs {
		ids = append(ids, j.ID)
	}
	if len(ids) != 3 || ids[0] != "b" || ids[1] != "a" || ids[2] != "c" {
		t.Fatalf("unexpected order %v", ids)
	}
}

func TestErrorStoreKeepsInsertionOrder(t *testing.T) {
	t.Parallel()

	store := NewErrorStore()
	ctx := context.Background()
	for _, msg := range []string{"one", "two", "three"} {
		if err := store.Append(ctx, errlog.Record{TaskID: "t", Message: msg}); err != nil {
			t.Fatal(err)
		}
	}
	recs, _ := store.List(ctx, "t")
	if len(recs) != 3 || recs[0].Message != "one" || recs[2].Message != "three" {
		t.Fatalf("unexpected records %+v", recs)
	}
	recs[0].Message = "mutated"
	again, _ := store.List(ctx, "t")
	if again[0].Message != "one" {
		t.Fatal("List must return a copy")
	}
	if err := store.Clear(ctx, "t"); err != nil {
		t.Fatal(err)
	}
	if recs, _ := store.List(ctx, "t"); len(recs) != 0 {
		t.Fatalf("expected no records after Clear, got %d", len(recs))
	}
}

func TestDocStoreCountsDuplicates(t *testing.T) {
	t.Parallel()

	store := NewDocStore()
	ctx := context.Background()
	for _, u := range []string{"https://a", "https://b", "https://a"} {
		if err := store.Put(ctx, docstore.Document{JobID: "j", URL: u}); err != nil {
			t.Fatal(err)
		}
	}
	count, _ := store.Count(ctx, "j")
	distinct, _ := store.DistinctURLs(ctx, "j")
	if count != 3 || distinct != 2 {
		t.Fatalf("count=%d distinct=%d, want 3 and 2", count, distinct)
	}
}
