package file_test

import (
	"context"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-supervisor/internal/docstore"
	"github.com/JakeFAU/crawl-supervisor/internal/errlog"
	"github.com/JakeFAU/crawl-supervisor/internal/job"
	"github.com/JakeFAU/crawl-supervisor/internal/storage/file"
	"github.com/JakeFAU/crawl-supervisor/internal/task"
)

func newJob(t *testing.T, id string) *job.CrawlJob {
	t.Helper()
	j, err := job.New(id, job.Params{
		StartURLs:      []string{"https://example.com"},
		BlockedDomains: []string{"ads.example.com"},
	}, time.Unix(100, 0).UTC())
	require.NoError(t, err)
	return j
}

func TestNewJobStore(t *testing.T) {
	t.Run("ValidConfig", func(t *testing.T) {
		store, err := file.NewJobStore(afero.NewMemMapFs(), file.Config{BaseDir: "/data"})
		require.NoError(t, err)
		assert.NotNil(t, store)
	})
	t.Run("MissingBaseDir", func(t *testing.T) {
		_, err := file.NewJobStore(afero.NewMemMapFs(), file.Config{})
		assert.Error(t, err)
	})
	t.Run("BaseDirIsAFile", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		require.NoError(t, afero.WriteFile(fs, "/data/jobs", []byte("x"), 0o600))
		_, err := file.NewJobStore(fs, file.Config{BaseDir: "/data"})
		assert.Error(t, err)
	})
}

func TestJobStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := file.NewJobStore(afero.NewMemMapFs(), file.Config{BaseDir: "/data"})
	require.NoError(t, err)

	j := newJob(t, "job-1")
	require.NoError(t, store.Create(ctx, j))
	require.ErrorIs(t, store.Create(ctx, j), job.ErrExists)

	require.NoError(t, j.Enqueue("msg-1"))
	require.NoError(t, j.Start())
	require.NoError(t, store.Save(ctx, j))

	got, err := store.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, task.StatusRunning, got.Status())
	assert.Equal(t, "msg-1", got.MessageID())
	assert.Equal(t, []string{"ads.example.com"}, got.BlockedDomains)

	_, err = store.Get(ctx, "missing")
	require.ErrorIs(t, err, job.ErrNotFound)

	jobs, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
}

func TestJobStoreRevocationSurvivesStaleSave(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	supervisorView, err := file.NewJobStore(fs, file.Config{BaseDir: "/data"})
	require.NoError(t, err)
	cliView, err := file.NewJobStore(fs, file.Config{BaseDir: "/data"})
	require.NoError(t, err)

	j := newJob(t, "job-2")
	require.NoError(t, supervisorView.Create(ctx, j))
	require.NoError(t, j.Enqueue("m"))
	require.NoError(t, j.Start())
	require.NoError(t, supervisorView.Save(ctx, j))

	require.NoError(t, cliView.Revoke(ctx, "job-2"))
	require.NoError(t, supervisorView.Save(ctx, j))

	revoked, err := supervisorView.IsRevoked(ctx, "job-2")
	require.NoError(t, err)
	assert.True(t, revoked)

	require.NoError(t, j.Abort())
	require.NoError(t, j.ResetForRerun())
	require.NoError(t, supervisorView.Save(ctx, j))
	revoked, err = cliView.IsRevoked(ctx, "job-2")
	require.NoError(t, err)
	assert.False(t, revoked, "marker from the previous run must not apply")
}

func TestErrorStoreAppendsInOrder(t *testing.T) {
	ctx := context.Background()
	store, err := file.NewErrorStore(afero.NewMemMapFs(), file.Config{BaseDir: "/data"})
	require.NoError(t, err)

	for _, msg := range []string{"first", "second", "third"} {
		require.NoError(t, store.Append(ctx, errlog.Record{TaskID: "job-1", Message: msg}))
	}
	recs, err := store.List(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, "first", recs[0].Message)
	assert.Equal(t, "third", recs[2].Message)

	empty, err := store.List(ctx, "job-none")
	require.NoError(t, err)
	assert.Empty(t, empty)

	require.NoError(t, store.Clear(ctx, "job-1"))
	require.NoError(t, store.Clear(ctx, "job-1"))
	recs, err = store.List(ctx, "job-1")
	require.NoError(t, err)
	assert.Empty(t, recs)

	assert.Error(t, store.Append(ctx, errlog.Record{TaskID: "../escape"}))
}

func TestDocStoreCounts(t *testing.T) {
	ctx := context.Background()
	store, err := file.NewDocStore(afero.NewMemMapFs(), file.Config{BaseDir: "/data"})
	require.NoError(t, err)

	for _, u := range []string{"https://a/", "https://b/", "https://a/"} {
		require.NoError(t, store.Put(ctx, docstore.Document{JobID: "job-1", URL: u}))
	}
	count, err := store.Count(ctx, "job-1")
	require.NoError(t, err)
	distinct, err := store.DistinctURLs(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, 3, count)
	assert.Equal(t, 2, distinct)
}
