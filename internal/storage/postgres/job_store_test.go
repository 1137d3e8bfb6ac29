package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-supervisor/internal/job"
	"github.com/JakeFAU/crawl-supervisor/internal/task"
)

var jobRowColumns = []string{
	"id", "name", "start_urls", "allowed_domains", "blocked_domains", "config", "created_at",
	"status", "message_id", "started_at", "finished_at", "run", "revoked", "completed_runs",
}

func newTestJob(t *testing.T) *job.CrawlJob {
	t.Helper()
	j, err := job.New("job-1", job.Params{
		Name:           "prices",
		StartURLs:      []string{"https://example.com"},
		AllowedDomains: []string{"example.com"},
		Config:         map[string]string{"max_depth": "2"},
	}, time.Unix(1700000000, 0).UTC())
	require.NoError(t, err)
	return j
}

func TestJobStoreCreateInsertsRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewJobStore(mock)
	require.NoError(t, err)
	j := newTestJob(t)

	mock.ExpectExec("INSERT INTO crawl_jobs").
		WithArgs(
			"job-1",
			"prices",
			[]byte(`["https://example.com"]`),
			[]byte(`["example.com"]`),
			[]byte(`[]`),
			[]byte(`{"max_depth":"2"}`),
			j.CreatedAt,
			"not_queued",
			"",
			pgxmock.AnyArg(),
			pgxmock.AnyArg(),
			0,
			0,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.Create(context.Background(), j))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobStoreCreateDuplicate(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewJobStore(mock)
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO crawl_jobs").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	err = store.Create(context.Background(), newTestJob(t))
	require.ErrorIs(t, err, job.ErrExists)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobStoreGetScansRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewJobStore(mock)
	require.NoError(t, err)

	created := time.Unix(1700000000, 0).UTC()
	started := created.Add(time.Minute)
	rows := pgxmock.NewRows(jobRowColumns).AddRow(
		"job-1", "prices",
		[]byte(`["https://example.com"]`), []byte(`[]`), []byte(`["ads.example.com"]`), []byte(`{}`),
		created, "running", "msg-1", &started, nil, 2, true, 1,
	)
	mock.ExpectQuery("SELECT (.+) FROM crawl_jobs WHERE id").
		WithArgs("job-1").
		WillReturnRows(rows)

	got, err := store.Get(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, task.StatusRunning, got.Status())
	require.Equal(t, "msg-1", got.MessageID())
	require.Equal(t, 2, got.Run())
	require.True(t, got.Revoked)
	require.Equal(t, 1, got.CompletedRuns)
	require.Equal(t, []string{"ads.example.com"}, got.BlockedDomains)
	require.NotNil(t, got.StartedAt())
	require.True(t, started.Equal(*got.StartedAt()))
	require.Nil(t, got.FinishedAt())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobStoreGetMissing(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewJobStore(mock)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT (.+) FROM crawl_jobs WHERE id").
		WithArgs("nope").
		WillReturnError(pgx.ErrNoRows)

	_, err = store.Get(context.Background(), "nope")
	require.ErrorIs(t, err, job.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobStoreSaveKeepsStoredRevocation(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewJobStore(mock)
	require.NoError(t, err)

	j := newTestJob(t)
	require.NoError(t, j.Enqueue("msg-1"))
	require.NoError(t, j.Start())
	require.False(t, j.Revoked)

	mock.ExpectQuery("UPDATE crawl_jobs").
		WithArgs("job-1", "running", "msg-1", pgxmock.AnyArg(), pgxmock.AnyArg(), 0, false, 0).
		WillReturnRows(pgxmock.NewRows([]string{"revoked"}).AddRow(true))

	require.NoError(t, store.Save(context.Background(), j))
	require.True(t, j.Revoked, "a revocation written by another process must survive the save")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobStoreSaveMissing(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewJobStore(mock)
	require.NoError(t, err)

	mock.ExpectQuery("UPDATE crawl_jobs").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(pgx.ErrNoRows)

	err = store.Save(context.Background(), newTestJob(t))
	require.ErrorIs(t, err, job.ErrNotFound)
}

func TestJobStoreRevoke(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewJobStore(mock)
	require.NoError(t, err)

	mock.ExpectExec("UPDATE crawl_jobs SET revoked = TRUE").
		WithArgs("job-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE crawl_jobs SET revoked = TRUE").
		WithArgs("nope").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("SELECT revoked FROM crawl_jobs").
		WithArgs("job-1").
		WillReturnRows(pgxmock.NewRows([]string{"revoked"}).AddRow(true))

	ctx := context.Background()
	require.NoError(t, store.Revoke(ctx, "job-1"))
	require.ErrorIs(t, store.Revoke(ctx, "nope"), job.ErrNotFound)

	revoked, err := store.IsRevoked(ctx, "job-1")
	require.NoError(t, err)
	require.True(t, revoked)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobStoreIsRevokedPropagatesErrors(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewJobStore(mock)
	require.NoError(t, err)

	boom := errors.New("connection reset")
	mock.ExpectQuery("SELECT revoked FROM crawl_jobs").
		WithArgs("job-1").
		WillReturnError(boom)

	_, err = store.IsRevoked(context.Background(), "job-1")
	require.ErrorIs(t, err, boom)
}

func TestJobStoreList(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewJobStore(mock)
	require.NoError(t, err)

	created := time.Unix(1700000000, 0).UTC()
	rows := pgxmock.NewRows(jobRowColumns).
		AddRow("a", "", []byte(`["https://a.example"]`), []byte(`[]`), []byte(`[]`), []byte(`{}`),
			created, "not_queued", "", nil, nil, 0, false, 0).
		AddRow("b", "", []byte(`["https://b.example"]`), []byte(`[]`), []byte(`[]`), []byte(`{}`),
			created.Add(time.Second), "done", "m", nil, nil, 1, false, 1)
	mock.ExpectQuery("SELECT (.+) FROM crawl_jobs ORDER BY").WillReturnRows(rows)

	jobs, err := store.List(context.Background())
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	require.Equal(t, "a", jobs[0].ID)
	require.Equal(t, task.StatusDone, jobs[1].Status())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewStoresRequirePool(t *testing.T) {
	t.Parallel()

	_, err := NewJobStore(nil)
	require.Error(t, err)
	_, err = NewErrorStore(nil)
	require.Error(t, err)
	_, err = NewDocStore(nil)
	require.Error(t, err)
}

func TestMigrateAppliesSchema(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS crawl_jobs").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, Migrate(context.Background(), mock))
	require.NoError(t, mock.ExpectationsWereMet())
}
