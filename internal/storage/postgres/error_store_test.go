package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-supervisor/internal/docstore"
	"github.com/JakeFAU/crawl-supervisor/internal/errlog"
)

func TestErrorStoreAppendAndList(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewErrorStore(mock)
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	rec := errlog.Record{ID: "rec-1", TaskID: "job-1", Run: 1, Timestamp: now, Message: "boom"}

	mock.ExpectExec("INSERT INTO task_errors").
		WithArgs("rec-1", "job-1", 1, now, "boom", "").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery("SELECT (.+) FROM task_errors").
		WithArgs("job-1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "task_id", "run", "logged_at", "message", "traceback"}).
			AddRow("rec-1", "job-1", 1, now, "boom", "").
			AddRow("rec-2", "job-1", 1, now, "interrupted", "trace"))

	ctx := context.Background()
	require.NoError(t, store.Append(ctx, rec))
	recs, err := store.List(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, rec, recs[0])
	require.Equal(t, "trace", recs[1].Traceback)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestErrorStoreClear(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewErrorStore(mock)
	require.NoError(t, err)

	mock.ExpectExec("DELETE FROM task_errors").
		WithArgs("job-1").
		WillReturnResult(pgxmock.NewResult("DELETE", 3))

	require.NoError(t, store.Clear(context.Background(), "job-1"))
	require.Error(t, store.Append(context.Background(), errlog.Record{TaskID: "job-1"}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDocStorePutAndCount(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewDocStore(mock)
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	doc := docstore.Document{
		JobID:       "job-1",
		URL:         "https://example.com",
		StatusCode:  200,
		ContentHash: "abc123",
		Bytes:       42,
		FetchedAt:   now,
	}

	mock.ExpectExec("INSERT INTO crawl_documents").
		WithArgs("job-1", "https://example.com", 200, "abc123", 42, now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery("SELECT count\\(\\*\\) FROM crawl_documents").
		WithArgs("job-1").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(3)))
	mock.ExpectQuery("SELECT count\\(DISTINCT url\\) FROM crawl_documents").
		WithArgs("job-1").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(2)))

	ctx := context.Background()
	require.NoError(t, store.Put(ctx, doc))
	count, err := store.Count(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, 3, count)
	distinct, err := store.DistinctURLs(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, 2, distinct)
	require.NoError(t, mock.ExpectationsWereMet())

	require.Error(t, store.Put(ctx, docstore.Document{URL: "https://example.com"}))
}
