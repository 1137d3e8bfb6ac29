package supervisor_test

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-supervisor/internal/engine"
	"github.com/JakeFAU/crawl-supervisor/internal/errlog"
	"github.com/JakeFAU/crawl-supervisor/internal/job"
	"github.com/JakeFAU/crawl-supervisor/internal/persistence"
	"github.com/JakeFAU/crawl-supervisor/internal/storage/memory"
	"github.com/JakeFAU/crawl-supervisor/internal/supervisor"
	"github.com/JakeFAU/crawl-supervisor/internal/task"
)

// TestHelperProcess is not a real test. It stands in for the engine when the
// supervisor re-executes the test binary.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	mode := os.Getenv("HELPER_MODE")
	if mode == "hang" {
		signal.Ignore(syscall.SIGTERM)
	}
	spec, err := engine.DecodeSpec(os.Stdin)
	if err != nil {
		os.Exit(3)
	}
	reports := engine.NewReporter(os.NewFile(engine.ReportFD, "reports"), nil)
	switch mode {
	case "ok":
		os.Exit(0)
	case "fail":
		os.Exit(2)
	case "fatal":
		reports.Exception(errors.New("engine exploded"), true)
		os.Exit(1)
	case "report":
		reports.Error("fetch " + spec.StartURLs[0] + ": timeout")
		os.Exit(0)
	case "sleep", "hang":
		time.Sleep(time.Minute)
	case "flush":
		term := make(chan os.Signal, 1)
		signal.Notify(term, syscall.SIGTERM)
		reports.Error("engine ready")
		select {
		case <-term:
			reports.Error("flushed partial results")
		case <-time.After(time.Minute):
		}
	}
	os.Exit(0)
}

type recordingObserver struct {
	started  atomic.Int32
	finished atomic.Value
	reports  atomic.Int32
}

func (o *recordingObserver) RunStarted() { o.started.Add(1) }

func (o *recordingObserver) RunFinished(outcome string, _ time.Duration) { o.finished.Store(outcome) }

func (o *recordingObserver) EngineReport(bool) { o.reports.Add(1) }

const pollInterval = 20 * time.Millisecond

type fixture struct {
	jobs     job.Store
	errs     *errlog.Logger
	sup      *supervisor.Supervisor
	observer *recordingObserver
	job      *job.CrawlJob
}

func newFixture(t *testing.T, mode string, jobs job.Store) *fixture {
	t.Helper()
	if jobs == nil {
		jobs = memory.NewJobStore()
	}
	errs := errlog.NewLogger(memory.NewErrorStore(), nil, nil)
	mgr, err := persistence.New(afero.NewOsFs(), t.TempDir(), jobs, errs.Store(), nil)
	require.NoError(t, err)

	f := &fixture{jobs: jobs, errs: errs, observer: &recordingObserver{}}
	f.sup, err = supervisor.New(supervisor.Config{
		Command:      []string{os.Args[0], "-test.run=^TestHelperProcess$"},
		Env:          []string{"GO_WANT_HELPER_PROCESS=1", "HELPER_MODE=" + mode},
		PollInterval: pollInterval,
		GracePeriod:  200 * time.Millisecond,
	}, jobs, errs, mgr, nil, supervisor.WithObserver(f.observer))
	require.NoError(t, err)

	f.job, err = job.New("job-"+mode, job.Params{StartURLs: []string{"https://example.com"}}, time.Now().UTC())
	require.NoError(t, err)
	require.NoError(t, jobs.Create(context.Background(), f.job))
	require.NoError(t, f.job.Enqueue("msg-1"))
	require.NoError(t, jobs.Save(context.Background(), f.job))
	return f
}

func (f *fixture) records(t *testing.T) []errlog.Record {
	t.Helper()
	recs, err := f.errs.List(context.Background(), f.job.ID)
	require.NoError(t, err)
	return recs
}

func (f *fixture) stored(t *testing.T) *job.CrawlJob {
	t.Helper()
	j, err := f.jobs.Get(context.Background(), f.job.ID)
	require.NoError(t, err)
	return j
}

func assertReaped(t *testing.T, pid int) {
	t.Helper()
	require.NotZero(t, pid)
	assert.ErrorIs(t, syscall.Kill(pid, 0), syscall.ESRCH)
}

func TestSuperviseCleanExitFinishes(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "ok", nil)

	res, err := f.sup.Supervise(context.Background(), f.job, 0)
	require.NoError(t, err)
	assert.Equal(t, supervisor.OutcomeDone, res.Outcome)
	assert.Equal(t, 0, res.ExitCode)
	assertReaped(t, res.PID)

	stored := f.stored(t)
	assert.Equal(t, task.StatusDone, stored.Status())
	assert.Equal(t, 1, stored.CompletedRuns)
	assert.NotNil(t, stored.FinishedAt())
	assert.Empty(t, f.records(t))
	assert.EqualValues(t, 1, f.observer.started.Load())
	assert.Equal(t, "done", f.observer.finished.Load())
}

func TestSuperviseNonZeroExitFailsWithRecord(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "fail", nil)

	res, err := f.sup.Supervise(context.Background(), f.job, 0)
	require.NoError(t, err)
	assert.Equal(t, supervisor.OutcomeFailed, res.Outcome)
	assert.Equal(t, 2, res.ExitCode)

	assert.Equal(t, task.StatusFailed, f.stored(t).Status())
	assert.Equal(t, 0, f.stored(t).CompletedRuns)
	recs := f.records(t)
	require.Len(t, recs, 1)
	assert.Contains(t, recs[0].Message, "non-zero")
}

func TestSuperviseFatalReportIsTheOnlyRecord(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "fatal", nil)

	res, err := f.sup.Supervise(context.Background(), f.job, 0)
	require.NoError(t, err)
	assert.Equal(t, supervisor.OutcomeFailed, res.Outcome)

	recs := f.records(t)
	require.Len(t, recs, 1)
	assert.Equal(t, "engine exploded", recs[0].Message)
	assert.Contains(t, recs[0].Traceback, "engine exploded")
	assert.Equal(t, f.job.Run(), recs[0].Run)
	assert.EqualValues(t, 1, f.observer.reports.Load())
}

func TestSuperviseKeepsSoftReportsOnSuccess(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "report", nil)

	res, err := f.sup.Supervise(context.Background(), f.job, 0)
	require.NoError(t, err)
	assert.Equal(t, supervisor.OutcomeDone, res.Outcome)

	recs := f.records(t)
	require.Len(t, recs, 1)
	assert.Equal(t, "fetch https://example.com: timeout", recs[0].Message)
}

func TestSuperviseRevocationAbortsPromptly(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "sleep", nil)

	revokedAt := make(chan time.Time, 1)
	time.AfterFunc(100*time.Millisecond, func() {
		revokedAt <- time.Now()
		_ = f.jobs.Revoke(context.Background(), f.job.ID)
	})

	res, err := f.sup.Supervise(context.Background(), f.job, 0)
	require.NoError(t, err)
	assert.Equal(t, supervisor.OutcomeRevoked, res.Outcome)
	// One tick to notice, plus teardown of an engine that exits on SIGTERM.
	assert.Less(t, time.Since(<-revokedAt), pollInterval+250*time.Millisecond)
	assertReaped(t, res.PID)

	stored := f.stored(t)
	assert.Equal(t, task.StatusAborted, stored.Status())
	assert.True(t, stored.Revoked)
	recs := f.records(t)
	require.NotEmpty(t, recs)
	assert.Contains(t, recs[len(recs)-1].Message, "revoked")
}

func TestSuperviseTimeLimitAborts(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "sleep", nil)

	res, err := f.sup.Supervise(context.Background(), f.job, 150*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, supervisor.OutcomeTimeout, res.Outcome)
	assert.Equal(t, -1, res.ExitCode, "the engine was killed by a signal")
	assertReaped(t, res.PID)

	assert.Equal(t, task.StatusAborted, f.stored(t).Status())
	recs := f.records(t)
	require.Len(t, recs, 1)
	assert.True(t, strings.HasPrefix(recs[0].Message, "timeout"))
}

func TestSuperviseRecordsShutdownReportsBeforeRevocation(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "flush", nil)

	go func() {
		for f.observer.reports.Load() == 0 {
			time.Sleep(5 * time.Millisecond)
		}
		_ = f.jobs.Revoke(context.Background(), f.job.ID)
	}()

	res, err := f.sup.Supervise(context.Background(), f.job, 0)
	require.NoError(t, err)
	assert.Equal(t, supervisor.OutcomeRevoked, res.Outcome)

	recs := f.records(t)
	require.Len(t, recs, 3)
	assert.Equal(t, "engine ready", recs[0].Message)
	assert.Equal(t, "flushed partial results", recs[1].Message)
	assert.True(t, strings.HasPrefix(recs[2].Message, "revoked"))
}

func TestSuperviseRecordsShutdownReportsBeforeTimeout(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "flush", nil)

	res, err := f.sup.Supervise(context.Background(), f.job, time.Second)
	require.NoError(t, err)
	assert.Equal(t, supervisor.OutcomeTimeout, res.Outcome)

	recs := f.records(t)
	require.Len(t, recs, 3)
	assert.Equal(t, "flushed partial results", recs[1].Message)
	assert.True(t, strings.HasPrefix(recs[2].Message, "timeout"))
}

func TestSuperviseEscalatesToKill(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "hang", nil)
	revoked := make(chan time.Time, 1)
	time.AfterFunc(300*time.Millisecond, func() {
		_ = f.jobs.Revoke(context.Background(), f.job.ID)
		revoked <- time.Now()
	})

	res, err := f.sup.Supervise(context.Background(), f.job, 0)
	require.NoError(t, err)
	assert.Equal(t, supervisor.OutcomeRevoked, res.Outcome)
	assert.GreaterOrEqual(t, time.Since(<-revoked), 200*time.Millisecond, "SIGTERM is ignored until the grace period ends")
	assertReaped(t, res.PID)
	assert.Equal(t, task.StatusAborted, f.stored(t).Status())
}

func TestSuperviseInterruptedContext(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "sleep", nil)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	res, err := f.sup.Supervise(ctx, f.job, 0)
	require.ErrorIs(t, err, supervisor.ErrInterrupted)
	require.ErrorIs(t, err, context.Canceled)
	assertReaped(t, res.PID)

	assert.Equal(t, task.StatusAborted, f.stored(t).Status())
	recs := f.records(t)
	require.Len(t, recs, 1)
	assert.Equal(t, "interrupted: context canceled", recs[0].Message)
	assert.Equal(t, "interrupted", f.observer.finished.Load())
}

type panickingStore struct {
	*memory.JobStore
}

func (panickingStore) IsRevoked(context.Context, string) (bool, error) {
	panic("revocation lookup exploded")
}

func TestSupervisePanicStillReapsAndAborts(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "hang", panickingStore{memory.NewJobStore()})

	res, err := f.sup.Supervise(context.Background(), f.job, 0)
	require.Error(t, err)
	assert.NotErrorIs(t, err, supervisor.ErrInterrupted)
	assert.Equal(t, supervisor.OutcomeSupervisorError, res.Outcome)
	assertReaped(t, res.PID)

	assert.Equal(t, task.StatusAborted, f.stored(t).Status())
	recs := f.records(t)
	require.Len(t, recs, 1)
	assert.Contains(t, recs[0].Message, "revocation lookup exploded")
	assert.Contains(t, recs[0].Traceback, "panickingStore")
}

func TestSuperviseRefusesJobNotEnqueued(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "ok", nil)
	require.NoError(t, f.job.Start())
	require.NoError(t, f.job.Finish())

	_, err := f.sup.Supervise(context.Background(), f.job, 0)
	require.ErrorIs(t, err, task.ErrIllegalTransition)
	assert.Equal(t, task.StatusDone, f.job.Status())
	assert.Empty(t, f.records(t))
}

func TestSuperviseSpawnFailureFails(t *testing.T) {
	t.Parallel()
	jobs := memory.NewJobStore()
	errs := errlog.NewLogger(memory.NewErrorStore(), nil, nil)
	mgr, err := persistence.New(afero.NewMemMapFs(), "/state", jobs, errs.Store(), nil)
	require.NoError(t, err)
	sup, err := supervisor.New(supervisor.Config{Command: []string{"/nonexistent/engine"}}, jobs, errs, mgr, nil)
	require.NoError(t, err)

	j, err := job.New("j", job.Params{StartURLs: []string{"https://example.com"}}, time.Now().UTC())
	require.NoError(t, err)
	require.NoError(t, jobs.Create(context.Background(), j))
	require.NoError(t, j.Enqueue("m"))

	res, err := sup.Supervise(context.Background(), j, 0)
	require.NoError(t, err)
	assert.Equal(t, supervisor.OutcomeFailed, res.Outcome)
	assert.Zero(t, res.PID)
	assert.Equal(t, task.StatusFailed, j.Status())
	recs, err := errs.List(context.Background(), "j")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Contains(t, recs[0].Message, "spawn engine")
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()
	errs := errlog.NewLogger(memory.NewErrorStore(), nil, nil)
	mgr, err := persistence.New(afero.NewMemMapFs(), "/state", memory.NewJobStore(), errs.Store(), nil)
	require.NoError(t, err)

	_, err = supervisor.New(supervisor.Config{}, memory.NewJobStore(), errs, mgr, nil)
	require.Error(t, err)
	_, err = supervisor.New(supervisor.Config{Command: []string{"engine"}}, nil, errs, mgr, nil)
	require.Error(t, err)
}

func TestOutcomeStatus(t *testing.T) {
	t.Parallel()
	assert.Equal(t, task.StatusDone, supervisor.OutcomeDone.Status())
	assert.Equal(t, task.StatusFailed, supervisor.OutcomeFailed.Status())
	for _, o := range []supervisor.Outcome{
		supervisor.OutcomeRevoked, supervisor.OutcomeTimeout,
		supervisor.OutcomeInterrupted, supervisor.OutcomeSupervisorError,
	} {
		assert.Equal(t, task.StatusAborted, o.Status(), o)
	}
}
