// Package supervisor runs one crawl job run to completion.
//
// The crawl engine runs as a separate OS process so an engine crash cannot
// take the worker down with it. The supervisor polls that process, the
// job's revocation flag and the run's time limit, and always leaves the job
// in a terminal state with the process reaped.
package supervisor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync/atomic"
	"time"

	pkgerrors "github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-supervisor/internal/engine"
	"github.com/JakeFAU/crawl-supervisor/internal/errlog"
	"github.com/JakeFAU/crawl-supervisor/internal/job"
	"github.com/JakeFAU/crawl-supervisor/internal/task"
)

// ErrInterrupted is returned when the caller's context ends mid-run, after
// the run has been aborted and recorded.
var ErrInterrupted = errors.New("supervision interrupted")

// Outcome classifies how a run ended.
type Outcome string

// Outcomes. Every run ends in exactly one.
const (
	OutcomeDone            Outcome = "done"
	OutcomeFailed          Outcome = "failed"
	OutcomeRevoked         Outcome = "revoked"
	OutcomeTimeout         Outcome = "timeout"
	OutcomeInterrupted     Outcome = "interrupted"
	OutcomeSupervisorError Outcome = "supervisor_error"
)

// Status is the task status an outcome leaves behind.
func (o Outcome) Status() task.Status {
	switch o {
	case OutcomeDone:
		return task.StatusDone
	case OutcomeFailed:
		return task.StatusFailed
	default:
		return task.StatusAborted
	}
}

// Config controls how the engine process is launched and watched.
type Config struct {
	// Command is the engine's argv. The Spec arrives on stdin and reports
	// are written to fd 3.
	Command []string `mapstructure:"command"`
	// Env is appended to the supervisor's own environment.
	Env          []string      `mapstructure:"env"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	GracePeriod  time.Duration `mapstructure:"grace_period"`
	WorkDir      string        `mapstructure:"work_dir"`
	// Stdout and Stderr receive the engine's output; nil means the
	// supervisor's own stderr.
	Stdout io.Writer `mapstructure:"-"`
	Stderr io.Writer `mapstructure:"-"`
}

// Defaults for zero Config fields.
const (
	DefaultPollInterval = 500 * time.Millisecond
	DefaultGracePeriod  = 5 * time.Second
)

// StateDirs resolves a job's state directory.
type StateDirs interface {
	StateDir(j *job.CrawlJob) string
}

// Observer receives run lifecycle events; metrics.Supervisor implements it.
type Observer interface {
	RunStarted()
	RunFinished(outcome string, d time.Duration)
	EngineReport(fatal bool)
}

type nopObserver struct{}

func (nopObserver) RunStarted() {}
func (nopObserver) RunFinished(string, time.Duration) {}
func (nopObserver) EngineReport(bool) {}

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

type utcClock struct{}

func (utcClock) Now() time.Time { return time.Now().UTC() }

// Result describes a finished run.
type Result struct {
	Outcome  Outcome
	ExitCode int
	PID      int
	Duration time.Duration
}

// Supervisor is safe for concurrent use; each Supervise call owns its job.
type Supervisor struct {
	cfg      Config
	jobs     job.Store
	errs     *errlog.Logger
	dirs     StateDirs
	logger   *zap.Logger
	observer Observer
	clock    Clock
}

// Option customises a Supervisor.
type Option func(*Supervisor)

// WithObserver installs a lifecycle observer.
func WithObserver(o Observer) Option {
	return func(s *Supervisor) { s.observer = o }
}

// WithClock overrides the clock used for time limits and durations.
func WithClock(c Clock) Option {
	return func(s *Supervisor) { s.clock = c }
}

// New validates cfg and builds a Supervisor.
func New(cfg Config, jobs job.Store, errs *errlog.Logger, dirs StateDirs, logger *zap.Logger, opts ...Option) (*Supervisor, error) {
	if len(cfg.Command) == 0 || cfg.Command[0] == "" {
		return nil, errors.New("supervisor: engine command is required")
	}
	if jobs == nil || errs == nil || dirs == nil {
		return nil, errors.New("supervisor: job store, error log and state dirs are required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Supervisor{
		cfg:      cfg,
		jobs:     jobs,
		errs:     errs,
		dirs:     dirs,
		logger:   logger.Named("supervisor"),
		observer: nopObserver{},
		clock:    utcClock{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// run is the bookkeeping of one Supervise call.
type run struct {
	job       *job.CrawlJob
	runNo     int
	outcome   Outcome
	recorded  bool
	proc      *child
	startedAt time.Time
}

// Supervise starts j, runs the engine for it and returns once j is in a
// terminal state and the engine process has been reaped. timeLimit <= 0
// means no limit.
//
// Engine failures are not errors: they are classified in Result and
// recorded in the error log. The returned error is non-nil only when the
// run could not be started, the caller's context ended (ErrInterrupted) or
// the supervisor itself failed.
func (s *Supervisor) Supervise(ctx context.Context, j *job.CrawlJob, timeLimit time.Duration) (res Result, err error) {
	if err := j.Start(); err != nil {
		return Result{}, fmt.Errorf("supervise %s: %w", j.ID, err)
	}
	r := &run{job: j, runNo: j.Run(), startedAt: s.clock.Now()}
	if started := j.StartedAt(); started != nil {
		r.startedAt = *started
	}
	// Bookkeeping must outlive a cancelled ctx.
	bg := context.WithoutCancel(ctx)
	logger := s.logger.With(zap.String("job_id", j.ID), zap.Int("run", r.runNo))
	s.observer.RunStarted()

	defer func() {
		if p := recover(); p != nil {
			r.outcome = OutcomeSupervisorError
			perr := pkgerrors.Errorf("supervisor panic: %v", p)
			s.recordException(bg, r, perr, logger)
			err = fmt.Errorf("supervise %s: %w", j.ID, perr)
		}
		if r.proc != nil {
			r.proc.reap(s.cfg.GracePeriod, logger)
		}
		if j.Status() == task.StatusRunning {
			if r.outcome == "" {
				r.outcome = OutcomeSupervisorError
			}
			if !r.recorded {
				s.recordError(bg, r, "supervisor stopped without classifying the run", logger)
			}
			s.transition(r, logger)
		}
		if serr := s.jobs.Save(bg, j); serr != nil {
			logger.Error("persist final job state failed", zap.Error(serr))
			err = errors.Join(err, fmt.Errorf("supervise %s: save: %w", j.ID, serr))
		}
		res = Result{Outcome: r.outcome, ExitCode: -1, Duration: s.clock.Now().Sub(r.startedAt)}
		if r.proc != nil {
			res.PID = r.proc.pid()
			res.ExitCode = r.proc.exitCode()
		}
		s.observer.RunFinished(string(r.outcome), res.Duration)
		logger.Info("run finished",
			zap.String("outcome", string(res.Outcome)),
			zap.String("status", string(j.Status())),
			zap.Int("exit_code", res.ExitCode),
			zap.Duration("duration", res.Duration),
		)
	}()

	if err := s.jobs.Save(ctx, j); err != nil {
		r.outcome = OutcomeSupervisorError
		s.recordException(bg, r, pkgerrors.Wrap(err, "persist running state"), logger)
		s.transition(r, logger)
		return Result{}, fmt.Errorf("supervise %s: %w", j.ID, err)
	}

	proc, err := s.spawn(bg, r, logger)
	if err != nil {
		r.outcome = OutcomeFailed
		s.recordException(bg, r, err, logger)
		s.transition(r, logger)
		return Result{}, nil
	}
	r.proc = proc
	logger.Info("engine started", zap.Int("pid", proc.pid()))

	s.watch(ctx, r, timeLimit, logger)

	if r.outcome == OutcomeInterrupted {
		return Result{}, fmt.Errorf("supervise %s: %w: %w", j.ID, ErrInterrupted, context.Cause(ctx))
	}
	return Result{}, nil
}

// watch polls until the engine exits or the run must be stopped, then
// classifies the run and applies the terminal transition.
func (s *Supervisor) watch(ctx context.Context, r *run, timeLimit time.Duration, logger *zap.Logger) {
	bg := context.WithoutCancel(ctx)
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.proc.exited:
			s.classifyExit(bg, r, logger)
			return
		case <-ctx.Done():
			r.outcome = OutcomeInterrupted
			r.proc.terminate(s.cfg.GracePeriod, logger)
			r.proc.drainReports(s.cfg.GracePeriod, logger)
			s.recordError(bg, r, fmt.Sprintf("interrupted: %v", context.Cause(ctx)), logger)
			s.transition(r, logger)
			return
		case <-ticker.C:
			revoked, err := s.jobs.IsRevoked(ctx, r.job.ID)
			if err != nil {
				logger.Warn("revocation check failed", zap.Error(err))
			}
			if revoked {
				r.outcome = OutcomeRevoked
				logger.Info("run revoked, terminating engine")
				r.proc.terminate(s.cfg.GracePeriod, logger)
				r.proc.drainReports(s.cfg.GracePeriod, logger)
				s.recordError(bg, r, "revoked: run stopped on request", logger)
				s.transition(r, logger)
				return
			}
			if timeLimit > 0 && s.clock.Now().Sub(r.startedAt) >= timeLimit {
				r.outcome = OutcomeTimeout
				logger.Info("time limit reached, terminating engine", zap.Duration("time_limit", timeLimit))
				r.proc.terminate(s.cfg.GracePeriod, logger)
				r.proc.drainReports(s.cfg.GracePeriod, logger)
				s.recordError(bg, r, fmt.Sprintf("timeout: time limit of %s exceeded", timeLimit), logger)
				s.transition(r, logger)
				return
			}
		}
	}
}

func (s *Supervisor) classifyExit(ctx context.Context, r *run, logger *zap.Logger) {
	r.proc.drainReports(s.cfg.GracePeriod, logger)
	if r.proc.exitCode() == 0 {
		// A revocation that landed between the last tick and the exit still
		// counts.
		if revoked, err := s.jobs.IsRevoked(ctx, r.job.ID); err == nil && revoked {
			r.outcome = OutcomeRevoked
			s.recordError(ctx, r, "revoked: run stopped on request", logger)
		} else {
			r.outcome = OutcomeDone
		}
		s.transition(r, logger)
		return
	}
	r.outcome = OutcomeFailed
	if !r.proc.fatalReported() {
		s.recordError(ctx, r, fmt.Sprintf("engine exited with non-zero status: %v", r.proc.waitErr), logger)
	}
	s.transition(r, logger)
}

// transition applies the terminal transition for r.outcome. The finish
// hook of the job runs inside Finish.
func (s *Supervisor) transition(r *run, logger *zap.Logger) {
	var err error
	switch r.outcome.Status() {
	case task.StatusDone:
		err = r.job.Finish()
	case task.StatusFailed:
		err = r.job.Fail()
	default:
		err = r.job.Abort()
	}
	if err != nil {
		logger.Error("terminal transition failed", zap.String("outcome", string(r.outcome)), zap.Error(err))
	}
}

func (s *Supervisor) recordError(ctx context.Context, r *run, msg string, logger *zap.Logger) {
	r.recorded = true
	if _, err := s.errs.LogError(ctx, r.job.ID, r.runNo, msg); err != nil {
		logger.Error("record error failed", zap.String("message", msg), zap.Error(err))
	}
}

func (s *Supervisor) recordException(ctx context.Context, r *run, cause error, logger *zap.Logger) {
	r.recorded = true
	if _, err := s.errs.LogException(ctx, r.job.ID, r.runNo, cause); err != nil {
		logger.Error("record exception failed", zap.Error(cause), zap.NamedError("log_error", err))
	}
}

// spawn starts the engine with the job's Spec on stdin and a report pipe on
// fd 3. Reports are appended to the error log as they arrive.
func (s *Supervisor) spawn(ctx context.Context, r *run, logger *zap.Logger) (*child, error) {
	var spec bytes.Buffer
	if err := engine.SpecFor(r.job, s.dirs.StateDir(r.job)).Encode(&spec); err != nil {
		return nil, pkgerrors.WithStack(err)
	}
	reportR, reportW, err := os.Pipe()
	if err != nil {
		return nil, pkgerrors.Wrap(err, "create report pipe")
	}

	cmd := exec.Command(s.cfg.Command[0], s.cfg.Command[1:]...) //nolint:gosec // operator-configured engine command
	cmd.Dir = s.cfg.WorkDir
	cmd.Env = append(os.Environ(), s.cfg.Env...)
	cmd.Stdin = &spec
	cmd.Stdout = orStderr(s.cfg.Stdout)
	cmd.Stderr = orStderr(s.cfg.Stderr)
	cmd.ExtraFiles = []*os.File{reportW}
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		_ = reportR.Close()
		_ = reportW.Close()
		return nil, pkgerrors.Wrapf(err, "spawn engine %q", s.cfg.Command[0])
	}
	// The child holds its own copy; ours would keep the pipe open forever.
	_ = reportW.Close()

	c := &child{
		cmd:         cmd,
		exited:      make(chan struct{}),
		reportsDone: make(chan struct{}),
		reportR:     reportR,
	}
	go func() {
		c.waitErr = cmd.Wait()
		close(c.exited)
	}()
	go func() {
		defer close(c.reportsDone)
		err := engine.ReadReports(reportR, func(rep engine.Report) error {
			if rep.Fatal {
				c.fatal.Store(true)
			}
			s.observer.EngineReport(rep.Fatal)
			if _, err := s.errs.LogReport(ctx, r.job.ID, r.runNo, rep.Message, rep.Traceback); err != nil {
				logger.Error("record engine report failed", zap.Error(err))
			}
			return nil
		})
		if err != nil && !errors.Is(err, os.ErrClosed) {
			logger.Debug("report pipe closed", zap.Error(err))
		}
	}()
	return c, nil
}

func orStderr(w io.Writer) io.Writer {
	if w == nil {
		return os.Stderr
	}
	return w
}

// child is a running engine process.
type child struct {
	cmd         *exec.Cmd
	exited      chan struct{}
	waitErr     error
	reportsDone chan struct{}
	reportR     *os.File
	fatal       atomic.Bool
}

func (c *child) pid() int {
	return c.cmd.Process.Pid
}

// exitCode is -1 while the process runs or when it died from a signal.
func (c *child) exitCode() int {
	select {
	case <-c.exited:
		return c.cmd.ProcessState.ExitCode()
	default:
		return -1
	}
}

func (c *child) fatalReported() bool {
	return c.fatal.Load()
}

// terminate asks the process group to stop, escalating to SIGKILL after
// grace, and returns once the process has been reaped.
func (c *child) terminate(grace time.Duration, logger *zap.Logger) {
	select {
	case <-c.exited:
		return
	default:
	}
	if err := terminateProcess(c.cmd.Process); err != nil {
		logger.Debug("terminate engine", zap.Error(err))
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-c.exited:
		return
	case <-timer.C:
	}
	logger.Warn("engine ignored termination, killing", zap.Int("pid", c.pid()), zap.Duration("grace", grace))
	if err := killProcess(c.cmd.Process); err != nil {
		logger.Debug("kill engine", zap.Error(err))
	}
	<-c.exited
}

// drainReports waits for the report pipe to reach EOF. A descendant that
// inherited the pipe can hold it open, so the wait is bounded.
func (c *child) drainReports(grace time.Duration, logger *zap.Logger) {
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-c.reportsDone:
	case <-timer.C:
		logger.Warn("report pipe still open after engine exit")
		_ = c.reportR.Close()
		<-c.reportsDone
	}
}

// reap terminates the process if needed and releases the report pipe.
func (c *child) reap(grace time.Duration, logger *zap.Logger) {
	c.terminate(grace, logger)
	c.drainReports(grace, logger)
	_ = c.reportR.Close()
}
