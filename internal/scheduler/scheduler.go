// Package scheduler is the control plane for crawl jobs: it enqueues runs
// on the broker and drives stop, resume, restart and bounce.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-supervisor/internal/id/uuid"
	"github.com/JakeFAU/crawl-supervisor/internal/job"
	"github.com/JakeFAU/crawl-supervisor/internal/persistence"
	"github.com/JakeFAU/crawl-supervisor/internal/queue"
	"github.com/JakeFAU/crawl-supervisor/internal/supervisor"
	"github.com/JakeFAU/crawl-supervisor/internal/task"
)

// Runner supervises one run; *supervisor.Supervisor implements it.
type Runner interface {
	Supervise(ctx context.Context, j *job.CrawlJob, timeLimit time.Duration) (supervisor.Result, error)
}

// Scheduler publishes run requests and persists the resulting task state.
type Scheduler struct {
	broker queue.Broker
	jobs   job.Store
	state  *persistence.Manager
	ids    *uuid.Generator
	logger *zap.Logger
	// PollInterval paces Bounce while it waits for a run to stop.
	PollInterval time.Duration
}

// New builds a Scheduler.
func New(broker queue.Broker, jobs job.Store, state *persistence.Manager, logger *zap.Logger) (*Scheduler, error) {
	if broker == nil || jobs == nil || state == nil {
		return nil, errors.New("scheduler: broker, job store and persistence manager are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		broker:       broker,
		jobs:         jobs,
		state:        state,
		ids:          uuid.NewUUIDGenerator(),
		logger:       logger.Named("scheduler"),
		PollInterval: 500 * time.Millisecond,
	}, nil
}

// Enqueue moves j to enqueued under a fresh handle, persists it and then
// publishes the run request with that handle. A worker may consume the
// message as soon as it is published, so the job must already name it.
// When publishing fails the job is put back to not_queued.
func (s *Scheduler) Enqueue(ctx context.Context, j *job.CrawlJob, timeLimit time.Duration) error {
	if err := checkQueueable(j); err != nil {
		return err
	}
	prev := j.Snapshot()
	handle, err := s.ids.NewID()
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", j.ID, err)
	}
	if err := j.Enqueue(handle); err != nil {
		return fmt.Errorf("enqueue %s: %w", j.ID, err)
	}
	if err := s.jobs.Save(ctx, j); err != nil {
		s.rollback(j, prev)
		return fmt.Errorf("enqueue %s: %w", j.ID, err)
	}
	if _, err := s.broker.Publish(ctx, queue.Message{ID: handle, JobID: j.ID, TimeLimit: timeLimit}); err != nil {
		s.rollback(j, prev)
		if serr := s.jobs.Save(context.WithoutCancel(ctx), j); serr != nil {
			s.logger.Error("restore job after failed publish",
				zap.String("job_id", j.ID), zap.Error(serr))
		}
		return fmt.Errorf("enqueue %s: %w", j.ID, err)
	}
	s.logger.Info("run enqueued",
		zap.String("job_id", j.ID),
		zap.Int("run", j.Run()),
		zap.String("message_id", handle),
		zap.Duration("time_limit", timeLimit),
	)
	return nil
}

// rollback restores j's in-memory task state to snap.
func (s *Scheduler) rollback(j *job.CrawlJob, snap task.Snapshot) {
	if _, err := job.Rehydrate(j, snap); err != nil {
		s.logger.Error("restore job state", zap.String("job_id", j.ID), zap.Error(err))
	}
}

// RunNow enqueues j under a local handle instead of publishing it and
// supervises the run in the calling goroutine.
func (s *Scheduler) RunNow(ctx context.Context, j *job.CrawlJob, timeLimit time.Duration, runner Runner) (supervisor.Result, error) {
	if err := checkQueueable(j); err != nil {
		return supervisor.Result{}, err
	}
	handle, err := s.ids.NewHandle("local")
	if err != nil {
		return supervisor.Result{}, fmt.Errorf("enqueue %s: %w", j.ID, err)
	}
	if err := j.Enqueue(handle); err != nil {
		return supervisor.Result{}, fmt.Errorf("enqueue %s: %w", j.ID, err)
	}
	if err := s.jobs.Save(ctx, j); err != nil {
		return supervisor.Result{}, fmt.Errorf("enqueue %s: %w", j.ID, err)
	}
	s.logger.Info("running in foreground", zap.String("job_id", j.ID), zap.Int("run", j.Run()))
	return runner.Supervise(ctx, j, timeLimit)
}

func checkQueueable(j *job.CrawlJob) error {
	if j.Status() != task.StatusNotQueued {
		return fmt.Errorf("enqueue %s: %w", j.ID,
			&task.TransitionError{Op: "enqueue", From: j.Status(), Want: fmt.Sprintf("%q", task.StatusNotQueued)})
	}
	return nil
}

// Stop revokes the job's current run. A running supervisor notices within
// one poll interval.
func (s *Scheduler) Stop(ctx context.Context, id string) error {
	if err := s.jobs.Revoke(ctx, id); err != nil {
		return err
	}
	s.logger.Info("run revoked", zap.String("job_id", id))
	return nil
}

// Resume continues a finished job from its frontier and enqueues it.
func (s *Scheduler) Resume(ctx context.Context, j *job.CrawlJob, timeLimit time.Duration) error {
	if err := s.state.Resume(ctx, j); err != nil {
		return err
	}
	return s.Enqueue(ctx, j, timeLimit)
}

// Restart wipes the job's crawl state and enqueues a cold run.
func (s *Scheduler) Restart(ctx context.Context, j *job.CrawlJob, opts persistence.RestartOptions, timeLimit time.Duration) error {
	if err := s.state.Restart(ctx, j, opts); err != nil {
		return err
	}
	return s.Enqueue(ctx, j, timeLimit)
}

// Bounce stops the current run, waits for it to reach a terminal state and
// resumes it. A job that was never queued is simply enqueued.
func (s *Scheduler) Bounce(ctx context.Context, id string, timeLimit time.Duration) (*job.CrawlJob, error) {
	j, err := s.jobs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if j.Status() == task.StatusNotQueued {
		return j, s.Enqueue(ctx, j, timeLimit)
	}
	if !j.Status().IsTerminal() {
		if err := s.Stop(ctx, id); err != nil {
			return nil, err
		}
		if j, err = s.awaitTerminal(ctx, id); err != nil {
			return nil, err
		}
	}
	return j, s.Resume(ctx, j, timeLimit)
}

func (s *Scheduler) awaitTerminal(ctx context.Context, id string) (*job.CrawlJob, error) {
	ticker := time.NewTicker(s.PollInterval)
	defer ticker.Stop()
	for {
		j, err := s.jobs.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if j.Status().IsTerminal() {
			return j, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("bounce %s: waiting for %s run to stop: %w", id, j.Status(), ctx.Err())
		case <-ticker.C:
		}
	}
}
