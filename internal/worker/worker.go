// Package worker consumes run requests from a broker and supervises them.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-supervisor/internal/job"
	"github.com/JakeFAU/crawl-supervisor/internal/queue"
	"github.com/JakeFAU/crawl-supervisor/internal/supervisor"
	"github.com/JakeFAU/crawl-supervisor/internal/task"
)

// Message results reported to metrics.
const (
	resultHandled     = "handled"
	resultStale       = "stale"
	resultUnknown     = "unknown_job"
	resultInterrupted = "interrupted"
	resultError       = "error"
)

// Config controls Worker behavior.
type Config struct {
	// Concurrency is the number of runs supervised at once.
	Concurrency int `mapstructure:"concurrency"`
	// DefaultTimeLimit applies to messages published without one.
	DefaultTimeLimit time.Duration `mapstructure:"default_time_limit"`
	// RetryDelay is the pause after a failed consume.
	RetryDelay time.Duration `mapstructure:"retry_delay"`
}

// Runner supervises one run; *supervisor.Supervisor implements it.
type Runner interface {
	Supervise(ctx context.Context, j *job.CrawlJob, timeLimit time.Duration) (supervisor.Result, error)
}

// Observer counts consumed messages by result.
type Observer interface {
	ObserveMessage(result string)
}

type nopObserver struct{}

func (nopObserver) ObserveMessage(string) {}

// Worker consumes broker messages and supervises the runs they name.
type Worker struct {
	broker   queue.Broker
	jobs     job.Store
	runner   Runner
	cfg      Config
	logger   *zap.Logger
	observer Observer
}

// Option customises a Worker.
type Option func(*Worker)

// WithObserver reports message results to o.
func WithObserver(o Observer) Option {
	return func(w *Worker) {
		if o != nil {
			w.observer = o
		}
	}
}

// New constructs a Worker.
func New(broker queue.Broker, jobs job.Store, runner Runner, cfg Config, logger *zap.Logger, opts ...Option) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Worker{
		broker:   broker,
		jobs:     jobs,
		runner:   runner,
		cfg:      cfg,
		logger:   logger.Named("worker"),
		observer: nopObserver{},
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run blocks, consuming messages until the context finishes or the broker
// closes. In-flight runs are interrupted when ctx ends.
func (w *Worker) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < w.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			w.loop(ctx, w.logger.With(zap.Int("slot", slot)))
		}(i)
	}
	wg.Wait()
}

func (w *Worker) loop(ctx context.Context, logger *zap.Logger) {
	for {
		msg, err := w.broker.Consume(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return
			}
			logger.Error("broker consume failed", zap.Error(err))
			w.observer.ObserveMessage(resultError)
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.cfg.RetryDelay):
			}
			continue
		}
		logger.Debug("consumed message", zap.String("job_id", msg.JobID), zap.String("message_id", msg.ID))
		w.handle(ctx, msg, logger)
	}
}

func (w *Worker) handle(ctx context.Context, msg queue.Message, logger *zap.Logger) {
	logger = logger.With(zap.String("job_id", msg.JobID), zap.String("message_id", msg.ID))
	result := w.process(ctx, msg, logger)
	w.observer.ObserveMessage(result)
	if result == resultInterrupted || result == resultError {
		// Left unacknowledged for redelivery.
		return
	}
	if err := w.broker.Ack(context.WithoutCancel(ctx), msg); err != nil {
		logger.Error("ack failed", zap.Error(err))
	}
}

func (w *Worker) process(ctx context.Context, msg queue.Message, logger *zap.Logger) string {
	j, err := w.jobs.Get(ctx, msg.JobID)
	if errors.Is(err, job.ErrNotFound) {
		logger.Warn("message names an unknown job")
		return resultUnknown
	}
	if err != nil {
		logger.Error("load job failed", zap.Error(err))
		return resultError
	}
	// Messages from an earlier enqueue, or for a run already started
	// elsewhere, carry nothing to do.
	if j.Status() != task.StatusEnqueued || j.MessageID() != msg.ID {
		logger.Info("dropping stale message",
			zap.String("status", string(j.Status())),
			zap.String("current_message_id", j.MessageID()),
		)
		return resultStale
	}

	limit := msg.TimeLimit
	if limit <= 0 {
		limit = w.cfg.DefaultTimeLimit
	}
	res, err := w.runner.Supervise(ctx, j, limit)
	switch {
	case errors.Is(err, supervisor.ErrInterrupted):
		logger.Warn("run interrupted", zap.Error(err))
		return resultInterrupted
	case err != nil:
		logger.Error("supervise failed", zap.Error(err))
		if res.Outcome == "" {
			return resultError
		}
	}
	logger.Info("run complete", zap.String("outcome", string(res.Outcome)), zap.Duration("duration", res.Duration))
	return resultHandled
}
