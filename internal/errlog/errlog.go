// Package errlog keeps the append-only error history of a task.
//
// Records survive reruns of the same job; they are only removed when a
// caller explicitly clears them (restart with ClearErrors).
package errlog

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Record is one logged error. It is never mutated after Append.
type Record struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id"`
	Run       int       `json:"run"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
	Traceback string    `json:"traceback,omitempty"`
}

// Store persists records in insertion order.
type Store interface {
	Append(ctx context.Context, rec Record) error
	List(ctx context.Context, taskID string) ([]Record, error)
	Clear(ctx context.Context, taskID string) error
}

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

type utcClock struct{}

func (utcClock) Now() time.Time { return time.Now().UTC() }

// Logger is the write side of the error log used by supervisors and engines.
type Logger struct {
	store  Store
	clock  Clock
	logger *zap.Logger
}

// NewLogger wraps a Store. clock and logger may be nil.
func NewLogger(store Store, clock Clock, logger *zap.Logger) *Logger {
	if clock == nil {
		clock = utcClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Logger{store: store, clock: clock, logger: logger}
}

// Store exposes the underlying record store for read-only consumers.
func (l *Logger) Store() Store { return l.store }

// LogError appends a record without a traceback.
func (l *Logger) LogError(ctx context.Context, taskID string, run int, message string) (Record, error) {
	return l.append(ctx, taskID, run, message, "")
}

// LogException appends a record carrying err's message and stack trace.
func (l *Logger) LogException(ctx context.Context, taskID string, run int, err error) (Record, error) {
	if err == nil {
		return Record{}, fmt.Errorf("log exception: nil error")
	}
	return l.append(ctx, taskID, run, err.Error(), Traceback(err))
}

// LogReport appends a record whose traceback was captured elsewhere,
// typically by the crawl engine process.
func (l *Logger) LogReport(ctx context.Context, taskID string, run int, message, traceback string) (Record, error) {
	return l.append(ctx, taskID, run, message, traceback)
}

// List returns the task's records in insertion order.
func (l *Logger) List(ctx context.Context, taskID string) ([]Record, error) {
	return l.store.List(ctx, taskID)
}

func (l *Logger) append(ctx context.Context, taskID string, run int, message, traceback string) (Record, error) {
	if taskID == "" {
		return Record{}, fmt.Errorf("log error: task id is required")
	}
	id, err := uuid.NewV7()
	if err != nil {
		return Record{}, fmt.Errorf("generate record id: %w", err)
	}
	rec := Record{
		ID:        id.String(),
		TaskID:    taskID,
		Run:       run,
		Timestamp: l.clock.Now(),
		Message:   message,
		Traceback: traceback,
	}
	if err := l.store.Append(ctx, rec); err != nil {
		l.logger.Error("append error record failed",
			zap.String("task_id", taskID),
			zap.String("message", message),
			zap.Error(err),
		)
		return Record{}, fmt.Errorf("append error record: %w", err)
	}
	l.logger.Warn("task error recorded",
		zap.String("task_id", taskID),
		zap.Int("run", run),
		zap.String("message", message),
	)
	return rec, nil
}

type stackTracer interface {
	StackTrace() errors.StackTrace
}

// Traceback renders err with a stack trace. Errors that carry no
// github.com/pkg/errors stack get one attached at the caller.
func Traceback(err error) string {
	if err == nil {
		return ""
	}
	var st stackTracer
	if !errors.As(err, &st) {
		err = errors.WithStack(err)
	}
	return fmt.Sprintf("%+v", err)
}
