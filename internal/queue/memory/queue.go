// Package memory provides a broker for single-process deployments and tests.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/crawl-supervisor/internal/id/uuid"
	"github.com/JakeFAU/crawl-supervisor/internal/queue"
)

// Queue is a bounded in-memory broker with context-aware operations.
// Acknowledgement is a no-op: a consumed message is gone.
type Queue struct {
	ch      chan queue.Message
	done    chan struct{}
	ids     *uuid.Generator
	closeMu sync.Mutex
	closed  bool
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	return &Queue{
		ch:   make(chan queue.Message, capacity),
		done: make(chan struct{}),
		ids:  uuid.NewUUIDGenerator(),
	}
}

// Publish pushes a message into the queue or returns if the context ends.
func (q *Queue) Publish(ctx context.Context, msg queue.Message) (string, error) {
	if msg.JobID == "" {
		return "", fmt.Errorf("publish: job id is required")
	}
	if msg.ID == "" {
		id, err := q.ids.NewID()
		if err != nil {
			return "", fmt.Errorf("publish: %w", err)
		}
		msg.ID = id
	}
	id := msg.ID
	msg.Receipt = nil
	select {
	case <-q.done:
		return "", queue.ErrClosed
	default:
	}
	select {
	case <-ctx.Done():
		return "", fmt.Errorf("publish canceled: %w", ctx.Err())
	case <-q.done:
		return "", queue.ErrClosed
	case q.ch <- msg:
		return id, nil
	}
}

// Consume pops the next message, respecting context cancellation.
func (q *Queue) Consume(ctx context.Context) (queue.Message, error) {
	select {
	case <-ctx.Done():
		return queue.Message{}, fmt.Errorf("consume canceled: %w", ctx.Err())
	case <-q.done:
		return queue.Message{}, queue.ErrClosed
	case msg := <-q.ch:
		return msg, nil
	}
}

// Ack is a no-op.
func (q *Queue) Ack(context.Context, queue.Message) error {
	return nil
}

// Len reports the number of waiting messages.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close wakes blocked callers; later calls fail with queue.ErrClosed.
func (q *Queue) Close() error {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return nil
	}
	close(q.done)
	q.closed = true
	return nil
}
