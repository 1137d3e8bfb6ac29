// Package queue carries run requests from the scheduler to workers.
// Backends live in the sub-packages: memory for a single process, redis
// and kafka for distributed workers.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrClosed is returned by a broker after Close.
var ErrClosed = errors.New("broker closed")

// Message asks a worker to supervise one run of a job.
type Message struct {
	// ID is the broker handle returned by Publish; it becomes the task's
	// message ID.
	ID        string        `json:"id"`
	JobID     string        `json:"job_id"`
	TimeLimit time.Duration `json:"time_limit"`

	// Receipt is backend data needed to acknowledge a consumed message.
	Receipt any `json:"-"`
}

// Broker delivers messages at least once: a consumed message that is never
// acknowledged may be delivered again.
type Broker interface {
	// Publish enqueues msg and returns its handle: msg.ID when set,
	// otherwise a new one.
	Publish(ctx context.Context, msg Message) (string, error)
	// Consume blocks until a message is available or ctx ends.
	Consume(ctx context.Context) (Message, error)
	// Ack marks a consumed message as handled.
	Ack(ctx context.Context, msg Message) error
	Close() error
}

// Encode serialises a message for the wire.
func Encode(msg Message) ([]byte, error) {
	if msg.JobID == "" {
		return nil, errors.New("message job id is required")
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return data, nil
}

// Decode parses a message produced by Encode.
func Decode(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	if msg.JobID == "" {
		return Message{}, errors.New("decode message: missing job id")
	}
	return msg, nil
}
