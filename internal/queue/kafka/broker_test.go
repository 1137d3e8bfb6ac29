package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-supervisor/internal/queue"
)

// fakeLog loops written messages back to the reader on one partition.
type fakeLog struct {
	mu        sync.Mutex
	messages  []kafka.Message
	next      int
	committed []int64
	writeErr  error
	closed    int
}

func (f *fakeLog) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	for _, m := range msgs {
		m.Offset = int64(len(f.messages))
		f.messages = append(f.messages, m)
	}
	return nil
}

func (f *fakeLog) FetchMessage(ctx context.Context) (kafka.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.next >= len(f.messages) {
		return kafka.Message{}, ctx.Err()
	}
	m := f.messages[f.next]
	f.next++
	return m, nil
}

func (f *fakeLog) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range msgs {
		f.committed = append(f.committed, m.Offset)
	}
	return nil
}

func (f *fakeLog) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeLog) commits() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.committed...)
}

func TestBrokerRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	log := &fakeLog{}
	b, err := New(log, log)
	require.NoError(t, err)

	id, err := b.Publish(ctx, queue.Message{JobID: "job-1", TimeLimit: time.Hour})
	require.NoError(t, err)
	assert.Equal(t, []byte("job-1"), log.messages[0].Key)

	msg, err := b.Consume(ctx)
	require.NoError(t, err)
	assert.Equal(t, id, msg.ID)
	assert.Equal(t, time.Hour, msg.TimeLimit)
	require.NoError(t, b.Ack(ctx, msg))
	assert.Equal(t, []int64{0}, log.commits())
}

func TestBrokerCommitsOnlyContiguousOffsets(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	log := &fakeLog{}
	b, err := New(log, log)
	require.NoError(t, err)

	var msgs []queue.Message
	for _, id := range []string{"a", "b", "c"} {
		_, err := b.Publish(ctx, queue.Message{JobID: id})
		require.NoError(t, err)
		msg, err := b.Consume(ctx)
		require.NoError(t, err)
		msgs = append(msgs, msg)
	}

	require.NoError(t, b.Ack(ctx, msgs[2]))
	require.NoError(t, b.Ack(ctx, msgs[1]))
	assert.Empty(t, log.commits(), "offset 0 is still running")

	require.NoError(t, b.Ack(ctx, msgs[0]))
	assert.Equal(t, []int64{2}, log.commits())
}

func TestBrokerSkipsUnreadableMessages(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	log := &fakeLog{messages: []kafka.Message{{Offset: 0, Value: []byte("junk")}}}
	b, err := New(log, log)
	require.NoError(t, err)

	_, err = b.Consume(ctx)
	require.Error(t, err)
	assert.Equal(t, []int64{0}, log.commits())
}

func TestBrokerErrors(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	log := &fakeLog{writeErr: errors.New("leader not available")}
	b, err := New(log, log)
	require.NoError(t, err)

	_, err = b.Publish(ctx, queue.Message{JobID: "job-1"})
	require.ErrorContains(t, err, "leader not available")
	require.Error(t, b.Ack(ctx, queue.Message{ID: "x"}))
	require.Error(t, b.Ack(ctx, queue.Message{Receipt: kafka.Message{Partition: 3}}))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = b.Consume(cancelled)
	require.ErrorIs(t, err, context.Canceled)

	require.NoError(t, b.Close())
	require.NoError(t, b.Close())
	assert.Equal(t, 2, log.closed, "reader and writer closed once each")
	_, err = b.Consume(ctx)
	require.ErrorIs(t, err, queue.ErrClosed)

	_, err = New(nil, log)
	require.Error(t, err)
	_, err = Dial(Config{Topic: "runs"})
	require.Error(t, err)
}
