// Package kafka implements queue.Broker on a Kafka topic with a consumer
// group.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/segmentio/kafka-go"

	"github.com/JakeFAU/crawl-supervisor/internal/id/uuid"
	"github.com/JakeFAU/crawl-supervisor/internal/queue"
)

// MessageReader abstracts kafka.Reader.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// MessageWriter abstracts kafka.Writer.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Config names the cluster, topic and consumer group.
type Config struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
	GroupID string   `mapstructure:"group_id"`
}

// Broker is a Kafka-backed queue.Broker. Runs finish out of order, so
// offsets are committed per partition only up to the oldest message still
// in flight.
type Broker struct {
	reader MessageReader
	writer MessageWriter
	ids    *uuid.Generator
	closed atomic.Bool

	mu         sync.Mutex
	partitions map[int]*partition
}

type partition struct {
	inflight []kafka.Message
	acked    map[int64]bool
}

// Dial builds a reader and writer for cfg.
func Dial(cfg Config) (*Broker, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" || cfg.GroupID == "" {
		return nil, errors.New("kafka broker: brokers, topic and group id are required")
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: cfg.Brokers,
		Topic:   cfg.Topic,
		GroupID: cfg.GroupID,
	})
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: false,
	}
	return New(reader, writer)
}

// New wraps an existing reader and writer.
func New(reader MessageReader, writer MessageWriter) (*Broker, error) {
	if reader == nil || writer == nil {
		return nil, errors.New("kafka broker: reader and writer are required")
	}
	return &Broker{
		reader:     reader,
		writer:     writer,
		ids:        uuid.NewUUIDGenerator(),
		partitions: make(map[int]*partition),
	}, nil
}

// Publish keys the message by job ID so runs of one job stay ordered.
func (b *Broker) Publish(ctx context.Context, msg queue.Message) (string, error) {
	if b.closed.Load() {
		return "", queue.ErrClosed
	}
	if msg.ID == "" {
		id, err := b.ids.NewID()
		if err != nil {
			return "", fmt.Errorf("publish: %w", err)
		}
		msg.ID = id
	}
	id := msg.ID
	data, err := queue.Encode(msg)
	if err != nil {
		return "", err
	}
	if err := b.writer.WriteMessages(ctx, kafka.Message{Key: []byte(msg.JobID), Value: data}); err != nil {
		return "", fmt.Errorf("write message: %w", err)
	}
	return id, nil
}

// Consume implements queue.Broker.
func (b *Broker) Consume(ctx context.Context) (queue.Message, error) {
	if b.closed.Load() {
		return queue.Message{}, queue.ErrClosed
	}
	km, err := b.reader.FetchMessage(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return queue.Message{}, fmt.Errorf("consume canceled: %w", ctx.Err())
		}
		return queue.Message{}, fmt.Errorf("fetch message: %w", err)
	}
	b.track(km)
	msg, err := queue.Decode(km.Value)
	if err != nil {
		// Skip past it; nothing can ever handle it.
		if aerr := b.commit(ctx, km); aerr != nil {
			return queue.Message{}, errors.Join(err, aerr)
		}
		return queue.Message{}, fmt.Errorf("partition %d offset %d: %w", km.Partition, km.Offset, err)
	}
	msg.Receipt = km
	return msg, nil
}

// Ack implements queue.Broker.
func (b *Broker) Ack(ctx context.Context, msg queue.Message) error {
	km, ok := msg.Receipt.(kafka.Message)
	if !ok {
		return fmt.Errorf("ack %s: message was not consumed from kafka", msg.ID)
	}
	return b.commit(ctx, km)
}

// Close closes the reader and writer.
func (b *Broker) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	return errors.Join(b.reader.Close(), b.writer.Close())
}

func (b *Broker) track(km kafka.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.partitions[km.Partition]
	if !ok {
		p = &partition{acked: make(map[int64]bool)}
		b.partitions[km.Partition] = p
	}
	p.inflight = append(p.inflight, km)
}

// commit marks km handled and commits the contiguous handled prefix of its
// partition.
func (b *Broker) commit(ctx context.Context, km kafka.Message) error {
	b.mu.Lock()
	p, ok := b.partitions[km.Partition]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("ack partition %d offset %d: not in flight", km.Partition, km.Offset)
	}
	p.acked[km.Offset] = true
	var last *kafka.Message
	for len(p.inflight) > 0 && p.acked[p.inflight[0].Offset] {
		head := p.inflight[0]
		delete(p.acked, head.Offset)
		p.inflight = p.inflight[1:]
		last = &head
	}
	b.mu.Unlock()

	if last == nil {
		return nil
	}
	if err := b.reader.CommitMessages(ctx, *last); err != nil {
		return fmt.Errorf("commit partition %d offset %d: %w", last.Partition, last.Offset, err)
	}
	return nil
}
