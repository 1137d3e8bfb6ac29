// Package redis implements queue.Broker on Redis lists.
//
// Publish pushes onto the head of the list. Consume atomically moves the
// tail into a processing list, and Ack removes it from there, so a worker
// that dies mid-run leaves its message parked rather than lost.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/crawl-supervisor/internal/id/uuid"
	"github.com/JakeFAU/crawl-supervisor/internal/queue"
)

// Client is the subset of *redis.Client the broker uses.
type Client interface {
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	BLMove(ctx context.Context, source, destination, srcpos, destpos string, timeout time.Duration) *redis.StringCmd
	LRem(ctx context.Context, key string, count int64, value interface{}) *redis.IntCmd
	Close() error
}

// Config selects the server and list names.
type Config struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Key      string `mapstructure:"key"`
	// BlockTimeout bounds each blocking pop so that Consume notices a
	// cancelled context.
	BlockTimeout time.Duration `mapstructure:"block_timeout"`
}

const (
	defaultKey          = "crawlsup:runs"
	defaultBlockTimeout = time.Second
)

// Broker is a Redis-backed queue.Broker.
type Broker struct {
	client  Client
	key     string
	pending string
	block   time.Duration
	ids     *uuid.Generator
	closed  atomic.Bool
}

// Dial connects to the configured server.
func Dial(cfg Config) (*Broker, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis broker: addr is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return New(client, cfg)
}

// New wraps an existing client.
func New(client Client, cfg Config) (*Broker, error) {
	if client == nil {
		return nil, errors.New("redis broker: client is required")
	}
	if cfg.Key == "" {
		cfg.Key = defaultKey
	}
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = defaultBlockTimeout
	}
	return &Broker{
		client:  client,
		key:     cfg.Key,
		pending: cfg.Key + ":processing",
		block:   cfg.BlockTimeout,
		ids:     uuid.NewUUIDGenerator(),
	}, nil
}

// Publish implements queue.Broker.
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
	if err := b.client.LPush(ctx, b.key, data).Err(); err != nil {
		return "", fmt.Errorf("lpush %s: %w", b.key, err)
	}
	return id, nil
}

// Consume implements queue.Broker.
func (b *Broker) Consume(ctx context.Context) (queue.Message, error) {
	for {
		if b.closed.Load() {
			return queue.Message{}, queue.ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return queue.Message{}, fmt.Errorf("consume canceled: %w", err)
		}
		raw, err := b.client.BLMove(ctx, b.key, b.pending, "RIGHT", "LEFT", b.block).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return queue.Message{}, fmt.Errorf("consume canceled: %w", ctx.Err())
			}
			return queue.Message{}, fmt.Errorf("blmove %s: %w", b.key, err)
		}
		msg, err := queue.Decode([]byte(raw))
		if err != nil {
			// Unreadable payloads would block the processing list forever.
			_ = b.client.LRem(ctx, b.pending, 1, raw).Err()
			return queue.Message{}, err
		}
		msg.Receipt = raw
		return msg, nil
	}
}

// Ack removes the message from the processing list.
func (b *Broker) Ack(ctx context.Context, msg queue.Message) error {
	raw, ok := msg.Receipt.(string)
	if !ok {
		return fmt.Errorf("ack %s: message was not consumed from redis", msg.ID)
	}
	if err := b.client.LRem(ctx, b.pending, 1, raw).Err(); err != nil {
		return fmt.Errorf("lrem %s: %w", b.pending, err)
	}
	return nil
}

// Close closes the client.
func (b *Broker) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	return b.client.Close()
}
