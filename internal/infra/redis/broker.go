package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/vietddude/dispatcher/internal/core/domain"
)

// ConsumerConfig controls how each queue subscription consumes its stream.
type ConsumerConfig struct {
	// Concurrency is the number of jobs a subscription handles at once.
	Concurrency int `yaml:"concurrency"`
	// Block is how long a single fetch waits for new entries.
	Block time.Duration `yaml:"block"`
	// ReclaimIdle is how long a failed or abandoned delivery stays pending
	// before it is redelivered.
	ReclaimIdle time.Duration `yaml:"reclaim_idle"`
	// ReclaimInterval is how often pending entries are scanned.
	ReclaimInterval time.Duration `yaml:"reclaim_interval"`
	// MaxDeliveries moves a job to the dead-letter stream once it has been
	// delivered this many times. 0 disables dead-lettering.
	MaxDeliveries int `yaml:"max_deliveries"`
}

// DefaultConsumerConfig provides sensible defaults.
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Concurrency:     1,
		Block:           time.Second,
		ReclaimIdle:     30 * time.Second,
		ReclaimInterval: 5 * time.Second,
		MaxDeliveries:   5,
	}
}

func (c ConsumerConfig) withDefaults() ConsumerConfig {
	d := DefaultConsumerConfig()
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.Block <= 0 {
		c.Block = d.Block
	}
	if c.ReclaimIdle <= 0 {
		c.ReclaimIdle = d.ReclaimIdle
	}
	if c.ReclaimInterval <= 0 {
		c.ReclaimInterval = d.ReclaimInterval
	}
	if c.MaxDeliveries < 0 {
		c.MaxDeliveries = 0
	}
	return c
}

const dataField = "data"

// Broker exposes Redis streams as named, persistent work queues with
// at-least-once delivery.
type Broker struct {
	rdb      *redis.Client
	cfg      ConsumerConfig
	consumer string
	log      *slog.Logger
}

// NewBroker creates a broker over client.
func NewBroker(client *Client, cfg ConsumerConfig, log *slog.Logger) *Broker {
	if log == nil {
		log = slog.Default()
	}
	return &Broker{
		rdb:      client.rdb,
		cfg:      cfg.withDefaults(),
		consumer: consumerName(),
		log:      log,
	}
}

func consumerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return host + "-" + uuid.NewString()[:8]
}

// Describe returns the descriptor for queue on this broker.
func (b *Broker) Describe(queue string) domain.QueueDescriptor {
	addr := b.rdb.Options().Addr
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	port, _ := strconv.Atoi(portStr)
	return domain.QueueDescriptor{
		Name:   queue,
		Broker: domain.BrokerConnection{Host: host, Port: port},
	}
}

// Enqueue appends a job to queue and returns its ID.
func (b *Broker) Enqueue(ctx context.Context, queue string, data []byte) (string, error) {
	id, err := b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey(queue),
		Values: map[string]any{dataField: string(data)},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd failed: %w", err)
	}
	return id, nil
}

// Subscribe creates the queue if needed and starts consuming it with handler.
// Jobs published before the first subscription are also delivered.
func (b *Broker) Subscribe(
	ctx context.Context,
	queue string,
	handler domain.JobHandler,
) (domain.Subscription, error) {
	err := b.rdb.XGroupCreateMkStream(ctx, streamKey(queue), groupName(queue), "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("failed to create consumer group for %s: %w", queue, err)
	}

	sub := newSubscription(b, queue, handler)
	sub.start(ctx)
	return sub, nil
}

// Destroy permanently removes the queue's backlog, pending entries,
// dead letters and consumer group.
func (b *Broker) Destroy(ctx context.Context, queue string) error {
	if err := b.rdb.Del(ctx, streamKey(queue), deadLetterKey(queue)).Err(); err != nil {
		return fmt.Errorf("failed to destroy queue %s: %w", queue, err)
	}
	return nil
}

// Stats returns the queue's backlog, pending and dead-letter counts.
func (b *Broker) Stats(ctx context.Context, queue string) (domain.QueueStats, error) {
	stats := domain.QueueStats{Queue: queue}

	length, err := b.rdb.XLen(ctx, streamKey(queue)).Result()
	if err != nil {
		return stats, fmt.Errorf("xlen failed: %w", err)
	}
	stats.Length = length

	pending, err := b.rdb.XPending(ctx, streamKey(queue), groupName(queue)).Result()
	switch {
	case err == nil:
		stats.Pending = pending.Count
	case isNoGroup(err):
	default:
		return stats, fmt.Errorf("xpending failed: %w", err)
	}

	dead, err := b.rdb.XLen(ctx, deadLetterKey(queue)).Result()
	if err != nil {
		return stats, fmt.Errorf("xlen failed: %w", err)
	}
	stats.DeadLetter = dead

	return stats, nil
}

// DeadLetters returns up to limit dead-lettered jobs, oldest first.
func (b *Broker) DeadLetters(ctx context.Context, queue string, limit int64) ([]*domain.Job, error) {
	msgs, err := b.rdb.XRangeN(ctx, deadLetterKey(queue), "-", "+", limit).Result()
	if err != nil {
		return nil, fmt.Errorf("xrange failed: %w", err)
	}

	jobs := make([]*domain.Job, 0, len(msgs))
	for _, m := range msgs {
		job := toJob(queue, m, 0)
		if src, ok := m.Values["source_id"].(string); ok {
			job.ID = src
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func toJob(queue string, msg redis.XMessage, delivery int) *domain.Job {
	data, _ := msg.Values[dataField].(string)
	return &domain.Job{
		ID:       msg.ID,
		Queue:    queue,
		Data:     []byte(data),
		Delivery: delivery,
	}
}

func isNoGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "NOGROUP")
}

func isClosed(err error) bool {
	return errors.Is(err, redis.ErrClosed) || errors.Is(err, context.Canceled)
}
