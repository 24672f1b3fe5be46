package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Message is one task delivery. Ack removes it from the processing list so it
// is not redelivered.
type Message interface {
	Body() []byte
	ReceivedAt() time.Time
	// Extend moves the recovery deadline to receipt + budget + grace when
	// that is later than the current one. budget is how long the worker may
	// hold the message before it gives up on its own.
	Extend(ctx context.Context, budget time.Duration) error
	Ack(ctx context.Context) error
}

type QueueOptions struct {
	PendingQueue    string
	ProcessingQueue string
	DeadlineSet     string
	ResponseQueue   string
	// WorkBudget is how long past its visibility timeout a worker may keep
	// a message (upload phase included) before its safety net answers.
	WorkBudget time.Duration
	// VisibilityGrace is added on top of the visibility timeout and the
	// work budget before recovery moves a message back to pending. Recovery
	// must never run before the holder's safety net, or a second worker
	// gets the message and the first one's ack removes the second's entry.
	VisibilityGrace   time.Duration
	DefaultVisibility time.Duration
}

// RedisQueue is an at-least-once task queue on Redis lists. Received
// messages sit in the processing list with a deadline in a sorted set until
// acknowledged; RecoveryLoop re-queues messages whose deadline passed.
type RedisQueue struct {
	client *redis.Client
	opts   QueueOptions
	logger *slog.Logger
	now    func() time.Time
}

func NewRedisQueue(client *redis.Client, opts QueueOptions, logger *slog.Logger) *RedisQueue {
	if opts.DefaultVisibility <= 0 {
		opts.DefaultVisibility = 5 * time.Minute
	}
	return &RedisQueue{client: client, opts: opts, logger: logger, now: time.Now}
}

type delivery struct {
	queue      *RedisQueue
	body       string
	receivedAt time.Time
}

func (d *delivery) Body() []byte          { return []byte(d.body) }
func (d *delivery) ReceivedAt() time.Time { return d.receivedAt }

func (d *delivery) Extend(ctx context.Context, budget time.Duration) error {
	deadline := d.receivedAt.Add(budget + d.queue.opts.VisibilityGrace)
	err := d.queue.client.ZAddGT(ctx, d.queue.opts.DeadlineSet, redis.Z{
		Score:  float64(deadline.UnixMilli()),
		Member: d.body,
	}).Err()
	if err != nil {
		return fmt.Errorf("extend: %w", err)
	}
	return nil
}

func (d *delivery) Ack(ctx context.Context) error {
	pipe := d.queue.client.TxPipeline()
	pipe.LRem(ctx, d.queue.opts.ProcessingQueue, 1, d.body)
	pipe.ZRem(ctx, d.queue.opts.DeadlineSet, d.body)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ack: %w", err)
	}
	return nil
}

// Receive blocks up to wait for a message. It returns nil, nil on timeout.
func (q *RedisQueue) Receive(ctx context.Context, wait time.Duration) (Message, error) {
	// Atomic pop from pending and push to processing
	result, err := q.client.BRPopLPush(ctx, q.opts.PendingQueue, q.opts.ProcessingQueue, wait).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	now := q.now()
	deadline := q.deadline(now, result)
	if err := q.client.ZAdd(ctx, q.opts.DeadlineSet, redis.Z{
		Score:  float64(deadline.UnixMilli()),
		Member: result,
	}).Err(); err != nil {
		q.logger.Error("failed to record visibility deadline", "error", err)
	}
	return &delivery{queue: q, body: result, receivedAt: now}, nil
}

func (q *RedisQueue) deadline(receivedAt time.Time, body string) time.Time {
	return receivedAt.Add(q.visibility(body) + q.opts.WorkBudget + q.opts.VisibilityGrace)
}

func (q *RedisQueue) visibility(body string) time.Duration {
	var peek struct {
		VisibilityTimeout int `json:"visibilityTimeout"`
	}
	if err := json.Unmarshal([]byte(body), &peek); err == nil && peek.VisibilityTimeout > 0 {
		return time.Duration(peek.VisibilityTimeout) * time.Second
	}
	return q.opts.DefaultVisibility
}

// Publish pushes a response for the platform.
func (q *RedisQueue) Publish(ctx context.Context, body []byte) error {
	return q.client.LPush(ctx, q.opts.ResponseQueue, body).Err()
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}

func (q *RedisQueue) RecoveryLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	q.logger.Info("starting visibility recovery loop", "interval", interval)

	for {
		select {
		case <-ctx.Done():
			q.logger.Info("recovery loop shutting down")
			return
		case <-ticker.C:
			if n, err := q.RecoverExpired(ctx); err != nil {
				q.logger.Error("recovery failed", "error", err)
			} else if n > 0 {
				q.logger.Info("recovered expired tasks", "count", n)
			}
		}
	}
}

// RecoverExpired moves messages whose visibility deadline passed back to the
// pending queue. Processing entries without a deadline (a worker died between
// pop and ZADD) get one so they are recovered on a later pass.
func (q *RedisQueue) RecoverExpired(ctx context.Context) (int, error) {
	now := q.now()
	expired, err := q.client.ZRangeByScore(ctx, q.opts.DeadlineSet, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read deadlines: %w", err)
	}

	recovered := 0
	for _, body := range expired {
		removed, err := q.client.LRem(ctx, q.opts.ProcessingQueue, 1, body).Result()
		if err != nil {
			return recovered, fmt.Errorf("failed to remove from processing: %w", err)
		}
		if removed > 0 {
			if err := q.client.LPush(ctx, q.opts.PendingQueue, body).Err(); err != nil {
				return recovered, fmt.Errorf("failed to requeue: %w", err)
			}
			recovered++
		}
		q.client.ZRem(ctx, q.opts.DeadlineSet, body)
	}

	processing, err := q.client.LRange(ctx, q.opts.ProcessingQueue, 0, -1).Result()
	if err != nil {
		return recovered, fmt.Errorf("failed to read processing queue: %w", err)
	}
	for _, body := range processing {
		if err := q.client.ZScore(ctx, q.opts.DeadlineSet, body).Err(); errors.Is(err, redis.Nil) {
			deadline := q.deadline(now, body)
			q.client.ZAddNX(ctx, q.opts.DeadlineSet, redis.Z{Score: float64(deadline.UnixMilli()), Member: body})
		}
	}
	return recovered, nil
}
