package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"fileconverter/models"

	"github.com/redis/go-redis/v9"
)

// reservoirScript creates the reservoir with the refresh amount when absent
// (the key expires once per refresh interval) and applies a decrement.
// DECRBY keeps the TTL, so a window's debt carries until it expires.
var reservoirScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if not v then
  redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
  v = ARGV[1]
end
local dec = tonumber(ARGV[3])
if dec > 0 then
  return redis.call('DECRBY', KEYS[1], dec)
end
return tonumber(v)
`)

// RedisReservoir is a byte budget shared by every worker that reads the
// change log of the same tenant and document.
type RedisReservoir struct {
	client   *redis.Client
	prefix   string
	amount   int64
	interval time.Duration
	poll     time.Duration
}

func NewRedisReservoir(client *redis.Client, prefix string, amount int64, interval time.Duration) *RedisReservoir {
	return &RedisReservoir{
		client:   client,
		prefix:   prefix,
		amount:   amount,
		interval: interval,
		poll:     100 * time.Millisecond,
	}
}

// Wait blocks while the reservoir for key is exhausted.
func (r *RedisReservoir) Wait(ctx context.Context, key string) error {
	if r.amount <= 0 {
		return nil
	}
	for {
		cur, err := r.eval(ctx, key, 0)
		if err != nil {
			return err
		}
		if cur > 0 {
			return nil
		}
		wait := r.poll
		if ttl, err := r.client.PTTL(ctx, r.prefix+key).Result(); err == nil && ttl > 0 && ttl < wait {
			wait = ttl
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// Consume subtracts n, capped at one refresh amount, and returns the
// remaining budget, which may be negative.
func (r *RedisReservoir) Consume(ctx context.Context, key string, n int64) (int64, error) {
	if r.amount <= 0 || n <= 0 {
		return 0, nil
	}
	return r.eval(ctx, key, min(n, r.amount))
}

func (r *RedisReservoir) eval(ctx context.Context, key string, dec int64) (int64, error) {
	cur, err := reservoirScript.Run(ctx, r.client, []string{r.prefix + key}, r.amount, r.interval.Milliseconds(), dec).Int64()
	if err != nil {
		return 0, fmt.Errorf("reservoir %s: %w", key, err)
	}
	return cur, nil
}

// Limiter is the part of RedisReservoir the change-log reader needs.
type Limiter interface {
	Wait(ctx context.Context, key string) error
	Consume(ctx context.Context, key string, n int64) (int64, error)
}

type changeLog interface {
	GetChanges(ctx context.Context, tenant, docID string, start, end int, cutoff *time.Time) ([]models.ChangeRecord, error)
}

// LimitedChangeLog throttles change-log reads per tenant and document by the
// payload bytes each page returned.
type LimitedChangeLog struct {
	store   changeLog
	limiter Limiter
	logger  *slog.Logger
}

func NewLimitedChangeLog(store changeLog, limiter Limiter, logger *slog.Logger) *LimitedChangeLog {
	return &LimitedChangeLog{store: store, limiter: limiter, logger: logger}
}

func (l *LimitedChangeLog) GetChanges(ctx context.Context, tenant, docID string, start, end int, cutoff *time.Time) ([]models.ChangeRecord, error) {
	key := tenant + "\t" + docID + "\tchanges"
	if err := l.limiter.Wait(ctx, key); err != nil {
		return nil, err
	}
	records, err := l.store.GetChanges(ctx, tenant, docID, start, end, cutoff)
	if err != nil {
		return nil, err
	}
	var size int64
	for _, r := range records {
		size += int64(len(r.Data))
	}
	cur, err := l.limiter.Consume(ctx, key, size)
	if err != nil {
		l.logger.Warn("change log reservoir update failed", "error", err)
	} else {
		l.logger.Debug("change log reservoir", "docId", docID, "remaining", cur)
	}
	return records, nil
}
