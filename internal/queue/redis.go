package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBackend implements Backend over Redis: one list per (class) holds
// ready refs, and one sorted set per class indexes in-flight refs by their
// visibility deadline (spec.md §4.2). A background sweep
// (internal/queue/reclaim.go) re-enqueues entries whose deadline has
// passed, giving the "reference reappears after D" redelivery guarantee
// without needing Redis Streams' consumer-group machinery.
type RedisBackend struct {
	client            *redis.Client
	visibilityTimeout time.Duration
}

// NewRedisBackend wires a RedisBackend against an already-configured client.
func NewRedisBackend(client *redis.Client, visibilityTimeout time.Duration) *RedisBackend {
	return &RedisBackend{client: client, visibilityTimeout: visibilityTimeout}
}

func readyKey(class Class) string    { return fmt.Sprintf("agentbus:queue:%s:ready", class) }
func inflightKey(class Class) string { return fmt.Sprintf("agentbus:queue:%s:inflight", class) }

func encodeRef(ref Ref) (string, error) {
	b, err := json.Marshal(ref)
	return string(b), err
}

func decodeRef(s string) (Ref, error) {
	var ref Ref
	err := json.Unmarshal([]byte(s), &ref)
	return ref, err
}

// Enqueue is spec.md §4.2's enqueue: O(1), at-least-once.
func (b *RedisBackend) Enqueue(ctx context.Context, class Class, ref Ref) error {
	payload, err := encodeRef(ref)
	if err != nil {
		return fmt.Errorf("encode ref: %w", err)
	}
	return b.client.RPush(ctx, readyKey(class), payload).Err()
}

// Dequeue is spec.md §4.2's dequeue: blocking wait up to timeout; the
// returned ref carries an implicit visibility deadline recorded in the
// inflight sorted set.
func (b *RedisBackend) Dequeue(ctx context.Context, class Class, timeout time.Duration) (*Ref, error) {
	result, err := b.client.BLPop(ctx, timeout, readyKey(class)).Result()
	if err == redis.Nil {
		return nil, ErrNoRefAvailable
	}
	if err != nil {
		return nil, fmt.Errorf("blpop: %w", err)
	}

	payload := result[1]
	ref, err := decodeRef(payload)
	if err != nil {
		return nil, fmt.Errorf("decode ref: %w", err)
	}

	deadline := float64(time.Now().Add(b.visibilityTimeout).UnixMilli())
	if err := b.client.ZAdd(ctx, inflightKey(class), redis.Z{Score: deadline, Member: payload}).Err(); err != nil {
		return nil, fmt.Errorf("zadd inflight: %w", err)
	}
	return &ref, nil
}

// Ack is spec.md §4.2's ack: removes the in-flight reference.
func (b *RedisBackend) Ack(ctx context.Context, class Class, ref Ref) error {
	payload, err := encodeRef(ref)
	if err != nil {
		return fmt.Errorf("encode ref: %w", err)
	}
	return b.client.ZRem(ctx, inflightKey(class), payload).Err()
}

// Nack is spec.md §4.2's nack: re-enqueue after delay, used by workers for
// transient-error backoff.
func (b *RedisBackend) Nack(ctx context.Context, class Class, ref Ref, delay time.Duration) error {
	payload, err := encodeRef(ref)
	if err != nil {
		return fmt.Errorf("encode ref: %w", err)
	}
	if err := b.client.ZRem(ctx, inflightKey(class), payload).Err(); err != nil {
		return fmt.Errorf("zrem inflight: %w", err)
	}
	if delay <= 0 {
		return b.client.RPush(ctx, readyKey(class), payload).Err()
	}
	time.AfterFunc(delay, func() {
		_ = b.client.RPush(context.Background(), readyKey(class), payload).Err()
	})
	return nil
}

// Depth reports the ready-list length for metrics.
func (b *RedisBackend) Depth(ctx context.Context, class Class) (int64, error) {
	return b.client.LLen(ctx, readyKey(class)).Result()
}

// sweepExpired re-enqueues every inflight entry whose visibility deadline
// has passed — the reclaim.go loop calls this periodically for every
// class. Returns the number of refs reclaimed.
func (b *RedisBackend) sweepExpired(ctx context.Context, class Class) (int, error) {
	now := float64(time.Now().UnixMilli())
	members, err := b.client.ZRangeByScore(ctx, inflightKey(class), &redis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%f", now),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("zrangebyscore: %w", err)
	}

	for _, payload := range members {
		pipe := b.client.TxPipeline()
		pipe.ZRem(ctx, inflightKey(class), payload)
		pipe.RPush(ctx, readyKey(class), payload)
		if _, err := pipe.Exec(ctx); err != nil {
			return 0, fmt.Errorf("reclaim pipeline: %w", err)
		}
	}
	return len(members), nil
}
