package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const queueKey = "queue:studyset-generation"

// RedisBroker transports job ids over a Redis list and serializes worker
// access to a job with SetNX locks.
type RedisBroker struct {
	client *redis.Client
}

func NewRedisBroker(client *redis.Client) *RedisBroker {
	return &RedisBroker{client: client}
}

func (b *RedisBroker) Push(ctx context.Context, jobID uuid.UUID) error {
	return b.client.LPush(ctx, queueKey, jobID.String()).Err()
}

func (b *RedisBroker) Pop(ctx context.Context, timeout time.Duration) (uuid.UUID, bool, error) {
	result, err := b.client.BLPop(ctx, timeout, queueKey).Result()
	if err == redis.Nil {
		return uuid.Nil, false, nil // timeout, nothing queued
	}
	if err != nil {
		return uuid.Nil, false, err
	}
	if len(result) < 2 {
		return uuid.Nil, false, nil
	}

	jobID, err := uuid.Parse(result[1])
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("malformed job id on queue: %w", err)
	}
	return jobID, true, nil
}

func (b *RedisBroker) AcquireLock(ctx context.Context, jobID uuid.UUID, ttl time.Duration) (bool, error) {
	return b.client.SetNX(ctx, "job_lock:"+jobID.String(), "1", ttl).Result()
}

func (b *RedisBroker) ReleaseLock(ctx context.Context, jobID uuid.UUID) {
	b.client.Del(ctx, "job_lock:"+jobID.String())
}
