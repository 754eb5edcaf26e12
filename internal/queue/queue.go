// Package queue is the Redis-backed work queue connecting the API to the
// download workers. The queue carries task ids only; the task record in
// the store is the single source of truth.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lexa946/downloader-video/internal/config"
)

const (
	// queueSuffix is appended to the configured key prefix.
	queueSuffix = "queue:downloads"
	// BlockTimeout is how long Dequeue will wait for a task.
	BlockTimeout = 5 * time.Second
)

// Queue manages the shared download queue.
type Queue struct {
	client *redis.Client
	key    string
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg *config.Config) (*Queue, error) {
	client := redis.NewClient(&redis.Options{
		Addr: cfg.RedisAddr(),
		DB:   cfg.RedisDB,
	})
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	slog.Info("Download queue initialized", "addr", cfg.RedisAddr())
	return &Queue{client: client, key: cfg.KeyPrefix + queueSuffix}, nil
}

// NewWithClient creates a queue around an existing Redis client (for
// testing, or to share the store's connection pool).
func NewWithClient(client *redis.Client, prefix string) *Queue {
	return &Queue{client: client, key: prefix + queueSuffix}
}

// Enqueue appends a task id to the queue.
func (q *Queue) Enqueue(ctx context.Context, taskID string) error {
	if q.client == nil {
		return fmt.Errorf("queue is not connected")
	}
	if err := q.client.LPush(ctx, q.key, taskID).Err(); err != nil {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}
	slog.Info("Task enqueued", "task_id", taskID)
	return nil
}

// Dequeue removes and returns the oldest task id, blocking for up to
// BlockTimeout. It returns "" when no task arrived in time.
func (q *Queue) Dequeue(ctx context.Context) (string, error) {
	if q.client == nil {
		return "", fmt.Errorf("queue is not connected")
	}
	result, err := q.client.BRPop(ctx, BlockTimeout, q.key).Result()
	if err != nil {
		// redis.Nil means timeout (no task available).
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return "", fmt.Errorf("failed to dequeue task: %w", err)
	}
	// BRPOP returns [key, value].
	if len(result) < 2 {
		return "", fmt.Errorf("invalid BRPOP result: %v", result)
	}
	return result[1], nil
}

// Length returns the number of queued tasks.
func (q *Queue) Length(ctx context.Context) (int64, error) {
	if q.client == nil {
		return 0, fmt.Errorf("queue is not connected")
	}
	n, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get queue length: %w", err)
	}
	return n, nil
}

// Close closes the queue connection.
func (q *Queue) Close() error {
	if q.client != nil {
		return q.client.Close()
	}
	return nil
}
