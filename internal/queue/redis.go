package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"docqa/internal/logging"
	"docqa/internal/models"
	"docqa/internal/util"
)

// Connect parses a redis:// URL and verifies the server answers.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// RedisQueue is a FIFO over one Redis list: producers LPUSH, consumers BRPOP.
type RedisQueue struct {
	client redis.Cmdable
	name   string
	logger *slog.Logger
}

func NewRedisQueue(client redis.Cmdable, name string, logger *slog.Logger) *RedisQueue {
	if name == "" {
		name = DefaultName
	}
	return &RedisQueue{client: client, name: name, logger: logging.OrDefault(logger)}
}

func (q *RedisQueue) Name() string { return q.name }

// Enqueue adds job at the head of the list and returns the queue length.
func (q *RedisQueue) Enqueue(ctx context.Context, job models.Job) (int64, error) {
	if err := Validate(job); err != nil {
		return 0, err
	}
	raw, err := Encode(job)
	if err != nil {
		return 0, err
	}
	n, err := q.client.LPush(ctx, q.name, raw).Result()
	if err != nil {
		return 0, &util.StorageError{Op: "enqueue job", Err: err}
	}
	q.logger.Info("job enqueued", "queue", q.name, "document_id", job.DocumentID, "action", job.Action, "queue_length", n)
	return n, nil
}

// Dequeue blocks up to timeout for the oldest job. It returns (nil, nil) on timeout.
// A payload that cannot be decoded is already removed from the list; the returned
// *util.QueueDecodeError is for logging only.
func (q *RedisQueue) Dequeue(ctx context.Context, timeout time.Duration) (*models.Job, error) {
	res, err := q.client.BRPop(ctx, timeout, q.name).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &util.StorageError{Op: "dequeue job", Err: err}
	}
	if len(res) != 2 {
		return nil, &util.StorageError{Op: "dequeue job", Err: fmt.Errorf("unexpected BRPOP reply of %d elements", len(res))}
	}
	job, err := Decode(res[1])
	if err != nil {
		q.logger.Error("dropping undecodable job", "queue", q.name, "error", err)
		return nil, err
	}
	return &job, nil
}

// Requeue puts job at the tail with its attempt count bumped, behind everything already waiting.
func (q *RedisQueue) Requeue(ctx context.Context, job models.Job) error {
	job.Attempt++
	raw, err := Encode(job)
	if err != nil {
		return err
	}
	if err := q.client.RPush(ctx, q.name, raw).Err(); err != nil {
		return &util.StorageError{Op: "requeue job", Err: err}
	}
	q.logger.Warn("job requeued", "queue", q.name, "document_id", job.DocumentID, "action", job.Action, "attempt", job.Attempt)
	return nil
}

func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.name).Result()
	if err != nil {
		return 0, &util.StorageError{Op: "queue length", Err: err}
	}
	return n, nil
}

func (q *RedisQueue) Ping(ctx context.Context) error {
	if err := q.client.Ping(ctx).Err(); err != nil {
		return &util.StorageError{Op: "ping redis", Err: err}
	}
	return nil
}
