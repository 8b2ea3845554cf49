package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"storyreel/internal/config"
	"storyreel/internal/render"

	"github.com/redis/go-redis/v9"
)

const (
	// WaitingQueue is the Redis list key for pending render jobs
	WaitingQueue = "storyreel:waiting"
	// RunningUsersKey is the Redis set key for users with running renders
	RunningUsersKey = "storyreel:running-users"
	// FailedQueueName is the Redis list key for failed render jobs
	FailedQueueName = "storyreel:failed"
	// BlockTimeout is how long BRPOP will wait for a job
	BlockTimeout = 5 * time.Second
	// FailedJobTTL is how long failed jobs are kept in Redis
	FailedJobTTL = 30 * time.Minute
)

// Job is one queued render request.
type Job struct {
	ID         string         `json:"id"`
	UserID     string         `json:"user_id,omitempty"`
	Request    render.Request `json:"request"`
	CreatedAt  time.Time      `json:"created_at"`
	FailReason string         `json:"fail_reason,omitempty"` // Set when job fails
}

// Queue manages the Redis render job queue
type Queue struct {
	client *redis.Client
}

// NewQueue creates a new queue connection
func NewQueue(ctx context.Context) (*Queue, error) {
	addr := fmt.Sprintf("%s:%d", config.RedisHost, config.RedisPort)
	slog.Debug("Connecting to Redis queue", "addr", addr)

	client := redis.NewClient(&redis.Options{Addr: addr})
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	slog.Info("Redis queue initialized", "addr", addr)
	return &Queue{client: client}, nil
}

// NewQueueWithClient creates a queue with an existing Redis client (for testing)
func NewQueueWithClient(client *redis.Client) *Queue {
	return &Queue{client: client}
}

// IsUserRunning checks if a user already has a render running
func (q *Queue) IsUserRunning(ctx context.Context, userID string) (bool, error) {
	if q.client == nil {
		return false, fmt.Errorf("queue is not connected")
	}

	exists, err := q.client.SIsMember(ctx, RunningUsersKey, userID).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check running users: %w", err)
	}
	return exists, nil
}

// Enqueue adds a render job to the queue
func (q *Queue) Enqueue(ctx context.Context, job *Job) error {
	if q.client == nil {
		return fmt.Errorf("queue is not connected")
	}

	jobJSON, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	if err := q.client.LPush(ctx, WaitingQueue, jobJSON).Err(); err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}

	slog.Info("Render job enqueued", "job_id", job.ID, "project_id", job.Request.ProjectID)
	return nil
}

// Dequeue removes and returns a job from the queue.
// This blocks for up to BlockTimeout waiting for a job.
func (q *Queue) Dequeue(ctx context.Context) (*Job, error) {
	if q.client == nil {
		return nil, fmt.Errorf("queue is not connected")
	}

	result, err := q.client.BRPop(ctx, BlockTimeout, WaitingQueue).Result()
	if err != nil {
		// redis.Nil means timeout (no job available)
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to dequeue job: %w", err)
	}

	// BRPOP returns [key, value]
	if len(result) < 2 {
		return nil, fmt.Errorf("invalid BRPOP result: %v", result)
	}

	var job Job
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}

	slog.Info("Render job dequeued", "job_id", job.ID, "project_id", job.Request.ProjectID)
	return &job, nil
}

// StartJob marks a user as having a running render.
// Returns false if the user already has one running (conflict).
func (q *Queue) StartJob(ctx context.Context, userID string) (bool, error) {
	if q.client == nil {
		return false, fmt.Errorf("queue is not connected")
	}

	// SADD returns 1 if added (user wasn't running), 0 if already exists
	added, err := q.client.SAdd(ctx, RunningUsersKey, userID).Result()
	if err != nil {
		return false, fmt.Errorf("failed to mark user as running: %w", err)
	}
	return added == 1, nil
}

// CompleteJob removes the user from the running set
func (q *Queue) CompleteJob(ctx context.Context, userID string) error {
	if q.client == nil {
		return fmt.Errorf("queue is not connected")
	}

	if err := q.client.SRem(ctx, RunningUsersKey, userID).Err(); err != nil {
		return fmt.Errorf("failed to remove user from running set: %w", err)
	}
	return nil
}

// FailJob adds a job to the failed queue with a reason
func (q *Queue) FailJob(ctx context.Context, job *Job, reason string) error {
	if q.client == nil {
		return fmt.Errorf("queue is not connected")
	}

	job.FailReason = reason
	jobJSON, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal failed job: %w", err)
	}

	pipe := q.client.Pipeline()
	pipe.LPush(ctx, FailedQueueName, jobJSON)
	pipe.Expire(ctx, FailedQueueName, FailedJobTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to add job to failed queue: %w", err)
	}

	slog.Warn("Render job failed", "job_id", job.ID, "user_id", job.UserID, "reason", reason)
	return nil
}

// QueueLength returns the number of jobs waiting
func (q *Queue) QueueLength(ctx context.Context) (int64, error) {
	if q.client == nil {
		return 0, fmt.Errorf("queue is not connected")
	}

	length, err := q.client.LLen(ctx, WaitingQueue).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get queue length: %w", err)
	}
	return length, nil
}

// Close closes the queue connection
func (q *Queue) Close() error {
	if q.client != nil {
		return q.client.Close()
	}
	return nil
}
