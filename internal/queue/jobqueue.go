package queue

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Deduper tracks jobs already outstanding in the queue.
type Deduper interface {
	Claim(ctx context.Context, jobID string) (bool, error)
	Release(ctx context.Context, jobID string) error
}

// JobQueue publishes execution jobs at most once while a job for the same campaign is
// still waiting in the queue.
type JobQueue struct {
	publisher Publisher
	deduper   Deduper
	queue     string
	logger    *zap.Logger
}

func NewJobQueue(publisher Publisher, deduper Deduper, logger *zap.Logger) *JobQueue {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &JobQueue{
		publisher: publisher,
		deduper:   deduper,
		queue:     ExecuteQueue,
		logger:    logger,
	}
}

// Enqueue returns false when an identical job is already outstanding.
func (q *JobQueue) Enqueue(ctx context.Context, msg ExecutionMessage) (bool, error) {
	if q == nil || q.publisher == nil || q.deduper == nil {
		return false, fmt.Errorf("job queue is not initialized")
	}
	if err := msg.Validate(); err != nil {
		return false, fmt.Errorf("invalid execution message: %w", err)
	}

	claimed, err := q.deduper.Claim(ctx, msg.JobID)
	if err != nil {
		return false, fmt.Errorf("failed to claim job %s: %w", msg.JobID, err)
	}
	if !claimed {
		q.logger.Debug("execution job already outstanding", zap.String("jobId", msg.JobID))
		return false, nil
	}

	if err := q.publisher.Publish(ctx, q.queue, msg); err != nil {
		if releaseErr := q.deduper.Release(context.WithoutCancel(ctx), msg.JobID); releaseErr != nil {
			q.logger.Error("failed to release job marker after publish failure",
				zap.Error(releaseErr),
				zap.String("jobId", msg.JobID),
			)
		}
		return false, fmt.Errorf("failed to publish job %s: %w", msg.JobID, err)
	}

	return true, nil
}

// Release clears the outstanding marker; workers call it when they take the job.
func (q *JobQueue) Release(ctx context.Context, jobID string) error {
	if q == nil || q.deduper == nil {
		return fmt.Errorf("job queue is not initialized")
	}
	return q.deduper.Release(ctx, jobID)
}
