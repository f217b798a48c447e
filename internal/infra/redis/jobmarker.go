package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const defaultMarkerTTL = 10 * time.Minute

// JobMarker records which campaign jobs are already sitting in the work queue so a
// repeated Enqueue does not publish a second message.
type JobMarker struct {
	client *goredis.Client
	ttl    time.Duration
}

func NewJobMarker(client *goredis.Client, ttl time.Duration) (*JobMarker, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if ttl <= 0 {
		ttl = defaultMarkerTTL
	}

	return &JobMarker{client: client, ttl: ttl}, nil
}

// Claim returns false when a marker for jobID already exists.
func (m *JobMarker) Claim(ctx context.Context, jobID string) (bool, error) {
	key, err := markerKey(jobID)
	if err != nil {
		return false, err
	}

	ok, err := m.client.SetNX(ctx, key, time.Now().UTC().Format(time.RFC3339Nano), m.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim job marker: %w", err)
	}

	return ok, nil
}

func (m *JobMarker) Release(ctx context.Context, jobID string) error {
	key, err := markerKey(jobID)
	if err != nil {
		return err
	}

	if err := m.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to release job marker: %w", err)
	}

	return nil
}

func markerKey(jobID string) (string, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return "", fmt.Errorf("job id is required")
	}
	return "campaign:job:" + jobID, nil
}
