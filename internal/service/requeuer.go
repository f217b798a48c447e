package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/campaign-engine/internal/domain"
	"github.com/kursadbilgin/campaign-engine/internal/lock"
	"github.com/kursadbilgin/campaign-engine/internal/observability"
	"github.com/kursadbilgin/campaign-engine/internal/queue"
	"github.com/kursadbilgin/campaign-engine/internal/repository"
	"go.uber.org/zap"
)

const (
	defaultRequeueInterval   = 30 * time.Second
	defaultRequeueStaleAfter = 2 * time.Minute
	defaultRequeueBatchSize  = 100
)

// Requeuer periodically recovers campaigns whose execution job was lost: QUEUED campaigns
// that never started and RUNNING campaigns nobody holds the execution lock for.
type Requeuer struct {
	campaigns  repository.CampaignRepository
	jobs       JobQueue
	locker     lock.Locker
	logger     *zap.Logger
	metrics    *observability.Metrics
	interval   time.Duration
	staleAfter time.Duration
	limit      int
	now        func() time.Time
}

func NewRequeuer(
	campaigns repository.CampaignRepository,
	jobs JobQueue,
	locker lock.Locker,
	interval time.Duration,
	staleAfter time.Duration,
	limit int,
	logger *zap.Logger,
) (*Requeuer, error) {
	if campaigns == nil {
		return nil, fmt.Errorf("campaign repository is required")
	}
	if jobs == nil {
		return nil, fmt.Errorf("job queue is required")
	}
	if locker == nil {
		return nil, fmt.Errorf("locker is required")
	}
	if interval <= 0 {
		interval = defaultRequeueInterval
	}
	if staleAfter <= 0 {
		staleAfter = defaultRequeueStaleAfter
	}
	if limit <= 0 {
		limit = defaultRequeueBatchSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Requeuer{
		campaigns:  campaigns,
		jobs:       jobs,
		locker:     locker,
		logger:     logger,
		interval:   interval,
		staleAfter: staleAfter,
		limit:      limit,
		now:        time.Now,
	}, nil
}

func (r *Requeuer) SetMetrics(metrics *observability.Metrics) {
	if r == nil {
		return
	}
	r.metrics = metrics
}

func (r *Requeuer) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if err := r.scan(ctx); err != nil && ctx.Err() == nil {
		r.logger.Error("requeuer initial scan failed", zap.Error(err))
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := r.scan(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				r.logger.Error("requeuer scan failed", zap.Error(err))
			}
		}
	}
}

func (r *Requeuer) scan(ctx context.Context) error {
	stale, err := r.campaigns.ListStale(ctx,
		[]domain.CampaignStatus{domain.CampaignStatusQueued, domain.CampaignStatusRunning},
		r.now().UTC().Add(-r.staleAfter),
		r.limit,
	)
	if err != nil {
		return fmt.Errorf("failed to list stale campaigns: %w", err)
	}

	for i := range stale {
		campaign := stale[i]

		if campaign.Status == domain.CampaignStatusRunning {
			held, err := r.locker.IsHeld(ctx, lock.CampaignKey(campaign.ID))
			if err != nil {
				r.logger.Warn("failed to check execution lock",
					zap.String("campaignId", campaign.ID),
					zap.Error(err),
				)
				continue
			}
			if held {
				continue
			}
		}

		msg := queue.NewExecutionMessage(campaign.ID, campaign.WorkspaceID, uuid.NewString())
		enqueued, err := r.jobs.Enqueue(ctx, msg)
		if err != nil {
			r.logger.Error("failed to requeue campaign",
				zap.String("campaignId", campaign.ID),
				zap.String("status", campaign.Status.String()),
				zap.Error(err),
			)
			continue
		}
		if enqueued {
			r.metrics.IncJobRequeued(campaign.Status.String())
			r.logger.Info("requeued stale campaign",
				zap.String("campaignId", campaign.ID),
				zap.String("status", campaign.Status.String()),
			)
		}
	}

	return nil
}
