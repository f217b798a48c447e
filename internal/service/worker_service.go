package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/campaign-engine/internal/domain"
	"github.com/kursadbilgin/campaign-engine/internal/lock"
	"github.com/kursadbilgin/campaign-engine/internal/observability"
	"github.com/kursadbilgin/campaign-engine/internal/queue"
	"github.com/kursadbilgin/campaign-engine/internal/repository"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	minWorkerConcurrency = 1
	defaultLockTTL       = 30 * time.Second
)

// JobQueue enqueues campaign execution jobs idempotently by campaign ID.
type JobQueue interface {
	Enqueue(ctx context.Context, msg queue.ExecutionMessage) (bool, error)
	Release(ctx context.Context, jobID string) error
}

// CampaignRunner executes a RUNNING campaign and reports the status it ended in.
type CampaignRunner interface {
	Run(ctx context.Context, campaignID string) (domain.CampaignStatus, error)
}

// WorkerService consumes execution jobs and runs each campaign under its execution lock.
type WorkerService struct {
	campaigns   repository.CampaignRepository
	consumer    queue.Consumer
	jobs        JobQueue
	locker      lock.Locker
	runner      CampaignRunner
	lockTTL     time.Duration
	concurrency int
	logger      *zap.Logger
	metrics     *observability.Metrics
}

func NewWorkerService(
	campaigns repository.CampaignRepository,
	consumer queue.Consumer,
	jobs JobQueue,
	locker lock.Locker,
	runner CampaignRunner,
	lockTTL time.Duration,
	concurrency int,
	logger *zap.Logger,
) (*WorkerService, error) {
	if campaigns == nil {
		return nil, fmt.Errorf("campaign repository is required")
	}
	if consumer == nil {
		return nil, fmt.Errorf("consumer is required")
	}
	if jobs == nil {
		return nil, fmt.Errorf("job queue is required")
	}
	if locker == nil {
		return nil, fmt.Errorf("locker is required")
	}
	if runner == nil {
		return nil, fmt.Errorf("campaign runner is required")
	}
	if lockTTL <= 0 {
		lockTTL = defaultLockTTL
	}
	if concurrency < minWorkerConcurrency {
		concurrency = minWorkerConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &WorkerService{
		campaigns:   campaigns,
		consumer:    consumer,
		jobs:        jobs,
		locker:      locker,
		runner:      runner,
		lockTTL:     lockTTL,
		concurrency: concurrency,
		logger:      logger,
	}, nil
}

func (s *WorkerService) SetMetrics(metrics *observability.Metrics) {
	if s == nil {
		return
	}
	s.metrics = metrics
}

// Start runs concurrency consumers on the execute queue until ctx is cancelled.
func (s *WorkerService) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	g, groupCtx := errgroup.WithContext(ctx)
	for i := 0; i < s.concurrency; i++ {
		workerID := i + 1

		g.Go(func() error {
			s.logger.Info("worker started",
				zap.Int("workerId", workerID),
				zap.String("queue", queue.ExecuteQueue),
			)

			err := s.consumer.Consume(groupCtx, queue.ExecuteQueue, s.handleJob)
			if err != nil {
				s.logger.Error("worker stopped with error",
					zap.Int("workerId", workerID),
					zap.Error(err),
				)
				return err
			}

			s.logger.Info("worker stopped", zap.Int("workerId", workerID))
			return nil
		})
	}

	return g.Wait()
}

// handleJob runs one execution job and settles it with jobDisposition.
func (s *WorkerService) handleJob(ctx context.Context, msg queue.ExecutionMessage) queue.Disposition {
	err := s.processMessage(ctx, msg)
	disposition := jobDisposition(err)

	switch disposition {
	case queue.DeadLetter:
		s.logger.Error("dead-lettering execution job",
			zap.Error(err),
			zap.String("campaignId", msg.CampaignID),
		)
		s.metrics.IncJobDiscarded("dead_letter")
	case queue.Requeue:
		s.logger.Warn("requeueing execution job",
			zap.Error(err),
			zap.String("campaignId", msg.CampaignID),
		)
	}
	return disposition
}

// jobDisposition acks finished and fatally failed runs, dead-letters jobs for campaigns
// that cannot run at all, and requeues everything else so redelivery resumes from the
// stored contact outcomes.
func jobDisposition(err error) queue.Disposition {
	switch {
	case err == nil, errors.Is(err, domain.ErrCampaignFatal):
		return queue.Ack
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrValidation):
		return queue.DeadLetter
	default:
		return queue.Requeue
	}
}

// processMessage executes one job under the campaign's execution lock.
func (s *WorkerService) processMessage(ctx context.Context, msg queue.ExecutionMessage) error {
	if msg.CorrelationID != "" {
		ctx = observability.WithCorrelationID(ctx, msg.CorrelationID)
	}
	ctx = observability.WithCampaignID(ctx, msg.CampaignID)
	logger := observability.WithContextLogger(s.logger, ctx)

	// The job has left the queue; a later Enqueue must publish again.
	if err := s.jobs.Release(ctx, msg.JobID); err != nil {
		logger.Warn("failed to release job marker", zap.Error(err))
	}

	lease, err := s.locker.Acquire(ctx, lock.CampaignKey(msg.CampaignID), s.lockTTL)
	if err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			logger.Info("discarding job: campaign is executed by another worker")
			s.metrics.IncJobDiscarded("lock_held")
			return nil
		}
		return fmt.Errorf("failed to acquire execution lock: %w", err)
	}

	handoff, runErr := s.execute(ctx, msg, lease, logger)

	if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
		logger.Warn("failed to release execution lock", zap.Error(err))
	}

	if runErr != nil {
		if errors.Is(runErr, domain.ErrCampaignFatal) {
			logger.Error("campaign failed", zap.Error(runErr))
		}
		return runErr
	}

	if handoff {
		s.handOff(ctx, msg, logger)
	}
	return nil
}

// execute runs the campaign while holding lease. It reports whether the campaign ended
// paused, in which case it may have been resumed while this worker was draining.
func (s *WorkerService) execute(ctx context.Context, msg queue.ExecutionMessage, lease lock.Lease, logger *zap.Logger) (bool, error) {
	status, err := s.campaigns.GetStatus(ctx, msg.CampaignID)
	if err != nil {
		return false, fmt.Errorf("failed to read campaign status: %w", err)
	}

	switch status {
	case domain.CampaignStatusQueued:
		err := s.campaigns.UpdateStatus(ctx, msg.CampaignID, domain.CampaignStatusQueued, domain.CampaignStatusRunning)
		if errors.Is(err, domain.ErrConcurrentModification) {
			logger.Info("discarding job: campaign changed before start")
			s.metrics.IncJobDiscarded("status_changed")
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("failed to mark campaign running: %w", err)
		}
		s.metrics.IncCampaignTransition(domain.CampaignStatusRunning.String())
	case domain.CampaignStatusRunning:
		logger.Info("resuming interrupted campaign run")
	default:
		logger.Info("discarding job: campaign is not runnable", zap.String("status", status.String()))
		s.metrics.IncJobDiscarded("status_" + strings.ToLower(status.String()))
		return false, nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	keepAliveDone := make(chan struct{})
	go func() {
		defer close(keepAliveDone)
		s.keepAlive(runCtx, cancel, lease, logger)
	}()

	final, err := s.runner.Run(runCtx, msg.CampaignID)
	cancel()
	<-keepAliveDone

	if err != nil {
		if !errors.Is(err, domain.ErrCampaignFatal) && ctx.Err() == nil && runCtx.Err() != nil {
			return false, fmt.Errorf("campaign run interrupted, execution lock lost: %w", err)
		}
		return false, err
	}

	return final == domain.CampaignStatusPaused || final == domain.CampaignStatusQueued, nil
}

// keepAlive refreshes the lease every lockTTL/3 and cancels the run once it is lost.
func (s *WorkerService) keepAlive(ctx context.Context, cancel context.CancelFunc, lease lock.Lease, logger *zap.Logger) {
	ticker := time.NewTicker(s.lockTTL / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := lease.Refresh(ctx, s.lockTTL)
			if err == nil {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, lock.ErrLeaseLost) {
				logger.Error("execution lock lost, stopping run")
				cancel()
				return
			}
			logger.Warn("failed to refresh execution lock", zap.Error(err))
		}
	}
}

// handOff re-enqueues a campaign that was resumed while its previous run was draining.
// The job published by the resume was discarded because this worker still held the lock.
func (s *WorkerService) handOff(ctx context.Context, msg queue.ExecutionMessage, logger *zap.Logger) {
	status, err := s.campaigns.GetStatus(ctx, msg.CampaignID)
	if err != nil {
		logger.Warn("failed to read campaign status for hand-off", zap.Error(err))
		return
	}
	if status != domain.CampaignStatusQueued {
		return
	}

	next := queue.NewExecutionMessage(msg.CampaignID, msg.WorkspaceID, msg.CorrelationID)
	if _, err := s.jobs.Enqueue(ctx, next); err != nil {
		logger.Error("failed to hand off resumed campaign", zap.Error(err))
		return
	}
	logger.Info("handed off resumed campaign")
}
