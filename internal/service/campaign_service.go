package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/campaign-engine/internal/domain"
	"github.com/kursadbilgin/campaign-engine/internal/observability"
	"github.com/kursadbilgin/campaign-engine/internal/queue"
	"github.com/kursadbilgin/campaign-engine/internal/repository"
	"go.uber.org/zap"
)

// CampaignService implements the campaign lifecycle operations exposed to the API.
type CampaignService struct {
	campaigns repository.CampaignRepository
	jobs      JobQueue
	logger    *zap.Logger
	metrics   *observability.Metrics
	now       func() time.Time
	newID     func() string
}

type CampaignPage struct {
	Campaigns []domain.Campaign
	Total     int64
	Page      int
	PageSize  int
}

// JobInfo is the coarse execution job view derived from the campaign status.
type JobInfo struct {
	JobID          string
	CampaignID     string
	Status         domain.JobStatus
	CampaignStatus domain.CampaignStatus
	Stats          domain.CampaignStats
}

func NewCampaignService(
	campaigns repository.CampaignRepository,
	jobs JobQueue,
	logger *zap.Logger,
) (*CampaignService, error) {
	if campaigns == nil {
		return nil, fmt.Errorf("campaign repository is required")
	}
	if jobs == nil {
		return nil, fmt.Errorf("job queue is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &CampaignService{
		campaigns: campaigns,
		jobs:      jobs,
		logger:    logger,
		now:       time.Now,
		newID:     uuid.NewString,
	}, nil
}

func (s *CampaignService) SetMetrics(metrics *observability.Metrics) {
	if s == nil {
		return
	}
	s.metrics = metrics
}

// CreateCampaign stores a new DRAFT campaign with every contact PENDING.
func (s *CampaignService) CreateCampaign(ctx context.Context, campaign *domain.Campaign) (*domain.Campaign, error) {
	if campaign == nil {
		return nil, fmt.Errorf("%w: campaign is required", domain.ErrValidation)
	}

	now := s.now().UTC()
	campaign.ID = s.newID()
	campaign.WorkspaceID = strings.TrimSpace(campaign.WorkspaceID)
	campaign.Name = strings.TrimSpace(campaign.Name)
	campaign.AssistantID = strings.TrimSpace(campaign.AssistantID)
	campaign.SIPTrunkID = strings.TrimSpace(campaign.SIPTrunkID)
	campaign.FromNumber = strings.TrimSpace(campaign.FromNumber)
	campaign.Status = domain.CampaignStatusDraft
	campaign.CreatedAt = now
	campaign.UpdatedAt = now
	campaign.QueuedAt = nil
	campaign.StartedAt = nil
	campaign.EndedAt = nil
	if campaign.MaxConcurrentCalls == 0 {
		campaign.MaxConcurrentCalls = domain.DefaultMaxConcurrentCalls
	}

	for i := range campaign.Contacts {
		contact := &campaign.Contacts[i]
		contact.Index = i
		contact.PhoneNumber = strings.TrimSpace(contact.PhoneNumber)
		contact.Name = strings.TrimSpace(contact.Name)
		contact.Outcome = domain.OutcomePending
		contact.AttemptCount = 0
		contact.LastError = nil
		contact.CallID = nil
		contact.UpdatedAt = now
	}

	if err := campaign.Validate(); err != nil {
		return nil, err
	}

	if err := s.campaigns.Create(ctx, campaign); err != nil {
		return nil, fmt.Errorf("failed to create campaign: %w", err)
	}

	observability.WithContextLogger(s.logger, ctx).Info("campaign created",
		zap.String("campaignId", campaign.ID),
		zap.String("workspaceId", campaign.WorkspaceID),
		zap.Int("contacts", len(campaign.Contacts)),
	)

	return campaign, nil
}

// StartCampaign queues a DRAFT campaign for execution. Repeating it on a QUEUED or RUNNING
// campaign succeeds without starting a second run.
func (s *CampaignService) StartCampaign(ctx context.Context, id string) (domain.CampaignStatus, error) {
	status, err := s.transition(ctx, id, func(current domain.CampaignStatus) (domain.CampaignStatus, bool, error) {
		switch current {
		case domain.CampaignStatusDraft:
			return domain.CampaignStatusQueued, true, nil
		case domain.CampaignStatusQueued, domain.CampaignStatusRunning:
			return current, false, nil
		default:
			return current, false, fmt.Errorf("%w: cannot start campaign in status %s", domain.ErrInvalidTransition, current)
		}
	})
	if err != nil {
		return "", err
	}

	if status == domain.CampaignStatusQueued {
		if err := s.enqueue(ctx, id); err != nil {
			return status, err
		}
	}
	return status, nil
}

// ResumeCampaign re-queues a PAUSED campaign; the next run picks up the first PENDING contact.
func (s *CampaignService) ResumeCampaign(ctx context.Context, id string) (domain.CampaignStatus, error) {
	status, err := s.transition(ctx, id, func(current domain.CampaignStatus) (domain.CampaignStatus, bool, error) {
		if current != domain.CampaignStatusPaused {
			return current, false, fmt.Errorf("%w: cannot resume campaign in status %s", domain.ErrInvalidTransition, current)
		}
		return domain.CampaignStatusQueued, true, nil
	})
	if err != nil {
		return "", err
	}

	if err := s.enqueue(ctx, id); err != nil {
		return status, err
	}
	return status, nil
}

// PauseCampaign asks the running dispatcher to stop issuing new calls.
func (s *CampaignService) PauseCampaign(ctx context.Context, id string) (domain.CampaignStatus, error) {
	status, err := s.transition(ctx, id, func(current domain.CampaignStatus) (domain.CampaignStatus, bool, error) {
		if current != domain.CampaignStatusRunning {
			return current, false, fmt.Errorf("%w: cannot pause campaign in status %s", domain.ErrInvalidTransition, current)
		}
		return domain.CampaignStatusPaused, true, nil
	})
	if err != nil {
		return "", err
	}
	return status, nil
}

// CancelCampaign cancels a RUNNING or PAUSED campaign and skips every contact not yet
// dispatched.
func (s *CampaignService) CancelCampaign(ctx context.Context, id string) (domain.CampaignStatus, error) {
	status, err := s.transition(ctx, id, func(current domain.CampaignStatus) (domain.CampaignStatus, bool, error) {
		if current != domain.CampaignStatusRunning && current != domain.CampaignStatusPaused {
			return current, false, fmt.Errorf("%w: cannot cancel campaign in status %s", domain.ErrInvalidTransition, current)
		}
		return domain.CampaignStatusCancelled, true, nil
	})
	if err != nil {
		return "", err
	}

	// A paused campaign has no dispatcher left to do this.
	skipped, err := s.campaigns.SkipPendingContacts(ctx, id)
	if err != nil {
		return status, fmt.Errorf("failed to skip pending contacts: %w", err)
	}
	observability.WithContextLogger(s.logger, ctx).Info("campaign cancelled",
		zap.String("campaignId", id),
		zap.Int64("skipped", skipped),
	)
	return status, nil
}

func (s *CampaignService) GetCampaign(ctx context.Context, id string) (*domain.Campaign, error) {
	return s.campaigns.GetByID(ctx, id)
}

func (s *CampaignService) ListCampaigns(ctx context.Context, params repository.ListParams) (*CampaignPage, error) {
	if params.Status != nil && !params.Status.IsValid() {
		return nil, fmt.Errorf("%w: invalid status %q", domain.ErrValidation, *params.Status)
	}

	page := max(params.Page, 1)
	pageSize := params.PageSize
	if pageSize < 1 {
		pageSize = 50
	}
	pageSize = min(pageSize, 100)
	params.Page = page
	params.PageSize = pageSize

	campaigns, total, err := s.campaigns.List(ctx, params)
	if err != nil {
		return nil, err
	}

	return &CampaignPage{
		Campaigns: campaigns,
		Total:     total,
		Page:      page,
		PageSize:  pageSize,
	}, nil
}

func (s *CampaignService) GetStats(ctx context.Context, id string) (domain.CampaignStats, error) {
	campaign, err := s.campaigns.GetByID(ctx, id)
	if err != nil {
		return domain.CampaignStats{}, err
	}
	return domain.ComputeStats(campaign.Contacts), nil
}

// GetJobStatus projects the campaign status onto the execution job status.
func (s *CampaignService) GetJobStatus(ctx context.Context, campaignID string) (*JobInfo, error) {
	campaign, err := s.campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if campaign.Status == domain.CampaignStatusDraft {
		return nil, fmt.Errorf("%w: campaign %s has not been started", domain.ErrNotFound, campaignID)
	}

	return &JobInfo{
		JobID:          campaign.ID,
		CampaignID:     campaign.ID,
		Status:         domain.JobStatusFor(campaign.Status),
		CampaignStatus: campaign.Status,
		Stats:          domain.ComputeStats(campaign.Contacts),
	}, nil
}

// transition re-reads the stored status and applies decide until the compare-and-swap
// lands. decide returns apply=false to leave the status as is.
func (s *CampaignService) transition(
	ctx context.Context,
	id string,
	decide func(current domain.CampaignStatus) (next domain.CampaignStatus, apply bool, err error),
) (domain.CampaignStatus, error) {
	for attempt := 0; attempt < maxStatusCASAttempts; attempt++ {
		current, err := s.campaigns.GetStatus(ctx, id)
		if err != nil {
			return "", err
		}

		next, apply, err := decide(current)
		if err != nil {
			return current, err
		}
		if !apply {
			return current, nil
		}
		if err := domain.ValidateTransition(current, next); err != nil {
			return current, err
		}

		err = s.campaigns.UpdateStatus(ctx, id, current, next)
		if err == nil {
			s.metrics.IncCampaignTransition(next.String())
			observability.WithContextLogger(s.logger, ctx).Info("campaign status changed",
				zap.String("campaignId", id),
				zap.String("from", current.String()),
				zap.String("to", next.String()),
			)
			return next, nil
		}
		if !errors.Is(err, domain.ErrConcurrentModification) {
			return current, fmt.Errorf("failed to update campaign status: %w", err)
		}
	}

	return "", fmt.Errorf("%w: campaign %s was modified concurrently", domain.ErrConflict, id)
}

func (s *CampaignService) enqueue(ctx context.Context, id string) error {
	correlationID, ok := observability.CorrelationIDFromContext(ctx)
	if !ok {
		correlationID = uuid.NewString()
	}

	enqueued, err := s.jobs.Enqueue(ctx, queue.NewExecutionMessage(id, "", correlationID))
	if err != nil {
		return fmt.Errorf("failed to enqueue campaign %s: %w", id, err)
	}
	if !enqueued {
		observability.WithContextLogger(s.logger, ctx).Debug("execution job already outstanding",
			zap.String("campaignId", id),
		)
	}
	return nil
}
