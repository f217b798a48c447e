package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/kursadbilgin/campaign-engine/internal/domain"
	"gorm.io/gorm"
)

const (
	contactInsertBatchSize = 500
	defaultPageSize        = 50
	maxPageSize            = 100
	uniqueViolationCode    = "23505"
)

type ListParams struct {
	WorkspaceID string
	Status      *domain.CampaignStatus
	Page        int
	PageSize    int
}

type CampaignRepository interface {
	Create(ctx context.Context, c *domain.Campaign) error
	GetByID(ctx context.Context, id string) (*domain.Campaign, error)
	GetStatus(ctx context.Context, id string) (domain.CampaignStatus, error)
	List(ctx context.Context, params ListParams) ([]domain.Campaign, int64, error)
	ListStale(ctx context.Context, statuses []domain.CampaignStatus, olderThan time.Time, limit int) ([]domain.Campaign, error)
	UpdateStatus(ctx context.Context, id string, expected, next domain.CampaignStatus) error
	MarkContactDispatched(ctx context.Context, campaignID string, index int, attempt int) error
	UpdateContactOutcome(ctx context.Context, campaignID string, index int, result domain.ContactResult) error
	SkipPendingContacts(ctx context.Context, campaignID string) (int64, error)
}

var _ CampaignRepository = (*GormCampaignRepo)(nil)

type GormCampaignRepo struct {
	db  *gorm.DB
	now func() time.Time
}

func NewGormCampaignRepo(db *gorm.DB) *GormCampaignRepo {
	return &GormCampaignRepo{db: db, now: time.Now}
}

// Create inserts the campaign and its contacts in one transaction.
func (r *GormCampaignRepo) Create(ctx context.Context, c *domain.Campaign) error {
	if c == nil {
		return fmt.Errorf("%w: campaign is required", domain.ErrValidation)
	}

	model := campaignModelFromDomain(c)
	contacts := make([]ContactModel, 0, len(c.Contacts))
	for i := range c.Contacts {
		contacts = append(contacts, contactModelFromDomain(c.ID, &c.Contacts[i]))
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(model).Error; err != nil {
			return err
		}
		if len(contacts) == 0 {
			return nil
		}
		return tx.CreateInBatches(&contacts, contactInsertBatchSize).Error
	})
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: campaign %s already exists", domain.ErrConflict, c.ID)
		}
		return err
	}

	*c = *campaignModelToDomain(model, contacts)
	return nil
}

func (r *GormCampaignRepo) GetByID(ctx context.Context, id string) (*domain.Campaign, error) {
	var model CampaignModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	contacts := []ContactModel{}
	if err := r.db.WithContext(ctx).
		Where("campaign_id = ?", id).
		Order("contact_index ASC").
		Find(&contacts).Error; err != nil {
		return nil, err
	}

	return campaignModelToDomain(&model, contacts), nil
}

func (r *GormCampaignRepo) GetStatus(ctx context.Context, id string) (domain.CampaignStatus, error) {
	var model CampaignModel
	err := r.db.WithContext(ctx).
		Select("status").
		First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", domain.ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return model.Status, nil
}

// List returns campaign headers without contacts, newest first.
func (r *GormCampaignRepo) List(ctx context.Context, params ListParams) ([]domain.Campaign, int64, error) {
	query := r.db.WithContext(ctx).Model(&CampaignModel{})

	if params.WorkspaceID != "" {
		query = query.Where("workspace_id = ?", params.WorkspaceID)
	}
	if params.Status != nil {
		query = query.Where("status = ?", *params.Status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	page := max(params.Page, 1)
	pageSize := params.PageSize
	if pageSize < 1 {
		pageSize = defaultPageSize
	}
	pageSize = min(pageSize, maxPageSize)

	var models []CampaignModel
	err := query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&models).Error
	if err != nil {
		return nil, 0, err
	}

	campaigns := make([]domain.Campaign, 0, len(models))
	for i := range models {
		campaigns = append(campaigns, *campaignModelToDomain(&models[i], nil))
	}

	return campaigns, total, nil
}

func (r *GormCampaignRepo) ListStale(ctx context.Context, statuses []domain.CampaignStatus, olderThan time.Time, limit int) ([]domain.Campaign, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = defaultPageSize
	}

	var models []CampaignModel
	err := r.db.WithContext(ctx).
		Where("status IN ? AND updated_at <= ?", statuses, olderThan).
		Order("updated_at ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	campaigns := make([]domain.Campaign, 0, len(models))
	for i := range models {
		campaigns = append(campaigns, *campaignModelToDomain(&models[i], nil))
	}
	return campaigns, nil
}

// UpdateStatus moves the campaign from expected to next only if the stored status is
// still expected. A lost race returns domain.ErrConcurrentModification.
func (r *GormCampaignRepo) UpdateStatus(ctx context.Context, id string, expected, next domain.CampaignStatus) error {
	now := r.now().UTC()
	updates := map[string]any{
		"status":     next,
		"updated_at": now,
	}
	switch {
	case next == domain.CampaignStatusQueued:
		updates["queued_at"] = now
	case next == domain.CampaignStatusRunning:
		updates["started_at"] = gorm.Expr("COALESCE(started_at, ?)", now)
	case next.IsTerminal():
		updates["ended_at"] = now
	}

	result := r.db.WithContext(ctx).
		Model(&CampaignModel{}).
		Where("id = ? AND status = ?", id, expected).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		return nil
	}

	current, err := r.GetStatus(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: campaign %s is %s, expected %s", domain.ErrConcurrentModification, id, current, expected)
}

// MarkContactDispatched records a new placement attempt. Only PENDING or DISPATCHED rows
// move, so a contact skipped by a cancel is never dispatched.
func (r *GormCampaignRepo) MarkContactDispatched(ctx context.Context, campaignID string, index int, attempt int) error {
	result := r.db.WithContext(ctx).
		Model(&ContactModel{}).
		Where("campaign_id = ? AND contact_index = ? AND outcome IN ?", campaignID, index,
			[]domain.ContactOutcome{domain.OutcomePending, domain.OutcomeDispatched}).
		Updates(map[string]any{
			"outcome":       domain.OutcomeDispatched,
			"attempt_count": attempt,
			"updated_at":    r.now().UTC(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: contact %d of campaign %s is not dispatchable", domain.ErrConflict, index, campaignID)
	}
	return nil
}

// UpdateContactOutcome writes a terminal result for a DISPATCHED contact.
func (r *GormCampaignRepo) UpdateContactOutcome(ctx context.Context, campaignID string, index int, res domain.ContactResult) error {
	if !res.Outcome.IsTerminal() {
		return fmt.Errorf("%w: outcome %s is not terminal", domain.ErrValidation, res.Outcome)
	}

	result := r.db.WithContext(ctx).
		Model(&ContactModel{}).
		Where("campaign_id = ? AND contact_index = ? AND outcome = ?", campaignID, index, domain.OutcomeDispatched).
		Updates(map[string]any{
			"outcome":       res.Outcome,
			"attempt_count": res.AttemptCount,
			"last_error":    res.LastError,
			"call_id":       res.CallID,
			"updated_at":    r.now().UTC(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: contact %d of campaign %s is not dispatched", domain.ErrConflict, index, campaignID)
	}
	return nil
}

func (r *GormCampaignRepo) SkipPendingContacts(ctx context.Context, campaignID string) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&ContactModel{}).
		Where("campaign_id = ? AND outcome = ?", campaignID, domain.OutcomePending).
		Updates(map[string]any{
			"outcome":    domain.OutcomeSkipped,
			"updated_at": r.now().UTC(),
		})
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode
}
