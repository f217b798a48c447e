package handler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/campaign-engine/internal/domain"
	"github.com/kursadbilgin/campaign-engine/internal/observability"
	"github.com/kursadbilgin/campaign-engine/internal/repository"
	"github.com/kursadbilgin/campaign-engine/internal/service"
	"github.com/kursadbilgin/campaign-engine/internal/transport"
)

const (
	defaultPage     = 1
	defaultPageSize = 50
	maxPageSize     = 100
)

type CampaignService interface {
	CreateCampaign(ctx context.Context, campaign *domain.Campaign) (*domain.Campaign, error)
	StartCampaign(ctx context.Context, id string) (domain.CampaignStatus, error)
	PauseCampaign(ctx context.Context, id string) (domain.CampaignStatus, error)
	ResumeCampaign(ctx context.Context, id string) (domain.CampaignStatus, error)
	CancelCampaign(ctx context.Context, id string) (domain.CampaignStatus, error)
	GetCampaign(ctx context.Context, id string) (*domain.Campaign, error)
	ListCampaigns(ctx context.Context, params repository.ListParams) (*service.CampaignPage, error)
	GetStats(ctx context.Context, id string) (domain.CampaignStats, error)
	GetJobStatus(ctx context.Context, campaignID string) (*service.JobInfo, error)
}

type CampaignHandler struct {
	service CampaignService
}

func NewCampaignHandler(service CampaignService) (*CampaignHandler, error) {
	if service == nil {
		return nil, fmt.Errorf("campaign service is required")
	}
	return &CampaignHandler{service: service}, nil
}

func RegisterCampaignRoutes(router fiber.Router, service CampaignService) error {
	h, err := NewCampaignHandler(service)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	v1.Post("/campaigns", h.CreateCampaign)
	v1.Get("/campaigns", h.ListCampaigns)
	v1.Get("/campaigns/:id", h.GetCampaign)
	v1.Get("/campaigns/:id/stats", h.GetStats)
	v1.Post("/campaigns/:id/start", h.StartCampaign)
	v1.Post("/campaigns/:id/pause", h.PauseCampaign)
	v1.Post("/campaigns/:id/resume", h.ResumeCampaign)
	v1.Post("/campaigns/:id/cancel", h.CancelCampaign)
	v1.Get("/jobs/:campaignId", h.GetJobStatus)

	return nil
}

type createCampaignRequest struct {
	WorkspaceID        string           `json:"workspaceId"`
	Name               string           `json:"name"`
	AssistantID        string           `json:"assistantId"`
	SIPTrunkID         string           `json:"sipTrunkId"`
	FromNumber         string           `json:"fromNumber"`
	MaxConcurrentCalls *int             `json:"maxConcurrentCalls,omitempty"`
	Contacts           []contactRequest `json:"contacts"`
}

type contactRequest struct {
	PhoneNumber string            `json:"phoneNumber"`
	Name        string            `json:"name"`
	Variables   map[string]string `json:"variables,omitempty"`
}

type campaignResponse struct {
	ID                 string            `json:"id"`
	WorkspaceID        string            `json:"workspaceId"`
	Name               string            `json:"name"`
	AssistantID        string            `json:"assistantId"`
	SIPTrunkID         string            `json:"sipTrunkId,omitempty"`
	FromNumber         string            `json:"fromNumber,omitempty"`
	MaxConcurrentCalls int               `json:"maxConcurrentCalls"`
	Status             string            `json:"status"`
	ContactCount       int               `json:"contactCount"`
	Contacts           []contactResponse `json:"contacts,omitempty"`
	CreatedAt          time.Time         `json:"createdAt"`
	UpdatedAt          time.Time         `json:"updatedAt"`
	QueuedAt           *time.Time        `json:"queuedAt,omitempty"`
	StartedAt          *time.Time        `json:"startedAt,omitempty"`
	EndedAt            *time.Time        `json:"endedAt,omitempty"`
}

type contactResponse struct {
	Index        int               `json:"index"`
	PhoneNumber  string            `json:"phoneNumber"`
	Name         string            `json:"name,omitempty"`
	Variables    map[string]string `json:"variables,omitempty"`
	Outcome      string            `json:"outcome"`
	AttemptCount int               `json:"attemptCount"`
	LastError    *string           `json:"lastError,omitempty"`
	CallID       *string           `json:"callId,omitempty"`
}

type statsResponse struct {
	CampaignID      string           `json:"campaignId"`
	Total           int              `json:"total"`
	Pending         int              `json:"pending"`
	Dispatched      int              `json:"dispatched"`
	Answered        int              `json:"answered"`
	Failed          int              `json:"failed"`
	Skipped         int              `json:"skipped"`
	CompletionRatio float64          `json:"completionRatio"`
	SuccessRate     float64          `json:"successRate"`
	Counters        countersResponse `json:"counters"`
}

type countersResponse struct {
	Queued     int `json:"queued"`
	InProgress int `json:"inProgress"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Skipped    int `json:"skipped"`
}

type statusResponse struct {
	CampaignID string `json:"campaignId"`
	Status     string `json:"status"`
}

type jobResponse struct {
	JobID          string        `json:"jobId"`
	CampaignID     string        `json:"campaignId"`
	Status         string        `json:"status"`
	CampaignStatus string        `json:"campaignStatus"`
	Stats          statsResponse `json:"stats"`
}

type listCampaignsResponse struct {
	Data []campaignResponse `json:"data"`
	Meta listMeta           `json:"meta"`
}

type listMeta struct {
	Page     int   `json:"page"`
	PageSize int   `json:"pageSize"`
	Total    int64 `json:"total"`
}

func (h *CampaignHandler) CreateCampaign(c *fiber.Ctx) error {
	var req createCampaignRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	campaign := requestToDomainCampaign(req)
	created, err := h.service.CreateCampaign(requestContext(c), &campaign)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusCreated).JSON(toCampaignResponse(created, true))
}

func (h *CampaignHandler) GetCampaign(c *fiber.Ctx) error {
	campaign, err := h.service.GetCampaign(requestContext(c), strings.TrimSpace(c.Params("id")))
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(toCampaignResponse(campaign, true))
}

func (h *CampaignHandler) ListCampaigns(c *fiber.Ctx) error {
	params, err := parseListParams(c)
	if err != nil {
		return toHTTPError(err)
	}

	page, err := h.service.ListCampaigns(requestContext(c), params)
	if err != nil {
		return toHTTPError(err)
	}

	data := make([]campaignResponse, 0, len(page.Campaigns))
	for i := range page.Campaigns {
		data = append(data, toCampaignResponse(&page.Campaigns[i], false))
	}

	return c.Status(fiber.StatusOK).JSON(listCampaignsResponse{
		Data: data,
		Meta: listMeta{
			Page:     page.Page,
			PageSize: page.PageSize,
			Total:    page.Total,
		},
	})
}

func (h *CampaignHandler) GetStats(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))
	stats, err := h.service.GetStats(requestContext(c), id)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(toStatsResponse(id, stats))
}

func (h *CampaignHandler) StartCampaign(c *fiber.Ctx) error {
	return h.changeStatus(c, fiber.StatusAccepted, h.service.StartCampaign)
}

func (h *CampaignHandler) ResumeCampaign(c *fiber.Ctx) error {
	return h.changeStatus(c, fiber.StatusAccepted, h.service.ResumeCampaign)
}

func (h *CampaignHandler) PauseCampaign(c *fiber.Ctx) error {
	return h.changeStatus(c, fiber.StatusOK, h.service.PauseCampaign)
}

func (h *CampaignHandler) CancelCampaign(c *fiber.Ctx) error {
	return h.changeStatus(c, fiber.StatusOK, h.service.CancelCampaign)
}

func (h *CampaignHandler) GetJobStatus(c *fiber.Ctx) error {
	info, err := h.service.GetJobStatus(requestContext(c), strings.TrimSpace(c.Params("campaignId")))
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(jobResponse{
		JobID:          info.JobID,
		CampaignID:     info.CampaignID,
		Status:         info.Status.String(),
		CampaignStatus: info.CampaignStatus.String(),
		Stats:          toStatsResponse(info.CampaignID, info.Stats),
	})
}

func (h *CampaignHandler) changeStatus(
	c *fiber.Ctx,
	successCode int,
	op func(ctx context.Context, id string) (domain.CampaignStatus, error),
) error {
	id := strings.TrimSpace(c.Params("id"))
	status, err := op(requestContext(c), id)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(successCode).JSON(statusResponse{
		CampaignID: id,
		Status:     status.String(),
	})
}

func parseListParams(c *fiber.Ctx) (repository.ListParams, error) {
	params := repository.ListParams{
		WorkspaceID: strings.TrimSpace(c.Query("workspaceId")),
		Page:        c.QueryInt("page", defaultPage),
		PageSize:    c.QueryInt("pageSize", defaultPageSize),
	}

	if params.Page < 1 {
		return repository.ListParams{}, fmt.Errorf("%w: page must be >= 1", domain.ErrValidation)
	}
	if params.PageSize < 1 || params.PageSize > maxPageSize {
		return repository.ListParams{}, fmt.Errorf("%w: pageSize must be between 1 and %d", domain.ErrValidation, maxPageSize)
	}

	if rawStatus := strings.TrimSpace(c.Query("status")); rawStatus != "" {
		status, err := domain.ParseCampaignStatusFromString(rawStatus)
		if err != nil {
			return repository.ListParams{}, err
		}
		params.Status = &status
	}

	return params, nil
}

func requestToDomainCampaign(req createCampaignRequest) domain.Campaign {
	campaign := domain.Campaign{
		WorkspaceID: strings.TrimSpace(req.WorkspaceID),
		Name:        strings.TrimSpace(req.Name),
		AssistantID: strings.TrimSpace(req.AssistantID),
		SIPTrunkID:  strings.TrimSpace(req.SIPTrunkID),
		FromNumber:  strings.TrimSpace(req.FromNumber),
		Contacts:    make([]domain.Contact, 0, len(req.Contacts)),
	}
	if req.MaxConcurrentCalls != nil {
		campaign.MaxConcurrentCalls = *req.MaxConcurrentCalls
		// an explicit zero is rejected rather than defaulted
		if campaign.MaxConcurrentCalls == 0 {
			campaign.MaxConcurrentCalls = -1
		}
	}

	for i, contact := range req.Contacts {
		campaign.Contacts = append(campaign.Contacts, domain.Contact{
			Index:       i,
			PhoneNumber: strings.TrimSpace(contact.PhoneNumber),
			Name:        strings.TrimSpace(contact.Name),
			Variables:   contact.Variables,
		})
	}

	return campaign
}

// requestContext carries the request ID into service calls as the correlation ID.
func requestContext(c *fiber.Ctx) context.Context {
	ctx := c.UserContext()
	if id := requestCorrelationID(c); id != "" {
		ctx = observability.WithCorrelationID(ctx, id)
	}
	return ctx
}

func requestCorrelationID(c *fiber.Ctx) string {
	if value := strings.TrimSpace(c.Get(fiber.HeaderXRequestID)); value != "" {
		return value
	}
	if value, ok := c.Locals("requestid").(string); ok {
		return strings.TrimSpace(value)
	}
	return ""
}

func toCampaignResponse(campaign *domain.Campaign, withContacts bool) campaignResponse {
	if campaign == nil {
		return campaignResponse{}
	}

	resp := campaignResponse{
		ID:                 campaign.ID,
		WorkspaceID:        campaign.WorkspaceID,
		Name:               campaign.Name,
		AssistantID:        campaign.AssistantID,
		SIPTrunkID:         campaign.SIPTrunkID,
		FromNumber:         campaign.FromNumber,
		MaxConcurrentCalls: campaign.MaxConcurrentCalls,
		Status:             campaign.Status.String(),
		ContactCount:       len(campaign.Contacts),
		CreatedAt:          campaign.CreatedAt,
		UpdatedAt:          campaign.UpdatedAt,
		QueuedAt:           campaign.QueuedAt,
		StartedAt:          campaign.StartedAt,
		EndedAt:            campaign.EndedAt,
	}
	if !withContacts {
		return resp
	}

	resp.Contacts = make([]contactResponse, 0, len(campaign.Contacts))
	for _, contact := range campaign.Contacts {
		resp.Contacts = append(resp.Contacts, contactResponse{
			Index:        contact.Index,
			PhoneNumber:  contact.PhoneNumber,
			Name:         contact.Name,
			Variables:    contact.Variables,
			Outcome:      contact.Outcome.String(),
			AttemptCount: contact.AttemptCount,
			LastError:    contact.LastError,
			CallID:       contact.CallID,
		})
	}
	return resp
}

func toStatsResponse(campaignID string, stats domain.CampaignStats) statsResponse {
	counters := stats.Counters()
	return statsResponse{
		CampaignID:      campaignID,
		Total:           stats.Total,
		Pending:         stats.Pending,
		Dispatched:      stats.Dispatched,
		Answered:        stats.Answered,
		Failed:          stats.Failed,
		Skipped:         stats.Skipped,
		CompletionRatio: stats.CompletionRatio,
		SuccessRate:     stats.SuccessRate,
		Counters: countersResponse{
			Queued:     counters.Queued,
			InProgress: counters.InProgress,
			Completed:  counters.Completed,
			Failed:     counters.Failed,
			Skipped:    counters.Skipped,
		},
	}
}

func toHTTPError(err error) error {
	code := transport.StatusCode(err)
	if code >= fiber.StatusInternalServerError {
		return err
	}
	return fiber.NewError(code, err.Error())
}
