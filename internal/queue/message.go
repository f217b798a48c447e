package queue

import (
	"fmt"
	"strings"
	"time"
)

// ExecutionMessage asks a worker to run (or resume) one campaign. JobID equals the
// campaign ID so the job is idempotent per campaign.
type ExecutionMessage struct {
	JobID         string    `json:"jobId"`
	CampaignID    string    `json:"campaignId"`
	WorkspaceID   string    `json:"workspaceId,omitempty"`
	CorrelationID string    `json:"correlationId,omitempty"`
	EnqueuedAt    time.Time `json:"enqueuedAt"`
}

func NewExecutionMessage(campaignID, workspaceID, correlationID string) ExecutionMessage {
	return ExecutionMessage{
		JobID:         campaignID,
		CampaignID:    campaignID,
		WorkspaceID:   workspaceID,
		CorrelationID: correlationID,
		EnqueuedAt:    time.Now().UTC(),
	}
}

func (m ExecutionMessage) Validate() error {
	if strings.TrimSpace(m.CampaignID) == "" {
		return fmt.Errorf("campaignId is required")
	}
	if strings.TrimSpace(m.JobID) == "" {
		return fmt.Errorf("jobId is required")
	}
	if m.JobID != m.CampaignID {
		return fmt.Errorf("jobId %q must match campaignId %q", m.JobID, m.CampaignID)
	}
	return nil
}
