package domain

import "fmt"

var campaignTransitions = map[CampaignStatus][]CampaignStatus{
	CampaignStatusDraft:   {CampaignStatusQueued},
	CampaignStatusQueued:  {CampaignStatusRunning},
	CampaignStatusRunning: {CampaignStatusPaused, CampaignStatusCancelled, CampaignStatusCompleted, CampaignStatusFailed},
	CampaignStatusPaused:  {CampaignStatusQueued, CampaignStatusCancelled},
}

// CanTransition reports whether the campaign lifecycle allows moving from one status to another.
func CanTransition(from, to CampaignStatus) bool {
	for _, next := range campaignTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns ErrInvalidTransition when from -> to is not a legal move.
func ValidateTransition(from, to CampaignStatus) error {
	if !from.IsValid() || !to.IsValid() {
		return fmt.Errorf("%w: unknown status %q -> %q", ErrInvalidTransition, from, to)
	}
	if from.IsTerminal() {
		return fmt.Errorf("%w: campaign is %s", ErrInvalidTransition, from)
	}
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// JobStatus is the coarse execution-job view of a campaign.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
)

func (s JobStatus) String() string { return string(s) }

// JobStatusFor projects a campaign status onto the job status exposed to callers.
func JobStatusFor(status CampaignStatus) JobStatus {
	switch status {
	case CampaignStatusRunning:
		return JobStatusRunning
	case CampaignStatusCompleted:
		return JobStatusSucceeded
	case CampaignStatusCancelled, CampaignStatusFailed:
		return JobStatusFailed
	default:
		return JobStatusQueued
	}
}
