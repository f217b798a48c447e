package domain

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// CampaignStatus represents the lifecycle state of a campaign.
type CampaignStatus string

const (
	CampaignStatusDraft     CampaignStatus = "DRAFT"
	CampaignStatusQueued    CampaignStatus = "QUEUED"
	CampaignStatusRunning   CampaignStatus = "RUNNING"
	CampaignStatusPaused    CampaignStatus = "PAUSED"
	CampaignStatusCompleted CampaignStatus = "COMPLETED"
	CampaignStatusCancelled CampaignStatus = "CANCELLED"
	CampaignStatusFailed    CampaignStatus = "FAILED"
)

func (s CampaignStatus) String() string { return string(s) }

func (s CampaignStatus) IsValid() bool {
	switch s {
	case CampaignStatusDraft, CampaignStatusQueued, CampaignStatusRunning, CampaignStatusPaused,
		CampaignStatusCompleted, CampaignStatusCancelled, CampaignStatusFailed:
		return true
	}
	return false
}

func (s CampaignStatus) IsTerminal() bool {
	switch s {
	case CampaignStatusCompleted, CampaignStatusCancelled, CampaignStatusFailed:
		return true
	}
	return false
}

func ParseCampaignStatusFromString(s string) (CampaignStatus, error) {
	st := CampaignStatus(strings.ToUpper(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid campaign status %q", ErrValidation, s)
	}
	return st, nil
}

// ContactOutcome is the per-contact dispatch result.
type ContactOutcome string

const (
	OutcomePending    ContactOutcome = "PENDING"
	OutcomeDispatched ContactOutcome = "DISPATCHED"
	OutcomeAnswered   ContactOutcome = "ANSWERED"
	OutcomeFailed     ContactOutcome = "FAILED"
	OutcomeSkipped    ContactOutcome = "SKIPPED"
)

func (o ContactOutcome) String() string { return string(o) }

func (o ContactOutcome) IsValid() bool {
	switch o {
	case OutcomePending, OutcomeDispatched, OutcomeAnswered, OutcomeFailed, OutcomeSkipped:
		return true
	}
	return false
}

// IsTerminal reports whether a contact is never revisited once it has this outcome.
func (o ContactOutcome) IsTerminal() bool {
	switch o {
	case OutcomeAnswered, OutcomeFailed, OutcomeSkipped:
		return true
	}
	return false
}

// Campaign limits.
const (
	DefaultMaxConcurrentCalls = 1
	MaxConcurrentCallsLimit   = 100
	MaxContactsPerCampaign    = 10000
)

var e164Pattern = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)

// Contact is a single callee within a campaign. Index is its position in the contact list.
type Contact struct {
	Index        int
	PhoneNumber  string
	Name         string
	Variables    map[string]string
	Outcome      ContactOutcome
	AttemptCount int
	LastError    *string
	CallID       *string
	UpdatedAt    time.Time
}

// Campaign is an outbound call campaign and its ordered contact list.
type Campaign struct {
	ID                 string
	WorkspaceID        string
	Name               string
	AssistantID        string
	SIPTrunkID         string
	FromNumber         string
	MaxConcurrentCalls int
	Status             CampaignStatus
	Contacts           []Contact
	CreatedAt          time.Time
	UpdatedAt          time.Time
	QueuedAt           *time.Time
	StartedAt          *time.Time
	EndedAt            *time.Time
}

func (c *Campaign) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrValidation)
	}
	if strings.TrimSpace(c.WorkspaceID) == "" {
		return fmt.Errorf("%w: workspace id is required", ErrValidation)
	}
	if strings.TrimSpace(c.AssistantID) == "" {
		return fmt.Errorf("%w: assistant id is required", ErrValidation)
	}
	if c.FromNumber != "" && !IsE164(c.FromNumber) {
		return fmt.Errorf("%w: from number %q is not E.164", ErrValidation, c.FromNumber)
	}
	if c.MaxConcurrentCalls < 1 || c.MaxConcurrentCalls > MaxConcurrentCallsLimit {
		return fmt.Errorf("%w: max concurrent calls must be between 1 and %d", ErrValidation, MaxConcurrentCallsLimit)
	}
	if len(c.Contacts) == 0 {
		return fmt.Errorf("%w: at least one contact is required", ErrValidation)
	}
	if len(c.Contacts) > MaxContactsPerCampaign {
		return fmt.Errorf("%w: contact list exceeds %d entries", ErrValidation, MaxContactsPerCampaign)
	}
	if !c.Status.IsValid() {
		return fmt.Errorf("%w: invalid status %q", ErrValidation, c.Status)
	}

	for i := range c.Contacts {
		contact := c.Contacts[i]
		if contact.Index != i {
			return fmt.Errorf("%w: contact %d has index %d", ErrValidation, i, contact.Index)
		}
		if !IsE164(contact.PhoneNumber) {
			return fmt.Errorf("%w: contact %d phone number %q is not E.164", ErrValidation, i, contact.PhoneNumber)
		}
		if !contact.Outcome.IsValid() {
			return fmt.Errorf("%w: contact %d has invalid outcome %q", ErrValidation, i, contact.Outcome)
		}
	}

	return nil
}

// IsE164 reports whether phone is an E.164 formatted number, e.g. +14155550100.
func IsE164(phone string) bool {
	return e164Pattern.MatchString(phone)
}

// AttemptKey identifies one call-placement attempt. The calling service uses its string
// form to deduplicate repeated requests for the same attempt.
type AttemptKey struct {
	CampaignID    string
	ContactIndex  int
	AttemptNumber int
}

func (k AttemptKey) String() string {
	return fmt.Sprintf("%s:%d:%d", k.CampaignID, k.ContactIndex, k.AttemptNumber)
}

// ContactResult is the terminal outcome written back for a dispatched contact.
type ContactResult struct {
	Outcome      ContactOutcome
	AttemptCount int
	LastError    *string
	CallID       *string
}
