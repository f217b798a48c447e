package provider

import (
	"context"
	"strings"

	"github.com/kursadbilgin/campaign-engine/internal/domain"
)

// CallPlacer is the outbound call placement port. PlaceCall must be idempotent under the
// same DedupeKey.
type CallPlacer interface {
	PlaceCall(ctx context.Context, req CallRequest) (*CallResult, error)
}

// CallRequest carries one placement attempt for a contact.
type CallRequest struct {
	CampaignID  string
	WorkspaceID string
	AssistantID string
	SIPTrunkID  string
	FromNumber  string
	Contact     domain.Contact
	DedupeKey   string
}

// CallOutcome is the semantic result reported by the calling service.
type CallOutcome string

const (
	CallOutcomeAnswered CallOutcome = "answered"
	CallOutcomeBusy     CallOutcome = "busy"
	CallOutcomeNoAnswer CallOutcome = "no_answer"
	CallOutcomeDeclined CallOutcome = "declined"
	CallOutcomeFailed   CallOutcome = "failed"
	// CallOutcomeUnresolved is a call the service reported before it resolved (still
	// ringing or connected). It is not counted as answered.
	CallOutcomeUnresolved CallOutcome = "unresolved"
)

func ParseCallOutcome(s string) CallOutcome {
	switch o := CallOutcome(strings.ToLower(strings.TrimSpace(s))); o {
	case CallOutcomeAnswered, CallOutcomeBusy, CallOutcomeNoAnswer, CallOutcomeDeclined:
		return o
	case "completed":
		return CallOutcomeAnswered
	case "ringing", "in_progress", "initiated", "queued":
		return CallOutcomeUnresolved
	case "no-answer", "noanswer":
		return CallOutcomeNoAnswer
	case "rejected":
		return CallOutcomeDeclined
	default:
		return CallOutcomeFailed
	}
}

// CallResult is a call the service accepted, whatever its semantic outcome.
type CallResult struct {
	CallID  string
	Outcome CallOutcome
	Reason  string
}

// ContactOutcome maps a semantic call outcome onto the contact's terminal outcome.
// Semantic failures are terminal and never retried.
func (r CallResult) ContactOutcome() domain.ContactOutcome {
	if r.Outcome == CallOutcomeAnswered {
		return domain.OutcomeAnswered
	}
	return domain.OutcomeFailed
}
