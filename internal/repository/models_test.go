package repository

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/kursadbilgin/campaign-engine/internal/domain"
	"gorm.io/gorm"
)

func TestCampaignModelMapping(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	callID := "call-1"
	c := &domain.Campaign{
		ID:                 "c1",
		WorkspaceID:        "ws1",
		Name:               "Renewals",
		AssistantID:        "a1",
		SIPTrunkID:         "t1",
		MaxConcurrentCalls: 3,
		Status:             domain.CampaignStatusDraft,
		CreatedAt:          now,
		UpdatedAt:          now,
		Contacts: []domain.Contact{
			{Index: 0, PhoneNumber: "+15550000001", Variables: map[string]string{"plan": "gold"}, Outcome: domain.OutcomePending},
			{Index: 1, PhoneNumber: "+15550000002", Outcome: domain.OutcomeAnswered, AttemptCount: 1, CallID: &callID},
		},
	}

	model := campaignModelFromDomain(c)
	contacts := make([]ContactModel, 0, len(c.Contacts))
	for i := range c.Contacts {
		contacts = append(contacts, contactModelFromDomain(c.ID, &c.Contacts[i]))
	}

	got := campaignModelToDomain(model, contacts)
	if got.ID != c.ID || got.SIPTrunkID != "t1" || got.MaxConcurrentCalls != 3 {
		t.Fatalf("unexpected campaign mapping: %+v", got)
	}
	if len(got.Contacts) != 2 {
		t.Fatalf("contacts len = %d, want 2", len(got.Contacts))
	}
	if got.Contacts[0].Variables["plan"] != "gold" {
		t.Fatalf("variables = %v, want plan=gold", got.Contacts[0].Variables)
	}
	if got.Contacts[1].Variables != nil {
		t.Fatalf("empty variables should stay nil, got %v", got.Contacts[1].Variables)
	}
	if got.Contacts[1].CallID == nil || *got.Contacts[1].CallID != callID {
		t.Fatal("call id not mapped")
	}
	if contacts[0].CampaignID != "c1" || contacts[1].ContactIndex != 1 {
		t.Fatalf("unexpected contact keys: %+v", contacts)
	}
}

func TestContactModelToDomainStringifiesVariables(t *testing.T) {
	t.Parallel()

	m := &ContactModel{
		ContactIndex: 4,
		PhoneNumber:  "+15550000004",
		Variables:    map[string]any{"count": float64(3), "tier": "b"},
		Outcome:      domain.OutcomePending,
	}

	got := contactModelToDomain(m)
	if got.Variables["count"] != "3" || got.Variables["tier"] != "b" {
		t.Fatalf("variables = %v", got.Variables)
	}
}

func TestIsUniqueViolation(t *testing.T) {
	t.Parallel()

	if !isUniqueViolation(fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"})) {
		t.Fatal("23505 should be a unique violation")
	}
	if !isUniqueViolation(gorm.ErrDuplicatedKey) {
		t.Fatal("gorm.ErrDuplicatedKey should be a unique violation")
	}
	if isUniqueViolation(&pgconn.PgError{Code: "23503"}) {
		t.Fatal("23503 is not a unique violation")
	}
	if isUniqueViolation(errors.New("boom")) {
		t.Fatal("plain error is not a unique violation")
	}
}
