package repository

import (
	"fmt"
	"time"

	"github.com/kursadbilgin/campaign-engine/internal/domain"
	"gorm.io/datatypes"
)

// CampaignModel is the persistence model for the campaigns table.
type CampaignModel struct {
	ID                 string                `gorm:"type:uuid;primaryKey"`
	WorkspaceID        string                `gorm:"type:varchar(64);not null"`
	Name               string                `gorm:"type:varchar(255);not null"`
	AssistantID        string                `gorm:"type:varchar(64);not null"`
	SIPTrunkID         string                `gorm:"column:sip_trunk_id;type:varchar(64)"`
	FromNumber         string                `gorm:"type:varchar(20)"`
	MaxConcurrentCalls int                   `gorm:"not null;default:1"`
	Status             domain.CampaignStatus `gorm:"type:varchar(20);not null"`
	QueuedAt           *time.Time
	StartedAt          *time.Time
	EndedAt            *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (CampaignModel) TableName() string {
	return "campaigns"
}

// ContactModel is one row of campaign_contacts, keyed by (campaign_id, contact_index).
type ContactModel struct {
	CampaignID   string                `gorm:"type:uuid;primaryKey"`
	ContactIndex int                   `gorm:"primaryKey;autoIncrement:false"`
	PhoneNumber  string                `gorm:"type:varchar(20);not null"`
	Name         string                `gorm:"type:varchar(255)"`
	Variables    datatypes.JSONMap     `gorm:"type:jsonb"`
	Outcome      domain.ContactOutcome `gorm:"type:varchar(20);not null"`
	AttemptCount int                   `gorm:"not null;default:0"`
	LastError    *string               `gorm:"type:text"`
	CallID       *string               `gorm:"type:varchar(255)"`
	UpdatedAt    time.Time
}

func (ContactModel) TableName() string {
	return "campaign_contacts"
}

func campaignModelFromDomain(c *domain.Campaign) *CampaignModel {
	if c == nil {
		return nil
	}

	return &CampaignModel{
		ID:                 c.ID,
		WorkspaceID:        c.WorkspaceID,
		Name:               c.Name,
		AssistantID:        c.AssistantID,
		SIPTrunkID:         c.SIPTrunkID,
		FromNumber:         c.FromNumber,
		MaxConcurrentCalls: c.MaxConcurrentCalls,
		Status:             c.Status,
		QueuedAt:           c.QueuedAt,
		StartedAt:          c.StartedAt,
		EndedAt:            c.EndedAt,
		CreatedAt:          c.CreatedAt,
		UpdatedAt:          c.UpdatedAt,
	}
}

func campaignModelToDomain(m *CampaignModel, contacts []ContactModel) *domain.Campaign {
	if m == nil {
		return nil
	}

	c := &domain.Campaign{
		ID:                 m.ID,
		WorkspaceID:        m.WorkspaceID,
		Name:               m.Name,
		AssistantID:        m.AssistantID,
		SIPTrunkID:         m.SIPTrunkID,
		FromNumber:         m.FromNumber,
		MaxConcurrentCalls: m.MaxConcurrentCalls,
		Status:             m.Status,
		QueuedAt:           m.QueuedAt,
		StartedAt:          m.StartedAt,
		EndedAt:            m.EndedAt,
		CreatedAt:          m.CreatedAt,
		UpdatedAt:          m.UpdatedAt,
	}

	if contacts != nil {
		c.Contacts = make([]domain.Contact, 0, len(contacts))
		for i := range contacts {
			c.Contacts = append(c.Contacts, contactModelToDomain(&contacts[i]))
		}
	}

	return c
}

func contactModelFromDomain(campaignID string, ct *domain.Contact) ContactModel {
	var vars datatypes.JSONMap
	if len(ct.Variables) > 0 {
		vars = make(datatypes.JSONMap, len(ct.Variables))
		for k, v := range ct.Variables {
			vars[k] = v
		}
	}

	return ContactModel{
		CampaignID:   campaignID,
		ContactIndex: ct.Index,
		PhoneNumber:  ct.PhoneNumber,
		Name:         ct.Name,
		Variables:    vars,
		Outcome:      ct.Outcome,
		AttemptCount: ct.AttemptCount,
		LastError:    ct.LastError,
		CallID:       ct.CallID,
		UpdatedAt:    ct.UpdatedAt,
	}
}

func contactModelToDomain(m *ContactModel) domain.Contact {
	var vars map[string]string
	if len(m.Variables) > 0 {
		vars = make(map[string]string, len(m.Variables))
		for k, v := range m.Variables {
			if s, ok := v.(string); ok {
				vars[k] = s
				continue
			}
			vars[k] = fmt.Sprint(v)
		}
	}

	return domain.Contact{
		Index:        m.ContactIndex,
		PhoneNumber:  m.PhoneNumber,
		Name:         m.Name,
		Variables:    vars,
		Outcome:      m.Outcome,
		AttemptCount: m.AttemptCount,
		LastError:    m.LastError,
		CallID:       m.CallID,
		UpdatedAt:    m.UpdatedAt,
	}
}
