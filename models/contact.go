package models

import (
	"time"

	"gorm.io/gorm"
)

type ContactStatus string

const (
	ContactPending   ContactStatus = "pending"
	ContactActive    ContactStatus = "active"
	ContactWaiting   ContactStatus = "waiting"
	ContactCompleted ContactStatus = "completed"
	ContactStopped   ContactStatus = "stopped"
	ContactFailed    ContactStatus = "failed"
)

// Terminal reports whether no further transition may leave this status.
func (s ContactStatus) Terminal() bool {
	switch s {
	case ContactCompleted, ContactStopped, ContactFailed:
		return true
	}
	return false
}

// Contact represents a single outreach target
type Contact struct {
	gorm.Model
	OrganizationID uint `gorm:"not null;index" json:"organization_id"`

	Email       string `gorm:"index" json:"email"`
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
	Company     string `json:"company"`
	Position    string `json:"position"`
	Phone       string `json:"phone"`
	Website     string `json:"website"`
	LinkedInURL string `json:"linkedin_url"`

	CustomFields map[string]string `gorm:"type:jsonb;serializer:json" json:"custom_fields,omitempty"`

	// Status
	IsBounced      bool `gorm:"default:false" json:"is_bounced"`
	IsUnsubscribed bool `gorm:"default:false" json:"is_unsubscribed"`
	IsDoNotContact bool `gorm:"default:false" json:"is_do_not_contact"`
}

// Reachable reports whether the contact may receive outreach at all.
func (c *Contact) Reachable() bool {
	return !c.IsBounced && !c.IsUnsubscribed && !c.IsDoNotContact
}

// Attributes flattens the contact into template variables.
func (c *Contact) Attributes() map[string]string {
	attrs := map[string]string{
		"email":        c.Email,
		"first_name":   c.FirstName,
		"last_name":    c.LastName,
		"company":      c.Company,
		"position":     c.Position,
		"phone":        c.Phone,
		"website":      c.Website,
		"linkedin_url": c.LinkedInURL,
	}
	for k, v := range c.CustomFields {
		attrs[k] = v
	}
	return attrs
}

// CampaignContact is the execution cursor of one contact in one campaign
type CampaignContact struct {
	gorm.Model
	CampaignID uint `gorm:"not null;uniqueIndex:idx_campaign_contact" json:"campaign_id"`
	ContactID  uint `gorm:"not null;uniqueIndex:idx_campaign_contact" json:"contact_id"`

	// Cursor
	CurrentStepKey string        `json:"current_step_key"`
	StepDone       bool          `gorm:"default:false" json:"step_done"`
	Status         ContactStatus `gorm:"default:'pending';index" json:"status"`
	LastActionAt   *time.Time    `json:"last_action_at"`
	WaitUntil      *time.Time    `gorm:"index" json:"wait_until"`
	InFlightJobKey string        `gorm:"index" json:"in_flight_job_key"`

	// Accumulated event flags
	Opened  bool `gorm:"default:false" json:"opened"`
	Clicked bool `gorm:"default:false" json:"clicked"`
	Replied bool `gorm:"default:false" json:"replied"`
	Bounced bool `gorm:"default:false" json:"bounced"`

	// Outcome
	StopReason  string     `json:"stop_reason,omitempty"`
	LastError   string     `gorm:"type:text" json:"last_error,omitempty"`
	CompletedAt *time.Time `json:"completed_at"`

	// Optimistic concurrency
	Version int `gorm:"not null;default:0" json:"version"`
}
