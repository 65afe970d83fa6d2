package models

import (
	"time"

	"gorm.io/gorm"
)

type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignActive    CampaignStatus = "active"
	CampaignPaused    CampaignStatus = "paused"
	CampaignCompleted CampaignStatus = "completed"
	CampaignArchived  CampaignStatus = "archived"
)

type Channel string

const (
	ChannelEmail    Channel = "email"
	ChannelLinkedIn Channel = "linkedin"
)

func (c Channel) Valid() bool {
	return c == ChannelEmail || c == ChannelLinkedIn
}

type ConditionType string

const (
	ConditionEmailOpened  ConditionType = "email_opened"
	ConditionEmailClicked ConditionType = "email_clicked"
	ConditionReplied      ConditionType = "replied"
	ConditionWaitElapsed  ConditionType = "wait_elapsed"
	ConditionCustom       ConditionType = "custom"
)

// Edge end markers. An edge with no target ends the sequence with one of these.
const (
	EndCompleted = "completed"
	EndStopped   = "stopped"
)

// Campaign represents a multi-channel outreach sequence
type Campaign struct {
	gorm.Model
	OrganizationID uint `gorm:"not null;index" json:"organization_id" validate:"required"`

	Name        string `gorm:"not null" json:"name" validate:"required"`
	Description string `json:"description"`

	// Lifecycle
	Status      CampaignStatus `gorm:"default:'draft';index" json:"status"`
	StartedAt   *time.Time     `json:"started_at"`
	PausedAt    *time.Time     `json:"paused_at"`
	CompletedAt *time.Time     `json:"completed_at"`

	// Relations
	Steps []Step `gorm:"foreignKey:CampaignID" json:"steps" validate:"required,min=1,dive"`
}

// FirstStep returns the step with the lowest position.
func (c *Campaign) FirstStep() *Step {
	var first *Step
	for i := range c.Steps {
		if first == nil || c.Steps[i].Position < first.Position {
			first = &c.Steps[i]
		}
	}
	return first
}

func (c *Campaign) StepByKey(key string) *Step {
	for i := range c.Steps {
		if c.Steps[i].Key == key {
			return &c.Steps[i]
		}
	}
	return nil
}

// NextByPosition returns the step that follows s in authoring order, or nil
// when s is the last one.
func (c *Campaign) NextByPosition(s *Step) *Step {
	var next *Step
	for i := range c.Steps {
		candidate := &c.Steps[i]
		if candidate.Position <= s.Position {
			continue
		}
		if next == nil || candidate.Position < next.Position {
			next = candidate
		}
	}
	return next
}

// Step is one unit of outreach in a campaign sequence
type Step struct {
	gorm.Model
	CampaignID uint `gorm:"not null;index" json:"campaign_id"`

	Key       string  `gorm:"not null" json:"key" validate:"required,max=64"`
	Position  int     `gorm:"not null" json:"position" validate:"gte=0"`
	Channel   Channel `gorm:"not null" json:"channel" validate:"required,oneof=email linkedin"`
	AccountID uint    `gorm:"not null;index" json:"account_id" validate:"required"`

	Action StepAction `gorm:"type:jsonb;serializer:json" json:"action"`
	Edges  []Edge     `gorm:"type:jsonb;serializer:json" json:"edges" validate:"dive"`
}

// StepAction holds the channel payload of a step
type StepAction struct {
	// Email fields
	TemplateID *uint  `json:"template_id,omitempty"`
	Subject    string `json:"subject,omitempty"`
	BodyHTML   string `json:"body_html,omitempty"`
	BodyText   string `json:"body_text,omitempty"`

	// LinkedIn fields
	LinkedInAction string `json:"linkedin_action,omitempty" validate:"omitempty,oneof=connect message visit_profile follow endorse"`
	Message        string `json:"message,omitempty"`

	// Variables that must resolve when rendering
	Required []string `json:"required,omitempty"`
}

// Edge is a guarded transition to another step or to the end of the sequence
type Edge struct {
	To  string `json:"to,omitempty"`
	End string `json:"end,omitempty" validate:"omitempty,oneof=completed stopped"`

	Condition *Condition `json:"condition,omitempty"`

	// Minimum wait since the previous step (or since DelayFrom event)
	DelayAmount int    `json:"delay_amount,omitempty" validate:"gte=0"`
	DelayUnit   string `json:"delay_unit,omitempty" validate:"omitempty,oneof=minutes hours days"`
	DelayFrom   string `json:"delay_from,omitempty"`
}

func (e Edge) Terminal() bool {
	return e.To == ""
}

// Delay converts the authored amount and unit to a duration.
func (e Edge) Delay() time.Duration {
	d := time.Duration(e.DelayAmount)
	switch e.DelayUnit {
	case "minutes":
		return d * time.Minute
	case "days":
		return d * 24 * time.Hour
	default:
		return d * time.Hour
	}
}

// Condition is a pure predicate over accumulated contact state
type Condition struct {
	Type     ConditionType `json:"type" validate:"required"`
	Operator string        `json:"operator,omitempty"`
	Value    string        `json:"value,omitempty"`
}
