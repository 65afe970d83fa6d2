package models

import (
	"time"

	"gorm.io/gorm"
)

type JobStatus string

const (
	JobQueued            JobStatus = "queued"
	JobRunning           JobStatus = "running"
	JobSucceeded         JobStatus = "succeeded"
	JobFailedPermanently JobStatus = "failed_permanently"
	JobCancelled         JobStatus = "cancelled"
)

func (s JobStatus) Terminal() bool {
	return s == JobSucceeded || s == JobFailedPermanently || s == JobCancelled
}

type BackoffKind string

const (
	BackoffExponential BackoffKind = "exponential"
	BackoffFixed       BackoffKind = "fixed"
)

// DispatchJob is a durable unit of work: send one step to one contact
type DispatchJob struct {
	gorm.Model
	IdempotencyKey string `gorm:"not null;uniqueIndex" json:"idempotency_key"`

	CampaignContactID uint    `gorm:"not null;index" json:"campaign_contact_id"`
	CampaignID        uint    `gorm:"not null;index" json:"campaign_id"`
	StepID            uint    `gorm:"not null" json:"step_id"`
	StepKey           string  `gorm:"not null" json:"step_key"`
	Channel           Channel `gorm:"not null;index" json:"channel"`
	AccountID         uint    `gorm:"not null;index" json:"account_id"`

	Payload StepAction `gorm:"type:jsonb;serializer:json" json:"payload"`

	// Scheduling & retry
	ScheduledFor time.Time     `gorm:"not null;index" json:"scheduled_for"`
	Attempts     int           `gorm:"default:0" json:"attempts"`
	MaxAttempts  int           `gorm:"not null" json:"max_attempts"`
	BackoffKind  BackoffKind   `gorm:"not null" json:"backoff_kind"`
	BackoffBase  time.Duration `gorm:"not null" json:"backoff_base"`

	// State
	Status         JobStatus  `gorm:"default:'queued';index" json:"status"`
	LeaseOwner     string     `json:"lease_owner,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at"`
	LastError      string     `gorm:"type:text" json:"last_error,omitempty"`
	ErrorKind      string     `json:"error_kind,omitempty"`
	MessageID      string     `json:"message_id,omitempty"`
	FinishedAt     *time.Time `json:"finished_at"`

	Version int `gorm:"not null;default:0" json:"version"`
}

type EventKind string

const (
	EventDelivered    EventKind = "delivered"
	EventOpened       EventKind = "opened"
	EventClicked      EventKind = "clicked"
	EventReplied      EventKind = "replied"
	EventBounced      EventKind = "bounced"
	EventBlocked      EventKind = "blocked"
	EventFailed       EventKind = "failed"
	EventUnsubscribed EventKind = "unsubscribed"
)

// Engagement reports whether the event describes a reaction to a prior send.
func (k EventKind) Engagement() bool {
	return k == EventOpened || k == EventClicked || k == EventReplied
}

func (k EventKind) Valid() bool {
	switch k {
	case EventDelivered, EventOpened, EventClicked, EventReplied,
		EventBounced, EventBlocked, EventFailed, EventUnsubscribed:
		return true
	}
	return false
}

// SendEvent is an immutable outcome fact. Rows are never updated or deleted.
type SendEvent struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	EventID           string    `gorm:"not null;uniqueIndex" json:"event_id"`
	CampaignContactID uint      `gorm:"not null;index" json:"campaign_contact_id"`
	CampaignID        uint      `gorm:"not null;index" json:"campaign_id"`
	StepID            uint      `json:"step_id"`
	StepKey           string    `json:"step_key"`
	Kind              EventKind `gorm:"not null" json:"kind"`
	OccurredAt        time.Time `gorm:"not null" json:"occurred_at"`

	Metadata map[string]string `gorm:"type:jsonb;serializer:json" json:"metadata,omitempty"`
}

// RateLimitWindow is the per-account, per-channel, per-day sending budget
type RateLimitWindow struct {
	gorm.Model
	AccountID uint    `gorm:"not null;uniqueIndex:idx_rate_window" json:"account_id"`
	Channel   Channel `gorm:"not null;uniqueIndex:idx_rate_window" json:"channel"`
	Day       string  `gorm:"not null;uniqueIndex:idx_rate_window" json:"day"`
	Count     int     `gorm:"not null;default:0" json:"count"`
	Capacity  int     `gorm:"not null" json:"capacity"`
}
