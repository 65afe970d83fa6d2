// Package store is the persistence collaborator of the execution engine.
// Every mutation of a CampaignContact or DispatchJob is a compare-and-swap on
// its Version column.
package store

import (
	"context"
	"errors"
	"time"

	"outreach/models"
)

var (
	ErrNotFound        = errors.New("store: record not found")
	ErrVersionConflict = errors.New("store: version conflict")
	ErrJobExists       = errors.New("store: dispatch job already exists")
	ErrDuplicate       = errors.New("store: duplicate record")
)

type Store interface {
	GetCampaign(ctx context.Context, id uint) (*models.Campaign, error)
	// SetCampaignStatus moves the campaign to `to` only if its current status
	// is one of `from`. Returns ErrVersionConflict otherwise.
	SetCampaignStatus(ctx context.Context, id uint, from []models.CampaignStatus, to models.CampaignStatus, at time.Time) error

	GetContact(ctx context.Context, id uint) (*models.Contact, error)
	GetAccount(ctx context.Context, id uint) (*models.SendingAccount, error)
	GetOrganization(ctx context.Context, id uint) (*models.Organization, error)
	GetTemplate(ctx context.Context, id uint) (*models.Template, error)

	CreateCampaignContact(ctx context.Context, cc *models.CampaignContact) error
	GetCampaignContact(ctx context.Context, id uint) (*models.CampaignContact, error)
	ListCampaignContacts(ctx context.Context, campaignID uint) ([]models.CampaignContact, error)
	// UpdateCampaignContact persists cc if its stored version still equals
	// cc.Version, then bumps cc.Version.
	UpdateCampaignContact(ctx context.Context, cc *models.CampaignContact) error
	// ListRecoverable returns every non-terminal contact of every active
	// campaign, oldest first.
	ListRecoverable(ctx context.Context) ([]models.CampaignContact, error)
}

type JobStore interface {
	CreateJob(ctx context.Context, job *models.DispatchJob) error
	GetJob(ctx context.Context, key string) (*models.DispatchJob, error)
	UpdateJob(ctx context.Context, job *models.DispatchJob) error
	// DueJobs lists queued jobs scheduled at or before now plus running jobs
	// whose lease expired, oldest first.
	DueJobs(ctx context.Context, channel models.Channel, now time.Time, limit int) ([]models.DispatchJob, error)
	ListJobs(ctx context.Context, campaignID uint, status models.JobStatus) ([]models.DispatchJob, error)
}
