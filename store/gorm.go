package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"outreach/models"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) GetCampaign(ctx context.Context, id uint) (*models.Campaign, error) {
	var campaign models.Campaign
	err := s.db.WithContext(ctx).
		Preload("Steps", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC") }).
		First(&campaign, id).Error
	if err != nil {
		return nil, wrapNotFound(err, "campaign", id)
	}
	return &campaign, nil
}

func (s *GormStore) SetCampaignStatus(ctx context.Context, id uint, from []models.CampaignStatus, to models.CampaignStatus, at time.Time) error {
	updates := map[string]interface{}{"status": to}
	switch to {
	case models.CampaignActive:
		updates["started_at"] = gorm.Expr("COALESCE(started_at, ?)", at)
		updates["paused_at"] = nil
	case models.CampaignPaused:
		updates["paused_at"] = at
	case models.CampaignCompleted:
		updates["completed_at"] = at
	}

	res := s.db.WithContext(ctx).Model(&models.Campaign{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("update campaign %d status: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrVersionConflict
	}
	return nil
}

func (s *GormStore) GetContact(ctx context.Context, id uint) (*models.Contact, error) {
	var contact models.Contact
	if err := s.db.WithContext(ctx).First(&contact, id).Error; err != nil {
		return nil, wrapNotFound(err, "contact", id)
	}
	return &contact, nil
}

func (s *GormStore) GetAccount(ctx context.Context, id uint) (*models.SendingAccount, error) {
	var account models.SendingAccount
	if err := s.db.WithContext(ctx).First(&account, id).Error; err != nil {
		return nil, wrapNotFound(err, "sending account", id)
	}
	return &account, nil
}

func (s *GormStore) GetOrganization(ctx context.Context, id uint) (*models.Organization, error) {
	var org models.Organization
	if err := s.db.WithContext(ctx).First(&org, id).Error; err != nil {
		return nil, wrapNotFound(err, "organization", id)
	}
	return &org, nil
}

func (s *GormStore) GetTemplate(ctx context.Context, id uint) (*models.Template, error) {
	var tmpl models.Template
	if err := s.db.WithContext(ctx).First(&tmpl, id).Error; err != nil {
		return nil, wrapNotFound(err, "template", id)
	}
	return &tmpl, nil
}

func (s *GormStore) CreateCampaignContact(ctx context.Context, cc *models.CampaignContact) error {
	if err := s.db.WithContext(ctx).Create(cc).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("create campaign contact: %w", err)
	}
	return nil
}

func (s *GormStore) GetCampaignContact(ctx context.Context, id uint) (*models.CampaignContact, error) {
	var cc models.CampaignContact
	if err := s.db.WithContext(ctx).First(&cc, id).Error; err != nil {
		return nil, wrapNotFound(err, "campaign contact", id)
	}
	return &cc, nil
}

func (s *GormStore) ListCampaignContacts(ctx context.Context, campaignID uint) ([]models.CampaignContact, error) {
	var out []models.CampaignContact
	err := s.db.WithContext(ctx).
		Where("campaign_id = ?", campaignID).
		Order("id ASC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list campaign contacts: %w", err)
	}
	return out, nil
}

func (s *GormStore) UpdateCampaignContact(ctx context.Context, cc *models.CampaignContact) error {
	res := s.db.WithContext(ctx).Model(&models.CampaignContact{}).
		Where("id = ? AND version = ?", cc.ID, cc.Version).
		Updates(map[string]interface{}{
			"current_step_key":  cc.CurrentStepKey,
			"step_done":         cc.StepDone,
			"status":            cc.Status,
			"last_action_at":    cc.LastActionAt,
			"wait_until":        cc.WaitUntil,
			"in_flight_job_key": cc.InFlightJobKey,
			"opened":            cc.Opened,
			"clicked":           cc.Clicked,
			"replied":           cc.Replied,
			"bounced":           cc.Bounced,
			"stop_reason":       cc.StopReason,
			"last_error":        cc.LastError,
			"completed_at":      cc.CompletedAt,
			"version":           cc.Version + 1,
		})
	if res.Error != nil {
		return fmt.Errorf("update campaign contact %d: %w", cc.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrVersionConflict
	}
	cc.Version++
	return nil
}

func (s *GormStore) ListRecoverable(ctx context.Context) ([]models.CampaignContact, error) {
	var out []models.CampaignContact
	err := s.db.WithContext(ctx).
		Joins("JOIN campaigns ON campaigns.id = campaign_contacts.campaign_id AND campaigns.deleted_at IS NULL").
		Where("campaigns.status = ?", models.CampaignActive).
		Where("campaign_contacts.status IN ?", []models.ContactStatus{models.ContactPending, models.ContactActive, models.ContactWaiting}).
		Order("campaign_contacts.id ASC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list recoverable contacts: %w", err)
	}
	return out, nil
}

func (s *GormStore) CreateJob(ctx context.Context, job *models.DispatchJob) error {
	if err := s.db.WithContext(ctx).Create(job).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrJobExists
		}
		return fmt.Errorf("create dispatch job: %w", err)
	}
	return nil
}

func (s *GormStore) GetJob(ctx context.Context, key string) (*models.DispatchJob, error) {
	var job models.DispatchJob
	err := s.db.WithContext(ctx).Where("idempotency_key = ?", key).First(&job).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get dispatch job %s: %w", key, err)
	}
	return &job, nil
}

func (s *GormStore) UpdateJob(ctx context.Context, job *models.DispatchJob) error {
	res := s.db.WithContext(ctx).Model(&models.DispatchJob{}).
		Where("id = ? AND version = ?", job.ID, job.Version).
		Updates(map[string]interface{}{
			"scheduled_for":    job.ScheduledFor,
			"attempts":         job.Attempts,
			"status":           job.Status,
			"lease_owner":      job.LeaseOwner,
			"lease_expires_at": job.LeaseExpiresAt,
			"last_error":       job.LastError,
			"error_kind":       job.ErrorKind,
			"message_id":       job.MessageID,
			"finished_at":      job.FinishedAt,
			"version":          job.Version + 1,
		})
	if res.Error != nil {
		return fmt.Errorf("update dispatch job %s: %w", job.IdempotencyKey, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrVersionConflict
	}
	job.Version++
	return nil
}

func (s *GormStore) DueJobs(ctx context.Context, channel models.Channel, now time.Time, limit int) ([]models.DispatchJob, error) {
	var jobs []models.DispatchJob
	err := s.db.WithContext(ctx).
		Where("channel = ?", channel).
		Where("((status = ? AND scheduled_for <= ?) OR (status = ? AND lease_expires_at < ?))",
			models.JobQueued, now, models.JobRunning, now).
		Order("scheduled_for ASC, id ASC").
		Limit(limit).
		Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("list due jobs: %w", err)
	}
	return jobs, nil
}

func (s *GormStore) ListJobs(ctx context.Context, campaignID uint, status models.JobStatus) ([]models.DispatchJob, error) {
	var jobs []models.DispatchJob
	err := s.db.WithContext(ctx).
		Where("campaign_id = ? AND status = ?", campaignID, status).
		Order("updated_at DESC").
		Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

func wrapNotFound(err error, what string, id uint) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s %d: %w", what, id, ErrNotFound)
	}
	return fmt.Errorf("load %s %d: %w", what, id, err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

var _ Store = (*GormStore)(nil)
var _ JobStore = (*GormStore)(nil)
