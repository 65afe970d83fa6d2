package eventstore

import (
	"context"
	"fmt"

	"outreach/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) Append(ctx context.Context, ev *models.SendEvent) (bool, error) {
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "event_id"}},
			DoNothing: true,
		}).
		Create(ev)
	if res.Error != nil {
		return false, fmt.Errorf("append send event %s: %w", ev.EventID, res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *GormStore) ListForContact(ctx context.Context, campaignContactID uint) ([]models.SendEvent, error) {
	var events []models.SendEvent
	err := s.db.WithContext(ctx).
		Where("campaign_contact_id = ?", campaignContactID).
		Order("id ASC").
		Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("list send events: %w", err)
	}
	return events, nil
}

func (s *GormStore) HasDelivered(ctx context.Context, campaignContactID uint, stepKey string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.SendEvent{}).
		Where("campaign_contact_id = ? AND step_key = ? AND kind = ?", campaignContactID, stepKey, models.EventDelivered).
		Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("check delivery: %w", err)
	}
	return n > 0, nil
}

var _ Store = (*GormStore)(nil)
