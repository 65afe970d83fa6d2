// Package quota tracks per-account, per-channel, per-day sending budgets.
// Windows are keyed by the calendar day in the owning organization's timezone.
package quota

import (
	"context"
	"fmt"
	"time"

	"outreach/models"
	"outreach/utils"

	"github.com/sirupsen/logrus"
)

const dayLayout = "2006-01-02"

type WindowKey struct {
	AccountID uint
	Channel   models.Channel
	Day       string
}

func (k WindowKey) String() string {
	return fmt.Sprintf("quota:%d:%s:%s", k.AccountID, k.Channel, k.Day)
}

// Counter is the shared counter backend. Acquire must be an atomic
// check-and-increment: it never lets the count exceed capacity.
type Counter interface {
	Acquire(ctx context.Context, key WindowKey, capacity int) (bool, error)
	Used(ctx context.Context, key WindowKey) (int, error)
}

type AccountLookup interface {
	GetAccount(ctx context.Context, id uint) (*models.SendingAccount, error)
	GetOrganization(ctx context.Context, id uint) (*models.Organization, error)
}

type Tracker struct {
	counter  Counter
	accounts AccountLookup
	defaults map[models.Channel]int
	clock    utils.Clock
	log      *logrus.Entry
}

func NewTracker(counter Counter, accounts AccountLookup, defaults map[models.Channel]int, clock utils.Clock) *Tracker {
	return &Tracker{
		counter:  counter,
		accounts: accounts,
		defaults: defaults,
		clock:    clock,
		log:      utils.Component("quota"),
	}
}

// TryAcquire takes one permit from the window containing at.
func (t *Tracker) TryAcquire(ctx context.Context, accountID uint, ch models.Channel, at time.Time) (bool, error) {
	capacity, loc, err := t.window(ctx, accountID, ch)
	if err != nil {
		return false, err
	}
	key := WindowKey{AccountID: accountID, Channel: ch, Day: at.In(loc).Format(dayLayout)}
	granted, err := t.counter.Acquire(ctx, key, capacity)
	if err != nil {
		return false, fmt.Errorf("acquire %s: %w", key, err)
	}
	if !granted {
		t.log.WithFields(logrus.Fields{
			"account_id": accountID,
			"channel":    ch,
			"day":        key.Day,
			"capacity":   capacity,
		}).Debug("Daily quota exhausted")
	}
	return granted, nil
}

// Available peeks at the window without consuming a permit.
func (t *Tracker) Available(ctx context.Context, accountID uint, ch models.Channel, at time.Time) (bool, error) {
	capacity, loc, err := t.window(ctx, accountID, ch)
	if err != nil {
		return false, err
	}
	key := WindowKey{AccountID: accountID, Channel: ch, Day: at.In(loc).Format(dayLayout)}
	used, err := t.counter.Used(ctx, key)
	if err != nil {
		return false, fmt.Errorf("read %s: %w", key, err)
	}
	return used < capacity, nil
}

// ReopenTime is the next day boundary in the organization's timezone.
func (t *Tracker) ReopenTime(ctx context.Context, accountID uint, ch models.Channel) (time.Time, error) {
	_, loc, err := t.window(ctx, accountID, ch)
	if err != nil {
		return time.Time{}, err
	}
	return NextDayBoundary(t.clock.Now(), loc), nil
}

func NextDayBoundary(at time.Time, loc *time.Location) time.Time {
	local := at.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day()+1, 0, 0, 0, 0, loc)
}

func (t *Tracker) window(ctx context.Context, accountID uint, ch models.Channel) (int, *time.Location, error) {
	account, err := t.accounts.GetAccount(ctx, accountID)
	if err != nil {
		return 0, nil, err
	}
	capacity := account.DailyLimit
	if capacity <= 0 {
		capacity = t.defaults[ch]
	}
	if capacity <= 0 {
		return 0, nil, fmt.Errorf("no daily limit configured for account %d on %s", accountID, ch)
	}

	loc := time.UTC
	if account.OrganizationID != 0 {
		org, err := t.accounts.GetOrganization(ctx, account.OrganizationID)
		if err != nil {
			return 0, nil, err
		}
		loc = org.Location()
	}
	return capacity, loc, nil
}
