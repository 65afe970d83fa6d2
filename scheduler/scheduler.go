package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"outreach/conditions"
	"outreach/eventstore"
	"outreach/models"
	"outreach/store"
	"outreach/utils"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const maxConflictRetries = 8

var ErrContention = errors.New("scheduler: too many concurrent updates")

// Enqueuer is the dispatch queue as seen by the scheduler.
type Enqueuer interface {
	Enqueue(ctx context.Context, job *models.DispatchJob) (*models.DispatchJob, error)
}

// Availability is the non-consuming quota view used to pick dispatch times.
type Availability interface {
	Available(ctx context.Context, accountID uint, ch models.Channel, at time.Time) (bool, error)
	ReopenTime(ctx context.Context, accountID uint, ch models.Channel) (time.Time, error)
}

type Scheduler struct {
	store  store.Store
	events eventstore.Store
	eval   *conditions.Evaluator
	queue  Enqueuer
	quota  Availability
	clock  utils.Clock

	mu     sync.Mutex
	timers map[uint]utils.Timer
	onWake func(ccID uint)

	log *logrus.Entry
}

func New(s store.Store, events eventstore.Store, eval *conditions.Evaluator, queue Enqueuer, quota Availability, clock utils.Clock) *Scheduler {
	sch := &Scheduler{
		store:  s,
		events: events,
		eval:   eval,
		queue:  queue,
		quota:  quota,
		clock:  clock,
		timers: make(map[uint]utils.Timer),
		log:    utils.Component("scheduler"),
	}
	sch.onWake = func(ccID uint) {
		if _, err := sch.ScheduleNext(context.Background(), ccID); err != nil {
			utils.LogError("scheduler_wake", err, map[string]interface{}{"campaign_contact_id": ccID})
		}
	}
	return sch
}

// OnWake replaces what runs when a contact's wait timer fires.
func (s *Scheduler) OnWake(fn func(ccID uint)) {
	s.onWake = fn
}

// JobKey is the stable identity of the job that sends step to a contact.
func JobKey(ccID, stepID uint) string {
	name := fmt.Sprintf("campaign-contact:%d/step:%d", ccID, stepID)
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)).String()
}

// ScheduleNext re-evaluates a contact from fresh state and applies the
// decision with a compare-and-swap. A contact that is terminal, has a job in
// flight or belongs to a campaign that is not active is left untouched.
func (s *Scheduler) ScheduleNext(ctx context.Context, ccID uint) (Decision, error) {
	for i := 0; i < maxConflictRetries; i++ {
		d, err := s.scheduleOnce(ctx, ccID)
		if errors.Is(err, store.ErrVersionConflict) {
			s.log.WithField("campaign_contact_id", ccID).Debug("Concurrent update, re-evaluating")
			continue
		}
		return d, err
	}
	return Decision{}, fmt.Errorf("%w: campaign contact %d", ErrContention, ccID)
}

func (s *Scheduler) scheduleOnce(ctx context.Context, ccID uint) (Decision, error) {
	cc, err := s.store.GetCampaignContact(ctx, ccID)
	if err != nil {
		return Decision{}, err
	}
	if cc.Status.Terminal() {
		s.Disarm(ccID)
		return Decision{Kind: Stop, Edge: -1, Reason: string(cc.Status)}, nil
	}
	if cc.InFlightJobKey != "" {
		return Decision{Kind: Wait, Edge: -1}, nil
	}

	campaign, err := s.store.GetCampaign(ctx, cc.CampaignID)
	if err != nil {
		return Decision{}, err
	}
	if campaign.Status != models.CampaignActive {
		s.Disarm(ccID)
		return Decision{Kind: Wait, Edge: -1}, nil
	}

	state, err := eventstore.Snapshot(ctx, s.events, ccID)
	if err != nil {
		return Decision{}, err
	}
	contact, err := s.store.GetContact(ctx, cc.ContactID)
	if err != nil {
		return Decision{}, err
	}

	now := s.clock.Now()
	d, err := Plan(s.eval, PlanInput{
		Campaign:   campaign,
		Contact:    cc,
		State:      state,
		Attributes: contact.Attributes(),
		Now:        now,
	})
	if err != nil {
		return Decision{}, err
	}

	cc.Opened, cc.Clicked, cc.Replied, cc.Bounced = state.Opened, state.Clicked, state.Replied, state.Bounced
	log := s.log.WithFields(logrus.Fields{
		"campaign_contact_id": ccID,
		"decision":            d.Kind.String(),
	})

	switch d.Kind {
	case Dispatch:
		d.At = s.dispatchTime(ctx, d.Step, d.At)
		job := &models.DispatchJob{
			IdempotencyKey:    JobKey(cc.ID, d.Step.ID),
			CampaignContactID: cc.ID,
			CampaignID:        campaign.ID,
			StepID:            d.Step.ID,
			StepKey:           d.Step.Key,
			Channel:           d.Step.Channel,
			AccountID:         d.Step.AccountID,
			Payload:           d.Step.Action,
			ScheduledFor:      d.At,
		}
		cc.CurrentStepKey = d.Step.Key
		cc.StepDone = false
		cc.Status = models.ContactWaiting
		cc.WaitUntil = nil
		cc.InFlightJobKey = job.IdempotencyKey
		// The cursor is claimed first so a racing evaluation cannot emit a
		// second job for this contact
		if err := s.store.UpdateCampaignContact(ctx, cc); err != nil {
			return Decision{}, err
		}
		s.Disarm(ccID)
		stored, err := s.queue.Enqueue(ctx, job)
		if err != nil {
			return Decision{}, fmt.Errorf("enqueue step %q: %w", d.Step.Key, err)
		}
		d.Job = stored
		log.WithFields(logrus.Fields{"step": d.Step.Key, "at": d.At}).Info("Step dispatched")

	case Wait:
		cc.Status = models.ContactWaiting
		cc.WaitUntil = nil
		if d.HasWake {
			cc.WaitUntil = utils.Pointer(d.At)
		}
		if err := s.store.UpdateCampaignContact(ctx, cc); err != nil {
			return Decision{}, err
		}
		if d.HasWake {
			s.arm(ccID, d.At)
			log.WithField("wake_at", d.At).Debug("Waiting")
		} else {
			s.Disarm(ccID)
			log.Debug("Waiting for an event")
		}

	case Complete:
		cc.Status = models.ContactCompleted
		cc.WaitUntil = nil
		cc.CompletedAt = utils.Pointer(now)
		if err := s.store.UpdateCampaignContact(ctx, cc); err != nil {
			return Decision{}, err
		}
		s.Disarm(ccID)
		log.Info("Sequence completed")

	case Stop:
		cc.Status = models.ContactStopped
		cc.StopReason = d.Reason
		cc.WaitUntil = nil
		cc.CompletedAt = utils.Pointer(now)
		if err := s.store.UpdateCampaignContact(ctx, cc); err != nil {
			return Decision{}, err
		}
		s.Disarm(ccID)
		log.WithField("reason", d.Reason).Info("Sequence stopped")
	}
	return d, nil
}

// dispatchTime pushes at to the reopen time of the account's window when
// the window is already exhausted.
func (s *Scheduler) dispatchTime(ctx context.Context, step *models.Step, at time.Time) time.Time {
	if s.quota == nil {
		return at
	}
	available, err := s.quota.Available(ctx, step.AccountID, step.Channel, at)
	if err != nil {
		s.log.WithError(err).WithField("account_id", step.AccountID).Warn("Quota check failed, dispatching now")
		return at
	}
	if available {
		return at
	}
	reopen, err := s.quota.ReopenTime(ctx, step.AccountID, step.Channel)
	if err != nil || reopen.Before(at) {
		return at
	}
	return reopen
}

func (s *Scheduler) arm(ccID uint, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[ccID]; ok {
		t.Stop()
	}
	d := at.Sub(s.clock.Now())
	if d < 0 {
		d = 0
	}
	var t utils.Timer
	t = s.clock.AfterFunc(d, func() {
		s.mu.Lock()
		current, ok := s.timers[ccID]
		if ok && current == t {
			delete(s.timers, ccID)
		}
		s.mu.Unlock()
		if ok && current == t {
			s.onWake(ccID)
		}
	})
	s.timers[ccID] = t
}

// Disarm cancels the contact's wait timer, if any.
func (s *Scheduler) Disarm(ccID uint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[ccID]; ok {
		t.Stop()
		delete(s.timers, ccID)
	}
}

// Armed reports whether the contact has a pending wait timer.
func (s *Scheduler) Armed(ccID uint) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[ccID]
	return ok
}

// Shutdown stops every timer.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}
