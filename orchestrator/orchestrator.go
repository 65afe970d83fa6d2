// Package orchestrator coordinates campaign execution. It owns the lifecycle
// of campaigns and the state machine of every campaign contact, and reacts to
// job outcomes and incoming events by asking the scheduler what comes next.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"outreach/conditions"
	"outreach/eventstore"
	"outreach/models"
	"outreach/scheduler"
	"outreach/store"
	"outreach/utils"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var (
	ErrInvalidTransition = errors.New("orchestrator: invalid campaign transition")
	ErrUnknownEvent      = errors.New("orchestrator: unknown event kind")
)

// ConfigError is a campaign definition that cannot run.
type ConfigError struct {
	CampaignID uint
	Err        error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("campaign %d is misconfigured: %v", e.CampaignID, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// Canceller cancels queued dispatch jobs.
type Canceller interface {
	Cancel(ctx context.Context, key string) error
}

type Orchestrator struct {
	store  store.Store
	jobs   store.JobStore
	events eventstore.Store
	sched  *scheduler.Scheduler
	queue  Canceller
	eval   *conditions.Evaluator
	clock  utils.Clock
	hub    *Hub

	locks *utils.KeyedMutex
	log   *logrus.Entry
}

type Deps struct {
	Store     store.Store
	Jobs      store.JobStore
	Events    eventstore.Store
	Scheduler *scheduler.Scheduler
	Queue     Canceller
	Evaluator *conditions.Evaluator
	Clock     utils.Clock
	Hub       *Hub
}

// New wires the orchestrator and takes over the scheduler's wake-ups so
// timer-driven evaluations are serialized with every other contact update.
func New(d Deps) *Orchestrator {
	if d.Hub == nil {
		d.Hub = NewHub()
	}
	o := &Orchestrator{
		store:  d.Store,
		jobs:   d.Jobs,
		events: d.Events,
		sched:  d.Scheduler,
		queue:  d.Queue,
		eval:   d.Evaluator,
		clock:  d.Clock,
		hub:    d.Hub,
		locks:  utils.NewKeyedMutex(),
		log:    utils.Component("orchestrator"),
	}
	d.Scheduler.OnWake(o.wake)
	return o
}

func (o *Orchestrator) Hub() *Hub {
	return o.hub
}

// StartCampaign validates a draft campaign, activates it and moves every
// pending contact to its first step.
func (o *Orchestrator) StartCampaign(ctx context.Context, campaignID uint) (int, error) {
	campaign, err := o.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return 0, err
	}
	if err := o.validate(ctx, campaign); err != nil {
		return 0, &ConfigError{CampaignID: campaignID, Err: err}
	}

	err = o.store.SetCampaignStatus(ctx, campaignID, []models.CampaignStatus{models.CampaignDraft}, models.CampaignActive, o.clock.Now())
	if errors.Is(err, store.ErrVersionConflict) {
		return 0, fmt.Errorf("%w: campaign %d is %s", ErrInvalidTransition, campaignID, campaign.Status)
	}
	if err != nil {
		return 0, err
	}

	contacts, err := o.store.ListCampaignContacts(ctx, campaignID)
	if err != nil {
		return 0, err
	}
	started := 0
	for _, cc := range contacts {
		if cc.Status != models.ContactPending {
			continue
		}
		ok, err := o.activate(ctx, cc.ID)
		if err != nil {
			utils.LogError("activate_contact", err, map[string]interface{}{"campaign_id": campaignID, "campaign_contact_id": cc.ID})
			continue
		}
		if ok {
			started++
		}
	}

	utils.LogEvent("campaign_started", map[string]interface{}{
		"campaign_id": campaignID,
		"contacts":    started,
	})
	o.maybeComplete(ctx, campaignID)
	return started, nil
}

func (o *Orchestrator) validate(ctx context.Context, c *models.Campaign) error {
	if err := utils.ValidateStruct(c); err != nil {
		return err
	}
	if err := scheduler.ValidateGraph(c, o.eval); err != nil {
		return err
	}
	for _, step := range c.Steps {
		account, err := o.store.GetAccount(ctx, step.AccountID)
		if err != nil {
			return fmt.Errorf("step %q: sending account %d: %w", step.Key, step.AccountID, err)
		}
		if account.Channel != step.Channel {
			return fmt.Errorf("step %q: account %d sends %s, not %s", step.Key, account.ID, account.Channel, step.Channel)
		}
		if !account.IsActive {
			return fmt.Errorf("step %q: account %d is inactive", step.Key, account.ID)
		}
		if step.Channel == models.ChannelLinkedIn && step.Action.LinkedInAction == "" {
			return fmt.Errorf("step %q: linkedin step without an action", step.Key)
		}
	}
	return nil
}

// activate moves a pending contact to active and schedules its first step.
// Contacts that can no longer be reached are stopped instead.
func (o *Orchestrator) activate(ctx context.Context, ccID uint) (bool, error) {
	unlock := o.locks.Lock(ccID)
	defer unlock()

	for {
		cc, err := o.store.GetCampaignContact(ctx, ccID)
		if err != nil {
			return false, err
		}
		if cc.Status != models.ContactPending {
			return false, nil
		}
		contact, err := o.store.GetContact(ctx, cc.ContactID)
		if err != nil {
			return false, err
		}

		if !contact.Reachable() {
			cc.Status = models.ContactStopped
			cc.StopReason = "unreachable"
			cc.CompletedAt = utils.Pointer(o.clock.Now())
		} else {
			cc.Status = models.ContactActive
			cc.CurrentStepKey = ""
			cc.StepDone = false
		}
		err = o.store.UpdateCampaignContact(ctx, cc)
		if errors.Is(err, store.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return false, err
		}
		if cc.Status == models.ContactStopped {
			return false, nil
		}
		break
	}

	return true, o.scheduleLocked(ctx, ccID)
}

// EnrollResult reports what Enroll did.
type EnrollResult struct {
	Enrolled int `json:"enrolled"`
	Skipped  int `json:"skipped"`
}

// Enroll adds contacts to a campaign. Contacts enrolled into an active
// campaign start right away; duplicates are skipped.
func (o *Orchestrator) Enroll(ctx context.Context, campaignID uint, contactIDs []uint) (EnrollResult, error) {
	var res EnrollResult
	campaign, err := o.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return res, err
	}
	switch campaign.Status {
	case models.CampaignDraft, models.CampaignActive, models.CampaignPaused:
	default:
		return res, fmt.Errorf("%w: cannot enroll into a %s campaign", ErrInvalidTransition, campaign.Status)
	}

	for _, contactID := range contactIDs {
		contact, err := o.store.GetContact(ctx, contactID)
		if err != nil || contact.OrganizationID != campaign.OrganizationID {
			res.Skipped++
			continue
		}
		cc := &models.CampaignContact{CampaignID: campaignID, ContactID: contactID, Status: models.ContactPending}
		err = o.store.CreateCampaignContact(ctx, cc)
		if errors.Is(err, store.ErrDuplicate) {
			res.Skipped++
			continue
		}
		if err != nil {
			return res, err
		}
		res.Enrolled++

		if campaign.Status == models.CampaignActive {
			if _, err := o.activate(ctx, cc.ID); err != nil {
				return res, err
			}
		}
	}
	return res, nil
}

// PauseCampaign suspends scheduling. Jobs already created still run.
func (o *Orchestrator) PauseCampaign(ctx context.Context, campaignID uint) error {
	err := o.store.SetCampaignStatus(ctx, campaignID, []models.CampaignStatus{models.CampaignActive}, models.CampaignPaused, o.clock.Now())
	if errors.Is(err, store.ErrVersionConflict) {
		return fmt.Errorf("%w: campaign %d is not active", ErrInvalidTransition, campaignID)
	}
	if err != nil {
		return err
	}

	contacts, err := o.store.ListCampaignContacts(ctx, campaignID)
	if err != nil {
		return err
	}
	for _, cc := range contacts {
		o.sched.Disarm(cc.ID)
	}
	utils.LogEvent("campaign_paused", map[string]interface{}{"campaign_id": campaignID})
	return nil
}

// ResumeCampaign re-activates a paused campaign and re-evaluates every
// contact that is not waiting on a job.
func (o *Orchestrator) ResumeCampaign(ctx context.Context, campaignID uint) error {
	err := o.store.SetCampaignStatus(ctx, campaignID, []models.CampaignStatus{models.CampaignPaused}, models.CampaignActive, o.clock.Now())
	if errors.Is(err, store.ErrVersionConflict) {
		return fmt.Errorf("%w: campaign %d is not paused", ErrInvalidTransition, campaignID)
	}
	if err != nil {
		return err
	}

	contacts, err := o.store.ListCampaignContacts(ctx, campaignID)
	if err != nil {
		return err
	}
	for _, cc := range contacts {
		switch {
		case cc.Status == models.ContactPending:
			_, err = o.activate(ctx, cc.ID)
		case !cc.Status.Terminal():
			err = o.reschedule(ctx, cc.ID)
		}
		if err != nil {
			utils.LogError("resume_contact", err, map[string]interface{}{"campaign_id": campaignID, "campaign_contact_id": cc.ID})
		}
	}
	utils.LogEvent("campaign_resumed", map[string]interface{}{"campaign_id": campaignID})
	o.maybeComplete(ctx, campaignID)
	return nil
}

// StopContact ends a contact's sequence for good. It wins over any event or
// job outcome that arrives concurrently.
func (o *Orchestrator) StopContact(ctx context.Context, ccID uint, reason string) error {
	unlock := o.locks.Lock(ccID)
	cc, err := o.stopLocked(ctx, ccID, reason)
	unlock()
	if err != nil || cc == nil {
		return err
	}
	o.maybeComplete(ctx, cc.CampaignID)
	return nil
}

func (o *Orchestrator) stopLocked(ctx context.Context, ccID uint, reason string) (*models.CampaignContact, error) {
	if reason == "" {
		reason = "manual"
	}
	for {
		cc, err := o.store.GetCampaignContact(ctx, ccID)
		if err != nil {
			return nil, err
		}
		if cc.Status.Terminal() {
			return nil, nil
		}
		inFlight := cc.InFlightJobKey
		cc.Status = models.ContactStopped
		cc.StopReason = reason
		cc.WaitUntil = nil
		cc.CompletedAt = utils.Pointer(o.clock.Now())
		err = o.store.UpdateCampaignContact(ctx, cc)
		if errors.Is(err, store.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}

		o.sched.Disarm(ccID)
		if inFlight != "" {
			if err := o.queue.Cancel(ctx, inFlight); err != nil {
				o.log.WithError(err).WithField("job", inFlight).Warn("Failed to cancel queued job")
			}
		}
		o.log.WithFields(logrus.Fields{"campaign_contact_id": ccID, "reason": reason}).Info("Contact stopped")
		return cc, nil
	}
}

// OnEvent records an outcome event and re-evaluates the contact when it was
// waiting for one. It reports whether the event was new.
func (o *Orchestrator) OnEvent(ctx context.Context, ev *models.SendEvent) (bool, error) {
	if !ev.Kind.Valid() {
		return false, fmt.Errorf("%w: %q", ErrUnknownEvent, ev.Kind)
	}
	cc, err := o.store.GetCampaignContact(ctx, ev.CampaignContactID)
	if err != nil {
		return false, err
	}
	if err := o.resolveEvent(ctx, cc, ev); err != nil {
		return false, err
	}

	created, err := o.events.Append(ctx, ev)
	if err != nil || !created {
		return false, err
	}

	log := o.log.WithFields(logrus.Fields{"campaign_contact_id": cc.ID, "kind": ev.Kind, "step": ev.StepKey})
	switch ev.Kind {
	case models.EventUnsubscribed:
		return true, o.StopContact(ctx, cc.ID, "unsubscribed")
	case models.EventBounced:
		return true, o.StopContact(ctx, cc.ID, "hard_bounce")
	}

	unlock := o.locks.Lock(cc.ID)
	defer unlock()
	current, err := o.store.GetCampaignContact(ctx, cc.ID)
	if err != nil {
		return true, err
	}
	if current.Status.Terminal() {
		log.Debug("Event recorded for a finished contact")
		return true, nil
	}
	if current.Status != models.ContactWaiting || current.InFlightJobKey != "" {
		return true, nil
	}
	return true, o.scheduleLocked(ctx, cc.ID)
}

// resolveEvent fills in identity fields an ingested event may lack.
func (o *Orchestrator) resolveEvent(ctx context.Context, cc *models.CampaignContact, ev *models.SendEvent) error {
	ev.CampaignID = cc.CampaignID
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = o.clock.Now()
	}
	if ev.StepKey == "" && ev.StepID != 0 {
		campaign, err := o.store.GetCampaign(ctx, cc.CampaignID)
		if err != nil {
			return err
		}
		for _, s := range campaign.Steps {
			if s.ID == ev.StepID {
				ev.StepKey = s.Key
			}
		}
	}
	if ev.StepKey == "" && ev.Kind.Engagement() {
		// Attribute to the most recent delivery
		state, err := eventstore.Snapshot(ctx, o.events, cc.ID)
		if err != nil {
			return err
		}
		var latest time.Time
		for key, at := range state.Delivered {
			if at.After(latest) || (at.Equal(latest) && key > ev.StepKey) {
				latest, ev.StepKey = at, key
			}
		}
	}
	if ev.StepKey == "" {
		ev.StepKey = cc.CurrentStepKey
	}
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}
	return nil
}

func (o *Orchestrator) wake(ccID uint) {
	if err := o.reschedule(context.Background(), ccID); err != nil {
		utils.LogError("scheduler_wake", err, map[string]interface{}{"campaign_contact_id": ccID})
	}
}

func (o *Orchestrator) reschedule(ctx context.Context, ccID uint) error {
	unlock := o.locks.Lock(ccID)
	defer unlock()
	return o.scheduleLocked(ctx, ccID)
}

// scheduleLocked runs the scheduler for a contact whose lock is held.
func (o *Orchestrator) scheduleLocked(ctx context.Context, ccID uint) error {
	d, err := o.sched.ScheduleNext(ctx, ccID)
	if err != nil {
		return o.failConfig(ctx, ccID, err)
	}
	if d.Kind == scheduler.Complete || d.Kind == scheduler.Stop {
		cc, err := o.store.GetCampaignContact(ctx, ccID)
		if err == nil {
			o.maybeComplete(ctx, cc.CampaignID)
		}
	}
	return nil
}

// failConfig marks the contact failed when its step graph cannot be
// evaluated at run time. Infrastructure errors are returned as they are.
func (o *Orchestrator) failConfig(ctx context.Context, ccID uint, cause error) error {
	if !errors.Is(cause, scheduler.ErrUnknownStep) &&
		!errors.Is(cause, conditions.ErrUnknownCondition) &&
		!errors.Is(cause, conditions.ErrInvalidCondition) {
		return cause
	}
	for {
		cc, err := o.store.GetCampaignContact(ctx, ccID)
		if err != nil {
			return err
		}
		if cc.Status.Terminal() {
			return nil
		}
		cc.Status = models.ContactFailed
		cc.LastError = cause.Error()
		cc.WaitUntil = nil
		cc.CompletedAt = utils.Pointer(o.clock.Now())
		err = o.store.UpdateCampaignContact(ctx, cc)
		if errors.Is(err, store.ErrVersionConflict) {
			continue
		}
		if err == nil {
			utils.LogError("contact_misconfigured", cause, map[string]interface{}{"campaign_contact_id": ccID})
			o.maybeComplete(ctx, cc.CampaignID)
		}
		return err
	}
}

// maybeComplete closes an active campaign once every contact is terminal.
func (o *Orchestrator) maybeComplete(ctx context.Context, campaignID uint) {
	contacts, err := o.store.ListCampaignContacts(ctx, campaignID)
	if err != nil || len(contacts) == 0 {
		return
	}
	for _, cc := range contacts {
		if !cc.Status.Terminal() {
			return
		}
	}
	err = o.store.SetCampaignStatus(ctx, campaignID, []models.CampaignStatus{models.CampaignActive}, models.CampaignCompleted, o.clock.Now())
	if err == nil {
		utils.LogEvent("campaign_completed", map[string]interface{}{"campaign_id": campaignID})
	}
}
