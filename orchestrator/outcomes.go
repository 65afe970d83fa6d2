package orchestrator

import (
	"context"
	"errors"

	"outreach/models"
	"outreach/senders"
	"outreach/store"
	"outreach/utils"

	"github.com/sirupsen/logrus"
)

// AllowDispatch lets a job run only while its contact still expects it.
// Paused campaigns keep dispatching jobs that were already created.
func (o *Orchestrator) AllowDispatch(ctx context.Context, job *models.DispatchJob) (bool, error) {
	cc, err := o.store.GetCampaignContact(ctx, job.CampaignContactID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if cc.Status.Terminal() || cc.InFlightJobKey != job.IdempotencyKey {
		return false, nil
	}
	campaign, err := o.store.GetCampaign(ctx, job.CampaignID)
	if err != nil {
		return false, err
	}
	return campaign.Status == models.CampaignActive || campaign.Status == models.CampaignPaused, nil
}

// JobSucceeded marks the step done and moves the contact on.
func (o *Orchestrator) JobSucceeded(ctx context.Context, job *models.DispatchJob) error {
	unlock := o.locks.Lock(job.CampaignContactID)
	defer unlock()

	doneAt := o.clock.Now()
	if job.FinishedAt != nil {
		doneAt = *job.FinishedAt
	}

	for {
		cc, err := o.store.GetCampaignContact(ctx, job.CampaignContactID)
		if err != nil {
			return err
		}
		if cc.InFlightJobKey != job.IdempotencyKey {
			return nil
		}
		cc.CurrentStepKey = job.StepKey
		cc.StepDone = true
		cc.LastActionAt = &doneAt
		cc.InFlightJobKey = ""
		cc.LastError = ""
		if !cc.Status.Terminal() {
			cc.Status = models.ContactActive
		}
		err = o.store.UpdateCampaignContact(ctx, cc)
		if errors.Is(err, store.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return err
		}
		if cc.Status.Terminal() {
			return nil
		}
		break
	}

	o.log.WithFields(logrus.Fields{
		"campaign_contact_id": job.CampaignContactID,
		"step":                job.StepKey,
	}).Debug("Step completed")
	return o.scheduleLocked(ctx, job.CampaignContactID)
}

// JobFailed decides the contact's fate after a dead-lettered job. A rejected
// email recipient is a hard bounce and stops the contact; anything else
// marks it failed with the cause recorded.
func (o *Orchestrator) JobFailed(ctx context.Context, job *models.DispatchJob, cause *senders.SendError) error {
	unlock := o.locks.Lock(job.CampaignContactID)

	var campaignID uint
	for {
		cc, err := o.store.GetCampaignContact(ctx, job.CampaignContactID)
		if err != nil {
			unlock()
			return err
		}
		if cc.InFlightJobKey != job.IdempotencyKey {
			unlock()
			return nil
		}
		cc.InFlightJobKey = ""
		if !cc.Status.Terminal() {
			if cause != nil && cause.Kind == senders.KindInvalidRecipient && job.Channel == models.ChannelEmail {
				cc.Status = models.ContactStopped
				cc.StopReason = "hard_bounce"
				cc.Bounced = true
			} else {
				cc.Status = models.ContactFailed
			}
			cc.LastError = job.LastError
			cc.WaitUntil = nil
			cc.CompletedAt = utils.Pointer(o.clock.Now())
		}
		err = o.store.UpdateCampaignContact(ctx, cc)
		if errors.Is(err, store.ErrVersionConflict) {
			continue
		}
		if err != nil {
			unlock()
			return err
		}
		campaignID = cc.CampaignID
		o.log.WithFields(logrus.Fields{
			"campaign_contact_id": cc.ID,
			"status":              cc.Status,
			"error":               job.LastError,
		}).Warn("Contact left its sequence after a failed dispatch")
		break
	}
	o.sched.Disarm(job.CampaignContactID)
	unlock()

	o.maybeComplete(ctx, campaignID)
	return nil
}

// Recover restores scheduling after a restart: pending contacts of active
// campaigns are started, wait timers are re-armed, lost jobs are re-created
// and outcomes the previous process never applied are replayed.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	contacts, err := o.store.ListRecoverable(ctx)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, cc := range contacts {
		if ctx.Err() != nil {
			return recovered, ctx.Err()
		}
		if err := o.recoverOne(ctx, cc); err != nil {
			utils.LogError("recover_contact", err, map[string]interface{}{"campaign_contact_id": cc.ID})
			continue
		}
		recovered++
	}
	return recovered, nil
}

func (o *Orchestrator) recoverOne(ctx context.Context, cc models.CampaignContact) error {
	if cc.Status == models.ContactPending {
		_, err := o.activate(ctx, cc.ID)
		return err
	}
	if cc.InFlightJobKey == "" {
		return o.reschedule(ctx, cc.ID)
	}

	job, err := o.jobs.GetJob(ctx, cc.InFlightJobKey)
	switch {
	case errors.Is(err, store.ErrNotFound):
		// The cursor was claimed but the job never written
		return o.releaseCursor(ctx, cc.ID, cc.InFlightJobKey)
	case err != nil:
		return err
	}

	switch job.Status {
	case models.JobSucceeded:
		return o.JobSucceeded(ctx, job)
	case models.JobFailedPermanently:
		cause := &senders.SendError{Kind: senders.Kind(job.ErrorKind), Err: errors.New(job.LastError)}
		return o.JobFailed(ctx, job, cause)
	case models.JobCancelled:
		return o.releaseCursor(ctx, cc.ID, cc.InFlightJobKey)
	}
	// Queued or running jobs are the queue's to finish
	return nil
}

// releaseCursor clears a dangling in-flight key and re-evaluates.
func (o *Orchestrator) releaseCursor(ctx context.Context, ccID uint, key string) error {
	unlock := o.locks.Lock(ccID)
	defer unlock()
	for {
		cc, err := o.store.GetCampaignContact(ctx, ccID)
		if err != nil {
			return err
		}
		if cc.InFlightJobKey != key || cc.Status.Terminal() {
			return nil
		}
		if job, err := o.jobs.GetJob(ctx, key); err == nil && job.Status != models.JobCancelled {
			// Written by a scheduler that held the lock meanwhile
			return nil
		}
		cc.InFlightJobKey = ""
		err = o.store.UpdateCampaignContact(ctx, cc)
		if errors.Is(err, store.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return err
		}
		return o.scheduleLocked(ctx, ccID)
	}
}

// Failures is what an operator sees for a campaign's failed work.
type Failures struct {
	Contacts []models.CampaignContact `json:"contacts"`
	Jobs     []models.DispatchJob     `json:"jobs"`
}

// FailedContacts lists failed contacts and dead-lettered jobs with their
// recorded errors.
func (o *Orchestrator) FailedContacts(ctx context.Context, campaignID uint) (Failures, error) {
	var out Failures
	contacts, err := o.store.ListCampaignContacts(ctx, campaignID)
	if err != nil {
		return out, err
	}
	for _, cc := range contacts {
		if cc.Status == models.ContactFailed || (cc.Status == models.ContactStopped && cc.StopReason == "hard_bounce") {
			out.Contacts = append(out.Contacts, cc)
		}
	}
	out.Jobs, err = o.jobs.ListJobs(ctx, campaignID, models.JobFailedPermanently)
	return out, err
}
