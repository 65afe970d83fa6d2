package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"outreach/models"
	"outreach/senders"
	"outreach/store"
	"outreach/utils"

	"github.com/sirupsen/logrus"
)

// attempt runs a single delivery attempt of a job it was handed by poll.
func (q *Queue) attempt(ctx context.Context, job models.DispatchJob) error {
	now := q.clock.Now()
	log := q.log.WithFields(logrus.Fields{
		"job":     job.IdempotencyKey,
		"contact": job.CampaignContactID,
		"step":    job.StepKey,
		"channel": job.Channel,
	})

	// Lease the job; losing the race means another worker owns it
	lease := now.Add(q.cfg.LeaseTTL)
	job.Status = models.JobRunning
	job.LeaseOwner = q.cfg.WorkerID
	job.LeaseExpiresAt = &lease
	if err := q.jobs.UpdateJob(ctx, &job); err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			return nil
		}
		return fmt.Errorf("lease job: %w", err)
	}

	allowed, err := q.handler.AllowDispatch(ctx, &job)
	if err != nil {
		return fmt.Errorf("dispatch gate: %w", err)
	}
	if !allowed {
		log.Info("Job cancelled, contact no longer dispatchable")
		return q.finish(ctx, &job, models.JobCancelled)
	}

	// A redelivered job whose send was already recorded must not send again
	delivered, err := q.events.HasDelivered(ctx, job.CampaignContactID, job.StepKey)
	if err != nil {
		return fmt.Errorf("check delivery: %w", err)
	}
	if delivered {
		log.Info("Delivery already recorded, completing without sending")
		return q.succeed(ctx, &job)
	}

	preparer, ok := q.preparers[job.Channel]
	if !ok {
		return q.fail(ctx, &job, senders.Permanent(senders.KindInvalidPayload, fmt.Errorf("no preparer for channel %q", job.Channel)))
	}
	action, err := preparer.Prepare(ctx, &job)
	if err != nil {
		var se *senders.SendError
		if errors.As(err, &se) {
			// Payload problems never get better on retry
			return q.fail(ctx, &job, senders.Permanent(se.Kind, se.Err))
		}
		return fmt.Errorf("prepare job: %w", err)
	}

	if err := q.limiters[job.Channel].Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	granted, err := q.permits.TryAcquire(ctx, job.AccountID, job.Channel, q.clock.Now())
	if err != nil {
		return fmt.Errorf("acquire quota: %w", err)
	}
	if !granted {
		reopen, err := q.permits.ReopenTime(ctx, job.AccountID, job.Channel)
		if err != nil {
			return fmt.Errorf("quota reopen time: %w", err)
		}
		log.WithField("reopen_at", reopen).Info("Daily quota exhausted, job rescheduled")
		return q.requeue(ctx, &job, reopen)
	}

	sendCtx := ctx
	if timeout := q.cfg.SendTimeouts[job.Channel]; timeout > 0 {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	messageID, sendErr := action(sendCtx)
	job.Attempts++

	if sendErr == nil {
		job.MessageID = messageID
		ev := &models.SendEvent{
			EventID:           job.IdempotencyKey + ":delivered",
			CampaignContactID: job.CampaignContactID,
			CampaignID:        job.CampaignID,
			StepID:            job.StepID,
			StepKey:           job.StepKey,
			Kind:              models.EventDelivered,
			OccurredAt:        q.clock.Now(),
			Metadata:          map[string]string{"message_id": messageID, "channel": string(job.Channel)},
		}
		if _, err := q.events.Append(ctx, ev); err != nil {
			return fmt.Errorf("record delivery: %w", err)
		}
		log.WithField("attempts", job.Attempts).Info("Job delivered")
		return q.succeed(ctx, &job)
	}

	cause := senders.Classify(sendErr)
	job.LastError = sendErr.Error()
	job.ErrorKind = string(cause.Kind)

	if cause.Retryable && job.Attempts < job.MaxAttempts {
		delay := policyFor(&job).Delay(job.Attempts)
		log.WithFields(logrus.Fields{
			"attempts": job.Attempts,
			"retry_in": utils.FormatDuration(delay),
			"error":    sendErr.Error(),
		}).Warn("Send failed, retrying")
		return q.requeue(ctx, &job, q.clock.Now().Add(delay))
	}

	return q.fail(ctx, &job, cause)
}

func (q *Queue) requeue(ctx context.Context, job *models.DispatchJob, at time.Time) error {
	job.Status = models.JobQueued
	job.ScheduledFor = at
	job.LeaseOwner = ""
	job.LeaseExpiresAt = nil
	return q.jobs.UpdateJob(ctx, job)
}

func (q *Queue) finish(ctx context.Context, job *models.DispatchJob, status models.JobStatus) error {
	job.Status = status
	job.LeaseOwner = ""
	job.LeaseExpiresAt = nil
	job.FinishedAt = utils.Pointer(q.clock.Now())
	return q.jobs.UpdateJob(ctx, job)
}

func (q *Queue) succeed(ctx context.Context, job *models.DispatchJob) error {
	if err := q.finish(ctx, job, models.JobSucceeded); err != nil {
		return err
	}
	return q.handler.JobSucceeded(ctx, job)
}

// fail dead-letters the job, records the terminal SendEvent and hands the
// contact decision to the outcome handler.
func (q *Queue) fail(ctx context.Context, job *models.DispatchJob, cause *senders.SendError) error {
	if job.LastError == "" {
		job.LastError = cause.Error()
		job.ErrorKind = string(cause.Kind)
	}
	if err := q.finish(ctx, job, models.JobFailedPermanently); err != nil {
		return err
	}

	kind := failureEvent(job.Channel, cause)
	ev := &models.SendEvent{
		EventID:           fmt.Sprintf("%s:%s", job.IdempotencyKey, kind),
		CampaignContactID: job.CampaignContactID,
		CampaignID:        job.CampaignID,
		StepID:            job.StepID,
		StepKey:           job.StepKey,
		Kind:              kind,
		OccurredAt:        q.clock.Now(),
		Metadata: map[string]string{
			"error":      job.LastError,
			"error_kind": job.ErrorKind,
			"attempts":   fmt.Sprint(job.Attempts),
		},
	}
	if _, err := q.events.Append(ctx, ev); err != nil {
		return fmt.Errorf("record failure: %w", err)
	}

	utils.LogEvent("dispatch_failed", map[string]interface{}{
		"job":        job.IdempotencyKey,
		"channel":    job.Channel,
		"attempts":   job.Attempts,
		"error_kind": job.ErrorKind,
	})
	return q.handler.JobFailed(ctx, job, cause)
}

// failureEvent picks the terminal event: a permanent channel rejection is a
// bounce for email and a block for LinkedIn. A LinkedIn session that lost
// its authorization is a block too. Exhausted retries, payload problems and
// rejected SMTP credentials are plain failures.
func failureEvent(ch models.Channel, cause *senders.SendError) models.EventKind {
	if cause.Retryable || cause.Kind == senders.KindInvalidPayload {
		return models.EventFailed
	}
	if ch == models.ChannelLinkedIn {
		return models.EventBlocked
	}
	if cause.Kind == senders.KindAuth {
		return models.EventFailed
	}
	return models.EventBounced
}
