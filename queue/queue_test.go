package queue

import (
	"context"
	"errors"
	"fmt"
	"net/textproto"
	"sync"
	"testing"
	"time"

	"outreach/eventstore"
	"outreach/models"
	"outreach/quota"
	"outreach/senders"
	"outreach/store"
	"outreach/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type prepareFunc func(ctx context.Context, job *models.DispatchJob) (Action, error)

func (f prepareFunc) Prepare(ctx context.Context, job *models.DispatchJob) (Action, error) {
	return f(ctx, job)
}

type recordingHandler struct {
	mu        sync.Mutex
	deny      map[uint]bool
	succeeded []string
	failed    []string
	causes    []*senders.SendError
}

func (h *recordingHandler) AllowDispatch(_ context.Context, job *models.DispatchJob) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.deny[job.CampaignContactID], nil
}

func (h *recordingHandler) JobSucceeded(_ context.Context, job *models.DispatchJob) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.succeeded = append(h.succeeded, job.IdempotencyKey)
	return nil
}

func (h *recordingHandler) JobFailed(_ context.Context, job *models.DispatchJob, cause *senders.SendError) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failed = append(h.failed, job.IdempotencyKey)
	h.causes = append(h.causes, cause)
	return nil
}

type fixture struct {
	queue    *Queue
	jobs     *store.MemoryStore
	events   *eventstore.MemoryStore
	clock    *utils.FakeClock
	sender   *senders.Recorder
	handler  *recordingHandler
	account  *models.SendingAccount
	linkedin *models.SendingAccount
}

var start = time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC)

func newFixture(t *testing.T, dailyLimit int) *fixture {
	t.Helper()
	s := store.NewMemoryStore()
	org := &models.Organization{Name: "acme", Timezone: "UTC"}
	s.PutOrganization(org)
	account := &models.SendingAccount{OrganizationID: org.ID, Channel: models.ChannelEmail, FromEmail: "sdr@acme.io", DailyLimit: dailyLimit, IsActive: true}
	s.PutAccount(account)
	linkedin := &models.SendingAccount{OrganizationID: org.ID, Channel: models.ChannelLinkedIn, DailyLimit: dailyLimit, IsActive: true}
	s.PutAccount(linkedin)

	clock := utils.NewFakeClock(start)
	events := eventstore.NewMemoryStore()
	tracker := quota.NewTracker(quota.NewMemoryCounter(), s, map[models.Channel]int{models.ChannelEmail: 100, models.ChannelLinkedIn: 50}, clock)
	q := New(s, events, tracker, clock, Config{WorkerID: "test", PollInterval: 10 * time.Millisecond})

	sender := senders.NewRecorder()
	q.Register(models.ChannelEmail, prepareFunc(func(_ context.Context, job *models.DispatchJob) (Action, error) {
		to := fmt.Sprintf("contact-%d@example.com", job.CampaignContactID)
		return func(ctx context.Context) (string, error) {
			return sender.Send(ctx, account, senders.Email{To: to, Subject: job.Payload.Subject})
		}, nil
	}))
	q.Register(models.ChannelLinkedIn, prepareFunc(func(_ context.Context, job *models.DispatchJob) (Action, error) {
		target := fmt.Sprintf("https://linkedin.com/in/contact-%d", job.CampaignContactID)
		return func(ctx context.Context) (string, error) {
			return "", sender.Perform(ctx, linkedin, senders.LinkedInAction{Type: "connect", TargetURL: target})
		}, nil
	}))
	handler := &recordingHandler{deny: map[uint]bool{}}
	q.SetHandler(handler)

	return &fixture{queue: q, jobs: s, events: events, clock: clock, sender: sender, handler: handler, account: account, linkedin: linkedin}
}

func (f *fixture) enqueue(t *testing.T, ccID uint, ch models.Channel) *models.DispatchJob {
	t.Helper()
	accountID := f.account.ID
	if ch == models.ChannelLinkedIn {
		accountID = f.linkedin.ID
	}
	job, err := f.queue.Enqueue(context.Background(), &models.DispatchJob{
		IdempotencyKey:    fmt.Sprintf("job-%d", ccID),
		CampaignContactID: ccID,
		CampaignID:        1,
		StepID:            10,
		StepKey:           "a",
		Channel:           ch,
		AccountID:         accountID,
		ScheduledFor:      f.clock.Now(),
	})
	require.NoError(t, err)
	return job
}

func (f *fixture) job(t *testing.T, key string) *models.DispatchJob {
	t.Helper()
	job, err := f.jobs.GetJob(context.Background(), key)
	require.NoError(t, err)
	return job
}

func TestPolicyDelay(t *testing.T) {
	email := DefaultPolicies()[models.ChannelEmail]
	assert.Equal(t, 5*time.Second, email.Delay(1))
	assert.Equal(t, 10*time.Second, email.Delay(2))
	assert.Equal(t, 20*time.Second, email.Delay(3))

	linkedin := DefaultPolicies()[models.ChannelLinkedIn]
	assert.Equal(t, 60*time.Second, linkedin.Delay(1))
	assert.Equal(t, 60*time.Second, linkedin.Delay(2))
	assert.Equal(t, 2, linkedin.MaxAttempts)
}

func TestEnqueue_IsIdempotentOnIdentity(t *testing.T) {
	f := newFixture(t, 10)
	first := f.enqueue(t, 1, models.ChannelEmail)
	second := f.enqueue(t, 1, models.ChannelEmail)

	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, f.jobs.JobsFor(1), 1)
	assert.Equal(t, 3, first.MaxAttempts)
	assert.Equal(t, models.BackoffExponential, first.BackoffKind)
}

func TestAttempt_Success(t *testing.T) {
	f := newFixture(t, 10)
	f.enqueue(t, 1, models.ChannelEmail)

	require.NoError(t, f.queue.ProcessDue(context.Background()))

	job := f.job(t, "job-1")
	assert.Equal(t, models.JobSucceeded, job.Status)
	assert.Equal(t, 1, job.Attempts)
	assert.NotEmpty(t, job.MessageID)
	assert.Nil(t, job.LeaseExpiresAt)
	assert.Equal(t, 1, f.events.Count(1, models.EventDelivered))
	assert.Equal(t, []string{"job-1"}, f.handler.succeeded)
}

func TestAttempt_TransientErrorBacksOffExponentially(t *testing.T) {
	f := newFixture(t, 10)
	f.sender.FailNext("contact-1@example.com",
		&textproto.Error{Code: 421, Msg: "try later"},
		senders.Transient(senders.KindTimeout, context.DeadlineExceeded))
	f.enqueue(t, 1, models.ChannelEmail)
	ctx := context.Background()

	require.NoError(t, f.queue.ProcessDue(ctx))
	job := f.job(t, "job-1")
	assert.Equal(t, models.JobQueued, job.Status)
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, start.Add(5*time.Second), job.ScheduledFor)
	assert.Equal(t, string(senders.KindTransient), job.ErrorKind)

	// Not due yet
	f.clock.Advance(4 * time.Second)
	require.NoError(t, f.queue.ProcessDue(ctx))
	assert.Equal(t, 1, f.job(t, "job-1").Attempts)

	f.clock.Advance(time.Second)
	require.NoError(t, f.queue.ProcessDue(ctx))
	job = f.job(t, "job-1")
	assert.Equal(t, 2, job.Attempts)
	assert.Equal(t, f.clock.Now().Add(10*time.Second), job.ScheduledFor)

	f.clock.Advance(10 * time.Second)
	require.NoError(t, f.queue.ProcessDue(ctx))
	job = f.job(t, "job-1")
	assert.Equal(t, models.JobSucceeded, job.Status)
	assert.Equal(t, 3, job.Attempts)
	assert.Equal(t, 1, f.sender.SentTo("contact-1@example.com"))
}

func TestAttempt_PermanentErrorFailsAfterOneAttempt(t *testing.T) {
	f := newFixture(t, 10)
	f.sender.FailNext("contact-1@example.com", &textproto.Error{Code: 550, Msg: "no such mailbox"})
	queued := f.enqueue(t, 1, models.ChannelEmail)

	require.NoError(t, f.queue.ProcessDue(context.Background()))

	job := f.job(t, "job-1")
	assert.Equal(t, models.JobFailedPermanently, job.Status)
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, queued.ScheduledFor, job.ScheduledFor, "no backoff wait")
	assert.Contains(t, job.LastError, "no such mailbox")
	assert.Equal(t, 1, f.events.Count(1, models.EventBounced))
	require.Len(t, f.handler.causes, 1)
	assert.Equal(t, senders.KindInvalidRecipient, f.handler.causes[0].Kind)

	dead, err := f.queue.DeadLetters(context.Background(), 1)
	require.NoError(t, err)
	assert.Len(t, dead, 1)
}

func TestAttempt_LinkedInExhaustsFixedBackoff(t *testing.T) {
	f := newFixture(t, 10)
	target := "https://linkedin.com/in/contact-1"
	f.sender.FailNext(target,
		senders.Transient(senders.KindRateLimited, errors.New("429")),
		senders.Transient(senders.KindRateLimited, errors.New("429")))
	f.enqueue(t, 1, models.ChannelLinkedIn)
	ctx := context.Background()

	require.NoError(t, f.queue.ProcessDue(ctx))
	assert.Equal(t, start.Add(time.Minute), f.job(t, "job-1").ScheduledFor)

	f.clock.Advance(time.Minute)
	require.NoError(t, f.queue.ProcessDue(ctx))

	job := f.job(t, "job-1")
	assert.Equal(t, models.JobFailedPermanently, job.Status)
	assert.Equal(t, 2, job.Attempts)
	assert.Equal(t, 1, f.events.Count(1, models.EventFailed))
	assert.Zero(t, f.sender.SentTo(target))
}

func TestAttempt_LinkedInBlockEmitsBlockedEvent(t *testing.T) {
	f := newFixture(t, 10)
	f.sender.FailNext("https://linkedin.com/in/contact-1", senders.Permanent(senders.KindBlocked, errors.New("restricted")))
	f.enqueue(t, 1, models.ChannelLinkedIn)

	require.NoError(t, f.queue.ProcessDue(context.Background()))
	assert.Equal(t, 1, f.job(t, "job-1").Attempts)
	assert.Equal(t, 1, f.events.Count(1, models.EventBlocked))
}

func TestAttempt_AuthFailureEvents(t *testing.T) {
	f := newFixture(t, 10)
	f.sender.FailNext("https://linkedin.com/in/contact-1", senders.Permanent(senders.KindAuth, errors.New("session expired")))
	f.sender.FailNext("contact-2@example.com", &textproto.Error{Code: 535, Msg: "bad credentials"})
	f.enqueue(t, 1, models.ChannelLinkedIn)
	f.enqueue(t, 2, models.ChannelEmail)

	require.NoError(t, f.queue.ProcessDue(context.Background()))
	assert.Equal(t, models.JobFailedPermanently, f.job(t, "job-1").Status)
	assert.Equal(t, 1, f.events.Count(1, models.EventBlocked), "a revoked LinkedIn session blocks the action")
	assert.Equal(t, models.JobFailedPermanently, f.job(t, "job-2").Status)
	assert.Equal(t, 1, f.events.Count(2, models.EventFailed), "rejected SMTP credentials are not a bounce")
	assert.Zero(t, f.events.Count(2, models.EventBounced))
}

func TestAttempt_QuotaExhaustionReschedulesWithoutConsumingAttempts(t *testing.T) {
	f := newFixture(t, 2)
	for cc := uint(1); cc <= 5; cc++ {
		f.enqueue(t, cc, models.ChannelEmail)
	}

	require.NoError(t, f.queue.ProcessDue(context.Background()))

	nextDay := time.Date(2024, 6, 4, 0, 0, 0, 0, time.UTC)
	var sent, rescheduled int
	for cc := uint(1); cc <= 5; cc++ {
		job := f.job(t, fmt.Sprintf("job-%d", cc))
		switch job.Status {
		case models.JobSucceeded:
			sent++
		case models.JobQueued:
			rescheduled++
			assert.Equal(t, nextDay, job.ScheduledFor)
			assert.Zero(t, job.Attempts)
		default:
			t.Fatalf("unexpected status %s", job.Status)
		}
	}
	assert.Equal(t, 2, sent)
	assert.Equal(t, 3, rescheduled)

	f.clock.Set(nextDay)
	require.NoError(t, f.queue.ProcessDue(context.Background()))
	succeeded, err := f.jobs.ListJobs(context.Background(), 1, models.JobSucceeded)
	require.NoError(t, err)
	assert.Len(t, succeeded, 4)
}

func TestAttempt_RedeliveryAfterRecordedSuccessDoesNotSend(t *testing.T) {
	f := newFixture(t, 10)
	f.enqueue(t, 1, models.ChannelEmail)
	_, err := f.events.Append(context.Background(), &models.SendEvent{
		EventID: "job-1:delivered", CampaignContactID: 1, StepKey: "a",
		Kind: models.EventDelivered, OccurredAt: start,
	})
	require.NoError(t, err)

	require.NoError(t, f.queue.ProcessDue(context.Background()))

	assert.Zero(t, f.sender.SentTo("contact-1@example.com"))
	assert.Equal(t, models.JobSucceeded, f.job(t, "job-1").Status)
	assert.Equal(t, []string{"job-1"}, f.handler.succeeded)
}

func TestAttempt_ExpiredLeaseIsRedelivered(t *testing.T) {
	f := newFixture(t, 10)
	job := f.enqueue(t, 1, models.ChannelEmail)
	job.Status = models.JobRunning
	job.LeaseOwner = "crashed"
	job.LeaseExpiresAt = utils.Pointer(start.Add(time.Minute))
	require.NoError(t, f.jobs.UpdateJob(context.Background(), job))

	require.NoError(t, f.queue.ProcessDue(context.Background()))
	assert.Equal(t, models.JobRunning, f.job(t, "job-1").Status, "lease still valid")

	f.clock.Advance(2 * time.Minute)
	require.NoError(t, f.queue.ProcessDue(context.Background()))
	assert.Equal(t, models.JobSucceeded, f.job(t, "job-1").Status)
	assert.Equal(t, 1, f.sender.SentTo("contact-1@example.com"))
}

func TestAttempt_GateCancelsJob(t *testing.T) {
	f := newFixture(t, 10)
	f.handler.deny[1] = true
	f.enqueue(t, 1, models.ChannelEmail)

	require.NoError(t, f.queue.ProcessDue(context.Background()))
	assert.Equal(t, models.JobCancelled, f.job(t, "job-1").Status)
	assert.Zero(t, f.sender.SentTo("contact-1@example.com"))
	assert.Empty(t, f.handler.succeeded)
}

func TestAttempt_PrepareFailureIsPermanentAndFree(t *testing.T) {
	f := newFixture(t, 1)
	f.queue.Register(models.ChannelEmail, prepareFunc(func(context.Context, *models.DispatchJob) (Action, error) {
		return nil, senders.Permanent(senders.KindInvalidPayload, errors.New("missing variable: first_name"))
	}))
	f.enqueue(t, 1, models.ChannelEmail)

	require.NoError(t, f.queue.ProcessDue(context.Background()))
	job := f.job(t, "job-1")
	assert.Equal(t, models.JobFailedPermanently, job.Status)
	assert.Zero(t, job.Attempts)
	assert.Equal(t, string(senders.KindInvalidPayload), job.ErrorKind)
	assert.Equal(t, 1, f.events.Count(1, models.EventFailed))
}

func TestCancel(t *testing.T) {
	f := newFixture(t, 10)
	f.enqueue(t, 1, models.ChannelEmail)
	require.NoError(t, f.queue.Cancel(context.Background(), "job-1"))
	require.NoError(t, f.queue.Cancel(context.Background(), "missing"))

	require.NoError(t, f.queue.ProcessDue(context.Background()))
	assert.Equal(t, models.JobCancelled, f.job(t, "job-1").Status)
	assert.Zero(t, f.sender.SentTo("contact-1@example.com"))
}

func TestRun_StopsCleanly(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newFixture(t, 10)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.queue.Run(ctx) }()

	f.enqueue(t, 1, models.ChannelEmail)
	require.Eventually(t, func() bool {
		return f.sender.SentTo("contact-1@example.com") == 1
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
