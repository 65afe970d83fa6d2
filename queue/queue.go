// Package queue is the durable, delayed and retrying dispatch queue. Jobs are
// rows in the JobStore; workers lease them, run one attempt and record the
// outcome. At most one job per (account, channel) lane runs at a time; with a
// LaneLocker configured that holds across worker processes too.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"outreach/eventstore"
	"outreach/models"
	"outreach/senders"
	"outreach/store"
	"outreach/utils"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Action performs the prepared channel call and returns the message id.
type Action func(ctx context.Context) (string, error)

// Preparer turns a job into a ready-to-run channel action. Permanent payload
// problems are returned as *senders.SendError; any other error aborts the
// attempt and the job is redelivered once its lease expires.
type Preparer interface {
	Prepare(ctx context.Context, job *models.DispatchJob) (Action, error)
}

// OutcomeHandler is told about every job that reaches a terminal state.
type OutcomeHandler interface {
	// AllowDispatch is checked before each attempt; false cancels the job.
	AllowDispatch(ctx context.Context, job *models.DispatchJob) (bool, error)
	JobSucceeded(ctx context.Context, job *models.DispatchJob) error
	JobFailed(ctx context.Context, job *models.DispatchJob, cause *senders.SendError) error
}

// Permits is the quota view the queue needs.
type Permits interface {
	TryAcquire(ctx context.Context, accountID uint, ch models.Channel, at time.Time) (bool, error)
	ReopenTime(ctx context.Context, accountID uint, ch models.Channel) (time.Time, error)
}

type Config struct {
	WorkerID      string
	Policies      map[models.Channel]Policy
	Rates         map[models.Channel]rate.Limit
	SendTimeouts  map[models.Channel]time.Duration
	LeaseTTL      time.Duration
	PollInterval  time.Duration
	MaxConcurrent int
	BatchSize     int
	// Lanes shares lane ownership between workers; nil keeps it in process
	Lanes LaneLocker
}

type lane struct {
	account uint
	channel models.Channel
}

func (l lane) key() string {
	return fmt.Sprintf("%d:%s", l.account, l.channel)
}

type Queue struct {
	jobs      store.JobStore
	events    eventstore.Store
	permits   Permits
	preparers map[models.Channel]Preparer
	handler   OutcomeHandler
	clock     utils.Clock
	cfg       Config

	limiters map[models.Channel]*rate.Limiter
	sem      *semaphore.Weighted
	wake     chan struct{}

	mu   sync.Mutex
	busy map[lane]bool

	log *logrus.Entry
}

func New(jobs store.JobStore, events eventstore.Store, permits Permits, clock utils.Clock, cfg Config) *Queue {
	if cfg.Policies == nil {
		cfg.Policies = DefaultPolicies()
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 5 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 32
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = "worker"
	}

	limiters := make(map[models.Channel]*rate.Limiter)
	for _, ch := range []models.Channel{models.ChannelEmail, models.ChannelLinkedIn} {
		limit, ok := cfg.Rates[ch]
		if !ok || limit <= 0 {
			limit = rate.Inf
		}
		limiters[ch] = rate.NewLimiter(limit, 1)
	}

	return &Queue{
		jobs:      jobs,
		events:    events,
		permits:   permits,
		preparers: make(map[models.Channel]Preparer),
		clock:     clock,
		cfg:       cfg,
		limiters:  limiters,
		sem:       semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		wake:      make(chan struct{}, 1),
		busy:      make(map[lane]bool),
		log:       utils.Component("queue"),
	}
}

// Register installs the preparer of a channel.
func (q *Queue) Register(ch models.Channel, p Preparer) {
	q.preparers[ch] = p
}

// SetHandler installs the outcome handler. Must be called before Run.
func (q *Queue) SetHandler(h OutcomeHandler) {
	q.handler = h
}

// Policy returns the retry policy of a channel.
func (q *Queue) Policy(ch models.Channel) Policy {
	return q.cfg.Policies[ch]
}

// Enqueue persists a job. A job whose identity already exists is left alone
// and the stored copy is returned, so enqueueing is idempotent.
func (q *Queue) Enqueue(ctx context.Context, job *models.DispatchJob) (*models.DispatchJob, error) {
	policy := q.Policy(job.Channel)
	if job.MaxAttempts == 0 {
		job.MaxAttempts = policy.MaxAttempts
	}
	if job.BackoffKind == "" {
		job.BackoffKind = policy.Backoff
	}
	if job.BackoffBase == 0 {
		job.BackoffBase = policy.Base
	}
	job.Status = models.JobQueued

	err := q.jobs.CreateJob(ctx, job)
	if errors.Is(err, store.ErrJobExists) {
		return q.jobs.GetJob(ctx, job.IdempotencyKey)
	}
	if err != nil {
		return nil, err
	}

	q.log.WithFields(logrus.Fields{
		"job":           job.IdempotencyKey,
		"channel":       job.Channel,
		"scheduled_for": job.ScheduledFor,
	}).Debug("Job enqueued")

	if !job.ScheduledFor.After(q.clock.Now()) {
		q.Notify()
	}
	return job, nil
}

// Notify wakes Run for an immediate poll.
func (q *Queue) Notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Cancel cancels a queued job. Running and terminal jobs are left as they are.
func (q *Queue) Cancel(ctx context.Context, key string) error {
	for {
		job, err := q.jobs.GetJob(ctx, key)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if job.Status != models.JobQueued {
			return nil
		}
		job.Status = models.JobCancelled
		job.FinishedAt = utils.Pointer(q.clock.Now())
		err = q.jobs.UpdateJob(ctx, job)
		if errors.Is(err, store.ErrVersionConflict) {
			continue
		}
		return err
	}
}

// DeadLetters lists the permanently failed jobs of a campaign.
func (q *Queue) DeadLetters(ctx context.Context, campaignID uint) ([]models.DispatchJob, error) {
	return q.jobs.ListJobs(ctx, campaignID, models.JobFailedPermanently)
}

// Run polls for due jobs until ctx is cancelled, then waits for every
// running attempt to finish.
func (q *Queue) Run(ctx context.Context) error {
	if q.handler == nil {
		return errors.New("queue: no outcome handler")
	}

	var g errgroup.Group
	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()

	q.log.WithField("worker", q.cfg.WorkerID).Info("Dispatch queue started")
	for {
		if err := q.poll(ctx, &g); err != nil && ctx.Err() == nil {
			utils.LogError("queue_poll", err, map[string]interface{}{"worker": q.cfg.WorkerID})
		}

		select {
		case <-ctx.Done():
			q.log.Info("Dispatch queue stopping")
			return g.Wait()
		case <-ticker.C:
		case <-q.wake:
		}
	}
}

// ProcessDue runs one polling cycle and waits for it to finish.
func (q *Queue) ProcessDue(ctx context.Context) error {
	if q.handler == nil {
		return errors.New("queue: no outcome handler")
	}
	var g errgroup.Group
	err := q.poll(ctx, &g)
	if werr := g.Wait(); err == nil {
		err = werr
	}
	return err
}

// poll groups due jobs by lane and starts one goroutine per idle lane. Each
// lane drains its jobs in order.
func (q *Queue) poll(ctx context.Context, g *errgroup.Group) error {
	now := q.clock.Now()
	lanes := make(map[lane][]models.DispatchJob)
	var order []lane

	for _, ch := range []models.Channel{models.ChannelEmail, models.ChannelLinkedIn} {
		due, err := q.jobs.DueJobs(ctx, ch, now, q.cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("list due %s jobs: %w", ch, err)
		}
		for _, job := range due {
			l := lane{account: job.AccountID, channel: job.Channel}
			if _, seen := lanes[l]; !seen {
				order = append(order, l)
			}
			lanes[l] = append(lanes[l], job)
		}
	}

	for _, l := range order {
		if !q.claimLane(ctx, l) {
			continue
		}
		l, jobs := l, lanes[l]
		g.Go(func() error {
			defer q.releaseLane(l)
			for i := range jobs {
				if ctx.Err() != nil {
					return nil
				}
				if i > 0 && !q.lockLane(ctx, l) {
					return nil
				}
				if err := q.sem.Acquire(ctx, 1); err != nil {
					return nil
				}
				// An attempt that started always finishes, even on shutdown
				err := q.attempt(context.WithoutCancel(ctx), jobs[i])
				q.sem.Release(1)
				if err != nil {
					utils.LogError("dispatch_attempt", err, map[string]interface{}{
						"job":     jobs[i].IdempotencyKey,
						"account": l.account,
						"channel": l.channel,
					})
				}
			}
			return nil
		})
	}
	return nil
}

func (q *Queue) claimLane(ctx context.Context, l lane) bool {
	q.mu.Lock()
	if q.busy[l] {
		q.mu.Unlock()
		return false
	}
	q.busy[l] = true
	q.mu.Unlock()

	if !q.lockLane(ctx, l) {
		q.mu.Lock()
		delete(q.busy, l)
		q.mu.Unlock()
		return false
	}
	return true
}

// lockLane takes or refreshes this worker's shared lock on a lane.
func (q *Queue) lockLane(ctx context.Context, l lane) bool {
	if q.cfg.Lanes == nil {
		return true
	}
	ok, err := q.cfg.Lanes.TryLock(ctx, l.key(), q.cfg.WorkerID, q.cfg.LeaseTTL)
	if err != nil {
		utils.LogError("lane_lock", err, map[string]interface{}{"lane": l.key(), "worker": q.cfg.WorkerID})
		return false
	}
	return ok
}

func (q *Queue) releaseLane(l lane) {
	if q.cfg.Lanes != nil {
		if err := q.cfg.Lanes.Unlock(context.Background(), l.key(), q.cfg.WorkerID); err != nil {
			utils.LogError("lane_unlock", err, map[string]interface{}{"lane": l.key(), "worker": q.cfg.WorkerID})
		}
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.busy, l)
}
