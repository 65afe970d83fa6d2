package worker

import (
	"context"
	"time"

	"outreach/models"
	"outreach/queue"
	"outreach/senders"
	"outreach/store"
	"outreach/utils"

	"github.com/sirupsen/logrus"
)

// Recoverer restores scheduling state that was lost or left unapplied.
type Recoverer interface {
	Recover(ctx context.Context) (int, error)
}

// RecoveryWorker runs a recovery pass at startup and then periodically, so
// outcomes a crashed process never applied are picked up again.
type RecoveryWorker struct {
	recoverer Recoverer
	interval  time.Duration
	log       *logrus.Entry
}

func NewRecoveryWorker(r Recoverer, interval time.Duration) *RecoveryWorker {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &RecoveryWorker{
		recoverer: r,
		interval:  interval,
		log:       utils.Component("recovery"),
	}
}

func (rw *RecoveryWorker) Start(ctx context.Context) {
	rw.log.Info("Recovery worker started")
	rw.runOnce(ctx)

	ticker := time.NewTicker(rw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			rw.log.Info("Recovery worker shutting down...")
			return
		case <-ticker.C:
			rw.runOnce(ctx)
		}
	}
}

func (rw *RecoveryWorker) runOnce(ctx context.Context) {
	n, err := rw.recoverer.Recover(ctx)
	if err != nil && ctx.Err() == nil {
		utils.LogError("recovery_pass", err, map[string]interface{}{"recovered": n})
		return
	}
	rw.log.WithField("contacts", n).Debug("Recovery pass finished")
}

// RegisterChannels wires the email and LinkedIn preparers into q.
func RegisterChannels(q *queue.Queue, s store.Store, email senders.EmailSender, linkedin senders.LinkedInExecutor, tracker *utils.Tracker) {
	q.Register(models.ChannelEmail, &EmailPreparer{Store: s, Sender: email, Tracker: tracker})
	q.Register(models.ChannelLinkedIn, &LinkedInPreparer{Store: s, Executor: linkedin})
}
