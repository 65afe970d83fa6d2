package senders

import (
	"context"
	"fmt"
	"sync"

	"outreach/models"

	"github.com/sirupsen/logrus"
)

// Sent is one delivery observed by a Recorder.
type Sent struct {
	AccountID uint
	Channel   models.Channel
	To        string
	Email     Email
	Action    LinkedInAction
}

// Recorder implements both channel interfaces without touching the network.
// It backs the dry-run mode and tests. Failures can be scripted per
// recipient; each scripted error is consumed once.
type Recorder struct {
	mu       sync.Mutex
	sent     []Sent
	failures map[string][]error
	seq      int
}

func NewRecorder() *Recorder {
	return &Recorder{failures: make(map[string][]error)}
}

// FailNext queues errs for the next deliveries to target.
func (r *Recorder) FailNext(target string, errs ...error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures[target] = append(r.failures[target], errs...)
}

func (r *Recorder) Send(ctx context.Context, account *models.SendingAccount, msg Email) (string, error) {
	if err := r.next(msg.To); err != nil {
		return "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	r.sent = append(r.sent, Sent{AccountID: account.ID, Channel: models.ChannelEmail, To: msg.To, Email: msg})
	logrus.WithFields(logrus.Fields{"account": account.ID, "to": msg.To, "subject": msg.Subject}).Debug("Dry-run email")
	if id := msg.Headers["Message-ID"]; id != "" {
		return id, nil
	}
	return fmt.Sprintf("<dry-run-%d@outreach>", r.seq), nil
}

func (r *Recorder) Perform(ctx context.Context, account *models.SendingAccount, action LinkedInAction) error {
	if err := r.next(action.TargetURL); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, Sent{AccountID: account.ID, Channel: models.ChannelLinkedIn, To: action.TargetURL, Action: action})
	logrus.WithFields(logrus.Fields{"account": account.ID, "target": action.TargetURL, "action": action.Type}).Debug("Dry-run LinkedIn action")
	return nil
}

func (r *Recorder) next(target string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	queued := r.failures[target]
	if len(queued) == 0 {
		return nil
	}
	r.failures[target] = queued[1:]
	return queued[0]
}

// Sent returns a copy of every successful delivery in order.
func (r *Recorder) Sent() []Sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Sent(nil), r.sent...)
}

// SentTo counts successful deliveries to target.
func (r *Recorder) SentTo(target string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.sent {
		if s.To == target {
			n++
		}
	}
	return n
}
