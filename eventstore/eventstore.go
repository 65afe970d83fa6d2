// Package eventstore records SendEvents. Events are append-only and folded
// into a per-contact snapshot for condition evaluation.
package eventstore

import (
	"context"
	"time"

	"outreach/models"
)

type Store interface {
	// Append records ev unless an event with the same EventID exists.
	// Reports whether the event was new.
	Append(ctx context.Context, ev *models.SendEvent) (bool, error)
	// ListForContact returns the contact's events in arrival order.
	ListForContact(ctx context.Context, campaignContactID uint) ([]models.SendEvent, error)
	HasDelivered(ctx context.Context, campaignContactID uint, stepKey string) (bool, error)
}

// ContactState is the accumulated view of a contact's events.
type ContactState struct {
	Opened       bool
	Clicked      bool
	Replied      bool
	Bounced      bool
	Unsubscribed bool

	Opens   int
	Clicks  int
	Replies int

	// First effective occurrence per kind
	FirstAt map[models.EventKind]time.Time
	// Delivery time per step key
	Delivered map[string]time.Time
}

func (s ContactState) First(kind models.EventKind) (time.Time, bool) {
	t, ok := s.FirstAt[kind]
	return t, ok
}

// Fold reduces events into a ContactState. Engagement events only count once
// the delivery of the step they refer to is recorded; an engagement that
// arrives early takes effect at the delivery time.
func Fold(events []models.SendEvent) ContactState {
	state := ContactState{
		FirstAt:   make(map[models.EventKind]time.Time),
		Delivered: make(map[string]time.Time),
	}

	for _, ev := range events {
		if ev.Kind != models.EventDelivered {
			continue
		}
		if prev, ok := state.Delivered[ev.StepKey]; !ok || ev.OccurredAt.Before(prev) {
			state.Delivered[ev.StepKey] = ev.OccurredAt
		}
	}

	for _, ev := range events {
		at := ev.OccurredAt
		if ev.Kind.Engagement() {
			deliveredAt, ok := state.Delivered[ev.StepKey]
			if !ok {
				continue
			}
			if at.Before(deliveredAt) {
				at = deliveredAt
			}
		}

		switch ev.Kind {
		case models.EventOpened:
			state.Opened = true
			state.Opens++
		case models.EventClicked:
			state.Clicked = true
			state.Clicks++
		case models.EventReplied:
			state.Replied = true
			state.Replies++
		case models.EventBounced:
			state.Bounced = true
		case models.EventUnsubscribed:
			state.Unsubscribed = true
		}

		if prev, ok := state.FirstAt[ev.Kind]; !ok || at.Before(prev) {
			state.FirstAt[ev.Kind] = at
		}
	}
	return state
}

// Snapshot loads and folds a contact's events in one read.
func Snapshot(ctx context.Context, s Store, campaignContactID uint) (ContactState, error) {
	events, err := s.ListForContact(ctx, campaignContactID)
	if err != nil {
		return ContactState{}, err
	}
	return Fold(events), nil
}

type notifying struct {
	Store
	notify func(models.SendEvent)
}

// WithNotify wraps s so notify is called after every newly appended event.
func WithNotify(s Store, notify func(models.SendEvent)) Store {
	return &notifying{Store: s, notify: notify}
}

func (n *notifying) Append(ctx context.Context, ev *models.SendEvent) (bool, error) {
	created, err := n.Store.Append(ctx, ev)
	if err == nil && created {
		n.notify(*ev)
	}
	return created, err
}
