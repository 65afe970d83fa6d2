// Package scheduler decides what a campaign contact does next and turns that
// decision into a dispatch job or a passive wake-up timer.
package scheduler

import (
	"errors"
	"fmt"
	"time"

	"outreach/conditions"
	"outreach/eventstore"
	"outreach/models"
)

var ErrUnknownStep = errors.New("scheduler: unknown step")

type DecisionKind int

const (
	Dispatch DecisionKind = iota
	Wait
	Complete
	Stop
)

func (k DecisionKind) String() string {
	switch k {
	case Dispatch:
		return "dispatch"
	case Wait:
		return "wait"
	case Complete:
		return "complete"
	case Stop:
		return "stop"
	}
	return fmt.Sprintf("decision(%d)", int(k))
}

// Decision is the outcome of Plan.
type Decision struct {
	Kind DecisionKind
	// Step to dispatch
	Step *models.Step
	// Dispatch time, or wake time when HasWake
	At      time.Time
	HasWake bool
	// Index of the chosen edge of the current step, -1 when none was taken
	Edge   int
	Reason string

	// Job is the stored dispatch job after ScheduleNext enqueued it
	Job *models.DispatchJob
}

type PlanInput struct {
	Campaign   *models.Campaign
	Contact    *models.CampaignContact
	State      eventstore.ContactState
	Attributes map[string]string
	Now        time.Time
}

// Plan is the pure part of scheduling: given the same input it always gives
// the same decision. Edges are tried in authoring order and the first one
// whose condition holds is taken. A taken edge whose delay has not elapsed
// yields a Wait until it has; a later edge never overtakes it.
func Plan(eval *conditions.Evaluator, in PlanInput) (Decision, error) {
	cc := in.Contact
	if cc.CurrentStepKey == "" {
		first := in.Campaign.FirstStep()
		if first == nil {
			return Decision{Kind: Complete, Edge: -1}, nil
		}
		return Decision{Kind: Dispatch, Step: first, At: in.Now, Edge: -1}, nil
	}

	current := in.Campaign.StepByKey(cc.CurrentStepKey)
	if current == nil {
		return Decision{}, fmt.Errorf("%w: %q", ErrUnknownStep, cc.CurrentStepKey)
	}
	if !cc.StepDone {
		return Decision{Kind: Dispatch, Step: current, At: in.Now, Edge: -1}, nil
	}

	var reference time.Time
	if cc.LastActionAt != nil {
		reference = *cc.LastActionAt
	}

	if len(current.Edges) == 0 {
		next := in.Campaign.NextByPosition(current)
		if next == nil {
			return Decision{Kind: Complete, Edge: -1}, nil
		}
		return Decision{Kind: Dispatch, Step: next, At: in.Now, Edge: -1}, nil
	}

	input := conditions.Input{State: in.State, Reference: reference, Contact: in.Attributes, Now: in.Now}
	var wake time.Time
	hasWake := false
	earliest := func(t time.Time) {
		if !hasWake || t.Before(wake) {
			wake, hasWake = t, true
		}
	}

	for i, edge := range current.Edges {
		ok, err := eval.Evaluate(edge.Condition, input)
		if err != nil {
			return Decision{}, fmt.Errorf("step %q edge %d: %w", current.Key, i, err)
		}
		if !ok {
			if at, ok := conditions.BecomesTrueAt(edge.Condition, input); ok {
				earliest(at)
			}
			continue
		}

		from := reference
		if edge.DelayFrom != "" {
			at, seen := in.State.First(models.EventKind(edge.DelayFrom))
			if !seen {
				// The delay anchor has not happened; its arrival wakes us
				return Decision{Kind: Wait, At: wake, HasWake: hasWake, Edge: i}, nil
			}
			from = at
		}
		if ready := from.Add(edge.Delay()); ready.After(in.Now) {
			earliest(ready)
			return Decision{Kind: Wait, At: wake, HasWake: true, Edge: i}, nil
		}

		if edge.Terminal() {
			if edge.End == models.EndStopped {
				return Decision{Kind: Stop, Edge: i, Reason: stopReason(edge)}, nil
			}
			return Decision{Kind: Complete, Edge: i}, nil
		}
		next := in.Campaign.StepByKey(edge.To)
		if next == nil {
			return Decision{}, fmt.Errorf("%w: %q", ErrUnknownStep, edge.To)
		}
		return Decision{Kind: Dispatch, Step: next, At: in.Now, Edge: i}, nil
	}

	return Decision{Kind: Wait, At: wake, HasWake: hasWake, Edge: -1}, nil
}

func stopReason(edge models.Edge) string {
	if edge.Condition != nil {
		return string(edge.Condition.Type)
	}
	return "sequence_end"
}
