package scheduler

import (
	"errors"
	"fmt"

	"outreach/conditions"
	"outreach/models"
)

var ErrInvalidGraph = errors.New("scheduler: invalid step graph")

// ValidateGraph checks that a campaign's steps form a well-formed, acyclic
// graph whose conditions can all be evaluated.
func ValidateGraph(c *models.Campaign, eval *conditions.Evaluator) error {
	if len(c.Steps) == 0 {
		return fmt.Errorf("%w: campaign has no steps", ErrInvalidGraph)
	}

	keys := make(map[string]*models.Step, len(c.Steps))
	positions := make(map[int]string, len(c.Steps))
	for i := range c.Steps {
		s := &c.Steps[i]
		if _, dup := keys[s.Key]; dup {
			return fmt.Errorf("%w: duplicate step key %q", ErrInvalidGraph, s.Key)
		}
		if other, dup := positions[s.Position]; dup {
			return fmt.Errorf("%w: steps %q and %q share position %d", ErrInvalidGraph, other, s.Key, s.Position)
		}
		keys[s.Key] = s
		positions[s.Position] = s.Key
	}

	for i := range c.Steps {
		s := &c.Steps[i]
		for j, edge := range s.Edges {
			if edge.To != "" && edge.End != "" {
				return fmt.Errorf("%w: step %q edge %d has both a target and an end", ErrInvalidGraph, s.Key, j)
			}
			if edge.To != "" {
				if _, ok := keys[edge.To]; !ok {
					return fmt.Errorf("%w: step %q edge %d targets unknown step %q", ErrInvalidGraph, s.Key, j, edge.To)
				}
			}
			if edge.DelayFrom != "" && !models.EventKind(edge.DelayFrom).Valid() {
				return fmt.Errorf("%w: step %q edge %d delays from unknown event %q", ErrInvalidGraph, s.Key, j, edge.DelayFrom)
			}
			if err := eval.Validate(edge.Condition); err != nil {
				return fmt.Errorf("step %q edge %d: %w", s.Key, j, err)
			}
		}
	}

	// Depth-first search for a cycle over edges and position fall-through
	const (
		unvisited = iota
		visiting
		done
	)
	color := make(map[string]int, len(keys))
	var visit func(s *models.Step) error
	visit = func(s *models.Step) error {
		color[s.Key] = visiting
		for _, next := range successors(c, s) {
			switch color[next.Key] {
			case visiting:
				return fmt.Errorf("%w: cycle through step %q", ErrInvalidGraph, next.Key)
			case unvisited:
				if err := visit(next); err != nil {
					return err
				}
			}
		}
		color[s.Key] = done
		return nil
	}
	for i := range c.Steps {
		if color[c.Steps[i].Key] == unvisited {
			if err := visit(&c.Steps[i]); err != nil {
				return err
			}
		}
	}
	return nil
}

func successors(c *models.Campaign, s *models.Step) []*models.Step {
	if len(s.Edges) == 0 {
		if next := c.NextByPosition(s); next != nil {
			return []*models.Step{next}
		}
		return nil
	}
	var out []*models.Step
	for _, edge := range s.Edges {
		if edge.To != "" {
			out = append(out, c.StepByKey(edge.To))
		}
	}
	return out
}
