// Package conditions evaluates edge guards against a contact's accumulated
// state. Evaluation is pure: the same condition, state and instant always
// give the same answer.
package conditions

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"outreach/eventstore"
	"outreach/models"

	"github.com/google/cel-go/cel"
)

var (
	ErrUnknownCondition = errors.New("conditions: unknown condition type")
	ErrInvalidCondition = errors.New("conditions: invalid condition")
)

// Input is everything a condition may look at.
type Input struct {
	State eventstore.ContactState
	// Reference is the completion time of the previous step
	Reference time.Time
	Contact   map[string]string
	Now       time.Time
}

type Evaluator struct {
	env *cel.Env

	mu    sync.RWMutex
	cache map[string]cel.Program
}

func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("opened", cel.BoolType),
		cel.Variable("clicked", cel.BoolType),
		cel.Variable("replied", cel.BoolType),
		cel.Variable("bounced", cel.BoolType),
		cel.Variable("opens", cel.IntType),
		cel.Variable("clicks", cel.IntType),
		cel.Variable("hours_since_last_action", cel.DoubleType),
		cel.Variable("contact", cel.MapType(cel.StringType, cel.StringType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &Evaluator{env: env, cache: make(map[string]cel.Program)}, nil
}

// Validate rejects conditions that could never be evaluated.
func (e *Evaluator) Validate(c *models.Condition) error {
	if c == nil {
		return nil
	}
	switch c.Type {
	case models.ConditionEmailOpened, models.ConditionEmailClicked, models.ConditionReplied:
		_, _, err := parseComparison(c)
		return err
	case models.ConditionWaitElapsed:
		_, err := waitDuration(c)
		return err
	case models.ConditionCustom:
		_, err := e.program(c.Value)
		return err
	default:
		return fmt.Errorf("%w: %q", ErrUnknownCondition, c.Type)
	}
}

// Evaluate reports whether c holds. A nil condition always holds.
func (e *Evaluator) Evaluate(c *models.Condition, in Input) (bool, error) {
	if c == nil {
		return true, nil
	}
	switch c.Type {
	case models.ConditionEmailOpened:
		return compare(c, in.State.Opened, in.State.Opens)
	case models.ConditionEmailClicked:
		return compare(c, in.State.Clicked, in.State.Clicks)
	case models.ConditionReplied:
		return compare(c, in.State.Replied, in.State.Replies)
	case models.ConditionWaitElapsed:
		d, err := waitDuration(c)
		if err != nil {
			return false, err
		}
		if in.Reference.IsZero() {
			return false, nil
		}
		return in.Now.Sub(in.Reference) >= d, nil
	case models.ConditionCustom:
		return e.evalCustom(c.Value, in)
	default:
		return false, fmt.Errorf("%w: %q", ErrUnknownCondition, c.Type)
	}
}

// BecomesTrueAt returns the instant a currently false condition turns true
// by the passage of time alone. Only wait_elapsed has one.
func BecomesTrueAt(c *models.Condition, in Input) (time.Time, bool) {
	if c == nil || c.Type != models.ConditionWaitElapsed || in.Reference.IsZero() {
		return time.Time{}, false
	}
	d, err := waitDuration(c)
	if err != nil {
		return time.Time{}, false
	}
	return in.Reference.Add(d), true
}

func waitDuration(c *models.Condition) (time.Duration, error) {
	hours, err := strconv.ParseFloat(c.Value, 64)
	if err != nil || hours < 0 {
		return 0, fmt.Errorf("%w: wait_elapsed needs a non-negative hour count, got %q", ErrInvalidCondition, c.Value)
	}
	return time.Duration(hours * float64(time.Hour)), nil
}

type comparison struct {
	flag  bool
	count int
}

func parseComparison(c *models.Condition) (string, comparison, error) {
	op := c.Operator
	if op == "" {
		op = "eq"
	}
	switch op {
	case "eq", "neq":
		v := c.Value
		if v == "" {
			v = "true"
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return "", comparison{}, fmt.Errorf("%w: %s %s expects a boolean, got %q", ErrInvalidCondition, c.Type, op, c.Value)
		}
		return op, comparison{flag: b}, nil
	case "gte", "lte":
		n, err := strconv.Atoi(c.Value)
		if err != nil {
			return "", comparison{}, fmt.Errorf("%w: %s %s expects a count, got %q", ErrInvalidCondition, c.Type, op, c.Value)
		}
		return op, comparison{count: n}, nil
	default:
		return "", comparison{}, fmt.Errorf("%w: unsupported operator %q", ErrInvalidCondition, c.Operator)
	}
}

func compare(c *models.Condition, flag bool, count int) (bool, error) {
	op, want, err := parseComparison(c)
	if err != nil {
		return false, err
	}
	switch op {
	case "eq":
		return flag == want.flag, nil
	case "neq":
		return flag != want.flag, nil
	case "gte":
		return count >= want.count, nil
	default:
		return count <= want.count, nil
	}
}

func (e *Evaluator) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, hit := e.cache[expr]
	e.mu.RUnlock()
	if hit {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, hit = e.cache[expr]; hit {
		return prg, nil
	}
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: compile: %v", ErrInvalidCondition, issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("%w: custom expression must be boolean, got %s", ErrInvalidCondition, ast.OutputType())
	}
	p, err := e.env.Program(ast, cel.CostLimit(10000))
	if err != nil {
		return nil, fmt.Errorf("%w: program: %v", ErrInvalidCondition, err)
	}
	e.cache[expr] = p
	return p, nil
}

func (e *Evaluator) evalCustom(expr string, in Input) (bool, error) {
	prg, err := e.program(expr)
	if err != nil {
		return false, err
	}

	hours := 0.0
	if !in.Reference.IsZero() {
		hours = in.Now.Sub(in.Reference).Hours()
	}
	contact := in.Contact
	if contact == nil {
		contact = map[string]string{}
	}

	out, _, err := prg.Eval(map[string]any{
		"opened":                  in.State.Opened,
		"clicked":                 in.State.Clicked,
		"replied":                 in.State.Replied,
		"bounced":                 in.State.Bounced,
		"opens":                   int64(in.State.Opens),
		"clicks":                  int64(in.State.Clicks),
		"hours_since_last_action": hours,
		"contact":                 contact,
	})
	if err != nil {
		return false, fmt.Errorf("%w: evaluate custom condition: %v", ErrInvalidCondition, err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("%w: custom expression returned %T", ErrInvalidCondition, out.Value())
	}
	return b, nil
}
