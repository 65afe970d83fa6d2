package conditions

import (
	"testing"
	"time"

	"outreach/eventstore"
	"outreach/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ref = time.Date(2024, 2, 1, 12, 0, 0, 0, time.UTC)

func newEvaluator(t *testing.T) *Evaluator {
	t.Helper()
	e, err := NewEvaluator()
	require.NoError(t, err)
	return e
}

func TestWaitElapsed_BoundaryAtExactlyH(t *testing.T) {
	e := newEvaluator(t)
	c := &models.Condition{Type: models.ConditionWaitElapsed, Value: "72"}

	in := Input{Reference: ref, Now: ref.Add(72*time.Hour - time.Nanosecond)}
	ok, err := e.Evaluate(c, in)
	require.NoError(t, err)
	assert.False(t, ok, "must not fire before 72h")

	in.Now = ref.Add(72 * time.Hour)
	ok, err = e.Evaluate(c, in)
	require.NoError(t, err)
	assert.True(t, ok, "fires at exactly 72h")

	at, armed := BecomesTrueAt(c, in)
	require.True(t, armed)
	assert.Equal(t, ref.Add(72*time.Hour), at)
}

func TestWaitElapsed_NoReference(t *testing.T) {
	e := newEvaluator(t)
	ok, err := e.Evaluate(&models.Condition{Type: models.ConditionWaitElapsed, Value: "1"}, Input{Now: ref})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUnknownConditionFailsLoudly(t *testing.T) {
	e := newEvaluator(t)
	c := &models.Condition{Type: "visited_pricing_page"}

	assert.ErrorIs(t, e.Validate(c), ErrUnknownCondition)
	_, err := e.Evaluate(c, Input{Now: ref})
	assert.ErrorIs(t, err, ErrUnknownCondition)
}

func TestFlagAndCountOperators(t *testing.T) {
	e := newEvaluator(t)
	in := Input{State: eventstore.ContactState{Opened: true, Opens: 3, Replied: false}, Now: ref}

	cases := []struct {
		name string
		cond models.Condition
		want bool
	}{
		{"opened default eq true", models.Condition{Type: models.ConditionEmailOpened}, true},
		{"replied eq true", models.Condition{Type: models.ConditionReplied, Operator: "eq", Value: "true"}, false},
		{"replied neq true", models.Condition{Type: models.ConditionReplied, Operator: "neq", Value: "true"}, true},
		{"opens gte 3", models.Condition{Type: models.ConditionEmailOpened, Operator: "gte", Value: "3"}, true},
		{"opens lte 2", models.Condition{Type: models.ConditionEmailOpened, Operator: "lte", Value: "2"}, false},
		{"clicked eq false", models.Condition{Type: models.ConditionEmailClicked, Value: "false"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.NoError(t, e.Validate(&tc.cond))
			got, err := e.Evaluate(&tc.cond, in)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestInvalidOperands(t *testing.T) {
	e := newEvaluator(t)
	assert.ErrorIs(t, e.Validate(&models.Condition{Type: models.ConditionEmailOpened, Operator: "gte", Value: "many"}), ErrInvalidCondition)
	assert.ErrorIs(t, e.Validate(&models.Condition{Type: models.ConditionEmailOpened, Operator: "between"}), ErrInvalidCondition)
	assert.ErrorIs(t, e.Validate(&models.Condition{Type: models.ConditionWaitElapsed, Value: "soon"}), ErrInvalidCondition)
	assert.ErrorIs(t, e.Validate(&models.Condition{Type: models.ConditionCustom, Value: "opens + 1"}), ErrInvalidCondition)
	assert.ErrorIs(t, e.Validate(&models.Condition{Type: models.ConditionCustom, Value: "opened &&"}), ErrInvalidCondition)
}

func TestCustomExpression(t *testing.T) {
	e := newEvaluator(t)
	c := &models.Condition{Type: models.ConditionCustom, Value: `opens >= 2 && !replied && contact["company"] == "Acme" && hours_since_last_action >= 24.0`}
	require.NoError(t, e.Validate(c))

	in := Input{
		State:     eventstore.ContactState{Opened: true, Opens: 2},
		Reference: ref,
		Now:       ref.Add(25 * time.Hour),
		Contact:   map[string]string{"company": "Acme"},
	}
	ok, err := e.Evaluate(c, in)
	require.NoError(t, err)
	assert.True(t, ok)

	in.State.Replied = true
	ok, err = e.Evaluate(c, in)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCustomExpression_RuntimeErrorIsInvalid(t *testing.T) {
	e := newEvaluator(t)
	c := &models.Condition{Type: models.ConditionCustom, Value: `contact["tier"] == "gold"`}
	require.NoError(t, e.Validate(c))

	_, err := e.Evaluate(c, Input{Now: ref, Contact: map[string]string{"company": "Acme"}})
	assert.ErrorIs(t, err, ErrInvalidCondition)
}

func TestNilConditionHolds(t *testing.T) {
	e := newEvaluator(t)
	ok, err := e.Evaluate(nil, Input{})
	require.NoError(t, err)
	assert.True(t, ok)
	_, armed := BecomesTrueAt(nil, Input{Reference: ref})
	assert.False(t, armed)
}
