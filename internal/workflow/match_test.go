package workflow

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jmehdipour/outboxflow/internal/model"
	"github.com/stretchr/testify/assert"
)

func TestBackoff(t *testing.T) {
	base, ceiling := time.Second, time.Minute
	cases := map[int]time.Duration{
		0:  time.Second,
		1:  time.Second,
		2:  2 * time.Second,
		6:  32 * time.Second,
		7:  time.Minute,
		10: time.Minute,
		80: time.Minute,
	}
	for attempts, want := range cases {
		assert.Equal(t, want, Backoff(attempts, base, ceiling), "attempts=%d", attempts)
	}

	prev := time.Duration(0)
	for a := 1; a <= 40; a++ {
		d := Backoff(a, base, ceiling)
		assert.GreaterOrEqual(t, d, prev)
		assert.LessOrEqual(t, d, ceiling)
		prev = d
	}
}

func TestMatches(t *testing.T) {
	postSpec := model.Spec{Name: "wf-A", Triggers: []model.Trigger{
		{Kind: model.TriggerModel, Model: "post", Actions: []model.Action{model.ActionCreate, model.ActionUpdate}},
	}}
	assert.True(t, Matches(postSpec, model.Event{Model: "post", Action: model.ActionUpdate}))
	assert.False(t, Matches(postSpec, model.Event{Model: "post", Action: model.ActionDelete}))
	assert.False(t, Matches(postSpec, model.Event{Model: "comment", Action: model.ActionCreate}))
	assert.False(t, Matches(postSpec, model.Event{Model: "post", Action: model.ActionCreate, Origin: "wf-A"}))
	assert.False(t, Matches(postSpec, model.Event{Model: "post", Action: model.ActionCreate, Origin: "wf-B", OriginChain: []string{"wf-A"}}))

	every5m := model.Spec{Name: "tick", Triggers: []model.Trigger{{Kind: model.TriggerInterval, Unit: model.UnitMinute, Value: 5}}}
	interval := model.Event{Action: model.ActionInterval, Origin: model.OriginScheduler,
		Before: map[string]any{model.MetaUnit: "minute", model.MetaValue: int64(5)}}
	assert.True(t, Matches(every5m, interval))
	interval.Before[model.MetaValue] = int64(10)
	assert.False(t, Matches(every5m, interval))

	remind := model.Spec{Name: "remind", Triggers: []model.Trigger{{
		Kind: model.TriggerDatetime, Model: "post", Field: "publish_at",
		Direction: model.DirectionBefore, Unit: model.UnitHour, Value: 1,
	}}}
	dt := model.Event{Model: "post", Action: model.ActionDatetime, Origin: model.OriginScheduler, Before: map[string]any{
		model.MetaSpec: "remind", model.MetaField: "publish_at", model.MetaDirection: "before",
		model.MetaUnit: "hour", model.MetaValue: int64(1),
	}}
	assert.True(t, Matches(remind, dt))

	other := remind
	other.Name = "remind-too"
	assert.False(t, Matches(other, dt), "datetime events belong to the spec that scheduled them")

	dt.Before[model.MetaDirection] = "after"
	assert.False(t, Matches(remind, dt))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(errors.New("connection reset")))
	assert.False(t, IsRetryable(fmt.Errorf("wrap: %w", model.ErrPermissionDenied)))
	assert.False(t, IsRetryable(fmt.Errorf("wrap: %w", model.ErrValidation)))
	assert.False(t, IsRetryable(model.ErrNoRows))
	assert.False(t, IsRetryable(statusErr{code: 403}))
	assert.True(t, IsRetryable(statusErr{code: 503}))
	assert.False(t, IsRetryable(&StepError{Kind: KindConfig, Err: errors.New("x")}))
	assert.True(t, IsRetryable(fmt.Errorf("outer: %w", &StepError{Kind: KindTransient, Err: errors.New("x")})))
}
