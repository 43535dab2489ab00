package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChangedFields_SortedAndSymmetric(t *testing.T) {
	before := map[string]any{"title": "a", "views": int64(1), "gone": true}
	after := map[string]any{"title": "b", "views": int64(1), "added": "x"}

	assert.Equal(t, []string{"added", "gone", "title"}, ChangedFields(before, after))
	assert.Nil(t, ChangedFields(before, before))
}

func TestDecodeObject_Numbers(t *testing.T) {
	m, err := DecodeObject([]byte(`{"id":1,"ratio":0.5,"tags":[2,"x"],"nested":{"n":3}}`))
	require.NoError(t, err)

	assert.Equal(t, int64(1), m["id"])
	assert.Equal(t, 0.5, m["ratio"])
	assert.Equal(t, []any{int64(2), "x"}, m["tags"])
	assert.Equal(t, int64(3), m["nested"].(map[string]any)["n"])

	empty, err := DecodeObject([]byte("null"))
	require.NoError(t, err)
	assert.Nil(t, empty)
}

func TestValueResolve(t *testing.T) {
	ev := Event{
		ID:          "01J",
		Model:       "post",
		Action:      ActionCreate,
		After:       map[string]any{"id": int64(7), "author": map[string]any{"id": "u1"}},
		OriginChain: []string{"wf-a", "wf-b"},
		Actor:       &Actor{ID: "u9", Roles: []string{"editor"}},
	}
	view := ev.View()

	assert.Equal(t, int64(7), From("after.id").Resolve(view))
	assert.Equal(t, "u1", From("after.author.id").Resolve(view))
	assert.Equal(t, "wf-b", From("originChain.1").Resolve(view))
	assert.Equal(t, "u9", From("actor.id").Resolve(view))
	assert.Equal(t, "editor", From("actor.roles.0").Resolve(view))
	assert.Nil(t, From("before.id").Resolve(view))
	assert.Nil(t, From("after.missing.deep").Resolve(view))
	assert.Equal(t, int64(3), Literal(3).Resolve(view))
}

func TestAddUnit(t *testing.T) {
	base := time.Date(2026, 1, 31, 10, 0, 0, 0, time.UTC)

	assert.Equal(t, base.Add(90*time.Second), AddUnit(base, UnitSecond, 90))
	assert.Equal(t, base.Add(-2*time.Hour), AddUnit(base, UnitHour, -2))
	assert.Equal(t, time.Date(2026, 2, 7, 10, 0, 0, 0, time.UTC), AddUnit(base, UnitWeek, 1))
	assert.Equal(t, time.Date(2026, 3, 3, 10, 0, 0, 0, time.UTC), AddUnit(base, UnitMonth, 1))
}

func TestStatusTerminal(t *testing.T) {
	assert.True(t, StatusDone.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.False(t, StatusArchived.Terminal())
	assert.False(t, StatusPending.Terminal())
}
