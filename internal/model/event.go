package model

import (
	"bytes"
	"encoding/json"
	"reflect"
	"sort"
	"time"
)

type Action string

const (
	ActionCreate   Action = "create"
	ActionUpdate   Action = "update"
	ActionDelete   Action = "delete"
	ActionInterval Action = "interval"
	ActionDatetime Action = "datetime"
)

func (a Action) String() string { return string(a) }

func (a Action) Valid() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete, ActionInterval, ActionDatetime:
		return true
	}
	return false
}

// Synthetic reports whether the action is produced by the scheduler.
func (a Action) Synthetic() bool {
	return a == ActionInterval || a == ActionDatetime
}

type EventStatus string

const (
	StatusPending    EventStatus = "pending"
	StatusProcessing EventStatus = "processing"
	StatusDone       EventStatus = "done"
	StatusFailed     EventStatus = "failed"
	StatusArchived   EventStatus = "archived"
)

func (s EventStatus) String() string { return string(s) }

func (s EventStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusDone, StatusFailed, StatusArchived:
		return true
	}
	return false
}

// Terminal reports whether the retention sweeper may pick the event up.
func (s EventStatus) Terminal() bool {
	return s == StatusDone || s == StatusFailed
}

// Event is one outbox record.
type Event struct {
	ID            string         `json:"id"`
	Model         string         `json:"model"`
	Action        Action         `json:"action"`
	Before        map[string]any `json:"before,omitempty"`
	After         map[string]any `json:"after,omitempty"`
	ChangedFields []string       `json:"changedFields,omitempty"`
	Origin        string         `json:"origin,omitempty"`
	OriginChain   []string       `json:"originChain,omitempty"`
	ParentEventID string         `json:"parentEventId,omitempty"`
	Actor         *Actor         `json:"actor,omitempty"`
	Status        EventStatus    `json:"status"`
	Attempts      int            `json:"attempts"`
	NextRunAt     *time.Time     `json:"nextRunAt,omitempty"`
	LastError     string         `json:"lastError,omitempty"`
	ClaimedBy     string         `json:"claimedBy,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

// InChain reports whether name already processed an ancestor of the event.
func (e Event) InChain(name string) bool {
	for _, n := range e.OriginChain {
		if n == name {
			return true
		}
	}
	return false
}

// View is the structure dot paths are resolved against.
func (e Event) View() map[string]any {
	v := map[string]any{
		"id":            e.ID,
		"model":         e.Model,
		"action":        string(e.Action),
		"before":        e.Before,
		"after":         e.After,
		"changedFields": e.ChangedFields,
		"origin":        e.Origin,
		"originChain":   e.OriginChain,
		"parentEventId": e.ParentEventID,
	}
	if e.Actor != nil {
		v["actor"] = e.Actor.View()
	}
	return v
}

// ChangedFields returns the sorted keys whose values differ between before and after.
func ChangedFields(before, after map[string]any) []string {
	seen := make(map[string]struct{}, len(before)+len(after))
	var out []string
	check := func(k string) {
		if _, ok := seen[k]; ok {
			return
		}
		seen[k] = struct{}{}
		bv, bok := before[k]
		av, aok := after[k]
		if bok != aok || !reflect.DeepEqual(bv, av) {
			out = append(out, k)
		}
	}
	for k := range before {
		check(k)
	}
	for k := range after {
		check(k)
	}
	sort.Strings(out)
	return out
}

// DecodeObject unmarshals a JSON object, turning integral numbers into int64.
func DecodeObject(b []byte) (map[string]any, error) {
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	return NormalizeMap(m), nil
}

// NormalizeMap rewrites decoder-specific scalar types in place.
func NormalizeMap(m map[string]any) map[string]any {
	for k, v := range m {
		m[k] = Normalize(v)
	}
	return m
}

// Normalize maps json.Number and sized ints onto int64/float64 and recurses
// into maps and slices.
func Normalize(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		f, _ := t.Float64()
		return f
	case int:
		return int64(t)
	case int32:
		return int64(t)
	case uint64:
		return int64(t)
	case []byte:
		return string(t)
	case map[string]any:
		return NormalizeMap(t)
	case []any:
		for i := range t {
			t[i] = Normalize(t[i])
		}
		return t
	default:
		return v
	}
}
