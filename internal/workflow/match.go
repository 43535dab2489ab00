package workflow

import (
	"fmt"

	"github.com/jmehdipour/outboxflow/internal/model"
)

// Matches reports whether spec should run for ev. A spec never runs for an
// event it caused, directly (origin) or through its ancestors (originChain).
func Matches(spec model.Spec, ev model.Event) bool {
	if ev.Origin == spec.Name || ev.InChain(spec.Name) {
		return false
	}
	for _, t := range spec.Triggers {
		if triggerMatches(spec.Name, t, ev) {
			return true
		}
	}
	return false
}

func triggerMatches(specName string, t model.Trigger, ev model.Event) bool {
	switch t.Kind {
	case model.TriggerModel:
		if ev.Action.Synthetic() || ev.Model != t.Model {
			return false
		}
		for _, a := range t.Actions {
			if a == ev.Action {
				return true
			}
		}
		return false

	case model.TriggerInterval:
		return ev.Action == model.ActionInterval &&
			str(ev.Before[model.MetaUnit]) == string(t.Unit) &&
			str(ev.Before[model.MetaValue]) == fmt.Sprint(t.Value)

	case model.TriggerDatetime:
		if ev.Action != model.ActionDatetime || ev.Model != t.Model {
			return false
		}
		meta := ev.Before
		if str(meta[model.MetaSpec]) != specName || str(meta[model.MetaField]) != t.Field || str(meta[model.MetaDirection]) != string(t.Direction) {
			return false
		}
		if t.HasOffset() {
			return str(meta[model.MetaUnit]) == string(t.Unit) && str(meta[model.MetaValue]) == fmt.Sprint(t.Value)
		}
		return true
	}
	return false
}

func str(v any) string {
	if v == nil {
		return ""
	}
	return fmt.Sprint(v)
}
