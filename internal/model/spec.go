package model

import (
	"fmt"
	"strings"
	"time"
)

type ActorMode string

const (
	ActorInherit     ActorMode = "inherit"
	ActorSystem      ActorMode = "system"
	ActorImpersonate ActorMode = "impersonate"
)

type Direction string

const (
	DirectionExact  Direction = "exact"
	DirectionBefore Direction = "before"
	DirectionAfter  Direction = "after"
)

type TriggerKind string

const (
	TriggerModel    TriggerKind = "model"
	TriggerInterval TriggerKind = "interval"
	TriggerDatetime TriggerKind = "datetime"
)

// Impersonate describes the subject an impersonating spec acts as.
type Impersonate struct {
	Role  string
	From  string // dot path into the event
	Model string // optional subject model override
}

// Trigger is one of the three trigger kinds; only the fields of Kind are set.
type Trigger struct {
	Kind TriggerKind

	// model
	Model   string
	Actions []Action

	// interval; datetime offset
	Unit  Unit
	Value int

	// datetime
	Field     string
	Direction Direction
}

// HasOffset reports whether a datetime trigger fires relative to its field.
func (t Trigger) HasOffset() bool {
	return t.Kind == TriggerDatetime && t.Direction != DirectionExact && t.Unit != "" && t.Value > 0
}

// FieldPath is model.field for datetime triggers.
func (t Trigger) FieldPath() string {
	return t.Model + "." + t.Field
}

type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Spec is a workflow specification as supplied by the registry.
type Spec struct {
	Name        string
	ActorMode   ActorMode
	Impersonate *Impersonate
	Triggers    []Trigger
	Steps       []Step
	Retry       *RetryPolicy
}

// Validate rejects shapes the runner cannot execute.
func (s Spec) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("spec: empty name")
	}
	switch s.ActorMode {
	case ActorInherit, ActorSystem:
	case ActorImpersonate:
		if s.Impersonate == nil || s.Impersonate.From == "" {
			return fmt.Errorf("spec %s: impersonate requires a from path", s.Name)
		}
	default:
		return fmt.Errorf("spec %s: unknown actorMode %q", s.Name, s.ActorMode)
	}
	for i, t := range s.Triggers {
		if err := t.validate(); err != nil {
			return fmt.Errorf("spec %s: trigger %d: %w", s.Name, i, err)
		}
	}
	for i, st := range s.Steps {
		if err := validateStep(st); err != nil {
			return fmt.Errorf("spec %s: step %d: %w", s.Name, i, err)
		}
	}
	if s.Retry != nil && s.Retry.MaxAttempts < 0 {
		return fmt.Errorf("spec %s: negative maxAttempts", s.Name)
	}
	return nil
}

func (t Trigger) validate() error {
	switch t.Kind {
	case TriggerModel:
		if t.Model == "" || len(t.Actions) == 0 {
			return fmt.Errorf("model trigger needs model and actions")
		}
		for _, a := range t.Actions {
			if !a.Valid() || a.Synthetic() {
				return fmt.Errorf("invalid action %q", a)
			}
		}
	case TriggerInterval:
		if _, err := ParseUnit(string(t.Unit)); err != nil {
			return err
		}
		if t.Value <= 0 {
			return fmt.Errorf("interval value must be positive")
		}
	case TriggerDatetime:
		if t.Model == "" || t.Field == "" {
			return fmt.Errorf("datetime trigger needs model.field")
		}
		switch t.Direction {
		case DirectionExact, DirectionBefore, DirectionAfter:
		default:
			return fmt.Errorf("unknown direction %q", t.Direction)
		}
		if t.Unit != "" {
			if _, err := ParseUnit(string(t.Unit)); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("unknown trigger kind %q", t.Kind)
	}
	return nil
}
