package model

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type specDoc struct {
	Name        string          `yaml:"name"`
	Slug        string          `yaml:"slug"`
	ActorMode   string          `yaml:"actorMode"`
	Impersonate *impersonateDoc `yaml:"impersonate"`
	Triggers    []triggerDoc    `yaml:"triggers"`
	Steps       []stepDoc       `yaml:"steps"`
	Retry       *retryDoc       `yaml:"retry"`
}

type impersonateDoc struct {
	Role  string `yaml:"role"`
	From  string `yaml:"from"`
	Model string `yaml:"model"`
}

type triggerDoc struct {
	Model    string       `yaml:"model"`
	Actions  []string     `yaml:"actions"`
	Interval *intervalDoc `yaml:"interval"`
	Datetime *datetimeDoc `yaml:"datetime"`
}

type intervalDoc struct {
	Unit  string `yaml:"unit"`
	Value int    `yaml:"value"`
}

type datetimeDoc struct {
	Model     string `yaml:"model"`
	Field     string `yaml:"field"` // "post.publish_at" or "publish_at" with model
	Direction string `yaml:"direction"`
	Unit      string `yaml:"unit"`
	Value     int    `yaml:"value"`
}

type stepDoc struct {
	Op         string           `yaml:"op"`
	Message    Value            `yaml:"message"`
	Level      string           `yaml:"level"`
	Model      string           `yaml:"model"`
	Values     map[string]Value `yaml:"values"`
	Where      map[string]Value `yaml:"where"`
	Limit      int              `yaml:"limit"`
	WhereField string           `yaml:"whereField"`
	WhereValue Value            `yaml:"whereValue"`
	Set        map[string]Value `yaml:"set"`
	Name       string           `yaml:"name"`
	Args       map[string]Value `yaml:"args"`
}

type retryDoc struct {
	MaxAttempts int    `yaml:"maxAttempts"`
	BaseDelay   string `yaml:"baseDelay"`
	MaxDelay    string `yaml:"maxDelay"`
}

// ParseSpecs decodes one or more YAML documents into validated specs.
func ParseSpecs(data []byte) ([]Spec, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	var out []Spec
	for {
		var doc specDoc
		err := dec.Decode(&doc)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decode spec: %w", err)
		}
		s, err := doc.toSpec()
		if err != nil {
			return nil, err
		}
		if err := s.Validate(); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func (d specDoc) toSpec() (Spec, error) {
	s := Spec{Name: d.Name, ActorMode: ActorMode(d.ActorMode)}
	if s.Name == "" {
		s.Name = d.Slug
	}
	if s.ActorMode == "" {
		s.ActorMode = ActorInherit
	}
	if d.Impersonate != nil {
		s.Impersonate = &Impersonate{Role: d.Impersonate.Role, From: d.Impersonate.From, Model: d.Impersonate.Model}
	}

	for _, td := range d.Triggers {
		t, err := td.toTrigger()
		if err != nil {
			return Spec{}, fmt.Errorf("spec %s: %w", s.Name, err)
		}
		s.Triggers = append(s.Triggers, t)
	}

	for i, sd := range d.Steps {
		st, err := sd.toStep()
		if err != nil {
			return Spec{}, fmt.Errorf("spec %s: step %d: %w", s.Name, i, err)
		}
		s.Steps = append(s.Steps, st)
	}

	if d.Retry != nil {
		rp := &RetryPolicy{MaxAttempts: d.Retry.MaxAttempts}
		var err error
		if rp.BaseDelay, err = parseDelay(d.Retry.BaseDelay); err != nil {
			return Spec{}, fmt.Errorf("spec %s: retry.baseDelay: %w", s.Name, err)
		}
		if rp.MaxDelay, err = parseDelay(d.Retry.MaxDelay); err != nil {
			return Spec{}, fmt.Errorf("spec %s: retry.maxDelay: %w", s.Name, err)
		}
		s.Retry = rp
	}
	return s, nil
}

func (td triggerDoc) toTrigger() (Trigger, error) {
	switch {
	case td.Interval != nil:
		u, err := ParseUnit(td.Interval.Unit)
		if err != nil {
			return Trigger{}, err
		}
		return Trigger{Kind: TriggerInterval, Unit: u, Value: td.Interval.Value}, nil

	case td.Datetime != nil:
		dt := td.Datetime
		t := Trigger{Kind: TriggerDatetime, Model: dt.Model, Field: dt.Field, Direction: Direction(dt.Direction), Value: dt.Value}
		if t.Model == "" {
			if i := strings.Index(dt.Field, "."); i > 0 {
				t.Model, t.Field = dt.Field[:i], dt.Field[i+1:]
			}
		}
		if t.Direction == "" {
			t.Direction = DirectionExact
		}
		if dt.Unit != "" {
			u, err := ParseUnit(dt.Unit)
			if err != nil {
				return Trigger{}, err
			}
			t.Unit = u
		}
		return t, nil

	default:
		t := Trigger{Kind: TriggerModel, Model: td.Model}
		for _, a := range td.Actions {
			t.Actions = append(t.Actions, Action(strings.ToLower(strings.TrimSpace(a))))
		}
		return t, nil
	}
}

func (sd stepDoc) toStep() (Step, error) {
	switch StepOp(sd.Op) {
	case OpLog:
		return LogStep{Message: sd.Message, Level: sd.Level}, nil
	case OpCrudCreate:
		return CreateStep{Model: sd.Model, Values: sd.Values}, nil
	case OpCrudList:
		return ListStep{Model: sd.Model, Where: sd.Where, Limit: sd.Limit}, nil
	case OpDBUpdate:
		return UpdateStep{Model: sd.Model, WhereField: sd.WhereField, WhereValue: sd.WhereValue, Set: sd.Set}, nil
	case OpCustom:
		return CustomStep{Name: sd.Name, Args: sd.Args}, nil
	default:
		return nil, fmt.Errorf("unknown op %q", sd.Op)
	}
}

func parseDelay(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}
