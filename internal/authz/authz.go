package authz

import (
	"context"
	"fmt"

	"github.com/jmehdipour/outboxflow/internal/model"
)

const (
	ActionCreate = "create"
	ActionRead   = "read"
	ActionUpdate = "update"
	ActionDelete = "delete"
)

// WriteMode controls how enforced fields meet caller-supplied values.
type WriteMode string

const (
	ModeEnforce  WriteMode = "enforce"  // enforced values overwrite
	ModeValidate WriteMode = "validate" // mismatching values are rejected
)

// Decision is the authorization outcome for one (actor, model, action).
type Decision struct {
	Allowed bool
	Reason  string
	// Fields are row-scoping values for reads and enforced values for writes.
	Fields map[string]any
	Mode   WriteMode
}

// Authorizer is the decision contract the core consumes.
type Authorizer interface {
	Authorize(ctx context.Context, actor model.Actor, modelName, action string) (Decision, error)
}

// Allow is the decision for system-elevated actors.
func Allow() Decision { return Decision{Allowed: true, Mode: ModeEnforce} }

// AllowAll permits everything without scoping.
type AllowAll struct{}

func (AllowAll) Authorize(context.Context, model.Actor, string, string) (Decision, error) {
	return Allow(), nil
}

// Err converts a denial into a model.ErrPermissionDenied error.
func (d Decision) Err(modelName, action string) error {
	if d.Allowed {
		return nil
	}
	if d.Reason != "" {
		return fmt.Errorf("%s %s: %s: %w", action, modelName, d.Reason, model.ErrPermissionDenied)
	}
	return fmt.Errorf("%s %s: %w", action, modelName, model.ErrPermissionDenied)
}

// ApplyWrite folds the enforced fields into values according to Mode.
// It returns a new map and never mutates values.
func (d Decision) ApplyWrite(values map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(values)+len(d.Fields))
	for k, v := range values {
		out[k] = v
	}
	for k, enforced := range d.Fields {
		given, ok := out[k]
		if ok && d.Mode == ModeValidate && !Same(given, enforced) {
			return nil, fmt.Errorf("field %s: got %v, want %v: %w", k, given, enforced, model.ErrValidation)
		}
		out[k] = enforced
	}
	return out, nil
}

// Same compares scalars loosely so that int64(1), "1" and 1.0 match.
func Same(a, b any) bool {
	return fmt.Sprint(a) == fmt.Sprint(b)
}
