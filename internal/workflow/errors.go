package workflow

import (
	"errors"
	"fmt"

	"github.com/jmehdipour/outboxflow/internal/model"
)

// Kind classifies a step failure for finalization.
type Kind string

const (
	KindConfig    Kind = "config"    // spec cannot run as written; never retried
	KindDenied    Kind = "denied"    // authorization, validation or zero-row update; never retried
	KindTransient Kind = "transient" // retried with backoff
)

// StepError is the failure of one step of one spec.
type StepError struct {
	Kind Kind
	Spec string
	Step int // -1 when the failure precedes step execution
	Op   model.StepOp
	Err  error
}

func (e *StepError) Error() string {
	if e.Step < 0 {
		return fmt.Sprintf("%s: %s: %v", e.Spec, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: step %d (%s): %s: %v", e.Spec, e.Step, e.Op, e.Kind, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// IsRetryable reports whether err should put the event back to pending.
func IsRetryable(err error) bool {
	return classify(err) == KindTransient
}

// classify maps collaborator errors onto the taxonomy. Anything exposing a
// 4xx StatusCode is treated like a permission/validation failure.
func classify(err error) Kind {
	if err == nil {
		return ""
	}
	var se *StepError
	if errors.As(err, &se) {
		return se.Kind
	}
	if errors.Is(err, model.ErrPermissionDenied) || errors.Is(err, model.ErrValidation) || errors.Is(err, model.ErrNoRows) {
		return KindDenied
	}
	var sc interface{ StatusCode() int }
	if errors.As(err, &sc) {
		if code := sc.StatusCode(); code >= 400 && code < 500 {
			return KindDenied
		}
	}
	return KindTransient
}

func configError(spec string, step int, op model.StepOp, format string, args ...any) *StepError {
	return &StepError{Kind: KindConfig, Spec: spec, Step: step, Op: op, Err: fmt.Errorf(format, args...)}
}
