package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/jmehdipour/outboxflow/internal/authz"
	"github.com/jmehdipour/outboxflow/internal/metrics"
	"github.com/jmehdipour/outboxflow/internal/model"
	"github.com/jmehdipour/outboxflow/internal/repository"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// RecordStore is the record-persistence collaborator steps write through.
type RecordStore interface {
	Create(ctx context.Context, actor model.Actor, cause repository.Cause, table string, values map[string]any) (map[string]any, error)
	List(ctx context.Context, actor model.Actor, table string, where map[string]any, limit int) ([]map[string]any, error)
	Update(ctx context.Context, actor model.Actor, cause repository.Cause, table string, where, set map[string]any) (int64, error)
}

// execContext is one (spec, event, actor) execution.
type execContext struct {
	spec  model.Spec
	event model.Event
	view  map[string]any
	actor model.Actor
}

// cause links records written by spec back to the triggering event.
func (x execContext) cause() repository.Cause {
	chain := make([]string, 0, len(x.event.OriginChain)+1)
	chain = append(chain, x.event.OriginChain...)
	chain = append(chain, x.spec.Name)
	return repository.Cause{Origin: x.spec.Name, OriginChain: chain, ParentEventID: x.event.ID}
}

// runSteps executes spec's steps in order and stops at the first failure.
func (r *Runner) runSteps(ctx context.Context, x execContext) error {
	for i, st := range x.spec.Steps {
		start := time.Now()
		err := r.runStep(ctx, x, st)
		result := "ok"
		if err != nil {
			result = "error"
		}
		metrics.StepDuration.WithLabelValues(string(st.Op()), result).Observe(time.Since(start).Seconds())

		if err == nil {
			continue
		}
		if se, ok := err.(*StepError); ok {
			se.Step, se.Op = i, st.Op()
			return se
		}
		return &StepError{Kind: classify(err), Spec: x.spec.Name, Step: i, Op: st.Op(), Err: err}
	}
	return nil
}

func (r *Runner) runStep(ctx context.Context, x execContext, st model.Step) error {
	switch s := st.(type) {
	case model.LogStep:
		return r.stepLog(x, s)
	case model.CreateStep:
		if r.Records == nil {
			return configError(x.spec.Name, 0, s.Op(), "no record store configured")
		}
		_, err := r.Records.Create(ctx, x.actor, x.cause(), s.Model, model.ResolveAll(s.Values, x.view))
		return err
	case model.ListStep:
		if r.Records == nil {
			return configError(x.spec.Name, 0, s.Op(), "no record store configured")
		}
		rows, err := r.Records.List(ctx, x.actor, s.Model, model.ResolveAll(s.Where, x.view), s.Limit)
		if err != nil {
			return err
		}
		r.Log.Debug("crud.list", zap.String("spec", x.spec.Name), zap.String("model", s.Model), zap.Int("rows", len(rows)))
		return nil
	case model.UpdateStep:
		return r.stepUpdate(ctx, x, s)
	case model.CustomStep:
		fn, ok := r.Custom.Lookup(s.Name)
		if !ok {
			return configError(x.spec.Name, 0, s.Op(), "unregistered custom step %q", s.Name)
		}
		return fn(ctx, CustomCall{
			Spec:  x.spec.Name,
			Event: x.event,
			Actor: x.actor,
			Args:  model.ResolveAll(s.Args, x.view),
		})
	default:
		return configError(x.spec.Name, 0, "", "unsupported step %T", st)
	}
}

func (r *Runner) stepLog(x execContext, s model.LogStep) error {
	lvl, err := zapcore.ParseLevel(s.Level)
	if s.Level == "" || err != nil {
		lvl = zapcore.InfoLevel
	}
	r.Log.Log(lvl, fmt.Sprint(s.Message.Resolve(x.view)),
		zap.String("spec", x.spec.Name),
		zap.String("event_id", x.event.ID),
		zap.String("model", x.event.Model),
		zap.String("action", string(x.event.Action)),
	)
	return nil
}

// stepUpdate authorizes on its own for non-system actors and folds enforced
// fields into both where and set. Zero affected rows is a failure.
func (r *Runner) stepUpdate(ctx context.Context, x execContext, s model.UpdateStep) error {
	if r.Records == nil {
		return configError(x.spec.Name, 0, s.Op(), "no record store configured")
	}
	where := map[string]any{s.WhereField: s.WhereValue.Resolve(x.view)}
	set := model.ResolveAll(s.Set, x.view)

	if !x.actor.IsSystem() {
		if r.Authz == nil {
			return configError(x.spec.Name, 0, s.Op(), "no authorizer configured")
		}
		d, err := r.Authz.Authorize(ctx, x.actor, s.Model, authz.ActionUpdate)
		if err != nil {
			return fmt.Errorf("authorize update %s: %w", s.Model, err)
		}
		if err := d.Err(s.Model, authz.ActionUpdate); err != nil {
			return err
		}
		for k, v := range d.Fields {
			if cur, ok := where[k]; ok && !authz.Same(cur, v) {
				return fmt.Errorf("update %s: %s=%v outside scope: %w", s.Model, k, cur, model.ErrNoRows)
			}
			where[k] = v
		}
		if set, err = d.ApplyWrite(set); err != nil {
			return err
		}
	}

	n, err := r.Records.Update(ctx, x.actor, x.cause(), s.Model, where, set)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("update %s where %s=%v: %w", s.Model, s.WhereField, where[s.WhereField], model.ErrNoRows)
	}
	return nil
}
