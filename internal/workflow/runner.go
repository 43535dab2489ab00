// Package workflow claims due outbox events and runs the specs they trigger.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmehdipour/outboxflow/internal/authz"
	"github.com/jmehdipour/outboxflow/internal/metrics"
	"github.com/jmehdipour/outboxflow/internal/model"
	"github.com/jmehdipour/outboxflow/internal/registry"
	"github.com/jmehdipour/outboxflow/internal/repository"
	"go.uber.org/zap"
)

// Outbox is the slice of the outbox store the runner needs.
type Outbox interface {
	ListDue(ctx context.Context, now time.Time, limit int) ([]model.Event, error)
	Claim(ctx context.Context, id, workerID string, now time.Time) (bool, error)
	MarkDone(ctx context.Context, id string, now time.Time) error
	ScheduleRetry(ctx context.Context, id string, attempts int, nextRunAt time.Time, lastErr string, now time.Time) error
	MarkFailed(ctx context.Context, id string, attempts int, lastErr string, now time.Time) error
}

// Options are the per-pass defaults; a spec's retry policy overrides them.
type Options struct {
	ClaimLimit  int
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func (o Options) withDefaults() Options {
	if o.ClaimLimit <= 0 {
		o.ClaimLimit = 10
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = time.Second
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = time.Minute
	}
	return o
}

type Result struct {
	Claimed   int
	Processed int
}

// Runner is one claim/execute worker. Several runners, in one process or
// many, may share a store; the conditional claim keeps them apart.
type Runner struct {
	Outbox   Outbox
	Registry registry.Registry
	Records  RecordStore
	Authz    authz.Authorizer
	Custom   *CustomRegistry
	Log      *zap.Logger

	WorkerID string
	Now      func() time.Time
}

func NewRunner(outbox Outbox, reg registry.Registry, records RecordStore, az authz.Authorizer, custom *CustomRegistry, log *zap.Logger) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	if custom == nil {
		custom = NewCustomRegistry()
	}
	id := uuid.NewString()
	return &Runner{
		Outbox:   outbox,
		Registry: reg,
		Records:  records,
		Authz:    az,
		Custom:   custom,
		Log:      log.With(zap.String("worker_id", id)),
		WorkerID: id,
		Now:      time.Now,
	}
}

// RunOnce claims up to ClaimLimit due events and processes each to a final
// status for this pass. Lost claims are skipped.
func (r *Runner) RunOnce(ctx context.Context, opts Options) (Result, error) {
	opts = opts.withDefaults()
	var res Result

	due, err := r.Outbox.ListDue(ctx, r.Now(), opts.ClaimLimit)
	if err != nil {
		return res, fmt.Errorf("list due: %w", err)
	}

	for _, ev := range due {
		if ctx.Err() != nil {
			break
		}
		ok, err := r.Outbox.Claim(ctx, ev.ID, r.WorkerID, r.Now())
		if err != nil {
			r.Log.Error("claim failed", zap.String("event_id", ev.ID), zap.Error(err))
			continue
		}
		if !ok {
			metrics.EventsTotal.WithLabelValues("claim_lost").Inc()
			continue
		}
		metrics.EventsTotal.WithLabelValues("claimed").Inc()
		res.Claimed++

		r.process(ctx, ev, opts)
		res.Processed++
	}
	return res, nil
}

// Run polls RunOnce every interval until ctx is cancelled.
func (r *Runner) Run(ctx context.Context, interval time.Duration, opts Options) error {
	if interval <= 0 {
		interval = time.Second
	}
	r.Log.Info("runner started", zap.Duration("interval", interval), zap.Int("claim_limit", opts.ClaimLimit))

	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		res, err := r.RunOnce(ctx, opts)
		if err != nil {
			r.Log.Error("runner pass failed", zap.Error(err))
		} else if res.Claimed > 0 {
			r.Log.Debug("runner pass", zap.Int("claimed", res.Claimed), zap.Int("processed", res.Processed))
		}

		select {
		case <-ctx.Done():
			r.Log.Info("runner stopped")
			return nil
		case <-tick.C:
		}
	}
}

// process executes every matching spec in registry order and always finalizes.
func (r *Runner) process(ctx context.Context, ev model.Event, opts Options) {
	matched, failedSpec, failure := r.execute(ctx, ev)

	// finalize even if the pass context was cancelled mid-event
	fctx := context.WithoutCancel(ctx)
	now := r.Now()
	log := r.Log.With(zap.String("event_id", ev.ID), zap.String("model", ev.Model), zap.String("action", string(ev.Action)))

	var err error
	switch {
	case failure == nil:
		err = r.Outbox.MarkDone(fctx, ev.ID, now)
		metrics.EventsTotal.WithLabelValues("done").Inc()
		log.Debug("event done", zap.Int("matched", matched))

	default:
		attempts := ev.Attempts + 1
		var policy *model.RetryPolicy
		if failedSpec != nil {
			policy = failedSpec.Retry
		}
		maxAttempts, base, maxDelay := retryPolicy(opts, policy)

		if !IsRetryable(failure) || attempts >= maxAttempts {
			err = r.Outbox.MarkFailed(fctx, ev.ID, attempts, failure.Error(), now)
			metrics.EventsTotal.WithLabelValues("failed").Inc()
			log.Warn("event failed", zap.Int("attempts", attempts), zap.Bool("retryable", IsRetryable(failure)), zap.Error(failure))
		} else {
			next := now.Add(Backoff(attempts, base, maxDelay))
			err = r.Outbox.ScheduleRetry(fctx, ev.ID, attempts, next, failure.Error(), now)
			metrics.EventsTotal.WithLabelValues("retry").Inc()
			log.Info("event retry scheduled", zap.Int("attempts", attempts), zap.Time("next_run_at", next), zap.Error(failure))
		}
	}

	if errors.Is(err, repository.ErrNotProcessing) {
		log.Warn("event no longer processing at finalize; left to its current owner")
	} else if err != nil {
		log.Error("finalize failed", zap.Error(err))
	}
}

// execute runs matching specs sequentially, stopping at the first failing one.
func (r *Runner) execute(ctx context.Context, ev model.Event) (matched int, failedSpec *model.Spec, failure error) {
	defer func() {
		if p := recover(); p != nil {
			failure = fmt.Errorf("panic: %v", p)
		}
	}()

	names, err := r.Registry.Names(ctx)
	if err != nil {
		return 0, nil, fmt.Errorf("registry: %w", err)
	}

	view := ev.View()
	for _, name := range names {
		spec, err := r.Registry.Get(ctx, name)
		if err != nil {
			return matched, nil, fmt.Errorf("registry get %s: %w", name, err)
		}
		if spec == nil || !Matches(*spec, ev) {
			continue
		}
		matched++

		actor, err := r.resolveActor(*spec, ev)
		if err != nil {
			return matched, spec, err
		}
		if err := r.runSteps(ctx, execContext{spec: *spec, event: ev, view: view, actor: actor}); err != nil {
			return matched, spec, err
		}
	}
	return matched, nil, nil
}
