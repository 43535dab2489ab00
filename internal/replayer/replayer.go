// Package replayer returns events orphaned in processing by a crashed worker.
package replayer

import (
	"context"
	"fmt"
	"time"

	"github.com/jmehdipour/outboxflow/internal/metrics"
	"go.uber.org/zap"
)

// Store is the outbox primitive the replayer needs.
type Store interface {
	RequeueStale(ctx context.Context, olderThan time.Time, limit int, now time.Time) (int, error)
}

type Result struct {
	Requeued int
}

// Replayer makes the outbox at-least-once: a step that ran before the crash
// runs again once its event is requeued.
type Replayer struct {
	Store Store
	Log   *zap.Logger
	Now   func() time.Time
}

func New(store Store, log *zap.Logger) *Replayer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Replayer{Store: store, Log: log, Now: time.Now}
}

// RequeueStaleProcessing resets up to limit events that have been processing
// for longer than stale back to pending.
func (r *Replayer) RequeueStaleProcessing(ctx context.Context, stale time.Duration, limit int) (Result, error) {
	if stale <= 0 {
		return Result{}, fmt.Errorf("replayer: stale threshold must be positive")
	}
	now := r.Now()
	n, err := r.Store.RequeueStale(ctx, now.Add(-stale), limit, now)
	if err != nil {
		return Result{}, fmt.Errorf("requeue stale: %w", err)
	}
	if n > 0 {
		metrics.ReplayerRequeued.Add(float64(n))
		r.Log.Warn("requeued stale processing events", zap.Int("count", n), zap.Duration("stale", stale))
	}
	return Result{Requeued: n}, nil
}

func (r *Replayer) Run(ctx context.Context, interval, stale time.Duration, limit int) error {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	r.Log.Info("replayer started", zap.Duration("interval", interval), zap.Duration("stale", stale))

	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		if _, err := r.RequeueStaleProcessing(ctx, stale, limit); err != nil {
			r.Log.Error("replayer pass failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			r.Log.Info("replayer stopped")
			return nil
		case <-tick.C:
		}
	}
}
