// Package scheduler turns interval and datetime triggers into synthetic outbox events.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmehdipour/outboxflow/internal/cursor"
	"github.com/jmehdipour/outboxflow/internal/metrics"
	"github.com/jmehdipour/outboxflow/internal/model"
	"github.com/jmehdipour/outboxflow/internal/registry"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// Enqueuer is the outbox write path.
type Enqueuer interface {
	Enqueue(ctx context.Context, tx *sqlx.Tx, ev model.Event) (string, error)
}

// RowSource finds rows whose field lies within [from, to].
type RowSource interface {
	ListBetween(ctx context.Context, table, field string, from, to time.Time, limit int) ([]map[string]any, error)
}

type Options struct {
	Lookback        time.Duration
	Lookahead       time.Duration
	LimitPerTrigger int
}

func (o Options) withDefaults() Options {
	if o.Lookback <= 0 {
		o.Lookback = time.Minute
	}
	if o.Lookahead < 0 {
		o.Lookahead = 0
	}
	if o.LimitPerTrigger <= 0 {
		o.LimitPerTrigger = 100
	}
	return o
}

type Result struct {
	IntervalEmitted int
	DatetimeEmitted int
}

// Scheduler emission is idempotent per cursor key as long as one instance
// runs at a time; concurrent instances may rarely double-emit.
type Scheduler struct {
	Outbox   Enqueuer
	Registry registry.Registry
	Cursors  cursor.Store
	Rows     RowSource
	Log      *zap.Logger
	Now      func() time.Time
}

func New(outbox Enqueuer, reg registry.Registry, cursors cursor.Store, rows RowSource, log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{Outbox: outbox, Registry: reg, Cursors: cursors, Rows: rows, Log: log, Now: time.Now}
}

type cadence struct {
	unit  model.Unit
	value int
}

type datetimeTrigger struct {
	spec    string
	trigger model.Trigger
}

// RunOnce performs one interval and one datetime pass at now. Failures of one
// cadence or trigger do not stop the others; they are joined into the error.
func (s *Scheduler) RunOnce(ctx context.Context, now time.Time, lookback, lookahead time.Duration, limitPerTrigger int) (Result, error) {
	opts := Options{Lookback: lookback, Lookahead: lookahead, LimitPerTrigger: limitPerTrigger}.withDefaults()
	now = now.UTC()
	var res Result

	cadences, datetimes, err := s.collect(ctx)
	if err != nil {
		return res, err
	}

	var errs []error
	for _, c := range cadences {
		emitted, err := s.emitInterval(ctx, now, c)
		if err != nil {
			errs = append(errs, fmt.Errorf("interval %s/%d: %w", c.unit, c.value, err))
			continue
		}
		if emitted {
			res.IntervalEmitted++
		}
	}

	from, to := now.Add(-opts.Lookback), now.Add(opts.Lookahead)
	for _, dt := range datetimes {
		n, err := s.emitDatetime(ctx, now, from, to, opts.LimitPerTrigger, dt)
		res.DatetimeEmitted += n
		if err != nil {
			errs = append(errs, fmt.Errorf("datetime %s %s: %w", dt.spec, dt.trigger.FieldPath(), err))
		}
	}

	metrics.SchedulerEmitted.WithLabelValues("interval").Add(float64(res.IntervalEmitted))
	metrics.SchedulerEmitted.WithLabelValues("datetime").Add(float64(res.DatetimeEmitted))
	return res, errors.Join(errs...)
}

// Run calls RunOnce every interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration, opts Options) error {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	s.Log.Info("scheduler started", zap.Duration("interval", interval))

	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		res, err := s.RunOnce(ctx, s.Now(), opts.Lookback, opts.Lookahead, opts.LimitPerTrigger)
		if err != nil {
			s.Log.Error("scheduler pass failed", zap.Error(err))
		}
		if res.IntervalEmitted+res.DatetimeEmitted > 0 {
			s.Log.Info("scheduler pass", zap.Int("interval", res.IntervalEmitted), zap.Int("datetime", res.DatetimeEmitted))
		}

		select {
		case <-ctx.Done():
			s.Log.Info("scheduler stopped")
			return nil
		case <-tick.C:
		}
	}
}

// collect reads the registry fresh: distinct cadences and every datetime trigger.
func (s *Scheduler) collect(ctx context.Context) ([]cadence, []datetimeTrigger, error) {
	names, err := s.Registry.Names(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("registry: %w", err)
	}
	seen := map[cadence]bool{}
	var cadences []cadence
	var datetimes []datetimeTrigger
	for _, name := range names {
		spec, err := s.Registry.Get(ctx, name)
		if err != nil {
			return nil, nil, fmt.Errorf("registry get %s: %w", name, err)
		}
		if spec == nil {
			continue
		}
		for _, t := range spec.Triggers {
			switch t.Kind {
			case model.TriggerInterval:
				c := cadence{unit: t.Unit, value: t.Value}
				if !seen[c] {
					seen[c] = true
					cadences = append(cadences, c)
				}
			case model.TriggerDatetime:
				datetimes = append(datetimes, datetimeTrigger{spec: spec.Name, trigger: t})
			}
		}
	}
	return cadences, datetimes, nil
}

func (s *Scheduler) emitInterval(ctx context.Context, now time.Time, c cadence) (bool, error) {
	key := cursor.IntervalKey(c.unit, c.value)
	last, ok, err := s.Cursors.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if ok {
		lastFired, err := cursor.ParseTime(last)
		if err != nil {
			s.Log.Warn("unreadable interval cursor, firing", zap.String("key", key), zap.Error(err))
		} else if now.Before(model.AddUnit(lastFired, c.unit, c.value)) {
			return false, nil
		}
	}

	ev := model.Event{
		Model:  model.OriginScheduler,
		Action: model.ActionInterval,
		Origin: model.OriginScheduler,
		Before: map[string]any{
			model.MetaUnit:    string(c.unit),
			model.MetaValue:   int64(c.value),
			model.MetaFiredAt: cursor.FormatTime(now),
		},
	}
	if _, err := s.Outbox.Enqueue(ctx, nil, ev); err != nil {
		return false, err
	}
	if err := s.Cursors.Set(ctx, key, cursor.FormatTime(now)); err != nil {
		return true, fmt.Errorf("advance cursor: %w", err)
	}
	return true, nil
}

func (s *Scheduler) emitDatetime(ctx context.Context, now, from, to time.Time, limit int, dt datetimeTrigger) (int, error) {
	t := dt.trigger
	scanFrom, scanTo := fieldWindow(t, from, to)

	rows, err := s.Rows.ListBetween(ctx, t.Model, t.Field, scanFrom, scanTo, limit)
	if err != nil {
		return 0, err
	}

	emitted := 0
	for _, row := range rows {
		fieldAt, ok := timeValue(row[t.Field])
		if !ok {
			s.Log.Warn("datetime field not a time", zap.String("spec", dt.spec), zap.String("field", t.FieldPath()), zap.Any("value", row[t.Field]))
			continue
		}
		fireAt := fireTime(t, fieldAt)
		if fireAt.Before(from) || fireAt.After(to) {
			continue
		}
		rowID, ok := row["id"]
		if !ok || rowID == nil {
			s.Log.Warn("datetime row without id", zap.String("spec", dt.spec), zap.String("model", t.Model))
			continue
		}

		key := cursor.DatetimeKey(dt.spec, t.Model, rowID, t.Field, t.Direction, fireAt)
		fresh, err := s.Cursors.SetIfAbsent(ctx, key, cursor.FormatTime(now))
		if err != nil {
			return emitted, err
		}
		if !fresh {
			continue
		}

		meta := map[string]any{
			model.MetaSpec:      dt.spec,
			model.MetaField:     t.Field,
			model.MetaDirection: string(t.Direction),
			model.MetaFireAt:    cursor.FormatTime(fireAt),
			model.MetaRowID:     rowID,
		}
		if t.HasOffset() {
			meta[model.MetaUnit] = string(t.Unit)
			meta[model.MetaValue] = int64(t.Value)
		}
		at := fireAt
		ev := model.Event{
			Model:     t.Model,
			Action:    model.ActionDatetime,
			Origin:    model.OriginScheduler,
			Before:    meta,
			After:     row,
			NextRunAt: &at,
		}
		if _, err := s.Outbox.Enqueue(ctx, nil, ev); err != nil {
			return emitted, err
		}
		emitted++
	}
	return emitted, nil
}

// fieldWindow shifts [from, to] so rows whose fire time lands in it are found.
func fieldWindow(t model.Trigger, from, to time.Time) (time.Time, time.Time) {
	if !t.HasOffset() {
		return from, to
	}
	n := t.Value
	if t.Direction == model.DirectionAfter {
		n = -n
	}
	return model.AddUnit(from, t.Unit, n), model.AddUnit(to, t.Unit, n)
}

// fireTime is fieldAt moved by the trigger offset: earlier for before, later for after.
func fireTime(t model.Trigger, fieldAt time.Time) time.Time {
	if !t.HasOffset() {
		return fieldAt
	}
	n := t.Value
	if t.Direction == model.DirectionBefore {
		n = -n
	}
	return model.AddUnit(fieldAt, t.Unit, n)
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02",
}

func timeValue(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), true
	case string:
		for _, layout := range timeLayouts {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed.UTC(), true
			}
		}
	}
	return time.Time{}, false
}
