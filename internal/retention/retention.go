// Package retention bounds outbox growth by archiving or deleting terminal events.
package retention

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmehdipour/outboxflow/internal/metrics"
	"github.com/jmehdipour/outboxflow/internal/model"
	"go.uber.org/zap"
)

type Mode string

const (
	ModeNone    Mode = "none"
	ModeArchive Mode = "archive"
	ModeDelete  Mode = "delete"
)

func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "", ModeNone:
		return ModeNone, nil
	case ModeArchive, ModeDelete:
		return m, nil
	default:
		return "", fmt.Errorf("unknown retention mode %q", s)
	}
}

// Store is the slice of the outbox the sweeper works on.
type Store interface {
	ListTerminalBefore(ctx context.Context, cutoff time.Time, includeArchived bool, limit int) ([]model.Event, error)
	MarkArchived(ctx context.Context, ids []string, now time.Time) (int, error)
	Delete(ctx context.Context, ids []string) (int, error)
}

// ArchiveSink receives a batch before it leaves the live outbox.
type ArchiveSink interface {
	Archive(ctx context.Context, events []model.Event) error
}

type Result struct {
	Archived int
	Deleted  int
}

type Sweeper struct {
	Store Store
	Sink  ArchiveSink // optional
	Log   *zap.Logger
	Now   func() time.Time
}

func New(store Store, sink ArchiveSink, log *zap.Logger) *Sweeper {
	if log == nil {
		log = zap.NewNop()
	}
	return &Sweeper{Store: store, Sink: sink, Log: log, Now: time.Now}
}

// RunOnce sweeps a single batch of terminal events created before
// now - retentionDays. A sink failure leaves the batch untouched.
func (s *Sweeper) RunOnce(ctx context.Context, mode Mode, retentionDays, batchLimit int, now time.Time) (Result, error) {
	if mode == ModeNone || mode == "" {
		return Result{}, nil
	}
	if retentionDays < 0 {
		return Result{}, fmt.Errorf("retention: negative retention days %d", retentionDays)
	}
	if batchLimit <= 0 {
		batchLimit = 500
	}
	cutoff := now.UTC().AddDate(0, 0, -retentionDays)

	switch mode {
	case ModeArchive:
		batch, err := s.Store.ListTerminalBefore(ctx, cutoff, false, batchLimit)
		if err != nil {
			return Result{}, fmt.Errorf("list terminal: %w", err)
		}
		if len(batch) == 0 {
			return Result{}, nil
		}
		if err := s.sink(ctx, batch); err != nil {
			return Result{}, err
		}
		n, err := s.Store.MarkArchived(ctx, ids(batch), now)
		if err != nil {
			return Result{}, fmt.Errorf("mark archived: %w", err)
		}
		metrics.RetentionTotal.WithLabelValues("archived").Add(float64(n))
		return Result{Archived: n}, nil

	case ModeDelete:
		batch, err := s.Store.ListTerminalBefore(ctx, cutoff, true, batchLimit)
		if err != nil {
			return Result{}, fmt.Errorf("list terminal: %w", err)
		}
		if len(batch) == 0 {
			return Result{}, nil
		}
		// archived rows already reached the sink
		var unsent []model.Event
		for _, ev := range batch {
			if ev.Status != model.StatusArchived {
				unsent = append(unsent, ev)
			}
		}
		if err := s.sink(ctx, unsent); err != nil {
			return Result{}, err
		}
		n, err := s.Store.Delete(ctx, ids(batch))
		if err != nil {
			return Result{}, fmt.Errorf("delete: %w", err)
		}
		metrics.RetentionTotal.WithLabelValues("deleted").Add(float64(n))
		return Result{Deleted: n}, nil

	default:
		return Result{}, fmt.Errorf("unknown retention mode %q", mode)
	}
}

func (s *Sweeper) sink(ctx context.Context, batch []model.Event) error {
	if s.Sink == nil || len(batch) == 0 {
		return nil
	}
	if err := s.Sink.Archive(ctx, batch); err != nil {
		return fmt.Errorf("archive sink: %w", err)
	}
	return nil
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration, mode Mode, retentionDays, batchLimit int) error {
	if mode == ModeNone {
		s.Log.Info("retention disabled")
		<-ctx.Done()
		return nil
	}
	if interval <= 0 {
		interval = time.Hour
	}
	s.Log.Info("retention sweeper started",
		zap.String("mode", string(mode)), zap.Int("days", retentionDays), zap.Duration("interval", interval))

	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		res, err := s.RunOnce(ctx, mode, retentionDays, batchLimit, s.Now())
		if err != nil {
			s.Log.Error("retention pass failed", zap.Error(err))
		} else if res.Archived+res.Deleted > 0 {
			s.Log.Info("retention pass", zap.Int("archived", res.Archived), zap.Int("deleted", res.Deleted))
		}
		select {
		case <-ctx.Done():
			s.Log.Info("retention sweeper stopped")
			return nil
		case <-tick.C:
		}
	}
}

func ids(events []model.Event) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.ID
	}
	return out
}
