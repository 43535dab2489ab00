package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmehdipour/outboxflow/internal/kafka"
	"github.com/jmehdipour/outboxflow/internal/metrics"
	"github.com/jmehdipour/outboxflow/internal/model"
	"github.com/jmehdipour/outboxflow/internal/repository"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// Source is the consumer side of the ingest topic.
type Source interface {
	Fetch(ctx context.Context) (kafka.Message, error)
	Commit(ctx context.Context, m kafka.Message) error
}

// Store is the outbox write path plus the lookup used to drop redeliveries.
type Store interface {
	Enqueue(ctx context.Context, tx *sqlx.Tx, ev model.Event) (string, error)
	Get(ctx context.Context, id string) (*model.Event, error)
}

// KafkaIngest fetches envelopes, enqueues them and commits the offset:
// - poison messages are committed and skipped,
// - store failures are retried in place so offsets never skip a message.
type KafkaIngest struct {
	Source Source
	Store  Store
	Log    *zap.Logger

	RetryWait time.Duration
}

func NewKafkaIngest(src Source, store Store, log *zap.Logger) *KafkaIngest {
	if log == nil {
		log = zap.NewNop()
	}
	return &KafkaIngest{Source: src, Store: store, Log: log, RetryWait: 500 * time.Millisecond}
}

// Run blocks until ctx is cancelled.
func (w *KafkaIngest) Run(ctx context.Context) error {
	w.Log.Info("kafka ingest started")
	for {
		m, err := w.Source.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				w.Log.Info("kafka ingest stopped")
				return nil
			}
			w.Log.Error("kafka fetch failed", zap.Error(err))
			if !sleep(ctx, w.RetryWait) {
				return nil
			}
			continue
		}
		if err := w.Handle(ctx, m); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// Handle stores one message and commits it. It only returns an error when
// ctx ends before the message could be stored or committed.
func (w *KafkaIngest) Handle(ctx context.Context, m kafka.Message) error {
	ev, err := decodeMessage(m)
	if err != nil {
		metrics.IngestTotal.WithLabelValues("kafka", "rejected").Inc()
		w.Log.Warn("poison message skipped",
			zap.String("topic", m.Topic), zap.Int("partition", m.Partition), zap.Int64("offset", m.Offset), zap.Error(err))
		return w.commit(ctx, m)
	}

	for {
		id, err := w.store(ctx, ev)
		if err == nil {
			metrics.IngestTotal.WithLabelValues("kafka", "ok").Inc()
			w.Log.Debug("event ingested", zap.String("id", id), zap.String("model", ev.Model), zap.String("action", ev.Action.String()))
			break
		}
		if errors.Is(err, model.ErrValidation) {
			metrics.IngestTotal.WithLabelValues("kafka", "rejected").Inc()
			w.Log.Warn("event rejected by store", zap.Int64("offset", m.Offset), zap.Error(err))
			break
		}
		metrics.IngestTotal.WithLabelValues("kafka", "error").Inc()
		w.Log.Error("enqueue failed, retrying", zap.Int64("offset", m.Offset), zap.Error(err))
		if !sleep(ctx, w.RetryWait) {
			return ctx.Err()
		}
	}
	return w.commit(ctx, m)
}

func (w *KafkaIngest) store(ctx context.Context, ev model.Event) (string, error) {
	if ev.ID != "" {
		existing, err := w.Store.Get(ctx, ev.ID)
		if err != nil {
			return "", err
		}
		if existing != nil {
			return ev.ID, nil
		}
	}
	id, err := w.Store.Enqueue(ctx, nil, ev)
	if errors.Is(err, repository.ErrDuplicateEvent) {
		return ev.ID, nil
	}
	return id, err
}

func (w *KafkaIngest) commit(ctx context.Context, m kafka.Message) error {
	for {
		err := w.Source.Commit(ctx, m)
		if err == nil {
			return nil
		}
		w.Log.Error("kafka commit failed", zap.Int64("offset", m.Offset), zap.Error(err))
		if !sleep(ctx, w.RetryWait) {
			return fmt.Errorf("commit offset %d: %w", m.Offset, ctx.Err())
		}
	}
}

func decodeMessage(m kafka.Message) (model.Event, error) {
	env, err := Decode(m.Value)
	if err != nil {
		return model.Event{}, err
	}
	return env.Event("kafka")
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
