package http

import (
	"errors"
	"io"
	"net/http"

	"github.com/jmehdipour/outboxflow/internal/ingest"
	"github.com/jmehdipour/outboxflow/internal/metrics"
	"github.com/jmehdipour/outboxflow/internal/model"
	"github.com/jmehdipour/outboxflow/internal/repository"
	"github.com/jmehdipour/outboxflow/internal/util"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

const maxEnvelopeBytes = 1 << 20

// createEventHandler accepts an ingest envelope and enqueues it as pending.
func createEventHandler(events EventStore, log *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxEnvelopeBytes+1))
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad request"})
		}
		if len(body) > maxEnvelopeBytes {
			return c.JSON(http.StatusRequestEntityTooLarge, map[string]string{"error": "envelope too large"})
		}

		env, err := ingest.Decode(body)
		if err != nil {
			metrics.IngestTotal.WithLabelValues("http", "rejected").Inc()
			return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
		}
		ev, err := env.Event("http")
		if err != nil {
			metrics.IngestTotal.WithLabelValues("http", "rejected").Inc()
			return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
		}

		ctx := c.Request().Context()
		if ev.ID != "" {
			existing, err := events.Get(ctx, ev.ID)
			if err != nil {
				log.Error("event lookup failed", zap.String("id", ev.ID), zap.Error(err))
				return c.JSON(http.StatusInternalServerError, map[string]string{"error": "db error"})
			}
			if existing != nil {
				return c.JSON(http.StatusOK, map[string]any{"enqueued": false, "id": ev.ID})
			}
		}

		id, err := events.Enqueue(ctx, nil, ev)
		if errors.Is(err, repository.ErrDuplicateEvent) {
			// a concurrent delivery of the same envelope won the insert
			return c.JSON(http.StatusOK, map[string]any{"enqueued": false, "id": ev.ID})
		}
		if err != nil {
			metrics.IngestTotal.WithLabelValues("http", "error").Inc()
			if errors.Is(err, model.ErrValidation) {
				return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
			}
			log.Error("enqueue failed", zap.Error(err))
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "db error"})
		}
		metrics.IngestTotal.WithLabelValues("http", "ok").Inc()

		return c.JSON(http.StatusAccepted, map[string]any{"enqueued": true, "id": id})
	}
}

func getEventHandler(events EventStore, log *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := c.Param("id")
		if !util.ValidID(id) {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid id"})
		}
		ev, err := events.Get(c.Request().Context(), id)
		if err != nil {
			log.Error("event lookup failed", zap.String("id", id), zap.Error(err))
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "db error"})
		}
		if ev == nil {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "not found"})
		}
		return c.JSON(http.StatusOK, ev)
	}
}
