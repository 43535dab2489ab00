package http

import (
	"net/http"

	"github.com/jmehdipour/outboxflow/internal/registry"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

type specSummary struct {
	Name      string `json:"name"`
	ActorMode string `json:"actorMode"`
	Triggers  int    `json:"triggers"`
	Steps     int    `json:"steps"`
}

func listSpecsHandler(reg registry.Registry, log *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		names, err := reg.Names(ctx)
		if err != nil {
			log.Error("registry names failed", zap.Error(err))
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "registry error"})
		}
		out := make([]specSummary, 0, len(names))
		for _, name := range names {
			spec, err := reg.Get(ctx, name)
			if err != nil {
				log.Error("registry get failed", zap.String("spec", name), zap.Error(err))
				return c.JSON(http.StatusInternalServerError, map[string]string{"error": "registry error"})
			}
			if spec == nil {
				continue
			}
			out = append(out, specSummary{
				Name:      spec.Name,
				ActorMode: string(spec.ActorMode),
				Triggers:  len(spec.Triggers),
				Steps:     len(spec.Steps),
			})
		}
		return c.JSON(http.StatusOK, map[string]any{"specs": out})
	}
}
