package http

import (
	"context"
	"net/http"

	"github.com/jmehdipour/outboxflow/internal/config"
	"github.com/jmehdipour/outboxflow/internal/http/middleware"
	"github.com/jmehdipour/outboxflow/internal/model"
	"github.com/jmehdipour/outboxflow/internal/registry"
	"github.com/jmoiron/sqlx"
	"github.com/labstack/echo/v4"
	echoMid "github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// EventStore is the outbox surface the API exposes.
type EventStore interface {
	Enqueue(ctx context.Context, tx *sqlx.Tx, ev model.Event) (string, error)
	Get(ctx context.Context, id string) (*model.Event, error)
}

type Deps struct {
	Events   EventStore
	Registry registry.Registry
	Redis    *redis.Client // optional; rate limiting is off without it
	Log      *zap.Logger
}

type Server struct {
	e   *echo.Echo
	log *zap.Logger
}

func NewServer(cfg config.HTTPConfig, deps Deps) *Server {
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Logger.SetLevel(log.WARN)
	e.Use(echoMid.Recover(), requestLogger(deps.Log))

	// metrics are registered by the command that owns the process
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// health
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })

	// middlewares
	authMW := middleware.APIKeyMiddleware(cfg.APIKeys)
	rlMW := middleware.RateLimitMiddleware(middleware.RateLimitConfig{
		Redis:          limiterRedis(cfg.RateLimit, deps.Redis),
		Limit:          cfg.RateLimit.Limit,
		Window:         cfg.RateLimit.Window,
		RetryAfterHint: true,
	})

	// routes
	v1 := e.Group("/v1", authMW, rlMW)
	v1.POST("/events", createEventHandler(deps.Events, deps.Log))
	v1.GET("/events/:id", getEventHandler(deps.Events, deps.Log))
	v1.GET("/specs", listSpecsHandler(deps.Registry, deps.Log))

	return &Server{e: e, log: deps.Log}
}

func limiterRedis(cfg config.RateLimitConfig, rdb *redis.Client) *redis.Client {
	if !cfg.Enabled {
		return nil
	}
	return rdb
}

func (s *Server) Handler() http.Handler { return s.e }

func (s *Server) Start(addr string) error {
	s.log.Info("http listening", zap.String("addr", addr))
	return s.e.Start(addr)
}

func (s *Server) Shutdown(ctx context.Context) error { return s.e.Shutdown(ctx) }

func requestLogger(l *zap.Logger) echo.MiddlewareFunc {
	return echoMid.RequestLoggerWithConfig(echoMid.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogRemoteIP: true,
		LogError:    true,
		HandleError: true,

		LogValuesFunc: func(_ echo.Context, v echoMid.RequestLoggerValues) error {
			fields := []zap.Field{
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
				zap.String("remote_ip", v.RemoteIP),
			}
			if v.Error != nil {
				l.Warn("http request", append(fields, zap.Error(v.Error))...)
				return nil
			}
			l.Debug("http request", fields...)
			return nil
		},
	})
}
