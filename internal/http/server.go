package http

import (
	"context"
	"net/http"

	"github.com/jmehdipour/onboarding/internal/config"
	"github.com/jmehdipour/onboarding/internal/http/middleware"
	"github.com/jmehdipour/onboarding/internal/logger"
	"github.com/jmehdipour/onboarding/internal/repository"
	"github.com/labstack/echo/v4"
	echoMid "github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Deps are the collaborators of the HTTP server. Events and Redis are
// optional.
type Deps struct {
	Users    UsersAPI
	Events   repository.CHUserEventsRepository
	Redis    *redis.Client
	Gatherer prometheus.Gatherer
	Log      *zap.Logger
}

type Server struct {
	e   *echo.Echo
	log *zap.Logger
}

func NewServer(cfg config.Config, d Deps) *Server {
	l := logger.OrNop(d.Log)

	// echo
	e := echo.New()
	e.HideBanner = true
	e.Logger.SetLevel(echoLogLevel(cfg.Log.Level))
	e.Validator = requestValidator{}
	e.HTTPErrorHandler = errorHandler(e)
	e.Use(echoMid.Recover(), echoMid.RequestID(), accessLog(l))

	gatherer := d.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	// health
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })

	// middlewares
	rl := func(prefix string) echo.MiddlewareFunc {
		return middleware.RateLimitMiddleware(middleware.RateLimitConfig{
			Redis:          d.Redis,
			Limit:          cfg.RateLimit.Limit,
			KeyPrefix:      prefix,
			Window:         cfg.RateLimit.Window,
			RetryAfterHint: true,
		})
	}
	adminMW := middleware.AdminKeyMiddleware(cfg.HTTP.AdminAPIKeys)

	// routes
	v1 := e.Group("/v1")
	v1.POST("/users/register", registerHandler(d.Users), rl("rl:register:"))
	v1.POST("/users/verify", verifyHandler(d.Users), rl("rl:verify:"))

	v1.POST("/users/sync", syncHandler(d.Users), adminMW)
	if d.Events != nil {
		v1.GET("/users/:id/events", listUserEventsHandler(d.Events), adminMW)
	}

	return &Server{e: e, log: l}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.e }

func (s *Server) Start(addr string) error {
	s.log.Info("http: listening", zap.String("addr", addr))
	return s.e.Start(addr)
}

func (s *Server) Shutdown(ctx context.Context) error { return s.e.Shutdown(ctx) }

func echoLogLevel(level string) log.Lvl {
	switch level {
	case "debug":
		return log.DEBUG
	case "warn":
		return log.WARN
	case "error":
		return log.ERROR
	default:
		return log.INFO
	}
}

func accessLog(l *zap.Logger) echo.MiddlewareFunc {
	return echoMid.RequestLoggerWithConfig(echoMid.RequestLoggerConfig{
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogRemoteIP:  true,
		LogValuesFunc: func(_ echo.Context, v echoMid.RequestLoggerValues) error {
			l.Info("http request",
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
				zap.String("request_id", v.RequestID),
				zap.String("remote_ip", v.RemoteIP),
			)
			return nil
		},
	})
}
