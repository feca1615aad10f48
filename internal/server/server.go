// Package server exposes the goal engine over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/mohammad-safakhou/voiceplanner/internal/engine"
	"github.com/mohammad-safakhou/voiceplanner/internal/queue/streams"
)

// GoalPublisher enqueues goals for the worker.
type GoalPublisher interface {
	PublishRaw(ctx context.Context, stream, eventType, version string, payload interface{}, opts ...streams.PublishOption) (string, error)
}

var _ GoalPublisher = (*streams.Publisher)(nil)

// Options wires the HTTP surface.
type Options struct {
	Engine *engine.Engine
	// Publisher enables POST /api/goals/async. Nil disables it.
	Publisher  GoalPublisher
	GoalStream string
	// MaxLen caps the goal stream approximately. Zero leaves it unbounded.
	MaxLen int64
	// Secret enables JWT auth with per-route scopes. Nil serves the API unauthenticated.
	Secret  []byte
	Metrics http.Handler
	Logger  *log.Logger
}

// New builds the echo instance with every route registered.
func New(opts Options) *echo.Echo {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		var he *echo.HTTPError
		if errors.As(err, &he) {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		logger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	if opts.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(opts.Metrics))
	}

	api := e.Group("/api")
	goals := &GoalsHandler{Engine: opts.Engine, Publisher: opts.Publisher, Stream: opts.GoalStream, MaxLen: opts.MaxLen, Logger: logger}
	goals.Register(api, opts.Secret)
	runs := &RunsHandler{Engine: opts.Engine}
	runs.Register(api, opts.Secret)
	return e
}

// Run serves e on addr until ctx is cancelled, then drains in-flight requests.
func Run(ctx context.Context, e *echo.Echo, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		log.Printf("[HTTP] listening on %s", addr)
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}
