// Package server is the HTTP boundary: envelope intake, history and memory queries,
// context packs, replay and the health probe.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mohammad-safakhou/satlog/config"
	"github.com/mohammad-safakhou/satlog/internal/contextpack"
	"github.com/mohammad-safakhou/satlog/internal/envelope"
	"github.com/mohammad-safakhou/satlog/internal/eventlog"
	"github.com/mohammad-safakhou/satlog/internal/memsync"
	"github.com/mohammad-safakhou/satlog/internal/projection"
	"github.com/mohammad-safakhou/satlog/internal/runtime"
	"github.com/mohammad-safakhou/satlog/internal/store"
)

// EventQuerier reads stored history.
type EventQuerier interface {
	QueryEvents(ctx context.Context, q store.EventQuery) ([]envelope.Record, error)
}

// Replayer rebuilds a workspace's derived state.
type Replayer interface {
	Replay(ctx context.Context, workspaceID string) (projection.ReplayResult, error)
}

// Deps are the collaborators the routes need. Health may be nil.
type Deps struct {
	Config    config.ServerConfig
	Events    EventQuerier
	Reader    projection.Reader
	Producer  eventlog.Producer
	Validator *envelope.Validator
	Replayer  Replayer
	Auth      *runtime.Authenticator
	Health    *HealthChecker
	Logger    *log.Logger
	Now       func() time.Time
}

// New builds the echo instance with every route mounted.
func New(d Deps) *echo.Echo {
	if d.Logger == nil {
		d.Logger = log.Default()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	d.Config = d.Config.Normalize()

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(requestMetrics())
	e.HTTPErrorHandler = errorHandler(d.Logger)

	e.GET("/health", d.Health.handle)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	h := &handlers{deps: d, assembler: contextpack.NewAssembler(d.Reader)}
	auth := d.Auth.EchoAuthMiddleware()
	e.POST("/events", h.postEvent, auth, runtime.RequireScopes(runtime.ScopeEventsWrite))
	e.GET("/events", h.listEvents, auth, runtime.RequireScopes(runtime.ScopeRead))
	e.GET("/memory/:workspace_id", h.memory, auth, runtime.RequireScopes(runtime.ScopeRead))
	e.GET("/context/:workspace_id", h.contextPack, auth, runtime.RequireScopes(runtime.ScopeRead))
	e.POST("/replay/:workspace_id", h.replay, auth, runtime.RequireScopes(runtime.ScopeReplay))
	return e
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func Run(ctx context.Context, e *echo.Echo, addr string, logger *log.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", addr)
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
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

func requestMetrics() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if err := next(c); err != nil {
				c.Error(err)
			}
			path := c.Path()
			if path == "" {
				path = "unmatched"
			}
			runtime.HTTPRequests.WithLabelValues(c.Request().Method, path, strconv.Itoa(c.Response().Status)).Inc()
			return nil
		}
	}
}

// errorHandler renders every error as {"error": ...} JSON and logs it.
func errorHandler(logger *log.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		body := map[string]interface{}{"error": err.Error()}

		var he *echo.HTTPError
		var verr *envelope.ValidationError
		switch {
		case errors.As(err, &he):
			code = he.Code
			body["error"] = fmt.Sprint(he.Message)
		case errors.As(err, &verr):
			code = http.StatusUnprocessableEntity
			body["error"] = verr.Error()
			body["reason"] = verr.Reason
			if verr.Field != "" {
				body["field"] = verr.Field
			}
		case errors.Is(err, projection.ErrReplayConflict), errors.Is(err, memsync.ErrSyncLocked):
			code = http.StatusConflict
		case errors.Is(err, contextpack.ErrInvalidLimit):
			code = http.StatusBadRequest
		case store.IsStorage(err):
			code = http.StatusServiceUnavailable
			body["error"] = "storage unavailable"
		}

		req := c.Request()
		if code >= http.StatusInternalServerError {
			logger.Error("request failed", "status", code, "method", req.Method, "path", req.URL.Path, "ip", c.RealIP(), "err", err)
		} else {
			logger.Debug("request rejected", "status", code, "method", req.Method, "path", req.URL.Path, "err", err)
		}
		if !c.Response().Committed {
			_ = c.JSON(code, body)
		}
	}
}
