package httpapp

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/opsai/opsai-connect/internal/http/handlers"
	"github.com/opsai/opsai-connect/internal/oauth"
	"github.com/opsai/opsai-connect/internal/sync"
)

// Options carries the dependencies of the HTTP surface.
type Options struct {
	Sync           *sync.Service
	OAuth          *oauth.Manager
	WebhookTimeout time.Duration
	Logger         *slog.Logger
}

// EchoServer is the HTTP server wrapper.
type EchoServer struct {
	h *handlers.Handlers
	e *echo.Echo
}

// NewEchoServer creates a new HTTP server.
func NewEchoServer(opts Options) (*EchoServer, error) {
	h := &handlers.Handlers{Sync: opts.Sync, OAuth: opts.OAuth, WebhookTimeout: opts.WebhookTimeout}
	e := echo.New()
	if opts.Logger != nil {
		e.Logger = opts.Logger
	} else {
		e.Logger = slog.Default()
	}
	es := &EchoServer{h: h, e: e}
	e.HTTPErrorHandler = es.httpErrorHandler
	es.registerRoutes()
	return es, nil
}

func (es *EchoServer) registerRoutes() {
	es.e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: uuid.NewString,
		RequestIDHandler: func(c *echo.Context, id string) {
			c.Set(handlers.ContextKeyRequestID, id)
		},
	}))
	es.e.Use(middleware.Recover())
	es.e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:    true,
		LogURIPath:   true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		HandleError:  true,
		LogValuesFunc: func(c *echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{
				"request_id", v.RequestID,
				"method", v.Method,
				"path", v.URIPath,
				"status", v.Status,
				"duration_ms", v.Latency.Milliseconds(),
			}
			if v.Error != nil {
				c.Logger().Warn("http request", append(attrs, "err", v.Error)...)
				return nil
			}
			c.Logger().Debug("http request", attrs...)
			return nil
		},
	}))

	es.e.GET("/healthz", es.h.HandleHealthz)

	// Provider facing routes are authenticated by signature or OAuth state.
	es.e.POST("/integrations/:provider/webhook", es.h.HandleReceiveWebhook)
	es.e.GET("/oauth/connect/:provider", es.h.HandleOAuthConnect)
	es.e.GET("/oauth/callback/:provider", es.h.HandleOAuthCallback)

	api := es.e.Group("/api/v1", es.h.RequireTenant)
	api.POST("/integrations", es.h.HandleCreateIntegration)
	api.GET("/integrations", es.h.HandleListIntegrations)
	api.GET("/integrations/:id", es.h.HandleGetIntegration)
	api.PUT("/integrations/:id", es.h.HandleUpdateIntegration)
	api.DELETE("/integrations/:id", es.h.HandleDeleteIntegration)
	api.PUT("/integrations/:id/status", es.h.HandleSetIntegrationStatus)
	api.POST("/integrations/:id/test", es.h.HandleTestConnection)
	api.POST("/integrations/:id/execute", es.h.HandleExecuteRequest)
	api.POST("/integrations/:id/sync-jobs", es.h.HandleCreateSyncJob)
	api.GET("/integrations/:id/sync-jobs", es.h.HandleListSyncJobs)
	api.GET("/integrations/:id/metrics", es.h.HandleIntegrationMetrics)
	api.GET("/integrations/:id/events", es.h.HandleIntegrationEvents)
	api.GET("/sync-jobs/:id", es.h.HandleGetSyncJob)
	api.POST("/sync-jobs/:id/cancel", es.h.HandleCancelSyncJob)
}

// httpErrorHandler answers router and middleware errors in the same JSON
// shape the handlers use.
func (es *EchoServer) httpErrorHandler(c *echo.Context, err error) {
	if r, _ := echo.UnwrapResponse(c.Response()); r != nil && r.Committed {
		return
	}
	if err := es.h.RenderError(c, err); err != nil {
		c.Logger().Error("write error response", "error", err)
	}
}

func httpStatusFromError(err error) int {
	status, _ := handlers.ErrorResponse(err)
	return status
}

// ServeHTTP lets the server be mounted in an http.Server or httptest.
func (es *EchoServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	es.e.ServeHTTP(w, r)
}

// Serve runs the HTTP server on addr until ctx is done, then shuts it down
// gracefully.
func (es *EchoServer) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           es.e,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		es.e.Logger.Info("http server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
