// Package handlers contains HTTP handler logic split by domain.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/opsai/opsai-connect/internal/connectors/registry"
	"github.com/opsai/opsai-connect/internal/oauth"
	"github.com/opsai/opsai-connect/internal/store"
	"github.com/opsai/opsai-connect/internal/sync"
)

const (
	// ContextKeyRequestID stores the request id (X-Request-ID) for logging and client error references.
	ContextKeyRequestID = "request_id"

	// InternalErrorCode is a stable error code safe to return to clients.
	InternalErrorCode = "INTERNAL_ERROR"
	// NotFoundCode is returned for unknown resources.
	NotFoundCode = "NOT_FOUND"

	// HeaderTenantID scopes control surface requests to one tenant.
	HeaderTenantID = "X-Tenant-ID"

	defaultWebhookTimeout = 10 * time.Second
	maxWebhookBody        = 5 << 20
)

// Handlers groups all HTTP handlers and shared dependencies.
type Handlers struct {
	Sync  *sync.Service
	OAuth *oauth.Manager
	// WebhookTimeout bounds the intake of one webhook delivery.
	WebhookTimeout time.Duration
}

// ErrorBody is the JSON shape of every failed request.
type ErrorBody struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Code    string `json:"code"`
}

// HandleHealthz reports liveness.
func (h *Handlers) HandleHealthz(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"status": "ok"})
}

// RenderError maps err onto a status and a JSON body. Internal errors are
// logged with the request id and answered with a generic message.
func (h *Handlers) RenderError(c *echo.Context, err error) error {
	status, body := ErrorResponse(err)
	if status >= http.StatusInternalServerError {
		requestID, _ := c.Get(ContextKeyRequestID).(string)
		method, path := "", ""
		if req := c.Request(); req != nil {
			method = req.Method
			if req.URL != nil {
				path = req.URL.Path
			}
		}
		c.Logger().Error("http error",
			"request_id", requestID,
			"method", method,
			"path", path,
			"ip", c.RealIP(),
			"status", status,
			"error", err,
		)
		if body.Code == InternalErrorCode {
			body.Error = "Internal server error."
			if requestID != "" {
				body.Error += " Reference: " + requestID + "."
			}
		}
	}
	return c.JSON(status, body)
}

// ErrorResponse classifies err by the connector taxonomy.
func ErrorResponse(err error) (int, ErrorBody) {
	body := ErrorBody{Error: "Internal server error.", Code: InternalErrorCode}
	if err == nil {
		return http.StatusInternalServerError, body
	}

	if errors.Is(err, store.ErrNotFound) {
		body.Error, body.Code = "not found", NotFoundCode
		return http.StatusNotFound, body
	}

	var rerr *registry.Error
	if errors.As(err, &rerr) {
		body.Code = string(rerr.Code)
		body.Error = rerr.Message
		if body.Error == "" {
			body.Error = strings.ToLower(strings.ReplaceAll(string(rerr.Code), "_", " "))
		}
		return statusForCode(rerr.Code), body
	}

	if errors.Is(err, context.DeadlineExceeded) {
		body.Error, body.Code = "request timed out", string(registry.CodeSyncTimeout)
		return http.StatusGatewayTimeout, body
	}

	if status := httpStatusFromError(err); status != http.StatusInternalServerError {
		body.Error = http.StatusText(status)
		body.Code = strings.ToUpper(strings.ReplaceAll(http.StatusText(status), " ", "_"))
		if status == http.StatusNotFound {
			body.Code = NotFoundCode
		}
		return status, body
	}
	return http.StatusInternalServerError, body
}

func statusForCode(code registry.Code) int {
	switch code {
	case registry.CodeValidation:
		return http.StatusBadRequest
	case registry.CodeAuth, registry.CodeInvalidSignature:
		return http.StatusUnauthorized
	case registry.CodeRateLimit:
		return http.StatusTooManyRequests
	case registry.CodeSyncTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

type statusCoder interface {
	StatusCode() int
}

func httpStatusFromError(err error) int {
	var sc statusCoder
	if errors.As(err, &sc) {
		if code := sc.StatusCode(); code >= 400 && code <= 599 {
			return code
		}
	}
	var he *echo.HTTPError
	if errors.As(err, &he) && he.Code >= 400 && he.Code <= 599 {
		return he.Code
	}
	return http.StatusInternalServerError
}

// tenant returns the request tenant, or "" when the header is absent.
func tenant(c *echo.Context) string {
	return strings.TrimSpace(c.Request().Header.Get(HeaderTenantID))
}

func requireTenant(c *echo.Context) (string, error) {
	t := tenant(c)
	if t == "" {
		return "", registry.NewError(registry.CodeValidation, "missing_tenant", HeaderTenantID+" header is required")
	}
	return t, nil
}

// RequireTenant rejects control surface requests without a tenant header
// before any handler runs.
func (h *Handlers) RequireTenant(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c *echo.Context) error {
		if _, err := requireTenant(c); err != nil {
			return h.RenderError(c, err)
		}
		return next(c)
	}
}

// integration loads the :id integration. Integrations of another tenant are
// reported as not found.
func (h *Handlers) integration(c *echo.Context) (store.Integration, error) {
	t, err := requireTenant(c)
	if err != nil {
		return store.Integration{}, err
	}
	in, err := h.Sync.GetIntegration(c.Request().Context(), c.Param("id"))
	if err != nil {
		return store.Integration{}, err
	}
	if in.TenantID != t {
		return store.Integration{}, store.ErrNotFound
	}
	return in, nil
}
