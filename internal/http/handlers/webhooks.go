package handlers

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/labstack/echo/v5"
	"github.com/opsai/opsai-connect/internal/connectors/registry"
	"github.com/opsai/opsai-connect/internal/connectors/webhook"
	"golang.org/x/net/websocket"
)

// HeaderHubSignature is the GitHub style signature header, preferred over
// webhook.HeaderSignature when both are present.
const HeaderHubSignature = "X-Hub-Signature-256"

// HandleReceiveWebhook accepts a provider delivery. The response only means
// the event was verified and queued; processing happens in the background.
func (h *Handlers) HandleReceiveWebhook(c *echo.Context) error {
	req := c.Request()
	payload, err := io.ReadAll(io.LimitReader(req.Body, maxWebhookBody+1))
	if err != nil {
		return h.RenderError(c, registry.WrapError(registry.CodeValidation, "invalid_body", fmt.Errorf("read webhook body: %w", err)))
	}
	if len(payload) > maxWebhookBody {
		return h.RenderError(c, registry.NewError(registry.CodeValidation, "payload_too_large", "webhook payload is too large"))
	}

	signature := req.Header.Get(HeaderHubSignature)
	if signature == "" {
		signature = req.Header.Get(webhook.HeaderSignature)
	}

	timeout := h.WebhookTimeout
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	ctx, cancel := context.WithTimeout(req.Context(), timeout)
	defer cancel()

	events, err := h.Sync.ReceiveWebhook(ctx, c.Param("provider"), payload, req.Header, signature)
	if err != nil {
		return h.RenderError(c, err)
	}
	ids := make([]string, 0, len(events))
	for _, ev := range events {
		ids = append(ids, ev.ID)
	}
	return c.JSON(http.StatusAccepted, map[string]any{"success": true, "accepted": len(ids), "eventIds": ids})
}

// HandleIntegrationEvents upgrades to a WebSocket that receives every event
// processed by the integration's webhook connector.
func (h *Handlers) HandleIntegrationEvents(c *echo.Context) error {
	in, err := h.integration(c)
	if err != nil {
		return h.RenderError(c, err)
	}
	hub, err := h.Sync.EventHub(c.Request().Context(), in.ID)
	if err != nil {
		return h.RenderError(c, err)
	}
	websocket.Handler(hub.Serve).ServeHTTP(c.Response(), c.Request())
	return nil
}
