package handlers

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v5"
	"github.com/opsai/opsai-connect/internal/connectors/registry"
	"github.com/opsai/opsai-connect/internal/store"
	"github.com/opsai/opsai-connect/internal/sync"
)

type statusRequest struct {
	Status store.IntegrationStatus `json:"status"`
}

type executeRequest struct {
	Endpoint string `json:"endpoint"`
	Method   string `json:"method"`
	Data     any    `json:"data"`
}

type executeResponse struct {
	Success bool `json:"success"`
	Status  int  `json:"status"`
	Data    any  `json:"data,omitempty"`
}

// HandleCreateIntegration creates an integration for the request tenant.
func (h *Handlers) HandleCreateIntegration(c *echo.Context) error {
	tenantID, err := requireTenant(c)
	if err != nil {
		return h.RenderError(c, err)
	}
	var input sync.IntegrationInput
	if err := bindJSON(c, &input); err != nil {
		return h.RenderError(c, err)
	}
	in, err := h.Sync.CreateIntegration(c.Request().Context(), tenantID, input)
	if err != nil {
		return h.RenderError(c, err)
	}
	return c.JSON(http.StatusCreated, in)
}

// HandleListIntegrations lists the integrations of the request tenant.
func (h *Handlers) HandleListIntegrations(c *echo.Context) error {
	tenantID, err := requireTenant(c)
	if err != nil {
		return h.RenderError(c, err)
	}
	items, err := h.Sync.ListIntegrations(c.Request().Context(), tenantID)
	if err != nil {
		return h.RenderError(c, err)
	}
	if provider := strings.ToLower(strings.TrimSpace(c.QueryParam("provider"))); provider != "" {
		filtered := items[:0]
		for _, in := range items {
			if in.Provider == provider {
				filtered = append(filtered, in)
			}
		}
		items = filtered
	}
	if items == nil {
		items = []store.Integration{}
	}
	return c.JSON(http.StatusOK, map[string]any{"integrations": items})
}

func (h *Handlers) HandleGetIntegration(c *echo.Context) error {
	in, err := h.integration(c)
	if err != nil {
		return h.RenderError(c, err)
	}
	return c.JSON(http.StatusOK, in)
}

func (h *Handlers) HandleUpdateIntegration(c *echo.Context) error {
	in, err := h.integration(c)
	if err != nil {
		return h.RenderError(c, err)
	}
	var input sync.IntegrationInput
	if err := bindJSON(c, &input); err != nil {
		return h.RenderError(c, err)
	}
	updated, err := h.Sync.UpdateIntegration(c.Request().Context(), in.ID, input)
	if err != nil {
		return h.RenderError(c, err)
	}
	return c.JSON(http.StatusOK, updated)
}

// HandleSetIntegrationStatus enables or disables an integration.
func (h *Handlers) HandleSetIntegrationStatus(c *echo.Context) error {
	in, err := h.integration(c)
	if err != nil {
		return h.RenderError(c, err)
	}
	var req statusRequest
	if err := bindJSON(c, &req); err != nil {
		return h.RenderError(c, err)
	}
	updated, err := h.Sync.SetIntegrationStatus(c.Request().Context(), in.ID, req.Status)
	if err != nil {
		return h.RenderError(c, err)
	}
	return c.JSON(http.StatusOK, updated)
}

func (h *Handlers) HandleDeleteIntegration(c *echo.Context) error {
	in, err := h.integration(c)
	if err != nil {
		return h.RenderError(c, err)
	}
	if err := h.Sync.DeleteIntegration(c.Request().Context(), in.ID); err != nil {
		return h.RenderError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// HandleTestConnection always answers 200; the result describes failures.
func (h *Handlers) HandleTestConnection(c *echo.Context) error {
	in, err := h.integration(c)
	if err != nil {
		return h.RenderError(c, err)
	}
	return c.JSON(http.StatusOK, h.Sync.TestConnection(c.Request().Context(), in.ID))
}

// HandleExecuteRequest proxies one call through the integration's connector.
func (h *Handlers) HandleExecuteRequest(c *echo.Context) error {
	in, err := h.integration(c)
	if err != nil {
		return h.RenderError(c, err)
	}
	var req executeRequest
	if err := bindJSON(c, &req); err != nil {
		return h.RenderError(c, err)
	}
	if strings.TrimSpace(req.Endpoint) == "" {
		return h.RenderError(c, registry.NewError(registry.CodeValidation, "invalid_input", "endpoint is required"))
	}
	resp, err := h.Sync.ExecuteRequest(c.Request().Context(), in.ID, req.Endpoint, req.Method, req.Data)
	if err != nil {
		return h.RenderError(c, err)
	}
	out := executeResponse{Success: resp.Success, Status: resp.Status}
	if len(resp.Data) > 0 {
		out.Data = resp.Data
	}
	return c.JSON(http.StatusOK, out)
}
