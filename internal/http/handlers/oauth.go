package handlers

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/opsai/opsai-connect/internal/connectors/registry"
)

type oauthCallbackResponse struct {
	Success   bool       `json:"success"`
	TokenType string     `json:"tokenType"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

var errOAuthDisabled = registry.NewError(registry.CodeValidation, "oauth_disabled", "no oauth providers are configured")

// HandleOAuthConnect redirects the browser to the provider consent page.
func (h *Handlers) HandleOAuthConnect(c *echo.Context) error {
	if h.OAuth == nil {
		return h.RenderError(c, errOAuthDisabled)
	}
	url, _, err := h.OAuth.AuthorizationURL(c.Param("provider"), c.QueryParam("state"))
	if err != nil {
		return h.RenderError(c, err)
	}
	return c.Redirect(http.StatusFound, url)
}

// HandleOAuthCallback exchanges the authorization code. The state is single
// use whether or not the exchange succeeds.
func (h *Handlers) HandleOAuthCallback(c *echo.Context) error {
	if h.OAuth == nil {
		return h.RenderError(c, errOAuthDisabled)
	}
	if msg := c.QueryParam("error"); msg != "" {
		if desc := c.QueryParam("error_description"); desc != "" {
			msg += ": " + desc
		}
		return h.RenderError(c, registry.NewError(registry.CodeAuth, "authorization_denied", msg))
	}
	tok, err := h.OAuth.ExchangeCode(c.Request().Context(), c.Param("provider"), c.QueryParam("code"), c.QueryParam("state"))
	if err != nil {
		return h.RenderError(c, err)
	}
	out := oauthCallbackResponse{Success: true, TokenType: tok.Type()}
	if !tok.Expiry.IsZero() {
		expiry := tok.Expiry.UTC()
		out.ExpiresAt = &expiry
	}
	return c.JSON(http.StatusOK, out)
}
