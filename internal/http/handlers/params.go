package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/opsai/opsai-connect/internal/connectors/registry"
)

const maxJSONBody = 1 << 20

// bindJSON decodes the request body into v. An empty body leaves v untouched.
func bindJSON(c *echo.Context, v any) error {
	dec := json.NewDecoder(io.LimitReader(c.Request().Body, maxJSONBody))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return registry.WrapError(registry.CodeValidation, "invalid_body", fmt.Errorf("decode request body: %w", err))
	}
	return nil
}

// parseLimitParam returns the positive "limit" query value, or 0.
func parseLimitParam(c *echo.Context) int {
	raw := strings.TrimSpace(c.QueryParam("limit"))
	if raw == "" {
		return 0
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0
	}
	return limit
}

// parseTimeParam accepts RFC 3339 timestamps and unix seconds.
func parseTimeParam(c *echo.Context, name string) (time.Time, error) {
	raw := strings.TrimSpace(c.QueryParam(name))
	if raw == "" {
		return time.Time{}, nil
	}
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, registry.NewError(registry.CodeValidation, "invalid_time", fmt.Sprintf("%s must be RFC 3339 or unix seconds", name))
	}
	return t, nil
}
