package handlers

import (
	"net/http"

	"github.com/labstack/echo/v5"
	"github.com/opsai/opsai-connect/internal/store"
	"github.com/opsai/opsai-connect/internal/sync"
)

// HandleCreateSyncJob queues a sync. The job runs on a worker, never inline.
func (h *Handlers) HandleCreateSyncJob(c *echo.Context) error {
	in, err := h.integration(c)
	if err != nil {
		return h.RenderError(c, err)
	}
	var opts sync.JobOptions
	if err := bindJSON(c, &opts); err != nil {
		return h.RenderError(c, err)
	}
	if opts.Metadata == nil {
		opts.Metadata = map[string]any{}
	}
	if _, ok := opts.Metadata["trigger"]; !ok {
		opts.Metadata["trigger"] = "manual"
	}
	job, err := h.Sync.CreateSyncJob(c.Request().Context(), in.ID, opts)
	if err != nil {
		return h.RenderError(c, err)
	}
	return c.JSON(http.StatusAccepted, job)
}

// HandleListSyncJobs returns the newest jobs first.
func (h *Handlers) HandleListSyncJobs(c *echo.Context) error {
	in, err := h.integration(c)
	if err != nil {
		return h.RenderError(c, err)
	}
	jobs, err := h.Sync.GetSyncJobHistory(c.Request().Context(), in.ID, parseLimitParam(c))
	if err != nil {
		return h.RenderError(c, err)
	}
	if jobs == nil {
		jobs = []store.SyncJob{}
	}
	return c.JSON(http.StatusOK, map[string]any{"jobs": jobs})
}

func (h *Handlers) HandleGetSyncJob(c *echo.Context) error {
	job, err := h.syncJob(c)
	if err != nil {
		return h.RenderError(c, err)
	}
	return c.JSON(http.StatusOK, job)
}

func (h *Handlers) HandleCancelSyncJob(c *echo.Context) error {
	job, err := h.syncJob(c)
	if err != nil {
		return h.RenderError(c, err)
	}
	cancelled, err := h.Sync.CancelSyncJob(c.Request().Context(), job.ID)
	if err != nil {
		return h.RenderError(c, err)
	}
	return c.JSON(http.StatusOK, cancelled)
}

// HandleIntegrationMetrics aggregates jobs between the from and to query
// parameters, defaulting to the last 24 hours.
func (h *Handlers) HandleIntegrationMetrics(c *echo.Context) error {
	in, err := h.integration(c)
	if err != nil {
		return h.RenderError(c, err)
	}
	from, err := parseTimeParam(c, "from")
	if err != nil {
		return h.RenderError(c, err)
	}
	to, err := parseTimeParam(c, "to")
	if err != nil {
		return h.RenderError(c, err)
	}
	m, err := h.Sync.GetIntegrationMetrics(c.Request().Context(), in.ID, sync.TimeRange{From: from, To: to})
	if err != nil {
		return h.RenderError(c, err)
	}
	return c.JSON(http.StatusOK, m)
}

// syncJob loads the :id job. Jobs of another tenant's integration are
// reported as not found.
func (h *Handlers) syncJob(c *echo.Context) (store.SyncJob, error) {
	t, err := requireTenant(c)
	if err != nil {
		return store.SyncJob{}, err
	}
	ctx := c.Request().Context()
	job, err := h.Sync.GetSyncJob(ctx, c.Param("id"))
	if err != nil {
		return store.SyncJob{}, err
	}
	in, err := h.Sync.GetIntegration(ctx, job.IntegrationID)
	if err != nil {
		return store.SyncJob{}, err
	}
	if in.TenantID != t {
		return store.SyncJob{}, store.ErrNotFound
	}
	return job, nil
}
