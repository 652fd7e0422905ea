// Package sync owns integrations and their sync jobs: the control surface,
// the job state machine, the worker pool and cron-triggered syncs.
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	gosync "sync"
	"time"

	"github.com/opsai/opsai-connect/internal/connectors/airbyte"
	"github.com/opsai/opsai-connect/internal/connectors/registry"
	"github.com/opsai/opsai-connect/internal/connectors/webhook"
	"github.com/opsai/opsai-connect/internal/queue"
	"github.com/opsai/opsai-connect/internal/store"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
	defaultMetricsRange = 24 * time.Hour
)

var (
	ErrJobFinished    = registry.NewError(registry.CodeValidation, "job_finished", "sync job has already finished")
	ErrIntegrationOff = registry.NewError(registry.CodeValidation, "integration_disabled", "integration is disabled")
	ErrNotWebhook     = registry.NewError(registry.CodeValidation, "not_webhook", "integration does not receive webhooks")
)

// Fallback runs the managed replication procedure.
type Fallback interface {
	Sync(ctx context.Context, req airbyte.SyncRequest) (airbyte.Result, error)
}

type webhookReceiver interface {
	ReceiveWebhook(ctx context.Context, payload []byte, headers http.Header, signature string) (store.WebhookEvent, error)
	Hub() *webhook.Hub
}

type Options struct {
	Store    store.Store
	Queue    queue.Queue
	Factory  *registry.Factory
	Registry *registry.Registry
	// Fallback may be nil, in which case failed direct syncs fail the job.
	Fallback Fallback
	Reporter registry.Reporter
	Logger   *slog.Logger
}

// Service is the control surface over integrations and sync jobs. It owns the
// live connector registry.
type Service struct {
	store    store.Store
	queue    queue.Queue
	factory  *registry.Factory
	registry *registry.Registry
	fallback Fallback
	reporter registry.Reporter
	logger   *slog.Logger
	now      func() time.Time

	mu        gosync.Mutex
	schedules *CronScheduler
}

func NewService(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, errors.New("sync service store is nil")
	}
	if opts.Queue == nil {
		return nil, errors.New("sync service queue is nil")
	}
	if opts.Factory == nil {
		return nil, errors.New("sync service connector factory is nil")
	}
	s := &Service{
		store:    opts.Store,
		queue:    opts.Queue,
		factory:  opts.Factory,
		registry: opts.Registry,
		fallback: opts.Fallback,
		reporter: opts.Reporter,
		logger:   opts.Logger,
		now:      time.Now,
	}
	if s.registry == nil {
		s.registry = registry.NewRegistry()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s, nil
}

// Registry exposes the live connectors, for shutdown.
func (s *Service) Registry() *registry.Registry { return s.registry }

func (s *Service) setSchedules(c *CronScheduler) {
	s.mu.Lock()
	s.schedules = c
	s.mu.Unlock()
}

func (s *Service) scheduleChanged(in store.Integration, deleted bool) {
	s.mu.Lock()
	c := s.schedules
	s.mu.Unlock()
	if c == nil {
		return
	}
	if deleted {
		c.Remove(in.ID)
		return
	}
	if err := c.Upsert(in); err != nil {
		s.logger.Warn("update integration schedule failed", "integration_id", in.ID, "err", err)
	}
}

func (s *Service) CreateIntegration(ctx context.Context, tenantID string, input IntegrationInput) (store.Integration, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return store.Integration{}, registry.NewError(registry.CodeValidation, "invalid_input", "tenant id is required")
	}
	input, err := input.normalize(s.factory)
	if err != nil {
		return store.Integration{}, err
	}
	raw, err := json.Marshal(input.Spec)
	if err != nil {
		return store.Integration{}, fmt.Errorf("encode integration config: %w", err)
	}
	in, err := s.store.CreateIntegration(ctx, store.Integration{
		TenantID: tenantID,
		Name:     input.Name,
		Provider: input.Provider,
		Type:     input.Type,
		Config:   raw,
		Status:   store.IntegrationActive,
	})
	if err != nil {
		return store.Integration{}, fmt.Errorf("create integration: %w", err)
	}
	s.logger.Info("integration created", "integration_id", in.ID, "tenant_id", tenantID, "provider", in.Provider, "kind", in.Type)
	s.scheduleChanged(in, false)
	return in, nil
}

// UpdateIntegration replaces the integration's config. The live connector is
// disposed so the next use builds one from the new config.
func (s *Service) UpdateIntegration(ctx context.Context, id string, input IntegrationInput) (store.Integration, error) {
	current, err := s.store.GetIntegration(ctx, id)
	if err != nil {
		return store.Integration{}, err
	}
	input, err = input.normalize(s.factory)
	if err != nil {
		return store.Integration{}, err
	}
	raw, err := json.Marshal(input.Spec)
	if err != nil {
		return store.Integration{}, fmt.Errorf("encode integration config: %w", err)
	}

	current.Name = input.Name
	current.Provider = input.Provider
	current.Type = input.Type
	current.Config = raw
	if current.Status == store.IntegrationError {
		current.Status = store.IntegrationActive
		current.LastError = ""
	}
	updated, err := s.store.UpdateIntegration(ctx, current)
	if err != nil {
		return store.Integration{}, fmt.Errorf("update integration: %w", err)
	}
	s.disposeConnector(ctx, id)
	s.scheduleChanged(updated, false)
	return updated, nil
}

// SetIntegrationStatus enables or disables an integration.
func (s *Service) SetIntegrationStatus(ctx context.Context, id string, status store.IntegrationStatus) (store.Integration, error) {
	in, err := s.store.GetIntegration(ctx, id)
	if err != nil {
		return store.Integration{}, err
	}
	switch status {
	case store.IntegrationActive, store.IntegrationDisabled:
	default:
		return store.Integration{}, registry.NewError(registry.CodeValidation, "invalid_status", fmt.Sprintf("status %q cannot be set", status))
	}
	in.Status = status
	in.LastError = ""
	updated, err := s.store.UpdateIntegration(ctx, in)
	if err != nil {
		return store.Integration{}, err
	}
	if status == store.IntegrationDisabled {
		s.disposeConnector(ctx, id)
	}
	s.scheduleChanged(updated, false)
	return updated, nil
}

// DeleteIntegration deletes the record, then disposes the live connector.
// A connector initializing concurrently finds the record gone and is not
// kept.
func (s *Service) DeleteIntegration(ctx context.Context, id string) error {
	in, err := s.store.GetIntegration(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.DeleteIntegration(ctx, id); err != nil {
		return err
	}
	s.disposeConnector(ctx, id)
	s.scheduleChanged(in, true)
	s.logger.Info("integration deleted", "integration_id", id)
	return nil
}

func (s *Service) GetIntegration(ctx context.Context, id string) (store.Integration, error) {
	return s.store.GetIntegration(ctx, id)
}

func (s *Service) ListIntegrations(ctx context.Context, tenantID string) ([]store.Integration, error) {
	return s.store.ListIntegrations(ctx, tenantID)
}

// maxConnectorAttempts bounds retries when an update or delete lands while a
// connector is initializing.
const maxConnectorAttempts = 3

func (s *Service) disposeConnector(ctx context.Context, id string) {
	if err := s.registry.Remove(ctx, id); err != nil {
		s.logger.Warn("dispose connector failed", "integration_id", id, "err", err)
	}
}

// connector returns the live connector of in, building and initializing it
// on first use. The connector is always built from the stored record, not
// from the caller's copy, so a stale snapshot cannot bring back an old config
// or a deleted integration.
func (s *Service) connector(ctx context.Context, in store.Integration) (registry.Connector, IntegrationSpec, error) {
	spec, err := ParseSpec(in.Config)
	if err != nil {
		return nil, IntegrationSpec{}, err
	}
	if in.Status == store.IntegrationDisabled {
		return nil, spec, ErrIntegrationOff
	}
	for attempt := 1; ; attempt++ {
		conn, err := s.registry.GetOrCreate(ctx, in.ID, func(ctx context.Context) (registry.Connector, error) {
			return s.buildConnector(ctx, in.ID)
		})
		if errors.Is(err, registry.ErrReplaced) && attempt < maxConnectorAttempts {
			continue
		}
		return conn, spec, err
	}
}

func (s *Service) buildConnector(ctx context.Context, id string) (registry.Connector, error) {
	current, err := s.store.GetIntegration(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status == store.IntegrationDisabled {
		return nil, ErrIntegrationOff
	}
	spec, err := ParseSpec(current.Config)
	if err != nil {
		return nil, err
	}
	return s.factory.New(registry.Target{
		IntegrationID: current.ID,
		TenantID:      current.TenantID,
		Provider:      current.Provider,
		Config:        spec.Connector,
	})
}

// ConnectionTestResult never carries a Go error; failures are described in
// Error and Code.
type ConnectionTestResult struct {
	Success   bool          `json:"success"`
	Error     string        `json:"error,omitempty"`
	Code      registry.Code `json:"code,omitempty"`
	LatencyMs int64         `json:"latencyMs"`
	TestedAt  time.Time     `json:"testedAt"`
}

// TestConnection checks reachability and records the result on the
// integration status. It never returns an error.
func (s *Service) TestConnection(ctx context.Context, id string) ConnectionTestResult {
	start := s.now()
	res := ConnectionTestResult{TestedAt: start.UTC()}
	fail := func(err error) ConnectionTestResult {
		res.Success = false
		res.Code = registry.CodeOf(err)
		res.Error = publicMessage(err)
		res.LatencyMs = s.now().Sub(start).Milliseconds()
		return res
	}

	in, err := s.store.GetIntegration(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			res.Code = registry.CodeValidation
			res.Error = "integration not found"
			return res
		}
		return fail(err)
	}

	ok, err := s.testConnector(ctx, in)
	if err == nil && !ok {
		err = registry.NewError(registry.CodeConnector, "check_failed", "connection check did not pass")
	}
	if err != nil {
		res = fail(err)
	} else {
		res.Success = true
		res.LatencyMs = s.now().Sub(start).Milliseconds()
	}

	if in.Status != store.IntegrationDisabled {
		next := in
		if res.Success {
			next.Status, next.LastError = store.IntegrationActive, ""
		} else {
			next.Status, next.LastError = store.IntegrationError, res.Error
		}
		if next.Status != in.Status || next.LastError != in.LastError {
			if _, uerr := s.store.UpdateIntegration(ctx, next); uerr != nil {
				s.logger.Warn("record connection test failed", "integration_id", id, "err", uerr)
			}
		}
	}
	return res
}

func (s *Service) testConnector(ctx context.Context, in store.Integration) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok, err = false, fmt.Errorf("connection test panic: %v", r)
		}
	}()
	conn, _, err := s.connector(ctx, in)
	if err != nil {
		return false, err
	}
	return conn.TestConnection(ctx)
}

// ExecuteRequest performs one ad-hoc call through the integration's connector.
func (s *Service) ExecuteRequest(ctx context.Context, id, endpoint, method string, data any) (*registry.Response, error) {
	in, err := s.store.GetIntegration(ctx, id)
	if err != nil {
		return nil, err
	}
	conn, _, err := s.connector(ctx, in)
	if err != nil {
		return nil, err
	}
	return conn.ExecuteRequest(ctx, registry.Request{Endpoint: endpoint, Method: method, Data: data})
}

type JobOptions struct {
	ScheduledFor time.Time      `json:"scheduledFor,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	// DedupeKey makes creation idempotent per integration: a second job with
	// the same key fails with store.ErrDuplicate.
	DedupeKey string `json:"-"`
}

// CreateSyncJob records a pending job and enqueues it. It never runs the job
// inline.
func (s *Service) CreateSyncJob(ctx context.Context, integrationID string, opts JobOptions) (store.SyncJob, error) {
	in, err := s.store.GetIntegration(ctx, integrationID)
	if err != nil {
		return store.SyncJob{}, err
	}
	if in.Status == store.IntegrationDisabled {
		return store.SyncJob{}, ErrIntegrationOff
	}
	scheduled := opts.ScheduledFor
	if scheduled.IsZero() {
		scheduled = s.now()
	}
	job, err := s.store.CreateSyncJob(ctx, store.SyncJob{
		IntegrationID: integrationID,
		Status:        store.JobPending,
		Metadata:      opts.Metadata,
		DedupeKey:     opts.DedupeKey,
		ScheduledFor:  scheduled.UTC(),
	})
	if err != nil {
		return store.SyncJob{}, fmt.Errorf("create sync job: %w", err)
	}
	if err := s.queue.Enqueue(ctx, job.ID, scheduled); err != nil {
		job.Status = store.JobFailed
		job.Error = "enqueue failed"
		now := s.now().UTC()
		job.CompletedAt = &now
		if _, uerr := s.store.UpdateSyncJob(context.WithoutCancel(ctx), job); uerr != nil {
			s.logger.Warn("mark unqueued job failed", "job_id", job.ID, "err", uerr)
		}
		return store.SyncJob{}, fmt.Errorf("enqueue sync job: %w", err)
	}
	s.logger.Info("sync job queued", "job_id", job.ID, "integration_id", integrationID, "scheduled_for", job.ScheduledFor)
	return job, nil
}

// CancelSyncJob marks a pending or running job failed. A running job stops at
// its next checkpoint.
func (s *Service) CancelSyncJob(ctx context.Context, jobID string) (store.SyncJob, error) {
	job, err := s.store.GetSyncJob(ctx, jobID)
	if err != nil {
		return store.SyncJob{}, err
	}
	if job.Status.Terminal() {
		return job, ErrJobFinished
	}
	now := s.now().UTC()
	job.Status = store.JobFailed
	job.Error = "cancelled"
	job.CompletedAt = &now
	job.Metadata = withMetadata(job.Metadata, map[string]any{"cancelled": true, "cancelledAt": now.Format(time.RFC3339)})
	updated, err := s.store.UpdateSyncJob(ctx, job)
	if err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			return job, ErrJobFinished
		}
		return store.SyncJob{}, err
	}
	s.logger.Info("sync job cancelled", "job_id", jobID, "integration_id", job.IntegrationID)
	return updated, nil
}

func (s *Service) GetSyncJob(ctx context.Context, jobID string) (store.SyncJob, error) {
	return s.store.GetSyncJob(ctx, jobID)
}

// GetSyncJobHistory returns the newest jobs first.
func (s *Service) GetSyncJobHistory(ctx context.Context, integrationID string, limit int) ([]store.SyncJob, error) {
	if _, err := s.store.GetIntegration(ctx, integrationID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	return s.store.ListSyncJobs(ctx, integrationID, limit)
}

// ReceiveWebhook hands a provider delivery to every active webhook
// integration of provider. It succeeds when at least one accepts it.
func (s *Service) ReceiveWebhook(ctx context.Context, provider string, payload []byte, headers http.Header, signature string) ([]store.WebhookEvent, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	integrations, err := s.store.ListIntegrationsByProvider(ctx, provider)
	if err != nil {
		return nil, err
	}

	var (
		accepted []store.WebhookEvent
		errs     []error
	)
	for _, in := range integrations {
		if in.Status == store.IntegrationDisabled || registry.Kind(in.Type) != registry.KindWebhook {
			continue
		}
		conn, _, err := s.connector(ctx, in)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		recv, ok := conn.(webhookReceiver)
		if !ok {
			continue
		}
		ev, err := recv.ReceiveWebhook(ctx, payload, headers, signature)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		accepted = append(accepted, ev)
	}
	if len(accepted) > 0 {
		return accepted, nil
	}
	if len(errs) > 0 {
		return nil, errs[0]
	}
	return nil, fmt.Errorf("webhook integration for %q: %w", provider, store.ErrNotFound)
}

// HandleWebhookEvent is the drain handler of webhook connectors. Events whose
// type the integration lists in syncOnEvents enqueue a sync.
func (s *Service) HandleWebhookEvent(ctx context.Context, ev store.WebhookEvent) error {
	in, err := s.store.GetIntegration(ctx, ev.IntegrationID)
	if err != nil {
		return err
	}
	spec, err := ParseSpec(in.Config)
	if err != nil {
		return err
	}
	if !spec.syncsOn(ev.EventType) {
		return nil
	}
	_, err = s.CreateSyncJob(ctx, in.ID, JobOptions{Metadata: map[string]any{
		"trigger":        "webhook",
		"webhookEventId": ev.ID,
		"eventType":      ev.EventType,
	}})
	return err
}

// EventHub returns the push subscriber set of a webhook integration.
func (s *Service) EventHub(ctx context.Context, id string) (*webhook.Hub, error) {
	in, err := s.store.GetIntegration(ctx, id)
	if err != nil {
		return nil, err
	}
	if registry.Kind(in.Type) != registry.KindWebhook {
		return nil, ErrNotWebhook
	}
	conn, _, err := s.connector(ctx, in)
	if err != nil {
		return nil, err
	}
	recv, ok := conn.(webhookReceiver)
	if !ok {
		return nil, ErrNotWebhook
	}
	return recv.Hub(), nil
}

// Shutdown disposes every live connector.
func (s *Service) Shutdown(ctx context.Context) error {
	return s.registry.DisposeAll(ctx)
}

func publicMessage(err error) string {
	var rerr *registry.Error
	if errors.As(err, &rerr) && rerr.Message != "" {
		return rerr.Message
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timed out"
	}
	return err.Error()
}

func withMetadata(base map[string]any, add map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(add))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range add {
		out[k] = v
	}
	return out
}
