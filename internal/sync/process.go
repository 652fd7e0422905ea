package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/opsai/opsai-connect/internal/connectors/airbyte"
	"github.com/opsai/opsai-connect/internal/connectors/registry"
	"github.com/opsai/opsai-connect/internal/metrics"
	"github.com/opsai/opsai-connect/internal/store"
)

// errJobCancelled stops a run at a checkpoint once the job was cancelled.
var errJobCancelled = errors.New("sync job cancelled")

// ProcessJob runs one dequeued job: direct sync over every endpoint, then the
// managed fallback when any endpoint failed with an escalating error. Jobs
// that are no longer pending are skipped.
func (s *Service) ProcessJob(ctx context.Context, jobID string) error {
	job, err := s.store.GetSyncJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.logger.Warn("dequeued unknown sync job", "job_id", jobID)
			return nil
		}
		return err
	}
	switch job.Status {
	case store.JobPending:
	case store.JobRunning:
		// A claim lease expired while another worker held the job.
		return s.abandon(ctx, job, "worker lost while job was running")
	default:
		return nil
	}

	in, err := s.store.GetIntegration(ctx, job.IntegrationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return s.abandon(ctx, job, "integration no longer exists")
		}
		return err
	}
	if in.Status == store.IntegrationDisabled {
		return s.abandon(ctx, job, "integration is disabled")
	}

	started := s.now().UTC()
	job.Status = store.JobRunning
	job.StartedAt = &started
	job, err = s.store.UpdateSyncJob(ctx, job)
	if err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			return nil
		}
		return fmt.Errorf("start sync job: %w", err)
	}

	run := &jobRun{svc: s, job: job, integration: in}
	run.execute(ctx)
	return run.finish(ctx)
}

func (s *Service) abandon(ctx context.Context, job store.SyncJob, reason string) error {
	now := s.now().UTC()
	job.Status = store.JobFailed
	job.Error = reason
	job.CompletedAt = &now
	if _, err := s.store.UpdateSyncJob(ctx, job); err != nil && !errors.Is(err, store.ErrInvalidTransition) {
		return err
	}
	s.logger.Warn("sync job abandoned", "job_id", job.ID, "reason", reason)
	return nil
}

type jobRun struct {
	svc         *Service
	job         store.SyncJob
	integration store.Integration
	spec        IntegrationSpec
	outcome     Outcome
	cancelled   bool
}

func (r *jobRun) execute(ctx context.Context) {
	spec, err := ParseSpec(r.integration.Config)
	if err != nil {
		r.outcome.Attempts = append(r.outcome.Attempts, Attempt{Strategy: StrategyDirect, Failures: []Failure{failureFrom("", err)}})
		return
	}
	r.spec = spec
	r.report("sync started", 0, int64(len(spec.Endpoints)), false, nil)

	if len(spec.Endpoints) > 0 {
		direct := r.direct(ctx)
		r.outcome.Attempts = append(r.outcome.Attempts, direct)
		if r.cancelled || direct.Success || !direct.escalates() {
			return
		}
	} else if spec.Managed == nil {
		r.outcome.Attempts = append(r.outcome.Attempts, Attempt{Strategy: StrategyDirect, Success: true})
		return
	}

	if err := r.checkpoint(ctx); err != nil {
		return
	}
	r.outcome.Attempts = append(r.outcome.Attempts, r.fallback(ctx))
}

// direct calls every endpoint once. Each success counts one processed record
// and each failure one failed record.
func (r *jobRun) direct(ctx context.Context) Attempt {
	a := Attempt{Strategy: StrategyDirect}
	conn, _, err := r.svc.connector(ctx, r.integration)
	if err != nil {
		a.Failures = append(a.Failures, failureFrom("", err))
		a.RecordsFailed = int64(len(r.spec.Endpoints))
		r.job.RecordsFailed += a.RecordsFailed
		return a
	}

	total := int64(len(r.spec.Endpoints))
	for i, ep := range r.spec.Endpoints {
		if err := r.checkpoint(ctx); err != nil {
			return a
		}
		_, err := conn.ExecuteRequest(ctx, r.spec.request(ep))
		if err != nil {
			a.RecordsFailed++
			a.Failures = append(a.Failures, failureFrom(ep.Path, err))
			r.svc.logger.Warn("endpoint sync failed", "job_id", r.job.ID, "integration_id", r.integration.ID, "endpoint", ep.Path, "err", err)
		} else {
			a.RecordsProcessed++
		}
		r.job.RecordsProcessed = a.RecordsProcessed
		r.job.RecordsFailed = a.RecordsFailed
		r.saveProgress(ctx)
		r.report("endpoint synced", int64(i+1), total, false, err)
	}
	a.Success = a.RecordsFailed == 0
	return a
}

func (r *jobRun) fallback(ctx context.Context) Attempt {
	a := Attempt{Strategy: StrategyFallback}
	provider := r.integration.Provider
	if r.svc.fallback == nil {
		a.Failures = append(a.Failures, Failure{Code: registry.CodeConnector, Reason: "fallback_unavailable", Message: "managed replication is not configured"})
		metrics.SyncFallbacksTotal.WithLabelValues(provider, "unavailable").Inc()
		return a
	}

	managed := airbyte.ManagedSpec{}
	if r.spec.Managed != nil {
		managed = *r.spec.Managed
	}
	r.report("fallback started", 0, 0, false, nil)
	res, err := r.svc.fallback.Sync(ctx, airbyte.SyncRequest{
		IntegrationID: r.integration.ID,
		TenantID:      r.integration.TenantID,
		Provider:      provider,
		Connector:     r.spec.Connector,
		Managed:       managed,
		Cancelled: func(ctx context.Context) (bool, error) {
			if err := r.checkpoint(ctx); err != nil {
				return true, nil
			}
			return false, nil
		},
	})
	a.RecordsProcessed = res.RecordsProcessed
	a.RecordsFailed = res.RecordsFailed
	a.Details = map[string]any{
		"jobId":        res.JobID,
		"connectionId": res.ConnectionID,
		"dataSize":     res.DataSize,
		"durationMs":   res.Duration.Milliseconds(),
	}
	if errors.Is(err, airbyte.ErrCancelled) {
		r.cancelled = true
		return a
	}
	if err != nil {
		a.Failures = append(a.Failures, failureFrom("", err))
		metrics.SyncFallbacksTotal.WithLabelValues(provider, "failure").Inc()
		return a
	}
	a.Success = res.Success
	if !a.Success {
		for _, msg := range res.Errors {
			a.Failures = append(a.Failures, Failure{Code: registry.CodeConnector, Message: msg})
		}
		metrics.SyncFallbacksTotal.WithLabelValues(provider, "failure").Inc()
		return a
	}
	metrics.SyncFallbacksTotal.WithLabelValues(provider, "success").Inc()
	return a
}

// checkpoint reports cancellation, either through ctx or because the stored
// job is no longer running.
func (r *jobRun) checkpoint(ctx context.Context) error {
	if r.cancelled {
		return errJobCancelled
	}
	if err := ctx.Err(); err != nil {
		r.cancelled = true
		return err
	}
	current, err := r.svc.store.GetSyncJob(ctx, r.job.ID)
	if err != nil {
		return nil
	}
	if current.Status != store.JobRunning {
		r.cancelled = true
		return errJobCancelled
	}
	return nil
}

func (r *jobRun) saveProgress(ctx context.Context) {
	updated, err := r.svc.store.UpdateSyncJob(ctx, r.job)
	if err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			r.cancelled = true
			return
		}
		r.svc.logger.Warn("save sync progress failed", "job_id", r.job.ID, "err", err)
		return
	}
	r.job = updated
}

// finish writes the terminal status with the outcome in metadata. A job that
// was cancelled meanwhile keeps its cancelled state.
func (r *jobRun) finish(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)
	provider := r.integration.Provider
	now := r.svc.now().UTC()

	if r.cancelled {
		current, err := r.svc.store.GetSyncJob(ctx, r.job.ID)
		if err == nil && current.Status.Terminal() {
			current.Metadata = withMetadata(current.Metadata, r.outcomeMetadata())
			if _, err := r.svc.store.UpdateSyncJob(ctx, current); err != nil {
				r.svc.logger.Warn("record cancelled job outcome failed", "job_id", r.job.ID, "err", err)
			}
			r.report("sync cancelled", 0, 0, true, errJobCancelled)
			metrics.SyncJobsTotal.WithLabelValues(provider, "cancelled").Inc()
			return nil
		}
		// Interrupted by shutdown rather than by a caller.
		r.outcome.Attempts = append(r.outcome.Attempts, Attempt{Strategy: StrategyDirect, Failures: []Failure{{Code: registry.CodeConnector, Reason: "interrupted", Message: "worker stopped before the job finished"}}})
	}

	var processed, failed int64
	for _, a := range r.outcome.Attempts {
		processed += a.RecordsProcessed
		failed += a.RecordsFailed
	}
	if processed+failed >= r.job.RecordsProcessed+r.job.RecordsFailed {
		r.job.RecordsProcessed, r.job.RecordsFailed = processed, failed
	}

	r.job.CompletedAt = &now
	r.job.Metadata = withMetadata(r.job.Metadata, r.outcomeMetadata())
	var runErr error
	if r.outcome.Succeeded() {
		r.job.Status = store.JobCompleted
		r.job.Error = ""
	} else {
		r.job.Status = store.JobFailed
		r.job.Error = strings.Join(r.outcome.Errors(), "; ")
		if r.job.Error == "" {
			r.job.Error = "sync failed"
		}
		runErr = errors.New(r.job.Error)
	}

	if _, err := r.svc.store.UpdateSyncJob(ctx, r.job); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			return nil
		}
		return fmt.Errorf("finish sync job: %w", err)
	}

	if started := r.job.StartedAt; started != nil {
		metrics.SyncDuration.WithLabelValues(provider).Observe(now.Sub(*started).Seconds())
	}
	metrics.SyncJobsTotal.WithLabelValues(provider, string(r.job.Status)).Inc()
	metrics.SyncRecordsTotal.WithLabelValues(provider, "processed").Add(float64(r.job.RecordsProcessed))
	metrics.SyncRecordsTotal.WithLabelValues(provider, "failed").Add(float64(r.job.RecordsFailed))
	r.recordIntegrationStatus(ctx)
	r.report("sync "+string(r.job.Status), r.job.RecordsProcessed, r.job.RecordsProcessed+r.job.RecordsFailed, true, runErr)
	return nil
}

func (r *jobRun) outcomeMetadata() map[string]any {
	out := map[string]any{
		"fallbackUsed": r.outcome.FallbackUsed(),
		"attempts":     toMetadata(r.outcome.Attempts),
	}
	if direct, ok := r.outcome.Attempt(StrategyDirect); ok && len(direct.Failures) > 0 {
		out["directErrors"] = toMetadata(direct.Failures)
	}
	if fb, ok := r.outcome.Attempt(StrategyFallback); ok && len(fb.Failures) > 0 {
		out["fallbackErrors"] = toMetadata(fb.Failures)
	}
	return out
}

func (r *jobRun) recordIntegrationStatus(ctx context.Context) {
	in, err := r.svc.store.GetIntegration(ctx, r.integration.ID)
	if err != nil || in.Status == store.IntegrationDisabled {
		return
	}
	next := in
	if r.job.Status == store.JobCompleted {
		next.Status, next.LastError = store.IntegrationActive, ""
	} else {
		next.Status, next.LastError = store.IntegrationError, r.job.Error
	}
	if next.Status == in.Status && next.LastError == in.LastError {
		return
	}
	if _, err := r.svc.store.UpdateIntegration(ctx, next); err != nil {
		r.svc.logger.Warn("record integration status failed", "integration_id", in.ID, "err", err)
	}
}

func (r *jobRun) report(msg string, current, total int64, done bool, err error) {
	registry.Emit(r.svc.reporter, registry.Event{
		Source:  r.integration.Provider,
		Stage:   "sync_job",
		Current: current,
		Total:   total,
		Message: msg,
		Done:    done,
		Err:     err,
		At:      r.svc.now(),
		Data:    map[string]any{"integration_id": r.integration.ID, "job_id": r.job.ID},
	})
}

// toMetadata converts v to plain JSON values so stored metadata looks the
// same whichever store holds it.
func toMetadata(v any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}
