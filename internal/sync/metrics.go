package sync

import (
	"context"
	"time"

	"github.com/opsai/opsai-connect/internal/store"
)

// TimeRange bounds a metrics query. Zero values default to the last 24 hours.
type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

type IntegrationMetrics struct {
	IntegrationID     string    `json:"integrationId"`
	From              time.Time `json:"from"`
	To                time.Time `json:"to"`
	TotalJobs         int       `json:"totalJobs"`
	Pending           int       `json:"pending"`
	Running           int       `json:"running"`
	Completed         int       `json:"completed"`
	Failed            int       `json:"failed"`
	SuccessRate       float64   `json:"successRate"`
	AverageDurationMs int64     `json:"averageDurationMs"`
	RecordsProcessed  int64     `json:"recordsProcessed"`
	RecordsFailed     int64     `json:"recordsFailed"`
	FallbackCount     int       `json:"fallbackCount"`
}

// GetIntegrationMetrics aggregates the jobs created inside the range.
// SuccessRate is completed over finished jobs, in [0, 1].
func (s *Service) GetIntegrationMetrics(ctx context.Context, integrationID string, tr TimeRange) (IntegrationMetrics, error) {
	if _, err := s.store.GetIntegration(ctx, integrationID); err != nil {
		return IntegrationMetrics{}, err
	}
	if tr.To.IsZero() {
		tr.To = s.now()
	}
	if tr.From.IsZero() || !tr.From.Before(tr.To) {
		tr.From = tr.To.Add(-defaultMetricsRange)
	}

	jobs, err := s.store.ListSyncJobsBetween(ctx, integrationID, tr.From, tr.To)
	if err != nil {
		return IntegrationMetrics{}, err
	}
	return aggregate(integrationID, tr, jobs), nil
}

func aggregate(integrationID string, tr TimeRange, jobs []store.SyncJob) IntegrationMetrics {
	m := IntegrationMetrics{IntegrationID: integrationID, From: tr.From.UTC(), To: tr.To.UTC(), TotalJobs: len(jobs)}
	var (
		totalDuration time.Duration
		timed         int
	)
	for _, j := range jobs {
		switch j.Status {
		case store.JobPending:
			m.Pending++
		case store.JobRunning:
			m.Running++
		case store.JobCompleted:
			m.Completed++
		case store.JobFailed:
			m.Failed++
		}
		m.RecordsProcessed += j.RecordsProcessed
		m.RecordsFailed += j.RecordsFailed
		if used, _ := j.Metadata["fallbackUsed"].(bool); used {
			m.FallbackCount++
		}
		if d, ok := j.Duration(); ok {
			totalDuration += d
			timed++
		}
	}
	if finished := m.Completed + m.Failed; finished > 0 {
		m.SuccessRate = float64(m.Completed) / float64(finished)
	}
	if timed > 0 {
		m.AverageDurationMs = (totalDuration / time.Duration(timed)).Milliseconds()
	}
	return m
}
