package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "opsai_connect"
)

var (
	syncDurationBuckets = []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600}

	// Sync jobs
	SyncDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "sync_job_duration_seconds",
		Help:      "Time taken for a sync job to reach a terminal state.",
		Buckets:   syncDurationBuckets,
	}, []string{"provider"})

	SyncJobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sync_jobs_total",
		Help:      "Count of processed sync jobs by terminal status.",
	}, []string{"provider", "status"})

	SyncFallbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sync_fallbacks_total",
		Help:      "Count of escalations to the managed replication fallback.",
	}, []string{"provider", "result"})

	SyncRecordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sync_records_total",
		Help:      "Records reported by sync jobs.",
	}, []string{"provider", "outcome"})

	// Connectors
	ConnectorRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "connector_requests_total",
		Help:      "Outbound connector requests by result code.",
	}, []string{"kind", "connector", "code"})

	RateLimitRejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_limit_rejections_total",
		Help:      "Requests rejected by the local rate limiter before reaching the provider.",
	}, []string{"connector"})

	// Webhooks
	WebhookEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "webhook_events_total",
		Help:      "Inbound webhook events by lifecycle stage.",
	}, []string{"connector", "stage"})

	// OAuth
	TokenRefreshesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "oauth_token_refreshes_total",
		Help:      "OAuth token refresh attempts by result.",
	}, []string{"provider", "result"})
)
