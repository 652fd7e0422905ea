package store

import (
	"context"
	"time"
)

type IntegrationStore interface {
	CreateIntegration(ctx context.Context, in Integration) (Integration, error)
	GetIntegration(ctx context.Context, id string) (Integration, error)
	ListIntegrations(ctx context.Context, tenantID string) ([]Integration, error)
	ListIntegrationsByProvider(ctx context.Context, provider string) ([]Integration, error)
	UpdateIntegration(ctx context.Context, in Integration) (Integration, error)
	DeleteIntegration(ctx context.Context, id string) error
}

type SyncJobStore interface {
	CreateSyncJob(ctx context.Context, job SyncJob) (SyncJob, error)
	GetSyncJob(ctx context.Context, id string) (SyncJob, error)
	// UpdateSyncJob applies next after CheckUpdate against the stored row.
	UpdateSyncJob(ctx context.Context, next SyncJob) (SyncJob, error)
	// ListSyncJobs returns the newest jobs first.
	ListSyncJobs(ctx context.Context, integrationID string, limit int) ([]SyncJob, error)
	ListSyncJobsBetween(ctx context.Context, integrationID string, from, to time.Time) ([]SyncJob, error)
}

type WebhookEventStore interface {
	CreateWebhookEvent(ctx context.Context, ev WebhookEvent) (WebhookEvent, error)
	UpdateWebhookEvent(ctx context.Context, ev WebhookEvent) error
	ListWebhookEvents(ctx context.Context, integrationID string, limit int) ([]WebhookEvent, error)
}

type OAuthTokenStore interface {
	SaveOAuthToken(ctx context.Context, tok OAuthToken) error
	GetOAuthToken(ctx context.Context, provider string) (OAuthToken, error)
	ListOAuthTokens(ctx context.Context) ([]OAuthToken, error)
	DeleteOAuthToken(ctx context.Context, provider string) error
}

// Locker grants process-wide exclusive sections keyed by scope. TryLock
// never blocks; ok is false when another holder owns the scope.
type Locker interface {
	TryLock(ctx context.Context, scope string) (release func(), ok bool, err error)
}

// Store is the persistence collaborator of the sync service.
type Store interface {
	IntegrationStore
	SyncJobStore
	WebhookEventStore
	OAuthTokenStore
}
