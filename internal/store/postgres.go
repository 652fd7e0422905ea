package store

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres is the pgx-backed Store.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

const integrationColumns = `id::text, tenant_id, name, provider, type, config, status, last_error, created_at, updated_at`

func scanIntegration(row pgx.Row) (Integration, error) {
	var in Integration
	err := row.Scan(&in.ID, &in.TenantID, &in.Name, &in.Provider, &in.Type, &in.Config, &in.Status, &in.LastError, &in.CreatedAt, &in.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Integration{}, ErrNotFound
	}
	return in, err
}

func (p *Postgres) CreateIntegration(ctx context.Context, in Integration) (Integration, error) {
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	if in.Status == "" {
		in.Status = IntegrationActive
	}
	if len(in.Config) == 0 {
		in.Config = []byte("{}")
	}
	row := p.pool.QueryRow(ctx, `
INSERT INTO integrations (id, tenant_id, name, provider, type, config, status, last_error)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
RETURNING `+integrationColumns,
		in.ID, in.TenantID, in.Name, in.Provider, in.Type, in.Config, in.Status, in.LastError)
	return scanIntegration(row)
}

func (p *Postgres) GetIntegration(ctx context.Context, id string) (Integration, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Integration{}, ErrNotFound
	}
	return scanIntegration(p.pool.QueryRow(ctx, `SELECT `+integrationColumns+` FROM integrations WHERE id = $1`, id))
}

func (p *Postgres) ListIntegrations(ctx context.Context, tenantID string) ([]Integration, error) {
	if tenantID == "" {
		return p.listIntegrations(ctx, `SELECT `+integrationColumns+` FROM integrations ORDER BY created_at`)
	}
	return p.listIntegrations(ctx, `SELECT `+integrationColumns+` FROM integrations WHERE tenant_id = $1 ORDER BY created_at`, tenantID)
}

func (p *Postgres) ListIntegrationsByProvider(ctx context.Context, provider string) ([]Integration, error) {
	return p.listIntegrations(ctx, `SELECT `+integrationColumns+` FROM integrations WHERE provider = $1 ORDER BY created_at`, provider)
}

func (p *Postgres) listIntegrations(ctx context.Context, query string, args ...any) ([]Integration, error) {
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Integration
	for rows.Next() {
		in, err := scanIntegration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

func (p *Postgres) UpdateIntegration(ctx context.Context, in Integration) (Integration, error) {
	if _, err := uuid.Parse(in.ID); err != nil {
		return Integration{}, ErrNotFound
	}
	row := p.pool.QueryRow(ctx, `
UPDATE integrations
SET name = $2, provider = $3, type = $4, config = $5, status = $6, last_error = $7, updated_at = now()
WHERE id = $1
RETURNING `+integrationColumns,
		in.ID, in.Name, in.Provider, in.Type, in.Config, in.Status, in.LastError)
	return scanIntegration(row)
}

func (p *Postgres) DeleteIntegration(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return ErrNotFound
	}
	tag, err := p.pool.Exec(ctx, `DELETE FROM integrations WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const jobColumns = `id::text, integration_id::text, status, records_processed, records_failed, error, metadata,
dedupe_key, scheduled_for, created_at, started_at, completed_at, updated_at`

// uniqueViolation is the SQLSTATE for a unique constraint failure.
const uniqueViolation = "23505"

func scanJob(row pgx.Row) (SyncJob, error) {
	var j SyncJob
	err := row.Scan(&j.ID, &j.IntegrationID, &j.Status, &j.RecordsProcessed, &j.RecordsFailed, &j.Error, &j.Metadata,
		&j.DedupeKey, &j.ScheduledFor, &j.CreatedAt, &j.StartedAt, &j.CompletedAt, &j.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return SyncJob{}, ErrNotFound
	}
	return j, err
}

func (p *Postgres) CreateSyncJob(ctx context.Context, job SyncJob) (SyncJob, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Status == "" {
		job.Status = JobPending
	}
	if job.ScheduledFor.IsZero() {
		job.ScheduledFor = time.Now().UTC()
	}
	if job.Metadata == nil {
		job.Metadata = map[string]any{}
	}
	row := p.pool.QueryRow(ctx, `
INSERT INTO sync_jobs (id, integration_id, status, metadata, dedupe_key, scheduled_for)
SELECT $1, i.id, $3, $4, $5, $6 FROM integrations i WHERE i.id = $2
RETURNING `+jobColumns,
		job.ID, job.IntegrationID, job.Status, job.Metadata, job.DedupeKey, job.ScheduledFor)
	created, err := scanJob(row)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return SyncJob{}, ErrDuplicate
	}
	return created, err
}

func (p *Postgres) GetSyncJob(ctx context.Context, id string) (SyncJob, error) {
	if _, err := uuid.Parse(id); err != nil {
		return SyncJob{}, ErrNotFound
	}
	return scanJob(p.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM sync_jobs WHERE id = $1`, id))
}

func (p *Postgres) UpdateSyncJob(ctx context.Context, next SyncJob) (SyncJob, error) {
	if _, err := uuid.Parse(next.ID); err != nil {
		return SyncJob{}, ErrNotFound
	}
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return SyncJob{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	prev, err := scanJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM sync_jobs WHERE id = $1 FOR UPDATE`, next.ID))
	if err != nil {
		return SyncJob{}, err
	}
	if err := CheckUpdate(prev, next); err != nil {
		return SyncJob{}, err
	}
	if next.Metadata == nil {
		next.Metadata = map[string]any{}
	}
	updated, err := scanJob(tx.QueryRow(ctx, `
UPDATE sync_jobs
SET status = $2, records_processed = $3, records_failed = $4, error = $5, metadata = $6,
    started_at = $7, completed_at = $8, updated_at = now()
WHERE id = $1
RETURNING `+jobColumns,
		next.ID, next.Status, next.RecordsProcessed, next.RecordsFailed, next.Error, next.Metadata,
		next.StartedAt, next.CompletedAt))
	if err != nil {
		return SyncJob{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return SyncJob{}, fmt.Errorf("commit sync job update: %w", err)
	}
	return updated, nil
}

func (p *Postgres) ListSyncJobs(ctx context.Context, integrationID string, limit int) ([]SyncJob, error) {
	if limit <= 0 {
		limit = 50
	}
	return p.listJobs(ctx, `SELECT `+jobColumns+` FROM sync_jobs WHERE integration_id = $1 ORDER BY created_at DESC LIMIT $2`, integrationID, limit)
}

func (p *Postgres) ListSyncJobsBetween(ctx context.Context, integrationID string, from, to time.Time) ([]SyncJob, error) {
	return p.listJobs(ctx, `SELECT `+jobColumns+` FROM sync_jobs
WHERE integration_id = $1 AND created_at >= $2 AND created_at < $3 ORDER BY created_at DESC`, integrationID, from, to)
}

func (p *Postgres) listJobs(ctx context.Context, query string, integrationID string, args ...any) ([]SyncJob, error) {
	if _, err := uuid.Parse(integrationID); err != nil {
		return nil, nil
	}
	rows, err := p.pool.Query(ctx, query, append([]any{integrationID}, args...)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SyncJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (p *Postgres) CreateWebhookEvent(ctx context.Context, ev WebhookEvent) (WebhookEvent, error) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Status == "" {
		ev.Status = EventPending
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now().UTC()
	}
	_, err := p.pool.Exec(ctx, `
INSERT INTO webhook_events (id, integration_id, event_type, payload, received_at, status)
VALUES ($1, $2, $3, $4, $5, $6)`,
		ev.ID, ev.IntegrationID, ev.EventType, ev.Payload, ev.ReceivedAt, ev.Status)
	return ev, err
}

func (p *Postgres) UpdateWebhookEvent(ctx context.Context, ev WebhookEvent) error {
	tag, err := p.pool.Exec(ctx, `UPDATE webhook_events SET status = $2, error = $3, processed_at = $4 WHERE id = $1`,
		ev.ID, ev.Status, ev.Error, ev.ProcessedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) ListWebhookEvents(ctx context.Context, integrationID string, limit int) ([]WebhookEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.pool.Query(ctx, `
SELECT id::text, integration_id::text, event_type, payload, received_at, processed_at, status, error
FROM webhook_events WHERE integration_id = $1 ORDER BY received_at DESC LIMIT $2`, integrationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []WebhookEvent
	for rows.Next() {
		var ev WebhookEvent
		if err := rows.Scan(&ev.ID, &ev.IntegrationID, &ev.EventType, &ev.Payload, &ev.ReceivedAt, &ev.ProcessedAt, &ev.Status, &ev.Error); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (p *Postgres) SaveOAuthToken(ctx context.Context, tok OAuthToken) error {
	var expires *time.Time
	if !tok.ExpiresAt.IsZero() {
		expires = &tok.ExpiresAt
	}
	_, err := p.pool.Exec(ctx, `
INSERT INTO oauth_tokens (provider, access_token, refresh_token, token_type, scope, expires_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, now())
ON CONFLICT (provider) DO UPDATE
SET access_token = EXCLUDED.access_token, refresh_token = EXCLUDED.refresh_token,
    token_type = EXCLUDED.token_type, scope = EXCLUDED.scope,
    expires_at = EXCLUDED.expires_at, updated_at = now()`,
		tok.Provider, tok.AccessToken, tok.RefreshToken, tok.TokenType, tok.Scope, expires)
	return err
}

func (p *Postgres) GetOAuthToken(ctx context.Context, provider string) (OAuthToken, error) {
	var tok OAuthToken
	var expires *time.Time
	err := p.pool.QueryRow(ctx, `
SELECT provider, access_token, refresh_token, token_type, scope, expires_at, updated_at
FROM oauth_tokens WHERE provider = $1`, provider).
		Scan(&tok.Provider, &tok.AccessToken, &tok.RefreshToken, &tok.TokenType, &tok.Scope, &expires, &tok.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return OAuthToken{}, ErrNotFound
	}
	if err != nil {
		return OAuthToken{}, err
	}
	if expires != nil {
		tok.ExpiresAt = *expires
	}
	return tok, nil
}

func (p *Postgres) ListOAuthTokens(ctx context.Context) ([]OAuthToken, error) {
	rows, err := p.pool.Query(ctx, `
SELECT provider, access_token, refresh_token, token_type, scope, expires_at, updated_at
FROM oauth_tokens ORDER BY provider`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []OAuthToken
	for rows.Next() {
		var tok OAuthToken
		var expires *time.Time
		if err := rows.Scan(&tok.Provider, &tok.AccessToken, &tok.RefreshToken, &tok.TokenType, &tok.Scope, &expires, &tok.UpdatedAt); err != nil {
			return nil, err
		}
		if expires != nil {
			tok.ExpiresAt = *expires
		}
		out = append(out, tok)
	}
	return out, rows.Err()
}

func (p *Postgres) DeleteOAuthToken(ctx context.Context, provider string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM oauth_tokens WHERE provider = $1`, provider)
	return err
}

// TryLock takes a session advisory lock for scope on a dedicated pool
// connection. The connection is held until release.
func (p *Postgres) TryLock(ctx context.Context, scope string) (func(), bool, error) {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, false, err
	}
	key := LockKey(scope)
	var ok bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&ok); err != nil {
		conn.Release()
		return nil, false, err
	}
	if !ok {
		conn.Release()
		return nil, false, nil
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if _, err := conn.Exec(ctx, `SELECT pg_advisory_unlock($1)`, key); err != nil {
				// A session lock dies with its connection.
				_ = conn.Conn().Close(ctx)
			}
			conn.Release()
		})
	}, true, nil
}

// LockKey maps a lock scope to a Postgres advisory lock key.
func LockKey(scope string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(strings.ToLower(strings.TrimSpace(scope))))
	return int64(h.Sum64())
}

var (
	_ Store  = (*Postgres)(nil)
	_ Locker = (*Postgres)(nil)
)
