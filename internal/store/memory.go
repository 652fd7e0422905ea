package store

import (
	"context"
	"encoding/json"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Store used when no DATABASE_URL is configured and
// in tests. Values are copied in and out so callers never share state.
type Memory struct {
	mu           sync.RWMutex
	now          func() time.Time
	integrations map[string]Integration
	jobs         map[string]SyncJob
	events       map[string]WebhookEvent
	tokens       map[string]OAuthToken
	locks        map[string]struct{}
}

func NewMemory() *Memory {
	return &Memory{
		now:          time.Now,
		integrations: make(map[string]Integration),
		jobs:         make(map[string]SyncJob),
		events:       make(map[string]WebhookEvent),
		tokens:       make(map[string]OAuthToken),
		locks:        make(map[string]struct{}),
	}
}

func (m *Memory) CreateIntegration(_ context.Context, in Integration) (Integration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	now := m.now().UTC()
	in.CreatedAt, in.UpdatedAt = now, now
	if in.Status == "" {
		in.Status = IntegrationActive
	}
	in.Config = cloneRaw(in.Config)
	m.integrations[in.ID] = in
	return in, nil
}

func (m *Memory) GetIntegration(_ context.Context, id string) (Integration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	in, ok := m.integrations[id]
	if !ok {
		return Integration{}, ErrNotFound
	}
	in.Config = cloneRaw(in.Config)
	return in, nil
}

func (m *Memory) ListIntegrations(_ context.Context, tenantID string) ([]Integration, error) {
	return m.filterIntegrations(func(in Integration) bool { return tenantID == "" || in.TenantID == tenantID }), nil
}

func (m *Memory) ListIntegrationsByProvider(_ context.Context, provider string) ([]Integration, error) {
	return m.filterIntegrations(func(in Integration) bool { return in.Provider == provider }), nil
}

func (m *Memory) filterIntegrations(keep func(Integration) bool) []Integration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Integration
	for _, in := range m.integrations {
		if keep(in) {
			in.Config = cloneRaw(in.Config)
			out = append(out, in)
		}
	}
	slices.SortFunc(out, func(a, b Integration) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out
}

func (m *Memory) UpdateIntegration(_ context.Context, in Integration) (Integration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.integrations[in.ID]
	if !ok {
		return Integration{}, ErrNotFound
	}
	in.CreatedAt = prev.CreatedAt
	in.TenantID = prev.TenantID
	in.UpdatedAt = m.now().UTC()
	in.Config = cloneRaw(in.Config)
	m.integrations[in.ID] = in
	return in, nil
}

func (m *Memory) DeleteIntegration(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.integrations[id]; !ok {
		return ErrNotFound
	}
	delete(m.integrations, id)
	return nil
}

func (m *Memory) CreateSyncJob(_ context.Context, job SyncJob) (SyncJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.integrations[job.IntegrationID]; !ok {
		return SyncJob{}, ErrNotFound
	}
	if job.DedupeKey != "" {
		for _, existing := range m.jobs {
			if existing.IntegrationID == job.IntegrationID && existing.DedupeKey == job.DedupeKey {
				return SyncJob{}, ErrDuplicate
			}
		}
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	now := m.now().UTC()
	job.CreatedAt, job.UpdatedAt = now, now
	if job.Status == "" {
		job.Status = JobPending
	}
	if job.ScheduledFor.IsZero() {
		job.ScheduledFor = now
	}
	job.Metadata = cloneMetadata(job.Metadata)
	m.jobs[job.ID] = job
	return copyJob(job), nil
}

func (m *Memory) GetSyncJob(_ context.Context, id string) (SyncJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return SyncJob{}, ErrNotFound
	}
	return copyJob(job), nil
}

func (m *Memory) UpdateSyncJob(_ context.Context, next SyncJob) (SyncJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.jobs[next.ID]
	if !ok {
		return SyncJob{}, ErrNotFound
	}
	if err := CheckUpdate(prev, next); err != nil {
		return SyncJob{}, err
	}
	next.IntegrationID = prev.IntegrationID
	next.CreatedAt = prev.CreatedAt
	next.UpdatedAt = m.now().UTC()
	next = copyJob(next)
	m.jobs[next.ID] = next
	return copyJob(next), nil
}

func (m *Memory) ListSyncJobs(_ context.Context, integrationID string, limit int) ([]SyncJob, error) {
	out := m.jobsFor(integrationID, func(SyncJob) bool { return true })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ListSyncJobsBetween(_ context.Context, integrationID string, from, to time.Time) ([]SyncJob, error) {
	return m.jobsFor(integrationID, func(j SyncJob) bool {
		return !j.CreatedAt.Before(from) && j.CreatedAt.Before(to)
	}), nil
}

func (m *Memory) jobsFor(integrationID string, keep func(SyncJob) bool) []SyncJob {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []SyncJob
	for _, j := range m.jobs {
		if j.IntegrationID == integrationID && keep(j) {
			out = append(out, copyJob(j))
		}
	}
	slices.SortFunc(out, func(a, b SyncJob) int { return b.CreatedAt.Compare(a.CreatedAt) })
	return out
}

func (m *Memory) CreateWebhookEvent(_ context.Context, ev WebhookEvent) (WebhookEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = m.now().UTC()
	}
	if ev.Status == "" {
		ev.Status = EventPending
	}
	ev.Payload = cloneRaw(ev.Payload)
	m.events[ev.ID] = ev
	return ev, nil
}

func (m *Memory) UpdateWebhookEvent(_ context.Context, ev WebhookEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.events[ev.ID]
	if !ok {
		return ErrNotFound
	}
	prev.Status = ev.Status
	prev.Error = ev.Error
	prev.ProcessedAt = ev.ProcessedAt
	m.events[ev.ID] = prev
	return nil
}

func (m *Memory) ListWebhookEvents(_ context.Context, integrationID string, limit int) ([]WebhookEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []WebhookEvent
	for _, ev := range m.events {
		if ev.IntegrationID == integrationID {
			out = append(out, ev)
		}
	}
	slices.SortFunc(out, func(a, b WebhookEvent) int { return b.ReceivedAt.Compare(a.ReceivedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) SaveOAuthToken(_ context.Context, tok OAuthToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tok.UpdatedAt = m.now().UTC()
	m.tokens[tok.Provider] = tok
	return nil
}

func (m *Memory) GetOAuthToken(_ context.Context, provider string) (OAuthToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tok, ok := m.tokens[provider]
	if !ok {
		return OAuthToken{}, ErrNotFound
	}
	return tok, nil
}

func (m *Memory) ListOAuthTokens(_ context.Context) ([]OAuthToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := slices.Collect(maps.Values(m.tokens))
	slices.SortFunc(out, func(a, b OAuthToken) int {
		switch {
		case a.Provider < b.Provider:
			return -1
		case a.Provider > b.Provider:
			return 1
		}
		return 0
	})
	return out, nil
}

func (m *Memory) DeleteOAuthToken(_ context.Context, provider string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tokens, provider)
	return nil
}

// TryLock holds scope until release is called. Scopes are only exclusive
// within this process.
func (m *Memory) TryLock(_ context.Context, scope string) (func(), bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, held := m.locks[scope]; held {
		return nil, false, nil
	}
	m.locks[scope] = struct{}{}
	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.locks, scope)
			m.mu.Unlock()
		})
	}, true, nil
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}

func cloneMetadata(md map[string]any) map[string]any {
	if md == nil {
		return nil
	}
	return maps.Clone(md)
}

func copyJob(j SyncJob) SyncJob {
	j.Metadata = cloneMetadata(j.Metadata)
	if j.StartedAt != nil {
		t := *j.StartedAt
		j.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		j.CompletedAt = &t
	}
	return j
}

var (
	_ Store  = (*Memory)(nil)
	_ Locker = (*Memory)(nil)
)
