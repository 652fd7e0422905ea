package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	gosync "sync"
	"time"

	"github.com/opsai/opsai-connect/internal/store"
	"github.com/robfig/cron/v3"
)

type cronEntry struct {
	schedule string
	id       cron.EntryID
}

// CronScheduler enqueues sync jobs for integrations with a schedule. Entries
// follow integration changes made through the service, and RunOnce
// reconciles them with the store for changes made by other processes.
type CronScheduler struct {
	svc    *Service
	cron   *cron.Cron
	logger *slog.Logger

	mu      gosync.Mutex
	entries map[string]cronEntry
}

func NewCronScheduler(svc *Service, logger *slog.Logger) *CronScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	c := &CronScheduler{
		svc:     svc,
		cron:    cron.New(),
		logger:  logger,
		entries: make(map[string]cronEntry),
	}
	svc.setSchedules(c)
	return c
}

func (c *CronScheduler) Start() { c.cron.Start() }

// Stop stops triggering and waits for running triggers.
func (c *CronScheduler) Stop() {
	<-c.cron.Stop().Done()
}

// Upsert adds, replaces or removes the entry of in according to its schedule
// and status.
func (c *CronScheduler) Upsert(in store.Integration) error {
	spec, err := ParseSpec(in.Config)
	if err != nil {
		return err
	}
	if spec.Schedule == "" || in.Status == store.IntegrationDisabled {
		c.Remove(in.ID)
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.entries[in.ID]; ok {
		if existing.schedule == spec.Schedule {
			return nil
		}
		c.cron.Remove(existing.id)
		delete(c.entries, in.ID)
	}
	integrationID := in.ID
	id, err := c.cron.AddFunc(spec.Schedule, func() { c.trigger(integrationID) })
	if err != nil {
		return fmt.Errorf("schedule %q: %w", spec.Schedule, err)
	}
	c.entries[in.ID] = cronEntry{schedule: spec.Schedule, id: id}
	return nil
}

func (c *CronScheduler) Remove(integrationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[integrationID]; ok {
		c.cron.Remove(e.id)
		delete(c.entries, integrationID)
	}
}

// Len returns the number of scheduled integrations.
func (c *CronScheduler) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// RunOnce reconciles entries with every stored integration.
func (c *CronScheduler) RunOnce(ctx context.Context) error {
	integrations, err := c.svc.store.ListIntegrations(ctx, "")
	if err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(integrations))
	for _, in := range integrations {
		seen[in.ID] = struct{}{}
		if err := c.Upsert(in); err != nil {
			c.logger.Warn("invalid integration schedule", "integration_id", in.ID, "err", err)
		}
	}

	c.mu.Lock()
	var stale []string
	for id := range c.entries {
		if _, ok := seen[id]; !ok {
			stale = append(stale, id)
		}
	}
	c.mu.Unlock()
	for _, id := range stale {
		c.Remove(id)
	}
	return nil
}

// tickKey names the scheduled tick at now. Cron fires on minute boundaries, so
// every process firing the same tick rounds to the same minute.
func tickKey(now time.Time) string {
	return "schedule:" + now.UTC().Round(time.Minute).Format(time.RFC3339)
}

// trigger enqueues the scheduled job for this tick. When serve and worker
// processes both schedule, the dedupe key lets only the first one create it.
func (c *CronScheduler) trigger(integrationID string) {
	job, err := c.svc.CreateSyncJob(context.Background(), integrationID, JobOptions{
		Metadata:  map[string]any{"trigger": "schedule"},
		DedupeKey: tickKey(c.svc.now()),
	})
	if errors.Is(err, store.ErrDuplicate) {
		c.logger.Debug("scheduled sync already queued by another process", "integration_id", integrationID)
		return
	}
	if err != nil {
		c.logger.Error("scheduled sync failed to enqueue", "integration_id", integrationID, "err", err)
		return
	}
	c.logger.Info("scheduled sync queued", "integration_id", integrationID, "job_id", job.ID)
}
