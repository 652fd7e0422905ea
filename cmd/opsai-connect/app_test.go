package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/opsai/opsai-connect/internal/config"
	"github.com/opsai/opsai-connect/internal/connectors/registry"
	"github.com/opsai/opsai-connect/internal/queue"
	"github.com/opsai/opsai-connect/internal/store"
	"github.com/opsai/opsai-connect/internal/sync"
)

func TestNewApp_InMemorySyncOnce(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/broken" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(upstream.Close)

	ctx := context.Background()
	a, err := newApp(ctx, config.Config{})
	if err != nil {
		t.Fatalf("newApp() error = %v", err)
	}
	t.Cleanup(a.Close)

	in, err := a.service.CreateIntegration(ctx, "tenant-1", sync.IntegrationInput{
		Name:     "CRM",
		Provider: "crm",
		Spec: sync.IntegrationSpec{
			Connector: registry.Config{Kind: registry.KindREST, BaseURL: upstream.URL},
			Endpoints: []sync.Endpoint{{Path: "/contacts"}, {Path: "/broken"}},
		},
	})
	if err != nil {
		t.Fatalf("CreateIntegration() error = %v", err)
	}

	job, err := syncOnce(ctx, a.service, in.ID)
	if err != nil {
		t.Fatalf("syncOnce() error = %v", err)
	}
	if job.Status != store.JobFailed {
		t.Fatalf("status = %q, want %q", job.Status, store.JobFailed)
	}
	if !strings.Contains(job.Error, "direct: /broken") {
		t.Fatalf("error = %q, want the failed endpoint", job.Error)
	}
	if job.RecordsProcessed != 1 || job.RecordsFailed != 1 {
		t.Fatalf("records = %d/%d, want 1/1", job.RecordsProcessed, job.RecordsFailed)
	}
	if got := job.Metadata["trigger"]; got != "cli" {
		t.Fatalf("trigger = %v, want cli", got)
	}
}

func TestNewApp_ManagedFallbackNeedsCredentials(t *testing.T) {
	t.Parallel()

	fallback, err := newFallback(config.Config{}, nil, nil)
	if err != nil {
		t.Fatalf("newFallback() error = %v", err)
	}
	if fallback != nil {
		t.Fatalf("newFallback() = %v, want nil without credentials", fallback)
	}
}

func TestNewApp_FailedStartupReleasesResources(t *testing.T) {
	t.Parallel()

	cfg := config.Config{RedisURL: "ftp://localhost:6379"}
	a, err := newApp(context.Background(), cfg)
	if err == nil || !strings.Contains(err.Error(), "redis") {
		t.Fatalf("newApp() error = %v, want redis error", err)
	}
	if a != nil {
		t.Fatalf("newApp() = %v, want nil on failure", a)
	}

	partial := &app{cfg: cfg, logger: slog.Default()}
	if err := partial.open(context.Background()); err == nil {
		t.Fatal("open() error = nil, want redis error")
	}
	if partial.queue == nil || len(partial.closers) == 0 {
		t.Fatal("open() registered no closers before failing")
	}
	q := partial.queue
	partial.Close()
	if err := q.Enqueue(context.Background(), "job-1", time.Time{}); !errors.Is(err, queue.ErrClosed) {
		t.Fatalf("Enqueue() after Close error = %v, want %v", err, queue.ErrClosed)
	}
	if partial.closers != nil {
		t.Fatalf("closers = %d after Close, want none", len(partial.closers))
	}
}
