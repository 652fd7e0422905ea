package sync

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	gosync "sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opsai/opsai-connect/internal/connectors/airbyte"
	"github.com/opsai/opsai-connect/internal/connectors/registry"
	"github.com/opsai/opsai-connect/internal/connectors/rest"
	"github.com/opsai/opsai-connect/internal/connectors/webhook"
	"github.com/opsai/opsai-connect/internal/queue"
	"github.com/opsai/opsai-connect/internal/store"
)

type fakeFallback struct {
	mu    gosync.Mutex
	res   airbyte.Result
	err   error
	calls int
	last  airbyte.SyncRequest
}

func (f *fakeFallback) Sync(_ context.Context, req airbyte.SyncRequest) (airbyte.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.last = req
	return f.res, f.err
}

func (f *fakeFallback) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type testEnv struct {
	svc   *Service
	store *store.Memory
	queue *queue.Memory
	srv   *httptest.Server
}

func newTestEnv(t *testing.T, handler http.Handler, fallback Fallback) *testEnv {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	st := store.NewMemory()
	q := queue.NewMemory()
	t.Cleanup(func() { _ = q.Close() })

	var svc *Service
	factory := registry.NewFactory()
	if err := factory.Register(registry.KindREST, rest.NewConstructor(rest.Options{HTTPClient: srv.Client()})); err != nil {
		t.Fatalf("Register(rest) error = %v", err)
	}
	if err := factory.Register(registry.KindWebhook, webhook.NewConstructor(webhook.Options{
		Sink: st,
		Handler: func(ctx context.Context, ev store.WebhookEvent) error {
			return svc.HandleWebhookEvent(ctx, ev)
		},
	})); err != nil {
		t.Fatalf("Register(webhook) error = %v", err)
	}

	opts := Options{Store: st, Queue: q, Factory: factory}
	if fallback != nil {
		opts.Fallback = fallback
	}
	var err error
	svc, err = NewService(opts)
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	t.Cleanup(func() { _ = svc.Shutdown(context.Background()) })
	return &testEnv{svc: svc, store: st, queue: q, srv: srv}
}

func (e *testEnv) createREST(t *testing.T, endpoints ...string) store.Integration {
	t.Helper()
	spec := IntegrationSpec{Connector: registry.Config{Kind: registry.KindREST, BaseURL: e.srv.URL}}
	for _, p := range endpoints {
		spec.Endpoints = append(spec.Endpoints, Endpoint{Path: p})
	}
	in, err := e.svc.CreateIntegration(context.Background(), "tenant-1", IntegrationInput{Name: "CRM", Provider: "crm", Spec: spec})
	if err != nil {
		t.Fatalf("CreateIntegration() error = %v", err)
	}
	return in
}

func (e *testEnv) runJob(t *testing.T, integrationID string) store.SyncJob {
	t.Helper()
	job, err := e.svc.CreateSyncJob(context.Background(), integrationID, JobOptions{})
	if err != nil {
		t.Fatalf("CreateSyncJob() error = %v", err)
	}
	if err := e.svc.ProcessJob(context.Background(), job.ID); err != nil {
		t.Fatalf("ProcessJob() error = %v", err)
	}
	job, err = e.svc.GetSyncJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetSyncJob() error = %v", err)
	}
	return job
}

func statusHandler(codes map[string]int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		code, ok := codes[r.URL.Path]
		if !ok {
			code = http.StatusOK
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
}

func TestProcessJob_FallbackAfterEndpointFailure(t *testing.T) {
	t.Parallel()

	fb := &fakeFallback{res: airbyte.Result{Success: true, JobID: 7, ConnectionID: "conn-1"}}
	env := newTestEnv(t, statusHandler(map[string]int{"/two": http.StatusInternalServerError}), fb)
	in := env.createREST(t, "/one", "/two")

	job := env.runJob(t, in.ID)
	if job.Status != store.JobCompleted {
		t.Fatalf("Status = %q, want %q (error %q)", job.Status, store.JobCompleted, job.Error)
	}
	if job.RecordsProcessed != 1 || job.RecordsFailed != 1 {
		t.Fatalf("records = %d/%d, want 1/1", job.RecordsProcessed, job.RecordsFailed)
	}
	if used, _ := job.Metadata["fallbackUsed"].(bool); !used {
		t.Fatalf("metadata fallbackUsed = %v, want true", job.Metadata["fallbackUsed"])
	}
	directErrors, _ := job.Metadata["directErrors"].([]any)
	if len(directErrors) != 1 {
		t.Fatalf("directErrors = %v, want one retained failure", job.Metadata["directErrors"])
	}
	attempts, _ := job.Metadata["attempts"].([]any)
	if len(attempts) != 2 {
		t.Fatalf("attempts = %v, want direct and fallback", job.Metadata["attempts"])
	}
	if fb.Calls() != 1 || fb.last.IntegrationID != in.ID || fb.last.TenantID != "tenant-1" {
		t.Fatalf("fallback calls = %d, last = %+v", fb.Calls(), fb.last)
	}
	if job.StartedAt == nil || job.CompletedAt == nil {
		t.Fatalf("StartedAt/CompletedAt not set: %+v", job)
	}
}

func TestProcessJob_FallbackFailureKeepsBothErrors(t *testing.T) {
	t.Parallel()

	fb := &fakeFallback{err: registry.NewError(registry.CodeSyncTimeout, "poll_timeout", "managed job did not finish")}
	env := newTestEnv(t, statusHandler(map[string]int{"/one": http.StatusBadGateway}), fb)
	in := env.createREST(t, "/one")

	job := env.runJob(t, in.ID)
	if job.Status != store.JobFailed {
		t.Fatalf("Status = %q, want %q", job.Status, store.JobFailed)
	}
	if !strings.Contains(job.Error, "direct: /one") || !strings.Contains(job.Error, "fallback: SYNC_TIMEOUT") {
		t.Fatalf("Error = %q, want direct and fallback causes", job.Error)
	}
	got, err := env.svc.GetIntegration(context.Background(), in.ID)
	if err != nil {
		t.Fatalf("GetIntegration() error = %v", err)
	}
	if got.Status != store.IntegrationError || got.LastError == "" {
		t.Fatalf("integration = %q %q, want error status", got.Status, got.LastError)
	}
}

func TestProcessJob_ValidationFailureDoesNotEscalate(t *testing.T) {
	t.Parallel()

	fb := &fakeFallback{res: airbyte.Result{Success: true}}
	env := newTestEnv(t, statusHandler(map[string]int{"/one": http.StatusBadRequest}), fb)
	in := env.createREST(t, "/one")

	job := env.runJob(t, in.ID)
	if job.Status != store.JobFailed {
		t.Fatalf("Status = %q, want %q", job.Status, store.JobFailed)
	}
	if fb.Calls() != 0 {
		t.Fatalf("fallback calls = %d, want 0", fb.Calls())
	}
}

func TestProcessJob_DirectSuccess(t *testing.T) {
	t.Parallel()

	fb := &fakeFallback{}
	env := newTestEnv(t, statusHandler(nil), fb)
	in := env.createREST(t, "/one", "/two", "/three")

	job := env.runJob(t, in.ID)
	if job.Status != store.JobCompleted || job.RecordsProcessed != 3 || job.RecordsFailed != 0 {
		t.Fatalf("job = %s %d/%d", job.Status, job.RecordsProcessed, job.RecordsFailed)
	}
	if used, _ := job.Metadata["fallbackUsed"].(bool); used {
		t.Fatalf("fallbackUsed = true, want false")
	}
	if fb.Calls() != 0 {
		t.Fatalf("fallback calls = %d, want 0", fb.Calls())
	}
}

func TestProcessJob_NoFallbackConfigured(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, statusHandler(map[string]int{"/one": http.StatusServiceUnavailable}), nil)
	in := env.createREST(t, "/one")

	job := env.runJob(t, in.ID)
	if job.Status != store.JobFailed || !strings.Contains(job.Error, "not configured") {
		t.Fatalf("job = %s %q", job.Status, job.Error)
	}
}

func TestJobLifecycle_TerminalIsFinal(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, statusHandler(nil), nil)
	in := env.createREST(t, "/one")
	job := env.runJob(t, in.ID)
	if job.Status != store.JobCompleted {
		t.Fatalf("Status = %q, want completed", job.Status)
	}

	if _, err := env.svc.CancelSyncJob(context.Background(), job.ID); !errors.Is(err, ErrJobFinished) {
		t.Fatalf("CancelSyncJob() error = %v, want %v", err, ErrJobFinished)
	}
	if err := env.svc.ProcessJob(context.Background(), job.ID); err != nil {
		t.Fatalf("ProcessJob() on finished job error = %v", err)
	}
	again, _ := env.svc.GetSyncJob(context.Background(), job.ID)
	if again.Status != store.JobCompleted || again.RecordsProcessed != job.RecordsProcessed {
		t.Fatalf("finished job changed: %+v", again)
	}
}

func TestCancelSyncJob_Pending(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	env := newTestEnv(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}), nil)
	in := env.createREST(t, "/one")

	job, err := env.svc.CreateSyncJob(context.Background(), in.ID, JobOptions{})
	if err != nil {
		t.Fatalf("CreateSyncJob() error = %v", err)
	}
	cancelled, err := env.svc.CancelSyncJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("CancelSyncJob() error = %v", err)
	}
	if cancelled.Status != store.JobFailed || cancelled.Error != "cancelled" {
		t.Fatalf("cancelled = %s %q", cancelled.Status, cancelled.Error)
	}
	if err := env.svc.ProcessJob(context.Background(), job.ID); err != nil {
		t.Fatalf("ProcessJob() error = %v", err)
	}
	if calls.Load() != 0 {
		t.Fatalf("provider calls = %d, want 0", calls.Load())
	}
}

func TestCancelSyncJob_RunningStopsAtCheckpoint(t *testing.T) {
	t.Parallel()

	entered := make(chan struct{})
	release := make(chan struct{})
	var second atomic.Bool
	env := newTestEnv(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/one":
			close(entered)
			<-release
		case "/two":
			second.Store(true)
		}
		w.WriteHeader(http.StatusOK)
	}), &fakeFallback{})
	in := env.createREST(t, "/one", "/two")

	job, err := env.svc.CreateSyncJob(context.Background(), in.ID, JobOptions{})
	if err != nil {
		t.Fatalf("CreateSyncJob() error = %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- env.svc.ProcessJob(context.Background(), job.ID) }()

	<-entered
	if _, err := env.svc.CancelSyncJob(context.Background(), job.ID); err != nil {
		t.Fatalf("CancelSyncJob() error = %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("ProcessJob() error = %v", err)
	}

	got, _ := env.svc.GetSyncJob(context.Background(), job.ID)
	if got.Status != store.JobFailed || got.Error != "cancelled" {
		t.Fatalf("job = %s %q, want failed cancelled", got.Status, got.Error)
	}
	if second.Load() {
		t.Fatalf("second endpoint was called after cancellation")
	}
}

func TestCreateIntegration_Validation(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, statusHandler(nil), nil)
	tests := []struct {
		name  string
		input IntegrationInput
	}{
		{name: "missing base url", input: IntegrationInput{Name: "a", Provider: "p", Spec: IntegrationSpec{Connector: registry.Config{Kind: registry.KindREST}}}},
		{name: "unregistered kind", input: IntegrationInput{Name: "a", Provider: "p", Spec: IntegrationSpec{Connector: registry.Config{Kind: registry.KindManagedELT}}}},
		{name: "bad schedule", input: IntegrationInput{Name: "a", Provider: "p", Spec: IntegrationSpec{Connector: registry.Config{Kind: registry.KindREST, BaseURL: env.srv.URL}, Schedule: "every day"}}},
		{name: "empty endpoint", input: IntegrationInput{Name: "a", Provider: "p", Spec: IntegrationSpec{Connector: registry.Config{Kind: registry.KindREST, BaseURL: env.srv.URL}, Endpoints: []Endpoint{{}}}}},
		{name: "missing name", input: IntegrationInput{Provider: "p"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.svc.CreateIntegration(context.Background(), "tenant-1", tt.input)
			if !errors.Is(err, registry.ErrValidation) {
				t.Fatalf("CreateIntegration() error = %v, want %v", err, registry.ErrValidation)
			}
		})
	}
	if _, err := env.svc.CreateIntegration(context.Background(), "", IntegrationInput{Name: "a", Provider: "p"}); !errors.Is(err, registry.ErrValidation) {
		t.Fatalf("CreateIntegration() without tenant error = %v", err)
	}
}

type pathRecorder struct {
	mu    gosync.Mutex
	paths []string
}

func (p *pathRecorder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	p.paths = append(p.paths, r.URL.Path)
	p.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"ok":true}`))
}

func (p *pathRecorder) Paths() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.paths...)
}

func TestConnector_StaleSnapshotUsesStoredConfig(t *testing.T) {
	t.Parallel()

	rec := &pathRecorder{}
	env := newTestEnv(t, rec, nil)
	stale := env.createREST(t, "/one")

	if _, err := env.svc.UpdateIntegration(context.Background(), stale.ID, IntegrationInput{
		Name:     "CRM v2",
		Provider: "crm",
		Spec:     IntegrationSpec{Connector: registry.Config{Kind: registry.KindREST, BaseURL: env.srv.URL + "/v2"}},
	}); err != nil {
		t.Fatalf("UpdateIntegration() error = %v", err)
	}

	// A job that loaded the integration before the update still builds the
	// connector from the updated record.
	conn, _, err := env.svc.connector(context.Background(), stale)
	if err != nil {
		t.Fatalf("connector() error = %v", err)
	}
	if _, err := conn.ExecuteRequest(context.Background(), registry.Request{Endpoint: "/ping", Method: http.MethodGet}); err != nil {
		t.Fatalf("ExecuteRequest() error = %v", err)
	}
	if got := rec.Paths(); len(got) != 1 || got[0] != "/v2/ping" {
		t.Fatalf("request paths = %v, want [/v2/ping]", got)
	}
}

func TestConnector_DeletedIntegrationIsNotRebuilt(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, statusHandler(nil), nil)
	stale := env.createREST(t, "/one")
	if err := env.svc.DeleteIntegration(context.Background(), stale.ID); err != nil {
		t.Fatalf("DeleteIntegration() error = %v", err)
	}

	if _, _, err := env.svc.connector(context.Background(), stale); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("connector() error = %v, want %v", err, store.ErrNotFound)
	}
	if got := env.svc.Registry().Len(); got != 0 {
		t.Fatalf("live connectors after delete = %d, want 0", got)
	}
}

func TestUpdateIntegration_DisposesLiveConnector(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, statusHandler(nil), nil)
	in := env.createREST(t, "/one")

	resp, err := env.svc.ExecuteRequest(context.Background(), in.ID, "/ping", http.MethodGet, nil)
	if err != nil || !resp.Success {
		t.Fatalf("ExecuteRequest() = %+v, %v", resp, err)
	}
	if got := env.svc.Registry().Len(); got != 1 {
		t.Fatalf("live connectors = %d, want 1", got)
	}

	_, err = env.svc.UpdateIntegration(context.Background(), in.ID, IntegrationInput{
		Name:     "CRM v2",
		Provider: "crm",
		Spec:     IntegrationSpec{Connector: registry.Config{Kind: registry.KindREST, BaseURL: env.srv.URL + "/v2"}},
	})
	if err != nil {
		t.Fatalf("UpdateIntegration() error = %v", err)
	}
	if got := env.svc.Registry().Len(); got != 0 {
		t.Fatalf("live connectors after update = %d, want 0", got)
	}

	if err := env.svc.DeleteIntegration(context.Background(), in.ID); err != nil {
		t.Fatalf("DeleteIntegration() error = %v", err)
	}
	if _, err := env.svc.GetIntegration(context.Background(), in.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("GetIntegration() after delete error = %v", err)
	}
}

func TestTestConnection_NeverErrors(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, statusHandler(map[string]int{"/": http.StatusInternalServerError}), nil)
	in := env.createREST(t)

	res := env.svc.TestConnection(context.Background(), in.ID)
	if res.Success || res.Error == "" || res.Code != registry.CodeConnector {
		t.Fatalf("TestConnection() = %+v, want failure result", res)
	}
	got, _ := env.svc.GetIntegration(context.Background(), in.ID)
	if got.Status != store.IntegrationError {
		t.Fatalf("integration status = %q, want %q", got.Status, store.IntegrationError)
	}

	res = env.svc.TestConnection(context.Background(), "missing")
	if res.Success || res.Error == "" {
		t.Fatalf("TestConnection(missing) = %+v", res)
	}
}

func TestGetIntegrationMetrics(t *testing.T) {
	t.Parallel()

	fail := atomic.Bool{}
	env := newTestEnv(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}), &fakeFallback{res: airbyte.Result{Success: true, RecordsProcessed: 10}})
	in := env.createREST(t, "/one")

	env.runJob(t, in.ID)
	fail.Store(true)
	env.runJob(t, in.ID)
	if _, err := env.svc.CreateSyncJob(context.Background(), in.ID, JobOptions{}); err != nil {
		t.Fatalf("CreateSyncJob() error = %v", err)
	}

	m, err := env.svc.GetIntegrationMetrics(context.Background(), in.ID, TimeRange{})
	if err != nil {
		t.Fatalf("GetIntegrationMetrics() error = %v", err)
	}
	if m.TotalJobs != 3 || m.Completed != 2 || m.Pending != 1 {
		t.Fatalf("metrics = %+v", m)
	}
	if m.SuccessRate != 1 {
		t.Fatalf("SuccessRate = %v, want 1", m.SuccessRate)
	}
	if m.FallbackCount != 1 || m.RecordsProcessed != 11 || m.RecordsFailed != 1 {
		t.Fatalf("fallback=%d processed=%d failed=%d", m.FallbackCount, m.RecordsProcessed, m.RecordsFailed)
	}
	if m.To.Sub(m.From) != 24*time.Hour {
		t.Fatalf("range = %s, want 24h", m.To.Sub(m.From))
	}
}

func TestGetSyncJobHistory_NewestFirst(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, statusHandler(nil), nil)
	in := env.createREST(t, "/one")
	var ids []string
	for i := 0; i < 3; i++ {
		job, err := env.svc.CreateSyncJob(context.Background(), in.ID, JobOptions{})
		if err != nil {
			t.Fatalf("CreateSyncJob() error = %v", err)
		}
		ids = append(ids, job.ID)
		time.Sleep(2 * time.Millisecond)
	}
	history, err := env.svc.GetSyncJobHistory(context.Background(), in.ID, 2)
	if err != nil {
		t.Fatalf("GetSyncJobHistory() error = %v", err)
	}
	if len(history) != 2 || history[0].ID != ids[2] || history[1].ID != ids[1] {
		t.Fatalf("history = %v, want newest two", history)
	}
	if _, err := env.svc.GetSyncJobHistory(context.Background(), "missing", 5); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("GetSyncJobHistory(missing) error = %v", err)
	}
}

func TestWorker_ProcessesQueuedJobs(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, statusHandler(nil), nil)
	in := env.createREST(t, "/one")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := &Worker{Service: env.svc, Queue: env.queue, Concurrency: 2}
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	var jobIDs []string
	for i := 0; i < 4; i++ {
		job, err := env.svc.CreateSyncJob(context.Background(), in.ID, JobOptions{})
		if err != nil {
			t.Fatalf("CreateSyncJob() error = %v", err)
		}
		jobIDs = append(jobIDs, job.ID)
	}

	waitUntil(t, func() bool {
		for _, id := range jobIDs {
			j, _ := env.svc.GetSyncJob(context.Background(), id)
			if j.Status != store.JobCompleted {
				return false
			}
		}
		return true
	})
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run() error = %v", err)
	}
}

func TestReceiveWebhook_TriggersSync(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, statusHandler(nil), nil)
	in, err := env.svc.CreateIntegration(context.Background(), "tenant-1", IntegrationInput{
		Name:     "GitHub events",
		Provider: "github",
		Spec: IntegrationSpec{
			Connector:    registry.Config{Kind: registry.KindWebhook, Webhook: registry.WebhookSettings{Secret: "literal:s3cret"}},
			SyncOnEvents: []string{"push"},
		},
	})
	if err != nil {
		t.Fatalf("CreateIntegration() error = %v", err)
	}

	body := []byte(`{"ref":"main"}`)
	headers := http.Header{}
	headers.Set("X-GitHub-Event", "push")
	if _, err := env.svc.ReceiveWebhook(context.Background(), "github", body, headers, "sha256=00"); !errors.Is(err, registry.ErrInvalidSignature) {
		t.Fatalf("ReceiveWebhook() bad signature error = %v", err)
	}
	events, err := env.svc.ReceiveWebhook(context.Background(), "GitHub", body, headers, webhook.Sign("s3cret", body))
	if err != nil {
		t.Fatalf("ReceiveWebhook() error = %v", err)
	}
	if len(events) != 1 || events[0].EventType != "push" {
		t.Fatalf("events = %+v", events)
	}

	waitUntil(t, func() bool {
		jobs, _ := env.svc.GetSyncJobHistory(context.Background(), in.ID, 10)
		return len(jobs) == 1 && jobs[0].Metadata["trigger"] == "webhook"
	})

	if _, err := env.svc.ReceiveWebhook(context.Background(), "unknown", body, headers, ""); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("ReceiveWebhook(unknown) error = %v", err)
	}
	hub, err := env.svc.EventHub(context.Background(), in.ID)
	if err != nil || hub == nil {
		t.Fatalf("EventHub() = %v, %v", hub, err)
	}
}

func TestCronScheduler_OneJobPerTickAcrossProcesses(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, statusHandler(nil), nil)
	in := env.createREST(t, "/one")

	// A second process sharing the same store and queue.
	other, err := NewService(Options{Store: env.store, Queue: env.queue, Factory: registry.NewFactory()})
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	tick := time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC)
	env.svc.now = func() time.Time { return tick.Add(150 * time.Millisecond) }
	other.now = func() time.Time { return tick.Add(1200 * time.Millisecond) }

	NewCronScheduler(env.svc, nil).trigger(in.ID)
	NewCronScheduler(other, nil).trigger(in.ID)

	jobs, err := env.svc.GetSyncJobHistory(context.Background(), in.ID, 10)
	if err != nil {
		t.Fatalf("GetSyncJobHistory() error = %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("jobs for one tick = %d, want 1", len(jobs))
	}

	env.svc.now = func() time.Time { return tick.Add(time.Hour) }
	NewCronScheduler(env.svc, nil).trigger(in.ID)
	if jobs, _ = env.svc.GetSyncJobHistory(context.Background(), in.ID, 10); len(jobs) != 2 {
		t.Fatalf("jobs after next tick = %d, want 2", len(jobs))
	}
}

func TestCronScheduler_FollowsIntegrations(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, statusHandler(nil), nil)
	c := NewCronScheduler(env.svc, nil)

	in, err := env.svc.CreateIntegration(context.Background(), "tenant-1", IntegrationInput{
		Name:     "Nightly",
		Provider: "crm",
		Spec:     IntegrationSpec{Connector: registry.Config{Kind: registry.KindREST, BaseURL: env.srv.URL}, Schedule: "0 2 * * *"},
	})
	if err != nil {
		t.Fatalf("CreateIntegration() error = %v", err)
	}
	if got := c.Len(); got != 1 {
		t.Fatalf("entries after create = %d, want 1", got)
	}

	if _, err := env.svc.SetIntegrationStatus(context.Background(), in.ID, store.IntegrationDisabled); err != nil {
		t.Fatalf("SetIntegrationStatus() error = %v", err)
	}
	if got := c.Len(); got != 0 {
		t.Fatalf("entries after disable = %d, want 0", got)
	}

	if _, err := env.svc.SetIntegrationStatus(context.Background(), in.ID, store.IntegrationActive); err != nil {
		t.Fatalf("SetIntegrationStatus() error = %v", err)
	}
	c.Remove(in.ID)
	if err := c.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if got := c.Len(); got != 1 {
		t.Fatalf("entries after reconcile = %d, want 1", got)
	}

	if err := env.svc.DeleteIntegration(context.Background(), in.ID); err != nil {
		t.Fatalf("DeleteIntegration() error = %v", err)
	}
	if got := c.Len(); got != 0 {
		t.Fatalf("entries after delete = %d, want 0", got)
	}
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}
