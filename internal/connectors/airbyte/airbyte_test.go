package airbyte

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opsai/opsai-connect/internal/connectors/registry"
)

// fakePlatform is an in-memory stand-in for the platform API.
type fakePlatform struct {
	mu           sync.Mutex
	sources      []Source
	destinations []Destination
	connections  []Connection
	streams      []Stream
	jobs         map[int64]*Job
	nextJob      int64
	// pollsUntilDone is how many GET /jobs/{id} calls report running.
	pollsUntilDone int
	finalStatus    JobStatus
	polls          map[int64]int
	cancelled      []int64
	discoveries    int
	auth           []string
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{
		streams: []Stream{
			{StreamName: "customers", SyncModes: []string{"full_refresh_overwrite", "incremental_append"}, DefaultCursorField: []string{"updated"}},
			{StreamName: "invoices", SyncModes: []string{"full_refresh_overwrite"}},
		},
		jobs:        map[int64]*Job{},
		polls:       map[int64]int{},
		finalStatus: JobSucceeded,
	}
}

func (f *fakePlatform) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.auth = append(f.auth, r.Header.Get("Authorization"))

	write := func(v any) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(v)
	}
	decode := func(v any) {
		_ = json.NewDecoder(r.Body).Decode(v)
	}

	switch {
	case r.URL.Path == "/v1/workspaces":
		write(map[string]any{"data": []Workspace{{WorkspaceID: "ws-1", Name: "default"}}})
	case r.URL.Path == "/v1/sources" && r.Method == http.MethodGet:
		write(map[string]any{"data": f.sources})
	case r.URL.Path == "/v1/sources" && r.Method == http.MethodPost:
		var in Source
		decode(&in)
		in.SourceID = "src-" + strconv.Itoa(len(f.sources)+1)
		in.SourceType, _ = in.Configuration["sourceType"].(string)
		f.sources = append(f.sources, in)
		write(in)
	case r.URL.Path == "/v1/destinations" && r.Method == http.MethodGet:
		write(map[string]any{"data": f.destinations})
	case r.URL.Path == "/v1/destinations" && r.Method == http.MethodPost:
		var in Destination
		decode(&in)
		in.DestinationID = "dst-" + strconv.Itoa(len(f.destinations)+1)
		f.destinations = append(f.destinations, in)
		write(in)
	case r.URL.Path == "/v1/connections" && r.Method == http.MethodGet:
		write(map[string]any{"data": f.connections})
	case r.URL.Path == "/v1/connections" && r.Method == http.MethodPost:
		var in Connection
		decode(&in)
		in.ConnectionID = "conn-" + strconv.Itoa(len(f.connections)+1)
		f.connections = append(f.connections, in)
		write(in)
	case r.URL.Path == "/v1/streams":
		f.discoveries++
		write(f.streams)
	case r.URL.Path == "/v1/jobs" && r.Method == http.MethodPost:
		var in struct {
			ConnectionID string `json:"connectionId"`
			JobType      string `json:"jobType"`
		}
		decode(&in)
		f.nextJob++
		job := &Job{JobID: f.nextJob, Status: JobPending, JobType: in.JobType, ConnectionID: in.ConnectionID}
		f.jobs[job.JobID] = job
		write(job)
	case strings.HasPrefix(r.URL.Path, "/v1/jobs/"):
		id, _ := strconv.ParseInt(strings.TrimPrefix(r.URL.Path, "/v1/jobs/"), 10, 64)
		job, ok := f.jobs[id]
		if !ok {
			http.Error(w, `{"detail":"no such job"}`, http.StatusNotFound)
			return
		}
		if r.Method == http.MethodDelete {
			f.cancelled = append(f.cancelled, id)
			job.Status = JobCancelled
			write(job)
			return
		}
		f.polls[id]++
		if f.pollsUntilDone >= 0 && f.polls[id] > f.pollsUntilDone {
			job.Status = f.finalStatus
			if job.Status == JobSucceeded {
				job.RowsSynced = 1200
				job.BytesSynced = 4096
			}
		} else {
			job.Status = JobRunning
		}
		write(job)
	default:
		http.NotFound(w, r)
	}
}

func newTestManaged(t *testing.T, fp *fakePlatform, opts Options) *Connector {
	t.Helper()
	srv := httptest.NewServer(fp)
	t.Cleanup(srv.Close)

	client, err := NewClient(ClientOptions{APIURL: srv.URL + "/v1", APIKey: "key-1", HTTPClient: srv.Client()})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	opts.Client = client
	if opts.PollInterval == 0 {
		opts.PollInterval = 5 * time.Millisecond
	}
	if opts.SyncTimeout == 0 {
		opts.SyncTimeout = 2 * time.Second
	}
	if opts.Destination.Host == "" {
		opts.Destination = DestinationSettings{Host: "warehouse", Database: "analytics", Username: "loader", Password: "literal:pw"}
	}
	c, err := New(opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return c
}

func stripeRequest() SyncRequest {
	return SyncRequest{
		IntegrationID: "int-42",
		TenantID:      "Acme-Co",
		Provider:      "stripe",
		Managed: ManagedSpec{
			Configuration: map[string]any{"accountId": "acct_1", "clientSecret": "literal:sk_test"},
		},
	}
}

func TestSync_ManagedSucceeds(t *testing.T) {
	t.Parallel()

	fp := newFakePlatform()
	fp.pollsUntilDone = 2
	c := newTestManaged(t, fp, Options{})

	res, err := c.Sync(context.Background(), stripeRequest())
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if !res.Success || res.RecordsProcessed != 1200 || res.DataSize != 4096 {
		t.Fatalf("Result = %+v", res)
	}
	if res.ConnectionID != "conn-1" || res.JobID != 1 {
		t.Fatalf("ConnectionID = %q JobID = %d", res.ConnectionID, res.JobID)
	}

	fp.mu.Lock()
	defer fp.mu.Unlock()
	if got := fp.sources[0].Configuration["client_secret"]; got != "sk_test" {
		t.Fatalf("source client_secret = %v, want resolved secret", got)
	}
	if got := fp.sources[0].Name; got != "opsai-stripe-int-42" {
		t.Fatalf("source name = %q", got)
	}
	if got := fp.destinations[0].Configuration["schema"]; got != "tenant_acme_co" {
		t.Fatalf("destination schema = %v, want tenant_acme_co", got)
	}
	if got := fp.destinations[0].Configuration["password"]; got != "pw" {
		t.Fatalf("destination password = %v, want resolved", got)
	}
	streams := fp.connections[0].Configurations.Streams
	if len(streams) != 2 {
		t.Fatalf("catalog streams = %d, want 2", len(streams))
	}
	if streams[0].SyncMode != "incremental_deduped_history" || streams[1].SyncMode != "full_refresh_overwrite_deduped" {
		t.Fatalf("sync modes = %q, %q", streams[0].SyncMode, streams[1].SyncMode)
	}
	if fp.connections[0].Schedule.ScheduleType != "manual" {
		t.Fatalf("schedule = %+v, want manual", fp.connections[0].Schedule)
	}
	for _, h := range fp.auth {
		if h != "Bearer key-1" {
			t.Fatalf("Authorization = %q", h)
		}
	}
}

func TestSync_Idempotent(t *testing.T) {
	t.Parallel()

	fp := newFakePlatform()
	c := newTestManaged(t, fp, Options{})

	for i := 0; i < 2; i++ {
		if _, err := c.Sync(context.Background(), stripeRequest()); err != nil {
			t.Fatalf("Sync() #%d error = %v", i+1, err)
		}
	}

	fp.mu.Lock()
	defer fp.mu.Unlock()
	if len(fp.sources) != 1 || len(fp.destinations) != 1 || len(fp.connections) != 1 {
		t.Fatalf("created sources=%d destinations=%d connections=%d, want 1 each", len(fp.sources), len(fp.destinations), len(fp.connections))
	}
	if fp.discoveries != 1 {
		t.Fatalf("discoveries = %d, want 1", fp.discoveries)
	}
	if len(fp.jobs) != 2 {
		t.Fatalf("jobs = %d, want 2", len(fp.jobs))
	}
}

func TestSync_JobFailed(t *testing.T) {
	t.Parallel()

	fp := newFakePlatform()
	fp.finalStatus = JobFailed
	c := newTestManaged(t, fp, Options{})

	res, err := c.Sync(context.Background(), stripeRequest())
	if !errors.Is(err, registry.ErrConnector) {
		t.Fatalf("Sync() error = %v, want CONNECTOR_ERROR", err)
	}
	if res.Success || len(res.Errors) != 1 {
		t.Fatalf("Result = %+v", res)
	}
}

func TestWaitForJobCompletion_Timeout(t *testing.T) {
	t.Parallel()

	fp := newFakePlatform()
	fp.pollsUntilDone = -1
	c := newTestManaged(t, fp, Options{SyncTimeout: 40 * time.Millisecond})

	_, err := c.Sync(context.Background(), stripeRequest())
	if !errors.Is(err, registry.ErrSyncTimeout) {
		t.Fatalf("Sync() error = %v, want %v", err, registry.ErrSyncTimeout)
	}
}

func TestWaitForJobCompletion_Cancelled(t *testing.T) {
	t.Parallel()

	fp := newFakePlatform()
	fp.pollsUntilDone = -1
	c := newTestManaged(t, fp, Options{})

	var polls atomic.Int32
	req := stripeRequest()
	req.Cancelled = func(context.Context) (bool, error) {
		return polls.Add(1) > 6, nil
	}
	_, err := c.Sync(context.Background(), req)
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("Sync() error = %v, want %v", err, ErrCancelled)
	}
	fp.mu.Lock()
	defer fp.mu.Unlock()
	if len(fp.cancelled) != 1 {
		t.Fatalf("cancelled jobs = %v, want one", fp.cancelled)
	}
}

func TestSync_SelectedStreamsAndSchedule(t *testing.T) {
	t.Parallel()

	fp := newFakePlatform()
	c := newTestManaged(t, fp, Options{})

	req := stripeRequest()
	req.Managed.Streams = []string{"invoices"}
	req.Managed.Schedule = "30 2 * * 1-5"
	if _, err := c.Sync(context.Background(), req); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	fp.mu.Lock()
	defer fp.mu.Unlock()
	conn := fp.connections[0]
	if len(conn.Configurations.Streams) != 1 || conn.Configurations.Streams[0].Name != "invoices" {
		t.Fatalf("streams = %+v", conn.Configurations.Streams)
	}
	if conn.Schedule.ScheduleType != "cron" || conn.Schedule.CronExpression != "0 30 2 ? * 2-6" {
		t.Fatalf("schedule = %+v", conn.Schedule)
	}
}

func TestSync_InvalidScheduleIsValidation(t *testing.T) {
	t.Parallel()

	fp := newFakePlatform()
	c := newTestManaged(t, fp, Options{})
	req := stripeRequest()
	req.Managed.Schedule = "not a cron"
	_, err := c.Sync(context.Background(), req)
	if !errors.Is(err, registry.ErrValidation) {
		t.Fatalf("Sync() error = %v, want %v", err, registry.ErrValidation)
	}
}

func TestQuartzCron(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{in: "*/15 * * * *", want: "0 */15 * * * ?"},
		{in: "0 3 1 * *", want: "0 0 3 1 * ?"},
		{in: "0 9 * * 0", want: "0 0 9 ? * 1"},
		{in: "@daily", want: "0 0 0 * * ?"},
		{in: "30 6 15 * 1-5", want: "0 30 6 15 * ?"},
		{in: "0 0 1,15 * 0", want: "0 0 0 1,15 * ?"},
	}
	for _, tt := range tests {
		got, err := QuartzCron(tt.in)
		if err != nil {
			t.Fatalf("QuartzCron(%q) error = %v", tt.in, err)
		}
		if got != tt.want {
			t.Fatalf("QuartzCron(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestBuildSourceConfiguration(t *testing.T) {
	t.Parallel()

	cfg, err := BuildSourceConfiguration("mongodb", map[string]any{"connectionString": "mongodb://db", "database": "app"}, registry.Config{})
	if err != nil {
		t.Fatalf("BuildSourceConfiguration() error = %v", err)
	}
	if cfg["sourceType"] != SourceMongoDB {
		t.Fatalf("sourceType = %v, want %s", cfg["sourceType"], SourceMongoDB)
	}

	cfg, err = BuildSourceConfiguration("http", nil, registry.Config{BaseURL: "https://api.example.com"})
	if err != nil {
		t.Fatalf("BuildSourceConfiguration(http) error = %v", err)
	}
	if cfg["url"] != "https://api.example.com" {
		t.Fatalf("url = %v", cfg["url"])
	}

	if _, err := BuildSourceConfiguration("postgres", map[string]any{"host": "db"}, registry.Config{}); !errors.Is(err, registry.ErrValidation) {
		t.Fatalf("missing field error = %v, want %v", err, registry.ErrValidation)
	}
	if _, err := BuildSourceConfiguration("salesforce", nil, registry.Config{}); !errors.Is(err, registry.ErrValidation) {
		t.Fatalf("unsupported type error = %v, want %v", err, registry.ErrValidation)
	}
}

func TestClient_ClientCredentialsTokenCached(t *testing.T) {
	t.Parallel()

	var grants atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		if r.Form.Get("client_id") != "cid" || r.Form.Get("client_secret") != "csecret" {
			http.Error(w, "bad client", http.StatusUnauthorized)
			return
		}
		n := grants.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"tok-` + strconv.Itoa(int(n)) + `","token_type":"bearer","expires_in":100}`))
	})
	var seen []string
	var mu sync.Mutex
	mux.HandleFunc("/v1/workspaces", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen = append(seen, r.Header.Get("Authorization"))
		mu.Unlock()
		_, _ = w.Write([]byte(`{"data":[]}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	client, err := NewClient(ClientOptions{APIURL: srv.URL + "/v1", TokenURL: srv.URL + "/token", ClientID: "cid", ClientSecret: "csecret", HTTPClient: srv.Client()})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	now := time.Now()
	client.tokens.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if _, err := client.ListWorkspaces(context.Background()); err != nil {
			t.Fatalf("ListWorkspaces() error = %v", err)
		}
	}
	if got := grants.Load(); got != 1 {
		t.Fatalf("grants = %d, want 1", got)
	}

	now = now.Add(95 * time.Second)
	if _, err := client.ListWorkspaces(context.Background()); err != nil {
		t.Fatalf("ListWorkspaces() error = %v", err)
	}
	if got := grants.Load(); got != 2 {
		t.Fatalf("grants after 90%% lifetime = %d, want 2", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if seen[len(seen)-1] != "Bearer tok-2" {
		t.Fatalf("Authorization = %q, want Bearer tok-2", seen[len(seen)-1])
	}
}

func TestExecuteRequest_ProxiesAndClassifies(t *testing.T) {
	t.Parallel()

	fp := newFakePlatform()
	c := newTestManaged(t, fp, Options{})

	resp, err := c.ExecuteRequest(context.Background(), registry.Request{Endpoint: "/workspaces"})
	if err != nil {
		t.Fatalf("ExecuteRequest() error = %v", err)
	}
	if resp.Status != http.StatusOK || !strings.Contains(string(resp.Data), "ws-1") {
		t.Fatalf("Response = %d %s", resp.Status, resp.Data)
	}

	_, err = c.ExecuteRequest(context.Background(), registry.Request{Endpoint: "/jobs/999"})
	var rerr *registry.Error
	if !errors.As(err, &rerr) || rerr.Reason != "not_found" || !strings.Contains(rerr.Message, "no such job") {
		t.Fatalf("ExecuteRequest() error = %v, want not_found", err)
	}

	if ok, err := c.TestConnection(context.Background()); !ok || err != nil {
		t.Fatalf("TestConnection() = %v, %v", ok, err)
	}
}
