package airbyte

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/opsai/opsai-connect/internal/connectors/registry"
	"github.com/opsai/opsai-connect/internal/secrets"
	"github.com/robfig/cron/v3"
)

const (
	DefaultPollInterval = 5 * time.Second
	DefaultSyncTimeout  = 300 * time.Second

	// DestinationSyncMode is the only write mode the procedure uses.
	DestinationSyncMode = "append_dedup"
)

// ErrCancelled is returned when the caller cancels a running sync.
var ErrCancelled = errors.New("managed sync cancelled")

// ManagedSpec overrides what the fallback replicates for one integration.
type ManagedSpec struct {
	SourceType        string         `json:"sourceType,omitempty"`
	Configuration     map[string]any `json:"configuration,omitempty"`
	Streams           []string       `json:"streams,omitempty"`
	DestinationName   string         `json:"destinationName,omitempty"`
	DestinationSchema string         `json:"destinationSchema,omitempty"`
	// Schedule is a standard five-field cron expression or descriptor.
	Schedule string `json:"schedule,omitempty"`
}

type SyncRequest struct {
	IntegrationID string
	TenantID      string
	Provider      string
	Connector     registry.Config
	Managed       ManagedSpec
	// Cancelled is polled between steps and on every job poll.
	Cancelled func(ctx context.Context) (bool, error)
}

type Result struct {
	Success          bool          `json:"success"`
	RecordsProcessed int64         `json:"recordsProcessed"`
	RecordsFailed    int64         `json:"recordsFailed"`
	Duration         time.Duration `json:"duration"`
	DataSize         int64         `json:"dataSize"`
	Errors           []string      `json:"errors,omitempty"`
	JobID            int64         `json:"jobId,omitempty"`
	ConnectionID     string        `json:"connectionId,omitempty"`
}

type Options struct {
	Client       *Client
	Secrets      secrets.Resolver
	WorkspaceID  string
	Destination  DestinationSettings
	PollInterval time.Duration
	SyncTimeout  time.Duration
	Reporter     registry.Reporter
	Logger       *slog.Logger
}

// Connector runs the find-or-create replication procedure and also serves
// the managed_elt kind as a raw platform proxy.
type Connector struct {
	client       *Client
	secrets      secrets.Resolver
	destination  DestinationSettings
	pollInterval time.Duration
	syncTimeout  time.Duration
	reporter     registry.Reporter
	logger       *slog.Logger
	now          func() time.Time

	mu          sync.Mutex
	workspaceID string
}

func New(opts Options) (*Connector, error) {
	if opts.Client == nil {
		return nil, registry.NewError(registry.CodeValidation, "invalid_config", "managed replication is not configured")
	}
	c := &Connector{
		client:       opts.Client,
		secrets:      opts.Secrets,
		destination:  opts.Destination,
		pollInterval: opts.PollInterval,
		syncTimeout:  opts.SyncTimeout,
		reporter:     opts.Reporter,
		logger:       opts.Logger,
		workspaceID:  strings.TrimSpace(opts.WorkspaceID),
		now:          time.Now,
	}
	if c.secrets == nil {
		c.secrets = secrets.Plain
	}
	if c.pollInterval <= 0 {
		c.pollInterval = DefaultPollInterval
	}
	if c.syncTimeout <= 0 {
		c.syncTimeout = DefaultSyncTimeout
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c, nil
}

// NewConstructor shares one client across managed_elt integrations.
func NewConstructor(opts Options) registry.Constructor {
	return func(registry.Target) (registry.Connector, error) {
		return New(opts)
	}
}

func (c *Connector) Kind() registry.Kind { return registry.KindManagedELT }

func (c *Connector) Initialize(context.Context) error { return nil }

func (c *Connector) Dispose(context.Context) error { return nil }

// TestConnection lists workspaces.
func (c *Connector) TestConnection(ctx context.Context) (bool, error) {
	if _, err := c.client.ListWorkspaces(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// ExecuteRequest proxies one call to the platform API.
func (c *Connector) ExecuteRequest(ctx context.Context, req registry.Request) (*registry.Response, error) {
	resp, err := c.client.Raw(ctx, req.MethodOrDefault(), req.Endpoint, req.Query, req.Data)
	if err != nil {
		return nil, err
	}
	data := resp.Body
	if len(data) == 0 {
		data = []byte("null")
	}
	return &registry.Response{Success: true, Status: resp.Status, Headers: resp.Header, Data: data}, nil
}

// Sync replicates one integration: source, destination and connection are
// looked up by name before being created, then one job is started and
// awaited. Repeating a sync reuses everything except the job.
func (c *Connector) Sync(ctx context.Context, req SyncRequest) (Result, error) {
	start := c.now()
	res := Result{}
	fail := func(err error) (Result, error) {
		res.Duration = c.now().Sub(start)
		res.Errors = append(res.Errors, errorMessage(err))
		c.report(req, "failed", err)
		return res, err
	}

	workspaceID, err := c.workspace(ctx)
	if err != nil {
		return fail(err)
	}

	c.report(req, "source", nil)
	source, err := c.EnsureSource(ctx, workspaceID, req)
	if err != nil {
		return fail(err)
	}
	if err := checkCancelled(ctx, req.Cancelled); err != nil {
		return fail(err)
	}

	c.report(req, "destination", nil)
	dest, err := c.EnsureDestination(ctx, workspaceID, req)
	if err != nil {
		return fail(err)
	}
	if err := checkCancelled(ctx, req.Cancelled); err != nil {
		return fail(err)
	}

	c.report(req, "connection", nil)
	conn, err := c.EnsureConnection(ctx, workspaceID, req, source, dest)
	if err != nil {
		return fail(err)
	}
	res.ConnectionID = conn.ConnectionID
	if err := checkCancelled(ctx, req.Cancelled); err != nil {
		return fail(err)
	}

	c.report(req, "job", nil)
	job, err := c.client.StartSync(ctx, conn.ConnectionID)
	if err != nil {
		return fail(err)
	}
	res.JobID = job.JobID

	job, err = c.WaitForJobCompletion(ctx, job.JobID, req.Cancelled)
	if err != nil {
		return fail(err)
	}
	res.RecordsProcessed = job.RowsSynced
	res.DataSize = job.BytesSynced
	res.Duration = c.now().Sub(start)
	if job.Status != JobSucceeded {
		err := registry.NewError(registry.CodeConnector, "job_"+string(job.Status), fmt.Sprintf("managed sync job %d finished with status %s", job.JobID, job.Status))
		res.Errors = append(res.Errors, err.Message)
		c.report(req, "failed", err)
		return res, err
	}
	res.Success = true
	c.report(req, "completed", nil)
	return res, nil
}

// WaitForJobCompletion polls jobID until it reaches a terminal status. It
// fails with SYNC_TIMEOUT once the sync timeout elapses, and cancels the
// platform job when cancelled reports true.
func (c *Connector) WaitForJobCompletion(ctx context.Context, jobID int64, cancelled func(context.Context) (bool, error)) (Job, error) {
	deadline := c.now().Add(c.syncTimeout)
	for {
		if err := checkCancelled(ctx, cancelled); err != nil {
			if errors.Is(err, ErrCancelled) {
				if _, cerr := c.client.CancelJob(context.WithoutCancel(ctx), jobID); cerr != nil {
					c.logger.Warn("cancel managed sync job failed", "job_id", jobID, "err", cerr)
				}
			}
			return Job{}, err
		}

		job, err := c.client.GetJob(ctx, jobID)
		switch {
		case err == nil:
			if job.Status.Terminal() {
				return job, nil
			}
		case registry.CodeOf(err) == registry.CodeConnector:
			c.logger.Warn("poll managed sync job failed", "job_id", jobID, "err", err)
		default:
			return Job{}, err
		}

		remaining := deadline.Sub(c.now())
		if remaining <= 0 {
			return Job{}, registry.NewError(registry.CodeSyncTimeout, "poll_timeout", fmt.Sprintf("managed sync job %d did not finish within %s", jobID, c.syncTimeout))
		}
		wait := c.pollInterval
		if wait > remaining {
			wait = remaining
		}
		if err := sleep(ctx, wait); err != nil {
			return Job{}, err
		}
	}
}

func (c *Connector) workspace(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.workspaceID != "" {
		return c.workspaceID, nil
	}
	ws, err := c.client.ListWorkspaces(ctx)
	if err != nil {
		return "", err
	}
	if len(ws) == 0 {
		return "", registry.NewError(registry.CodeValidation, "no_workspace", "no workspace is available for managed replication")
	}
	c.workspaceID = ws[0].WorkspaceID
	return c.workspaceID, nil
}

// EnsureSource returns the integration's source, creating it when missing.
func (c *Connector) EnsureSource(ctx context.Context, workspaceID string, req SyncRequest) (Source, error) {
	name := SourceName(req)
	existing, err := c.client.ListSources(ctx, workspaceID)
	if err != nil {
		return Source{}, err
	}
	for _, s := range existing {
		if s.Name == name {
			return s, nil
		}
	}

	resolved, err := secrets.ResolveMap(ctx, c.secrets, req.Managed.Configuration)
	if err != nil {
		return Source{}, registry.WrapError(registry.CodeAuth, "secret_unavailable", err)
	}
	configuration, err := BuildSourceConfiguration(sourceType(req), resolved, req.Connector)
	if err != nil {
		return Source{}, err
	}
	c.logger.Info("creating managed source", "integration_id", req.IntegrationID, "source_type", configuration["sourceType"])
	return c.client.CreateSource(ctx, workspaceID, name, configuration)
}

// EnsureDestination returns the tenant's warehouse destination, creating it
// when missing.
func (c *Connector) EnsureDestination(ctx context.Context, workspaceID string, req SyncRequest) (Destination, error) {
	name := req.Managed.DestinationName
	if name == "" {
		name = "opsai-warehouse-" + TenantSchema(req.TenantID)
	}
	existing, err := c.client.ListDestinations(ctx, workspaceID)
	if err != nil {
		return Destination{}, err
	}
	for _, d := range existing {
		if d.Name == name {
			return d, nil
		}
	}

	settings := c.destination
	if req.Managed.DestinationSchema != "" {
		settings.Schema = req.Managed.DestinationSchema
	}
	if ref := settings.Password; secrets.IsReference(ref) {
		pw, err := c.secrets.Resolve(ctx, ref)
		if err != nil {
			return Destination{}, registry.WrapError(registry.CodeAuth, "secret_unavailable", err)
		}
		settings.Password = pw
	}
	configuration, err := settings.DestinationConfiguration(req.TenantID)
	if err != nil {
		return Destination{}, err
	}
	return c.client.CreateDestination(ctx, workspaceID, name, configuration)
}

// EnsureConnection returns the integration's connection. A new connection
// gets its catalog from stream discovery.
func (c *Connector) EnsureConnection(ctx context.Context, workspaceID string, req SyncRequest, source Source, dest Destination) (Connection, error) {
	name := ConnectionName(req)
	existing, err := c.client.ListConnections(ctx, workspaceID)
	if err != nil {
		return Connection{}, err
	}
	for _, conn := range existing {
		if conn.Name == name {
			return conn, nil
		}
	}

	schedule := &Schedule{ScheduleType: "manual"}
	if expr := strings.TrimSpace(req.Managed.Schedule); expr != "" {
		quartz, err := QuartzCron(expr)
		if err != nil {
			return Connection{}, err
		}
		schedule = &Schedule{ScheduleType: "cron", CronExpression: quartz}
	}

	streams, err := c.client.DiscoverStreams(ctx, source.SourceID, dest.DestinationID)
	if err != nil {
		return Connection{}, err
	}
	catalog, err := BuildCatalog(streams, req.Managed.Streams)
	if err != nil {
		return Connection{}, err
	}
	return c.client.CreateConnection(ctx, Connection{
		Name:           name,
		SourceID:       source.SourceID,
		DestinationID:  dest.DestinationID,
		Schedule:       schedule,
		Configurations: &catalog,
	})
}

// BuildCatalog selects the wanted streams, or all of them when wanted is
// empty. Each stream syncs incrementally when the source supports it.
func BuildCatalog(discovered []Stream, wanted []string) (Catalog, error) {
	byName := make(map[string]Stream, len(discovered))
	for _, s := range discovered {
		byName[s.StreamName] = s
	}
	selected := discovered
	if len(wanted) > 0 {
		selected = make([]Stream, 0, len(wanted))
		for _, name := range wanted {
			s, ok := byName[name]
			if !ok {
				return Catalog{}, registry.NewError(registry.CodeValidation, "unknown_stream", fmt.Sprintf("source does not offer stream %q", name))
			}
			selected = append(selected, s)
		}
	}
	if len(selected) == 0 {
		return Catalog{}, registry.NewError(registry.CodeValidation, "no_streams", "source offers no streams")
	}

	out := Catalog{Streams: make([]StreamConfig, 0, len(selected))}
	for _, s := range selected {
		cfg := StreamConfig{Name: s.StreamName, PrimaryKey: s.SourceDefinedPrimaryKey}
		if s.SupportsIncremental() {
			cfg.SyncMode = syncModeFor("incremental")
			if !s.SourceDefinedCursorField {
				cfg.CursorField = s.DefaultCursorField
			}
		} else {
			cfg.SyncMode = syncModeFor("full_refresh")
		}
		out.Streams = append(out.Streams, cfg)
	}
	return out, nil
}

// syncModeFor combines a read mode with the append-dedup write mode into the
// platform's single syncMode value.
func syncModeFor(read string) string {
	if read == "incremental" {
		return "incremental_deduped_history"
	}
	return "full_refresh_overwrite_deduped"
}

var descriptors = map[string]string{
	"@yearly":   "0 0 0 1 1 ?",
	"@annually": "0 0 0 1 1 ?",
	"@monthly":  "0 0 0 1 * ?",
	"@weekly":   "0 0 0 ? * SUN",
	"@daily":    "0 0 0 * * ?",
	"@midnight": "0 0 0 * * ?",
	"@hourly":   "0 0 * * * ?",
}

// QuartzCron validates a standard cron expression and converts it to the
// seconds-first form the platform expects.
func QuartzCron(expr string) (string, error) {
	expr = strings.TrimSpace(expr)
	if _, err := cron.ParseStandard(expr); err != nil {
		return "", registry.WrapError(registry.CodeValidation, "invalid_schedule", fmt.Errorf("schedule %q: %w", expr, err))
	}
	if q, ok := descriptors[strings.ToLower(expr)]; ok {
		return q, nil
	}
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return "", registry.NewError(registry.CodeValidation, "invalid_schedule", fmt.Sprintf("schedule %q must have five fields", expr))
	}
	dom, dow := fields[2], fields[4]
	switch {
	case dow == "*":
		dow = "?"
	case dom == "*":
		dom = "?"
		dow = quartzWeekdays(dow)
	default:
		// Quartz cannot restrict both day fields, so the day of month wins.
		dow = "?"
	}
	return strings.Join([]string{"0", fields[0], fields[1], dom, fields[3], dow}, " "), nil
}

// quartzWeekdays shifts numeric weekdays from 0-6 (Sunday=0) to 1-7
// (Sunday=1). Names and step values are kept.
func quartzWeekdays(field string) string {
	parts := strings.Split(field, ",")
	for i, part := range parts {
		base, step, hasStep := strings.Cut(part, "/")
		bounds := strings.Split(base, "-")
		for j, b := range bounds {
			if n, err := strconv.Atoi(b); err == nil {
				bounds[j] = strconv.Itoa(n%7 + 1)
			}
		}
		parts[i] = strings.Join(bounds, "-")
		if hasStep {
			parts[i] += "/" + step
		}
	}
	return strings.Join(parts, ",")
}

// SourceName is the stable name used to find an integration's source.
func SourceName(req SyncRequest) string {
	return fmt.Sprintf("opsai-%s-%s", strings.ToLower(req.Provider), req.IntegrationID)
}

// ConnectionName is the stable name used to find an integration's connection.
func ConnectionName(req SyncRequest) string {
	return "opsai-" + req.IntegrationID
}

func sourceType(req SyncRequest) string {
	if t := strings.TrimSpace(req.Managed.SourceType); t != "" {
		return t
	}
	if t := NormalizeSourceType(req.Provider); sourceBuilders[t] != nil {
		return t
	}
	return SourceHTTP
}

func checkCancelled(ctx context.Context, cancelled func(context.Context) (bool, error)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if cancelled == nil {
		return nil
	}
	stop, err := cancelled(ctx)
	if err != nil {
		return err
	}
	if stop {
		return ErrCancelled
	}
	return nil
}

func (c *Connector) report(req SyncRequest, stage string, err error) {
	registry.Emit(c.reporter, registry.Event{
		Source:  "airbyte",
		Stage:   "managed_sync",
		Message: "managed sync " + stage,
		Err:     err,
		Done:    stage == "completed" || stage == "failed",
		Data:    map[string]any{"integration_id": req.IntegrationID, "step": stage},
	})
}

func errorMessage(err error) string {
	var rerr *registry.Error
	if errors.As(err, &rerr) && rerr.Message != "" {
		return rerr.Message
	}
	return err.Error()
}

var _ registry.Connector = (*Connector)(nil)
