// Package airbyte drives the managed replication platform used as the sync
// fallback: sources, destinations, connections and jobs over its public API.
package airbyte

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/opsai/opsai-connect/internal/connectors/registry"
	"github.com/opsai/opsai-connect/internal/metrics"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const (
	DefaultAPIURL = "https://api.airbyte.com/v1"

	defaultTimeout   = 60 * time.Second
	defaultPageSize  = 100
	maxRetriesOn429  = 3
	maxErrorBodySize = 1 << 20 // 1 MiB

	// tokenLifetimeFraction is how much of a token's lifetime it is reused for.
	tokenLifetimeFraction = 0.9
)

type ClientOptions struct {
	APIURL       string
	TokenURL     string
	APIKey       string
	ClientID     string
	ClientSecret string
	HTTPClient   *http.Client
}

// Client is a thin typed client over the platform API.
type Client struct {
	baseURL string
	http    *http.Client
	tokens  *tokenCache
}

func NewClient(opts ClientOptions) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.APIURL), "/")
	if base == "" {
		base = DefaultAPIURL
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("airbyte api url: %w", err)
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}

	tc := &tokenCache{apiKey: strings.TrimSpace(opts.APIKey), now: time.Now}
	if tc.apiKey == "" {
		if opts.ClientID == "" || opts.ClientSecret == "" || opts.TokenURL == "" {
			return nil, errors.New("airbyte requires an api key or client id, client secret and token url")
		}
		tc.conf = &clientcredentials.Config{
			ClientID:     opts.ClientID,
			ClientSecret: opts.ClientSecret,
			TokenURL:     opts.TokenURL,
			AuthStyle:    oauth2.AuthStyleInParams,
		}
		tc.httpClient = httpClient
	}
	return &Client{baseURL: base, http: httpClient, tokens: tc}, nil
}

type tokenCache struct {
	apiKey     string
	conf       *clientcredentials.Config
	httpClient *http.Client
	now        func() time.Time

	mu      sync.Mutex
	token   string
	renewAt time.Time
}

// Token returns the API key, or a client-credentials token reused until 90%
// of its lifetime has passed.
func (t *tokenCache) Token(ctx context.Context) (string, error) {
	if t.apiKey != "" {
		return t.apiKey, nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	if t.token != "" && now.Before(t.renewAt) {
		return t.token, nil
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, t.httpClient)
	tok, err := t.conf.Token(ctx)
	if err != nil {
		return "", &registry.Error{Code: registry.CodeAuth, Reason: "token_failed", Message: "could not obtain platform access token", Cause: err}
	}
	t.token = tok.AccessToken
	t.renewAt = now.Add(time.Hour)
	if !tok.Expiry.IsZero() {
		t.renewAt = now.Add(time.Duration(float64(tok.Expiry.Sub(now)) * tokenLifetimeFraction))
	}
	return t.token, nil
}

func (t *tokenCache) invalidate() {
	t.mu.Lock()
	t.token = ""
	t.renewAt = time.Time{}
	t.mu.Unlock()
}

// RawResponse is an undecoded platform answer.
type RawResponse struct {
	Status int
	Header http.Header
	Body   []byte
}

// Raw performs one authenticated call and returns non-2xx answers as typed
// errors. A 429 is retried up to three times honoring Retry-After.
func (c *Client) Raw(ctx context.Context, method, path string, query url.Values, body any) (*RawResponse, error) {
	endpoint, err := c.endpoint(path, query)
	if err != nil {
		return nil, err
	}
	var payload []byte
	if body != nil {
		if payload, err = json.Marshal(body); err != nil {
			return nil, registry.WrapError(registry.CodeValidation, "invalid_payload", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetriesOn429; attempt++ {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return nil, err
		}
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
		if err != nil {
			return nil, registry.WrapError(registry.CodeValidation, "invalid_request", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", "opsai-connect")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			metrics.ConnectorRequestsTotal.WithLabelValues(string(registry.KindManagedELT), "airbyte", "network_error").Inc()
			return nil, &registry.Error{Code: registry.CodeConnector, Reason: "network_error", Message: "platform request failed", Cause: err}
		}
		respBody, readErr := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		resp.Body.Close()
		metrics.ConnectorRequestsTotal.WithLabelValues(string(registry.KindManagedELT), "airbyte", strconv.Itoa(resp.StatusCode)).Inc()
		if readErr != nil {
			return nil, &registry.Error{Code: registry.CodeConnector, Reason: "network_error", Message: "reading platform response failed", Cause: readErr}
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			lastErr = registry.ErrorFromStatus(resp.StatusCode, resp.Header, extractAPIErrorMessage(respBody))
			if attempt == maxRetriesOn429 {
				return nil, lastErr
			}
			wait := registry.ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
			if wait <= 0 {
				wait = time.Second
			}
			if err := sleep(ctx, wait); err != nil {
				return nil, err
			}
			continue
		}
		if resp.StatusCode == http.StatusUnauthorized {
			c.tokens.invalidate()
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, registry.ErrorFromStatus(resp.StatusCode, resp.Header, extractAPIErrorMessage(respBody))
		}
		return &RawResponse{Status: resp.StatusCode, Header: resp.Header, Body: respBody}, nil
	}
	return nil, lastErr
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	resp, err := c.Raw(ctx, method, path, query, body)
	if err != nil {
		return err
	}
	if out == nil || len(bytes.TrimSpace(resp.Body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return &registry.Error{Code: registry.CodeValidation, Reason: "invalid_response", Message: "platform returned malformed JSON", Cause: err}
	}
	return nil
}

func (c *Client) endpoint(path string, query url.Values) (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", err
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(path, "/")
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	u.Fragment = ""
	return u.String(), nil
}

type Workspace struct {
	WorkspaceID string `json:"workspaceId"`
	Name        string `json:"name"`
}

type Source struct {
	SourceID      string         `json:"sourceId"`
	Name          string         `json:"name"`
	SourceType    string         `json:"sourceType"`
	WorkspaceID   string         `json:"workspaceId"`
	Configuration map[string]any `json:"configuration,omitempty"`
}

type Destination struct {
	DestinationID   string         `json:"destinationId"`
	Name            string         `json:"name"`
	DestinationType string         `json:"destinationType"`
	WorkspaceID     string         `json:"workspaceId"`
	Configuration   map[string]any `json:"configuration,omitempty"`
}

type Schedule struct {
	ScheduleType   string `json:"scheduleType"`
	CronExpression string `json:"cronExpression,omitempty"`
}

// StreamConfig is one stream entry of a connection catalog.
type StreamConfig struct {
	Name        string     `json:"name"`
	SyncMode    string     `json:"syncMode"`
	CursorField []string   `json:"cursorField,omitempty"`
	PrimaryKey  [][]string `json:"primaryKey,omitempty"`
}

type Catalog struct {
	Streams []StreamConfig `json:"streams"`
}

type Connection struct {
	ConnectionID   string    `json:"connectionId"`
	Name           string    `json:"name"`
	SourceID       string    `json:"sourceId"`
	DestinationID  string    `json:"destinationId"`
	WorkspaceID    string    `json:"workspaceId,omitempty"`
	Status         string    `json:"status,omitempty"`
	Schedule       *Schedule `json:"schedule,omitempty"`
	Configurations *Catalog  `json:"configurations,omitempty"`
}

// Stream is a discovered stream and the sync modes the source supports.
type Stream struct {
	StreamName               string     `json:"streamName"`
	SyncModes                []string   `json:"syncModes"`
	DefaultCursorField       []string   `json:"defaultCursorField"`
	SourceDefinedCursorField bool       `json:"sourceDefinedCursorField"`
	SourceDefinedPrimaryKey  [][]string `json:"sourceDefinedPrimaryKey"`
}

// SupportsIncremental reports whether any advertised mode is incremental.
func (s Stream) SupportsIncremental() bool {
	for _, m := range s.SyncModes {
		if strings.HasPrefix(strings.ToLower(m), "incremental") {
			return true
		}
	}
	return false
}

type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobRunning    JobStatus = "running"
	JobIncomplete JobStatus = "incomplete"
	JobSucceeded  JobStatus = "succeeded"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

func (s JobStatus) Terminal() bool {
	switch s {
	case JobSucceeded, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}

type Job struct {
	JobID        int64     `json:"jobId"`
	Status       JobStatus `json:"status"`
	JobType      string    `json:"jobType"`
	ConnectionID string    `json:"connectionId"`
	StartTime    string    `json:"startTime,omitempty"`
	Duration     string    `json:"duration,omitempty"`
	BytesSynced  int64     `json:"bytesSynced"`
	RowsSynced   int64     `json:"rowsSynced"`
}

func (c *Client) ListWorkspaces(ctx context.Context) ([]Workspace, error) {
	return listAll[Workspace](ctx, c, "/workspaces", nil)
}

func (c *Client) ListSources(ctx context.Context, workspaceID string) ([]Source, error) {
	return listAll[Source](ctx, c, "/sources", workspaceQuery(workspaceID))
}

func (c *Client) CreateSource(ctx context.Context, workspaceID, name string, configuration map[string]any) (Source, error) {
	var out Source
	err := c.do(ctx, http.MethodPost, "/sources", nil, map[string]any{
		"name":          name,
		"workspaceId":   workspaceID,
		"configuration": configuration,
	}, &out)
	return out, err
}

func (c *Client) ListDestinations(ctx context.Context, workspaceID string) ([]Destination, error) {
	return listAll[Destination](ctx, c, "/destinations", workspaceQuery(workspaceID))
}

func (c *Client) CreateDestination(ctx context.Context, workspaceID, name string, configuration map[string]any) (Destination, error) {
	var out Destination
	err := c.do(ctx, http.MethodPost, "/destinations", nil, map[string]any{
		"name":          name,
		"workspaceId":   workspaceID,
		"configuration": configuration,
	}, &out)
	return out, err
}

func (c *Client) ListConnections(ctx context.Context, workspaceID string) ([]Connection, error) {
	return listAll[Connection](ctx, c, "/connections", workspaceQuery(workspaceID))
}

func (c *Client) CreateConnection(ctx context.Context, conn Connection) (Connection, error) {
	body := map[string]any{
		"name":                conn.Name,
		"sourceId":            conn.SourceID,
		"destinationId":       conn.DestinationID,
		"namespaceDefinition": "destination",
	}
	if conn.Schedule != nil {
		body["schedule"] = conn.Schedule
	}
	if conn.Configurations != nil {
		body["configurations"] = conn.Configurations
	}
	var out Connection
	err := c.do(ctx, http.MethodPost, "/connections", nil, body, &out)
	return out, err
}

// DiscoverStreams returns the streams the source offers for the destination.
func (c *Client) DiscoverStreams(ctx context.Context, sourceID, destinationID string) ([]Stream, error) {
	q := url.Values{}
	q.Set("sourceId", sourceID)
	if destinationID != "" {
		q.Set("destinationId", destinationID)
	}
	var out []Stream
	if err := c.do(ctx, http.MethodGet, "/streams", q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// StartSync triggers a sync job for connectionID.
func (c *Client) StartSync(ctx context.Context, connectionID string) (Job, error) {
	var out Job
	err := c.do(ctx, http.MethodPost, "/jobs", nil, map[string]any{
		"connectionId": connectionID,
		"jobType":      "sync",
	}, &out)
	return out, err
}

func (c *Client) GetJob(ctx context.Context, jobID int64) (Job, error) {
	var out Job
	err := c.do(ctx, http.MethodGet, "/jobs/"+strconv.FormatInt(jobID, 10), nil, nil, &out)
	return out, err
}

func (c *Client) CancelJob(ctx context.Context, jobID int64) (Job, error) {
	var out Job
	err := c.do(ctx, http.MethodDelete, "/jobs/"+strconv.FormatInt(jobID, 10), nil, nil, &out)
	return out, err
}

type listPage[T any] struct {
	Data []T    `json:"data"`
	Next string `json:"next"`
}

func listAll[T any](ctx context.Context, c *Client, path string, query url.Values) ([]T, error) {
	var out []T
	for offset := 0; ; offset += defaultPageSize {
		q := url.Values{}
		for k, v := range query {
			q[k] = v
		}
		q.Set("limit", strconv.Itoa(defaultPageSize))
		q.Set("offset", strconv.Itoa(offset))

		var page listPage[T]
		if err := c.do(ctx, http.MethodGet, path, q, nil, &page); err != nil {
			return nil, err
		}
		out = append(out, page.Data...)
		if len(page.Data) < defaultPageSize || page.Next == "" {
			return out, nil
		}
	}
}

func workspaceQuery(workspaceID string) url.Values {
	if workspaceID == "" {
		return nil
	}
	return url.Values{"workspaceIds": []string{workspaceID}}
}

func extractAPIErrorMessage(body []byte) string {
	var payload struct {
		Title   string `json:"title"`
		Detail  string `json:"detail"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		for _, msg := range []string{payload.Detail, payload.Message, payload.Title} {
			if msg = strings.TrimSpace(msg); msg != "" {
				return msg
			}
		}
	}
	msg := strings.TrimSpace(string(body))
	if strings.HasPrefix(msg, "<!DOCTYPE html") || strings.HasPrefix(msg, "<html") {
		return ""
	}
	msg = strings.Join(strings.Fields(msg), " ")
	const maxLen = 300
	if len(msg) > maxLen {
		msg = msg[:maxLen] + "..."
	}
	return msg
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
