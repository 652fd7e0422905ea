// Package rest implements the HTTP/JSON connector.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/opsai/opsai-connect/internal/connectors/registry"
	"github.com/opsai/opsai-connect/internal/metrics"
	"github.com/opsai/opsai-connect/internal/ratelimit"
	"github.com/opsai/opsai-connect/internal/secrets"
	"golang.org/x/oauth2"
)

const (
	defaultRefreshLead = 60 * time.Second
	maxErrorBodyBytes  = 4 << 10
	maxBodyBytes       = 32 << 20
)

type Options struct {
	Secrets    secrets.Resolver
	Tokens     TokenSource
	Limiter    ratelimit.Limiter
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Connector talks to one REST API. Rate-limit counters and the client
// credentials token belong to the instance.
type Connector struct {
	cfg     registry.Config
	secrets secrets.Resolver
	tokens  TokenSource
	limiter ratelimit.Limiter
	client  *http.Client
	logger  *slog.Logger
	now     func() time.Time

	refreshLead time.Duration

	mu           sync.Mutex
	creds        credentials
	token        *oauth2.Token
	refreshTimer *time.Timer
	initialized  bool
	disposed     bool
}

func New(cfg registry.Config, opts Options) (*Connector, error) {
	cfg = cfg.Normalized()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.BaseURL == "" {
		return nil, registry.NewError(registry.CodeValidation, "invalid_config", "baseUrl is required")
	}
	c := &Connector{
		cfg:         cfg,
		secrets:     opts.Secrets,
		tokens:      opts.Tokens,
		limiter:     opts.Limiter,
		client:      opts.HTTPClient,
		logger:      opts.Logger,
		now:         time.Now,
		refreshLead: defaultRefreshLead,
	}
	if c.secrets == nil {
		c.secrets = secrets.Plain
	}
	if c.limiter == nil {
		c.limiter = ratelimit.NewWindow(ratelimit.DefaultWindow)
	}
	if c.client == nil {
		c.client = &http.Client{Timeout: cfg.Timeout()}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c, nil
}

// NewConstructor adapts New to the registry factory.
func NewConstructor(opts Options) registry.Constructor {
	return func(t registry.Target) (registry.Connector, error) {
		return New(t.Config, opts)
	}
}

func (c *Connector) Kind() registry.Kind { return registry.KindREST }

func (c *Connector) Config() registry.Config { return c.cfg }

func (c *Connector) Initialize(ctx context.Context) error {
	creds, err := resolveCredentials(ctx, c.secrets, c.cfg.Auth)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return registry.NewError(registry.CodeConnector, "disposed", "connector has been disposed")
	}
	c.creds = creds
	c.mu.Unlock()

	if c.cfg.Auth.Type == registry.AuthOAuth2ClientCredentials {
		if _, err := c.fetchClientToken(ctx); err != nil {
			return err
		}
	}

	c.mu.Lock()
	c.initialized = true
	c.mu.Unlock()
	return nil
}

func (c *Connector) TestConnection(ctx context.Context) (bool, error) {
	resp, err := c.Do(ctx, RawRequest{Method: http.MethodGet, Endpoint: c.cfg.HealthPath, SkipRateLimit: true})
	if err != nil {
		return false, err
	}
	if resp.Status < 200 || resp.Status > 299 {
		return false, registry.ErrorFromStatus(resp.Status, resp.Header, truncate(resp.Body))
	}
	return true, nil
}

func (c *Connector) ExecuteRequest(ctx context.Context, req registry.Request) (*registry.Response, error) {
	var body []byte
	if req.Data != nil {
		var err error
		if body, err = json.Marshal(req.Data); err != nil {
			return nil, registry.WrapError(registry.CodeValidation, "invalid_payload", err)
		}
	}
	resp, err := c.Do(ctx, RawRequest{
		Method:      req.MethodOrDefault(),
		Endpoint:    req.Endpoint,
		Query:       req.Query,
		Headers:     req.Headers,
		Body:        body,
		ContentType: "application/json",
	})
	if err != nil {
		c.count(err)
		return nil, err
	}
	if resp.Status < 200 || resp.Status > 299 {
		e := registry.ErrorFromStatus(resp.Status, resp.Header, truncate(resp.Body))
		c.count(e)
		return registry.Failed(resp.Status, resp.Header, e), e
	}

	data, err := decodeBody(resp)
	if err != nil {
		c.count(err)
		return nil, err
	}
	c.count(nil)
	return &registry.Response{Success: true, Status: resp.Status, Headers: resp.Header, Data: data}, nil
}

func (c *Connector) Dispose(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return nil
	}
	c.disposed = true
	if c.refreshTimer != nil {
		c.refreshTimer.Stop()
		c.refreshTimer = nil
	}
	c.token = nil
	c.creds = credentials{}
	c.client.CloseIdleConnections()
	return nil
}

// RawRequest is one authenticated round trip without JSON handling.
type RawRequest struct {
	Method        string
	Endpoint      string
	Query         url.Values
	Headers       map[string]string
	Body          []byte
	ContentType   string
	SkipRateLimit bool
}

type RawResponse struct {
	Status int
	Header http.Header
	Body   []byte
}

// Do applies rate limiting and authentication, sends the request and returns
// the response whatever its status. A 401 clears cached credentials.
func (c *Connector) Do(ctx context.Context, in RawRequest) (*RawResponse, error) {
	c.mu.Lock()
	disposed, initialized := c.disposed, c.initialized
	c.mu.Unlock()
	if disposed {
		return nil, registry.NewError(registry.CodeConnector, "disposed", "connector has been disposed")
	}
	if !initialized {
		return nil, registry.NewError(registry.CodeConnector, "not_initialized", "connector is not initialized")
	}

	endpoint := "/" + strings.TrimLeft(strings.TrimSpace(in.Endpoint), "/")
	if !in.SkipRateLimit && c.cfg.RateLimit.RequestsPerMinute > 0 {
		key := c.cfg.Name + ":" + endpointKey(endpoint)
		ok, err := c.limiter.Allow(ctx, key, c.cfg.RateLimit.RequestsPerMinute)
		if err != nil {
			c.logger.Warn("rate limiter unavailable, allowing request", "connector", c.cfg.Name, "err", err)
		} else if !ok {
			metrics.RateLimitRejectionsTotal.WithLabelValues(c.cfg.Name).Inc()
			return nil, &registry.Error{
				Code:       registry.CodeRateLimit,
				Reason:     "local",
				Message:    fmt.Sprintf("rate limit of %d requests per minute reached for %s", c.cfg.RateLimit.RequestsPerMinute, endpoint),
				RetryAfter: ratelimit.DefaultWindow,
			}
		}
	}

	target, err := url.Parse(c.cfg.BaseURL + endpoint)
	if err != nil {
		return nil, registry.WrapError(registry.CodeValidation, "invalid_endpoint", err)
	}
	if len(in.Query) > 0 {
		q := target.Query()
		for k, vs := range in.Query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		target.RawQuery = q.Encode()
	}

	method := strings.ToUpper(strings.TrimSpace(in.Method))
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if in.Body != nil {
		body = bytes.NewReader(in.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, registry.WrapError(registry.CodeValidation, "invalid_request", err)
	}
	req.Header.Set("Accept", "application/json")
	if in.Body != nil && in.ContentType != "" {
		req.Header.Set("Content-Type", in.ContentType)
	}
	for k, v := range c.cfg.Headers {
		req.Header.Set(k, v)
	}
	for k, v := range in.Headers {
		req.Header.Set(k, v)
	}
	if err := c.authorize(ctx, req); err != nil {
		return nil, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, &registry.Error{Code: registry.CodeConnector, Reason: "network_error", Message: "request to provider failed", Cause: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &registry.Error{Code: registry.CodeConnector, Reason: "network_error", Message: "read provider response", Cause: err}
	}
	if resp.StatusCode == http.StatusUnauthorized {
		c.clearToken(ctx)
	}
	return &RawResponse{Status: resp.StatusCode, Header: resp.Header, Body: raw}, nil
}

func (c *Connector) count(err error) {
	code := "OK"
	if err != nil {
		code = string(registry.CodeOf(err))
	}
	metrics.ConnectorRequestsTotal.WithLabelValues(string(registry.KindREST), c.cfg.Name, code).Inc()
}

func decodeBody(resp *RawResponse) (json.RawMessage, error) {
	body := bytes.TrimSpace(resp.Body)
	if len(body) == 0 {
		return nil, nil
	}
	if isJSON(resp.Header.Get("Content-Type")) || json.Valid(body) {
		if !json.Valid(body) {
			return nil, registry.NewError(registry.CodeValidation, "invalid_response", "provider returned malformed JSON")
		}
		return json.RawMessage(body), nil
	}
	encoded, err := json.Marshal(string(body))
	if err != nil {
		return nil, registry.WrapError(registry.CodeValidation, "invalid_response", err)
	}
	return encoded, nil
}

func isJSON(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mt == "application/json" || strings.HasSuffix(mt, "+json")
}

func endpointKey(endpoint string) string {
	if i := strings.IndexAny(endpoint, "?#"); i >= 0 {
		return endpoint[:i]
	}
	return endpoint
}

func truncate(body []byte) string {
	if len(body) > maxErrorBodyBytes {
		body = body[:maxErrorBodyBytes]
	}
	return string(body)
}
