// Package webhook implements inbound verification and queuing of provider
// events, signed outbound delivery, and push fan-out to subscribers.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/opsai/opsai-connect/internal/connectors/registry"
	"github.com/opsai/opsai-connect/internal/metrics"
	"github.com/opsai/opsai-connect/internal/secrets"
	"github.com/opsai/opsai-connect/internal/store"
	"golang.org/x/net/websocket"
)

const (
	HeaderSignature = "X-Webhook-Signature"
	HeaderTimestamp = "X-Webhook-Timestamp"
	HeaderEventType = "X-Event-Type"

	defaultTimeout = 10 * time.Second
)

// Notification stages emitted to the reporter.
const (
	StageReceived  = "received"
	StageProcessed = "processed"
	StageFailed    = "failed"
)

var errDisposed = registry.NewError(registry.CodeConnector, "disposed", "connector has been disposed")

var eventTypeHeaders = []string{HeaderEventType, "X-GitHub-Event", "X-Shopify-Topic", "X-Stripe-Event"}

// EventSink persists webhook events.
type EventSink interface {
	CreateWebhookEvent(ctx context.Context, ev store.WebhookEvent) (store.WebhookEvent, error)
	UpdateWebhookEvent(ctx context.Context, ev store.WebhookEvent) error
}

// Handler processes one event taken off the queue.
type Handler func(ctx context.Context, ev store.WebhookEvent) error

type Options struct {
	Secrets    secrets.Resolver
	HTTPClient *http.Client
	Sink       EventSink
	Handler    Handler
	Reporter   registry.Reporter
	Logger     *slog.Logger
}

type SendOptions struct {
	URL     string
	Headers map[string]string
	Secret  string
}

// Connector owns one FIFO of inbound events drained by a single goroutine.
type Connector struct {
	cfg           registry.Config
	integrationID string
	secrets       secrets.Resolver
	client        *http.Client
	sink          EventSink
	handler       Handler
	reporter      registry.Reporter
	logger        *slog.Logger
	hub           *Hub
	now           func() time.Time

	mu       sync.Mutex
	secret   string
	queue    []store.WebhookEvent
	wake     chan struct{}
	cancel   context.CancelFunc
	done     chan struct{}
	push     *websocket.Conn
	pushDone chan struct{}
	disposed bool
}

func New(t registry.Target, opts Options) (*Connector, error) {
	cfg := t.Config.Normalized()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Connector{
		cfg:           cfg,
		integrationID: t.IntegrationID,
		secrets:       opts.Secrets,
		client:        opts.HTTPClient,
		sink:          opts.Sink,
		handler:       opts.Handler,
		reporter:      opts.Reporter,
		logger:        opts.Logger,
		hub:           NewHub(),
		now:           time.Now,
		wake:          make(chan struct{}, 1),
	}
	if c.secrets == nil {
		c.secrets = secrets.Plain
	}
	if c.client == nil {
		c.client = &http.Client{Timeout: defaultTimeout}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c, nil
}

func NewConstructor(opts Options) registry.Constructor {
	return func(t registry.Target) (registry.Connector, error) {
		return New(t, opts)
	}
}

func (c *Connector) Kind() registry.Kind { return registry.KindWebhook }

// Hub returns the push subscriber set of this connector.
func (c *Connector) Hub() *Hub { return c.hub }

// Initialize resolves the signing secret, starts the drain loop and, when
// configured, subscribes to the provider's push endpoint.
func (c *Connector) Initialize(ctx context.Context) error {
	secret := ""
	if ref := c.cfg.Webhook.Secret; ref != "" {
		v, err := c.secrets.Resolve(ctx, ref)
		if err != nil {
			return registry.WrapError(registry.CodeAuth, "secret_unavailable", fmt.Errorf("webhook secret: %w", err))
		}
		secret = v
	}

	if started, err := c.started(); started || err != nil {
		return err
	}

	// c.mu is not held while dialing.
	var ws *websocket.Conn
	if c.cfg.Webhook.PushURL != "" {
		var err error
		ws, err = dialPush(ctx, c.cfg.Webhook.PushURL, c.cfg.BaseURL)
		if err != nil {
			return &registry.Error{Code: registry.CodeConnector, Reason: "push_connect_failed", Message: "could not open push connection", Cause: err}
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed || c.cancel != nil {
		if ws != nil {
			_ = ws.Close()
		}
		if c.disposed {
			return errDisposed
		}
		return nil
	}
	c.secret = secret

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.drain(loopCtx, c.done)

	if ws != nil {
		c.push = ws
		c.pushDone = make(chan struct{})
		go c.readPush(loopCtx, ws, c.pushDone)
	}
	return nil
}

func (c *Connector) started() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return false, errDisposed
	}
	return c.cancel != nil, nil
}

// ReceiveWebhook verifies and enqueues an inbound delivery. When a signing
// secret is configured, an invalid signature is rejected before anything is
// stored or queued.
func (c *Connector) ReceiveWebhook(ctx context.Context, payload []byte, headers http.Header, signature string) (store.WebhookEvent, error) {
	c.mu.Lock()
	secret, running := c.secret, c.cancel != nil && !c.disposed
	c.mu.Unlock()
	if !running {
		return store.WebhookEvent{}, registry.NewError(registry.CodeConnector, "not_initialized", "webhook connector is not running")
	}

	if secret != "" && !Verify(secret, payload, signature) {
		metrics.WebhookEventsTotal.WithLabelValues(c.cfg.Name, "rejected").Inc()
		return store.WebhookEvent{}, registry.NewError(registry.CodeInvalidSignature, "signature_mismatch", "webhook signature verification failed")
	}
	if !json.Valid(payload) {
		return store.WebhookEvent{}, registry.NewError(registry.CodeValidation, "invalid_payload", "webhook payload must be JSON")
	}
	return c.enqueue(ctx, payload, c.eventType(payload, headers))
}

func (c *Connector) enqueue(ctx context.Context, payload []byte, eventType string) (store.WebhookEvent, error) {
	ev := store.WebhookEvent{
		IntegrationID: c.integrationID,
		EventType:     eventType,
		Payload:       append(json.RawMessage(nil), payload...),
		ReceivedAt:    c.now().UTC(),
		Status:        store.EventPending,
	}
	if c.sink != nil {
		saved, err := c.sink.CreateWebhookEvent(ctx, ev)
		if err != nil {
			return store.WebhookEvent{}, fmt.Errorf("store webhook event: %w", err)
		}
		ev = saved
	}

	c.mu.Lock()
	c.queue = append(c.queue, ev)
	c.mu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}

	metrics.WebhookEventsTotal.WithLabelValues(c.cfg.Name, StageReceived).Inc()
	c.notify(StageReceived, ev, nil)
	return ev, nil
}

// Pending returns the number of queued events not yet taken by the drain loop.
func (c *Connector) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

func (c *Connector) drain(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		ev, ok := c.next()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-c.wake:
				continue
			}
		}
		c.process(ctx, ev)
	}
}

func (c *Connector) next() (store.WebhookEvent, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return store.WebhookEvent{}, false
	}
	ev := c.queue[0]
	c.queue[0] = store.WebhookEvent{}
	c.queue = c.queue[1:]
	return ev, true
}

func (c *Connector) process(ctx context.Context, ev store.WebhookEvent) {
	var err error
	if c.handler != nil {
		err = safeHandle(ctx, c.handler, ev)
	}
	processedAt := c.now().UTC()
	ev.ProcessedAt = &processedAt
	stage := StageProcessed
	if err != nil {
		ev.Status = store.EventFailed
		ev.Error = err.Error()
		stage = StageFailed
	} else {
		ev.Status = store.EventProcessed
	}

	if c.sink != nil {
		if uerr := c.sink.UpdateWebhookEvent(ctx, ev); uerr != nil {
			c.logger.Warn("update webhook event failed", "event_id", ev.ID, "err", uerr)
		}
	}
	metrics.WebhookEventsTotal.WithLabelValues(c.cfg.Name, stage).Inc()
	c.notify(stage, ev, err)

	if err == nil && c.hub.Len() > 0 {
		msg, merr := json.Marshal(pushMessage{Type: "webhook_event", Event: ev})
		if merr == nil {
			c.hub.Broadcast(ctx, msg)
		}
	}
}

func safeHandle(ctx context.Context, h Handler, ev store.WebhookEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("webhook handler panic: %v", r)
		}
	}()
	return h(ctx, ev)
}

type pushMessage struct {
	Type  string             `json:"type"`
	Event store.WebhookEvent `json:"event"`
}

func (c *Connector) notify(stage string, ev store.WebhookEvent, err error) {
	registry.Emit(c.reporter, registry.Event{
		Source:  c.cfg.Name,
		Stage:   "webhook",
		Message: "webhook " + stage,
		Err:     err,
		Done:    stage != StageReceived,
		Data: map[string]any{
			"integration_id": c.integrationID,
			"event_id":       ev.ID,
			"event_type":     ev.EventType,
			"status":         stage,
		},
	})
}

func (c *Connector) eventType(payload []byte, headers http.Header) string {
	if h := c.cfg.Webhook.EventTypeHeader; h != "" {
		if v := strings.TrimSpace(headers.Get(h)); v != "" {
			return v
		}
	}
	for _, h := range eventTypeHeaders {
		if v := strings.TrimSpace(headers.Get(h)); v != "" {
			return v
		}
	}
	var body struct {
		Type  any `json:"type"`
		Event any `json:"event"`
	}
	if err := json.Unmarshal(payload, &body); err == nil {
		for _, v := range []any{body.Type, body.Event} {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return "unknown"
}

// SendWebhook posts payload to opts.URL once. With a secret, the signature
// and timestamp headers are attached.
func (c *Connector) SendWebhook(ctx context.Context, payload any, opts SendOptions) (int, error) {
	return send(ctx, c.client, payload, opts, c.now)
}

// Send is SendWebhook without a connector.
func Send(ctx context.Context, client *http.Client, payload any, opts SendOptions) (int, error) {
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	return send(ctx, client, payload, opts, time.Now)
}

func send(ctx context.Context, client *http.Client, payload any, opts SendOptions, now func() time.Time) (int, error) {
	if strings.TrimSpace(opts.URL) == "" {
		return 0, registry.NewError(registry.CodeValidation, "missing_url", "webhook url is required")
	}
	var body []byte
	switch v := payload.(type) {
	case []byte:
		body = v
	case json.RawMessage:
		body = v
	default:
		var err error
		if body, err = json.Marshal(payload); err != nil {
			return 0, registry.WrapError(registry.CodeValidation, "invalid_payload", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, opts.URL, bytes.NewReader(body))
	if err != nil {
		return 0, registry.WrapError(registry.CodeValidation, "invalid_url", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}
	if opts.Secret != "" {
		req.Header.Set(HeaderSignature, Sign(opts.Secret, body))
		req.Header.Set(HeaderTimestamp, strconv.FormatInt(now().Unix(), 10))
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, &registry.Error{Code: registry.CodeConnector, Reason: "network_error", Message: "webhook delivery failed", Cause: err}
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, &registry.Error{
			Code:    registry.CodeConnector,
			Reason:  "delivery_failed",
			Status:  resp.StatusCode,
			Message: fmt.Sprintf("webhook receiver returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet))),
		}
	}
	return resp.StatusCode, nil
}

// ExecuteRequest delivers req.Data to BaseURL+Endpoint, signed with the
// configured secret.
func (c *Connector) ExecuteRequest(ctx context.Context, req registry.Request) (*registry.Response, error) {
	if c.cfg.BaseURL == "" {
		return nil, registry.NewError(registry.CodeValidation, "invalid_config", "outbound delivery requires baseUrl")
	}
	c.mu.Lock()
	secret := c.secret
	c.mu.Unlock()

	target := c.cfg.BaseURL
	if ep := strings.TrimSpace(req.Endpoint); ep != "" && ep != "/" {
		target += "/" + strings.TrimLeft(ep, "/")
	}
	headers := make(map[string]string, len(c.cfg.Headers)+len(req.Headers))
	for k, v := range c.cfg.Headers {
		headers[k] = v
	}
	for k, v := range req.Headers {
		headers[k] = v
	}
	status, err := c.SendWebhook(ctx, req.Data, SendOptions{URL: target, Headers: headers, Secret: secret})
	if err != nil {
		return nil, err
	}
	return &registry.Response{Success: true, Status: status}, nil
}

// TestConnection is true while the drain loop runs and, when an outbound
// base URL is configured, its health path answers 2xx.
func (c *Connector) TestConnection(ctx context.Context) (bool, error) {
	c.mu.Lock()
	running := c.cancel != nil && !c.disposed
	c.mu.Unlock()
	if !running {
		return false, registry.NewError(registry.CodeConnector, "not_initialized", "webhook connector is not running")
	}
	if c.cfg.BaseURL == "" {
		return true, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+c.cfg.HealthPath, nil)
	if err != nil {
		return false, registry.WrapError(registry.CodeValidation, "invalid_url", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return false, &registry.Error{Code: registry.CodeConnector, Reason: "network_error", Message: "health check failed", Cause: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return false, registry.ErrorFromStatus(resp.StatusCode, resp.Header, "")
	}
	return true, nil
}

// Dispose stops the drain loop, closes the push connection and every
// subscriber. Events still queued stay pending in the sink.
func (c *Connector) Dispose(context.Context) error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return nil
	}
	c.disposed = true
	cancel, done := c.cancel, c.done
	push, pushDone := c.push, c.pushDone
	c.mu.Unlock()

	var errs []error
	if push != nil {
		if err := push.Close(); err != nil {
			errs = append(errs, err)
		}
		<-pushDone
	}
	if cancel != nil {
		cancel()
		<-done
	}
	c.hub.Close()
	return errors.Join(errs...)
}

func dialPush(ctx context.Context, pushURL, origin string) (*websocket.Conn, error) {
	if origin == "" {
		origin = "http://localhost/"
	}
	cfg, err := websocket.NewConfig(pushURL, origin)
	if err != nil {
		return nil, err
	}
	return cfg.DialContext(ctx)
}

// readPush enqueues every frame received from the provider's push endpoint.
// The connection is authenticated by the provider, so frames skip signature
// verification.
func (c *Connector) readPush(ctx context.Context, ws *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		var msg []byte
		if err := websocket.Message.Receive(ws, &msg); err != nil {
			if ctx.Err() == nil {
				c.logger.Warn("push connection closed", "connector", c.cfg.Name, "err", err)
			}
			return
		}
		if !json.Valid(msg) {
			continue
		}
		if _, err := c.enqueue(ctx, msg, c.eventType(msg, nil)); err != nil {
			c.logger.Warn("enqueue push event failed", "connector", c.cfg.Name, "err", err)
		}
	}
}
