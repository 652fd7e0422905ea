// Package oauth manages provider registrations, authorization-code flows and
// the lifetime of the resulting tokens.
package oauth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/opsai/opsai-connect/internal/connectors/registry"
	"github.com/opsai/opsai-connect/internal/metrics"
	"github.com/opsai/opsai-connect/internal/secrets"
	"github.com/opsai/opsai-connect/internal/store"
	"golang.org/x/oauth2"
)

const (
	DefaultRefreshInterval = time.Minute
	// RefreshWindow is how close to expiry a token must be for the sweep to refresh it.
	RefreshWindow = 5 * time.Minute
	stateTTL      = 10 * time.Minute
	// RefreshLockScope guards the sweep so one process refreshes at a time.
	RefreshLockScope = "oauth-refresh"
	stateBytes       = 32
)

var (
	ErrUnknownProvider = registry.NewError(registry.CodeValidation, "unknown_provider", "oauth provider is not registered")
	ErrInvalidState    = registry.NewError(registry.CodeValidation, "invalid_state", "invalid or expired oauth state")
	ErrNoToken         = registry.NewError(registry.CodeAuth, "no_token", "no oauth token for provider")
	ErrNoRefreshToken  = registry.NewError(registry.CodeAuth, "no_refresh_token", "oauth token cannot be refreshed")
)

type ProviderConfig struct {
	Name         string
	ClientID     string
	ClientSecret string // secret reference
	AuthURL      string
	TokenURL     string
	Scopes       []string
	RedirectURI  string
	AutoRefresh  bool
}

type pendingState struct {
	provider string
	expires  time.Time
}

type Options struct {
	Secrets    secrets.Resolver
	Store      store.OAuthTokenStore
	Locker     store.Locker
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Manager holds the provider registry and the current token per provider.
type Manager struct {
	secrets    secrets.Resolver
	tokenStore store.OAuthTokenStore
	locker     store.Locker
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time

	mu        sync.Mutex
	providers map[string]ProviderConfig
	states    map[string]pendingState
	tokens    map[string]*oauth2.Token

	loopMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewManager(opts Options) *Manager {
	res := opts.Secrets
	if res == nil {
		res = secrets.Plain
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		secrets:    res,
		tokenStore: opts.Store,
		locker:     opts.Locker,
		httpClient: client,
		logger:     logger,
		now:        time.Now,
		providers:  make(map[string]ProviderConfig),
		states:     make(map[string]pendingState),
		tokens:     make(map[string]*oauth2.Token),
	}
}

func (m *Manager) RegisterProvider(cfg ProviderConfig) error {
	cfg.Name = strings.ToLower(strings.TrimSpace(cfg.Name))
	if cfg.Name == "" {
		return fmt.Errorf("oauth provider name is required")
	}
	if cfg.ClientID == "" || cfg.TokenURL == "" {
		return fmt.Errorf("oauth provider %q requires client id and token url", cfg.Name)
	}
	m.mu.Lock()
	m.providers[cfg.Name] = cfg
	m.mu.Unlock()
	return nil
}

func (m *Manager) Providers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.providers))
	for name := range m.providers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (m *Manager) provider(name string) (ProviderConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.providers[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return ProviderConfig{}, ErrUnknownProvider
	}
	return p, nil
}

func (m *Manager) oauthConfig(ctx context.Context, p ProviderConfig) (*oauth2.Config, error) {
	secret := p.ClientSecret
	if secret != "" {
		resolved, err := m.secrets.Resolve(ctx, secret)
		if err != nil {
			return nil, fmt.Errorf("resolve client secret for %s: %w", p.Name, err)
		}
		secret = resolved
	}
	return &oauth2.Config{
		ClientID:     p.ClientID,
		ClientSecret: secret,
		Endpoint:     oauth2.Endpoint{AuthURL: p.AuthURL, TokenURL: p.TokenURL},
		RedirectURL:  p.RedirectURI,
		Scopes:       p.Scopes,
	}, nil
}

// AuthorizationURL returns the provider consent URL and the state recorded for
// it. An empty state is replaced by a random one.
func (m *Manager) AuthorizationURL(provider, state string) (string, string, error) {
	p, err := m.provider(provider)
	if err != nil {
		return "", "", err
	}
	if p.AuthURL == "" {
		return "", "", registry.NewError(registry.CodeValidation, "invalid_config", "provider has no authorization url")
	}
	if state == "" {
		if state, err = newState(); err != nil {
			return "", "", err
		}
	}

	conf := &oauth2.Config{
		ClientID:    p.ClientID,
		Endpoint:    oauth2.Endpoint{AuthURL: p.AuthURL, TokenURL: p.TokenURL},
		RedirectURL: p.RedirectURI,
		Scopes:      p.Scopes,
	}

	m.mu.Lock()
	m.pruneStatesLocked()
	m.states[state] = pendingState{provider: p.Name, expires: m.now().Add(stateTTL)}
	m.mu.Unlock()

	return conf.AuthCodeURL(state, oauth2.AccessTypeOffline), state, nil
}

// ExchangeCode trades an authorization code for a token. The state is
// consumed before anything else so it can never be replayed.
func (m *Manager) ExchangeCode(ctx context.Context, provider, code, state string) (*oauth2.Token, error) {
	m.mu.Lock()
	pending, ok := m.states[state]
	delete(m.states, state)
	m.mu.Unlock()

	p, err := m.provider(provider)
	if err != nil {
		return nil, err
	}
	if !ok || pending.provider != p.Name || m.now().After(pending.expires) {
		return nil, ErrInvalidState
	}
	if strings.TrimSpace(code) == "" {
		return nil, registry.NewError(registry.CodeValidation, "missing_code", "authorization code is required")
	}

	conf, err := m.oauthConfig(ctx, p)
	if err != nil {
		return nil, registry.WrapError(registry.CodeAuth, "secret_unavailable", err)
	}
	tok, err := conf.Exchange(m.clientContext(ctx), code)
	if err != nil {
		return nil, registry.WrapError(registry.CodeAuth, "exchange_failed", err)
	}
	m.storeToken(ctx, p.Name, tok)
	return cloneToken(tok), nil
}

// RefreshToken replaces the provider's token using the latest persisted
// refresh token.
func (m *Manager) RefreshToken(ctx context.Context, provider string) (*oauth2.Token, error) {
	p, err := m.provider(provider)
	if err != nil {
		return nil, err
	}
	current := m.current(ctx, p.Name, true)
	if current == nil {
		return nil, ErrNoToken
	}
	if current.RefreshToken == "" {
		return nil, ErrNoRefreshToken
	}

	conf, err := m.oauthConfig(ctx, p)
	if err != nil {
		return nil, registry.WrapError(registry.CodeAuth, "secret_unavailable", err)
	}
	// An already-expired seed forces the token source to hit the token endpoint.
	seed := &oauth2.Token{RefreshToken: current.RefreshToken, Expiry: time.Unix(1, 0)}
	tok, err := conf.TokenSource(m.clientContext(ctx), seed).Token()
	if err != nil {
		metrics.TokenRefreshesTotal.WithLabelValues(p.Name, "failure").Inc()
		return nil, registry.WrapError(registry.CodeAuth, "refresh_failed", err)
	}
	if tok.RefreshToken == "" {
		tok.RefreshToken = current.RefreshToken
	}
	metrics.TokenRefreshesTotal.WithLabelValues(p.Name, "success").Inc()
	m.storeToken(ctx, p.Name, tok)
	return cloneToken(tok), nil
}

// Token returns a usable token for provider, refreshing an expired one.
func (m *Manager) Token(ctx context.Context, provider string) (*oauth2.Token, error) {
	p, err := m.provider(provider)
	if err != nil {
		return nil, err
	}
	tok := m.current(ctx, p.Name, false)
	if tok == nil {
		return nil, ErrNoToken
	}
	if m.expired(tok) {
		return m.RefreshToken(ctx, p.Name)
	}
	return cloneToken(tok), nil
}

func (m *Manager) expired(tok *oauth2.Token) bool {
	return !tok.Expiry.IsZero() && !m.now().Before(tok.Expiry)
}

// current returns the provider's token. The persisted row is consulted when
// reload is set or the cached token is missing or expired, since another
// process may have exchanged or refreshed it.
func (m *Manager) current(ctx context.Context, name string, reload bool) *oauth2.Token {
	m.mu.Lock()
	tok := m.tokens[name]
	m.mu.Unlock()
	if m.tokenStore == nil || (!reload && tok != nil && !m.expired(tok)) {
		return tok
	}
	row, err := m.tokenStore.GetOAuthToken(ctx, name)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			m.logger.Warn("read oauth token failed", "provider", name, "err", err)
		}
		return tok
	}
	return m.adopt(row)
}

// adopt caches row unless the cached token outlives it and returns the
// winner.
func (m *Manager) adopt(row store.OAuthToken) *oauth2.Token {
	stored := tokenFromRow(row)
	m.mu.Lock()
	defer m.mu.Unlock()
	if cached := m.tokens[row.Provider]; cached != nil && stored.Expiry.Before(cached.Expiry) {
		return cached
	}
	m.tokens[row.Provider] = stored
	return stored
}

// SetToken installs a token obtained elsewhere, e.g. loaded from storage.
func (m *Manager) SetToken(ctx context.Context, provider string, tok *oauth2.Token) error {
	p, err := m.provider(provider)
	if err != nil {
		return err
	}
	m.storeToken(ctx, p.Name, tok)
	return nil
}

// Invalidate drops the provider's token after the provider rejected it.
func (m *Manager) Invalidate(ctx context.Context, provider string) {
	name := strings.ToLower(strings.TrimSpace(provider))
	m.mu.Lock()
	delete(m.tokens, name)
	m.mu.Unlock()
	if m.tokenStore != nil {
		if err := m.tokenStore.DeleteOAuthToken(ctx, name); err != nil {
			m.logger.Warn("delete oauth token failed", "provider", name, "err", err)
		}
	}
}

// LoadTokens restores persisted tokens for registered providers.
func (m *Manager) LoadTokens(ctx context.Context) error {
	if m.tokenStore == nil {
		return nil
	}
	rows, err := m.tokenStore.ListOAuthTokens(ctx)
	if err != nil {
		return fmt.Errorf("load oauth tokens: %w", err)
	}
	for _, row := range rows {
		if _, err := m.provider(row.Provider); err != nil {
			continue
		}
		m.adopt(row)
	}
	return nil
}

func tokenFromRow(row store.OAuthToken) *oauth2.Token {
	tok := &oauth2.Token{
		AccessToken:  row.AccessToken,
		RefreshToken: row.RefreshToken,
		TokenType:    row.TokenType,
		Expiry:       row.ExpiresAt,
	}
	if row.Scope != "" {
		tok = tok.WithExtra(map[string]any{"scope": row.Scope})
	}
	return tok
}

// RunOnce refreshes every auto-refresh token that expires within
// RefreshWindow. Failures are logged and retried on the next sweep. With a
// Locker configured the sweep is skipped while another process holds it.
func (m *Manager) RunOnce(ctx context.Context) error {
	if m.locker != nil {
		release, ok, err := m.locker.TryLock(ctx, RefreshLockScope)
		if err != nil {
			return fmt.Errorf("acquire oauth refresh lock: %w", err)
		}
		if !ok {
			m.logger.Debug("oauth refresh sweep held elsewhere")
			return nil
		}
		defer release()
	}
	if err := m.LoadTokens(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	var due []string
	for name, tok := range m.tokens {
		if m.dueLocked(name, tok) {
			due = append(due, name)
		}
	}
	m.mu.Unlock()
	slices.Sort(due)

	for _, name := range due {
		if err := ctx.Err(); err != nil {
			return err
		}
		if tok := m.current(ctx, name, true); tok != nil {
			m.mu.Lock()
			stillDue := m.dueLocked(name, tok)
			m.mu.Unlock()
			if !stillDue {
				continue
			}
		}
		if _, err := m.RefreshToken(ctx, name); err != nil {
			m.logger.Warn("oauth token refresh failed", "provider", name, "err", err)
			continue
		}
		m.logger.Info("oauth token refreshed", "provider", name)
	}
	return nil
}

func (m *Manager) dueLocked(name string, tok *oauth2.Token) bool {
	p, ok := m.providers[name]
	if !ok || !p.AutoRefresh || tok.RefreshToken == "" || tok.Expiry.IsZero() {
		return false
	}
	return tok.Expiry.Before(m.now().Add(RefreshWindow))
}

// Start runs the refresh sweep every interval until Stop or ctx is done.
func (m *Manager) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	m.loopMu.Lock()
	defer m.loopMu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := m.RunOnce(ctx); err != nil && ctx.Err() == nil {
					m.logger.Error("oauth refresh sweep failed", "err", err)
				}
			}
		}
	}(m.done)
}

// Stop halts the sweep and waits for it to exit.
func (m *Manager) Stop() {
	m.loopMu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.loopMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (m *Manager) storeToken(ctx context.Context, provider string, tok *oauth2.Token) {
	m.mu.Lock()
	m.tokens[provider] = cloneToken(tok)
	m.mu.Unlock()

	if m.tokenStore == nil {
		return
	}
	row := store.OAuthToken{
		Provider:     provider,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.Type(),
		Scope:        Scope(tok),
		ExpiresAt:    tok.Expiry,
	}
	if err := m.tokenStore.SaveOAuthToken(ctx, row); err != nil {
		m.logger.Warn("persist oauth token failed", "provider", provider, "err", err)
	}
}

func (m *Manager) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)
}

func (m *Manager) pruneStatesLocked() {
	now := m.now()
	for k, s := range m.states {
		if now.After(s.expires) {
			delete(m.states, k)
		}
	}
}

// Scope returns the granted scope reported with the token, if any.
func Scope(tok *oauth2.Token) string {
	if tok == nil {
		return ""
	}
	if s, ok := tok.Extra("scope").(string); ok {
		return s
	}
	return ""
}

func cloneToken(tok *oauth2.Token) *oauth2.Token {
	if tok == nil {
		return nil
	}
	c := *tok
	return &c
}

func newState() (string, error) {
	b := make([]byte, stateBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate oauth state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
