package rest

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/opsai/opsai-connect/internal/connectors/registry"
	"github.com/opsai/opsai-connect/internal/secrets"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// TokenSource supplies provider tokens for the oauth2 auth type.
type TokenSource interface {
	Token(ctx context.Context, provider string) (*oauth2.Token, error)
	Invalidate(ctx context.Context, provider string)
}

// credentials are the resolved secret values of an AuthDescriptor.
type credentials struct {
	key          string
	token        string
	username     string
	password     string
	clientSecret string
	headers      map[string]string
}

func resolveCredentials(ctx context.Context, res secrets.Resolver, a registry.AuthDescriptor) (credentials, error) {
	var c credentials
	var err error
	resolve := func(field, ref string) string {
		if err != nil || ref == "" {
			return ""
		}
		v, rerr := res.Resolve(ctx, ref)
		if rerr != nil {
			err = fmt.Errorf("auth.%s: %w", field, rerr)
		}
		return v
	}

	switch a.Type {
	case registry.AuthAPIKey:
		c.key = resolve("key", a.Key)
	case registry.AuthBearer:
		c.token = resolve("token", a.Token)
	case registry.AuthBasic:
		c.username = resolve("username", a.Username)
		c.password = resolve("password", a.Password)
	case registry.AuthOAuth2ClientCredentials:
		c.clientSecret = resolve("clientSecret", a.ClientSecret)
	case registry.AuthCustomHeaders:
		c.headers = make(map[string]string, len(a.Headers))
		for name, ref := range a.Headers {
			c.headers[name] = resolve("headers."+name, ref)
		}
	}
	if err != nil {
		return credentials{}, registry.WrapError(registry.CodeAuth, "secret_unavailable", err)
	}
	return c, nil
}

// currentCreds returns the resolved secrets. Dispose clears them, so a
// disposed connector fails here instead of sending empty credentials.
func (c *Connector) currentCreds() (credentials, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return credentials{}, registry.NewError(registry.CodeConnector, "disposed", "connector has been disposed")
	}
	return c.creds, nil
}

// authorize applies the configured strategy to req.
func (c *Connector) authorize(ctx context.Context, req *http.Request) error {
	a := c.cfg.Auth
	creds, err := c.currentCreds()
	if err != nil {
		return err
	}
	switch a.Type {
	case registry.AuthNone:
	case registry.AuthAPIKey:
		req.Header.Set(a.Header, creds.key)
	case registry.AuthBearer:
		req.Header.Set("Authorization", "Bearer "+creds.token)
	case registry.AuthBasic:
		req.SetBasicAuth(creds.username, creds.password)
	case registry.AuthCustomHeaders:
		for name, v := range creds.headers {
			req.Header.Set(name, v)
		}
	case registry.AuthOAuth2ClientCredentials:
		tok, err := c.clientToken(ctx)
		if err != nil {
			return err
		}
		tok.SetAuthHeader(req)
	case registry.AuthOAuth2:
		if c.tokens == nil {
			return registry.NewError(registry.CodeAuth, "no_token_source", "oauth2 auth requires a credential manager")
		}
		tok, err := c.tokens.Token(ctx, a.Provider)
		if err != nil {
			return registry.WrapError(registry.CodeAuth, "token_unavailable", err)
		}
		tok.SetAuthHeader(req)
	}
	return nil
}

// clearToken drops cached credentials after the provider answered 401.
func (c *Connector) clearToken(ctx context.Context) {
	switch c.cfg.Auth.Type {
	case registry.AuthOAuth2ClientCredentials:
		c.mu.Lock()
		c.token = nil
		c.mu.Unlock()
	case registry.AuthOAuth2:
		if c.tokens != nil {
			c.tokens.Invalidate(ctx, c.cfg.Auth.Provider)
		}
	}
}

func (c *Connector) clientToken(ctx context.Context) (*oauth2.Token, error) {
	c.mu.Lock()
	tok := c.token
	c.mu.Unlock()
	if tok != nil && (tok.Expiry.IsZero() || c.now().Before(tok.Expiry)) {
		return tok, nil
	}
	return c.fetchClientToken(ctx)
}

func (c *Connector) fetchClientToken(ctx context.Context) (*oauth2.Token, error) {
	creds, err := c.currentCreds()
	if err != nil {
		return nil, err
	}
	cc := clientcredentials.Config{
		ClientID:     c.cfg.Auth.ClientID,
		ClientSecret: creds.clientSecret,
		TokenURL:     c.cfg.Auth.TokenURL,
		Scopes:       c.cfg.Auth.Scopes,
	}
	tok, err := cc.Token(context.WithValue(ctx, oauth2.HTTPClient, c.client))
	if err != nil {
		return nil, registry.WrapError(registry.CodeAuth, "token_fetch_failed", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return tok, nil
	}
	c.token = tok
	c.scheduleRefreshLocked(tok)
	return tok, nil
}

// scheduleRefreshLocked arms a timer that fetches a new token refreshLead
// before tok expires. Callers hold c.mu.
func (c *Connector) scheduleRefreshLocked(tok *oauth2.Token) {
	if c.refreshTimer != nil {
		c.refreshTimer.Stop()
		c.refreshTimer = nil
	}
	if tok.Expiry.IsZero() {
		return
	}
	delay := tok.Expiry.Sub(c.now()) - c.refreshLead
	if delay <= 0 {
		return
	}
	c.refreshTimer = time.AfterFunc(delay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Timeout())
		defer cancel()
		if _, err := c.fetchClientToken(ctx); err != nil {
			c.logger.Warn("client credentials refresh failed", "connector", c.cfg.Name, "err", err)
		}
	})
}
