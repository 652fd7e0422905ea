package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opsai/opsai-connect/internal/connectors/registry"
	"github.com/opsai/opsai-connect/internal/store"
	"golang.org/x/oauth2"
)

type tokenServer struct {
	*httptest.Server
	calls    atomic.Int32
	lastForm atomic.Value
}

func newTokenServer(t *testing.T) *tokenServer {
	t.Helper()
	ts := &tokenServer{}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm() error = %v", err)
		}
		ts.lastForm.Store(r.PostForm)
		n := ts.calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		switch r.PostForm.Get("grant_type") {
		case "authorization_code":
			if r.PostForm.Get("code") != "good-code" {
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
				return
			}
			_, _ = fmt.Fprintf(w, `{"access_token":"access-%d","refresh_token":"refresh-1","token_type":"Bearer","expires_in":3600,"scope":"read"}`, n)
		case "refresh_token":
			_, _ = fmt.Fprintf(w, `{"access_token":"access-%d","token_type":"Bearer","expires_in":3600}`, n)
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	t.Cleanup(ts.Close)
	return ts
}

func newTestManager(t *testing.T, ts *tokenServer, st store.OAuthTokenStore) *Manager {
	t.Helper()
	m := NewManager(Options{Store: st, HTTPClient: ts.Client()})
	err := m.RegisterProvider(ProviderConfig{
		Name:         "HubSpot",
		ClientID:     "client-1",
		ClientSecret: "literal:secret-1",
		AuthURL:      "https://auth.example.com/authorize",
		TokenURL:     ts.URL + "/token",
		Scopes:       []string{"read", "write"},
		RedirectURI:  "https://app.example.com/oauth/callback/hubspot",
		AutoRefresh:  true,
	})
	if err != nil {
		t.Fatalf("RegisterProvider() error = %v", err)
	}
	return m
}

func TestAuthorizationURL(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, newTokenServer(t), nil)
	raw, state, err := m.AuthorizationURL("hubspot", "")
	if err != nil {
		t.Fatalf("AuthorizationURL() error = %v", err)
	}
	if len(state) < 40 {
		t.Fatalf("state = %q, want 32 random bytes encoded", state)
	}
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("url.Parse() error = %v", err)
	}
	q := u.Query()
	checks := map[string]string{
		"client_id":     "client-1",
		"redirect_uri":  "https://app.example.com/oauth/callback/hubspot",
		"scope":         "read write",
		"state":         state,
		"response_type": "code",
	}
	for k, want := range checks {
		if got := q.Get(k); got != want {
			t.Fatalf("%s = %q, want %q", k, got, want)
		}
	}

	if _, given, _ := m.AuthorizationURL("hubspot", "caller-state"); given != "caller-state" {
		t.Fatalf("state = %q, want caller supplied", given)
	}
	if _, _, err := m.AuthorizationURL("unknown", ""); !errors.Is(err, ErrUnknownProvider) {
		t.Fatalf("AuthorizationURL(unknown) error = %v, want ErrUnknownProvider", err)
	}
}

func TestExchangeCode_StateIsSingleUse(t *testing.T) {
	t.Parallel()

	ts := newTokenServer(t)
	st := store.NewMemory()
	m := newTestManager(t, ts, st)
	_, state, _ := m.AuthorizationURL("hubspot", "")

	tok, err := m.ExchangeCode(context.Background(), "hubspot", "good-code", state)
	if err != nil {
		t.Fatalf("ExchangeCode() error = %v", err)
	}
	if tok.AccessToken == "" || tok.RefreshToken != "refresh-1" {
		t.Fatalf("token = %+v", tok)
	}
	form := ts.lastForm.Load().(url.Values)
	if got := form.Get("redirect_uri"); got != "https://app.example.com/oauth/callback/hubspot" {
		t.Fatalf("redirect_uri = %q", got)
	}

	_, err = m.ExchangeCode(context.Background(), "hubspot", "good-code", state)
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("second ExchangeCode() error = %v, want ErrInvalidState", err)
	}
	if registry.CodeOf(err) != registry.CodeValidation {
		t.Fatalf("code = %s, want %s", registry.CodeOf(err), registry.CodeValidation)
	}

	saved, _ := st.ListOAuthTokens(context.Background())
	if len(saved) != 1 || saved[0].Provider != "hubspot" || saved[0].Scope != "read" {
		t.Fatalf("persisted tokens = %+v", saved)
	}
}

func TestExchangeCode_FailedExchangeStillConsumesState(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, newTokenServer(t), nil)
	_, state, _ := m.AuthorizationURL("hubspot", "")

	if _, err := m.ExchangeCode(context.Background(), "hubspot", "bad-code", state); registry.CodeOf(err) != registry.CodeAuth {
		t.Fatalf("ExchangeCode(bad) error = %v, want AUTH_ERROR", err)
	}
	if _, err := m.ExchangeCode(context.Background(), "hubspot", "good-code", state); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("retry error = %v, want ErrInvalidState", err)
	}
}

func TestExchangeCode_ProviderMismatch(t *testing.T) {
	t.Parallel()

	ts := newTokenServer(t)
	m := newTestManager(t, ts, nil)
	if err := m.RegisterProvider(ProviderConfig{Name: "stripe", ClientID: "c", TokenURL: ts.URL, AuthURL: "https://x.test"}); err != nil {
		t.Fatal(err)
	}
	_, state, _ := m.AuthorizationURL("hubspot", "")

	if _, err := m.ExchangeCode(context.Background(), "stripe", "good-code", state); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("ExchangeCode(stripe) error = %v, want ErrInvalidState", err)
	}
	if _, err := m.ExchangeCode(context.Background(), "hubspot", "good-code", state); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("mismatched state was not deleted: %v", err)
	}
	if ts.calls.Load() != 0 {
		t.Fatal("token endpoint called for invalid state")
	}
}

func TestRunOnce_RefreshesTokensNearExpiry(t *testing.T) {
	t.Parallel()

	ts := newTokenServer(t)
	m := newTestManager(t, ts, nil)
	if err := m.RegisterProvider(ProviderConfig{Name: "manual", ClientID: "c", TokenURL: ts.URL, AutoRefresh: false}); err != nil {
		t.Fatal(err)
	}

	now := time.Now()
	m.now = func() time.Time { return now }
	oldExpiry := now.Add(4 * time.Minute)
	_ = m.SetToken(context.Background(), "hubspot", &oauth2.Token{AccessToken: "old", RefreshToken: "refresh-1", Expiry: oldExpiry})
	_ = m.SetToken(context.Background(), "manual", &oauth2.Token{AccessToken: "manual-old", RefreshToken: "r", Expiry: oldExpiry})

	if err := m.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}

	tok, err := m.Token(context.Background(), "hubspot")
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if tok.AccessToken == "old" {
		t.Fatal("access token was not refreshed")
	}
	if !tok.Expiry.After(oldExpiry) {
		t.Fatalf("Expiry = %s, want after %s", tok.Expiry, oldExpiry)
	}
	if tok.RefreshToken != "refresh-1" {
		t.Fatalf("RefreshToken = %q, want preserved", tok.RefreshToken)
	}

	manual, _ := m.Token(context.Background(), "manual")
	if manual.AccessToken != "manual-old" {
		t.Fatal("provider without auto refresh was refreshed")
	}
	if got := ts.calls.Load(); got != 1 {
		t.Fatalf("token endpoint calls = %d, want 1", got)
	}
}

func TestRunOnce_SkipsTokensOutsideWindow(t *testing.T) {
	t.Parallel()

	ts := newTokenServer(t)
	m := newTestManager(t, ts, nil)
	_ = m.SetToken(context.Background(), "hubspot", &oauth2.Token{AccessToken: "fresh", RefreshToken: "r", Expiry: time.Now().Add(time.Hour)})

	if err := m.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if ts.calls.Load() != 0 {
		t.Fatal("token outside the refresh window was refreshed")
	}
}

func TestInvalidateAndLoadTokens(t *testing.T) {
	t.Parallel()

	ts := newTokenServer(t)
	st := store.NewMemory()
	m := newTestManager(t, ts, st)
	_ = m.SetToken(context.Background(), "hubspot", &oauth2.Token{AccessToken: "a", TokenType: "Bearer", Expiry: time.Now().Add(time.Hour)})

	reloaded := newTestManager(t, ts, st)
	if err := reloaded.LoadTokens(context.Background()); err != nil {
		t.Fatalf("LoadTokens() error = %v", err)
	}
	if tok, err := reloaded.Token(context.Background(), "hubspot"); err != nil || tok.AccessToken != "a" {
		t.Fatalf("Token() after load = %v, %v", tok, err)
	}

	reloaded.Invalidate(context.Background(), "hubspot")
	if _, err := reloaded.Token(context.Background(), "hubspot"); !errors.Is(err, ErrNoToken) {
		t.Fatalf("Token() after Invalidate error = %v, want ErrNoToken", err)
	}
	if rows, _ := st.ListOAuthTokens(context.Background()); len(rows) != 0 {
		t.Fatalf("persisted tokens after Invalidate = %d, want 0", len(rows))
	}
}

func TestStartStop(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, newTokenServer(t), nil)
	m.Start(context.Background(), 5*time.Millisecond)
	m.Start(context.Background(), 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	m.Stop()
	m.Stop()
}

func TestToken_ReadsTokenExchangedByAnotherManager(t *testing.T) {
	t.Parallel()

	ts := newTokenServer(t)
	st := store.NewMemory()
	serve := newTestManager(t, ts, st)
	worker := newTestManager(t, ts, st)

	_, state, _ := serve.AuthorizationURL("hubspot", "")
	exchanged, err := serve.ExchangeCode(context.Background(), "hubspot", "good-code", state)
	if err != nil {
		t.Fatalf("ExchangeCode() error = %v", err)
	}

	tok, err := worker.Token(context.Background(), "hubspot")
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if tok.AccessToken != exchanged.AccessToken {
		t.Fatalf("AccessToken = %q, want %q", tok.AccessToken, exchanged.AccessToken)
	}
	if got := ts.calls.Load(); got != 1 {
		t.Fatalf("token endpoint calls = %d, want 1", got)
	}
}

func TestToken_PrefersStoredTokenOverExpiredCache(t *testing.T) {
	t.Parallel()

	ts := newTokenServer(t)
	st := store.NewMemory()
	m := newTestManager(t, ts, st)
	ctx := context.Background()
	_ = m.SetToken(ctx, "hubspot", &oauth2.Token{AccessToken: "stale", RefreshToken: "refresh-old", Expiry: time.Now().Add(-time.Minute)})

	// Another process rotated the token after this one cached it.
	_ = st.SaveOAuthToken(ctx, store.OAuthToken{
		Provider:     "hubspot",
		AccessToken:  "rotated",
		RefreshToken: "refresh-new",
		TokenType:    "Bearer",
		ExpiresAt:    time.Now().Add(time.Hour),
	})

	tok, err := m.Token(ctx, "hubspot")
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if tok.AccessToken != "rotated" {
		t.Fatalf("AccessToken = %q, want rotated", tok.AccessToken)
	}
	if got := ts.calls.Load(); got != 0 {
		t.Fatalf("token endpoint calls = %d, want 0", got)
	}

	if _, err := m.RefreshToken(ctx, "hubspot"); err != nil {
		t.Fatalf("RefreshToken() error = %v", err)
	}
	form, _ := ts.lastForm.Load().(url.Values)
	if got := form.Get("refresh_token"); got != "refresh-new" {
		t.Fatalf("refresh_token sent = %q, want refresh-new", got)
	}
}

func TestRunOnce_OneProcessRefreshes(t *testing.T) {
	t.Parallel()

	ts := newTokenServer(t)
	st := store.NewMemory()
	a := newTestManager(t, ts, st)
	b := newTestManager(t, ts, st)
	a.locker, b.locker = st, st
	ctx := context.Background()
	_ = a.SetToken(ctx, "hubspot", &oauth2.Token{AccessToken: "old", RefreshToken: "refresh-1", Expiry: time.Now().Add(time.Minute)})
	if err := b.LoadTokens(ctx); err != nil {
		t.Fatalf("LoadTokens() error = %v", err)
	}

	release, ok, err := st.TryLock(ctx, RefreshLockScope)
	if err != nil || !ok {
		t.Fatalf("TryLock() = %v, %v", ok, err)
	}
	if err := a.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce() while locked error = %v", err)
	}
	if got := ts.calls.Load(); got != 0 {
		t.Fatalf("token endpoint calls while locked = %d, want 0", got)
	}
	release()

	if err := a.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if err := b.RunOnce(ctx); err != nil {
		t.Fatalf("second RunOnce() error = %v", err)
	}
	if got := ts.calls.Load(); got != 1 {
		t.Fatalf("token endpoint calls = %d, want 1", got)
	}

	refreshed, _ := a.Token(ctx, "hubspot")
	seen, _ := b.Token(ctx, "hubspot")
	if seen.AccessToken != refreshed.AccessToken || seen.AccessToken == "old" {
		t.Fatalf("AccessToken = %q, want %q", seen.AccessToken, refreshed.AccessToken)
	}
}
