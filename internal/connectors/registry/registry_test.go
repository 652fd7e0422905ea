package registry

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeConnector struct {
	initErr  error
	disposed atomic.Int32
	inits    atomic.Int32
}

func (f *fakeConnector) Kind() Kind { return KindREST }
func (f *fakeConnector) Initialize(context.Context) error {
	f.inits.Add(1)
	return f.initErr
}
func (f *fakeConnector) TestConnection(context.Context) (bool, error) { return true, nil }
func (f *fakeConnector) ExecuteRequest(context.Context, Request) (*Response, error) {
	return &Response{Status: http.StatusOK}, nil
}
func (f *fakeConnector) Dispose(context.Context) error {
	f.disposed.Add(1)
	return nil
}

func TestRegistry_ReplaceDisposesPrevious(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	first := &fakeConnector{}
	second := &fakeConnector{}

	if err := r.Replace(context.Background(), "int-1", first); err != nil {
		t.Fatalf("Replace(first) error = %v", err)
	}
	if err := r.Replace(context.Background(), "int-1", second); err != nil {
		t.Fatalf("Replace(second) error = %v", err)
	}
	if got := first.disposed.Load(); got != 1 {
		t.Fatalf("first disposed = %d, want 1", got)
	}
	if got := r.Len(); got != 1 {
		t.Fatalf("Len() = %d, want 1", got)
	}
	live, _ := r.Get("int-1")
	if live != second {
		t.Fatal("live connector is not the replacement")
	}

	if err := r.Remove(context.Background(), "int-1"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if got := second.disposed.Load(); got != 1 {
		t.Fatalf("second disposed = %d, want 1", got)
	}
	if _, ok := r.Get("int-1"); ok {
		t.Fatal("connector still registered after Remove")
	}
}

func TestRegistry_GetOrCreateSingleInstance(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	var created atomic.Int32
	create := func(context.Context) (Connector, error) {
		created.Add(1)
		return &fakeConnector{}, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.GetOrCreate(context.Background(), "int-1", create); err != nil {
				t.Errorf("GetOrCreate() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if got := created.Load(); got != 1 {
		t.Fatalf("created = %d, want 1", got)
	}
}

func TestRegistry_GetOrCreateInitFailureDisposes(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	fc := &fakeConnector{initErr: errors.New("boom")}
	_, err := r.GetOrCreate(context.Background(), "int-1", func(context.Context) (Connector, error) { return fc, nil })
	if err == nil {
		t.Fatal("expected init error")
	}
	if fc.disposed.Load() != 1 {
		t.Fatal("failed connector was not disposed")
	}
	if r.Len() != 0 {
		t.Fatal("failed connector was stored")
	}
}

func TestRegistry_SlowInitDoesNotBlockOtherIntegrations(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	entered := make(chan struct{})
	release := make(chan struct{})
	slowDone := make(chan error, 1)
	go func() {
		_, err := r.GetOrCreate(context.Background(), "slow", func(context.Context) (Connector, error) {
			close(entered)
			<-release
			return &fakeConnector{}, nil
		})
		slowDone <- err
	}()
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := r.GetOrCreate(ctx, "fast", func(context.Context) (Connector, error) { return &fakeConnector{}, nil }); err != nil {
		t.Fatalf("GetOrCreate(fast) error = %v while another integration initializes", err)
	}
	if _, ok := r.Get("slow"); ok {
		t.Fatal("slow connector visible before it finished initializing")
	}

	close(release)
	if err := <-slowDone; err != nil {
		t.Fatalf("GetOrCreate(slow) error = %v", err)
	}
	if got := r.Len(); got != 2 {
		t.Fatalf("Len() = %d, want 2", got)
	}
}

func TestRegistry_RemoveDuringInitDisposesNewInstance(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	fc := &fakeConnector{}
	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := r.GetOrCreate(context.Background(), "int-1", func(context.Context) (Connector, error) {
			close(entered)
			<-release
			return fc, nil
		})
		done <- err
	}()
	<-entered

	if err := r.Remove(context.Background(), "int-1"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	close(release)
	if err := <-done; !errors.Is(err, ErrReplaced) {
		t.Fatalf("GetOrCreate() error = %v, want ErrReplaced", err)
	}
	if got := fc.disposed.Load(); got != 1 {
		t.Fatalf("disposed = %d, want 1", got)
	}
	if got := r.Len(); got != 0 {
		t.Fatalf("Len() = %d, want 0", got)
	}
}

func TestFactory_New(t *testing.T) {
	t.Parallel()

	f := NewFactory()
	if err := f.Register(KindREST, func(t Target) (Connector, error) { return &fakeConnector{}, nil }); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := f.Register("api", func(t Target) (Connector, error) { return nil, nil }); err == nil {
		t.Fatal("expected duplicate registration error for alias of rest")
	}

	if _, err := f.New(Target{Config: Config{Name: "shop", Kind: KindREST, BaseURL: "https://api.example.com"}}); err != nil {
		t.Fatalf("New(rest) error = %v", err)
	}

	_, err := f.New(Target{Config: Config{Name: "legacy", Kind: KindSOAP, BaseURL: "https://soap.example.com"}})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("New(soap) error = %v, want VALIDATION_ERROR", err)
	}
	_, err = f.New(Target{Config: Config{Name: "x", Kind: "ftp"}})
	if CodeOf(err) != CodeValidation {
		t.Fatalf("New(ftp) code = %q, want %q", CodeOf(err), CodeValidation)
	}
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "rest ok", cfg: Config{Name: "a", Kind: KindREST, BaseURL: "https://x.test"}},
		{name: "missing name", cfg: Config{Kind: KindREST, BaseURL: "https://x.test"}, wantErr: true},
		{name: "rest without url", cfg: Config{Name: "a", Kind: KindREST}, wantErr: true},
		{name: "relative url", cfg: Config{Name: "a", Kind: KindREST, BaseURL: "/api"}, wantErr: true},
		{name: "webhook without url", cfg: Config{Name: "a", Kind: KindWebhook}},
		{name: "api key missing", cfg: Config{Name: "a", Kind: KindREST, BaseURL: "https://x.test", Auth: AuthDescriptor{Type: AuthAPIKey}}, wantErr: true},
		{name: "client credentials", cfg: Config{Name: "a", Kind: KindREST, BaseURL: "https://x.test", Auth: AuthDescriptor{Type: AuthOAuth2ClientCredentials, ClientID: "id", ClientSecret: "env:S", TokenURL: "https://x.test/token"}}},
		{name: "unknown auth", cfg: Config{Name: "a", Kind: KindREST, BaseURL: "https://x.test", Auth: AuthDescriptor{Type: "hmac"}}, wantErr: true},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.cfg.Normalized().Validate()
			if (err != nil) != tc.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestErrorFromStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status int
		code   Code
		reason string
	}{
		{http.StatusUnauthorized, CodeAuth, "unauthorized"},
		{http.StatusForbidden, CodeAuth, "forbidden"},
		{http.StatusNotFound, CodeConnector, "not_found"},
		{http.StatusTooManyRequests, CodeRateLimit, "remote"},
		{http.StatusBadGateway, CodeConnector, "server_error"},
		{http.StatusUnprocessableEntity, CodeValidation, "bad_request"},
	}
	for _, tc := range tests {
		h := http.Header{}
		h.Set("Retry-After", "7")
		e := ErrorFromStatus(tc.status, h, "")
		if e.Code != tc.code || e.Reason != tc.reason {
			t.Fatalf("ErrorFromStatus(%d) = %s/%s, want %s/%s", tc.status, e.Code, e.Reason, tc.code, tc.reason)
		}
		if tc.status == http.StatusTooManyRequests && e.RetryAfter != 7*time.Second {
			t.Fatalf("RetryAfter = %s, want 7s", e.RetryAfter)
		}
	}
}

func TestEscalates(t *testing.T) {
	t.Parallel()

	if Escalates(NewError(CodeValidation, "bad_request", "x")) {
		t.Fatal("validation errors must not escalate")
	}
	if !Escalates(NewError(CodeRateLimit, "local", "x")) {
		t.Fatal("rate limit errors must escalate")
	}
	if !Escalates(errors.New("dial tcp: refused")) {
		t.Fatal("untyped errors must escalate")
	}
	if !errors.Is(WrapError(CodeConnector, "network_error", errors.New("x")), &Error{Code: CodeConnector, Reason: "network_error"}) {
		t.Fatal("errors.Is should match code and reason")
	}
}

func TestAuthDescriptorLogValueHidesSecrets(t *testing.T) {
	t.Parallel()

	a := AuthDescriptor{Type: AuthBasic, Username: "svc", Password: "hunter2", Headers: map[string]string{"X-B": "v", "X-A": "v"}}
	got := a.LogValue().Resolve().String()
	for _, secret := range []string{"hunter2", "svc"} {
		if strings.Contains(got, secret) {
			t.Fatalf("LogValue() = %q leaked %q", got, secret)
		}
	}
	if !strings.Contains(got, "X-A,X-B") {
		t.Fatalf("LogValue() = %q, want sorted header names", got)
	}
}
