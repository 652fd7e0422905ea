package registry

import (
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"time"
)

// AuthType selects the credential strategy of a connector.
type AuthType string

const (
	AuthNone                    AuthType = ""
	AuthAPIKey                  AuthType = "api_key"
	AuthBearer                  AuthType = "bearer"
	AuthBasic                   AuthType = "basic"
	AuthOAuth2ClientCredentials AuthType = "oauth2_client_credentials"
	AuthCustomHeaders           AuthType = "custom_headers"
	AuthOAuth2                  AuthType = "oauth2"
)

const (
	DefaultAPIKeyHeader = "X-API-Key"
	DefaultHealthPath   = "/"
	DefaultTimeout      = 30 * time.Second
)

// AuthDescriptor holds secret references, never raw secrets. Values are
// resolved by a secrets.Resolver when the connector initializes.
type AuthDescriptor struct {
	Type AuthType `json:"type,omitempty"`

	// api_key
	Header string `json:"header,omitempty"`
	Key    string `json:"key,omitempty"`
	// bearer
	Token string `json:"token,omitempty"`
	// basic
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	// oauth2_client_credentials
	ClientID     string   `json:"clientId,omitempty"`
	ClientSecret string   `json:"clientSecret,omitempty"`
	TokenURL     string   `json:"tokenUrl,omitempty"`
	Scopes       []string `json:"scopes,omitempty"`
	// custom_headers
	Headers map[string]string `json:"headers,omitempty"`
	// oauth2: token comes from the credential manager for Provider.
	Provider string `json:"provider,omitempty"`
}

// LogValue keeps credentials out of logs.
func (a AuthDescriptor) LogValue() slog.Value {
	attrs := []slog.Attr{slog.String("type", string(a.Type))}
	if a.Header != "" {
		attrs = append(attrs, slog.String("header", a.Header))
	}
	if a.ClientID != "" {
		attrs = append(attrs, slog.String("client_id", a.ClientID))
	}
	if a.TokenURL != "" {
		attrs = append(attrs, slog.String("token_url", a.TokenURL))
	}
	if a.Provider != "" {
		attrs = append(attrs, slog.String("provider", a.Provider))
	}
	if len(a.Headers) > 0 {
		names := make([]string, 0, len(a.Headers))
		for k := range a.Headers {
			names = append(names, k)
		}
		sort.Strings(names)
		attrs = append(attrs, slog.String("headers", strings.Join(names, ",")))
	}
	return slog.GroupValue(attrs...)
}

func (a AuthDescriptor) Validate() error {
	switch a.Type {
	case AuthNone:
	case AuthAPIKey:
		if a.Key == "" {
			return validation("auth.key is required for api_key")
		}
	case AuthBearer:
		if a.Token == "" {
			return validation("auth.token is required for bearer")
		}
	case AuthBasic:
		if a.Username == "" {
			return validation("auth.username is required for basic")
		}
	case AuthOAuth2ClientCredentials:
		if a.ClientID == "" || a.ClientSecret == "" || a.TokenURL == "" {
			return validation("auth.clientId, auth.clientSecret and auth.tokenUrl are required for oauth2_client_credentials")
		}
	case AuthCustomHeaders:
		if len(a.Headers) == 0 {
			return validation("auth.headers is required for custom_headers")
		}
	case AuthOAuth2:
		if a.Provider == "" {
			return validation("auth.provider is required for oauth2")
		}
	default:
		return validation(fmt.Sprintf("unsupported auth type %q", a.Type))
	}
	return nil
}

type RateLimitPolicy struct {
	// RequestsPerMinute is the per-endpoint budget. Zero disables limiting.
	RequestsPerMinute int `json:"requestsPerMinute,omitempty"`
}

// WebhookSettings configures inbound verification and outbound delivery.
type WebhookSettings struct {
	// Secret is a reference to the HMAC signing secret.
	Secret          string `json:"secret,omitempty"`
	EventTypeHeader string `json:"eventTypeHeader,omitempty"`
	// PushURL is a websocket URL to subscribe to on initialize.
	PushURL string `json:"pushUrl,omitempty"`
}

type SOAPSettings struct {
	Namespace string `json:"namespace,omitempty"`
	// Path is appended to BaseURL for every call; defaults to "/".
	Path string `json:"path,omitempty"`
}

// Config is immutable once handed to a connector constructor.
type Config struct {
	Name           string            `json:"name"`
	Version        string            `json:"version,omitempty"`
	Kind           Kind              `json:"kind"`
	Capabilities   []string          `json:"capabilities,omitempty"`
	BaseURL        string            `json:"baseUrl,omitempty"`
	HealthPath     string            `json:"healthPath,omitempty"`
	TimeoutSeconds int               `json:"timeoutSeconds,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
	Auth           AuthDescriptor    `json:"auth"`
	RateLimit      RateLimitPolicy   `json:"rateLimit"`
	Webhook        WebhookSettings   `json:"webhook"`
	SOAP           SOAPSettings      `json:"soap"`
}

// Normalized trims values and fills defaults.
func (c Config) Normalized() Config {
	c.Name = strings.TrimSpace(c.Name)
	c.Version = strings.TrimSpace(c.Version)
	if k, err := ParseKind(string(c.Kind)); err == nil {
		c.Kind = k
	}
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	c.HealthPath = strings.TrimSpace(c.HealthPath)
	if c.HealthPath == "" {
		c.HealthPath = DefaultHealthPath
	}
	if c.Auth.Type == AuthAPIKey && strings.TrimSpace(c.Auth.Header) == "" {
		c.Auth.Header = DefaultAPIKeyHeader
	}
	if c.RateLimit.RequestsPerMinute < 0 {
		c.RateLimit.RequestsPerMinute = 0
	}
	return c
}

func (c Config) Validate() error {
	if c.Name == "" {
		return validation("name is required")
	}
	if _, err := ParseKind(string(c.Kind)); err != nil {
		return err
	}
	if c.BaseURL != "" {
		u, err := url.Parse(c.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return validation(fmt.Sprintf("baseUrl %q is not an absolute URL", c.BaseURL))
		}
	}
	switch c.Kind {
	case KindREST, KindSOAP:
		if c.BaseURL == "" {
			return validation("baseUrl is required")
		}
	}
	return c.Auth.Validate()
}

// Timeout returns the per-request timeout.
func (c Config) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return DefaultTimeout
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// HasCapability reports whether the connector advertises capability.
func (c Config) HasCapability(capability string) bool {
	for _, have := range c.Capabilities {
		if strings.EqualFold(have, capability) {
			return true
		}
	}
	return false
}

func validation(msg string) *Error {
	return NewError(CodeValidation, "invalid_config", msg)
}

func normalizeMethod(m string) string {
	return strings.ToUpper(strings.TrimSpace(m))
}
