package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultHTTPAddr             = ":8080"
	defaultMetricsAddr          = ":9090"
	defaultSyncWorkers          = 4
	defaultQueuePollInterval    = time.Second
	defaultOAuthRefreshInterval = time.Minute
	defaultWebhookTimeout       = 10 * time.Second

	defaultAirbyteAPIURL       = "https://api.airbyte.com/v1"
	defaultAirbyteTokenURL     = "https://cloud.airbyte.com/auth/realms/_airbyte-application-clients/protocol/openid-connect/token"
	defaultAirbytePollInterval = 5 * time.Second
	defaultAirbyteSyncTimeout  = 300 * time.Second
)

type Config struct {
	DatabaseURL          string
	HTTPAddr             string
	MetricsAddr          string
	RedisURL             string
	SyncWorkers          int
	QueuePollInterval    time.Duration
	OAuthRefreshInterval time.Duration
	WebhookTimeout       time.Duration

	Vault   VaultConfig
	Airbyte AirbyteConfig
	OAuth   []OAuthProviderConfig
}

type VaultConfig struct {
	Address   string
	Token     string
	Namespace string
}

// Enabled reports whether vault: secret references can be resolved.
func (c VaultConfig) Enabled() bool {
	return c.Address != "" && c.Token != ""
}

type AirbyteConfig struct {
	APIURL       string
	TokenURL     string
	APIKey       string
	ClientID     string
	ClientSecret string
	WorkspaceID  string
	PollInterval time.Duration
	SyncTimeout  time.Duration
	Destination  AirbyteDestinationConfig
}

// Enabled reports whether enough credentials are present to reach the platform.
func (c AirbyteConfig) Enabled() bool {
	return c.APIKey != "" || (c.ClientID != "" && c.ClientSecret != "")
}

type AirbyteDestinationConfig struct {
	Host     string
	Port     int
	Database string
	Schema   string
	Username string
	Password string
}

type OAuthProviderConfig struct {
	Name         string
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	Scopes       []string
	RedirectURI  string
	AutoRefresh  bool
}

type LoadOptions struct {
	RequireDatabaseURL bool
}

func Load() (Config, error) {
	return LoadWithOptions(LoadOptions{})
}

func LoadWithOptions(opts LoadOptions) (Config, error) {
	if err := godotenv.Load(); err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			return Config{}, err
		}
	}

	cfg := Config{
		DatabaseURL:          strings.TrimSpace(os.Getenv("DATABASE_URL")),
		HTTPAddr:             getenvDefault("HTTP_ADDR", defaultHTTPAddr),
		MetricsAddr:          getenvDefault("METRICS_ADDR", defaultMetricsAddr),
		RedisURL:             strings.TrimSpace(os.Getenv("REDIS_URL")),
		SyncWorkers:          getenvIntDefault("SYNC_WORKERS", defaultSyncWorkers),
		QueuePollInterval:    getenvDurationDefault("QUEUE_POLL_INTERVAL", defaultQueuePollInterval),
		OAuthRefreshInterval: getenvDurationDefault("OAUTH_REFRESH_INTERVAL", defaultOAuthRefreshInterval),
		WebhookTimeout:       getenvDurationDefault("WEBHOOK_TIMEOUT", defaultWebhookTimeout),
		Vault: VaultConfig{
			Address:   strings.TrimSpace(os.Getenv("VAULT_ADDR")),
			Token:     strings.TrimSpace(os.Getenv("VAULT_TOKEN")),
			Namespace: strings.TrimSpace(os.Getenv("VAULT_NAMESPACE")),
		},
		Airbyte: AirbyteConfig{
			APIURL:       strings.TrimRight(getenvDefault("AIRBYTE_API_URL", defaultAirbyteAPIURL), "/"),
			TokenURL:     getenvDefault("AIRBYTE_TOKEN_URL", defaultAirbyteTokenURL),
			APIKey:       strings.TrimSpace(os.Getenv("AIRBYTE_API_KEY")),
			ClientID:     strings.TrimSpace(os.Getenv("AIRBYTE_CLIENT_ID")),
			ClientSecret: strings.TrimSpace(os.Getenv("AIRBYTE_CLIENT_SECRET")),
			WorkspaceID:  strings.TrimSpace(os.Getenv("AIRBYTE_WORKSPACE_ID")),
			PollInterval: getenvDurationDefault("AIRBYTE_POLL_INTERVAL", defaultAirbytePollInterval),
			SyncTimeout:  getenvDurationDefault("AIRBYTE_SYNC_TIMEOUT", defaultAirbyteSyncTimeout),
			Destination: AirbyteDestinationConfig{
				Host:     strings.TrimSpace(os.Getenv("AIRBYTE_DESTINATION_HOST")),
				Port:     getenvIntDefault("AIRBYTE_DESTINATION_PORT", 5432),
				Database: strings.TrimSpace(os.Getenv("AIRBYTE_DESTINATION_DATABASE")),
				Schema:   strings.TrimSpace(os.Getenv("AIRBYTE_DESTINATION_SCHEMA")),
				Username: strings.TrimSpace(os.Getenv("AIRBYTE_DESTINATION_USERNAME")),
				Password: os.Getenv("AIRBYTE_DESTINATION_PASSWORD"),
			},
		},
	}

	providers, err := loadOAuthProviders()
	if err != nil {
		return cfg, err
	}
	cfg.OAuth = providers

	if opts.RequireDatabaseURL && cfg.DatabaseURL == "" {
		return cfg, errors.New("DATABASE_URL is required")
	}
	return cfg, nil
}

// loadOAuthProviders reads OAUTH_PROVIDERS=a,b and the OAUTH_<NAME>_* keys for each entry.
func loadOAuthProviders() ([]OAuthProviderConfig, error) {
	raw := strings.TrimSpace(os.Getenv("OAUTH_PROVIDERS"))
	if raw == "" {
		return nil, nil
	}

	var out []OAuthProviderConfig
	seen := make(map[string]struct{})
	for _, name := range strings.Split(raw, ",") {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}

		prefix := "OAUTH_" + strings.ToUpper(strings.ReplaceAll(name, "-", "_")) + "_"
		p := OAuthProviderConfig{
			Name:         name,
			ClientID:     strings.TrimSpace(os.Getenv(prefix + "CLIENT_ID")),
			ClientSecret: os.Getenv(prefix + "CLIENT_SECRET"),
			AuthURL:      strings.TrimSpace(os.Getenv(prefix + "AUTH_URL")),
			TokenURL:     strings.TrimSpace(os.Getenv(prefix + "TOKEN_URL")),
			Scopes:       splitList(os.Getenv(prefix + "SCOPES")),
			RedirectURI:  strings.TrimSpace(os.Getenv(prefix + "REDIRECT_URI")),
			AutoRefresh:  getenvBoolDefault(prefix+"AUTO_REFRESH", true),
		}
		if p.ClientID == "" || p.TokenURL == "" {
			return nil, fmt.Errorf("oauth provider %q requires %sCLIENT_ID and %sTOKEN_URL", name, prefix, prefix)
		}
		out = append(out, p)
	}
	return out, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == ' ' }) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getenvDefault(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getenvIntDefault(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return def
	}
	return n
}

func getenvBoolDefault(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	switch strings.ToLower(v) {
	case "1", "true":
		return true
	case "0", "false":
		return false
	default:
		return def
	}
}

func getenvDurationDefault(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
