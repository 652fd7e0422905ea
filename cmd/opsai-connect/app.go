package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/opsai/opsai-connect/internal/config"
	"github.com/opsai/opsai-connect/internal/connectors/airbyte"
	"github.com/opsai/opsai-connect/internal/connectors/registry"
	"github.com/opsai/opsai-connect/internal/connectors/rest"
	"github.com/opsai/opsai-connect/internal/connectors/soap"
	"github.com/opsai/opsai-connect/internal/connectors/webhook"
	"github.com/opsai/opsai-connect/internal/oauth"
	"github.com/opsai/opsai-connect/internal/queue"
	"github.com/opsai/opsai-connect/internal/ratelimit"
	"github.com/opsai/opsai-connect/internal/secrets"
	"github.com/opsai/opsai-connect/internal/store"
	"github.com/opsai/opsai-connect/internal/sync"
)

// app holds everything a long running command needs. Close releases it in
// reverse order of construction.
type app struct {
	cfg     config.Config
	store   store.Store
	queue   queue.Queue
	service *sync.Service
	oauth   *oauth.Manager
	logger  *slog.Logger

	closers []func()
}

func newApp(ctx context.Context, cfg config.Config) (*app, error) {
	a := &app{cfg: cfg, logger: slog.Default()}
	if err := a.open(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// open builds the app from a.cfg. Everything it acquires is registered with
// Close before the next step can fail.
func (a *app) open(ctx context.Context) error {
	cfg := a.cfg
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		a.closers = append(a.closers, pool.Close)
		a.store = store.NewPostgres(pool)
		a.queue = queue.NewPostgres(pool, queue.PostgresOptions{PollInterval: cfg.QueuePollInterval})
	} else {
		a.logger.Warn("DATABASE_URL is not set; integrations and jobs are kept in memory")
		a.store = store.NewMemory()
		a.queue = queue.NewMemory()
	}
	q := a.queue
	a.closers = append(a.closers, func() { _ = q.Close() })

	resolver := &secrets.Chain{}
	if cfg.Vault.Enabled() {
		v, err := secrets.NewVault(secrets.VaultOptions{
			Address:   cfg.Vault.Address,
			Token:     cfg.Vault.Token,
			Namespace: cfg.Vault.Namespace,
		})
		if err != nil {
			return fmt.Errorf("vault: %w", err)
		}
		resolver.Vault = v
	}

	var limiter ratelimit.Limiter = ratelimit.NewWindow(ratelimit.DefaultWindow)
	if cfg.RedisURL != "" {
		rl, client, err := ratelimit.NewRedisFromURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.closers = append(a.closers, func() { _ = client.Close() })
		limiter = rl
	}

	oauthOpts := oauth.Options{Secrets: resolver, Store: a.store}
	if l, ok := a.store.(store.Locker); ok {
		oauthOpts.Locker = l
	}
	a.oauth = oauth.NewManager(oauthOpts)
	for _, p := range cfg.OAuth {
		if err := a.oauth.RegisterProvider(oauth.ProviderConfig{
			Name:         p.Name,
			ClientID:     p.ClientID,
			ClientSecret: p.ClientSecret,
			AuthURL:      p.AuthURL,
			TokenURL:     p.TokenURL,
			Scopes:       p.Scopes,
			RedirectURI:  p.RedirectURI,
			AutoRefresh:  p.AutoRefresh,
		}); err != nil {
			return err
		}
	}
	if err := a.oauth.LoadTokens(ctx); err != nil {
		return err
	}

	reporter := &sync.LogReporter{}
	fallback, err := newFallback(cfg, resolver, reporter)
	if err != nil {
		return err
	}

	restOpts := rest.Options{Secrets: resolver, Tokens: a.oauth, Limiter: limiter}
	factory := registry.NewFactory()
	var svc *sync.Service
	constructors := map[registry.Kind]registry.Constructor{
		registry.KindREST: rest.NewConstructor(restOpts),
		registry.KindSOAP: soap.NewConstructor(restOpts),
		registry.KindWebhook: webhook.NewConstructor(webhook.Options{
			Secrets:  resolver,
			Sink:     a.store,
			Reporter: reporter,
			Handler: func(ctx context.Context, ev store.WebhookEvent) error {
				return svc.HandleWebhookEvent(ctx, ev)
			},
		}),
	}
	if fallback != nil {
		constructors[registry.KindManagedELT] = func(registry.Target) (registry.Connector, error) { return fallback, nil }
	}
	for kind, c := range constructors {
		if err := factory.Register(kind, c); err != nil {
			return err
		}
	}

	opts := sync.Options{Store: a.store, Queue: a.queue, Factory: factory, Reporter: reporter}
	if fallback != nil {
		opts.Fallback = fallback
	}
	svc, err = sync.NewService(opts)
	if err != nil {
		return err
	}
	a.service = svc
	return nil
}

// newFallback returns nil when no managed replication credentials are set.
func newFallback(cfg config.Config, resolver secrets.Resolver, reporter registry.Reporter) (*airbyte.Connector, error) {
	if !cfg.Airbyte.Enabled() {
		slog.Info("managed replication fallback disabled; AIRBYTE_API_KEY or client credentials not set")
		return nil, nil
	}
	client, err := airbyte.NewClient(airbyte.ClientOptions{
		APIURL:       cfg.Airbyte.APIURL,
		TokenURL:     cfg.Airbyte.TokenURL,
		APIKey:       cfg.Airbyte.APIKey,
		ClientID:     cfg.Airbyte.ClientID,
		ClientSecret: cfg.Airbyte.ClientSecret,
	})
	if err != nil {
		return nil, err
	}
	dest := cfg.Airbyte.Destination
	return airbyte.New(airbyte.Options{
		Client:      client,
		Secrets:     resolver,
		WorkspaceID: cfg.Airbyte.WorkspaceID,
		Destination: airbyte.DestinationSettings{
			Host:     dest.Host,
			Port:     dest.Port,
			Database: dest.Database,
			Schema:   dest.Schema,
			Username: dest.Username,
			Password: dest.Password,
		},
		PollInterval: cfg.Airbyte.PollInterval,
		SyncTimeout:  cfg.Airbyte.SyncTimeout,
		Reporter:     reporter,
	})
}

// Close disposes live connectors and releases connections.
func (a *app) Close() {
	if a == nil {
		return
	}
	if a.service != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := a.service.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Warn("dispose connectors", "err", err)
		}
		cancel()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
