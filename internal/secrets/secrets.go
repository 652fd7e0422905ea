// Package secrets resolves secret references found in connector and provider
// configuration. A reference is one of:
//
//	env:NAME                  value of environment variable NAME
//	vault:mount/path#key      field key of a KV v2 secret
//	literal:value             value as-is
//
// Any other string is returned unchanged.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	vaultapi "github.com/hashicorp/vault/api"
)

const (
	prefixEnv     = "env:"
	prefixVault   = "vault:"
	prefixLiteral = "literal:"
)

var (
	ErrNotFound         = errors.New("secret not found")
	ErrVaultUnavailable = errors.New("vault is not configured")
)

// Resolver turns a reference into its secret value.
type Resolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, ref string) (string, error)

func (f ResolverFunc) Resolve(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// Plain resolves env: and literal: references only.
var Plain Resolver = &Chain{}

// IsReference reports whether s uses one of the reference prefixes.
func IsReference(s string) bool {
	s = strings.TrimSpace(s)
	return strings.HasPrefix(s, prefixEnv) || strings.HasPrefix(s, prefixVault) || strings.HasPrefix(s, prefixLiteral)
}

// Chain dispatches on the reference prefix. Vault may be nil.
type Chain struct {
	Vault *Vault
}

func (c *Chain) Resolve(ctx context.Context, ref string) (string, error) {
	trimmed := strings.TrimSpace(ref)
	switch {
	case strings.HasPrefix(trimmed, prefixEnv):
		name := strings.TrimSpace(strings.TrimPrefix(trimmed, prefixEnv))
		v, ok := os.LookupEnv(name)
		if !ok || v == "" {
			return "", fmt.Errorf("env %s: %w", name, ErrNotFound)
		}
		return v, nil
	case strings.HasPrefix(trimmed, prefixVault):
		if c == nil || c.Vault == nil {
			return "", ErrVaultUnavailable
		}
		return c.Vault.Read(ctx, strings.TrimPrefix(trimmed, prefixVault))
	case strings.HasPrefix(trimmed, prefixLiteral):
		return strings.TrimPrefix(trimmed, prefixLiteral), nil
	default:
		return ref, nil
	}
}

// ResolveMap resolves every string value in m that is a reference, recursing
// into nested maps and slices. The input is not modified.
func ResolveMap(ctx context.Context, r Resolver, m map[string]any) (map[string]any, error) {
	if m == nil {
		return nil, nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		resolved, err := resolveValue(ctx, r, v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		out[k] = resolved
	}
	return out, nil
}

func resolveValue(ctx context.Context, r Resolver, v any) (any, error) {
	switch typed := v.(type) {
	case string:
		if !IsReference(typed) {
			return typed, nil
		}
		return r.Resolve(ctx, typed)
	case map[string]any:
		return ResolveMap(ctx, r, typed)
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			resolved, err := resolveValue(ctx, r, item)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}

type VaultOptions struct {
	Address   string
	Token     string
	Namespace string
	CacheTTL  time.Duration
}

// Vault reads fields from KV v2 mounts. Whole secrets are cached for CacheTTL.
type Vault struct {
	client *vaultapi.Client
	ttl    time.Duration
	now    func() time.Time

	mu    sync.Mutex
	cache map[string]cachedSecret
}

type cachedSecret struct {
	data    map[string]any
	expires time.Time
}

func NewVault(opts VaultOptions) (*Vault, error) {
	address := strings.TrimSpace(opts.Address)
	if address == "" {
		return nil, errors.New("vault address is required")
	}
	token := strings.TrimSpace(opts.Token)
	if token == "" {
		return nil, errors.New("vault token is required")
	}

	cfg := vaultapi.DefaultConfig()
	cfg.Address = address
	cfg.HttpClient = &http.Client{Timeout: 30 * time.Second}

	client, err := vaultapi.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("vault client setup: %w", err)
	}
	client.SetToken(token)
	if ns := strings.TrimSpace(opts.Namespace); ns != "" {
		client.SetNamespace(ns)
	}

	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Vault{client: client, ttl: ttl, now: time.Now, cache: make(map[string]cachedSecret)}, nil
}

// Read resolves "mount/path#key". The mount is the first path segment.
func (v *Vault) Read(ctx context.Context, ref string) (string, error) {
	location, key, ok := strings.Cut(strings.TrimSpace(ref), "#")
	if !ok || strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("vault reference %q must be mount/path#key", ref)
	}
	mount, path, ok := strings.Cut(strings.Trim(location, "/"), "/")
	if !ok || mount == "" || path == "" {
		return "", fmt.Errorf("vault reference %q must be mount/path#key", ref)
	}

	data, err := v.secret(ctx, mount, path)
	if err != nil {
		return "", err
	}
	raw, ok := data[key]
	if !ok {
		return "", fmt.Errorf("vault %s/%s field %s: %w", mount, path, key, ErrNotFound)
	}
	s, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("vault %s/%s field %s is not a string", mount, path, key)
	}
	return s, nil
}

func (v *Vault) secret(ctx context.Context, mount, path string) (map[string]any, error) {
	cacheKey := mount + "/" + path
	now := v.now()

	v.mu.Lock()
	if c, ok := v.cache[cacheKey]; ok && now.Before(c.expires) {
		v.mu.Unlock()
		return c.data, nil
	}
	v.mu.Unlock()

	secret, err := v.client.KVv2(mount).Get(ctx, path)
	if err != nil {
		if errors.Is(err, vaultapi.ErrSecretNotFound) {
			return nil, fmt.Errorf("vault %s: %w", cacheKey, ErrNotFound)
		}
		return nil, fmt.Errorf("vault read %s: %w", cacheKey, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("vault %s: %w", cacheKey, ErrNotFound)
	}

	v.mu.Lock()
	v.cache[cacheKey] = cachedSecret{data: secret.Data, expires: now.Add(v.ttl)}
	v.mu.Unlock()
	return secret.Data, nil
}
