// Package ratelimit implements fixed-window request budgets keyed by
// connector and endpoint.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultWindow is the budget period for requests-per-minute policies.
const DefaultWindow = time.Minute

// Limiter decides whether one more request under key fits within limit.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int) (bool, error)
}

// Window is an in-process fixed-window limiter. Counters for a key reset once
// the window that started with the key's first request has elapsed.
type Window struct {
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	start time.Time
	count int
}

func NewWindow(window time.Duration) *Window {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Window{window: window, now: time.Now, buckets: make(map[string]*bucket)}
}

func (w *Window) Allow(_ context.Context, key string, limit int) (bool, error) {
	if limit <= 0 {
		return true, nil
	}
	now := w.now()

	w.mu.Lock()
	defer w.mu.Unlock()
	b, ok := w.buckets[key]
	if !ok || now.Sub(b.start) >= w.window {
		b = &bucket{start: now}
		w.buckets[key] = b
	}
	if b.count >= limit {
		return false, nil
	}
	b.count++
	return true, nil
}

// Reset drops every counter.
func (w *Window) Reset() {
	w.mu.Lock()
	w.buckets = make(map[string]*bucket)
	w.mu.Unlock()
}

// Redis shares counters between processes. Each window is an INCR'd key that
// expires with the window, so workers calling the same integration share one
// budget.
type Redis struct {
	client    redis.UniversalClient
	keyPrefix string
	window    time.Duration
	now       func() time.Time
}

func NewRedis(client redis.UniversalClient, keyPrefix string, window time.Duration) *Redis {
	if window <= 0 {
		window = DefaultWindow
	}
	keyPrefix = strings.TrimSpace(keyPrefix)
	if keyPrefix == "" {
		keyPrefix = "opsai:ratelimit:"
	}
	return &Redis{client: client, keyPrefix: keyPrefix, window: window, now: time.Now}
}

// NewRedisFromURL parses a redis:// URL and returns a limiter plus the client
// for the caller to close.
func NewRedisFromURL(rawURL string) (*Redis, *redis.Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	return NewRedis(client, "", DefaultWindow), client, nil
}

func (r *Redis) Allow(ctx context.Context, key string, limit int) (bool, error) {
	if limit <= 0 {
		return true, nil
	}
	k := r.windowKey(key, r.now())

	pipe := r.client.TxPipeline()
	incr := pipe.Incr(ctx, k)
	pipe.PExpire(ctx, k, r.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("rate limit counter: %w", err)
	}
	return incr.Val() <= int64(limit), nil
}

func (r *Redis) windowKey(key string, now time.Time) string {
	slot := now.UnixNano() / int64(r.window)
	return r.keyPrefix + key + ":" + strconv.FormatInt(slot, 10)
}
