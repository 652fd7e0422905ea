package registry

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrReplaced is returned by GetOrCreate when the integration was removed or
// replaced while its connector was initializing. The new instance has been
// disposed; callers may retry with fresh state.
var ErrReplaced = errors.New("connector replaced during initialization")

// entry is one integration's slot. ready is closed once conn or err is set.
type entry struct {
	ready chan struct{}
	conn  Connector
	err   error
}

func readyEntry(c Connector) *entry {
	e := &entry{ready: make(chan struct{}), conn: c}
	close(e.ready)
	return e
}

func (e *entry) live() (Connector, bool) {
	select {
	case <-e.ready:
		return e.conn, e.conn != nil
	default:
		return nil, false
	}
}

// Registry owns the live connector instance of each integration. At most one
// instance exists per integration ID; a replaced instance is disposed before
// the new one becomes visible.
type Registry struct {
	mu   sync.Mutex
	live map[string]*entry
}

func NewRegistry() *Registry {
	return &Registry{live: make(map[string]*entry)}
}

func (r *Registry) Get(integrationID string) (Connector, bool) {
	r.mu.Lock()
	e, ok := r.live[integrationID]
	r.mu.Unlock()
	if !ok {
		return nil, false
	}
	return e.live()
}

// GetOrCreate returns the live connector or builds, initializes and stores a
// new one. Creation runs outside the registry lock; concurrent callers for
// the same integration wait for the one in flight instead of building a
// second instance.
func (r *Registry) GetOrCreate(ctx context.Context, integrationID string, create func(context.Context) (Connector, error)) (Connector, error) {
	r.mu.Lock()
	if e, ok := r.live[integrationID]; ok {
		r.mu.Unlock()
		select {
		case <-e.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if e.err != nil {
			return nil, e.err
		}
		return e.conn, nil
	}
	e := &entry{ready: make(chan struct{})}
	r.live[integrationID] = e
	r.mu.Unlock()

	c, err := create(ctx)
	if err == nil {
		if err = c.Initialize(ctx); err != nil {
			_ = c.Dispose(context.WithoutCancel(ctx))
			c = nil
		}
	}

	r.mu.Lock()
	current := r.live[integrationID] == e
	switch {
	case err != nil:
		if current {
			delete(r.live, integrationID)
		}
	case !current:
		// Removed while initializing.
		_ = c.Dispose(context.WithoutCancel(ctx))
		c, err = nil, ErrReplaced
	}
	e.conn, e.err = c, err
	close(e.ready)
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Replace disposes the current instance, if any, and stores next. An
// instance still initializing is disposed by its creator once it finishes.
func (r *Registry) Replace(ctx context.Context, integrationID string, next Connector) error {
	r.mu.Lock()
	prev, ok := r.live[integrationID]
	delete(r.live, integrationID)
	if next != nil {
		r.live[integrationID] = readyEntry(next)
	}
	r.mu.Unlock()

	if !ok {
		return nil
	}
	if c, live := prev.live(); live && c != next {
		return c.Dispose(ctx)
	}
	return nil
}

// Remove disposes and forgets the instance for integrationID.
func (r *Registry) Remove(ctx context.Context, integrationID string) error {
	return r.Replace(ctx, integrationID, nil)
}

// Len counts initialized connectors.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.live {
		if _, ok := e.live(); ok {
			n++
		}
	}
	return n
}

// DisposeAll tears down every live connector.
func (r *Registry) DisposeAll(ctx context.Context) error {
	r.mu.Lock()
	live := r.live
	r.live = make(map[string]*entry)
	r.mu.Unlock()

	var errs []error
	for id, e := range live {
		c, ok := e.live()
		if !ok {
			continue
		}
		if err := c.Dispose(ctx); err != nil {
			slog.Warn("connector dispose failed", "integration_id", id, "err", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
