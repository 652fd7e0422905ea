package registry

import (
	"fmt"
	"sync"
)

// Target is what a constructor builds a connector for.
type Target struct {
	IntegrationID string
	TenantID      string
	Provider      string
	Config        Config
}

// Constructor builds an uninitialized connector.
type Constructor func(t Target) (Connector, error)

// Factory maps connector kinds to constructors.
type Factory struct {
	mu           sync.RWMutex
	constructors map[Kind]Constructor
}

func NewFactory() *Factory {
	return &Factory{constructors: make(map[Kind]Constructor)}
}

// Register adds a constructor for kind. Registering a kind twice is an error.
func (f *Factory) Register(kind Kind, c Constructor) error {
	if c == nil {
		return fmt.Errorf("constructor for %q is nil", kind)
	}
	k, err := ParseKind(string(kind))
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.constructors[k]; exists {
		return fmt.Errorf("connector kind %q already registered", k)
	}
	f.constructors[k] = c
	return nil
}

// New validates the target config and builds a connector of its kind.
func (f *Factory) New(t Target) (Connector, error) {
	t.Config = t.Config.Normalized()
	if err := t.Config.Validate(); err != nil {
		return nil, err
	}
	f.mu.RLock()
	c, ok := f.constructors[t.Config.Kind]
	f.mu.RUnlock()
	if !ok {
		return nil, NewError(CodeValidation, "unsupported_kind", fmt.Sprintf("no connector registered for kind %q", t.Config.Kind))
	}
	return c(t)
}

// Supports reports whether kind has a registered constructor.
func (f *Factory) Supports(kind Kind) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.constructors[kind]
	return ok
}
