package sync

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/opsai/opsai-connect/internal/connectors/airbyte"
	"github.com/opsai/opsai-connect/internal/connectors/registry"
	"github.com/robfig/cron/v3"
)

// Endpoint is one call of a direct sync.
type Endpoint struct {
	Path    string            `json:"path"`
	Method  string            `json:"method,omitempty"`
	Payload any               `json:"payload,omitempty"`
	Query   map[string]string `json:"query,omitempty"`
	// Action is the SOAPAction for soap integrations.
	Action string `json:"action,omitempty"`
}

// IntegrationSpec is the config document stored with every integration.
type IntegrationSpec struct {
	Connector registry.Config      `json:"connector"`
	Endpoints []Endpoint           `json:"endpoints,omitempty"`
	Managed   *airbyte.ManagedSpec `json:"managed,omitempty"`
	// Schedule is a standard cron expression for recurring syncs.
	Schedule string `json:"schedule,omitempty"`
	// SyncOnEvents lists webhook event types that enqueue a sync. "*" matches
	// every type.
	SyncOnEvents []string `json:"syncOnEvents,omitempty"`
}

// IntegrationInput is what callers submit to create or update an integration.
type IntegrationInput struct {
	Name     string          `json:"name"`
	Provider string          `json:"provider"`
	Type     string          `json:"type,omitempty"`
	Spec     IntegrationSpec `json:"config"`
}

// ParseSpec decodes a stored config document.
func ParseSpec(raw json.RawMessage) (IntegrationSpec, error) {
	var spec IntegrationSpec
	if len(raw) == 0 {
		return spec, nil
	}
	if err := json.Unmarshal(raw, &spec); err != nil {
		return IntegrationSpec{}, registry.WrapError(registry.CodeValidation, "invalid_config", fmt.Errorf("integration config: %w", err))
	}
	return spec, nil
}

// normalize fills connector defaults from the input and checks everything
// that can be checked without calling the provider.
func (in IntegrationInput) normalize(factory *registry.Factory) (IntegrationInput, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.Provider = strings.ToLower(strings.TrimSpace(in.Provider))
	if in.Name == "" {
		return in, registry.NewError(registry.CodeValidation, "invalid_input", "name is required")
	}
	if in.Provider == "" {
		return in, registry.NewError(registry.CodeValidation, "invalid_input", "provider is required")
	}

	conn := in.Spec.Connector
	if conn.Kind == "" && in.Type != "" {
		conn.Kind = registry.Kind(in.Type)
	}
	if conn.Name == "" {
		conn.Name = in.Provider
	}
	conn = conn.Normalized()
	if err := conn.Validate(); err != nil {
		return in, err
	}
	if !factory.Supports(conn.Kind) {
		return in, registry.NewError(registry.CodeValidation, "unsupported_kind", fmt.Sprintf("no connector registered for kind %q", conn.Kind))
	}
	in.Spec.Connector = conn
	in.Type = conn.Kind.String()

	for i, ep := range in.Spec.Endpoints {
		if strings.TrimSpace(ep.Path) == "" {
			return in, registry.NewError(registry.CodeValidation, "invalid_input", fmt.Sprintf("endpoints[%d].path is required", i))
		}
		if ep.Method == "" {
			in.Spec.Endpoints[i].Method = http.MethodGet
		}
	}
	if s := strings.TrimSpace(in.Spec.Schedule); s != "" {
		if _, err := cron.ParseStandard(s); err != nil {
			return in, registry.WrapError(registry.CodeValidation, "invalid_schedule", fmt.Errorf("schedule %q: %w", s, err))
		}
		in.Spec.Schedule = s
	}
	if m := in.Spec.Managed; m != nil && m.Schedule != "" {
		if _, err := airbyte.QuartzCron(m.Schedule); err != nil {
			return in, err
		}
	}
	return in, nil
}

func (s IntegrationSpec) request(ep Endpoint) registry.Request {
	req := registry.Request{
		Endpoint: ep.Path,
		Method:   ep.Method,
		Data:     ep.Payload,
		Action:   ep.Action,
	}
	if len(ep.Query) > 0 {
		req.Query = make(map[string][]string, len(ep.Query))
		for k, v := range ep.Query {
			req.Query.Set(k, v)
		}
	}
	return req
}

func (s IntegrationSpec) syncsOn(eventType string) bool {
	for _, t := range s.SyncOnEvents {
		if t == "*" || strings.EqualFold(t, eventType) {
			return true
		}
	}
	return false
}
