package registry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
)

// Connector is the contract every integration implementation satisfies.
// Initialize must be called before ExecuteRequest; Dispose releases timers,
// goroutines and connections and must be safe to call more than once.
type Connector interface {
	Kind() Kind
	Initialize(ctx context.Context) error
	// TestConnection reports reachability. A false result with a nil error
	// means the provider answered but the check did not pass.
	TestConnection(ctx context.Context) (bool, error)
	ExecuteRequest(ctx context.Context, req Request) (*Response, error)
	Dispose(ctx context.Context) error
}

type Request struct {
	Endpoint string
	Method   string
	Data     any
	Query    url.Values
	Headers  map[string]string
	// Action is the SOAPAction for soap connectors.
	Action string
}

// MethodOrDefault returns the upper-case method, defaulting to GET.
func (r Request) MethodOrDefault() string {
	if r.Method == "" {
		return http.MethodGet
	}
	return normalizeMethod(r.Method)
}

// Response is the outcome of one call. When the remote answers outside 2xx
// the connector returns a Response with Success false and Error set together
// with that same *Error as its error result.
type Response struct {
	Success bool
	Status  int
	Headers http.Header
	Data    json.RawMessage
	Error   *Error
}

// Failed builds the Response that accompanies e for a non-2xx answer.
func Failed(status int, header http.Header, e *Error) *Response {
	return &Response{Status: status, Headers: header, Error: e}
}
