package sync

import (
	"errors"
	"strings"

	"github.com/opsai/opsai-connect/internal/connectors/registry"
)

type Strategy string

const (
	StrategyDirect   Strategy = "direct"
	StrategyFallback Strategy = "fallback"
)

// Failure is one structured cause recorded by an attempt.
type Failure struct {
	Endpoint string        `json:"endpoint,omitempty"`
	Code     registry.Code `json:"code"`
	Reason   string        `json:"reason,omitempty"`
	Status   int           `json:"status,omitempty"`
	Message  string        `json:"message"`
}

func failureFrom(endpoint string, err error) Failure {
	f := Failure{Endpoint: endpoint, Code: registry.CodeOf(err), Message: err.Error()}
	var rerr *registry.Error
	if errors.As(err, &rerr) {
		f.Reason = rerr.Reason
		f.Status = rerr.Status
		if rerr.Message != "" {
			f.Message = rerr.Message
		}
	}
	return f
}

// escalates reports whether a failure may be retried through the fallback.
func (f Failure) escalates() bool {
	switch f.Code {
	case registry.CodeValidation, registry.CodeInvalidSignature:
		return false
	default:
		return true
	}
}

func (f Failure) String() string {
	var b strings.Builder
	if f.Endpoint != "" {
		b.WriteString(f.Endpoint)
		b.WriteString(": ")
	}
	b.WriteString(string(f.Code))
	if f.Message != "" {
		b.WriteString(": ")
		b.WriteString(f.Message)
	}
	return b.String()
}

// Attempt is the result of one strategy.
type Attempt struct {
	Strategy         Strategy  `json:"strategy"`
	Success          bool      `json:"success"`
	RecordsProcessed int64     `json:"recordsProcessed"`
	RecordsFailed    int64     `json:"recordsFailed"`
	Failures         []Failure `json:"failures,omitempty"`
	// Details carries strategy specific data such as the managed job id.
	Details map[string]any `json:"details,omitempty"`
}

// escalates is true when at least one failure may be retried elsewhere.
func (a Attempt) escalates() bool {
	for _, f := range a.Failures {
		if f.escalates() {
			return true
		}
	}
	return false
}

// Outcome is the typed audit trail of a job run.
type Outcome struct {
	Attempts []Attempt `json:"attempts"`
}

func (o Outcome) Succeeded() bool {
	return len(o.Attempts) > 0 && o.Attempts[len(o.Attempts)-1].Success
}

func (o Outcome) FallbackUsed() bool {
	for _, a := range o.Attempts {
		if a.Strategy == StrategyFallback {
			return true
		}
	}
	return false
}

// Attempt returns the attempt for strategy, if one ran.
func (o Outcome) Attempt(strategy Strategy) (Attempt, bool) {
	for _, a := range o.Attempts {
		if a.Strategy == strategy {
			return a, true
		}
	}
	return Attempt{}, false
}

// Errors lists every failure prefixed with the strategy that produced it.
func (o Outcome) Errors() []string {
	var out []string
	for _, a := range o.Attempts {
		for _, f := range a.Failures {
			out = append(out, string(a.Strategy)+": "+f.String())
		}
	}
	return out
}
