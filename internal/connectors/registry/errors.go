package registry

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Code is the stable, caller-visible error category.
type Code string

const (
	CodeAuth             Code = "AUTH_ERROR"
	CodeRateLimit        Code = "RATE_LIMIT_ERROR"
	CodeConnector        Code = "CONNECTOR_ERROR"
	CodeValidation       Code = "VALIDATION_ERROR"
	CodeSyncTimeout      Code = "SYNC_TIMEOUT"
	CodeInvalidSignature Code = "INVALID_SIGNATURE"
)

// Error is the typed failure returned by connectors. Message is safe to show to
// callers; Cause is kept for logs only.
type Error struct {
	Code       Code
	Reason     string
	Message    string
	Status     int
	RetryAfter time.Duration
	Cause      error
}

func NewError(code Code, reason, message string) *Error {
	return &Error{Code: code, Reason: reason, Message: message}
}

// WrapError returns an *Error carrying cause. It does not re-wrap an existing *Error.
func WrapError(code Code, reason string, cause error) *Error {
	var existing *Error
	if errors.As(cause, &existing) {
		return existing
	}
	msg := reason
	if cause != nil {
		msg = cause.Error()
	}
	return &Error{Code: code, Reason: reason, Message: msg, Cause: cause}
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString(string(e.Code))
	if e.Reason != "" {
		b.WriteString(" (")
		b.WriteString(e.Reason)
		b.WriteString(")")
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is matches another *Error with the same code. A target with a reason also
// has to match the reason.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	if t.Code != e.Code {
		return false
	}
	return t.Reason == "" || t.Reason == e.Reason
}

// Sentinels for errors.Is checks.
var (
	ErrAuth             = &Error{Code: CodeAuth}
	ErrRateLimit        = &Error{Code: CodeRateLimit}
	ErrConnector        = &Error{Code: CodeConnector}
	ErrValidation       = &Error{Code: CodeValidation}
	ErrSyncTimeout      = &Error{Code: CodeSyncTimeout}
	ErrInvalidSignature = &Error{Code: CodeInvalidSignature}
)

// CodeOf returns the code of the first *Error in err's chain, or
// CONNECTOR_ERROR for untyped errors. It returns "" for nil.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeConnector
}

// Escalates reports whether a failure should be retried through the managed
// replication fallback. Validation and signature failures never escalate.
func Escalates(err error) bool {
	switch CodeOf(err) {
	case "", CodeValidation, CodeInvalidSignature:
		return false
	default:
		return true
	}
}

// ErrorFromStatus classifies a non-2xx provider response.
func ErrorFromStatus(status int, header http.Header, body string) *Error {
	msg := strings.TrimSpace(body)
	if msg == "" {
		msg = http.StatusText(status)
	}
	e := &Error{Status: status, Message: fmt.Sprintf("provider returned %d: %s", status, msg)}
	switch {
	case status == http.StatusUnauthorized:
		e.Code, e.Reason = CodeAuth, "unauthorized"
	case status == http.StatusForbidden:
		e.Code, e.Reason = CodeAuth, "forbidden"
	case status == http.StatusNotFound:
		e.Code, e.Reason = CodeConnector, "not_found"
	case status == http.StatusTooManyRequests:
		e.Code, e.Reason = CodeRateLimit, "remote"
		e.RetryAfter = ParseRetryAfter(header.Get("Retry-After"), time.Now())
	case status >= 500:
		e.Code, e.Reason = CodeConnector, "server_error"
	default:
		e.Code, e.Reason = CodeValidation, "bad_request"
	}
	return e
}

// ParseRetryAfter accepts delta-seconds or an HTTP date.
func ParseRetryAfter(raw string, now time.Time) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(raw); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
