package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid sync job transition")
	ErrCountsDecreased   = errors.New("sync job record counts cannot decrease")
	// ErrDuplicate is returned when a job with the same dedupe key already
	// exists for the integration.
	ErrDuplicate = errors.New("duplicate sync job")
)

type IntegrationStatus string

const (
	IntegrationActive   IntegrationStatus = "active"
	IntegrationError    IntegrationStatus = "error"
	IntegrationDisabled IntegrationStatus = "disabled"
)

type Integration struct {
	ID        string            `json:"id"`
	TenantID  string            `json:"tenantId"`
	Name      string            `json:"name"`
	Provider  string            `json:"provider"`
	Type      string            `json:"type"`
	Config    json.RawMessage   `json:"config"`
	Status    IntegrationStatus `json:"status"`
	LastError string            `json:"lastError,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// CanTransition reports whether a job may move from s to next. Pending jobs
// can fail directly when they are cancelled before a worker picks them up.
func (s JobStatus) CanTransition(next JobStatus) bool {
	switch s {
	case JobPending:
		return next == JobPending || next == JobRunning || next == JobFailed
	case JobRunning:
		return next == JobRunning || next == JobCompleted || next == JobFailed
	default:
		return false
	}
}

type SyncJob struct {
	ID               string         `json:"id"`
	IntegrationID    string         `json:"integrationId"`
	Status           JobStatus      `json:"status"`
	RecordsProcessed int64          `json:"recordsProcessed"`
	RecordsFailed    int64          `json:"recordsFailed"`
	Error            string         `json:"error,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	// DedupeKey, when set, is unique per integration. Processes that trigger
	// the same scheduled tick use the same key so only one job is created.
	DedupeKey    string     `json:"dedupeKey,omitempty"`
	ScheduledFor time.Time  `json:"scheduledFor"`
	CreatedAt    time.Time  `json:"createdAt"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// Duration is the run time of a job that has started and finished.
func (j SyncJob) Duration() (time.Duration, bool) {
	if j.StartedAt == nil || j.CompletedAt == nil {
		return 0, false
	}
	return j.CompletedAt.Sub(*j.StartedAt), true
}

// CheckUpdate enforces the job lifecycle rules for replacing prev with next.
// Terminal jobs accept metadata changes only.
func CheckUpdate(prev, next SyncJob) error {
	if prev.Status.Terminal() {
		if next.Status != prev.Status || next.RecordsProcessed != prev.RecordsProcessed ||
			next.RecordsFailed != prev.RecordsFailed || next.Error != prev.Error {
			return fmt.Errorf("%w: job %s is %s", ErrInvalidTransition, prev.ID, prev.Status)
		}
		return nil
	}
	if !prev.Status.CanTransition(next.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, prev.Status, next.Status)
	}
	if next.RecordsProcessed+next.RecordsFailed < prev.RecordsProcessed+prev.RecordsFailed {
		return ErrCountsDecreased
	}
	return nil
}

type EventStatus string

const (
	EventPending   EventStatus = "pending"
	EventProcessed EventStatus = "processed"
	EventFailed    EventStatus = "failed"
)

type WebhookEvent struct {
	ID            string          `json:"id"`
	IntegrationID string          `json:"integrationId"`
	EventType     string          `json:"eventType"`
	Payload       json.RawMessage `json:"payload"`
	ReceivedAt    time.Time       `json:"receivedAt"`
	ProcessedAt   *time.Time      `json:"processedAt,omitempty"`
	Status        EventStatus     `json:"status"`
	Error         string          `json:"error,omitempty"`
}

type OAuthToken struct {
	Provider     string    `json:"provider"`
	AccessToken  string    `json:"-"`
	RefreshToken string    `json:"-"`
	TokenType    string    `json:"tokenType"`
	Scope        string    `json:"scope,omitempty"`
	ExpiresAt    time.Time `json:"expiresAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}
