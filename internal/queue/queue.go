// Package queue holds sync job ids until a worker claims them. A job id is
// handed to exactly one Dequeue caller.
package queue

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by Dequeue and Enqueue after Close.
var ErrClosed = errors.New("queue closed")

// Delivery is one claimed job.
type Delivery struct {
	JobID       string
	AvailableAt time.Time
	ClaimedAt   time.Time
}

type Queue interface {
	// Enqueue makes jobID available at availableAt. Enqueueing an id that is
	// already queued moves its availability.
	Enqueue(ctx context.Context, jobID string, availableAt time.Time) error
	// Dequeue blocks until a job is available, ctx is done or the queue closes.
	Dequeue(ctx context.Context) (Delivery, error)
	// Ack removes a claimed job for good.
	Ack(ctx context.Context, jobID string) error
	Close() error
}
