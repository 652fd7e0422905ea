package queue

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is a process-local Queue.
type Memory struct {
	mu      sync.Mutex
	pending []Delivery
	claimed map[string]Delivery
	// changed is closed and replaced on every enqueue.
	changed chan struct{}
	closed  chan struct{}
	done    bool
	now     func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		claimed: make(map[string]Delivery),
		changed: make(chan struct{}),
		closed:  make(chan struct{}),
		now:     time.Now,
	}
}

func (m *Memory) Enqueue(_ context.Context, jobID string, availableAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.done {
		return ErrClosed
	}
	if availableAt.IsZero() {
		availableAt = m.now()
	}
	for i, d := range m.pending {
		if d.JobID == jobID {
			m.pending = append(m.pending[:i], m.pending[i+1:]...)
			break
		}
	}
	m.pending = append(m.pending, Delivery{JobID: jobID, AvailableAt: availableAt})
	sort.SliceStable(m.pending, func(i, j int) bool {
		return m.pending[i].AvailableAt.Before(m.pending[j].AvailableAt)
	})
	close(m.changed)
	m.changed = make(chan struct{})
	return nil
}

func (m *Memory) Dequeue(ctx context.Context) (Delivery, error) {
	for {
		d, wait, changed, err := m.claim()
		if err != nil || wait == 0 {
			return d, err
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Delivery{}, ctx.Err()
		case <-m.closed:
			timer.Stop()
			return Delivery{}, ErrClosed
		case <-changed:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// claim pops the head when it is due. Otherwise it returns how long to wait.
func (m *Memory) claim() (Delivery, time.Duration, <-chan struct{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.done {
		return Delivery{}, 0, nil, ErrClosed
	}
	if len(m.pending) == 0 {
		return Delivery{}, time.Hour, m.changed, nil
	}
	now := m.now()
	head := m.pending[0]
	if wait := head.AvailableAt.Sub(now); wait > 0 {
		return Delivery{}, wait, m.changed, nil
	}
	m.pending = m.pending[1:]
	head.ClaimedAt = now
	m.claimed[head.JobID] = head
	return head, 0, nil, nil
}

func (m *Memory) Ack(_ context.Context, jobID string) error {
	m.mu.Lock()
	delete(m.claimed, jobID)
	m.mu.Unlock()
	return nil
}

// Len returns the number of jobs not yet claimed.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.done {
		m.done = true
		close(m.closed)
	}
	return nil
}
