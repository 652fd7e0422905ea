package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	NotifyChannel = "opsai_sync_jobs"

	defaultPollInterval = time.Second
	defaultClaimLease   = 10 * time.Minute
)

// DBTX is the subset of pgx used for queue statements.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PostgresOptions struct {
	// PollInterval bounds how long Dequeue sleeps without a notification.
	PollInterval time.Duration
	// ClaimLease is how long a claim is held before the job is handed out
	// again. Workers treat re-delivered running jobs as lost.
	ClaimLease time.Duration
}

// Postgres is a Queue over the sync_job_queue table. Claims use
// FOR UPDATE SKIP LOCKED so concurrent workers never share a row.
type Postgres struct {
	db           DBTX
	pool         *pgxpool.Pool
	pollInterval time.Duration
	lease        time.Duration

	wake      chan struct{}
	closeOnce sync.Once
	closed    chan struct{}
}

func NewPostgres(pool *pgxpool.Pool, opts PostgresOptions) *Postgres {
	q := newPostgres(pool, opts)
	q.pool = pool
	return q
}

func newPostgres(db DBTX, opts PostgresOptions) *Postgres {
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.ClaimLease <= 0 {
		opts.ClaimLease = defaultClaimLease
	}
	return &Postgres{
		db:           db,
		pollInterval: opts.PollInterval,
		lease:        opts.ClaimLease,
		wake:         make(chan struct{}, 1),
		closed:       make(chan struct{}),
	}
}

const enqueueSQL = `
WITH upsert AS (
    INSERT INTO sync_job_queue (job_id, available_at)
    VALUES ($1::uuid, $2)
    ON CONFLICT (job_id) DO UPDATE
        SET available_at = EXCLUDED.available_at, claimed_at = NULL, claim_expires = NULL
    RETURNING job_id
)
SELECT pg_notify('` + NotifyChannel + `', job_id::text) FROM upsert`

func (q *Postgres) Enqueue(ctx context.Context, jobID string, availableAt time.Time) error {
	if q.isClosed() {
		return ErrClosed
	}
	if availableAt.IsZero() {
		availableAt = time.Now()
	}
	_, err := q.db.Exec(ctx, enqueueSQL, jobID, availableAt.UTC())
	return err
}

const claimSQL = `
UPDATE sync_job_queue q
SET claimed_at = now(), claim_expires = now() + make_interval(secs => $1)
WHERE q.job_id = (
    SELECT job_id FROM sync_job_queue
    WHERE available_at <= now()
      AND (claimed_at IS NULL OR claim_expires < now())
    ORDER BY available_at
    FOR UPDATE SKIP LOCKED
    LIMIT 1
)
RETURNING q.job_id::text, q.available_at, q.claimed_at`

// TryDequeue claims one due job without waiting. ok is false when none is due.
func (q *Postgres) TryDequeue(ctx context.Context) (Delivery, bool, error) {
	var d Delivery
	err := q.db.QueryRow(ctx, claimSQL, q.lease.Seconds()).Scan(&d.JobID, &d.AvailableAt, &d.ClaimedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Delivery{}, false, nil
	}
	if err != nil {
		return Delivery{}, false, err
	}
	return d, true, nil
}

func (q *Postgres) Dequeue(ctx context.Context) (Delivery, error) {
	for {
		if q.isClosed() {
			return Delivery{}, ErrClosed
		}
		d, ok, err := q.TryDequeue(ctx)
		if err != nil {
			return Delivery{}, err
		}
		if ok {
			return d, nil
		}

		timer := time.NewTimer(q.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Delivery{}, ctx.Err()
		case <-q.closed:
			timer.Stop()
			return Delivery{}, ErrClosed
		case <-q.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (q *Postgres) Ack(ctx context.Context, jobID string) error {
	_, err := q.db.Exec(ctx, `DELETE FROM sync_job_queue WHERE job_id = $1::uuid`, jobID)
	return err
}

// Listen wakes Dequeue callers on every enqueue notification until ctx is
// done. It holds one pooled connection.
func (q *Postgres) Listen(ctx context.Context) error {
	if q.pool == nil {
		return errors.New("queue pool is nil")
	}
	conn, err := q.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+NotifyChannel); err != nil {
		return err
	}
	for {
		_, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
		q.signal()
	}
}

func (q *Postgres) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Postgres) isClosed() bool {
	select {
	case <-q.closed:
		return true
	default:
		return false
	}
}

func (q *Postgres) Close() error {
	q.closeOnce.Do(func() { close(q.closed) })
	return nil
}
