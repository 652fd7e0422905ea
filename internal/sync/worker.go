package sync

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/opsai/opsai-connect/internal/queue"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultWorkers = 4

	dequeueErrorBackoff = time.Second
)

// listener is implemented by queues that can be woken by notifications.
type listener interface {
	Listen(ctx context.Context) error
}

// Worker runs Concurrency loops of dequeue, process and ack.
type Worker struct {
	Service     *Service
	Queue       queue.Queue
	Concurrency int
	Logger      *slog.Logger
}

// Run blocks until ctx is done or the queue closes.
func (w *Worker) Run(ctx context.Context) error {
	if w.Service == nil || w.Queue == nil {
		return errors.New("sync worker is not configured")
	}
	n := w.Concurrency
	if n <= 0 {
		n = DefaultWorkers
	}
	logger := w.Logger
	if logger == nil {
		logger = slog.Default()
	}

	g, ctx := errgroup.WithContext(ctx)
	if l, ok := w.Queue.(listener); ok {
		g.Go(func() error {
			if err := l.Listen(ctx); err != nil {
				logger.Warn("queue listener stopped; falling back to polling", "err", err)
			}
			return nil
		})
	}
	for i := 0; i < n; i++ {
		g.Go(func() error {
			return w.loop(ctx, logger.With("worker", i))
		})
	}
	logger.Info("sync workers started", "count", n)
	return g.Wait()
}

func (w *Worker) loop(ctx context.Context, logger *slog.Logger) error {
	for {
		d, err := w.Queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			logger.Error("dequeue sync job failed", "err", err)
			if err := sleep(ctx, dequeueErrorBackoff); err != nil {
				return nil
			}
			continue
		}

		if err := w.Service.ProcessJob(ctx, d.JobID); err != nil {
			logger.Error("process sync job failed", "job_id", d.JobID, "err", err)
		}
		if err := w.Queue.Ack(context.WithoutCancel(ctx), d.JobID); err != nil {
			logger.Warn("ack sync job failed", "job_id", d.JobID, "err", err)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
