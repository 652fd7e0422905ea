package sync

import (
	"context"
	"log/slog"
	"time"
)

// Scheduler runs Runner immediately and then every Interval until ctx is done.
type Scheduler struct {
	Runner   Runner
	Interval time.Duration
	// Name labels log lines.
	Name string
}

func (s *Scheduler) Run(ctx context.Context) {
	if s.Runner == nil || s.Interval <= 0 {
		return
	}
	name := s.Name
	if name == "" {
		name = "scheduled task"
	}

	if err := s.Runner.RunOnce(ctx); err != nil {
		slog.Error("initial "+name+" failed", "err", err)
	}

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Runner.RunOnce(ctx); err != nil {
				slog.Error(name+" failed", "err", err)
			}
		}
	}
}
