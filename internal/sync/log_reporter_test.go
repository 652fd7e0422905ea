package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	gosync "sync"
	"testing"
	"time"

	"github.com/opsai/opsai-connect/internal/connectors/registry"
)

type countingHandler struct {
	mu    gosync.Mutex
	count int
}

func (h *countingHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *countingHandler) Handle(context.Context, slog.Record) error {
	h.mu.Lock()
	h.count++
	h.mu.Unlock()
	return nil
}

func (h *countingHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *countingHandler) WithGroup(string) slog.Handler      { return h }

func (h *countingHandler) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

func TestLogReporterThrottlesProgress(t *testing.T) {
	t.Parallel()

	handler := &countingHandler{}
	reporter := &LogReporter{Logger: slog.New(handler), ProgressInterval: time.Hour}

	const total = 1000
	data := map[string]any{"job_id": "job-1"}
	for i := int64(0); i <= total; i++ {
		reporter.Report(registry.Event{
			Source:  "crm",
			Stage:   "sync_job",
			Current: i,
			Total:   total,
			Message: fmt.Sprintf("endpoint %d/%d", i, total),
			Data:    data,
		})
	}

	// 0%, every 10% step below 100%, and 100%.
	want := 2 + int(int64(99)/defaultProgressPercentStep)
	if got := handler.Count(); got != want {
		t.Fatalf("logs = %d, want %d", got, want)
	}
}

func TestLogReporterKeysProgressByJob(t *testing.T) {
	t.Parallel()

	handler := &countingHandler{}
	reporter := &LogReporter{Logger: slog.New(handler), ProgressInterval: time.Hour}

	for _, job := range []string{"job-1", "job-2"} {
		reporter.Report(registry.Event{Source: "crm", Stage: "sync_job", Current: 5, Total: 100, Message: "progress", Data: map[string]any{"job_id": job}})
	}
	if got := handler.Count(); got != 2 {
		t.Fatalf("logs = %d, want 2", got)
	}
}

func TestLogReporterAlwaysLogsErrorsAndCompletion(t *testing.T) {
	t.Parallel()

	handler := &countingHandler{}
	reporter := &LogReporter{Logger: slog.New(handler), ProgressInterval: time.Hour}

	reporter.Report(registry.Event{Source: "crm", Stage: "sync_job", Current: 1, Total: 100, Message: "progress"})
	reporter.Report(registry.Event{Source: "crm", Stage: "sync_job", Current: 2, Total: 100, Message: "progress"})
	reporter.Report(registry.Event{Source: "crm", Stage: "sync_job", Err: errors.New("boom")})
	reporter.Report(registry.Event{Source: "crm", Stage: "sync_job", Done: true})
	reporter.Report(registry.Event{Source: "crm", Stage: "sync_job"})

	if got := handler.Count(); got != 3 {
		t.Fatalf("logs = %d, want 3", got)
	}
}
