package sync

import (
	"log/slog"
	"sort"
	gosync "sync"
	"time"

	"github.com/opsai/opsai-connect/internal/connectors/registry"
)

const (
	defaultProgressInterval    = 5 * time.Second
	defaultProgressPercentStep = int64(10)
)

type progressKey struct {
	source string
	stage  string
	job    string
}

type progressMark struct {
	at      time.Time
	percent int64
}

// LogReporter turns connector and job events into log lines. Progress events
// of one job are throttled by time and percent step; errors and completion
// always log.
type LogReporter struct {
	Logger              *slog.Logger
	ProgressInterval    time.Duration
	ProgressPercentStep int64

	mu    gosync.Mutex
	marks map[progressKey]progressMark
}

func (r *LogReporter) Report(e registry.Event) {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	at := e.At
	if at.IsZero() {
		at = time.Now()
	}

	attrs := eventAttrs(e)
	switch {
	case e.Err != nil:
		msg := e.Message
		if msg == "" {
			msg = e.Source + " " + e.Stage + " failed"
		}
		logger.Error(msg, append(attrs, "err", e.Err)...)
		r.forget(e)
	case e.Done:
		msg := e.Message
		if msg == "" {
			msg = "sync complete"
		}
		logger.Info(msg, attrs...)
		r.forget(e)
	case e.Message == "":
		return
	case r.due(at, e):
		logger.Info(e.Message, attrs...)
	}
}

func eventAttrs(e registry.Event) []any {
	attrs := []any{"source", e.Source}
	if e.Stage != "" {
		attrs = append(attrs, "stage", e.Stage)
	}
	if e.Total > 0 || e.Current > 0 {
		attrs = append(attrs, "current", e.Current, "total", e.Total)
	}
	keys := make([]string, 0, len(e.Data))
	for k := range e.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		attrs = append(attrs, k, e.Data[k])
	}
	return attrs
}

func keyOf(e registry.Event) progressKey {
	job, _ := e.Data["job_id"].(string)
	return progressKey{source: e.Source, stage: e.Stage, job: job}
}

// due decides whether a non-terminal event is logged.
func (r *LogReporter) due(at time.Time, e registry.Event) bool {
	if e.Total <= 1 {
		return true
	}
	interval := r.ProgressInterval
	if interval <= 0 {
		interval = defaultProgressInterval
	}
	step := r.ProgressPercentStep
	if step <= 0 {
		step = defaultProgressPercentStep
	}
	percent := progressPercent(e.Current, e.Total)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.marks == nil {
		r.marks = make(map[progressKey]progressMark)
	}
	key := keyOf(e)
	last, seen := r.marks[key]
	edge := e.Current <= 0 || e.Current >= e.Total
	if seen && !edge && at.Sub(last.at) < interval && percent < last.percent+step {
		return false
	}
	r.marks[key] = progressMark{at: at, percent: (percent / step) * step}
	return true
}

func (r *LogReporter) forget(e registry.Event) {
	r.mu.Lock()
	delete(r.marks, keyOf(e))
	r.mu.Unlock()
}

func progressPercent(current, total int64) int64 {
	switch {
	case total <= 0 || current <= 0:
		return 0
	case current >= total:
		return 100
	default:
		return (current * 100) / total
	}
}
