package registry

import "time"

// Event is a progress or lifecycle notification from a connector or job.
type Event struct {
	Source  string
	Stage   string
	Current int64
	Total   int64
	Message string
	Done    bool
	Err     error
	At      time.Time
	// Data carries an optional payload such as a webhook event id.
	Data map[string]any
}

// Reporter receives events. Implementations must be safe for concurrent use.
type Reporter interface {
	Report(Event)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(Event)

func (f ReporterFunc) Report(e Event) { f(e) }

// Fanout reports to every non-nil reporter.
type Fanout []Reporter

func (f Fanout) Report(e Event) {
	for _, r := range f {
		if r != nil {
			r.Report(e)
		}
	}
}

// Emit reports e to r when r is non-nil, stamping At when unset.
func Emit(r Reporter, e Event) {
	if r == nil {
		return
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	r.Report(e)
}
