package core

import (
	"log"
	"sync"
	"time"
)

// ProgressListener consumes progress events. Listeners are best-effort: a
// slow or failing listener never blocks or fails the run.
type ProgressListener func(ProgressEvent)

// Reporter fans progress events out to listeners and keeps the ordered
// sequence for the final response. Report is fire-and-forget; listener panics
// are swallowed and logged.
type Reporter struct {
	mu        sync.Mutex
	logger    *log.Logger
	listeners []ProgressListener
	events    []ProgressEvent
}

// NewReporter creates a reporter. A nil logger falls back to the default
// logger.
func NewReporter(logger *log.Logger) *Reporter {
	if logger == nil {
		logger = log.Default()
	}
	return &Reporter{logger: logger}
}

// Subscribe attaches a listener. Events reported before subscription are not
// replayed.
func (r *Reporter) Subscribe(l ProgressListener) {
	if l == nil {
		return
	}
	r.mu.Lock()
	r.listeners = append(r.listeners, l)
	r.mu.Unlock()
}

// Report records the event and delivers it to every listener.
func (r *Reporter) Report(ev ProgressEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	r.mu.Lock()
	r.events = append(r.events, ev)
	listeners := append([]ProgressListener(nil), r.listeners...)
	r.mu.Unlock()

	for _, l := range listeners {
		r.deliver(l, ev)
	}
}

func (r *Reporter) deliver(l ProgressListener, ev ProgressEvent) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Printf("[PROGRESS] listener panic: %v", rec)
		}
	}()
	l(ev)
}

// Events returns the ordered sequence reported so far.
func (r *Reporter) Events() []ProgressEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ProgressEvent(nil), r.events...)
}
