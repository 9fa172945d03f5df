package runtime

import (
	"fmt"
	"strings"
	"sync"
)

// TraceEvent records one interpreter step: an atomic operation, a
// listener call, a signal, a deferred continuation or a created timer.
type TraceEvent struct {
	Op          string
	ExecutionID string
	ActivityID  string
	Detail      string
}

func (e TraceEvent) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-32s %-12s", e.Op, e.ExecutionID)
	if e.ActivityID != "" {
		b.WriteString(" " + e.ActivityID)
	}
	if e.Detail != "" {
		b.WriteString(" (" + e.Detail + ")")
	}
	return strings.TrimRight(b.String(), " ")
}

// Tracer observes interpreter steps. Trace is called from the goroutine
// running the command.
type Tracer interface {
	Trace(e TraceEvent)
}

// TracerFunc adapts a function to the Tracer interface.
type TracerFunc func(e TraceEvent)

// Trace calls f(e).
func (f TracerFunc) Trace(e TraceEvent) { f(e) }

// Recorder is a Tracer collecting events in memory.
//
// Thread-safety: safe for concurrent use, since job executor workers may
// trace from several goroutines.
type Recorder struct {
	mu     sync.Mutex
	events []TraceEvent
}

// Trace implements Tracer.
func (r *Recorder) Trace(e TraceEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []TraceEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]TraceEvent, len(r.events))
	copy(out, r.events)
	return out
}

// Reset drops the recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

// String renders the events one per line.
func (r *Recorder) String() string {
	var b strings.Builder
	for _, e := range r.Events() {
		b.WriteString(e.String())
		b.WriteByte('\n')
	}
	return b.String()
}
