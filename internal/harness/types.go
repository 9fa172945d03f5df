package harness

import (
	"strconv"
	"strings"

	"github.com/roach88/pvm/internal/runtime"
)

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is set when every step and assertion succeeded.
	Pass bool `json:"pass"`

	// Trace is the interpreter trace. Execution ids are replaced by e1, e2,
	// ... in order of first appearance.
	Trace []runtime.TraceEvent `json:"trace"`

	Errors []string `json:"errors,omitempty"`

	// Instances maps instance names to process instance ids.
	Instances map[string]string `json:"instances"`
}

// NewResult returns a passing result.
func NewResult() *Result {
	return &Result{
		Pass:      true,
		Trace:     []runtime.TraceEvent{},
		Errors:    []string{},
		Instances: make(map[string]string),
	}
}

// AddError records a failure.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// TraceText renders the trace one event per line.
func (r *Result) TraceText() string {
	var b strings.Builder
	for _, e := range r.Trace {
		b.WriteString(e.String())
		b.WriteByte('\n')
	}
	return b.String()
}

// aliasExecutions rewrites execution ids so that traces do not depend on
// the id generator.
func aliasExecutions(events []runtime.TraceEvent) []runtime.TraceEvent {
	aliases := make(map[string]string)
	out := make([]runtime.TraceEvent, len(events))
	for i, e := range events {
		if e.ExecutionID != "" {
			alias, ok := aliases[e.ExecutionID]
			if !ok {
				alias = "e" + strconv.Itoa(len(aliases)+1)
				aliases[e.ExecutionID] = alias
			}
			e.ExecutionID = alias
		}
		out[i] = e
	}
	return out
}
