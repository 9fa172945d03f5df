package harness

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/pvm/internal/engine"
	"github.com/roach88/pvm/internal/runtime"
	"github.com/roach88/pvm/internal/store"
)

// AssertionError describes a failed assertion.
type AssertionError struct {
	Type     string
	Expected any
	Actual   any
	Message  string
}

func (e *AssertionError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", e.Type, e.Message)
	if e.Expected != nil {
		fmt.Fprintf(&b, "\n  expected: %v", e.Expected)
	}
	if e.Actual != nil {
		fmt.Fprintf(&b, "\n  actual:   %v", e.Actual)
	}
	return b.String()
}

// AssertionContext is what assertions are evaluated against.
type AssertionContext struct {
	Engine    *engine.Engine
	Instances map[string]string
	Trace     []runtime.TraceEvent
}

// jobSelectors maps job_count selectors to job filters.
var jobSelectors = map[string]store.JobFilter{
	"all":        {},
	"timers":     {TimersOnly: true},
	"messages":   {MessagesOnly: true},
	"executable": {Executable: true},
	"failed":     {WithException: true},
	"parked":     {NoRetriesLeft: true},
}

// EvaluateAssertions checks every assertion and returns the failures.
func EvaluateAssertions(ctx context.Context, ac *AssertionContext, assertions []Assertion) []error {
	var errs []error
	for _, a := range assertions {
		if err := evaluate(ctx, ac, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func evaluate(ctx context.Context, ac *AssertionContext, a Assertion) error {
	switch a.Type {
	case AssertActiveActivities:
		return assertActiveActivities(ctx, ac, a)
	case AssertEnded:
		return assertEnded(ctx, ac, a)
	case AssertVariables:
		return assertVariables(ctx, ac, a)
	case AssertJobCount:
		return assertJobCount(ctx, ac, a)
	case AssertTraceContains:
		return assertTraceContains(ac.Trace, a)
	case AssertTraceOrder:
		return assertTraceOrder(ac.Trace, a)
	case AssertTraceCount:
		return assertTraceCount(ac.Trace, a)
	default:
		return &AssertionError{Type: a.Type, Message: "unknown assertion type"}
	}
}

func (ac *AssertionContext) instance(a Assertion) (string, error) {
	id, ok := ac.Instances[a.Instance]
	if !ok {
		return "", &AssertionError{Type: a.Type, Message: fmt.Sprintf("unknown instance %q", a.Instance)}
	}
	return id, nil
}

func activeActivities(ctx context.Context, e *engine.Engine, id string) ([]string, error) {
	recs, err := e.FindExecutions(ctx, store.ExecutionFilter{ProcessInstanceID: id})
	if err != nil {
		return nil, err
	}
	out := []string{}
	for _, rec := range recs {
		if rec.Active && rec.ActivityID != "" {
			out = append(out, rec.ActivityID)
		}
	}
	slices.Sort(out)
	return out, nil
}

func assertActiveActivities(ctx context.Context, ac *AssertionContext, a Assertion) error {
	id, err := ac.instance(a)
	if err != nil {
		return err
	}
	actual, err := activeActivities(ctx, ac.Engine, id)
	if err != nil {
		return err
	}
	expected := slices.Clone(a.Activities)
	if expected == nil {
		expected = []string{}
	}
	slices.Sort(expected)
	if !slices.Equal(expected, actual) {
		return &AssertionError{
			Type:     a.Type,
			Message:  fmt.Sprintf("instance %s", a.Instance),
			Expected: expected,
			Actual:   actual,
		}
	}
	return nil
}

func assertEnded(ctx context.Context, ac *AssertionContext, a Assertion) error {
	id, err := ac.instance(a)
	if err != nil {
		return err
	}
	recs, err := ac.Engine.FindExecutions(ctx, store.ExecutionFilter{ProcessInstanceID: id})
	if err != nil {
		return err
	}
	if len(recs) > 0 {
		actual, _ := activeActivities(ctx, ac.Engine, id)
		return &AssertionError{
			Type:    a.Type,
			Message: fmt.Sprintf("instance %s is still running", a.Instance),
			Actual:  actual,
		}
	}
	return nil
}

// assertVariables checks a subset of the instance variables. Values are
// compared by their printed form, so 5000 matches an int64 5000.
func assertVariables(ctx context.Context, ac *AssertionContext, a Assertion) error {
	id, err := ac.instance(a)
	if err != nil {
		return err
	}
	vars, err := ac.Engine.Variables(ctx, id, false)
	if err != nil {
		return &AssertionError{Type: a.Type, Message: fmt.Sprintf("instance %s: %v", a.Instance, err)}
	}
	var mismatched []string
	for name, want := range a.Expect {
		got, ok := vars[name]
		if !ok {
			mismatched = append(mismatched, fmt.Sprintf("%s missing", name))
			continue
		}
		if fmt.Sprint(got) != fmt.Sprint(want) {
			mismatched = append(mismatched, fmt.Sprintf("%s = %v, want %v", name, got, want))
		}
	}
	if len(mismatched) > 0 {
		slices.Sort(mismatched)
		return &AssertionError{
			Type:    a.Type,
			Message: fmt.Sprintf("instance %s: %s", a.Instance, strings.Join(mismatched, "; ")),
		}
	}
	return nil
}

func assertJobCount(ctx context.Context, ac *AssertionContext, a Assertion) error {
	f := jobSelectors[a.Jobs]
	if a.Instance != "" {
		id, err := ac.instance(a)
		if err != nil {
			return err
		}
		f.ProcessInstanceID = id
	}
	n, err := ac.Engine.CountJobs(ctx, f)
	if err != nil {
		return err
	}
	if n != int64(a.Count) {
		sel := a.Jobs
		if sel == "" {
			sel = "all"
		}
		return &AssertionError{
			Type:     a.Type,
			Message:  fmt.Sprintf("%s jobs", sel),
			Expected: a.Count,
			Actual:   n,
		}
	}
	return nil
}

func (m TraceMatch) matches(e runtime.TraceEvent) bool {
	return (m.Op == "" || m.Op == e.Op) &&
		(m.Activity == "" || m.Activity == e.ActivityID) &&
		(m.Detail == "" || m.Detail == e.Detail)
}

func (m TraceMatch) String() string {
	parts := []string{}
	if m.Op != "" {
		parts = append(parts, "op="+m.Op)
	}
	if m.Activity != "" {
		parts = append(parts, "activity="+m.Activity)
	}
	if m.Detail != "" {
		parts = append(parts, "detail="+m.Detail)
	}
	return "{" + strings.Join(parts, " ") + "}"
}

func assertTraceContains(trace []runtime.TraceEvent, a Assertion) error {
	for _, e := range trace {
		if a.Match.matches(e) {
			return nil
		}
	}
	return &AssertionError{Type: a.Type, Message: fmt.Sprintf("no event matches %s", a.Match)}
}

func assertTraceCount(trace []runtime.TraceEvent, a Assertion) error {
	n := 0
	for _, e := range trace {
		if a.Match.matches(e) {
			n++
		}
	}
	if n != a.Count {
		return &AssertionError{
			Type:     a.Type,
			Message:  fmt.Sprintf("events matching %s", a.Match),
			Expected: a.Count,
			Actual:   n,
		}
	}
	return nil
}

// assertTraceOrder checks the matches appear in order, not necessarily
// adjacent.
func assertTraceOrder(trace []runtime.TraceEvent, a Assertion) error {
	next := 0
	for _, e := range trace {
		if next < len(a.Trace) && a.Trace[next].matches(e) {
			next++
		}
	}
	if next < len(a.Trace) {
		return &AssertionError{
			Type:    a.Type,
			Message: fmt.Sprintf("%s not found after %d matched event(s)", a.Trace[next], next),
		}
	}
	return nil
}
