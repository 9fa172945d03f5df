package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Scenario is a scripted run of one or more process definitions.
type Scenario struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`

	// Definitions lists definition files, relative to the scenario file
	// once loaded with LoadScenario.
	Definitions []string `yaml:"definitions"`

	Steps      []Step      `yaml:"steps"`
	Assertions []Assertion `yaml:"assertions"`
}

// Step is one action. Exactly one of the action fields is set.
type Step struct {
	Start        *StartStep        `yaml:"start,omitempty"`
	Signal       *SignalStep       `yaml:"signal,omitempty"`
	SetVariables *SetVariablesStep `yaml:"set_variables,omitempty"`
	Advance      string            `yaml:"advance,omitempty"`
	RunJobs      bool              `yaml:"run_jobs,omitempty"`
	ExecuteJob   *InstanceRef      `yaml:"execute_job,omitempty"`
	Delete       *InstanceRef      `yaml:"delete,omitempty"`

	// Error, when set, expects the step to fail with a message containing
	// it.
	Error string `yaml:"error,omitempty"`
}

// StartStep starts the latest version of Process. The instance is named As,
// or Process when As is empty.
type StartStep struct {
	Process     string         `yaml:"process"`
	As          string         `yaml:"as"`
	BusinessKey string         `yaml:"business_key"`
	Variables   map[string]any `yaml:"variables"`
}

// SignalStep signals the execution of Instance waiting at Activity.
type SignalStep struct {
	Instance string `yaml:"instance"`
	Activity string `yaml:"activity"`
	Signal   string `yaml:"signal"`
	Data     any    `yaml:"data"`
}

// SetVariablesStep sets variables on a process instance.
type SetVariablesStep struct {
	Instance  string         `yaml:"instance"`
	Variables map[string]any `yaml:"variables"`
}

// InstanceRef names a started instance.
type InstanceRef struct {
	Instance string `yaml:"instance"`
}

// Kind returns the name of the step action, or "" when the step sets none
// or more than one.
func (s Step) Kind() string {
	var kinds []string
	if s.Start != nil {
		kinds = append(kinds, "start")
	}
	if s.Signal != nil {
		kinds = append(kinds, "signal")
	}
	if s.SetVariables != nil {
		kinds = append(kinds, "set_variables")
	}
	if s.Advance != "" {
		kinds = append(kinds, "advance")
	}
	if s.RunJobs {
		kinds = append(kinds, "run_jobs")
	}
	if s.ExecuteJob != nil {
		kinds = append(kinds, "execute_job")
	}
	if s.Delete != nil {
		kinds = append(kinds, "delete")
	}
	if len(kinds) != 1 {
		return ""
	}
	return kinds[0]
}

// TraceMatch selects trace events. Empty fields match anything.
type TraceMatch struct {
	Op       string `yaml:"op"`
	Activity string `yaml:"activity"`
	Detail   string `yaml:"detail"`
}

// Assertion checks the state or trace after the last step.
type Assertion struct {
	Type string `yaml:"type"`

	// Instance names a started instance (active_activities, ended,
	// variables, job_count).
	Instance string `yaml:"instance,omitempty"`

	// Activities is the expected set of active activities.
	Activities []string `yaml:"activities,omitempty"`

	// Expect is a subset of the expected instance variables.
	Expect map[string]any `yaml:"expect,omitempty"`

	// Jobs selects jobs for job_count: all, timers, messages, executable,
	// failed or parked.
	Jobs string `yaml:"jobs,omitempty"`

	// Count is the expected number of jobs or trace events.
	Count int `yaml:"count,omitempty"`

	// Match is the event of trace_contains and trace_count.
	Match *TraceMatch `yaml:"match,omitempty"`

	// Trace is the expected event order of trace_order.
	Trace []TraceMatch `yaml:"trace,omitempty"`
}

// Assertion types.
const (
	AssertActiveActivities = "active_activities"
	AssertEnded            = "ended"
	AssertVariables        = "variables"
	AssertJobCount         = "job_count"
	AssertTraceContains    = "trace_contains"
	AssertTraceOrder       = "trace_order"
	AssertTraceCount       = "trace_count"
)

// LoadScenario reads a scenario file. Unknown fields are rejected and
// definition paths are resolved against the scenario directory.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}

	var s Scenario
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("parse scenario %s: %w", path, err)
	}

	dir := filepath.Dir(path)
	for i, def := range s.Definitions {
		if !filepath.IsAbs(def) {
			s.Definitions[i] = filepath.Join(dir, def)
		}
	}

	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("scenario %s: %w", path, err)
	}
	return &s, nil
}

// Validate checks the scenario is well formed, without running it.
func (s *Scenario) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("missing name")
	}
	if len(s.Definitions) == 0 {
		return fmt.Errorf("no definitions")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("no steps")
	}
	for i, step := range s.Steps {
		kind := step.Kind()
		switch kind {
		case "":
			return fmt.Errorf("step %d: exactly one action required", i+1)
		case "start":
			if step.Start.Process == "" {
				return fmt.Errorf("step %d: start needs a process", i+1)
			}
		case "signal":
			if step.Signal.Instance == "" || step.Signal.Activity == "" {
				return fmt.Errorf("step %d: signal needs an instance and an activity", i+1)
			}
		case "advance":
			if d, err := time.ParseDuration(step.Advance); err != nil || d < 0 {
				return fmt.Errorf("step %d: invalid advance %q", i+1, step.Advance)
			}
		}
	}
	for i, a := range s.Assertions {
		if err := a.validate(); err != nil {
			return fmt.Errorf("assertion %d: %w", i+1, err)
		}
	}
	return nil
}

func (a Assertion) validate() error {
	switch a.Type {
	case AssertActiveActivities, AssertEnded, AssertVariables:
		if a.Instance == "" {
			return fmt.Errorf("%s needs an instance", a.Type)
		}
	case AssertJobCount:
		if _, ok := jobSelectors[a.Jobs]; !ok && a.Jobs != "" {
			return fmt.Errorf("unknown job selector %q", a.Jobs)
		}
	case AssertTraceContains, AssertTraceCount:
		if a.Match == nil {
			return fmt.Errorf("%s needs a match", a.Type)
		}
	case AssertTraceOrder:
		if len(a.Trace) == 0 {
			return fmt.Errorf("trace_order needs a trace")
		}
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}
