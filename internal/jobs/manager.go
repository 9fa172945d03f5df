package jobs

import (
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/pvm/internal/calendar"
	"github.com/roach88/pvm/internal/command"
	"github.com/roach88/pvm/internal/fault"
	"github.com/roach88/pvm/internal/store"
)

// Notifier is told about new or newly retryable jobs after their
// transaction commits. A zero due means the job is due immediately.
type Notifier interface {
	JobAdded(due time.Time)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(due time.Time)

// JobAdded calls f(due).
func (f NotifierFunc) JobAdded(due time.Time) { f(due) }

// Manager creates, loads and runs jobs inside commands.
//
// Thread-safety: safe for concurrent use. The notifier can be replaced
// while commands are running.
type Manager struct {
	handlers  *Registry
	calendars calendar.Registry
	policy    RetryPolicy
	logger    *slog.Logger

	mu       sync.RWMutex
	notifier Notifier
}

// Option configures a Manager.
type Option func(*Manager)

// WithRetryPolicy sets the policy applied when a job fails.
// Default: ImmediateRetry{}.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(m *Manager) {
		m.policy = p
	}
}

// WithLogger sets the manager logger.
// Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// NewManager creates a Manager dispatching to handlers and resolving timer
// expressions with calendars.
func NewManager(handlers *Registry, calendars calendar.Registry, opts ...Option) *Manager {
	m := &Manager{
		handlers:  handlers,
		calendars: calendars,
		policy:    ImmediateRetry{},
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Handlers returns the handler registry.
func (m *Manager) Handlers() *Registry { return m.handlers }

// Calendars returns the business calendars.
func (m *Manager) Calendars() calendar.Registry { return m.calendars }

// SetNotifier installs the component woken when jobs are added.
func (m *Manager) SetNotifier(n Notifier) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifier = n
}

func (m *Manager) notify(due time.Time) {
	m.mu.RLock()
	n := m.notifier
	m.mu.RUnlock()
	if n != nil {
		n.JobAdded(due)
	}
}

// Spec describes a job to create.
type Spec struct {
	Kind              Kind
	HandlerType       string
	HandlerConfig     string
	DueDate           time.Time
	Exclusive         bool
	ExecutionID       string
	ProcessInstanceID string
	// Retries defaults to DefaultRetries when zero.
	Retries int
}

// Create inserts a job into the command's unit of work. After the command
// commits, the notifier learns the job's due date.
func (m *Manager) Create(cc *command.Context, spec Spec) (*Job, error) {
	switch spec.Kind {
	case KindTimer:
		if spec.DueDate.IsZero() {
			return nil, fault.Validation("timer job %s has no due date", spec.HandlerType)
		}
	case KindMessage, KindAsyncContinuation:
	default:
		return nil, fault.Validation("unknown job kind %q", spec.Kind)
	}
	if spec.HandlerType == "" {
		return nil, fault.Validation("job has no handler type")
	}
	if spec.Retries < 0 {
		return nil, fault.Validation("job retries must not be negative, got %d", spec.Retries)
	}

	retries := spec.Retries
	if retries == 0 {
		retries = DefaultRetries
	}

	job := jobFromRecord(store.JobRecord{
		ID:                cc.IDs().Generate(),
		Kind:              string(spec.Kind),
		HandlerType:       spec.HandlerType,
		HandlerConfig:     spec.HandlerConfig,
		DueDate:           spec.DueDate,
		Retries:           retries,
		Exclusive:         spec.Exclusive,
		ExecutionID:       spec.ExecutionID,
		ProcessInstanceID: spec.ProcessInstanceID,
		CreatedAt:         cc.Clock().Now(),
	})
	cc.DB().Insert(job)

	due := spec.DueDate
	cc.Transaction().AddListener(command.Committed, func(*command.Context) error {
		m.notify(due)
		return nil
	})

	cc.Logger().Debug("job created",
		"job", job.ID(),
		"kind", spec.Kind,
		"handler", spec.HandlerType,
		"execution", spec.ExecutionID)
	return job, nil
}

// CreateTimer resolves expr with the named business calendar and creates
// a timer job due at the result.
func (m *Manager) CreateTimer(cc *command.Context, calendarName, expr string, spec Spec) (*Job, error) {
	due, err := m.calendars.Resolve(calendarName, expr)
	if err != nil {
		return nil, err
	}
	spec.Kind = KindTimer
	spec.DueDate = due
	return m.Create(cc, spec)
}

// Load returns the job with id through the command's identity map.
// ok is false when the job does not exist or is scheduled for deletion.
func (m *Manager) Load(cc *command.Context, id string) (*Job, bool, error) {
	ref := command.Ref{Table: "jobs", ID: id}
	if cc.DB().IsDeleted(ref) {
		return nil, false, nil
	}
	if e, ok := cc.DB().Get(ref); ok {
		return e.(*Job), true, nil
	}

	q, err := cc.Querier()
	if err != nil {
		return nil, false, err
	}
	rec, ok, err := store.GetJob(cc.Context(), q, id)
	if err != nil || !ok {
		return nil, false, err
	}
	return cc.DB().Load(jobFromRecord(rec)).(*Job), true, nil
}

// Delete schedules job for deletion.
func (m *Manager) Delete(cc *command.Context, job *Job) {
	cc.DB().Delete(job)
}

// DeleteForExecution deletes every job owned by executionID, including
// jobs created earlier in the same command.
func (m *Manager) DeleteForExecution(cc *command.Context, executionID string) error {
	q, err := cc.Querier()
	if err != nil {
		return err
	}
	recs, err := store.ExecutionJobs(cc.Context(), q, executionID)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		job := cc.DB().Load(jobFromRecord(rec)).(*Job)
		// The cached job may have been reassigned earlier in this command.
		if job.ExecutionID() == executionID && !cc.DB().IsDeleted(job.Ref()) {
			cc.DB().Delete(job)
		}
	}
	for _, e := range cc.DB().Inserted("jobs") {
		if job := e.(*Job); job.ExecutionID() == executionID {
			cc.DB().Delete(job)
		}
	}
	return nil
}

// ReassignExecution moves every job owned by from to the execution to.
// Used when a concurrent execution is merged into its parent.
func (m *Manager) ReassignExecution(cc *command.Context, from, to string) error {
	q, err := cc.Querier()
	if err != nil {
		return err
	}
	recs, err := store.ExecutionJobs(cc.Context(), q, from)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		job := cc.DB().Load(jobFromRecord(rec)).(*Job)
		if job.ExecutionID() == from && !cc.DB().IsDeleted(job.Ref()) {
			job.rec.ExecutionID = to
		}
	}
	for _, e := range cc.DB().Inserted("jobs") {
		if job := e.(*Job); job.ExecutionID() == from {
			job.rec.ExecutionID = to
		}
	}
	return nil
}
