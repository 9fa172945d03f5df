package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/roach88/pvm/internal/command"
	"github.com/roach88/pvm/internal/fault"
	"github.com/roach88/pvm/internal/querysql"
	"github.com/roach88/pvm/internal/store"
)

// Batch is a set of jobs acquired together. Jobs of an exclusive batch
// belong to one process instance and must run sequentially.
type Batch struct {
	JobIDs            []string
	ProcessInstanceID string
	Exclusive         bool
}

// AcquireRequest parameterizes one acquisition cycle.
type AcquireRequest struct {
	LockOwner string
	LockTime  time.Duration
	MaxJobs   int
	// Busy reports process instances whose exclusive jobs are already in
	// flight on this executor. Their exclusive jobs are skipped. May be nil.
	Busy func(processInstanceID string) bool
}

// AcquireJobs returns a command that leases up to req.MaxJobs due jobs.
//
// Acquiring an exclusive job of a process instance leases every due
// exclusive job of that instance into the same batch. The result type is
// []Batch.
func (m *Manager) AcquireJobs(req AcquireRequest) command.Command {
	return command.Func("acquire-jobs", func(cc *command.Context) (any, error) {
		q, err := cc.Querier()
		if err != nil {
			return nil, err
		}
		now := cc.Clock().Now()
		expiration := now.Add(req.LockTime)

		candidates, err := store.AcquirableJobs(cc.Context(), q, req.LockOwner, now, req.MaxJobs)
		if err != nil {
			return nil, err
		}

		batches := []Batch{}
		taken := make(map[string]bool)
		for _, job := range candidates {
			if taken[job.ID] {
				continue
			}

			if job.Exclusive && job.ProcessInstanceID != "" {
				if req.Busy != nil && req.Busy(job.ProcessInstanceID) {
					continue
				}
				group, err := store.ExclusiveJobsToExecute(cc.Context(), q, job.ProcessInstanceID, req.LockOwner, now)
				if err != nil {
					return nil, err
				}
				batch := Batch{ProcessInstanceID: job.ProcessInstanceID, Exclusive: true}
				for _, g := range group {
					if taken[g.ID] {
						continue
					}
					ok, err := store.LockJob(cc.Context(), q, g.ID, g.Revision, req.LockOwner, expiration, now)
					if err != nil {
						return nil, err
					}
					if ok {
						taken[g.ID] = true
						batch.JobIDs = append(batch.JobIDs, g.ID)
					}
				}
				if len(batch.JobIDs) > 0 {
					batches = append(batches, batch)
				}
				continue
			}

			ok, err := store.LockJob(cc.Context(), q, job.ID, job.Revision, req.LockOwner, expiration, now)
			if err != nil {
				return nil, err
			}
			if ok {
				taken[job.ID] = true
				batches = append(batches, Batch{JobIDs: []string{job.ID}, ProcessInstanceID: job.ProcessInstanceID})
			}
		}

		return batches, nil
	})
}

// ExecuteJob returns the administrative command running the handler of
// job id, whatever its due date. A job leased to a live job executor is a
// fault.Conflict.
//
// On success the job is deleted in the same transaction. When the command
// rolls back for any reason, a compensating command records the failure
// (see DecrementRetries). A job that no longer exists is a no-op unless
// mustExist is set, in which case it is a fault.NotFound.
func (m *Manager) ExecuteJob(id string, mustExist bool) command.Command {
	return m.execute("execute-job", id, "", mustExist)
}

// ExecuteAcquiredJob returns the command a job executor runs for a job it
// leased as owner. A job whose lease has moved to another owner is left
// alone and reported as a fault.Conflict; a vanished job is a no-op.
func (m *Manager) ExecuteAcquiredJob(owner, id string) command.Command {
	return m.execute("execute-acquired-job", id, owner, false)
}

func (m *Manager) execute(name, id, owner string, mustExist bool) command.Command {
	return command.Func(name, func(cc *command.Context) (any, error) {
		job, ok, err := m.Load(cc, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			if mustExist {
				return nil, fault.NotFound("job", id)
			}
			cc.Logger().Debug("job vanished before execution", "job", id)
			return nil, nil
		}
		if !job.heldFor(owner, cc.Clock().Now()) {
			return nil, fault.Conflict("job", id)
		}

		cc.Transaction().AddListener(command.RolledBack, func(cc *command.Context) error {
			// The failed transaction is gone; record the failure in a new one.
			ctx := context.WithoutCancel(cc.Context())
			_, err := cc.Executor().Execute(ctx, m.DecrementRetries(id, owner, cc.Transaction().Cause()))
			return err
		})

		h, ok := m.handlers.Get(job.HandlerType())
		if !ok {
			return nil, fault.Fatal("no job handler registered for type %q", job.HandlerType())
		}

		if err := h.Execute(cc, job); err != nil {
			var fe *fault.Error
			if errors.As(err, &fe) && fe.Code != fault.CodeHandlerFailure {
				return nil, err
			}
			return nil, fault.HandlerFailure(id, err)
		}

		m.Delete(cc, job)
		return nil, nil
	})
}

// DecrementRetries returns the compensating command run after a failed job
// execution by owner. The empty owner stands for an administrative run.
//
// A job whose lease has moved to another owner is left untouched. A
// concurrency conflict or a canceled context only releases the lease: the
// job lost a race or was interrupted and did not fail. A fatal error sets
// retries to 0. Anything else costs one retry and records the message; the
// retry policy picks the next due date.
func (m *Manager) DecrementRetries(id, owner string, cause error) command.Command {
	return command.Func("decrement-job-retries", func(cc *command.Context) (any, error) {
		job, ok, err := m.Load(cc, id)
		if err != nil || !ok {
			return nil, err
		}
		if !job.heldFor(owner, cc.Clock().Now()) {
			cc.Logger().Info("job lease moved to another owner, leaving it untouched",
				"job", id, "owner", owner, "lock_owner", job.LockOwner(), "error", cause)
			return nil, nil
		}

		job.unlock()
		if fault.IsConflict(cause) || errors.Is(cause, context.Canceled) {
			cc.Logger().Info("job execution interrupted, releasing lease", "job", id, "error", cause)
		} else {
			if fault.IsFatal(cause) {
				job.rec.Retries = 0
			} else if job.rec.Retries > 0 {
				job.rec.Retries--
			}
			job.rec.Failures++
			if cause != nil {
				job.rec.ExceptionMessage = cause.Error()
			}
			if job.rec.Retries > 0 {
				job.rec.DueDate = m.policy.NextDueDate(job, cc.Clock().Now(), job.rec.Failures, cause)
			}
			cc.Logger().Warn("job failed",
				"job", id,
				"retries_left", job.rec.Retries,
				"failures", job.rec.Failures,
				"error", cause)
		}

		if job.Retries() > 0 {
			due := job.DueDate()
			cc.Transaction().AddListener(command.Committed, func(*command.Context) error {
				m.notify(due)
				return nil
			})
		}
		return nil, nil
	})
}

// UnlockJobs returns a command that releases the leases of ids held by
// owner, leaving retries untouched. Used when an executor shuts down with
// acquired work still queued.
func (m *Manager) UnlockJobs(owner string, ids []string) command.Command {
	return command.Func("unlock-jobs", func(cc *command.Context) (any, error) {
		for _, id := range ids {
			job, ok, err := m.Load(cc, id)
			if err != nil {
				return nil, err
			}
			if ok && job.LockOwner() == owner {
				job.unlock()
			}
		}
		return nil, nil
	})
}

// DeleteJobs returns a command deleting the given jobs. Every id must exist.
func (m *Manager) DeleteJobs(ids ...string) command.Command {
	return command.Func("delete-jobs", func(cc *command.Context) (any, error) {
		for _, id := range ids {
			job, ok, err := m.Load(cc, id)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, fault.NotFound("job", id)
			}
			m.Delete(cc, job)
		}
		return nil, nil
	})
}

// SetRetries returns a command setting the retry count of a job. Setting
// retries above 0 makes a parked job acquirable again.
func (m *Manager) SetRetries(id string, retries int) command.Command {
	return command.Func("set-job-retries", func(cc *command.Context) (any, error) {
		if retries < 0 {
			return nil, fault.Validation("job retries must not be negative, got %d", retries)
		}
		job, ok, err := m.Load(cc, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fault.NotFound("job", id)
		}
		job.rec.Retries = retries
		if retries > 0 {
			job.rec.Failures = 0
			due := job.DueDate()
			cc.Transaction().AddListener(command.Committed, func(*command.Context) error {
				m.notify(due)
				return nil
			})
		}
		return nil, nil
	})
}

// Query is the administrative job query.
type Query struct {
	Filter store.JobFilter
	Page   querysql.Page
}

// QueryResult is one page of jobs and the total match count.
type QueryResult struct {
	Jobs  []store.JobRecord
	Total int64
}

// FindJobs returns a command running q. An Executable filter is evaluated
// at the engine clock's current time.
func (m *Manager) FindJobs(q Query) command.Command {
	return command.Func("find-jobs", func(cc *command.Context) (any, error) {
		db, err := cc.Querier()
		if err != nil {
			return nil, err
		}
		f := q.Filter
		if f.Executable && f.Now.IsZero() {
			f.Now = cc.Clock().Now()
		}
		list, err := store.FindJobs(cc.Context(), db, f, q.Page)
		if err != nil {
			return nil, err
		}
		total, err := store.CountJobs(cc.Context(), db, f)
		if err != nil {
			return nil, err
		}
		return QueryResult{Jobs: list, Total: total}, nil
	})
}

// NextTimer returns a command yielding the due date of the earliest
// unlocked timer, or the zero time when there is none.
func (m *Manager) NextTimer() command.Command {
	return command.Func("next-timer", func(cc *command.Context) (any, error) {
		q, err := cc.Querier()
		if err != nil {
			return nil, err
		}
		rec, ok, err := store.NextTimer(cc.Context(), q, cc.Clock().Now())
		if err != nil || !ok {
			return time.Time{}, err
		}
		return rec.DueDate, nil
	})
}
