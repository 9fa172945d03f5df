// Package jobs persists and runs deferred work: timers, messages and async
// continuations.
//
// Jobs are rows in the jobs table, loaded into a command's DbSession as
// *Job entities. The job executor acquires them with a lease, runs each one
// in its own command through ExecuteJob, and on failure a compensating
// command decrements the retry count. A job whose retries reach 0 stays in
// the table for administrators but is never acquired again.
package jobs

import (
	"context"
	"time"

	"github.com/roach88/pvm/internal/command"
	"github.com/roach88/pvm/internal/store"
)

// DefaultRetries is the retry budget of a new job.
const DefaultRetries = 3

// Kind distinguishes timers, messages and async continuations.
type Kind string

const (
	KindTimer             Kind = store.KindTimer
	KindMessage           Kind = store.KindMessage
	KindAsyncContinuation Kind = store.KindAsyncContinuation
)

// Job is a jobs row tracked by a DbSession.
type Job struct {
	rec store.JobRecord
}

var _ command.Entity = (*Job)(nil)

func jobFromRecord(r store.JobRecord) *Job {
	return &Job{rec: r}
}

func (j *Job) ID() string                { return j.rec.ID }
func (j *Job) Revision() int             { return j.rec.Revision }
func (j *Job) Kind() Kind                { return Kind(j.rec.Kind) }
func (j *Job) HandlerType() string       { return j.rec.HandlerType }
func (j *Job) HandlerConfig() string     { return j.rec.HandlerConfig }
func (j *Job) DueDate() time.Time        { return j.rec.DueDate }
func (j *Job) LockOwner() string         { return j.rec.LockOwner }
func (j *Job) LockExpiration() time.Time { return j.rec.LockExpiration }
func (j *Job) Retries() int              { return j.rec.Retries }
func (j *Job) Failures() int             { return j.rec.Failures }
func (j *Job) Exclusive() bool           { return j.rec.Exclusive }
func (j *Job) ExecutionID() string       { return j.rec.ExecutionID }
func (j *Job) ProcessInstanceID() string { return j.rec.ProcessInstanceID }
func (j *Job) ExceptionMessage() string  { return j.rec.ExceptionMessage }
func (j *Job) CreatedAt() time.Time      { return j.rec.CreatedAt }

// Record returns a copy of the job's row.
func (j *Job) Record() store.JobRecord { return j.rec }

// Ref implements command.Entity.
func (j *Job) Ref() command.Ref { return command.Ref{Table: "jobs", ID: j.rec.ID} }

// Snapshot implements command.Entity.
func (j *Job) Snapshot() any { return j.rec }

// Insert implements command.Entity.
func (j *Job) Insert(ctx context.Context, q store.Querier) error {
	if err := store.InsertJob(ctx, q, j.rec); err != nil {
		return err
	}
	j.rec.Revision = 1
	return nil
}

// Update implements command.Entity.
func (j *Job) Update(ctx context.Context, q store.Querier) error {
	if err := store.UpdateJob(ctx, q, j.rec); err != nil {
		return err
	}
	j.rec.Revision++
	return nil
}

// Delete implements command.Entity.
func (j *Job) Delete(ctx context.Context, q store.Querier) error {
	return store.DeleteJob(ctx, q, j.rec.ID, j.rec.Revision)
}

// heldFor reports whether owner may act on the job's lease at now. A named
// owner must hold the lease itself. The empty owner, used by
// administrative calls, may act unless another owner's lease is live.
func (j *Job) heldFor(owner string, now time.Time) bool {
	if owner != "" {
		return j.rec.LockOwner == owner
	}
	return j.rec.LockOwner == "" || j.rec.LockExpiration.Before(now)
}

func (j *Job) unlock() {
	j.rec.LockOwner = ""
	j.rec.LockExpiration = time.Time{}
}
