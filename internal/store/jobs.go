package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/roach88/pvm/internal/querysql"
)

// Job kinds as stored in jobs.kind.
const (
	KindTimer             = "timer"
	KindMessage           = "message"
	KindAsyncContinuation = "async-continuation"
)

// JobRecord is one row of the jobs table. Zero times are stored as NULL.
// Failures counts failed executions since the job was created or its
// retries were last reset.
type JobRecord struct {
	ID                string
	Revision          int
	Kind              string
	HandlerType       string
	HandlerConfig     string
	DueDate           time.Time
	LockOwner         string
	LockExpiration    time.Time
	Retries           int
	Failures          int
	Exclusive         bool
	ExecutionID       string
	ProcessInstanceID string
	ExceptionMessage  string
	CreatedAt         time.Time
}

const jobColumns = `id, rev, kind, handler_type, handler_config, due_date, lock_owner,
	lock_expiration, retries, failures, exclusive, execution_id, process_instance_id,
	exception_message, created_at`

// InsertJob inserts a job at revision 1.
func InsertJob(ctx context.Context, q Querier, r JobRecord) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO jobs
		(id, rev, kind, handler_type, handler_config, due_date, lock_owner,
		 lock_expiration, retries, failures, exclusive, execution_id, process_instance_id,
		 exception_message, created_at)
		VALUES (?, 1, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		r.ID,
		r.Kind,
		r.HandlerType,
		r.HandlerConfig,
		nullMillis(r.DueDate),
		nullString(r.LockOwner),
		nullMillis(r.LockExpiration),
		r.Retries,
		r.Failures,
		boolInt(r.Exclusive),
		nullString(r.ExecutionID),
		nullString(r.ProcessInstanceID),
		nullString(r.ExceptionMessage),
		r.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert job %s: %w", r.ID, err)
	}
	return nil
}

// UpdateJob writes the mutable columns of r if its revision matches.
func UpdateJob(ctx context.Context, q Querier, r JobRecord) error {
	return execExpectOne(ctx, q, "job", r.ID, `
		UPDATE jobs SET
			rev = ?, due_date = ?, lock_owner = ?, lock_expiration = ?,
			retries = ?, failures = ?, exception_message = ?, execution_id = ?
		WHERE id = ? AND rev = ?
	`,
		r.Revision+1,
		nullMillis(r.DueDate),
		nullString(r.LockOwner),
		nullMillis(r.LockExpiration),
		r.Retries,
		r.Failures,
		nullString(r.ExceptionMessage),
		nullString(r.ExecutionID),
		r.ID,
		r.Revision,
	)
}

// DeleteJob removes a job if its revision matches.
func DeleteJob(ctx context.Context, q Querier, id string, rev int) error {
	return execExpectOne(ctx, q, "job", id,
		`DELETE FROM jobs WHERE id = ? AND rev = ?`, id, rev)
}

// GetJob loads one job. ok is false when no row exists.
func GetJob(ctx context.Context, q Querier, id string) (JobRecord, bool, error) {
	row := q.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	r, err := scanJob(row)
	ok, err := found(err)
	if err != nil {
		return JobRecord{}, false, fmt.Errorf("get job %s: %w", id, err)
	}
	return r, ok, nil
}

// ExecutionJobs returns the jobs owned by an execution in creation order.
func ExecutionJobs(ctx context.Context, q Querier, executionID string) ([]JobRecord, error) {
	return queryJobs(ctx, q, `
		SELECT `+jobColumns+` FROM jobs
		WHERE execution_id = ?
		ORDER BY rowid ASC
	`, executionID)
}

// exclusiveScope excludes exclusive jobs of a process instance while
// another owner holds an unexpired lease on an exclusive job of the same
// instance. Its parameters are the acquiring owner and now, in that order.
const exclusiveScope = `
	NOT (jobs.exclusive = 1 AND jobs.process_instance_id IS NOT NULL AND EXISTS (
		SELECT 1 FROM jobs o
		WHERE o.process_instance_id = jobs.process_instance_id
		  AND o.exclusive = 1
		  AND o.id <> jobs.id
		  AND o.lock_owner IS NOT NULL
		  AND o.lock_owner <> ?
		  AND o.lock_expiration >= ?
	))`

// AcquirableJobs returns up to limit jobs owner can lock at now: retries
// left, due (or no due date), unlocked or with an expired lease, and not
// exclusive to an instance another owner is working on. Jobs without a due
// date (messages and continuations) sort first.
func AcquirableJobs(ctx context.Context, q Querier, owner string, now time.Time, limit int) ([]JobRecord, error) {
	ms := now.UnixMilli()
	return queryJobs(ctx, q, `
		SELECT `+jobColumns+` FROM jobs
		WHERE retries > 0
		  AND (due_date IS NULL OR due_date <= ?)
		  AND (lock_owner IS NULL OR lock_expiration < ?)
		  AND `+exclusiveScope+`
		ORDER BY due_date ASC, rowid ASC
		LIMIT ?
	`, ms, ms, owner, ms, limit)
}

// ExclusiveJobsToExecute returns every exclusive job of one process
// instance that owner can lock at now. It is empty while another owner
// holds a lease on an exclusive job of the instance.
func ExclusiveJobsToExecute(ctx context.Context, q Querier, processInstanceID, owner string, now time.Time) ([]JobRecord, error) {
	ms := now.UnixMilli()
	return queryJobs(ctx, q, `
		SELECT `+jobColumns+` FROM jobs
		WHERE process_instance_id = ?
		  AND exclusive = 1
		  AND retries > 0
		  AND (due_date IS NULL OR due_date <= ?)
		  AND (lock_owner IS NULL OR lock_expiration < ?)
		  AND `+exclusiveScope+`
		ORDER BY due_date ASC, rowid ASC
	`, processInstanceID, ms, ms, owner, ms)
}

// NextTimer returns the earliest unlocked timer with retries left, whether
// or not it is due yet. ok is false when there is none.
func NextTimer(ctx context.Context, q Querier, now time.Time) (JobRecord, bool, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE kind = 'timer'
		  AND retries > 0
		  AND (lock_owner IS NULL OR lock_expiration < ?)
		ORDER BY due_date ASC, rowid ASC
		LIMIT 1
	`, now.UnixMilli())
	r, err := scanJob(row)
	ok, err := found(err)
	if err != nil {
		return JobRecord{}, false, fmt.Errorf("next timer: %w", err)
	}
	return r, ok, nil
}

// LockJob leases a job to owner until expiration. The update applies only
// when the revision still matches, retries remain, the job is unlocked or
// its lease expired before now, and no other owner holds an exclusive job
// of the same process instance. Returns false if another acquirer won.
func LockJob(ctx context.Context, q Querier, id string, rev int, owner string, expiration, now time.Time) (bool, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE jobs SET
			rev = rev + 1, lock_owner = ?, lock_expiration = ?
		WHERE id = ? AND rev = ? AND retries > 0
		  AND (lock_owner IS NULL OR lock_expiration < ?)
		  AND `+exclusiveScope+`
	`, owner, expiration.UnixMilli(), id, rev, now.UnixMilli(), owner, now.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("lock job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("lock job %s: rows affected: %w", id, err)
	}
	return n == 1, nil
}

// JobFilter selects jobs for the administrative job query.
// Zero fields do not constrain the result.
type JobFilter struct {
	ID                string
	ProcessInstanceID string
	ExecutionID       string
	TimersOnly        bool
	MessagesOnly      bool
	// Executable selects jobs with retries left whose due date is unset or
	// not after Now.
	Executable    bool
	WithException bool
	NoRetriesLeft bool
	Now           time.Time
}

func (f JobFilter) selectQuery(page querysql.Page) querysql.Select {
	var preds []querysql.Predicate
	if f.ID != "" {
		preds = append(preds, querysql.Equals{Field: "id", Value: f.ID})
	}
	if f.ProcessInstanceID != "" {
		preds = append(preds, querysql.Equals{Field: "process_instance_id", Value: f.ProcessInstanceID})
	}
	if f.ExecutionID != "" {
		preds = append(preds, querysql.Equals{Field: "execution_id", Value: f.ExecutionID})
	}
	if f.TimersOnly {
		preds = append(preds, querysql.Equals{Field: "kind", Value: KindTimer})
	}
	if f.MessagesOnly {
		preds = append(preds, querysql.Equals{Field: "kind", Value: KindMessage})
	}
	if f.Executable {
		preds = append(preds,
			querysql.Compare{Field: "retries", Op: ">", Value: 0},
			querysql.Or{Predicates: []querysql.Predicate{
				querysql.IsNull{Field: "due_date"},
				querysql.Compare{Field: "due_date", Op: "<=", Value: f.Now.UnixMilli()},
			}},
		)
	}
	if f.WithException {
		preds = append(preds, querysql.NotNull{Field: "exception_message"})
	}
	if f.NoRetriesLeft {
		preds = append(preds, querysql.Equals{Field: "retries", Value: 0})
	}

	q := querysql.Select{
		From:    "jobs",
		Columns: jobColumnList,
		OrderBy: []querysql.Order{{Field: "due_date"}, {Field: "created_at"}},
		Page:    page,
	}
	if len(preds) > 0 {
		q.Filter = querysql.And{Predicates: preds}
	}
	return q
}

var jobColumnList = []string{
	"id", "rev", "kind", "handler_type", "handler_config", "due_date", "lock_owner",
	"lock_expiration", "retries", "failures", "exclusive", "execution_id", "process_instance_id",
	"exception_message", "created_at",
}

// FindJobs returns one page of jobs matching f, ordered by due date.
func FindJobs(ctx context.Context, q Querier, f JobFilter, page querysql.Page) ([]JobRecord, error) {
	query, params, err := querysql.NewSQLCompiler().Compile(f.selectQuery(page))
	if err != nil {
		return nil, fmt.Errorf("compile job query: %w", err)
	}
	return queryJobs(ctx, q, query, params...)
}

// CountJobs returns the number of jobs matching f.
func CountJobs(ctx context.Context, q Querier, f JobFilter) (int64, error) {
	query, params, err := querysql.NewSQLCompiler().CompileCount(f.selectQuery(querysql.Page{}))
	if err != nil {
		return 0, fmt.Errorf("compile job count: %w", err)
	}
	var n int64
	if err := q.QueryRowContext(ctx, query, params...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count jobs: %w", err)
	}
	return n, nil
}

func queryJobs(ctx context.Context, q Querier, query string, args ...any) ([]JobRecord, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	records := []JobRecord{}
	for rows.Next() {
		r, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return records, nil
}

func scanJob(s scanner) (JobRecord, error) {
	var r JobRecord
	var due, lockExp sql.NullInt64
	var owner, execID, instanceID, exception sql.NullString
	var exclusive int
	var created int64
	err := s.Scan(&r.ID, &r.Revision, &r.Kind, &r.HandlerType, &r.HandlerConfig, &due,
		&owner, &lockExp, &r.Retries, &r.Failures, &exclusive, &execID, &instanceID, &exception, &created)
	if err != nil {
		return JobRecord{}, err
	}
	r.DueDate = fromMillis(due)
	r.LockOwner = owner.String
	r.LockExpiration = fromMillis(lockExp)
	r.Exclusive = exclusive != 0
	r.ExecutionID = execID.String
	r.ProcessInstanceID = instanceID.String
	r.ExceptionMessage = exception.String
	r.CreatedAt = time.UnixMilli(created).UTC()
	return r, nil
}
