package store

import (
	"context"
	"database/sql"
	"fmt"
)

// ExecutionRecord is one row of the executions table.
// ParentID is empty for process instances.
type ExecutionRecord struct {
	ID                string
	Revision          int
	ProcessInstanceID string
	ParentID          string
	DefinitionID      string
	ActivityID        string
	BusinessKey       string
	Active            bool
	Concurrent        bool
	Scope             bool
}

const executionColumns = `id, rev, process_instance_id, parent_id, definition_id, activity_id,
	business_key, is_active, is_concurrent, is_scope`

// InsertExecution inserts an execution at revision 1.
func InsertExecution(ctx context.Context, q Querier, r ExecutionRecord) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO executions
		(id, rev, process_instance_id, parent_id, definition_id, activity_id,
		 business_key, is_active, is_concurrent, is_scope)
		VALUES (?, 1, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		r.ID,
		r.ProcessInstanceID,
		nullString(r.ParentID),
		r.DefinitionID,
		nullString(r.ActivityID),
		nullString(r.BusinessKey),
		boolInt(r.Active),
		boolInt(r.Concurrent),
		boolInt(r.Scope),
	)
	if err != nil {
		return fmt.Errorf("insert execution %s: %w", r.ID, err)
	}
	return nil
}

// UpdateExecution writes r if the stored revision still equals r.Revision.
// The stored revision becomes r.Revision+1.
func UpdateExecution(ctx context.Context, q Querier, r ExecutionRecord) error {
	return execExpectOne(ctx, q, "execution", r.ID, `
		UPDATE executions SET
			rev = ?, parent_id = ?, activity_id = ?, business_key = ?,
			is_active = ?, is_concurrent = ?, is_scope = ?
		WHERE id = ? AND rev = ?
	`,
		r.Revision+1,
		nullString(r.ParentID),
		nullString(r.ActivityID),
		nullString(r.BusinessKey),
		boolInt(r.Active),
		boolInt(r.Concurrent),
		boolInt(r.Scope),
		r.ID,
		r.Revision,
	)
}

// DeleteExecution removes the execution if its revision matches.
func DeleteExecution(ctx context.Context, q Querier, id string, rev int) error {
	return execExpectOne(ctx, q, "execution", id,
		`DELETE FROM executions WHERE id = ? AND rev = ?`, id, rev)
}

// GetExecution loads one execution. ok is false when no row exists.
func GetExecution(ctx context.Context, q Querier, id string) (ExecutionRecord, bool, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	r, err := scanExecution(row)
	ok, err := found(err)
	if err != nil {
		return ExecutionRecord{}, false, fmt.Errorf("get execution %s: %w", id, err)
	}
	return r, ok, nil
}

// ChildExecutions returns the children of parentID in creation order.
func ChildExecutions(ctx context.Context, q Querier, parentID string) ([]ExecutionRecord, error) {
	return queryExecutions(ctx, q, `
		SELECT `+executionColumns+` FROM executions
		WHERE parent_id = ?
		ORDER BY rowid ASC
	`, parentID)
}

// InstanceExecutions returns every execution of a process instance,
// including the instance itself, in creation order.
func InstanceExecutions(ctx context.Context, q Querier, processInstanceID string) ([]ExecutionRecord, error) {
	return queryExecutions(ctx, q, `
		SELECT `+executionColumns+` FROM executions
		WHERE process_instance_id = ?
		ORDER BY rowid ASC
	`, processInstanceID)
}

// ExecutionFilter selects executions for the execution query.
// Empty fields do not constrain the result.
type ExecutionFilter struct {
	ProcessInstanceID string
	ActivityID        string
	DefinitionID      string
	// RootsOnly restricts the result to process instances.
	RootsOnly bool
}

// FindExecutions returns executions matching f in creation order.
func FindExecutions(ctx context.Context, q Querier, f ExecutionFilter) ([]ExecutionRecord, error) {
	query := `SELECT ` + executionColumns + ` FROM executions WHERE 1 = 1`
	var args []any
	if f.ProcessInstanceID != "" {
		query += ` AND process_instance_id = ?`
		args = append(args, f.ProcessInstanceID)
	}
	if f.ActivityID != "" {
		query += ` AND activity_id = ?`
		args = append(args, f.ActivityID)
	}
	if f.DefinitionID != "" {
		query += ` AND definition_id = ?`
		args = append(args, f.DefinitionID)
	}
	if f.RootsOnly {
		query += ` AND parent_id IS NULL`
	}
	query += ` ORDER BY rowid ASC`
	return queryExecutions(ctx, q, query, args...)
}

func queryExecutions(ctx context.Context, q Querier, query string, args ...any) ([]ExecutionRecord, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query executions: %w", err)
	}
	defer rows.Close()

	records := []ExecutionRecord{}
	for rows.Next() {
		r, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate executions: %w", err)
	}
	return records, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanExecution(s scanner) (ExecutionRecord, error) {
	var r ExecutionRecord
	var parent, activity, businessKey sql.NullString
	var active, concurrent, scope int
	err := s.Scan(&r.ID, &r.Revision, &r.ProcessInstanceID, &parent, &r.DefinitionID,
		&activity, &businessKey, &active, &concurrent, &scope)
	if err != nil {
		return ExecutionRecord{}, err
	}
	r.ParentID = parent.String
	r.ActivityID = activity.String
	r.BusinessKey = businessKey.String
	r.Active = active != 0
	r.Concurrent = concurrent != 0
	r.Scope = scope != 0
	return r, nil
}
