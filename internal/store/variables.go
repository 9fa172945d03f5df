package store

import (
	"context"
	"database/sql"
	"fmt"
)

// VariableRecord is one row of the variables table. Which value column is
// populated depends on Type.
type VariableRecord struct {
	ID                string
	Revision          int
	ExecutionID       string
	ProcessInstanceID string
	Name              string
	Type              string
	Long              sql.NullInt64
	Double            sql.NullFloat64
	Text              sql.NullString
}

// InsertVariable inserts a variable at revision 1.
func InsertVariable(ctx context.Context, q Querier, r VariableRecord) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO variables
		(id, rev, execution_id, process_instance_id, name, type, long_value, double_value, text_value)
		VALUES (?, 1, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.ExecutionID, r.ProcessInstanceID, r.Name, r.Type, r.Long, r.Double, r.Text)
	if err != nil {
		return fmt.Errorf("insert variable %s: %w", r.ID, err)
	}
	return nil
}

// UpdateVariable writes the type and value columns of r if its revision matches.
func UpdateVariable(ctx context.Context, q Querier, r VariableRecord) error {
	return execExpectOne(ctx, q, "variable", r.ID, `
		UPDATE variables SET
			rev = ?, type = ?, long_value = ?, double_value = ?, text_value = ?
		WHERE id = ? AND rev = ?
	`, r.Revision+1, r.Type, r.Long, r.Double, r.Text, r.ID, r.Revision)
}

// DeleteVariable removes a variable if its revision matches.
func DeleteVariable(ctx context.Context, q Querier, id string, rev int) error {
	return execExpectOne(ctx, q, "variable", id,
		`DELETE FROM variables WHERE id = ? AND rev = ?`, id, rev)
}

// ExecutionVariables returns the variables owned by one execution, ordered by name.
func ExecutionVariables(ctx context.Context, q Querier, executionID string) ([]VariableRecord, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, rev, execution_id, process_instance_id, name, type, long_value, double_value, text_value
		FROM variables
		WHERE execution_id = ?
		ORDER BY name ASC, id ASC COLLATE BINARY
	`, executionID)
	if err != nil {
		return nil, fmt.Errorf("query variables: %w", err)
	}
	defer rows.Close()

	records := []VariableRecord{}
	for rows.Next() {
		var r VariableRecord
		if err := rows.Scan(&r.ID, &r.Revision, &r.ExecutionID, &r.ProcessInstanceID,
			&r.Name, &r.Type, &r.Long, &r.Double, &r.Text); err != nil {
			return nil, fmt.Errorf("scan variable: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate variables: %w", err)
	}
	return records, nil
}
