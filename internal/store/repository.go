package store

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/pvm/internal/fault"
)

// DeploymentRecord is one row of the deployments table.
type DeploymentRecord struct {
	ID         string
	Name       string
	DeployedAt time.Time
}

// DefinitionRecord is one row of the definitions table. Resource holds the
// source the definition was parsed from so it can be re-parsed after restart.
type DefinitionRecord struct {
	ID           string
	Revision     int
	Key          string
	Version      int
	Name         string
	DeploymentID string
	ResourceName string
	Resource     []byte
}

// InsertDeployment inserts a deployment row.
func InsertDeployment(ctx context.Context, q Querier, r DeploymentRecord) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO deployments (id, name, deployed_at) VALUES (?, ?, ?)`,
		r.ID, r.Name, r.DeployedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert deployment %s: %w", r.ID, err)
	}
	return nil
}

// GetDeployment loads one deployment. ok is false when no row exists.
func GetDeployment(ctx context.Context, q Querier, id string) (DeploymentRecord, bool, error) {
	var r DeploymentRecord
	var deployed int64
	err := q.QueryRowContext(ctx,
		`SELECT id, name, deployed_at FROM deployments WHERE id = ?`, id,
	).Scan(&r.ID, &r.Name, &deployed)
	ok, err := found(err)
	if err != nil {
		return DeploymentRecord{}, false, fmt.Errorf("get deployment %s: %w", id, err)
	}
	r.DeployedAt = time.UnixMilli(deployed).UTC()
	return r, ok, nil
}

// Deployments returns all deployments in deploy order.
func Deployments(ctx context.Context, q Querier) ([]DeploymentRecord, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, name, deployed_at FROM deployments ORDER BY deployed_at ASC, rowid ASC`)
	if err != nil {
		return nil, fmt.Errorf("query deployments: %w", err)
	}
	defer rows.Close()

	records := []DeploymentRecord{}
	for rows.Next() {
		var r DeploymentRecord
		var deployed int64
		if err := rows.Scan(&r.ID, &r.Name, &deployed); err != nil {
			return nil, fmt.Errorf("scan deployment: %w", err)
		}
		r.DeployedAt = time.UnixMilli(deployed).UTC()
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deployments: %w", err)
	}
	return records, nil
}

// DeleteDeployment removes a deployment and its definition rows. Callers
// delete running instances first.
func DeleteDeployment(ctx context.Context, q Querier, id string) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM definitions WHERE deployment_id = ?`, id); err != nil {
		return fmt.Errorf("delete definitions of deployment %s: %w", id, err)
	}
	res, err := q.ExecContext(ctx, `DELETE FROM deployments WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete deployment %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete deployment %s: rows affected: %w", id, err)
	}
	if n == 0 {
		return fault.NotFound("deployment", id)
	}
	return nil
}

const definitionColumns = `id, rev, key, version, name, deployment_id, resource_name, resource`

// InsertDefinition inserts a definition row at revision 1.
func InsertDefinition(ctx context.Context, q Querier, r DefinitionRecord) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO definitions
		(id, rev, key, version, name, deployment_id, resource_name, resource)
		VALUES (?, 1, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.Key, r.Version, r.Name, r.DeploymentID, r.ResourceName, r.Resource)
	if err != nil {
		return fmt.Errorf("insert definition %s: %w", r.ID, err)
	}
	return nil
}

// GetDefinition loads one definition by id.
func GetDefinition(ctx context.Context, q Querier, id string) (DefinitionRecord, bool, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+definitionColumns+` FROM definitions WHERE id = ?`, id)
	r, err := scanDefinition(row)
	ok, err := found(err)
	if err != nil {
		return DefinitionRecord{}, false, fmt.Errorf("get definition %s: %w", id, err)
	}
	return r, ok, nil
}

// LatestDefinition loads the highest version deployed under key.
func LatestDefinition(ctx context.Context, q Querier, key string) (DefinitionRecord, bool, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+definitionColumns+` FROM definitions
		WHERE key = ?
		ORDER BY version DESC
		LIMIT 1
	`, key)
	r, err := scanDefinition(row)
	ok, err := found(err)
	if err != nil {
		return DefinitionRecord{}, false, fmt.Errorf("latest definition %s: %w", key, err)
	}
	return r, ok, nil
}

// DeploymentDefinitions returns the definitions of one deployment.
func DeploymentDefinitions(ctx context.Context, q Querier, deploymentID string) ([]DefinitionRecord, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+definitionColumns+` FROM definitions
		WHERE deployment_id = ?
		ORDER BY key ASC, version ASC
	`, deploymentID)
	if err != nil {
		return nil, fmt.Errorf("query definitions: %w", err)
	}
	defer rows.Close()

	records := []DefinitionRecord{}
	for rows.Next() {
		r, err := scanDefinition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan definition: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate definitions: %w", err)
	}
	return records, nil
}

func scanDefinition(s scanner) (DefinitionRecord, error) {
	var r DefinitionRecord
	err := s.Scan(&r.ID, &r.Revision, &r.Key, &r.Version, &r.Name, &r.DeploymentID,
		&r.ResourceName, &r.Resource)
	return r, err
}
