package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/roach88/pvm/internal/command"
	"github.com/roach88/pvm/internal/fault"
	"github.com/roach88/pvm/internal/jobs"
	"github.com/roach88/pvm/internal/store"
)

// FindJobs returns one page of jobs matching q and the total match count.
func (e *Engine) FindJobs(ctx context.Context, q jobs.Query) (jobs.QueryResult, error) {
	return execute[jobs.QueryResult](ctx, e, e.jobs.FindJobs(q))
}

// CountJobs returns the number of jobs matching f.
func (e *Engine) CountJobs(ctx context.Context, f store.JobFilter) (int64, error) {
	res, err := e.FindJobs(ctx, jobs.Query{Filter: f})
	if err != nil {
		return 0, err
	}
	return res.Total, nil
}

// ExecuteJob runs a job now, regardless of its due date and lease. A
// handler failure is returned and also costs the job a retry.
func (e *Engine) ExecuteJob(ctx context.Context, id string) error {
	_, err := e.commands.Execute(ctx, e.jobs.ExecuteJob(id, true))
	return err
}

// DeleteJobs deletes jobs by id.
func (e *Engine) DeleteJobs(ctx context.Context, ids ...string) error {
	_, err := e.commands.Execute(ctx, e.jobs.DeleteJobs(ids...))
	return err
}

// SetJobRetries resets the retries of a job, making a parked job
// acquirable again.
func (e *Engine) SetJobRetries(ctx context.Context, id string, retries int) error {
	_, err := e.commands.Execute(ctx, e.jobs.SetRetries(id, retries))
	return err
}

// TableCounts returns the row count of every engine table.
func (e *Engine) TableCounts(ctx context.Context) (map[string]int64, error) {
	return command.Run(ctx, e.commands, "table-counts", func(cc *command.Context) (map[string]int64, error) {
		q, err := cc.Querier()
		if err != nil {
			return nil, err
		}
		return store.TableCounts(cc.Context(), q)
	})
}

// TableMetadata returns the column layout of an engine table.
func (e *Engine) TableMetadata(ctx context.Context, table string) (store.TableMetadata, error) {
	return command.Run(ctx, e.commands, "table-metadata", func(cc *command.Context) (store.TableMetadata, error) {
		q, err := cc.Querier()
		if err != nil {
			return store.TableMetadata{}, err
		}
		return store.Metadata(cc.Context(), q, table)
	})
}

// AssertClean fails with a DATABASE_NOT_CLEAN error listing every table
// other than the property table that still holds rows.
func (e *Engine) AssertClean(ctx context.Context) error {
	counts, err := e.TableCounts(ctx)
	if err != nil {
		return err
	}
	var residual []string
	for _, table := range store.Tables {
		if table == store.PropertyTable {
			continue
		}
		if n := counts[table]; n > 0 {
			residual = append(residual, fmt.Sprintf("%s: %d record(s)", table, n))
		}
	}
	if len(residual) == 0 {
		return nil
	}
	e.logger.Error("database not clean", "tables", residual)
	return fault.NotClean(strings.Join(residual, ", "))
}

// Clean removes every deployment with its instances, and any job left
// without an execution.
func (e *Engine) Clean(ctx context.Context) error {
	deployments, err := e.Deployments(ctx)
	if err != nil {
		return err
	}
	for _, d := range deployments {
		if err := e.DeleteDeployment(ctx, d.ID, true); err != nil {
			return fmt.Errorf("delete deployment %s: %w", d.ID, err)
		}
	}
	for {
		res, err := e.FindJobs(ctx, jobs.Query{})
		if err != nil {
			return err
		}
		if len(res.Jobs) == 0 {
			return nil
		}
		ids := make([]string, 0, len(res.Jobs))
		for _, j := range res.Jobs {
			ids = append(ids, j.ID)
		}
		if err := e.DeleteJobs(ctx, ids...); err != nil {
			return err
		}
	}
}
