package store

import (
	"context"
	"fmt"
	"slices"

	"github.com/roach88/pvm/internal/fault"
)

// Tables lists the engine tables in flush order.
var Tables = []string{"deployments", "definitions", "executions", "variables", "jobs", "properties"}

// PropertyTable is excluded from the clean-database check.
const PropertyTable = "properties"

// Column describes one table column as reported by SQLite.
type Column struct {
	Name       string
	Type       string
	NotNull    bool
	PrimaryKey bool
}

// TableMetadata describes one engine table.
type TableMetadata struct {
	Name    string
	Columns []Column
}

// TableCounts returns the row count of every engine table.
func TableCounts(ctx context.Context, q Querier) (map[string]int64, error) {
	counts := make(map[string]int64, len(Tables))
	for _, table := range Tables {
		var n int64
		// table comes from the fixed Tables list, never from input
		if err := q.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
			return nil, fmt.Errorf("count %s: %w", table, err)
		}
		counts[table] = n
	}
	return counts, nil
}

// Metadata returns the column layout of an engine table.
func Metadata(ctx context.Context, q Querier, table string) (TableMetadata, error) {
	if !slices.Contains(Tables, table) {
		return TableMetadata{}, fault.NotFound("table", table)
	}

	rows, err := q.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return TableMetadata{}, fmt.Errorf("table info %s: %w", table, err)
	}
	defer rows.Close()

	md := TableMetadata{Name: table}
	for rows.Next() {
		var (
			cid     int
			col     Column
			notNull int
			dflt    any
			pk      int
		)
		if err := rows.Scan(&cid, &col.Name, &col.Type, &notNull, &dflt, &pk); err != nil {
			return TableMetadata{}, fmt.Errorf("scan table info %s: %w", table, err)
		}
		col.NotNull = notNull != 0
		col.PrimaryKey = pk != 0
		md.Columns = append(md.Columns, col)
	}
	if err := rows.Err(); err != nil {
		return TableMetadata{}, fmt.Errorf("iterate table info %s: %w", table, err)
	}
	return md, nil
}

// Property reads an engine property.
func Property(ctx context.Context, q Querier, name string) (string, bool, error) {
	var value string
	err := q.QueryRowContext(ctx, `SELECT value FROM properties WHERE name = ?`, name).Scan(&value)
	ok, err := found(err)
	if err != nil {
		return "", false, fmt.Errorf("get property %s: %w", name, err)
	}
	return value, ok, nil
}
