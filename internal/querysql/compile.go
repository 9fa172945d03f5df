package querysql

import (
	"fmt"
	"regexp"
	"strings"
)

// identifierPattern restricts table and column names. Identifiers are the
// only text that reaches the SQL string; values are always parameters.
var identifierPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

var compareOps = map[string]bool{
	"=": true, "!=": true, "<": true, "<=": true, ">": true, ">=": true,
}

// SQLCompiler compiles Select queries to parameterized SQL for SQLite.
//
// Every list query includes ORDER BY with an id tiebreaker so paging is
// deterministic. All values are parameterized, never interpolated.
type SQLCompiler struct{}

// NewSQLCompiler creates a new SQLCompiler.
func NewSQLCompiler() *SQLCompiler {
	return &SQLCompiler{}
}

// Compile converts q to a SELECT statement.
// Returns (sql, params, error) tuple.
func (c *SQLCompiler) Compile(q Select) (string, []any, error) {
	if err := checkIdentifier(q.From); err != nil {
		return "", nil, fmt.Errorf("compile from: %w", err)
	}

	selectClause, err := c.compileColumns(q.Columns)
	if err != nil {
		return "", nil, err
	}

	whereClause, params, err := c.compileWhere(q.Filter)
	if err != nil {
		return "", nil, err
	}

	orderByClause, err := c.compileOrderBy(q.OrderBy)
	if err != nil {
		return "", nil, err
	}

	sql := fmt.Sprintf("SELECT %s FROM %s%s ORDER BY %s",
		selectClause,
		q.From,
		whereClause,
		orderByClause)

	if q.Page.Max > 0 {
		sql += " LIMIT ? OFFSET ?"
		params = append(params, q.Page.Max, max(q.Page.First, 0))
	} else if q.Page.First > 0 {
		// SQLite requires a LIMIT before OFFSET; -1 means unbounded.
		sql += " LIMIT -1 OFFSET ?"
		params = append(params, q.Page.First)
	}

	return sql, params, nil
}

// CompileCount converts q to a SELECT COUNT(*) over the same filter.
// Columns, ordering and paging are ignored.
func (c *SQLCompiler) CompileCount(q Select) (string, []any, error) {
	if err := checkIdentifier(q.From); err != nil {
		return "", nil, fmt.Errorf("compile from: %w", err)
	}

	whereClause, params, err := c.compileWhere(q.Filter)
	if err != nil {
		return "", nil, err
	}

	return fmt.Sprintf("SELECT COUNT(*) FROM %s%s", q.From, whereClause), params, nil
}

func (c *SQLCompiler) compileColumns(columns []string) (string, error) {
	if len(columns) == 0 {
		return "*", nil
	}
	for _, col := range columns {
		if err := checkIdentifier(col); err != nil {
			return "", fmt.Errorf("compile columns: %w", err)
		}
	}
	return strings.Join(columns, ", "), nil
}

func (c *SQLCompiler) compileWhere(p Predicate) (string, []any, error) {
	if p == nil {
		return "", nil, nil
	}
	sql, params, err := c.compilePredicate(p)
	if err != nil {
		return "", nil, fmt.Errorf("compile filter: %w", err)
	}
	return " WHERE " + sql, params, nil
}

// compileOrderBy renders the requested keys followed by the id tiebreaker.
// COLLATE BINARY keeps text ordering identical across SQLite builds.
func (c *SQLCompiler) compileOrderBy(keys []Order) (string, error) {
	var parts []string
	for _, k := range keys {
		if err := checkIdentifier(k.Field); err != nil {
			return "", fmt.Errorf("compile order by: %w", err)
		}
		if k.Field == "id" {
			continue
		}
		dir := "ASC"
		if k.Desc {
			dir = "DESC"
		}
		parts = append(parts, k.Field+" "+dir)
	}
	parts = append(parts, "id ASC COLLATE BINARY")
	return strings.Join(parts, ", "), nil
}

// compilePredicate compiles a Predicate to a WHERE clause fragment.
func (c *SQLCompiler) compilePredicate(p Predicate) (string, []any, error) {
	switch pred := p.(type) {
	case Equals:
		return c.compileCompare(Compare{Field: pred.Field, Op: "=", Value: pred.Value})
	case Compare:
		return c.compileCompare(pred)
	case IsNull:
		if err := checkIdentifier(pred.Field); err != nil {
			return "", nil, err
		}
		return pred.Field + " IS NULL", nil, nil
	case NotNull:
		if err := checkIdentifier(pred.Field); err != nil {
			return "", nil, err
		}
		return pred.Field + " IS NOT NULL", nil, nil
	case And:
		return c.compileJunction(pred.Predicates, " AND ", "1 = 1")
	case Or:
		return c.compileJunction(pred.Predicates, " OR ", "1 = 0")
	case nil:
		return "1 = 1", nil, nil
	default:
		return "", nil, fmt.Errorf("unsupported predicate type: %T", p)
	}
}

// compileCompare compiles "field op ?". A nil Value with "=" becomes IS NULL
// because "field = NULL" never matches in SQL.
func (c *SQLCompiler) compileCompare(cmp Compare) (string, []any, error) {
	if err := checkIdentifier(cmp.Field); err != nil {
		return "", nil, err
	}
	if !compareOps[cmp.Op] {
		return "", nil, fmt.Errorf("unsupported operator %q", cmp.Op)
	}
	if cmp.Value == nil {
		switch cmp.Op {
		case "=":
			return cmp.Field + " IS NULL", nil, nil
		case "!=":
			return cmp.Field + " IS NOT NULL", nil, nil
		}
	}
	return fmt.Sprintf("%s %s ?", cmp.Field, cmp.Op), []any{cmp.Value}, nil
}

func (c *SQLCompiler) compileJunction(preds []Predicate, sep, empty string) (string, []any, error) {
	if len(preds) == 0 {
		return empty, nil, nil
	}

	var sqlParts []string
	var allParams []any
	for _, pred := range preds {
		sql, params, err := c.compilePredicate(pred)
		if err != nil {
			return "", nil, err
		}
		sqlParts = append(sqlParts, sql)
		allParams = append(allParams, params...)
	}

	if len(sqlParts) == 1 {
		return sqlParts[0], allParams, nil
	}
	return "(" + strings.Join(sqlParts, sep) + ")", allParams, nil
}

func checkIdentifier(name string) error {
	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("invalid identifier %q", name)
	}
	return nil
}
