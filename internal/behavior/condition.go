package behavior

import (
	"cmp"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/roach88/pvm/internal/fault"
	"github.com/roach88/pvm/internal/runtime"
)

// Comparison is a transition condition of the form
//
//	<variable> <op> <literal>
//
// with op one of == != < <= > >= and literal a quoted string, a number,
// true, false or null. Numbers compare numerically across integer and
// floating point variables; strings compare lexically.
type Comparison struct {
	Variable string
	Op       string
	Value    any
}

var comparisonPattern = regexp.MustCompile(`^\s*([A-Za-z_][A-Za-z0-9_]*)\s*(==|!=|<=|>=|<|>)\s*(.+?)\s*$`)

// ParseCondition parses a comparison. Syntax errors are fault.Validation
// errors.
func ParseCondition(expr string) (*Comparison, error) {
	m := comparisonPattern.FindStringSubmatch(expr)
	if m == nil {
		return nil, fault.Validation("invalid condition %q: want <variable> <op> <literal>", expr)
	}
	v, ok := ParseLiteral(m[3])
	if !ok {
		return nil, fault.Validation("invalid condition %q: bad literal %s", expr, m[3])
	}
	c := &Comparison{Variable: m[1], Op: m[2], Value: v}
	switch v.(type) {
	case nil, bool:
		if c.Op != "==" && c.Op != "!=" {
			return nil, fault.Validation("invalid condition %q: %v only supports == and !=", expr, v)
		}
	}
	return c, nil
}

// ParseLiteral parses a condition literal: a single or double quoted
// string, true, false, null, an integer (int64) or a float (float64).
func ParseLiteral(s string) (any, bool) {
	s = strings.TrimSpace(s)
	switch s {
	case "null":
		return nil, true
	case "true":
		return true, true
	case "false":
		return false, true
	}
	if n := len(s); n >= 2 && (s[0] == '\'' || s[0] == '"') && s[n-1] == s[0] {
		return s[1 : n-1], true
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i, true
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f, true
	}
	return nil, false
}

// String returns the condition in its source syntax.
func (c *Comparison) String() string {
	switch v := c.Value.(type) {
	case nil:
		return fmt.Sprintf("%s %s null", c.Variable, c.Op)
	case string:
		return fmt.Sprintf("%s %s %q", c.Variable, c.Op, v)
	default:
		return fmt.Sprintf("%s %s %v", c.Variable, c.Op, v)
	}
}

// Evaluate implements runtime.Condition. The variable is looked up from
// the execution outwards. An unknown variable only satisfies "== null".
func (c *Comparison) Evaluate(ex *runtime.Execution) (bool, error) {
	actual, ok, err := ex.Variable(c.Variable)
	if err != nil {
		return false, err
	}
	if !ok {
		actual = nil
	}

	if c.Value == nil || actual == nil {
		same := c.Value == nil && actual == nil
		if c.Op == "!=" {
			return !same, nil
		}
		if c.Op == "==" {
			return same, nil
		}
		return false, nil
	}

	order, err := compare(actual, c.Value)
	if err != nil {
		return false, fmt.Errorf("condition %s: %w", c, err)
	}
	switch c.Op {
	case "==":
		return order == 0, nil
	case "!=":
		return order != 0, nil
	case "<":
		return order < 0, nil
	case "<=":
		return order <= 0, nil
	case ">":
		return order > 0, nil
	default:
		return order >= 0, nil
	}
}

func compare(actual, want any) (int, error) {
	switch w := want.(type) {
	case string:
		if s, ok := actual.(string); ok {
			return strings.Compare(s, w), nil
		}
	case bool:
		if b, ok := actual.(bool); ok {
			if b == w {
				return 0, nil
			}
			return 1, nil
		}
	case int64, float64:
		a, ok := number(actual)
		if !ok {
			break
		}
		b, _ := number(w)
		return cmp.Compare(a, b), nil
	}
	return 0, fault.Validation("cannot compare %T with %T", actual, want)
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
