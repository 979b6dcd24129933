// Package view implements dynamic views: parameterized queries whose
// result sets are maintained incrementally from the committed change
// stream instead of being re-executed per commit.
package view

import (
	"fmt"
	"strconv"
	"strings"

	rqlitesql "github.com/rqlite/sql"
)

// Param binds one declared query parameter to a typed value.
type Param struct {
	Name  string
	Value any
}

// Query defines one dynamic view: a base relation, a boolean WHERE
// expression over named parameters (":name" style), the declared
// parameter bindings, and the key columns identifying rows. KeyColumns
// may be empty when the executor knows the relation's primary key.
type Query struct {
	Relation   string
	Where      string
	Params     []Param
	KeyColumns []string
}

// Predicate is a compiled Query predicate. Compilation parses the
// WHERE expression once, validates the declared parameters against the
// bind names the expression actually uses, and rejects operators the
// incremental evaluator does not support. All of that happens at
// definition time; Eval never fails on a well-formed row.
type Predicate struct {
	expr     rqlitesql.Expr
	bound    map[string]any
	whereSQL string // positional form for the bootstrap SELECT
	args     []any  // values in positional order
}

// Compile parses and validates a query's predicate. An empty Where
// matches every row and permits no parameters.
func Compile(q Query) (*Predicate, error) {
	if q.Relation == "" {
		return nil, fmt.Errorf("query requires a relation")
	}

	bound := make(map[string]any, len(q.Params))
	for _, p := range q.Params {
		if _, dup := bound[p.Name]; dup {
			return nil, fmt.Errorf("parameter %q declared twice", p.Name)
		}
		bound[p.Name] = p.Value
	}

	if q.Where == "" {
		if len(q.Params) > 0 {
			return nil, fmt.Errorf("query declares %d parameters but has no predicate", len(q.Params))
		}
		return &Predicate{bound: bound}, nil
	}

	expr, err := parseWhere(q.Where)
	if err != nil {
		return nil, fmt.Errorf("invalid predicate %q: %w", q.Where, err)
	}

	if err := validateExpr(expr); err != nil {
		return nil, fmt.Errorf("invalid predicate %q: %w", q.Where, err)
	}

	whereSQL, names, err := positionalize(q.Where)
	if err != nil {
		return nil, fmt.Errorf("invalid predicate %q: %w", q.Where, err)
	}

	used := make(map[string]bool, len(names))
	args := make([]any, 0, len(names))
	for _, name := range names {
		v, declared := bound[name]
		if !declared {
			return nil, fmt.Errorf("predicate references undeclared parameter %q", name)
		}
		used[name] = true
		args = append(args, v)
	}
	for _, p := range q.Params {
		if !used[p.Name] {
			return nil, fmt.Errorf("declared parameter %q is not referenced by the predicate", p.Name)
		}
	}

	return &Predicate{
		expr:     expr,
		bound:    bound,
		whereSQL: whereSQL,
		args:     args,
	}, nil
}

// WhereSQL returns the predicate as a positional-placeholder SQL
// fragment for the bootstrap SELECT (empty for match-all).
func (p *Predicate) WhereSQL() string {
	return p.whereSQL
}

// Args returns the parameter values in positional order.
func (p *Predicate) Args() []any {
	return p.args
}

// parseWhere parses the expression by embedding it in a SELECT.
func parseWhere(where string) (rqlitesql.Expr, error) {
	stmtSQL := "SELECT * FROM t WHERE " + where
	parser := rqlitesql.NewParser(strings.NewReader(stmtSQL))
	stmt, err := parser.ParseStatement()
	if err != nil {
		return nil, err
	}
	sel, ok := stmt.(*rqlitesql.SelectStatement)
	if ok && sel.WhereExpr != nil {
		return sel.WhereExpr, nil
	}
	return nil, fmt.Errorf("not a boolean expression")
}

// validateExpr rejects constructs Eval does not support, so a bad
// predicate fails at definition time rather than mid-stream.
func validateExpr(expr rqlitesql.Expr) error {
	switch e := expr.(type) {
	case *rqlitesql.BinaryExpr:
		switch e.Op {
		case rqlitesql.AND, rqlitesql.OR,
			rqlitesql.EQ, rqlitesql.NE,
			rqlitesql.LT, rqlitesql.LE,
			rqlitesql.GT, rqlitesql.GE:
		default:
			return fmt.Errorf("unsupported operator %s", e.Op)
		}
		if err := validateExpr(e.X); err != nil {
			return err
		}
		return validateExpr(e.Y)
	case *rqlitesql.UnaryExpr:
		switch e.Op {
		case rqlitesql.PLUS, rqlitesql.MINUS:
		default:
			return fmt.Errorf("unsupported unary operator %s", e.Op)
		}
		return validateExpr(e.X)
	case *rqlitesql.ParenExpr:
		return validateExpr(e.X)
	case *rqlitesql.Ident, *rqlitesql.QualifiedRef, *rqlitesql.BindExpr,
		*rqlitesql.StringLit, *rqlitesql.NumberLit, *rqlitesql.BoolLit,
		*rqlitesql.NullLit:
		return nil
	default:
		return fmt.Errorf("unsupported expression %T", expr)
	}
}

// Eval evaluates the predicate against a row's field values. NULL
// comparisons follow SQL semantics: any comparison against NULL is
// false. A reference to a column absent from the row evaluates as NULL.
func (p *Predicate) Eval(row map[string]any) (bool, error) {
	if p.expr == nil {
		return true, nil
	}
	v, err := p.evalExpr(p.expr, row)
	if err != nil {
		return false, err
	}
	return truthy(v), nil
}

func (p *Predicate) evalExpr(expr rqlitesql.Expr, row map[string]any) (any, error) {
	switch e := expr.(type) {
	case *rqlitesql.Ident:
		return row[e.Name], nil
	case *rqlitesql.QualifiedRef:
		if e.Column != nil {
			return row[e.Column.Name], nil
		}
		return nil, fmt.Errorf("qualified reference without column")
	case *rqlitesql.BindExpr:
		return p.bound[normalizeBindName(e.Name)], nil
	case *rqlitesql.StringLit:
		return e.Value, nil
	case *rqlitesql.NumberLit:
		if i, err := strconv.ParseInt(e.Value, 10, 64); err == nil {
			return i, nil
		}
		f, err := strconv.ParseFloat(e.Value, 64)
		if err != nil {
			return nil, fmt.Errorf("bad numeric literal %q", e.Value)
		}
		return f, nil
	case *rqlitesql.BoolLit:
		return e.Value, nil
	case *rqlitesql.NullLit:
		return nil, nil
	case *rqlitesql.ParenExpr:
		return p.evalExpr(e.X, row)
	case *rqlitesql.UnaryExpr:
		v, err := p.evalExpr(e.X, row)
		if err != nil {
			return nil, err
		}
		if e.Op == rqlitesql.PLUS {
			return v, nil
		}
		return negate(v)
	case *rqlitesql.BinaryExpr:
		return p.evalBinary(e, row)
	default:
		return nil, fmt.Errorf("unsupported expression %T", expr)
	}
}

func (p *Predicate) evalBinary(e *rqlitesql.BinaryExpr, row map[string]any) (any, error) {
	x, err := p.evalExpr(e.X, row)
	if err != nil {
		return nil, err
	}

	// AND short-circuits so one satisfied OR arm is enough.
	switch e.Op {
	case rqlitesql.AND:
		if !truthy(x) {
			return false, nil
		}
		y, err := p.evalExpr(e.Y, row)
		if err != nil {
			return nil, err
		}
		return truthy(y), nil
	case rqlitesql.OR:
		if truthy(x) {
			return true, nil
		}
		y, err := p.evalExpr(e.Y, row)
		if err != nil {
			return nil, err
		}
		return truthy(y), nil
	}

	y, err := p.evalExpr(e.Y, row)
	if err != nil {
		return nil, err
	}

	cmp, comparable := compareValues(x, y)
	if !comparable {
		// NULL or cross-type comparison: false either way, matching
		// what the bootstrap SELECT's WHERE would have produced.
		return false, nil
	}

	switch e.Op {
	case rqlitesql.EQ:
		return cmp == 0, nil
	case rqlitesql.NE:
		return cmp != 0, nil
	case rqlitesql.LT:
		return cmp < 0, nil
	case rqlitesql.LE:
		return cmp <= 0, nil
	case rqlitesql.GT:
		return cmp > 0, nil
	case rqlitesql.GE:
		return cmp >= 0, nil
	default:
		return nil, fmt.Errorf("unsupported operator %s", e.Op)
	}
}

// compareValues compares two SQL values with numeric coercion.
// Returns comparable=false for NULLs and cross-type comparisons.
func compareValues(x, y any) (cmp int, comparable bool) {
	if x == nil || y == nil {
		return 0, false
	}

	if xf, xok := asFloat(x); xok {
		yf, yok := asFloat(y)
		if !yok {
			return 0, false
		}
		switch {
		case xf < yf:
			return -1, true
		case xf > yf:
			return 1, true
		default:
			return 0, true
		}
	}

	xs, xok := asString(x)
	ys, yok := asString(y)
	if xok && yok {
		return strings.Compare(xs, ys), true
	}
	return 0, false
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

func asString(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case []byte:
		return string(s), true
	default:
		return "", false
	}
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	default:
		f, ok := asFloat(v)
		return ok && f != 0
	}
}

func negate(v any) (any, error) {
	switch n := v.(type) {
	case int64:
		return -n, nil
	case int:
		return int64(-n), nil
	case float64:
		return -n, nil
	default:
		return nil, fmt.Errorf("cannot negate %T", v)
	}
}

func normalizeBindName(name string) string {
	return strings.TrimLeft(name, ":@$?")
}

// positionalize rewrites named binds to '?' placeholders and returns
// the bind names in textual order, skipping string literals.
func positionalize(where string) (string, []string, error) {
	var sb strings.Builder
	var names []string

	i := 0
	for i < len(where) {
		c := where[i]
		switch {
		case c == '\'':
			// Copy the string literal verbatim, honoring '' escapes.
			sb.WriteByte(c)
			i++
			for i < len(where) {
				sb.WriteByte(where[i])
				if where[i] == '\'' {
					if i+1 < len(where) && where[i+1] == '\'' {
						i++
						sb.WriteByte(where[i])
					} else {
						break
					}
				}
				i++
			}
			if i >= len(where) {
				return "", nil, fmt.Errorf("unterminated string literal")
			}
			i++
		case c == ':' || c == '@' || c == '$':
			start := i + 1
			j := start
			for j < len(where) && isBindChar(where[j]) {
				j++
			}
			if j == start {
				return "", nil, fmt.Errorf("dangling %q", string(c))
			}
			names = append(names, where[start:j])
			sb.WriteByte('?')
			i = j
		case c == '?':
			return "", nil, fmt.Errorf("positional placeholders are not allowed; use named parameters")
		default:
			sb.WriteByte(c)
			i++
		}
	}

	return sb.String(), names, nil
}

func isBindChar(c byte) bool {
	return c == '_' || (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}
