// Package sqlq builds Postgres statements with positional parameters.
//
// Structural SQL (tables, columns, predicates) comes from static strings in
// the caller or from an AllowList; every value is bound as a $n parameter.
package sqlq

import (
	"fmt"
	"strconv"
	"strings"
)

// Query is a SELECT, UPDATE or DELETE under construction.
type Query struct {
	verb    string
	table   string
	columns []string
	sets    []string
	where   []string
	orderBy []string
	suffix  []string
	limit   int
	offset  int
	args    []any
}

// Select starts a SELECT of columns from table.
func Select(table string, columns ...string) *Query {
	return &Query{verb: "SELECT", table: table, columns: columns}
}

// Count starts a SELECT COUNT(*) from table.
func Count(table string) *Query {
	return &Query{verb: "SELECT", table: table, columns: []string{"COUNT(*)"}}
}

// Update starts an UPDATE of table.
func Update(table string) *Query {
	return &Query{verb: "UPDATE", table: table}
}

// Delete starts a DELETE from table.
func Delete(table string) *Query {
	return &Query{verb: "DELETE", table: table}
}

// bind rewrites each '?' in expr to the next positional parameter.
func (q *Query) bind(expr string, args []any) string {
	if strings.Count(expr, "?") != len(args) {
		panic(fmt.Sprintf("sqlq: %q has %d placeholders for %d args", expr, strings.Count(expr, "?"), len(args)))
	}
	var sb strings.Builder
	i := 0
	for _, r := range expr {
		if r == '?' {
			q.args = append(q.args, args[i])
			i++
			sb.WriteString("$" + strconv.Itoa(len(q.args)))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// Set adds "column = value" to an UPDATE.
func (q *Query) Set(column string, value any) *Query {
	q.sets = append(q.sets, column+" = "+q.bind("?", []any{value}))
	return q
}

// SetExpr adds a raw assignment such as "revision = revision + 1".
func (q *Query) SetExpr(expr string, args ...any) *Query {
	q.sets = append(q.sets, q.bind(expr, args))
	return q
}

// Where ANDs a predicate; each '?' in expr binds the next arg.
func (q *Query) Where(expr string, args ...any) *Query {
	q.where = append(q.where, q.bind(expr, args))
	return q
}

// In ANDs "column = ANY($n)". An empty list matches nothing.
func In[T any](q *Query, column string, values []T) *Query {
	if len(values) == 0 {
		q.where = append(q.where, "FALSE")
		return q
	}
	return q.Where(column+" = ANY(?)", values)
}

// OrderBy appends ordering terms.
func (q *Query) OrderBy(terms ...string) *Query {
	q.orderBy = append(q.orderBy, terms...)
	return q
}

// Limit caps the row count; n <= 0 leaves it unbounded.
func (q *Query) Limit(n int) *Query {
	q.limit = n
	return q
}

// Offset skips n rows; n <= 0 is ignored.
func (q *Query) Offset(n int) *Query {
	q.offset = n
	return q
}

// Suffix appends trailing clauses such as RETURNING or FOR UPDATE.
func (q *Query) Suffix(clause string) *Query {
	q.suffix = append(q.suffix, clause)
	return q
}

// Build renders the statement and its arguments.
func (q *Query) Build() (string, []any) {
	var sb strings.Builder
	switch q.verb {
	case "SELECT":
		sb.WriteString("SELECT ")
		sb.WriteString(strings.Join(q.columns, ", "))
		sb.WriteString(" FROM ")
		sb.WriteString(q.table)
	case "UPDATE":
		if len(q.sets) == 0 {
			panic("sqlq: UPDATE without SET")
		}
		sb.WriteString("UPDATE ")
		sb.WriteString(q.table)
		sb.WriteString(" SET ")
		sb.WriteString(strings.Join(q.sets, ", "))
	case "DELETE":
		sb.WriteString("DELETE FROM ")
		sb.WriteString(q.table)
	}
	if len(q.where) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(q.where, " AND "))
	}
	if len(q.orderBy) > 0 {
		sb.WriteString(" ORDER BY ")
		sb.WriteString(strings.Join(q.orderBy, ", "))
	}
	args := q.args
	if q.limit > 0 {
		args = append(args, q.limit)
		sb.WriteString(" LIMIT $" + strconv.Itoa(len(args)))
	}
	if q.offset > 0 {
		args = append(args, q.offset)
		sb.WriteString(" OFFSET $" + strconv.Itoa(len(args)))
	}
	for _, s := range q.suffix {
		sb.WriteString(" ")
		sb.WriteString(s)
	}
	return sb.String(), args
}
