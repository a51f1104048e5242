package sqlq

import (
	"fmt"
	"strings"

	"foreman/internal/domain/storage"
)

// ErrNotAllowed is returned when a table, column or operator is outside the
// allow-list.
var ErrNotAllowed = storage.ErrNotAllowed

var operators = map[string]string{
	"":         "= ?",
	"=":        "= ?",
	"eq":       "= ?",
	"!=":       "<> ?",
	"ne":       "<> ?",
	">":        "> ?",
	"gt":       "> ?",
	">=":       ">= ?",
	"gte":      ">= ?",
	"<":        "< ?",
	"lt":       "< ?",
	"<=":       "<= ?",
	"lte":      "<= ?",
	"like":     "LIKE ?",
	"is_null":  "IS NULL",
	"not_null": "IS NOT NULL",
}

// AllowList maps readable tables to their readable columns.
type AllowList map[string][]string

// Has reports whether table.column is allowed; column "" checks the table.
func (a AllowList) Has(table, column string) bool {
	cols, ok := a[table]
	if !ok {
		return false
	}
	if column == "" {
		return true
	}
	for _, c := range cols {
		if c == column {
			return true
		}
	}
	return false
}

// CountRows renders a COUNT(*) for q after checking every identifier.
func (a AllowList) CountRows(q storage.RowQuery) (string, []any, error) {
	if !a.Has(q.Table, "") {
		return "", nil, fmt.Errorf("%w: table %q", ErrNotAllowed, q.Table)
	}
	query := Count(q.Table)
	for _, f := range q.Filters {
		if !a.Has(q.Table, f.Column) {
			return "", nil, fmt.Errorf("%w: column %q on %s", ErrNotAllowed, f.Column, q.Table)
		}
		pred, ok := operators[strings.ToLower(f.Op)]
		if !ok {
			return "", nil, fmt.Errorf("%w: operator %q", ErrNotAllowed, f.Op)
		}
		if strings.Contains(pred, "?") {
			query.Where(f.Column+" "+pred, f.Value)
		} else {
			query.Where(f.Column + " " + pred)
		}
	}
	sql, args := query.Build()
	return sql, args, nil
}

// ValidateFilter reports whether f would be accepted on table.
func (a AllowList) ValidateFilter(table string, f storage.RowFilter) error {
	if !a.Has(table, f.Column) {
		return fmt.Errorf("%w: column %q on %s", ErrNotAllowed, f.Column, table)
	}
	if _, ok := operators[strings.ToLower(f.Op)]; !ok {
		return fmt.Errorf("%w: operator %q", ErrNotAllowed, f.Op)
	}
	return nil
}
