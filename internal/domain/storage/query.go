package storage

import "context"

// RowFilter is a bound predicate of a RowQuery. Op defaults to "=".
type RowFilter struct {
	Column string
	Op     string
	Value  any
}

// RowQuery is a read-only count over an allow-listed table.
type RowQuery struct {
	Table   string
	Filters []RowFilter
}

// RowCounter evaluates RowQuery values. Implementations reject tables and
// columns outside their allow-list.
type RowCounter interface {
	CountRows(ctx context.Context, q RowQuery) (int, error)
}
