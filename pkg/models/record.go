// Package models provides the data models shared by the tdbridge packages:
// rows and row batches produced by the source engine, the column
// descriptors that accompany them, and the per-run job descriptions.
package models

import (
	"fmt"
	"strings"
)

// Dialect is the SQL variant the source engine executes a query with.
type Dialect string

const (
	// DialectPresto runs the query on the distributed interactive engine
	DialectPresto Dialect = "presto"
	// DialectHive runs the query on the batch engine
	DialectHive Dialect = "hive"
)

// ParseDialect validates a dialect name. Matching is case-insensitive.
func ParseDialect(s string) (Dialect, error) {
	switch d := Dialect(strings.ToLower(strings.TrimSpace(s))); d {
	case DialectPresto, DialectHive:
		return d, nil
	case "":
		return DialectPresto, nil
	default:
		return "", fmt.Errorf("unsupported sql type %q", s)
	}
}

// String implements fmt.Stringer.
func (d Dialect) String() string { return string(d) }

// Row is one result row; values are in column order.
type Row []interface{}

// ColumnDescriptor describes one result column.
type ColumnDescriptor struct {
	// Name is the column name as reported by the engine
	Name string `json:"name"`
	// Type is the engine's type name, e.g. "varchar" or "bigint"
	Type string `json:"type"`
}

// ColumnNames returns the names of cols in order.
func ColumnNames(cols []ColumnDescriptor) []string {
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}
	return names
}

// RowBatch is a bounded run of rows from one query. Columns is shared by
// every batch of the same query and must not be modified.
type RowBatch struct {
	Rows    []Row
	Columns []ColumnDescriptor
}

// Len returns the number of rows in the batch.
func (b RowBatch) Len() int { return len(b.Rows) }
