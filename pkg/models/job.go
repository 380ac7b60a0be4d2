package models

import "strings"

// QuerySpec is a query to run on the source engine.
type QuerySpec struct {
	// SQL is the query text. Trailing statement separators are stripped
	// before submission.
	SQL string `yaml:"sql" json:"sql"`
	// Parameters bind positionally to '?' placeholders.
	Parameters []interface{} `yaml:"parameters" json:"parameters,omitempty"`
}

// TransferJob describes one source-to-table transfer. It lives for a
// single run and is never persisted.
type TransferJob struct {
	Query            QuerySpec
	DestinationTable string
	// PreStatement runs on the destination before the copy, if set.
	PreStatement string
	// PostStatement runs on the destination after the copy, if set.
	PostStatement string
}

// HasPreStatement reports whether a pre-load statement is configured.
// Whitespace alone does not count.
func (j TransferJob) HasPreStatement() bool { return strings.TrimSpace(j.PreStatement) != "" }

// HasPostStatement reports whether a post-load statement is configured.
func (j TransferJob) HasPostStatement() bool { return strings.TrimSpace(j.PostStatement) != "" }
