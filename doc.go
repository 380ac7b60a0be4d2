// Package tdbridge moves the result of a Treasure Data query into a
// PostgreSQL table, or writes it out as delimited text.
//
// # Transfer
//
// A transfer resolves the engine credential, runs the query, materialises
// every row and loads them into the destination table with COPY. An
// optional pre-operator statement (typically a TRUNCATE or DELETE) runs
// before the copy and an optional post-operator statement runs after it:
//
//	idle -> extracting -> loading{pre_operator?, copy, post_operator?} -> done | failed
//
// The copy is all-or-nothing. By default it commits on its own, so a
// failing post-operator leaves the loaded rows in place; with
// destination.transactional the three steps share one transaction.
//
// # Dump
//
// A dump streams the result in fetch-size batches to a local file, an S3
// object or a GCS object, with a configurable delimiter, line terminator
// and header line, optionally compressed.
//
// # Layout
//
//   - cmd/tdbridge: the command-line interface
//   - internal/transfer: the transfer orchestrator and the dumper
//   - pkg/treasuredata: the engine REST client, session and cursor
//   - pkg/source: credential resolution and session opening
//   - pkg/stream: batched result streaming
//   - pkg/load: COPY text encoding and the PostgreSQL destination
//   - pkg/dump: delimited text writer and output sinks
//   - pkg/connections: named connection stores
//   - pkg/config, pkg/logger, pkg/metrics, pkg/observability: ambient stack
//   - pkg/bridgeerrors: the error taxonomy
//
// Run `tdbridge --help` for usage.
package tdbridge
