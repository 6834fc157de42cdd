// Package statsdb persists stream, continuous query and worker statistics in
// a SQLite catalog so they survive restarts.
package statsdb

// CreateStreamStatsTableSQL holds per-stream insert counters.
const CreateStreamStatsTableSQL = `
CREATE TABLE IF NOT EXISTS pipeline_stream_stats (
    stream TEXT PRIMARY KEY COLLATE NOCASE,
    input_rows INTEGER NOT NULL DEFAULT 0,
    input_batches INTEGER NOT NULL DEFAULT 0,
    input_bytes INTEGER NOT NULL DEFAULT 0,
    updated_at INTEGER NOT NULL
)`

// CreateQueryStatsTableSQL holds per continuous query read counters.
const CreateQueryStatsTableSQL = `
CREATE TABLE IF NOT EXISTS pipeline_query_stats (
    query TEXT PRIMARY KEY COLLATE NOCASE,
    input_rows INTEGER NOT NULL DEFAULT 0,
    input_bytes INTEGER NOT NULL DEFAULT 0,
    errors INTEGER NOT NULL DEFAULT 0,
    rebuilds INTEGER NOT NULL DEFAULT 0,
    updated_at INTEGER NOT NULL
)`

// CreateProcStatsTableSQL holds per worker counters.
const CreateProcStatsTableSQL = `
CREATE TABLE IF NOT EXISTS pipeline_proc_stats (
    worker INTEGER PRIMARY KEY,
    batches INTEGER NOT NULL DEFAULT 0,
    messages INTEGER NOT NULL DEFAULT 0,
    bytes INTEGER NOT NULL DEFAULT 0,
    errors INTEGER NOT NULL DEFAULT 0,
    busy_nanos INTEGER NOT NULL DEFAULT 0,
    updated_at INTEGER NOT NULL
)`

const upsertStreamSQL = `
INSERT INTO pipeline_stream_stats (stream, input_rows, input_batches, input_bytes, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(stream) DO UPDATE SET
    input_rows = input_rows + excluded.input_rows,
    input_batches = input_batches + excluded.input_batches,
    input_bytes = input_bytes + excluded.input_bytes,
    updated_at = excluded.updated_at`

const upsertQuerySQL = `
INSERT INTO pipeline_query_stats (query, input_rows, input_bytes, errors, rebuilds, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(query) DO UPDATE SET
    input_rows = input_rows + excluded.input_rows,
    input_bytes = input_bytes + excluded.input_bytes,
    errors = errors + excluded.errors,
    rebuilds = rebuilds + excluded.rebuilds,
    updated_at = excluded.updated_at`

const upsertProcSQL = `
INSERT INTO pipeline_proc_stats (worker, batches, messages, bytes, errors, busy_nanos, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(worker) DO UPDATE SET
    batches = batches + excluded.batches,
    messages = messages + excluded.messages,
    bytes = bytes + excluded.bytes,
    errors = errors + excluded.errors,
    busy_nanos = busy_nanos + excluded.busy_nanos,
    updated_at = excluded.updated_at`

// AllSchemaSQL returns every schema statement in execution order.
func AllSchemaSQL() []string {
	return []string{
		CreateStreamStatsTableSQL,
		CreateQueryStatsTableSQL,
		CreateProcStatsTableSQL,
	}
}
