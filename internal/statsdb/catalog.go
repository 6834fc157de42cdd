package statsdb

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/cqstream/cqstream/internal/observability"
)

// Catalog is the SQLite statistics catalog. Flush writes the growth of the
// in-memory counters since the previous flush, so totals accumulate across
// process restarts.
type Catalog struct {
	db     *sql.DB
	dbPath string
	mu     sync.Mutex

	lastStreams map[string]observability.StreamStats
	lastQueries map[string]observability.QueryStats
	lastProcs   map[int]observability.ProcStats
}

// Open opens or creates the catalog at dbPath. ":memory:" keeps it in
// memory.
func Open(dbPath string) (*Catalog, error) {
	dsn := dbPath
	if dbPath != ":memory:" {
		dsn = dbPath + "?_journal_mode=WAL&_busy_timeout=5000"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("statsdb: failed to open database: %w", err)
	}
	// Single connection: an in-memory database exists per connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	c := &Catalog{
		db:          db,
		dbPath:      dbPath,
		lastStreams: make(map[string]observability.StreamStats),
		lastQueries: make(map[string]observability.QueryStats),
		lastProcs:   make(map[int]observability.ProcStats),
	}
	if err := c.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("statsdb: failed to initialize schema: %w", err)
	}
	return c, nil
}

// initSchema creates all required tables.
func (c *Catalog) initSchema() error {
	for _, stmt := range AllSchemaSQL() {
		if _, err := c.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// Flush persists the counter growth between the previous flush and snap. A
// counter lower than at the previous flush was pruned and restarted.
func (c *Catalog) Flush(ctx context.Context, snap observability.Snapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := snap.CollectedAt.UnixNano()
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("statsdb: failed to begin flush: %w", err)
	}
	defer tx.Rollback()

	for _, st := range snap.Streams {
		key := strings.ToLower(st.Stream)
		prev := c.lastStreams[key]
		if st.InputRows < prev.InputRows {
			prev = observability.StreamStats{}
		}
		rows, batches, bytes := st.InputRows-prev.InputRows, st.InputBatches-prev.InputBatches, st.InputBytes-prev.InputBytes
		if rows == 0 && batches == 0 && bytes == 0 {
			continue
		}
		if _, err := tx.ExecContext(ctx, upsertStreamSQL, st.Stream, rows, batches, bytes, now); err != nil {
			return fmt.Errorf("statsdb: failed to flush stream %s: %w", st.Stream, err)
		}
	}
	for _, st := range snap.Queries {
		key := strings.ToLower(st.Query)
		prev := c.lastQueries[key]
		if st.InputRows < prev.InputRows || st.Errors < prev.Errors {
			prev = observability.QueryStats{}
		}
		rows, bytes := st.InputRows-prev.InputRows, st.InputBytes-prev.InputBytes
		errs, rebuilds := st.Errors-prev.Errors, st.Rebuilds-prev.Rebuilds
		if rows == 0 && bytes == 0 && errs == 0 && rebuilds == 0 {
			continue
		}
		if _, err := tx.ExecContext(ctx, upsertQuerySQL, st.Query, rows, bytes, errs, rebuilds, now); err != nil {
			return fmt.Errorf("statsdb: failed to flush query %s: %w", st.Query, err)
		}
	}
	for _, st := range snap.Procs {
		prev := c.lastProcs[st.Worker]
		if st.Batches < prev.Batches {
			prev = observability.ProcStats{}
		}
		if st.Batches == prev.Batches {
			continue
		}
		if _, err := tx.ExecContext(ctx, upsertProcSQL, st.Worker,
			st.Batches-prev.Batches, st.Messages-prev.Messages, st.Bytes-prev.Bytes,
			st.Errors-prev.Errors, int64(st.BusyTime-prev.BusyTime), now); err != nil {
			return fmt.Errorf("statsdb: failed to flush worker %d: %w", st.Worker, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("statsdb: failed to commit flush: %w", err)
	}

	for _, st := range snap.Streams {
		c.lastStreams[strings.ToLower(st.Stream)] = st
	}
	for _, st := range snap.Queries {
		c.lastQueries[strings.ToLower(st.Query)] = st
	}
	for _, st := range snap.Procs {
		c.lastProcs[st.Worker] = st
	}
	return nil
}

// StreamStats returns the persisted stream counters ordered by name.
func (c *Catalog) StreamStats(ctx context.Context) ([]observability.StreamStats, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT stream, input_rows, input_batches, input_bytes, updated_at
		 FROM pipeline_stream_stats ORDER BY stream`)
	if err != nil {
		return nil, fmt.Errorf("statsdb: failed to query stream stats: %w", err)
	}
	defer rows.Close()

	var out []observability.StreamStats
	for rows.Next() {
		var st observability.StreamStats
		var updated int64
		if err := rows.Scan(&st.Stream, &st.InputRows, &st.InputBatches, &st.InputBytes, &updated); err != nil {
			return nil, fmt.Errorf("statsdb: failed to scan stream stats: %w", err)
		}
		st.LastInsert = time.Unix(0, updated)
		out = append(out, st)
	}
	return out, rows.Err()
}

// QueryStats returns the persisted continuous query counters ordered by name.
func (c *Catalog) QueryStats(ctx context.Context) ([]observability.QueryStats, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT query, input_rows, input_bytes, errors, rebuilds, updated_at
		 FROM pipeline_query_stats ORDER BY query`)
	if err != nil {
		return nil, fmt.Errorf("statsdb: failed to query continuous query stats: %w", err)
	}
	defer rows.Close()

	var out []observability.QueryStats
	for rows.Next() {
		var st observability.QueryStats
		var updated int64
		if err := rows.Scan(&st.Query, &st.InputRows, &st.InputBytes, &st.Errors, &st.Rebuilds, &updated); err != nil {
			return nil, fmt.Errorf("statsdb: failed to scan continuous query stats: %w", err)
		}
		st.LastRead = time.Unix(0, updated)
		out = append(out, st)
	}
	return out, rows.Err()
}

// ProcStats returns the persisted worker counters ordered by worker.
func (c *Catalog) ProcStats(ctx context.Context) ([]observability.ProcStats, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT worker, batches, messages, bytes, errors, busy_nanos, updated_at
		 FROM pipeline_proc_stats ORDER BY worker`)
	if err != nil {
		return nil, fmt.Errorf("statsdb: failed to query worker stats: %w", err)
	}
	defer rows.Close()

	var out []observability.ProcStats
	for rows.Next() {
		var st observability.ProcStats
		var busy, updated int64
		if err := rows.Scan(&st.Worker, &st.Batches, &st.Messages, &st.Bytes, &st.Errors, &busy, &updated); err != nil {
			return nil, fmt.Errorf("statsdb: failed to scan worker stats: %w", err)
		}
		st.BusyTime = time.Duration(busy)
		st.LastBatch = time.Unix(0, updated)
		out = append(out, st)
	}
	return out, rows.Err()
}

// Close closes the database.
func (c *Catalog) Close() error {
	return c.db.Close()
}
