// Package observability tracks stream insert, continuous query read and
// worker statistics and exports them as Prometheus metrics.
package observability

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// StreamStats holds insert counters for one stream.
type StreamStats struct {
	Stream       string    `json:"stream"`
	InputRows    int64     `json:"input_rows"`
	InputBatches int64     `json:"input_batches"`
	InputBytes   int64     `json:"input_bytes"`
	LastInsert   time.Time `json:"last_insert"`
}

// QueryStats holds read counters for one continuous query.
type QueryStats struct {
	Query      string    `json:"query"`
	InputRows  int64     `json:"input_rows"`
	InputBytes int64     `json:"input_bytes"`
	Errors     int64     `json:"errors"`
	Rebuilds   int64     `json:"rebuilds"`
	LastRead   time.Time `json:"last_read"`
}

// ProcStats holds counters for one worker.
type ProcStats struct {
	Worker    int           `json:"worker"`
	Batches   int64         `json:"batches"`
	Messages  int64         `json:"messages"`
	Bytes     int64         `json:"bytes"`
	Errors    int64         `json:"errors"`
	BusyTime  time.Duration `json:"busy_time"`
	LastBatch time.Time     `json:"last_batch"`
}

// Snapshot is a point-in-time copy of every counter.
type Snapshot struct {
	Streams     []StreamStats `json:"streams"`
	Queries     []QueryStats  `json:"queries"`
	Procs       []ProcStats   `json:"procs"`
	CollectedAt time.Time     `json:"collected_at"`
}

// Stats is the process-wide statistics table. Stream and query names are
// keyed case-insensitively.
type Stats struct {
	mu      sync.RWMutex
	streams map[string]*StreamStats
	queries map[string]*QueryStats
	procs   map[int]*ProcStats
	window  time.Duration

	metrics *Metrics
}

// NewStats creates a statistics table. metrics may be nil. window bounds how
// long an idle entry survives Prune; zero keeps entries forever.
func NewStats(metrics *Metrics, window time.Duration) *Stats {
	return &Stats{
		streams: make(map[string]*StreamStats),
		queries: make(map[string]*QueryStats),
		procs:   make(map[int]*ProcStats),
		window:  window,
		metrics: metrics,
	}
}

// Metrics returns the attached Prometheus metrics, possibly nil.
func (s *Stats) Metrics() *Metrics {
	return s.metrics
}

// IncrementStreamInsert adds one finished insert operation on stream.
func (s *Stats) IncrementStreamInsert(stream string, rows, batches, bytes int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := strings.ToLower(stream)
	st, ok := s.streams[key]
	if !ok {
		st = &StreamStats{Stream: stream}
		s.streams[key] = st
	}
	st.InputRows += int64(rows)
	st.InputBatches += int64(batches)
	st.InputBytes += int64(bytes)
	st.LastInsert = time.Now()

	if s.metrics != nil {
		s.metrics.streamInsert(stream, rows, batches, bytes)
	}
}

// IncrementQueryRead adds rows and bytes read by a continuous query scan.
func (s *Stats) IncrementQueryRead(query string, rows, bytes int, rebuilds uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.queryLocked(query)
	st.InputRows += int64(rows)
	st.InputBytes += int64(bytes)
	st.Rebuilds += int64(rebuilds)
	st.LastRead = time.Now()

	if s.metrics != nil {
		s.metrics.queryRead(query, rows, bytes, rebuilds)
	}
}

// IncrementQueryErrors counts a batch a continuous query failed to process.
func (s *Stats) IncrementQueryErrors(query string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.queryLocked(query).Errors++
	if s.metrics != nil {
		s.metrics.queryError(query)
	}
}

// queryLocked returns the entry for query, creating it. Caller must hold s.mu.
func (s *Stats) queryLocked(query string) *QueryStats {
	key := strings.ToLower(query)
	st, ok := s.queries[key]
	if !ok {
		st = &QueryStats{Query: query}
		s.queries[key] = st
	}
	return st
}

// RecordProcBatch adds one worker batch.
func (s *Stats) RecordProcBatch(worker, messages, bytes, errors int, busy time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.procs[worker]
	if !ok {
		st = &ProcStats{Worker: worker}
		s.procs[worker] = st
	}
	st.Batches++
	st.Messages += int64(messages)
	st.Bytes += int64(bytes)
	st.Errors += int64(errors)
	st.BusyTime += busy
	st.LastBatch = time.Now()

	if s.metrics != nil {
		s.metrics.procBatch(worker, messages, busy)
	}
}

// Stream returns a copy of the counters for stream.
func (s *Stats) Stream(stream string) (StreamStats, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.streams[strings.ToLower(stream)]
	if !ok {
		return StreamStats{}, false
	}
	return *st, true
}

// Query returns a copy of the counters for query.
func (s *Stats) Query(query string) (QueryStats, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.queries[strings.ToLower(query)]
	if !ok {
		return QueryStats{}, false
	}
	return *st, true
}

// TopStreams returns the n streams with the most input rows, descending.
func (s *Stats) TopStreams(n int) []StreamStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if n <= 0 || len(s.streams) == 0 {
		return []StreamStats{}
	}

	out := make([]StreamStats, 0, len(s.streams))
	for _, st := range s.streams {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].InputRows != out[j].InputRows {
			return out[i].InputRows > out[j].InputRows
		}
		return out[i].Stream < out[j].Stream
	})

	if n > len(out) {
		n = len(out)
	}
	return out[:n]
}

// TopQueries returns the n queries with the most input rows, descending.
func (s *Stats) TopQueries(n int) []QueryStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if n <= 0 || len(s.queries) == 0 {
		return []QueryStats{}
	}

	out := make([]QueryStats, 0, len(s.queries))
	for _, st := range s.queries {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].InputRows != out[j].InputRows {
			return out[i].InputRows > out[j].InputRows
		}
		return out[i].Query < out[j].Query
	})

	if n > len(out) {
		n = len(out)
	}
	return out[:n]
}

// Snapshot copies every counter.
func (s *Stats) Snapshot() Snapshot {
	s.mu.RLock()
	n := len(s.streams) + len(s.queries)
	s.mu.RUnlock()

	snap := Snapshot{
		Streams:     s.TopStreams(n),
		Queries:     s.TopQueries(n),
		CollectedAt: time.Now(),
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	snap.Procs = make([]ProcStats, 0, len(s.procs))
	for _, p := range s.procs {
		snap.Procs = append(snap.Procs, *p)
	}
	sort.Slice(snap.Procs, func(i, j int) bool { return snap.Procs[i].Worker < snap.Procs[j].Worker })
	return snap
}

// Prune removes stream and query entries idle for longer than the window.
// This should be called periodically.
func (s *Stats) Prune() {
	if s.window <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	threshold := time.Now().Add(-s.window)
	for key, st := range s.streams {
		if st.LastInsert.Before(threshold) {
			delete(s.streams, key)
		}
	}
	for key, st := range s.queries {
		if st.LastRead.Before(threshold) {
			delete(s.queries, key)
		}
	}
}
