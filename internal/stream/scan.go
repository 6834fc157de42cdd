package stream

import (
	"github.com/cqstream/cqstream/internal/coerce"
	"github.com/cqstream/cqstream/internal/message"
	"github.com/cqstream/cqstream/internal/observability"
	"github.com/cqstream/cqstream/internal/projection"
	"github.com/cqstream/cqstream/internal/recordtype"
	"github.com/cqstream/cqstream/pkg/types"
)

// Source yields the messages of the current worker batch.
type Source interface {
	// Next returns the next message, or false at the end of the batch.
	Next() (*message.Message, bool)
}

// SliceSource iterates over an in-memory batch.
type SliceSource struct {
	msgs []*message.Message
	pos  int
}

// NewSliceSource creates a source over msgs.
func NewSliceSource(msgs []*message.Message) *SliceSource {
	return &SliceSource{msgs: msgs}
}

// Next implements Source.
func (s *SliceSource) Next() (*message.Message, bool) {
	if s.pos >= len(s.msgs) {
		return nil, false
	}
	m := s.msgs[s.pos]
	s.pos++
	return m, true
}

// ScanOptions configures a scan.
type ScanOptions struct {
	Stream string
	// Target is the row shape the query expects.
	Target *types.Descriptor
	// Columns optionally renames Target's fields positionally.
	Columns []string

	Registry *recordtype.Registry
	Engine   *coerce.Engine
	Arena    *projection.Arena
	Stats    *observability.Stats

	DisableDescriptorCache bool
}

// Scan reads one worker batch of a stream for one continuous query.
type Scan struct {
	ec      ExecContext
	src     Source
	opts    ScanOptions
	session *projection.Session

	rows, bytes int
	direct      uint64
	fallback    uint64
	ended       bool
}

// BeginScan checks the read context and prepares the projection session.
func BeginScan(ec ExecContext, src Source, opts ScanOptions) (*Scan, error) {
	if err := CheckReadable(opts.Stream, ec); err != nil {
		return nil, err
	}
	target := opts.Target
	if len(opts.Columns) > 0 {
		renamed, err := target.Rename(opts.Columns)
		if err != nil {
			return nil, err
		}
		target = renamed
	}
	session := projection.NewSession(target, projection.Options{
		Registry:               opts.Registry,
		Engine:                 opts.Engine,
		Arena:                  opts.Arena,
		DisableDescriptorCache: opts.DisableDescriptorCache,
	})
	s := &Scan{ec: ec, src: src, opts: opts, session: session}
	s.direct = session.Engine().DirectCount()
	s.fallback = session.Engine().FallbackCount()
	return s, nil
}

// Next returns the next projected row, or false at the end of the batch.
// Messages not addressed to the scan's query are skipped.
func (s *Scan) Next() (types.Tuple, bool, error) {
	for {
		m, ok := s.src.Next()
		if !ok {
			return nil, false, nil
		}
		if s.ec.QueryID != 0 && !m.HasTarget(s.ec.QueryID) {
			continue
		}
		row, err := s.session.Project(m)
		if err != nil {
			if s.opts.Stats != nil {
				s.opts.Stats.IncrementQueryErrors(s.queryName())
			}
			return nil, false, err
		}
		s.rows++
		s.bytes += m.Size
		return row, true, nil
	}
}

// ReScan is a no-op: a scan has no position of its own to reset.
func (s *Scan) ReScan() {}

// End flushes read statistics and drops the session caches.
func (s *Scan) End() {
	if s.ended {
		return
	}
	s.ended = true
	if st := s.opts.Stats; st != nil {
		st.IncrementQueryRead(s.queryName(), s.rows, s.bytes, s.session.Rebuilds())
		if m := st.Metrics(); m != nil {
			e := s.session.Engine()
			m.ObserveCoercions(e.DirectCount()-s.direct, e.FallbackCount()-s.fallback)
		}
	}
	s.session.End()
}

// Session returns the projection session.
func (s *Scan) Session() *projection.Session {
	return s.session
}

// Rows returns the number of rows produced.
func (s *Scan) Rows() int {
	return s.rows
}

func (s *Scan) queryName() string {
	if s.ec.QueryName != "" {
		return s.ec.QueryName
	}
	return s.opts.Stream
}
