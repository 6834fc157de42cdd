package projection

import (
	"fmt"
	"time"

	"github.com/cqstream/cqstream/internal/coerce"
	streamerrors "github.com/cqstream/cqstream/internal/errors"
	"github.com/cqstream/cqstream/internal/message"
	"github.com/cqstream/cqstream/internal/recordtype"
	"github.com/cqstream/cqstream/pkg/types"
)

// State is the lifecycle state of a projection session.
type State int

const (
	StateUninitialized State = iota
	StateActive
	StateRebuilding
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateActive:
		return "active"
	case StateRebuilding:
		return "rebuilding"
	case StateEnded:
		return "ended"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Options configures a Session.
type Options struct {
	// Registry resolves nested record shapes. Shapes carried by messages are
	// registered into it. Optional.
	Registry *recordtype.Registry

	// Engine coerces mismatched field types. Defaults to an engine over
	// Registry.
	Engine *coerce.Engine

	// Arena allocates output tuples. Without one every row is a fresh
	// allocation.
	Arena *Arena

	// DisableDescriptorCache rebuilds the mapping for every message.
	DisableDescriptorCache bool
}

// Session projects the events of one scan into a fixed target shape.
type Session struct {
	target     *types.Descriptor
	arrivalIdx int
	opts       Options
	engine     *coerce.Engine

	state   State
	cache   DescriptorCache
	source  *types.Descriptor
	mapping Mapping
	scratch types.Tuple

	rebuilds uint64
	rows     uint64
}

// NewSession creates a session projecting into target.
func NewSession(target *types.Descriptor, opts Options) *Session {
	engine := opts.Engine
	if engine == nil {
		engine = coerce.NewEngine(opts.Registry)
	}
	return &Session{
		target:     target,
		arrivalIdx: target.FieldIndex(types.ArrivalTimestamp),
		opts:       opts,
		engine:     engine,
		state:      StateUninitialized,
	}
}

// Project converts one event message into a target row. Target fields with
// no source stay NULL, NULL sources are never coerced, and the arrival
// timestamp column always carries the message's arrival time.
func (s *Session) Project(m *message.Message) (types.Tuple, error) {
	if s.state == StateEnded {
		return nil, streamerrors.NewInternalError("projection session already ended", nil)
	}

	if s.opts.DisableDescriptorCache || s.cache.Changed(m.RawDescriptor) {
		if err := s.rebuild(m); err != nil {
			return nil, err
		}
	}

	if s.opts.Registry != nil && len(m.Records) > 0 {
		if _, err := m.RegisterRecords(s.opts.Registry, false); err != nil {
			return nil, err
		}
	}

	var err error
	s.scratch, err = m.DecodeRow(s.source, s.opts.Registry, s.scratch)
	if err != nil {
		return nil, err
	}

	out := s.newTuple()
	for i, ti := range s.mapping {
		if ti == NoTarget {
			continue
		}
		v := s.scratch[i]
		if v == nil {
			continue
		}
		sf, tf := s.source.Fields[i], s.target.Fields[ti]
		if needsCoercion(sf, tf) {
			v, err = s.engine.Coerce(v, sf, tf)
			if err != nil {
				return nil, err
			}
		}
		out[ti] = v
	}

	if s.arrivalIdx >= 0 {
		v, err := s.arrival(m.Arrival)
		if err != nil {
			return nil, err
		}
		out[s.arrivalIdx] = v
	}

	s.rows++
	return out, nil
}

func (s *Session) rebuild(m *message.Message) error {
	s.state = StateRebuilding
	desc, err := m.Descriptor()
	if err != nil {
		return err
	}
	s.source = desc
	s.mapping = BuildMapping(desc, s.target)
	s.cache.Store(m.RawDescriptor)
	s.rebuilds++
	s.state = StateActive
	return nil
}

func (s *Session) newTuple() types.Tuple {
	if s.opts.Arena != nil {
		return s.opts.Arena.NewTuple(s.target.NumFields())
	}
	return types.NewTuple(s.target.NumFields())
}

func (s *Session) arrival(t time.Time) (any, error) {
	tf := s.target.Fields[s.arrivalIdx]
	src := types.NewField(types.ArrivalTimestamp, types.TypeTimestampTZ, -1)
	if tf.Type == types.TypeTimestampTZ || tf.Type == types.TypeTimestamp {
		return t, nil
	}
	return s.engine.Coerce(t, src, tf)
}

func needsCoercion(src, dst types.Field) bool {
	if src.Type != dst.Type {
		return true
	}
	return dst.Type == types.TypeVarchar && dst.TypeMod >= 0 && dst.TypeMod != src.TypeMod
}

// End tears the session down: the cached descriptor and mapping are dropped
// and the record registry is invalidated.
func (s *Session) End() {
	if s.state == StateEnded {
		return
	}
	s.cache.Reset()
	s.source = nil
	s.mapping = nil
	s.scratch = nil
	if s.opts.Registry != nil {
		s.opts.Registry.Reset()
	}
	s.state = StateEnded
}

// State returns the session's lifecycle state.
func (s *Session) State() State {
	return s.state
}

// Target returns the descriptor rows are projected into.
func (s *Session) Target() *types.Descriptor {
	return s.target
}

// Mapping returns the current field mapping, nil before the first message.
func (s *Session) Mapping() Mapping {
	return s.mapping
}

// Rebuilds returns how many times the mapping was rebuilt.
func (s *Session) Rebuilds() uint64 {
	return s.rebuilds
}

// Rows returns how many rows were projected.
func (s *Session) Rows() uint64 {
	return s.rows
}

// Engine returns the coercion engine used by the session.
func (s *Session) Engine() *coerce.Engine {
	return s.engine
}
