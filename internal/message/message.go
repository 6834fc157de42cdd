// Package message frames rows and their schema descriptors into
// self-describing event messages for worker queues, and unframes them on the
// consumer side.
//
// Wire layout (protobuf wire format, field numbers in parentheses):
//
//	(1) descriptor     serialized schema descriptor, always written first
//	(2) record         repeated {(1) typmod, (2) descriptor} nested record shapes
//	(3) targets        packed ids of the continuous queries reading the stream
//	(4) arrival        arrival time, unix nanoseconds
//	(5) ack            {(1) batch id, (2) count}
//	(6) flags          bit 0: row payload is snappy compressed
//	(7) row            encoded row values
package message

import (
	"fmt"
	"sort"
	"time"

	"github.com/golang/snappy"
	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"

	streamerrors "github.com/cqstream/cqstream/internal/errors"
	"github.com/cqstream/cqstream/internal/recordtype"
	"github.com/cqstream/cqstream/pkg/types"
)

const (
	msgDescriptor protowire.Number = 1
	msgRecord     protowire.Number = 2
	msgTargets    protowire.Number = 3
	msgArrival    protowire.Number = 4
	msgAck        protowire.Number = 5
	msgFlags      protowire.Number = 6
	msgRow        protowire.Number = 7

	recTypmod protowire.Number = 1
	recDesc   protowire.Number = 2

	ackBatchID protowire.Number = 1
	ackCount   protowire.Number = 2

	flagCompressed uint64 = 1 << 0
)

// AckRef ties a message to a delivery batch. Count is the number of
// acknowledgments the message contributes once consumed.
type AckRef struct {
	BatchID uuid.UUID
	Count   int
}

// Metadata is the per-message envelope information.
type Metadata struct {
	Arrival time.Time
	Ack     *AckRef
	Targets []uint32
}

// RecordDescriptor is a nested record shape carried alongside a descriptor.
type RecordDescriptor struct {
	TypeMod int32
	Desc    *types.Descriptor
	Raw     []byte
}

// PackedDescriptor is a descriptor serialized once and reused for every row
// framed with it.
type PackedDescriptor struct {
	Desc    *types.Descriptor
	Raw     []byte
	Records []RecordDescriptor

	byTypmod map[int32]*types.Descriptor
}

// Pack serializes desc and every record shape reachable from it. Record
// shapes are resolved through reg, which may be nil when desc has no record
// columns.
func Pack(desc *types.Descriptor, reg *recordtype.Registry) (*PackedDescriptor, error) {
	pd := &PackedDescriptor{
		Desc:     desc,
		Raw:      AppendDescriptor(nil, desc),
		byTypmod: make(map[int32]*types.Descriptor),
	}
	if err := pd.collect(desc, reg); err != nil {
		return nil, err
	}
	sort.Slice(pd.Records, func(i, j int) bool { return pd.Records[i].TypeMod < pd.Records[j].TypeMod })
	return pd, nil
}

func (pd *PackedDescriptor) collect(desc *types.Descriptor, reg *recordtype.Registry) error {
	for _, f := range desc.Fields {
		if f.Type != types.TypeRecord {
			continue
		}
		if _, seen := pd.byTypmod[f.TypeMod]; seen {
			continue
		}
		if reg == nil {
			return streamerrors.NewFramingError(streamerrors.CodeUnknownRecordType,
				fmt.Sprintf("record column %q needs a record type registry", f.Name), nil)
		}
		sub, err := reg.Resolve(f.TypeMod)
		if err != nil {
			return err
		}
		pd.byTypmod[f.TypeMod] = sub
		pd.Records = append(pd.Records, RecordDescriptor{
			TypeMod: f.TypeMod,
			Desc:    sub,
			Raw:     AppendDescriptor(nil, sub),
		})
		if err := pd.collect(sub, reg); err != nil {
			return err
		}
	}
	return nil
}

func (pd *PackedDescriptor) resolve(typmod int32) (*types.Descriptor, error) {
	if d, ok := pd.byTypmod[typmod]; ok {
		return d, nil
	}
	return nil, streamerrors.NewFramingError(streamerrors.CodeUnknownRecordType,
		fmt.Sprintf("record type %d is not part of the descriptor", typmod), nil)
}

// Framer builds event messages. It reuses internal buffers between calls and
// is not safe for concurrent use.
type Framer struct {
	// CompressThreshold is the encoded row size at which the row payload is
	// snappy compressed. Zero disables compression.
	CompressThreshold int

	row []byte
	out []byte
}

// NewFramer creates a framer with the given compression threshold.
func NewFramer(compressThreshold int) *Framer {
	return &Framer{CompressThreshold: compressThreshold}
}

// Frame serializes row with its descriptor and envelope. The returned slice
// is owned by the caller.
func (f *Framer) Frame(row types.Tuple, pd *PackedDescriptor, meta Metadata) ([]byte, error) {
	var err error
	f.row, err = AppendRow(f.row[:0], pd.Desc, row, pd.resolve)
	if err != nil {
		return nil, err
	}

	payload := f.row
	var flags uint64
	if f.CompressThreshold > 0 && len(f.row) >= f.CompressThreshold {
		payload = snappy.Encode(nil, f.row)
		flags |= flagCompressed
	}

	b := f.out[:0]
	b = protowire.AppendTag(b, msgDescriptor, protowire.BytesType)
	b = protowire.AppendBytes(b, pd.Raw)
	for _, rd := range pd.Records {
		var rec []byte
		rec = protowire.AppendTag(rec, recTypmod, protowire.VarintType)
		rec = protowire.AppendVarint(rec, protowire.EncodeZigZag(int64(rd.TypeMod)))
		rec = protowire.AppendTag(rec, recDesc, protowire.BytesType)
		rec = protowire.AppendBytes(rec, rd.Raw)
		b = protowire.AppendTag(b, msgRecord, protowire.BytesType)
		b = protowire.AppendBytes(b, rec)
	}
	if len(meta.Targets) > 0 {
		var packed []byte
		for _, t := range meta.Targets {
			packed = protowire.AppendVarint(packed, uint64(t))
		}
		b = protowire.AppendTag(b, msgTargets, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}
	b = protowire.AppendTag(b, msgArrival, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(meta.Arrival.UnixNano()))
	if meta.Ack != nil {
		var ack []byte
		ack = protowire.AppendTag(ack, ackBatchID, protowire.BytesType)
		ack = protowire.AppendBytes(ack, meta.Ack.BatchID[:])
		ack = protowire.AppendTag(ack, ackCount, protowire.VarintType)
		ack = protowire.AppendVarint(ack, uint64(meta.Ack.Count))
		b = protowire.AppendTag(b, msgAck, protowire.BytesType)
		b = protowire.AppendBytes(b, ack)
	}
	if flags != 0 {
		b = protowire.AppendTag(b, msgFlags, protowire.VarintType)
		b = protowire.AppendVarint(b, flags)
	}
	b = protowire.AppendTag(b, msgRow, protowire.BytesType)
	b = protowire.AppendBytes(b, payload)
	f.out = b

	return append([]byte(nil), b...), nil
}

// RawRecord is a nested record shape as found in a message, not yet decoded.
type RawRecord struct {
	TypeMod int32
	Raw     []byte
}

// Message is an unframed event message. Its byte fields alias the buffer
// passed to Unframe.
type Message struct {
	RawDescriptor []byte
	Records       []RawRecord
	Targets       []uint32
	Arrival       time.Time
	Ack           *AckRef
	Compressed    bool
	RawRow        []byte
	Size          int

	local map[int32]*types.Descriptor
}

// Unframe splits b into its envelope parts without decoding the descriptor
// or the row.
func Unframe(b []byte) (*Message, error) {
	m := &Message{Size: len(b)}
	seenDesc, seenRow := false, false
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, corrupt("message tag", protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == msgDescriptor && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, corrupt("descriptor", protowire.ParseError(n))
			}
			m.RawDescriptor, seenDesc = v, true
			b = b[n:]
		case num == msgRecord && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, corrupt("record descriptor", protowire.ParseError(n))
			}
			rr, err := unframeRecord(v)
			if err != nil {
				return nil, err
			}
			m.Records = append(m.Records, rr)
			b = b[n:]
		case num == msgTargets && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, corrupt("targets", protowire.ParseError(n))
			}
			for len(v) > 0 {
				t, tn := protowire.ConsumeVarint(v)
				if tn < 0 {
					return nil, corrupt("target id", protowire.ParseError(tn))
				}
				m.Targets = append(m.Targets, uint32(t))
				v = v[tn:]
			}
			b = b[n:]
		case num == msgArrival && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, corrupt("arrival", protowire.ParseError(n))
			}
			m.Arrival = time.Unix(0, protowire.DecodeZigZag(v)).UTC()
			b = b[n:]
		case num == msgAck && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, corrupt("ack", protowire.ParseError(n))
			}
			ack, err := unframeAck(v)
			if err != nil {
				return nil, err
			}
			m.Ack = ack
			b = b[n:]
		case num == msgFlags && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, corrupt("flags", protowire.ParseError(n))
			}
			m.Compressed = v&flagCompressed != 0
			b = b[n:]
		case num == msgRow && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, corrupt("row", protowire.ParseError(n))
			}
			m.RawRow, seenRow = v, true
			b = b[n:]
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, corrupt("message field", protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	if !seenDesc || !seenRow {
		return nil, corrupt("message: descriptor or row missing", nil)
	}
	return m, nil
}

func unframeRecord(b []byte) (RawRecord, error) {
	var rr RawRecord
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return rr, corrupt("record descriptor tag", protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == recTypmod && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return rr, corrupt("record typmod", protowire.ParseError(n))
			}
			rr.TypeMod = int32(protowire.DecodeZigZag(v))
			b = b[n:]
		case num == recDesc && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return rr, corrupt("record descriptor bytes", protowire.ParseError(n))
			}
			rr.Raw = v
			b = b[n:]
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return rr, corrupt("record descriptor field", protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return rr, nil
}

func unframeAck(b []byte) (*AckRef, error) {
	ack := &AckRef{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, corrupt("ack tag", protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == ackBatchID && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, corrupt("ack batch id", protowire.ParseError(n))
			}
			id, err := uuid.FromBytes(v)
			if err != nil {
				return nil, corrupt("ack batch id", err)
			}
			ack.BatchID = id
			b = b[n:]
		case num == ackCount && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, corrupt("ack count", protowire.ParseError(n))
			}
			ack.Count = int(v)
			b = b[n:]
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, corrupt("ack field", protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return ack, nil
}

// Descriptor decodes the message's schema descriptor.
func (m *Message) Descriptor() (*types.Descriptor, error) {
	return DecodeDescriptor(m.RawDescriptor)
}

// HasTarget reports whether the message is addressed to query id. A message
// without targets is addressed to every reader.
func (m *Message) HasTarget(id uint32) bool {
	if len(m.Targets) == 0 {
		return true
	}
	for _, t := range m.Targets {
		if t == id {
			return true
		}
	}
	return false
}

// RegisterRecords registers the nested record shapes carried by the message
// into reg. Shapes already present are left alone unless force is set. It
// returns how many shapes were registered.
func (m *Message) RegisterRecords(reg *recordtype.Registry, force bool) (int, error) {
	registered := 0
	for _, rr := range m.Records {
		if !force && reg.Has(rr.TypeMod) {
			continue
		}
		d, err := m.recordDescriptor(rr)
		if err != nil {
			return registered, err
		}
		reg.Register(rr.TypeMod, d)
		registered++
	}
	return registered, nil
}

func (m *Message) recordDescriptor(rr RawRecord) (*types.Descriptor, error) {
	if d, ok := m.local[rr.TypeMod]; ok {
		return d, nil
	}
	d, err := DecodeDescriptor(rr.Raw)
	if err != nil {
		return nil, err
	}
	if m.local == nil {
		m.local = make(map[int32]*types.Descriptor, len(m.Records))
	}
	m.local[rr.TypeMod] = d
	return d, nil
}

// Resolver returns a record resolver that prefers the shapes carried by the
// message and falls back to reg, which may be nil.
func (m *Message) Resolver(reg *recordtype.Registry) Resolver {
	return func(typmod int32) (*types.Descriptor, error) {
		for _, rr := range m.Records {
			if rr.TypeMod == typmod {
				return m.recordDescriptor(rr)
			}
		}
		if reg != nil {
			return reg.Resolve(typmod)
		}
		return nil, streamerrors.NewFramingError(streamerrors.CodeUnknownRecordType,
			fmt.Sprintf("record type %d is not carried by the message", typmod), nil)
	}
}

// DecodeRow decodes the row payload laid out by desc into dst.
func (m *Message) DecodeRow(desc *types.Descriptor, reg *recordtype.Registry, dst types.Tuple) (types.Tuple, error) {
	raw := m.RawRow
	if m.Compressed {
		var err error
		raw, err = snappy.Decode(nil, raw)
		if err != nil {
			return nil, corrupt("compressed row", err)
		}
	}
	return DecodeRow(raw, desc, dst, m.Resolver(reg))
}

// Decode unframes b and decodes its descriptor and row in one step.
func Decode(b []byte, reg *recordtype.Registry) (*types.Descriptor, types.Tuple, *Message, error) {
	m, err := Unframe(b)
	if err != nil {
		return nil, nil, nil, err
	}
	desc, err := m.Descriptor()
	if err != nil {
		return nil, nil, nil, err
	}
	row, err := m.DecodeRow(desc, reg, nil)
	if err != nil {
		return nil, nil, nil, err
	}
	return desc, row, m, nil
}
