package message

import (
	"fmt"
	"math"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	streamerrors "github.com/cqstream/cqstream/internal/errors"
	"github.com/cqstream/cqstream/pkg/types"
)

// Descriptor wire layout: one length-delimited entry per field, in order.
const (
	descFieldEntry protowire.Number = 1

	fieldName   protowire.Number = 1
	fieldType   protowire.Number = 2
	fieldTypmod protowire.Number = 3
	fieldLen    protowire.Number = 4
	fieldByVal  protowire.Number = 5
)

// Record value wire layout.
const (
	recordValueTypmod protowire.Number = 1
	recordValueRow    protowire.Number = 2
)

// Resolver returns the descriptor of a record type by typmod.
type Resolver func(typmod int32) (*types.Descriptor, error)

// AppendDescriptor appends the serialized form of d to b. Equal descriptors
// always produce equal bytes.
func AppendDescriptor(b []byte, d *types.Descriptor) []byte {
	var entry []byte
	for _, f := range d.Fields {
		entry = entry[:0]
		entry = protowire.AppendTag(entry, fieldName, protowire.BytesType)
		entry = protowire.AppendString(entry, f.Name)
		entry = protowire.AppendTag(entry, fieldType, protowire.VarintType)
		entry = protowire.AppendVarint(entry, uint64(f.Type))
		entry = protowire.AppendTag(entry, fieldTypmod, protowire.VarintType)
		entry = protowire.AppendVarint(entry, protowire.EncodeZigZag(int64(f.TypeMod)))
		entry = protowire.AppendTag(entry, fieldLen, protowire.VarintType)
		entry = protowire.AppendVarint(entry, protowire.EncodeZigZag(int64(f.Len)))
		entry = protowire.AppendTag(entry, fieldByVal, protowire.VarintType)
		entry = protowire.AppendVarint(entry, protowire.EncodeBool(f.ByVal))

		b = protowire.AppendTag(b, descFieldEntry, protowire.BytesType)
		b = protowire.AppendBytes(b, entry)
	}
	return b
}

// DecodeDescriptor parses bytes produced by AppendDescriptor.
func DecodeDescriptor(b []byte) (*types.Descriptor, error) {
	d := &types.Descriptor{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, corrupt("descriptor tag", protowire.ParseError(n))
		}
		b = b[n:]
		if num != descFieldEntry || typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, corrupt("descriptor field", protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}
		entry, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, corrupt("descriptor entry", protowire.ParseError(n))
		}
		b = b[n:]
		f, err := decodeField(entry)
		if err != nil {
			return nil, err
		}
		d.Fields = append(d.Fields, f)
	}
	return d, nil
}

func decodeField(b []byte) (types.Field, error) {
	var f types.Field
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return f, corrupt("field tag", protowire.ParseError(n))
		}
		b = b[n:]
		if num == fieldName {
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return f, corrupt("field name", protowire.ParseError(n))
			}
			f.Name = s
			b = b[n:]
			continue
		}
		if typ != protowire.VarintType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return f, corrupt("field attribute", protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return f, corrupt("field attribute", protowire.ParseError(n))
		}
		b = b[n:]
		switch num {
		case fieldType:
			f.Type = types.TypeID(v)
		case fieldTypmod:
			f.TypeMod = int32(protowire.DecodeZigZag(v))
		case fieldLen:
			f.Len = int16(protowire.DecodeZigZag(v))
		case fieldByVal:
			f.ByVal = protowire.DecodeBool(v)
		}
	}
	return f, nil
}

// AppendRow appends the values of row, laid out by desc, to b. NULLs are
// omitted; every present value is tagged with its 1-based field position.
func AppendRow(b []byte, desc *types.Descriptor, row types.Tuple, resolve Resolver) ([]byte, error) {
	if len(row) != desc.NumFields() {
		return nil, streamerrors.NewUsageError(streamerrors.CodeInvalidRow,
			fmt.Sprintf("row has %d values, descriptor has %d fields", len(row), desc.NumFields()))
	}
	for i, f := range desc.Fields {
		if row[i] == nil {
			continue
		}
		var err error
		b, err = appendValue(b, protowire.Number(i+1), f, row[i], resolve)
		if err != nil {
			return nil, err
		}
	}
	return b, nil
}

func appendValue(b []byte, num protowire.Number, f types.Field, v any, resolve Resolver) ([]byte, error) {
	switch f.Type {
	case types.TypeBool:
		x, ok := v.(bool)
		if !ok {
			return nil, badValue(f, v)
		}
		b = protowire.AppendTag(b, num, protowire.VarintType)
		return protowire.AppendVarint(b, protowire.EncodeBool(x)), nil
	case types.TypeInt2:
		x, ok := v.(int16)
		if !ok {
			return nil, badValue(f, v)
		}
		b = protowire.AppendTag(b, num, protowire.VarintType)
		return protowire.AppendVarint(b, protowire.EncodeZigZag(int64(x))), nil
	case types.TypeInt4:
		x, ok := v.(int32)
		if !ok {
			return nil, badValue(f, v)
		}
		b = protowire.AppendTag(b, num, protowire.VarintType)
		return protowire.AppendVarint(b, protowire.EncodeZigZag(int64(x))), nil
	case types.TypeInt8:
		x, ok := v.(int64)
		if !ok {
			return nil, badValue(f, v)
		}
		b = protowire.AppendTag(b, num, protowire.VarintType)
		return protowire.AppendVarint(b, protowire.EncodeZigZag(x)), nil
	case types.TypeFloat4:
		x, ok := v.(float32)
		if !ok {
			return nil, badValue(f, v)
		}
		b = protowire.AppendTag(b, num, protowire.Fixed32Type)
		return protowire.AppendFixed32(b, math.Float32bits(x)), nil
	case types.TypeFloat8:
		x, ok := v.(float64)
		if !ok {
			return nil, badValue(f, v)
		}
		b = protowire.AppendTag(b, num, protowire.Fixed64Type)
		return protowire.AppendFixed64(b, math.Float64bits(x)), nil
	case types.TypeText, types.TypeVarchar:
		x, ok := v.(string)
		if !ok {
			return nil, badValue(f, v)
		}
		b = protowire.AppendTag(b, num, protowire.BytesType)
		return protowire.AppendString(b, x), nil
	case types.TypeJSON:
		x, ok := v.(types.JSON)
		if !ok {
			return nil, badValue(f, v)
		}
		b = protowire.AppendTag(b, num, protowire.BytesType)
		return protowire.AppendString(b, string(x)), nil
	case types.TypeBytea:
		x, ok := v.([]byte)
		if !ok {
			return nil, badValue(f, v)
		}
		b = protowire.AppendTag(b, num, protowire.BytesType)
		return protowire.AppendBytes(b, x), nil
	case types.TypeTimestamp, types.TypeTimestampTZ:
		x, ok := v.(time.Time)
		if !ok {
			return nil, badValue(f, v)
		}
		b = protowire.AppendTag(b, num, protowire.VarintType)
		return protowire.AppendVarint(b, protowire.EncodeZigZag(x.UnixNano())), nil
	case types.TypeRecord:
		x, ok := v.(types.Record)
		if !ok {
			return nil, badValue(f, v)
		}
		if resolve == nil {
			return nil, streamerrors.NewFramingError(streamerrors.CodeUnknownRecordType,
				fmt.Sprintf("no record resolver for field %q", f.Name), nil)
		}
		sub, err := resolve(x.TypeMod)
		if err != nil {
			return nil, err
		}
		var rec []byte
		rec = protowire.AppendTag(rec, recordValueTypmod, protowire.VarintType)
		rec = protowire.AppendVarint(rec, protowire.EncodeZigZag(int64(x.TypeMod)))
		rec = protowire.AppendTag(rec, recordValueRow, protowire.BytesType)
		inner, err := AppendRow(nil, sub, x.Values, resolve)
		if err != nil {
			return nil, err
		}
		rec = protowire.AppendBytes(rec, inner)
		b = protowire.AppendTag(b, num, protowire.BytesType)
		return protowire.AppendBytes(b, rec), nil
	default:
		return nil, streamerrors.NewTypeError(streamerrors.CodeUnsupportedValue,
			fmt.Sprintf("field %q has unsupported type %s", f.Name, f.Type), nil)
	}
}

// DecodeRow decodes row bytes laid out by desc into dst, growing it as needed.
// Positions absent from the encoding are NULL.
func DecodeRow(b []byte, desc *types.Descriptor, dst types.Tuple, resolve Resolver) (types.Tuple, error) {
	n := desc.NumFields()
	if cap(dst) < n {
		dst = make(types.Tuple, n)
	} else {
		dst = dst[:n]
		clear(dst)
	}
	for len(b) > 0 {
		num, typ, tn := protowire.ConsumeTag(b)
		if tn < 0 {
			return nil, corrupt("row tag", protowire.ParseError(tn))
		}
		b = b[tn:]
		idx := int(num) - 1
		if idx < 0 || idx >= n {
			return nil, corrupt(fmt.Sprintf("row field %d outside descriptor of %d fields", num, n), nil)
		}
		v, vn, err := consumeValue(b, typ, desc.Fields[idx], resolve)
		if err != nil {
			return nil, err
		}
		b = b[vn:]
		dst[idx] = v
	}
	return dst, nil
}

func consumeValue(b []byte, typ protowire.Type, f types.Field, resolve Resolver) (any, int, error) {
	switch f.Type {
	case types.TypeBool, types.TypeInt2, types.TypeInt4, types.TypeInt8, types.TypeTimestamp, types.TypeTimestampTZ:
		if typ != protowire.VarintType {
			return nil, 0, wrongWireType(f, typ)
		}
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return nil, 0, corrupt("varint value", protowire.ParseError(n))
		}
		switch f.Type {
		case types.TypeBool:
			return protowire.DecodeBool(v), n, nil
		case types.TypeInt2:
			return int16(protowire.DecodeZigZag(v)), n, nil
		case types.TypeInt4:
			return int32(protowire.DecodeZigZag(v)), n, nil
		case types.TypeInt8:
			return protowire.DecodeZigZag(v), n, nil
		default:
			return time.Unix(0, protowire.DecodeZigZag(v)).UTC(), n, nil
		}
	case types.TypeFloat4:
		if typ != protowire.Fixed32Type {
			return nil, 0, wrongWireType(f, typ)
		}
		v, n := protowire.ConsumeFixed32(b)
		if n < 0 {
			return nil, 0, corrupt("float4 value", protowire.ParseError(n))
		}
		return math.Float32frombits(v), n, nil
	case types.TypeFloat8:
		if typ != protowire.Fixed64Type {
			return nil, 0, wrongWireType(f, typ)
		}
		v, n := protowire.ConsumeFixed64(b)
		if n < 0 {
			return nil, 0, corrupt("float8 value", protowire.ParseError(n))
		}
		return math.Float64frombits(v), n, nil
	}

	if typ != protowire.BytesType {
		return nil, 0, wrongWireType(f, typ)
	}
	raw, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, corrupt("bytes value", protowire.ParseError(n))
	}
	switch f.Type {
	case types.TypeText, types.TypeVarchar:
		return string(raw), n, nil
	case types.TypeJSON:
		return types.JSON(raw), n, nil
	case types.TypeBytea:
		return append([]byte(nil), raw...), n, nil
	case types.TypeRecord:
		rec, err := decodeRecord(raw, resolve)
		if err != nil {
			return nil, 0, err
		}
		return rec, n, nil
	}
	return nil, 0, streamerrors.NewTypeError(streamerrors.CodeUnsupportedValue,
		fmt.Sprintf("field %q has unsupported type %s", f.Name, f.Type), nil)
}

func decodeRecord(b []byte, resolve Resolver) (types.Record, error) {
	var rec types.Record
	var rowBytes []byte
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return rec, corrupt("record tag", protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == recordValueTypmod && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return rec, corrupt("record typmod", protowire.ParseError(n))
			}
			rec.TypeMod = int32(protowire.DecodeZigZag(v))
			b = b[n:]
		case num == recordValueRow && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return rec, corrupt("record row", protowire.ParseError(n))
			}
			rowBytes = v
			b = b[n:]
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return rec, corrupt("record field", protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	if resolve == nil {
		return rec, streamerrors.NewFramingError(streamerrors.CodeUnknownRecordType,
			fmt.Sprintf("no record resolver for record type %d", rec.TypeMod), nil)
	}
	sub, err := resolve(rec.TypeMod)
	if err != nil {
		return rec, err
	}
	values, err := DecodeRow(rowBytes, sub, nil, resolve)
	if err != nil {
		return rec, err
	}
	rec.Values = values
	return rec, nil
}

func corrupt(what string, cause error) error {
	return streamerrors.NewFramingError(streamerrors.CodeCorruptMessage, "malformed "+what, cause)
}

func wrongWireType(f types.Field, typ protowire.Type) error {
	return corrupt(fmt.Sprintf("value for %s field %q (wire type %d)", f.Type, f.Name, typ), nil)
}

func badValue(f types.Field, v any) error {
	return streamerrors.NewUsageError(streamerrors.CodeInvalidRow,
		fmt.Sprintf("field %q of type %s cannot hold %T", f.Name, f.Type, v))
}
