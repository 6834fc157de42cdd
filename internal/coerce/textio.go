package coerce

import (
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	streamerrors "github.com/cqstream/cqstream/internal/errors"
	"github.com/cqstream/cqstream/internal/jsoncodec"
	"github.com/cqstream/cqstream/internal/recordtype"
	"github.com/cqstream/cqstream/pkg/types"
)

const (
	timestampLayout   = "2006-01-02 15:04:05.999999"
	timestampTZLayout = "2006-01-02 15:04:05.999999-07"
)

var timestampInputLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999-07",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04",
	"2006-01-02",
}

// Output renders v in the canonical external text form of typ.
func Output(v any, typ types.TypeID, reg *recordtype.Registry) (string, error) {
	switch typ {
	case types.TypeBool:
		if b, ok := v.(bool); ok {
			if b {
				return "t", nil
			}
			return "f", nil
		}
	case types.TypeInt2, types.TypeInt4, types.TypeInt8:
		if n, ok := asInt64(v); ok {
			return strconv.FormatInt(n, 10), nil
		}
	case types.TypeFloat4:
		if f, ok := v.(float32); ok {
			return formatFloat(float64(f), 32), nil
		}
	case types.TypeFloat8:
		if f, ok := v.(float64); ok {
			return formatFloat(f, 64), nil
		}
	case types.TypeText, types.TypeVarchar:
		if s, ok := v.(string); ok {
			return s, nil
		}
	case types.TypeJSON:
		if j, ok := v.(types.JSON); ok {
			return string(j), nil
		}
	case types.TypeBytea:
		if b, ok := v.([]byte); ok {
			return `\x` + hex.EncodeToString(b), nil
		}
	case types.TypeTimestamp:
		if t, ok := v.(time.Time); ok {
			return t.UTC().Format(timestampLayout), nil
		}
	case types.TypeTimestampTZ:
		if t, ok := v.(time.Time); ok {
			return t.UTC().Format(timestampTZLayout), nil
		}
	case types.TypeRecord:
		if r, ok := v.(types.Record); ok {
			return outputRecord(r, reg)
		}
	default:
		return "", streamerrors.NewTypeError(streamerrors.CodeUnsupportedValue,
			fmt.Sprintf("type %s has no output rules", typ), nil)
	}
	return "", unexpectedValue(v, typ)
}

func formatFloat(f float64, bits int) string {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	}
	return strconv.FormatFloat(f, 'g', -1, bits)
}

// Input parses s with the input rules of typ. typmod limits varchar length
// and names the shape of record values.
func Input(s string, typ types.TypeID, typmod int32, reg *recordtype.Registry) (any, error) {
	switch typ {
	case types.TypeBool:
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "t", "true", "y", "yes", "on", "1":
			return true, nil
		case "f", "false", "n", "no", "off", "0":
			return false, nil
		}
		return nil, invalidText(s, typ, nil)
	case types.TypeInt2, types.TypeInt4, types.TypeInt8:
		n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		if err != nil {
			if ne, ok := err.(*strconv.NumError); ok && ne.Err == strconv.ErrRange {
				return nil, outOfRange(typ)
			}
			return nil, invalidText(s, typ, err)
		}
		return intOfType(n, typ)
	case types.TypeFloat4, types.TypeFloat8:
		bits := 64
		if typ == types.TypeFloat4 {
			bits = 32
		}
		f, err := parseFloat(strings.TrimSpace(s), bits)
		if err != nil {
			if ne, ok := err.(*strconv.NumError); ok && ne.Err == strconv.ErrRange {
				return nil, outOfRange(typ)
			}
			return nil, invalidText(s, typ, err)
		}
		if bits == 32 {
			return float32(f), nil
		}
		return f, nil
	case types.TypeText:
		return s, nil
	case types.TypeVarchar:
		return checkVarcharLength(s, typmod)
	case types.TypeJSON:
		if !jsoncodec.Valid([]byte(s)) {
			return nil, invalidText(s, typ, nil)
		}
		return types.JSON(s), nil
	case types.TypeBytea:
		if rest, ok := strings.CutPrefix(s, `\x`); ok {
			b, err := hex.DecodeString(rest)
			if err != nil {
				return nil, invalidText(s, typ, err)
			}
			return b, nil
		}
		return []byte(s), nil
	case types.TypeTimestamp, types.TypeTimestampTZ:
		t, err := parseTimestamp(strings.TrimSpace(s))
		if err != nil {
			return nil, invalidText(s, typ, err)
		}
		return t, nil
	case types.TypeRecord:
		return inputRecord(s, typmod, reg)
	}
	return nil, streamerrors.NewTypeError(streamerrors.CodeUnsupportedValue,
		fmt.Sprintf("type %s has no input rules", typ), nil)
}

func parseFloat(s string, bits int) (float64, error) {
	switch strings.ToLower(s) {
	case "nan":
		return math.NaN(), nil
	case "infinity", "inf", "+infinity":
		return math.Inf(1), nil
	case "-infinity", "-inf":
		return math.Inf(-1), nil
	}
	return strconv.ParseFloat(s, bits)
}

func parseTimestamp(s string) (time.Time, error) {
	var lastErr error
	for _, layout := range timestampInputLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t.UTC(), nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

// outputRecord renders a record as (v1,v2,...). NULL fields are empty and
// values containing delimiters, quotes or whitespace are double quoted.
func outputRecord(r types.Record, reg *recordtype.Registry) (string, error) {
	desc, err := resolveRecord(r.TypeMod, reg)
	if err != nil {
		return "", err
	}
	if len(r.Values) != desc.NumFields() {
		return "", streamerrors.NewTypeError(streamerrors.CodeUnsupportedValue,
			fmt.Sprintf("record has %d values, type %d has %d fields", len(r.Values), r.TypeMod, desc.NumFields()), nil)
	}
	var sb strings.Builder
	sb.WriteByte('(')
	for i, f := range desc.Fields {
		if i > 0 {
			sb.WriteByte(',')
		}
		if r.Values[i] == nil {
			continue
		}
		s, err := Output(r.Values[i], f.Type, reg)
		if err != nil {
			return "", err
		}
		writeRecordField(&sb, s)
	}
	sb.WriteByte(')')
	return sb.String(), nil
}

func writeRecordField(sb *strings.Builder, s string) {
	if s != "" && !strings.ContainsAny(s, "(),\"\\ \t\n\r") {
		sb.WriteString(s)
		return
	}
	sb.WriteByte('"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '"' || c == '\\' {
			sb.WriteByte(c)
		}
		sb.WriteByte(c)
	}
	sb.WriteByte('"')
}

func inputRecord(s string, typmod int32, reg *recordtype.Registry) (any, error) {
	desc, err := resolveRecord(typmod, reg)
	if err != nil {
		return nil, err
	}
	raw, err := splitRecord(strings.TrimSpace(s))
	if err != nil {
		return nil, invalidText(s, types.TypeRecord, err)
	}
	if len(raw) != desc.NumFields() {
		return nil, invalidText(s, types.TypeRecord,
			fmt.Errorf("%d fields for a record of %d", len(raw), desc.NumFields()))
	}
	values := make(types.Tuple, len(raw))
	for i, f := range desc.Fields {
		if raw[i] == nil {
			continue
		}
		v, err := Input(*raw[i], f.Type, f.TypeMod, reg)
		if err != nil {
			return nil, err
		}
		values[i] = v
	}
	return types.Record{TypeMod: typmod, Values: values}, nil
}

// splitRecord splits the body of a record literal into its fields. A nil
// entry is an unquoted empty field, i.e. NULL.
func splitRecord(s string) ([]*string, error) {
	if len(s) < 2 || s[0] != '(' || s[len(s)-1] != ')' {
		return nil, fmt.Errorf("record literal must be enclosed in parentheses")
	}
	body := s[1 : len(s)-1]
	var fields []*string
	var cur strings.Builder
	quoted, inQuotes, touched := false, false, false
	flush := func() {
		if !touched && !quoted {
			fields = append(fields, nil)
		} else {
			v := cur.String()
			fields = append(fields, &v)
		}
		cur.Reset()
		quoted, touched = false, false
	}
	for i := 0; i < len(body); i++ {
		c := body[i]
		switch {
		case inQuotes && c == '"':
			if i+1 < len(body) && body[i+1] == '"' {
				cur.WriteByte('"')
				i++
				continue
			}
			inQuotes = false
		case inQuotes && c == '\\':
			if i+1 >= len(body) {
				return nil, fmt.Errorf("unterminated escape")
			}
			i++
			cur.WriteByte(body[i])
		case inQuotes:
			cur.WriteByte(c)
		case c == '"':
			inQuotes, quoted = true, true
		case c == ',':
			flush()
		case c == '\\':
			if i+1 >= len(body) {
				return nil, fmt.Errorf("unterminated escape")
			}
			i++
			cur.WriteByte(body[i])
			touched = true
		default:
			cur.WriteByte(c)
			touched = true
		}
	}
	if inQuotes {
		return nil, fmt.Errorf("unterminated quoted field")
	}
	flush()
	return fields, nil
}

func resolveRecord(typmod int32, reg *recordtype.Registry) (*types.Descriptor, error) {
	if reg == nil {
		return nil, streamerrors.NewFramingError(streamerrors.CodeUnknownRecordType,
			fmt.Sprintf("record type %d cannot be resolved without a registry", typmod), nil)
	}
	return reg.Resolve(typmod)
}

func invalidText(s string, typ types.TypeID, cause error) error {
	return streamerrors.NewTypeError(streamerrors.CodeInvalidText,
		fmt.Sprintf("invalid input syntax for type %s: %q", typ, s), cause)
}
