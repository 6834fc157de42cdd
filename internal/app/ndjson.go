package app

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/cqstream/cqstream/internal/coerce"
	streamerrors "github.com/cqstream/cqstream/internal/errors"
	"github.com/cqstream/cqstream/internal/jsoncodec"
	"github.com/cqstream/cqstream/pkg/types"
)

// DecodeRows reads newline-delimited JSON objects into rows laid out by desc.
// Object keys are matched to columns case-insensitively and missing keys are
// NULL. With a nil desc the columns are inferred from the keys of the first
// object in sorted order, and the inferred descriptor is returned.
func DecodeRows(r io.Reader, desc *types.Descriptor) (*types.Descriptor, []types.Tuple, error) {
	dec := jsoncodec.NewDecoder(r)
	var rows []types.Tuple
	for line := 1; dec.More(); line++ {
		var obj map[string]any
		if err := dec.Decode(&obj); err != nil {
			return nil, nil, fmt.Errorf("row %d: %w", line, err)
		}
		if desc == nil {
			desc = inferDescriptor(obj)
		}
		row, err := objectRow(obj, desc)
		if err != nil {
			return nil, nil, fmt.Errorf("row %d: %w", line, err)
		}
		rows = append(rows, row)
	}
	return desc, rows, nil
}

func inferDescriptor(obj map[string]any) *types.Descriptor {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fields := make([]types.Field, len(keys))
	for i, k := range keys {
		fields[i] = types.NewField(k, inferType(obj[k]), -1)
	}
	return types.NewDescriptor(fields...)
}

func inferType(v any) types.TypeID {
	switch val := v.(type) {
	case json.Number:
		if _, err := val.Int64(); err == nil {
			return types.TypeInt8
		}
		return types.TypeFloat8
	case bool:
		return types.TypeBool
	case map[string]any, []any:
		return types.TypeJSON
	default:
		return types.TypeText
	}
}

func objectRow(obj map[string]any, desc *types.Descriptor) (types.Tuple, error) {
	row := types.NewTuple(desc.NumFields())
	for k, v := range obj {
		idx := desc.FieldIndex(k)
		if idx < 0 {
			continue
		}
		val, err := jsonValue(v, desc.Fields[idx])
		if err != nil {
			return nil, err
		}
		row[idx] = val
	}
	return row, nil
}

// jsonValue converts a decoded JSON value to the Go value of f's type through
// the type's text input rules.
func jsonValue(v any, f types.Field) (any, error) {
	var text string
	switch val := v.(type) {
	case nil:
		return nil, nil
	case bool:
		if f.Type == types.TypeBool {
			return val, nil
		}
		text = strconv.FormatBool(val)
	case json.Number:
		text = val.String()
	case string:
		text = val
	default:
		b, err := jsoncodec.Marshal(val)
		if err != nil {
			return nil, err
		}
		text = string(b)
	}
	out, err := coerce.Input(text, f.Type, f.TypeMod, nil)
	if err != nil {
		return nil, streamerrors.NewTypeError(streamerrors.CodeTypeMismatch,
			fmt.Sprintf("column %q: cannot read %q as %s", f.Name, text, f.Type), err)
	}
	return out, nil
}
