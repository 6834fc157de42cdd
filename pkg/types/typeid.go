package types

import (
	"fmt"
	"strings"
)

// TypeID identifies a column type. Numbering matches the PostgreSQL catalog
// so descriptors stay readable next to pg_type.
type TypeID uint32

const (
	TypeInvalid     TypeID = 0
	TypeBool        TypeID = 16
	TypeBytea       TypeID = 17
	TypeInt8        TypeID = 20
	TypeInt2        TypeID = 21
	TypeInt4        TypeID = 23
	TypeText        TypeID = 25
	TypeJSON        TypeID = 114
	TypeFloat4      TypeID = 700
	TypeFloat8      TypeID = 701
	TypeVarchar     TypeID = 1043
	TypeTimestamp   TypeID = 1114
	TypeTimestampTZ TypeID = 1184
	TypeRecord      TypeID = 2249
)

var typeNames = map[TypeID]string{
	TypeBool:        "bool",
	TypeBytea:       "bytea",
	TypeInt8:        "int8",
	TypeInt2:        "int2",
	TypeInt4:        "int4",
	TypeText:        "text",
	TypeJSON:        "json",
	TypeFloat4:      "float4",
	TypeFloat8:      "float8",
	TypeVarchar:     "varchar",
	TypeTimestamp:   "timestamp",
	TypeTimestampTZ: "timestamptz",
	TypeRecord:      "record",
}

var typeAliases = map[string]TypeID{
	"boolean":                  TypeBool,
	"smallint":                 TypeInt2,
	"integer":                  TypeInt4,
	"int":                      TypeInt4,
	"bigint":                   TypeInt8,
	"real":                     TypeFloat4,
	"double precision":         TypeFloat8,
	"double":                   TypeFloat8,
	"character varying":        TypeVarchar,
	"timestamp with time zone": TypeTimestampTZ,
}

// String returns the canonical type name.
func (t TypeID) String() string {
	if n, ok := typeNames[t]; ok {
		return n
	}
	return fmt.Sprintf("type(%d)", uint32(t))
}

// Valid reports whether the type is known.
func (t TypeID) Valid() bool {
	_, ok := typeNames[t]
	return ok
}

// Len returns the fixed storage width of the type, or -1 when variable.
func (t TypeID) Len() int16 {
	switch t {
	case TypeBool:
		return 1
	case TypeInt2:
		return 2
	case TypeInt4, TypeFloat4:
		return 4
	case TypeInt8, TypeFloat8, TypeTimestamp, TypeTimestampTZ:
		return 8
	default:
		return -1
	}
}

// ByVal reports whether values of the type are passed by value.
func (t TypeID) ByVal() bool {
	return t.Len() > 0
}

// IsString reports whether the type belongs to the string category.
func (t TypeID) IsString() bool {
	return t == TypeText || t == TypeVarchar
}

// ParseTypeID resolves a type name or common SQL alias.
func ParseTypeID(name string) (TypeID, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	for id, canonical := range typeNames {
		if canonical == n {
			return id, nil
		}
	}
	if id, ok := typeAliases[n]; ok {
		return id, nil
	}
	return TypeInvalid, fmt.Errorf("types: unknown type %q", name)
}

// UnmarshalText lets config files name types by string.
func (t *TypeID) UnmarshalText(text []byte) error {
	id, err := ParseTypeID(string(text))
	if err != nil {
		return err
	}
	*t = id
	return nil
}

// MarshalText renders the canonical type name.
func (t TypeID) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}
