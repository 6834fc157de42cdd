// Package jsoncodec is the JSON codec used for json column text I/O and for
// reading NDJSON rows.
package jsoncodec

import (
	"io"

	"github.com/bytedance/sonic"
)

var defaultConfig = sonic.ConfigStd

func Marshal(v any) ([]byte, error) {
	return defaultConfig.Marshal(v)
}

func MarshalIndent(v any, prefix, indent string) ([]byte, error) {
	return defaultConfig.MarshalIndent(v, prefix, indent)
}

func Unmarshal(data []byte, v any) error {
	return defaultConfig.Unmarshal(data, v)
}

// Valid reports whether data is a single well-formed JSON value.
func Valid(data []byte) bool {
	return defaultConfig.Valid(data)
}

func Encode(w io.Writer, v any) error {
	enc := defaultConfig.NewEncoder(w)
	return enc.Encode(v)
}

// NewDecoder returns a streaming decoder that keeps numbers as json.Number so
// integer columns do not lose precision.
func NewDecoder(r io.Reader) Decoder {
	dec := defaultConfig.NewDecoder(r)
	dec.UseNumber()
	return dec
}

// Decoder reads consecutive JSON values from a stream.
type Decoder interface {
	Decode(v any) error
	More() bool
}

func Decode(r io.Reader, v any) error {
	dec := defaultConfig.NewDecoder(r)
	return dec.Decode(v)
}
