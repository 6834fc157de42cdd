// Package projection reshapes delivered events into the row shape a
// continuous query reads. A Session keeps the field mapping for the last
// seen event descriptor and rebuilds it only when the descriptor bytes change.
package projection

import "bytes"

// DescriptorCache remembers the raw bytes of the last event descriptor a
// session mapped.
type DescriptorCache struct {
	raw   []byte
	valid bool
}

// Changed reports whether incoming differs from the cached descriptor. With
// nothing cached every descriptor is a change.
func (c *DescriptorCache) Changed(incoming []byte) bool {
	if !c.valid {
		return true
	}
	return RawChanged(c.raw, incoming)
}

// Store caches a copy of raw.
func (c *DescriptorCache) Store(raw []byte) {
	c.raw = append(c.raw[:0], raw...)
	c.valid = true
}

// Reset drops the cached descriptor.
func (c *DescriptorCache) Reset() {
	c.raw = c.raw[:0]
	c.valid = false
}

// RawChanged compares two serialized descriptors, length first.
func RawChanged(last, incoming []byte) bool {
	if len(last) != len(incoming) {
		return true
	}
	return !bytes.Equal(last, incoming)
}
