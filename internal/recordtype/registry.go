// Package recordtype provides the process-wide table that resolves record
// (composite) column shapes by their type-modifier identifier.
package recordtype

import (
	"fmt"
	"sync"

	streamerrors "github.com/cqstream/cqstream/internal/errors"
	"github.com/cqstream/cqstream/pkg/types"
)

// Registry maps record type modifiers to descriptors. It is safe for
// concurrent registration from multiple sessions. Entries are invalidated in
// bulk by Reset at batch end so the table cannot grow across batches.
type Registry struct {
	mu         sync.RWMutex
	descs      map[int32]*types.Descriptor
	nextTypmod int32
	resets     uint64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{descs: make(map[int32]*types.Descriptor)}
}

// Register stores desc under typmod, replacing any previous entry.
func (r *Registry) Register(typmod int32, desc *types.Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.descs[typmod] = desc
	if typmod >= r.nextTypmod {
		r.nextTypmod = typmod + 1
	}
}

// Assign registers desc under a fresh typmod and returns it. Producers use it
// to give record columns an identity before framing.
func (r *Registry) Assign(desc *types.Descriptor) int32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	typmod := r.nextTypmod
	r.nextTypmod++
	r.descs[typmod] = desc
	return typmod
}

// Lookup returns the descriptor registered under typmod.
func (r *Registry) Lookup(typmod int32) (*types.Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.descs[typmod]
	return d, ok
}

// Has reports whether typmod is registered.
func (r *Registry) Has(typmod int32) bool {
	_, ok := r.Lookup(typmod)
	return ok
}

// Resolve is Lookup returning an UNKNOWN_RECORD_TYPE error on a miss.
func (r *Registry) Resolve(typmod int32) (*types.Descriptor, error) {
	if d, ok := r.Lookup(typmod); ok {
		return d, nil
	}
	return nil, streamerrors.NewFramingError(streamerrors.CodeUnknownRecordType,
		fmt.Sprintf("record type %d is not registered", typmod), nil)
}

// Len returns the number of registered record types.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.descs)
}

// Reset drops every registration. Typmod assignment keeps counting upward so
// identifiers handed out before the reset are never reused for another shape.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.descs = make(map[int32]*types.Descriptor)
	r.resets++
}

// Resets returns how many times the registry has been invalidated.
func (r *Registry) Resets() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.resets
}
