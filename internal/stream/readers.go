package stream

import (
	"sort"
	"sync"
)

// ReaderSet is the set of continuous queries reading one stream.
type ReaderSet struct {
	mu    sync.RWMutex
	names map[uint32]string
}

// NewReaderSet creates an empty reader set.
func NewReaderSet() *ReaderSet {
	return &ReaderSet{names: make(map[uint32]string)}
}

// Add registers query id under name.
func (rs *ReaderSet) Add(id uint32, name string) {
	rs.mu.Lock()
	rs.names[id] = name
	rs.mu.Unlock()
}

// Remove unregisters query id.
func (rs *ReaderSet) Remove(id uint32) {
	rs.mu.Lock()
	delete(rs.names, id)
	rs.mu.Unlock()
}

// IDs returns the registered ids in ascending order.
func (rs *ReaderSet) IDs() []uint32 {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	ids := make([]uint32, 0, len(rs.names))
	for id := range rs.names {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Name returns the name of query id.
func (rs *ReaderSet) Name(id uint32) (string, bool) {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	n, ok := rs.names[id]
	return n, ok
}

// Len returns the number of readers.
func (rs *ReaderSet) Len() int {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return len(rs.names)
}
