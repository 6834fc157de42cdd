package projection

import "github.com/cqstream/cqstream/pkg/types"

const defaultArenaChunk = 4096

// Arena hands out output tuples whose lifetime is one worker batch. Tuples
// returned before Reset must not be used after it.
type Arena struct {
	chunk int
	slab  []any
	off   int

	tuples uint64
}

// NewArena creates an arena that allocates slabs of chunk values.
func NewArena(chunk int) *Arena {
	if chunk <= 0 {
		chunk = defaultArenaChunk
	}
	return &Arena{chunk: chunk}
}

// NewTuple returns a tuple of n NULL values.
func (a *Arena) NewTuple(n int) types.Tuple {
	if n > len(a.slab)-a.off {
		a.slab = make([]any, max(a.chunk, n))
		a.off = 0
	}
	t := a.slab[a.off : a.off+n : a.off+n]
	a.off += n
	a.tuples++
	return types.Tuple(t)
}

// Reset releases every tuple handed out since the last reset.
func (a *Arena) Reset() {
	clear(a.slab[:a.off])
	a.off = 0
}

// Tuples returns the number of tuples allocated over the arena's lifetime.
func (a *Arena) Tuples() uint64 {
	return a.tuples
}
