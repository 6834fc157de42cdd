package projection

import "github.com/cqstream/cqstream/pkg/types"

// NoTarget marks a source field that is discarded.
const NoTarget = -1

// Mapping holds, per source field, the index of the target field it feeds or
// NoTarget.
type Mapping []int

// BuildMapping matches source fields to target fields by case-insensitive
// name. The first target with a matching name wins.
func BuildMapping(source, target *types.Descriptor) Mapping {
	m := make(Mapping, source.NumFields())
	for i, f := range source.Fields {
		m[i] = target.FieldIndex(f.Name)
	}
	return m
}

// Mapped returns how many source fields feed a target field.
func (m Mapping) Mapped() int {
	n := 0
	for _, t := range m {
		if t != NoTarget {
			n++
		}
	}
	return n
}
