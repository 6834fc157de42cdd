package aggregator

import (
	"fmt"
	"sync"

	"github.com/cqstream/cqstream/pkg/types"
)

// View is the running state of one continuous view: a group-by aggregation
// over the rows its scans produce. It is safe for concurrent use by the
// workers feeding it.
type View struct {
	name    string
	input   *types.Descriptor
	groupBy []string
	specs   []AggregateSpec

	aggTypes []AggregateType
	groupIdx []int
	aggIdx   []int

	mu     sync.RWMutex
	order  []GroupKey
	groups map[GroupKey]*GroupedPartialResult
	rows   int64
}

// NewView creates a view named name over rows shaped like input.
func NewView(name string, input *types.Descriptor, groupBy []string, specs []AggregateSpec) (*View, error) {
	v := &View{
		name:     name,
		input:    input,
		groupBy:  groupBy,
		specs:    specs,
		aggTypes: make([]AggregateType, len(specs)),
		aggIdx:   make([]int, len(specs)),
		groups:   make(map[GroupKey]*GroupedPartialResult),
	}

	v.groupIdx = ResolveColumnIndices(input, groupBy)
	for i, idx := range v.groupIdx {
		if idx < 0 {
			return nil, fmt.Errorf("view %s: group by column %q not found", name, groupBy[i])
		}
	}
	for i, spec := range specs {
		t, err := ParseAggregateType(spec.Function)
		if err != nil {
			return nil, fmt.Errorf("view %s: %w", name, err)
		}
		v.aggTypes[i] = t
		if spec.CountsRows() {
			if t != AggCount {
				return nil, fmt.Errorf("view %s: %s needs a column", name, t)
			}
			v.aggIdx[i] = -1
			continue
		}
		idx := input.FieldIndex(spec.Column)
		if idx < 0 {
			return nil, fmt.Errorf("view %s: aggregate column %q not found", name, spec.Column)
		}
		v.aggIdx[i] = idx
	}
	return v, nil
}

// Name returns the view's name.
func (v *View) Name() string {
	return v.name
}

// Input returns the row shape the view consumes.
func (v *View) Input() *types.Descriptor {
	return v.input
}

// Columns returns the output column names: the group-by columns followed by
// one column per aggregate.
func (v *View) Columns() []string {
	cols := make([]string, 0, len(v.groupBy)+len(v.specs))
	cols = append(cols, v.groupBy...)
	for _, s := range v.specs {
		cols = append(cols, s.OutputName())
	}
	return cols
}

// Apply folds the rows of one batch into the view. Groups keep the order in
// which they first appeared.
func (v *View) Apply(rows []types.Tuple) {
	if len(rows) == 0 {
		return
	}
	batch := ComputeGroupedPartials(rows, v.aggTypes, v.groupIdx, v.aggIdx)

	v.mu.Lock()
	defer v.mu.Unlock()
	for _, key := range batch.Order {
		gpr := batch.Groups[key]
		existing, ok := v.groups[key]
		if !ok {
			v.groups[key] = gpr
			v.order = append(v.order, key)
			continue
		}
		for i, agg := range gpr.Aggregates {
			MergeInto(existing.Aggregates[i], agg)
		}
	}
	v.rows += int64(len(rows))
}

// Rows returns the current result rows in group order of first appearance.
func (v *View) Rows() []types.Tuple {
	v.mu.RLock()
	defer v.mu.RUnlock()

	out := make([]types.Tuple, 0, len(v.order))
	for _, key := range v.order {
		gpr := v.groups[key]
		row := make(types.Tuple, 0, len(gpr.KeyValues)+len(gpr.Aggregates))
		row = append(row, gpr.KeyValues...)
		for _, agg := range gpr.Aggregates {
			row = append(row, agg.Result())
		}
		out = append(out, row)
	}
	return out
}

// SortedRows returns the result rows ordered by clauses.
func (v *View) SortedRows(clauses ...OrderBy) ([]types.Tuple, error) {
	rows := v.Rows()
	if err := NewOrderBySorter(clauses, v.Columns()).Sort(rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// Lookup returns the result row of the group whose key values are key.
func (v *View) Lookup(key ...interface{}) (types.Tuple, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	gpr, ok := v.groups[groupKeyString(key)]
	if !ok {
		return nil, false
	}
	row := make(types.Tuple, 0, len(gpr.KeyValues)+len(gpr.Aggregates))
	row = append(row, gpr.KeyValues...)
	for _, agg := range gpr.Aggregates {
		row = append(row, agg.Result())
	}
	return row, true
}

// InputRows returns how many rows were applied.
func (v *View) InputRows() int64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.rows
}

// Reset drops every group.
func (v *View) Reset() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.order = nil
	v.groups = make(map[GroupKey]*GroupedPartialResult)
	v.rows = 0
}
