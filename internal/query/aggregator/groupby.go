package aggregator

import (
	"fmt"
	"strings"

	"github.com/cqstream/cqstream/pkg/types"
)

// GroupKey is a string representation of a GROUP BY key tuple,
// used as a map key for combining groups across batches.
type GroupKey = string

// GroupedPartialResult holds partial aggregates for a single group.
type GroupedPartialResult struct {
	KeyValues  []interface{}       // the actual GROUP BY column values
	Aggregates []*PartialAggregate // one per aggregate expression
}

// GroupedPartials are the groups of one batch in order of first appearance.
type GroupedPartials struct {
	Order  []GroupKey
	Groups map[GroupKey]*GroupedPartialResult
}

// ComputeGroupedPartials computes grouped partial aggregates from the rows
// of one batch.
//
// groupColIndices maps each GROUP BY column to its index in the row.
// aggColIndices maps each aggregate's argument to its column index
// (-1 for COUNT(*)).
func ComputeGroupedPartials(
	rows []types.Tuple,
	aggTypes []AggregateType,
	groupColIndices []int,
	aggColIndices []int,
) *GroupedPartials {
	out := &GroupedPartials{Groups: make(map[GroupKey]*GroupedPartialResult)}

	for _, row := range rows {
		// Build group key
		keyVals := make([]interface{}, len(groupColIndices))
		for i, idx := range groupColIndices {
			if idx >= 0 && idx < len(row) {
				keyVals[i] = row[idx]
			}
		}
		key := groupKeyString(keyVals)

		gpr, exists := out.Groups[key]
		if !exists {
			aggs := make([]*PartialAggregate, len(aggTypes))
			for i, t := range aggTypes {
				aggs[i] = NewPartialAggregate(t)
			}
			gpr = &GroupedPartialResult{
				KeyValues:  keyVals,
				Aggregates: aggs,
			}
			out.Groups[key] = gpr
			out.Order = append(out.Order, key)
		}

		for i, agg := range gpr.Aggregates {
			idx := aggColIndices[i]
			if idx < 0 {
				agg.Accumulate(int64(1))
			} else if idx < len(row) {
				agg.Accumulate(row[idx])
			}
		}
	}

	return out
}

// groupKeyString produces a deterministic string key from a slice of values.
// Values of different Go types never share a key.
func groupKeyString(vals []interface{}) string {
	parts := make([]string, len(vals))
	for i, v := range vals {
		if v == nil {
			parts[i] = "<NULL>"
		} else {
			parts[i] = fmt.Sprintf("%T:%v", v, v)
		}
	}
	return strings.Join(parts, "|")
}

// ResolveColumnIndices maps column names to their index in desc, -1 when
// absent.
func ResolveColumnIndices(desc *types.Descriptor, names []string) []int {
	indices := make([]int, len(names))
	for i, n := range names {
		indices[i] = desc.FieldIndex(n)
	}
	return indices
}
