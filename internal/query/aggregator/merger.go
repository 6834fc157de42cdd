package aggregator

// MergeInto folds src into dest. The merge rules are:
//   - COUNT:   sum of counts
//   - SUM:     sum of sums
//   - MIN:     minimum of mins
//   - MAX:     maximum of maxes
//   - AVG:     weighted average using (sum of sums) / (sum of counts)
//   - COLLECT: src values appended after dest values
func MergeInto(dest, src *PartialAggregate) {
	if !src.IsSet {
		return
	}

	switch dest.Type {
	case AggCount:
		dest.Count += src.Count

	case AggSum, AggAvg:
		dest.Sum += src.Sum
		dest.IntSum += src.IntSum
		dest.Float = dest.Float || src.Float
		dest.Count += src.Count

	case AggMin:
		if !dest.IsSet || compareAggValues(src.Min, dest.Min) < 0 {
			dest.Min = src.Min
		}
		dest.Count += src.Count

	case AggMax:
		if !dest.IsSet || compareAggValues(src.Max, dest.Max) > 0 {
			dest.Max = src.Max
		}
		dest.Count += src.Count

	case AggCollect:
		dest.Values = append(dest.Values, src.Values...)
		dest.Count += src.Count
	}
	dest.IsSet = true
}

// MergePartials combines partial aggregates of the same type into a new one.
func MergePartials(partials []*PartialAggregate) *PartialAggregate {
	if len(partials) == 0 {
		return &PartialAggregate{}
	}
	merged := NewPartialAggregate(partials[0].Type)
	for _, p := range partials {
		MergeInto(merged, p)
	}
	return merged
}
