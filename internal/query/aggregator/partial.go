// Package aggregator evaluates the group-by aggregations of continuous views.
// Every worker batch is folded into per-group partial aggregates, which are
// then merged into the view's running state.
package aggregator

import (
	"fmt"
	"strings"
	"time"
)

// AggregateType represents the type of aggregate function.
type AggregateType int

const (
	AggCount AggregateType = iota
	AggSum
	AggMin
	AggMax
	AggAvg
	AggCollect
)

// ParseAggregateType converts a function name string to AggregateType.
func ParseAggregateType(name string) (AggregateType, error) {
	switch strings.ToUpper(name) {
	case "COUNT":
		return AggCount, nil
	case "SUM":
		return AggSum, nil
	case "MIN":
		return AggMin, nil
	case "MAX":
		return AggMax, nil
	case "AVG":
		return AggAvg, nil
	case "COLLECT", "ARRAY_AGG":
		return AggCollect, nil
	default:
		return 0, fmt.Errorf("unknown aggregate function: %s", name)
	}
}

func (t AggregateType) String() string {
	switch t {
	case AggCount:
		return "count"
	case AggSum:
		return "sum"
	case AggMin:
		return "min"
	case AggMax:
		return "max"
	case AggAvg:
		return "avg"
	case AggCollect:
		return "collect"
	default:
		return fmt.Sprintf("AggregateType(%d)", int(t))
	}
}

// AggregateSpec is one aggregate output column of a view. An empty Column
// or "*" counts rows.
type AggregateSpec struct {
	Function string `json:"func" yaml:"func"`
	Column   string `json:"column" yaml:"column"`
	As       string `json:"as" yaml:"as"`
}

// OutputName returns the column name of the aggregate's result.
func (s AggregateSpec) OutputName() string {
	if s.As != "" {
		return s.As
	}
	col := s.Column
	if col == "" {
		col = "*"
	}
	return strings.ToLower(s.Function) + "(" + col + ")"
}

// CountsRows reports whether the aggregate ignores column values.
func (s AggregateSpec) CountsRows() bool {
	return s.Column == "" || s.Column == "*"
}

// PartialAggregate holds the partial result of an aggregate computation
// over one batch. For AVG, both Sum and Count are tracked so that a correct
// weighted average can be computed during merge.
type PartialAggregate struct {
	Type   AggregateType
	Count  int64         // row count (used by COUNT, AVG and COLLECT)
	Sum    float64       // running sum of float inputs
	IntSum int64         // running sum of integer inputs
	Float  bool          // true once a float input was summed
	Min    interface{}   // current minimum (nil if no rows)
	Max    interface{}   // current maximum (nil if no rows)
	Values []interface{} // collected values in arrival order
	IsSet  bool          // true once at least one value has been accumulated
}

// NewPartialAggregate creates a new empty partial aggregate of the given type.
func NewPartialAggregate(aggType AggregateType) *PartialAggregate {
	return &PartialAggregate{Type: aggType}
}

// Accumulate adds a single value to the partial aggregate.
func (p *PartialAggregate) Accumulate(value interface{}) {
	if value == nil {
		return // NULL values are ignored by all aggregate functions
	}

	switch p.Type {
	case AggCount:
		p.Count++
		p.IsSet = true

	case AggSum, AggAvg:
		if i, ok := toInt(value); ok {
			p.IntSum += i
		} else if f, ok := toFloat(value); ok {
			p.Sum += f
			p.Float = true
		} else {
			return
		}
		p.Count++
		p.IsSet = true

	case AggMin:
		if !p.IsSet || compareAggValues(value, p.Min) < 0 {
			p.Min = value
			p.IsSet = true
		}
		p.Count++

	case AggMax:
		if !p.IsSet || compareAggValues(value, p.Max) > 0 {
			p.Max = value
			p.IsSet = true
		}
		p.Count++

	case AggCollect:
		p.Values = append(p.Values, value)
		p.Count++
		p.IsSet = true
	}
}

// Result returns the final value of this partial aggregate.
func (p *PartialAggregate) Result() interface{} {
	if !p.IsSet {
		if p.Type == AggCount {
			return int64(0)
		}
		return nil
	}

	switch p.Type {
	case AggCount:
		return p.Count
	case AggSum:
		if p.Float {
			return p.Sum + float64(p.IntSum)
		}
		return p.IntSum
	case AggMin:
		return p.Min
	case AggMax:
		return p.Max
	case AggAvg:
		if p.Count == 0 {
			return nil
		}
		return (p.Sum + float64(p.IntSum)) / float64(p.Count)
	case AggCollect:
		out := make([]interface{}, len(p.Values))
		copy(out, p.Values)
		return out
	}
	return nil
}

// Clone returns a deep copy of the partial aggregate.
func (p *PartialAggregate) Clone() *PartialAggregate {
	cp := *p
	if p.Values != nil {
		cp.Values = append([]interface{}(nil), p.Values...)
	}
	return &cp
}

func toInt(v interface{}) (int64, bool) {
	switch val := v.(type) {
	case int64:
		return val, true
	case int32:
		return int64(val), true
	case int16:
		return int64(val), true
	case int:
		return int64(val), true
	case int8:
		return int64(val), true
	}
	return 0, false
}

// toFloat converts a value to float64 for numeric aggregation.
func toFloat(v interface{}) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	}
	if i, ok := toInt(v); ok {
		return float64(i), true
	}
	return 0, false
}

// compareAggValues compares two values for MIN/MAX aggregation.
func compareAggValues(a, b interface{}) int {
	if a == nil && b == nil {
		return 0
	}
	if a == nil {
		return -1
	}
	if b == nil {
		return 1
	}

	// Numeric comparison
	fa, aOk := toFloat(a)
	fb, bOk := toFloat(b)
	if aOk && bOk {
		if fa < fb {
			return -1
		} else if fa > fb {
			return 1
		}
		return 0
	}

	if ta, ok := a.(time.Time); ok {
		if tb, ok := b.(time.Time); ok {
			return ta.Compare(tb)
		}
	}

	// String comparison
	sa, aStr := a.(string)
	sb, bStr := b.(string)
	if aStr && bStr {
		return strings.Compare(sa, sb)
	}

	// Fallback: compare as strings
	return strings.Compare(fmt.Sprintf("%v", a), fmt.Sprintf("%v", b))
}
