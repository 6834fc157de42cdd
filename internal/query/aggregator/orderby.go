package aggregator

import (
	"fmt"
	"sort"
	"strings"

	"github.com/cqstream/cqstream/pkg/types"
)

// OrderBy is one sort key.
type OrderBy struct {
	Column string
	Desc   bool
}

// OrderBySorter sorts view rows by one or more columns.
type OrderBySorter struct {
	clauses []OrderBy
	columns []string
}

// NewOrderBySorter creates a new sorter for rows laid out as columns.
func NewOrderBySorter(clauses []OrderBy, columns []string) *OrderBySorter {
	return &OrderBySorter{
		clauses: clauses,
		columns: columns,
	}
}

// Sort sorts the rows in place.
func (s *OrderBySorter) Sort(rows []types.Tuple) error {
	if len(s.clauses) == 0 || len(rows) <= 1 {
		return nil
	}

	colMap := make(map[string]int)
	for i, c := range s.columns {
		colMap[strings.ToLower(c)] = i
	}

	indices := make([]int, len(s.clauses))
	for i, clause := range s.clauses {
		idx, ok := colMap[strings.ToLower(clause.Column)]
		if !ok {
			return fmt.Errorf("orderby: column %q not found in result columns", clause.Column)
		}
		indices[i] = idx
	}

	// Stable sort preserves insertion order for equal elements
	sort.SliceStable(rows, func(i, j int) bool {
		for k, clause := range s.clauses {
			cmp := compareAggValues(rows[i][indices[k]], rows[j][indices[k]])
			if cmp == 0 {
				continue
			}
			if clause.Desc {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	})

	return nil
}
