package core

import (
	"context"
	"fmt"
)

// stats.go implements the column statistics aggregator feeding the
// uniqueness validator.

// DefaultPageSize bounds how many rows a paginated pass loads at once.
const DefaultPageSize = 500

// AggregateColumnStats performs a full paginated pass over the row set and
// returns, for each requested column, the multiset of values that occur
// more than once. Output size is bounded by the number of actually
// duplicated values, not the row count.
//
// The snapshot is never updated incrementally: callers needing fresh
// uniqueness guarantees after edits must invoke this again.
func AggregateColumnStats(ctx context.Context, rows RowStore, columns []string, pageSize int) (ColumnStats, error) {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}

	counts := make(map[string]map[string]int, len(columns))
	for _, col := range columns {
		counts[col] = make(map[string]int)
	}

	for skip := 0; ; skip += pageSize {
		page, err := rows.List(ctx, skip, pageSize)
		if err != nil {
			return nil, fmt.Errorf("list rows at offset %d: %w", skip, err)
		}
		if len(page) == 0 {
			break
		}

		for _, row := range page {
			for _, col := range columns {
				// The empty string is a normal grouping key; nil cells
				// group with it.
				key := cellString(row.Cells[col].Value)
				counts[col][key]++
			}
		}

		if len(page) < pageSize {
			break
		}
	}

	stats := make(ColumnStats, len(columns))
	for _, col := range columns {
		nonunique := make(map[string]int)
		for value, n := range counts[col] {
			if n > 1 {
				nonunique[value] = n
			}
		}
		stats[col] = ColumnStat{Nonunique: nonunique}
	}

	return stats, nil
}
