package core_test

import (
	"context"
	"testing"

	"github.com/rowforge/importer/internal/core"
	"github.com/rowforge/importer/internal/store/memory"
)

func seedStatRows(t *testing.T, values []any) core.RowStore {
	t.Helper()
	store := memory.New(importSchema())
	rows := make([]core.Row, len(values))
	for i, v := range values {
		rows[i] = core.Row{
			ID:          string(rune('a' + i)),
			SourceRowID: i,
			Cells:       map[string]core.CellValue{"name": {Value: v}},
		}
	}
	rowStore := store.RowStore()
	if err := rowStore.Replace(context.Background(), rows); err != nil {
		t.Fatalf("Replace: %v", err)
	}
	return rowStore
}

func TestAggregateColumnStats(t *testing.T) {
	rows := seedStatRows(t, []any{"John", "John", "John", "Jane", "", nil, 42.0, "42"})

	// Page size below the row count forces a multi-page pass.
	stats, err := core.AggregateColumnStats(context.Background(), rows, []string{"name"}, 3)
	if err != nil {
		t.Fatalf("AggregateColumnStats: %v", err)
	}

	nonunique := stats["name"].Nonunique
	if nonunique["John"] != 3 {
		t.Errorf("John = %d, want 3", nonunique["John"])
	}
	// nil cells group under the empty string.
	if nonunique[""] != 2 {
		t.Errorf("empty = %d, want 2", nonunique[""])
	}
	// Numeric 42 and the string "42" share a string form.
	if nonunique["42"] != 2 {
		t.Errorf("42 = %d, want 2", nonunique["42"])
	}
	// Singletons are not retained.
	if _, ok := nonunique["Jane"]; ok {
		t.Errorf("singleton retained: %v", nonunique)
	}
}

func TestAggregateColumnStatsEmptySet(t *testing.T) {
	rows := seedStatRows(t, nil)

	stats, err := core.AggregateColumnStats(context.Background(), rows, []string{"name"}, 10)
	if err != nil {
		t.Fatalf("AggregateColumnStats: %v", err)
	}
	stat, ok := stats["name"]
	if !ok {
		t.Fatal("requested column missing from snapshot")
	}
	if len(stat.Nonunique) != 0 {
		t.Errorf("Nonunique = %v, want empty", stat.Nonunique)
	}
}

func TestAggregateColumnStatsMissingCells(t *testing.T) {
	// Rows without a cell for the column group under the empty string too.
	store := memory.New(importSchema())
	rowStore := store.RowStore()
	err := rowStore.Replace(context.Background(), []core.Row{
		{ID: "a", SourceRowID: 0, Cells: map[string]core.CellValue{}},
		{ID: "b", SourceRowID: 1, Cells: map[string]core.CellValue{"name": {Value: ""}}},
	})
	if err != nil {
		t.Fatalf("Replace: %v", err)
	}

	stats, err := core.AggregateColumnStats(context.Background(), rowStore, []string{"name"}, 10)
	if err != nil {
		t.Fatalf("AggregateColumnStats: %v", err)
	}
	if stats["name"].Nonunique[""] != 2 {
		t.Errorf("empty = %d, want 2", stats["name"].Nonunique[""])
	}
}
