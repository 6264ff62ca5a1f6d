package memory

import (
	"context"
	"testing"
	"time"

	"github.com/rowforge/importer/internal/core"
	"github.com/rowforge/importer/internal/schema"
)

func testSchema() schema.Schema {
	return schema.Schema{Columns: []schema.Column{
		{Key: "name", Label: "Name", Type: schema.TypeText},
		{Key: "team", Label: "Team", Type: schema.TypeText, Rules: []schema.Rule{
			{Type: schema.RuleEnum, Values: []string{"sales", "eng"}, CanAddNewValues: true},
		}},
	}}
}

func seedRows(t *testing.T, s *Store) core.RowStore {
	t.Helper()
	rows := s.RowStore()
	err := rows.Replace(context.Background(), []core.Row{
		{ID: "r1", SourceRowID: 0, Cells: map[string]core.CellValue{"name": {Value: "John"}}},
		{ID: "r2", SourceRowID: 1, Cells: map[string]core.CellValue{"name": {Value: "Jane"}}},
	})
	if err != nil {
		t.Fatalf("Replace: %v", err)
	}
	return rows
}

func TestApplyPatchOnce(t *testing.T) {
	ctx := context.Background()
	rows := seedRows(t, New(testSchema()))
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	applied, err := rows.ApplyPatch(ctx, "r1", "batch:0", "name", "Johnny", at)
	if err != nil {
		t.Fatalf("ApplyPatch: %v", err)
	}
	if !applied {
		t.Fatal("first application reported as duplicate")
	}

	// Same token again must change nothing.
	applied, err = rows.ApplyPatch(ctx, "r1", "batch:0", "name", "Jonathan", at)
	if err != nil {
		t.Fatalf("ApplyPatch redelivery: %v", err)
	}
	if applied {
		t.Fatal("redelivered patch reported as applied")
	}

	row, err := rows.Get(ctx, "r1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got := row.Cells["name"].Value; got != "Johnny" {
		t.Errorf("value = %v, want %q", got, "Johnny")
	}
	if len(row.History) != 1 {
		t.Fatalf("history length = %d, want 1", len(row.History))
	}
	rec := row.History[0]
	if rec.OldValue != "John" || rec.NewValue != "Johnny" || rec.Token != "batch:0" {
		t.Errorf("history record = %+v", rec)
	}
	if !rec.AppliedAt.Equal(at) {
		t.Errorf("AppliedAt = %v, want %v", rec.AppliedAt, at)
	}
}

func TestApplyPatchUnknownRow(t *testing.T) {
	rows := seedRows(t, New(testSchema()))
	_, err := rows.ApplyPatch(context.Background(), "missing", "t:0", "name", "x", time.Now())
	if !core.IsNotFound(err) {
		t.Errorf("err = %v, want ErrUnknownRow", err)
	}
}

func TestReplaceMessagesClearsOmittedColumns(t *testing.T) {
	ctx := context.Background()
	rows := seedRows(t, New(testSchema()))

	msg := []core.ValidationMessage{{Type: schema.RuleRequired, Message: "Value is required"}}
	if err := rows.ReplaceMessages(ctx, "r1", []string{"name"}, map[string][]core.ValidationMessage{"name": msg}); err != nil {
		t.Fatalf("ReplaceMessages: %v", err)
	}
	row, _ := rows.Get(ctx, "r1")
	if len(row.Cells["name"].Messages) != 1 {
		t.Fatalf("messages = %v, want one", row.Cells["name"].Messages)
	}

	// A later pass with no entry for the column clears it.
	if err := rows.ReplaceMessages(ctx, "r1", []string{"name"}, nil); err != nil {
		t.Fatalf("ReplaceMessages clear: %v", err)
	}
	row, _ = rows.Get(ctx, "r1")
	if row.Cells["name"].Messages != nil {
		t.Errorf("messages not cleared: %v", row.Cells["name"].Messages)
	}
}

func TestListReturnsCopies(t *testing.T) {
	ctx := context.Background()
	rows := seedRows(t, New(testSchema()))

	page, err := rows.List(ctx, 0, 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	page[0].Cells["name"] = core.CellValue{Value: "mutated"}

	row, _ := rows.Get(ctx, page[0].ID)
	if row.Cells["name"].Value == "mutated" {
		t.Error("stored row aliased by List result")
	}
}

func TestListPaging(t *testing.T) {
	ctx := context.Background()
	rows := seedRows(t, New(testSchema()))

	tests := []struct {
		skip, limit, want int
	}{
		{0, 1, 1},
		{1, 5, 1},
		{2, 5, 0},
		{0, 0, 2},
	}
	for _, tt := range tests {
		page, err := rows.List(ctx, tt.skip, tt.limit)
		if err != nil {
			t.Fatalf("List(%d, %d): %v", tt.skip, tt.limit, err)
		}
		if len(page) != tt.want {
			t.Errorf("List(%d, %d) returned %d rows, want %d", tt.skip, tt.limit, len(page), tt.want)
		}
	}
}

func TestAddEnumValue(t *testing.T) {
	ctx := context.Background()
	s := New(testSchema())

	if err := s.AddEnumValue(ctx, "team", "ops"); err != nil {
		t.Fatalf("AddEnumValue: %v", err)
	}
	// Duplicate append is a no-op.
	if err := s.AddEnumValue(ctx, "team", "ops"); err != nil {
		t.Fatalf("AddEnumValue duplicate: %v", err)
	}

	sch, _ := s.Schema(ctx)
	col, _ := sch.Column("team")
	got := col.Rules[0].Values
	want := []string{"sales", "eng", "ops"}
	if len(got) != len(want) {
		t.Fatalf("values = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("values[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	if err := s.AddEnumValue(ctx, "name", "x"); err == nil {
		t.Error("AddEnumValue on column without enum rule should fail")
	}
}

func TestSchemaReadsAreIsolated(t *testing.T) {
	ctx := context.Background()
	s := New(testSchema())

	sch, _ := s.Schema(ctx)
	sch.Columns[1].Rules[0].Values[0] = "mutated"

	fresh, _ := s.Schema(ctx)
	if fresh.Columns[1].Rules[0].Values[0] != "sales" {
		t.Error("stored schema aliased by Schema result")
	}
}
