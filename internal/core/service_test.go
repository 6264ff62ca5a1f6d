package core_test

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/rowforge/importer/internal/core"
	"github.com/rowforge/importer/internal/schema"
	"github.com/rowforge/importer/internal/store/memory"
)

func importSchema() schema.Schema {
	return schema.Schema{Columns: []schema.Column{
		{Key: "name", Label: "Name", Type: schema.TypeText, Rules: []schema.Rule{
			{Type: schema.RuleRequired},
			{Type: schema.RuleUnique},
		}},
		{Key: "email", Label: "Email", Type: schema.TypeText, KeyAlternatives: []string{"mail"}, Rules: []schema.Rule{
			{Type: schema.RuleEmail},
		}},
		{Key: "salary", Label: "Salary", Type: schema.TypeNumber},
		{Key: "position", Label: "Position", Type: schema.TypeText, Rules: []schema.Rule{
			{Type: schema.RuleEnum, Values: []string{"Manager", "Engineer"}, CanAddNewValues: true},
		}},
	}}
}

// newTestService builds a service over a fresh in-memory store with a small
// page size, so three-row fixtures already exercise pagination.
func newTestService(t *testing.T) (*core.Service, *memory.Store) {
	t.Helper()
	sch := importSchema()
	if err := sch.Validate(); err != nil {
		t.Fatalf("fixture schema invalid: %v", err)
	}
	store := memory.New(sch)
	return core.NewService(store.Stores(), core.Options{PageSize: 2}), store
}

func ingestSample(t *testing.T, svc *core.Service) {
	t.Helper()
	columns := []string{"name", "mail", "salry", "position"}
	records := []map[string]any{
		{"name": "John", "mail": "john@example.com", "salry": 90000.0, "position": "Manager"},
		{"name": "Jane", "mail": "jane@example.com", "salry": 95000.0, "position": "Engineer"},
		{"name": "Ada", "mail": "ada@example.com", "salry": 120000.0, "position": "Engineer"},
	}
	if err := svc.IngestFile(context.Background(), columns, records); err != nil {
		t.Fatalf("IngestFile: %v", err)
	}
}

func confirmSample(t *testing.T, svc *core.Service) {
	t.Helper()
	err := svc.ConfirmMapping(context.Background(), []core.ColumnMapping{
		{SourceColumn: "name", TargetColumn: "name"},
		{SourceColumn: "mail", TargetColumn: "email"},
		{SourceColumn: "salry", TargetColumn: "salary"},
		{SourceColumn: "position", TargetColumn: "position"},
	})
	if err != nil {
		t.Fatalf("ConfirmMapping: %v", err)
	}
}

func mustState(t *testing.T, svc *core.Service, want core.State) {
	t.Helper()
	got, err := svc.State(context.Background())
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if got != want {
		t.Fatalf("state = %q, want %q", got, want)
	}
}

func TestLifecycle(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	mustState(t, svc, core.StateSelectFile)

	ingestSample(t, svc)
	mustState(t, svc, core.StateMapping)

	recs, err := svc.RecommendMapping(ctx)
	if err != nil {
		t.Fatalf("RecommendMapping: %v", err)
	}
	byTarget := make(map[string]core.Recommendation, len(recs))
	for _, r := range recs {
		byTarget[r.TargetColumn] = r
	}
	if r := byTarget["email"]; r.SourceColumn != "mail" || r.Confidence != 1.0 {
		t.Errorf("email recommendation = %+v, want exact match on mail", r)
	}
	if r := byTarget["salary"]; r.SourceColumn != "salry" || math.Abs(r.Confidence-0.8) > 1e-9 {
		t.Errorf("salary recommendation = %+v, want salry at 0.8", r)
	}

	confirmSample(t, svc)
	mustState(t, svc, core.StateValidate)

	rows, err := svc.Rows(ctx, 0, 10)
	if err != nil {
		t.Fatalf("Rows: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("row count = %d, want 3", len(rows))
	}
	for i, row := range rows {
		if row.SourceRowID != i {
			t.Errorf("row %d: SourceRowID = %d", i, row.SourceRowID)
		}
		// Every configured column gets a cell, mapped or not.
		for _, key := range []string{"name", "email", "salary", "position"} {
			if _, ok := row.Cells[key]; !ok {
				t.Errorf("row %d: missing cell for %q", i, key)
			}
		}
	}
	if got := rows[0].Cells["email"].Value; got != "john@example.com" {
		t.Errorf("projected email = %v", got)
	}

	stats, err := svc.AggregateStats(ctx)
	if err != nil {
		t.Fatalf("AggregateStats: %v", err)
	}
	counts, err := svc.ValidateAll(ctx, stats)
	if err != nil {
		t.Fatalf("ValidateAll: %v", err)
	}
	if !counts.Zero() {
		t.Fatalf("clean fixture produced errors: %v", counts)
	}

	if err := svc.StartImport(ctx); err != nil {
		t.Fatalf("StartImport: %v", err)
	}
	mustState(t, svc, core.StateImporting)

	if err := svc.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	mustState(t, svc, core.StateClosed)

	// Closed rejects every further mutation.
	if err := svc.IngestFile(ctx, []string{"name"}, nil); !errors.Is(err, core.ErrImporterClosed) {
		t.Errorf("IngestFile after close: %v, want ErrImporterClosed", err)
	}
	if _, err := svc.ValidateAll(ctx, nil); !errors.Is(err, core.ErrImporterClosed) {
		t.Errorf("ValidateAll after close: %v, want ErrImporterClosed", err)
	}

	// Reset is the only way out of closed and wipes everything.
	if err := svc.Reset(ctx); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	mustState(t, svc, core.StateSelectFile)
	rows, err = svc.Rows(ctx, 0, 10)
	if err != nil {
		t.Fatalf("Rows after reset: %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("rows survived reset: %d", len(rows))
	}
}

func TestValidateAllSurfacesErrors(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	columns := []string{"name", "mail", "position"}
	records := []map[string]any{
		{"name": "John", "mail": "not-an-email", "position": "Manager"},
		{"name": "John", "mail": "jane@example.com", "position": "Wizard"},
		{"name": "", "mail": "ada@example.com", "position": "Engineer"},
	}
	if err := svc.IngestFile(ctx, columns, records); err != nil {
		t.Fatalf("IngestFile: %v", err)
	}
	if err := svc.ConfirmMapping(ctx, []core.ColumnMapping{
		{SourceColumn: "name", TargetColumn: "name"},
		{SourceColumn: "mail", TargetColumn: "email"},
		{SourceColumn: "position", TargetColumn: "position"},
	}); err != nil {
		t.Fatalf("ConfirmMapping: %v", err)
	}

	stats, err := svc.AggregateStats(ctx)
	if err != nil {
		t.Fatalf("AggregateStats: %v", err)
	}
	counts, err := svc.ValidateAll(ctx, stats)
	if err != nil {
		t.Fatalf("ValidateAll: %v", err)
	}

	// name: two duplicate cells plus one empty cell.
	if counts["name"] != 3 {
		t.Errorf("name errors = %d, want 3", counts["name"])
	}
	if counts["email"] != 1 {
		t.Errorf("email errors = %d, want 1", counts["email"])
	}
	if counts["position"] != 1 {
		t.Errorf("position errors = %d, want 1", counts["position"])
	}

	// The gate stays shut while errors remain.
	if err := svc.StartImport(ctx); !errors.Is(err, core.ErrIllegalTransition) {
		t.Errorf("StartImport with errors: %v, want ErrIllegalTransition", err)
	}

	// Stored messages match the tally.
	stored, err := svc.ErrorCounts(ctx)
	if err != nil {
		t.Fatalf("ErrorCounts: %v", err)
	}
	for col, n := range counts {
		if stored[col] != n {
			t.Errorf("stored %s = %d, tally = %d", col, stored[col], n)
		}
	}
}

func TestConfirmMappingRejectsDuplicateTarget(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	ingestSample(t, svc)

	err := svc.ConfirmMapping(ctx, []core.ColumnMapping{
		{SourceColumn: "name", TargetColumn: "name"},
		{SourceColumn: "mail", TargetColumn: "name"},
	})
	if !errors.Is(err, core.ErrDuplicateTarget) {
		t.Errorf("err = %v, want ErrDuplicateTarget", err)
	}
}

func TestConfirmMappingRejectsUnknownTarget(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	ingestSample(t, svc)

	err := svc.ConfirmMapping(ctx, []core.ColumnMapping{
		{SourceColumn: "name", TargetColumn: "nickname"},
	})
	if !errors.Is(err, core.ErrUnknownColumn) {
		t.Errorf("err = %v, want ErrUnknownColumn", err)
	}
}

func TestConfirmMappingWithoutRows(t *testing.T) {
	svc, _ := newTestService(t)
	err := svc.ConfirmMapping(context.Background(), []core.ColumnMapping{
		{SourceColumn: "name", TargetColumn: "name"},
	})
	if !errors.Is(err, core.ErrNoSourceRows) {
		t.Errorf("err = %v, want ErrNoSourceRows", err)
	}
}

func TestRecommendMappingWithoutIngestion(t *testing.T) {
	svc, _ := newTestService(t)
	if _, err := svc.RecommendMapping(context.Background()); !errors.Is(err, core.ErrNoSourceRows) {
		t.Errorf("err = %v, want ErrNoSourceRows", err)
	}
}

func TestReingestionDropsDerivedState(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	ingestSample(t, svc)
	confirmSample(t, svc)

	// A second upload replaces the source set and invalidates everything
	// derived from the first one.
	if err := svc.IngestFile(ctx, []string{"name"}, []map[string]any{{"name": "Solo"}}); err != nil {
		t.Fatalf("re-ingest: %v", err)
	}
	mustState(t, svc, core.StateMapping)

	rows, err := svc.Rows(ctx, 0, 10)
	if err != nil {
		t.Fatalf("Rows: %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("mapped rows survived re-ingestion: %d", len(rows))
	}
}

func TestUnmappedColumnLeftNil(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	ingestSample(t, svc)

	// Only name is mapped; the other configured columns project nil cells
	// and their rules are skipped during validation.
	if err := svc.ConfirmMapping(ctx, []core.ColumnMapping{
		{SourceColumn: "name", TargetColumn: "name"},
	}); err != nil {
		t.Fatalf("ConfirmMapping: %v", err)
	}

	rows, err := svc.Rows(ctx, 0, 10)
	if err != nil {
		t.Fatalf("Rows: %v", err)
	}
	if rows[0].Cells["email"].Value != nil {
		t.Errorf("unmapped email cell = %v, want nil", rows[0].Cells["email"].Value)
	}

	stats, err := svc.AggregateStats(ctx)
	if err != nil {
		t.Fatalf("AggregateStats: %v", err)
	}
	counts, err := svc.ValidateAll(ctx, stats)
	if err != nil {
		t.Fatalf("ValidateAll: %v", err)
	}
	if _, ok := counts["email"]; ok {
		t.Errorf("unmapped column validated: %v", counts)
	}
	if _, ok := counts["position"]; ok {
		t.Errorf("unmapped column validated: %v", counts)
	}
}
