package core

import (
	"context"
	"time"

	"github.com/rowforge/importer/internal/schema"
)

// store.go declares the narrow storage contracts the engine consumes.
// Implementations live under internal/store; the engine never assumes it is
// the only concurrent caller for a given importer.

// SourceRowStore persists the raw ingested rows for one importer. The set
// is only ever replaced wholesale, which keeps re-ingestion idempotent.
type SourceRowStore interface {
	// Replace drops all stored source rows and inserts the given set along
	// with the header order discovered at ingestion.
	Replace(ctx context.Context, columns []string, rows []SourceRow) error

	// Columns returns the de-duplicated source column names in header order.
	Columns(ctx context.Context) ([]string, error)

	// List returns source rows ordered by SourceRowID.
	List(ctx context.Context, skip, limit int) ([]SourceRow, error)

	Count(ctx context.Context) (int, error)
}

// RowStore persists the mapped, import-ready rows for one importer. List
// order is stable (by SourceRowID) so paginated passes see every row
// exactly once.
type RowStore interface {
	// Replace drops all stored rows and inserts the given set.
	Replace(ctx context.Context, rows []Row) error

	Get(ctx context.Context, id string) (Row, error)

	List(ctx context.Context, skip, limit int) ([]Row, error)

	Count(ctx context.Context) (int, error)

	// ReplaceMessages overwrites the stored messages for every column named
	// in validated on the given row. Columns with no entry in messages are
	// cleared. This is the replace-set write backing validation output.
	ReplaceMessages(ctx context.Context, rowID string, validated []string, messages map[string][]ValidationMessage) error

	// ApplyPatch performs the single conditional update backing idempotent
	// patch application: if token is already in the row's applied-token log
	// it returns (false, nil) and changes nothing; otherwise it overwrites
	// the cell value, clears the cell's messages, appends a PatchRecord
	// (capturing the previous value) to the row's history, records the
	// token, and returns (true, nil). The check-then-act step is atomic
	// with respect to concurrent appliers touching the same row.
	ApplyPatch(ctx context.Context, rowID, token, column string, value any, appliedAt time.Time) (bool, error)
}

// ImporterStore persists the per-importer configuration document: the
// target schema, the confirmed column mapping, and the status flags the
// lifecycle state is derived from.
type ImporterStore interface {
	Schema(ctx context.Context) (schema.Schema, error)

	ReplaceSchema(ctx context.Context, s schema.Schema) error

	// AddEnumValue atomically appends a new legal value to the enum rule of
	// the given column. Appending an already-present value is a no-op.
	AddEnumValue(ctx context.Context, columnKey, value string) error

	Mapping(ctx context.Context) ([]ColumnMapping, error)

	SetMapping(ctx context.Context, mappings []ColumnMapping) error

	Flags(ctx context.Context) (StatusFlags, error)

	SetFlags(ctx context.Context, flags StatusFlags) error
}

// Stores bundles the three storage contracts for one importer aggregate.
type Stores struct {
	Sources  SourceRowStore
	Rows     RowStore
	Importer ImporterStore
}
