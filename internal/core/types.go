package core

import (
	"time"

	"github.com/rowforge/importer/internal/schema"
)

// SourceRow is one raw line of the uploaded file, exactly as ingested.
// SourceRowID is zero-based, assigned once at ingestion, and never
// reassigned; the whole set is dropped and recreated on re-ingestion.
type SourceRow struct {
	ID          string         `json:"id"`
	SourceRowID int            `json:"sourceRowId"`
	RawFields   map[string]any `json:"rawFields"`
}

// ValidationMessage is one rule violation recorded on a cell. Type matches
// the rule kind that produced it.
type ValidationMessage struct {
	Type    schema.RuleType `json:"type"`
	Message string          `json:"message"`
}

// CellValue is one mapped cell: its value (string, number, or nil) and the
// messages from the most recent validation pass. Messages are replaced
// wholesale on every pass, never appended across passes.
type CellValue struct {
	Value    any                 `json:"value"`
	Messages []ValidationMessage `json:"messages,omitempty"`
}

// Row is an import-ready row projected onto the target schema. After
// mapping is applied every configured column has a cell, even when the
// column is unmapped (nil value).
type Row struct {
	ID          string               `json:"id"`
	SourceRowID int                  `json:"sourceRowId"`
	Cells       map[string]CellValue `json:"cells"`

	// AppliedTokens is the idempotency log for patch application: one entry
	// per logical patch already applied to this row.
	AppliedTokens map[string]bool `json:"appliedTokens,omitempty"`

	// History is the audit trail of applied patches, in application order.
	History []PatchRecord `json:"history,omitempty"`
}

// ColumnMapping associates one source file column with one target column.
// An empty TargetColumn leaves the source column unmapped. At most one
// mapping may target a given column; ApplyMapping enforces this since the
// recommendation engine may legitimately propose ties.
type ColumnMapping struct {
	SourceColumn string `json:"sourceColumn"`
	TargetColumn string `json:"targetColumn"`
}

// Recommendation is the mapping engine's proposal for one target column.
// An empty SourceColumn with confidence 0 means no plausible match.
type Recommendation struct {
	TargetColumn string  `json:"targetColumn"`
	SourceColumn string  `json:"sourceColumn"`
	Confidence   float64 `json:"confidence"`
}

// ColumnStat holds the duplicate-value multiset for one column: only values
// occurring more than once are retained, keyed by their string form.
type ColumnStat struct {
	Nonunique map[string]int `json:"nonunique"`
}

// ColumnStats is a snapshot of duplicate-value counts per column. It is
// recomputed as a full pass, never maintained incrementally, and is a
// read-only input to validation.
type ColumnStats map[string]ColumnStat

// RowMessages is the validation engine's output for one (row, column) pair
// that has at least one current message. Pairs with zero messages are
// omitted; callers interpret omission as "clear stored messages".
type RowMessages struct {
	RowID    string              `json:"rowId"`
	Column   string              `json:"column"`
	Messages []ValidationMessage `json:"messages"`
}

// Patch is a single operator-issued cell edit.
type Patch struct {
	RowID    string `json:"rowId"`
	Column   string `json:"column"`
	NewValue any    `json:"newValue"`
}

// PatchRecord is one audit history entry for an applied patch.
type PatchRecord struct {
	Token     string    `json:"token"`
	Column    string    `json:"column"`
	OldValue  any       `json:"oldValue"`
	NewValue  any       `json:"newValue"`
	AppliedAt time.Time `json:"appliedAt"`
}

// ModifiedCell identifies a (row, column) pair changed by patch application.
// Callers must re-validate these cells and re-aggregate their counts.
// HadMessages records whether the cell carried messages before the patch;
// the patch itself clears them, so the stored row no longer knows.
type ModifiedCell struct {
	RowID       string `json:"rowId"`
	Column      string `json:"column"`
	HadMessages bool   `json:"hadMessages"`
}

// StatusFlags are the primary source of truth for importer progress,
// persisted by the surrounding orchestration. The pipeline stage is always
// derived from them, never stored directly.
type StatusFlags struct {
	IsWaitingForFile       bool `json:"isWaitingForFile"`
	IsProcessingSourceFile bool `json:"isProcessingSourceFile"`
	IsMappingData          bool `json:"isMappingData"`
	IsMappingConfirmed     bool `json:"isMappingConfirmed"`
	IsValidatingData       bool `json:"isValidatingData"`
	HasZeroErrors          bool `json:"hasZeroErrors"`
	HasStartedImport       bool `json:"hasStartedImport"`
	IsClosed               bool `json:"isClosed"`
}
