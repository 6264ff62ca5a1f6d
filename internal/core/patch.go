package core

// patch.go implements the idempotent patch applier.
//
// Each patch derives a token from the caller-supplied idempotency scope
// key and its ordinal in the batch. A token already present in the row's
// applied-token log makes the patch a silent no-op, which gives at-most-
// once effect under the at-least-once re-delivery of the orchestration
// layer. Applied patches clear the cell's messages (stale until the cell
// is re-validated) and append to the row's audit history.

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rowforge/importer/internal/schema"
)

// PatchApplier applies operator cell edits to the mapped row set.
type PatchApplier struct {
	rows     RowStore
	importer ImporterStore
	now      func() time.Time
}

// NewPatchApplier creates a patch applier over the given stores.
func NewPatchApplier(rows RowStore, importer ImporterStore) *PatchApplier {
	return &PatchApplier{rows: rows, importer: importer, now: time.Now}
}

// patchToken derives the per-patch idempotency token from the scope key
// and the patch's ordinal within the batch.
func patchToken(scopeKey string, ordinal int) string {
	return fmt.Sprintf("%s:%d", scopeKey, ordinal)
}

// Apply applies patches in list order under the given idempotency scope
// key and returns the (row, column) pairs actually modified. The caller
// must feed those pairs back into single-row re-validation and into the
// error tally. Re-delivered patches are skipped without error.
func (p *PatchApplier) Apply(ctx context.Context, scopeKey string, patches []Patch) ([]ModifiedCell, error) {
	sch, err := p.importer.Schema(ctx)
	if err != nil {
		return nil, fmt.Errorf("load schema: %w", err)
	}

	var modified []ModifiedCell
	for i, patch := range patches {
		if _, ok := sch.Column(patch.Column); !ok {
			return modified, fmt.Errorf("%w: %q", ErrUnknownColumn, patch.Column)
		}

		// Snapshot the cell's message state first: applying the patch
		// clears it, and the error tally needs the pre-patch baseline.
		row, err := p.rows.Get(ctx, patch.RowID)
		if err != nil {
			return modified, fmt.Errorf("load row %s for patch %d: %w", patch.RowID, i, err)
		}
		hadMessages := len(row.Cells[patch.Column].Messages) > 0

		token := patchToken(scopeKey, i)
		applied, err := p.rows.ApplyPatch(ctx, patch.RowID, token, patch.Column, patch.NewValue, p.now().UTC())
		if err != nil {
			return modified, fmt.Errorf("apply patch %d to row %s: %w", i, patch.RowID, err)
		}
		if !applied {
			slog.Debug("patch already applied, skipping", "row", patch.RowID, "column", patch.Column, "token", token)
			continue
		}
		modified = append(modified, ModifiedCell{RowID: patch.RowID, Column: patch.Column, HadMessages: hadMessages})
	}

	return modified, nil
}

// AddEnumValue is the configuration side-channel used when an enum column
// allows new values: it appends value to the column's legal list. It must
// run before the patch carrying the value, so that re-validation sees the
// extended list.
func (p *PatchApplier) AddEnumValue(ctx context.Context, columnKey, value string) error {
	sch, err := p.importer.Schema(ctx)
	if err != nil {
		return fmt.Errorf("load schema: %w", err)
	}

	col, ok := sch.Column(columnKey)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownColumn, columnKey)
	}

	extensible := false
	for _, rule := range col.Rules {
		if rule.Type == schema.RuleEnum && rule.CanAddNewValues {
			extensible = true
			break
		}
	}
	if !extensible {
		return fmt.Errorf("%w: %q", ErrEnumNotExtensible, columnKey)
	}

	if err := p.importer.AddEnumValue(ctx, columnKey, value); err != nil {
		return fmt.Errorf("add enum value to %q: %w", columnKey, err)
	}
	return nil
}

// IsNotFound reports whether an error from patch application means the
// targeted row does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrUnknownRow)
}
