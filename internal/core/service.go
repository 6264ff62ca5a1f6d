package core

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/rowforge/importer/internal/schema"
)

// Service is the import reconciliation engine for one importer aggregate.
// Storage is injected; the service holds no hidden connections and no
// background work. Operations are synchronous and safe to re-invoke with
// the same inputs: the orchestration layer may retry any of them.
type Service struct {
	stores         Stores
	patches        *PatchApplier
	pageSize       int
	defaultCountry string
}

// Options tune a Service. Zero values select defaults.
type Options struct {
	// PageSize bounds paginated passes over the row set.
	PageSize int

	// DefaultCountry is the phone-validation region used when a rule does
	// not carry its own (default "US").
	DefaultCountry string
}

// NewService creates the engine over the given stores.
func NewService(stores Stores, opts Options) *Service {
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.DefaultCountry == "" {
		opts.DefaultCountry = "US"
	}
	return &Service{
		stores:         stores,
		patches:        NewPatchApplier(stores.Rows, stores.Importer),
		pageSize:       opts.PageSize,
		defaultCountry: opts.DefaultCountry,
	}
}

// guardMutable loads the current flags and rejects the operation when the
// importer is closed.
func (s *Service) guardMutable(ctx context.Context) (StatusFlags, error) {
	flags, err := s.stores.Importer.Flags(ctx)
	if err != nil {
		return StatusFlags{}, fmt.Errorf("load status flags: %w", err)
	}
	if err := ensureMutable(flags); err != nil {
		return StatusFlags{}, err
	}
	return flags, nil
}

// State derives the current pipeline stage from the persisted flags.
func (s *Service) State(ctx context.Context) (State, error) {
	flags, err := s.stores.Importer.Flags(ctx)
	if err != nil {
		return "", fmt.Errorf("load status flags: %w", err)
	}
	return DeriveState(flags), nil
}

// Flags returns the persisted status flags.
func (s *Service) Flags(ctx context.Context) (StatusFlags, error) {
	return s.stores.Importer.Flags(ctx)
}

// IngestFile replaces the raw source row set with freshly parsed file
// content. The whole set is dropped and recreated, so re-delivery of the
// same ingestion step converges on the same state. Any previously mapped
// rows and confirmed mapping are discarded along with the old source rows.
func (s *Service) IngestFile(ctx context.Context, columns []string, records []map[string]any) error {
	flags, err := s.guardMutable(ctx)
	if err != nil {
		return err
	}

	sourceRows := make([]SourceRow, len(records))
	for i, raw := range records {
		sourceRows[i] = SourceRow{
			ID:          uuid.New().String(),
			SourceRowID: i,
			RawFields:   raw,
		}
	}

	if err := s.stores.Sources.Replace(ctx, dedupe(columns), sourceRows); err != nil {
		return fmt.Errorf("replace source rows: %w", err)
	}
	if err := s.stores.Rows.Replace(ctx, nil); err != nil {
		return fmt.Errorf("clear mapped rows: %w", err)
	}
	if err := s.stores.Importer.SetMapping(ctx, nil); err != nil {
		return fmt.Errorf("clear mapping: %w", err)
	}

	flags.IsWaitingForFile = false
	flags.IsProcessingSourceFile = false
	flags.IsMappingData = true
	flags.IsMappingConfirmed = false
	flags.IsValidatingData = false
	flags.HasZeroErrors = false
	flags.HasStartedImport = false
	if err := s.stores.Importer.SetFlags(ctx, flags); err != nil {
		return fmt.Errorf("update status flags: %w", err)
	}

	slog.Info("source file ingested", "rows", len(sourceRows), "columns", len(columns))
	return nil
}

// SourceColumns returns the de-duplicated header names discovered at
// ingestion, in file order.
func (s *Service) SourceColumns(ctx context.Context) ([]string, error) {
	return s.stores.Sources.Columns(ctx)
}

// RecommendMapping proposes a source column for every configured target
// column, based on the column names discovered at ingestion.
func (s *Service) RecommendMapping(ctx context.Context) ([]Recommendation, error) {
	columns, err := s.stores.Sources.Columns(ctx)
	if err != nil {
		return nil, fmt.Errorf("load source columns: %w", err)
	}
	if len(columns) == 0 {
		return nil, ErrNoSourceRows
	}

	sch, err := s.stores.Importer.Schema(ctx)
	if err != nil {
		return nil, fmt.Errorf("load schema: %w", err)
	}

	return RecommendMappings(columns, sch), nil
}

// ConfirmMapping persists the operator-confirmed mapping and re-projects
// the entire source row set onto the target schema. The mapped row set is
// derived wholesale: every configured column gets a cell on every row,
// nil-valued where the column is unmapped.
func (s *Service) ConfirmMapping(ctx context.Context, mappings []ColumnMapping) error {
	flags, err := s.guardMutable(ctx)
	if err != nil {
		return err
	}

	sch, err := s.stores.Importer.Schema(ctx)
	if err != nil {
		return fmt.Errorf("load schema: %w", err)
	}

	// At most one active mapping may target a given column. The
	// recommendation engine can propose ties; the confirmed set cannot
	// carry them.
	targets := make(map[string]string, len(mappings))
	for _, m := range mappings {
		if m.TargetColumn == "" {
			continue
		}
		if _, ok := sch.Column(m.TargetColumn); !ok {
			return fmt.Errorf("%w: %q", ErrUnknownColumn, m.TargetColumn)
		}
		if prev, ok := targets[m.TargetColumn]; ok {
			return fmt.Errorf("%w: %q claimed by %q and %q", ErrDuplicateTarget, m.TargetColumn, prev, m.SourceColumn)
		}
		targets[m.TargetColumn] = m.SourceColumn
	}

	count, err := s.stores.Sources.Count(ctx)
	if err != nil {
		return fmt.Errorf("count source rows: %w", err)
	}
	if count == 0 {
		return ErrNoSourceRows
	}

	rows := make([]Row, 0, count)
	for skip := 0; ; skip += s.pageSize {
		page, err := s.stores.Sources.List(ctx, skip, s.pageSize)
		if err != nil {
			return fmt.Errorf("list source rows at offset %d: %w", skip, err)
		}
		if len(page) == 0 {
			break
		}
		for _, src := range page {
			cells := make(map[string]CellValue, len(sch.Columns))
			for _, col := range sch.Columns {
				var value any
				if source, ok := targets[col.Key]; ok {
					value = src.RawFields[source]
				}
				cells[col.Key] = CellValue{Value: value}
			}
			rows = append(rows, Row{
				ID:          uuid.New().String(),
				SourceRowID: src.SourceRowID,
				Cells:       cells,
			})
		}
		if len(page) < s.pageSize {
			break
		}
	}

	if err := s.stores.Rows.Replace(ctx, rows); err != nil {
		return fmt.Errorf("replace mapped rows: %w", err)
	}
	if err := s.stores.Importer.SetMapping(ctx, mappings); err != nil {
		return fmt.Errorf("persist mapping: %w", err)
	}

	flags.IsMappingData = false
	flags.IsMappingConfirmed = true
	flags.IsValidatingData = true
	flags.HasZeroErrors = false
	if err := s.stores.Importer.SetFlags(ctx, flags); err != nil {
		return fmt.Errorf("update status flags: %w", err)
	}

	slog.Info("mapping confirmed", "rows", len(rows), "mapped_columns", len(targets))
	return nil
}

// AggregateStats recomputes the duplicate-value snapshot for every column
// carrying a unique rule. Invoked after mapping is (re)applied and on
// demand; never maintained incrementally.
func (s *Service) AggregateStats(ctx context.Context) (ColumnStats, error) {
	sch, err := s.stores.Importer.Schema(ctx)
	if err != nil {
		return nil, fmt.Errorf("load schema: %w", err)
	}
	return AggregateColumnStats(ctx, s.stores.Rows, sch.UniqueColumns(), s.pageSize)
}

// newValidator builds a validator bound to the confirmed mapping.
func (s *Service) newValidator(ctx context.Context, stats ColumnStats) (*Validator, []string, error) {
	sch, err := s.stores.Importer.Schema(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("load schema: %w", err)
	}
	mappings, err := s.stores.Importer.Mapping(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("load mapping: %w", err)
	}

	mapped := make(map[string]bool, len(mappings))
	for _, m := range mappings {
		if m.TargetColumn != "" {
			mapped[m.TargetColumn] = true
		}
	}

	// The columns this pass will validate; replace semantics clear stored
	// messages for exactly these.
	var validated []string
	for _, col := range sch.Columns {
		if len(col.Rules) > 0 && mapped[col.Key] {
			validated = append(validated, col.Key)
		}
	}

	v, err := NewValidator(sch, stats, mapped, s.defaultCountry)
	if err != nil {
		return nil, nil, err
	}
	return v, validated, nil
}

// ValidateAll validates every mapped row against the supplied statistics
// snapshot, persisting the replace set page by page, and returns the
// per-column error tally. Each page's result is self-contained, so an
// abandoned pass leaves no partial, inconsistent output.
func (s *Service) ValidateAll(ctx context.Context, stats ColumnStats) (ColumnErrorCounts, error) {
	flags, err := s.guardMutable(ctx)
	if err != nil {
		return nil, err
	}

	validator, validated, err := s.newValidator(ctx, stats)
	if err != nil {
		return nil, err
	}

	counts := make(ColumnErrorCounts)
	for skip := 0; ; skip += s.pageSize {
		page, err := s.stores.Rows.List(ctx, skip, s.pageSize)
		if err != nil {
			return nil, fmt.Errorf("list rows at offset %d: %w", skip, err)
		}
		if len(page) == 0 {
			break
		}

		results := validator.ValidateRows(page)
		counts.Merge(TallyMessages(results))

		byRow := make(map[string]map[string][]ValidationMessage, len(page))
		for _, r := range results {
			if byRow[r.RowID] == nil {
				byRow[r.RowID] = make(map[string][]ValidationMessage)
			}
			byRow[r.RowID][r.Column] = r.Messages
		}
		for _, row := range page {
			if err := s.stores.Rows.ReplaceMessages(ctx, row.ID, validated, byRow[row.ID]); err != nil {
				return nil, fmt.Errorf("store messages for row %s: %w", row.ID, err)
			}
		}

		if len(page) < s.pageSize {
			break
		}
	}

	flags.IsValidatingData = false
	flags.HasZeroErrors = counts.Zero()
	if err := s.stores.Importer.SetFlags(ctx, flags); err != nil {
		return nil, fmt.Errorf("update status flags: %w", err)
	}

	return counts, nil
}

// RevalidateCells is the narrow re-validation path after patch
// application: every row named in cells is re-validated against the
// supplied (possibly stale) statistics snapshot, its stored messages are
// replaced, and counts is updated incrementally per affected column.
func (s *Service) RevalidateCells(ctx context.Context, cells []ModifiedCell, stats ColumnStats, counts ColumnErrorCounts) error {
	flags, err := s.guardMutable(ctx)
	if err != nil {
		return err
	}

	validator, validated, err := s.newValidator(ctx, stats)
	if err != nil {
		return err
	}

	// The patch already cleared each patched cell's stored messages, so the
	// pre-patch baseline for those cells comes from the modified records.
	// First record wins when one cell was patched repeatedly in the batch.
	patched := make(map[string]map[string]bool, len(cells))
	for _, cell := range cells {
		if patched[cell.RowID] == nil {
			patched[cell.RowID] = make(map[string]bool)
		}
		if _, ok := patched[cell.RowID][cell.Column]; !ok {
			patched[cell.RowID][cell.Column] = cell.HadMessages
		}
	}

	seen := make(map[string]bool, len(cells))
	for _, cell := range cells {
		if seen[cell.RowID] {
			continue
		}
		seen[cell.RowID] = true

		row, err := s.stores.Rows.Get(ctx, cell.RowID)
		if err != nil {
			return fmt.Errorf("load row %s: %w", cell.RowID, err)
		}

		results := validator.ValidateRow(row)
		messages := make(map[string][]ValidationMessage, len(results))
		for _, r := range results {
			messages[r.Column] = r.Messages
		}

		for _, col := range validated {
			had := len(row.Cells[col].Messages) > 0
			if pre, ok := patched[row.ID][col]; ok {
				had = pre
			}
			_, has := messages[col]
			counts.Reconcile(col, had, has)
		}

		if err := s.stores.Rows.ReplaceMessages(ctx, row.ID, validated, messages); err != nil {
			return fmt.Errorf("store messages for row %s: %w", row.ID, err)
		}
	}

	flags.HasZeroErrors = counts.Zero()
	if err := s.stores.Importer.SetFlags(ctx, flags); err != nil {
		return fmt.Errorf("update status flags: %w", err)
	}
	return nil
}

// ApplyPatches applies operator edits under the given idempotency scope
// key and returns the cells actually modified. Duplicate deliveries are
// no-ops. The caller follows up with RevalidateCells.
func (s *Service) ApplyPatches(ctx context.Context, scopeKey string, patches []Patch) ([]ModifiedCell, error) {
	if _, err := s.guardMutable(ctx); err != nil {
		return nil, err
	}
	return s.patches.Apply(ctx, scopeKey, patches)
}

// AddEnumValue extends an extensible enum column's legal values. Applied
// before the patch that introduces the value, per the config-then-patch
// ordering requirement.
func (s *Service) AddEnumValue(ctx context.Context, columnKey, value string) error {
	if _, err := s.guardMutable(ctx); err != nil {
		return err
	}
	return s.patches.AddEnumValue(ctx, columnKey, value)
}

// ErrorCounts tallies the messages currently stored on the row set. Used
// to rebuild the gate tally without a full validation pass.
func (s *Service) ErrorCounts(ctx context.Context) (ColumnErrorCounts, error) {
	counts := make(ColumnErrorCounts)
	for skip := 0; ; skip += s.pageSize {
		page, err := s.stores.Rows.List(ctx, skip, s.pageSize)
		if err != nil {
			return nil, fmt.Errorf("list rows at offset %d: %w", skip, err)
		}
		if len(page) == 0 {
			break
		}
		for _, row := range page {
			for col, cell := range row.Cells {
				if len(cell.Messages) > 0 {
					counts[col]++
				}
			}
		}
		if len(page) < s.pageSize {
			break
		}
	}
	return counts, nil
}

// Rows returns one page of mapped rows in stable order.
func (s *Service) Rows(ctx context.Context, skip, limit int) ([]Row, error) {
	if limit <= 0 || limit > s.pageSize {
		limit = s.pageSize
	}
	return s.stores.Rows.List(ctx, skip, limit)
}

// StartImport moves the importer into the importing stage. Permitted only
// from the validate stage with a clean error tally.
func (s *Service) StartImport(ctx context.Context) error {
	flags, err := s.guardMutable(ctx)
	if err != nil {
		return err
	}

	current := DeriveState(flags)
	if err := Transition(current, StateImporting); err != nil {
		return err
	}
	if !flags.HasZeroErrors {
		return fmt.Errorf("%w: %s -> %s with outstanding validation errors", ErrIllegalTransition, current, StateImporting)
	}

	flags.HasStartedImport = true
	if err := s.stores.Importer.SetFlags(ctx, flags); err != nil {
		return fmt.Errorf("update status flags: %w", err)
	}
	slog.Info("import started")
	return nil
}

// Close marks the importer closed. Closed is terminal: every later
// mutation fails with ErrImporterClosed until an explicit Reset.
func (s *Service) Close(ctx context.Context) error {
	flags, err := s.guardMutable(ctx)
	if err != nil {
		return err
	}

	if err := Transition(DeriveState(flags), StateClosed); err != nil {
		return err
	}

	flags.IsClosed = true
	if err := s.stores.Importer.SetFlags(ctx, flags); err != nil {
		return fmt.Errorf("update status flags: %w", err)
	}
	slog.Info("importer closed")
	return nil
}

// Reset wipes the importer back to its initial stage: all source rows,
// mapped rows, and the confirmed mapping are dropped and the flags return
// to waiting-for-file. This is the only way out of the closed state.
func (s *Service) Reset(ctx context.Context) error {
	if err := s.stores.Sources.Replace(ctx, nil, nil); err != nil {
		return fmt.Errorf("clear source rows: %w", err)
	}
	if err := s.stores.Rows.Replace(ctx, nil); err != nil {
		return fmt.Errorf("clear mapped rows: %w", err)
	}
	if err := s.stores.Importer.SetMapping(ctx, nil); err != nil {
		return fmt.Errorf("clear mapping: %w", err)
	}
	if err := s.stores.Importer.SetFlags(ctx, StatusFlags{IsWaitingForFile: true}); err != nil {
		return fmt.Errorf("reset status flags: %w", err)
	}
	slog.Info("importer reset")
	return nil
}

// Schema returns the configured target schema.
func (s *Service) Schema(ctx context.Context) (schema.Schema, error) {
	return s.stores.Importer.Schema(ctx)
}

// ReplaceSchema swaps the target schema after validating its
// configuration. Schema problems are fatal and rejected here.
func (s *Service) ReplaceSchema(ctx context.Context, sch schema.Schema) error {
	if _, err := s.guardMutable(ctx); err != nil {
		return err
	}
	if err := sch.Validate(); err != nil {
		return err
	}
	return s.stores.Importer.ReplaceSchema(ctx, sch)
}
