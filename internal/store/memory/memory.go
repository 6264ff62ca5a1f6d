// Package memory implements the engine's storage contracts in process
// memory. It backs tests and single-node deployments that do not need
// durability; the postgres package is the durable counterpart.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rowforge/importer/internal/core"
	"github.com/rowforge/importer/internal/schema"
)

// Store holds the full state of one importer aggregate behind a single
// mutex. All reads return copies so callers can never alias stored state.
type Store struct {
	mu sync.Mutex

	columns    []string
	sourceRows []core.SourceRow

	rows    []core.Row
	rowByID map[string]int

	schema   schema.Schema
	mappings []core.ColumnMapping
	flags    core.StatusFlags
}

// New creates a store with the given target schema and the importer in
// the waiting-for-file stage. The schema must already be validated.
func New(sch schema.Schema) *Store {
	return &Store{
		rowByID: make(map[string]int),
		schema:  sch,
		flags:   core.StatusFlags{IsWaitingForFile: true},
	}
}

// Stores bundles the store under the engine's contract set.
func (s *Store) Stores() core.Stores {
	return core.Stores{Sources: s, Rows: rowStore{s}, Importer: s}
}

// ---- SourceRowStore ----

func (s *Store) Replace(ctx context.Context, columns []string, rows []core.SourceRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.columns = append([]string(nil), columns...)
	s.sourceRows = make([]core.SourceRow, len(rows))
	for i, r := range rows {
		s.sourceRows[i] = cloneSourceRow(r)
	}
	return nil
}

func (s *Store) Columns(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.columns...), nil
}

func (s *Store) List(ctx context.Context, skip, limit int) ([]core.SourceRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lo, hi := pageBounds(skip, limit, len(s.sourceRows))
	page := make([]core.SourceRow, 0, hi-lo)
	for _, r := range s.sourceRows[lo:hi] {
		page = append(page, cloneSourceRow(r))
	}
	return page, nil
}

func (s *Store) Count(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sourceRows), nil
}

// ---- RowStore ----

// rowStore adapts the shared state to core.RowStore. Row listing shares
// the method name List with the source side, so the row contract hangs
// off a separate receiver view.
type rowStore struct{ *Store }

// RowStore returns the mapped-row view of the store.
func (s *Store) RowStore() core.RowStore { return rowStore{s} }

func (r rowStore) Replace(ctx context.Context, rows []core.Row) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.Store.rows = make([]core.Row, len(rows))
	r.rowByID = make(map[string]int, len(rows))
	for i, row := range rows {
		r.Store.rows[i] = cloneRow(row)
		r.rowByID[row.ID] = i
	}
	return nil
}

func (r rowStore) Get(ctx context.Context, id string) (core.Row, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	i, ok := r.rowByID[id]
	if !ok {
		return core.Row{}, fmt.Errorf("%w: %q", core.ErrUnknownRow, id)
	}
	return cloneRow(r.Store.rows[i]), nil
}

func (r rowStore) List(ctx context.Context, skip, limit int) ([]core.Row, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	lo, hi := pageBounds(skip, limit, len(r.Store.rows))
	page := make([]core.Row, 0, hi-lo)
	for _, row := range r.Store.rows[lo:hi] {
		page = append(page, cloneRow(row))
	}
	return page, nil
}

func (r rowStore) Count(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Store.rows), nil
}

func (r rowStore) ReplaceMessages(ctx context.Context, rowID string, validated []string, messages map[string][]core.ValidationMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	i, ok := r.rowByID[rowID]
	if !ok {
		return fmt.Errorf("%w: %q", core.ErrUnknownRow, rowID)
	}

	row := r.Store.rows[i]
	for _, col := range validated {
		cell, ok := row.Cells[col]
		if !ok {
			continue
		}
		cell.Messages = append([]core.ValidationMessage(nil), messages[col]...)
		if len(cell.Messages) == 0 {
			cell.Messages = nil
		}
		row.Cells[col] = cell
	}
	return nil
}

func (r rowStore) ApplyPatch(ctx context.Context, rowID, token, column string, value any, appliedAt time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	i, ok := r.rowByID[rowID]
	if !ok {
		return false, fmt.Errorf("%w: %q", core.ErrUnknownRow, rowID)
	}

	row := &r.Store.rows[i]
	if row.AppliedTokens[token] {
		return false, nil
	}

	old := row.Cells[column]
	row.Cells[column] = core.CellValue{Value: value}
	if row.AppliedTokens == nil {
		row.AppliedTokens = make(map[string]bool)
	}
	row.AppliedTokens[token] = true
	row.History = append(row.History, core.PatchRecord{
		Token:     token,
		Column:    column,
		OldValue:  old.Value,
		NewValue:  value,
		AppliedAt: appliedAt,
	})
	return true, nil
}

// ---- ImporterStore ----

func (s *Store) Schema(ctx context.Context) (schema.Schema, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneSchema(s.schema), nil
}

func (s *Store) ReplaceSchema(ctx context.Context, sch schema.Schema) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schema = cloneSchema(sch)
	return nil
}

func (s *Store) AddEnumValue(ctx context.Context, columnKey, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for ci, col := range s.schema.Columns {
		if col.Key != columnKey {
			continue
		}
		for ri, rule := range col.Rules {
			if rule.Type != schema.RuleEnum {
				continue
			}
			for _, v := range rule.Values {
				if v == value {
					return nil
				}
			}
			s.schema.Columns[ci].Rules[ri].Values = append(rule.Values, value)
			return nil
		}
	}
	return fmt.Errorf("%w: %q", core.ErrUnknownColumn, columnKey)
}

func (s *Store) Mapping(ctx context.Context) ([]core.ColumnMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]core.ColumnMapping(nil), s.mappings...), nil
}

func (s *Store) SetMapping(ctx context.Context, mappings []core.ColumnMapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mappings = append([]core.ColumnMapping(nil), mappings...)
	return nil
}

func (s *Store) Flags(ctx context.Context) (core.StatusFlags, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flags, nil
}

func (s *Store) SetFlags(ctx context.Context, flags core.StatusFlags) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flags = flags
	return nil
}

// ---- helpers ----

func pageBounds(skip, limit, total int) (int, int) {
	if skip < 0 {
		skip = 0
	}
	if skip > total {
		skip = total
	}
	end := total
	if limit > 0 && skip+limit < total {
		end = skip + limit
	}
	return skip, end
}

func cloneSourceRow(r core.SourceRow) core.SourceRow {
	fields := make(map[string]any, len(r.RawFields))
	for k, v := range r.RawFields {
		fields[k] = v
	}
	r.RawFields = fields
	return r
}

func cloneRow(r core.Row) core.Row {
	cells := make(map[string]core.CellValue, len(r.Cells))
	for k, cell := range r.Cells {
		cell.Messages = append([]core.ValidationMessage(nil), cell.Messages...)
		cells[k] = cell
	}
	r.Cells = cells

	if r.AppliedTokens != nil {
		tokens := make(map[string]bool, len(r.AppliedTokens))
		for k, v := range r.AppliedTokens {
			tokens[k] = v
		}
		r.AppliedTokens = tokens
	}
	r.History = append([]core.PatchRecord(nil), r.History...)
	return r
}

func cloneSchema(sch schema.Schema) schema.Schema {
	columns := make([]schema.Column, len(sch.Columns))
	for i, col := range sch.Columns {
		col.KeyAlternatives = append([]string(nil), col.KeyAlternatives...)
		rules := make([]schema.Rule, len(col.Rules))
		for j, rule := range col.Rules {
			rule.Values = append([]string(nil), rule.Values...)
			rules[j] = rule
		}
		col.Rules = rules
		columns[i] = col
	}
	sch.Columns = columns
	return sch
}
