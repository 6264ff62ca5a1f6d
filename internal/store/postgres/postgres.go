// Package postgres implements the engine's storage contracts on
// PostgreSQL via pgx. Row documents are stored as jsonb; the patch
// idempotency check runs as a single conditional UPDATE so concurrent
// appliers cannot double-apply a token.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rowforge/importer/internal/core"
	"github.com/rowforge/importer/internal/schema"
)

// DB holds the connection pool and the importer aggregate all queries
// are scoped to.
type DB struct {
	pool       *pgxpool.Pool
	importerID string
}

// New creates a store over the given pool, scoped to one importer.
func New(pool *pgxpool.Pool, importerID string) *DB {
	return &DB{pool: pool, importerID: importerID}
}

// Stores bundles the store under the engine's contract set.
func (d *DB) Stores() core.Stores {
	return core.Stores{
		Sources:  sourceStore{d},
		Rows:     rowStore{d},
		Importer: importerStore{d},
	}
}

// Migrate creates the tables if they do not exist.
func (d *DB) Migrate(ctx context.Context) error {
	_, err := d.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS importers (
    id             uuid PRIMARY KEY,
    schema         jsonb NOT NULL,
    mapping        jsonb NOT NULL DEFAULT '[]',
    flags          jsonb NOT NULL DEFAULT '{"isWaitingForFile": true}',
    source_columns jsonb NOT NULL DEFAULT '[]',
    updated_at     timestamptz NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS source_rows (
    id            uuid PRIMARY KEY,
    importer_id   uuid NOT NULL REFERENCES importers(id) ON DELETE CASCADE,
    source_row_id integer NOT NULL,
    raw_fields    jsonb NOT NULL,
    UNIQUE (importer_id, source_row_id)
);

CREATE TABLE IF NOT EXISTS import_rows (
    id             uuid PRIMARY KEY,
    importer_id    uuid NOT NULL REFERENCES importers(id) ON DELETE CASCADE,
    source_row_id  integer NOT NULL,
    cells          jsonb NOT NULL,
    applied_tokens jsonb NOT NULL DEFAULT '{}',
    history        jsonb NOT NULL DEFAULT '[]',
    UNIQUE (importer_id, source_row_id)
);

CREATE INDEX IF NOT EXISTS idx_source_rows_order ON source_rows (importer_id, source_row_id);
CREATE INDEX IF NOT EXISTS idx_import_rows_order ON import_rows (importer_id, source_row_id);
`)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Ensure inserts the importer row with the given schema if it does not
// exist yet. An existing importer keeps its stored schema and state.
func (d *DB) Ensure(ctx context.Context, sch schema.Schema) error {
	raw, err := json.Marshal(sch)
	if err != nil {
		return fmt.Errorf("marshal schema: %w", err)
	}
	_, err = d.pool.Exec(ctx, `
INSERT INTO importers (id, schema) VALUES ($1, $2)
ON CONFLICT (id) DO NOTHING`, d.importerID, raw)
	if err != nil {
		return fmt.Errorf("ensure importer %s: %w", d.importerID, err)
	}
	return nil
}

// ---- SourceRowStore ----

type sourceStore struct{ *DB }

func (s sourceStore) Replace(ctx context.Context, columns []string, rows []core.SourceRow) error {
	rawColumns, err := json.Marshal(orEmpty(columns))
	if err != nil {
		return fmt.Errorf("marshal columns: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM source_rows WHERE importer_id = $1`, s.importerID); err != nil {
		return fmt.Errorf("clear source rows: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE importers SET source_columns = $2, updated_at = now() WHERE id = $1`,
		s.importerID, rawColumns); err != nil {
		return fmt.Errorf("store source columns: %w", err)
	}

	batch := &pgx.Batch{}
	for _, row := range rows {
		fields, err := json.Marshal(row.RawFields)
		if err != nil {
			return fmt.Errorf("marshal row %d: %w", row.SourceRowID, err)
		}
		batch.Queue(`INSERT INTO source_rows (id, importer_id, source_row_id, raw_fields) VALUES ($1, $2, $3, $4)`,
			row.ID, s.importerID, row.SourceRowID, fields)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert source rows: %w", err)
	}

	return tx.Commit(ctx)
}

func (s sourceStore) Columns(ctx context.Context) ([]string, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT source_columns FROM importers WHERE id = $1`, s.importerID).Scan(&raw)
	if err != nil {
		return nil, fmt.Errorf("load source columns: %w", err)
	}
	var columns []string
	if err := json.Unmarshal(raw, &columns); err != nil {
		return nil, fmt.Errorf("decode source columns: %w", err)
	}
	return columns, nil
}

func (s sourceStore) List(ctx context.Context, skip, limit int) ([]core.SourceRow, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, source_row_id, raw_fields
FROM source_rows
WHERE importer_id = $1
ORDER BY source_row_id
LIMIT $2 OFFSET $3`, s.importerID, pageLimit(limit), skip)
	if err != nil {
		return nil, fmt.Errorf("list source rows: %w", err)
	}
	defer rows.Close()

	var out []core.SourceRow
	for rows.Next() {
		var (
			row core.SourceRow
			raw []byte
		)
		if err := rows.Scan(&row.ID, &row.SourceRowID, &raw); err != nil {
			return nil, fmt.Errorf("scan source row: %w", err)
		}
		if err := json.Unmarshal(raw, &row.RawFields); err != nil {
			return nil, fmt.Errorf("decode source row %s: %w", row.ID, err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s sourceStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM source_rows WHERE importer_id = $1`, s.importerID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count source rows: %w", err)
	}
	return n, nil
}

// ---- RowStore ----

type rowStore struct{ *DB }

func (r rowStore) Replace(ctx context.Context, rows []core.Row) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM import_rows WHERE importer_id = $1`, r.importerID); err != nil {
		return fmt.Errorf("clear rows: %w", err)
	}

	batch := &pgx.Batch{}
	for _, row := range rows {
		cells, err := json.Marshal(row.Cells)
		if err != nil {
			return fmt.Errorf("marshal cells for row %s: %w", row.ID, err)
		}
		batch.Queue(`INSERT INTO import_rows (id, importer_id, source_row_id, cells) VALUES ($1, $2, $3, $4)`,
			row.ID, r.importerID, row.SourceRowID, cells)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert rows: %w", err)
	}

	return tx.Commit(ctx)
}

func (r rowStore) Get(ctx context.Context, id string) (core.Row, error) {
	row, err := scanRow(r.pool.QueryRow(ctx, `
SELECT id, source_row_id, cells, applied_tokens, history
FROM import_rows
WHERE importer_id = $1 AND id = $2`, r.importerID, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return core.Row{}, fmt.Errorf("%w: %q", core.ErrUnknownRow, id)
	}
	return row, err
}

func (r rowStore) List(ctx context.Context, skip, limit int) ([]core.Row, error) {
	rows, err := r.pool.Query(ctx, `
SELECT id, source_row_id, cells, applied_tokens, history
FROM import_rows
WHERE importer_id = $1
ORDER BY source_row_id
LIMIT $2 OFFSET $3`, r.importerID, pageLimit(limit), skip)
	if err != nil {
		return nil, fmt.Errorf("list rows: %w", err)
	}
	defer rows.Close()

	var out []core.Row
	for rows.Next() {
		row, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (r rowStore) Count(ctx context.Context) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `SELECT count(*) FROM import_rows WHERE importer_id = $1`, r.importerID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count rows: %w", err)
	}
	return n, nil
}

func (r rowStore) ReplaceMessages(ctx context.Context, rowID string, validated []string, messages map[string][]core.ValidationMessage) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var raw []byte
	err = tx.QueryRow(ctx, `
SELECT cells FROM import_rows
WHERE importer_id = $1 AND id = $2
FOR UPDATE`, r.importerID, rowID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %q", core.ErrUnknownRow, rowID)
	}
	if err != nil {
		return fmt.Errorf("lock row %s: %w", rowID, err)
	}

	var cells map[string]core.CellValue
	if err := json.Unmarshal(raw, &cells); err != nil {
		return fmt.Errorf("decode cells for row %s: %w", rowID, err)
	}

	for _, col := range validated {
		cell, ok := cells[col]
		if !ok {
			continue
		}
		cell.Messages = messages[col]
		cells[col] = cell
	}

	updated, err := json.Marshal(cells)
	if err != nil {
		return fmt.Errorf("marshal cells for row %s: %w", rowID, err)
	}
	if _, err := tx.Exec(ctx, `UPDATE import_rows SET cells = $3 WHERE importer_id = $1 AND id = $2`,
		r.importerID, rowID, updated); err != nil {
		return fmt.Errorf("store cells for row %s: %w", rowID, err)
	}

	return tx.Commit(ctx)
}

func (r rowStore) ApplyPatch(ctx context.Context, rowID, token, column string, value any, appliedAt time.Time) (bool, error) {
	rawValue, err := json.Marshal(value)
	if err != nil {
		return false, fmt.Errorf("marshal patch value: %w", err)
	}

	// One conditional update: the token check, cell overwrite, message
	// clear, history append, and token record happen atomically.
	tag, err := r.pool.Exec(ctx, `
UPDATE import_rows SET
    cells = jsonb_set(cells, ARRAY[$4], jsonb_build_object('value', $5::jsonb)),
    applied_tokens = applied_tokens || jsonb_build_object($3::text, true),
    history = history || jsonb_build_object(
        'token',     $3::text,
        'column',    $4::text,
        'oldValue',  cells -> $4 -> 'value',
        'newValue',  $5::jsonb,
        'appliedAt', to_jsonb($6::timestamptz)
    )
WHERE importer_id = $1 AND id = $2 AND NOT (applied_tokens ? $3)`,
		r.importerID, rowID, token, column, rawValue, appliedAt)
	if err != nil {
		return false, fmt.Errorf("apply patch to row %s: %w", rowID, err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	// Nothing updated: either the token was already applied or the row
	// does not exist.
	var exists bool
	err = r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM import_rows WHERE importer_id = $1 AND id = $2)`,
		r.importerID, rowID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check row %s: %w", rowID, err)
	}
	if !exists {
		return false, fmt.Errorf("%w: %q", core.ErrUnknownRow, rowID)
	}
	return false, nil
}

// ---- ImporterStore ----

type importerStore struct{ *DB }

func (s importerStore) Schema(ctx context.Context) (schema.Schema, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT schema FROM importers WHERE id = $1`, s.importerID).Scan(&raw)
	if err != nil {
		return schema.Schema{}, fmt.Errorf("load schema: %w", err)
	}
	var sch schema.Schema
	if err := json.Unmarshal(raw, &sch); err != nil {
		return schema.Schema{}, fmt.Errorf("decode schema: %w", err)
	}
	return sch, nil
}

func (s importerStore) ReplaceSchema(ctx context.Context, sch schema.Schema) error {
	raw, err := json.Marshal(sch)
	if err != nil {
		return fmt.Errorf("marshal schema: %w", err)
	}
	_, err = s.pool.Exec(ctx, `UPDATE importers SET schema = $2, updated_at = now() WHERE id = $1`, s.importerID, raw)
	if err != nil {
		return fmt.Errorf("store schema: %w", err)
	}
	return nil
}

func (s importerStore) AddEnumValue(ctx context.Context, columnKey, value string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var raw []byte
	if err := tx.QueryRow(ctx, `SELECT schema FROM importers WHERE id = $1 FOR UPDATE`, s.importerID).Scan(&raw); err != nil {
		return fmt.Errorf("lock importer: %w", err)
	}

	var sch schema.Schema
	if err := json.Unmarshal(raw, &sch); err != nil {
		return fmt.Errorf("decode schema: %w", err)
	}

	extended := false
	for ci, col := range sch.Columns {
		if col.Key != columnKey {
			continue
		}
		for ri, rule := range col.Rules {
			if rule.Type != schema.RuleEnum {
				continue
			}
			for _, v := range rule.Values {
				if v == value {
					return tx.Commit(ctx)
				}
			}
			sch.Columns[ci].Rules[ri].Values = append(rule.Values, value)
			extended = true
		}
		break
	}
	if !extended {
		return fmt.Errorf("%w: %q", core.ErrUnknownColumn, columnKey)
	}

	updated, err := json.Marshal(sch)
	if err != nil {
		return fmt.Errorf("marshal schema: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE importers SET schema = $2, updated_at = now() WHERE id = $1`, s.importerID, updated); err != nil {
		return fmt.Errorf("store schema: %w", err)
	}

	return tx.Commit(ctx)
}

func (s importerStore) Mapping(ctx context.Context) ([]core.ColumnMapping, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT mapping FROM importers WHERE id = $1`, s.importerID).Scan(&raw)
	if err != nil {
		return nil, fmt.Errorf("load mapping: %w", err)
	}
	var mappings []core.ColumnMapping
	if err := json.Unmarshal(raw, &mappings); err != nil {
		return nil, fmt.Errorf("decode mapping: %w", err)
	}
	return mappings, nil
}

func (s importerStore) SetMapping(ctx context.Context, mappings []core.ColumnMapping) error {
	raw, err := json.Marshal(orEmptyMappings(mappings))
	if err != nil {
		return fmt.Errorf("marshal mapping: %w", err)
	}
	_, err = s.pool.Exec(ctx, `UPDATE importers SET mapping = $2, updated_at = now() WHERE id = $1`, s.importerID, raw)
	if err != nil {
		return fmt.Errorf("store mapping: %w", err)
	}
	return nil
}

func (s importerStore) Flags(ctx context.Context) (core.StatusFlags, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT flags FROM importers WHERE id = $1`, s.importerID).Scan(&raw)
	if err != nil {
		return core.StatusFlags{}, fmt.Errorf("load flags: %w", err)
	}
	var flags core.StatusFlags
	if err := json.Unmarshal(raw, &flags); err != nil {
		return core.StatusFlags{}, fmt.Errorf("decode flags: %w", err)
	}
	return flags, nil
}

func (s importerStore) SetFlags(ctx context.Context, flags core.StatusFlags) error {
	raw, err := json.Marshal(flags)
	if err != nil {
		return fmt.Errorf("marshal flags: %w", err)
	}
	_, err = s.pool.Exec(ctx, `UPDATE importers SET flags = $2, updated_at = now() WHERE id = $1`, s.importerID, raw)
	if err != nil {
		return fmt.Errorf("store flags: %w", err)
	}
	return nil
}

// ---- helpers ----

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRow(sc rowScanner) (core.Row, error) {
	var (
		row                   core.Row
		cells, tokens, events []byte
	)
	if err := sc.Scan(&row.ID, &row.SourceRowID, &cells, &tokens, &events); err != nil {
		return core.Row{}, err
	}
	if err := json.Unmarshal(cells, &row.Cells); err != nil {
		return core.Row{}, fmt.Errorf("decode cells for row %s: %w", row.ID, err)
	}
	if err := json.Unmarshal(tokens, &row.AppliedTokens); err != nil {
		return core.Row{}, fmt.Errorf("decode tokens for row %s: %w", row.ID, err)
	}
	if err := json.Unmarshal(events, &row.History); err != nil {
		return core.Row{}, fmt.Errorf("decode history for row %s: %w", row.ID, err)
	}
	return row, nil
}

// pageLimit maps non-positive limits onto "no bound".
func pageLimit(limit int) int {
	if limit <= 0 {
		return 1<<31 - 1
	}
	return limit
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func orEmptyMappings(m []core.ColumnMapping) []core.ColumnMapping {
	if m == nil {
		return []core.ColumnMapping{}
	}
	return m
}
