package core

// aggregate.go rolls validation output up into the per-column error counts
// that gate progression to the importing stage.

// ColumnErrorCounts maps a column key to the number of cells currently
// failing at least one rule on that column.
type ColumnErrorCounts map[string]int

// TallyMessages counts one error per (row, column) entry in a validation
// replace set. Entries always carry at least one message, so every entry
// is one failing cell.
func TallyMessages(results []RowMessages) ColumnErrorCounts {
	counts := make(ColumnErrorCounts)
	for _, r := range results {
		counts[r.Column]++
	}
	return counts
}

// Merge adds another tally into this one. Used to accumulate page results
// during a bulk pass.
func (c ColumnErrorCounts) Merge(other ColumnErrorCounts) {
	for col, n := range other {
		c[col] += n
	}
}

// Reconcile updates the tally for one cell after narrow re-validation:
// hadErrors is whether the cell carried messages before the pass, hasErrors
// whether it does now.
func (c ColumnErrorCounts) Reconcile(column string, hadErrors, hasErrors bool) {
	switch {
	case hadErrors && !hasErrors:
		if c[column] > 0 {
			c[column]--
		}
		if c[column] == 0 {
			delete(c, column)
		}
	case !hadErrors && hasErrors:
		c[column]++
	}
}

// Total returns the number of failing cells across all columns.
func (c ColumnErrorCounts) Total() int {
	total := 0
	for _, n := range c {
		total += n
	}
	return total
}

// Zero reports whether no cell currently fails validation. This is the
// gate for the importing transition.
func (c ColumnErrorCounts) Zero() bool {
	return c.Total() == 0
}
