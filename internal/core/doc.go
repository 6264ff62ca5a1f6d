// Package core implements the import reconciliation engine: column-mapping
// recommendations, rule-based cell validation, duplicate-value statistics,
// idempotent patch application, and the importer lifecycle state machine.
//
// The package has no transport or storage dependencies. Storage is consumed
// through the narrow interfaces in store.go, and every operation is a
// synchronous, re-entrant function over explicit snapshots. Durability,
// retries, and at-least-once delivery are the caller's concern; the engine
// guarantees the operations stay correct when invoked repeatedly with the
// same inputs.
//
// Data flow through one importer:
//
//	ingested source rows -> mapping recommendation -> confirmed mapping
//	-> projected rows -> column statistics -> validation -> error counts
//	-> operator patches -> narrow re-validation -> import gate
package core
