package core

import "errors"

// Sentinel errors for the engine's failure taxonomy. Configuration problems
// are fatal and surface immediately; duplicate patch delivery and stale
// uniqueness snapshots are documented non-errors and never appear here.
var (
	// ErrImporterClosed rejects any mutating operation after the importer
	// reached the closed state. Recoverable only by an explicit Reset.
	ErrImporterClosed = errors.New("importer is closed")

	// ErrUnknownColumn reports a patch or mapping that names a column the
	// schema does not configure.
	ErrUnknownColumn = errors.New("unknown target column")

	// ErrUnknownRow reports a patch targeting a row that does not exist.
	ErrUnknownRow = errors.New("row not found")

	// ErrIllegalTransition reports a stage transition the lifecycle state
	// machine does not permit.
	ErrIllegalTransition = errors.New("illegal state transition")

	// ErrDuplicateTarget reports a mapping set that points two source
	// columns at the same target.
	ErrDuplicateTarget = errors.New("duplicate mapping target")

	// ErrNoSourceRows reports an operation that needs ingested data before
	// any file has been ingested.
	ErrNoSourceRows = errors.New("no source rows ingested")

	// ErrEnumNotExtensible reports an attempt to add a value to an enum
	// column that does not allow new values.
	ErrEnumNotExtensible = errors.New("enum column does not accept new values")
)
