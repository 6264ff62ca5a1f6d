package core

import "fmt"

// State is the derived pipeline stage of an importer. It is a pure function
// of StatusFlags and is never the primary stored value.
type State string

const (
	StateSelectFile State = "select-file"
	StateMapping    State = "mapping"
	StateValidate   State = "validate"
	StateImporting  State = "importing"
	StateClosed     State = "closed"
)

// DeriveState computes the current stage from status flags. Rules are
// evaluated in order; the first match wins. An impossible flag combination
// is a programmer error and panics rather than defaulting to a state.
// IsClosed always yields closed, whatever the other flags claim: a closed
// importer keeps whatever flags it died with.
func DeriveState(f StatusFlags) State {
	if f.IsClosed {
		return StateClosed
	}

	if err := f.check(); err != nil {
		panic(fmt.Sprintf("impossible importer flags: %v (%+v)", err, f))
	}

	switch {
	case f.HasStartedImport:
		return StateImporting
	case f.IsWaitingForFile || f.IsProcessingSourceFile:
		return StateSelectFile
	case f.IsMappingData || !f.IsMappingConfirmed:
		return StateMapping
	default:
		return StateValidate
	}
}

// check rejects flag combinations no legal sequence of operations produces.
// Closed flag sets are never checked; DeriveState short-circuits them first.
func (f StatusFlags) check() error {
	if f.HasStartedImport && !f.HasZeroErrors {
		return fmt.Errorf("import started with outstanding validation errors")
	}
	if f.HasStartedImport && (f.IsWaitingForFile || f.IsProcessingSourceFile) {
		return fmt.Errorf("import started while still processing the source file")
	}
	return nil
}

// transitions lists the legal stage edges. Closed is terminal; leaving it
// requires an explicit Reset, which is a wipe rather than a transition.
var transitions = map[State][]State{
	StateSelectFile: {StateMapping},
	StateMapping:    {StateSelectFile, StateValidate},
	StateValidate:   {StateSelectFile, StateMapping, StateImporting},
	StateImporting:  {StateClosed},
	StateClosed:     {},
}

// CanTransition reports whether moving from one stage to another is legal.
// Re-entering the current stage is always permitted so retried steps stay
// idempotent.
func CanTransition(from, to State) bool {
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition validates a stage change, returning ErrIllegalTransition with
// context when the edge is not permitted.
func Transition(from, to State) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	return nil
}

// ensureMutable rejects mutations on a closed importer.
func ensureMutable(f StatusFlags) error {
	if f.IsClosed {
		return ErrImporterClosed
	}
	return nil
}
