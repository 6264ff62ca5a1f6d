package core

import "testing"

func TestDeriveState(t *testing.T) {
	tests := []struct {
		name  string
		flags StatusFlags
		want  State
	}{
		{
			name:  "waiting for file",
			flags: StatusFlags{IsWaitingForFile: true},
			want:  StateSelectFile,
		},
		{
			name:  "processing source file",
			flags: StatusFlags{IsProcessingSourceFile: true},
			want:  StateSelectFile,
		},
		{
			name:  "mapping in progress",
			flags: StatusFlags{IsMappingData: true},
			want:  StateMapping,
		},
		{
			name:  "mapping not yet confirmed",
			flags: StatusFlags{},
			want:  StateMapping,
		},
		{
			name:  "validating",
			flags: StatusFlags{IsMappingConfirmed: true, IsValidatingData: true},
			want:  StateValidate,
		},
		{
			name:  "validation settled",
			flags: StatusFlags{IsMappingConfirmed: true, HasZeroErrors: true},
			want:  StateValidate,
		},
		{
			name:  "import started",
			flags: StatusFlags{IsMappingConfirmed: true, HasZeroErrors: true, HasStartedImport: true},
			want:  StateImporting,
		},
		{
			name:  "closed wins over everything",
			flags: StatusFlags{IsClosed: true, IsWaitingForFile: true, HasStartedImport: true, IsMappingData: true},
			want:  StateClosed,
		},
		{
			name:  "closed alone",
			flags: StatusFlags{IsClosed: true},
			want:  StateClosed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DeriveState(tt.flags); got != tt.want {
				t.Errorf("DeriveState(%+v) = %q, want %q", tt.flags, got, tt.want)
			}
		})
	}
}

func TestDeriveStatePanicsOnImpossibleFlags(t *testing.T) {
	tests := []struct {
		name  string
		flags StatusFlags
	}{
		{
			name:  "import started with outstanding errors",
			flags: StatusFlags{IsMappingConfirmed: true, HasStartedImport: true},
		},
		{
			name:  "import started while processing file",
			flags: StatusFlags{IsProcessingSourceFile: true, HasStartedImport: true, HasZeroErrors: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Errorf("DeriveState(%+v) should panic", tt.flags)
				}
			}()
			DeriveState(tt.flags)
		})
	}
}

func TestTransitions(t *testing.T) {
	tests := []struct {
		from, to State
		legal    bool
	}{
		{StateSelectFile, StateMapping, true},
		{StateMapping, StateValidate, true},
		{StateMapping, StateSelectFile, true},
		{StateValidate, StateMapping, true},
		{StateValidate, StateImporting, true},
		{StateImporting, StateClosed, true},
		{StateSelectFile, StateImporting, false},
		{StateMapping, StateImporting, false},
		{StateClosed, StateValidate, false},
		{StateClosed, StateSelectFile, false},
		{StateImporting, StateMapping, false},
		// Re-entry is always legal for retried steps.
		{StateValidate, StateValidate, true},
		{StateClosed, StateClosed, true},
	}

	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.legal {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.legal)
		}
	}

	if err := Transition(StateClosed, StateMapping); err == nil {
		t.Error("Transition out of closed should fail")
	}
}
