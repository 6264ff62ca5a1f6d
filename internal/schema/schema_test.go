package schema

import (
	"strings"
	"testing"
)

func TestSchemaValidate(t *testing.T) {
	tests := []struct {
		name    string
		schema  Schema
		wantErr string // substring of the expected error, empty for valid
	}{
		{
			name: "valid schema",
			schema: Schema{Columns: []Column{
				{Key: "name", Label: "Name", Type: TypeText, Rules: []Rule{{Type: RuleRequired}, {Type: RuleUnique}}},
				{Key: "email", Label: "Email", Type: TypeText, Rules: []Rule{{Type: RuleEmail}}},
				{Key: "zip", Type: TypeText, Rules: []Rule{{Type: RuleRegex, Regex: `^[0-9]{5}$`}}},
			}},
		},
		{
			name: "regex missing pattern",
			schema: Schema{Columns: []Column{
				{Key: "zip", Type: TypeText, Rules: []Rule{{Type: RuleRegex}}},
			}},
			wantErr: "missing its pattern",
		},
		{
			name: "unparseable regex",
			schema: Schema{Columns: []Column{
				{Key: "zip", Type: TypeText, Rules: []Rule{{Type: RuleRegex, Regex: "["}}},
			}},
			wantErr: "invalid regex pattern",
		},
		{
			name: "unknown validation type",
			schema: Schema{Columns: []Column{
				{Key: "a", Type: TypeText, Rules: []Rule{{Type: RuleType("checksum")}}},
			}},
			wantErr: "unknown validation type",
		},
		{
			name: "unknown column type",
			schema: Schema{Columns: []Column{
				{Key: "a", Type: ColumnType("boolean")},
			}},
			wantErr: "unknown type",
		},
		{
			name: "duplicate column key",
			schema: Schema{Columns: []Column{
				{Key: "a", Type: TypeText},
				{Key: "a", Type: TypeText},
			}},
			wantErr: "duplicate column key",
		},
		{
			name: "enum without values",
			schema: Schema{Columns: []Column{
				{Key: "role", Type: TypeText, Rules: []Rule{{Type: RuleEnum}}},
			}},
			wantErr: "enum validation has no values",
		},
		{
			name: "extensible enum without values is allowed",
			schema: Schema{Columns: []Column{
				{Key: "role", Type: TypeText, Rules: []Rule{{Type: RuleEnum, CanAddNewValues: true}}},
			}},
		},
		{
			name: "multi-value without delimiter",
			schema: Schema{Columns: []Column{
				{Key: "tags", Type: TypeText, MultipleValues: &MultiValue{}},
			}},
			wantErr: "requires a delimiter",
		},
		{
			name: "bad phone country",
			schema: Schema{Columns: []Column{
				{Key: "phone", Type: TypeText, Rules: []Rule{{Type: RulePhone, DefaultCountry: "USA"}}},
			}},
			wantErr: "two-letter region code",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.schema.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing %q, got nil", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestUniqueColumns(t *testing.T) {
	s := Schema{Columns: []Column{
		{Key: "name", Type: TypeText, Rules: []Rule{{Type: RuleUnique}}},
		{Key: "age", Type: TypeNumber},
		{Key: "email", Type: TypeText, Rules: []Rule{{Type: RuleRequired}, {Type: RuleUnique}}},
	}}

	got := s.UniqueColumns()
	want := []string{"name", "email"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got %v, want %v", got, want)
			break
		}
	}
}

func TestColumnLookup(t *testing.T) {
	s := Schema{Columns: []Column{
		{Key: "name", Type: TypeText},
		{Key: "age", Type: TypeNumber},
	}}

	if c, ok := s.Column("age"); !ok || c.Type != TypeNumber {
		t.Errorf("Column(age) = %+v, %v", c, ok)
	}
	if _, ok := s.Column("missing"); ok {
		t.Error("Column(missing) should not be found")
	}

	keys := s.Keys()
	if len(keys) != 2 || keys[0] != "name" || keys[1] != "age" {
		t.Errorf("Keys() = %v", keys)
	}
}
