// Package schema describes the target shape an uploaded file is reconciled
// against: the configured columns, their validation rules, and multi-value
// cell support. It is pure data plus configuration checks; row-level
// validation lives in the core package.
package schema

import (
	"fmt"
	"regexp"
	"strings"
)

// ColumnType is the declared data type of a target column.
type ColumnType string

const (
	TypeText   ColumnType = "text"
	TypeNumber ColumnType = "number"
	TypeDate   ColumnType = "date"
)

// RuleType identifies one kind of per-column validation.
type RuleType string

const (
	RuleRequired RuleType = "required"
	RuleUnique   RuleType = "unique"
	RuleRegex    RuleType = "regex"
	RulePhone    RuleType = "phone"
	RuleEmail    RuleType = "email"
	RuleEnum     RuleType = "enum"
)

// Rule is one validation attached to a column. It is a tagged union over
// RuleType: only the fields relevant to the type are set. Rules on a column
// are ordered and all apply independently.
type Rule struct {
	Type RuleType `json:"type"`

	// Regex is the pattern for RuleRegex. The value must fully match.
	Regex string `json:"regex,omitempty"`

	// DefaultCountry is the ISO 3166-1 alpha-2 region used by RulePhone when
	// the value carries no country prefix. Empty falls back to the engine's
	// configured default.
	DefaultCountry string `json:"defaultCountry,omitempty"`

	// Values is the legal value list for RuleEnum.
	Values []string `json:"values,omitempty"`

	// CanAddNewValues permits operators to extend Values at runtime through
	// the patch configuration side-channel.
	CanAddNewValues bool `json:"canAddNewValues,omitempty"`
}

// MultiValue enables delimiter-separated multi-value cells on a column.
type MultiValue struct {
	Delimiter string `json:"delimiter"`
}

// Column is the configuration of a single target column.
type Column struct {
	// Key is the stable target identifier rows are projected onto.
	Key string `json:"key"`

	// Label is the operator-facing display name.
	Label string `json:"label"`

	// KeyAlternatives are acceptable source-name synonyms, in preference order.
	KeyAlternatives []string `json:"keyAlternatives,omitempty"`

	Type ColumnType `json:"type"`

	// Rules apply in declaration order and do not short-circuit.
	Rules []Rule `json:"validations,omitempty"`

	// MultipleValues, when set, splits cells on the delimiter before running
	// per-part validators.
	MultipleValues *MultiValue `json:"multipleValues,omitempty"`
}

// Schema is the ordered list of configured target columns.
type Schema struct {
	Columns []Column `json:"columns"`
}

// Column returns the configured column with the given key.
func (s Schema) Column(key string) (Column, bool) {
	for _, c := range s.Columns {
		if c.Key == key {
			return c, true
		}
	}
	return Column{}, false
}

// Keys returns all column keys in declaration order.
func (s Schema) Keys() []string {
	keys := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		keys[i] = c.Key
	}
	return keys
}

// UniqueColumns returns the keys of columns carrying a unique rule, in
// declaration order. These are the columns the statistics aggregator scans.
func (s Schema) UniqueColumns() []string {
	var keys []string
	for _, c := range s.Columns {
		for _, r := range c.Rules {
			if r.Type == RuleUnique {
				keys = append(keys, c.Key)
				break
			}
		}
	}
	return keys
}

// HasRule reports whether the column carries a rule of the given type.
func (c Column) HasRule(t RuleType) bool {
	for _, r := range c.Rules {
		if r.Type == t {
			return true
		}
	}
	return false
}

// Validate checks the schema configuration itself. A failure here is a
// malformed schema and is fatal: it must never be skipped or downgraded to
// a per-row message.
func (s Schema) Validate() error {
	var errs []string

	seen := make(map[string]bool, len(s.Columns))
	for _, c := range s.Columns {
		if c.Key == "" {
			errs = append(errs, "column with empty key")
			continue
		}
		if seen[c.Key] {
			errs = append(errs, fmt.Sprintf("duplicate column key %q", c.Key))
		}
		seen[c.Key] = true

		switch c.Type {
		case TypeText, TypeNumber, TypeDate:
		default:
			errs = append(errs, fmt.Sprintf("column %q: unknown type %q", c.Key, c.Type))
		}

		if c.MultipleValues != nil && c.MultipleValues.Delimiter == "" {
			errs = append(errs, fmt.Sprintf("column %q: multipleValues requires a delimiter", c.Key))
		}

		for i, r := range c.Rules {
			if err := r.validate(); err != nil {
				errs = append(errs, fmt.Sprintf("column %q: validation %d: %v", c.Key, i, err))
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid schema:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// validate checks a single rule's configuration.
func (r Rule) validate() error {
	switch r.Type {
	case RuleRequired, RuleUnique, RuleEmail:
		return nil
	case RulePhone:
		if r.DefaultCountry != "" && len(r.DefaultCountry) != 2 {
			return fmt.Errorf("defaultCountry %q is not a two-letter region code", r.DefaultCountry)
		}
		return nil
	case RuleRegex:
		if r.Regex == "" {
			return fmt.Errorf("regex validation is missing its pattern")
		}
		if _, err := regexp.Compile(r.Regex); err != nil {
			return fmt.Errorf("invalid regex pattern %q: %w", r.Regex, err)
		}
		return nil
	case RuleEnum:
		if len(r.Values) == 0 && !r.CanAddNewValues {
			return fmt.Errorf("enum validation has no values and cannot accept new ones")
		}
		return nil
	default:
		return fmt.Errorf("unknown validation type %q", r.Type)
	}
}
