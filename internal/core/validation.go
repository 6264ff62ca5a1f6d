package core

// validation.go implements the rule-based validation engine.
//
// Validators run in a fixed order per column: required -> unique -> phone
// -> email -> regex -> enum. The order is significant: message arrays must
// follow this sequence when a value fails several rules. Validators never
// short-circuit; a value accumulates a message from every rule it fails.
//
// Uniqueness is always evaluated against the supplied ColumnStats snapshot,
// never by scanning the batch. The snapshot may be stale relative to
// concurrent edits; callers needing fresh guarantees re-aggregate first.
//
// Output is a replace set: one entry per (row, column) with at least one
// message. Pairs with zero messages are omitted and the caller clears any
// previously stored messages for them.

import (
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/nyaruka/phonenumbers"
	"github.com/rowforge/importer/internal/schema"
)

// Validation message texts, keyed by the rule that produces them.
const (
	msgRequired = "Value is required"
	msgUnique   = "Value must be unique"
	msgPhone    = "Invalid phone number"
	msgEmail    = "Invalid email address"
	msgRegex    = "Value does not match the required format"
	msgEnum     = "Value is not an allowed option"
)

// validatorOrder fixes the sequence rules are evaluated in for a column.
var validatorOrder = []schema.RuleType{
	schema.RuleRequired,
	schema.RuleUnique,
	schema.RulePhone,
	schema.RuleEmail,
	schema.RuleRegex,
	schema.RuleEnum,
}

// emailPattern is a permissive RFC-5322-style check, anchored to the full
// value.
var emailPattern = regexp.MustCompile("^[a-zA-Z0-9.!#$%&'*+/=?^_`{|}~-]+@[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?(?:\\.[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?)+$")

// Validator validates mapped rows against the schema and a column
// statistics snapshot. It never mutates the snapshot and is safe for
// concurrent use once constructed.
type Validator struct {
	sch            schema.Schema
	stats          ColumnStats
	mapped         map[string]bool // nil means every column is mapped
	defaultCountry string
	regexes        map[string]*regexp.Regexp
}

// NewValidator builds a validator. Schema configuration problems (missing
// regex pattern, unknown rule type) are fatal and surface here, before any
// row is touched. mapped is the set of target columns with a confirmed
// mapping; nil treats all columns as mapped. defaultCountry is the phone
// region used when a rule does not carry its own.
func NewValidator(sch schema.Schema, stats ColumnStats, mapped map[string]bool, defaultCountry string) (*Validator, error) {
	if err := sch.Validate(); err != nil {
		return nil, err
	}
	if defaultCountry == "" {
		defaultCountry = "US"
	}

	regexes := make(map[string]*regexp.Regexp)
	for _, col := range sch.Columns {
		for _, rule := range col.Rules {
			if rule.Type != schema.RuleRegex {
				continue
			}
			// Anchor so the value must fully match the configured pattern.
			compiled, err := regexp.Compile("^(?:" + rule.Regex + ")$")
			if err != nil {
				return nil, fmt.Errorf("column %q: compile regex %q: %w", col.Key, rule.Regex, err)
			}
			regexes[col.Key+"\x00"+rule.Regex] = compiled
		}
	}

	return &Validator{
		sch:            sch,
		stats:          stats,
		mapped:         mapped,
		defaultCountry: defaultCountry,
		regexes:        regexes,
	}, nil
}

// ValidateRows validates a batch of rows and returns the replace set for
// every (row, column) with at least one message. The batch is one page of
// a larger pass; no cross-page state exists, so pages may run in parallel
// as long as schema and stats stay fixed.
func (v *Validator) ValidateRows(rows []Row) []RowMessages {
	skipLogged := make(map[string]bool)
	var out []RowMessages
	for _, row := range rows {
		out = append(out, v.validateRow(row, skipLogged)...)
	}
	return out
}

// ValidateRow validates a single row with the same semantics as the bulk
// path. This is the re-validation path used after patch application.
func (v *Validator) ValidateRow(row Row) []RowMessages {
	return v.validateRow(row, make(map[string]bool))
}

func (v *Validator) validateRow(row Row, skipLogged map[string]bool) []RowMessages {
	var out []RowMessages
	for _, col := range v.sch.Columns {
		if len(col.Rules) == 0 {
			continue
		}
		if v.mapped != nil && !v.mapped[col.Key] {
			// A single misconfigured column must not block the batch:
			// log and skip it for this pass.
			if !skipLogged[col.Key] {
				skipLogged[col.Key] = true
				slog.Warn("skipping validation for column without a confirmed mapping", "column", col.Key)
			}
			continue
		}

		value := row.Cells[col.Key].Value
		msgs := v.validateCell(value, col)
		if len(msgs) > 0 {
			out = append(out, RowMessages{RowID: row.ID, Column: col.Key, Messages: msgs})
		}
	}
	return out
}

// validateCell runs every rule on the column against the value, in the
// fixed validator order, accumulating one message per failed rule.
func (v *Validator) validateCell(value any, col schema.Column) []ValidationMessage {
	var msgs []ValidationMessage
	for _, ruleType := range validatorOrder {
		for _, rule := range col.Rules {
			if rule.Type != ruleType {
				continue
			}
			if msg, ok := v.applyRule(value, col, rule); !ok {
				msgs = append(msgs, msg)
			}
		}
	}
	return msgs
}

// applyRule dispatches one rule. It returns ok=false with the violation
// message when the value fails the rule.
func (v *Validator) applyRule(value any, col schema.Column, rule schema.Rule) (ValidationMessage, bool) {
	switch rule.Type {
	case schema.RuleRequired:
		if isEmpty(value) {
			return ValidationMessage{Type: schema.RuleRequired, Message: msgRequired}, false
		}
	case schema.RuleUnique:
		key := cellString(value)
		if v.stats[col.Key].Nonunique[key] > 1 {
			return ValidationMessage{Type: schema.RuleUnique, Message: msgUnique}, false
		}
	case schema.RulePhone:
		if !v.validPhone(value, col, rule) {
			return ValidationMessage{Type: schema.RulePhone, Message: msgPhone}, false
		}
	case schema.RuleEmail:
		if !validEmail(value, col) {
			return ValidationMessage{Type: schema.RuleEmail, Message: msgEmail}, false
		}
	case schema.RuleRegex:
		pattern := v.regexes[col.Key+"\x00"+rule.Regex]
		if !validRegex(value, col, pattern) {
			return ValidationMessage{Type: schema.RuleRegex, Message: msgRegex}, false
		}
	case schema.RuleEnum:
		if !validEnum(value, col, rule) {
			return ValidationMessage{Type: schema.RuleEnum, Message: msgEnum}, false
		}
	}
	return ValidationMessage{}, true
}

// validPhone checks plausibility against the rule's default country,
// falling back to the validator's. Empty, non-string, and unparseable
// values are violations.
func (v *Validator) validPhone(value any, col schema.Column, rule schema.Rule) bool {
	str, ok := value.(string)
	if !ok || str == "" {
		return false
	}

	region := rule.DefaultCountry
	if region == "" {
		region = v.defaultCountry
	}

	for _, part := range cellParts(str, col) {
		num, err := phonenumbers.Parse(part, strings.ToUpper(region))
		if err != nil || !phonenumbers.IsValidNumber(num) {
			return false
		}
	}
	return true
}

// validEmail checks the value against the permissive RFC-5322-style
// pattern. Empty values are violations.
func validEmail(value any, col schema.Column) bool {
	str := cellString(value)
	if str == "" {
		return false
	}
	for _, part := range cellParts(str, col) {
		if !emailPattern.MatchString(part) {
			return false
		}
	}
	return true
}

// validRegex requires the string form of the value to fully match the
// pattern. The empty string is evaluated like any other value, so an
// empty-disallowing pattern correctly flags it.
func validRegex(value any, col schema.Column, pattern *regexp.Regexp) bool {
	str := cellString(value)
	for _, part := range cellParts(str, col) {
		if !pattern.MatchString(part) {
			return false
		}
	}
	return true
}

// validEnum requires a non-empty string present in the rule's value list.
func validEnum(value any, col schema.Column, rule schema.Rule) bool {
	str, ok := value.(string)
	if !ok || str == "" {
		return false
	}
	for _, part := range cellParts(str, col) {
		if !containsString(rule.Values, part) {
			return false
		}
	}
	return true
}

// cellParts splits a multi-value cell on the column's delimiter, trimming
// whitespace. Columns without multi-value support yield the value itself.
func cellParts(str string, col schema.Column) []string {
	if col.MultipleValues == nil {
		return []string{str}
	}
	raw := strings.Split(str, col.MultipleValues.Delimiter)
	parts := make([]string, len(raw))
	for i, p := range raw {
		parts[i] = strings.TrimSpace(p)
	}
	return parts
}

// isEmpty reports whether a cell value is missing: nil or the empty string.
func isEmpty(value any) bool {
	if value == nil {
		return true
	}
	s, ok := value.(string)
	return ok && s == ""
}

// cellString coerces a cell value to its string representation. Numbers
// are stringified without a trailing decimal point; nil becomes the empty
// string.
func cellString(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		return fmt.Sprintf("%v", v)
	}
}
