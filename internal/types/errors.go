package types

import (
	"errors"
	"fmt"
)

// Sentinel errors for rule manager operations.
var (
	// ErrInvalidFormula indicates a rule expression failed local syntax checks.
	ErrInvalidFormula = errors.New("invalid formula")

	// ErrInvalidStyle indicates a style property has a malformed value.
	ErrInvalidStyle = errors.New("invalid style")

	// ErrInvalidTarget indicates the target lacks the keys its scope requires.
	ErrInvalidTarget = errors.New("invalid target")

	// ErrNotFound indicates a table, column, section or field could not be resolved.
	ErrNotFound = errors.New("not found")

	// ErrRuleIndexOutOfRange indicates a rule index outside [0, totalRules).
	ErrRuleIndexOutOfRange = errors.New("rule index out of range")

	// ErrPredictionMismatch indicates the predicted helper column did not exist.
	ErrPredictionMismatch = errors.New("helper column prediction mismatch")

	// ErrRetriesExhausted indicates every add attempt hit a prediction mismatch.
	ErrRetriesExhausted = errors.New("retries exhausted")

	// ErrPartialReplace indicates replace-all stopped after committing some rules.
	ErrPartialReplace = errors.New("replace incomplete")

	// ErrInconsistentRules indicates rule and style lists of different lengths.
	ErrInconsistentRules = errors.New("rule and style lists differ in length")
)

// ValidationError reports a local validation failure before any network call.
type ValidationError struct {
	Field      string // "formula", "style.fillColor", ...
	Detail     string
	Suggestion string // optional fix-it hint
	sentinel   error
}

// NewFormulaError builds a ValidationError for the rule expression.
func NewFormulaError(detail, suggestion string) *ValidationError {
	return &ValidationError{Field: "formula", Detail: detail, Suggestion: suggestion, sentinel: ErrInvalidFormula}
}

// NewStyleError builds a ValidationError for a style property.
func NewStyleError(field, detail string) *ValidationError {
	return &ValidationError{Field: "style." + field, Detail: detail, sentinel: ErrInvalidStyle}
}

func (e *ValidationError) Error() string {
	msg := fmt.Sprintf("%s: %s: %s", e.sentinel, e.Field, e.Detail)
	if e.Suggestion != "" {
		msg += " (suggestion: " + e.Suggestion + ")"
	}
	return msg
}

func (e *ValidationError) Unwrap() error {
	return e.sentinel
}

// BoundsError reports a rule index outside the current valid range.
type BoundsError struct {
	Index int
	Total int
}

func (e *BoundsError) Error() string {
	if e.Total == 0 {
		return fmt.Sprintf("%s: index %d, but there are no rules (totalRules 0)", ErrRuleIndexOutOfRange, e.Index)
	}
	return fmt.Sprintf("%s: index %d, valid range is 0..%d (totalRules %d)", ErrRuleIndexOutOfRange, e.Index, e.Total-1, e.Total)
}

func (e *BoundsError) Unwrap() error {
	return ErrRuleIndexOutOfRange
}

// PartialReplaceError reports a replace-all that failed after committing Added rules.
type PartialReplaceError struct {
	Added     int
	Requested int
	Err       error
}

func (e *PartialReplaceError) Error() string {
	return fmt.Sprintf("%s: %d of %d rules added before failure, list rules to see current state: %v",
		ErrPartialReplace, e.Added, e.Requested, e.Err)
}

// Unwrap exposes both the sentinel and the underlying cause to errors.Is.
func (e *PartialReplaceError) Unwrap() []error {
	return []error{ErrPartialReplace, e.Err}
}
