// internal/types/rules.go
package types

import (
	"fmt"
	"strings"
)

/*
 * Domain types for conditional-formatting rules.
 *
 * A rule is never stored as a record of its own. It is the pair formed by
 * position i in two parallel lists on the owner record:
 *   - HelperColRefs[i]: a hidden formula column whose formula is the condition
 *   - Styles[i]:        the style applied when that condition is true
 *
 * Rule.Index is therefore positional and shifts down when an earlier rule is
 * removed. Invariant: len(HelperColRefs) == len(Styles).
 */

// Target identifies where a rule set lives within a table.
type Target struct {
	Scope      Scope  `json:"scope" yaml:"scope"`
	ColID      string `json:"colId,omitempty" yaml:"colId,omitempty"`           // column scope
	SectionID  int64  `json:"sectionId,omitempty" yaml:"sectionId,omitempty"`   // field scope
	FieldColID string `json:"fieldColId,omitempty" yaml:"fieldColId,omitempty"` // field scope
}

// Validate checks that the scope-specific lookup keys are present.
func (t Target) Validate() error {
	switch t.Scope {
	case ScopeColumn:
		if strings.TrimSpace(t.ColID) == "" {
			return fmt.Errorf("%w: column scope requires colId", ErrInvalidTarget)
		}
	case ScopeRow:
	case ScopeField:
		if t.SectionID <= 0 {
			return fmt.Errorf("%w: field scope requires a positive sectionId", ErrInvalidTarget)
		}
		if strings.TrimSpace(t.FieldColID) == "" {
			return fmt.Errorf("%w: field scope requires fieldColId", ErrInvalidTarget)
		}
	default:
		return fmt.Errorf("%w: unknown scope %q (expected column, row or field)", ErrInvalidTarget, t.Scope)
	}
	return nil
}

// String renders the target for messages, e.g. `column "Price"`.
func (t Target) String() string {
	switch t.Scope {
	case ScopeColumn:
		return fmt.Sprintf("column %q", t.ColID)
	case ScopeRow:
		return "rows"
	case ScopeField:
		return fmt.Sprintf("field %q of section %d", t.FieldColID, t.SectionID)
	}
	return string(t.Scope)
}

// StyleOptions is the visual formatting applied when a rule matches.
// Nil pointers mean "not set" and are omitted from the stored blob.
type StyleOptions struct {
	FillColor         *string `json:"fillColor,omitempty" yaml:"fillColor,omitempty"`
	TextColor         *string `json:"textColor,omitempty" yaml:"textColor,omitempty"`
	FontBold          *bool   `json:"fontBold,omitempty" yaml:"fontBold,omitempty"`
	FontItalic        *bool   `json:"fontItalic,omitempty" yaml:"fontItalic,omitempty"`
	FontUnderline     *bool   `json:"fontUnderline,omitempty" yaml:"fontUnderline,omitempty"`
	FontStrikethrough *bool   `json:"fontStrikethrough,omitempty" yaml:"fontStrikethrough,omitempty"`
}

// IsZero reports whether no property is set.
func (s StyleOptions) IsZero() bool {
	return s.FillColor == nil && s.TextColor == nil && s.FontBold == nil &&
		s.FontItalic == nil && s.FontUnderline == nil && s.FontStrikethrough == nil
}

// RuleInput is the caller-supplied half of a rule.
type RuleInput struct {
	Formula string       `json:"formula" yaml:"formula"`
	Style   StyleOptions `json:"style" yaml:"style"`
}

// Rule is the display form computed on every read.
type Rule struct {
	Index   int          `json:"index"`
	Formula string       `json:"formula"`
	Style   StyleOptions `json:"style"`
}

// RulesAndStyles is the persisted parallel state of one owner.
type RulesAndStyles struct {
	HelperColRefs []int64
	Styles        []StyleOptions
}

// Len returns the number of rules.
func (r RulesAndStyles) Len() int {
	return len(r.HelperColRefs)
}

// Consistent reports whether both lists have the same length.
func (r RulesAndStyles) Consistent() bool {
	return len(r.HelperColRefs) == len(r.Styles)
}

// RuleOperationResult is returned by every operation except remove.
type RuleOperationResult struct {
	DocID      string `json:"docId"`
	TableID    string `json:"tableId"`
	Scope      Scope  `json:"scope"`
	Target     string `json:"target"`
	Rules      []Rule `json:"rules"`
	TotalRules int    `json:"totalRules"`

	// Stale is set when the store had not yet reflected a mutation when the
	// rules were re-read; a later list call will show the committed state.
	Stale bool `json:"stale,omitempty"`
}

// RuleRemoveResult summarises a removal.
type RuleRemoveResult struct {
	Message        string `json:"message"`
	RemainingRules int    `json:"remainingRules"`
}

// Ptr returns a pointer to v; convenient for building StyleOptions.
func Ptr[T any](v T) *T {
	return &v
}
