// Package types provides domain models shared across condfmt components.
//
// Zero-dependency design: types.go, rules.go, actions.go and errors.go use only
// the standard library so the transport client, the local document engine and
// the rule manager can share them without import cycles. ID utilities in ids.go
// import uuid and are isolated the same way.
package types

// Scope identifies which kind of owner record holds a rule set.
type Scope string

const (
	// ScopeColumn rules live on a column record and style every cell of the column.
	ScopeColumn Scope = "column"

	// ScopeRow rules live on the table's raw view section and style whole rows.
	ScopeRow Scope = "row"

	// ScopeField rules live on a single field of one view section (one widget).
	ScopeField Scope = "field"
)

// Valid reports whether s is one of the known scopes.
func (s Scope) Valid() bool {
	switch s {
	case ScopeColumn, ScopeRow, ScopeField:
		return true
	}
	return false
}

// Scopes lists all scopes in display order.
func Scopes() []Scope {
	return []Scope{ScopeColumn, ScopeRow, ScopeField}
}

// Resource limits enforced before any call reaches the remote service.
const (
	// MaxFormulaLength bounds the rule expression in runes.
	// 1000 runes comfortably holds compound conditions over a dozen columns.
	MaxFormulaLength = 1000

	// MaxRulesPerOwner caps a replace-all batch.
	// Each rule costs one action bundle plus a consistency wait.
	MaxRulesPerOwner = 100
)
