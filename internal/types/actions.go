// internal/types/actions.go
package types

import (
	"fmt"
	"strings"
)

// Action is one user action tuple, e.g. ["ModifyColumn", "Orders", "A", {"formula": "1"}].
// The first element is the action name; the rest are positional arguments.
type Action []any

// Name returns the action name or "" for a malformed tuple.
func (a Action) Name() string {
	if len(a) == 0 {
		return ""
	}
	name, _ := a[0].(string)
	return name
}

// ApplyResult carries one return value per submitted action.
type ApplyResult struct {
	ActionNum int64 `json:"actionNum"`
	RetValues []any `json:"retValues"`
}

// Row is one result row of a metadata query, keyed by column name.
type Row map[string]any

// Column describes one column of a user table as reported by the column listing.
type Column struct {
	ID            string `json:"id"`
	Ref           int64  `json:"colRef"`
	Type          string `json:"type"`
	Formula       string `json:"formula"`
	IsFormula     bool   `json:"isFormula"`
	WidgetOptions string `json:"widgetOptions"`
}

// ApplyError is a structured rejection of an action bundle.
// The whole bundle is rolled back when it is returned.
type ApplyError struct {
	ActionIndex int    // index of the failing action, -1 when unknown
	Action      string // name of the failing action, "" when unknown
	Message     string // message reported by the document service
	Status      int    // HTTP status when the error came over the wire, 0 otherwise
}

func (e *ApplyError) Error() string {
	var b strings.Builder
	b.WriteString("apply failed")
	if e.ActionIndex >= 0 {
		fmt.Fprintf(&b, " at action %d", e.ActionIndex)
		if e.Action != "" {
			fmt.Fprintf(&b, " (%s)", e.Action)
		}
	}
	b.WriteString(": ")
	b.WriteString(e.Message)
	return b.String()
}
