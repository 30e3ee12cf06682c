// internal/rules/owner.go
package rules

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/solatis/condfmt/internal/types"
)

/*
 * RuleOwner strategies.
 *
 * One strategy per scope knows which metadata record owns the rules, how to
 * find it, where the two parallel lists live, how the document service names
 * the next helper column, and which arguments AddEmptyRule needs.
 *
 *   scope   owner record                  style blob     helper prefix
 *   column  _grist_Tables_column          widgetOptions  gristHelper_ConditionalRule
 *   row     _grist_Views_section (raw)    options        gristHelper_RowConditionalRule
 *   field   _grist_Views_section_field    widgetOptions  gristHelper_ConditionalRule
 *
 * Reading, writing, prediction and formula lookup are identical apart from
 * OwnerConfig and live on ownerBase; each scope supplies OwnerRef and
 * AddEmptyRuleParams.
 */

// DocAPI is the narrow contract with the document service.
type DocAPI interface {
	// ApplyActions submits one all-or-nothing action bundle.
	ApplyActions(ctx context.Context, docID string, actions []types.Action) (*types.ApplyResult, error)

	// QuerySQL runs a parameterized read-only query over document metadata.
	QuerySQL(ctx context.Context, docID, query string, args ...any) ([]types.Row, error)

	// ListColumns lists the columns of a table, hidden helper columns included.
	ListColumns(ctx context.Context, docID, tableID string) ([]types.Column, error)
}

// Metadata record kinds and action names spoken by the document service.
const (
	metaTables       = "_grist_Tables"
	metaColumns      = "_grist_Tables_column"
	metaSections     = "_grist_Views_section"
	metaFields       = "_grist_Views_section_field"
	actionAddRule    = "AddEmptyRule"
	actionModifyCol  = "ModifyColumn"
	actionUpdateRec  = "UpdateRecord"
	rulesProperty    = "rules"
	helperPrefix     = "gristHelper_ConditionalRule"
	rowHelperPrefix  = "gristHelper_RowConditionalRule"
	formulaProperty  = "formula"
	widgetOptionsKey = "widgetOptions"
	sectionOptionKey = "options"
)

// OwnerConfig is the static description of one scope.
type OwnerConfig struct {
	Scope         types.Scope
	MetaTable     string // metadata record kind owning the rules
	RulesProperty string // property holding the helper column reference list
	StyleField    string // blob property holding rulesOptions
	HelperPrefix  string // name the service gives the first helper column
	ScopeName     string // human-readable scope for messages
}

// RuleOwner is the capability set every scope implements.
type RuleOwner interface {
	Config() OwnerConfig

	// OwnerRef resolves the owning record; fails with types.ErrNotFound.
	OwnerRef(ctx context.Context, docID, tableID string, target types.Target) (int64, error)

	// RulesAndStyles reads both lists, aligned to the same length.
	RulesAndStyles(ctx context.Context, docID string, ownerRef int64) (types.RulesAndStyles, error)

	// UpdateRulesAndStyles writes both lists, leaving sibling blob fields intact.
	UpdateRulesAndStyles(ctx context.Context, docID string, ownerRef int64, next types.RulesAndStyles) error

	// PredictNextHelperColID guesses the id the service will give the next helper column.
	PredictNextHelperColID(ctx context.Context, docID, tableID string) (string, error)

	// AddEmptyRuleParams returns the (fieldRef, colRef) arguments of AddEmptyRule.
	AddEmptyRuleParams(ownerRef int64) (fieldRef, colRef any)

	// HelperColumnFormulas reads the formula of each helper column, in order.
	HelperColumnFormulas(ctx context.Context, docID string, helperColRefs []int64) ([]string, error)

	// OptionsBlob reads the owner's whole style blob.
	OptionsBlob(ctx context.Context, docID string, ownerRef int64) (map[string]any, error)
}

// NewRuleOwner selects the strategy for scope.
func NewRuleOwner(scope types.Scope, api DocAPI) (RuleOwner, error) {
	switch scope {
	case types.ScopeColumn:
		return newColumnOwner(api), nil
	case types.ScopeRow:
		return newRowOwner(api), nil
	case types.ScopeField:
		return newFieldOwner(api), nil
	}
	return nil, fmt.Errorf("%w: unknown scope %q", types.ErrInvalidTarget, scope)
}

// ownerBase implements the scope-independent half of RuleOwner.
type ownerBase struct {
	api DocAPI
	cfg OwnerConfig
}

func (o *ownerBase) Config() OwnerConfig {
	return o.cfg
}

// ownerRow reads the rules list and style blob of one owner record.
func (o *ownerBase) ownerRow(ctx context.Context, docID string, ownerRef int64) (types.Row, error) {
	query := fmt.Sprintf("SELECT %s AS rules, %s AS opts FROM %s WHERE id = ?",
		o.cfg.RulesProperty, o.cfg.StyleField, o.cfg.MetaTable)
	rows, err := o.api.QuerySQL(ctx, docID, query, ownerRef)
	if err != nil {
		return nil, fmt.Errorf("read %s owner %d: %w", o.cfg.ScopeName, ownerRef, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: %s owner record %d", types.ErrNotFound, o.cfg.ScopeName, ownerRef)
	}
	return rows[0], nil
}

func (o *ownerBase) RulesAndStyles(ctx context.Context, docID string, ownerRef int64) (types.RulesAndStyles, error) {
	row, err := o.ownerRow(ctx, docID, ownerRef)
	if err != nil {
		return types.RulesAndStyles{}, err
	}

	rulesVal, _ := rowValue(row, "rules")
	refs, err := parseRefList(rulesVal)
	if err != nil {
		return types.RulesAndStyles{}, fmt.Errorf("%s owner %d: %w", o.cfg.ScopeName, ownerRef, err)
	}

	blobVal, _ := rowValue(row, "opts")
	blob, err := parseOptionsBlob(blobVal)
	if err != nil {
		return types.RulesAndStyles{}, fmt.Errorf("%s owner %d: %w", o.cfg.ScopeName, ownerRef, err)
	}

	styles := DecodeStyles(blob[rulesOptionsKey])
	return types.RulesAndStyles{
		HelperColRefs: refs,
		Styles:        alignStyles(styles, len(refs)),
	}, nil
}

func (o *ownerBase) OptionsBlob(ctx context.Context, docID string, ownerRef int64) (map[string]any, error) {
	row, err := o.ownerRow(ctx, docID, ownerRef)
	if err != nil {
		return nil, err
	}
	blobVal, _ := rowValue(row, "opts")
	blob, err := parseOptionsBlob(blobVal)
	if err != nil {
		return nil, fmt.Errorf("%s owner %d: %w", o.cfg.ScopeName, ownerRef, err)
	}
	return blob, nil
}

func (o *ownerBase) UpdateRulesAndStyles(ctx context.Context, docID string, ownerRef int64, next types.RulesAndStyles) error {
	if !next.Consistent() {
		return fmt.Errorf("%w: %d rules, %d styles", types.ErrInconsistentRules, len(next.HelperColRefs), len(next.Styles))
	}

	blob, err := o.OptionsBlob(ctx, docID, ownerRef)
	if err != nil {
		return err
	}
	merged, err := mergeRulesOptions(blob, next.Styles)
	if err != nil {
		return err
	}

	action := types.Action{actionUpdateRec, o.cfg.MetaTable, ownerRef, map[string]any{
		o.cfg.RulesProperty: encodeRefList(next.HelperColRefs),
		o.cfg.StyleField:    merged,
	}}
	if _, err := o.api.ApplyActions(ctx, docID, []types.Action{action}); err != nil {
		return fmt.Errorf("write %s rules: %w", o.cfg.ScopeName, err)
	}
	return nil
}

// stylesAction stores a merged style blob without touching the rules list.
func stylesAction(cfg OwnerConfig, ownerRef int64, merged string) types.Action {
	return types.Action{actionUpdateRec, cfg.MetaTable, ownerRef, map[string]any{
		cfg.StyleField: merged,
	}}
}

func (o *ownerBase) PredictNextHelperColID(ctx context.Context, docID, tableID string) (string, error) {
	query := fmt.Sprintf(
		"SELECT c.colId AS colId FROM %s c JOIN %s t ON t.id = c.parentId WHERE t.tableId = ? AND c.colId LIKE ?",
		metaColumns, metaTables)
	rows, err := o.api.QuerySQL(ctx, docID, query, tableID, o.cfg.HelperPrefix+"%")
	if err != nil {
		return "", fmt.Errorf("list helper columns of %q: %w", tableID, err)
	}

	existing := make([]string, 0, len(rows))
	for _, row := range rows {
		v, _ := rowValue(row, "colId")
		existing = append(existing, toString(v))
	}
	return nextHelperColID(o.cfg.HelperPrefix, existing), nil
}

// nextHelperColID mirrors the service's naming: prefix, then prefix2, prefix3, ...,
// taking the first id not already used (compared case-insensitively).
func nextHelperColID(prefix string, existing []string) string {
	used := make(map[string]bool, len(existing))
	for _, id := range existing {
		used[strings.ToUpper(id)] = true
	}
	if !used[strings.ToUpper(prefix)] {
		return prefix
	}
	for n := 2; ; n++ {
		candidate := prefix + strconv.Itoa(n)
		if !used[strings.ToUpper(candidate)] {
			return candidate
		}
	}
}

func (o *ownerBase) HelperColumnFormulas(ctx context.Context, docID string, helperColRefs []int64) ([]string, error) {
	if len(helperColRefs) == 0 {
		return []string{}, nil
	}

	placeholders := make([]string, len(helperColRefs))
	args := make([]any, len(helperColRefs))
	for i, ref := range helperColRefs {
		placeholders[i] = "?"
		args[i] = ref
	}
	query := fmt.Sprintf("SELECT id, formula FROM %s WHERE id IN (%s)", metaColumns, strings.Join(placeholders, ", "))

	rows, err := o.api.QuerySQL(ctx, docID, query, args...)
	if err != nil {
		return nil, fmt.Errorf("read helper column formulas: %w", err)
	}

	byRef := make(map[int64]string, len(rows))
	for _, row := range rows {
		idVal, _ := rowValue(row, "id")
		id, ok := toInt64(idVal)
		if !ok {
			continue
		}
		formula, _ := rowValue(row, "formula")
		byRef[id] = toString(formula)
	}

	formulas := make([]string, len(helperColRefs))
	for i, ref := range helperColRefs {
		formulas[i] = byRef[ref]
	}
	return formulas, nil
}

// formulaAction sets the formula of a helper column addressed by colId.
func formulaAction(tableID, colID, formula string) types.Action {
	return types.Action{actionModifyCol, tableID, colID, map[string]any{formulaProperty: formula}}
}

// formulaByRefAction sets the formula of a helper column addressed by reference.
func formulaByRefAction(helperRef int64, formula string) types.Action {
	return types.Action{actionUpdateRec, metaColumns, helperRef, map[string]any{formulaProperty: formula}}
}

// addEmptyRuleAction creates a helper column and appends it to the owner's rules list.
func addEmptyRuleAction(tableID string, fieldRef, colRef any) types.Action {
	return types.Action{actionAddRule, tableID, fieldRef, colRef}
}
