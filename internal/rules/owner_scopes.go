// internal/rules/owner_scopes.go
package rules

import (
	"context"
	"fmt"
	"strings"

	"github.com/solatis/condfmt/internal/types"
)

// columnOwner keeps rules on the column record itself.
type columnOwner struct {
	ownerBase
}

func newColumnOwner(api DocAPI) *columnOwner {
	return &columnOwner{ownerBase{api: api, cfg: OwnerConfig{
		Scope:         types.ScopeColumn,
		MetaTable:     metaColumns,
		RulesProperty: rulesProperty,
		StyleField:    widgetOptionsKey,
		HelperPrefix:  helperPrefix,
		ScopeName:     "column",
	}}}
}

// OwnerRef finds the column by colId in the table's column listing.
func (o *columnOwner) OwnerRef(ctx context.Context, docID, tableID string, target types.Target) (int64, error) {
	columns, err := o.api.ListColumns(ctx, docID, tableID)
	if err != nil {
		return 0, fmt.Errorf("list columns of %q: %w", tableID, err)
	}

	rows := make([]types.Row, 0, 1)
	for _, c := range columns {
		if c.ID == target.ColID {
			rows = append(rows, types.Row{"colRef": c.Ref})
		}
	}
	if ref, ok := firstDefinedRef(rows, "colRef"); ok {
		return ref, nil
	}
	return 0, fmt.Errorf("%w: column %q in table %q", types.ErrNotFound, target.ColID, tableID)
}

func (o *columnOwner) AddEmptyRuleParams(ownerRef int64) (any, any) {
	return nil, ownerRef
}

// rowOwner keeps rules on the table's raw view section.
type rowOwner struct {
	ownerBase
}

func newRowOwner(api DocAPI) *rowOwner {
	return &rowOwner{ownerBase{api: api, cfg: OwnerConfig{
		Scope:         types.ScopeRow,
		MetaTable:     metaSections,
		RulesProperty: rulesProperty,
		StyleField:    sectionOptionKey,
		HelperPrefix:  rowHelperPrefix,
		ScopeName:     "row",
	}}}
}

func (o *rowOwner) OwnerRef(ctx context.Context, docID, tableID string, _ types.Target) (int64, error) {
	query := fmt.Sprintf("SELECT rawViewSectionRef FROM %s WHERE tableId = ?", metaTables)
	rows, err := o.api.QuerySQL(ctx, docID, query, tableID)
	if err != nil {
		return 0, fmt.Errorf("resolve row owner of %q: %w", tableID, err)
	}
	if ref, ok := firstDefinedRef(rows, "rawViewSectionRef"); ok {
		return ref, nil
	}
	return 0, fmt.Errorf("%w: table %q (or its raw view section)", types.ErrNotFound, tableID)
}

// AddEmptyRuleParams passes neither ref; the service then targets the raw section.
func (o *rowOwner) AddEmptyRuleParams(int64) (any, any) {
	return nil, nil
}

// fieldOwner keeps rules on one field (widget) of one view section.
type fieldOwner struct {
	ownerBase
}

func newFieldOwner(api DocAPI) *fieldOwner {
	return &fieldOwner{ownerBase{api: api, cfg: OwnerConfig{
		Scope:         types.ScopeField,
		MetaTable:     metaFields,
		RulesProperty: rulesProperty,
		StyleField:    widgetOptionsKey,
		HelperPrefix:  helperPrefix,
		ScopeName:     "field",
	}}}
}

// OwnerRef joins field, column and section so a field of another table's
// section never resolves.
func (o *fieldOwner) OwnerRef(ctx context.Context, docID, tableID string, target types.Target) (int64, error) {
	query := strings.Join([]string{
		"SELECT f.id AS fieldRef",
		"FROM " + metaFields + " f",
		"JOIN " + metaColumns + " c ON c.id = f.colRef",
		"JOIN " + metaSections + " s ON s.id = f.parentId",
		"JOIN " + metaTables + " t ON t.id = s.tableRef",
		"WHERE f.parentId = ? AND c.colId = ? AND t.tableId = ?",
		"ORDER BY f.id",
	}, " ")
	rows, err := o.api.QuerySQL(ctx, docID, query, target.SectionID, target.FieldColID, tableID)
	if err != nil {
		return 0, fmt.Errorf("resolve field owner: %w", err)
	}
	if ref, ok := firstDefinedRef(rows, "fieldRef"); ok {
		return ref, nil
	}
	return 0, fmt.Errorf("%w: field %q in section %d of table %q", types.ErrNotFound, target.FieldColID, target.SectionID, tableID)
}

func (o *fieldOwner) AddEmptyRuleParams(ownerRef int64) (any, any) {
	return ownerRef, nil
}
