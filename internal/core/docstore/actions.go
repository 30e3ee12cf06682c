package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/solatis/condfmt/internal/types"
)

/*
 * Action application.
 *
 *   AddTable      [tableId, [{id, type?, formula?, isFormula?}]]
 *   AddColumn     [tableId, colId, {type?, formula?, isFormula?, label?}]
 *   AddEmptyRule  [tableId, fieldRef|nil, colRef|nil]
 *   ModifyColumn  [tableId, colId, {formula?, type?, isFormula?, widgetOptions?, label?}]
 *   UpdateRecord  [metaTable, rowId, {property: value}]
 *
 * AddEmptyRule creates a hidden helper column named prefix, prefix2, ... and
 * appends its reference to the owner's rules list. Field rules are owned by
 * the field, column rules by the column, row rules by the raw view section.
 */

const (
	helperPrefix    = "gristHelper_ConditionalRule"
	rowHelperPrefix = "gristHelper_RowConditionalRule"
)

// updatable lists the metadata properties UpdateRecord may write, per record kind.
var updatable = map[string]map[string]bool{
	"_grist_Tables_column": {
		"formula": true, "type": true, "isFormula": true, "widgetOptions": true, "label": true, "rules": true,
	},
	"_grist_Views_section": {
		"options": true, "title": true, "rules": true,
	},
	"_grist_Views_section_field": {
		"widgetOptions": true, "rules": true,
	},
}

// modifiable lists the properties ModifyColumn may write.
var modifiable = map[string]bool{
	"formula": true, "type": true, "isFormula": true, "widgetOptions": true, "label": true,
}

type tableRow struct {
	ID                int64  `db:"id"`
	TableID           string `db:"tableId"`
	RawViewSectionRef int64  `db:"rawViewSectionRef"`
}

type columnRow struct {
	ID    int64  `db:"id"`
	ColID string `db:"colId"`
}

// ApplyActions applies actions in one transaction. The first failing action
// rolls back the whole bundle and is reported as *types.ApplyError.
func (s *Store) ApplyActions(ctx context.Context, docID string, actions []types.Action) (*types.ApplyResult, error) {
	doc, err := s.open(docID, false)
	if err != nil {
		return nil, err
	}
	if len(actions) == 0 {
		return &types.ApplyResult{RetValues: []any{}}, nil
	}

	tx, err := doc.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	retValues := make([]any, 0, len(actions))
	for i, action := range actions {
		ret, err := s.apply(ctx, tx, action)
		if err != nil {
			return nil, &types.ApplyError{ActionIndex: i, Action: action.Name(), Message: err.Error()}
		}
		retValues = append(retValues, ret)
	}

	res, err := tx.ExecContext(ctx, s.query("insert-action"), len(actions), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("record action history: %w", err)
	}
	actionNum, _ := res.LastInsertId()

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit actions: %w", err)
	}
	return &types.ApplyResult{ActionNum: actionNum, RetValues: retValues}, nil
}

func (s *Store) apply(ctx context.Context, tx *sqlx.Tx, action types.Action) (any, error) {
	args := action[min(1, len(action)):]
	switch name := action.Name(); name {
	case "AddTable":
		return s.addTable(ctx, tx, args)
	case "AddColumn":
		return s.addUserColumn(ctx, tx, args)
	case "AddEmptyRule":
		return nil, s.addEmptyRule(ctx, tx, args)
	case "ModifyColumn":
		return nil, s.modifyColumn(ctx, tx, args)
	case "UpdateRecord":
		return nil, s.updateRecord(ctx, tx, args)
	case "":
		return nil, fmt.Errorf("malformed action %v", []any(action))
	default:
		return nil, fmt.Errorf("unknown action %s", name)
	}
}

func (s *Store) addTable(ctx context.Context, tx *sqlx.Tx, args []any) (any, error) {
	if len(args) < 1 {
		return nil, fmt.Errorf("AddTable expects [tableId, columns]")
	}
	tableID, ok := args[0].(string)
	if !ok || !validIdentifier(tableID) {
		return nil, fmt.Errorf("invalid table id %v", args[0])
	}
	var cols []any
	if len(args) > 1 && args[1] != nil {
		if cols, ok = args[1].([]any); !ok {
			return nil, fmt.Errorf("AddTable columns must be a list")
		}
	}

	var existing tableRow
	err := tx.GetContext(ctx, &existing, s.query("get-table"), tableID)
	if err == nil {
		return nil, fmt.Errorf("table '%s' already exists", tableID)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	res, err := tx.ExecContext(ctx, s.query("insert-table"), tableID)
	if err != nil {
		return nil, err
	}
	tableRef, _ := res.LastInsertId()

	// A primary view section followed by the raw data section.
	for _, title := range []string{"", tableID} {
		res, err := tx.ExecContext(ctx, s.query("insert-section"), tableRef, title)
		if err != nil {
			return nil, err
		}
		sectionRef, _ := res.LastInsertId()
		if title != "" {
			if _, err := tx.ExecContext(ctx, s.query("set-raw-section"), sectionRef, tableRef); err != nil {
				return nil, err
			}
		}
	}

	colRefs := make([]any, 0, len(cols))
	for _, c := range cols {
		info, ok := c.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("AddTable column must be an object, got %T", c)
		}
		colID, _ := info["id"].(string)
		ref, _, err := s.insertColumn(ctx, tx, tableRef, colID, info, true)
		if err != nil {
			return nil, err
		}
		colRefs = append(colRefs, ref)
	}

	return map[string]any{"table_id": tableID, "id": tableRef, "columns": colRefs}, nil
}

func (s *Store) addUserColumn(ctx context.Context, tx *sqlx.Tx, args []any) (any, error) {
	if len(args) < 2 {
		return nil, fmt.Errorf("AddColumn expects [tableId, colId, colInfo]")
	}
	table, err := s.tableArg(ctx, tx, args[0])
	if err != nil {
		return nil, err
	}
	colID, _ := args[1].(string)
	info := map[string]any{}
	if len(args) > 2 && args[2] != nil {
		m, ok := args[2].(map[string]any)
		if !ok {
			return nil, fmt.Errorf("AddColumn colInfo must be an object")
		}
		info = m
	}

	ref, finalID, err := s.insertColumn(ctx, tx, table.ID, colID, info, true)
	if err != nil {
		return nil, err
	}
	return map[string]any{"colRef": ref, "colId": finalID}, nil
}

// insertColumn adds a column under a unique colId derived from base.
// Visible columns get a field in every section of the table.
func (s *Store) insertColumn(ctx context.Context, tx *sqlx.Tx, tableRef int64, base string, info map[string]any, visible bool) (int64, string, error) {
	if !validIdentifier(base) {
		return 0, "", fmt.Errorf("invalid column id %q", base)
	}

	var existing []string
	if err := tx.SelectContext(ctx, &existing, s.query("list-column-ids"), tableRef); err != nil {
		return 0, "", err
	}
	// User columns dedupe as A_2, helper columns as prefix2.
	sep := ""
	if visible {
		sep = "_"
	}
	colID := uniqueID(base, sep, existing)

	var pos float64
	if err := tx.GetContext(ctx, &pos, s.query("next-column-pos"), tableRef); err != nil {
		return 0, "", err
	}

	colType := stringOr(info["type"], "Any")
	formula := stringOr(info["formula"], "")
	isFormula := formula != ""
	if v, ok := info["isFormula"].(bool); ok {
		isFormula = v
	}
	label := stringOr(info["label"], colID)

	res, err := tx.ExecContext(ctx, s.query("insert-column"),
		tableRef, pos, colID, colType, isFormula, formula, "", label)
	if err != nil {
		return 0, "", err
	}
	colRef, _ := res.LastInsertId()

	if visible {
		var sections []int64
		if err := tx.SelectContext(ctx, &sections, s.query("list-section-ids"), tableRef); err != nil {
			return 0, "", err
		}
		for _, sectionRef := range sections {
			if _, err := tx.ExecContext(ctx, s.query("insert-field"), sectionRef, pos, colRef); err != nil {
				return 0, "", err
			}
		}
	}
	return colRef, colID, nil
}

func (s *Store) addEmptyRule(ctx context.Context, tx *sqlx.Tx, args []any) error {
	if len(args) != 3 {
		return fmt.Errorf("AddEmptyRule expects [tableId, fieldRef, colRef]")
	}
	table, err := s.tableArg(ctx, tx, args[0])
	if err != nil {
		return err
	}

	var ownerTable string
	var ownerRef int64
	prefix := helperPrefix

	switch {
	case args[1] != nil:
		fieldRef, ok := toInt64(args[1])
		if !ok {
			return fmt.Errorf("invalid field reference %v", args[1])
		}
		var field struct {
			ID       int64 `db:"id"`
			TableRef int64 `db:"tableRef"`
		}
		if err := tx.GetContext(ctx, &field, s.query("get-field"), fieldRef); err != nil || field.TableRef != table.ID {
			return fmt.Errorf("KeyError: field %d not found in table '%s'", fieldRef, table.TableID)
		}
		ownerTable, ownerRef = "_grist_Views_section_field", fieldRef
	case args[2] != nil:
		colRef, ok := toInt64(args[2])
		if !ok {
			return fmt.Errorf("invalid column reference %v", args[2])
		}
		var col columnRow
		if err := tx.GetContext(ctx, &col, s.query("get-column-by-ref"), table.ID, colRef); err != nil {
			return fmt.Errorf("KeyError: column %d not found in table '%s'", colRef, table.TableID)
		}
		ownerTable, ownerRef = "_grist_Tables_column", colRef
	default:
		if table.RawViewSectionRef == 0 {
			return fmt.Errorf("table '%s' has no raw view section", table.TableID)
		}
		ownerTable, ownerRef = "_grist_Views_section", table.RawViewSectionRef
		prefix = rowHelperPrefix
	}

	helperRef, _, err := s.insertColumn(ctx, tx, table.ID, prefix,
		map[string]any{"type": "Any", "isFormula": true, "label": prefix}, false)
	if err != nil {
		return err
	}

	var current sql.NullString
	if err := tx.GetContext(ctx, &current, "SELECT rules FROM "+ownerTable+" WHERE id = ?", ownerRef); err != nil {
		return fmt.Errorf("read rules of %s %d: %w", ownerTable, ownerRef, err)
	}
	refs, err := decodeRefs(current.String)
	if err != nil {
		return err
	}
	encoded, err := encodeRefs(append(refs, helperRef))
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, "UPDATE "+ownerTable+" SET rules = ? WHERE id = ?", encoded, ownerRef)
	return err
}

func (s *Store) modifyColumn(ctx context.Context, tx *sqlx.Tx, args []any) error {
	if len(args) != 3 {
		return fmt.Errorf("ModifyColumn expects [tableId, colId, colInfo]")
	}
	table, err := s.tableArg(ctx, tx, args[0])
	if err != nil {
		return err
	}
	colID, _ := args[1].(string)
	values, ok := args[2].(map[string]any)
	if !ok {
		return fmt.Errorf("ModifyColumn colInfo must be an object")
	}

	var col columnRow
	if err := tx.GetContext(ctx, &col, s.query("get-column"), table.ID, colID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("KeyError: '%s' not found in table '%s'", colID, table.TableID)
		}
		return err
	}

	for k := range values {
		if !modifiable[k] {
			return fmt.Errorf("ModifyColumn cannot change '%s'", k)
		}
	}
	return s.updateRow(ctx, tx, "_grist_Tables_column", col.ID, values)
}

func (s *Store) updateRecord(ctx context.Context, tx *sqlx.Tx, args []any) error {
	if len(args) != 3 {
		return fmt.Errorf("UpdateRecord expects [tableId, rowId, values]")
	}
	metaTable, _ := args[0].(string)
	allowed, ok := updatable[metaTable]
	if !ok {
		return fmt.Errorf("UpdateRecord is not supported for table '%v'", args[0])
	}
	rowID, ok := toInt64(args[1])
	if !ok {
		return fmt.Errorf("invalid row id %v", args[1])
	}
	values, ok := args[2].(map[string]any)
	if !ok {
		return fmt.Errorf("UpdateRecord values must be an object")
	}
	for k := range values {
		if !allowed[k] {
			return fmt.Errorf("Invalid column '%s' for table '%s'", k, metaTable)
		}
	}

	var n int
	if err := tx.GetContext(ctx, &n, "SELECT COUNT(*) FROM "+metaTable+" WHERE id = ?", rowID); err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("KeyError: record %d not found in '%s'", rowID, metaTable)
	}
	return s.updateRow(ctx, tx, metaTable, rowID, values)
}

// updateRow writes whitelisted properties; callers have checked the keys.
func (s *Store) updateRow(ctx context.Context, tx *sqlx.Tx, metaTable string, rowID int64, values map[string]any) error {
	if len(values) == 0 {
		return nil
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	sets := make([]string, len(keys))
	args := make([]any, 0, len(keys)+1)
	for i, k := range keys {
		v, err := cellValue(k, values[k])
		if err != nil {
			return err
		}
		sets[i] = k + " = ?"
		args = append(args, v)
	}
	args = append(args, rowID)

	_, err := tx.ExecContext(ctx, "UPDATE "+metaTable+" SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	return err
}

// cellValue converts an action value into its stored form.
func cellValue(property string, v any) (any, error) {
	switch property {
	case "rules":
		refs, err := decodeRefs(v)
		if err != nil {
			return nil, err
		}
		return encodeRefs(refs)
	case "widgetOptions", "options":
		switch val := v.(type) {
		case nil:
			return "", nil
		case string:
			return val, nil
		default:
			b, err := json.Marshal(val)
			if err != nil {
				return nil, fmt.Errorf("encode %s: %w", property, err)
			}
			return string(b), nil
		}
	case "isFormula":
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("isFormula must be a boolean")
		}
		return b, nil
	default:
		if v == nil {
			return "", nil
		}
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%s must be a string", property)
		}
		return s, nil
	}
}

func (s *Store) tableArg(ctx context.Context, tx *sqlx.Tx, arg any) (tableRow, error) {
	tableID, _ := arg.(string)
	var table tableRow
	if err := tx.GetContext(ctx, &table, s.query("get-table"), tableID); err != nil {
		return tableRow{}, tableLookupError(tableID, err)
	}
	return table, nil
}

func tableLookupError(tableID string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: table '%s'", types.ErrNotFound, tableID)
	}
	return fmt.Errorf("look up table '%s': %w", tableID, err)
}

// decodeRefs reads a reference list in stored (JSON text) or action ("L"-tagged) form.
func decodeRefs(v any) ([]int64, error) {
	var list []any
	switch val := v.(type) {
	case nil:
		return nil, nil
	case string:
		if strings.TrimSpace(val) == "" {
			return nil, nil
		}
		if err := json.Unmarshal([]byte(val), &list); err != nil {
			return nil, fmt.Errorf("invalid reference list %q: %w", val, err)
		}
	case []any:
		list = val
	default:
		return nil, fmt.Errorf("invalid reference list of type %T", v)
	}

	if len(list) > 0 && list[0] == "L" {
		list = list[1:]
	}
	refs := make([]int64, 0, len(list))
	for _, el := range list {
		ref, ok := toInt64(el)
		if !ok {
			return nil, fmt.Errorf("invalid reference %v", el)
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

// encodeRefs stores an empty list as NULL.
func encodeRefs(refs []int64) (any, error) {
	if len(refs) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(refs)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case int32:
		return int64(n), true
	case float64:
		if n != float64(int64(n)) {
			return 0, false
		}
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		return i, err == nil
	}
	return 0, false
}

func stringOr(v any, fallback string) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return fallback
}

// uniqueID returns base, or base+sep+N for the smallest N >= 2 not in existing.
// Comparison ignores case, like the document's colId collation.
func uniqueID(base, sep string, existing []string) string {
	used := make(map[string]bool, len(existing))
	for _, id := range existing {
		used[strings.ToLower(id)] = true
	}
	if !used[strings.ToLower(base)] {
		return base
	}
	for n := 2; ; n++ {
		candidate := base + sep + strconv.Itoa(n)
		if !used[strings.ToLower(candidate)] {
			return candidate
		}
	}
}

func validIdentifier(id string) bool {
	if id == "" {
		return false
	}
	for i, r := range id {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}
