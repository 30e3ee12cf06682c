// internal/rules/blob.go
package rules

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/solatis/condfmt/internal/types"
)

/*
 * Helpers for the JSON-encoded cells of metadata records.
 *
 *   - reference lists ("rules"):   nil | "[1,2]" | ["L",1,2] | []any{1,2}
 *   - option blobs (widgetOptions / options): "" | nil | JSON object text
 *
 * Blobs are decoded with UseNumber so sibling fields written by other tools
 * round-trip without float conversion.
 */

const rulesOptionsKey = "rulesOptions"

// refListMarker tags an encoded reference list in user actions.
const refListMarker = "L"

// parseRefList decodes a reference list cell in any of its wire forms.
func parseRefList(v any) ([]int64, error) {
	switch val := v.(type) {
	case nil:
		return []int64{}, nil
	case string:
		s := strings.TrimSpace(val)
		if s == "" {
			return []int64{}, nil
		}
		var decoded []any
		dec := json.NewDecoder(strings.NewReader(s))
		dec.UseNumber()
		if err := dec.Decode(&decoded); err != nil {
			return nil, fmt.Errorf("decode reference list %q: %w", s, err)
		}
		return parseRefList(decoded)
	case []byte:
		return parseRefList(string(val))
	case []any:
		if len(val) > 0 {
			if marker, ok := val[0].(string); ok && marker == refListMarker {
				val = val[1:]
			}
		}
		refs := make([]int64, 0, len(val))
		for _, el := range val {
			ref, ok := toInt64(el)
			if !ok {
				return nil, fmt.Errorf("reference list element %v is not an integer", el)
			}
			refs = append(refs, ref)
		}
		return refs, nil
	}
	return nil, fmt.Errorf("unsupported reference list value of type %T", v)
}

// encodeRefList produces the user-action encoding of a reference list.
func encodeRefList(refs []int64) any {
	if len(refs) == 0 {
		return nil
	}
	out := make([]any, 0, len(refs)+1)
	out = append(out, refListMarker)
	for _, r := range refs {
		out = append(out, r)
	}
	return out
}

// parseOptionsBlob decodes an options cell into a map; empty cells decode to an empty map.
func parseOptionsBlob(v any) (map[string]any, error) {
	var raw string
	switch val := v.(type) {
	case nil:
		return map[string]any{}, nil
	case string:
		raw = val
	case []byte:
		raw = string(val)
	case map[string]any:
		return val, nil
	default:
		return nil, fmt.Errorf("unsupported options value of type %T", v)
	}

	if strings.TrimSpace(raw) == "" {
		return map[string]any{}, nil
	}

	blob := map[string]any{}
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&blob); err != nil {
		return nil, fmt.Errorf("decode options blob: %w", err)
	}
	if blob == nil {
		blob = map[string]any{}
	}
	return blob, nil
}

// mergeRulesOptions replaces the rulesOptions key of blob and re-encodes it.
// The caller's map is not modified.
func mergeRulesOptions(blob map[string]any, styles []types.StyleOptions) (string, error) {
	merged := make(map[string]any, len(blob)+1)
	for k, v := range blob {
		merged[k] = v
	}
	merged[rulesOptionsKey] = EncodeStyles(styles)

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(merged); err != nil {
		return "", fmt.Errorf("encode options blob: %w", err)
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

// alignStyles pads or truncates styles to n entries so both lists line up.
func alignStyles(styles []types.StyleOptions, n int) []types.StyleOptions {
	out := make([]types.StyleOptions, n)
	copy(out, styles)
	return out
}

// spliceRules removes position index from both lists, shifting later rules down.
func spliceRules(state types.RulesAndStyles, index int) types.RulesAndStyles {
	refs := make([]int64, 0, len(state.HelperColRefs)-1)
	refs = append(refs, state.HelperColRefs[:index]...)
	refs = append(refs, state.HelperColRefs[index+1:]...)

	styles := make([]types.StyleOptions, 0, len(state.Styles)-1)
	styles = append(styles, state.Styles[:index]...)
	styles = append(styles, state.Styles[index+1:]...)

	return types.RulesAndStyles{HelperColRefs: refs, Styles: styles}
}

// rowValue looks up key in row, falling back to a case-insensitive match for
// drivers that fold unquoted identifiers.
func rowValue(row types.Row, key string) (any, bool) {
	if v, ok := row[key]; ok {
		return v, true
	}
	for k, v := range row {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return nil, false
}

// firstDefinedRef returns the first positive reference found scanning rows in
// order and, within each row, keys in order. It is the owner lookup shared by
// every scope.
func firstDefinedRef(rows []types.Row, keys ...string) (int64, bool) {
	for _, row := range rows {
		for _, key := range keys {
			v, ok := rowValue(row, key)
			if !ok {
				continue
			}
			if ref, ok := toInt64(v); ok && ref > 0 {
				return ref, true
			}
		}
	}
	return 0, false
}

// toInt64 converts the numeric forms produced by JSON decoding and SQL drivers.
func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
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
	case []byte:
		i, err := strconv.ParseInt(string(n), 10, 64)
		return i, err == nil
	}
	return 0, false
}

// toString converts text cells, which some drivers return as []byte.
func toString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case []byte:
		return string(s)
	}
	return fmt.Sprint(v)
}
