// internal/rules/style.go
package rules

import (
	"encoding/json"
	"regexp"

	"github.com/solatis/condfmt/internal/types"
)

// colorPattern accepts exactly #RRGGBB.
var colorPattern = regexp.MustCompile(`^#[0-9A-Fa-f]{6}$`)

// ValidateStyle checks color properties; flag properties need no validation.
func ValidateStyle(style types.StyleOptions) error {
	if style.FillColor != nil && !colorPattern.MatchString(*style.FillColor) {
		return types.NewStyleError("fillColor", "must be a 6-digit hex color like #FF0000, got "+quote(*style.FillColor))
	}
	if style.TextColor != nil && !colorPattern.MatchString(*style.TextColor) {
		return types.NewStyleError("textColor", "must be a 6-digit hex color like #FF0000, got "+quote(*style.TextColor))
	}
	return nil
}

// EncodeStyle converts one style into the object stored in rulesOptions.
// Unset properties are omitted.
func EncodeStyle(style types.StyleOptions) map[string]any {
	out := make(map[string]any)
	if style.FillColor != nil {
		out["fillColor"] = *style.FillColor
	}
	if style.TextColor != nil {
		out["textColor"] = *style.TextColor
	}
	if style.FontBold != nil {
		out["fontBold"] = *style.FontBold
	}
	if style.FontItalic != nil {
		out["fontItalic"] = *style.FontItalic
	}
	if style.FontUnderline != nil {
		out["fontUnderline"] = *style.FontUnderline
	}
	if style.FontStrikethrough != nil {
		out["fontStrikethrough"] = *style.FontStrikethrough
	}
	return out
}

// EncodeStyles converts a style list into the rulesOptions array.
func EncodeStyles(styles []types.StyleOptions) []any {
	out := make([]any, len(styles))
	for i, s := range styles {
		out[i] = EncodeStyle(s)
	}
	return out
}

// DecodeStyle reads one rulesOptions element. Unknown keys and values of the
// wrong type are ignored; anything that is not an object decodes to an empty style.
func DecodeStyle(v any) types.StyleOptions {
	var style types.StyleOptions
	obj, ok := v.(map[string]any)
	if !ok {
		return style
	}
	if s, ok := obj["fillColor"].(string); ok {
		style.FillColor = types.Ptr(s)
	}
	if s, ok := obj["textColor"].(string); ok {
		style.TextColor = types.Ptr(s)
	}
	if b, ok := obj["fontBold"].(bool); ok {
		style.FontBold = types.Ptr(b)
	}
	if b, ok := obj["fontItalic"].(bool); ok {
		style.FontItalic = types.Ptr(b)
	}
	if b, ok := obj["fontUnderline"].(bool); ok {
		style.FontUnderline = types.Ptr(b)
	}
	if b, ok := obj["fontStrikethrough"].(bool); ok {
		style.FontStrikethrough = types.Ptr(b)
	}
	return style
}

// DecodeStyles reads the rulesOptions array; a missing or malformed value
// decodes to an empty list.
func DecodeStyles(v any) []types.StyleOptions {
	arr, ok := v.([]any)
	if !ok {
		return []types.StyleOptions{}
	}
	out := make([]types.StyleOptions, len(arr))
	for i, el := range arr {
		out[i] = DecodeStyle(el)
	}
	return out
}

func quote(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
