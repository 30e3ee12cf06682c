// internal/rules/formula.go
package rules

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/solatis/condfmt/internal/types"
)

/*
 * Local formula validation.
 *
 * Checks surface syntax only; the document service evaluates the expression.
 * Formulas are Python bodies, so multi-line code with local assignments and
 * a final return is legal.
 *
 * Checks, in order:
 *   1. non-empty after trimming
 *   2. at most types.MaxFormulaLength runes
 *   3. string literals are terminated: '...' and "..." with backslash
 *      escapes end at the line, ''' and """ may span lines
 *   4. (), [] and {} are balanced outside string literals and # comments
 *
 * Every failure is a *types.ValidationError carrying a fix-it suggestion when
 * one can be derived mechanically.
 */

var closerFor = map[rune]rune{'(': ')', '[': ']', '{': '}'}

var openerFor = map[rune]rune{')': '(', ']': '[', '}': '{'}

// ValidateFormula checks the surface syntax of a rule expression.
func ValidateFormula(formula string) error {
	if strings.TrimSpace(formula) == "" {
		return types.NewFormulaError("formula is empty", `provide a condition such as "$Price > 100"`)
	}

	if n := utf8.RuneCountInString(formula); n > types.MaxFormulaLength {
		return types.NewFormulaError(
			fmt.Sprintf("formula is %d characters long, maximum is %d", n, types.MaxFormulaLength),
			"move shared logic into a formula column and reference it from the rule",
		)
	}

	return checkBrackets(formula)
}

type openBracket struct {
	char rune
	pos  int
}

// stringLiteral is the literal the scanner is inside of, if any.
type stringLiteral struct {
	quote  rune
	triple bool
	pos    int
}

func (s stringLiteral) delimiter() string {
	if s.triple {
		return strings.Repeat(string(s.quote), 3)
	}
	return string(s.quote)
}

func unterminated(s stringLiteral) error {
	return types.NewFormulaError(
		fmt.Sprintf("unterminated string literal starting at position %d", s.pos),
		fmt.Sprintf("add a closing %s", s.delimiter()),
	)
}

// tripleAt reports whether runes[i:i+3] is three q's.
func tripleAt(runes []rune, i int, q rune) bool {
	return i+2 < len(runes) && runes[i] == q && runes[i+1] == q && runes[i+2] == q
}

func checkBrackets(formula string) error {
	runes := []rune(formula)
	var stack []openBracket
	var str *stringLiteral
	comment := false
	escaped := false

	for pos := 0; pos < len(runes); pos++ {
		r := runes[pos]
		switch {
		case comment:
			if r == '\n' {
				comment = false
			}
		case str != nil:
			switch {
			case escaped:
				escaped = false
			case r == '\\':
				escaped = true
			case str.triple && tripleAt(runes, pos, str.quote):
				pos += 2
				str = nil
			case !str.triple && r == str.quote:
				str = nil
			case !str.triple && r == '\n':
				return unterminated(*str)
			}
		case r == '#':
			comment = true
		case r == '\'' || r == '"':
			str = &stringLiteral{quote: r, pos: pos}
			if tripleAt(runes, pos, r) {
				str.triple = true
				pos += 2
			}
		case closerFor[r] != 0:
			stack = append(stack, openBracket{char: r, pos: pos})
		case openerFor[r] != 0:
			if len(stack) == 0 {
				return types.NewFormulaError(
					fmt.Sprintf("unbalanced parentheses: unmatched %q at position %d", r, pos),
					fmt.Sprintf("remove the extra %q or add a matching %q earlier", r, openerFor[r]),
				)
			}
			top := stack[len(stack)-1]
			if closerFor[top.char] != r {
				return types.NewFormulaError(
					fmt.Sprintf("unbalanced parentheses: %q at position %d closes %q opened at position %d", r, pos, top.char, top.pos),
					fmt.Sprintf("replace %q with %q", r, closerFor[top.char]),
				)
			}
			stack = stack[:len(stack)-1]
		}
	}

	if str != nil {
		return unterminated(*str)
	}

	if len(stack) > 0 {
		var missing strings.Builder
		for i := len(stack) - 1; i >= 0; i-- {
			missing.WriteRune(closerFor[stack[i].char])
		}
		first := stack[0]
		return types.NewFormulaError(
			fmt.Sprintf("unbalanced parentheses: %d unclosed, first %q at position %d", len(stack), first.char, first.pos),
			fmt.Sprintf("append %q", missing.String()),
		)
	}

	return nil
}
