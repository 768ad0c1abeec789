package deps

import (
	"strings"

	"github.com/paveg/cardformula/internal/formula"
)

// cardAttributes are card fields a condition may filter on that are not
// project properties. Keys are normalized.
var cardAttributes = map[string]bool{
	"type":   true,
	"name":   true,
	"number": true,
}

type condTokenKind int

const (
	condWord    condTokenKind = iota
	condName                  // quoted or bracketed property name
	condCompare               // = != <> < > <= >=
	condOpen
	condClose
	condComma
)

type condToken struct {
	kind condTokenKind
	text string
}

// tokenizeCondition splits an aggregate condition into words, names,
// comparison operators, parentheses and commas. Quoted names follow the
// formula quoting rules; [name] is a bracketed name.
func tokenizeCondition(text string) []condToken {
	var tokens []condToken
	for i := 0; i < len(text); {
		c := text[i]
		switch {
		case isConditionSpace(c):
			i++
		case c == '\'' || c == '"':
			l := formula.NewLexer(text[i:])
			tok := l.NextToken()
			if tok.Type == formula.QUOTED {
				tokens = append(tokens, condToken{condName, tok.Literal})
			}
			i += max(l.Offset(), 1)
		case c == '[':
			end := strings.IndexByte(text[i+1:], ']')
			if end < 0 {
				return tokens
			}
			if name := strings.TrimSpace(text[i+1 : i+1+end]); name != "" {
				tokens = append(tokens, condToken{condName, name})
			}
			i += end + 2
		case c == '(':
			tokens = append(tokens, condToken{condOpen, "("})
			i++
		case c == ')':
			tokens = append(tokens, condToken{condClose, ")"})
			i++
		case c == ',':
			tokens = append(tokens, condToken{condComma, ","})
			i++
		case isCompareChar(c):
			j := i + 1
			for j < len(text) && isCompareChar(text[j]) && text[j] != '!' {
				j++
			}
			tokens = append(tokens, condToken{condCompare, text[i:j]})
			i = j
		default:
			j := i
			for j < len(text) && !isConditionDelimiter(text[j]) {
				j++
			}
			tokens = append(tokens, condToken{condWord, text[i:j]})
			i = j
		}
	}
	return tokens
}

// conditionProperties returns the property names a condition filters on:
// the left operand of every comparison and the operand of PROPERTY on the
// value side. Bare operands may span several words.
func conditionProperties(text string) []string {
	var (
		names    []string
		operand  []string
		inValue  bool
		property bool
		depth    int
	)
	flush := func() {
		if len(operand) > 0 {
			names = append(names, strings.Join(operand, " "))
		}
		operand = nil
	}
	endValue := func() {
		if property {
			flush()
		}
		operand, inValue, property, depth = nil, false, false, 0
	}

	for _, tok := range tokenizeCondition(text) {
		keyword := ""
		if tok.kind == condWord {
			keyword = strings.ToUpper(tok.text)
		}

		if !inValue {
			switch {
			case keyword == "AND", keyword == "OR", keyword == "NOT",
				tok.kind == condOpen, tok.kind == condClose, tok.kind == condComma:
				operand = nil
			case tok.kind == condCompare, keyword == "IS", keyword == "IN":
				flush()
				inValue = true
			default:
				operand = append(operand, tok.text)
			}
			continue
		}

		switch {
		case keyword == "AND" || keyword == "OR":
			if depth == 0 {
				endValue()
			}
		case tok.kind == condOpen:
			depth++
		case tok.kind == condClose:
			if depth == 0 {
				endValue()
			} else {
				depth--
			}
		case tok.kind == condComma:
			if property {
				flush()
				property = false
			}
		case keyword == "PROPERTY":
			property = true
			operand = nil
		case property:
			operand = append(operand, tok.text)
		}
	}
	if inValue {
		endValue()
	}
	return names
}

func isConditionSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

func isCompareChar(c byte) bool {
	return c == '=' || c == '!' || c == '<' || c == '>'
}

func isConditionDelimiter(c byte) bool {
	switch c {
	case '\'', '"', '[', ']', '(', ')', ',':
		return true
	}
	return isConditionSpace(c) || isCompareChar(c)
}
