package formula

import (
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// PropertyType is the declared data type of a card property.
type PropertyType int

const (
	PropertyNumber PropertyType = iota
	PropertyDate
	PropertyText
	PropertyUser
	PropertyCard
)

var propertyTypeNames = map[PropertyType]string{
	PropertyNumber: "number",
	PropertyDate:   "date",
	PropertyText:   "text",
	PropertyUser:   "user",
	PropertyCard:   "card",
}

func (t PropertyType) String() string {
	if name, ok := propertyTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("PropertyType(%d)", int(t))
}

// ParsePropertyType converts a type name such as "number" or "Date" into a PropertyType.
func ParsePropertyType(s string) (PropertyType, error) {
	want := strings.ToLower(strings.TrimSpace(s))
	for t, name := range propertyTypeNames {
		if name == want {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown property type: %q", s)
}

// Property is the engine's view of a property definition owned by the
// persistence layer.
type Property struct {
	Name      string
	Type      PropertyType
	Precision int  // digits after the decimal point
	Formula   bool // the property is itself defined by a formula
	Hidden    bool
	Column    string // stored column name, derived from Name when empty
}

// ColumnName returns the column the property's values are stored in.
func (p *Property) ColumnName() string {
	if p.Column != "" {
		return p.Column
	}
	return ColumnNameFor(p.Name)
}

// ColumnNameFor derives the conventional "cp_" column name for a property name.
func ColumnNameFor(name string) string {
	lowered := strings.ToLower(norm.NFC.String(strings.TrimSpace(name)))
	mapped := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' {
			return r
		}
		return '_'
	}, lowered)
	return "cp_" + mapped
}

// Resolver resolves property names, as written in a formula, to definitions.
type Resolver interface {
	Resolve(name string) (*Property, bool)
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(name string) (*Property, bool)

// Resolve calls f(name).
func (f ResolverFunc) Resolve(name string) (*Property, bool) {
	return f(name)
}

// NormalizeName is the matching rule for property and variable names:
// NFC normalized, surrounding whitespace trimmed, inner whitespace runs
// collapsed and Unicode case folded.
func NormalizeName(name string) string {
	n := norm.NFC.String(name)
	n = strings.Join(strings.Fields(n), " ")
	// Casers keep state and are not shared between goroutines.
	return cases.Fold().String(n)
}

// QuoteName renders a property name so that the lexer reads it back as
// the same name: bare when that is unambiguous, single-quoted otherwise
// with embedded single quotes doubled.
func QuoteName(name string) string {
	if isBareName(name) {
		return name
	}
	return "'" + strings.ReplaceAll(name, "'", "''") + "'"
}

func isBareName(name string) bool {
	if name == "" || name != strings.TrimSpace(name) {
		return false
	}
	numericOnly := true
	for i := 0; i < len(name); i++ {
		ch := name[i]
		if isOperatorChar(ch) || isQuoteChar(ch) {
			return false
		}
		if isWhitespace(ch) && ch != ' ' {
			return false
		}
		if !isDigit(ch) && ch != '.' && !isWhitespace(ch) {
			numericOnly = false
		}
	}
	return !numericOnly
}
