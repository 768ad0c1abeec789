// Package formula implements the typed expression language used by formula
// properties: lexing and parsing of formula text, the immutable expression
// tree and its type rules, validation, and in-process evaluation.
package formula

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// NodeKind identifies the variant of an expression node
type NodeKind int

const (
	KindNumber NodeKind = iota
	KindDate
	KindNull
	KindProperty
	KindBinary
	KindNegate
)

// Node is an immutable expression tree node. Nodes hold no mutable state
// and may be shared between goroutines.
type Node interface {
	Kind() NodeKind
	// OutputType is derived from the node's children on every call.
	OutputType() Type
	// String renders canonical formula text that parses back to an equal
	// tree. A literal substituted for a variable renders as the variable
	// name, so compiled trees bind back to the same values.
	String() string
}

// NumberLiteral represents a numeric constant
type NumberLiteral struct {
	value    decimal.Decimal
	variable string
}

func (n *NumberLiteral) Kind() NodeKind {
	return KindNumber
}

func (n *NumberLiteral) String() string {
	if n.variable != "" {
		return QuoteName(n.variable)
	}
	return n.value.String()
}

func (n *NumberLiteral) Value() decimal.Decimal {
	return n.value
}

// DateLiteral represents a date constant. Dates only enter a tree through
// variable substitution, the grammar has no date literal syntax.
type DateLiteral struct {
	value    time.Time
	variable string
}

func (d *DateLiteral) Kind() NodeKind {
	return KindDate
}

// String renders the variable name. A date built without one has no
// formula syntax and renders as quoted ISO text.
func (d *DateLiteral) String() string {
	if d.variable != "" {
		return QuoteName(d.variable)
	}
	return "'" + d.value.Format(DateLayout) + "'"
}

func (d *DateLiteral) Value() time.Time {
	return d.value
}

// NullLiteral represents an absent value
type NullLiteral struct {
	variable string
}

func (n *NullLiteral) Kind() NodeKind {
	return KindNull
}

func (n *NullLiteral) String() string {
	if n.variable != "" {
		return QuoteName(n.variable)
	}
	return "null"
}

// PropertyRef references a card property by name. A bound reference
// carries the resolved definition.
type PropertyRef struct {
	name     string
	property *Property
}

func (p *PropertyRef) Kind() NodeKind {
	return KindProperty
}

func (p *PropertyRef) String() string {
	return QuoteName(p.name)
}

// Name returns the name as written in the formula.
func (p *PropertyRef) Name() string {
	return p.name
}

// Property returns the resolved definition, or nil when the reference is
// unbound or names an unknown property.
func (p *PropertyRef) Property() *Property {
	return p.property
}

// Operator is a binary arithmetic operator
type Operator int

const (
	OpAdd Operator = iota
	OpSub
	OpMul
	OpDiv
)

func (o Operator) String() string {
	switch o {
	case OpAdd:
		return "+"
	case OpSub:
		return "-"
	case OpMul:
		return "*"
	case OpDiv:
		return "/"
	}
	return fmt.Sprintf("Operator(%d)", int(o))
}

func (o Operator) precedence() int {
	if o == OpMul || o == OpDiv {
		return precedenceProduct
	}
	return precedenceSum
}

// BinaryExpr represents an arithmetic operation on two operands
type BinaryExpr struct {
	op    Operator
	left  Node
	right Node
}

func (b *BinaryExpr) Kind() NodeKind {
	return KindBinary
}

func (b *BinaryExpr) String() string {
	var sb strings.Builder
	writeOperand(&sb, b.left, needsParens(b.left, b.op.precedence(), false))
	sb.WriteString(" ")
	sb.WriteString(b.op.String())
	sb.WriteString(" ")
	writeOperand(&sb, b.right, needsParens(b.right, b.op.precedence(), true))
	return sb.String()
}

func (b *BinaryExpr) Op() Operator {
	return b.op
}

func (b *BinaryExpr) Left() Node {
	return b.left
}

func (b *BinaryExpr) Right() Node {
	return b.right
}

// NegateExpr represents unary minus
type NegateExpr struct {
	operand Node
}

func (n *NegateExpr) Kind() NodeKind {
	return KindNegate
}

func (n *NegateExpr) String() string {
	var sb strings.Builder
	sb.WriteString("-")
	writeOperand(&sb, n.operand, n.operand.Kind() == KindBinary)
	return sb.String()
}

func (n *NegateExpr) Operand() Node {
	return n.operand
}

// needsParens reports whether child must be parenthesized under a binary
// operator of the given precedence. Operators are left associative, so a
// right-hand child of equal precedence keeps its parentheses.
func needsParens(child Node, parent int, right bool) bool {
	b, ok := child.(*BinaryExpr)
	if !ok {
		return false
	}
	if right {
		return b.op.precedence() <= parent
	}
	return b.op.precedence() < parent
}

func writeOperand(sb *strings.Builder, n Node, parens bool) {
	if parens {
		sb.WriteString("(")
		sb.WriteString(n.String())
		sb.WriteString(")")
		return
	}
	sb.WriteString(n.String())
}

// Constructor functions

// Number creates a numeric literal
func Number(value decimal.Decimal) *NumberLiteral {
	return &NumberLiteral{value: value}
}

// Int creates a numeric literal from an integer
func Int(value int64) *NumberLiteral {
	return &NumberLiteral{value: decimal.NewFromInt(value)}
}

// Date creates a date literal; the time of day is discarded
func Date(value time.Time) *DateLiteral {
	return &DateLiteral{value: truncateDate(value)}
}

// Null creates the null literal
func Null() *NullLiteral {
	return &NullLiteral{}
}

// Ref creates an unbound property reference
func Ref(name string) *PropertyRef {
	return &PropertyRef{name: name}
}

// BoundRef creates a property reference resolved to property
func BoundRef(name string, property *Property) *PropertyRef {
	return &PropertyRef{name: name, property: property}
}

// Add creates an addition expression
func Add(left, right Node) *BinaryExpr {
	return &BinaryExpr{op: OpAdd, left: left, right: right}
}

// Sub creates a subtraction expression
func Sub(left, right Node) *BinaryExpr {
	return &BinaryExpr{op: OpSub, left: left, right: right}
}

// Mul creates a multiplication expression
func Mul(left, right Node) *BinaryExpr {
	return &BinaryExpr{op: OpMul, left: left, right: right}
}

// Div creates a division expression
func Div(left, right Node) *BinaryExpr {
	return &BinaryExpr{op: OpDiv, left: left, right: right}
}

// Binary creates a binary expression for op
func Binary(op Operator, left, right Node) *BinaryExpr {
	return &BinaryExpr{op: op, left: left, right: right}
}

// Negate creates a unary minus expression
func Negate(operand Node) *NegateExpr {
	return &NegateExpr{operand: operand}
}

// Equal reports whether two trees have the same structure and values.
// Property references compare by normalized name.
func Equal(a, b Node) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if a.Kind() != b.Kind() {
		return false
	}
	switch x := a.(type) {
	case *NumberLiteral:
		return x.value.Equal(b.(*NumberLiteral).value)
	case *DateLiteral:
		return x.value.Equal(b.(*DateLiteral).value)
	case *NullLiteral:
		return true
	case *PropertyRef:
		return NormalizeName(x.name) == NormalizeName(b.(*PropertyRef).name)
	case *BinaryExpr:
		y := b.(*BinaryExpr)
		return x.op == y.op && Equal(x.left, y.left) && Equal(x.right, y.right)
	case *NegateExpr:
		return Equal(x.operand, b.(*NegateExpr).operand)
	}
	return false
}

// Walk visits n and its descendants depth-first, left to right. Returning
// false from fn skips the children of the visited node.
func Walk(n Node, fn func(Node) bool) {
	if n == nil || !fn(n) {
		return
	}
	switch x := n.(type) {
	case *BinaryExpr:
		Walk(x.left, fn)
		Walk(x.right, fn)
	case *NegateExpr:
		Walk(x.operand, fn)
	}
}

// References returns the property references of n in source order.
func References(n Node) []*PropertyRef {
	var refs []*PropertyRef
	Walk(n, func(node Node) bool {
		if ref, ok := node.(*PropertyRef); ok {
			refs = append(refs, ref)
		}
		return true
	})
	return refs
}

// ReferencedNames returns the distinct referenced names, first occurrence
// wins, compared by NormalizeName.
func ReferencedNames(n Node) []string {
	seen := make(map[string]bool)
	var names []string
	for _, ref := range References(n) {
		key := NormalizeName(ref.name)
		if seen[key] {
			continue
		}
		seen[key] = true
		names = append(names, ref.name)
	}
	return names
}

// IsConstant reports whether n contains no property references.
func IsConstant(n Node) bool {
	return len(References(n)) == 0
}
