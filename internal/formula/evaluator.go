package formula

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	ferrors "github.com/paveg/cardformula/internal/errors"
)

// DefaultDivisionScale is the number of fractional digits kept by division.
const DefaultDivisionScale = 16

// CardID identifies the card an expression is evaluated for
type CardID int64

// ValueLookup returns the current value of a property on a card. Unset
// properties are reported as a null Value, not as an error.
type ValueLookup interface {
	Lookup(card CardID, property string) (Value, error)
}

// LookupFunc adapts a function to the ValueLookup interface
type LookupFunc func(card CardID, property string) (Value, error)

// Lookup calls f(card, property).
func (f LookupFunc) Lookup(card CardID, property string) (Value, error) {
	return f(card, property)
}

// MapLookup serves values from a map keyed by normalized property name,
// regardless of card.
type MapLookup map[string]Value

// Lookup returns the value stored under the normalized name, or null.
func (m MapLookup) Lookup(_ CardID, property string) (Value, error) {
	return m[NormalizeName(property)], nil
}

// EvaluationContext is the card an expression is evaluated for and the
// source of its property values.
type EvaluationContext struct {
	Card   CardID
	Values ValueLookup
}

// Evaluator computes expression values. It holds only configuration and
// may be shared between goroutines.
type Evaluator struct {
	divisionScale int32
}

// EvaluatorOption configures an Evaluator
type EvaluatorOption func(*Evaluator)

// WithDivisionScale sets the number of fractional digits kept by division.
func WithDivisionScale(scale int32) EvaluatorOption {
	return func(e *Evaluator) {
		if scale >= 0 {
			e.divisionScale = scale
		}
	}
}

// NewEvaluator creates a new expression evaluator
func NewEvaluator(opts ...EvaluatorOption) *Evaluator {
	e := &Evaluator{divisionScale: DefaultDivisionScale}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

var defaultEvaluator = NewEvaluator()

// Evaluate evaluates n with the default evaluator.
func Evaluate(n Node, ctx EvaluationContext) (Value, error) {
	return defaultEvaluator.Evaluate(n, ctx)
}

// Evaluate computes the value of n for ctx.Card. Null operands make every
// operator null and a zero divisor makes the division null; neither is an
// error. An UnsupportedOperationError means n never passed validation.
func (e *Evaluator) Evaluate(n Node, ctx EvaluationContext) (Value, error) {
	switch node := n.(type) {
	case *NumberLiteral:
		return NumberValue(node.value), nil
	case *DateLiteral:
		return DateValue(node.value), nil
	case *NullLiteral:
		return NullValue(), nil
	case *PropertyRef:
		return e.evaluateProperty(node, ctx)
	case *BinaryExpr:
		return e.evaluateBinary(node, ctx)
	case *NegateExpr:
		return e.evaluateNegate(node, ctx)
	case nil:
		return NullValue(), ferrors.NewInvalidInputError("Evaluate", "expression is nil")
	default:
		return NullValue(), ferrors.NewUnsupportedOperationError("evaluate", fmt.Sprintf("%T", n), "")
	}
}

func (e *Evaluator) evaluateProperty(ref *PropertyRef, ctx EvaluationContext) (Value, error) {
	name := ref.name
	if ref.property != nil {
		name = ref.property.Name
	}
	if ctx.Values == nil {
		return NullValue(), ferrors.NewInvalidInputError("Evaluate",
			fmt.Sprintf("no value lookup available for property %s", name))
	}
	v, err := ctx.Values.Lookup(ctx.Card, name)
	if err != nil {
		return NullValue(), fmt.Errorf("looking up %s for card %d: %w", name, ctx.Card, err)
	}
	return v, nil
}

func (e *Evaluator) evaluateBinary(b *BinaryExpr, ctx EvaluationContext) (Value, error) {
	left, err := e.Evaluate(b.left, ctx)
	if err != nil {
		return NullValue(), err
	}
	right, err := e.Evaluate(b.right, ctx)
	if err != nil {
		return NullValue(), err
	}

	switch b.op {
	case OpMul, OpDiv:
		if left.kind == ValueDate || right.kind == ValueDate {
			return NullValue(), unsupported(b.op, left, right)
		}
		if left.IsNull() || right.IsNull() {
			return NullValue(), nil
		}
		if b.op == OpMul {
			return NumberValue(left.number.Mul(right.number)), nil
		}
		if right.number.IsZero() {
			return NullValue(), nil
		}
		return NumberValue(left.number.DivRound(right.number, e.divisionScale)), nil

	case OpAdd:
		if left.kind == ValueDate && right.kind == ValueDate {
			return NullValue(), unsupported(b.op, left, right)
		}
		if left.IsNull() || right.IsNull() {
			return NullValue(), nil
		}
		switch {
		case left.kind == ValueDate:
			return DateValue(addDays(left.date, right.number)), nil
		case right.kind == ValueDate:
			return DateValue(addDays(right.date, left.number)), nil
		}
		return NumberValue(left.number.Add(right.number)), nil

	case OpSub:
		if left.kind == ValueNumber && right.kind == ValueDate {
			return NullValue(), unsupported(b.op, left, right)
		}
		if left.IsNull() || right.IsNull() {
			return NullValue(), nil
		}
		switch {
		case left.kind == ValueDate && right.kind == ValueDate:
			return IntValue(epochDay(left.date) - epochDay(right.date)), nil
		case left.kind == ValueDate:
			return DateValue(addDays(left.date, right.number.Neg())), nil
		}
		return NumberValue(left.number.Sub(right.number)), nil
	}
	return NullValue(), unsupported(b.op, left, right)
}

func (e *Evaluator) evaluateNegate(n *NegateExpr, ctx EvaluationContext) (Value, error) {
	v, err := e.Evaluate(n.operand, ctx)
	if err != nil {
		return NullValue(), err
	}
	switch v.kind {
	case ValueNull:
		return v, nil
	case ValueNumber:
		return NumberValue(v.number.Neg()), nil
	}
	return NullValue(), ferrors.NewUnsupportedOperationError("negate", v.String(), "")
}

// addDays moves date by days rounded to the nearest whole day, halves
// away from zero (2.5 -> 3, -2.5 -> -3).
func addDays(date time.Time, days decimal.Decimal) time.Time {
	return date.AddDate(0, 0, int(days.Round(0).IntPart()))
}

func unsupported(op Operator, left, right Value) error {
	return ferrors.NewUnsupportedOperationError(op.String(), describeValue(left), describeValue(right))
}

func describeValue(v Value) string {
	if v.IsNull() {
		return "null"
	}
	return v.String()
}
