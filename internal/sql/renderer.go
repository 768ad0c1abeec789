package sql

import (
	"errors"
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"

	ferrors "github.com/paveg/cardformula/internal/errors"
	"github.com/paveg/cardformula/internal/formula"
)

const (
	// DefaultPrecision is the number of fractional digits of a rendered result.
	DefaultPrecision = 2
	// DefaultIntermediateScale is the scale every intermediate value is cast to.
	DefaultIntermediateScale = 10
)

// Overrides replaces property columns with literal values, keyed by
// normalized property name. A nil or blank literal renders as NULL.
type Overrides map[string]*string

// NewOverrides creates an empty override set.
func NewOverrides() Overrides {
	return make(Overrides)
}

// Set overrides the property name with a literal in the property's own
// text format (a decimal or a date).
func (o Overrides) Set(name, literal string) Overrides {
	o[formula.NormalizeName(name)] = &literal
	return o
}

// SetNull overrides the property name with NULL.
func (o Overrides) SetNull(name string) Overrides {
	o[formula.NormalizeName(name)] = nil
	return o
}

func (o Overrides) lookup(name string) (*string, bool) {
	literal, ok := o[formula.NormalizeName(name)]
	return literal, ok
}

// RenderContext holds everything a fragment depends on besides the tree.
type RenderContext struct {
	// Table qualifies column references; empty renders bare columns.
	Table     string
	Dialect   Dialect
	Overrides Overrides
	// Precision is the number of fractional digits of the final result.
	Precision int
	// IntermediateScale is the number of fractional digits kept by every
	// intermediate arithmetic step.
	IntermediateScale int
}

// WithDefaults returns a copy of ctx with zero fields set to their defaults.
func (ctx RenderContext) WithDefaults() RenderContext {
	if ctx.Dialect == nil {
		ctx.Dialect = Generic
	}
	if ctx.Precision <= 0 {
		ctx.Precision = DefaultPrecision
	}
	if ctx.IntermediateScale <= 0 {
		ctx.IntermediateScale = DefaultIntermediateScale
	}
	return ctx
}

// Render compiles a bound, valid expression tree into a SQL fragment. The
// output depends only on n and ctx, so equal inputs render identical text.
// Number results are cast to the context precision; date results are
// left as dates.
func Render(n formula.Node, ctx RenderContext) (string, error) {
	if n == nil {
		return "", ferrors.NewInvalidInputError("Render", "expression is nil")
	}
	r := &renderer{ctx: ctx.WithDefaults()}

	for _, ref := range formula.References(n) {
		if ref.Property() == nil {
			return "", fmt.Errorf("%w: %s", ferrors.ErrUnboundExpression, formula.QuoteName(ref.Name()))
		}
	}

	outputType := n.OutputType()
	if outputType == formula.TypeInvalid {
		return "", ferrors.NewInvalidInputError("Render", fmt.Sprintf("expression %s is not valid", n))
	}

	body, err := r.expr(n)
	if err != nil {
		return "", err
	}
	if outputType == formula.TypeDate {
		return body, nil
	}
	return r.ctx.Dialect.Decimal(body, r.ctx.Precision), nil
}

// Fingerprint returns a stable hash of a rendered fragment.
func Fingerprint(fragment string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(fragment))
}

type renderer struct {
	ctx RenderContext
}

func (r *renderer) expr(n formula.Node) (string, error) {
	switch node := n.(type) {
	case *formula.NumberLiteral:
		literal := node.Value().String()
		if node.Value().IsNegative() {
			return "(" + literal + ")", nil
		}
		return literal, nil
	case *formula.DateLiteral:
		return r.ctx.Dialect.DateLiteral(node.Value()), nil
	case *formula.NullLiteral:
		return "NULL", nil
	case *formula.PropertyRef:
		return r.property(node.Property())
	case *formula.NegateExpr:
		operand, err := r.expr(node.Operand())
		if err != nil {
			return "", err
		}
		return "(-" + operand + ")", nil
	case *formula.BinaryExpr:
		return r.binary(node)
	}
	return "", ferrors.NewUnsupportedOperationError("render", fmt.Sprintf("%T", n), "")
}

func (r *renderer) property(prop *formula.Property) (string, error) {
	literal, ok := r.ctx.Overrides.lookup(prop.Name)
	if !ok {
		return r.ctx.Dialect.Column(r.ctx.Table, prop.ColumnName()), nil
	}
	if literal == nil || strings.TrimSpace(*literal) == "" {
		return "NULL", nil
	}

	v, err := formula.ParseValue(*literal, prop.Type)
	if err != nil {
		return "", ferrors.NewInvalidLiteralError("Render", prop.Name, *literal, err)
	}
	if v.Kind() == formula.ValueDate {
		return r.ctx.Dialect.DateLiteral(v.Date()), nil
	}
	if v.Number().IsNegative() {
		return "(" + v.Number().String() + ")", nil
	}
	return v.Number().String(), nil
}

func (r *renderer) binary(b *formula.BinaryExpr) (string, error) {
	leftType, rightType := b.Left().OutputType(), b.Right().OutputType()
	if leftType == formula.TypeDate || rightType == formula.TypeDate {
		return r.dateArithmetic(b, leftType, rightType)
	}

	left, err := r.operand(b.Left())
	if err != nil {
		return "", err
	}
	right, err := r.operand(b.Right())
	if err != nil {
		return "", err
	}

	if b.Op() == formula.OpDiv {
		quotient := r.numeric(fmt.Sprintf("(%s / NULLIF(%s, 0))", left, right))
		if r.constantZero(b.Right()) {
			return fmt.Sprintf("CASE WHEN %s = 0 THEN NULL ELSE %s END", right, quotient), nil
		}
		return quotient, nil
	}
	return r.numeric(fmt.Sprintf("(%s %s %s)", left, b.Op(), right)), nil
}

// operand renders one side of a numeric operator. Leaves are cast to the
// intermediate type so the operator never works on integers.
func (r *renderer) operand(n formula.Node) (string, error) {
	out, err := r.expr(n)
	if err != nil {
		return "", err
	}
	switch n.(type) {
	case *formula.NumberLiteral, *formula.PropertyRef, *formula.NegateExpr:
		if out != "NULL" {
			return r.numeric(out), nil
		}
	}
	return out, nil
}

func (r *renderer) dateArithmetic(b *formula.BinaryExpr, leftType, rightType formula.Type) (string, error) {
	left, err := r.expr(b.Left())
	if err != nil {
		return "", err
	}
	right, err := r.expr(b.Right())
	if err != nil {
		return "", err
	}

	d := r.ctx.Dialect
	switch b.Op() {
	case formula.OpAdd:
		if leftType == formula.TypeDate {
			return d.AddDays(left, right), nil
		}
		return d.AddDays(right, left), nil
	case formula.OpSub:
		if rightType == formula.TypeDate {
			return r.numeric(d.DaysBetween(left, right)), nil
		}
		return d.SubtractDays(left, right), nil
	}
	return "", ferrors.NewUnsupportedOperationError(b.Op().String(), leftType.String(), rightType.String())
}

func (r *renderer) numeric(expr string) string {
	return r.ctx.Dialect.Decimal(expr, r.ctx.IntermediateScale)
}

var errNotConstant = errors.New("not constant")

// constantZero reports whether n folds to zero once overridden properties
// are replaced by their literals.
func (r *renderer) constantZero(n formula.Node) bool {
	props := make(map[string]*formula.Property)
	for _, ref := range formula.References(n) {
		props[formula.NormalizeName(ref.Property().Name)] = ref.Property()
	}

	lookup := formula.LookupFunc(func(_ formula.CardID, name string) (formula.Value, error) {
		literal, ok := r.ctx.Overrides.lookup(name)
		if !ok {
			return formula.NullValue(), errNotConstant
		}
		if literal == nil {
			return formula.NullValue(), nil
		}
		return formula.ParseValue(*literal, props[formula.NormalizeName(name)].Type)
	})

	v, err := formula.Evaluate(n, formula.EvaluationContext{Values: lookup})
	if err != nil {
		return false
	}
	return v.Kind() == formula.ValueNumber && v.Number().IsZero()
}
