package formula

import (
	"fmt"
	"strings"

	ferrors "github.com/paveg/cardformula/internal/errors"
)

// ValidationOptions tunes the checks made by Validate
type ValidationOptions struct {
	// StrictDivision reports division by a constant zero. Without it such
	// a division only gives the expression a null output type.
	StrictDivision bool
}

// Validator checks a bound expression tree against the operand rules and
// the property restrictions of formulas.
type Validator struct {
	opts ValidationOptions
}

// NewValidator creates a new Validator
func NewValidator(opts ValidationOptions) *Validator {
	return &Validator{opts: opts}
}

// Validate validates n with default options.
func Validate(n Node) error {
	return NewValidator(ValidationOptions{}).Validate(n)
}

// Validate walks the whole tree and returns a *errors.ValidationError
// holding one message per problem, or nil.
func (v *Validator) Validate(n Node) error {
	return ferrors.NewValidationError("", v.Messages(n)...).OrNil()
}

// Messages returns the validation messages for n in a stable order: type
// violations first, then property problems.
func (v *Validator) Messages(n Node) []string {
	if n == nil {
		return []string{"The formula is empty."}
	}

	var typeErrors []string
	var unknown, nonNumeric, formulas []string
	seen := make(map[string]bool)

	Walk(n, func(node Node) bool {
		switch x := node.(type) {
		case *BinaryExpr:
			if msg := v.binaryViolation(x); msg != "" {
				typeErrors = append(typeErrors, msg)
			}
		case *NegateExpr:
			if x.operand.OutputType() == TypeDate {
				typeErrors = append(typeErrors, fmt.Sprintf(
					"The expression %s is invalid because a date (%s) cannot be negated.",
					x.String(), x.operand.String()))
			}
		case *PropertyRef:
			key := NormalizeName(x.name)
			if seen[key] {
				return true
			}
			seen[key] = true
			switch {
			case x.property == nil:
				unknown = append(unknown, x.name)
			case x.property.Type != PropertyNumber && x.property.Type != PropertyDate:
				nonNumeric = append(nonNumeric, x.property.Name)
			case x.property.Formula:
				formulas = append(formulas, x.property.Name)
			}
		}
		return true
	})

	messages := typeErrors
	for _, name := range unknown {
		messages = append(messages, fmt.Sprintf("Property %s does not exist.", QuoteName(name)))
	}
	for _, name := range nonNumeric {
		messages = append(messages, fmt.Sprintf(
			"Property %s is not numeric or date and cannot be used within a formula.", QuoteName(name)))
	}
	if len(formulas) > 0 {
		messages = append(messages, formulaReferenceMessage(formulas))
	}
	return messages
}

// binaryViolation returns the message for b when b itself breaks the
// operand table. Violations inside the operands are reported on the
// operands, not repeated here.
func (v *Validator) binaryViolation(b *BinaryExpr) string {
	left, right := b.left.OutputType(), b.right.OutputType()
	if left == TypeInvalid || right == TypeInvalid {
		return ""
	}
	if binaryOutputType(b.op, left, right) != TypeInvalid {
		if v.opts.StrictDivision && b.op == OpDiv && isConstantZero(b.right) {
			return fmt.Sprintf("Division by zero in %s.", b.String())
		}
		return ""
	}

	var reason string
	l := operandDescription(left, b.left)
	r := operandDescription(right, b.right)
	switch b.op {
	case OpAdd:
		reason = fmt.Sprintf("%s cannot be added to %s", l, r)
	case OpSub:
		reason = fmt.Sprintf("%s cannot be subtracted from %s", r, l)
	case OpMul:
		reason = fmt.Sprintf("%s cannot be multiplied by %s", l, r)
	case OpDiv:
		reason = fmt.Sprintf("%s cannot be divided by %s", l, r)
	}

	msg := fmt.Sprintf("The expression %s is invalid because %s.", b.String(), reason)
	if supported := supportedOperators(left, right); len(supported) > 0 {
		msg += " " + supportedOperationsSentence(supported)
	}
	return msg
}

func operandDescription(t Type, n Node) string {
	switch t {
	case TypeDate:
		return fmt.Sprintf("a date (%s)", n.String())
	case TypeNumber:
		return fmt.Sprintf("a number (%s)", n.String())
	}
	return fmt.Sprintf("an empty value (%s)", n.String())
}

var operationNames = map[Operator]string{
	OpAdd: "addition",
	OpSub: "subtraction",
	OpMul: "multiplication",
	OpDiv: "division",
}

func supportedOperationsSentence(ops []Operator) string {
	names := make([]string, len(ops))
	for i, op := range ops {
		names[i] = operationNames[op]
	}
	if len(names) == 1 {
		return fmt.Sprintf("The supported operation is %s.", names[0])
	}
	return fmt.Sprintf("The supported operations are %s.", strings.Join(names, ", "))
}

func formulaReferenceMessage(names []string) string {
	quoted := make([]string, len(names))
	for i, name := range names {
		quoted[i] = QuoteName(name)
	}
	if len(quoted) == 1 {
		return fmt.Sprintf("Property %s is a formula property and cannot be used within another formula.", quoted[0])
	}
	return fmt.Sprintf("Properties %s are formula properties and cannot be used within another formula.",
		strings.Join(quoted, ", "))
}
