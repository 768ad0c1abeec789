package formula

// Type is the structural output type of an expression.
type Type int

const (
	TypeNumber Type = iota
	TypeDate
	TypeNull
	// TypeInvalid marks a subtree that breaks the operand rules or
	// references a property that cannot take part in arithmetic.
	TypeInvalid
)

func (t Type) String() string {
	switch t {
	case TypeNumber:
		return "number"
	case TypeDate:
		return "date"
	case TypeNull:
		return "null"
	}
	return "invalid"
}

func (n *NumberLiteral) OutputType() Type {
	return TypeNumber
}

func (d *DateLiteral) OutputType() Type {
	return TypeDate
}

func (n *NullLiteral) OutputType() Type {
	return TypeNull
}

func (p *PropertyRef) OutputType() Type {
	if p.property == nil {
		return TypeInvalid
	}
	switch p.property.Type {
	case PropertyNumber:
		return TypeNumber
	case PropertyDate:
		return TypeDate
	}
	return TypeInvalid
}

func (b *BinaryExpr) OutputType() Type {
	result := binaryOutputType(b.op, b.left.OutputType(), b.right.OutputType())
	if b.op == OpDiv && result == TypeNumber && isConstantZero(b.right) {
		return TypeNull
	}
	return result
}

func (n *NegateExpr) OutputType() Type {
	return negateOutputType(n.operand.OutputType())
}

// binaryOutputType is the operand table. Dates may only be added to or
// subtracted from; the date checks run before null absorption so that
// "date * null" stays invalid.
func binaryOutputType(op Operator, left, right Type) Type {
	if left == TypeInvalid || right == TypeInvalid {
		return TypeInvalid
	}

	switch op {
	case OpMul, OpDiv:
		if left == TypeDate || right == TypeDate {
			return TypeInvalid
		}
		if left == TypeNull || right == TypeNull {
			return TypeNull
		}
		return TypeNumber

	case OpAdd:
		if left == TypeDate && right == TypeDate {
			return TypeInvalid
		}
		if left == TypeNull || right == TypeNull {
			return TypeNull
		}
		if left == TypeDate || right == TypeDate {
			return TypeDate
		}
		return TypeNumber

	case OpSub:
		if left == TypeNumber && right == TypeDate {
			return TypeInvalid
		}
		if left == TypeNull || right == TypeNull {
			return TypeNull
		}
		if left == TypeDate && right == TypeDate {
			return TypeNumber
		}
		if left == TypeDate {
			return TypeDate
		}
		return TypeNumber
	}
	return TypeInvalid
}

func negateOutputType(operand Type) Type {
	switch operand {
	case TypeNumber:
		return TypeNumber
	case TypeNull:
		return TypeNull
	}
	return TypeInvalid
}

// supportedOperators lists the operators the table accepts for the given
// operand types, in the order they are named in messages.
func supportedOperators(left, right Type) []Operator {
	var ops []Operator
	for _, op := range []Operator{OpAdd, OpSub, OpMul, OpDiv} {
		if binaryOutputType(op, left, right) != TypeInvalid {
			ops = append(ops, op)
		}
	}
	return ops
}

// isConstantZero reports whether n contains no property references and
// folds to zero or null. Such a divisor makes the division's output type
// null; a divisor that only turns out to be zero for some card affects
// the value, never the type.
func isConstantZero(n Node) bool {
	if !IsConstant(n) {
		return false
	}
	v, err := defaultEvaluator.Evaluate(n, EvaluationContext{})
	if err != nil {
		return false
	}
	return v.IsNull() || (v.Kind() == ValueNumber && v.Number().IsZero())
}
