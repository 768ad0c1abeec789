package formula

// Variables holds project-level variable values keyed by NormalizeName.
type Variables map[string]Value

// NewVariables builds Variables from display names.
func NewVariables(values map[string]Value) Variables {
	vars := make(Variables, len(values))
	for name, v := range values {
		vars[NormalizeName(name)] = v
	}
	return vars
}

// Lookup returns the variable named name.
func (v Variables) Lookup(name string) (Value, bool) {
	value, ok := v[NormalizeName(name)]
	return value, ok
}

// Bind returns a copy of n in which every property reference carries its
// definition from resolver. A name the resolver does not know but vars
// does is replaced by the variable's literal value. Remaining unknown
// names stay unbound for the validator to report.
func Bind(n Node, resolver Resolver, vars Variables) Node {
	switch node := n.(type) {
	case *PropertyRef:
		if resolver != nil {
			if prop, ok := resolver.Resolve(node.name); ok {
				return BoundRef(node.name, prop)
			}
		}
		if value, ok := vars.Lookup(node.name); ok {
			return substitute(node.name, value)
		}
		return Ref(node.name)
	case *BinaryExpr:
		return Binary(node.op, Bind(node.left, resolver, vars), Bind(node.right, resolver, vars))
	case *NegateExpr:
		return Negate(Bind(node.operand, resolver, vars))
	}
	return n
}

// substitute returns the literal for a variable value that remembers the
// variable name it replaced.
func substitute(name string, v Value) Node {
	switch v.kind {
	case ValueNumber:
		return &NumberLiteral{value: v.number, variable: name}
	case ValueDate:
		return &DateLiteral{value: truncateDate(v.date), variable: name}
	}
	return &NullLiteral{variable: name}
}

// Compile parses text and binds it against resolver and vars.
func Compile(text string, resolver Resolver, vars Variables) (Node, error) {
	n, err := Parse(text)
	if err != nil {
		return nil, err
	}
	return Bind(n, resolver, vars), nil
}
