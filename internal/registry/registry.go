// Package registry holds an immutable snapshot of a project's property
// definitions, project variables and formula/aggregate definitions. It is
// the resolver formulas are bound against and the input of the cycle
// detector.
package registry

import (
	"fmt"
	"os"
	"strings"

	"golang.org/x/exp/slices"
	"gopkg.in/yaml.v3"

	"github.com/paveg/cardformula/internal/deps"
	ferrors "github.com/paveg/cardformula/internal/errors"
	"github.com/paveg/cardformula/internal/formula"
)

// DefaultPrecision applies when a snapshot does not set one.
const DefaultPrecision = 2

// PropertySpec describes a card property in a snapshot file.
type PropertySpec struct {
	Name string `json:"name" yaml:"name"`
	Type string `json:"type" yaml:"type"`
	// Formula makes the property a formula property defined by this text.
	Formula   string `json:"formula,omitempty" yaml:"formula,omitempty"`
	Precision *int   `json:"precision,omitempty" yaml:"precision,omitempty"`
	Hidden    bool   `json:"hidden,omitempty" yaml:"hidden,omitempty"`
	Column    string `json:"column,omitempty" yaml:"column,omitempty"`
	CardType  string `json:"card_type,omitempty" yaml:"card_type,omitempty"`
}

// VariableSpec describes a project variable in a snapshot file.
type VariableSpec struct {
	Name  string `json:"name" yaml:"name"`
	Type  string `json:"type" yaml:"type"`
	Value string `json:"value" yaml:"value"`
}

// AggregateSpec describes an aggregate property in a snapshot file.
type AggregateSpec struct {
	Name      string `json:"name" yaml:"name"`
	Tree      string `json:"tree" yaml:"tree"`
	CardType  string `json:"card_type,omitempty" yaml:"card_type,omitempty"`
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`
	Target    string `json:"target,omitempty" yaml:"target,omitempty"`
}

// Snapshot is the serialized form of a registry.
type Snapshot struct {
	Precision  int             `json:"precision" yaml:"precision"`
	Properties []PropertySpec  `json:"properties" yaml:"properties"`
	Variables  []VariableSpec  `json:"variables,omitempty" yaml:"variables,omitempty"`
	Aggregates []AggregateSpec `json:"aggregates,omitempty" yaml:"aggregates,omitempty"`
}

// Registry resolves property names to definitions. It is immutable and
// safe for concurrent use.
type Registry struct {
	precision   int
	properties  map[string]*formula.Property
	formulas    map[string]string // normalized name -> formula text
	aggregates  map[string]bool
	variables   formula.Variables
	varNames    []string
	definitions []deps.Definition
}

// Normalize is the name matching rule shared by every lookup.
func Normalize(name string) string {
	return formula.NormalizeName(name)
}

// New builds a registry from a snapshot. Every problem in the snapshot is
// reported in one *errors.ValidationError.
func New(s Snapshot) (*Registry, error) {
	r := &Registry{
		precision:  s.Precision,
		properties: make(map[string]*formula.Property),
		formulas:   make(map[string]string),
		aggregates: make(map[string]bool),
		variables:  make(formula.Variables),
	}
	if r.precision <= 0 {
		r.precision = DefaultPrecision
	}
	ve := ferrors.NewValidationError("snapshot")

	add := func(p *formula.Property) bool {
		if strings.TrimSpace(p.Name) == "" {
			ve.Add("Property names cannot be blank.")
			return false
		}
		key := Normalize(p.Name)
		if _, exists := r.properties[key]; exists {
			ve.Add(fmt.Sprintf("Property %s is defined more than once.", formula.QuoteName(p.Name)))
			return false
		}
		r.properties[key] = p
		return true
	}

	for _, spec := range s.Properties {
		t, err := formula.ParsePropertyType(spec.Type)
		if err != nil {
			ve.Add(fmt.Sprintf("Property %s has %s.", formula.QuoteName(spec.Name), err))
			continue
		}
		precision := r.precision
		if spec.Precision != nil {
			precision = *spec.Precision
		}
		p := &formula.Property{
			Name:      spec.Name,
			Type:      t,
			Precision: precision,
			Formula:   strings.TrimSpace(spec.Formula) != "",
			Hidden:    spec.Hidden,
			Column:    spec.Column,
		}
		if p.Formula && t != formula.PropertyNumber && t != formula.PropertyDate {
			ve.Add(fmt.Sprintf("Formula property %s must be a number or date property.", formula.QuoteName(spec.Name)))
			continue
		}
		if !add(p) {
			continue
		}
		if p.Formula {
			r.formulas[Normalize(p.Name)] = spec.Formula
			r.definitions = append(r.definitions, deps.Definition{
				Kind:       deps.KindFormula,
				Name:       p.Name,
				CardType:   spec.CardType,
				Expression: spec.Formula,
			})
		}
	}

	for _, spec := range s.Aggregates {
		p := &formula.Property{Name: spec.Name, Type: formula.PropertyNumber, Precision: r.precision}
		if !add(p) {
			continue
		}
		r.aggregates[Normalize(p.Name)] = true
		r.definitions = append(r.definitions, deps.Definition{
			Kind:      deps.KindAggregate,
			Name:      spec.Name,
			Tree:      spec.Tree,
			CardType:  spec.CardType,
			Condition: spec.Condition,
			Target:    spec.Target,
		})
	}

	for _, spec := range s.Variables {
		t, err := formula.ParsePropertyType(spec.Type)
		if err != nil {
			ve.Add(fmt.Sprintf("Variable %s has %s.", formula.QuoteName(spec.Name), err))
			continue
		}
		v, err := formula.ParseValue(spec.Value, t)
		if err != nil {
			ve.Add(fmt.Sprintf("Variable %s has an invalid value: %s.", formula.QuoteName(spec.Name), err))
			continue
		}
		r.variables[Normalize(spec.Name)] = v
		r.varNames = append(r.varNames, spec.Name)
	}

	if err := ve.OrNil(); err != nil {
		return nil, err
	}
	return r, nil
}

// FromYAML builds a registry from a YAML snapshot document.
func FromYAML(data []byte) (*Registry, error) {
	var s Snapshot
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing registry snapshot: %w", err)
	}
	return New(s)
}

// LoadFile builds a registry from a YAML snapshot file.
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading registry snapshot %s: %w", path, err)
	}
	return FromYAML(data)
}

// Resolve implements formula.Resolver.
func (r *Registry) Resolve(name string) (*formula.Property, bool) {
	p, ok := r.properties[Normalize(name)]
	return p, ok
}

// Property is an alias of Resolve.
func (r *Registry) Property(name string) (*formula.Property, bool) {
	return r.Resolve(name)
}

// Properties returns every property sorted by normalized name.
func (r *Registry) Properties() []*formula.Property {
	out := make([]*formula.Property, 0, len(r.properties))
	for _, p := range r.properties {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b *formula.Property) int {
		return strings.Compare(Normalize(a.Name), Normalize(b.Name))
	})
	return out
}

// Variables returns the project variables.
func (r *Registry) Variables() formula.Variables {
	return r.variables
}

// Precision returns the project precision.
func (r *Registry) Precision() int {
	return r.precision
}

// Definitions returns the formula and aggregate definitions.
func (r *Registry) Definitions() []deps.Definition {
	return slices.Clone(r.definitions)
}

// KnownNames returns the names of the properties that are neither
// formulas nor aggregates.
func (r *Registry) KnownNames() []string {
	var names []string
	for key, p := range r.properties {
		if p.Formula || r.aggregates[key] {
			continue
		}
		names = append(names, p.Name)
	}
	slices.Sort(names)
	return names
}

// VariableNames returns the names of the project variables, sorted.
func (r *Registry) VariableNames() []string {
	names := slices.Clone(r.varNames)
	slices.Sort(names)
	return names
}

// FormulaText returns the defining text of the formula property name.
func (r *Registry) FormulaText(name string) (string, bool) {
	text, ok := r.formulas[Normalize(name)]
	return text, ok
}

// Compile parses text and binds it to the registry and its variables.
func (r *Registry) Compile(text string) (formula.Node, error) {
	return formula.Compile(text, r, r.variables)
}

// CompileProperty compiles the defining formula of a formula property.
func (r *Registry) CompileProperty(name string) (formula.Node, error) {
	text, ok := r.FormulaText(name)
	if !ok {
		return nil, ferrors.NewUnknownPropertyError("Compile", name)
	}
	return r.Compile(text)
}
