// Package deps builds the reference graph between formula and aggregate
// property definitions of a project and finds circular references in it.
// The graph is derived from an explicit snapshot on every call and is
// never cached or persisted.
package deps

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/exp/slices"

	"github.com/paveg/cardformula/internal/formula"
)

// Kind distinguishes formula definitions from aggregate definitions
type Kind int

const (
	KindFormula Kind = iota
	KindAggregate
)

func (k Kind) String() string {
	if k == KindAggregate {
		return "aggregate"
	}
	return "formula"
}

// NodeID identifies a definition in the graph: the property name for
// formulas, "<tree>/<name>" for aggregates owned by a tree configuration.
type NodeID string

// Definition is one formula or aggregate property definition.
type Definition struct {
	Kind Kind
	Name string
	// Tree is the owning tree configuration of an aggregate.
	Tree     string
	CardType string
	// Expression is the formula text of a formula definition.
	Expression string
	// Condition is the filter condition of an aggregate definition.
	Condition string
	// Target is the property an aggregate sums or counts.
	Target string
}

// ID returns the node identifier of d.
func (d Definition) ID() NodeID {
	if d.Kind == KindAggregate && d.Tree != "" {
		return NodeID(d.Tree + "/" + d.Name)
	}
	return NodeID(d.Name)
}

func (d Definition) key() string {
	return formula.NormalizeName(string(d.ID()))
}

// Reference is a name a definition refers to that matches neither another
// definition nor a known property.
type Reference struct {
	From NodeID
	Name string
}

// Graph is an arena of definitions with adjacency lists. Nodes are sorted
// by identifier so traversal order does not depend on input order.
type Graph struct {
	nodes    []Definition
	index    map[string]int   // normalized node id -> arena index
	byName   map[string][]int // normalized property name -> arena indexes
	edges    [][]int
	dangling []Reference
}

// BuildGraph derives the reference graph from defs. known lists the
// ordinary (non formula, non aggregate) property names of the project;
// references to names in neither set are recorded as dangling and never
// become edges. A later definition with the same identifier replaces an
// earlier one.
func BuildGraph(defs []Definition, known []string) *Graph {
	g := &Graph{
		index:  make(map[string]int),
		byName: make(map[string][]int),
	}

	unique := make(map[string]Definition, len(defs))
	for _, d := range defs {
		unique[d.key()] = d
	}
	for _, d := range unique {
		g.nodes = append(g.nodes, d)
	}
	slices.SortFunc(g.nodes, func(a, b Definition) int {
		return strings.Compare(a.key(), b.key())
	})

	for i, d := range g.nodes {
		g.index[d.key()] = i
		name := formula.NormalizeName(d.Name)
		g.byName[name] = append(g.byName[name], i)
	}

	knownSet := make(map[string]bool, len(known))
	for _, name := range known {
		knownSet[formula.NormalizeName(name)] = true
	}
	scan := newScanner(g.byName, knownSet)

	g.edges = make([][]int, len(g.nodes))
	for i, d := range g.nodes {
		targets := make(map[int]bool)
		for _, name := range references(d, scan) {
			key := formula.NormalizeName(name)
			idxs, ok := g.byName[key]
			if !ok {
				if !knownSet[key] {
					g.dangling = append(g.dangling, Reference{From: d.ID(), Name: name})
				}
				continue
			}
			for _, j := range idxs {
				targets[j] = true
			}
		}
		for j := range targets {
			g.edges[i] = append(g.edges[i], j)
		}
		slices.Sort(g.edges[i])
	}
	return g
}

// references lists the names d refers to. Formulas are parsed; text that
// does not parse falls back to the same scan used for conditions. A
// condition operand the scan cannot match is returned as written so it is
// reported as unknown.
func references(d Definition, scan *scanner) []string {
	var names []string
	switch d.Kind {
	case KindFormula:
		if n, err := formula.Parse(d.Expression); err == nil {
			names = formula.ReferencedNames(n)
		} else {
			names = scan.find(d.Expression)
		}
	case KindAggregate:
		names = scan.find(d.Condition)
		seen := make(map[string]bool, len(names))
		for _, name := range names {
			seen[formula.NormalizeName(name)] = true
		}
		for _, name := range conditionProperties(d.Condition) {
			key := formula.NormalizeName(name)
			if seen[key] || cardAttributes[key] {
				continue
			}
			seen[key] = true
			names = append(names, name)
		}
		if strings.TrimSpace(d.Target) != "" {
			names = append(names, d.Target)
		}
	}
	return names
}

// Nodes returns the definitions in traversal order.
func (g *Graph) Nodes() []Definition {
	return slices.Clone(g.nodes)
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	return len(g.nodes)
}

// Node returns the definition identified by id.
func (g *Graph) Node(id NodeID) (Definition, bool) {
	i, ok := g.lookup(id)
	if !ok {
		return Definition{}, false
	}
	return g.nodes[i], true
}

// Edges returns the identifiers id refers to, in traversal order.
func (g *Graph) Edges(id NodeID) []NodeID {
	i, ok := g.lookup(id)
	if !ok {
		return nil
	}
	out := make([]NodeID, len(g.edges[i]))
	for k, j := range g.edges[i] {
		out[k] = g.nodes[j].ID()
	}
	return out
}

// Dangling returns every reference to an unknown name.
func (g *Graph) Dangling() []Reference {
	return slices.Clone(g.dangling)
}

// Unknown returns the unknown names referenced by id.
func (g *Graph) Unknown(id NodeID) []string {
	var names []string
	for _, ref := range g.dangling {
		if formula.NormalizeName(string(ref.From)) == formula.NormalizeName(string(id)) {
			names = append(names, ref.Name)
		}
	}
	return names
}

func (g *Graph) lookup(id NodeID) (int, bool) {
	i, ok := g.index[formula.NormalizeName(string(id))]
	return i, ok
}

func (g *Graph) String() string {
	var sb strings.Builder
	for i, d := range g.nodes {
		fmt.Fprintf(&sb, "%s ->", d.ID())
		for _, j := range g.edges[i] {
			fmt.Fprintf(&sb, " %s", g.nodes[j].ID())
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// scanner finds property names inside free condition text. Matching is
// case insensitive, whitespace runs compare equal, and a match must not
// touch a letter or digit on either side. Longer names win, so "size" is
// not found inside "size total".
type scanner struct {
	names []string // normalized, longest first
}

func newScanner(byName map[string][]int, known map[string]bool) *scanner {
	s := &scanner{}
	for name := range byName {
		s.names = append(s.names, name)
	}
	for name := range known {
		if _, ok := byName[name]; !ok {
			s.names = append(s.names, name)
		}
	}
	slices.SortFunc(s.names, func(a, b string) int {
		if len(a) != len(b) {
			return len(b) - len(a)
		}
		return strings.Compare(a, b)
	})
	return s
}

// find returns the names found in text in scan order. Only names of
// definitions and known properties can be found.
func (s *scanner) find(text string) []string {
	normalized := formula.NormalizeName(text)
	var found []string
	for _, name := range s.names {
		if name == "" {
			continue
		}
		var matched bool
		normalized, matched = maskWord(normalized, name)
		if matched {
			found = append(found, name)
		}
	}
	return found
}

// maskWord replaces every word-bounded occurrence of word in text with
// NUL bytes and reports whether there was one.
func maskWord(text, word string) (string, bool) {
	matched := false
	from := 0
	for {
		i := strings.Index(text[from:], word)
		if i < 0 {
			return text, matched
		}
		start := from + i
		end := start + len(word)
		if isBoundary(text, start, end) {
			text = text[:start] + strings.Repeat("\x00", len(word)) + text[end:]
			matched = true
		}
		from = end
	}
}

func isBoundary(text string, start, end int) bool {
	if start > 0 {
		r, _ := utf8.DecodeLastRuneInString(text[:start])
		if isWordRune(r) {
			return false
		}
	}
	if end < len(text) {
		r, _ := utf8.DecodeRuneInString(text[end:])
		if isWordRune(r) {
			return false
		}
	}
	return true
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_'
}
