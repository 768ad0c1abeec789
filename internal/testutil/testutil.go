// Package testutil provides common testing utilities to reduce code duplication
// across the engine, API and CLI tests.
//
// It consolidates:
// - Checked Arrow allocators that fail the test on leaked buffers
// - The standard test project (properties, variables, an aggregate)
// - Engines and card value lookups built on that project
// - Common value assertions
package testutil

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/paveg/cardformula"
	"github.com/paveg/cardformula/internal/config"
	"github.com/paveg/cardformula/internal/formula"
	"github.com/paveg/cardformula/internal/registry"
)

const (
	// defaultPrecision is the project precision of the test project.
	defaultPrecision = 2
)

// StartDate is the Start Date every card of CardLookup has.
var StartDate = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// TestMemoryContext provides a checked allocator that asserts every buffer
// was released.
type TestMemoryContext struct {
	Allocator *memory.CheckedAllocator
	tb        testing.TB
}

// Release fails the test if any allocation is still live.
func (tmc *TestMemoryContext) Release() {
	tmc.tb.Helper()
	tmc.Allocator.AssertSize(tmc.tb, 0)
}

// SetupMemoryTest creates a checked allocator for tests.
// Returns a TestMemoryContext that should be released with defer.
//
// Example usage:
//
//	mem := testutil.SetupMemoryTest(t)
//	defer mem.Release()
func SetupMemoryTest(tb testing.TB) *TestMemoryContext {
	tb.Helper()
	return &TestMemoryContext{
		Allocator: memory.NewCheckedAllocator(memory.NewGoAllocator()),
		tb:        tb,
	}
}

// TestProjectOption configures the test project.
type TestProjectOption func(*registry.Snapshot)

// WithPrecision sets the project precision.
func WithPrecision(precision int) TestProjectOption {
	return func(s *registry.Snapshot) {
		s.Precision = precision
	}
}

// WithProperties appends property definitions.
func WithProperties(specs ...registry.PropertySpec) TestProjectOption {
	return func(s *registry.Snapshot) {
		s.Properties = append(s.Properties, specs...)
	}
}

// WithoutFormulas drops the formula properties and the aggregate, leaving a
// project without definitions.
func WithoutFormulas() TestProjectOption {
	return func(s *registry.Snapshot) {
		var kept []registry.PropertySpec
		for _, p := range s.Properties {
			if p.Formula == "" {
				kept = append(kept, p)
			}
		}
		s.Properties = kept
		s.Aggregates = nil
	}
}

// TestProject returns the standard test project:
// - Release (number), Start Date (date), Owner (user)
// - Velocity = Release / 3 + 'Sum A', precision 1
// - Finish = 'Start Date' + 'Sprint Length'
// - variable Sprint Length = 14
// - aggregate Sum A of the Planning tree, summing Velocity
//
// Velocity and Sum A form a circular reference on purpose.
func TestProject(opts ...TestProjectOption) registry.Snapshot {
	one := 1
	s := registry.Snapshot{
		Precision: defaultPrecision,
		Properties: []registry.PropertySpec{
			{Name: "Release", Type: "number"},
			{Name: "Start Date", Type: "date"},
			{Name: "Owner", Type: "user"},
			{Name: "Velocity", Type: "number", Precision: &one, Formula: "Release / 3 + 'Sum A'"},
			{Name: "Finish", Type: "date", Formula: "'Start Date' + 'Sprint Length'"},
		},
		Variables: []registry.VariableSpec{
			{Name: "Sprint Length", Type: "number", Value: "14"},
		},
		Aggregates: []registry.AggregateSpec{
			{Name: "Sum A", Tree: "Planning", Condition: "Type = 'Story'", Target: "Velocity"},
		},
	}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// CreateTestRegistry builds a registry of the test project.
func CreateTestRegistry(tb testing.TB, opts ...TestProjectOption) *registry.Registry {
	tb.Helper()
	reg, err := registry.New(TestProject(opts...))
	require.NoError(tb, err, "test project should be valid")
	return reg
}

// WriteProjectFile writes the test project as YAML and returns its path.
func WriteProjectFile(tb testing.TB, opts ...TestProjectOption) string {
	tb.Helper()
	data, err := yaml.Marshal(TestProject(opts...))
	require.NoError(tb, err)

	path := filepath.Join(tb.TempDir(), "project.yaml")
	require.NoError(tb, os.WriteFile(path, data, 0o600))
	return path
}

// CreateTestEngine creates an engine over the standard test project.
// mutate, when not nil, adjusts the default configuration.
func CreateTestEngine(tb testing.TB, mutate func(*config.Config), opts ...cardformula.Option) *cardformula.Engine {
	tb.Helper()
	cfg := config.NewConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	engine, err := cardformula.NewEngine(cfg, CreateTestRegistry(tb), opts...)
	require.NoError(tb, err)
	return engine
}

// CardLookup serves the test project's stored values: Release is the card
// id (null for card 0), Start Date is StartDate and Sum A is 10.
func CardLookup() formula.ValueLookup {
	return formula.LookupFunc(func(card formula.CardID, property string) (formula.Value, error) {
		switch registry.Normalize(property) {
		case "release":
			if card == 0 {
				return formula.NullValue(), nil
			}
			return formula.IntValue(int64(card)), nil
		case "start date":
			return formula.DateValue(StartDate), nil
		case "sum a":
			return formula.IntValue(10), nil
		}
		return formula.NullValue(), nil
	})
}

// AssertValue checks the text form of v. An empty want expects null.
func AssertValue(tb testing.TB, want string, v formula.Value, msgAndArgs ...any) {
	tb.Helper()
	if want == "" {
		assert.True(tb, v.IsNull(), msgAndArgs...)
		return
	}
	assert.Equal(tb, want, v.String(), msgAndArgs...)
}
