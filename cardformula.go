// Package cardformula evaluates user-defined card formulas and compiles
// them to SQL. It is the public API of the module.
//
// An Engine binds formulas against a project registry (its properties,
// variables and formula and aggregate definitions) and applies the
// engine configuration to every operation:
//
//	reg, _ := registry.LoadFile("project.yaml")
//	engine, _ := cardformula.NewEngine(config.NewConfig(), reg)
//	v, _ := engine.Evaluate(ctx, "3 * (Release + Release / 2 + 1)", card, lookup)
package cardformula

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/paveg/cardformula/internal/batch"
	"github.com/paveg/cardformula/internal/cache"
	"github.com/paveg/cardformula/internal/config"
	"github.com/paveg/cardformula/internal/deps"
	ferrors "github.com/paveg/cardformula/internal/errors"
	"github.com/paveg/cardformula/internal/formula"
	"github.com/paveg/cardformula/internal/monitoring"
	"github.com/paveg/cardformula/internal/registry"
	"github.com/paveg/cardformula/internal/sql"
)

// Re-exported engine types.
type (
	Node        = formula.Node
	Value       = formula.Value
	CardID      = formula.CardID
	ValueLookup = formula.ValueLookup
	Property    = formula.Property
	Definition  = deps.Definition
	Overrides   = sql.Overrides
	Registry    = registry.Registry
	Config      = config.Config
)

// Engine parses, validates, evaluates and renders formulas of one
// project. It is safe for concurrent use.
type Engine struct {
	cfg       config.Config
	registry  *registry.Registry
	dialect   sql.Dialect
	evaluator *formula.Evaluator
	validator *formula.Validator
	batch     *batch.Evaluator
	cache     *cache.ExpressionCache
	metrics   *monitoring.MetricsCollector
	logger    *slog.Logger
	mem       memory.Allocator
}

// Option configures an Engine
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMetrics records engine operations in collector.
func WithMetrics(collector *monitoring.MetricsCollector) Option {
	return func(e *Engine) {
		e.metrics = collector
	}
}

// WithAllocator sets the Arrow allocator of batch result columns.
func WithAllocator(mem memory.Allocator) Option {
	return func(e *Engine) {
		e.mem = mem
	}
}

// NewEngine creates an engine for the project described by reg.
func NewEngine(cfg config.Config, reg *registry.Registry, opts ...Option) (*Engine, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid engine configuration: %w", err)
	}
	if reg == nil {
		return nil, ferrors.NewInvalidInputError("NewEngine", "registry is nil")
	}
	dialect, err := sql.LookupDialect(cfg.Dialect)
	if err != nil {
		return nil, err
	}

	evaluator := formula.NewEvaluator(formula.WithDivisionScale(int32(cfg.DivisionScale)))
	e := &Engine{
		cfg:       cfg,
		registry:  reg,
		dialect:   dialect,
		evaluator: evaluator,
		validator: formula.NewValidator(formula.ValidationOptions{StrictDivision: cfg.StrictDivision}),
		logger:    slog.Default(),
	}
	if cfg.CacheSize > 0 {
		e.cache = cache.NewExpressionCache(cfg.CacheSize)
	}
	if cfg.MetricsCollection {
		e.metrics = monitoring.NewMetricsCollector(true)
	}
	for _, opt := range opts {
		opt(e)
	}
	e.batch = batch.NewEvaluator(
		batch.WithEvaluator(evaluator),
		batch.WithPrecision(cfg.Precision),
		batch.WithAllocator(e.mem),
	)
	return e, nil
}

// Config returns the engine configuration.
func (e *Engine) Config() config.Config {
	return e.cfg
}

// Registry returns the project registry.
func (e *Engine) Registry() *registry.Registry {
	return e.registry
}

// Metrics returns the metrics collector, nil when metrics are disabled.
func (e *Engine) Metrics() *monitoring.MetricsCollector {
	return e.metrics
}

// CacheStats returns expression cache statistics.
func (e *Engine) CacheStats() cache.Stats {
	if e.cache == nil {
		return cache.Stats{}
	}
	return e.cache.Stats()
}

// Parse parses text without binding it to the registry.
func (e *Engine) Parse(text string) (Node, error) {
	var n Node
	err := e.metrics.RecordOperation(monitoring.OpParse, text, func() error {
		var err error
		n, err = formula.Parse(text)
		return err
	})
	return n, err
}

// Compile parses text and binds it to the registry. Compiled trees are
// cached by text.
func (e *Engine) Compile(text string) (Node, error) {
	var n Node
	err := e.metrics.RecordOperation(monitoring.OpCompile, text, func() error {
		var err error
		if e.cache != nil {
			n, err = e.cache.GetOrCompile(text, e.registry.Compile)
		} else {
			n, err = e.registry.Compile(text)
		}
		return err
	})
	return n, err
}

// Validate compiles and validates text. Malformed text yields a
// *errors.ParseError, a tree breaking the operand rules a
// *errors.ValidationError.
func (e *Engine) Validate(text string) error {
	_, err := e.compileValid(text)
	return err
}

// ValidateProperty validates the defining formula of a formula property
// and checks it for circular and unknown references. Type and dependency
// problems are reported together in one ValidationError.
func (e *Engine) ValidateProperty(ctx context.Context, name string) error {
	text, ok := e.registry.FormulaText(name)
	if !ok {
		return ferrors.NewUnknownPropertyError("ValidateProperty", name)
	}

	var ve *ferrors.ValidationError
	if err := e.Validate(text); err != nil && !errors.As(err, &ve) {
		return err
	}

	p, _ := e.registry.Property(name)
	err := e.CheckDependencies(ctx, deps.Definition{Kind: deps.KindFormula, Name: p.Name, Expression: text})
	var depErr *ferrors.ValidationError
	switch {
	case err == nil:
		return ve.OrNil()
	case !errors.As(err, &depErr):
		return err
	case ve == nil:
		return depErr
	}

	merged := ferrors.NewValidationError(ve.Subject, ve.Messages...)
	for _, m := range depErr.Messages {
		merged.Add(m)
	}
	return merged
}

func (e *Engine) compileValid(text string) (Node, error) {
	n, err := e.Compile(text)
	if err != nil {
		return nil, err
	}
	err = e.metrics.RecordOperation(monitoring.OpValidate, text, func() error {
		return e.validator.Validate(n)
	})
	if err != nil {
		return nil, err
	}
	return n, nil
}

// Evaluate computes text for card and rounds number results to the
// configured precision.
func (e *Engine) Evaluate(ctx context.Context, text string, card CardID, lookup ValueLookup) (Value, error) {
	n, err := e.compileValid(text)
	if err != nil {
		return formula.NullValue(), err
	}
	return e.evaluate(ctx, n, text, card, lookup, e.cfg.Precision)
}

// EvaluateProperty computes the formula property name for card and rounds
// number results to the property precision.
func (e *Engine) EvaluateProperty(ctx context.Context, name string, card CardID, lookup ValueLookup) (Value, error) {
	text, ok := e.registry.FormulaText(name)
	if !ok {
		return formula.NullValue(), ferrors.NewUnknownPropertyError("EvaluateProperty", name)
	}
	n, err := e.compileValid(text)
	if err != nil {
		return formula.NullValue(), err
	}
	p, _ := e.registry.Property(name)
	return e.evaluate(ctx, n, text, card, lookup, p.Precision)
}

func (e *Engine) evaluate(ctx context.Context, n Node, text string, card CardID, lookup ValueLookup, precision int) (Value, error) {
	var v Value
	err := e.metrics.RecordOperation(monitoring.OpEvaluate, text, func() error {
		var err error
		v, err = e.evaluator.Evaluate(n, formula.EvaluationContext{Card: card, Values: lookup})
		return err
	})
	if err != nil {
		e.logger.ErrorContext(ctx, "formula evaluation failed", "formula", text, "card", card, "err", err)
		return formula.NullValue(), err
	}
	return formula.Round(v, precision), nil
}

// EvaluateBatch computes text for every card and returns an Arrow column
// (Float64 or Date32) in card order. The caller must Release it.
func (e *Engine) EvaluateBatch(ctx context.Context, text string, cards []CardID, lookup ValueLookup) (arrow.Array, error) {
	n, err := e.compileValid(text)
	if err != nil {
		return nil, err
	}
	var arr arrow.Array
	err = e.metrics.RecordCards(monitoring.OpEvaluateBatch, text, int64(len(cards)), func() error {
		var err error
		arr, err = e.batch.EvaluateColumn(n, cards, lookup)
		return err
	})
	if err != nil {
		e.logger.ErrorContext(ctx, "batch evaluation failed", "formula", text, "cards", len(cards), "err", err)
		return nil, err
	}
	e.logger.DebugContext(ctx, "batch evaluated", "formula", text, "cards", len(cards), "nulls", arr.NullN())
	return arr, nil
}

// renderContext is the engine's SQL context for precision.
func (e *Engine) renderContext(precision int, overrides Overrides) sql.RenderContext {
	return sql.RenderContext{
		Table:             e.cfg.Table,
		Dialect:           e.dialect,
		Overrides:         overrides,
		Precision:         precision,
		IntermediateScale: e.cfg.IntermediateScale,
	}
}

// ToSQL compiles text to a SQL fragment computing its value from the card
// table, with the given properties replaced by literals.
func (e *Engine) ToSQL(text string, overrides Overrides) (string, error) {
	n, err := e.compileValid(text)
	if err != nil {
		return "", err
	}
	var fragment string
	err = e.metrics.RecordOperation(monitoring.OpRender, text, func() error {
		var err error
		fragment, err = sql.Render(n, e.renderContext(e.cfg.Precision, overrides))
		return err
	})
	return fragment, err
}

// RecomputeSQL builds the UPDATE statement storing the formula property
// name for the given cards, or for every card when none are given.
func (e *Engine) RecomputeSQL(name string, cards ...int64) (string, error) {
	text, ok := e.registry.FormulaText(name)
	if !ok {
		return "", ferrors.NewUnknownPropertyError("RecomputeSQL", name)
	}
	n, err := e.compileValid(text)
	if err != nil {
		return "", err
	}
	p, _ := e.registry.Property(name)

	var stmt string
	err = e.metrics.RecordOperation(monitoring.OpRender, text, func() error {
		var err error
		stmt, err = sql.RecomputeStatement(n, p, e.renderContext(p.Precision, nil), cards...)
		return err
	})
	return stmt, err
}

// CheckDependencies reports whether saving changed would create a circular
// reference among the project's formula and aggregate definitions, or
// references names the project does not define.
func (e *Engine) CheckDependencies(ctx context.Context, changed Definition) error {
	err := e.metrics.RecordOperation(monitoring.OpCheckDependencies, changed.Expression, func() error {
		known := append(e.registry.KnownNames(), e.registry.VariableNames()...)
		return deps.Check(e.registry.Definitions(), changed, known)
	})
	if err != nil {
		e.logger.InfoContext(ctx, "definition rejected", "definition", string(changed.ID()), "err", err)
	}
	return err
}

// Parse parses formula text into an unbound expression tree.
func Parse(text string) (Node, error) {
	return formula.Parse(text)
}

// Compile parses text and binds it against resolver and vars.
func Compile(text string, resolver formula.Resolver, vars formula.Variables) (Node, error) {
	return formula.Compile(text, resolver, vars)
}

// Evaluate computes n for card with the default evaluator.
func Evaluate(n Node, card CardID, lookup ValueLookup) (Value, error) {
	return formula.Evaluate(n, formula.EvaluationContext{Card: card, Values: lookup})
}

// ToSQL renders n with ctx.
func ToSQL(n Node, ctx sql.RenderContext) (string, error) {
	return sql.Render(n, ctx)
}

// CheckCycles returns the first circular reference among defs.
func CheckCycles(defs []Definition) (deps.Chain, bool) {
	return deps.FindCycle(deps.BuildGraph(defs, nil))
}
