// Package batch evaluates one expression for many cards at once and
// returns the results as an Apache Arrow column.
package batch

import (
	"fmt"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	ferrors "github.com/paveg/cardformula/internal/errors"
	"github.com/paveg/cardformula/internal/formula"
	"github.com/paveg/cardformula/internal/parallel"
)

// Evaluator evaluates expressions over card batches
type Evaluator struct {
	mem       memory.Allocator
	eval      *formula.Evaluator
	precision int
	workers   int
	threshold int
}

// Option configures an Evaluator
type Option func(*Evaluator)

// WithAllocator sets the Arrow allocator used for result columns.
func WithAllocator(mem memory.Allocator) Option {
	return func(e *Evaluator) {
		if mem != nil {
			e.mem = mem
		}
	}
}

// WithEvaluator sets the expression evaluator.
func WithEvaluator(eval *formula.Evaluator) Option {
	return func(e *Evaluator) {
		if eval != nil {
			e.eval = eval
		}
	}
}

// WithPrecision rounds number results to precision digits. A negative
// precision keeps full results.
func WithPrecision(precision int) Option {
	return func(e *Evaluator) {
		e.precision = precision
	}
}

// WithWorkers sets the number of goroutines and the minimum batch size
// evaluated in parallel.
func WithWorkers(workers, threshold int) Option {
	return func(e *Evaluator) {
		e.workers = workers
		e.threshold = threshold
	}
}

// NewEvaluator creates a new batch evaluator
func NewEvaluator(opts ...Option) *Evaluator {
	e := &Evaluator{
		mem:       memory.NewGoAllocator(),
		eval:      formula.NewEvaluator(),
		precision: -1,
		threshold: parallel.DefaultThreshold,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Result is the outcome of evaluating an expression for one card.
type Result struct {
	Card  formula.CardID
	Value formula.Value
	Err   error
}

// Evaluate computes n for every card, in card order. A failed lookup is
// reported in that card's Result and does not stop the batch.
func (e *Evaluator) Evaluate(n formula.Node, cards []formula.CardID, lookup formula.ValueLookup) []Result {
	pool := parallel.NewWorkerPool(e.workers, parallel.WithThreshold(e.threshold))
	defer pool.Close()

	return parallel.ProcessIndexed(pool, cards, func(_ int, card formula.CardID) Result {
		v, err := e.eval.Evaluate(n, formula.EvaluationContext{Card: card, Values: lookup})
		if err == nil && e.precision >= 0 {
			v = formula.Round(v, e.precision)
		}
		return Result{Card: card, Value: v, Err: err}
	})
}

// EvaluateColumn computes n for every card and returns an Arrow array
// with one slot per card: Float64 for number and null expressions,
// Date32 for date expressions. Null results are null slots. The caller
// owns the array and must Release it.
func (e *Evaluator) EvaluateColumn(n formula.Node, cards []formula.CardID, lookup formula.ValueLookup) (arrow.Array, error) {
	if n == nil {
		return nil, ferrors.NewInvalidInputError("EvaluateColumn", "expression is nil")
	}

	outType := n.OutputType()
	if outType == formula.TypeInvalid {
		return nil, ferrors.NewInvalidInputError("EvaluateColumn",
			fmt.Sprintf("expression %s is not valid", n))
	}

	results := e.Evaluate(n, cards, lookup)
	for _, r := range results {
		if r.Err != nil {
			return nil, fmt.Errorf("evaluating %s for card %d: %w", n, r.Card, r.Err)
		}
	}

	if outType == formula.TypeDate {
		return e.dateColumn(results)
	}
	return e.numberColumn(results)
}

// DataType returns the Arrow type EvaluateColumn produces for n.
func DataType(n formula.Node) arrow.DataType {
	if n != nil && n.OutputType() == formula.TypeDate {
		return arrow.FixedWidthTypes.Date32
	}
	return arrow.PrimitiveTypes.Float64
}

func (e *Evaluator) numberColumn(results []Result) (arrow.Array, error) {
	builder := array.NewFloat64Builder(e.mem)
	defer builder.Release()
	builder.Reserve(len(results))

	for _, r := range results {
		switch r.Value.Kind() {
		case formula.ValueNumber:
			builder.Append(r.Value.Number().InexactFloat64())
		case formula.ValueNull:
			builder.AppendNull()
		default:
			return nil, ferrors.NewInternalError("EvaluateColumn",
				fmt.Errorf("card %d produced a %s value for a number column", r.Card, r.Value.Kind()))
		}
	}
	return builder.NewArray(), nil
}

func (e *Evaluator) dateColumn(results []Result) (arrow.Array, error) {
	builder := array.NewDate32Builder(e.mem)
	defer builder.Release()
	builder.Reserve(len(results))

	for _, r := range results {
		switch r.Value.Kind() {
		case formula.ValueDate:
			builder.Append(arrow.Date32FromTime(r.Value.Date()))
		case formula.ValueNull:
			builder.AppendNull()
		default:
			return nil, ferrors.NewInternalError("EvaluateColumn",
				fmt.Errorf("card %d produced a %s value for a date column", r.Card, r.Value.Kind()))
		}
	}
	return builder.NewArray(), nil
}

// DateAt converts a Date32 slot back to a time at UTC midnight.
func DateAt(arr *array.Date32, i int) time.Time {
	return arr.Value(i).ToTime().UTC()
}
