package batch

import (
	"errors"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paveg/cardformula/internal/formula"
)

var properties = map[string]*formula.Property{
	"release": {Name: "release", Type: formula.PropertyNumber, Precision: 2},
	"start":   {Name: "start", Type: formula.PropertyDate},
}

func compile(t *testing.T, text string) formula.Node {
	t.Helper()
	n, err := formula.Compile(text, formula.ResolverFunc(func(name string) (*formula.Property, bool) {
		p, ok := properties[formula.NormalizeName(name)]
		return p, ok
	}), nil)
	require.NoError(t, err)
	return n
}

// cardValues serves release = card id (null for card 0) and start = 2024-01-01 + card days.
func cardValues() formula.ValueLookup {
	return formula.LookupFunc(func(card formula.CardID, property string) (formula.Value, error) {
		switch formula.NormalizeName(property) {
		case "release":
			if card == 0 {
				return formula.NullValue(), nil
			}
			return formula.IntValue(int64(card)), nil
		case "start":
			return formula.DateValue(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, int(card))), nil
		}
		return formula.NullValue(), nil
	})
}

func TestEvaluateColumn_Numbers(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	e := NewEvaluator(WithAllocator(mem))
	arr, err := e.EvaluateColumn(compile(t, "3 * (release + release / 2 + 1)"), []formula.CardID{2, 0, 4}, cardValues())
	require.NoError(t, err)
	defer arr.Release()

	floats, ok := arr.(*array.Float64)
	require.True(t, ok)
	require.Equal(t, 3, floats.Len())
	assert.InDelta(t, 12.0, floats.Value(0), 1e-9)
	assert.True(t, floats.IsNull(1))
	assert.InDelta(t, 21.0, floats.Value(2), 1e-9)
	assert.Equal(t, 1, floats.NullN())
}

func TestEvaluateColumn_Dates(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	e := NewEvaluator(WithAllocator(mem))
	n := compile(t, "start + release")
	assert.Equal(t, arrow.FixedWidthTypes.Date32, DataType(n))

	arr, err := e.EvaluateColumn(n, []formula.CardID{1, 0, 10}, cardValues())
	require.NoError(t, err)
	defer arr.Release()

	dates, ok := arr.(*array.Date32)
	require.True(t, ok)
	assert.Equal(t, time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC), DateAt(dates, 0))
	assert.True(t, dates.IsNull(1))
	assert.Equal(t, time.Date(2024, 1, 21, 0, 0, 0, 0, time.UTC), DateAt(dates, 2))
}

func TestEvaluateColumn_DivisionByZeroIsNull(t *testing.T) {
	e := NewEvaluator()
	arr, err := e.EvaluateColumn(compile(t, "10 / (release - 1)"), []formula.CardID{1, 3}, cardValues())
	require.NoError(t, err)
	defer arr.Release()

	floats := arr.(*array.Float64)
	assert.True(t, floats.IsNull(0))
	assert.InDelta(t, 5.0, floats.Value(1), 1e-9)
}

func TestEvaluateColumn_Errors(t *testing.T) {
	e := NewEvaluator()

	_, err := e.EvaluateColumn(nil, nil, cardValues())
	assert.Error(t, err)

	_, err = e.EvaluateColumn(compile(t, "start * 2"), []formula.CardID{1}, cardValues())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "is not valid")

	failing := formula.LookupFunc(func(formula.CardID, string) (formula.Value, error) {
		return formula.NullValue(), errors.New("connection reset")
	})
	_, err = e.EvaluateColumn(compile(t, "release + 1"), []formula.CardID{7}, failing)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "card 7")
	assert.Contains(t, err.Error(), "connection reset")
}

func TestEvaluate_RoundsAndKeepsOrder(t *testing.T) {
	e := NewEvaluator(WithPrecision(2), WithWorkers(4, 2))

	cards := make([]formula.CardID, 200)
	for i := range cards {
		cards[i] = formula.CardID(i + 1)
	}

	results := e.Evaluate(compile(t, "release / 3"), cards, cardValues())
	require.Len(t, results, len(cards))
	for i, r := range results {
		require.NoError(t, r.Err)
		assert.Equal(t, cards[i], r.Card)
		want := decimal.NewFromInt(int64(i + 1)).DivRound(decimal.NewFromInt(3), 16).Round(2)
		assert.True(t, want.Equal(r.Value.Number()), "card %d: %s", r.Card, r.Value)
	}
}

func TestEvaluateColumn_NullExpression(t *testing.T) {
	e := NewEvaluator()
	arr, err := e.EvaluateColumn(formula.Add(formula.Int(1), formula.Null()), []formula.CardID{1, 2}, cardValues())
	require.NoError(t, err)
	defer arr.Release()

	assert.Equal(t, arrow.PrimitiveTypes.Float64, arr.DataType())
	assert.Equal(t, 2, arr.NullN())
}
