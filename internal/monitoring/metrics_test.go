//nolint:testpackage // requires internal access to unexported types and functions
package monitoring

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsCollector(t *testing.T) {
	t.Run("create disabled collector", func(t *testing.T) {
		collector := NewMetricsCollector(false)
		assert.NotNil(t, collector)
		assert.False(t, collector.IsEnabled())
		assert.Empty(t, collector.GetMetrics())
	})

	t.Run("nil collector runs the operation", func(t *testing.T) {
		var collector *MetricsCollector
		called := false
		err := collector.RecordOperation(OpEvaluate, "1 + 1", func() error {
			called = true
			return nil
		})
		require.NoError(t, err)
		assert.True(t, called)
		assert.False(t, collector.IsEnabled())
	})

	t.Run("record operation with disabled collector", func(t *testing.T) {
		collector := NewMetricsCollector(false)

		callCount := 0
		err := collector.RecordOperation(OpParse, "size", func() error {
			callCount++
			return nil
		})

		require.NoError(t, err)
		assert.Equal(t, 1, callCount)
		assert.Empty(t, collector.GetMetrics())
	})

	t.Run("record operation with enabled collector", func(t *testing.T) {
		collector := NewMetricsCollector(true)

		err := collector.RecordOperation(OpRender, "release * 2", func() error {
			time.Sleep(2 * time.Millisecond)
			return nil
		})
		require.NoError(t, err)

		metrics := collector.GetMetrics()
		require.Len(t, metrics, 1)
		assert.Equal(t, OpRender, metrics[0].Operation)
		assert.Equal(t, "release * 2", metrics[0].Formula)
		assert.Equal(t, int64(1), metrics[0].CardsProcessed)
		assert.GreaterOrEqual(t, metrics[0].Duration, 2*time.Millisecond)
		assert.False(t, metrics[0].Failed)
		assert.False(t, metrics[0].Start.IsZero())
	})

	t.Run("record failing operation", func(t *testing.T) {
		collector := NewMetricsCollector(true)
		boom := errors.New("boom")

		err := collector.RecordCards(OpEvaluateBatch, "size", 250, func() error {
			return boom
		})
		require.ErrorIs(t, err, boom)

		metrics := collector.GetMetrics()
		require.Len(t, metrics, 1)
		assert.True(t, metrics[0].Failed)
		assert.Equal(t, int64(250), metrics[0].CardsProcessed)
	})
}

func TestMetricsCollector_EnableDisableAndClear(t *testing.T) {
	collector := NewMetricsCollector(false)
	noop := func() error { return nil }

	_ = collector.RecordOperation(OpParse, "", noop)
	collector.SetEnabled(true)
	_ = collector.RecordOperation(OpParse, "", noop)
	_ = collector.RecordOperation(OpValidate, "", noop)
	assert.Len(t, collector.GetMetrics(), 2)

	collector.Clear()
	assert.Empty(t, collector.GetMetrics())

	collector.SetEnabled(false)
	_ = collector.RecordOperation(OpParse, "", noop)
	assert.Empty(t, collector.GetMetrics())
}

func TestMetricsCollector_Limit(t *testing.T) {
	collector := NewMetricsCollector(true)
	collector.SetLimit(3)
	noop := func() error { return nil }

	for _, f := range []string{"a", "b", "c", "d", "e"} {
		_ = collector.RecordOperation(OpCompile, f, noop)
	}

	metrics := collector.GetMetrics()
	require.Len(t, metrics, 3)
	assert.Equal(t, "c", metrics[0].Formula)
	assert.Equal(t, "e", metrics[2].Formula)

	collector.SetLimit(1)
	metrics = collector.GetMetrics()
	require.Len(t, metrics, 1)
	assert.Equal(t, "e", metrics[0].Formula)

	collector.SetLimit(0)
	assert.Len(t, collector.GetMetrics(), 1)
}

func TestMetricsCollector_GetSummary(t *testing.T) {
	collector := NewMetricsCollector(true)
	assert.Equal(t, MetricsSummary{}, collector.GetSummary())

	collector.metrics = []OperationMetrics{
		{Operation: OpEvaluate, Duration: 10 * time.Millisecond, CardsProcessed: 1},
		{Operation: OpEvaluate, Duration: 20 * time.Millisecond, CardsProcessed: 1, Failed: true},
		{Operation: OpEvaluateBatch, Duration: 30 * time.Millisecond, CardsProcessed: 100},
	}

	summary := collector.GetSummary()
	assert.Equal(t, 3, summary.TotalOperations)
	assert.Equal(t, 60*time.Millisecond, summary.TotalDuration)
	assert.Equal(t, 20*time.Millisecond, summary.AverageDuration)
	assert.Equal(t, int64(102), summary.TotalCards)
	assert.Equal(t, 1, summary.Failures)
	assert.Equal(t, map[string]int{OpEvaluate: 2, OpEvaluateBatch: 1}, summary.OperationCounts)
}

func TestMetricsCollector_Concurrent(t *testing.T) {
	collector := NewMetricsCollector(true)
	var wg sync.WaitGroup

	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				_ = collector.RecordOperation(OpEvaluate, "x", func() error { return nil })
			}
		}()
	}
	wg.Wait()

	assert.Len(t, collector.GetMetrics(), 500)
	assert.Equal(t, 500, collector.GetSummary().OperationCounts[OpEvaluate])
}
