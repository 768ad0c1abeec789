// Package monitoring provides metrics collection for formula engine operations.
package monitoring

import (
	"sync"
	"time"
)

// Operation names recorded by the engine.
const (
	OpParse             = "parse"
	OpCompile           = "compile"
	OpValidate          = "validate"
	OpEvaluate          = "evaluate"
	OpEvaluateBatch     = "evaluate_batch"
	OpRender            = "render"
	OpCheckDependencies = "check_dependencies"
)

// OperationMetrics represents metrics for a single engine operation.
type OperationMetrics struct {
	Operation      string        `json:"operation"`
	Formula        string        `json:"formula,omitempty"`
	Duration       time.Duration `json:"duration"`
	CardsProcessed int64         `json:"cards_processed"`
	Failed         bool          `json:"failed"`
	Start          time.Time     `json:"start"`
}

// MetricsCollector collects and stores metrics for engine operations.
type MetricsCollector struct {
	mu      sync.RWMutex
	metrics []OperationMetrics
	enabled bool
	limit   int
}

// DefaultLimit is the number of operations a collector keeps; older
// records are dropped first.
const DefaultLimit = 10000

// NewMetricsCollector creates a new metrics collector.
func NewMetricsCollector(enabled bool) *MetricsCollector {
	return &MetricsCollector{
		metrics: make([]OperationMetrics, 0),
		enabled: enabled,
		limit:   DefaultLimit,
	}
}

// IsEnabled returns whether metrics collection is enabled.
func (mc *MetricsCollector) IsEnabled() bool {
	if mc == nil {
		return false
	}
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	return mc.enabled
}

// RecordOperation executes fn and records its duration and outcome.
func (mc *MetricsCollector) RecordOperation(operation, formula string, fn func() error) error {
	return mc.RecordCards(operation, formula, 1, fn)
}

// RecordCards executes fn, which works on cards cards, and records its
// duration and outcome. A nil or disabled collector only runs fn.
func (mc *MetricsCollector) RecordCards(operation, formula string, cards int64, fn func() error) error {
	if !mc.IsEnabled() {
		return fn()
	}

	start := time.Now()
	err := fn()

	mc.add(OperationMetrics{
		Operation:      operation,
		Formula:        formula,
		Duration:       time.Since(start),
		CardsProcessed: cards,
		Failed:         err != nil,
		Start:          start,
	})
	return err
}

func (mc *MetricsCollector) add(m OperationMetrics) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if len(mc.metrics) >= mc.limit {
		mc.metrics = append(mc.metrics[:0], mc.metrics[len(mc.metrics)-mc.limit+1:]...)
	}
	mc.metrics = append(mc.metrics, m)
}

// GetMetrics returns a copy of all collected metrics.
func (mc *MetricsCollector) GetMetrics() []OperationMetrics {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	result := make([]OperationMetrics, len(mc.metrics))
	copy(result, mc.metrics)
	return result
}

// Clear removes all collected metrics.
func (mc *MetricsCollector) Clear() {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.metrics = mc.metrics[:0]
}

// SetEnabled enables or disables metrics collection.
func (mc *MetricsCollector) SetEnabled(enabled bool) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.enabled = enabled
}

// SetLimit changes the number of operations kept.
func (mc *MetricsCollector) SetLimit(limit int) {
	if limit <= 0 {
		return
	}
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.limit = limit
	if over := len(mc.metrics) - limit; over > 0 {
		mc.metrics = append(mc.metrics[:0], mc.metrics[over:]...)
	}
}

// GetSummary returns a summary of collected metrics.
func (mc *MetricsCollector) GetSummary() MetricsSummary {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	if len(mc.metrics) == 0 {
		return MetricsSummary{}
	}

	var totalDuration time.Duration
	var totalCards int64
	var failures int
	operationCounts := make(map[string]int)

	for _, metric := range mc.metrics {
		totalDuration += metric.Duration
		totalCards += metric.CardsProcessed
		if metric.Failed {
			failures++
		}
		operationCounts[metric.Operation]++
	}

	return MetricsSummary{
		TotalOperations: len(mc.metrics),
		TotalDuration:   totalDuration,
		TotalCards:      totalCards,
		Failures:        failures,
		OperationCounts: operationCounts,
		AverageDuration: totalDuration / time.Duration(len(mc.metrics)),
	}
}

// MetricsSummary provides aggregate statistics for collected metrics.
type MetricsSummary struct {
	TotalOperations int            `json:"total_operations"`
	TotalDuration   time.Duration  `json:"total_duration"`
	TotalCards      int64          `json:"total_cards"`
	Failures        int            `json:"failures"`
	OperationCounts map[string]int `json:"operation_counts"`
	AverageDuration time.Duration  `json:"average_duration"`
}
