package cache

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paveg/cardformula/internal/formula"
)

func parse(text string) (formula.Node, error) {
	return formula.Parse(text)
}

func TestExpressionCache_GetPut(t *testing.T) {
	c := NewExpressionCache(4)

	_, ok := c.Get("1 + 2")
	assert.False(t, ok)

	c.Put("1 + 2", formula.MustParse("1 + 2"))
	n, ok := c.Get("1 + 2")
	require.True(t, ok)
	assert.Equal(t, "1 + 2", n.String())

	// Cache keys are the exact text.
	_, ok = c.Get("1+2")
	assert.False(t, ok)

	stats := c.Stats()
	assert.Equal(t, 1, stats.Entries)
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(2), stats.Misses)
	assert.InDelta(t, 1.0/3.0, stats.HitRate, 0.0001)
}

func TestExpressionCache_EvictsLeastRecentlyUsed(t *testing.T) {
	c := NewExpressionCache(2)
	c.Put("a", formula.Ref("a"))
	c.Put("b", formula.Ref("b"))

	_, ok := c.Get("a")
	require.True(t, ok)

	c.Put("c", formula.Ref("c"))
	assert.Equal(t, 2, c.Len())

	_, ok = c.Get("b")
	assert.False(t, ok, "b was least recently used")
	_, ok = c.Get("a")
	assert.True(t, ok)
	_, ok = c.Get("c")
	assert.True(t, ok)
}

func TestExpressionCache_PutReplaces(t *testing.T) {
	c := NewExpressionCache(2)
	c.Put("x", formula.Int(1))
	c.Put("x", formula.Int(2))

	n, ok := c.Get("x")
	require.True(t, ok)
	assert.Equal(t, "2", n.String())
	assert.Equal(t, 1, c.Len())

	c.Put("nil", nil)
	assert.Equal(t, 1, c.Len())
}

func TestExpressionCache_GetOrCompile(t *testing.T) {
	c := NewExpressionCache(8)
	calls := 0
	compile := func(text string) (formula.Node, error) {
		calls++
		return parse(text)
	}

	for range 3 {
		n, err := c.GetOrCompile("release * 2", compile)
		require.NoError(t, err)
		assert.Equal(t, "release * 2", n.String())
	}
	assert.Equal(t, 1, calls)

	_, err := c.GetOrCompile("1 +", compile)
	require.Error(t, err)
	_, err = c.GetOrCompile("1 +", compile)
	require.Error(t, err)
	assert.Equal(t, 3, calls, "errors are not cached")

	failing := func(string) (formula.Node, error) { return nil, errors.New("boom") }
	_, err = c.GetOrCompile("anything", failing)
	assert.EqualError(t, err, "boom")
}

func TestExpressionCache_InvalidateAndClear(t *testing.T) {
	c := NewExpressionCache(0)
	c.Put("a", formula.Ref("a"))
	c.Put("b", formula.Ref("b"))

	c.Invalidate("a")
	_, ok := c.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 1, c.Len())

	c.Invalidate("missing")
	c.Clear()
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, int64(1), c.Stats().Misses)
}

func TestExpressionCache_Concurrent(t *testing.T) {
	c := NewExpressionCache(16)
	var wg sync.WaitGroup

	for i := range 8 {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for j := range 100 {
				text := fmt.Sprintf("%d + %d", worker, j%20)
				n, err := c.GetOrCompile(text, parse)
				assert.NoError(t, err)
				assert.Equal(t, text, n.String())
			}
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, c.Len(), 16)
	stats := c.Stats()
	assert.Equal(t, int64(800), stats.Hits+stats.Misses)
}

func TestKey(t *testing.T) {
	assert.Equal(t, Key("size * 2"), Key("size * 2"))
	assert.NotEqual(t, Key("size * 2"), Key("size * 3"))
}
