package deps

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ferrors "github.com/paveg/cardformula/internal/errors"
)

var knownProperties = []string{"size", "Type", "Status", "Start Date"}

func aggregate(tree, name, condition, target string) Definition {
	return Definition{Kind: KindAggregate, Tree: tree, Name: name, Condition: condition, Target: target, CardType: "Release"}
}

func formulaDef(name, expression string) Definition {
	return Definition{Kind: KindFormula, Name: name, Expression: expression, CardType: "Story"}
}

func TestCheck_TwoLevelCycle(t *testing.T) {
	a := aggregate("Planning", "Sum A", "Type = 'Story' AND 'Sum B' > 0", "size")
	b := aggregate("Planning", "Sum B", "[Sum A] > 0", "size")
	defs := []Definition{a, b}

	for _, changed := range defs {
		t.Run(changed.Name, func(t *testing.T) {
			err := Check(defs, changed, knownProperties)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "circular reference")

			var verr *ferrors.ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Len(t, verr.Messages, 1)
		})
	}

	err := Check(defs, a, knownProperties)
	assert.Contains(t, err.Error(), "Planning/Sum A -> Planning/Sum B -> Planning/Sum A")
}

func TestCheck_ThreeLevelCycleAcrossTrees(t *testing.T) {
	defs := []Definition{
		aggregate("Planning", "Sum A", "'Sum B' > 1", "size"),
		aggregate("Delivery", "Sum B", "Status = 'Open' and Velocity > 2", "size"),
		formulaDef("Velocity", "'Sum A' / 2"),
	}

	for _, changed := range defs {
		t.Run(changed.Name, func(t *testing.T) {
			err := Check(defs, changed, knownProperties)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "circular reference")
		})
	}

	g := BuildGraph(defs, knownProperties)
	chain, ok := FindCycle(g)
	require.True(t, ok)
	assert.Equal(t, Chain{"Delivery/Sum B", "Velocity", "Planning/Sum A", "Delivery/Sum B"}, chain)
}

func TestCheck_DeletedReferenceIsNotACycle(t *testing.T) {
	t.Run("aggregate condition", func(t *testing.T) {
		a := aggregate("Planning", "Sum A", "'Sum B' > 0", "size")
		// Sum B has been deleted; only Sum A remains.
		err := Check([]Definition{a}, a, knownProperties)
		require.Error(t, err)
		assert.NotContains(t, err.Error(), "circular reference")
		assert.Equal(t, "Sum A references unknown property Sum B.", err.Error())
	})

	t.Run("never defined condition operand", func(t *testing.T) {
		a := aggregate("", "A", "'Removed Prop' = 3", "Size")
		err := Check(nil, a, []string{"Size"})
		require.Error(t, err)
		assert.Equal(t, "A references unknown property Removed Prop.", err.Error())
	})

	t.Run("formula", func(t *testing.T) {
		f := formulaDef("Velocity", "deleted * 2 + size")
		err := Check(nil, f, knownProperties)
		require.Error(t, err)
		assert.NotContains(t, err.Error(), "circular reference")
		assert.Equal(t, "Velocity references unknown property deleted.", err.Error())
	})

	t.Run("aggregate target", func(t *testing.T) {
		a := aggregate("Planning", "Sum A", "", "gone")
		err := Check(nil, a, knownProperties)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown property gone")
	})
}

func TestCheck_ReplacesChangedDefinition(t *testing.T) {
	a := aggregate("Planning", "Sum A", "'Sum B' > 0", "size")
	b := aggregate("Planning", "Sum B", "'Sum A' > 0", "size")

	fixed := aggregate("Planning", "sum a", "size > 0", "size")
	assert.NoError(t, Check([]Definition{a, b}, fixed, knownProperties))
}

func TestCheck_TargetEdges(t *testing.T) {
	defs := []Definition{
		aggregate("Planning", "Total Velocity", "", "Velocity"),
		formulaDef("Velocity", "'Total Velocity' * 2"),
	}
	err := Check(defs, defs[1], knownProperties)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circular reference")
}

func TestCheck_SelfReference(t *testing.T) {
	f := formulaDef("Velocity", "velocity + 1")
	err := Check(nil, f, knownProperties)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circular reference: Velocity -> Velocity.")
}

func TestFindCycle_NoCycle(t *testing.T) {
	g := BuildGraph([]Definition{
		aggregate("Planning", "Sum A", "'Sum B' > 0", "size"),
		aggregate("Planning", "Sum B", "Status = 'Done'", "size"),
		formulaDef("Velocity", "'Sum A' + 'Sum B'"),
	}, knownProperties)

	_, ok := FindCycle(g)
	assert.False(t, ok)
	assert.Empty(t, g.Dangling())
	assert.Equal(t, []NodeID{"Planning/Sum A", "Planning/Sum B"}, g.Edges("Velocity"))
}

func TestFindCycle_Deterministic(t *testing.T) {
	defs := []Definition{
		formulaDef("c", "a + 1"),
		formulaDef("a", "b + 1"),
		formulaDef("b", "c + 1"),
		formulaDef("d", "a + b"),
	}
	reversed := []Definition{defs[3], defs[2], defs[1], defs[0]}

	first, ok := FindCycle(BuildGraph(defs, nil))
	require.True(t, ok)
	second, ok := FindCycle(BuildGraph(reversed, nil))
	require.True(t, ok)

	assert.Equal(t, Chain{"a", "b", "c", "a"}, first)
	assert.Equal(t, first, second)
	assert.Equal(t, "a -> b -> c -> a", first.String())
}

func TestFindCycleFrom(t *testing.T) {
	g := BuildGraph([]Definition{
		formulaDef("a", "b + 1"),
		formulaDef("b", "a + 1"),
		formulaDef("c", "a * 2"),
	}, nil)

	chain, ok := FindCycleFrom(g, "B")
	require.True(t, ok)
	assert.Equal(t, Chain{"b", "a", "b"}, chain)

	_, ok = FindCycleFrom(g, "c")
	assert.False(t, ok, "c reaches a cycle but is not part of it")

	_, ok = FindCycleFrom(g, "missing")
	assert.False(t, ok)
}

func TestBuildGraph_ConditionScanning(t *testing.T) {
	defs := []Definition{
		aggregate("Planning", "Size Total", "Status = 'Done'", ""),
		formulaDef("Size", "2 * 3"),
		aggregate("Planning", "Points", "size   TOTAL > 1 and Start Date < '2024-01-01'", ""),
		aggregate("Planning", "Quoted", "'size total' > 3 or size < 2", ""),
		aggregate("Planning", "Sizeable", "Sizeables > 3", ""),
	}
	g := BuildGraph(defs, knownProperties)

	assert.Equal(t, []NodeID{"Planning/Size Total"}, g.Edges("Planning/Points"))
	assert.Equal(t, []NodeID{"Planning/Size Total", "Size"}, g.Edges("planning/quoted"))
	assert.Empty(t, g.Edges("Planning/Sizeable"))
	assert.Equal(t, []Reference{{From: "Planning/Sizeable", Name: "Sizeables"}}, g.Dangling())
}

func TestBuildGraph_CardAttributesAreKnown(t *testing.T) {
	g := BuildGraph([]Definition{
		aggregate("Planning", "Stories", "type = Story AND Name != 'x' AND Number > 3", ""),
	}, nil)
	assert.Empty(t, g.Dangling())
}

func TestConditionProperties(t *testing.T) {
	tests := []struct {
		condition string
		expected  []string
	}{
		{"", nil},
		{"Type = 'Story'", []string{"Type"}},
		{"'Removed Prop' = 3", []string{"Removed Prop"}},
		{"[Sum A] > 0", []string{"Sum A"}},
		{"Start   Date < '2024-01-01' and Status != Done", []string{"Start Date", "Status"}},
		{"(Status = Open OR Status = 'In Progress') AND NOT Owner IS NULL", []string{"Status", "Status", "Owner"}},
		{"Status IN (Open, Closed) AND size >= 2", []string{"Status", "size"}},
		{"size > PROPERTY 'Story Points'", []string{"size", "Story Points"}},
		{"'It''s' <> 1", []string{"It's"}},
		{"'unterminated = 1", nil},
	}

	for _, tt := range tests {
		t.Run(tt.condition, func(t *testing.T) {
			assert.Equal(t, tt.expected, conditionProperties(tt.condition))
		})
	}
}

func TestBuildGraph_UnparseableFormulaFallsBackToScan(t *testing.T) {
	g := BuildGraph([]Definition{
		formulaDef("Broken", "'Sum A' + ("),
		aggregate("Planning", "Sum A", "", "size"),
	}, knownProperties)

	assert.Equal(t, []NodeID{"Planning/Sum A"}, g.Edges("Broken"))
	assert.Equal(t, 2, g.Len())
	_, ok := g.Node("planning/sum a")
	assert.True(t, ok)
}

func TestBuildGraph_Dangling(t *testing.T) {
	g := BuildGraph([]Definition{
		formulaDef("Velocity", "ghost + phantom + size"),
	}, knownProperties)

	assert.Equal(t, []Reference{
		{From: "Velocity", Name: "ghost"},
		{From: "Velocity", Name: "phantom"},
	}, g.Dangling())
	assert.Equal(t, []string{"ghost", "phantom"}, g.Unknown("velocity"))
	assert.Empty(t, g.Edges("Velocity"))
	assert.Contains(t, g.String(), "Velocity ->")
}
