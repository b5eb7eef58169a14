package looptree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tum-rcs/insn2src-mapper/internal/graph"
	apperrors "github.com/tum-rcs/insn2src-mapper/pkg/errors"
)

func TestAnalyze_NoLoops(t *testing.T) {
	g := graph.New()
	g.AddEdge(0, 1)
	g.AddEdge(0, 2)
	g.AddEdge(1, 3)
	g.AddEdge(2, 3)

	forest, err := Analyze(g, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, forest.LoopCount())
	assert.False(t, forest.IsLoopHeader(1))
}

func TestAnalyze_SimpleReducibleLoop(t *testing.T) {
	// 0 -> 1 -> 2 -> 1 (back edge), 2 -> 3
	g := graph.New()
	g.AddEdge(0, 1)
	g.AddEdge(1, 2)
	g.AddEdge(2, 1)
	g.AddEdge(2, 3)

	forest, err := Analyze(g, 0)
	require.NoError(t, err)
	require.Equal(t, 1, forest.LoopCount())
	assert.True(t, forest.IsLoopHeader(1))

	loop := forest.Loop(1)
	require.NotNil(t, loop)
	assert.Equal(t, Reducible, loop.Type)
	assert.Equal(t, []graph.NodeID{2}, loop.BackPreds)
	assert.True(t, loop.Body[2])
	assert.Contains(t, loop.ExitEdges, [2]graph.NodeID{2, 3})
}

func TestAnalyze_SelfLoop(t *testing.T) {
	g := graph.New()
	g.AddEdge(0, 1)
	g.AddEdge(1, 1)
	g.AddEdge(1, 2)

	forest, err := Analyze(g, 0)
	require.NoError(t, err)
	loop := forest.Loop(1)
	require.NotNil(t, loop)
	assert.Equal(t, SelfLoop, loop.Type)
	assert.Equal(t, []graph.NodeID{1}, loop.BackPreds)
}

func TestAnalyze_NestedLoops(t *testing.T) {
	// Outer loop header 1, inner loop header 2.
	// 0 -> 1 -> 2 -> 3 -> 2 (inner back edge), 3 -> 1 (outer back edge), 1 -> 4
	g := graph.New()
	g.AddEdge(0, 1)
	g.AddEdge(1, 2)
	g.AddEdge(2, 3)
	g.AddEdge(3, 2)
	g.AddEdge(3, 1)
	g.AddEdge(1, 4)

	forest, err := Analyze(g, 0)
	require.NoError(t, err)
	require.Equal(t, 2, forest.LoopCount())

	assert.True(t, forest.IsLoopHeader(1))
	assert.True(t, forest.IsLoopHeader(2))

	parent, ok := forest.ParentLoop(2)
	require.True(t, ok)
	assert.Equal(t, graph.NodeID(1), parent)
	assert.Equal(t, 0, forest.Level(1))
	assert.Equal(t, 1, forest.Level(2))

	enclosing, ok := forest.LookupEnclosing(3)
	require.True(t, ok)
	assert.Equal(t, graph.NodeID(2), enclosing)
}

func TestAnalyze_IrreducibleLoopReturnsError(t *testing.T) {
	// Two entries into the same cyclic region: 1->2, 2->1, and a separate
	// entry 3->2 that bypasses header 1, per Havlak's classic example.
	g := graph.New()
	g.AddEdge(0, 1)
	g.AddEdge(0, 3)
	g.AddEdge(1, 2)
	g.AddEdge(2, 1)
	g.AddEdge(3, 2)

	_, err := Analyze(g, 0)
	require.Error(t, err)
	assert.True(t, apperrors.IsIrreducibleLoop(err))
}

func TestSortedHeaders_InnermostFirst(t *testing.T) {
	g := graph.New()
	g.AddEdge(0, 1)
	g.AddEdge(1, 2)
	g.AddEdge(2, 3)
	g.AddEdge(3, 2)
	g.AddEdge(3, 1)

	forest, err := Analyze(g, 0)
	require.NoError(t, err)
	headers := forest.SortedHeaders()
	require.Len(t, headers, 2)
	assert.Equal(t, graph.NodeID(2), headers[0])
	assert.Equal(t, graph.NodeID(1), headers[1])
}
