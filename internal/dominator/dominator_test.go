package dominator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tum-rcs/insn2src-mapper/internal/graph"
)

// buildDiamond constructs 0 -> {1,2} -> 3, the textbook diamond.
func buildDiamond() *graph.Digraph {
	g := graph.New()
	g.AddEdge(0, 1)
	g.AddEdge(0, 2)
	g.AddEdge(1, 3)
	g.AddEdge(2, 3)
	return g
}

func TestPreDominatorTree_Diamond(t *testing.T) {
	g := buildDiamond()
	tree := NewPreDominatorTree(g, 0)

	assert.True(t, tree.Dominates(0, 3))
	assert.False(t, tree.Dominates(1, 3))
	assert.False(t, tree.Dominates(2, 3))
	assert.True(t, tree.StrictlyDominates(0, 1))
	assert.False(t, tree.StrictlyDominates(1, 1))

	idom3, ok := tree.ImmediateDominator(3)
	require.True(t, ok)
	assert.Equal(t, graph.NodeID(0), idom3)
}

func TestPostDominatorTree_Diamond(t *testing.T) {
	g := buildDiamond()
	tree := NewPostDominatorTree(g, 3)

	assert.True(t, tree.Dominates(3, 0))
	assert.True(t, tree.Dominates(3, 1))
	assert.True(t, tree.Dominates(3, 2))
}

func TestDominatorTree_LoopHeaderDominatesBody(t *testing.T) {
	// 0 -> 1 -> 2 -> 1 (back edge), 2 -> 3
	g := graph.New()
	g.AddEdge(0, 1)
	g.AddEdge(1, 2)
	g.AddEdge(2, 1)
	g.AddEdge(2, 3)

	tree := NewPreDominatorTree(g, 0)
	assert.True(t, tree.Dominates(1, 2))
	idom2, ok := tree.ImmediateDominator(2)
	require.True(t, ok)
	assert.Equal(t, graph.NodeID(1), idom2)
}

func TestNearestCommonDominator_SingleNode(t *testing.T) {
	g := buildDiamond()
	tree := NewPreDominatorTree(g, 0)
	assert.Equal(t, graph.NodeID(2), tree.NearestCommonDominator([]graph.NodeID{2}))
}

func TestNearestCommonDominator_SiblingBranches(t *testing.T) {
	g := buildDiamond()
	tree := NewPreDominatorTree(g, 0)
	assert.Equal(t, graph.NodeID(0), tree.NearestCommonDominator([]graph.NodeID{1, 2}))
}

func TestNearestCommonDominator_ThreeNodes(t *testing.T) {
	// 0 -> 1 -> {2,3}; 1 -> 4; 4 -> {5,6}
	g := graph.New()
	g.AddEdge(0, 1)
	g.AddEdge(1, 2)
	g.AddEdge(1, 3)
	g.AddEdge(1, 4)
	g.AddEdge(4, 5)
	g.AddEdge(4, 6)

	tree := NewPreDominatorTree(g, 0)
	assert.Equal(t, graph.NodeID(4), tree.NearestCommonDominator([]graph.NodeID{5, 6}))
	assert.Equal(t, graph.NodeID(1), tree.NearestCommonDominator([]graph.NodeID{2, 5, 6}))
}

func TestContains_UnreachableNode(t *testing.T) {
	g := buildDiamond()
	g.AddNode(99)
	tree := NewPreDominatorTree(g, 0)
	assert.False(t, tree.Contains(99))
	assert.False(t, tree.Dominates(0, 99))
}

func TestSingleNodeGraph(t *testing.T) {
	g := graph.New()
	g.AddNode(0)
	tree := NewPreDominatorTree(g, 0)
	assert.True(t, tree.Dominates(0, 0))
	idom, ok := tree.ImmediateDominator(0)
	assert.True(t, ok)
	assert.Equal(t, graph.NodeID(0), idom)
}
