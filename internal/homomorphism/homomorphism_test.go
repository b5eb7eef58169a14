package homomorphism

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tum-rcs/insn2src-mapper/internal/dominator"
	"github.com/tum-rcs/insn2src-mapper/internal/graph"
)

func buildDiamond() *graph.Digraph {
	g := graph.New()
	g.AddEdge(0, 1)
	g.AddEdge(0, 2)
	g.AddEdge(1, 3)
	g.AddEdge(2, 3)
	return g
}

func TestRun_MatchesIsomorphicDiamonds(t *testing.T) {
	domG, imgG := buildDiamond(), buildDiamond()
	domDom := dominator.NewPreDominatorTree(domG, 0)
	imgDom := dominator.NewPreDominatorTree(imgG, 0)

	fixed := map[graph.NodeID]graph.NodeID{0: 0, 3: 3}
	candidates := Candidates{
		1: {1, 2},
		2: {1, 2},
	}

	result := Run(domDom, imgDom, []graph.NodeID{1, 2}, candidates, fixed)
	require.Empty(t, result.Unmapped)
	assert.Equal(t, graph.NodeID(1), result.Map[1])
	assert.Equal(t, graph.NodeID(2), result.Map[2])
}

func TestRun_ConflictResolvedByRetryingOtherCandidate(t *testing.T) {
	// Domain: 0 -> 1 -> 2 (chain). Image: 0 -> 1 -> 2 (chain), but node 1's
	// first-choice candidate is 2 (which would violate dominance against the
	// fixed point at 2), forcing a retry that lands on candidate 1.
	domG := graph.New()
	domG.AddEdge(0, 1)
	domG.AddEdge(1, 2)
	imgG := graph.New()
	imgG.AddEdge(0, 1)
	imgG.AddEdge(1, 2)

	domDom := dominator.NewPreDominatorTree(domG, 0)
	imgDom := dominator.NewPreDominatorTree(imgG, 0)

	fixed := map[graph.NodeID]graph.NodeID{0: 0, 2: 2}
	candidates := Candidates{1: {2, 1}}

	result := Run(domDom, imgDom, []graph.NodeID{1}, candidates, fixed)
	assert.Equal(t, graph.NodeID(1), result.Map[1])
}

func TestRemoveAmbiguousLeaves_DropsCollidingSiblingLeaves(t *testing.T) {
	g := graph.New()
	g.AddEdge(0, 1)
	g.AddEdge(0, 2)
	domDom := dominator.NewPreDominatorTree(g, 0)

	m := map[graph.NodeID]graph.NodeID{1: 5, 2: 6}
	candidates := Candidates{1: {5, 6}, 2: {6, 5}}

	RemoveAmbiguousLeaves(domDom, candidates, m)
	assert.Empty(t, m)
}
