package mapping

import (
	"github.com/tum-rcs/insn2src-mapper/internal/dominator"
	"github.com/tum-rcs/insn2src-mapper/internal/graph"
	"github.com/tum-rcs/insn2src-mapper/internal/homomorphism"
)

// HomOrder selects which dominator-tree traversal orders the Stage 0'
// worklist and a node's candidate list, mirroring the pipeline's
// configurable hom_order_src.
type HomOrder int

const (
	PreDominatorFirst HomOrder = iota
	PostDominatorFirst
	PreDominatedFirst
	PostDominatedFirst
)

// treeForOrder picks the pre- or post-dominator tree a given HomOrder
// orders against: the Post* variants walk post-dominance, the Pre*
// variants walk pre-dominance (dominance correctness is always checked
// against the pre-dominator trees regardless of order — see
// DominatorHomomorphismMap).
func treeForOrder(preDom, postDom *dominator.Tree, order HomOrder) *dominator.Tree {
	if order == PostDominatorFirst || order == PostDominatedFirst {
		return postDom
	}
	return preDom
}

// orderByPreorder returns nodes sorted by ascending ("dominator-first":
// dominators, which have the smaller preorder number, come first) or
// descending ("dominated-first") preorder number in t. t must already be
// the tree treeForOrder selected for order.
func orderByPreorder(t *dominator.Tree, nodes []graph.NodeID, order HomOrder) []graph.NodeID {
	out := append([]graph.NodeID(nil), nodes...)
	num := func(n graph.NodeID) int {
		if v, ok := t.PreorderNumber(n); ok {
			return v
		}
		return -1
	}
	ascending := order == PreDominatorFirst || order == PostDominatorFirst
	sortStable(out, func(i, j graph.NodeID) bool {
		if ascending {
			return num(i) < num(j)
		}
		return num(i) > num(j)
	})
	return out
}

func sortStable(nodes []graph.NodeID, less func(a, b graph.NodeID) bool) {
	for i := 1; i < len(nodes); i++ {
		for j := i; j > 0 && less(nodes[j], nodes[j-1]); j-- {
			nodes[j], nodes[j-1] = nodes[j-1], nodes[j]
		}
	}
}

// DominatorHomomorphismMap implements Stage 0': candidates is the
// potential map (bin -> possible src nodes) built by the caller from debug
// info and function-call-list intersections; this function orders each
// node's candidates and the worklist per order, runs the conflict-driven
// homomorphism search, removes ambiguous dom-tree-leaf siblings, and
// returns the resulting GraphMap.
//
// binPreDom/srcPreDom are used for the homomorphism correctness test
// itself (dominance must always agree against pre-dominance, regardless
// of order — mirroring the original mapper's test_homomorphism, which
// calls predom_tree() unconditionally). binPostDom/srcPostDom are only
// consulted when order selects a post-dominator traversal; callers that
// never pass a PostDominatorFirst/PostDominatedFirst order may pass nil
// for both.
func DominatorHomomorphismMap(
	binG, srcG *graph.Digraph,
	binPreDom, srcPreDom *dominator.Tree,
	binPostDom, srcPostDom *dominator.Tree,
	candidates homomorphism.Candidates,
	fixed map[graph.NodeID]graph.NodeID,
	order HomOrder,
) *GraphMap {
	binOrderTree := treeForOrder(binPreDom, binPostDom, order)
	srcOrderTree := treeForOrder(srcPreDom, srcPostDom, order)

	ordered := make(homomorphism.Candidates, len(candidates))
	var worklist []graph.NodeID
	for b, cands := range candidates {
		ordered[b] = orderByPreorder(srcOrderTree, cands, order)
		worklist = append(worklist, b)
	}
	worklist = orderByPreorder(binOrderTree, worklist, order)

	result := homomorphism.Run(binPreDom, srcPreDom, worklist, ordered, fixed)
	homomorphism.RemoveAmbiguousLeaves(binPreDom, ordered, result.Map)

	gm := NewGraphMap(binG, srcG)
	for b, a := range result.Map {
		gm.Set(b, a)
	}
	return gm
}
