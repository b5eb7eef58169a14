package mapping

import (
	"github.com/tum-rcs/insn2src-mapper/internal/dominator"
	"github.com/tum-rcs/insn2src-mapper/internal/graph"
	apperrors "github.com/tum-rcs/insn2src-mapper/pkg/errors"
)

// reversePreorder returns every node of g's dom tree in descending preorder
// number, the iteration order Stage 1 and Stage 2's simple-path pass both
// walk unmapped nodes in.
func reversePreorder(domTree *dominator.Tree) []graph.NodeID {
	nodes := domTree.Graph().Nodes()
	out := make([]graph.NodeID, len(nodes))
	copy(out, nodes)
	sortStable(out, func(a, b graph.NodeID) bool {
		na, _ := domTree.PreorderNumber(a)
		nb, _ := domTree.PreorderNumber(b)
		return na > nb
	})
	return out
}

// nearestMappedAncestor walks up the dom tree from n's parent until it finds
// a node gm already maps, standing in for the union-find "representative" of
// the reference algorithm: since nodes are processed in reverse preorder,
// an ancestor assigned earlier in the same pass is exactly that
// representative.
func nearestMappedAncestor(domTree *dominator.Tree, gm *GraphMap, n graph.NodeID) (graph.NodeID, bool) {
	cur := n
	for {
		parent, ok := domTree.Parent(cur)
		if !ok {
			return 0, false
		}
		if img, ok := gm.Get(parent); ok {
			return img, true
		}
		cur = parent
	}
}

// StraightLineLump implements Stage 1: nodes with exactly one predecessor
// and one successor in the full graph, where both neighbors also have
// degree 1 on the matching side, are unioned with their dominator-tree
// parent when the node itself is a dom-tree leaf and that parent is
// mapped, and otherwise with their successor when it is already mapped.
// loopHeaders (this subflow's own loop headers,
// whose only external in-edge is the subgraph's entry) are left untouched.
// Disabled by default, matching the reference implementation's
// safety-first default.
func StraightLineLump(full *graph.Digraph, domTree *dominator.Tree, loopHeaders map[graph.NodeID]bool, gm *GraphMap) {
	order := reversePreorder(domTree)
	for _, n := range order {
		if _, mapped := gm.Get(n); mapped {
			continue
		}
		if loopHeaders[n] {
			continue
		}
		preds := full.Predecessors(n)
		succs := full.Successors(n)
		if len(preds) != 1 || len(succs) != 1 {
			continue
		}
		if len(full.Successors(preds[0])) != 1 || len(full.Predecessors(succs[0])) != 1 {
			continue
		}

		if isDomTreeLeaf(domTree, n) {
			parent, ok := domTree.Parent(n)
			if ok {
				if img, mappedParent := gm.Get(parent); mappedParent {
					gm.Set(n, img)
					continue
				}
			}
		}
		if img, ok := gm.Get(succs[0]); ok {
			gm.Set(n, img)
		}
	}
}

func isDomTreeLeaf(t *dominator.Tree, n graph.NodeID) bool {
	for _, c := range t.Graph().Nodes() {
		if p, ok := t.Parent(c); ok && p == n {
			return false
		}
	}
	return true
}

// DominatorLump implements Stage 2, completing the map in two passes, then
// asserts every node in full ends assigned. It returns an error
// (apperrors.CodeAssertionFailure) if any node is still unmapped once both
// passes reach a fixed point.
func DominatorLump(full *graph.Digraph, domTree *dominator.Tree, gm *GraphMap) error {
	simplePathPass(full, domTree, gm)
	genericPass(full, domTree, gm)

	for _, n := range full.Nodes() {
		if _, ok := gm.Get(n); !ok {
			return apperrors.New(apperrors.CodeAssertionFailure,
				"mapping: dominator lumping left a node unmapped")
		}
	}
	return nil
}

// simplePathPass is Stage 1's straight-line test without the dom-tree-leaf
// "maintain order" restriction: any node with single in/out degree on both
// sides may union either upward (to its dom-tree parent) or downward (to its
// successor), whichever is already mapped, preferring downward.
func simplePathPass(full *graph.Digraph, domTree *dominator.Tree, gm *GraphMap) {
	changed := true
	for changed {
		changed = false
		for _, n := range reversePreorder(domTree) {
			if _, mapped := gm.Get(n); mapped {
				continue
			}
			preds := full.Predecessors(n)
			succs := full.Successors(n)
			if len(preds) != 1 || len(succs) != 1 {
				continue
			}
			if len(full.Successors(preds[0])) != 1 || len(full.Predecessors(succs[0])) != 1 {
				continue
			}
			if img, ok := gm.Get(succs[0]); ok {
				gm.Set(n, img)
				changed = true
				continue
			}
			if parent, ok := domTree.Parent(n); ok {
				if img, ok := gm.Get(parent); ok {
					gm.Set(n, img)
					changed = true
				}
			}
		}
	}
}

// genericPass handles what simplePathPass cannot: many-in/one-out nodes
// merge downward once their successor is a fixed point, and any remainder
// unions with its dom-tree parent's current representative in reverse
// preorder until nothing changes.
func genericPass(full *graph.Digraph, domTree *dominator.Tree, gm *GraphMap) {
	changed := true
	for changed {
		changed = false
		for _, n := range full.Nodes() {
			if _, mapped := gm.Get(n); mapped {
				continue
			}
			succs := full.Successors(n)
			if len(succs) == 1 {
				if img, ok := gm.Get(succs[0]); ok {
					gm.Set(n, img)
					changed = true
				}
			}
		}
		for _, n := range reversePreorder(domTree) {
			if _, mapped := gm.Get(n); mapped {
				continue
			}
			if parent, ok := domTree.Parent(n); ok {
				if img, ok := gm.Get(parent); ok {
					gm.Set(n, img)
					changed = true
					continue
				}
			}
			if img, ok := nearestMappedAncestor(domTree, gm, n); ok {
				gm.Set(n, img)
				changed = true
			}
		}
	}
}
