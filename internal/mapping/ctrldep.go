package mapping

import (
	"sort"
	"strings"

	"github.com/tum-rcs/insn2src-mapper/internal/dominator"
	"github.com/tum-rcs/insn2src-mapper/internal/graph"
)

// CtrlDepEdge is a decision edge (u, v) that some node is control-dependent
// on.
type CtrlDepEdge struct {
	From, To graph.NodeID
}

// ComputeControlDependence returns, for every node x, the edges that
// control it: for each edge (u, v) with v not post-dominating u, walk from
// v up the post-dominator tree collecting every node visited before (and
// not including) LCA(v, u), plus LCA itself when LCA == u (the loop-header
// self-dependence case).
func ComputeControlDependence(g *graph.Digraph, postDom *dominator.Tree) map[graph.NodeID][]CtrlDepEdge {
	result := make(map[graph.NodeID][]CtrlDepEdge)
	for _, u := range g.Nodes() {
		for _, v := range g.Successors(u) {
			if postDom.Dominates(v, u) {
				continue
			}
			lca := postDom.NearestCommonDominator([]graph.NodeID{v, u})

			x := v
			for x != lca {
				result[x] = append(result[x], CtrlDepEdge{From: u, To: v})
				parent, ok := postDom.Parent(x)
				if !ok {
					break
				}
				x = parent
			}
			if lca == u {
				result[lca] = append(result[lca], CtrlDepEdge{From: u, To: v})
			}
		}
	}
	return result
}

// LabelFunc resolves the shared decision/outcome label of an edge, as
// produced by internal/edgematch.LabelDecisionEdges.
type LabelFunc func(from, to graph.NodeID) (string, bool)

// ctrlSignature builds a frozen (deterministically ordered) signature from
// a node's controlling edges, excluding any edge whose source is the node
// itself (a loop header's self-dependence on its own back edge is not
// part of its ctrl signature).
func ctrlSignature(edges []CtrlDepEdge, label LabelFunc, node graph.NodeID) string {
	labels := make(map[string]bool)
	for _, e := range edges {
		if e.From == node {
			continue
		}
		if l, ok := label(e.From, e.To); ok {
			labels[l] = true
		}
	}
	keys := make([]string, 0, len(labels))
	for l := range labels {
		keys = append(keys, l)
	}
	sort.Strings(keys)
	return strings.Join(keys, "|")
}

// ControlDependencyMap implements Stage 0: for every binary node, compute
// its ctrl signature and map it to the first source node sharing that
// signature for which validSrc holds (min.line > 0, i.e. not a sentinel or
// virtual node). fixed entries (entry/exit and matched inner-loop
// surrogate ids) are seeded first and never overwritten.
func ControlDependencyMap(
	binG, srcG *graph.Digraph,
	binPostDom, srcPostDom *dominator.Tree,
	binLabel, srcLabel LabelFunc,
	validSrc func(graph.NodeID) bool,
	fixed map[graph.NodeID]graph.NodeID,
) *GraphMap {
	binCtrl := ComputeControlDependence(binG, binPostDom)
	srcCtrl := ComputeControlDependence(srcG, srcPostDom)

	sigIndex := make(map[string][]graph.NodeID)
	for _, n := range srcG.Nodes() {
		if !validSrc(n) {
			continue
		}
		sig := ctrlSignature(srcCtrl[n], srcLabel, n)
		sigIndex[sig] = append(sigIndex[sig], n)
	}

	gm := NewGraphMap(binG, srcG)
	for b, a := range fixed {
		gm.Set(b, a)
	}

	for _, b := range binG.Nodes() {
		if _, already := gm.Get(b); already {
			continue
		}
		sig := ctrlSignature(binCtrl[b], binLabel, b)
		candidates := sigIndex[sig]
		if len(candidates) == 0 {
			continue
		}
		gm.Set(b, candidates[0])
	}
	return gm
}
