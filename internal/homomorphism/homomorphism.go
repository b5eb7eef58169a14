// Package homomorphism implements the dominator-homomorphism mapper shared
// by the edge matcher's structural discriminator-pairing fallback and the
// mapping pipeline's Stage 0' mapper: given a candidate-image set per
// domain node, it searches for an assignment under which dominance in the
// domain graph and dominance in the image graph agree on every mapped
// pair, resolving violations by conflict-driven backtracking over a
// worklist.
package homomorphism

import (
	"github.com/tum-rcs/insn2src-mapper/internal/dominator"
	"github.com/tum-rcs/insn2src-mapper/internal/graph"
)

// Candidates maps a domain node to its ordered list of acceptable image
// nodes, most preferred first (already sorted by the caller's chosen
// hom_order_src criterion).
type Candidates map[graph.NodeID][]graph.NodeID

// Conflict records two (domain, image) pairs whose simultaneous presence
// in the map violated the homomorphism property.
type Conflict struct {
	A [2]graph.NodeID
	B [2]graph.NodeID
}

// Result is the outcome of Run.
type Result struct {
	Map       map[graph.NodeID]graph.NodeID
	Conflicts []Conflict
	// Unmapped lists domain nodes left without an image, either because
	// they had no candidates or because every candidate was exhausted by
	// conflicts.
	Unmapped []graph.NodeID
}

// Run resolves candidates into a homomorphism-respecting partial map.
// fixed entries are seeded into the map and are never removed by conflict
// resolution (the contract's "fixed points are never removed"). worklist
// gives the domain-node processing order (the caller's hom_order); nodes
// not present in worklist but present in candidates are appended in
// candidate-map iteration order as a fallback so no node is silently
// skipped.
func Run(domDom *dominator.Tree, imgDom *dominator.Tree, worklist []graph.NodeID, candidates Candidates, fixed map[graph.NodeID]graph.NodeID) *Result {
	m := make(map[graph.NodeID]graph.NodeID, len(fixed)+len(candidates))
	isFixed := make(map[graph.NodeID]bool, len(fixed))
	for b, a := range fixed {
		m[b] = a
		isFixed[b] = true
	}

	queued := make(map[graph.NodeID]bool)
	var queue []graph.NodeID
	enqueue := func(b graph.NodeID) {
		if isFixed[b] || queued[b] {
			return
		}
		queued[b] = true
		queue = append(queue, b)
	}
	for _, b := range worklist {
		if _, ok := candidates[b]; ok {
			enqueue(b)
		}
	}
	for b := range candidates {
		enqueue(b)
	}

	conflicted := make(map[[2]graph.NodeID][][2]graph.NodeID)
	markConflicted := func(p, q [2]graph.NodeID) {
		conflicted[p] = append(conflicted[p], q)
		conflicted[q] = append(conflicted[q], p)
	}
	inKnownConflict := func(b, a graph.NodeID) bool {
		for _, q := range conflicted[[2]graph.NodeID{b, a}] {
			if cur, ok := m[q[0]]; ok && cur == q[1] {
				return true
			}
		}
		return false
	}

	var conflicts []Conflict
	var unmapped []graph.NodeID

	for len(queue) > 0 {
		b := queue[0]
		queue = queue[1:]
		queued[b] = false

		var chosen graph.NodeID
		found := false
		for _, a := range candidates[b] {
			if inKnownConflict(b, a) {
				continue
			}
			chosen = a
			found = true
			break
		}
		if !found {
			unmapped = append(unmapped, b)
			continue
		}

		m[b] = chosen
		if p1, p2, ok := firstViolation(domDom, imgDom, m); ok {
			other := p1
			if other == b {
				other = p2
			}
			otherA := m[other]

			conflicts = append(conflicts, Conflict{A: [2]graph.NodeID{b, chosen}, B: [2]graph.NodeID{other, otherA}})
			markConflicted([2]graph.NodeID{b, chosen}, [2]graph.NodeID{other, otherA})
			delete(m, b)
			if !isFixed[other] {
				delete(m, other)
				enqueue(other)
			}
			enqueue(b)
		}
	}

	return &Result{Map: m, Conflicts: conflicts, Unmapped: unmapped}
}

// firstViolation scans every pair currently in m and returns the first pair
// (x, y) for which domDom.Dominates(x, y) disagrees with
// imgDom.Dominates(m[x], m[y]).
func firstViolation(domDom, imgDom *dominator.Tree, m map[graph.NodeID]graph.NodeID) (graph.NodeID, graph.NodeID, bool) {
	nodes := make([]graph.NodeID, 0, len(m))
	for b := range m {
		nodes = append(nodes, b)
	}
	for i, x := range nodes {
		for _, y := range nodes[i+1:] {
			if domDom.Dominates(x, y) != imgDom.Dominates(m[x], m[y]) ||
				domDom.Dominates(y, x) != imgDom.Dominates(m[y], m[x]) {
				return x, y, true
			}
		}
	}
	return 0, 0, false
}

// RemoveAmbiguousLeaves drops, from m, every dominator-tree leaf of domDom
// that shares its dom-tree parent with another leaf whose original
// candidate set collides with its own (a nonempty intersection), per the
// post-termination cleanup step of the dominator-homomorphism mapper.
func RemoveAmbiguousLeaves(domDom *dominator.Tree, candidates Candidates, m map[graph.NodeID]graph.NodeID) {
	byParent := make(map[graph.NodeID][]graph.NodeID)
	for b := range m {
		if !isLeaf(domDom, b) {
			continue
		}
		parent, ok := domDom.Parent(b)
		if !ok {
			continue
		}
		byParent[parent] = append(byParent[parent], b)
	}
	for _, leaves := range byParent {
		if len(leaves) < 2 {
			continue
		}
		for i, a := range leaves {
			for _, b := range leaves[i+1:] {
				if candidateSetsCollide(candidates[a], candidates[b]) {
					delete(m, a)
					delete(m, b)
				}
			}
		}
	}
}

func isLeaf(t *dominator.Tree, n graph.NodeID) bool {
	for _, c := range t.Graph().Nodes() {
		if p, ok := t.Parent(c); ok && p == n {
			return false
		}
	}
	return true
}

func candidateSetsCollide(a, b []graph.NodeID) bool {
	set := make(map[graph.NodeID]bool, len(a))
	for _, n := range a {
		set[n] = true
	}
	for _, n := range b {
		if set[n] {
			return true
		}
	}
	return false
}
