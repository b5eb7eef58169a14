// Package looptree implements Havlak's algorithm for nesting analysis of
// reducible and irreducible loops over an internal/graph.Digraph, producing
// a loop-nesting forest rooted at the flow graph's entry node.
package looptree

import (
	"fmt"
	"sort"

	"github.com/tum-rcs/insn2src-mapper/internal/graph"
	apperrors "github.com/tum-rcs/insn2src-mapper/pkg/errors"
)

// NodeType classifies a node discovered while building the loop forest.
type NodeType int

const (
	// NonHeader marks a node that does not head any loop.
	NonHeader NodeType = iota
	// Reducible marks a loop header reachable only through its header (a
	// proper natural loop).
	Reducible
	// Irreducible marks a loop header reached by at least one path that
	// bypasses the header, i.e. a multi-entry loop.
	Irreducible
	// SelfLoop marks a node with an edge directly back to itself.
	SelfLoop
)

func (t NodeType) String() string {
	switch t {
	case Reducible:
		return "reducible"
	case Irreducible:
		return "irreducible"
	case SelfLoop:
		return "self"
	default:
		return "nonheader"
	}
}

// dfsTree is the DFS spanning tree numbered as in Havlak's paper: every node
// carries its preorder number and the preorder number of its last
// descendant, which together give an O(1) ancestor test.
type dfsTree struct {
	number map[graph.NodeID]int
	last   map[graph.NodeID]int
	order  []graph.NodeID // preorder number -> node id
}

func buildDfsTree(g *graph.Digraph, entry graph.NodeID) *dfsTree {
	t := &dfsTree{
		number: make(map[graph.NodeID]int),
		last:   make(map[graph.NodeID]int),
	}
	counter := 0
	var walk func(graph.NodeID)
	walk = func(n graph.NodeID) {
		t.number[n] = counter
		t.order = append(t.order, n)
		counter++
		for _, s := range g.Successors(n) {
			if _, visited := t.number[s]; !visited {
				walk(s)
			}
		}
		t.last[n] = counter - 1
	}
	walk(entry)
	return t
}

// havlakNodeInfo carries the per-node bookkeeping Havlak's algorithm needs
// during the reverse-preorder sweep, indexed by DFS preorder number.
type havlakNodeInfo struct {
	backPreds    []int // preorder numbers
	nonBackPreds []int
	header       int // preorder number of assigned loop header, -1 for entry
	typ          NodeType
}

// isAncestor reports whether the node at preorder number w is an ancestor
// of (or equal to) the node at preorder number v in the DFS tree.
func (t *dfsTree) isAncestor(w, v int) bool {
	wID := t.order[w]
	return w <= v && v <= t.last[wID]
}

// Loop describes one header node of the loop-nesting forest and the body
// discovered for it.
type Loop struct {
	Header graph.NodeID
	Type   NodeType

	// BackPreds holds the tail nodes of back edges into Header.
	BackPreds []graph.NodeID

	// Body holds every node belonging directly to this loop, including the
	// headers of any loops nested directly inside it. It does not include
	// nodes that belong only to a more deeply nested loop.
	Body map[graph.NodeID]bool

	// NonHeaderNodes holds the subset of Body that is not itself a nested
	// loop header, attributed to this loop for output purposes.
	NonHeaderNodes []graph.NodeID

	// ExitEdges holds edges (from, to) where from is Header or one of
	// NonHeaderNodes and to is outside Body and not Header itself.
	ExitEdges [][2]graph.NodeID

	parent   graph.NodeID
	children []graph.NodeID
}

// Forest is the loop-nesting forest produced by Analyze. RootID is the flow
// graph's entry node, which is never itself considered a loop header (even
// if a back edge targets it): it serves only to root the forest so that
// several top-level loops can be reached from one value.
type Forest struct {
	RootID   graph.NodeID
	loops    map[graph.NodeID]*Loop
	rootKids []graph.NodeID // entry-level nodes with no enclosing loop
	preorder map[graph.NodeID]int
}

// Analyze runs Havlak's loop-nesting analysis on g starting from entry and
// returns the resulting forest. It fails with a CodeIrreducibleLoop error if
// any loop header is reachable by a path that bypasses the header, since
// the mapping pipeline has no homomorphism for multi-entry loops.
func Analyze(g *graph.Digraph, entry graph.NodeID) (*Forest, error) {
	tree := buildDfsTree(g, entry)
	n := len(tree.order)

	info := make([]havlakNodeInfo, n)
	for w := 0; w < n; w++ {
		info[w].header = 0
		info[w].typ = NonHeader
	}

	// [A] classify predecessor edges as back edges or forward/cross edges
	// using the ancestor test on DFS preorder numbers.
	for w := 0; w < n; w++ {
		wID := tree.order[w]
		for _, pID := range g.Predecessors(wID) {
			v, ok := tree.number[pID]
			if !ok {
				continue // predecessor unreachable from entry
			}
			if tree.isAncestor(w, v) {
				info[w].backPreds = append(info[w].backPreds, v)
			} else {
				info[w].nonBackPreds = append(info[w].nonBackPreds, v)
			}
		}
	}
	info[0].header = -1 // entry's header is forced to none, see Forest.RootID doc

	// Union-Find over DFS preorder numbers, merging loop bodies into their
	// header's partition as loops are discovered.
	nodeSets := make([][]int, n)
	nodeLookup := make([]int, n)
	for i := range nodeSets {
		nodeSets[i] = []int{i}
		nodeLookup[i] = i
	}
	union := func(x, y int) {
		nodeSets[y] = append(nodeSets[y], nodeSets[x]...)
		for _, m := range nodeSets[x] {
			nodeLookup[m] = y
		}
		nodeSets[x] = nil
	}
	find := func(el int) int { return nodeLookup[el] }

	// [B] process nodes in reverse preorder, the core of Havlak's algorithm.
	for w := n - 1; w >= 0; w-- {
		var p []int
		for _, v := range info[w].backPreds {
			if v == w {
				info[w].typ = SelfLoop
				continue
			}
			p = append(p, find(v))
		}

		worklist := append([]int(nil), p...)
		if len(p) > 0 {
			info[w].typ = Reducible
		}

		inP := func(x int) bool {
			for _, e := range p {
				if e == x {
					return true
				}
			}
			return false
		}

		for len(worklist) > 0 {
			x := worklist[len(worklist)-1]
			worklist = worklist[:len(worklist)-1]
			for _, y := range info[tree.order[x]].nonBackPreds {
				y1 := find(y)
				if !tree.isAncestor(w, y1) {
					info[w].typ = Irreducible
					info[w].nonBackPreds = append(info[w].nonBackPreds, y1)
				} else if !inP(y1) && y1 != w {
					p = append(p, y1)
					worklist = append(worklist, y1)
				}
			}
		}

		for _, x := range p {
			info[tree.order[x]].header = w
			union(x, w)
		}
	}

	for w, ni := range info {
		if ni.typ == Irreducible {
			return nil, apperrors.New(apperrors.CodeIrreducibleLoop,
				fmt.Sprintf("loop headed by node %v is irreducible", tree.order[w]))
		}
	}

	return buildForest(g, tree, info, entry), nil
}

func buildForest(g *graph.Digraph, tree *dfsTree, info []havlakNodeInfo, entry graph.NodeID) *Forest {
	f := &Forest{
		RootID:   entry,
		loops:    make(map[graph.NodeID]*Loop),
		preorder: make(map[graph.NodeID]int),
	}

	n := len(tree.order)
	for i := 1; i < n; i++ {
		nID := tree.order[i]
		hID := tree.order[info[i].header]

		switch info[i].typ {
		case NonHeader:
			if hID == entry {
				f.rootKids = append(f.rootKids, nID)
			} else {
				loop := f.loops[hID]
				loop.NonHeaderNodes = append(loop.NonHeaderNodes, nID)
			}
		case Reducible, SelfLoop:
			loop := &Loop{Header: nID, Type: info[i].typ, parent: hID}
			for _, bp := range info[i].backPreds {
				loop.BackPreds = append(loop.BackPreds, tree.order[bp])
			}
			f.loops[nID] = loop
			if hID != entry {
				if parent, ok := f.loops[hID]; ok {
					parent.children = append(parent.children, nID)
				}
			} else {
				f.rootKids = append(f.rootKids, nID)
			}
		case Irreducible:
			// Unreachable: Analyze returns a CodeIrreducibleLoop error before
			// calling buildForest if any node was classified Irreducible.
		}
	}

	f.noteBodies()
	f.noteExitEdges(g)
	f.notePreorder()
	return f
}

// noteBodies computes each loop's direct Body set (non-header body nodes
// plus immediate nested-loop headers).
func (f *Forest) noteBodies() {
	for _, loop := range f.loops {
		loop.Body = make(map[graph.NodeID]bool, len(loop.NonHeaderNodes)+len(loop.children)+1)
		for _, n := range loop.NonHeaderNodes {
			loop.Body[n] = true
		}
		for _, c := range loop.children {
			loop.Body[c] = true
		}
	}
}

// noteExitEdges finds, for every loop, the edges leaving its body to a node
// outside it (and not the header itself).
func (f *Forest) noteExitEdges(g *graph.Digraph) {
	for hID, loop := range f.loops {
		members := append([]graph.NodeID{}, loop.NonHeaderNodes...)
		members = append(members, hID)
		for _, b := range members {
			for _, s := range g.Successors(b) {
				if s != hID && !loop.Body[s] {
					loop.ExitEdges = append(loop.ExitEdges, [2]graph.NodeID{b, s})
				}
			}
		}
	}
}

// notePreorder assigns a DFS preorder number over the loop forest itself
// (not the flow graph), used to order loops innermost-first for
// bottom-up passes such as region reduction.
func (f *Forest) notePreorder() {
	counter := 0
	var visit func(graph.NodeID)
	visit = func(n graph.NodeID) {
		counter++
		f.preorder[n] = counter
		if loop, ok := f.loops[n]; ok {
			for _, c := range loop.children {
				visit(c)
			}
		}
	}
	for _, k := range f.rootKids {
		if _, ok := f.loops[k]; ok {
			visit(k)
		}
	}
}

// LoopCount returns the number of loop headers discovered.
func (f *Forest) LoopCount() int { return len(f.loops) }

// IsLoopHeader reports whether n is a loop header (n != RootID and n was
// discovered as a reducible, self, or irreducible header).
func (f *Forest) IsLoopHeader(n graph.NodeID) bool {
	if n == f.RootID {
		return false
	}
	_, ok := f.loops[n]
	return ok
}

// Loop returns the Loop descriptor for header n, or nil if n is not a
// loop header.
func (f *Forest) Loop(n graph.NodeID) *Loop {
	return f.loops[n]
}

// LookupEnclosing returns the nearest enclosing loop header for blockId, or
// false if blockId is not part of any loop. If blockId is itself a header,
// it is returned.
func (f *Forest) LookupEnclosing(blockId graph.NodeID) (graph.NodeID, bool) {
	if f.IsLoopHeader(blockId) {
		return blockId, true
	}
	for h, loop := range f.loops {
		if loop.Body[blockId] {
			return h, true
		}
		for _, n := range loop.NonHeaderNodes {
			if n == blockId {
				return h, true
			}
		}
	}
	return 0, false
}

// ParentLoop returns the loop enclosing header n's loop, or false if n has
// no enclosing loop (n is directly under the forest root).
func (f *Forest) ParentLoop(n graph.NodeID) (graph.NodeID, bool) {
	loop, ok := f.loops[n]
	if !ok || loop.parent == f.RootID {
		return 0, false
	}
	return loop.parent, true
}

// Level returns the nesting level of loop header n, with 0 being outermost.
func (f *Forest) Level(n graph.NodeID) int {
	level := 0
	for {
		parent, ok := f.ParentLoop(n)
		if !ok {
			return level
		}
		n = parent
		level++
	}
}

// SortedHeaders returns loop headers ordered innermost-first (by forest
// postorder / descending preorder number), matching the reference
// implementation's "sorted plist" used to drive bottom-up region reduction.
func (f *Forest) SortedHeaders() []graph.NodeID {
	headers := make([]graph.NodeID, 0, len(f.loops))
	for h := range f.loops {
		headers = append(headers, h)
	}
	sort.Slice(headers, func(i, j int) bool {
		return f.preorder[headers[i]] > f.preorder[headers[j]]
	})
	return headers
}
