// Package region implements loop reduction over a ControlFlow: collapsing
// each loop body into a single surrogate region node, producing a
// TransformedFlowGraph (TFG) with a lazily cached dominator tree, and
// assembling the resulting loop regions into a HierarchicalFlowGraph
// (HFG) of nested TFGs.
package region

import (
	"fmt"
	"sort"

	"github.com/tum-rcs/insn2src-mapper/internal/cfg"
	"github.com/tum-rcs/insn2src-mapper/internal/dominator"
	"github.com/tum-rcs/insn2src-mapper/internal/graph"
	"github.com/tum-rcs/insn2src-mapper/internal/looptree"
	apperrors "github.com/tum-rcs/insn2src-mapper/pkg/errors"
)

// Transformation is a tagged variant recording why a Region's nodes were
// collapsed into a surrogate id. ReducedLoopTransf is the only variant
// produced today; the type exists so a future reduction kind (e.g. an
// irreducible-region fallback) can be added without changing Region's shape.
type Transformation interface {
	transformation()
}

// ReducedLoopTransf records the original loop header, its nesting level,
// the translated body-node set that was collapsed, and the entry/exit
// edges that were redirected to the surrogate.
type ReducedLoopTransf struct {
	Header graph.NodeID
	Level  int

	// Body holds the *current* (possibly already-surrogated) node ids that
	// were collapsed into this region, keyed for membership testing.
	Body map[graph.NodeID]bool

	EntryEdges [][2]graph.NodeID
	ExitEdges  [][2]graph.NodeID

	ParentLoop    graph.NodeID
	HasParentLoop bool
}

func (*ReducedLoopTransf) transformation() {}

// Region wraps a node-id range and the subgraph captured at the moment it
// was reduced, plus the Transformation that produced it (nil for the
// singleton regions every original block starts as).
type Region struct {
	ID        graph.NodeID
	Nodes     []graph.NodeID
	Subgraph  *graph.Digraph
	Transform Transformation
}

// Collection tracks every live region of a TFG, indexed by id, and hands
// out fresh surrogate ids above the original flow graph's maxId.
type Collection struct {
	regions map[graph.NodeID]*Region
	nextID  graph.NodeID
}

// NewCollection seeds one singleton Region per node in nodes and starts
// surrogate-id allocation at maxID+1.
func NewCollection(nodes []graph.NodeID, maxID graph.NodeID) *Collection {
	c := &Collection{
		regions: make(map[graph.NodeID]*Region, len(nodes)),
		nextID:  maxID + 1,
	}
	for _, n := range nodes {
		c.regions[n] = &Region{ID: n, Nodes: []graph.NodeID{n}}
	}
	return c
}

// Region returns the region registered under id, or nil.
func (c *Collection) Region(id graph.NodeID) *Region { return c.regions[id] }

func (c *Collection) allocate() graph.NodeID {
	id := c.nextID
	c.nextID++
	return id
}

func (c *Collection) put(r *Region)          { c.regions[r.ID] = r }
func (c *Collection) remove(id graph.NodeID) { delete(c.regions, id) }

// TransformedFlowGraph (TFG) holds a ControlFlow's current graph after
// zero or more loop reductions, the RegionCollection recording how it got
// there, and a dominator tree cached lazily and invalidated on every
// mutation.
type TFG struct {
	// OriginalCF is set for a top-level, whole-function TFG; nil for a
	// loop-body TFG built from a captured Region (see newLoopBodyTFG).
	OriginalCF *cfg.ControlFlow

	Current *graph.Digraph
	Regions *Collection

	Entry   graph.NodeID
	Exit    graph.NodeID
	HasExit bool

	// maxID partitions "original" node ids (<= maxID) from surrogate ids
	// (> maxID) minted by loop reduction.
	maxID graph.NodeID

	// repr maps an original node id to its current representative in
	// Current: itself, until some reduction absorbs it into a surrogate.
	repr map[graph.NodeID]graph.NodeID

	domTree  *dominator.Tree
	domDirty bool
}

// NewTFG builds a TFG over the whole of cf, before any loop reduction.
func NewTFG(cf *cfg.ControlFlow) *TFG {
	g := cf.Graph()
	nodes := g.Nodes()
	exitID, hasExit := cf.ExitID()
	return &TFG{
		OriginalCF: cf,
		Current:    g.Subgraph(nodes),
		Regions:    NewCollection(nodes, cf.MaxID()),
		Entry:      cf.EntryID(),
		Exit:       exitID,
		HasExit:    hasExit,
		maxID:      cf.MaxID(),
		repr:       make(map[graph.NodeID]graph.NodeID),
		domDirty:   true,
	}
}

// newLoopBodyTFG builds a TFG over a captured loop Region's subgraph, with
// entry fixed at the loop's original header.
func newLoopBodyTFG(region *Region, header graph.NodeID) *TFG {
	nodes := region.Subgraph.Nodes()
	var maxID graph.NodeID
	for _, n := range nodes {
		if n > maxID {
			maxID = n
		}
	}
	return &TFG{
		Current:  region.Subgraph,
		Regions:  NewCollection(nodes, maxID),
		Entry:    header,
		HasExit:  false,
		maxID:    maxID,
		repr:     make(map[graph.NodeID]graph.NodeID),
		domDirty: true,
	}
}

// IsSurrogate reports whether id was minted by a loop reduction rather
// than present in the original ControlFlow.
func (t *TFG) IsSurrogate(id graph.NodeID) bool { return id > t.maxID }

func (t *TFG) reprOf(orig graph.NodeID) graph.NodeID {
	if r, ok := t.repr[orig]; ok {
		return r
	}
	return orig
}

func (t *TFG) invalidate() { t.domDirty = true }

// DominatorTree returns the pre-dominator tree of the current graph,
// computing and caching it on first use or after the last mutation.
func (t *TFG) DominatorTree() *dominator.Tree {
	if t.domDirty || t.domTree == nil {
		t.domTree = dominator.NewPreDominatorTree(t.Current, t.Entry)
		t.domDirty = false
	}
	return t.domTree
}

// ReduceLoop collapses the loop headed by header (as discovered by forest)
// into a single surrogate region: it computes entry edges (in-edges of the
// header from outside the body) and exit edges (body-to-outside edges),
// snapshots the induced subgraph into a Region, removes the body from
// Current, and reconnects the surrogate in its place. Body members are
// translated through repr first, so an already-reduced inner loop's
// surrogate id is what actually gets collapsed here, matching the
// "translated through any already-reduced inner-loop surrogate ids"
// requirement for bottom-up reduction.
func (t *TFG) ReduceLoop(forest *looptree.Forest, header graph.NodeID) (graph.NodeID, error) {
	loop := forest.Loop(header)
	if loop == nil {
		return 0, apperrors.New(apperrors.CodeMalformedInput,
			fmt.Sprintf("region: %v is not a loop header", header))
	}

	origMembers := map[graph.NodeID]bool{header: true}
	for n := range loop.Body {
		origMembers[n] = true
	}

	translated := make(map[graph.NodeID]bool, len(origMembers))
	for n := range origMembers {
		translated[t.reprOf(n)] = true
	}
	headerRepr := t.reprOf(header)

	var entryEdges [][2]graph.NodeID
	for _, p := range t.Current.Predecessors(headerRepr) {
		if !translated[p] {
			entryEdges = append(entryEdges, [2]graph.NodeID{p, headerRepr})
		}
	}

	members := make([]graph.NodeID, 0, len(translated))
	for n := range translated {
		members = append(members, n)
	}
	sort.Slice(members, func(i, j int) bool { return members[i] < members[j] })

	var exitEdges [][2]graph.NodeID
	for _, u := range members {
		for _, v := range t.Current.Successors(u) {
			if !translated[v] {
				exitEdges = append(exitEdges, [2]graph.NodeID{u, v})
			}
		}
	}

	subgraph := t.Current.Subgraph(members)

	level := forest.Level(header)
	parentHeader, hasParentLoop := forest.ParentLoop(header)

	transf := &ReducedLoopTransf{
		Header:        header,
		Level:         level,
		Body:          translated,
		EntryEdges:    entryEdges,
		ExitEdges:     exitEdges,
		ParentLoop:    parentHeader,
		HasParentLoop: hasParentLoop,
	}

	rID := t.Regions.allocate()
	t.Regions.put(&Region{ID: rID, Nodes: members, Subgraph: subgraph, Transform: transf})
	// Only drop the singleton regions of original (non-surrogate) members:
	// a member that is itself an already-reduced loop's surrogate stays
	// registered, since BuildHierarchy still needs to look it up later.
	for _, n := range members {
		if !t.IsSurrogate(n) {
			t.Regions.remove(n)
		}
	}

	newCurrent := graph.New()
	for _, n := range t.Current.Nodes() {
		if !translated[n] {
			newCurrent.AddNode(n)
		}
	}
	newCurrent.AddNode(rID)
	for _, u := range t.Current.Nodes() {
		if translated[u] {
			continue
		}
		for _, v := range t.Current.Successors(u) {
			if translated[v] {
				newCurrent.AddEdge(u, rID)
			} else {
				newCurrent.AddEdge(u, v)
			}
		}
	}
	for _, e := range exitEdges {
		newCurrent.AddEdge(rID, e[1])
	}

	if translated[t.Entry] {
		t.Entry = rID
	}
	if t.HasExit && translated[t.Exit] {
		t.Exit = rID
	}

	t.Current = newCurrent
	for n := range origMembers {
		t.repr[n] = rID
	}
	t.invalidate()
	return rID, nil
}

// ReduceAll reduces every loop in forest in reverse loop-forest preorder
// (innermost first, via Forest.SortedHeaders), returning the surrogate id
// each original header was collapsed to.
func (t *TFG) ReduceAll(forest *looptree.Forest) (map[graph.NodeID]graph.NodeID, error) {
	surrogateOf := make(map[graph.NodeID]graph.NodeID, forest.LoopCount())
	for _, header := range forest.SortedHeaders() {
		rID, err := t.ReduceLoop(forest, header)
		if err != nil {
			return nil, err
		}
		surrogateOf[header] = rID
	}
	return surrogateOf, nil
}

// ReduceToConnectedSubgraph removes every node not in keep (or Entry/Exit),
// short-circuiting each removed node by adding a direct edge from each of
// its predecessors to each of its successors so reachability through it is
// preserved.
func (t *TFG) ReduceToConnectedSubgraph(keep map[graph.NodeID]bool) {
	required := make(map[graph.NodeID]bool, len(keep)+2)
	for k := range keep {
		required[k] = true
	}
	required[t.Entry] = true
	if t.HasExit {
		required[t.Exit] = true
	}

	g := t.Current
	for _, n := range g.Nodes() {
		if required[n] {
			continue
		}
		preds := g.Predecessors(n)
		succs := g.Successors(n)

		next := graph.New()
		for _, x := range g.Nodes() {
			if x != n {
				next.AddNode(x)
			}
		}
		for _, u := range g.Nodes() {
			if u == n {
				continue
			}
			for _, v := range g.Successors(u) {
				if v != n {
					next.AddEdge(u, v)
				}
			}
		}
		for _, p := range preds {
			if p == n {
				continue
			}
			for _, s := range succs {
				if s != n {
					next.AddEdge(p, s)
				}
			}
		}
		g = next
	}
	t.Current = g
	t.invalidate()
}
