package region

import (
	"fmt"

	"github.com/tum-rcs/insn2src-mapper/internal/graph"
	"github.com/tum-rcs/insn2src-mapper/internal/looptree"
)

// HFG (HierarchicalFlowGraph) is a named tree of TFGs: each node owns a TFG
// representing one loop body (or the condensed top-level flow) and a list
// of child HFGs for loops nested directly inside it. A child records the
// parent surrogate-id it occupies in its parent's TFG. Partner and Skip are
// filled in later by the loop matcher, once a binary HFG has been paired
// against its source-side counterpart (or found to have none).
type HFG struct {
	Name       string
	LoopHeader graph.NodeID
	IsTopLevel bool

	TFG *TFG

	ParentSurrogateID graph.NodeID
	HasParent         bool

	Children []*HFG

	// Partner is set once this HFG has been matched to its counterpart on
	// the other side (binary <-> source); nil until the loop matcher runs.
	Partner *HFG
	// Skip marks a binary subflow that was not matched to any source loop.
	Skip bool
}

// BuildHierarchy assembles the HFG for funcName after tfg.ReduceAll has
// collapsed every loop into a surrogate region. Regions are visited
// outermost-first (ascending loop level) so each loop's HFG can be placed
// under its already-built parent loop's HFG by looking up the parent
// header in the nodes index; a header with no enclosing loop is attached
// directly to the top-level HFG, which owns tfg itself (the remaining
// condensed flow).
func BuildHierarchy(funcName string, tfg *TFG, forest *looptree.Forest, surrogateOf map[graph.NodeID]graph.NodeID) *HFG {
	top := &HFG{Name: funcName, IsTopLevel: true, TFG: tfg}

	headersInnermostFirst := forest.SortedHeaders()
	ordered := make([]graph.NodeID, len(headersInnermostFirst))
	for i, h := range headersInnermostFirst {
		ordered[len(headersInnermostFirst)-1-i] = h // outermost first
	}

	nodes := make(map[graph.NodeID]*HFG, len(ordered))
	for _, header := range ordered {
		rID := surrogateOf[header]
		reg := tfg.Regions.Region(rID)
		if reg == nil {
			continue
		}

		bodyTFG := newLoopBodyTFG(reg, header)
		hfg := &HFG{
			Name:              fmt.Sprintf("%s/loop@%v", funcName, header),
			LoopHeader:        header,
			TFG:               bodyTFG,
			ParentSurrogateID: rID,
			HasParent:         true,
		}
		nodes[header] = hfg

		if parentHeader, ok := forest.ParentLoop(header); ok {
			if parent, ok := nodes[parentHeader]; ok {
				parent.Children = append(parent.Children, hfg)
				continue
			}
		}
		top.Children = append(top.Children, hfg)
	}
	return top
}

// Walk visits h and every descendant HFG depth-first, parent before
// children.
func (h *HFG) Walk(visit func(*HFG)) {
	visit(h)
	for _, c := range h.Children {
		c.Walk(visit)
	}
}

// Find locates the HFG headed by loopHeader within h's subtree, or nil.
func (h *HFG) Find(loopHeader graph.NodeID) *HFG {
	if !h.IsTopLevel && h.LoopHeader == loopHeader {
		return h
	}
	for _, c := range h.Children {
		if found := c.Find(loopHeader); found != nil {
			return found
		}
	}
	return nil
}
