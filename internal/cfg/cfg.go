// Package cfg models a single function's control-flow graph, shared by the
// binary and source sides of the mapping pipeline. A ControlFlow wraps an
// internal/graph.Digraph with per-node BasicBlock attributes and exposes
// the read-only queries, simplification and pruning passes described for
// Component D.
package cfg

import (
	"sort"

	"github.com/tum-rcs/insn2src-mapper/internal/graph"
	"github.com/tum-rcs/insn2src-mapper/pkg/collections"
	apperrors "github.com/tum-rcs/insn2src-mapper/pkg/errors"
)

// Kind classifies a BasicBlock.
type Kind int

const (
	Normal Kind = iota
	Entry
	Exit
	FunctionCall
)

func (k Kind) String() string {
	switch k {
	case Entry:
		return "entry"
	case Exit:
		return "exit"
	case FunctionCall:
		return "function_call"
	default:
		return "normal"
	}
}

// AddrRange is an inclusive instruction-address range [Lo, Hi].
type AddrRange struct {
	Lo, Hi uint64
}

// SourcePos is a (line, column) position in a source file.
type SourcePos struct {
	Line, Col int
}

// Less orders source positions lexicographically by (line, col), the
// tie-break rule used for chain-contraction begin positions and
// find_source_block's "largest (line, col) start" selection.
func (p SourcePos) Less(o SourcePos) bool {
	if p.Line != o.Line {
		return p.Line < o.Line
	}
	return p.Col < o.Col
}

// BasicBlock is one node of a ControlFlow.
type BasicBlock struct {
	ID   graph.NodeID
	Kind Kind

	// Binary-side attributes.
	AddrRanges []AddrRange
	CycleCost  int64
	Callee     string // set only when Kind == FunctionCall

	// Source-side attributes.
	Begin, End    SourcePos
	Discriminator int
	Virtual       bool

	// Calls lists callee names reachable from this block, used both for
	// FunctionCall blocks (binary, single entry) and source blocks (which
	// may record several callees per spec's function.call.callees column).
	Calls []string
}

// LowAddr returns the lowest address covered by bb's ranges, and false if
// it has none (a source block).
func (bb *BasicBlock) LowAddr() (uint64, bool) {
	if len(bb.AddrRanges) == 0 {
		return 0, false
	}
	lo := bb.AddrRanges[0].Lo
	for _, r := range bb.AddrRanges[1:] {
		if r.Lo < lo {
			lo = r.Lo
		}
	}
	return lo, true
}

// ControlFlow is a labeled digraph over BasicBlocks with a distinguished
// entry and an optional exit (absent for non-terminating functions).
type ControlFlow struct {
	FuncName string

	g      *graph.Digraph
	blocks map[graph.NodeID]*BasicBlock
	order  []graph.NodeID

	entryID graph.NodeID
	exitID  graph.NodeID
	hasExit bool

	maxID graph.NodeID

	// NonTerminating is set by PruneUnreachable when the exit block is
	// unreachable from entry and is pruned away.
	NonTerminating bool
}

// New creates an empty ControlFlow for the named function.
func New(funcName string) *ControlFlow {
	return &ControlFlow{
		FuncName: funcName,
		g:        graph.New(),
		blocks:   make(map[graph.NodeID]*BasicBlock),
	}
}

// AddBlock registers bb as a node of the flow graph, tracking entry/exit
// and the highest node id seen (maxID).
func (cf *ControlFlow) AddBlock(bb *BasicBlock) {
	cf.g.AddNode(bb.ID)
	cf.blocks[bb.ID] = bb
	cf.order = append(cf.order, bb.ID)
	if bb.ID > cf.maxID {
		cf.maxID = bb.ID
	}
	switch bb.Kind {
	case Entry:
		cf.entryID = bb.ID
	case Exit:
		cf.exitID = bb.ID
		cf.hasExit = true
	}
}

// AddEdge adds a directed control-flow edge.
func (cf *ControlFlow) AddEdge(u, v graph.NodeID) {
	cf.g.AddEdge(u, v)
}

// Graph returns the underlying digraph.
func (cf *ControlFlow) Graph() *graph.Digraph { return cf.g }

// Block returns the BasicBlock for id, or nil if not present.
func (cf *ControlFlow) Block(id graph.NodeID) *BasicBlock { return cf.blocks[id] }

// Blocks returns every block in insertion order.
func (cf *ControlFlow) Blocks() []*BasicBlock {
	out := make([]*BasicBlock, 0, len(cf.order))
	for _, id := range cf.order {
		if bb, ok := cf.blocks[id]; ok {
			out = append(out, bb)
		}
	}
	return out
}

// EntryID returns the entry block's id.
func (cf *ControlFlow) EntryID() graph.NodeID { return cf.entryID }

// ExitID returns the exit block's id and true, or false if the function
// never terminates (sentinel exit = none).
func (cf *ControlFlow) ExitID() (graph.NodeID, bool) { return cf.exitID, cf.hasExit }

// MaxID returns the highest node id used by an original (non-surrogate)
// block, the partition point region.Collection relies on.
func (cf *ControlFlow) MaxID() graph.NodeID { return cf.maxID }

// removeBlock deletes bb from the block map and node order without
// touching the graph's adjacency (callers must already have rewired
// edges around it).
func (cf *ControlFlow) removeBlock(id graph.NodeID) {
	delete(cf.blocks, id)
	for i, n := range cf.order {
		if n == id {
			cf.order = append(cf.order[:i], cf.order[i+1:]...)
			break
		}
	}
}

// PruneUnreachable removes every node not forward-reachable from entry. If
// the exit block is pruned, ExitID becomes unavailable and NonTerminating
// is set, matching the "never-terminating function" warning in the error
// taxonomy (the caller decides whether to log it).
func (cf *ControlFlow) PruneUnreachable() {
	reachable := collections.NewBitset(int(cf.maxID) + 1)
	for _, n := range cf.g.DFSPreorder(cf.entryID) {
		reachable.Set(int(n))
	}

	newGraph := graph.New()
	for _, n := range cf.order {
		if reachable.Test(int(n)) {
			newGraph.AddNode(n)
		}
	}
	for _, u := range cf.order {
		if !reachable.Test(int(u)) {
			continue
		}
		for _, v := range cf.g.Successors(u) {
			if reachable.Test(int(v)) {
				newGraph.AddEdge(u, v)
			}
		}
	}

	for _, n := range cf.order {
		if !reachable.Test(int(n)) {
			cf.removeBlock(n)
		}
	}
	cf.g = newGraph

	if cf.hasExit && !reachable.Test(int(cf.exitID)) {
		cf.hasExit = false
		cf.NonTerminating = true
	}
}

// degree returns (in-degree, out-degree) of n.
func (cf *ControlFlow) degree(n graph.NodeID) (int, int) {
	return len(cf.g.Predecessors(n)), len(cf.g.Successors(n))
}

// Simplify contracts chains u -> v where out-degree(u) == 1 and
// in-degree(v) == 1 and neither is a FunctionCall block, merging v's
// attributes into u. Entry is never contracted away and an Entry<->Exit
// edge is never contracted. The pass is idempotent: a second call on an
// already-simplified graph is a no-op.
func (cf *ControlFlow) Simplify() {
	changed := true
	for changed {
		changed = false
		for _, u := range append([]graph.NodeID(nil), cf.order...) {
			bbU, ok := cf.blocks[u]
			if !ok || bbU.Kind == FunctionCall {
				continue
			}
			succs := cf.g.Successors(u)
			if len(succs) != 1 {
				continue
			}
			v := succs[0]
			if v == u {
				continue // self-loop, never contracted
			}
			bbV, ok := cf.blocks[v]
			if !ok || bbV.Kind == FunctionCall {
				continue
			}
			if bbU.Kind == Entry && bbV.Kind == Exit {
				continue
			}
			inDeg, _ := cf.degree(v)
			if inDeg != 1 {
				continue
			}
			if bbV.Kind == Exit {
				// merging exit into its sole predecessor would erase the
				// exit id; keep exit as a standalone node.
				continue
			}
			cf.contract(u, v)
			changed = true
			break // node set shifted; restart the scan
		}
	}
}

// contract merges v into u: u absorbs v's attributes and outgoing edges,
// v is removed from the graph.
func (cf *ControlFlow) contract(u, v graph.NodeID) {
	bbU, bbV := cf.blocks[u], cf.blocks[v]

	bbU.AddrRanges = append(bbU.AddrRanges, bbV.AddrRanges...)
	bbU.CycleCost += bbV.CycleCost
	if len(bbV.Calls) > 0 {
		bbU.Calls = append(bbU.Calls, bbV.Calls...)
	}
	if bbU.Begin == (SourcePos{}) || bbV.Begin.Less(bbU.Begin) {
		bbU.Begin = bbV.Begin
	}
	if bbV.End.Line > bbU.End.Line || (bbV.End.Line == bbU.End.Line && bbV.End.Col > bbU.End.Col) {
		bbU.End = bbV.End
	}
	if bbV.Kind == Exit {
		bbU.Kind = Exit
		cf.exitID = u
	}

	newGraph := graph.New()
	for _, n := range cf.order {
		if n != v {
			newGraph.AddNode(n)
		}
	}
	for _, x := range cf.order {
		if x == v {
			continue
		}
		for _, y := range cf.g.Successors(x) {
			if x == u && y == v {
				continue
			}
			target := y
			if target == v {
				target = u
			}
			newGraph.AddEdge(x, target)
		}
	}
	for _, y := range cf.g.Successors(v) {
		if y != u {
			newGraph.AddEdge(u, y)
		}
	}
	cf.g = newGraph
	cf.removeBlock(v)
}

// SplitBlock splits bb at addr into two blocks: the first keeps addresses
// up to and including addr, the second starts at the instruction that
// follows addr (nextInsnAddr). Predecessors of bb re-attach to the first
// half, successors to the second, and a new edge connects them. It fails
// if addr is the last address of bb's final range (there is nothing left
// to split off).
func (cf *ControlFlow) SplitBlock(id graph.NodeID, addr uint64, nextInsnAddr uint64, newID graph.NodeID) (*BasicBlock, error) {
	bb, ok := cf.blocks[id]
	if !ok {
		return nil, apperrors.New(apperrors.CodeMalformedInput, "split_block: unknown block id")
	}

	var head, tail []AddrRange
	split := false
	for _, r := range bb.AddrRanges {
		switch {
		case split:
			tail = append(tail, r)
		case addr >= r.Lo && addr <= r.Hi:
			if addr == r.Hi {
				head = append(head, r)
			} else {
				head = append(head, AddrRange{Lo: r.Lo, Hi: addr})
				tail = append(tail, AddrRange{Lo: nextInsnAddr, Hi: r.Hi})
			}
			split = true
		default:
			head = append(head, r)
		}
	}
	if len(tail) == 0 {
		return nil, apperrors.New(apperrors.CodeMalformedInput, "split_block: addr is the last address of the block")
	}

	second := &BasicBlock{ID: newID, Kind: bb.Kind, AddrRanges: tail}
	bb.AddrRanges = head

	cf.g.AddNode(newID)
	cf.order = append(cf.order, newID)
	cf.blocks[newID] = second
	if newID > cf.maxID {
		cf.maxID = newID
	}

	for _, s := range append([]graph.NodeID(nil), cf.g.Successors(id)...) {
		cf.rewireEdge(id, s, newID, s)
	}
	cf.g.AddEdge(id, newID)

	if bb.Kind == Exit {
		bb.Kind = Normal
		second.Kind = Exit
		cf.exitID = newID
	}
	return second, nil
}

// rewireEdge replaces edge (fromOld,toOld) with (fromNew,toNew) by
// rebuilding the graph, since internal/graph.Digraph exposes no direct
// edge-removal primitive.
func (cf *ControlFlow) rewireEdge(fromOld, toOld, fromNew, toNew graph.NodeID) {
	newGraph := graph.New()
	for _, n := range cf.g.Nodes() {
		newGraph.AddNode(n)
	}
	for _, u := range cf.g.Nodes() {
		for _, v := range cf.g.Successors(u) {
			if u == fromOld && v == toOld {
				newGraph.AddEdge(fromNew, toNew)
				continue
			}
			newGraph.AddEdge(u, v)
		}
	}
	cf.g = newGraph
}

// ComputeDiscriminators assigns each source block a local discriminator by
// grouping blocks by start line, ordering by start column within a line,
// and enumerating from 0. If a block's end line exceeds its start line,
// the end line is also registered against a synthetic id so that the end
// position participates in edge-matcher line lookups.
// discSlot is one entry competing for a discriminator ordinal on a given
// line. bb is nil for a synthetic end-line slot: it occupies a position in
// the ordering (shifting the ordinals of real blocks sharing that line)
// without itself receiving a discriminator.
type discSlot struct {
	col int
	bb  *BasicBlock
}

func (cf *ControlFlow) ComputeDiscriminators() {
	byLine := make(map[int][]discSlot)
	for _, bb := range cf.Blocks() {
		byLine[bb.Begin.Line] = append(byLine[bb.Begin.Line], discSlot{col: bb.Begin.Col, bb: bb})
		if bb.End.Line > bb.Begin.Line {
			byLine[bb.End.Line] = append(byLine[bb.End.Line], discSlot{col: bb.End.Col})
		}
	}
	for _, group := range byLine {
		sort.Slice(group, func(i, j int) bool { return group[i].col < group[j].col })
		for i, slot := range group {
			if slot.bb != nil {
				slot.bb.Discriminator = i
			}
		}
	}
}

// AttributeBlockTimes sums, for each binary block, the per-instruction max
// cycle time found in times (mnemonic -> max cycles), using insnMnemonic
// to look up the mnemonic at an address covered by the block's ranges. It
// returns the sorted list of mnemonics missing from times, or nil if none
// were missing. Per spec, a non-empty result is a fatal diagnostic for the
// caller to append to missing-times-opcodes.csv.
func (cf *ControlFlow) AttributeBlockTimes(insnMnemonic map[uint64]string, times map[string]int64) []string {
	missing := make(map[string]bool)
	for _, bb := range cf.Blocks() {
		var total int64
		for _, r := range bb.AddrRanges {
			for addr := r.Lo; addr <= r.Hi; addr++ {
				mnem, ok := insnMnemonic[addr]
				if !ok {
					continue
				}
				t, ok := times[mnem]
				if !ok {
					missing[mnem] = true
					continue
				}
				total += t
			}
		}
		bb.CycleCost = total
	}
	if len(missing) == 0 {
		return nil
	}
	out := make([]string, 0, len(missing))
	for m := range missing {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}
