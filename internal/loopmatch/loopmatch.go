// Package loopmatch pairs binary loop headers with source loop headers
// using DWARF line evidence, so the region hierarchy's binary HFGs can be
// given a source-side partner before the mapping pipeline runs.
package loopmatch

import (
	"sort"

	"github.com/tum-rcs/insn2src-mapper/internal/graph"
	"github.com/tum-rcs/insn2src-mapper/internal/looptree"
)

// LineKey is a DWARF source-line reference: a file table index plus a
// line number, kept abstract here since loopmatch only needs it as an
// opaque, comparable, orderable key.
type LineKey struct {
	File int
	Line int
}

// Less orders LineKeys by file then line, used to compute the
// [line_min, line_max] range of a source loop's body.
func (k LineKey) Less(o LineKey) bool {
	if k.File != o.File {
		return k.File < o.File
	}
	return k.Line < o.Line
}

// Result is the outcome of Match: the winning pairing plus both filtered
// sets, per §4.G's Filter rules.
type Result struct {
	Matched     map[graph.NodeID]graph.NodeID // src header -> bin header
	SkippedBin  []graph.NodeID
	SkippedSrc  []graph.NodeID
	// Unresolved holds binary loops whose DWARF lines resolved to no
	// source loop at all and that also carry no user skip annotation —
	// per the contract this is an error condition, but mapping proceeds
	// with them treated as skipped.
	Unresolved []graph.NodeID
}

// srcLoopRange is one node of the source loop-line tree.
type srcLoopRange struct {
	header   graph.NodeID
	lo, hi   LineKey
	preorder int
	children []*srcLoopRange
}

// BuildSourceLoopTree computes [line_min, line_max] for every source loop
// header (propagated to cover nested loops), nests ranges by loop-tree
// parentage, and returns the outermost ranges sorted by line_min — the
// "source loop line tree" the resolver walks.
func BuildSourceLoopTree(forest *looptree.Forest, lineRangeOf map[graph.NodeID][2]LineKey) []*srcLoopRange {
	nodes := make(map[graph.NodeID]*srcLoopRange)
	headers := forest.SortedHeaders() // innermost first
	for _, h := range headers {
		r := lineRangeOf[h]
		nodes[h] = &srcLoopRange{header: h, lo: r[0], hi: r[1]}
	}
	// Propagate max up to ancestors: since headers are innermost-first,
	// by the time we attach a child to its parent the child's own range
	// (already widened by its own children) is final.
	for _, h := range headers {
		node := nodes[h]
		parent, ok := forest.ParentLoop(h)
		if !ok {
			continue
		}
		p, ok := nodes[parent]
		if !ok {
			continue
		}
		p.children = append(p.children, node)
		if node.lo.Less(p.lo) {
			p.lo = node.lo
		}
		if p.hi.Less(node.hi) {
			p.hi = node.hi
		}
	}

	var outer []*srcLoopRange
	for _, h := range headers {
		if _, ok := forest.ParentLoop(h); !ok {
			outer = append(outer, nodes[h])
		}
	}
	sort.Slice(outer, func(i, j int) bool { return outer[i].lo.Less(outer[j].lo) })

	counter := 0
	var assignPreorder func(*srcLoopRange)
	assignPreorder = func(n *srcLoopRange) {
		n.preorder = counter
		counter++
		sort.Slice(n.children, func(i, j int) bool { return n.children[i].lo.Less(n.children[j].lo) })
		for _, c := range n.children {
			assignPreorder(c)
		}
	}
	for _, o := range outer {
		assignPreorder(o)
	}
	return outer
}

func contains(n *srcLoopRange, line LineKey) bool {
	return !line.Less(n.lo) && !n.hi.Less(line)
}

// ResolveLine walks outer in [line_min] order, descending into whichever
// top-level range contains line, then recursively into its innermost
// containing child; returns the deepest matching header, or false if line
// falls outside every range.
func ResolveLine(outer []*srcLoopRange, line LineKey) (graph.NodeID, bool) {
	var node *srcLoopRange
	for _, o := range outer {
		if contains(o, line) {
			node = o
			break
		}
	}
	if node == nil {
		return 0, false
	}
	for {
		next := (*srcLoopRange)(nil)
		for _, c := range node.children {
			if contains(c, line) {
				next = c
				break
			}
		}
		if next == nil {
			return node.header, true
		}
		node = next
	}
}

func preorderOf(outer []*srcLoopRange, header graph.NodeID) (int, bool) {
	var found *srcLoopRange
	var walk func(*srcLoopRange)
	walk = func(n *srcLoopRange) {
		if found != nil {
			return
		}
		if n.header == header {
			found = n
			return
		}
		for _, c := range n.children {
			walk(c)
		}
	}
	for _, o := range outer {
		walk(o)
	}
	if found == nil {
		return 0, false
	}
	return found.preorder, true
}

// Match pairs binary loop headers (in binForest) with source loop headers
// resolved from each binary loop's attributed DWARF lines.
//
// binLinesOf must give, for each binary loop header, the set of DWARF
// lines uniquely attributed to it (the caller already subtracted lines
// claimed by more deeply nested binary loops, per "unique DWARF lines per
// bin loop"). skipAnnotations lists binary headers the user has flagged
// as intentionally unmatched (e.g. compiler-introduced loops).
func Match(binForest *looptree.Forest, outer []*srcLoopRange, binLinesOf map[graph.NodeID][]LineKey, skipAnnotations map[graph.NodeID]bool) *Result {
	res := &Result{Matched: make(map[graph.NodeID]graph.NodeID)}

	binHeaders := binForest.SortedHeaders() // innermost first
	reversed := make([]graph.NodeID, len(binHeaders))
	for i, h := range binHeaders {
		reversed[len(binHeaders)-1-i] = h // outer-first
	}

	rawHits := make(map[graph.NodeID][]graph.NodeID) // src header -> bin headers that resolved to it
	parentMatch := make(map[graph.NodeID]graph.NodeID) // bin header -> its parent bin header's chosen src header

	for _, binHeader := range reversed {
		lines := binLinesOf[binHeader]
		parentSrc := graph.NodeID(0)
		hasParentSrc := false
		if parent, ok := binForest.ParentLoop(binHeader); ok {
			if ps, ok := parentMatch[parent]; ok {
				parentSrc, hasParentSrc = ps, true
			}
		}

		var minPre, maxPre int
		var minHeader, maxHeader graph.NodeID
		seen := false
		for _, line := range lines {
			srcHeader, ok := ResolveLine(outer, line)
			if !ok {
				continue
			}
			if hasParentSrc && srcHeader == parentSrc {
				continue // would collapse into the parent bin loop's match
			}
			pre, ok := preorderOf(outer, srcHeader)
			if !ok {
				continue
			}
			if !seen || pre < minPre {
				minPre, minHeader = pre, srcHeader
			}
			if !seen || pre > maxPre {
				maxPre, maxHeader = pre, srcHeader
			}
			seen = true
		}

		if !seen {
			if skipAnnotations[binHeader] {
				res.SkippedBin = append(res.SkippedBin, binHeader)
			} else {
				res.Unresolved = append(res.Unresolved, binHeader)
			}
			continue
		}

		chosen := minHeader
		if minPre > maxPre {
			chosen = maxHeader
		}
		rawHits[chosen] = append(rawHits[chosen], binHeader)
		parentMatch[binHeader] = chosen
	}

	// Filter: a source loop with exactly one hit matches outright. With
	// several hits, a self-loop hit is dropped as a compiler artifact
	// (skipped_bin) whenever exactly one non-self hit remains to be the
	// real match; several non-self hits on the same source loop have no
	// well-defined winner and are reported unresolved instead.
	for src, bins := range rawHits {
		var nonSelf, selfOnly []graph.NodeID
		for _, b := range bins {
			if loop := binForest.Loop(b); loop != nil && loop.Type == looptree.SelfLoop {
				selfOnly = append(selfOnly, b)
			} else {
				nonSelf = append(nonSelf, b)
			}
		}
		switch {
		case len(bins) == 1:
			res.Matched[src] = bins[0]
		case len(nonSelf) == 1:
			res.Matched[src] = nonSelf[0]
			res.SkippedBin = append(res.SkippedBin, selfOnly...)
		case len(nonSelf) == 0:
			res.Matched[src] = selfOnly[0]
			res.SkippedBin = append(res.SkippedBin, selfOnly[1:]...)
		default:
			res.Unresolved = append(res.Unresolved, nonSelf...)
			res.SkippedBin = append(res.SkippedBin, selfOnly...)
		}
	}

	for _, o := range allRanges(outer) {
		if len(rawHits[o.header]) == 0 {
			res.SkippedSrc = append(res.SkippedSrc, o.header)
		}
	}
	return res
}

func allRanges(outer []*srcLoopRange) []*srcLoopRange {
	var out []*srcLoopRange
	var walk func(*srcLoopRange)
	walk = func(n *srcLoopRange) {
		out = append(out, n)
		for _, c := range n.children {
			walk(c)
		}
	}
	for _, o := range outer {
		walk(o)
	}
	return out
}
