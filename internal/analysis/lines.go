package analysis

import (
	"sort"
	"strconv"

	"github.com/tum-rcs/insn2src-mapper/internal/cfg"
	"github.com/tum-rcs/insn2src-mapper/internal/graph"
	"github.com/tum-rcs/insn2src-mapper/internal/ingest"
	"github.com/tum-rcs/insn2src-mapper/internal/loopmatch"
	"github.com/tum-rcs/insn2src-mapper/internal/looptree"
)

// addressToLine resolves addr to the DWARF source line active at or before
// it, by scanning LineInfoMap's address keys for the nearest one not past
// addr. LineInfoMap's values are taken as line numbers directly; the
// original line-program state machine this was distilled from additionally
// tracks is_stmt/end_sequence flags this module does not model, since the
// mapping pipeline only ever needs a line number, never a full line-table
// row.
func addressToLine(data *ingest.DebugInfoData, addr uint64) (int, bool) {
	if data == nil {
		return 0, false
	}
	best := int64(-1)
	var bestAddr uint64
	for k, v := range data.LineInfoMap {
		a, err := strconv.ParseUint(k, 10, 64)
		if err != nil {
			continue
		}
		if a <= addr && (best == -1 || a > bestAddr) {
			bestAddr, best = a, v
		}
	}
	if best == -1 {
		return 0, false
	}
	return int(best), true
}

// binLoopLines computes, for every binary loop header, the set of DWARF
// lines uniquely attributed to it: the lines resolved from the addresses of
// its own NonHeaderNodes plus the header itself, which already excludes
// anything belonging only to a more deeply nested loop since
// looptree.Loop.NonHeaderNodes does the same.
func binLoopLines(forest *looptree.Forest, binCF *cfg.ControlFlow, dwarf *ingest.DebugInfoData) map[graph.NodeID][]loopmatch.LineKey {
	out := make(map[graph.NodeID][]loopmatch.LineKey)
	for _, h := range forest.SortedHeaders() {
		loop := forest.Loop(h)
		members := append([]graph.NodeID{h}, loop.NonHeaderNodes...)
		seen := make(map[int]bool)
		var lines []loopmatch.LineKey
		for _, m := range members {
			bb := binCF.Block(m)
			if bb == nil {
				continue
			}
			for _, r := range bb.AddrRanges {
				if line, ok := addressToLine(dwarf, r.Lo); ok && !seen[line] {
					seen[line] = true
					lines = append(lines, loopmatch.LineKey{Line: line})
				}
			}
		}
		sort.Slice(lines, func(i, j int) bool { return lines[i].Less(lines[j]) })
		out[h] = lines
	}
	return out
}

// srcLoopLineRange computes [line_min, line_max] for every source loop
// header from the Begin/End positions of its direct body blocks, which
// BuildSourceLoopTree then widens to cover nested loops.
func srcLoopLineRange(forest *looptree.Forest, srcCF *cfg.ControlFlow) map[graph.NodeID][2]loopmatch.LineKey {
	out := make(map[graph.NodeID][2]loopmatch.LineKey)
	for _, h := range forest.SortedHeaders() {
		loop := forest.Loop(h)
		members := append([]graph.NodeID{h}, loop.NonHeaderNodes...)
		first := true
		var lo, hi loopmatch.LineKey
		for _, m := range members {
			bb := srcCF.Block(m)
			if bb == nil {
				continue
			}
			begin := loopmatch.LineKey{Line: bb.Begin.Line}
			end := loopmatch.LineKey{Line: bb.End.Line}
			if first {
				lo, hi = begin, end
				first = false
				continue
			}
			if begin.Less(lo) {
				lo = begin
			}
			if hi.Less(end) {
				hi = end
			}
		}
		out[h] = [2]loopmatch.LineKey{lo, hi}
	}
	return out
}

// fullLoopBody recursively collects every original node belonging to the
// loop headed by header, descending into nested loop headers so a skipped
// outer loop attributes its entire nest, not just its own direct body.
func fullLoopBody(forest *looptree.Forest, header graph.NodeID) []graph.NodeID {
	loop := forest.Loop(header)
	if loop == nil {
		return nil
	}
	out := []graph.NodeID{header}
	for n := range loop.Body {
		if forest.IsLoopHeader(n) {
			out = append(out, fullLoopBody(forest, n)...)
		} else {
			out = append(out, n)
		}
	}
	return out
}
