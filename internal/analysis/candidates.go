package analysis

import (
	"github.com/tum-rcs/insn2src-mapper/internal/cfg"
	"github.com/tum-rcs/insn2src-mapper/internal/graph"
	"github.com/tum-rcs/insn2src-mapper/internal/homomorphism"
	"github.com/tum-rcs/insn2src-mapper/internal/ingest"
	"github.com/tum-rcs/insn2src-mapper/internal/region"
)

// buildHomCandidates builds the Stage 0' candidate set for one TFG level,
// from debug info and function-call-list intersections as DominatorHomomorphismMap's
// doc comment asks of its caller: a bin node's candidates are every source
// leaf whose DWARF line range covers one of the bin node's resolved
// addresses, widened by a same-callee match when the bin node calls a
// function. Surrogate bin nodes are left out; mapLevel seeds those into
// the fixed map directly from the loop matcher's verdict instead, since a
// line-overlap guess would be strictly worse than a confirmed loop match.
func buildHomCandidates(binTFG, srcTFG *region.TFG, binCF, srcCF *cfg.ControlFlow, dwarf *ingest.DebugInfoData) homomorphism.Candidates {
	var srcLeaves []graph.NodeID
	for _, s := range srcTFG.Current.Nodes() {
		if !srcTFG.IsSurrogate(s) {
			srcLeaves = append(srcLeaves, s)
		}
	}

	out := make(homomorphism.Candidates)
	for _, b := range binTFG.Current.Nodes() {
		if binTFG.IsSurrogate(b) {
			continue
		}
		bb := binCF.Block(b)
		if bb == nil {
			continue
		}

		seen := make(map[graph.NodeID]bool)
		var cands []graph.NodeID
		add := func(n graph.NodeID) {
			if !seen[n] {
				seen[n] = true
				cands = append(cands, n)
			}
		}

		for _, r := range bb.AddrRanges {
			line, ok := addressToLine(dwarf, r.Lo)
			if !ok {
				continue
			}
			for _, s := range srcLeaves {
				sb := srcCF.Block(s)
				if sb != nil && line >= sb.Begin.Line && line <= sb.End.Line {
					add(s)
				}
			}
		}

		if bb.Kind == cfg.FunctionCall && bb.Callee != "" {
			for _, s := range srcLeaves {
				sb := srcCF.Block(s)
				if sb == nil {
					continue
				}
				for _, c := range sb.Calls {
					if c == bb.Callee {
						add(s)
					}
				}
			}
		}

		if len(cands) > 0 {
			out[b] = cands
		}
	}
	return out
}
