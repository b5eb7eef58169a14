// Package render writes a function's binary and source flow graphs as
// Graphviz DOT source, for the --render-graphs diagnostic. It never
// shells out to Graphviz itself; a DOT file is the deliverable, matching
// the distillation's decision to drop SVG rasterization.
package render

import (
	"fmt"
	"sort"
	"strings"

	"github.com/tum-rcs/insn2src-mapper/internal/cfg"
	"github.com/tum-rcs/insn2src-mapper/internal/graph"
	"github.com/tum-rcs/insn2src-mapper/internal/mapping"
)

// FunctionDOT renders binCF and srcCF as two clustered subgraphs of one
// digraph, plus a dashed edge between every pair gm maps binary to
// source, so opening the file in any Graphviz viewer shows both flows
// and how they correspond. binLoopHeaders marks binary loop headers
// (from looptree.Forest.SortedHeaders) for a distinct node shape;
// srcLoopHeaders does the same for the source side.
func FunctionDOT(funcName string, binCF, srcCF *cfg.ControlFlow, gm *mapping.GraphMap, binLoopHeaders, srcLoopHeaders map[graph.NodeID]bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "digraph %q {\n", funcName)
	b.WriteString("  rankdir=TB;\n  compound=true;\n\n")

	writeSide(&b, "cluster_bin", "binary", "B", binCF, binLoopHeaders)
	b.WriteString("\n")
	writeSide(&b, "cluster_src", "source", "S", srcCF, srcLoopHeaders)

	if gm != nil {
		b.WriteString("\n")
		mapped := append([]graph.NodeID(nil), gm.Mapped()...)
		sort.Slice(mapped, func(i, j int) bool { return mapped[i] < mapped[j] })
		for _, binID := range mapped {
			srcID, ok := gm.Get(binID)
			if !ok {
				continue
			}
			fmt.Fprintf(&b, "  B%d -> S%d [style=dashed, color=gray, constraint=false];\n", binID, srcID)
		}
	}

	b.WriteString("}\n")
	return b.String()
}

func writeSide(b *strings.Builder, clusterID, label, prefix string, cf *cfg.ControlFlow, loopHeaders map[graph.NodeID]bool) {
	fmt.Fprintf(b, "  subgraph %s {\n", clusterID)
	fmt.Fprintf(b, "    label=%q;\n", label)
	fmt.Fprintf(b, "    node [shape=box];\n")

	for _, bb := range cf.Blocks() {
		shape := "box"
		if loopHeaders[bb.ID] {
			shape = "doubleoctagon"
		} else if bb.Kind == cfg.Entry || bb.Kind == cfg.Exit {
			shape = "ellipse"
		}
		fmt.Fprintf(b, "    %s%d [label=\"%s\", shape=%s];\n", prefix, bb.ID, blockLabel(bb), shape)
	}

	for _, bb := range cf.Blocks() {
		for _, succ := range cf.Graph().Successors(bb.ID) {
			fmt.Fprintf(b, "    %s%d -> %s%d;\n", prefix, bb.ID, prefix, succ)
		}
	}

	b.WriteString("  }\n")
}

func blockLabel(bb *cfg.BasicBlock) string {
	if len(bb.AddrRanges) > 0 {
		lo, _ := bb.LowAddr()
		return fmt.Sprintf("#%d\\n0x%x", bb.ID, lo)
	}
	if bb.Begin.Line > 0 {
		return fmt.Sprintf("#%d\\nline %d", bb.ID, bb.Begin.Line)
	}
	return fmt.Sprintf("#%d", bb.ID)
}
