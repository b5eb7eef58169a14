package analysis

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"

	"github.com/tum-rcs/insn2src-mapper/internal/cfg"
	"github.com/tum-rcs/insn2src-mapper/internal/dominator"
	"github.com/tum-rcs/insn2src-mapper/internal/edgematch"
	"github.com/tum-rcs/insn2src-mapper/internal/graph"
	"github.com/tum-rcs/insn2src-mapper/internal/ingest"
	"github.com/tum-rcs/insn2src-mapper/internal/loopmatch"
	"github.com/tum-rcs/insn2src-mapper/internal/looptree"
	"github.com/tum-rcs/insn2src-mapper/internal/mapping"
	"github.com/tum-rcs/insn2src-mapper/internal/output"
	"github.com/tum-rcs/insn2src-mapper/internal/region"
	apperrors "github.com/tum-rcs/insn2src-mapper/pkg/errors"
	"github.com/tum-rcs/insn2src-mapper/pkg/utils"
)

const tracerName = "insn2src-mapper/analysis"

// withSpan runs fn inside an OTel span and, when timer is non-nil, also
// records the stage's wall-clock duration as one of timer's phases so
// Analysis.Run can log a per-stage timing summary independent of whether
// tracing is enabled.
func withSpan(ctx context.Context, timer *utils.Timer, name string, fn func(context.Context) error) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, name)
	defer span.End()
	var pt *utils.PhaseTimer
	if timer != nil {
		pt = timer.Start(name)
	}
	err := fn(ctx)
	if pt != nil {
		pt.Stop()
	}
	if err != nil {
		span.RecordError(err)
	}
	return err
}

// buildHeaderOf inverts a TFG.ReduceAll result (original header ->
// surrogate) so a label lookup can resolve a surrogate id back to the
// original header it stands for, at any nesting level: surrogate ids are
// globally unique across the whole reduction, so one map serves every
// level of the hierarchy.
func buildHeaderOf(surrogateOf map[graph.NodeID]graph.NodeID) map[graph.NodeID]graph.NodeID {
	out := make(map[graph.NodeID]graph.NodeID, len(surrogateOf))
	for header, surrogate := range surrogateOf {
		out[surrogate] = header
	}
	return out
}

// buildLabelIndex splits LabelDecisionEdges' combined result by side into
// the two lookup tables levelLabelFunc indexes into.
func buildLabelIndex(edges []edgematch.DecisionEdge) (bin, src map[[2]graph.NodeID]string) {
	bin = make(map[[2]graph.NodeID]string)
	src = make(map[[2]graph.NodeID]string)
	for _, e := range edges {
		key := [2]graph.NodeID{e.From, e.To}
		if e.Side == edgematch.Binary {
			bin[key] = e.Label()
		} else {
			src[key] = e.Label()
		}
	}
	return
}

// levelLabelFunc resolves a (from, to) edge at any region-reduction level
// back to the index built once over the unreduced CFG, substituting each
// endpoint's original loop header wherever it is currently a surrogate.
func levelLabelFunc(headerOf map[graph.NodeID]graph.NodeID, index map[[2]graph.NodeID]string) mapping.LabelFunc {
	orig := func(n graph.NodeID) graph.NodeID {
		if h, ok := headerOf[n]; ok {
			return h
		}
		return n
	}
	return func(from, to graph.NodeID) (string, bool) {
		l, ok := index[[2]graph.NodeID{orig(from), orig(to)}]
		return l, ok
	}
}

// postDomTreeFor returns the post-dominator tree of t.Current. A
// whole-function TFG has a real exit and dominator.NewPostDominatorTree is
// used directly; a loop-body TFG's captured subgraph has no such node (its
// ExitEdges were cut when the region was captured), so every node with no
// successor inside the subgraph is wired to a synthetic virtual exit
// first, matching standard practice for post-dominance over an
// open-ended subgraph.
func postDomTreeFor(t *region.TFG) *dominator.Tree {
	if t.HasExit {
		return dominator.NewPostDominatorTree(t.Current, t.Exit)
	}

	nodes := t.Current.Nodes()
	virtual := t.Entry
	for _, n := range nodes {
		if n > virtual {
			virtual = n
		}
	}
	virtual++

	aug := graph.New()
	for _, n := range nodes {
		aug.AddNode(n)
	}
	aug.AddNode(virtual)
	hasSink := false
	for _, u := range nodes {
		succ := t.Current.Successors(u)
		if len(succ) == 0 {
			aug.AddEdge(u, virtual)
			hasSink = true
		}
		for _, v := range succ {
			aug.AddEdge(u, v)
		}
	}
	if !hasSink {
		aug.AddEdge(t.Entry, virtual)
	}
	return dominator.NewPostDominatorTree(aug, virtual)
}

// matchedSrcHeaderFor searches a loopmatch.Result (keyed by source header,
// valued by binary header) for the source header paired to binHeader.
func matchedSrcHeaderFor(res *loopmatch.Result, binHeader graph.NodeID) (graph.NodeID, bool) {
	for src, bin := range res.Matched {
		if bin == binHeader {
			return src, true
		}
	}
	return 0, false
}

// levelCtx carries the read-only inputs shared by every recursive mapLevel
// call for one function, plus the accumulators (warnings, skip
// attribution, partial-mapping flag) every level writes into.
type levelCtx struct {
	opts Options

	binCF, srcCF *cfg.ControlFlow
	binForest    *looptree.Forest
	srcForest    *looptree.Forest
	dwarf        *ingest.DebugInfoData

	matchResult *loopmatch.Result
	annotations map[graph.NodeID]*mapping.LoopAnnotation
	binLines    map[graph.NodeID][]loopmatch.LineKey

	binLabel, srcLabel mapping.LabelFunc

	logger utils.Logger
	warn   func(format string, args ...interface{})

	skip    output.SkipAttribution
	partial bool

	timer *utils.Timer
}

// skipCycles computes the extra cycles a skipped binary loop attributes to
// its resolved source block: the annotation's explicit time if given,
// otherwise repeats times the summed cycle cost of the loop's full nest.
func skipCycles(forest *looptree.Forest, binCF *cfg.ControlFlow, header graph.NodeID, ann *mapping.LoopAnnotation) int64 {
	if ann.HasTime {
		return ann.Time
	}
	var bodyTime int64
	for _, n := range fullLoopBody(forest, header) {
		if bb := binCF.Block(n); bb != nil {
			bodyTime += bb.CycleCost
		}
	}
	return int64(ann.Repeats) * bodyTime
}

// mapLevel maps one TFG level (the top-level flow, or one loop's body) to
// completion via Stage 0/0' -> 1 -> 2, then recurses into every nested
// loop: a loop the matcher paired to a source loop is mapped recursively
// and attached as a precise child; an unpaired loop is closed out by Stage
// 3 against the caller's annotation and attached as a skip child. A child
// that cannot be completed (no annotation) is logged as a warning and left
// unmapped rather than aborting the whole function, since every other part
// of the function may still be usable. An annotation whose line/address
// check fails is only logged as a warning; the loop is still completed
// against it.
func mapLevel(ctx context.Context, lc *levelCtx, binHFG, srcHFG *region.HFG) (*mapping.HGM, error) {
	binTFG, srcTFG := binHFG.TFG, srcHFG.TFG

	fixed := map[graph.NodeID]graph.NodeID{binTFG.Entry: srcTFG.Entry}
	if binTFG.HasExit && srcTFG.HasExit {
		fixed[binTFG.Exit] = srcTFG.Exit
	}
	for _, child := range binHFG.Children {
		if srcHeader, ok := matchedSrcHeaderFor(lc.matchResult, child.LoopHeader); ok {
			if srcChild := srcHFG.Find(srcHeader); srcChild != nil {
				fixed[child.ParentSurrogateID] = srcChild.ParentSurrogateID
			}
		}
	}

	var gm *mapping.GraphMap
	err := withSpan(ctx, lc.timer, "mapper", func(context.Context) error {
		switch lc.opts.Mapper {
		case "homomorphism":
			candidates := buildHomCandidates(binTFG, srcTFG, lc.binCF, lc.srcCF, lc.dwarf)
			var binPostDom, srcPostDom *dominator.Tree
			if lc.opts.HomOrder == mapping.PostDominatorFirst || lc.opts.HomOrder == mapping.PostDominatedFirst {
				binPostDom, srcPostDom = postDomTreeFor(binTFG), postDomTreeFor(srcTFG)
			}
			gm = mapping.DominatorHomomorphismMap(binTFG.Current, srcTFG.Current,
				binTFG.DominatorTree(), srcTFG.DominatorTree(), binPostDom, srcPostDom,
				candidates, fixed, lc.opts.HomOrder)
		default:
			validSrc := func(n graph.NodeID) bool {
				if srcTFG.IsSurrogate(n) {
					return true
				}
				bb := lc.srcCF.Block(n)
				return bb != nil && bb.Begin.Line > 0
			}
			gm = mapping.ControlDependencyMap(binTFG.Current, srcTFG.Current,
				postDomTreeFor(binTFG), postDomTreeFor(srcTFG), lc.binLabel, lc.srcLabel, validSrc, fixed)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if lc.opts.MaintainOrder {
		if err := withSpan(ctx, lc.timer, "line-lump", func(context.Context) error {
			loopHeaders := make(map[graph.NodeID]bool, len(binHFG.Children))
			for _, c := range binHFG.Children {
				loopHeaders[c.ParentSurrogateID] = true
			}
			mapping.StraightLineLump(binTFG.Current, binTFG.DominatorTree(), loopHeaders, gm)
			return nil
		}); err != nil {
			return nil, err
		}
	}

	if err := withSpan(ctx, lc.timer, "dom-lump", func(context.Context) error {
		return mapping.DominatorLump(binTFG.Current, binTFG.DominatorTree(), gm)
	}); err != nil {
		return nil, err
	}

	hgm := &mapping.HGM{Map: gm}

	for _, child := range binHFG.Children {
		if srcHeader, ok := matchedSrcHeaderFor(lc.matchResult, child.LoopHeader); ok {
			srcChild := srcHFG.Find(srcHeader)
			if srcChild != nil {
				childHGM, err := mapLevel(ctx, lc, child, srcChild)
				if err != nil {
					if apperrors.IsFatalForFunction(err) {
						return nil, err
					}
					lc.warn("loop at binary block %d: %v", child.LoopHeader, err)
					lc.partial = true
					continue
				}
				hgm.Children = append(hgm.Children, &mapping.HGMChild{HGM: childHGM, Skip: false, IsPrecise: true})
				continue
			}
			lc.warn("loop at binary block %d: loop matcher paired it with source header %d but no HFG node exists there; treating as skipped",
				child.LoopHeader, srcHeader)
		}

		ann := lc.annotations[child.LoopHeader]
		if ann != nil && ann.HasLine {
			lines := lc.binLines[child.LoopHeader]
			if len(lines) > 0 {
				var addrRanges [][2]uint64
				for _, n := range fullLoopBody(lc.binForest, child.LoopHeader) {
					if bb := lc.binCF.Block(n); bb != nil {
						for _, r := range bb.AddrRanges {
							addrRanges = append(addrRanges, [2]uint64{r.Lo, r.Hi})
						}
					}
				}
				if err := ingest.CheckAnnotation(ann, lines[0].Line, lines[len(lines)-1].Line, addrRanges); err != nil {
					lc.warn("loop at binary block %d: %v", child.LoopHeader, err)
				}
			}
		}

		skipGM := mapping.NewGraphMap(lc.binCF.Graph(), lc.srcCF.Graph())
		unmapped := fullLoopBody(lc.binForest, child.LoopHeader)
		err := withSpan(ctx, lc.timer, "skip-complete", func(context.Context) error {
			return mapping.Complete(gm, child.ParentSurrogateID, skipGM, unmapped, ann)
		})
		if err != nil {
			// A missing annotation (CodeSkipNoAnnotation) leaves this
			// subflow unmapped and the function partially mapped, the
			// same disposition as an unresolved loop at match time; any
			// other failure here (e.g. CodeAssertionFailure: the
			// surrogate should already be mapped by dom-lump) signals a
			// pipeline invariant violation and aborts the function.
			if apperrors.GetErrorCode(err) != apperrors.CodeSkipNoAnnotation {
				return nil, err
			}
			lc.warn("%s: loop at binary block %d: %v", apperrors.GetErrorCode(err), child.LoopHeader, err)
			lc.partial = true
			continue
		}

		if srcNode, ok := gm.Get(child.ParentSurrogateID); ok {
			cycles := skipCycles(lc.binForest, lc.binCF, child.LoopHeader, ann)
			lc.skip[srcNode] += cycles
			lc.logger.Debug("skip-completed loop at binary block %d against source block %d (%d cycles)",
				child.LoopHeader, srcNode, cycles)
		}

		hgm.Children = append(hgm.Children, &mapping.HGMChild{HGM: &mapping.HGM{Map: skipGM}, Skip: true, IsPrecise: true})
	}

	return hgm, nil
}

// flattenHGM merges an HGM tree into one flat GraphMap over the whole
// function's original node ids, for output.BuildRecords. Every level's map
// is disjoint from every other's by construction (each original node
// belongs to exactly one TFG level or one skip completion), so Merge never
// conflicts here; a conflict would indicate a pipeline bug, not bad input,
// so it is returned rather than silently dropped.
func flattenHGM(topBinG, topSrcG *graph.Digraph, h *mapping.HGM) (*mapping.GraphMap, error) {
	flat := mapping.NewGraphMap(topBinG, topSrcG)
	if err := flat.Merge(h.Map); err != nil {
		return nil, fmt.Errorf("flatten: %w", err)
	}
	for _, child := range h.Children {
		childFlat, err := flattenHGM(topBinG, topSrcG, child.HGM)
		if err != nil {
			return nil, err
		}
		if err := flat.Merge(childFlat); err != nil {
			return nil, fmt.Errorf("flatten: %w", err)
		}
	}
	return flat, nil
}
