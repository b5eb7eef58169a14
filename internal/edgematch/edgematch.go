// Package edgematch assigns every decision edge of a binary and a source
// ControlFlow a shared "c<D>.<O>" label, so that equal labels denote
// semantically corresponding decisions and outcomes across the two sides.
package edgematch

import (
	"fmt"
	"sort"

	"github.com/tum-rcs/insn2src-mapper/internal/cfg"
	"github.com/tum-rcs/insn2src-mapper/internal/dominator"
	"github.com/tum-rcs/insn2src-mapper/internal/graph"
	"github.com/tum-rcs/insn2src-mapper/internal/homomorphism"
)

// Side distinguishes which ControlFlow a node id belongs to, since binary
// and source ids are independently numbered.
type Side int

const (
	Binary Side = iota
	Source
)

// DecisionEdge is one out-edge of a decision node (a node with more than
// one successor), labeled with its decision id D and outcome id O.
type DecisionEdge struct {
	Side Side
	From graph.NodeID
	To   graph.NodeID
	D    int
	O    int
}

// Label renders the edge's shared "c<D>.<O>" label.
func (e DecisionEdge) Label() string { return fmt.Sprintf("c%d.%d", e.D, e.O) }

// lineDiscr groups blocks sharing one (line, discriminator) pair on one
// side.
type lineDiscr struct {
	line, discr int
	blocks      []graph.NodeID
}

// DiscriminatorPairing is the result of pairing binary and source blocks by
// line and discriminator: a binary block id paired with its matching
// source block id, both sharing the decision-location id assigned to that
// line.
type DiscriminatorPairing struct {
	BinBlock graph.NodeID
	SrcBlock graph.NodeID
}

// TrustDebugInfo controls the column-based fallback tier of
// MatchDiscriminators, mirroring the pipeline-wide trust_dbg setting.
type TrustDebugInfo bool

// MatchDiscriminators pairs binary and source blocks sharing a source
// line. Per line:
//   - if exactly one discriminator exists on each side, they pair directly;
//   - else, if trustDbg, each binary (discr, bb) is paired via its column
//     (columnOfSrc supplies the discriminator found at a given (line, col)
//     on the source side, or false if none is at that exact column);
//   - else, remaining candidates are paired structurally via the
//     dominator-homomorphism mapper restricted to the candidate blocks,
//     accepted only when every candidate on both sides got mapped.
//
// Unpaired discriminators are not reported here; callers mint a unique
// decision id for whatever is left over when building decision labels.
func MatchDiscriminators(binCF, srcCF *cfg.ControlFlow, trustDbg TrustDebugInfo, columnOfSrc func(line, col int) (discr int, ok bool)) []DiscriminatorPairing {
	binByLine := groupByLine(binCF)
	srcByLine := groupByLine(srcCF)

	var pairings []DiscriminatorPairing
	for line, binGroup := range binByLine {
		srcGroup, ok := srcByLine[line]
		if !ok {
			continue
		}

		if len(binGroup) == 1 && len(srcGroup) == 1 {
			for _, bb := range binGroup[0].blocks {
				for _, sb := range srcGroup[0].blocks {
					pairings = append(pairings, DiscriminatorPairing{BinBlock: bb, SrcBlock: sb})
				}
			}
			continue
		}

		if bool(trustDbg) && columnOfSrc != nil {
			srcByDiscr := make(map[int][]graph.NodeID)
			for _, g := range srcGroup {
				srcByDiscr[g.discr] = g.blocks
			}
			for _, g := range binGroup {
				for _, bb := range g.blocks {
					bbData := binCF.Block(bb)
					if bbData == nil {
						continue
					}
					if discr, ok := columnOfSrc(line, bbData.Begin.Col); ok {
						for _, sb := range srcByDiscr[discr] {
							pairings = append(pairings, DiscriminatorPairing{BinBlock: bb, SrcBlock: sb})
						}
					}
				}
			}
			continue
		}

		pairings = append(pairings, structuralPair(binCF, srcCF, binGroup, srcGroup)...)
	}
	return pairings
}

func groupByLine(cf *cfg.ControlFlow) map[int][]lineDiscr {
	byLine := make(map[int]map[int][]graph.NodeID)
	for _, bb := range cf.Blocks() {
		if bb.Begin.Line <= 0 {
			continue
		}
		if byLine[bb.Begin.Line] == nil {
			byLine[bb.Begin.Line] = make(map[int][]graph.NodeID)
		}
		byLine[bb.Begin.Line][bb.Discriminator] = append(byLine[bb.Begin.Line][bb.Discriminator], bb.ID)
	}
	out := make(map[int][]lineDiscr, len(byLine))
	for line, byDiscr := range byLine {
		var group []lineDiscr
		for d, blocks := range byDiscr {
			group = append(group, lineDiscr{line: line, discr: d, blocks: blocks})
		}
		sort.Slice(group, func(i, j int) bool { return group[i].discr < group[j].discr })
		out[line] = group
	}
	return out
}

// structuralPair restricts both sides to the candidate blocks at this line
// and pairs them via the dominator-homomorphism mapper, accepting the
// result only if every candidate on both sides was mapped.
func structuralPair(binCF, srcCF *cfg.ControlFlow, binGroup, srcGroup []lineDiscr) []DiscriminatorPairing {
	var binNodes, srcNodes []graph.NodeID
	for _, g := range binGroup {
		binNodes = append(binNodes, g.blocks...)
	}
	for _, g := range srcGroup {
		srcNodes = append(srcNodes, g.blocks...)
	}
	if len(binNodes) == 0 || len(srcNodes) == 0 {
		return nil
	}

	binSub := binCF.Graph().Subgraph(binNodes)
	srcSub := srcCF.Graph().Subgraph(srcNodes)
	binDom := dominator.NewPreDominatorTree(binSub, binNodes[0])
	srcDom := dominator.NewPreDominatorTree(srcSub, srcNodes[0])

	candidates := make(homomorphism.Candidates, len(binNodes))
	for _, b := range binNodes {
		candidates[b] = append([]graph.NodeID(nil), srcNodes...)
	}

	result := homomorphism.Run(binDom, srcDom, binNodes, candidates, nil)
	if len(result.Unmapped) > 0 || len(result.Map) != len(binNodes) {
		return nil
	}

	pairings := make([]DiscriminatorPairing, 0, len(result.Map))
	for b, s := range result.Map {
		pairings = append(pairings, DiscriminatorPairing{BinBlock: b, SrcBlock: s})
	}
	return pairings
}

// LabelDecisionEdges enumerates decision-source locations across both CFGs
// (assigning each a shared id D) and consequent locations — every decision
// node's out-edge target's start position — (assigning each a shared id
// O), then labels every decision out-edge "c{D}.{O}".
//
// pairedLine maps a binary (line, discr) to its paired source (line,
// discr), as produced by MatchDiscriminators; a binary decision with no
// pairing still gets its own D, just not shared with any source decision.
func LabelDecisionEdges(binCF, srcCF *cfg.ControlFlow, pairedLine map[decisionKeyPair]decisionKeyPair) []DecisionEdge {
	dIDs := make(map[decisionKeyPair]int)
	nextD := 0
	assignD := func(k decisionKeyPair) int {
		if paired, ok := pairedLine[k]; ok {
			k = paired
		}
		if id, ok := dIDs[k]; ok {
			return id
		}
		id := nextD
		dIDs[k] = id
		nextD++
		return id
	}

	oIDs := make(map[string]int)
	nextO := 0
	assignO := func(pos cfg.SourcePos, side Side, owner graph.NodeID) int {
		key := fmt.Sprintf("%d:%d:%d:%d", side, pos.Line, pos.Col, owner)
		if id, ok := oIDs[key]; ok {
			return id
		}
		id := nextO
		oIDs[key] = id
		nextO++
		return id
	}

	var edges []DecisionEdge
	label := func(cf *cfg.ControlFlow, side Side) {
		for _, bb := range cf.Blocks() {
			succs := cf.Graph().Successors(bb.ID)
			if len(succs) <= 1 {
				continue
			}
			key := decisionKeyPair{Side: side, Line: bb.Begin.Line, Discr: bb.Discriminator}
			d := assignD(key)
			for _, s := range succs {
				target := cf.Block(s)
				var pos cfg.SourcePos
				if target != nil {
					pos = target.Begin
				}
				o := assignO(pos, side, s)
				edges = append(edges, DecisionEdge{Side: side, From: bb.ID, To: s, D: d, O: o})
			}
		}
	}
	label(binCF, Binary)
	label(srcCF, Source)
	return edges
}

// decisionKeyPair is the side-qualified form of decisionKey used as a map
// key between the two CFGs' decision-location namespaces.
type decisionKeyPair struct {
	Side  Side
	Line  int
	Discr int
}

// PairedLines turns the block-level pairings MatchDiscriminators produced
// into the (binary-line,discr) -> (source-line,discr) map LabelDecisionEdges
// expects, so callers outside this package never need to name
// decisionKeyPair themselves.
func PairedLines(binCF, srcCF *cfg.ControlFlow, pairings []DiscriminatorPairing) map[decisionKeyPair]decisionKeyPair {
	out := make(map[decisionKeyPair]decisionKeyPair, len(pairings))
	for _, p := range pairings {
		bb := binCF.Block(p.BinBlock)
		sb := srcCF.Block(p.SrcBlock)
		if bb == nil || sb == nil {
			continue
		}
		bk := decisionKeyPair{Side: Binary, Line: bb.Begin.Line, Discr: bb.Discriminator}
		sk := decisionKeyPair{Side: Source, Line: sb.Begin.Line, Discr: sb.Discriminator}
		out[bk] = sk
	}
	return out
}
