package edgematch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tum-rcs/insn2src-mapper/internal/cfg"
)

func buildBranchingPair() (*cfg.ControlFlow, *cfg.ControlFlow) {
	bin := cfg.New("bin")
	bin.AddBlock(&cfg.BasicBlock{ID: 0, Kind: cfg.Entry, Begin: cfg.SourcePos{Line: 1}})
	bin.AddBlock(&cfg.BasicBlock{ID: 1, Kind: cfg.Normal, Begin: cfg.SourcePos{Line: 2}})
	bin.AddBlock(&cfg.BasicBlock{ID: 2, Kind: cfg.Normal, Begin: cfg.SourcePos{Line: 3}})
	bin.AddBlock(&cfg.BasicBlock{ID: 3, Kind: cfg.Exit, Begin: cfg.SourcePos{Line: 4}})
	bin.AddEdge(0, 1)
	bin.AddEdge(0, 2)
	bin.AddEdge(1, 3)
	bin.AddEdge(2, 3)

	src := cfg.New("src")
	src.AddBlock(&cfg.BasicBlock{ID: 0, Kind: cfg.Entry, Begin: cfg.SourcePos{Line: 1}})
	src.AddBlock(&cfg.BasicBlock{ID: 1, Kind: cfg.Normal, Begin: cfg.SourcePos{Line: 2}})
	src.AddBlock(&cfg.BasicBlock{ID: 2, Kind: cfg.Normal, Begin: cfg.SourcePos{Line: 3}})
	src.AddBlock(&cfg.BasicBlock{ID: 3, Kind: cfg.Exit, Begin: cfg.SourcePos{Line: 4}})
	src.AddEdge(0, 1)
	src.AddEdge(0, 2)
	src.AddEdge(1, 3)
	src.AddEdge(2, 3)

	return bin, src
}

func TestMatchDiscriminators_SingleDiscriminatorPerLinePairsDirectly(t *testing.T) {
	bin, src := buildBranchingPair()
	pairings := MatchDiscriminators(bin, src, false, nil)

	require.Len(t, pairings, 4) // one pairing per matching line
	seen := make(map[int]bool)
	for _, p := range pairings {
		assert.Equal(t, p.BinBlock, p.SrcBlock)
		seen[int(p.BinBlock)] = true
	}
	assert.Len(t, seen, 4)
}

func TestLabelDecisionEdges_SharesDecisionIDAcrossPairedLines(t *testing.T) {
	bin, src := buildBranchingPair()
	paired := map[decisionKeyPair]decisionKeyPair{
		{Side: Binary, Line: 1, Discr: 0}: {Side: Source, Line: 1, Discr: 0},
	}
	edges := LabelDecisionEdges(bin, src, paired)

	var binEdges, srcEdges []DecisionEdge
	for _, e := range edges {
		if e.Side == Binary {
			binEdges = append(binEdges, e)
		} else {
			srcEdges = append(srcEdges, e)
		}
	}
	require.Len(t, binEdges, 2)
	require.Len(t, srcEdges, 2)
	assert.Equal(t, binEdges[0].D, srcEdges[0].D)
}
