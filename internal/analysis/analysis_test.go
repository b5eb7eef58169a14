package analysis

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tum-rcs/insn2src-mapper/internal/cfg"
	"github.com/tum-rcs/insn2src-mapper/internal/graph"
	"github.com/tum-rcs/insn2src-mapper/internal/mapping"
	"github.com/tum-rcs/insn2src-mapper/pkg/utils"
)

// buildStraightLineFlows returns an identically-shaped three-block
// entry->mid->exit pair, one per side, with matching source positions so
// they pair as a single discriminator group per line.
func buildStraightLineFlows() (*cfg.ControlFlow, *cfg.ControlFlow) {
	bin := cfg.New("straight")
	bin.AddBlock(&cfg.BasicBlock{ID: 0, Kind: cfg.Entry, Begin: cfg.SourcePos{Line: 1}, End: cfg.SourcePos{Line: 1}, AddrRanges: []cfg.AddrRange{{Lo: 0x10, Hi: 0x10}}})
	bin.AddBlock(&cfg.BasicBlock{ID: 1, Kind: cfg.Normal, Begin: cfg.SourcePos{Line: 2}, End: cfg.SourcePos{Line: 2}, AddrRanges: []cfg.AddrRange{{Lo: 0x20, Hi: 0x20}}})
	bin.AddBlock(&cfg.BasicBlock{ID: 2, Kind: cfg.Exit, Begin: cfg.SourcePos{Line: 3}, End: cfg.SourcePos{Line: 3}, AddrRanges: []cfg.AddrRange{{Lo: 0x30, Hi: 0x30}}})
	bin.AddEdge(0, 1)
	bin.AddEdge(1, 2)

	src := cfg.New("straight")
	src.AddBlock(&cfg.BasicBlock{ID: 0, Kind: cfg.Entry, Begin: cfg.SourcePos{Line: 1}, End: cfg.SourcePos{Line: 1}})
	src.AddBlock(&cfg.BasicBlock{ID: 1, Kind: cfg.Normal, Begin: cfg.SourcePos{Line: 2}, End: cfg.SourcePos{Line: 2}})
	src.AddBlock(&cfg.BasicBlock{ID: 2, Kind: cfg.Exit, Begin: cfg.SourcePos{Line: 3}, End: cfg.SourcePos{Line: 3}})
	src.AddEdge(0, 1)
	src.AddEdge(1, 2)

	return bin, src
}

func TestAnalysis_Run_StraightLineFunctionMapsEveryBlock(t *testing.T) {
	binCF, srcCF := buildStraightLineFlows()
	in := FunctionInputs{Name: "straight", BinCF: binCF, SrcCF: srcCF}
	opts := Options{Mapper: "ctrldep"}

	res, err := New(in, opts, utils.NewDefaultLogger(utils.LevelError, io.Discard)).Run(context.Background())
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.False(t, res.PartiallyMapped)
	assert.Empty(t, res.Warnings)

	mappedSrcLines := make(map[int]bool)
	for _, rec := range res.Records {
		mappedSrcLines[rec.Line] = true
	}
	for _, line := range []int{1, 2, 3} {
		assert.True(t, mappedSrcLines[line], "expected source line %d to be mapped", line)
	}
}

// buildLoopFlows returns a binary side with one reducible loop
// (header=1, body={1,2}) exiting to block 3, paired with a source side
// that has no loop at all, so the loop can never be matched and always
// falls to annotation-based skip completion.
func buildLoopFlows() (*cfg.ControlFlow, *cfg.ControlFlow) {
	bin := cfg.New("looped")
	bin.AddBlock(&cfg.BasicBlock{ID: 0, Kind: cfg.Entry, Begin: cfg.SourcePos{Line: 1}, End: cfg.SourcePos{Line: 1}, AddrRanges: []cfg.AddrRange{{Lo: 0x00, Hi: 0x00}}})
	bin.AddBlock(&cfg.BasicBlock{ID: 1, Kind: cfg.Normal, Begin: cfg.SourcePos{Line: 2}, End: cfg.SourcePos{Line: 2}, CycleCost: 2, AddrRanges: []cfg.AddrRange{{Lo: 0x10, Hi: 0x10}}})
	bin.AddBlock(&cfg.BasicBlock{ID: 2, Kind: cfg.Normal, Begin: cfg.SourcePos{Line: 2}, End: cfg.SourcePos{Line: 2}, CycleCost: 3, AddrRanges: []cfg.AddrRange{{Lo: 0x20, Hi: 0x20}}})
	bin.AddBlock(&cfg.BasicBlock{ID: 3, Kind: cfg.Exit, Begin: cfg.SourcePos{Line: 4}, End: cfg.SourcePos{Line: 4}, AddrRanges: []cfg.AddrRange{{Lo: 0x30, Hi: 0x30}}})
	bin.AddEdge(0, 1)
	bin.AddEdge(1, 2)
	bin.AddEdge(2, 1) // back edge closing the loop
	bin.AddEdge(1, 3) // loop exit edge

	src := cfg.New("looped")
	src.AddBlock(&cfg.BasicBlock{ID: 0, Kind: cfg.Entry, Begin: cfg.SourcePos{Line: 1}, End: cfg.SourcePos{Line: 1}})
	src.AddBlock(&cfg.BasicBlock{ID: 1, Kind: cfg.Normal, Begin: cfg.SourcePos{Line: 2}, End: cfg.SourcePos{Line: 3}})
	src.AddBlock(&cfg.BasicBlock{ID: 2, Kind: cfg.Exit, Begin: cfg.SourcePos{Line: 4}, End: cfg.SourcePos{Line: 4}})
	src.AddEdge(0, 1)
	src.AddEdge(1, 2)

	return bin, src
}

func TestAnalysis_Run_SkipAnnotatedLoopAttributesExplicitTime(t *testing.T) {
	binCF, srcCF := buildLoopFlows()
	in := FunctionInputs{
		Name: "looped", BinCF: binCF, SrcCF: srcCF,
		Annotations: map[graph.NodeID]*mapping.LoopAnnotation{
			1: {Skip: true, Repeats: 3, HasTime: true, Time: 42},
		},
	}
	opts := Options{Mapper: "ctrldep"}

	res, err := New(in, opts, utils.NewDefaultLogger(utils.LevelError, io.Discard)).Run(context.Background())
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.False(t, res.PartiallyMapped)

	var total int64
	for _, c := range res.Skip {
		total += c
	}
	assert.Equal(t, int64(42), total)
}

func TestAnalysis_Run_UnannotatedLoopLeavesFunctionPartiallyMapped(t *testing.T) {
	binCF, srcCF := buildLoopFlows()
	in := FunctionInputs{Name: "looped", BinCF: binCF, SrcCF: srcCF}
	opts := Options{Mapper: "ctrldep"}

	res, err := New(in, opts, utils.NewDefaultLogger(utils.LevelError, io.Discard)).Run(context.Background())
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.True(t, res.PartiallyMapped)
	assert.Empty(t, res.Skip)
	assert.NotEmpty(t, res.Warnings)
}

func TestAnalysis_Run_MissingOpcodeTimingIsFatal(t *testing.T) {
	binCF, srcCF := buildStraightLineFlows()
	in := FunctionInputs{
		Name: "straight", BinCF: binCF, SrcCF: srcCF,
		InsnMnemonics: map[uint64]string{0x20: "nop"},
		OpcodeTimes:   map[string]int64{}, // "nop" has no entry
	}
	opts := Options{Mapper: "ctrldep"}

	_, err := New(in, opts, &utils.NullLogger{}).Run(context.Background())
	assert.Error(t, err)
}

func TestAnalyzeAll_RunsEveryFunctionAndReportsFailuresSeparately(t *testing.T) {
	goodBin, goodSrc := buildStraightLineFlows()
	badBin, badSrc := buildStraightLineFlows()
	badBin.FuncName = "bad"
	badSrc.FuncName = "bad"

	inputs := []FunctionInputs{
		{Name: "good", BinCF: goodBin, SrcCF: goodSrc},
		{
			Name: "bad", BinCF: badBin, SrcCF: badSrc,
			InsnMnemonics: map[uint64]string{0x20: "nop"},
			OpcodeTimes:   map[string]int64{},
		},
	}

	results := AnalyzeAll(context.Background(), inputs, Options{Mapper: "ctrldep"}, 2, &utils.NullLogger{})
	require.Len(t, results, 2)
	assert.NotEmpty(t, results[0].Records)
	assert.Empty(t, results[1].Records)
	assert.NotEmpty(t, results[1].Warnings)
}
