package cfg

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tum-rcs/insn2src-mapper/internal/graph"
)

func buildStraightLine() *ControlFlow {
	cf := New("straight_line")
	cf.AddBlock(&BasicBlock{ID: 0, Kind: Entry, AddrRanges: []AddrRange{{Lo: 0, Hi: 1}}})
	cf.AddBlock(&BasicBlock{ID: 1, Kind: Normal, AddrRanges: []AddrRange{{Lo: 2, Hi: 3}}})
	cf.AddBlock(&BasicBlock{ID: 2, Kind: Normal, AddrRanges: []AddrRange{{Lo: 4, Hi: 5}}})
	cf.AddBlock(&BasicBlock{ID: 3, Kind: Exit, AddrRanges: []AddrRange{{Lo: 6, Hi: 7}}})
	cf.AddEdge(0, 1)
	cf.AddEdge(1, 2)
	cf.AddEdge(2, 3)
	return cf
}

func TestSimplify_ContractsStraightLineChain(t *testing.T) {
	cf := buildStraightLine()
	cf.Simplify()

	blocks := cf.Blocks()
	// entry absorbs 1 and 2; exit remains standalone.
	require.Len(t, blocks, 2)
	entry := cf.Block(cf.EntryID())
	require.NotNil(t, entry)
	assert.Equal(t, []AddrRange{{Lo: 0, Hi: 1}, {Lo: 2, Hi: 3}, {Lo: 4, Hi: 5}}, entry.AddrRanges)

	exitID, ok := cf.ExitID()
	require.True(t, ok)
	assert.True(t, cf.Graph().HasEdge(cf.EntryID(), exitID))
}

func TestSimplify_DoesNotContractFunctionCallBlocks(t *testing.T) {
	cf := New("has_call")
	cf.AddBlock(&BasicBlock{ID: 0, Kind: Entry, AddrRanges: []AddrRange{{Lo: 0, Hi: 1}}})
	cf.AddBlock(&BasicBlock{ID: 1, Kind: FunctionCall, Callee: "foo", AddrRanges: []AddrRange{{Lo: 2, Hi: 3}}})
	cf.AddBlock(&BasicBlock{ID: 2, Kind: Exit, AddrRanges: []AddrRange{{Lo: 4, Hi: 5}}})
	cf.AddEdge(0, 1)
	cf.AddEdge(1, 2)

	cf.Simplify()
	assert.Len(t, cf.Blocks(), 3)
}

func TestSimplify_IsIdempotent(t *testing.T) {
	cf := buildStraightLine()
	cf.Simplify()
	first := len(cf.Blocks())
	cf.Simplify()
	assert.Equal(t, first, len(cf.Blocks()))
}

func TestPruneUnreachable_RemovesDeadBlock(t *testing.T) {
	cf := New("dead_block")
	cf.AddBlock(&BasicBlock{ID: 0, Kind: Entry})
	cf.AddBlock(&BasicBlock{ID: 1, Kind: Exit})
	cf.AddBlock(&BasicBlock{ID: 2, Kind: Normal}) // unreachable
	cf.AddEdge(0, 1)

	cf.PruneUnreachable()
	assert.Len(t, cf.Blocks(), 2)
	assert.Nil(t, cf.Block(2))
	assert.False(t, cf.NonTerminating)
}

func TestPruneUnreachable_MarksNonTerminatingWhenExitUnreachable(t *testing.T) {
	cf := New("never_returns")
	cf.AddBlock(&BasicBlock{ID: 0, Kind: Entry})
	cf.AddBlock(&BasicBlock{ID: 1, Kind: Normal})
	cf.AddBlock(&BasicBlock{ID: 2, Kind: Exit})
	cf.AddEdge(0, 1)
	cf.AddEdge(1, 1) // spins forever, never reaches exit

	cf.PruneUnreachable()
	_, ok := cf.ExitID()
	assert.False(t, ok)
	assert.True(t, cf.NonTerminating)
}

func TestSplitBlock(t *testing.T) {
	cf := New("splitme")
	cf.AddBlock(&BasicBlock{ID: 0, Kind: Entry, AddrRanges: []AddrRange{{Lo: 0, Hi: 9}}})
	cf.AddBlock(&BasicBlock{ID: 1, Kind: Exit})
	cf.AddEdge(0, 1)

	second, err := cf.SplitBlock(0, 4, 5, 2)
	require.NoError(t, err)
	require.NotNil(t, second)

	first := cf.Block(0)
	assert.Equal(t, []AddrRange{{Lo: 0, Hi: 4}}, first.AddrRanges)
	assert.Equal(t, []AddrRange{{Lo: 5, Hi: 9}}, second.AddrRanges)
	assert.True(t, cf.Graph().HasEdge(0, 2))
	assert.True(t, cf.Graph().HasEdge(2, 1))
	assert.False(t, cf.Graph().HasEdge(0, 1))
}

func TestSplitBlock_RejectsSplitAtLastAddress(t *testing.T) {
	cf := New("nosplit")
	cf.AddBlock(&BasicBlock{ID: 0, Kind: Entry, AddrRanges: []AddrRange{{Lo: 0, Hi: 9}}})
	_, err := cf.SplitBlock(0, 9, 10, 1)
	assert.Error(t, err)
}

func TestComputeDiscriminators_GroupsByLineOrdersByColumn(t *testing.T) {
	cf := New("src")
	cf.AddBlock(&BasicBlock{ID: 0, Begin: SourcePos{Line: 10, Col: 5}})
	cf.AddBlock(&BasicBlock{ID: 1, Begin: SourcePos{Line: 10, Col: 1}})
	cf.AddBlock(&BasicBlock{ID: 2, Begin: SourcePos{Line: 11, Col: 0}})

	cf.ComputeDiscriminators()
	assert.Equal(t, 0, cf.Block(2).Discriminator)
	assert.Equal(t, 0, cf.Block(1).Discriminator) // col 1, first on line 10
	assert.Equal(t, 1, cf.Block(0).Discriminator) // col 5, second on line 10
}

func TestComputeDiscriminators_RegistersEndLineAsSyntheticSlot(t *testing.T) {
	cf := New("src")
	// Block 0 spans lines 10-12, so its end position (line 12, col 0)
	// claims a slot on line 12 ahead of block 1's single-line begin at
	// col 3, without itself receiving a discriminator.
	cf.AddBlock(&BasicBlock{ID: 0, Begin: SourcePos{Line: 10, Col: 0}, End: SourcePos{Line: 12, Col: 0}})
	cf.AddBlock(&BasicBlock{ID: 1, Begin: SourcePos{Line: 12, Col: 3}})

	cf.ComputeDiscriminators()
	assert.Equal(t, 0, cf.Block(0).Discriminator)
	assert.Equal(t, 1, cf.Block(1).Discriminator) // shifted from 0 by block 0's end-line slot
}

func TestAttributeBlockTimes_ReportsMissingMnemonics(t *testing.T) {
	cf := New("timed")
	cf.AddBlock(&BasicBlock{ID: 0, Kind: Entry, AddrRanges: []AddrRange{{Lo: 0, Hi: 1}}})

	mnemonics := map[uint64]string{0: "ldi", 1: "rjmp"}
	times := map[string]int64{"ldi": 1}

	missing := cf.AttributeBlockTimes(mnemonics, times)
	assert.Equal(t, []string{"rjmp"}, missing)
	assert.Equal(t, int64(1), cf.Block(0).CycleCost)
}

func TestGroupVariableAccesses_SingleByteVariablesGroupExactly(t *testing.T) {
	insns := []InstructionRef{
		{Addr: 0, Mnemonic: "ldd", Operands: []string{"r24", "Y+12"}},
		{Addr: 2, Mnemonic: "std", Operands: []string{"Y+12", "r24"}},
		{Addr: 4, Mnemonic: "ldd", Operands: []string{"r25", "Z+0"}},
	}
	stackOffsets := StackOffsets{12: 1, 0: 1}

	accesses, err := GroupVariableAccesses(insns, stackOffsets, nil)
	require.NoError(t, err)
	require.Len(t, accesses, 2)
	assert.Equal(t, "Z", accesses[0].Base)
	assert.Equal(t, 0, accesses[0].Offset)
	assert.Equal(t, "Y", accesses[1].Base)
	assert.Equal(t, 12, accesses[1].Offset)
	assert.Equal(t, 1, accesses[1].Reads)
	assert.Equal(t, 1, accesses[1].Writes)
}

func TestGroupVariableAccesses_GroupsMultiByteVariableAsOneRead(t *testing.T) {
	insns := []InstructionRef{
		{Addr: 0, Mnemonic: "ldd", Operands: []string{"r24", "Y+12"}},
		{Addr: 2, Mnemonic: "ldd", Operands: []string{"r25", "Y+13"}},
	}
	stackOffsets := StackOffsets{12: 2} // a 2-byte int at offset 12

	accesses, err := GroupVariableAccesses(insns, stackOffsets, nil)
	require.NoError(t, err)
	require.Len(t, accesses, 1)
	assert.Equal(t, 12, accesses[0].Offset)
	assert.Equal(t, 2, accesses[0].ByteSize)
	assert.Equal(t, 1, accesses[0].Reads, "both bytes fold into a single whole-variable read")
}

func TestGroupVariableAccesses_PartialReadWarnsButPartialWriteErrors(t *testing.T) {
	insns := []InstructionRef{
		// only the low byte of a 2-byte variable at offset 12 is read.
		{Addr: 0, Mnemonic: "ldd", Operands: []string{"r24", "Y+12"}},
		// only the low byte of a 2-byte variable at offset 20 is written.
		{Addr: 2, Mnemonic: "std", Operands: []string{"Y+20", "r24"}},
	}
	stackOffsets := StackOffsets{12: 2, 20: 2}

	var warnings []string
	warn := func(format string, args ...interface{}) {
		warnings = append(warnings, fmt.Sprintf(format, args...))
	}

	accesses, err := GroupVariableAccesses(insns, stackOffsets, warn)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "20")
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "12")
	require.Len(t, accesses, 2)
}

func TestDetectInlinedSubroutines_ResolvesEndpoints(t *testing.T) {
	cf := New("caller")
	cf.AddBlock(&BasicBlock{ID: 0, Kind: Entry, AddrRanges: []AddrRange{{Lo: 0, Hi: 9}}})
	cf.AddBlock(&BasicBlock{ID: 1, Kind: Exit, AddrRanges: []AddrRange{{Lo: 10, Hi: 19}}})

	dies := []DIEInlinedSubroutine{{Name: "helper", LowPC: 2, HighPC: 12}}
	subs, err := cf.DetectInlinedSubroutines(dies)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, graph.NodeID(0), subs[0].EntryBlock.ID)
	assert.Equal(t, graph.NodeID(1), subs[0].ExitBlock.ID)
}

func TestDetectInlinedSubroutines_RejectsNestedInlining(t *testing.T) {
	cf := New("caller")
	cf.AddBlock(&BasicBlock{ID: 0, Kind: Entry, AddrRanges: []AddrRange{{Lo: 0, Hi: 9}}})

	dies := []DIEInlinedSubroutine{{Name: "outer", LowPC: 0, HighPC: 9, Depth: 0}, {Name: "inner", LowPC: 2, HighPC: 4, Depth: 1}}
	_, err := cf.DetectInlinedSubroutines(dies)
	assert.Error(t, err)
}
