package cfg

import (
	"fmt"

	apperrors "github.com/tum-rcs/insn2src-mapper/pkg/errors"
)

// InlinedSubroutine records one DW_TAG_inlined_subroutine instance: the
// address range it was inlined into, and the binary blocks containing its
// low_pc and high_pc endpoints.
type InlinedSubroutine struct {
	Name         string
	LowPC, HighPC uint64
	EntryBlock   *BasicBlock
	ExitBlock    *BasicBlock
}

// DIEInlinedSubroutine is the minimal view of a DW_TAG_inlined_subroutine
// DIE the detection pass needs.
type DIEInlinedSubroutine struct {
	Name          string
	LowPC, HighPC uint64
	// Depth is the DIE's nesting depth among enclosing
	// DW_TAG_inlined_subroutine entries: 0 for a top-level inlined call,
	// >0 for one inlined into another inlined call.
	Depth int
}

// findBlockByAddr returns the block covering addr, or nil.
func (cf *ControlFlow) findBlockByAddr(addr uint64) *BasicBlock {
	for _, bb := range cf.Blocks() {
		for _, r := range bb.AddrRanges {
			if addr >= r.Lo && addr <= r.Hi {
				return bb
			}
		}
	}
	return nil
}

// DetectInlinedSubroutines resolves each DIE's low_pc/high_pc endpoints to
// their containing binary blocks. Nested inlining (any DIE with Depth > 0)
// is not supported, matching the original implementation's refusal to
// handle DW_AT_ranges-based nested inlined subroutines, and is reported as
// a CodeInlineFailure error rather than a panic.
func (cf *ControlFlow) DetectInlinedSubroutines(dies []DIEInlinedSubroutine) ([]*InlinedSubroutine, error) {
	out := make([]*InlinedSubroutine, 0, len(dies))
	for _, die := range dies {
		if die.Depth > 0 {
			return nil, apperrors.New(apperrors.CodeInlineFailure,
				fmt.Sprintf("nested inlined subroutine %q is not supported", die.Name))
		}
		entry := cf.findBlockByAddr(die.LowPC)
		exit := cf.findBlockByAddr(die.HighPC)
		if entry == nil || exit == nil {
			return nil, apperrors.New(apperrors.CodeInlineFailure,
				fmt.Sprintf("inlined subroutine %q: could not resolve endpoint block(s)", die.Name))
		}
		out = append(out, &InlinedSubroutine{
			Name:       die.Name,
			LowPC:      die.LowPC,
			HighPC:     die.HighPC,
			EntryBlock: entry,
			ExitBlock:  exit,
		})
	}
	return out, nil
}
