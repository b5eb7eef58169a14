package cfg

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
)

// VariableAccess is one whole local-variable access: every consecutive run
// of indexed (base+offset) instruction operands whose stack-frame offsets
// fall inside the same DWARF-declared variable is folded into a single
// entry here, rather than one entry per distinct byte offset touched.
type VariableAccess struct {
	Base     string
	Offset   int // the variable's declared starting stack-frame offset
	ByteSize int
	Reads    int
	Writes   int
	Addrs    []uint64
}

// avrOperand matches an AVR indexed-addressing operand of the form
// "<base>+<offset>", e.g. "Y+12", "Z+0", "X+255".
var avrOperand = regexp.MustCompile(`^([XYZ])\+(\d+)$`)

// InstructionRef is the minimal view of a decoded instruction the
// variable-access grouping pass needs: its address, mnemonic and raw
// operand strings.
type InstructionRef struct {
	Addr     uint64
	Mnemonic string
	Operands []string
}

// isStore reports whether mnemonic writes its indexed operand rather than
// reading it, using the AVR std/st family as the grounding convention; any
// other mnemonic touching a Y/Z/X+offset operand is treated as a read.
func isStore(mnemonic string) bool {
	switch mnemonic {
	case "st", "std", "push":
		return true
	default:
		return false
	}
}

// StackOffsets maps a local variable's declared starting stack-frame
// offset (in the same displacement convention the disassembly's
// indexed-addressing operands use) to its byte size, as resolved from
// DWARF DW_TAG_variable DIEs by internal/ingest.LocalVariableOffsets.
type StackOffsets map[int]int

// rawAccess is one indexed-addressing touch, in instruction order, before
// it is folded into a whole-variable VariableAccess group.
type rawAccess struct {
	addr   uint64
	base   string
	offset int
}

// ownerOffsets expands stackOffsets into byte-offset -> owning variable's
// declared offset, so any byte within a multi-byte variable resolves back
// to the variable it belongs to.
func ownerOffsets(stackOffsets StackOffsets) map[int]int {
	owner := make(map[int]int, len(stackOffsets)*2)
	for origin, size := range stackOffsets {
		if size < 1 {
			size = 1
		}
		for o := origin; o < origin+size; o++ {
			owner[o] = origin
		}
	}
	return owner
}

// groupRuns walks accs in instruction order and folds each maximal run of
// consecutive, same-variable accesses into one VariableAccess entry in
// byOffset, recording the group's address in Addrs and incrementing
// either Reads or Writes once per group. A run that is interrupted by a
// different variable mid-way, or that runs out of instructions before
// reaching the variable's declared byte size, is still recorded as one
// access but reported back through onPartial -- mirroring
// disassembly.py's count_consecutive_occurrences, which folds a run the
// same way regardless of whether it completed.
func groupRuns(accs []rawAccess, owner map[int]int, stackOffsets StackOffsets, byOffset map[int]*VariableAccess, order *[]int, isWrite bool, onPartial func(origin int)) {
	i := 0
	for i < len(accs) {
		origin := owner[accs[i].offset]
		length := stackOffsets[origin]
		if length < 1 {
			length = 1
		}
		end := i + length

		complete := end <= len(accs)
		if complete {
			for j := i; j < end; j++ {
				if owner[accs[j].offset] != origin {
					complete = false
					break
				}
			}
		}

		va, ok := byOffset[origin]
		if !ok {
			va = &VariableAccess{Base: accs[i].base, Offset: origin, ByteSize: stackOffsets[origin]}
			byOffset[origin] = va
			*order = append(*order, origin)
		}
		if isWrite {
			va.Writes++
		} else {
			va.Reads++
		}
		va.Addrs = append(va.Addrs, accs[i].addr)

		if !complete {
			onPartial(origin)
			if end > len(accs) {
				i = len(accs)
			} else {
				i++
			}
			continue
		}
		i = end
	}
}

// GroupVariableAccesses scans insns (already filtered to one block's
// address range) for indexed (base+offset) operands and groups them into
// whole local variables using stackOffsets, the offset -> byte-size table
// DWARF resolves for the enclosing function. Reads that only cover part
// of a multi-byte variable (e.g. a single-byte mask of a 16-bit int) are
// still counted, with each partial run reported through warn (nil is
// safe: the check is skipped). A write that does not cover its variable's
// full byte size is reported back as an error instead of a warning -- a
// compiler is never expected to split a store across non-contiguous
// instructions, so this mirrors the stricter "partial write" assertion in
// the original implementation. Only the first such error is returned;
// grouping continues for the rest of insns regardless.
func GroupVariableAccesses(insns []InstructionRef, stackOffsets StackOffsets, warn func(format string, args ...interface{})) ([]*VariableAccess, error) {
	owner := ownerOffsets(stackOffsets)

	var reads, writes []rawAccess
	for _, insn := range insns {
		if len(insn.Operands) != 2 {
			continue
		}
		store := isStore(insn.Mnemonic)
		operand := insn.Operands[1]
		if store {
			operand = insn.Operands[0]
		}
		m := avrOperand.FindStringSubmatch(operand)
		if m == nil {
			continue
		}
		offset, err := strconv.Atoi(m[2])
		if err != nil {
			continue
		}
		if _, ok := owner[offset]; !ok {
			continue
		}
		ra := rawAccess{addr: insn.Addr, base: m[1], offset: offset}
		if store {
			writes = append(writes, ra)
		} else {
			reads = append(reads, ra)
		}
	}

	byOffset := make(map[int]*VariableAccess)
	var order []int

	groupRuns(reads, owner, stackOffsets, byOffset, &order, false, func(origin int) {
		if warn != nil {
			warn("partial read for variable starting at stack offset %d", origin)
		}
	})

	var writeErr error
	groupRuns(writes, owner, stackOffsets, byOffset, &order, true, func(origin int) {
		if writeErr == nil {
			writeErr = fmt.Errorf("partial write for variable starting at stack offset %d", origin)
		}
	})

	out := make([]*VariableAccess, 0, len(order))
	for _, origin := range order {
		out = append(out, byOffset[origin])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Offset < out[j].Offset })
	return out, writeErr
}
