package ingest

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	apperrors "github.com/tum-rcs/insn2src-mapper/pkg/errors"
)

// OpcodeTiming holds, per mnemonic, the min/max cycle counts from the
// opcode timing CSV.
type OpcodeTiming struct {
	MinCycles map[string]int64
	MaxCycles map[string]int64
}

// ParseOpcodeTimingCSV reads lines of the form `mnemonic;min_cycles;
// max_cycles`, skipping blank lines and `#`-prefixed comments.
func ParseOpcodeTimingCSV(r io.Reader) (*OpcodeTiming, error) {
	out := &OpcodeTiming{MinCycles: map[string]int64{}, MaxCycles: map[string]int64{}}

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, ";")
		if len(fields) != 3 {
			return nil, apperrors.New(apperrors.CodeMalformedInput, "opcode timing CSV: expected mnemonic;min;max, got "+line)
		}
		mnem := strings.TrimSpace(fields[0])
		minC, err := strconv.ParseInt(strings.TrimSpace(fields[1]), 10, 64)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.CodeMalformedInput, "opcode timing CSV: invalid min_cycles for "+mnem, err)
		}
		maxC, err := strconv.ParseInt(strings.TrimSpace(fields[2]), 10, 64)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.CodeMalformedInput, "opcode timing CSV: invalid max_cycles for "+mnem, err)
		}
		out.MinCycles[mnem] = minC
		out.MaxCycles[mnem] = maxC
	}
	return out, nil
}
