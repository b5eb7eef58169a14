// Package output writes the bin-to-source mapping result as the
// semicolon-delimited per-function CSV format, and concatenates
// per-function files into the multi-function wrapper.
package output

import (
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/tum-rcs/insn2src-mapper/internal/cfg"
	"github.com/tum-rcs/insn2src-mapper/internal/graph"
	"github.com/tum-rcs/insn2src-mapper/internal/mapping"
)

// Record is one output row: a source basic block, the binary blocks mapped
// to it, and the total cycles attributed to it.
type Record struct {
	SrcBB       graph.NodeID
	Line, Col   int
	BinBBs      []graph.NodeID
	TotalCycles int64
	Callees     []string
}

// SkipAttribution adds extra cycles to a source block beyond what its
// directly-mapped binary blocks contribute, from a skipped binary loop
// whose surrogate maps to that source block (the loop's `time` annotation,
// or `repeats * sum(body times)` when no `time` was given).
type SkipAttribution map[graph.NodeID]int64

// BuildRecords inverts gm (domain = binary, image = source) into one
// Record per source basic block that has at least one mapped binary block,
// computing total_cycles = sum(exec_count.hi * bin.block_time(bb)) plus any
// skip attribution for that source block.
func BuildRecords(srcCF, binCF *cfg.ControlFlow, gm *mapping.GraphMap, skip SkipAttribution) []Record {
	bySrc := make(map[graph.NodeID][]graph.NodeID)
	for _, b := range gm.Mapped() {
		s, ok := gm.Get(b)
		if !ok {
			continue
		}
		bySrc[s] = append(bySrc[s], b)
	}

	srcBBs := make([]graph.NodeID, 0, len(bySrc))
	for s := range bySrc {
		srcBBs = append(srcBBs, s)
	}
	sort.Slice(srcBBs, func(i, j int) bool { return srcBBs[i] < srcBBs[j] })

	records := make([]Record, 0, len(srcBBs))
	for _, s := range srcBBs {
		binBBs := bySrc[s]
		sort.Slice(binBBs, func(i, j int) bool { return binBBs[i] < binBBs[j] })

		var total int64
		for _, b := range binBBs {
			bb := binCF.Block(b)
			if bb == nil {
				continue
			}
			total += int64(gm.ExecCount(b).Hi) * bb.CycleCost
		}
		total += skip[s]

		srcBB := srcCF.Block(s)
		rec := Record{SrcBB: s, BinBBs: binBBs, TotalCycles: total}
		if srcBB != nil {
			rec.Line = srcBB.Begin.Line
			rec.Col = srcBB.Begin.Col
			rec.Callees = srcBB.Calls
		}
		records = append(records, rec)
	}
	return records
}

// WriteFunction writes one function's mapping CSV: a leading
// `[sourceFile,funcName]` line, then the
// `# Source_BB; Line_Col; [BinaryBB]+; ExecTime[,fcall]*` comment line
// (per §6's documented header shape), then one semicolon-delimited record
// per Record.
func WriteFunction(w io.Writer, sourceFile, funcName string, records []Record) error {
	if _, err := fmt.Fprintf(w, "[%s,%s]\n", sourceFile, funcName); err != nil {
		return err
	}
	if _, err := io.WriteString(w, "# Source_BB; Line_Col; [BinaryBB]+; ExecTime[,fcall]*\n"); err != nil {
		return err
	}

	cw := csv.NewWriter(w)
	cw.Comma = ';'
	for _, r := range records {
		lineCol := fmt.Sprintf("l%dc%d", r.Line, r.Col)
		binBBs := make([]string, len(r.BinBBs))
		for i, b := range r.BinBBs {
			binBBs[i] = strconv.Itoa(int(b))
		}
		last := strconv.FormatInt(r.TotalCycles, 10)
		if len(r.Callees) > 0 {
			last = last + "," + strings.Join(r.Callees, ",")
		}
		row := []string{strconv.Itoa(int(r.SrcBB)), lineCol, strings.Join(binBBs, ","), last}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// MergeFiles concatenates several already-rendered per-function mapping
// texts (each produced by WriteFunction) into the combined multi-function
// output, supplementing the original implementation's merge_mapping.py.
func MergeFiles(w io.Writer, functionOutputs []string) error {
	for i, text := range functionOutputs {
		if i > 0 {
			if _, err := io.WriteString(w, "\n"); err != nil {
				return err
			}
		}
		if _, err := io.WriteString(w, text); err != nil {
			return err
		}
	}
	return nil
}
