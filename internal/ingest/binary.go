// Package ingest parses the external file formats of §6: the binary CFG
// JSON stream, DWARF JSON, source CFG CSV, opcode timing CSV and loop
// annotation JSON, turning each into the internal/cfg and internal/mapping
// types the rest of the pipeline consumes.
package ingest

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/tum-rcs/insn2src-mapper/internal/cfg"
	"github.com/tum-rcs/insn2src-mapper/internal/graph"
	apperrors "github.com/tum-rcs/insn2src-mapper/pkg/errors"
)

// FlowRecord is a "Flow" record from the binary CFG JSON stream: one
// function's basic blocks and control-flow edges.
type FlowRecord struct {
	Type        string          `json:"Type"`
	Name        string          `json:"Name"`
	BasicBlocks []BasicBlockRaw `json:"BasicBlocks"`
	Edges       [][2]int        `json:"Edges"`
}

// BasicBlockRaw is one basic block as the binary CFG JSON encodes it.
type BasicBlockRaw struct {
	ID         int        `json:"ID"`
	BlockType  string     `json:"BlockType"`
	AddrRanges [][2]int64 `json:"AddrRanges"`
	Calls      []string   `json:"calls"`
}

// InsnMapRecord is an "InsnMap" record: the disassembly of one section.
type InsnMapRecord struct {
	Type         string              `json:"Type"`
	Section      string              `json:"Section"`
	Instructions []InstructionRecord `json:"Instructions"`
}

// InstructionRecord is one disassembled instruction.
type InstructionRecord struct {
	Addr   int64    `json:"Addr"`
	Mnem   string   `json:"Mnem"`
	Op     []string `json:"Op"`
	Target []int64  `json:"Target"`
}

// SymbolMapRecord is a "SymbolMap" record: address-to-symbol-name table.
type SymbolMapRecord struct {
	Type    string         `json:"Type"`
	Section string         `json:"Section"`
	Symbols []SymbolRecord `json:"Symbols"`
}

// SymbolRecord is one symbol table entry.
type SymbolRecord struct {
	Addr   int64  `json:"Addr"`
	Symbol string `json:"Symbol"`
}

type recordHeader struct {
	Type string `json:"Type"`
}

// BinaryCFGFile is the decoded contents of a whole binary CFG JSON stream.
type BinaryCFGFile struct {
	Flows      []FlowRecord
	InsnMaps   []InsnMapRecord
	SymbolMaps []SymbolMapRecord
}

// ParseBinaryCFGJSON reads the newline-blank-line delimited binary CFG JSON
// stream described in §6, dispatching each chunk to its record kind by its
// "Type" field.
func ParseBinaryCFGJSON(r io.Reader) (*BinaryCFGFile, error) {
	out := &BinaryCFGFile{}
	for _, chunk := range splitBlankLineDelimited(r) {
		var hdr recordHeader
		if err := json.Unmarshal([]byte(chunk), &hdr); err != nil {
			return nil, apperrors.Wrap(apperrors.CodeMalformedInput, "binary CFG JSON: invalid record", err)
		}
		switch hdr.Type {
		case "Flow":
			var rec FlowRecord
			if err := json.Unmarshal([]byte(chunk), &rec); err != nil {
				return nil, apperrors.Wrap(apperrors.CodeMalformedInput, "binary CFG JSON: invalid Flow record", err)
			}
			out.Flows = append(out.Flows, rec)
		case "InsnMap":
			var rec InsnMapRecord
			if err := json.Unmarshal([]byte(chunk), &rec); err != nil {
				return nil, apperrors.Wrap(apperrors.CodeMalformedInput, "binary CFG JSON: invalid InsnMap record", err)
			}
			out.InsnMaps = append(out.InsnMaps, rec)
		case "SymbolMap":
			var rec SymbolMapRecord
			if err := json.Unmarshal([]byte(chunk), &rec); err != nil {
				return nil, apperrors.Wrap(apperrors.CodeMalformedInput, "binary CFG JSON: invalid SymbolMap record", err)
			}
			out.SymbolMaps = append(out.SymbolMaps, rec)
		default:
			return nil, apperrors.New(apperrors.CodeMalformedInput, fmt.Sprintf("binary CFG JSON: unknown record type %q", hdr.Type))
		}
	}
	return out, nil
}

// splitBlankLineDelimited splits r's contents on blank lines, discarding
// any chunk that is empty or whitespace-only.
func splitBlankLineDelimited(r io.Reader) []string {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	var chunks []string
	var cur strings.Builder
	flush := func() {
		s := strings.TrimSpace(cur.String())
		if s != "" {
			chunks = append(chunks, s)
		}
		cur.Reset()
	}
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			flush()
			continue
		}
		cur.WriteString(line)
		cur.WriteByte('\n')
	}
	flush()
	return chunks
}

func blockKind(t string) (cfg.Kind, error) {
	switch t {
	case "Entry":
		return cfg.Entry, nil
	case "Exit":
		return cfg.Exit, nil
	case "Normal":
		return cfg.Normal, nil
	case "FunctionCall":
		return cfg.FunctionCall, nil
	default:
		return cfg.Normal, apperrors.New(apperrors.CodeMalformedInput, fmt.Sprintf("binary CFG JSON: unknown BlockType %q", t))
	}
}

// ToControlFlow converts a decoded Flow record into a cfg.ControlFlow.
func (rec *FlowRecord) ToControlFlow() (*cfg.ControlFlow, error) {
	cf := cfg.New(rec.Name)
	for _, bbr := range rec.BasicBlocks {
		kind, err := blockKind(bbr.BlockType)
		if err != nil {
			return nil, err
		}
		bb := &cfg.BasicBlock{
			ID:    graph.NodeID(bbr.ID),
			Kind:  kind,
			Calls: bbr.Calls,
		}
		for _, ar := range bbr.AddrRanges {
			bb.AddrRanges = append(bb.AddrRanges, cfg.AddrRange{Lo: uint64(ar[0]), Hi: uint64(ar[1])})
		}
		if kind == cfg.FunctionCall && len(bbr.Calls) > 0 {
			bb.Callee = bbr.Calls[0]
		}
		cf.AddBlock(bb)
	}
	for _, e := range rec.Edges {
		cf.AddEdge(graph.NodeID(e[0]), graph.NodeID(e[1]))
	}
	return cf, nil
}

// InstructionMnemonics flattens every InsnMap record into an
// address-to-mnemonic table, the shape internal/cfg.AttributeBlockTimes
// expects.
func (f *BinaryCFGFile) InstructionMnemonics() map[uint64]string {
	out := make(map[uint64]string)
	for _, im := range f.InsnMaps {
		for _, insn := range im.Instructions {
			out[uint64(insn.Addr)] = insn.Mnem
		}
	}
	return out
}

// SymbolAt returns the symbol name covering addr, if any SymbolMap record
// has an exact entry for it.
func (f *BinaryCFGFile) SymbolAt(addr uint64) (string, bool) {
	for _, sm := range f.SymbolMaps {
		for _, s := range sm.Symbols {
			if uint64(s.Addr) == addr {
				return s.Symbol, true
			}
		}
	}
	return "", false
}
