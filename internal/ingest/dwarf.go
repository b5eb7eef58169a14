package ingest

import (
	"encoding/json"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/tum-rcs/insn2src-mapper/internal/cfg"
	apperrors "github.com/tum-rcs/insn2src-mapper/pkg/errors"
)

// DebugInfoFile is a decoded DWARF JSON document (§6's "DebugInfo" Type).
type DebugInfoFile struct {
	Type string        `json:"Type"`
	Data DebugInfoData `json:"Data"`
}

// DebugInfoData is the DWARF data payload.
type DebugInfoData struct {
	DIEs            []DIE                    `json:"DIEs"`
	LineInfoEntries map[string]LineInfoEntry `json:"LineInfoEntries"`
	LineInfoMap     map[string]int64         `json:"LineInfoMap"`
}

// DIE is one Debugging Information Entry.
type DIE struct {
	Offset       int64                  `json:"Offset"`
	ParentOffset int64                  `json:"ParentOffset"`
	Tag          string                 `json:"Tag"`
	Attributes   map[string]interface{} `json:"Attributes"`
}

// LineInfoEntry is one entry of the DWARF line table.
type LineInfoEntry struct {
	LineNumber    int `json:"LineNumber"`
	LineOffset    int `json:"LineOffset"`
	Discriminator int `json:"Discriminator"`
}

// ParseDWARFJSON decodes a DWARF JSON document.
func ParseDWARFJSON(r io.Reader) (*DebugInfoData, error) {
	var file DebugInfoFile
	if err := json.NewDecoder(r).Decode(&file); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeMalformedInput, "DWARF JSON: invalid document", err)
	}
	if file.Type != "DebugInfo" {
		return nil, apperrors.New(apperrors.CodeMalformedInput, "DWARF JSON: Type must be \"DebugInfo\"")
	}
	return &file.Data, nil
}

var highPCConstant = regexp.MustCompile(`S_([+\-0-9]+)_U_([+\-0-9]+)`)

// DecodeHighPC resolves a DW_AT_high_pc attribute relative to lowPC: an
// absolute numeric string is returned as-is, while a dwarf constant string
// of the form S_<signed>_U_<unsigned> denotes an offset from lowPC (the
// unsigned component).
func DecodeHighPC(lowPC uint64, attr string) (uint64, error) {
	if m := highPCConstant.FindStringSubmatch(attr); m != nil {
		off, err := strconv.ParseInt(m[2], 10, 64)
		if err != nil || off < 0 {
			return 0, apperrors.New(apperrors.CodeMalformedInput, "DWARF JSON: malformed high_pc constant "+attr)
		}
		return lowPC + uint64(off), nil
	}
	v, err := strconv.ParseUint(attr, 10, 64)
	if err != nil {
		return 0, apperrors.New(apperrors.CodeMalformedInput, "DWARF JSON: malformed high_pc "+attr)
	}
	return v, nil
}

// InlinedSubroutineDIEs walks DIEs for DW_TAG_inlined_subroutine entries
// and returns them with their nesting depth relative to the nearest
// enclosing DW_TAG_subprogram, mirroring the original implementation's
// refusal to support nesting beyond depth 0.
func InlinedSubroutineDIEs(data *DebugInfoData) ([]InlinedSubroutineDIE, error) {
	byOffset := make(map[int64]DIE, len(data.DIEs))
	for _, d := range data.DIEs {
		byOffset[d.Offset] = d
	}

	depthOf := func(d DIE) int {
		depth := 0
		cur := d
		for {
			parent, ok := byOffset[cur.ParentOffset]
			if !ok {
				return depth
			}
			if parent.Tag == "DW_TAG_inlined_subroutine" {
				depth++
			}
			if parent.Tag == "DW_TAG_subprogram" {
				return depth
			}
			cur = parent
		}
	}

	var out []InlinedSubroutineDIE
	for _, d := range data.DIEs {
		if d.Tag != "DW_TAG_inlined_subroutine" {
			continue
		}
		lowAttr, ok := d.Attributes["DW_AT_low_pc"]
		if !ok {
			continue
		}
		highAttr, ok := d.Attributes["DW_AT_high_pc"]
		if !ok {
			continue
		}
		lowPC, err := attrToUint64(lowAttr)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.CodeInlineFailure, "DWARF JSON: malformed DW_AT_low_pc", err)
		}
		highStr, ok := highAttr.(string)
		if !ok {
			highStr = toString(highAttr)
		}
		highPC, err := DecodeHighPC(lowPC, highStr)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.CodeInlineFailure, "DWARF JSON: malformed DW_AT_high_pc", err)
		}
		name, _ := d.Attributes["DW_AT_name"].(string)
		out = append(out, InlinedSubroutineDIE{
			Name:   name,
			LowPC:  lowPC,
			HighPC: highPC,
			Depth:  depthOf(d),
		})
	}
	return out, nil
}

// InlinedSubroutineDIE is the resolved form of a DW_TAG_inlined_subroutine
// DIE, ready for internal/cfg.DIEInlinedSubroutine.
type InlinedSubroutineDIE struct {
	Name   string
	LowPC  uint64
	HighPC uint64
	Depth  int
}

func attrToUint64(v interface{}) (uint64, error) {
	switch t := v.(type) {
	case float64:
		return uint64(t), nil
	case string:
		return strconv.ParseUint(t, 10, 64)
	default:
		return 0, apperrors.New(apperrors.CodeMalformedInput, "DWARF JSON: attribute is neither number nor numeric string")
	}
}

func toString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return ""
	}
}

// frameOffsetLoc matches a single-operation DW_AT_location expression of
// the form "[DW_OP_breg28: -20];" -- AVR's frame-pointer (Y register)
// relative addressing, the same "breg28" register dwarf.py hardcodes for
// this target.
var frameOffsetLoc = regexp.MustCompile(`^DW_OP_breg28:\s*(-?\d+)$`)

// LocalVariableOffsets resolves a subprogram DIE's direct DW_TAG_variable
// children into a stack-frame offset -> byte-size table, for
// internal/cfg.GroupVariableAccesses's stackOffsets parameter. A variable
// is included only if it has a single-operation, frame-pointer-relative
// DW_AT_location and a DW_AT_type resolving to a DW_TAG_base_type DIE with
// a DW_AT_byte_size -- any other form (register variables, composite
// multi-piece locations, missing type info) is silently skipped, since
// this pass exists to enrich a best-effort diagnostic, not to block
// analysis on unsupported DWARF shapes.
func LocalVariableOffsets(data *DebugInfoData, subprogramOffset int64) cfg.StackOffsets {
	byOffset := make(map[int64]DIE, len(data.DIEs))
	byTypeOffset := make(map[int64]DIE, len(data.DIEs))
	for _, d := range data.DIEs {
		byOffset[d.Offset] = d
		if d.Tag == "DW_TAG_base_type" {
			byTypeOffset[d.Offset] = d
		}
	}

	out := make(cfg.StackOffsets)
	for _, d := range data.DIEs {
		if d.Tag != "DW_TAG_variable" || d.ParentOffset != subprogramOffset {
			continue
		}
		locAttr, ok := d.Attributes["DW_AT_location"]
		if !ok {
			continue
		}
		typeAttr, ok := d.Attributes["DW_AT_type"]
		if !ok {
			continue
		}

		locStr, ok := locAttr.(string)
		if !ok {
			continue
		}
		loc := strings.Trim(strings.TrimSpace(locStr), "[];")
		m := frameOffsetLoc.FindStringSubmatch(loc)
		if m == nil {
			continue
		}
		offset, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}

		typeOffset, err := attrToInt64(typeAttr)
		if err != nil {
			continue
		}
		typeDie, ok := byTypeOffset[typeOffset]
		if !ok {
			continue
		}
		bsAttr, ok := typeDie.Attributes["DW_AT_byte_size"]
		if !ok {
			continue
		}
		byteSize, err := attrToUint64(bsAttr)
		if err != nil || byteSize == 0 {
			continue
		}

		out[offset] = int(byteSize)
	}
	return out
}

func attrToInt64(v interface{}) (int64, error) {
	u, err := attrToUint64(v)
	return int64(u), err
}

// FindSubprogramOffset returns the offset of the DW_TAG_subprogram DIE
// named name, for passing into LocalVariableOffsets.
func FindSubprogramOffset(data *DebugInfoData, name string) (int64, bool) {
	for _, d := range data.DIEs {
		if d.Tag != "DW_TAG_subprogram" {
			continue
		}
		if n, _ := d.Attributes["DW_AT_name"].(string); n == name {
			return d.Offset, true
		}
	}
	return 0, false
}
