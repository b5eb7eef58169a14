package ingest

import (
	"encoding/json"
	"io"
	"strconv"
	"strings"

	"github.com/tum-rcs/insn2src-mapper/internal/graph"
	"github.com/tum-rcs/insn2src-mapper/internal/mapping"
	apperrors "github.com/tum-rcs/insn2src-mapper/pkg/errors"
)

// loopAnnotationsFile is the raw `{"loops": {...}}` document shape.
type loopAnnotationsFile struct {
	Loops map[string]rawLoopAnnotation `json:"loops"`
}

type rawLoopAnnotation struct {
	Skip    string `json:"skip"`
	Repeats int    `json:"repeats"`
	Time    *int64 `json:"time"`
	Line    *int   `json:"line"`
	Addr    string `json:"addr"`
}

// ParseLoopAnnotations decodes the loop annotation JSON document (§6),
// keyed by the binary loop header's node id.
func ParseLoopAnnotations(r io.Reader) (map[graph.NodeID]*mapping.LoopAnnotation, error) {
	var file loopAnnotationsFile
	if err := json.NewDecoder(r).Decode(&file); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeMalformedInput, "loop annotation JSON: invalid document", err)
	}

	out := make(map[graph.NodeID]*mapping.LoopAnnotation, len(file.Loops))
	for key, raw := range file.Loops {
		id, err := strconv.Atoi(key)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.CodeMalformedInput, "loop annotation JSON: non-integer loop header key "+key, err)
		}
		ann := &mapping.LoopAnnotation{
			Skip:    strings.EqualFold(raw.Skip, "true"),
			Repeats: raw.Repeats,
		}
		if raw.Time != nil {
			ann.HasTime = true
			ann.Time = *raw.Time
		}
		if raw.Line != nil {
			ann.HasLine = true
			ann.Line = *raw.Line
		}
		if raw.Addr != "" {
			addr, err := strconv.ParseUint(strings.TrimPrefix(raw.Addr, "0x"), 16, 64)
			if err != nil {
				return nil, apperrors.Wrap(apperrors.CodeMalformedInput, "loop annotation JSON: invalid addr "+raw.Addr, err)
			}
			ann.HasAddr = true
			ann.Addr = addr
		}
		out[graph.NodeID(id)] = ann
	}
	return out, nil
}

// CheckAnnotation sanity-checks a loop annotation's optional line/addr
// hints against the binary loop header's actual DWARF line range and
// address ranges, per the reference implementation's
// annot_check_line/annot_check_addr.
func CheckAnnotation(ann *mapping.LoopAnnotation, lineMin, lineMax int, addrRanges [][2]uint64) error {
	if ann.HasLine {
		if ann.Line < lineMin || ann.Line > lineMax {
			return apperrors.New(apperrors.CodeMalformedInput, "loop annotation: line annotation does not match binary loop's line range")
		}
	}
	if ann.HasAddr {
		matched := false
		for _, r := range addrRanges {
			if ann.Addr >= r[0] && ann.Addr <= r[1] {
				matched = true
				break
			}
		}
		if !matched {
			return apperrors.New(apperrors.CodeMalformedInput, "loop annotation: addr annotation does not match binary loop's address ranges")
		}
	}
	return nil
}
