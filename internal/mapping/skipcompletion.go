package mapping

import (
	"github.com/tum-rcs/insn2src-mapper/internal/graph"
	apperrors "github.com/tum-rcs/insn2src-mapper/pkg/errors"
)

// LoopAnnotation is a user-supplied disposition for a binary loop header
// that could not be matched to a source loop, keyed by that header's id in
// the binary HFG it appears in.
type LoopAnnotation struct {
	Skip    bool
	Repeats int
	// HasTime/Time hold the authoritative cycle count when the annotation
	// supplies one directly, taking priority over repeats*body-time.
	HasTime bool
	Time    int64
	// HasLine/Line and HasAddr/Addr are sanity-check hints: when present
	// they are cross-checked against DWARF line/address ranges by the
	// caller before Complete is invoked, not by this function.
	HasLine bool
	Line    int
	HasAddr bool
	Addr    uint64
}

// Complete implements Stage 3 for one skipped subflow: surrogateInParent is
// the id the skipped loop's HGM is attached under in the parent's GraphMap
// (already mapped by an earlier stage); every node in unmappedInSubflow
// receives that same source image with exec count [0, annotation.Repeats].
// A missing annotation is fatal, matching "missing annotation is fatal".
func Complete(parentGM *GraphMap, surrogateInParent graph.NodeID, skipGM *GraphMap, unmappedInSubflow []graph.NodeID, annotation *LoopAnnotation) error {
	if annotation == nil {
		return apperrors.New(apperrors.CodeSkipNoAnnotation,
			"mapping: skipped loop has no user annotation")
	}
	srcNode, ok := parentGM.Get(surrogateInParent)
	if !ok {
		return apperrors.New(apperrors.CodeAssertionFailure,
			"mapping: skip completion requires the surrogate id to already be mapped in the parent")
	}

	count := ExecCountRange{Lo: 0, Hi: annotation.Repeats}
	for _, n := range unmappedInSubflow {
		skipGM.SetWithExecCount(n, srcNode, count)
	}
	return nil
}
