// Package analysis orchestrates one function's mapping pipeline end to
// end: CFG preparation, loop-forest/region/HFG construction on both sides,
// loop matching, the recursive Stage 0..3 mapping over the resulting
// hierarchy, and flattening the result into output records. It owns no
// state beyond a single function's inputs, matching the per-function
// Analysis object the pipeline's concurrency model assumes.
package analysis

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tum-rcs/insn2src-mapper/internal/cfg"
	"github.com/tum-rcs/insn2src-mapper/internal/edgematch"
	"github.com/tum-rcs/insn2src-mapper/internal/graph"
	"github.com/tum-rcs/insn2src-mapper/internal/ingest"
	"github.com/tum-rcs/insn2src-mapper/internal/loopmatch"
	"github.com/tum-rcs/insn2src-mapper/internal/looptree"
	"github.com/tum-rcs/insn2src-mapper/internal/mapping"
	"github.com/tum-rcs/insn2src-mapper/internal/output"
	"github.com/tum-rcs/insn2src-mapper/internal/region"
	apperrors "github.com/tum-rcs/insn2src-mapper/pkg/errors"
	"github.com/tum-rcs/insn2src-mapper/pkg/parallel"
	"github.com/tum-rcs/insn2src-mapper/pkg/utils"
)

// Options configures one function's analysis, derived from
// pkg/config.MapperConfig.
type Options struct {
	Mapper        string // "ctrldep" or "homomorphism"
	HomOrder      mapping.HomOrder
	Simplify      bool
	TrustDbgInfo  bool
	MaintainOrder bool
}

// FunctionInputs is everything one function's analysis needs, already
// decoded from the §6 file formats by internal/ingest.
type FunctionInputs struct {
	Name  string
	BinCF *cfg.ControlFlow
	SrcCF *cfg.ControlFlow

	DWARF         *ingest.DebugInfoData
	InlineDIEs    []cfg.DIEInlinedSubroutine
	InsnMnemonics map[uint64]string
	OpcodeTimes   map[string]int64
	Annotations   map[graph.NodeID]*mapping.LoopAnnotation

	// Instructions is the full disassembly of the binary side, used only
	// for the variable-access diagnostic; nil disables it.
	Instructions []ingest.InstructionRecord
}

// Result is one function's analysis outcome.
type Result struct {
	FunctionName string
	Records      []output.Record
	Skip         output.SkipAttribution
	Warnings     []string
	// PartiallyMapped is true if one or more loop subflows could not be
	// completed (missing annotation) and were left unmapped, while
	// the rest of the function was mapped successfully.
	PartiallyMapped bool
}

// Analysis owns the inputs and options for mapping one function.
type Analysis struct {
	in     FunctionInputs
	opts   Options
	logger utils.Logger
	timer  *utils.Timer
}

// New builds an Analysis for one function.
func New(in FunctionInputs, opts Options, logger utils.Logger) *Analysis {
	if logger == nil {
		logger = &utils.NullLogger{}
	}
	return &Analysis{
		in:     in,
		opts:   opts,
		logger: logger,
		timer:  utils.NewTimer(in.Name, utils.WithLogger(logger)),
	}
}

func columnOfSrcFunc(srcCF *cfg.ControlFlow) func(line, col int) (int, bool) {
	return func(line, col int) (int, bool) {
		for _, bb := range srcCF.Blocks() {
			if bb.Begin.Line == line && bb.Begin.Col == col {
				return bb.Discriminator, true
			}
		}
		return 0, false
	}
}

// Run executes the full per-function pipeline and returns its mapping
// output. A CodeNonTerminating or CodeEternalLoop condition is recorded as
// a warning and analysis continues; every other error returned by a
// sub-stage aborts the function, per the §7 taxonomy's fatal/recoverable
// split (pkg/errors.IsFatalForFunction).
func (a *Analysis) Run(ctx context.Context) (*Result, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "analyze-function",
		trace.WithAttributes(attribute.String("function", a.in.Name)))
	defer span.End()

	res := &Result{FunctionName: a.in.Name, Skip: output.SkipAttribution{}}
	warn := func(format string, args ...interface{}) {
		msg := fmt.Sprintf(format, args...)
		res.Warnings = append(res.Warnings, msg)
		a.logger.Warn("%s: %s", a.in.Name, msg)
	}

	binCF, srcCF := a.in.BinCF, a.in.SrcCF

	binCF.PruneUnreachable()
	if binCF.NonTerminating {
		warn("%s: binary exit block is unreachable; function treated as non-terminating", apperrors.CodeNonTerminating)
	}
	srcCF.PruneUnreachable()

	if a.opts.Simplify {
		binCF.Simplify()
		srcCF.Simplify()
	}
	binCF.ComputeDiscriminators()
	srcCF.ComputeDiscriminators()

	if len(a.in.InsnMnemonics) > 0 {
		if missing := binCF.AttributeBlockTimes(a.in.InsnMnemonics, a.in.OpcodeTimes); len(missing) > 0 {
			// Fatal for this function; the caller is expected to collect
			// the mnemonic list from the returned error across every
			// failed function and append it to missing-times-opcodes.csv.
			return nil, apperrors.New(apperrors.CodeMissingOpcodeTiming,
				fmt.Sprintf("no opcode timing for mnemonic(s): %s", strings.Join(missing, ", ")))
		}
	}

	if len(a.in.InlineDIEs) > 0 {
		if _, err := binCF.DetectInlinedSubroutines(a.in.InlineDIEs); err != nil {
			return nil, err
		}
		// TODO: split each inlined subroutine's containing block at the
		// instruction following its high_pc so the inlined range gets its
		// own block, mirroring disassembly.get_prev_insn_addres -- left
		// unimplemented upstream, so inlined ranges are detected here but
		// not yet split out.
	}

	a.logVariableAccesses(binCF)

	binForest, err := looptree.Analyze(binCF.Graph(), binCF.EntryID())
	if err != nil {
		return nil, err
	}
	srcForest, err := looptree.Analyze(srcCF.Graph(), srcCF.EntryID())
	if err != nil {
		return nil, err
	}

	for _, h := range binForest.SortedHeaders() {
		if len(binForest.Loop(h).ExitEdges) == 0 {
			warn("%s: loop at binary block %d has no exit edge", apperrors.CodeEternalLoop, h)
		}
	}

	var pairings []edgematch.DiscriminatorPairing
	err = withSpan(ctx, a.timer, "edge-match", func(context.Context) error {
		pairings = edgematch.MatchDiscriminators(binCF, srcCF,
			edgematch.TrustDebugInfo(a.opts.TrustDbgInfo), columnOfSrcFunc(srcCF))
		return nil
	})
	if err != nil {
		return nil, err
	}
	pairedLines := edgematch.PairedLines(binCF, srcCF, pairings)
	decisionEdges := edgematch.LabelDecisionEdges(binCF, srcCF, pairedLines)
	binIndex, srcIndex := buildLabelIndex(decisionEdges)

	binTFG := region.NewTFG(binCF)
	srcTFG := region.NewTFG(srcCF)
	binSurrogateOf, err := binTFG.ReduceAll(binForest)
	if err != nil {
		return nil, err
	}
	srcSurrogateOf, err := srcTFG.ReduceAll(srcForest)
	if err != nil {
		return nil, err
	}

	binLabel := levelLabelFunc(buildHeaderOf(binSurrogateOf), binIndex)
	srcLabel := levelLabelFunc(buildHeaderOf(srcSurrogateOf), srcIndex)

	topBinHFG := region.BuildHierarchy(a.in.Name, binTFG, binForest, binSurrogateOf)
	topSrcHFG := region.BuildHierarchy(a.in.Name, srcTFG, srcForest, srcSurrogateOf)

	binLines := binLoopLines(binForest, binCF, a.in.DWARF)

	var matchResult *loopmatch.Result
	err = withSpan(ctx, a.timer, "loop-match", func(context.Context) error {
		srcRange := srcLoopLineRange(srcForest, srcCF)
		outer := loopmatch.BuildSourceLoopTree(srcForest, srcRange)
		skipAnnotations := make(map[graph.NodeID]bool, len(a.in.Annotations))
		for h, ann := range a.in.Annotations {
			skipAnnotations[h] = ann.Skip
		}
		matchResult = loopmatch.Match(binForest, outer, binLines, skipAnnotations)
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, h := range matchResult.Unresolved {
		warn("%s: binary loop at block %d resolved to no source loop and has no skip annotation",
			apperrors.CodeUnmatchedLoop, h)
	}

	lc := &levelCtx{
		opts:        a.opts,
		binCF:       binCF,
		srcCF:       srcCF,
		binForest:   binForest,
		srcForest:   srcForest,
		dwarf:       a.in.DWARF,
		matchResult: matchResult,
		annotations: a.in.Annotations,
		binLines:    binLines,
		binLabel:    binLabel,
		srcLabel:    srcLabel,
		logger:      a.logger,
		warn:        warn,
		skip:        res.Skip,
		timer:       a.timer,
	}

	hgm, err := mapLevel(ctx, lc, topBinHFG, topSrcHFG)
	if err != nil {
		return nil, err
	}

	flat, err := flattenHGM(binCF.Graph(), srcCF.Graph(), hgm)
	if err != nil {
		return nil, err
	}
	res.PartiallyMapped = lc.partial
	res.Records = output.BuildRecords(srcCF, binCF, flat, res.Skip)
	a.logger.Debug("%s", a.timer.Summary())
	return res, nil
}

// logVariableAccesses runs the DWARF-driven whole-variable grouping pass
// as a best-effort Debug diagnostic: a partial-read is logged per block,
// a partial-write is logged as a warning, but neither aborts analysis --
// this pass never feeds into any mapping decision, so there is nothing to
// roll back even if a block's grouping turns out to be unreliable (e.g.
// because the subprogram's DIE could not be found).
func (a *Analysis) logVariableAccesses(binCF *cfg.ControlFlow) {
	if len(a.in.Instructions) == 0 || a.in.DWARF == nil {
		return
	}
	subOffset, ok := ingest.FindSubprogramOffset(a.in.DWARF, a.in.Name)
	if !ok {
		return
	}
	stackOffsets := ingest.LocalVariableOffsets(a.in.DWARF, subOffset)
	if len(stackOffsets) == 0 {
		return
	}

	for _, bb := range binCF.Blocks() {
		if len(bb.AddrRanges) == 0 {
			continue
		}
		var insns []cfg.InstructionRef
		for _, insn := range a.in.Instructions {
			addr := uint64(insn.Addr)
			for _, r := range bb.AddrRanges {
				if addr >= r.Lo && addr <= r.Hi {
					insns = append(insns, cfg.InstructionRef{Addr: addr, Mnemonic: insn.Mnem, Operands: insn.Op})
					break
				}
			}
		}
		warn := func(format string, args ...interface{}) {
			a.logger.Debug("%s: block %d: "+format, append([]interface{}{a.in.Name, bb.ID}, args...)...)
		}
		accesses, err := cfg.GroupVariableAccesses(insns, stackOffsets, warn)
		if err != nil {
			a.logger.Warn("%s: block %d: %v", a.in.Name, bb.ID, err)
		}
		if len(accesses) > 0 {
			a.logger.Debug("%s: block %d touches %d local variable(s)", a.in.Name, bb.ID, len(accesses))
		}
	}
}

// AnalyzeAll runs Run for every input concurrently, bounded by workers (0
// uses the worker pool's runtime-derived default).
func AnalyzeAll(ctx context.Context, inputs []FunctionInputs, opts Options, workers int, logger utils.Logger) []*Result {
	poolConfig := parallel.DefaultPoolConfig()
	if workers > 0 {
		poolConfig = poolConfig.WithWorkers(workers)
	}
	pool := parallel.NewWorkerPool[FunctionInputs, *Result](poolConfig)
	results := pool.ExecuteFunc(ctx, inputs, func(ctx context.Context, in FunctionInputs) (*Result, error) {
		return New(in, opts, logger).Run(ctx)
	})

	out := make([]*Result, len(results))
	for i, r := range results {
		if r.Error != nil {
			out[i] = &Result{FunctionName: inputs[i].Name, Warnings: []string{r.Error.Error()}}
			logger.Error("%s: analysis failed: %v", inputs[i].Name, r.Error)
			continue
		}
		out[i] = r.Result
	}
	return out
}
