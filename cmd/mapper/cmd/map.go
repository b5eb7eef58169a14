package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tum-rcs/insn2src-mapper/internal/analysis"
	"github.com/tum-rcs/insn2src-mapper/internal/cfg"
	"github.com/tum-rcs/insn2src-mapper/internal/graph"
	"github.com/tum-rcs/insn2src-mapper/internal/ingest"
	"github.com/tum-rcs/insn2src-mapper/internal/looptree"
	"github.com/tum-rcs/insn2src-mapper/internal/mapping"
	"github.com/tum-rcs/insn2src-mapper/internal/output"
	"github.com/tum-rcs/insn2src-mapper/internal/render"
	"github.com/tum-rcs/insn2src-mapper/internal/storage"
	"github.com/tum-rcs/insn2src-mapper/pkg/config"
	apperrors "github.com/tum-rcs/insn2src-mapper/pkg/errors"
	"github.com/tum-rcs/insn2src-mapper/pkg/writer"
)

var mapOpts struct {
	binJSON      string
	dwarfJSON    string
	srcCSV       string
	optimeCSV    string
	annotFile    string
	out          string
	missingOut   string
	summaryJSON  string
	tempDir      string
	renderGraphs bool
	homOrder     string
	mapperName   string
	noSimplify   bool
	trustDbgInfo bool
	configPath   string
	workers      int
}

var mapCmd = &cobra.Command{
	Use:   "map",
	Short: "Map every function's binary basic blocks to its source basic blocks",
	Long: `map reads a binary control-flow graph, optional DWARF debug info, a
source control-flow graph and an opcode timing table, matches functions by
name across the two graphs, runs the full mapping pipeline on each, and
writes the combined mapping CSV.

The process exit code equals the number of functions that failed outright
or were only partially mapped, so a build step can treat a nonzero exit as
"mapping incomplete" without parsing output.`,
	RunE: runMap,
}

func init() {
	f := mapCmd.Flags()
	f.StringVar(&mapOpts.binJSON, "bin-json", "", "path to the binary CFG JSON stream (required)")
	f.StringVar(&mapOpts.dwarfJSON, "dwarf-json", "", "path to the DWARF debug info JSON")
	f.StringVar(&mapOpts.srcCSV, "src-csv", "", "path to the source CFG CSV (required)")
	f.StringVar(&mapOpts.optimeCSV, "optime-csv", "", "path to the opcode timing CSV (required)")
	f.StringVar(&mapOpts.annotFile, "annot-file", "", "path to the loop annotation JSON")
	f.StringVar(&mapOpts.out, "out", "mapping.csv", "path to write the combined mapping CSV")
	f.StringVar(&mapOpts.missingOut, "missing-out", "missing-times-opcodes.csv", "path to write mnemonics with no opcode timing entry")
	f.StringVar(&mapOpts.summaryJSON, "summary-json", "", "path to write a per-function JSON run summary")
	f.StringVar(&mapOpts.tempDir, "temp-dir", "", "directory for rendered graphs and other scratch files")
	f.BoolVar(&mapOpts.renderGraphs, "render-graphs", false, "write a DOT graph for each mapped function")
	f.StringVar(&mapOpts.homOrder, "hom-order", "", "homomorphism worklist order: predominator, postdominator, predominated-first, postdominated-first")
	f.StringVar(&mapOpts.mapperName, "mapper", "", "Stage 0 mapper: ctrldep or homomorphism")
	f.BoolVar(&mapOpts.noSimplify, "no-simplify", false, "disable the chain-contraction simplification pass")
	f.BoolVar(&mapOpts.trustDbgInfo, "trust-dbg-info", false, "resolve matches by column as well as line")
	f.StringVar(&mapOpts.configPath, "config", "", "path to a mapper config file (YAML)")
	f.IntVar(&mapOpts.workers, "workers", 0, "number of functions analyzed concurrently (0 = config/CPU default)")

	_ = mapCmd.MarkFlagRequired("bin-json")
	_ = mapCmd.MarkFlagRequired("src-csv")
	_ = mapCmd.MarkFlagRequired("optime-csv")

	rootCmd.AddCommand(mapCmd)
}

var homOrderByName = map[string]mapping.HomOrder{
	"predominator":        mapping.PreDominatorFirst,
	"postdominator":       mapping.PostDominatorFirst,
	"predominated-first":  mapping.PreDominatedFirst,
	"postdominated-first": mapping.PostDominatedFirst,
}

func runMap(cmd *cobra.Command, args []string) error {
	log := GetLogger()
	cfgFile, err := config.Load(mapOpts.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyFlagOverrides(cfgFile)

	homOrder, ok := homOrderByName[cfgFile.Mapper.HomOrder]
	if !ok {
		return fmt.Errorf("unsupported hom-order: %s", cfgFile.Mapper.HomOrder)
	}

	binFuncs, insnMnemonics, err := loadBinary(mapOpts.binJSON)
	if err != nil {
		return err
	}
	srcFuncs, srcFiles, err := loadSource(mapOpts.srcCSV)
	if err != nil {
		return err
	}
	dwarfData, inlineDIEs, err := loadDWARF(mapOpts.dwarfJSON)
	if err != nil {
		return err
	}
	opcodeTimes, err := loadOpcodeTimes(mapOpts.optimeCSV)
	if err != nil {
		return err
	}
	annotations, err := loadAnnotations(mapOpts.annotFile)
	if err != nil {
		return err
	}

	inputs, unmatched := buildFunctionInputs(binFuncs, srcFuncs, insnMnemonics, opcodeTimes, dwarfData, inlineDIEs, annotations)
	for _, name := range unmatched {
		log.Warn("no source function named %q; skipping", name)
	}

	opts := analysis.Options{
		Mapper:        cfgFile.Mapper.DefaultMapper,
		HomOrder:      homOrder,
		Simplify:      cfgFile.Mapper.Simplify,
		TrustDbgInfo:  cfgFile.Mapper.TrustDbgInfo,
		MaintainOrder: cfgFile.Mapper.MaintainOrder,
	}

	results := analysis.AnalyzeAll(cmd.Context(), inputs, opts, cfgFile.Mapper.Workers, log)

	store, storeErr := storage.NewStorage(&cfgFile.Storage)
	if storeErr != nil {
		log.Warn("graph storage unavailable, rendered graphs stay local: %v", storeErr)
		store = nil
	}

	failed, missingMnemonics, summary, err := writeResults(cmd.Context(), cfgFile, inputs, results, srcFiles, store, log)
	if err != nil {
		return err
	}
	summary.Unmatched = unmatched
	if err := writeMissingOpcodes(mapOpts.missingOut, missingMnemonics); err != nil {
		return err
	}
	if mapOpts.summaryJSON != "" {
		if err := writer.NewPrettyJSONWriter[RunSummary]().WriteToFile(summary, mapOpts.summaryJSON); err != nil {
			return fmt.Errorf("write %s: %w", mapOpts.summaryJSON, err)
		}
	}

	if failed > 0 {
		log.Warn("%d function(s) failed or were only partially mapped", failed)
	}
	ShutdownTelemetry(cmd.Context())
	os.Exit(failed)
	return nil
}

// applyFlagOverrides lets explicit flags win over the config file, matching
// the reference tool's flag-over-config precedence.
func applyFlagOverrides(c *config.Config) {
	if mapOpts.mapperName != "" {
		c.Mapper.DefaultMapper = mapOpts.mapperName
	}
	if mapOpts.homOrder != "" {
		c.Mapper.HomOrder = mapOpts.homOrder
	}
	if mapOpts.noSimplify {
		c.Mapper.Simplify = false
	}
	if mapOpts.trustDbgInfo {
		c.Mapper.TrustDbgInfo = true
	}
	if mapOpts.workers > 0 {
		c.Mapper.Workers = mapOpts.workers
	}
	if mapOpts.tempDir != "" {
		c.Paths.TempDir = mapOpts.tempDir
	}
	if mapOpts.renderGraphs {
		c.Paths.RenderGraphs = true
	}
	if mapOpts.annotFile != "" {
		c.Paths.AnnotFile = mapOpts.annotFile
	}
}

func loadBinary(path string) (map[string]*cfg.ControlFlow, map[uint64]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open bin-json: %w", err)
	}
	defer f.Close()

	file, err := ingest.ParseBinaryCFGJSON(f)
	if err != nil {
		return nil, nil, fmt.Errorf("parse bin-json: %w", err)
	}

	funcs := make(map[string]*cfg.ControlFlow, len(file.Flows))
	for i := range file.Flows {
		cfPtr, err := file.Flows[i].ToControlFlow()
		if err != nil {
			return nil, nil, fmt.Errorf("bin-json function %q: %w", file.Flows[i].Name, err)
		}
		funcs[file.Flows[i].Name] = cfPtr
	}
	return funcs, file.InstructionMnemonics(), nil
}

func loadSource(path string) (map[string]*cfg.ControlFlow, map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open src-csv: %w", err)
	}
	defer f.Close()

	functions, err := ingest.ParseSourceCSV(f)
	if err != nil {
		return nil, nil, fmt.Errorf("parse src-csv: %w", err)
	}

	funcs := make(map[string]*cfg.ControlFlow, len(functions))
	files := make(map[string]string, len(functions))
	for i := range functions {
		funcs[functions[i].Subprogram] = functions[i].ToControlFlow()
		files[functions[i].Subprogram] = functions[i].File
	}
	return funcs, files, nil
}

func loadDWARF(path string) (*ingest.DebugInfoData, []cfg.DIEInlinedSubroutine, error) {
	if path == "" {
		return nil, nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open dwarf-json: %w", err)
	}
	defer f.Close()

	data, err := ingest.ParseDWARFJSON(f)
	if err != nil {
		return nil, nil, fmt.Errorf("parse dwarf-json: %w", err)
	}

	dies, err := ingest.InlinedSubroutineDIEs(data)
	if err != nil {
		return nil, nil, fmt.Errorf("dwarf-json inlined subroutines: %w", err)
	}
	out := make([]cfg.DIEInlinedSubroutine, len(dies))
	for i, d := range dies {
		out[i] = cfg.DIEInlinedSubroutine{Name: d.Name, LowPC: d.LowPC, HighPC: d.HighPC, Depth: d.Depth}
	}
	return data, out, nil
}

func loadOpcodeTimes(path string) (map[string]int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open optime-csv: %w", err)
	}
	defer f.Close()

	timing, err := ingest.ParseOpcodeTimingCSV(f)
	if err != nil {
		return nil, fmt.Errorf("parse optime-csv: %w", err)
	}
	// Worst-case execution time analysis attributes the max cycle count.
	return timing.MaxCycles, nil
}

func loadAnnotations(path string) (map[graph.NodeID]*mapping.LoopAnnotation, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open annot-file: %w", err)
	}
	defer f.Close()

	anns, err := ingest.ParseLoopAnnotations(f)
	if err != nil {
		return nil, fmt.Errorf("parse annot-file: %w", err)
	}
	return anns, nil
}

// buildFunctionInputs pairs every binary function with its same-named
// source function. Binary functions with no source counterpart are
// reported by name and dropped, since the pipeline has nothing to map them
// against.
func buildFunctionInputs(
	binFuncs, srcFuncs map[string]*cfg.ControlFlow,
	insnMnemonics map[uint64]string,
	opcodeTimes map[string]int64,
	dwarfData *ingest.DebugInfoData,
	inlineDIEs []cfg.DIEInlinedSubroutine,
	annotations map[graph.NodeID]*mapping.LoopAnnotation,
) ([]analysis.FunctionInputs, []string) {
	var inputs []analysis.FunctionInputs
	var unmatched []string

	for name, binCF := range binFuncs {
		srcCF, ok := srcFuncs[name]
		if !ok {
			unmatched = append(unmatched, name)
			continue
		}
		inputs = append(inputs, analysis.FunctionInputs{
			Name:          name,
			BinCF:         binCF,
			SrcCF:         srcCF,
			DWARF:         dwarfData,
			InlineDIEs:    inlineDIEs,
			InsnMnemonics: insnMnemonics,
			OpcodeTimes:   opcodeTimes,
			Annotations:   annotations,
		})
	}
	return inputs, unmatched
}

// FunctionSummary reports one function's outcome for the --summary-json
// report.
type FunctionSummary struct {
	FunctionName    string   `json:"function"`
	RecordCount     int      `json:"records"`
	Warnings        []string `json:"warnings,omitempty"`
	PartiallyMapped bool     `json:"partially_mapped"`
	Failed          bool     `json:"failed"`
}

// RunSummary is the top-level document written to --summary-json, a quick
// machine-readable overview of a map run without re-parsing the CSV.
type RunSummary struct {
	Functions []FunctionSummary `json:"functions"`
	Failed    int               `json:"failed_count"`
	Unmatched []string          `json:"unmatched,omitempty"`
}

// writeResults writes the combined mapping CSV, optionally rendering a DOT
// graph per function, and returns the number of failed/partially mapped
// functions, the set of mnemonics that had no opcode timing entry, and a
// per-function summary suitable for --summary-json.
func writeResults(
	ctx context.Context,
	cfgFile *config.Config,
	inputs []analysis.FunctionInputs,
	results []*analysis.Result,
	srcFiles map[string]string,
	store storage.Storage,
	log interface {
		Warn(string, ...interface{})
		Error(string, ...interface{})
	},
) (int, map[string]bool, RunSummary, error) {
	out, err := os.Create(mapOpts.out)
	if err != nil {
		return 0, nil, RunSummary{}, fmt.Errorf("create %s: %w", mapOpts.out, err)
	}
	defer out.Close()

	failed := 0
	missingMnemonics := make(map[string]bool)
	summary := RunSummary{Functions: make([]FunctionSummary, 0, len(results))}
	renderOpts := render.Options{TempDir: cfgFile.Paths.TempDir, KeepFiles: cfgFile.Paths.KeepFiles}

	for i, res := range results {
		in := inputs[i]
		fnSummary := FunctionSummary{
			FunctionName:    res.FunctionName,
			RecordCount:     len(res.Records),
			Warnings:        res.Warnings,
			PartiallyMapped: res.PartiallyMapped,
		}
		if len(res.Records) == 0 {
			failed++
			fnSummary.Failed = true
			summary.Functions = append(summary.Functions, fnSummary)
			for _, w := range res.Warnings {
				log.Warn("%s: %s", res.FunctionName, w)
				for _, mn := range mnemonicsFromMissingTimingWarning(w) {
					missingMnemonics[mn] = true
				}
			}
			continue
		}
		if res.PartiallyMapped {
			failed++
		}
		summary.Functions = append(summary.Functions, fnSummary)
		for _, w := range res.Warnings {
			log.Warn("%s: %s", res.FunctionName, w)
		}

		if err := output.WriteFunction(out, srcFiles[res.FunctionName], res.FunctionName, res.Records); err != nil {
			return failed, missingMnemonics, summary, fmt.Errorf("write mapping for %s: %w", res.FunctionName, err)
		}
		if _, err := out.WriteString("\n"); err != nil {
			return failed, missingMnemonics, summary, err
		}

		if cfgFile.Paths.RenderGraphs {
			if err := renderFunction(ctx, renderOpts, store, in, res); err != nil {
				log.Warn("%s: render graph: %v", res.FunctionName, err)
			}
		}
	}
	summary.Failed = failed
	return failed, missingMnemonics, summary, nil
}

func renderFunction(ctx context.Context, opts render.Options, store storage.Storage, in analysis.FunctionInputs, res *analysis.Result) error {
	binForest, err := looptree.Analyze(in.BinCF.Graph(), in.BinCF.EntryID())
	if err != nil {
		return err
	}
	srcForest, err := looptree.Analyze(in.SrcCF.Graph(), in.SrcCF.EntryID())
	if err != nil {
		return err
	}

	gm := mapping.NewGraphMap(in.BinCF.Graph(), in.SrcCF.Graph())
	for _, rec := range res.Records {
		for _, binBB := range rec.BinBBs {
			gm.Set(binBB, rec.SrcBB)
		}
	}

	binHeaders := headerSet(binForest.SortedHeaders())
	srcHeaders := headerSet(srcForest.SortedHeaders())
	dot := render.FunctionDOT(res.FunctionName, in.BinCF, in.SrcCF, gm, binHeaders, srcHeaders)
	_, err = render.WriteFunctionGraph(ctx, opts, store, res.FunctionName, dot)
	return err
}

func headerSet(headers []graph.NodeID) map[graph.NodeID]bool {
	out := make(map[graph.NodeID]bool, len(headers))
	for _, h := range headers {
		out[h] = true
	}
	return out
}

// mnemonicsFromMissingTimingWarning extracts the mnemonic list from a
// CodeMissingOpcodeTiming error's message ("no opcode timing for
// mnemonic(s): nop, add"), or nil if w isn't that error.
func mnemonicsFromMissingTimingWarning(w string) []string {
	if !strings.Contains(w, apperrors.CodeMissingOpcodeTiming) {
		return nil
	}
	const marker = "mnemonic(s): "
	idx := strings.Index(w, marker)
	if idx < 0 {
		return nil
	}
	rest := strings.TrimSpace(w[idx+len(marker):])
	parts := strings.Split(rest, ", ")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func writeMissingOpcodes(path string, mnemonics map[string]bool) error {
	if len(mnemonics) == 0 {
		return nil
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	names := make([]string, 0, len(mnemonics))
	for m := range mnemonics {
		names = append(names, m)
	}
	for _, m := range names {
		if _, err := fmt.Fprintln(f, m); err != nil {
			return err
		}
	}
	return nil
}
