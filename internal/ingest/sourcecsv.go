package ingest

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/tum-rcs/insn2src-mapper/internal/cfg"
	"github.com/tum-rcs/insn2src-mapper/internal/graph"
	apperrors "github.com/tum-rcs/insn2src-mapper/pkg/errors"
)

// SourceFunction is one blank-line-separated record block of the source
// CFG CSV: a function's basic blocks in source form.
type SourceFunction struct {
	File       string
	Subprogram string
	Blocks     []SourceBlockRow
}

// SourceBlockRow is one data row of a source CFG CSV block, keyed by the
// header's declared column order.
type SourceBlockRow struct {
	Index         int
	BlockType     string // entry, exit, node, virtual node
	Label         string
	File          string
	Subprogram    string
	LineBegin     int
	ColBegin      int
	LineEnd       int
	ColEnd        int
	Successors    []int
	Callees       []string
	ExecCount     *int
	ExecTimePer   *int
	FunctionCallT string
	Code          string
	VarWrite      []string
	VarRead       []string
}

// ParseSourceCSV reads the blank-line-separated source CFG CSV described in
// §6: each block begins with a `#col1;col2;...` header line naming that
// block's column order (VarWrite/VarRead are optional trailing columns),
// followed by one semicolon-delimited data row per basic block.
func ParseSourceCSV(r io.Reader) ([]SourceFunction, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var functions []SourceFunction
	var cols []string
	var cur *SourceFunction

	flush := func() {
		if cur != nil && len(cur.Blocks) > 0 {
			functions = append(functions, *cur)
		}
		cur = nil
		cols = nil
	}

	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			flush()
			continue
		}
		if strings.HasPrefix(trimmed, "#") {
			flush()
			cols = strings.Split(strings.TrimPrefix(trimmed, "#"), ";")
			cur = &SourceFunction{}
			continue
		}
		if cols == nil {
			return nil, apperrors.New(apperrors.CodeMalformedInput, "source CFG CSV: data row before header")
		}
		row, err := parseSourceRow(cols, line)
		if err != nil {
			return nil, err
		}
		if cur.File == "" {
			cur.File = row.File
			cur.Subprogram = row.Subprogram
		}
		cur.Blocks = append(cur.Blocks, row)
	}
	flush()
	return functions, nil
}

func parseSourceRow(cols []string, line string) (SourceBlockRow, error) {
	fields := strings.Split(line, ";")
	if len(fields) < len(cols) {
		return SourceBlockRow{}, apperrors.New(apperrors.CodeMalformedInput,
			fmt.Sprintf("source CFG CSV: row has %d fields, header declares %d", len(fields), len(cols)))
	}
	get := func(name string) (string, bool) {
		for i, c := range cols {
			if strings.TrimSpace(c) == name {
				return strings.TrimSpace(fields[i]), true
			}
		}
		return "", false
	}
	mustInt := func(name string) (int, error) {
		v, ok := get(name)
		if !ok || v == "" {
			return 0, apperrors.New(apperrors.CodeMalformedInput, "source CFG CSV: missing column "+name)
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, apperrors.Wrap(apperrors.CodeMalformedInput, "source CFG CSV: invalid int column "+name, err)
		}
		return n, nil
	}
	splitList := func(name string) []string {
		v, _ := get(name)
		if v == "" {
			return nil
		}
		return strings.Split(v, ",")
	}
	optInt := func(name string) *int {
		v, ok := get(name)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil
		}
		return &n
	}

	var row SourceBlockRow
	var err error
	if row.Index, err = mustInt("BB.index"); err != nil {
		return row, err
	}
	row.BlockType, _ = get("BB.type")
	row.Label, _ = get("BB.label")
	row.File, _ = get("File")
	row.Subprogram, _ = get("Subprogram")
	if row.LineBegin, err = mustInt("Line.Begin"); err != nil {
		return row, err
	}
	if row.ColBegin, err = mustInt("Col.Begin"); err != nil {
		return row, err
	}
	if row.LineEnd, err = mustInt("Line.End"); err != nil {
		return row, err
	}
	if row.ColEnd, err = mustInt("Col.End"); err != nil {
		return row, err
	}
	for _, s := range splitList("Successors") {
		n, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil {
			return row, apperrors.Wrap(apperrors.CodeMalformedInput, "source CFG CSV: invalid successor id", err)
		}
		row.Successors = append(row.Successors, n)
	}
	row.Callees = splitList("function.call.callees")
	row.ExecCount = optInt("Exec.Count")
	row.ExecTimePer = optInt("Exec.Time.Per")
	row.FunctionCallT, _ = get("function.call.type")
	row.Code, _ = get("Code")
	row.VarWrite = splitList("VarWrite")
	row.VarRead = splitList("VarRead")
	return row, nil
}

func sourceBlockKind(t string) cfg.Kind {
	switch t {
	case "entry":
		return cfg.Entry
	case "exit":
		return cfg.Exit
	default:
		return cfg.Normal
	}
}

// ToControlFlow converts a parsed source function into a cfg.ControlFlow,
// using virtual node rows to mark BasicBlock.Virtual.
func (f *SourceFunction) ToControlFlow() *cfg.ControlFlow {
	cf := cfg.New(f.Subprogram)
	for _, row := range f.Blocks {
		bb := &cfg.BasicBlock{
			ID:      graph.NodeID(row.Index),
			Kind:    sourceBlockKind(row.BlockType),
			Begin:   cfg.SourcePos{Line: row.LineBegin, Col: row.ColBegin},
			End:     cfg.SourcePos{Line: row.LineEnd, Col: row.ColEnd},
			Virtual: row.BlockType == "virtual node",
			Calls:   row.Callees,
		}
		cf.AddBlock(bb)
	}
	for _, row := range f.Blocks {
		for _, s := range row.Successors {
			cf.AddEdge(graph.NodeID(row.Index), graph.NodeID(s))
		}
	}
	return cf
}
