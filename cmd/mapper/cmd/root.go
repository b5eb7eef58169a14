package cmd

import (
	"context"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/tum-rcs/insn2src-mapper/pkg/utils"
)

var (
	// Global flags
	verbose bool
	logger  utils.Logger

	// telemetryShutdown flushes the OpenTelemetry TracerProvider set up in
	// main. Commands that call os.Exit directly (map's exit-code-is-failure-
	// count convention) must invoke it themselves first, since os.Exit skips
	// deferred calls.
	telemetryShutdown func(context.Context) error = func(context.Context) error { return nil }
)

// SetTelemetryShutdown registers the shutdown function for the
// TracerProvider main initializes. ShutdownTelemetry calls it.
func SetTelemetryShutdown(fn func(context.Context) error) {
	telemetryShutdown = fn
}

// ShutdownTelemetry flushes pending spans. Call before any os.Exit that
// would otherwise skip main's deferred shutdown.
func ShutdownTelemetry(ctx context.Context) {
	_ = telemetryShutdown(ctx)
}

// rootCmd represents the base command.
var rootCmd = &cobra.Command{
	Use:   "insn2src-mapper",
	Short: "Maps compiled binary basic blocks to source basic blocks",
	Long: `insn2src-mapper reconstructs, for each function, a correspondence
between the binary control-flow graph produced by a disassembler and the
source control-flow graph produced by a compiler front end.

It builds dominator trees and loop forests on both graphs, reduces each to
a hierarchical flow graph, matches loops by DWARF line information, and
runs a recursive dominator-homomorphism (or control-dependence) search over
the resulting hierarchy to produce a basic-block-level mapping, annotated
with worst-case execution cycles per source block.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logLevel := utils.LevelInfo
		if verbose {
			logLevel = utils.LevelDebug
		}
		logger = utils.NewDefaultLogger(logLevel, os.Stdout)
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")

	binName := BinName()
	rootCmd.Example = `  # Map every function in a binary CFG against its source CFG
  ` + binName + ` map --bin-json bin.json --dwarf-json dwarf.json --src-csv src.csv \
      --optime-csv optime.csv --out mapping.csv

  # Use the homomorphism mapper with a predominated-first worklist order
  ` + binName + ` map --bin-json bin.json --src-csv src.csv --optime-csv optime.csv \
      --mapper homomorphism --hom-order predominated-first --out mapping.csv

  # Render a DOT graph of each mapped function alongside the CSV output
  ` + binName + ` map --bin-json bin.json --src-csv src.csv --optime-csv optime.csv \
      --render-graphs --out mapping.csv`
}

// GetLogger returns the configured logger.
func GetLogger() utils.Logger {
	if logger == nil {
		return utils.GetGlobalLogger()
	}
	return logger
}

// BinName returns the base name of the current executable.
func BinName() string {
	return filepath.Base(os.Args[0])
}
