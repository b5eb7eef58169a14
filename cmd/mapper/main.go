// Command mapper maps a compiled binary's basic blocks to the source basic
// blocks they were generated from, for worst-case execution time analysis.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/tum-rcs/insn2src-mapper/cmd/mapper/cmd"
	"github.com/tum-rcs/insn2src-mapper/pkg/telemetry"
)

func main() {
	ctx := context.Background()

	// A no-op provider stays in place unless OTEL_ENABLED=true, so spans
	// created by internal/analysis cost nothing when tracing isn't wanted.
	shutdown, err := telemetry.Init(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "telemetry: %v\n", err)
	}
	cmd.SetTelemetryShutdown(shutdown)
	defer shutdown(ctx)

	cmd.Execute()
}
