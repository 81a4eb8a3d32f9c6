package main

// ============================================================================
// Parliament entry point: builds the CLI and handles top-level failures.
// All wiring lives in internal/cli.
// ============================================================================

import (
	"fmt"
	"os"

	"github.com/adeboyed/Parliament/internal/cli"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", r)
			os.Exit(1)
		}
	}()

	if err := cli.BuildCLI().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
