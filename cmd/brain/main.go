// Command brain is the thin CLI wrapper over the external brain core. Per
// spec.md §1 CLI wrappers are an external collaborator, not part of the
// CORE: every subcommand under cmd/ does nothing but parse flags and call
// into internal/app.
package main

import (
	"fmt"
	"os"

	"github.com/brainkeep/externalbrain/cmd/brain/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
