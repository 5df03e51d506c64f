// Package cmd provides the thin CLI surface over the external brain core.
// spec.md §1 treats CLI wrappers as external collaborators: every
// subcommand here does nothing but parse flags, call into internal/app,
// and print the result — all retrieval, ranking, and lifecycle logic
// lives in the CORE packages.
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/brainkeep/externalbrain/internal/app"
	"github.com/brainkeep/externalbrain/internal/config"
	"github.com/brainkeep/externalbrain/internal/logging"
	"github.com/brainkeep/externalbrain/pkg/version"
)

var dataDir string

// NewRootCmd builds the brain CLI's root command.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "brain",
		Short:   "Hybrid-retrieval external memory for developer conversations",
		Version: version.Version,
	}
	root.SetVersionTemplate("brain version {{.Version}}\n")
	root.PersistentFlags().StringVar(&dataDir, "data-dir", "", "override the configured data directory")

	root.AddCommand(newIngestCmd())
	root.AddCommand(newSearchCmd())
	root.AddCommand(newProjectCmd())
	root.AddCommand(newSessionCmd())
	root.AddCommand(newReferenceCmd())
	root.AddCommand(newConsolidateCmd())
	root.AddCommand(newReplayCmd())
	root.AddCommand(newTrainCmd())
	root.AddCommand(newVersionCmd())
	return root
}

// Execute runs the root command and flushes the log file on exit.
func Execute() error {
	err := NewRootCmd().Execute()
	if loggingCleanup != nil {
		loggingCleanup()
		loggingCleanup = nil
	}
	return err
}

var loggingCleanup func()

// openApp loads configuration and wires the core for one CLI invocation.
func openApp(ctx context.Context) (*app.App, error) {
	cfg, err := config.Load(".")
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if dataDir != "" {
		cfg.Paths.DataDir = dataDir
	}
	logger, cleanup, err := logging.Setup(logging.DefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("setting up logging: %w", err)
	}
	loggingCleanup = cleanup
	return app.Open(ctx, cfg, logger)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(version.String())
			return nil
		},
	}
}
