// Package cmd provides the CLI commands for CodeRAG.
package cmd

import (
	"github.com/spf13/cobra"

	"github.com/coderag/coderag/internal/logging"
	"github.com/coderag/coderag/pkg/version"
)

// Debug logging flag, set via the persistent --debug flag and consumed by
// PersistentPreRunE/PersistentPostRunE below.
var (
	debugMode      bool
	loggingCleanup func()
)

// NewRootCmd creates the root command for the coderag CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "coderag",
		Short: "Local embedded hybrid code search",
		Long: `CodeRAG indexes a codebase with AST-aware chunking and searches it with
hybrid BM25 + semantic (vector) retrieval.

It runs entirely locally: no network calls are required for indexing or
search, and all index data lives under ~/.coderag/projects/<hash>/.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	cmd.SetVersionTemplate("coderag version {{.Version}}\n")

	cmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug logging to ~/.coderag/logs/")

	cmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if !debugMode {
			return nil
		}
		_, cleanup, err := logging.Setup(logging.DebugConfig())
		if err != nil {
			return err
		}
		loggingCleanup = cleanup
		return nil
	}
	cmd.PersistentPostRunE = func(cmd *cobra.Command, args []string) error {
		if loggingCleanup != nil {
			loggingCleanup()
		}
		return nil
	}

	cmd.AddCommand(newIndexCmd())
	cmd.AddCommand(newSearchCmd())
	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newConfigCmd())

	return cmd
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}
