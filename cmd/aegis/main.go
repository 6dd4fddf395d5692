// Package main provides the CLI entry point for the Aegis agent
// runtime.
//
// Aegis runs declaratively configured AI agents under resource and
// policy constraints, with cryptographically verified tool invocation
// and a tamper-evident audit trail.
//
// # Basic Usage
//
// Start the runtime:
//
//	aegis run --config aegis.yaml
//
// Verify a persisted audit chain:
//
//	aegis audit verify --chain audit.jsonl --key verifying_key.hex
//
// # Environment Variables
//
//   - AEGIS_CONFIG: Path to configuration file (default: aegis.yaml)
//   - ANTHROPIC_API_KEY: Anthropic API key for the default provider
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:           "aegis",
		Short:         "Policy-governed AI agent runtime",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newRunCommand())
	root.AddCommand(newAuditCommand())
	root.AddCommand(newVersionCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("aegis", version)
		},
	}
}
