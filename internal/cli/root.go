// Package cli wires the quantgate commands: the gateway server, the
// offline validation tools, audit log inspection, and the in-sandbox
// runner.
package cli

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "quantgate",
	Short: "Unified security gateway for AI trading research",
	Long:  "Validates untrusted strategy code against a capability policy and executes\napproved content in pooled, resource-limited sandboxes. Every decision is\nrecorded in a tamper-evident audit log.",
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
