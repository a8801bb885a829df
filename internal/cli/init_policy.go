package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/quantgate/quantgate/internal/policy"
)

var initPolicyOut string

func init() {
	rootCmd.AddCommand(initPolicyCmd)
	initPolicyCmd.Flags().StringVarP(&initPolicyOut, "out", "o", "", "Output path (default ~/.quantgate/policy.yaml)")
}

var initPolicyCmd = &cobra.Command{
	Use:   "init-policy",
	Short: "Generate default policy.yaml with comments",
	Long:  "Creates ~/.quantgate/policy.yaml with the default capability sets,\nresource ceilings, pool sizes, and network rules.\nEdit this file to customize gateway behavior.",
	RunE:  runInitPolicy,
}

func runInitPolicy(cmd *cobra.Command, args []string) error {
	path := initPolicyOut
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("cannot determine home directory: %w", err)
		}
		dir := filepath.Join(home, ".quantgate")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("cannot create config directory: %w", err)
		}
		path = filepath.Join(dir, "policy.yaml")
	}

	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("policy.yaml already exists at %s", path)
	}

	if err := os.WriteFile(path, []byte(policy.DefaultDocumentYAML()), 0o644); err != nil {
		return fmt.Errorf("failed to write policy.yaml: %w", err)
	}

	fmt.Printf("Created %s\n", path)
	return nil
}
