package cli

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/quantgate/quantgate/internal/audit"
)

var (
	tailLines      int
	queryRequestID string
	queryComponent string
	queryDecision  string
	queryLimit     int
)

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditVerifyCmd)
	auditCmd.AddCommand(auditTailCmd)
	auditCmd.AddCommand(auditQueryCmd)
	auditTailCmd.Flags().IntVarP(&tailLines, "lines", "n", 10, "Number of recent entries to show")
	auditQueryCmd.Flags().StringVar(&queryRequestID, "request-id", "", "Filter by request ID")
	auditQueryCmd.Flags().StringVar(&queryComponent, "component", "", "Filter by component")
	auditQueryCmd.Flags().StringVar(&queryDecision, "decision", "", "Filter by decision")
	auditQueryCmd.Flags().IntVar(&queryLimit, "limit", 20, "Maximum entries to return")
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Audit log operations",
	Long:  "Commands for verifying and inspecting the hash-chained audit log.",
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify <path>",
	Short: "Verify hash chain integrity of an audit log",
	Long: "Walks the JSONL audit log, including rotated and compressed archives,\n" +
		"and validates that every entry's prev_hash matches the hash of the\n" +
		"previous entry. Exits 0 if valid, 1 if tampered.",
	Args: cobra.ExactArgs(1),
	RunE: runAuditVerify,
}

var auditTailCmd = &cobra.Command{
	Use:   "tail <path>",
	Short: "Show recent audit log entries",
	Long:  "Reads the last N entries from the JSONL audit log and pretty-prints them.",
	Args:  cobra.ExactArgs(1),
	RunE:  runAuditTail,
}

var auditQueryCmd = &cobra.Command{
	Use:   "query <index-db>",
	Short: "Query the audit index",
	Long:  "Searches the SQLite audit index by request ID, component, or decision\nand prints matching entries newest first.",
	Args:  cobra.ExactArgs(1),
	RunE:  runAuditQuery,
}

func runAuditVerify(cmd *cobra.Command, args []string) error {
	result := audit.Verify(args[0])
	if result.Valid {
		fmt.Printf("OK: %d entries verified across %d files\n", result.Lines, result.Files)
		return nil
	}
	fmt.Fprintf(os.Stderr, "FAILED at %s line %d: %s\n", result.ErrorFile, result.ErrorLine, result.Error)
	os.Exit(1)
	return nil
}

func runAuditTail(cmd *cobra.Command, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	// Read all lines, keep last N
	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read audit log: %w", err)
	}

	start := len(lines) - tailLines
	if start < 0 {
		start = 0
	}

	for _, line := range lines[start:] {
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			fmt.Println(line)
			continue
		}
		out, _ := json.MarshalIndent(entry, "", "  ")
		fmt.Println(string(out))
	}

	return nil
}

func runAuditQuery(cmd *cobra.Command, args []string) error {
	store, err := audit.OpenStore(args[0])
	if err != nil {
		return fmt.Errorf("open audit index: %w", err)
	}
	defer store.Close()

	rows, err := store.Query(audit.Filter{
		RequestID: queryRequestID,
		Component: queryComponent,
		Decision:  queryDecision,
		Limit:     queryLimit,
	})
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(rows, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
