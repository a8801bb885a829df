package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/quantgate/quantgate/internal/interp"
	"github.com/quantgate/quantgate/internal/model"
)

var (
	runnerContentType string
	runnerDeadline    time.Duration
)

func init() {
	rootCmd.AddCommand(runnerCmd)
	runnerCmd.Flags().StringVar(&runnerContentType, "content-type", "expression", "Content type (code|expression)")
	runnerCmd.Flags().DurationVar(&runnerDeadline, "deadline", 0, "Self-imposed wall time limit, 0 disables")
}

// runnerCmd is the in-sandbox half of execution: the gateway re-invokes
// its own binary inside the isolation boundary with this subcommand,
// the payload on stdin, and nothing else. Hidden from help output.
var runnerCmd = &cobra.Command{
	Use:          "runner",
	Short:        "Evaluate sandboxed content from stdin",
	Hidden:       true,
	SilenceUsage: true,
	RunE:         runRunner,
}

func runRunner(cmd *cobra.Command, args []string) error {
	ct := model.ContentType(runnerContentType)
	if ct != model.ContentCode && ct != model.ContentExpression {
		return fmt.Errorf("content type %q is not executable", runnerContentType)
	}

	// Second line of defense behind the external process-group kill.
	if runnerDeadline > 0 {
		time.AfterFunc(runnerDeadline, func() {
			fmt.Fprintln(os.Stderr, "runner: deadline exceeded")
			os.Exit(124)
		})
	}

	payload, err := interp.DecodePayload(os.Stdin)
	if err != nil {
		return err
	}

	res, err := interp.Evaluate(interp.Request{
		Content: payload.Content,
		Type:    ct,
		Inputs:  payload.Inputs,
	})
	if err != nil {
		return err
	}
	fmt.Print(res.Output)
	return nil
}
