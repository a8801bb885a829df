package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/quantgate/quantgate/internal/audit"
	"github.com/quantgate/quantgate/internal/events"
	"github.com/quantgate/quantgate/internal/gateway"
	"github.com/quantgate/quantgate/internal/logging"
	"github.com/quantgate/quantgate/internal/model"
	"github.com/quantgate/quantgate/internal/netguard"
	"github.com/quantgate/quantgate/internal/policy"
	"github.com/quantgate/quantgate/internal/pool"
	"github.com/quantgate/quantgate/internal/sandbox"
	"github.com/quantgate/quantgate/internal/validate"
)

var (
	execPolicy   string
	execType     string
	execLevel    string
	execAuditLog string
	execInputs   string
	execTimeout  time.Duration
)

func init() {
	rootCmd.AddCommand(execCmd)
	execCmd.Flags().StringVar(&execPolicy, "policy", "", "Path to policy YAML (optional)")
	execCmd.Flags().StringVarP(&execType, "type", "t", "expression", "Content type (code|expression)")
	execCmd.Flags().StringVarP(&execLevel, "level", "l", string(model.LevelNamespaceSandbox), "Requested isolation level")
	execCmd.Flags().StringVar(&execAuditLog, "audit-log", "quantgate-audit.jsonl", "Path to audit log JSONL file")
	execCmd.Flags().StringVar(&execInputs, "inputs", "", "Path to JSON file with named input series")
	execCmd.Flags().DurationVar(&execTimeout, "timeout", 10*time.Second, "Execution deadline")
}

var execCmd = &cobra.Command{
	Use:   "exec [file]",
	Short: "Validate and execute content in a sandbox",
	Long: "Runs a file, or stdin when no file is given, through the full pipeline:\n" +
		"capability validation, sandbox execution at the requested isolation\n" +
		"level, audit recording. Prints the execution output.",
	Args: cobra.MaximumNArgs(1),
	RunE: runExec,
}

func runExec(cmd *cobra.Command, args []string) error {
	ct := model.ContentType(execType)
	if ct != model.ContentCode && ct != model.ContentExpression {
		return fmt.Errorf("content type %q is not executable", execType)
	}
	level := model.IsolationLevel(execLevel)
	if !level.Valid() {
		return fmt.Errorf("unknown isolation level %q", execLevel)
	}

	var content []byte
	var err error
	if len(args) == 1 {
		content, err = os.ReadFile(args[0])
	} else {
		content, err = io.ReadAll(os.Stdin)
	}
	if err != nil {
		return fmt.Errorf("read content: %w", err)
	}

	var inputs map[string][]float64
	if execInputs != "" {
		raw, err := os.ReadFile(execInputs)
		if err != nil {
			return fmt.Errorf("read inputs: %w", err)
		}
		if err := json.Unmarshal(raw, &inputs); err != nil {
			return fmt.Errorf("parse inputs: %w", err)
		}
	}

	log, closeLog, err := logging.New(logging.Options{Level: "warn"})
	if err != nil {
		return err
	}
	defer closeLog()

	cfg, hash, err := policy.LoadWithHash(execPolicy)
	if err != nil {
		return fmt.Errorf("failed to load policy: %w", err)
	}
	store := policy.NewStore(policy.Compile(cfg, hash))

	runnerPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to locate own binary: %w", err)
	}
	registry := sandbox.NewRegistry(
		sandbox.NewMicroVM(cfg.Backends),
		sandbox.NewGvisor(cfg.Backends, runnerPath),
		sandbox.NewContainer(cfg.Backends, runnerPath),
		sandbox.NewBwrap(cfg.Backends, runnerPath),
		sandbox.NewASTOnly(),
	)

	guard, err := netguard.New(cfg.Network)
	if err != nil {
		return fmt.Errorf("failed to build network guard: %w", err)
	}

	auditLog, err := audit.Open(execAuditLog, cfg.Audit.RotateBytes)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}
	defer auditLog.Close()
	auditor := audit.NewWriter(auditLog, nil, audit.Options{}, log)
	defer auditor.Close()

	pools := pool.NewManager(registry, cfg.Pools, pool.Hooks{}, log)
	defer pools.Close()

	bus := events.NewBus()
	gw := gateway.New(gateway.Deps{
		Store:     store,
		Validator: validate.New(store),
		Pools:     pools,
		Registry:  registry,
		Ladder:    gateway.NewLadder(cfg.DegradeAfter, bus, log),
		Guard:     guard,
		Auditor:   auditor,
		Bus:       bus,
		Log:       log,
	})

	sec := model.NewSecurityContext("cli", level, model.ResourceBudget{}, execTimeout)
	out, err := gw.Execute(context.Background(), sec, string(content), ct, inputs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "BLOCKED: %v\n", err)
		for _, v := range out.Validation.Violations {
			fmt.Fprintf(os.Stderr, "  %s\n", v)
		}
		os.Exit(77)
	}

	if out.Degraded {
		fmt.Fprintf(os.Stderr, "note: degraded to %s\n", out.Level)
	}
	if out.Execution != nil {
		if !out.Execution.Success {
			fmt.Fprintf(os.Stderr, "execution failed (%s): %s\n", out.Execution.Class, out.Execution.FailureCause)
			os.Exit(1)
		}
		fmt.Print(out.Execution.Output)
	}
	return nil
}
