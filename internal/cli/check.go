package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/quantgate/quantgate/internal/model"
	"github.com/quantgate/quantgate/internal/policy"
	"github.com/quantgate/quantgate/internal/validate"
)

var (
	checkPolicy string
	checkType   string
	checkFormat string
)

func init() {
	rootCmd.AddCommand(checkCmd)
	checkCmd.Flags().StringVar(&checkPolicy, "policy", "", "Path to policy YAML (optional)")
	checkCmd.Flags().StringVarP(&checkType, "type", "t", "code", "Content type (code|expression|prompt|config)")
	checkCmd.Flags().StringVarP(&checkFormat, "format", "f", "text", "Output format (text|json)")
}

var checkCmd = &cobra.Command{
	Use:   "check [file]",
	Short: "Validate content without executing it",
	Long: "Runs the capability validator against a file, or stdin when no file is\n" +
		"given, and reports the decision with violations and risk score.\n\n" +
		"Exit code 0 when approved, 1 when rejected.\n" +
		"Use in CI to gate strategy changes on policy correctness.",
	Args: cobra.MaximumNArgs(1),
	RunE: runCheck,
}

func runCheck(cmd *cobra.Command, args []string) error {
	ct := model.ContentType(checkType)
	if !ct.Valid() {
		return fmt.Errorf("unknown content type %q", checkType)
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

	cfg, hash, err := policy.LoadWithHash(checkPolicy)
	if err != nil {
		return fmt.Errorf("failed to load policy: %w", err)
	}
	store := policy.NewStore(policy.Compile(cfg, hash))

	res, err := validate.New(store).Validate(string(content), ct)
	if err != nil {
		return err
	}

	switch checkFormat {
	case "json":
		out, err := json.MarshalIndent(res, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
	default:
		if res.Approved {
			fmt.Printf("APPROVED (risk %d)\n", res.RiskScore)
		} else {
			fmt.Printf("REJECTED (risk %d)\n", res.RiskScore)
			for _, v := range res.Violations {
				fmt.Printf("  %s: %s\n", v.Kind, v.Detail)
			}
		}
	}

	if !res.Approved {
		os.Exit(1)
	}
	return nil
}
