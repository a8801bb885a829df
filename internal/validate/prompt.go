package validate

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/quantgate/quantgate/internal/model"
)

// injectionMarkers are case-insensitive substrings that indicate an
// attempt to override the downstream model's instructions. Prompt
// content is checked only against these and the size bound, never the
// full AST rules.
var injectionMarkers = []string{
	"ignore previous instructions",
	"ignore all previous",
	"disregard your instructions",
	"you are now",
	"system prompt:",
	"<|im_start|>",
	"[[system]]",
	"do anything now",
}

// scanPrompt checks prompt content for injection markers.
func scanPrompt(content string) []model.Violation {
	lower := strings.ToLower(content)
	var violations []model.Violation
	for _, marker := range injectionMarkers {
		idx := strings.Index(lower, marker)
		if idx < 0 {
			continue
		}
		line := 1 + strings.Count(content[:idx], "\n")
		violations = append(violations, model.Violation{
			Kind:   model.ViolationInjection,
			Detail: fmt.Sprintf("injection marker %q", marker),
			Line:   line,
		})
	}
	return violations
}

// scanConfig checks config content for YAML well-formedness. Capability
// rules do not apply: config is data, not executable.
func scanConfig(content string) []model.Violation {
	var doc any
	if err := yaml.Unmarshal([]byte(content), &doc); err != nil {
		return []model.Violation{{
			Kind:   model.ViolationParse,
			Detail: fmt.Sprintf("config is not well-formed YAML: %v", err),
		}}
	}
	return nil
}
