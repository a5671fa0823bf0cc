// Package judge holds the deterministic output validator and the
// LLM-as-judge evaluator.
package judge

import (
	"strings"

	"dispatch/internal/task"
)

// ValidationResult is the outcome of structural validation.
type ValidationResult struct {
	OK      bool     `json:"ok"`
	Reasons []string `json:"reasons,omitempty"`
}

// uncertaintyMarker fails validation regardless of task type.
const uncertaintyMarker = "I am not sure"

// minAnalysisLength is the minimum output length for analysis tasks.
const minAnalysisLength = 20

// Validate runs task-type-specific structural checks on a model output.
// Execution errors are handled by the runner before validation.
func Validate(tt task.Type, output string) ValidationResult {
	var reasons []string

	trimmed := strings.TrimSpace(output)
	if trimmed == "" {
		reasons = append(reasons, "empty output")
	}
	if strings.Contains(output, uncertaintyMarker) {
		reasons = append(reasons, "output contains uncertainty marker")
	}

	switch tt {
	case task.TypeAnalysis:
		if len(trimmed) < minAnalysisLength {
			reasons = append(reasons, "analysis output shorter than 20 characters")
		}
	case task.TypeCode:
		// Refusals from code tasks show up as prose apologies with no
		// code-like content at all.
		if trimmed != "" && len(trimmed) < 3 {
			reasons = append(reasons, "code output too short")
		}
	}

	return ValidationResult{OK: len(reasons) == 0, Reasons: reasons}
}
