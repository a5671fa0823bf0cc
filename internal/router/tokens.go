package router

import "dispatch/internal/task"

const (
	directiveCharsPerToken = 4
	directiveInputMin      = 200
	directiveInputMax      = 6000
	directiveOutputRatio   = 0.6

	// directiveEstimateMinTotal is the minimum combined estimate for the
	// directive heuristic to be trusted over the base table.
	directiveEstimateMinTotal = 800
)

// EstimateTokens derives the token estimate for a routing call. A non-empty
// directive yields input = clamp(len/4, 200, 6000) and output = 0.6*input;
// when their sum falls under 800 the per-task-type base estimates apply
// instead. Both paths scale by the difficulty multiplier.
func EstimateTokens(cfg Config, card task.Card, directive string) TokenEstimate {
	var est TokenEstimate

	if directive != "" {
		input := len(directive) / directiveCharsPerToken
		if input < directiveInputMin {
			input = directiveInputMin
		}
		if input > directiveInputMax {
			input = directiveInputMax
		}
		output := int(float64(input) * directiveOutputRatio)
		if input+output >= directiveEstimateMinTotal {
			est = TokenEstimate{Input: input, Output: output}
		}
	}

	if est.Input == 0 {
		base, ok := cfg.BaseTokenEstimates[card.Type]
		if !ok {
			base = cfg.BaseTokenEstimates[task.TypeGeneral]
		}
		est = base
	}

	mult := cfg.DifficultyMultipliers[card.Difficulty]
	if mult <= 0 {
		mult = 1
	}
	est.Input = int(float64(est.Input) * mult)
	est.Output = int(float64(est.Output) * mult)
	return est
}
