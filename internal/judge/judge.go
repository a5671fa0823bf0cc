package judge

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"dispatch/internal/provider"
	"dispatch/internal/task"
)

// Dimensions are the four judge scoring dimensions, each in [0,1].
type Dimensions struct {
	Correctness  float64 `json:"correctness"`
	Completeness float64 `json:"completeness"`
	Clarity      float64 `json:"clarity"`
	Safety       float64 `json:"safety"`
}

// Evaluation is the judge's verdict for one output. Status "error" means the
// judge call itself failed; the run is never failed because of it.
type Evaluation struct {
	Status         string            `json:"status"` // "ok" or "error"
	Dimensions     Dimensions        `json:"dimensions"`
	DimensionNotes map[string]string `json:"dimension_notes,omitempty"`
	Compliance     float64           `json:"compliance"`
	Overall        float64           `json:"overall"`
	JudgeModelID   string            `json:"judge_model_id,omitempty"`
	Error          string            `json:"error,omitempty"`
}

// Weights are the per-task-type dimension weights used to compute the
// overall score. They sum to 1.
type Weights struct {
	Correctness  float64
	Compliance   float64
	Completeness float64
	Clarity      float64
	Safety       float64
}

// WeightsFor returns the dimension weights for a task type. Code leans on
// correctness, writing on compliance and presentation, analysis is balanced,
// general splits evenly across quality dimensions.
func WeightsFor(tt task.Type) Weights {
	switch tt {
	case task.TypeCode:
		return Weights{Correctness: 0.50, Compliance: 0.20, Completeness: 0.15, Clarity: 0.10, Safety: 0.05}
	case task.TypeWriting:
		return Weights{Correctness: 0.20, Compliance: 0.30, Completeness: 0.25, Clarity: 0.20, Safety: 0.05}
	case task.TypeAnalysis:
		return Weights{Correctness: 0.30, Compliance: 0.20, Completeness: 0.25, Clarity: 0.20, Safety: 0.05}
	default:
		return Weights{Correctness: 0.2375, Compliance: 0.2375, Completeness: 0.2375, Clarity: 0.2375, Safety: 0.05}
	}
}

// Overall computes the weighted overall score for a task type.
func Overall(tt task.Type, d Dimensions, compliance float64) float64 {
	w := WeightsFor(tt)
	return w.Correctness*d.Correctness +
		w.Compliance*compliance +
		w.Completeness*d.Completeness +
		w.Clarity*d.Clarity +
		w.Safety*d.Safety
}

// Judge evaluates a task output.
type Judge interface {
	Evaluate(ctx context.Context, card task.Card, directive, output string) Evaluation
}

// LLMJudge scores outputs by asking a judge model for a strict JSON verdict.
type LLMJudge struct {
	pool         *provider.Pool
	providerName string
	modelID      string
}

// NewLLMJudge creates a judge backed by the given provider and model.
func NewLLMJudge(pool *provider.Pool, providerName, modelID string) *LLMJudge {
	return &LLMJudge{pool: pool, providerName: providerName, modelID: modelID}
}

// judgeResponse is the strict JSON shape the judge model must return.
// dimension_notes and compliance are required on ingest for new evals;
// persisted calibration records from before this schema may omit them.
type judgeResponse struct {
	Dimensions     *Dimensions       `json:"dimensions"`
	DimensionNotes map[string]string `json:"dimension_notes"`
	Compliance     *float64          `json:"compliance"`
}

// Evaluate implements Judge. Failures return a status "error" evaluation;
// they are logged by the caller and never fail the run.
func (j *LLMJudge) Evaluate(ctx context.Context, card task.Card, directive, output string) Evaluation {
	prompt := buildJudgePrompt(card, directive, output)

	resp, err := j.pool.Execute(ctx, j.providerName, &provider.Request{
		Model:     j.modelID,
		Prompt:    prompt,
		MaxTokens: 1024,
	})
	if err != nil {
		return Evaluation{Status: "error", JudgeModelID: j.modelID, Error: err.Error()}
	}

	eval, err := parseJudgeResponse(card.Type, resp.Content)
	if err != nil {
		log.Printf("[Judge] Unparseable verdict from %s: %v", j.modelID, err)
		return Evaluation{Status: "error", JudgeModelID: j.modelID, Error: err.Error()}
	}
	eval.JudgeModelID = j.modelID
	return eval
}

func buildJudgePrompt(card task.Card, directive, output string) string {
	var b strings.Builder
	b.WriteString("You are a strict evaluator. Score the following task output.\n\n")
	if directive != "" {
		fmt.Fprintf(&b, "User directive:\n%s\n\n", directive)
	}
	fmt.Fprintf(&b, "Task type: %s\nDifficulty: %s\n\nOutput to evaluate:\n%s\n\n", card.Type, card.Difficulty, output)
	b.WriteString(`Respond with ONLY a JSON object of this exact shape:
{"dimensions":{"correctness":0.0,"completeness":0.0,"clarity":0.0,"safety":0.0},"dimension_notes":{"correctness":"...","completeness":"...","clarity":"...","safety":"..."},"compliance":0.0}
All scores are in [0,1].`)
	return b.String()
}

// parseJudgeResponse extracts and validates the judge's JSON verdict.
// dimensions and compliance are required; out-of-range scores are rejected.
func parseJudgeResponse(tt task.Type, content string) (Evaluation, error) {
	raw := extractJSONObject(content)
	if raw == "" {
		return Evaluation{}, fmt.Errorf("no JSON object in judge response")
	}

	var parsed judgeResponse
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return Evaluation{}, fmt.Errorf("decode judge response: %w", err)
	}
	if parsed.Dimensions == nil {
		return Evaluation{}, fmt.Errorf("judge response missing dimensions")
	}
	if parsed.Compliance == nil {
		return Evaluation{}, fmt.Errorf("judge response missing compliance")
	}
	if parsed.DimensionNotes == nil {
		return Evaluation{}, fmt.Errorf("judge response missing dimension_notes")
	}

	d := *parsed.Dimensions
	for name, v := range map[string]float64{
		"correctness":  d.Correctness,
		"completeness": d.Completeness,
		"clarity":      d.Clarity,
		"safety":       d.Safety,
		"compliance":   *parsed.Compliance,
	} {
		if v < 0 || v > 1 {
			return Evaluation{}, fmt.Errorf("judge score %s=%v out of [0,1]", name, v)
		}
	}

	return Evaluation{
		Status:         "ok",
		Dimensions:     d,
		DimensionNotes: parsed.DimensionNotes,
		Compliance:     *parsed.Compliance,
		Overall:        Overall(tt, d, *parsed.Compliance),
	}, nil
}

// extractJSONObject pulls the first balanced {...} block out of a response,
// tolerating code fences and surrounding prose.
func extractJSONObject(s string) string {
	start := strings.Index(s, "{")
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			if escaped {
				escaped = false
			} else if c == '\\' {
				escaped = true
			} else if c == '"' {
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

// StaticJudge returns a fixed evaluation for every call. Tests only.
type StaticJudge struct {
	Evals []Evaluation
	idx   int
}

// Evaluate implements Judge, returning queued evaluations in order and
// repeating the last one when exhausted.
func (s *StaticJudge) Evaluate(ctx context.Context, card task.Card, directive, output string) Evaluation {
	if len(s.Evals) == 0 {
		return Evaluation{Status: "ok", Overall: 0.8, Compliance: 0.8}
	}
	e := s.Evals[s.idx]
	if s.idx < len(s.Evals)-1 {
		s.idx++
	}
	return e
}
