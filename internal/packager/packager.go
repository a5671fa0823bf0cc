// Package packager turns planned subtasks into an executable DAG of Worker
// and QA work packages with inferred routing attributes and acceptance
// criteria.
package packager

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"dispatch/internal/derr"
	"dispatch/internal/task"
)

// Roles.
const (
	RoleWorker = "Worker"
	RoleQA     = "QA"
)

// QA policies.
const (
	QAPolicyDeterministic = "deterministic"
	QAPolicyLLM           = "llm"
)

const (
	// llmSecondPassImportanceThreshold switches QA to an LLM second pass at
	// this importance and above.
	llmSecondPassImportanceThreshold = 4

	// highRiskLLMThreshold forces LLM QA regardless of importance.
	highRiskLLMThreshold = 0.6
)

// Subtask is one planned unit of work before packaging.
type Subtask struct {
	ID          string          `json:"id,omitempty"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Importance  int             `json:"importance"` // 1..5
	RiskScore   float64         `json:"risk_score"`
	DependsOn   []string        `json:"depends_on,omitempty"`
	TaskType    task.Type       `json:"task_type,omitempty"`
	Difficulty  task.Difficulty `json:"difficulty,omitempty"`

	TierProfileOverride  string `json:"tier_profile_override,omitempty"`
	CheapestViableChosen bool   `json:"cheapest_viable_chosen,omitempty"`
}

// WorkPackage is one routable node in the run DAG.
type WorkPackage struct {
	ID                 string          `json:"id"`
	Role               string          `json:"role"`
	Title              string          `json:"title"`
	Description        string          `json:"description"`
	TaskType           task.Type       `json:"task_type"`
	Difficulty         task.Difficulty `json:"difficulty"`
	Importance         int             `json:"importance"`
	RiskScore          float64         `json:"risk_score"`
	DependsOn          []string        `json:"depends_on,omitempty"`
	AcceptanceCriteria []string        `json:"acceptance_criteria,omitempty"`
	EstimatedTokens    int             `json:"estimated_tokens"`
	QAPolicy           string          `json:"qa_policy,omitempty"`
	SubjectPackageID   string          `json:"subject_package_id,omitempty"`

	TierProfileOverride  string `json:"tier_profile_override,omitempty"`
	CheapestViableChosen bool   `json:"cheapest_viable_chosen,omitempty"`
}

// QAVerdict is the structured output a QA package produces.
type QAVerdict struct {
	Pass         bool     `json:"pass"`
	QualityScore float64  `json:"quality_score"`
	Defects      []string `json:"defects,omitempty"`
}

// Build packages subtasks into a validated Worker/QA DAG. Every subtask
// becomes a Worker package; medium and high difficulty Workers additionally
// get a QA package depending on exactly that Worker.
func Build(subtasks []Subtask) ([]WorkPackage, error) {
	if len(subtasks) == 0 {
		return nil, derr.New(derr.CodeValidation, "no subtasks to package")
	}

	byID := make(map[string]bool, len(subtasks))
	var packages []WorkPackage

	for _, st := range subtasks {
		if st.ID == "" {
			st.ID = uuid.NewString()
		}
		if byID[st.ID] {
			return nil, derr.Newf(derr.CodeValidation, "duplicate subtask id %q", st.ID)
		}
		byID[st.ID] = true

		tt := st.TaskType
		if tt == "" {
			tt = InferTaskType(st.Title + " " + st.Description)
		}
		diff := st.Difficulty
		if diff == "" {
			diff = InferDifficulty(st.Title + " " + st.Description)
		}
		importance := st.Importance
		if importance < 1 {
			importance = 3
		}
		if importance > 5 {
			importance = 5
		}

		worker := WorkPackage{
			ID:                 st.ID,
			Role:               RoleWorker,
			Title:              st.Title,
			Description:        st.Description,
			TaskType:           tt,
			Difficulty:         diff,
			Importance:         importance,
			RiskScore:          st.RiskScore,
			DependsOn:          append([]string{}, st.DependsOn...),
			AcceptanceCriteria: acceptanceCriteria(tt, diff, st),
			EstimatedTokens:    estimateTokens(st.Description, diff, true),
			QAPolicy:           chooseQAPolicy(importance, st.RiskScore),

			TierProfileOverride:  st.TierProfileOverride,
			CheapestViableChosen: st.CheapestViableChosen,
		}
		packages = append(packages, worker)

		if diff == task.DifficultyMedium || diff == task.DifficultyHigh {
			packages = append(packages, WorkPackage{
				ID:               st.ID + "-qa",
				Role:             RoleQA,
				Title:            "QA: " + st.Title,
				Description:      fmt.Sprintf("Review the output of %q against its acceptance criteria. Report pass, a quality score in [0,1], and concrete defects.", st.Title),
				TaskType:         task.TypeAnalysis,
				Difficulty:       task.DifficultyMedium,
				Importance:       importance,
				RiskScore:        st.RiskScore,
				DependsOn:        []string{st.ID},
				EstimatedTokens:  estimateTokens(st.Description, task.DifficultyMedium, false),
				QAPolicy:         worker.QAPolicy,
				SubjectPackageID: st.ID,
			})
		}
	}

	if err := Validate(packages); err != nil {
		return nil, err
	}
	return packages, nil
}

// Validate checks the package graph invariants: unique ids, known
// dependencies, no cycles, QA packages depending on exactly one Worker, and
// Workers carrying at least three acceptance criteria.
func Validate(packages []WorkPackage) error {
	byID := make(map[string]WorkPackage, len(packages))
	for _, p := range packages {
		byID[p.ID] = p
	}
	for _, p := range packages {
		switch p.Role {
		case RoleWorker:
			if len(p.AcceptanceCriteria) < 3 {
				return derr.Newf(derr.CodeValidation, "worker package %q has fewer than 3 acceptance criteria", p.ID)
			}
		case RoleQA:
			if len(p.DependsOn) != 1 {
				return derr.Newf(derr.CodeValidation, "qa package %q must depend on exactly one worker", p.ID)
			}
			dep, ok := byID[p.DependsOn[0]]
			if ok && dep.Role != RoleWorker {
				return derr.Newf(derr.CodeValidation, "qa package %q depends on non-worker %q", p.ID, dep.ID)
			}
		default:
			return derr.Newf(derr.CodeValidation, "package %q has unknown role %q", p.ID, p.Role)
		}
	}
	return validateDAG(packages)
}

// chooseQAPolicy selects deterministic checks or an LLM second pass.
func chooseQAPolicy(importance int, riskScore float64) string {
	if importance >= llmSecondPassImportanceThreshold || riskScore >= highRiskLLMThreshold {
		return QAPolicyLLM
	}
	return QAPolicyDeterministic
}

// estimateTokens sizes a package: base 500, plus description-proportional
// input capped at 3000, plus a role term, scaled by difficulty.
func estimateTokens(description string, diff task.Difficulty, worker bool) int {
	tokens := 500
	desc := 2 * len(description)
	if desc > 3000 {
		desc = 3000
	}
	tokens += desc
	if worker {
		tokens += 800
	} else {
		tokens += 200
	}
	switch diff {
	case task.DifficultyLow:
		return int(float64(tokens) * 0.7)
	case task.DifficultyHigh:
		return int(float64(tokens) * 1.5)
	default:
		return tokens
	}
}

// validateDAG checks id uniqueness, dependency existence, and acyclicity.
func validateDAG(packages []WorkPackage) error {
	ids := make(map[string][]string, len(packages))
	for _, p := range packages {
		if _, dup := ids[p.ID]; dup {
			return derr.Newf(derr.CodeValidation, "duplicate package id %q", p.ID)
		}
		ids[p.ID] = p.DependsOn
	}
	for _, p := range packages {
		for _, dep := range p.DependsOn {
			if _, ok := ids[dep]; !ok {
				return derr.Newf(derr.CodeValidation, "package %q depends on unknown package %q", p.ID, dep)
			}
		}
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(ids))
	var visit func(id string) error
	visit = func(id string) error {
		switch color[id] {
		case gray:
			return derr.Newf(derr.CodeValidation, "dependency cycle through package %q", id)
		case black:
			return nil
		}
		color[id] = gray
		for _, dep := range ids[id] {
			if err := visit(dep); err != nil {
				return err
			}
		}
		color[id] = black
		return nil
	}
	for id := range ids {
		if err := visit(id); err != nil {
			return err
		}
	}
	return nil
}

// acceptanceCriteria draws three to seven criteria from the template bank,
// indexed by task type and scaled up for difficulty and risk.
func acceptanceCriteria(tt task.Type, diff task.Difficulty, st Subtask) []string {
	bank := criteriaBank[tt]
	if bank == nil {
		bank = criteriaBank[task.TypeGeneral]
	}

	n := 3
	switch diff {
	case task.DifficultyMedium:
		n++
	case task.DifficultyHigh:
		n += 2
	}
	if st.RiskScore >= highRiskLLMThreshold {
		n += 2
	}
	if n > 7 {
		n = 7
	}
	if n > len(bank) {
		n = len(bank)
	}

	out := make([]string, 0, n)
	for _, c := range bank[:n] {
		out = append(out, strings.ReplaceAll(c, "{title}", st.Title))
	}
	return out
}

var criteriaBank = map[task.Type][]string{
	task.TypeCode: {
		"Output for {title} compiles or parses without errors",
		"All stated requirements of {title} are implemented",
		"Edge cases and error paths are handled explicitly",
		"No obviously dead or unreachable code is introduced",
		"Naming and structure are consistent with the surrounding description",
		"Security-sensitive inputs are validated",
		"The change is self-contained and does not break stated dependencies",
	},
	task.TypeWriting: {
		"Output for {title} covers every point in the description",
		"Tone and register match the stated audience",
		"No factual claims contradict the source material",
		"Structure is coherent with a clear opening and close",
		"Length is appropriate to the brief",
		"Terminology is used consistently throughout",
		"No placeholder or filler text remains",
	},
	task.TypeAnalysis: {
		"Conclusion for {title} is explicitly stated",
		"Each claim is supported by evidence from the inputs",
		"Alternative explanations are acknowledged",
		"Quantitative statements include their basis",
		"Assumptions are listed separately from findings",
		"Limitations of the analysis are noted",
		"Recommendation follows from the findings",
	},
	task.TypeGeneral: {
		"Output for {title} addresses the full description",
		"Response is internally consistent",
		"No instructions in the description are ignored",
		"Output is complete with no truncation",
		"Ambiguities are resolved explicitly rather than silently",
		"Formatting matches what the description asks for",
		"No unsupported claims are made",
	},
}

// Keyword tables for attribute inference.
var (
	codeKeywords     = []string{"implement", "refactor", "fix", "bug", "api", "endpoint", "function", "code", "compile", "deploy", "script", "test"}
	writingKeywords  = []string{"write", "draft", "document", "blog", "article", "copy", "email", "announcement", "summary"}
	analysisKeywords = []string{"analyze", "analysis", "investigate", "compare", "evaluate", "research", "assess", "audit", "benchmark"}

	highKeywords = []string{"architecture", "distributed", "migration", "security", "concurrency", "redesign", "complex", "end-to-end"}
	lowKeywords  = []string{"typo", "rename", "trivial", "simple", "minor", "cleanup", "tweak"}
)

// InferTaskType keyword-classifies free text, defaulting to general.
func InferTaskType(text string) task.Type {
	lower := strings.ToLower(text)
	scores := map[task.Type]int{}
	for _, kw := range codeKeywords {
		scores[task.TypeCode] += strings.Count(lower, kw)
	}
	for _, kw := range writingKeywords {
		scores[task.TypeWriting] += strings.Count(lower, kw)
	}
	for _, kw := range analysisKeywords {
		scores[task.TypeAnalysis] += strings.Count(lower, kw)
	}

	best := task.TypeGeneral
	bestScore := 0
	for _, tt := range []task.Type{task.TypeCode, task.TypeWriting, task.TypeAnalysis} {
		if scores[tt] > bestScore {
			best = tt
			bestScore = scores[tt]
		}
	}
	return best
}

// InferDifficulty keyword-classifies free text, defaulting to medium.
func InferDifficulty(text string) task.Difficulty {
	lower := strings.ToLower(text)
	for _, kw := range highKeywords {
		if strings.Contains(lower, kw) {
			return task.DifficultyHigh
		}
	}
	for _, kw := range lowKeywords {
		if strings.Contains(lower, kw) {
			return task.DifficultyLow
		}
	}
	return task.DifficultyMedium
}

// Card converts a package into its routing card.
func (p WorkPackage) Card(maxCostUSD *float64, minQuality *float64) task.Card {
	return task.Card{
		ID:         p.ID,
		Type:       p.TaskType,
		Difficulty: p.Difficulty,
		Constraints: task.Constraints{
			MinQuality: minQuality,
			MaxCostUSD: maxCostUSD,
		},
	}
}

// ParseQAVerdict extracts a QA verdict from model output. A structured JSON
// object wins; a bare PASS/FAIL line is honored as a fallback; anything else
// fails closed with the parse problem as a defect.
func ParseQAVerdict(output string) QAVerdict {
	if raw := firstJSONObject(output); raw != "" {
		var v QAVerdict
		if err := json.Unmarshal([]byte(raw), &v); err == nil {
			if v.QualityScore < 0 {
				v.QualityScore = 0
			}
			if v.QualityScore > 1 {
				v.QualityScore = 1
			}
			return v
		}
	}

	trimmed := strings.ToLower(strings.TrimSpace(output))
	switch {
	case strings.HasPrefix(trimmed, "pass"):
		return QAVerdict{Pass: true, QualityScore: 0.8}
	case strings.HasPrefix(trimmed, "fail"):
		return QAVerdict{Pass: false, QualityScore: 0.4, Defects: []string{"QA reported failure"}}
	}
	return QAVerdict{Defects: []string{"unparseable QA verdict"}}
}

// firstJSONObject returns the first balanced {...} block, tolerating code
// fences and surrounding prose.
func firstJSONObject(s string) string {
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
