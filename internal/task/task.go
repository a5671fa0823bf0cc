package task

// Type classifies what kind of work a task is. It drives token estimation,
// qualification thresholds, judge weighting, and escalation ordering.
type Type string

const (
	TypeCode     Type = "code"
	TypeWriting  Type = "writing"
	TypeAnalysis Type = "analysis"
	TypeGeneral  Type = "general"
)

// Types lists all known task types in a stable order.
func Types() []Type {
	return []Type{TypeCode, TypeWriting, TypeAnalysis, TypeGeneral}
}

// Valid reports whether the type is one of the known task types.
func (t Type) Valid() bool {
	switch t {
	case TypeCode, TypeWriting, TypeAnalysis, TypeGeneral:
		return true
	}
	return false
}

// Difficulty is the estimated difficulty band of a task.
type Difficulty string

const (
	DifficultyLow    Difficulty = "low"
	DifficultyMedium Difficulty = "medium"
	DifficultyHigh   Difficulty = "high"
)

// Valid reports whether the difficulty is one of the known bands.
func (d Difficulty) Valid() bool {
	switch d {
	case DifficultyLow, DifficultyMedium, DifficultyHigh:
		return true
	}
	return false
}

// Constraints carries optional per-task routing constraints.
type Constraints struct {
	// MinQuality raises the qualification threshold for this task. Nil means
	// no task-level minimum.
	MinQuality *float64 `json:"min_quality,omitempty"`

	// MaxCostUSD caps the expected cost of any chosen model. Nil means no cap.
	MaxCostUSD *float64 `json:"max_cost_usd,omitempty"`
}

// Card is the routing input for a single task.
type Card struct {
	ID          string      `json:"id"`
	Type        Type        `json:"task_type"`
	Difficulty  Difficulty  `json:"difficulty"`
	Constraints Constraints `json:"constraints,omitempty"`
}
