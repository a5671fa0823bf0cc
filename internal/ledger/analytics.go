package ledger

// Regret kinds.
const (
	RegretQuality = "quality" // cheap-first stayed below target without escalation
	RegretCost    = "cost"    // escalation pushed realized cost past the normal choice
)

// Regret is one run where the cheap-first bet did not pay off.
type Regret struct {
	RunSessionID          string  `json:"run_session_id"`
	PackageID             string  `json:"package_id"`
	Kind                  string  `json:"kind"`
	NormalExpectedCostUSD float64 `json:"normal_expected_cost_usd,omitempty"`
	RealizedCostUSD       float64 `json:"realized_cost_usd,omitempty"`
	FinalScore            float64 `json:"final_score,omitempty"`
	TargetScore           float64 `json:"target_score,omitempty"`
}

// Summary aggregates a window of ledger entries. Pure over its inputs.
type Summary struct {
	Runs            int            `json:"runs"`
	Counts          Counts         `json:"counts"`
	Costs           Costs          `json:"costs"`
	AvgRunUSD       float64        `json:"avg_run_usd"`
	Escalations     int            `json:"escalations"`
	CheapFirstUses  int            `json:"cheap_first_uses"`
	BypassReasons   map[string]int `json:"bypass_reasons,omitempty"`
	PrimaryBlockers map[string]int `json:"primary_blockers,omitempty"`
	RegretExamples  []Regret       `json:"regret_examples,omitempty"`
}

// maxRegretExamples bounds the example list in a summary.
const maxRegretExamples = 20

// Summarize folds ledger entries into window totals, histograms of bypass
// reasons and cheap-first primary blockers, and regret examples.
func Summarize(entries []Entry) Summary {
	sum := Summary{
		BypassReasons:   make(map[string]int),
		PrimaryBlockers: make(map[string]int),
	}

	for _, e := range entries {
		sum.Runs++
		sum.Counts.Total += e.Counts.Total
		sum.Counts.Completed += e.Counts.Completed
		sum.Counts.Failed += e.Counts.Failed
		sum.Counts.Skipped += e.Counts.Skipped

		sum.Costs.CouncilUSD += e.Costs.CouncilUSD
		sum.Costs.WorkerUSD += e.Costs.WorkerUSD
		sum.Costs.QAUSD += e.Costs.QAUSD
		sum.Costs.DeterministicQAUSD += e.Costs.DeterministicQAUSD
		sum.Costs.TotalUSD += e.Costs.TotalUSD

		sum.Escalations += e.Escalations
		for reason, n := range e.BypassCounts {
			sum.BypassReasons[reason] += n
		}

		escalatedPackages := make(map[string]Decision)
		for _, d := range e.Decisions {
			if d.Type == DecisionEscalation {
				escalatedPackages[d.PackageID] = d
			}
		}

		for _, d := range e.Decisions {
			if d.Type != DecisionRoute {
				continue
			}
			if d.PrimaryBlocker != "" {
				sum.PrimaryBlockers[d.PrimaryBlocker]++
			}
			if !d.CheapFirstUsed {
				continue
			}
			sum.CheapFirstUses++

			if esc, ok := escalatedPackages[d.PackageID]; ok {
				if d.NormalExpectedCostUSD > 0 && esc.RealizedCostUSD > d.NormalExpectedCostUSD {
					sum.addRegret(Regret{
						RunSessionID:          e.RunSessionID,
						PackageID:             d.PackageID,
						Kind:                  RegretCost,
						NormalExpectedCostUSD: d.NormalExpectedCostUSD,
						RealizedCostUSD:       esc.RealizedCostUSD,
						FinalScore:            esc.FinalScore,
						TargetScore:           esc.TargetScore,
					})
				}
			} else if d.TargetScore > 0 && d.FinalScore > 0 && d.FinalScore < d.TargetScore {
				sum.addRegret(Regret{
					RunSessionID:          e.RunSessionID,
					PackageID:             d.PackageID,
					Kind:                  RegretQuality,
					NormalExpectedCostUSD: d.NormalExpectedCostUSD,
					RealizedCostUSD:       d.RealizedCostUSD,
					FinalScore:            d.FinalScore,
					TargetScore:           d.TargetScore,
				})
			}
		}
	}

	if sum.Runs > 0 {
		sum.AvgRunUSD = sum.Costs.TotalUSD / float64(sum.Runs)
	}
	return sum
}

func (s *Summary) addRegret(r Regret) {
	if len(s.RegretExamples) < maxRegretExamples {
		s.RegretExamples = append(s.RegretExamples, r)
	}
}
